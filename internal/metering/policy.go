package metering

import (
	"errors"
	"fmt"

	"github.com/gosuda/meterchain/internal/domain"
)

// RefundPolicy decides whether the cost of a failed work unit is returned.
type RefundPolicy string

const (
	// RefundNone keeps the charge on every failure: the collaborator may
	// have consumed real cost even when it errors.
	RefundNone RefundPolicy = "none"
	// RefundAlways returns the charge on every failure.
	RefundAlways RefundPolicy = "always"
	// RefundNotStarted returns the charge only when the collaborator
	// reports that the work never started.
	RefundNotStarted RefundPolicy = "not_started"
)

func ParseRefundPolicy(s string) (RefundPolicy, error) {
	switch RefundPolicy(s) {
	case RefundNone, RefundAlways, RefundNotStarted:
		return RefundPolicy(s), nil
	case "":
		return RefundNone, nil
	}
	return "", fmt.Errorf("metering.ParseRefundPolicy: %q: %w", s, domain.ErrInvalidInput)
}

// Refunds reports whether a unit that failed with cause is refunded.
func (p RefundPolicy) Refunds(cause error) bool {
	switch p {
	case RefundAlways:
		return true
	case RefundNotStarted:
		return errors.Is(cause, domain.ErrWorkNotStarted)
	}
	return false
}
