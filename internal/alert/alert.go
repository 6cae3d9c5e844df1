// Package alert delivers operator alerts for conditions that must never be
// swallowed, such as a broken evidence chain.
package alert

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityWarning  Severity = "warning"
)

// Alert is one operator-facing message.
type Alert struct {
	Severity Severity
	Title    string
	Text     string
	Fields   map[string]string
}

// SortedKeys returns the field names in a stable order for rendering.
func (a Alert) SortedKeys() []string {
	return slices.Sorted(maps.Keys(a.Fields))
}

// Alerter sends an alert to an operator channel.
type Alerter interface {
	Alert(ctx context.Context, a Alert) error
}

// LogAlerter writes alerts to the process log. It is the fallback when no
// chat integration is configured.
type LogAlerter struct{}

func (LogAlerter) Alert(_ context.Context, a Alert) error {
	var ev *zerolog.Event
	if a.Severity == SeverityCritical {
		ev = log.Error()
	} else {
		ev = log.Warn()
	}
	ev = ev.Str("severity", string(a.Severity)).Str("title", a.Title)
	for _, k := range a.SortedKeys() {
		ev = ev.Str(k, a.Fields[k])
	}
	ev.Msg(a.Text)
	return nil
}

// Fanout delivers to every alerter and reports every failure.
type Fanout []Alerter

func (f Fanout) Alert(ctx context.Context, a Alert) error {
	var errs []error
	for _, al := range f {
		if err := al.Alert(ctx, a); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("alert.Fanout.Alert: %w", err)
	}
	return nil
}
