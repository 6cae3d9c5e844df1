// Package remote calls an external work service over HTTP. It is the
// collaborator behind the "remote" work kind, e.g. report generation or
// document analysis hosted elsewhere.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/gosuda/meterchain/internal/domain"
)

const maxResponseBytes = 1 << 20

type Config struct {
	Endpoint string
	Token    string
	Timeout  time.Duration
	// RPS and Burst bound outbound calls; zero RPS means unlimited.
	RPS   float64
	Burst int
}

// Client posts work requests to Endpoint and expects a result reference back.
type Client struct {
	endpoint string
	token    string
	http     *http.Client
	limiter  *rate.Limiter
}

func New(cfg Config) *Client {
	c := &Client{
		endpoint: strings.TrimRight(cfg.Endpoint, "/"),
		token:    cfg.Token,
		http:     &http.Client{Timeout: cfg.Timeout},
	}
	if cfg.RPS > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RPS), max(cfg.Burst, 1))
	}
	return c
}

type workRequest struct {
	WorkID    uuid.UUID       `json:"work_id"`
	AccountID uuid.UUID       `json:"account_id"`
	Kind      string          `json:"kind"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

type workResponse struct {
	ResultRef string `json:"result_ref"`
	Error     string `json:"error,omitempty"`
}

// Perform sends one work unit. Failures that certainly happened before the
// remote side accepted the request wrap domain.ErrWorkNotStarted.
func (c *Client) Perform(ctx context.Context, unit domain.WorkUnit, payload []byte) (string, error) {
	if len(payload) > 0 && !json.Valid(payload) {
		return "", fmt.Errorf("remote.Client.Perform: payload is not JSON: %w: %w", domain.ErrWorkNotStarted, domain.ErrInvalidInput)
	}

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return "", fmt.Errorf("remote.Client.Perform: rate limit: %w: %w", domain.ErrWorkNotStarted, err)
		}
	}

	body, err := json.Marshal(workRequest{
		WorkID:    unit.ID,
		AccountID: unit.AccountID,
		Kind:      unit.Kind,
		Payload:   payload,
	})
	if err != nil {
		return "", fmt.Errorf("remote.Client.Perform: marshal: %w: %w", domain.ErrWorkNotStarted, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("remote.Client.Perform: %w: %w", domain.ErrWorkNotStarted, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", unit.ID.String())
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if isDialError(err) {
			return "", fmt.Errorf("remote.Client.Perform: %w: %w", domain.ErrWorkNotStarted, err)
		}
		return "", fmt.Errorf("remote.Client.Perform: %w", err)
	}
	defer resp.Body.Close()

	var out workResponse
	decodeErr := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBytes)).Decode(&out)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg := out.Error
		if msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}
		err := fmt.Errorf("remote returned %d: %s", resp.StatusCode, msg)
		if notStartedStatus(resp.StatusCode) {
			return "", fmt.Errorf("remote.Client.Perform: %w: %w", domain.ErrWorkNotStarted, err)
		}
		return "", fmt.Errorf("remote.Client.Perform: %w", err)
	}
	if decodeErr != nil {
		return "", fmt.Errorf("remote.Client.Perform: decode response: %w", decodeErr)
	}
	if out.ResultRef == "" {
		return "", errors.New("remote.Client.Perform: response has no result_ref")
	}
	return out.ResultRef, nil
}

func isDialError(err error) bool {
	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		return true
	}
	var dnsErr *net.DNSError
	return errors.As(err, &dnsErr)
}

// notStartedStatus lists statuses a server sends before doing any work.
func notStartedStatus(code int) bool {
	switch code {
	case http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden,
		http.StatusNotFound, http.StatusRequestEntityTooLarge,
		http.StatusTooManyRequests, http.StatusServiceUnavailable:
		return true
	}
	return false
}
