package remote_test

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gosuda/meterchain/internal/domain"
	"github.com/gosuda/meterchain/internal/remote"
)

func testUnit() domain.WorkUnit {
	return domain.WorkUnit{ID: uuid.New(), AccountID: uuid.New(), Kind: "remote", Cost: 3}
}

func TestClient_Perform_Success(t *testing.T) {
	t.Parallel()

	unit := testUnit()
	var got struct {
		WorkID    uuid.UUID       `json:"work_id"`
		AccountID uuid.UUID       `json:"account_id"`
		Kind      string          `json:"kind"`
		Payload   json.RawMessage `json:"payload"`
	}
	var gotAuth, gotKey string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotKey = r.Header.Get("Idempotency-Key")
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"result_ref":"reports/7"}`))
	}))
	defer srv.Close()

	c := remote.New(remote.Config{Endpoint: srv.URL + "/", Token: "s3cret", Timeout: time.Second})
	ref, err := c.Perform(context.Background(), unit, []byte(`{"topic":"scope 3"}`))

	require.NoError(t, err)
	assert.Equal(t, "reports/7", ref)
	assert.Equal(t, "Bearer s3cret", gotAuth)
	assert.Equal(t, unit.ID.String(), gotKey)
	assert.Equal(t, unit.ID, got.WorkID)
	assert.Equal(t, unit.AccountID, got.AccountID)
	assert.Equal(t, "remote", got.Kind)
	assert.JSONEq(t, `{"topic":"scope 3"}`, string(got.Payload))
}

func TestClient_Perform_Errors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name           string
		status         int
		body           string
		wantNotStarted bool
		wantMsg        string
	}{
		{name: "server error after start", status: http.StatusInternalServerError, body: `{"error":"model crashed"}`, wantMsg: "model crashed"},
		{name: "gateway timeout", status: http.StatusGatewayTimeout, body: ``, wantMsg: "Gateway Timeout"},
		{name: "rate limited", status: http.StatusTooManyRequests, body: `{"error":"slow down"}`, wantNotStarted: true},
		{name: "unavailable", status: http.StatusServiceUnavailable, body: ``, wantNotStarted: true},
		{name: "rejected", status: http.StatusBadRequest, body: `{"error":"bad payload"}`, wantNotStarted: true},
		{name: "missing result ref", status: http.StatusOK, body: `{}`, wantMsg: "no result_ref"},
		{name: "garbage body", status: http.StatusOK, body: `<html>`, wantMsg: "decode response"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			_, err := remote.New(remote.Config{Endpoint: srv.URL}).Perform(context.Background(), testUnit(), nil)
			require.Error(t, err)
			assert.Equal(t, tt.wantNotStarted, errors.Is(err, domain.ErrWorkNotStarted))
			if tt.wantMsg != "" {
				assert.Contains(t, err.Error(), tt.wantMsg)
			}
		})
	}
}

func TestClient_Perform_DialFailureNotStarted(t *testing.T) {
	t.Parallel()

	// Reserve a port, then close it so nothing is listening.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	_, err = remote.New(remote.Config{Endpoint: "http://" + addr, Timeout: time.Second}).Perform(context.Background(), testUnit(), nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrWorkNotStarted)
}

func TestClient_Perform_InvalidPayload(t *testing.T) {
	t.Parallel()

	_, err := remote.New(remote.Config{Endpoint: "http://127.0.0.1:1"}).Perform(context.Background(), testUnit(), []byte("not json"))
	require.ErrorIs(t, err, domain.ErrWorkNotStarted)
	require.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestClient_Perform_RateLimitHonoursContext(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"result_ref":"ok"}`))
	}))
	defer srv.Close()

	c := remote.New(remote.Config{Endpoint: srv.URL, RPS: 0.001, Burst: 1})

	_, err := c.Perform(context.Background(), testUnit(), nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = c.Perform(ctx, testUnit(), nil)
	require.ErrorIs(t, err, domain.ErrWorkNotStarted)
}
