package v1_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/danielgtaylor/huma/v2/humatest"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	v1 "github.com/gosuda/meterchain/internal/api/v1"
	"github.com/gosuda/meterchain/internal/domain"
	"github.com/gosuda/meterchain/internal/ledger"
)

func newAccountTestAPI(t *testing.T) (humatest.TestAPI, *mockAccountService) {
	t.Helper()

	_, api := humatest.New(t)
	svc := &mockAccountService{}
	v1.RegisterAccountRoutes(api, svc)

	return api, svc
}

func makeAccount(id uuid.UUID, balance int64) *domain.Account {
	now := time.Now().UTC()
	return &domain.Account{ID: id, Balance: balance, Version: 1, CreatedAt: now, UpdatedAt: now}
}

// ---------------------------------------------------------------------------
// POST /accounts
// ---------------------------------------------------------------------------

func TestOpenAccount(t *testing.T) {
	t.Parallel()

	t.Run("happy_path", func(t *testing.T) {
		t.Parallel()

		api, svc := newAccountTestAPI(t)
		newID := uuid.New()

		svc.openFunc = func(_ context.Context, accountID, actorID uuid.UUID, startingBalance int64) (*domain.Account, error) {
			assert.Equal(t, newID, accountID)
			assert.NotEqual(t, uuid.Nil, actorID)
			assert.Equal(t, int64(250), startingBalance)
			return makeAccount(accountID, startingBalance), nil
		}

		resp := api.PostCtx(adminCtx(uuid.New()), "/accounts", map[string]any{
			"account_id":       newID.String(),
			"starting_balance": 250,
		})

		require.Equal(t, http.StatusCreated, resp.Code)

		var body domain.Account
		require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &body))
		assert.Equal(t, newID, body.ID)
		assert.Equal(t, int64(250), body.Balance)
	})

	t.Run("member_forbidden", func(t *testing.T) {
		t.Parallel()

		api, _ := newAccountTestAPI(t)

		resp := api.PostCtx(memberCtx(uuid.New()), "/accounts", map[string]any{"starting_balance": 1})

		assert.Equal(t, http.StatusForbidden, resp.Code)
		assert.Contains(t, parseErrorBody(t, resp.Body.Bytes())["detail"], "admin role required")
	})

	t.Run("missing_account_context", func(t *testing.T) {
		t.Parallel()

		api, _ := newAccountTestAPI(t)

		resp := api.PostCtx(context.Background(), "/accounts", map[string]any{"starting_balance": 1})

		assert.Equal(t, http.StatusForbidden, resp.Code)
		assert.Contains(t, parseErrorBody(t, resp.Body.Bytes())["detail"], "missing account context")
	})

	t.Run("negative_balance_rejected", func(t *testing.T) {
		t.Parallel()

		api, _ := newAccountTestAPI(t)

		resp := api.PostCtx(adminCtx(uuid.New()), "/accounts", map[string]any{"starting_balance": -5})

		assert.Equal(t, http.StatusUnprocessableEntity, resp.Code)
	})

	t.Run("existing_account_conflict", func(t *testing.T) {
		t.Parallel()

		api, svc := newAccountTestAPI(t)
		svc.openFunc = func(_ context.Context, _, _ uuid.UUID, _ int64) (*domain.Account, error) {
			return nil, fmt.Errorf("ledger.Ledger.Open: %w", domain.ErrConflict)
		}

		resp := api.PostCtx(adminCtx(uuid.New()), "/accounts", map[string]any{"starting_balance": 0})

		assert.Equal(t, http.StatusConflict, resp.Code)
	})
}

// ---------------------------------------------------------------------------
// GET /accounts/me
// ---------------------------------------------------------------------------

func TestGetMyAccount(t *testing.T) {
	t.Parallel()

	t.Run("returns_callers_account", func(t *testing.T) {
		t.Parallel()

		api, svc := newAccountTestAPI(t)
		accountID := uuid.New()

		svc.balanceFunc = func(_ context.Context, id uuid.UUID) (*domain.Account, error) {
			assert.Equal(t, accountID, id)
			return makeAccount(id, 42), nil
		}

		resp := api.GetCtx(viewerCtx(accountID), "/accounts/me")

		require.Equal(t, http.StatusOK, resp.Code)

		var body domain.Account
		require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &body))
		assert.Equal(t, int64(42), body.Balance)
	})

	t.Run("unknown_account", func(t *testing.T) {
		t.Parallel()

		api, svc := newAccountTestAPI(t)
		svc.balanceFunc = func(_ context.Context, _ uuid.UUID) (*domain.Account, error) {
			return nil, fmt.Errorf("ledger.Ledger.Balance: %w", domain.ErrNotFound)
		}

		resp := api.GetCtx(viewerCtx(uuid.New()), "/accounts/me")

		assert.Equal(t, http.StatusNotFound, resp.Code)
	})

	t.Run("store_failure", func(t *testing.T) {
		t.Parallel()

		api, svc := newAccountTestAPI(t)
		svc.balanceFunc = func(_ context.Context, _ uuid.UUID) (*domain.Account, error) {
			return nil, errors.New("connection reset")
		}

		resp := api.GetCtx(viewerCtx(uuid.New()), "/accounts/me")

		assert.Equal(t, http.StatusInternalServerError, resp.Code)
	})
}

// ---------------------------------------------------------------------------
// POST /accounts/{id}/credits
// ---------------------------------------------------------------------------

func TestCreditAccount(t *testing.T) {
	t.Parallel()

	t.Run("happy_path", func(t *testing.T) {
		t.Parallel()

		api, svc := newAccountTestAPI(t)
		target := uuid.New()

		svc.creditFunc = func(_ context.Context, req ledger.CreditRequest) (ledger.BalanceChange, error) {
			assert.Equal(t, target, req.AccountID)
			assert.Equal(t, int64(30), req.Amount)
			assert.Equal(t, "monthly top-up", req.Reason)
			return ledger.BalanceChange{Before: 10, After: 40}, nil
		}

		resp := api.PostCtx(adminCtx(uuid.New()), "/accounts/"+target.String()+"/credits", map[string]any{
			"amount": 30,
			"reason": "monthly top-up",
		})

		require.Equal(t, http.StatusOK, resp.Code)

		var body struct {
			AccountID uuid.UUID `json:"account_id"`
			Before    int64     `json:"before"`
			After     int64     `json:"after"`
		}
		require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &body))
		assert.Equal(t, target, body.AccountID)
		assert.Equal(t, int64(10), body.Before)
		assert.Equal(t, int64(40), body.After)
	})

	t.Run("zero_amount_rejected", func(t *testing.T) {
		t.Parallel()

		api, _ := newAccountTestAPI(t)

		resp := api.PostCtx(adminCtx(uuid.New()), "/accounts/"+uuid.New().String()+"/credits", map[string]any{"amount": 0})

		assert.Equal(t, http.StatusUnprocessableEntity, resp.Code)
	})

	t.Run("viewer_forbidden", func(t *testing.T) {
		t.Parallel()

		api, _ := newAccountTestAPI(t)

		resp := api.PostCtx(viewerCtx(uuid.New()), "/accounts/"+uuid.New().String()+"/credits", map[string]any{"amount": 5})

		assert.Equal(t, http.StatusForbidden, resp.Code)
	})

	t.Run("disabled_account", func(t *testing.T) {
		t.Parallel()

		api, svc := newAccountTestAPI(t)
		svc.creditFunc = func(_ context.Context, _ ledger.CreditRequest) (ledger.BalanceChange, error) {
			return ledger.BalanceChange{}, fmt.Errorf("ledger.Ledger.Credit: %w", domain.ErrAccountDisabled)
		}

		resp := api.PostCtx(adminCtx(uuid.New()), "/accounts/"+uuid.New().String()+"/credits", map[string]any{"amount": 5})

		assert.Equal(t, http.StatusForbidden, resp.Code)
		assert.Contains(t, parseErrorBody(t, resp.Body.Bytes())["detail"], "account disabled")
	})
}

// ---------------------------------------------------------------------------
// POST /accounts/{id}/disable
// ---------------------------------------------------------------------------

func TestDisableAccount(t *testing.T) {
	t.Parallel()

	t.Run("happy_path", func(t *testing.T) {
		t.Parallel()

		api, svc := newAccountTestAPI(t)
		target := uuid.New()

		svc.disableFunc = func(_ context.Context, accountID, _ uuid.UUID) (*domain.Account, error) {
			a := makeAccount(accountID, 7)
			a.Disabled = true
			return a, nil
		}

		resp := api.PostCtx(adminCtx(uuid.New()), "/accounts/"+target.String()+"/disable")

		require.Equal(t, http.StatusOK, resp.Code)

		var body domain.Account
		require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &body))
		assert.True(t, body.Disabled)
		assert.Equal(t, target, body.ID)
	})

	t.Run("not_found", func(t *testing.T) {
		t.Parallel()

		api, svc := newAccountTestAPI(t)
		svc.disableFunc = func(_ context.Context, _, _ uuid.UUID) (*domain.Account, error) {
			return nil, domain.ErrNotFound
		}

		resp := api.PostCtx(adminCtx(uuid.New()), "/accounts/"+uuid.New().String()+"/disable")

		assert.Equal(t, http.StatusNotFound, resp.Code)
	})
}
