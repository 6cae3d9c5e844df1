package v1

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"
	"github.com/google/uuid"

	"github.com/gosuda/meterchain/internal/domain"
	"github.com/gosuda/meterchain/internal/ledger"
	"github.com/gosuda/meterchain/internal/server/middleware"
)

type OpenAccountInput struct {
	Body struct {
		AccountID       uuid.UUID `json:"account_id,omitempty" doc:"Account ID; generated when omitted"`
		StartingBalance int64     `json:"starting_balance" minimum:"0" doc:"Initial credit units"`
	}
}

type AccountOutput struct {
	Body *domain.Account
}

type GetMyAccountInput struct{}

type CreditAccountInput struct {
	ID   uuid.UUID `path:"id" doc:"Account ID"`
	Body struct {
		Amount int64  `json:"amount" minimum:"1" doc:"Credit units to add"`
		Reason string `json:"reason,omitempty" maxLength:"500" doc:"Why the credit was granted"`
	}
}

type CreditAccountOutput struct {
	Body struct {
		AccountID uuid.UUID `json:"account_id"`
		ledger.BalanceChange
	}
}

type DisableAccountInput struct {
	ID uuid.UUID `path:"id" doc:"Account ID"`
}

func RegisterAccountRoutes(api huma.API, accounts AccountService) {
	huma.Register(api, huma.Operation{
		OperationID:   "open-account",
		Method:        http.MethodPost,
		Path:          "/accounts",
		Summary:       "Open a credit account (admin only)",
		Tags:          []string{"Accounts"},
		DefaultStatus: http.StatusCreated,
	}, func(ctx context.Context, input *OpenAccountInput) (*AccountOutput, error) {
		c, err := callerFromContext(ctx)
		if err != nil {
			return nil, err
		}
		if err := c.require(middleware.RoleAdmin); err != nil {
			return nil, err
		}

		acct, err := accounts.Open(ctx, input.Body.AccountID, c.actorID, input.Body.StartingBalance)
		if err != nil {
			return nil, problem(err, "failed to open account")
		}

		return &AccountOutput{Body: acct}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-my-account",
		Method:      http.MethodGet,
		Path:        "/accounts/me",
		Summary:     "Get the caller's account and balance",
		Tags:        []string{"Accounts"},
	}, func(ctx context.Context, _ *GetMyAccountInput) (*AccountOutput, error) {
		c, err := callerFromContext(ctx)
		if err != nil {
			return nil, err
		}

		acct, err := accounts.Balance(ctx, c.accountID)
		if err != nil {
			return nil, problem(err, "account")
		}

		return &AccountOutput{Body: acct}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "credit-account",
		Method:      http.MethodPost,
		Path:        "/accounts/{id}/credits",
		Summary:     "Add credit units to an account (admin only)",
		Tags:        []string{"Accounts"},
	}, func(ctx context.Context, input *CreditAccountInput) (*CreditAccountOutput, error) {
		c, err := callerFromContext(ctx)
		if err != nil {
			return nil, err
		}
		if err := c.require(middleware.RoleAdmin); err != nil {
			return nil, err
		}

		change, err := accounts.Credit(ctx, ledger.CreditRequest{
			AccountID: input.ID,
			ActorID:   c.actorID,
			Amount:    input.Body.Amount,
			Reason:    input.Body.Reason,
		})
		if err != nil {
			return nil, problem(err, "failed to credit account")
		}

		out := &CreditAccountOutput{}
		out.Body.AccountID = input.ID
		out.Body.BalanceChange = change
		return out, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "disable-account",
		Method:      http.MethodPost,
		Path:        "/accounts/{id}/disable",
		Summary:     "Soft-disable an account (admin only)",
		Tags:        []string{"Accounts"},
	}, func(ctx context.Context, input *DisableAccountInput) (*AccountOutput, error) {
		c, err := callerFromContext(ctx)
		if err != nil {
			return nil, err
		}
		if err := c.require(middleware.RoleAdmin); err != nil {
			return nil, err
		}

		acct, err := accounts.Disable(ctx, input.ID, c.actorID)
		if err != nil {
			return nil, problem(err, "failed to disable account")
		}

		return &AccountOutput{Body: acct}, nil
	})
}
