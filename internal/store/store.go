// Package store holds users, balances, transaction history and payment
// records. It enforces data invariants (uniqueness, non-negative balances,
// append-only history) but no lifecycle logic; status transitions are decided
// by the lifecycle controller.
package store

import (
	"context"

	"github.com/ceofreddy254-dot/Stk-push/internal/types"
)

type Store interface {
	RegisterUser(ctx context.Context, email, phone string) (*types.User, error)
	UserByPhone(ctx context.Context, phone string) (*types.User, error)
	UserByEmail(ctx context.Context, email string) (*types.User, error)

	// Balance defaults to zero for an unknown phone.
	Balance(ctx context.Context, phone string) (int64, error)
	Credit(ctx context.Context, phone string, amount int64) (int64, error)
	Debit(ctx context.Context, phone string, amount int64) (int64, error)

	AppendTransaction(ctx context.Context, phone string, rec types.TransactionRecord) error
	Transactions(ctx context.Context, phone string) ([]types.TransactionRecord, error)

	CreatePayment(ctx context.Context, p *types.Payment) error
	Payment(ctx context.Context, id string) (*types.Payment, error)
	PaymentByCheckoutID(ctx context.Context, checkoutRequestID string) (*types.Payment, error)
	PaymentByReference(ctx context.Context, reference string) (*types.Payment, error)
	ListPayments(ctx context.Context) ([]types.Payment, error)
	UpdatePayment(ctx context.Context, p *types.Payment) error
	PaymentStats(ctx context.Context) (*types.PaymentStats, error)
}
