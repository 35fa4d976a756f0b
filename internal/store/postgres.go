package store

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ceofreddy254-dot/Stk-push/internal/types"
	apperrors "github.com/ceofreddy254-dot/Stk-push/pkg/errors"
)

// PostgresStore implements Store over a pgx connection pool. Durability comes
// from the database itself, so there is no snapshotter here.
type PostgresStore struct {
	db *pgxpool.Pool
}

func NewPostgresStore(db *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{db: db}
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func (s *PostgresStore) RegisterUser(ctx context.Context, email, phone string) (*types.User, error) {
	if !types.ValidPhone(phone) {
		return nil, apperrors.ErrInvalidPhone.WithDetails("Phone must match format 254XXXXXXXXX")
	}
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" || !strings.Contains(email, "@") {
		return nil, apperrors.ErrValidation.WithDetails("A valid email is required")
	}

	var user types.User
	err := s.db.QueryRow(ctx, `
		INSERT INTO users (email, phone)
		VALUES ($1, $2)
		RETURNING email, phone, created_at
	`, email, phone).Scan(&user.Email, &user.Phone, &user.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, apperrors.ErrConflict.WithDetails("Email or phone already registered")
		}
		return nil, apperrors.ErrStorage.WithError(fmt.Errorf("failed to create user: %w", err))
	}

	return &user, nil
}

func (s *PostgresStore) UserByPhone(ctx context.Context, phone string) (*types.User, error) {
	var user types.User
	err := s.db.QueryRow(ctx, `
		SELECT email, phone, created_at FROM users WHERE phone = $1
	`, phone).Scan(&user.Email, &user.Phone, &user.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperrors.ErrNotFound.WithDetails("User not found")
	}
	if err != nil {
		return nil, apperrors.ErrStorage.WithError(fmt.Errorf("failed to get user: %w", err))
	}
	return &user, nil
}

func (s *PostgresStore) UserByEmail(ctx context.Context, email string) (*types.User, error) {
	var user types.User
	err := s.db.QueryRow(ctx, `
		SELECT email, phone, created_at FROM users WHERE email = $1
	`, strings.ToLower(email)).Scan(&user.Email, &user.Phone, &user.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperrors.ErrNotFound.WithDetails("User not found")
	}
	if err != nil {
		return nil, apperrors.ErrStorage.WithError(fmt.Errorf("failed to get user: %w", err))
	}
	return &user, nil
}

func (s *PostgresStore) Balance(ctx context.Context, phone string) (int64, error) {
	var balance int64
	err := s.db.QueryRow(ctx, `
		SELECT COALESCE((SELECT balance FROM balances WHERE phone = $1), 0)
	`, phone).Scan(&balance)
	if err != nil {
		return 0, apperrors.ErrStorage.WithError(fmt.Errorf("failed to get balance: %w", err))
	}
	return balance, nil
}

func (s *PostgresStore) Credit(ctx context.Context, phone string, amount int64) (int64, error) {
	if amount <= 0 {
		return 0, apperrors.ErrValidation.WithDetails("Credit amount must be positive")
	}

	var balance int64
	err := s.db.QueryRow(ctx, `
		INSERT INTO balances (phone, balance)
		VALUES ($1, $2)
		ON CONFLICT (phone) DO UPDATE SET balance = balances.balance + EXCLUDED.balance
		RETURNING balance
	`, phone, amount).Scan(&balance)
	if err != nil {
		return 0, apperrors.ErrStorage.WithError(fmt.Errorf("failed to credit balance: %w", err))
	}
	return balance, nil
}

func (s *PostgresStore) Debit(ctx context.Context, phone string, amount int64) (int64, error) {
	if amount <= 0 {
		return 0, apperrors.ErrValidation.WithDetails("Debit amount must be positive")
	}

	var balance int64
	err := s.db.QueryRow(ctx, `
		UPDATE balances SET balance = balance - $1
		WHERE phone = $2 AND balance >= $1
		RETURNING balance
	`, amount, phone).Scan(&balance)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, apperrors.ErrInsufficientFunds
	}
	if err != nil {
		return 0, apperrors.ErrStorage.WithError(fmt.Errorf("failed to debit balance: %w", err))
	}
	return balance, nil
}

func (s *PostgresStore) AppendTransaction(ctx context.Context, phone string, rec types.TransactionRecord) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO ledger_transactions (id, phone, type, amount, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, rec.ID, phone, rec.Type, rec.Amount, rec.Status, rec.Timestamp)
	if err != nil {
		return apperrors.ErrStorage.WithError(fmt.Errorf("failed to append transaction: %w", err))
	}
	return nil
}

func (s *PostgresStore) Transactions(ctx context.Context, phone string) ([]types.TransactionRecord, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, type, amount, status, created_at
		FROM ledger_transactions
		WHERE phone = $1
		ORDER BY created_at ASC
	`, phone)
	if err != nil {
		return nil, apperrors.ErrStorage.WithError(fmt.Errorf("failed to get transactions: %w", err))
	}
	defer rows.Close()

	var recs []types.TransactionRecord
	for rows.Next() {
		var rec types.TransactionRecord
		if err := rows.Scan(&rec.ID, &rec.Type, &rec.Amount, &rec.Status, &rec.Timestamp); err != nil {
			return nil, apperrors.ErrStorage.WithError(fmt.Errorf("failed to scan transaction: %w", err))
		}
		recs = append(recs, rec)
	}
	return recs, nil
}

const paymentColumns = `id, reference, phone, amount, description, status,
	checkout_request_id, transaction_code, error_message, credited,
	created_at, updated_at`

func scanPayment(row pgx.Row) (*types.Payment, error) {
	var p types.Payment
	err := row.Scan(
		&p.ID, &p.Reference, &p.Phone, &p.Amount, &p.Description, &p.Status,
		&p.CheckoutRequestID, &p.TransactionCode, &p.ErrorMessage, &p.Credited,
		&p.CreatedAt, &p.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperrors.ErrNotFound.WithDetails("Payment not found")
	}
	if err != nil {
		return nil, apperrors.ErrStorage.WithError(fmt.Errorf("failed to scan payment: %w", err))
	}
	return &p, nil
}

func (s *PostgresStore) CreatePayment(ctx context.Context, p *types.Payment) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO payments (id, reference, phone, amount, description, status,
		                      checkout_request_id, transaction_code, error_message, credited,
		                      created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`, p.ID, p.Reference, p.Phone, p.Amount, p.Description, p.Status,
		p.CheckoutRequestID, p.TransactionCode, p.ErrorMessage, p.Credited,
		p.CreatedAt, p.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return apperrors.ErrConflict.WithDetails("Payment already exists")
		}
		return apperrors.ErrStorage.WithError(fmt.Errorf("failed to create payment: %w", err))
	}
	return nil
}

func (s *PostgresStore) Payment(ctx context.Context, id string) (*types.Payment, error) {
	return scanPayment(s.db.QueryRow(ctx,
		`SELECT `+paymentColumns+` FROM payments WHERE id = $1`, id))
}

func (s *PostgresStore) PaymentByCheckoutID(ctx context.Context, checkoutRequestID string) (*types.Payment, error) {
	return scanPayment(s.db.QueryRow(ctx,
		`SELECT `+paymentColumns+` FROM payments WHERE checkout_request_id = $1`, checkoutRequestID))
}

func (s *PostgresStore) PaymentByReference(ctx context.Context, reference string) (*types.Payment, error) {
	return scanPayment(s.db.QueryRow(ctx,
		`SELECT `+paymentColumns+` FROM payments WHERE reference = $1`, reference))
}

func (s *PostgresStore) ListPayments(ctx context.Context) ([]types.Payment, error) {
	rows, err := s.db.Query(ctx,
		`SELECT `+paymentColumns+` FROM payments ORDER BY created_at DESC`)
	if err != nil {
		return nil, apperrors.ErrStorage.WithError(fmt.Errorf("failed to list payments: %w", err))
	}
	defer rows.Close()

	var out []types.Payment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, nil
}

func (s *PostgresStore) UpdatePayment(ctx context.Context, p *types.Payment) error {
	// The status predicate makes the terminal-state rule hold even if two
	// writers race at the database level.
	tag, err := s.db.Exec(ctx, `
		UPDATE payments
		SET status = $1, checkout_request_id = $2, transaction_code = $3,
		    error_message = $4, credited = $5, updated_at = NOW()
		WHERE id = $6 AND (status = 'pending' OR status = $1)
	`, p.Status, p.CheckoutRequestID, p.TransactionCode, p.ErrorMessage, p.Credited, p.ID)
	if err != nil {
		return apperrors.ErrStorage.WithError(fmt.Errorf("failed to update payment: %w", err))
	}
	if tag.RowsAffected() == 0 {
		existing, err := s.Payment(ctx, p.ID)
		if err != nil {
			return err
		}
		if existing.Status.Terminal() {
			return apperrors.ErrConflict.WithDetails("Payment is already in a terminal state")
		}
		return apperrors.ErrNotFound.WithDetails("Payment not found")
	}
	return nil
}

func (s *PostgresStore) PaymentStats(ctx context.Context) (*types.PaymentStats, error) {
	stats := &types.PaymentStats{}
	err := s.db.QueryRow(ctx, `
		SELECT COUNT(*),
		       COUNT(*) FILTER (WHERE status = 'pending'),
		       COUNT(*) FILTER (WHERE status = 'completed'),
		       COUNT(*) FILTER (WHERE status = 'failed'),
		       COUNT(*) FILTER (WHERE status = 'timeout'),
		       COALESCE(SUM(amount), 0),
		       COALESCE(SUM(amount) FILTER (WHERE status = 'completed'), 0)
		FROM payments
	`).Scan(&stats.Total, &stats.Pending, &stats.Completed, &stats.Failed,
		&stats.Timeout, &stats.TotalAmount, &stats.CompletedAmount)
	if err != nil {
		return nil, apperrors.ErrStorage.WithError(fmt.Errorf("failed to get payment stats: %w", err))
	}
	return stats, nil
}
