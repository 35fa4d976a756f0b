package store

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/ceofreddy254-dot/Stk-push/internal/types"
	apperrors "github.com/ceofreddy254-dot/Stk-push/pkg/errors"
	"github.com/ceofreddy254-dot/Stk-push/pkg/logger"
	"github.com/ceofreddy254-dot/Stk-push/pkg/metrics"
)

const serviceName = "stkpush"

// MemoryStore keeps all state in memory and writes a full snapshot through
// an injected Snapshotter on every mutation. A nil snapshotter disables
// persistence (tests). A snapshot failure is surfaced as a storage error but
// the in-memory state stays consistent for other requests.
type MemoryStore struct {
	mu sync.RWMutex

	usersByPhone map[string]types.User
	usersByEmail map[string]string // email -> phone
	balances     map[string]int64
	transactions map[string][]types.TransactionRecord
	payments     map[string]*types.Payment
	byCheckout   map[string]string // checkout_request_id -> payment id
	byReference  map[string]string // reference -> payment id

	snapshotter Snapshotter
}

func NewMemoryStore(snapshotter Snapshotter) *MemoryStore {
	return &MemoryStore{
		usersByPhone: make(map[string]types.User),
		usersByEmail: make(map[string]string),
		balances:     make(map[string]int64),
		transactions: make(map[string][]types.TransactionRecord),
		payments:     make(map[string]*types.Payment),
		byCheckout:   make(map[string]string),
		byReference:  make(map[string]string),
		snapshotter:  snapshotter,
	}
}

// NewMemoryStoreFromSnapshot restores state from a previously persisted
// snapshot.
func NewMemoryStoreFromSnapshot(s *Snapshot, snapshotter Snapshotter) *MemoryStore {
	m := NewMemoryStore(snapshotter)

	for _, u := range s.Users {
		m.usersByPhone[u.Phone] = u
		m.usersByEmail[strings.ToLower(u.Email)] = u.Phone
	}
	for phone, bal := range s.Balances {
		m.balances[phone] = bal
	}
	for phone, recs := range s.Transactions {
		m.transactions[phone] = append([]types.TransactionRecord(nil), recs...)
	}
	for i := range s.Payments {
		p := s.Payments[i]
		m.payments[p.ID] = &p
		m.byReference[p.Reference] = p.ID
		if p.CheckoutRequestID != nil {
			m.byCheckout[*p.CheckoutRequestID] = p.ID
		}
	}

	return m
}

// persistLocked writes the snapshot. Callers must hold at least a read lock.
func (m *MemoryStore) persistLocked() error {
	if m.snapshotter == nil {
		return nil
	}

	if err := m.snapshotter.Persist(m.snapshotLocked()); err != nil {
		metrics.RecordSnapshotWrite(serviceName, "error")
		logger.Error().Err(err).Msg("Failed to persist store snapshot")
		return apperrors.ErrStorage.WithError(err)
	}

	metrics.RecordSnapshotWrite(serviceName, "ok")
	return nil
}

func (m *MemoryStore) snapshotLocked() *Snapshot {
	s := &Snapshot{
		Balances:     make(map[string]int64, len(m.balances)),
		Transactions: make(map[string][]types.TransactionRecord, len(m.transactions)),
		SavedAt:      time.Now().UTC(),
	}
	for _, u := range m.usersByPhone {
		s.Users = append(s.Users, u)
	}
	for phone, bal := range m.balances {
		s.Balances[phone] = bal
	}
	for phone, recs := range m.transactions {
		s.Transactions[phone] = append([]types.TransactionRecord(nil), recs...)
	}
	for _, p := range m.payments {
		s.Payments = append(s.Payments, *p)
	}
	return s
}

// Flush persists the current snapshot. Used by the periodic background flush
// and on shutdown.
func (m *MemoryStore) Flush() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.persistLocked()
}

// StartAutoFlush periodically persists the snapshot until ctx is cancelled,
// then performs one final flush.
func (m *MemoryStore) StartAutoFlush(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				if err := m.Flush(); err != nil {
					logger.Error().Err(err).Msg("Final snapshot flush failed")
				}
				return
			case <-ticker.C:
				if err := m.Flush(); err != nil {
					logger.Error().Err(err).Msg("Periodic snapshot flush failed")
				}
			}
		}
	}()
}

func (m *MemoryStore) RegisterUser(ctx context.Context, email, phone string) (*types.User, error) {
	if !types.ValidPhone(phone) {
		return nil, apperrors.ErrInvalidPhone.WithDetails("Phone must match format 254XXXXXXXXX")
	}
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" || !strings.Contains(email, "@") {
		return nil, apperrors.ErrValidation.WithDetails("A valid email is required")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.usersByPhone[phone]; ok {
		return nil, apperrors.ErrConflict.WithDetails("Phone number already registered")
	}
	if _, ok := m.usersByEmail[email]; ok {
		return nil, apperrors.ErrConflict.WithDetails("Email already registered")
	}

	user := types.User{
		Email:     email,
		Phone:     phone,
		CreatedAt: time.Now().UTC(),
	}
	m.usersByPhone[phone] = user
	m.usersByEmail[email] = phone

	if err := m.persistLocked(); err != nil {
		return nil, err
	}

	return &user, nil
}

func (m *MemoryStore) UserByPhone(ctx context.Context, phone string) (*types.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	user, ok := m.usersByPhone[phone]
	if !ok {
		return nil, apperrors.ErrNotFound.WithDetails("User not found")
	}
	return &user, nil
}

func (m *MemoryStore) UserByEmail(ctx context.Context, email string) (*types.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	phone, ok := m.usersByEmail[strings.ToLower(email)]
	if !ok {
		return nil, apperrors.ErrNotFound.WithDetails("User not found")
	}
	user := m.usersByPhone[phone]
	return &user, nil
}

func (m *MemoryStore) Balance(ctx context.Context, phone string) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.balances[phone], nil
}

func (m *MemoryStore) Credit(ctx context.Context, phone string, amount int64) (int64, error) {
	if amount <= 0 {
		return 0, apperrors.ErrValidation.WithDetails("Credit amount must be positive")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.balances[phone] += amount
	newBalance := m.balances[phone]

	if err := m.persistLocked(); err != nil {
		// The in-memory increment stands even when the snapshot fails, so
		// report the balance that was actually applied.
		return newBalance, err
	}

	return newBalance, nil
}

func (m *MemoryStore) Debit(ctx context.Context, phone string, amount int64) (int64, error) {
	if amount <= 0 {
		return 0, apperrors.ErrValidation.WithDetails("Debit amount must be positive")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.balances[phone] < amount {
		return 0, apperrors.ErrInsufficientFunds
	}

	m.balances[phone] -= amount
	newBalance := m.balances[phone]

	if err := m.persistLocked(); err != nil {
		return newBalance, err
	}

	return newBalance, nil
}

func (m *MemoryStore) AppendTransaction(ctx context.Context, phone string, rec types.TransactionRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.transactions[phone] = append(m.transactions[phone], rec)

	return m.persistLocked()
}

func (m *MemoryStore) Transactions(ctx context.Context, phone string) ([]types.TransactionRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return append([]types.TransactionRecord(nil), m.transactions[phone]...), nil
}

func (m *MemoryStore) CreatePayment(ctx context.Context, p *types.Payment) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.payments[p.ID]; ok {
		return apperrors.ErrConflict.WithDetails("Payment already exists")
	}
	if _, ok := m.byReference[p.Reference]; ok {
		return apperrors.ErrConflict.WithDetails("Payment reference already exists")
	}

	cp := *p
	m.payments[cp.ID] = &cp
	m.byReference[cp.Reference] = cp.ID
	if cp.CheckoutRequestID != nil {
		m.byCheckout[*cp.CheckoutRequestID] = cp.ID
	}

	return m.persistLocked()
}

func (m *MemoryStore) Payment(ctx context.Context, id string) (*types.Payment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.paymentLocked(id)
}

func (m *MemoryStore) paymentLocked(id string) (*types.Payment, error) {
	p, ok := m.payments[id]
	if !ok {
		return nil, apperrors.ErrNotFound.WithDetails("Payment not found")
	}
	cp := *p
	return &cp, nil
}

func (m *MemoryStore) PaymentByCheckoutID(ctx context.Context, checkoutRequestID string) (*types.Payment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.byCheckout[checkoutRequestID]
	if !ok {
		return nil, apperrors.ErrNotFound.WithDetails("Payment not found")
	}
	return m.paymentLocked(id)
}

func (m *MemoryStore) PaymentByReference(ctx context.Context, reference string) (*types.Payment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.byReference[reference]
	if !ok {
		return nil, apperrors.ErrNotFound.WithDetails("Payment not found")
	}
	return m.paymentLocked(id)
}

func (m *MemoryStore) ListPayments(ctx context.Context) ([]types.Payment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]types.Payment, 0, len(m.payments))
	for _, p := range m.payments {
		out = append(out, *p)
	}
	return out, nil
}

func (m *MemoryStore) UpdatePayment(ctx context.Context, p *types.Payment) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing, ok := m.payments[p.ID]
	if !ok {
		return apperrors.ErrNotFound.WithDetails("Payment not found")
	}

	// Terminal states are final; the store rejects what the controller
	// should never attempt.
	if existing.Status.Terminal() && existing.Status != p.Status {
		return apperrors.ErrConflict.WithDetails("Payment is already in a terminal state")
	}

	cp := *p
	cp.UpdatedAt = time.Now().UTC()
	m.payments[cp.ID] = &cp
	if cp.CheckoutRequestID != nil {
		m.byCheckout[*cp.CheckoutRequestID] = cp.ID
	}

	if err := m.persistLocked(); err != nil {
		return err
	}

	*p = cp
	return nil
}

func (m *MemoryStore) PaymentStats(ctx context.Context) (*types.PaymentStats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := &types.PaymentStats{}
	for _, p := range m.payments {
		stats.Total++
		stats.TotalAmount += p.Amount
		switch p.Status {
		case types.StatusPending:
			stats.Pending++
		case types.StatusCompleted:
			stats.Completed++
			stats.CompletedAmount += p.Amount
		case types.StatusFailed:
			stats.Failed++
		case types.StatusTimeout:
			stats.Timeout++
		}
	}
	return stats, nil
}
