package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/ceofreddy254-dot/Stk-push/internal/store"
	"github.com/ceofreddy254-dot/Stk-push/internal/types"
	apperrors "github.com/ceofreddy254-dot/Stk-push/pkg/errors"
	"github.com/ceofreddy254-dot/Stk-push/pkg/events"
	"github.com/ceofreddy254-dot/Stk-push/pkg/mpesa"
)

const testPhone = "254712345678"

type recordingPublisher struct {
	mu     sync.Mutex
	topics []string
}

func (p *recordingPublisher) Publish(ctx context.Context, topic string, event *events.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.topics = append(p.topics, topic)
	return nil
}

func (p *recordingPublisher) Close() error { return nil }

func (p *recordingPublisher) published(topic string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, t := range p.topics {
		if t == topic {
			n++
		}
	}
	return n
}

func newTestController(cfg Config) (*Controller, *store.MemoryStore, *mpesa.MockClient, *recordingPublisher) {
	st := store.NewMemoryStore(nil)
	gw := mpesa.NewMockClient()
	pub := &recordingPublisher{}

	ctrl := New(st, gw, cfg).
		WithPublisher(pub).
		WithWaiter(func(ctx context.Context, d time.Duration) error { return nil })

	return ctrl, st, gw, pub
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.PollInterval = time.Millisecond
	return cfg
}

// seedPendingPayment inserts a pending payment with a checkout id, as if an
// accepted initiate had happened without the polling loop running.
func seedPendingPayment(t *testing.T, st *store.MemoryStore, amount int64) *types.Payment {
	t.Helper()

	checkout := "ws_CO_" + uuid.NewString()
	now := time.Now().UTC()
	p := &types.Payment{
		ID:                uuid.NewString(),
		Reference:         "STK-TEST-" + uuid.NewString()[:8],
		Phone:             testPhone,
		Amount:            amount,
		Status:            types.StatusPending,
		CheckoutRequestID: &checkout,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if err := st.CreatePayment(context.Background(), p); err != nil {
		t.Fatalf("CreatePayment: %v", err)
	}
	return p
}

func TestInitiateCompletesAfterPolling(t *testing.T) {
	ctrl, st, gw, pub := newTestController(testConfig())

	// Two pending polls, then success with a transaction code.
	gw.QueueQuery(&mpesa.QueryResult{Status: mpesa.QueryPending, ResultDesc: "being processed"}, nil)
	gw.QueueQuery(&mpesa.QueryResult{Status: mpesa.QueryPending, ResultDesc: "being processed"}, nil)
	gw.QueueQuery(&mpesa.QueryResult{
		Status:          mpesa.QueryCompleted,
		TransactionCode: "QWE123",
		ResultCode:      "0",
	}, nil)

	result, err := ctrl.Initiate(context.Background(), testPhone, 500, "test deposit")
	if err != nil {
		t.Fatalf("Initiate: %v", err)
	}

	if !result.Success {
		t.Errorf("expected success, got message %q", result.Message)
	}
	if result.Payment.Status != types.StatusCompleted {
		t.Errorf("status = %s, want completed", result.Payment.Status)
	}
	if result.Payment.TransactionCode == nil || *result.Payment.TransactionCode != "QWE123" {
		t.Errorf("transaction code = %v, want QWE123", result.Payment.TransactionCode)
	}
	if result.Attempts != 3 {
		t.Errorf("attempts = %d, want 3", result.Attempts)
	}
	if got := len(gw.QueryRequests); got != 3 {
		t.Errorf("gateway queries = %d, want exactly 3", got)
	}
	if got := len(gw.PushRequests); got != 1 {
		t.Fatalf("gateway pushes = %d, want 1", got)
	}
	if gw.PushRequests[0].Amount != 500 || gw.PushRequests[0].Phone != testPhone {
		t.Errorf("push request = %+v", gw.PushRequests[0])
	}

	balance, _ := st.Balance(context.Background(), testPhone)
	if balance != 500 {
		t.Errorf("balance = %d, want 500 (credited exactly once)", balance)
	}

	recs, _ := st.Transactions(context.Background(), testPhone)
	if len(recs) != 1 || recs[0].Type != types.TransactionDeposit {
		t.Errorf("transactions = %+v, want one deposit", recs)
	}

	if result.Receipt == nil {
		t.Fatal("expected a receipt on completion")
	}
	if result.Receipt.Balance != 500 || result.Receipt.TransactionCode != "QWE123" {
		t.Errorf("receipt = %+v", result.Receipt)
	}

	if n := pub.published(events.TopicPaymentCompleted); n != 1 {
		t.Errorf("completed events = %d, want 1", n)
	}
}

func TestInitiateRejectedByGateway(t *testing.T) {
	ctrl, st, gw, _ := newTestController(testConfig())

	gw.QueueInitiate(&mpesa.InitiateResult{
		Accepted: false,
		Message:  "Invalid PhoneNumber",
	}, nil)

	result, err := ctrl.Initiate(context.Background(), testPhone, 100, "")
	if err != nil {
		t.Fatalf("Initiate: %v", err)
	}

	if result.Success {
		t.Error("expected failure")
	}
	if result.Payment.Status != types.StatusFailed {
		t.Errorf("status = %s, want failed", result.Payment.Status)
	}
	// A rejected initiate must never enter the polling loop.
	if got := len(gw.QueryRequests); got != 0 {
		t.Errorf("gateway queries = %d, want 0", got)
	}
	if balance, _ := st.Balance(context.Background(), testPhone); balance != 0 {
		t.Errorf("balance = %d, want 0", balance)
	}
}

func TestInitiateGatewayUnreachable(t *testing.T) {
	ctrl, st, gw, _ := newTestController(testConfig())

	gw.QueueInitiate(nil, errors.New("connection refused"))

	result, err := ctrl.Initiate(context.Background(), testPhone, 100, "")
	if err != nil {
		t.Fatalf("Initiate: %v", err)
	}

	if result.Success || result.Payment.Status != types.StatusFailed {
		t.Errorf("result = %+v, want failed payment", result)
	}
	if got := len(gw.QueryRequests); got != 0 {
		t.Errorf("gateway queries = %d, want 0", got)
	}
	if balance, _ := st.Balance(context.Background(), testPhone); balance != 0 {
		t.Errorf("balance = %d, want 0", balance)
	}
}

func TestInitiateTimesOutAfterBudget(t *testing.T) {
	ctrl, st, gw, pub := newTestController(testConfig())

	for i := 0; i < 24; i++ {
		gw.QueueQuery(&mpesa.QueryResult{Status: mpesa.QueryPending, ResultDesc: "being processed"}, nil)
	}

	result, err := ctrl.Initiate(context.Background(), testPhone, 250, "")
	if err != nil {
		t.Fatalf("Initiate: %v", err)
	}

	if result.Success {
		t.Error("expected success=false on timeout")
	}
	if result.Payment.Status != types.StatusTimeout {
		t.Errorf("status = %s, want timeout", result.Payment.Status)
	}
	if got := len(gw.QueryRequests); got != 24 {
		t.Errorf("gateway queries = %d, want 24", got)
	}
	if balance, _ := st.Balance(context.Background(), testPhone); balance != 0 {
		t.Errorf("balance = %d, want 0", balance)
	}
	if n := pub.published(events.TopicPaymentTimeout); n != 1 {
		t.Errorf("timeout events = %d, want 1", n)
	}

	// Timeout is terminal: a late callback must not resurrect the payment.
	p, err := ctrl.Callback(context.Background(), types.CallbackRequest{
		Reference:       result.Payment.Reference,
		Status:          "completed",
		TransactionCode: "LATE999",
	})
	if err != nil {
		t.Fatalf("Callback: %v", err)
	}
	if p.Status != types.StatusTimeout {
		t.Errorf("status after late callback = %s, want timeout", p.Status)
	}
	if balance, _ := st.Balance(context.Background(), testPhone); balance != 0 {
		t.Errorf("balance after late callback = %d, want 0", balance)
	}
}

func TestInitiateValidation(t *testing.T) {
	ctrl, _, gw, _ := newTestController(testConfig())

	tests := []struct {
		name   string
		phone  string
		amount int64
		want   *apperrors.AppError
	}{
		{"bad phone format", "0712345678", 100, apperrors.ErrInvalidPhone},
		{"short phone", "25471234567", 100, apperrors.ErrInvalidPhone},
		{"zero amount", testPhone, 0, apperrors.ErrValidation},
		{"negative amount", testPhone, -50, apperrors.ErrValidation},
		{"above maximum", testPhone, 150001, apperrors.ErrValidation},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ctrl.Initiate(context.Background(), tt.phone, tt.amount, "")
			if !errors.Is(err, tt.want) {
				t.Errorf("err = %v, want %v", err, tt.want)
			}
		})
	}

	// Validation failures must not touch the gateway.
	if got := len(gw.PushRequests); got != 0 {
		t.Errorf("gateway pushes = %d, want 0", got)
	}
}

func TestCallbackCompletesPendingPayment(t *testing.T) {
	ctrl, st, _, pub := newTestController(testConfig())
	p := seedPendingPayment(t, st, 750)

	updated, err := ctrl.Callback(context.Background(), types.CallbackRequest{
		Reference:       p.Reference,
		Status:          "completed",
		TransactionCode: "ABC777",
	})
	if err != nil {
		t.Fatalf("Callback: %v", err)
	}

	if updated.Status != types.StatusCompleted {
		t.Errorf("status = %s, want completed", updated.Status)
	}
	if balance, _ := st.Balance(context.Background(), testPhone); balance != 750 {
		t.Errorf("balance = %d, want 750", balance)
	}
	if n := pub.published(events.TopicPaymentCompleted); n != 1 {
		t.Errorf("completed events = %d, want 1", n)
	}
}

func TestCallbackByCheckoutRequestID(t *testing.T) {
	ctrl, st, _, _ := newTestController(testConfig())
	p := seedPendingPayment(t, st, 100)

	updated, err := ctrl.Callback(context.Background(), types.CallbackRequest{
		CheckoutRequestID: *p.CheckoutRequestID,
		Status:            "failed",
	})
	if err != nil {
		t.Fatalf("Callback: %v", err)
	}
	if updated.Status != types.StatusFailed {
		t.Errorf("status = %s, want failed", updated.Status)
	}
	if balance, _ := st.Balance(context.Background(), testPhone); balance != 0 {
		t.Errorf("balance = %d, want 0", balance)
	}
}

func TestCallbackUnknownPayment(t *testing.T) {
	ctrl, _, _, _ := newTestController(testConfig())

	_, err := ctrl.Callback(context.Background(), types.CallbackRequest{
		Reference: "STK-NOPE",
		Status:    "completed",
	})
	if !errors.Is(err, apperrors.ErrNotFound) {
		t.Errorf("err = %v, want not found", err)
	}
}

func TestDuplicateCompletionCreditsOnce(t *testing.T) {
	ctrl, st, _, _ := newTestController(testConfig())
	p := seedPendingPayment(t, st, 300)

	req := types.CallbackRequest{
		Reference:       p.Reference,
		Status:          "completed",
		TransactionCode: "DUP001",
	}

	for i := 0; i < 3; i++ {
		if _, err := ctrl.Callback(context.Background(), req); err != nil {
			t.Fatalf("Callback %d: %v", i, err)
		}
	}

	if balance, _ := st.Balance(context.Background(), testPhone); balance != 300 {
		t.Errorf("balance = %d, want 300 after duplicate callbacks", balance)
	}
	recs, _ := st.Transactions(context.Background(), testPhone)
	if len(recs) != 1 {
		t.Errorf("transactions = %d, want 1", len(recs))
	}
}

func TestConcurrentCompletionCreditsOnce(t *testing.T) {
	ctrl, st, _, _ := newTestController(testConfig())
	p := seedPendingPayment(t, st, 400)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			_, _ = ctrl.Callback(context.Background(), types.CallbackRequest{
				Reference:       p.Reference,
				Status:          "completed",
				TransactionCode: fmt.Sprintf("RACE%03d", n),
			})
		}(i)
	}
	wg.Wait()

	if balance, _ := st.Balance(context.Background(), testPhone); balance != 400 {
		t.Errorf("balance = %d, want 400 after concurrent callbacks", balance)
	}

	final, err := st.PaymentByReference(context.Background(), p.Reference)
	if err != nil {
		t.Fatalf("PaymentByReference: %v", err)
	}
	if final.Status != types.StatusCompleted || !final.Credited {
		t.Errorf("payment = %+v, want completed and credited", final)
	}
}

func TestCheckStatusAppliesTerminalTransition(t *testing.T) {
	ctrl, st, gw, _ := newTestController(testConfig())
	p := seedPendingPayment(t, st, 600)

	gw.QueueQuery(&mpesa.QueryResult{
		Status:          mpesa.QueryCompleted,
		TransactionCode: "CHK555",
		ResultCode:      "0",
	}, nil)

	result, err := ctrl.CheckStatus(context.Background(), *p.CheckoutRequestID)
	if err != nil {
		t.Fatalf("CheckStatus: %v", err)
	}

	if result.Payment.Status != types.StatusCompleted {
		t.Errorf("status = %s, want completed", result.Payment.Status)
	}
	if balance, _ := st.Balance(context.Background(), testPhone); balance != 600 {
		t.Errorf("balance = %d, want 600", balance)
	}

	// A second check on a terminal payment must not query the gateway again.
	queriesBefore := len(gw.QueryRequests)
	if _, err := ctrl.CheckStatus(context.Background(), *p.CheckoutRequestID); err != nil {
		t.Fatalf("second CheckStatus: %v", err)
	}
	if got := len(gw.QueryRequests); got != queriesBefore {
		t.Errorf("gateway queries = %d, want %d (no new query)", got, queriesBefore)
	}
}

func TestCheckStatusGatewayError(t *testing.T) {
	ctrl, st, gw, _ := newTestController(testConfig())
	p := seedPendingPayment(t, st, 100)

	gw.QueueQuery(nil, errors.New("timeout"))

	_, err := ctrl.CheckStatus(context.Background(), *p.CheckoutRequestID)
	if !errors.Is(err, apperrors.ErrGatewayUnavailable) {
		t.Errorf("err = %v, want gateway unavailable", err)
	}

	// The check failure must not fail the payment.
	current, _ := st.PaymentByReference(context.Background(), p.Reference)
	if current.Status != types.StatusPending {
		t.Errorf("status = %s, want still pending", current.Status)
	}
}

func TestPollAbsorbsTransientQueryErrors(t *testing.T) {
	ctrl, _, gw, _ := newTestController(testConfig())

	gw.QueueQuery(nil, errors.New("502 bad gateway"))
	gw.QueueQuery(&mpesa.QueryResult{
		Status:          mpesa.QueryCompleted,
		TransactionCode: "REC001",
		ResultCode:      "0",
	}, nil)

	result, err := ctrl.Initiate(context.Background(), testPhone, 100, "")
	if err != nil {
		t.Fatalf("Initiate: %v", err)
	}
	if !result.Success || result.Payment.Status != types.StatusCompleted {
		t.Errorf("result = %+v, want completed despite transient query error", result)
	}
	if result.Attempts != 2 {
		t.Errorf("attempts = %d, want 2", result.Attempts)
	}
}

func TestPollStopsWhenCallbackResolvesFirst(t *testing.T) {
	cfg := testConfig()
	ctrl, st, gw, _ := newTestController(cfg)

	// First poll sees pending; before the second, a callback completes the
	// payment. The loop must observe the terminal state and stop without
	// another gateway query.
	gw.QueueQuery(&mpesa.QueryResult{Status: mpesa.QueryPending}, nil)

	var once sync.Once
	ctrl.WithWaiter(func(ctx context.Context, d time.Duration) error {
		once.Do(func() {
			payments, _ := st.ListPayments(context.Background())
			_, err := ctrl.Callback(context.Background(), types.CallbackRequest{
				Reference:       payments[0].Reference,
				Status:          "completed",
				TransactionCode: "CB123",
			})
			if err != nil {
				t.Errorf("Callback during poll: %v", err)
			}
		})
		return nil
	})

	result, err := ctrl.Initiate(context.Background(), testPhone, 200, "")
	if err != nil {
		t.Fatalf("Initiate: %v", err)
	}

	if !result.Success || result.Payment.Status != types.StatusCompleted {
		t.Errorf("result = %+v, want completed via callback", result)
	}
	if got := len(gw.QueryRequests); got != 1 {
		t.Errorf("gateway queries = %d, want 1", got)
	}
	if balance, _ := st.Balance(context.Background(), testPhone); balance != 200 {
		t.Errorf("balance = %d, want 200 (single credit)", balance)
	}
}

func TestCreditOnInitiatePolicy(t *testing.T) {
	cfg := testConfig()
	cfg.CreditPolicy = CreditOnInitiate
	ctrl, st, _, _ := newTestController(cfg)

	result, err := ctrl.Initiate(context.Background(), testPhone, 900, "")
	if err != nil {
		t.Fatalf("Initiate: %v", err)
	}
	if result.Payment.Status != types.StatusCompleted {
		t.Fatalf("status = %s, want completed", result.Payment.Status)
	}

	// Credited at initiation, not again at completion.
	if balance, _ := st.Balance(context.Background(), testPhone); balance != 900 {
		t.Errorf("balance = %d, want 900", balance)
	}
	recs, _ := st.Transactions(context.Background(), testPhone)
	if len(recs) != 1 {
		t.Errorf("transactions = %d, want 1", len(recs))
	}
}

// flakyCreditStore fails a configured number of balance credits, simulating
// a transient storage failure in the middle of completion.
type flakyCreditStore struct {
	*store.MemoryStore
	creditFailures int
}

func (s *flakyCreditStore) Credit(ctx context.Context, phone string, amount int64) (int64, error) {
	if s.creditFailures > 0 {
		s.creditFailures--
		return 0, apperrors.ErrStorage.WithError(errors.New("write failed"))
	}
	return s.MemoryStore.Credit(ctx, phone, amount)
}

func TestCompletionCreditFailureFailsRequest(t *testing.T) {
	st := &flakyCreditStore{MemoryStore: store.NewMemoryStore(nil), creditFailures: 1}
	gw := mpesa.NewMockClient()
	ctrl := New(st, gw, testConfig()).
		WithWaiter(func(ctx context.Context, d time.Duration) error { return nil })

	// Completion is observed but the balance write fails: the request must
	// fail, and the payment must not be marked credited.
	_, err := ctrl.Initiate(context.Background(), testPhone, 500, "")
	if !errors.Is(err, apperrors.ErrStorage) {
		t.Fatalf("err = %v, want storage error", err)
	}

	payments, _ := st.ListPayments(context.Background())
	if len(payments) != 1 {
		t.Fatalf("payments = %d, want 1", len(payments))
	}
	p := payments[0]
	if p.Status != types.StatusCompleted {
		t.Errorf("status = %s, want completed", p.Status)
	}
	if p.Credited {
		t.Error("payment must not be marked credited when the credit write failed")
	}
	if balance, _ := st.Balance(context.Background(), testPhone); balance != 0 {
		t.Errorf("balance = %d, want 0", balance)
	}
	if recs, _ := st.Transactions(context.Background(), testPhone); len(recs) != 0 {
		t.Errorf("transactions = %d, want 0", len(recs))
	}

	// A redelivered callback settles the credit exactly once.
	updated, err := ctrl.Callback(context.Background(), types.CallbackRequest{
		Reference: p.Reference,
		Status:    "completed",
	})
	if err != nil {
		t.Fatalf("Callback: %v", err)
	}
	if !updated.Credited {
		t.Error("payment should be credited after the retry")
	}
	if balance, _ := st.Balance(context.Background(), testPhone); balance != 500 {
		t.Errorf("balance = %d, want 500", balance)
	}
	recs, _ := st.Transactions(context.Background(), testPhone)
	if len(recs) != 1 {
		t.Errorf("transactions = %d, want 1", len(recs))
	}

	// Further duplicates stay no-ops.
	if _, err := ctrl.Callback(context.Background(), types.CallbackRequest{
		Reference: p.Reference,
		Status:    "completed",
	}); err != nil {
		t.Fatalf("duplicate Callback: %v", err)
	}
	if balance, _ := st.Balance(context.Background(), testPhone); balance != 500 {
		t.Errorf("balance after duplicate = %d, want 500", balance)
	}
}

func TestCheckStatusSettlesAfterCreditFailure(t *testing.T) {
	st := &flakyCreditStore{MemoryStore: store.NewMemoryStore(nil), creditFailures: 1}
	gw := mpesa.NewMockClient()
	ctrl := New(st, gw, testConfig()).
		WithWaiter(func(ctx context.Context, d time.Duration) error { return nil })

	if _, err := ctrl.Initiate(context.Background(), testPhone, 250, ""); !errors.Is(err, apperrors.ErrStorage) {
		t.Fatalf("err = %v, want storage error", err)
	}

	payments, _ := st.ListPayments(context.Background())
	checkout := *payments[0].CheckoutRequestID
	queriesBefore := len(gw.QueryRequests)

	result, err := ctrl.CheckStatus(context.Background(), checkout)
	if err != nil {
		t.Fatalf("CheckStatus: %v", err)
	}
	if !result.Success || !result.Payment.Credited {
		t.Errorf("result = success %v credited %v, want settled", result.Success, result.Payment.Credited)
	}
	if balance, _ := st.Balance(context.Background(), testPhone); balance != 250 {
		t.Errorf("balance = %d, want 250", balance)
	}
	// The payment is already terminal; settling must not query the gateway.
	if got := len(gw.QueryRequests); got != queriesBefore {
		t.Errorf("gateway queries = %d, want %d", got, queriesBefore)
	}
}

func TestWithdraw(t *testing.T) {
	ctrl, st, _, pub := newTestController(testConfig())

	if _, err := st.Credit(context.Background(), testPhone, 1000); err != nil {
		t.Fatalf("Credit: %v", err)
	}

	balance, err := ctrl.Withdraw(context.Background(), testPhone, 400)
	if err != nil {
		t.Fatalf("Withdraw: %v", err)
	}
	if balance != 600 {
		t.Errorf("balance = %d, want 600", balance)
	}

	if _, err := ctrl.Withdraw(context.Background(), testPhone, 601); !errors.Is(err, apperrors.ErrInsufficientFunds) {
		t.Errorf("err = %v, want insufficient funds", err)
	}

	recs, _ := st.Transactions(context.Background(), testPhone)
	if len(recs) != 1 || recs[0].Type != types.TransactionWithdraw {
		t.Errorf("transactions = %+v, want one withdrawal", recs)
	}
	if n := pub.published(events.TopicWithdrawalCompleted); n != 1 {
		t.Errorf("withdrawal events = %d, want 1", n)
	}
}

func TestReceiptRebuiltFromStore(t *testing.T) {
	ctrl, st, _, _ := newTestController(testConfig())
	p := seedPendingPayment(t, st, 500)

	if _, err := ctrl.Callback(context.Background(), types.CallbackRequest{
		Reference:       p.Reference,
		Status:          "completed",
		TransactionCode: "RCP001",
	}); err != nil {
		t.Fatalf("Callback: %v", err)
	}

	// No cache configured: the receipt is rebuilt from the payment.
	receipt, err := ctrl.Receipt(context.Background(), p.Reference)
	if err != nil {
		t.Fatalf("Receipt: %v", err)
	}
	if receipt.TransactionCode != "RCP001" || receipt.Balance != 500 || receipt.Status != types.StatusCompleted {
		t.Errorf("receipt = %+v", receipt)
	}

	if _, err := ctrl.Receipt(context.Background(), "STK-MISSING"); !errors.Is(err, apperrors.ErrNotFound) {
		t.Errorf("err = %v, want not found", err)
	}
}

func TestRegister(t *testing.T) {
	ctrl, _, _, pub := newTestController(testConfig())

	user, err := ctrl.Register(context.Background(), "jane@example.com", testPhone)
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if user.Email != "jane@example.com" || user.Phone != testPhone {
		t.Errorf("user = %+v", user)
	}

	if _, err := ctrl.Register(context.Background(), "jane@example.com", "254798765432"); !errors.Is(err, apperrors.ErrConflict) {
		t.Errorf("err = %v, want conflict", err)
	}
	if n := pub.published(events.TopicUserRegistered); n != 1 {
		t.Errorf("registration events = %d, want 1", n)
	}
}
