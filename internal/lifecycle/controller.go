// Package lifecycle drives a payment from initiation through the bounded
// polling loop to a terminal state, and reconciles out-of-band gateway
// callbacks against the same records.
package lifecycle

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ceofreddy254-dot/Stk-push/internal/store"
	"github.com/ceofreddy254-dot/Stk-push/internal/types"
	apperrors "github.com/ceofreddy254-dot/Stk-push/pkg/errors"
	"github.com/ceofreddy254-dot/Stk-push/pkg/events"
	"github.com/ceofreddy254-dot/Stk-push/pkg/logger"
	"github.com/ceofreddy254-dot/Stk-push/pkg/metrics"
	"github.com/ceofreddy254-dot/Stk-push/pkg/mpesa"
)

const serviceName = "stkpush"

// Gateway is the outbound dependency on the payment gateway.
type Gateway interface {
	STKPush(ctx context.Context, phone string, amount int64, reference, description string) (*mpesa.InitiateResult, error)
	STKQuery(ctx context.Context, checkoutRequestID string) (*mpesa.QueryResult, error)
}

// Cache stores derived receipts. Implementations may be Redis or in-memory.
type Cache interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

// SMSClient sends completion notifications.
type SMSClient interface {
	Send(to, message string) error
}

// CreditPolicy decides when a deposit is credited to the ledger.
type CreditPolicy string

const (
	// CreditOnConfirm credits only after the gateway reports completion.
	// This is the safe default.
	CreditOnConfirm CreditPolicy = "confirm"
	// CreditOnInitiate credits as soon as the gateway accepts the push,
	// before confirmation. Financially unsafe; kept only for parity with
	// deployments that ran this way.
	CreditOnInitiate CreditPolicy = "initiate"
)

type Config struct {
	// PollAttempts and PollInterval bound the synchronous wait: 24 * 5s
	// gives the customer two minutes to enter a PIN.
	PollAttempts int
	PollInterval time.Duration
	MinAmount    int64
	MaxAmount    int64
	CreditPolicy CreditPolicy
	ReceiptTTL   time.Duration
}

func DefaultConfig() Config {
	return Config{
		PollAttempts: 24,
		PollInterval: 5 * time.Second,
		MinAmount:    1,
		MaxAmount:    150000,
		CreditPolicy: CreditOnConfirm,
		ReceiptTTL:   24 * time.Hour,
	}
}

// Controller owns every status transition of a payment. All writers go
// through a per-payment lock so a racing poll result and callback cannot
// both apply a terminal transition or credit twice.
type Controller struct {
	store     store.Store
	gateway   Gateway
	cache     Cache
	publisher events.Publisher
	sms       SMSClient
	cfg       Config

	locks *paymentLocks

	// wait suspends between poll attempts; tests replace it.
	wait func(ctx context.Context, d time.Duration) error
}

func New(st store.Store, gw Gateway, cfg Config) *Controller {
	return &Controller{
		store:   st,
		gateway: gw,
		cfg:     cfg,
		locks:   newPaymentLocks(),
		wait:    sleepWait,
	}
}

// WithCache sets the receipt cache.
func (c *Controller) WithCache(cache Cache) *Controller {
	c.cache = cache
	return c
}

// WithPublisher sets the event publisher.
func (c *Controller) WithPublisher(p events.Publisher) *Controller {
	c.publisher = p
	return c
}

// WithSMS sets the notification client.
func (c *Controller) WithSMS(s SMSClient) *Controller {
	c.sms = s
	return c
}

// WithWaiter replaces the inter-attempt wait. Tests use a no-op waiter.
func (c *Controller) WithWaiter(wait func(ctx context.Context, d time.Duration) error) *Controller {
	c.wait = wait
	return c
}

func sleepWait(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Result is the caller-facing outcome of a lifecycle operation.
type Result struct {
	Payment        *types.Payment
	Success        bool
	Message        string
	Receipt        *types.Receipt
	LastResultDesc string
	Attempts       int
}

func newReference() string {
	return "STK-" + strings.ToUpper(uuid.NewString()[:8])
}

// Initiate runs the full payment lifecycle: validate, record pending,
// initiate at the gateway, poll to a terminal state. It returns an error only
// for validation and storage failures; gateway outcomes are reported in the
// Result so the caller always gets correlation data.
func (c *Controller) Initiate(ctx context.Context, phone string, amount int64, description string) (*Result, error) {
	if !types.ValidPhone(phone) {
		return nil, apperrors.ErrInvalidPhone.WithDetails("Phone must match format 254XXXXXXXXX")
	}
	if amount < c.cfg.MinAmount {
		return nil, apperrors.ErrValidation.WithDetails(fmt.Sprintf("Minimum amount is KES %d", c.cfg.MinAmount))
	}
	if amount > c.cfg.MaxAmount {
		return nil, apperrors.ErrValidation.WithDetails(fmt.Sprintf("Maximum amount is KES %d", c.cfg.MaxAmount))
	}
	if description == "" {
		description = "STK push payment"
	}

	// The loop must survive a client disconnect: the payment runs to a
	// terminal state and persists regardless, so a later status query
	// returns the correct outcome.
	ctx = context.WithoutCancel(ctx)

	now := time.Now().UTC()
	payment := &types.Payment{
		ID:          uuid.NewString(),
		Reference:   newReference(),
		Phone:       phone,
		Amount:      amount,
		Description: description,
		Status:      types.StatusPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	// Recorded before the gateway is contacted so every initiation attempt
	// is auditable even if the call fails mid-flight.
	if err := c.store.CreatePayment(ctx, payment); err != nil {
		return nil, err
	}

	initiate, err := c.gateway.STKPush(ctx, phone, amount, payment.Reference, description)
	if err != nil {
		metrics.RecordGatewayRequest(serviceName, "initiate", "error")
		logger.Error().Err(err).Str("payment_id", payment.ID).Msg("STK push failed")
		p, _ := c.applyFailed(ctx, payment.ID, "gateway unreachable: "+err.Error())
		return &Result{
			Payment: p,
			Success: false,
			Message: "Payment gateway is unreachable, no payment was initiated",
		}, nil
	}

	if !initiate.Accepted {
		metrics.RecordGatewayRequest(serviceName, "initiate", "rejected")
		logger.Warn().
			Str("payment_id", payment.ID).
			Str("reason", initiate.Message).
			Msg("STK push rejected by gateway")
		p, _ := c.applyFailed(ctx, payment.ID, initiate.Message)
		return &Result{
			Payment: p,
			Success: false,
			Message: "Payment was rejected by the gateway",
		}, nil
	}

	metrics.RecordGatewayRequest(serviceName, "initiate", "accepted")

	unlock := c.locks.acquire(payment.ID)
	payment.CheckoutRequestID = &initiate.CheckoutRequestID
	err = c.store.UpdatePayment(ctx, payment)
	if err == nil && c.cfg.CreditPolicy == CreditOnInitiate {
		// Speculative credit. A failure is fatal to this request, but the
		// pending payment stays reconcilable: completion via callback or
		// check-status settles the credit.
		err = c.settleCredit(ctx, payment)
	}
	unlock()
	if err != nil {
		return nil, err
	}

	c.publish(ctx, events.TopicPaymentInitiated, events.EventTypePaymentInitiated, payment)

	logger.Info().
		Str("payment_id", payment.ID).
		Str("reference", payment.Reference).
		Str("checkout_request_id", initiate.CheckoutRequestID).
		Int64("amount", amount).
		Msg("STK push initiated")

	return c.poll(ctx, payment.ID, initiate.CheckoutRequestID)
}

// poll drives the bounded polling loop against the gateway. Status-check
// failures are absorbed and retried; only the final outcome is surfaced.
func (c *Controller) poll(ctx context.Context, paymentID, checkoutRequestID string) (*Result, error) {
	var lastDesc string

	for attempt := 1; attempt <= c.cfg.PollAttempts; attempt++ {
		// A callback may have resolved the payment between attempts.
		current, err := c.store.Payment(ctx, paymentID)
		if err != nil {
			return nil, err
		}
		if current.Status.Terminal() {
			if current, err = c.ensureSettled(ctx, current); err != nil {
				return nil, err
			}
			metrics.RecordPollAttempts(serviceName, attempt-1)
			return c.resultFor(ctx, current, lastDesc, attempt-1), nil
		}

		query, err := c.gateway.STKQuery(ctx, checkoutRequestID)
		if err != nil {
			// The check itself failed; not a payment failure.
			metrics.RecordGatewayRequest(serviceName, "query", "error")
			logger.Warn().
				Err(err).
				Str("payment_id", paymentID).
				Int("attempt", attempt).
				Msg("Status query failed, will retry")
			lastDesc = "status check failed"
		} else {
			metrics.RecordGatewayRequest(serviceName, "query", string(query.Status))
			lastDesc = query.ResultDesc

			switch query.Status {
			case mpesa.QueryCompleted:
				p, err := c.applyCompleted(ctx, paymentID, query.TransactionCode)
				if err != nil {
					return nil, err
				}
				metrics.RecordPollAttempts(serviceName, attempt)
				return c.resultFor(ctx, p, lastDesc, attempt), nil
			case mpesa.QueryFailed:
				p, err := c.applyFailed(ctx, paymentID, query.ResultDesc)
				if err != nil {
					return nil, err
				}
				metrics.RecordPollAttempts(serviceName, attempt)
				return c.resultFor(ctx, p, lastDesc, attempt), nil
			}
		}

		if attempt < c.cfg.PollAttempts {
			if err := c.wait(ctx, c.cfg.PollInterval); err != nil {
				break
			}
		}
	}

	p, err := c.applyTimeout(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	metrics.RecordPollAttempts(serviceName, c.cfg.PollAttempts)
	return c.resultFor(ctx, p, lastDesc, c.cfg.PollAttempts), nil
}

func (c *Controller) resultFor(ctx context.Context, p *types.Payment, lastDesc string, attempts int) *Result {
	r := &Result{
		Payment:        p,
		Attempts:       attempts,
		LastResultDesc: lastDesc,
	}

	switch p.Status {
	case types.StatusCompleted:
		r.Success = true
		r.Message = "Payment completed successfully"
		r.Receipt = c.receiptFor(ctx, p)
	case types.StatusFailed:
		r.Message = "Payment failed"
		if p.ErrorMessage != nil && *p.ErrorMessage != "" {
			r.Message = "Payment failed: " + *p.ErrorMessage
		}
	case types.StatusTimeout:
		r.Message = "Payment is still pending, check status manually"
	default:
		r.Message = "Payment is pending"
	}

	return r
}

// applyCompleted transitions a pending payment to completed and credits the
// ledger at most once. Safe to call from the poll loop, the callback handler
// and manual status checks concurrently.
func (c *Controller) applyCompleted(ctx context.Context, paymentID, transactionCode string) (*types.Payment, error) {
	unlock := c.locks.acquire(paymentID)
	defer unlock()

	p, err := c.store.Payment(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	if p.Status.Terminal() {
		if p.Status != types.StatusCompleted || p.Credited {
			// Duplicate observation of a terminal result is a no-op.
			return p, nil
		}
		// Completed but the credit write failed earlier; settle it below.
	} else {
		p.Status = types.StatusCompleted
		if transactionCode != "" {
			p.TransactionCode = &transactionCode
		}
		if err := c.store.UpdatePayment(ctx, p); err != nil {
			return nil, err
		}
	}

	if !p.Credited {
		if err := c.settleCredit(ctx, p); err != nil {
			return nil, err
		}
	}

	if receipt := c.receiptFor(ctx, p); receipt != nil {
		c.cacheReceipt(ctx, receipt)
	}

	metrics.RecordPayment(serviceName, string(types.StatusCompleted), p.Amount)
	c.publish(ctx, events.TopicPaymentCompleted, events.EventTypePaymentCompleted, p)
	c.notifyCompleted(ctx, p)

	logger.Info().
		Str("payment_id", p.ID).
		Str("transaction_code", transactionCode).
		Int64("amount", p.Amount).
		Msg("Payment completed")

	return p, nil
}

func (c *Controller) applyFailed(ctx context.Context, paymentID, reason string) (*types.Payment, error) {
	unlock := c.locks.acquire(paymentID)
	defer unlock()

	p, err := c.store.Payment(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	if p.Status.Terminal() {
		return p, nil
	}

	p.Status = types.StatusFailed
	if reason != "" {
		p.ErrorMessage = &reason
	}

	if err := c.store.UpdatePayment(ctx, p); err != nil {
		return nil, err
	}

	metrics.RecordPayment(serviceName, string(types.StatusFailed), p.Amount)
	c.publish(ctx, events.TopicPaymentFailed, events.EventTypePaymentFailed, p)

	logger.Info().
		Str("payment_id", p.ID).
		Str("reason", reason).
		Msg("Payment failed")

	return p, nil
}

func (c *Controller) applyTimeout(ctx context.Context, paymentID string) (*types.Payment, error) {
	unlock := c.locks.acquire(paymentID)
	defer unlock()

	p, err := c.store.Payment(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	if p.Status.Terminal() {
		return p, nil
	}

	p.Status = types.StatusTimeout

	if err := c.store.UpdatePayment(ctx, p); err != nil {
		return nil, err
	}

	metrics.RecordPayment(serviceName, string(types.StatusTimeout), p.Amount)
	c.publish(ctx, events.TopicPaymentTimeout, events.EventTypePaymentTimeout, p)

	logger.Warn().
		Str("payment_id", p.ID).
		Str("reference", p.Reference).
		Msg("Polling budget exhausted, payment timed out locally")

	return p, nil
}

// settleCredit applies the balance credit, then persists the Credited flag.
// Callers hold the payment lock. The flag is written only after the credit
// write succeeds: a failed credit fails the triggering request and leaves the
// payment uncredited, so the next observation of the payment settles it
// instead of losing the credit.
func (c *Controller) settleCredit(ctx context.Context, p *types.Payment) error {
	if _, err := c.store.Credit(ctx, p.Phone, p.Amount); err != nil {
		logger.Error().Err(err).Str("payment_id", p.ID).Msg("Failed to credit ledger")
		return err
	}
	metrics.RecordLedgerCredit(serviceName)

	p.Credited = true
	if err := c.store.UpdatePayment(ctx, p); err != nil {
		logger.Error().Err(err).Str("payment_id", p.ID).Msg("Failed to persist credited flag")
		return err
	}

	rec := types.TransactionRecord{
		ID:        uuid.NewString(),
		Type:      types.TransactionDeposit,
		Amount:    p.Amount,
		Status:    "completed",
		Timestamp: time.Now().UTC(),
	}
	if err := c.store.AppendTransaction(ctx, p.Phone, rec); err != nil {
		// Balance and flag are already durable; the history entry is
		// recoverable from the payment record.
		logger.Error().Err(err).Str("payment_id", p.ID).Msg("Failed to append transaction record")
	}
	return nil
}

// ensureSettled retries the ledger credit for a completed payment whose
// earlier credit write failed.
func (c *Controller) ensureSettled(ctx context.Context, p *types.Payment) (*types.Payment, error) {
	if p.Status != types.StatusCompleted || p.Credited {
		return p, nil
	}
	code := ""
	if p.TransactionCode != nil {
		code = *p.TransactionCode
	}
	return c.applyCompleted(ctx, p.ID, code)
}

// CheckStatus performs a single status query and applies the
// terminal-transition-if-pending rule. It never loops.
func (c *Controller) CheckStatus(ctx context.Context, checkoutRequestID string) (*Result, error) {
	p, err := c.store.PaymentByCheckoutID(ctx, checkoutRequestID)
	if err != nil {
		return nil, err
	}
	if p.Status.Terminal() {
		if p, err = c.ensureSettled(ctx, p); err != nil {
			return nil, err
		}
		return c.resultFor(ctx, p, "", 0), nil
	}

	query, err := c.gateway.STKQuery(ctx, checkoutRequestID)
	if err != nil {
		metrics.RecordGatewayRequest(serviceName, "query", "error")
		return nil, apperrors.ErrGatewayUnavailable.WithError(err)
	}
	metrics.RecordGatewayRequest(serviceName, "query", string(query.Status))

	switch query.Status {
	case mpesa.QueryCompleted:
		p, err = c.applyCompleted(ctx, p.ID, query.TransactionCode)
	case mpesa.QueryFailed:
		p, err = c.applyFailed(ctx, p.ID, query.ResultDesc)
	}
	if err != nil {
		return nil, err
	}

	return c.resultFor(ctx, p, query.ResultDesc, 1), nil
}

// CheckStatusByPaymentID is CheckStatus keyed by the local payment id.
func (c *Controller) CheckStatusByPaymentID(ctx context.Context, paymentID string) (*Result, error) {
	p, err := c.store.Payment(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	if p.Status.Terminal() {
		if p, err = c.ensureSettled(ctx, p); err != nil {
			return nil, err
		}
		return c.resultFor(ctx, p, "", 0), nil
	}
	if p.CheckoutRequestID == nil {
		return c.resultFor(ctx, p, "", 0), nil
	}
	return c.CheckStatus(ctx, *p.CheckoutRequestID)
}

// Callback applies an out-of-band status push from the gateway. A payment
// already in a terminal state makes the callback a no-op regardless of what
// it reports; that guards against double-crediting when both the poll loop
// and a callback observe completion. The one exception is a completed payment
// whose credit write failed, where a redelivered callback retries the credit.
func (c *Controller) Callback(ctx context.Context, req types.CallbackRequest) (*types.Payment, error) {
	var p *types.Payment
	var err error

	switch {
	case req.Reference != "":
		p, err = c.store.PaymentByReference(ctx, req.Reference)
	case req.CheckoutRequestID != "":
		p, err = c.store.PaymentByCheckoutID(ctx, req.CheckoutRequestID)
	default:
		return nil, apperrors.ErrValidation.WithDetails("Callback must carry a reference or checkout_request_id")
	}
	if err != nil {
		return nil, err
	}

	if p.Status.Terminal() {
		if p.Status == types.StatusCompleted && !p.Credited {
			// The earlier credit write failed; the redelivered callback
			// is the retry path.
			return c.applyCompleted(ctx, p.ID, req.TransactionCode)
		}
		logger.Warn().
			Str("payment_id", p.ID).
			Str("callback_status", req.Status).
			Msg("Duplicate callback ignored")
		return p, nil
	}

	switch types.PaymentStatus(req.Status) {
	case types.StatusCompleted:
		return c.applyCompleted(ctx, p.ID, req.TransactionCode)
	case types.StatusFailed:
		return c.applyFailed(ctx, p.ID, "reported failed by gateway callback")
	default:
		// Still pending per the gateway; nothing to reconcile.
		return p, nil
	}
}

// Withdraw debits the balance and appends a withdrawal record.
func (c *Controller) Withdraw(ctx context.Context, phone string, amount int64) (int64, error) {
	if !types.ValidPhone(phone) {
		return 0, apperrors.ErrInvalidPhone.WithDetails("Phone must match format 254XXXXXXXXX")
	}
	if amount <= 0 {
		return 0, apperrors.ErrValidation.WithDetails("Amount must be positive")
	}

	balance, err := c.store.Debit(ctx, phone, amount)
	if err != nil {
		return 0, err
	}

	rec := types.TransactionRecord{
		ID:        uuid.NewString(),
		Type:      types.TransactionWithdraw,
		Amount:    amount,
		Status:    "completed",
		Timestamp: time.Now().UTC(),
	}
	if err := c.store.AppendTransaction(ctx, phone, rec); err != nil {
		logger.Error().Err(err).Str("phone", phone).Msg("Failed to append withdrawal record")
	}

	c.publish(ctx, events.TopicWithdrawalCompleted, events.EventTypeWithdrawalCompleted, map[string]any{
		"phone":   phone,
		"amount":  amount,
		"balance": balance,
	})

	return balance, nil
}

// Register creates a user and publishes a registration event.
func (c *Controller) Register(ctx context.Context, email, phone string) (*types.User, error) {
	user, err := c.store.RegisterUser(ctx, email, phone)
	if err != nil {
		return nil, err
	}

	c.publish(ctx, events.TopicUserRegistered, events.EventTypeUserRegistered, user)

	return user, nil
}

// Receipt returns the receipt for a reference, cache-first. Receipts are a
// derived projection; on a cache miss they are rebuilt from the payment.
func (c *Controller) Receipt(ctx context.Context, reference string) (*types.Receipt, error) {
	if c.cache != nil {
		if raw, err := c.cache.Get(ctx, receiptKey(reference)); err == nil && raw != "" {
			var receipt types.Receipt
			if err := json.Unmarshal([]byte(raw), &receipt); err == nil {
				return &receipt, nil
			}
		}
	}

	p, err := c.store.PaymentByReference(ctx, reference)
	if err != nil {
		return nil, err
	}

	receipt := c.receiptFor(ctx, p)
	if receipt == nil {
		return nil, apperrors.ErrInternal
	}
	c.cacheReceipt(ctx, receipt)

	return receipt, nil
}

func receiptKey(reference string) string {
	return "receipt:" + reference
}

func (c *Controller) receiptFor(ctx context.Context, p *types.Payment) *types.Receipt {
	balance, err := c.store.Balance(ctx, p.Phone)
	if err != nil {
		logger.Error().Err(err).Str("payment_id", p.ID).Msg("Failed to read balance for receipt")
	}

	receipt := &types.Receipt{
		Reference: p.Reference,
		PaymentID: p.ID,
		Phone:     p.Phone,
		Amount:    p.Amount,
		Status:    p.Status,
		Balance:   balance,
		IssuedAt:  time.Now().UTC(),
	}
	if p.TransactionCode != nil {
		receipt.TransactionCode = *p.TransactionCode
	}
	return receipt
}

func (c *Controller) cacheReceipt(ctx context.Context, receipt *types.Receipt) {
	if c.cache == nil {
		return
	}
	data, err := json.Marshal(receipt)
	if err != nil {
		return
	}
	if err := c.cache.Set(ctx, receiptKey(receipt.Reference), string(data), c.cfg.ReceiptTTL); err != nil {
		logger.Warn().Err(err).Str("reference", receipt.Reference).Msg("Failed to cache receipt")
	}
}

func (c *Controller) publish(ctx context.Context, topic, eventType string, payload any) {
	if c.publisher == nil {
		return
	}
	event := events.NewEvent(eventType, serviceName, payload)
	if p, ok := payload.(*types.Payment); ok {
		event.WithCorrelationID(p.Reference)
	}
	if err := c.publisher.Publish(ctx, topic, event); err != nil {
		logger.Warn().Err(err).Str("topic", topic).Msg("Failed to publish event")
	}
}

func (c *Controller) notifyCompleted(ctx context.Context, p *types.Payment) {
	if c.sms == nil {
		return
	}

	balance, err := c.store.Balance(ctx, p.Phone)
	if err != nil {
		return
	}

	code := ""
	if p.TransactionCode != nil {
		code = *p.TransactionCode
	}
	msg := fmt.Sprintf("Payment of KES %d received. Receipt: %s. New balance: KES %d",
		p.Amount, code, balance)
	if err := c.sms.Send(p.Phone, msg); err != nil {
		logger.Warn().Err(err).Str("phone", p.Phone).Msg("Failed to send SMS notification")
	}
}
