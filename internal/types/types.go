package types

import "time"

// PaymentStatus is the payment state machine. A payment starts pending and
// moves to exactly one terminal state; terminal states never transition.
type PaymentStatus string

const (
	StatusPending   PaymentStatus = "pending"
	StatusCompleted PaymentStatus = "completed"
	StatusFailed    PaymentStatus = "failed"
	StatusTimeout   PaymentStatus = "timeout"
)

// Terminal reports whether no further transition is permitted.
func (s PaymentStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusTimeout
}

// IsValidTransition checks a status transition against the state machine.
func IsValidTransition(from, to PaymentStatus) bool {
	if from != StatusPending {
		return false
	}
	return to == StatusCompleted || to == StatusFailed || to == StatusTimeout
}

// Payment is one attempt to move money via the gateway. The local ID is
// distinct from the gateway's checkout request ID (assigned after a
// successful initiate) and from the human-facing reference (assigned at
// creation, used to correlate callbacks and receipts).
type Payment struct {
	ID                string        `json:"id"`
	Reference         string        `json:"reference"`
	Phone             string        `json:"phone"`
	Amount            int64         `json:"amount"`
	Description       string        `json:"description,omitempty"`
	Status            PaymentStatus `json:"status"`
	CheckoutRequestID *string       `json:"checkout_request_id,omitempty"`
	TransactionCode   *string       `json:"transaction_code,omitempty"`
	ErrorMessage      *string       `json:"error_message,omitempty"`
	// Credited guards the at-most-once balance credit across polling,
	// callbacks and manual status checks.
	Credited  bool      `json:"credited"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

type User struct {
	Email     string    `json:"email"`
	Phone     string    `json:"phone"`
	CreatedAt time.Time `json:"created_at"`
}

// TransactionRecord is an append-only history entry for statements/audits.
type TransactionRecord struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"` // deposit | withdraw
	Amount    int64     `json:"amount"`
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

const (
	TransactionDeposit  = "deposit"
	TransactionWithdraw = "withdraw"
)

// Receipt is a derived projection of a payment plus the resulting balance.
// It is cached, never a source of truth.
type Receipt struct {
	Reference       string        `json:"reference"`
	PaymentID       string        `json:"payment_id"`
	Phone           string        `json:"phone"`
	Amount          int64         `json:"amount"`
	Status          PaymentStatus `json:"status"`
	TransactionCode string        `json:"transaction_code,omitempty"`
	Balance         int64         `json:"balance"`
	IssuedAt        time.Time     `json:"issued_at"`
}

// PaymentStats is the administrative aggregate view over payments.
type PaymentStats struct {
	Total       int   `json:"total"`
	Pending     int   `json:"pending"`
	Completed   int   `json:"completed"`
	Failed      int   `json:"failed"`
	Timeout     int   `json:"timeout"`
	TotalAmount int64 `json:"total_amount"`
	// CompletedAmount sums only completed payments.
	CompletedAmount int64 `json:"completed_amount"`
}

// Request/response DTOs for the HTTP surface.

type STKPushRequest struct {
	Phone       string `json:"phone"`
	Amount      int64  `json:"amount"`
	Description string `json:"description"`
}

type STKPushResponse struct {
	Success           bool     `json:"success"`
	Message           string   `json:"message"`
	PaymentID         string   `json:"payment_id"`
	Reference         string   `json:"reference"`
	Status            string   `json:"status"`
	CheckoutRequestID string   `json:"checkout_request_id,omitempty"`
	TransactionCode   string   `json:"transaction_code,omitempty"`
	Receipt           *Receipt `json:"receipt,omitempty"`
	LastResultDesc    string   `json:"last_result_desc,omitempty"`
}

type StatusCheckRequest struct {
	CheckoutRequestID string `json:"checkout_request_id"`
}

type CallbackRequest struct {
	Reference         string `json:"reference"`
	CheckoutRequestID string `json:"checkout_request_id"`
	Status            string `json:"status"`
	TransactionCode   string `json:"transaction_code"`
}

// CallbackAck is the gateway-protocol-fixed acknowledgment. The gateway
// retries delivery on anything else, so this envelope never varies.
type CallbackAck struct {
	ResultCode int    `json:"ResultCode"`
	ResultDesc string `json:"ResultDesc"`
}

type RegisterRequest struct {
	Email string `json:"email"`
	Phone string `json:"phone"`
}

type WithdrawRequest struct {
	Phone  string `json:"phone"`
	Amount int64  `json:"amount"`
}

type BalanceResponse struct {
	Phone    string `json:"phone"`
	Balance  int64  `json:"balance"`
	Currency string `json:"currency"`
}
