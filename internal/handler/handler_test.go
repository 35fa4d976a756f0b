package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/ceofreddy254-dot/Stk-push/internal/lifecycle"
	"github.com/ceofreddy254-dot/Stk-push/internal/store"
	"github.com/ceofreddy254-dot/Stk-push/internal/types"
	"github.com/ceofreddy254-dot/Stk-push/pkg/mpesa"
	"github.com/ceofreddy254-dot/Stk-push/pkg/response"
)

const testPhone = "254712345678"

func newTestApp(t *testing.T) (*fiber.App, *store.MemoryStore, *mpesa.MockClient) {
	t.Helper()

	st := store.NewMemoryStore(nil)
	gw := mpesa.NewMockClient()

	cfg := lifecycle.DefaultConfig()
	cfg.PollInterval = time.Millisecond
	ctrl := lifecycle.New(st, gw, cfg).
		WithWaiter(func(ctx context.Context, d time.Duration) error { return nil })

	app := fiber.New(fiber.Config{ErrorHandler: response.ErrorHandler})
	New(ctrl, st).RegisterRoutes(app)

	return app, st, gw
}

func doJSON(t *testing.T, app *fiber.App, method, path string, body any) (*http.Response, []byte) {
	t.Helper()

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(data)
	}

	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := app.Test(req, 5000)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	resp.Body.Close()
	return resp, raw
}

func TestSTKPushEndToEnd(t *testing.T) {
	app, st, gw := newTestApp(t)

	resp, raw := doJSON(t, app, http.MethodPost, "/stkpush", types.STKPushRequest{
		Phone:  testPhone,
		Amount: 500,
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, body = %s", resp.StatusCode, raw)
	}

	var body types.STKPushResponse
	if err := json.Unmarshal(raw, &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !body.Success || body.Status != "completed" {
		t.Errorf("body = %+v", body)
	}
	if body.Reference == "" || body.PaymentID == "" || body.CheckoutRequestID == "" {
		t.Errorf("missing correlation data: %+v", body)
	}
	if body.Receipt == nil || body.Receipt.Balance != 500 {
		t.Errorf("receipt = %+v", body.Receipt)
	}
	if got := len(gw.PushRequests); got != 1 {
		t.Errorf("gateway pushes = %d, want 1", got)
	}
	if balance, _ := st.Balance(context.Background(), testPhone); balance != 500 {
		t.Errorf("balance = %d, want 500", balance)
	}
}

func TestSTKPushValidation(t *testing.T) {
	app, _, gw := newTestApp(t)

	tests := []struct {
		name     string
		body     types.STKPushRequest
		wantCode string
	}{
		{"invalid phone", types.STKPushRequest{Phone: "0712345678", Amount: 100}, "INVALID_PHONE"},
		{"zero amount", types.STKPushRequest{Phone: testPhone, Amount: 0}, "VALIDATION_ERROR"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, raw := doJSON(t, app, http.MethodPost, "/stkpush", tt.body)
			if resp.StatusCode != http.StatusBadRequest {
				t.Fatalf("status = %d, body = %s", resp.StatusCode, raw)
			}

			var envelope response.Response
			if err := json.Unmarshal(raw, &envelope); err != nil {
				t.Fatalf("unmarshal: %v", err)
			}
			if envelope.Error == nil || envelope.Error.Code != tt.wantCode {
				t.Errorf("error = %+v, want code %s", envelope.Error, tt.wantCode)
			}
		})
	}

	if got := len(gw.PushRequests); got != 0 {
		t.Errorf("gateway pushes = %d, want 0", got)
	}
}

func TestSTKPushRejectedReturns400WithCorrelation(t *testing.T) {
	app, _, gw := newTestApp(t)

	gw.QueueInitiate(&mpesa.InitiateResult{Accepted: false, Message: "Invalid ShortCode"}, nil)

	resp, raw := doJSON(t, app, http.MethodPost, "/stkpush", types.STKPushRequest{
		Phone:  testPhone,
		Amount: 100,
	})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, body = %s", resp.StatusCode, raw)
	}

	var body types.STKPushResponse
	if err := json.Unmarshal(raw, &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if body.Success || body.Status != "failed" {
		t.Errorf("body = %+v", body)
	}
	if body.PaymentID == "" || body.Reference == "" {
		t.Errorf("missing correlation data: %+v", body)
	}
}

// The callback ack is fixed by the gateway protocol: ResultCode 0 and HTTP
// 200 no matter what, otherwise the gateway redelivers.
func TestCallbackAlwaysAcks(t *testing.T) {
	app, st, _ := newTestApp(t)

	checkout := "ws_CO_77"
	now := time.Now().UTC()
	payment := &types.Payment{
		ID: "pay-1", Reference: "STK-CB", Phone: testPhone, Amount: 300,
		Status: types.StatusPending, CheckoutRequestID: &checkout,
		CreatedAt: now, UpdatedAt: now,
	}
	if err := st.CreatePayment(context.Background(), payment); err != nil {
		t.Fatalf("CreatePayment: %v", err)
	}

	tests := []struct {
		name string
		body any
	}{
		{"known payment", types.CallbackRequest{Reference: "STK-CB", Status: "completed", TransactionCode: "QWE123"}},
		{"unknown payment", types.CallbackRequest{Reference: "STK-NOPE", Status: "completed"}},
		{"empty body", map[string]string{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, raw := doJSON(t, app, http.MethodPost, "/callback", tt.body)
			if resp.StatusCode != http.StatusOK {
				t.Fatalf("status = %d, want 200", resp.StatusCode)
			}

			var ack types.CallbackAck
			if err := json.Unmarshal(raw, &ack); err != nil {
				t.Fatalf("unmarshal: %v", err)
			}
			if ack.ResultCode != 0 || ack.ResultDesc != "Success" {
				t.Errorf("ack = %+v", ack)
			}
		})
	}

	// The known-payment callback was actually applied.
	updated, err := st.PaymentByReference(context.Background(), "STK-CB")
	if err != nil {
		t.Fatalf("PaymentByReference: %v", err)
	}
	if updated.Status != types.StatusCompleted {
		t.Errorf("status = %s, want completed", updated.Status)
	}
	if balance, _ := st.Balance(context.Background(), testPhone); balance != 300 {
		t.Errorf("balance = %d, want 300", balance)
	}
}

func TestTransactionStatusRequiresCheckoutID(t *testing.T) {
	app, _, _ := newTestApp(t)

	resp, _ := doJSON(t, app, http.MethodPost, "/transaction/status", types.StatusCheckRequest{})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}

	resp, _ = doJSON(t, app, http.MethodPost, "/transaction/status", types.StatusCheckRequest{
		CheckoutRequestID: "ws_CO_unknown",
	})
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}

func TestCheckPaymentStatusByID(t *testing.T) {
	app, st, gw := newTestApp(t)

	checkout := "ws_CO_88"
	now := time.Now().UTC()
	payment := &types.Payment{
		ID: "pay-9", Reference: "STK-CHK", Phone: testPhone, Amount: 150,
		Status: types.StatusPending, CheckoutRequestID: &checkout,
		CreatedAt: now, UpdatedAt: now,
	}
	if err := st.CreatePayment(context.Background(), payment); err != nil {
		t.Fatalf("CreatePayment: %v", err)
	}

	gw.QueueQuery(&mpesa.QueryResult{
		Status: mpesa.QueryCompleted, TransactionCode: "CHK999", ResultCode: "0",
	}, nil)

	resp, raw := doJSON(t, app, http.MethodPost, "/payments/pay-9/check-status", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, body = %s", resp.StatusCode, raw)
	}

	var body types.STKPushResponse
	if err := json.Unmarshal(raw, &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !body.Success || body.Status != "completed" || body.TransactionCode != "CHK999" {
		t.Errorf("body = %+v", body)
	}
}

func TestRegisterAndBalance(t *testing.T) {
	app, _, _ := newTestApp(t)

	resp, _ := doJSON(t, app, http.MethodPost, "/register", types.RegisterRequest{
		Email: "jane@example.com", Phone: testPhone,
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d, want 201", resp.StatusCode)
	}

	resp, _ = doJSON(t, app, http.MethodPost, "/register", types.RegisterRequest{
		Email: "jane@example.com", Phone: "254798765432",
	})
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("duplicate status = %d, want 409", resp.StatusCode)
	}

	resp, raw := doJSON(t, app, http.MethodGet, "/balance/"+testPhone, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("balance status = %d", resp.StatusCode)
	}
	var envelope struct {
		Data types.BalanceResponse `json:"data"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if envelope.Data.Currency != "KES" || envelope.Data.Phone != testPhone {
		t.Errorf("balance = %+v", envelope.Data)
	}

	resp, _ = doJSON(t, app, http.MethodGet, "/balance/0712345678", nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("bad phone status = %d, want 400", resp.StatusCode)
	}
}

func TestWithdrawInsufficientFunds(t *testing.T) {
	app, _, _ := newTestApp(t)

	resp, raw := doJSON(t, app, http.MethodPost, "/withdraw", types.WithdrawRequest{
		Phone: testPhone, Amount: 100,
	})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, body = %s", resp.StatusCode, raw)
	}

	var envelope response.Response
	if err := json.Unmarshal(raw, &envelope); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if envelope.Error == nil || envelope.Error.Code != "INSUFFICIENT_FUNDS" {
		t.Errorf("error = %+v", envelope.Error)
	}
}

func TestReceiptNotFound(t *testing.T) {
	app, _, _ := newTestApp(t)

	resp, _ := doJSON(t, app, http.MethodGet, "/receipt/STK-MISSING", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}

func TestHealth(t *testing.T) {
	app, _, _ := newTestApp(t)

	resp, raw := doJSON(t, app, http.MethodGet, "/health", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var body map[string]string
	if err := json.Unmarshal(raw, &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if body["status"] != "healthy" {
		t.Errorf("body = %v", body)
	}
}
