// Package handler exposes the payment lifecycle over HTTP.
package handler

import (
	"net/http"

	"github.com/gofiber/fiber/v2"

	"github.com/ceofreddy254-dot/Stk-push/internal/lifecycle"
	"github.com/ceofreddy254-dot/Stk-push/internal/store"
	"github.com/ceofreddy254-dot/Stk-push/internal/types"
	apperrors "github.com/ceofreddy254-dot/Stk-push/pkg/errors"
	"github.com/ceofreddy254-dot/Stk-push/pkg/logger"
	"github.com/ceofreddy254-dot/Stk-push/pkg/response"
)

type Handler struct {
	ctrl  *lifecycle.Controller
	store store.Store
}

func New(ctrl *lifecycle.Controller, st store.Store) *Handler {
	return &Handler{ctrl: ctrl, store: st}
}

// RegisterRoutes mounts all routes on the app.
func (h *Handler) RegisterRoutes(app *fiber.App) {
	app.Post("/stkpush", h.STKPush)
	app.Post("/transaction/status", h.TransactionStatus)
	app.Post("/callback", h.Callback)

	app.Post("/register", h.Register)
	app.Post("/withdraw", h.Withdraw)

	app.Get("/payments", h.ListPayments)
	app.Get("/payments/stats", h.PaymentStats)
	app.Get("/payments/:id", h.GetPayment)
	app.Post("/payments/:id/check-status", h.CheckPaymentStatus)
	app.Get("/balance/:phone", h.Balance)
	app.Get("/transactions/:phone", h.Transactions)
	app.Get("/receipt/:reference", h.Receipt)

	app.Get("/health", h.Health)
}

// STKPush initiates a payment and blocks until it reaches a terminal state
// or the polling budget runs out. The response always carries the payment id
// and reference so the caller can follow up regardless of outcome.
func (h *Handler) STKPush(c *fiber.Ctx) error {
	var req types.STKPushRequest
	if err := c.BodyParser(&req); err != nil {
		return apperrors.ErrValidation.WithDetails("Invalid request body")
	}

	result, err := h.ctrl.Initiate(c.UserContext(), req.Phone, req.Amount, req.Description)
	if err != nil {
		return err
	}

	return c.Status(statusCodeFor(result.Payment.Status)).JSON(pushResponse(result))
}

// TransactionStatus performs a single status check; it never polls.
func (h *Handler) TransactionStatus(c *fiber.Ctx) error {
	var req types.StatusCheckRequest
	if err := c.BodyParser(&req); err != nil {
		return apperrors.ErrValidation.WithDetails("Invalid request body")
	}
	if req.CheckoutRequestID == "" {
		return apperrors.ErrValidation.WithDetails("checkout_request_id is required")
	}

	result, err := h.ctrl.CheckStatus(c.UserContext(), req.CheckoutRequestID)
	if err != nil {
		return err
	}

	return c.JSON(pushResponse(result))
}

// Callback receives gateway status pushes. The acknowledgment envelope is
// fixed by the gateway protocol: anything other than ResultCode 0 triggers
// redelivery, so processing errors are logged and swallowed.
func (h *Handler) Callback(c *fiber.Ctx) error {
	ack := types.CallbackAck{ResultCode: 0, ResultDesc: "Success"}

	var req types.CallbackRequest
	if err := c.BodyParser(&req); err != nil {
		logger.Warn().Err(err).Msg("Unparseable callback body")
		return c.JSON(ack)
	}

	if _, err := h.ctrl.Callback(c.UserContext(), req); err != nil {
		logger.Warn().
			Err(err).
			Str("reference", req.Reference).
			Str("checkout_request_id", req.CheckoutRequestID).
			Msg("Callback processing failed")
	}

	return c.JSON(ack)
}

func (h *Handler) Register(c *fiber.Ctx) error {
	var req types.RegisterRequest
	if err := c.BodyParser(&req); err != nil {
		return apperrors.ErrValidation.WithDetails("Invalid request body")
	}

	user, err := h.ctrl.Register(c.UserContext(), req.Email, req.Phone)
	if err != nil {
		return err
	}

	return response.Created(c, user)
}

func (h *Handler) Withdraw(c *fiber.Ctx) error {
	var req types.WithdrawRequest
	if err := c.BodyParser(&req); err != nil {
		return apperrors.ErrValidation.WithDetails("Invalid request body")
	}

	balance, err := h.ctrl.Withdraw(c.UserContext(), req.Phone, req.Amount)
	if err != nil {
		return err
	}

	return response.Success(c, types.BalanceResponse{
		Phone:    req.Phone,
		Balance:  balance,
		Currency: "KES",
	})
}

func (h *Handler) ListPayments(c *fiber.Ctx) error {
	payments, err := h.store.ListPayments(c.UserContext())
	if err != nil {
		return err
	}
	if payments == nil {
		payments = []types.Payment{}
	}
	return response.Success(c, payments)
}

func (h *Handler) GetPayment(c *fiber.Ctx) error {
	payment, err := h.store.Payment(c.UserContext(), c.Params("id"))
	if err != nil {
		return err
	}
	return response.Success(c, payment)
}

// CheckPaymentStatus is TransactionStatus keyed by the local payment id.
func (h *Handler) CheckPaymentStatus(c *fiber.Ctx) error {
	result, err := h.ctrl.CheckStatusByPaymentID(c.UserContext(), c.Params("id"))
	if err != nil {
		return err
	}
	return c.JSON(pushResponse(result))
}

func (h *Handler) PaymentStats(c *fiber.Ctx) error {
	stats, err := h.store.PaymentStats(c.UserContext())
	if err != nil {
		return err
	}
	return response.Success(c, stats)
}

func (h *Handler) Balance(c *fiber.Ctx) error {
	phone := c.Params("phone")
	if !types.ValidPhone(phone) {
		return apperrors.ErrInvalidPhone.WithDetails("Phone must match format 254XXXXXXXXX")
	}

	balance, err := h.store.Balance(c.UserContext(), phone)
	if err != nil {
		return err
	}

	return response.Success(c, types.BalanceResponse{
		Phone:    phone,
		Balance:  balance,
		Currency: "KES",
	})
}

func (h *Handler) Transactions(c *fiber.Ctx) error {
	phone := c.Params("phone")
	if !types.ValidPhone(phone) {
		return apperrors.ErrInvalidPhone.WithDetails("Phone must match format 254XXXXXXXXX")
	}

	recs, err := h.store.Transactions(c.UserContext(), phone)
	if err != nil {
		return err
	}
	if recs == nil {
		recs = []types.TransactionRecord{}
	}
	return response.Success(c, recs)
}

func (h *Handler) Receipt(c *fiber.Ctx) error {
	receipt, err := h.ctrl.Receipt(c.UserContext(), c.Params("reference"))
	if err != nil {
		return err
	}
	return response.Success(c, receipt)
}

func (h *Handler) Health(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"status":  "healthy",
		"service": "stkpush",
	})
}

// statusCodeFor maps a terminal payment status to the HTTP status of the
// initiation response. Timeout is not an HTTP failure: the payment may still
// complete via callback, so the caller gets 200 with success=false.
func statusCodeFor(status types.PaymentStatus) int {
	if status == types.StatusFailed {
		return http.StatusBadRequest
	}
	return http.StatusOK
}

func pushResponse(result *lifecycle.Result) types.STKPushResponse {
	p := result.Payment
	resp := types.STKPushResponse{
		Success:        result.Success,
		Message:        result.Message,
		PaymentID:      p.ID,
		Reference:      p.Reference,
		Status:         string(p.Status),
		Receipt:        result.Receipt,
		LastResultDesc: result.LastResultDesc,
	}
	if p.CheckoutRequestID != nil {
		resp.CheckoutRequestID = *p.CheckoutRequestID
	}
	if p.TransactionCode != nil {
		resp.TransactionCode = *p.TransactionCode
	}
	return resp
}
