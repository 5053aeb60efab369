package handlers

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/tuncanbit/cpg/internal/application/paymentservice"
	"github.com/tuncanbit/cpg/internal/domain"
	"github.com/tuncanbit/cpg/internal/server/middleware"
)

type PaymentHandler struct {
	paymentSvc paymentservice.IPaymentService
	logger     zerolog.Logger
}

func NewPaymentHandler(paymentSvc paymentservice.IPaymentService, logger zerolog.Logger) *PaymentHandler {
	return &PaymentHandler{
		paymentSvc: paymentSvc,
		logger:     logger,
	}
}

type cancelRequest struct {
	Reason string `json:"reason"`
}

type refundRequest struct {
	Amount *decimal.Decimal `json:"amount"`
}

func (h *PaymentHandler) CreatePayment(c *gin.Context) {
	var req domain.CreatePaymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}

	req.MerchantID = c.GetString(middleware.MerchantIDKey)
	if req.Customer.IPAddress == "" {
		req.Customer.IPAddress = c.ClientIP()
	}
	if req.Customer.UserAgent == "" {
		req.Customer.UserAgent = c.Request.UserAgent()
	}

	result, err := h.paymentSvc.CreatePayment(c.Request.Context(), req)
	if err != nil {
		h.logger.Warn().Err(err).Str("merchant_id", req.MerchantID).Msg("Payment creation failed")
		respondError(c, err)
		return
	}

	respond(c, http.StatusCreated, "Payment created", result)
}

func (h *PaymentHandler) GetPayment(c *gin.Context) {
	details, err := h.paymentSvc.GetPaymentDetails(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	if !owns(c, details.Payment) {
		respondError(c, domain.NewNotFoundError("payment", c.Param("id")))
		return
	}

	respond(c, http.StatusOK, "Payment retrieved", details)
}

func (h *PaymentHandler) GetPaymentStatus(c *gin.Context) {
	view, err := h.paymentSvc.CheckPaymentStatus(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	if !owns(c, view.Payment) {
		respondError(c, domain.NewNotFoundError("payment", c.Param("id")))
		return
	}

	respond(c, http.StatusOK, "Payment status retrieved", view)
}

func (h *PaymentHandler) CancelPayment(c *gin.Context) {
	var req cancelRequest
	if !bindOptional(c, &req) {
		return
	}
	if req.Reason == "" {
		req.Reason = "cancelled by merchant"
	}
	if !h.authorize(c) {
		return
	}

	if _, err := h.paymentSvc.CancelPayment(c.Request.Context(), c.Param("id"), req.Reason); err != nil {
		respondError(c, err)
		return
	}

	respond(c, http.StatusOK, "Payment cancelled", gin.H{"payment_id": c.Param("id"), "cancelled": true})
}

func (h *PaymentHandler) RefundPayment(c *gin.Context) {
	var req refundRequest
	if !bindOptional(c, &req) {
		return
	}
	if !h.authorize(c) {
		return
	}

	if _, err := h.paymentSvc.ProcessRefund(c.Request.Context(), c.Param("id"), req.Amount); err != nil {
		respondError(c, err)
		return
	}

	respond(c, http.StatusOK, "Payment refunded", gin.H{"payment_id": c.Param("id"), "refunded": true})
}

func (h *PaymentHandler) GetStats(c *gin.Context) {
	stats, err := h.paymentSvc.GetProcessingStats(c.Request.Context())
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to get processing stats")
		respondError(c, err)
		return
	}

	respond(c, http.StatusOK, "Processing statistics", stats)
}

// authorize checks that the payment belongs to the caller before a mutation.
func (h *PaymentHandler) authorize(c *gin.Context) bool {
	view, err := h.paymentSvc.CheckPaymentStatus(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return false
	}
	if !owns(c, view.Payment) {
		respondError(c, domain.NewNotFoundError("payment", c.Param("id")))
		return false
	}
	return true
}

func owns(c *gin.Context, payment *domain.Payment) bool {
	return payment != nil && payment.MerchantID == c.GetString(middleware.MerchantIDKey)
}

// bindOptional decodes a JSON body when one is present.
func bindOptional(c *gin.Context, v interface{}) bool {
	if err := c.ShouldBindJSON(v); err != nil && !errors.Is(err, io.EOF) {
		badRequest(c, err.Error())
		return false
	}
	return true
}
