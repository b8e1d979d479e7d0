package controllers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"github.com/yeremiapane/table-sessions/models"
	"github.com/yeremiapane/table-sessions/services"
	"github.com/yeremiapane/table-sessions/utils"
)

type PaymentController struct {
	Manager *services.SessionManager
}

func NewPaymentController(manager *services.SessionManager) *PaymentController {
	return &PaymentController{Manager: manager}
}

// ApplyPayment -> records a payment; retries with the same token are replayed
func (pc *PaymentController) ApplyPayment(c *gin.Context) {
	var req struct {
		Amount           decimal.Decimal `json:"amount"`
		Method           string          `json:"method" binding:"required"`
		IdempotencyToken string          `json:"idempotency_token"`
		AllowOverpayment bool            `json:"allow_overpayment"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		utils.RespondError(c, http.StatusBadRequest, err)
		return
	}
	if req.IdempotencyToken == "" {
		req.IdempotencyToken = c.GetString("idempotency_key")
	}
	if req.IdempotencyToken == "" {
		utils.RespondError(c, http.StatusBadRequest, errors.New("idempotency_token or Idempotency-Key header is required"))
		return
	}

	result, err := pc.Manager.ApplyPayment(c.Request.Context(), credentialFrom(c), services.PaymentRequest{
		SessionID:        c.Param("id"),
		Amount:           req.Amount,
		Method:           models.PaymentMethod(req.Method),
		IdempotencyToken: req.IdempotencyToken,
		AllowOverpayment: req.AllowOverpayment,
	})
	if err == nil && result.Replayed {
		utils.RespondJSON(c, http.StatusOK, "Payment already applied", result)
		return
	}

	var data interface{}
	if result != nil && result.Payment != nil {
		data = result
	}
	respondResult(c, http.StatusCreated, "Payment applied", data, err)
}
