package controllers

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/yeremiapane/table-sessions/services"
	"github.com/yeremiapane/table-sessions/utils"
)

type AuthController struct {
	Directory services.StaffDirectory
	Timeout   time.Duration
}

func NewAuthController(directory services.StaffDirectory, timeout time.Duration) *AuthController {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &AuthController{Directory: directory, Timeout: timeout}
}

// ExchangePin -> trades a staff PIN for a short-lived bearer token
func (ac *AuthController) ExchangePin(c *gin.Context) {
	var req struct {
		Pin string `json:"pin" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		utils.RespondError(c, http.StatusBadRequest, err)
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), ac.Timeout)
	defer cancel()

	staff, err := ac.Directory.ResolveStaff(ctx, req.Pin)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			err = services.ErrUpstreamTimeout
		}
		respondOperationError(c, err)
		return
	}

	token, expiresAt, err := utils.GenerateStaffToken(staff.ID, staff.Role)
	if err != nil {
		utils.RespondError(c, http.StatusInternalServerError, err)
		return
	}

	utils.InfoLogger.WithField("staff_id", staff.ID).Info("staff token issued")
	utils.RespondJSON(c, http.StatusOK, "Token issued", gin.H{
		"token":      token,
		"expires_at": expiresAt,
		"staff":      staff,
	})
}
