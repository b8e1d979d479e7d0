package controllers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/yeremiapane/table-sessions/services"
	"github.com/yeremiapane/table-sessions/utils"
)

// statusFor maps an error kind to the HTTP status a terminal expects.
func statusFor(err error) int {
	switch services.KindOf(err) {
	case services.KindValidation:
		return http.StatusBadRequest
	case services.KindAuthorization:
		if errors.Is(err, services.ErrElevationRequired) {
			return http.StatusForbidden
		}
		return http.StatusUnauthorized
	case services.KindNotFound:
		return http.StatusNotFound
	case services.KindConflict:
		return http.StatusConflict
	case services.KindFinancial:
		return http.StatusUnprocessableEntity
	case services.KindUpstream:
		return http.StatusGatewayTimeout
	case services.KindReconciliation:
		return http.StatusAccepted
	}
	return http.StatusInternalServerError
}

// respondOperationError writes a rejection with the authoritative session
// state, when there is one, so the terminal can resync without a second read.
func respondOperationError(c *gin.Context, err error) {
	code := statusFor(err)
	data := gin.H{"kind": services.KindOf(err)}

	var opErr *services.OperationError
	if errors.As(err, &opErr) && opErr.State != nil {
		data["state"] = opErr.State
	}
	var incomplete *services.IncompleteBalanceError
	if errors.As(err, &incomplete) {
		data["remaining"] = incomplete.Remaining
	}
	var overpay *services.OverpaymentError
	if errors.As(err, &overpay) {
		data["pending"] = overpay.Pending
	}

	if code >= http.StatusInternalServerError {
		utils.ErrorLogger.WithField("path", c.FullPath()).Errorf("request failed: %v", err)
	}
	utils.RespondErrorWithData(c, code, err, data)
}

// respondResult writes a successful result, or 202 when the mutation
// committed but its audit entry is pending reconciliation.
func respondResult(c *gin.Context, code int, message string, result interface{}, err error) {
	if err == nil {
		utils.RespondJSON(c, code, message, result)
		return
	}
	if services.KindOf(err) == services.KindReconciliation && result != nil {
		utils.RespondJSON(c, http.StatusAccepted, err.Error(), result)
		return
	}
	respondOperationError(c, err)
}

func credentialFrom(c *gin.Context) services.Credential {
	return services.Credential{
		StaffID: c.GetString("staff_id"),
		PIN:     c.GetString("staff_pin"),
	}
}
