package controllers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/yeremiapane/table-sessions/models"
	"github.com/yeremiapane/table-sessions/services"
	"github.com/yeremiapane/table-sessions/utils"
)

type OrderController struct {
	Manager *services.SessionManager
}

func NewOrderController(manager *services.SessionManager) *OrderController {
	return &OrderController{Manager: manager}
}

// AttachOrder -> adds a confirmed order to an open or active session
func (oc *OrderController) AttachOrder(c *gin.Context) {
	var req struct {
		Items []models.LineItemInput `json:"items" binding:"required,min=1,dive"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		utils.RespondError(c, http.StatusBadRequest, err)
		return
	}

	order, state, err := oc.Manager.AttachOrder(c.Request.Context(), credentialFrom(c), c.Param("id"), req.Items)
	var data interface{}
	if order != nil {
		data = gin.H{"order": order, "state": state}
	}
	respondResult(c, http.StatusCreated, "Order attached", data, err)
}

// AdvanceOrder -> moves an order along confirmed, preparing, ready, completed
func (oc *OrderController) AdvanceOrder(c *gin.Context) {
	var req struct {
		Status string `json:"status" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		utils.RespondError(c, http.StatusBadRequest, err)
		return
	}

	order, err := oc.Manager.AdvanceOrder(c.Request.Context(), credentialFrom(c), c.Param("id"), req.Status)
	var data interface{}
	if order != nil {
		data = order
	}
	respondResult(c, http.StatusOK, "Order updated", data, err)
}
