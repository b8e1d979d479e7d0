package controllers

import (
	"context"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/yeremiapane/table-sessions/database"
	"github.com/yeremiapane/table-sessions/models"
	"github.com/yeremiapane/table-sessions/services"
	"github.com/yeremiapane/table-sessions/utils"
)

type SessionController struct {
	Manager *services.SessionManager
	Board   *services.SnapshotCache[[]models.TableSession]
}

func NewSessionController(manager *services.SessionManager, board *services.SnapshotCache[[]models.TableSession]) *SessionController {
	return &SessionController{Manager: manager, Board: board}
}

// FloorBoardLoader lists sessions for a comma separated status key.
func FloorBoardLoader(manager *services.SessionManager) func(ctx context.Context, key string) ([]models.TableSession, error) {
	return func(ctx context.Context, key string) ([]models.TableSession, error) {
		return manager.ListSessions(ctx, database.SessionFilter{Statuses: strings.Split(key, ",")})
	}
}

// OpenSession -> opens a session on a table
func (sc *SessionController) OpenSession(c *gin.Context) {
	var req struct {
		TableID   string `json:"table_id" binding:"required"`
		PartySize int    `json:"party_size" binding:"required,gt=0"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		utils.RespondError(c, http.StatusBadRequest, err)
		return
	}

	state, err := sc.Manager.OpenSession(c.Request.Context(), credentialFrom(c), req.TableID, req.PartySize)
	respondResult(c, http.StatusCreated, "Session opened", state, err)
}

// ListSessions -> floor board, non-terminal sessions unless ?status= is given
func (sc *SessionController) ListSessions(c *gin.Context) {
	key := strings.Join(models.NonTerminalSessionStatuses, ",")
	if status := c.Query("status"); status != "" {
		key = status
	}

	sessions, err := sc.Board.Get(c.Request.Context(), key)
	if err != nil {
		respondOperationError(c, err)
		return
	}
	utils.RespondJSON(c, http.StatusOK, "List of sessions", sessions)
}

// GetSession -> status and balance of one session
func (sc *SessionController) GetSession(c *gin.Context) {
	state, err := sc.Manager.GetStatus(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondOperationError(c, err)
		return
	}
	utils.RespondJSON(c, http.StatusOK, "Session status", state)
}

// CompleteSession -> settles a fully paid session
func (sc *SessionController) CompleteSession(c *gin.Context) {
	var req struct {
		Reason string `json:"reason"`
	}
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			utils.RespondError(c, http.StatusBadRequest, err)
			return
		}
	}

	result, err := sc.Manager.CompleteWithPayment(c.Request.Context(), credentialFrom(c), c.Param("id"), req.Reason)
	respondResult(c, http.StatusOK, "Session paid", result, err)
}

// CancelSession -> cancels or force-closes a session
func (sc *SessionController) CancelSession(c *gin.Context) {
	var req struct {
		Reason string `json:"reason" binding:"required"`
		Force  bool   `json:"force"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		utils.RespondError(c, http.StatusBadRequest, err)
		return
	}

	result, err := sc.Manager.CancelSession(c.Request.Context(), credentialFrom(c), c.Param("id"), req.Reason, req.Force)
	respondResult(c, http.StatusOK, "Session closed", result, err)
}

// Reconcile -> compares order totals with payments
func (sc *SessionController) Reconcile(c *gin.Context) {
	rec, err := sc.Manager.Reconcile(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondOperationError(c, err)
		return
	}
	utils.RespondJSON(c, http.StatusOK, "Session reconciliation", rec)
}

// AuditTrail -> audit entries in commit order
func (sc *SessionController) AuditTrail(c *gin.Context) {
	entries, err := sc.Manager.AuditTrail(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondOperationError(c, err)
		return
	}
	utils.RespondJSON(c, http.StatusOK, "Session audit trail", entries)
}
