package Controllers_test

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yeremiapane/table-sessions/models"
	"github.com/yeremiapane/table-sessions/services"
)

func TestOpenAndGetSession(t *testing.T) {
	s := setupServer(t)

	id := s.openSession(t, "A1")

	code, resp := s.do(t, "GET", "/sessions/"+id, waiterPIN, nil)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "Session status", resp["message"])
	data := dataOf(t, resp)
	assert.Equal(t, models.SessionOpen, data["status"])
	assert.Equal(t, "0", data["pending_balance"])

	code, resp = s.do(t, "POST", "/sessions", waiterPIN, map[string]interface{}{"table_id": "A1", "party_size": 3})
	assert.Equal(t, http.StatusConflict, code)
	assertKind(t, resp, services.KindConflict)

	code, resp = s.do(t, "GET", "/sessions/unknown", waiterPIN, nil)
	assert.Equal(t, http.StatusNotFound, code)
	assertKind(t, resp, services.KindNotFound)
}

func TestOpenSessionValidation(t *testing.T) {
	s := setupServer(t)

	code, _ := s.do(t, "POST", "/sessions", waiterPIN, map[string]interface{}{"table_id": "A2"})
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = s.do(t, "POST", "/sessions", "", map[string]interface{}{"table_id": "A2", "party_size": 2})
	assert.Equal(t, http.StatusUnauthorized, code)

	code, resp := s.do(t, "POST", "/sessions", "0000", map[string]interface{}{"table_id": "A2", "party_size": 2})
	assert.Equal(t, http.StatusUnauthorized, code)
	assertKind(t, resp, services.KindAuthorization)
}

func TestCompleteSessionFlow(t *testing.T) {
	s := setupServer(t)
	id := s.openSession(t, "B1")

	code, resp := s.do(t, "POST", "/sessions/"+id+"/complete", waiterPIN, nil)
	assert.Equal(t, http.StatusBadRequest, code)
	assertKind(t, resp, services.KindValidation)
	assert.Equal(t, models.SessionOpen, stateStatus(t, dataOf(t, resp)))

	s.attachOrder(t, id, 500)
	code, _ = s.do(t, "POST", "/sessions/"+id+"/payments", waiterPIN, map[string]interface{}{
		"amount": 300, "method": "cash", "idempotency_token": "b1-1",
	})
	require.Equal(t, http.StatusCreated, code)

	code, resp = s.do(t, "POST", "/sessions/"+id+"/complete", waiterPIN, nil)
	assert.Equal(t, http.StatusUnprocessableEntity, code)
	assertKind(t, resp, services.KindFinancial)
	data := dataOf(t, resp)
	assert.Equal(t, "200", data["remaining"])
	assert.Equal(t, models.SessionActive, stateStatus(t, data))

	code, _ = s.do(t, "POST", "/sessions/"+id+"/payments", waiterPIN, map[string]interface{}{
		"amount": 200, "method": "card", "idempotency_token": "b1-2",
	})
	require.Equal(t, http.StatusCreated, code)

	code, resp = s.do(t, "POST", "/sessions/"+id+"/complete", waiterPIN, map[string]interface{}{"reason": "settled"})
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "Session paid", resp["message"])
	assert.Equal(t, models.SessionPaid, stateStatus(t, dataOf(t, resp)))

	code, resp = s.do(t, "POST", "/sessions/"+id+"/complete", waiterPIN, nil)
	assert.Equal(t, http.StatusConflict, code)
	assert.Equal(t, models.SessionPaid, stateStatus(t, dataOf(t, resp)))
}

func TestCancelSessionEndpoints(t *testing.T) {
	s := setupServer(t)
	id := s.openSession(t, "C1")
	s.attachOrder(t, id, 100)

	code, _ := s.do(t, "POST", "/sessions/"+id+"/cancel", waiterPIN, map[string]interface{}{})
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = s.do(t, "POST", "/sessions/"+id+"/payments", waiterPIN, map[string]interface{}{
		"amount": 50, "method": "cash", "idempotency_token": "c1",
	})
	require.Equal(t, http.StatusCreated, code)

	code, resp := s.do(t, "POST", "/sessions/"+id+"/cancel", waiterPIN, map[string]interface{}{"reason": "left"})
	assert.Equal(t, http.StatusUnprocessableEntity, code)
	assertKind(t, resp, services.KindFinancial)

	code, resp = s.do(t, "POST", "/sessions/"+id+"/cancel", waiterPIN, map[string]interface{}{"reason": "left", "force": true})
	assert.Equal(t, http.StatusForbidden, code)
	assertKind(t, resp, services.KindAuthorization)

	code, resp = s.do(t, "POST", "/sessions/"+id+"/cancel", managerPIN, map[string]interface{}{"reason": "left", "force": true})
	assert.Equal(t, http.StatusOK, code)
	data := dataOf(t, resp)
	assert.Equal(t, models.SessionClosed, stateStatus(t, data))
	assert.Equal(t, float64(1), data["cancelled_orders"])
}

func TestListSessionsBoard(t *testing.T) {
	s := setupServer(t)
	s.openSession(t, "D1")
	closed := s.openSession(t, "D2")

	code, _ := s.do(t, "POST", "/sessions/"+closed+"/cancel", waiterPIN, map[string]interface{}{"reason": "mistake"})
	require.Equal(t, http.StatusOK, code)

	code, resp := s.do(t, "GET", "/sessions", waiterPIN, nil)
	assert.Equal(t, http.StatusOK, code)
	sessions := resp["data"].([]interface{})
	require.Len(t, sessions, 1)
	assert.Equal(t, "D1", sessions[0].(map[string]interface{})["table_id"])

	code, resp = s.do(t, "GET", "/sessions?status=closed", waiterPIN, nil)
	assert.Equal(t, http.StatusOK, code)
	assert.Len(t, resp["data"].([]interface{}), 1)
}

func TestReconcileAndAuditEndpoints(t *testing.T) {
	s := setupServer(t)
	id := s.openSession(t, "E1")
	s.attachOrder(t, id, 80)

	code, resp := s.do(t, "GET", "/sessions/"+id+"/reconcile", waiterPIN, nil)
	assert.Equal(t, http.StatusOK, code)
	data := dataOf(t, resp)
	assert.Equal(t, false, data["is_balanced"])
	assert.Equal(t, "-80", data["discrepancy"])

	code, _ = s.do(t, "GET", "/sessions/"+id+"/audit", waiterPIN, nil)
	assert.Equal(t, http.StatusForbidden, code)

	code, resp = s.do(t, "GET", "/sessions/"+id+"/audit", managerPIN, nil)
	assert.Equal(t, http.StatusOK, code)
	entries := resp["data"].([]interface{})
	require.Len(t, entries, 2)
	assert.Equal(t, models.AuditSessionOpened, entries[0].(map[string]interface{})["action"])
	assert.Equal(t, models.AuditOrderAttached, entries[1].(map[string]interface{})["action"])
}
