package Controllers_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yeremiapane/table-sessions/kds"
	"github.com/yeremiapane/table-sessions/services"
)

func TestExchangePinForToken(t *testing.T) {
	s := setupServer(t)

	code, resp := s.do(t, "POST", "/auth/pin", "", map[string]interface{}{"pin": managerPIN})
	assert.Equal(t, http.StatusOK, code)
	token := dataOf(t, resp)["token"].(string)
	require.NotEmpty(t, token)

	code, resp = s.do(t, "POST", "/sessions", "", map[string]interface{}{"table_id": "T1", "party_size": 2},
		"Authorization", "Bearer "+token)
	assert.Equal(t, http.StatusCreated, code)
	assert.Equal(t, "Session opened", resp["message"])

	code, _ = s.do(t, "GET", "/sessions", "", nil, "Authorization", "Token "+token)
	assert.Equal(t, http.StatusUnauthorized, code)

	code, _ = s.do(t, "GET", "/sessions", "", nil, "Authorization", "Bearer forged")
	assert.Equal(t, http.StatusUnauthorized, code)
}

func TestPinAttemptsAreThrottled(t *testing.T) {
	s := setupServer(t)

	for i := 0; i < 3; i++ {
		code, resp := s.do(t, "POST", "/auth/pin", "", map[string]interface{}{"pin": "0000"})
		assert.Equal(t, http.StatusUnauthorized, code)
		assertKind(t, resp, services.KindAuthorization)
	}

	code, _ := s.do(t, "POST", "/auth/pin", "", map[string]interface{}{"pin": waiterPIN})
	assert.Equal(t, http.StatusTooManyRequests, code)
}

func TestDeactivatedStaffTokenIsRejected(t *testing.T) {
	s := setupServer(t)

	code, resp := s.do(t, "POST", "/auth/pin", "", map[string]interface{}{"pin": waiterPIN})
	require.Equal(t, http.StatusOK, code)
	token := dataOf(t, resp)["token"].(string)
	staffID := dataOf(t, resp)["staff"].(map[string]interface{})["id"].(string)

	require.NoError(t, s.directory.SetActive(context.Background(), staffID, false))

	code, resp = s.do(t, "POST", "/sessions", "", map[string]interface{}{"table_id": "T2", "party_size": 2},
		"Authorization", "Bearer "+token)
	assert.Equal(t, http.StatusUnauthorized, code)
	assertKind(t, resp, services.KindAuthorization)
}

func TestFloorFeedStreamsEvents(t *testing.T) {
	s := setupServer(t)

	code, resp := s.do(t, "POST", "/auth/pin", "", map[string]interface{}{"pin": waiterPIN})
	require.Equal(t, http.StatusOK, code)
	token := dataOf(t, resp)["token"].(string)

	server := httptest.NewServer(s.router)
	defer server.Close()

	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws/floor?token=" + token
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()
	require.Eventually(t, func() bool { return s.hub.ClientCount() == 1 }, time.Second, 5*time.Millisecond)

	s.openSession(t, "W1")

	var msg kds.Message
	conn.SetReadDeadline(time.Now().Add(time.Second))
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, kds.EventSessionOpened, msg.Event)
}
