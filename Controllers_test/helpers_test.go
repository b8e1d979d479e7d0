package Controllers_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/yeremiapane/table-sessions/database"
	"github.com/yeremiapane/table-sessions/kds"
	"github.com/yeremiapane/table-sessions/models"
	"github.com/yeremiapane/table-sessions/router"
	"github.com/yeremiapane/table-sessions/services"
	"github.com/yeremiapane/table-sessions/utils"
)

const (
	waiterPIN  = "1234"
	managerPIN = "9999"
)

type testServer struct {
	router    *gin.Engine
	manager   *services.SessionManager
	directory *services.GormStaffDirectory
	hub       *kds.Hub
}

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	db, err := gorm.Open(sqlite.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", name)), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })

	require.NoError(t, database.Migrate(db))
	return db
}

func setupServer(t *testing.T) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)
	utils.InitLogger()
	utils.SetJWTSecret("controller-test-secret")

	db := setupTestDB(t)
	directory := services.NewGormStaffDirectory(db, "test-pepper")
	_, err := directory.CreateStaff(context.Background(), "Ana", models.RoleStaff, waiterPIN)
	require.NoError(t, err)
	_, err = directory.CreateStaff(context.Background(), "Budi", models.RoleManager, managerPIN)
	require.NoError(t, err)

	hub := kds.NewHub()
	manager := services.NewSessionManager(services.Dependencies{
		Gateway:   database.NewGormGateway(db),
		Directory: directory,
		Notifier:  hub,
	}, services.ManagerConfig{AuditInitialBackoff: time.Millisecond})

	r := router.SetupRouter(manager, router.Options{
		Directory:       directory,
		Hub:             hub,
		SnapshotTTL:     time.Millisecond,
		PinAttemptBurst: 3,
	})
	return &testServer{router: r, manager: manager, directory: directory, hub: hub}
}

// do sends a JSON request with the given staff PIN and decodes the envelope.
func (s *testServer) do(t *testing.T, method, path, pin string, body interface{}, headers ...string) (int, map[string]interface{}) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(payload)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequest(method, path, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if pin != "" {
		req.Header.Set("X-Staff-PIN", pin)
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}

	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)

	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp), w.Body.String())
	return w.Code, resp
}

func (s *testServer) openSession(t *testing.T, tableID string) string {
	t.Helper()
	code, resp := s.do(t, "POST", "/sessions", waiterPIN, map[string]interface{}{"table_id": tableID, "party_size": 2})
	require.Equal(t, http.StatusCreated, code, resp)
	return dataOf(t, resp)["session"].(map[string]interface{})["id"].(string)
}

func (s *testServer) attachOrder(t *testing.T, sessionID string, price float64) string {
	t.Helper()
	code, resp := s.do(t, "POST", "/sessions/"+sessionID+"/orders", waiterPIN, map[string]interface{}{
		"items": []map[string]interface{}{{"name": "Nasi Goreng", "quantity": 1, "unit_price": price}},
	})
	require.Equal(t, http.StatusCreated, code, resp)
	return dataOf(t, resp)["order"].(map[string]interface{})["id"].(string)
}

func dataOf(t *testing.T, resp map[string]interface{}) map[string]interface{} {
	t.Helper()
	data, ok := resp["data"].(map[string]interface{})
	require.True(t, ok, "response has no data object: %v", resp)
	return data
}

func stateStatus(t *testing.T, data map[string]interface{}) string {
	t.Helper()
	state, ok := data["state"].(map[string]interface{})
	require.True(t, ok, "no state in %v", data)
	return state["status"].(string)
}

func assertKind(t *testing.T, resp map[string]interface{}, kind services.Kind) {
	t.Helper()
	assert.Equal(t, false, resp["status"])
	assert.Equal(t, string(kind), dataOf(t, resp)["kind"])
}
