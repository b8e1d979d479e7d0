package services_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/yeremiapane/table-sessions/database"
	"github.com/yeremiapane/table-sessions/models"
	"github.com/yeremiapane/table-sessions/services"
	"github.com/yeremiapane/table-sessions/utils"
)

// setupTestDB opens a private in-memory SQLite database for one test.
func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	utils.InitLogger()

	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", name)
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
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

type fixture struct {
	db        *gorm.DB
	gateway   database.Gateway
	directory *services.GormStaffDirectory
	manager   *services.SessionManager
	alerts    *recordingAlerts
	notifier  *recordingNotifier

	staff    services.Credential
	manager2 services.Credential
	staffPIN string
}

type fixtureOption func(*services.Dependencies, *services.ManagerConfig)

func withGateway(wrap func(database.Gateway) database.Gateway) fixtureOption {
	return func(deps *services.Dependencies, _ *services.ManagerConfig) {
		deps.Gateway = wrap(deps.Gateway)
	}
}

func withDeps(update func(*services.Dependencies)) fixtureOption {
	return func(deps *services.Dependencies, _ *services.ManagerConfig) {
		update(deps)
	}
}

func withConfig(update func(*services.ManagerConfig)) fixtureOption {
	return func(_ *services.Dependencies, cfg *services.ManagerConfig) {
		update(cfg)
	}
}

func newFixture(t *testing.T, opts ...fixtureOption) *fixture {
	t.Helper()
	db := setupTestDB(t)
	ctx := context.Background()

	directory := services.NewGormStaffDirectory(db, "test-pepper")
	waiter, err := directory.CreateStaff(ctx, "Ana", models.RoleStaff, "1234")
	require.NoError(t, err)
	mgr, err := directory.CreateStaff(ctx, "Budi", models.RoleManager, "9999")
	require.NoError(t, err)

	f := &fixture{
		db:        db,
		directory: directory,
		alerts:    &recordingAlerts{},
		notifier:  &recordingNotifier{},
		staff:     services.Credential{StaffID: waiter.ID},
		manager2:  services.Credential{StaffID: mgr.ID},
		staffPIN:  "1234",
	}

	deps := services.Dependencies{
		Gateway:   database.NewGormGateway(db),
		Directory: directory,
		Locker:    services.NewMemoryLocker(),
		Alerts:    f.alerts,
		Notifier:  f.notifier,
	}
	cfg := services.ManagerConfig{
		OperationTimeout:    5 * time.Second,
		DirectoryTimeout:    2 * time.Second,
		AuditMaxAttempts:    3,
		AuditInitialBackoff: time.Millisecond,
		AuditAttemptTimeout: time.Second,
	}
	for _, opt := range opts {
		opt(&deps, &cfg)
	}
	f.gateway = deps.Gateway
	f.manager = services.NewSessionManager(deps, cfg)
	return f
}

func (f *fixture) open(t *testing.T, tableID string) string {
	t.Helper()
	state, err := f.manager.OpenSession(context.Background(), f.staff, tableID, 2)
	require.NoError(t, err)
	return state.Session.ID
}

func (f *fixture) attach(t *testing.T, sessionID string, price int64) *models.Order {
	t.Helper()
	order, _, err := f.manager.AttachOrder(context.Background(), f.staff, sessionID, []models.LineItemInput{
		{Name: "Nasi Goreng", Quantity: 1, UnitPrice: decimal.NewFromInt(price)},
	})
	require.NoError(t, err)
	return order
}

func (f *fixture) pay(t *testing.T, sessionID string, amount int64, token string) *services.PaymentResult {
	t.Helper()
	result, err := f.manager.ApplyPayment(context.Background(), f.staff, services.PaymentRequest{
		SessionID:        sessionID,
		Amount:           decimal.NewFromInt(amount),
		Method:           models.PaymentMethodCash,
		IdempotencyToken: token,
	})
	require.NoError(t, err)
	return result
}

func (f *fixture) auditActions(t *testing.T, sessionID string) []string {
	t.Helper()
	entries, err := f.gateway.ListAuditEntries(context.Background(), sessionID)
	require.NoError(t, err)
	actions := make([]string, 0, len(entries))
	for _, entry := range entries {
		actions = append(actions, entry.Action)
	}
	return actions
}

type recordingAlerts struct {
	mu     sync.Mutex
	alerts []services.Alert
}

func (r *recordingAlerts) Raise(_ context.Context, alert services.Alert) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.alerts = append(r.alerts, alert)
}

func (r *recordingAlerts) kinds() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	kinds := make([]string, 0, len(r.alerts))
	for _, alert := range r.alerts {
		kinds = append(kinds, alert.Kind)
	}
	return kinds
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []string
}

func (r *recordingNotifier) Broadcast(event string, _ interface{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

func (r *recordingNotifier) list() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

// faultyGateway injects failures into selected gateway calls.
type faultyGateway struct {
	database.Gateway

	mu               sync.Mutex
	auditFailures    int
	failOrderUpdates map[string]bool
}

var errInjected = errors.New("injected failure")

func (g *faultyGateway) InsertAuditEntry(ctx context.Context, entry *models.AuditEntry) error {
	g.mu.Lock()
	if g.auditFailures != 0 {
		if g.auditFailures > 0 {
			g.auditFailures--
		}
		g.mu.Unlock()
		return errInjected
	}
	g.mu.Unlock()
	return g.Gateway.InsertAuditEntry(ctx, entry)
}

func (g *faultyGateway) UpdateOrderStatus(ctx context.Context, orderID, expected, next string) (bool, error) {
	g.mu.Lock()
	fail := g.failOrderUpdates[orderID]
	g.mu.Unlock()
	if fail {
		return false, errInjected
	}
	return g.Gateway.UpdateOrderStatus(ctx, orderID, expected, next)
}

// slowDirectory never answers before its context expires.
type slowDirectory struct{}

func (slowDirectory) ResolveStaff(ctx context.Context, _ string) (models.StaffIdentity, error) {
	<-ctx.Done()
	return models.StaffIdentity{}, ctx.Err()
}

func (slowDirectory) LookupStaff(ctx context.Context, _ string) (models.StaffIdentity, error) {
	<-ctx.Done()
	return models.StaffIdentity{}, ctx.Err()
}

// trackingLocker counts the keys held through it.
type trackingLocker struct {
	services.Locker

	mu   sync.Mutex
	held int
}

func (l *trackingLocker) Lock(ctx context.Context, key string) (func(), error) {
	release, err := l.Locker.Lock(ctx, key)
	if err != nil {
		return nil, err
	}
	l.mu.Lock()
	l.held++
	l.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			l.held--
			l.mu.Unlock()
			release()
		})
	}, nil
}

func (l *trackingLocker) heldCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.held
}

// lockAwareNotifier records how many locks were held at each broadcast.
type lockAwareNotifier struct {
	locker *trackingLocker

	mu         sync.Mutex
	events     []string
	heldAtSend []int
}

func (n *lockAwareNotifier) Broadcast(event string, _ interface{}) {
	held := n.locker.heldCount()
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, event)
	n.heldAtSend = append(n.heldAtSend, held)
}

// casOnceGateway loses the first active to closing swap, as if another
// operation had touched the row in between.
type casOnceGateway struct {
	database.Gateway

	mu    sync.Mutex
	fired bool
}

func (g *casOnceGateway) UpdateSessionStatus(ctx context.Context, sessionID, expected, next string, patch database.SessionPatch) (bool, error) {
	g.mu.Lock()
	lose := !g.fired && expected == models.SessionActive && next == models.SessionClosing
	if lose {
		g.fired = true
	}
	g.mu.Unlock()
	if lose {
		return false, nil
	}
	return g.Gateway.UpdateSessionStatus(ctx, sessionID, expected, next, patch)
}

// stallingGateway blocks the active to closing swap until the caller's
// context expires while stall is set.
type stallingGateway struct {
	database.Gateway

	mu    sync.Mutex
	stall bool
}

func (g *stallingGateway) setStall(stall bool) {
	g.mu.Lock()
	g.stall = stall
	g.mu.Unlock()
}

func (g *stallingGateway) UpdateSessionStatus(ctx context.Context, sessionID, expected, next string, patch database.SessionPatch) (bool, error) {
	g.mu.Lock()
	stall := g.stall
	g.mu.Unlock()
	if stall && expected == models.SessionActive && next == models.SessionClosing {
		<-ctx.Done()
		return false, ctx.Err()
	}
	return g.Gateway.UpdateSessionStatus(ctx, sessionID, expected, next, patch)
}
