package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/yeremiapane/table-sessions/models"
)

var (
	ErrNotFound                = errors.New("record not found")
	ErrTableOccupied           = errors.New("table already has a non-terminal session")
	ErrDuplicateIdempotencyKey = errors.New("idempotency key already used")
)

// SessionPatch carries the columns written alongside a status transition.
// Nil fields are left untouched.
type SessionPatch struct {
	TotalAmount        *decimal.Decimal
	ClosedAt           *time.Time
	CancellationReason *string
	CancelledBy        *string
	ForceClosed        *bool
}

type SessionFilter struct {
	Statuses      []string
	UpdatedBefore time.Time
	Limit         int
}

// Snapshot is a session with its orders and payments read in one transaction.
type Snapshot struct {
	Session  models.TableSession
	Orders   []models.Order
	Payments []models.Payment
}

// Gateway is the durable store for sessions, orders, payments and audit
// entries. Sessions are the only records updated in place, and only through
// the compare-and-swap UpdateSessionStatus.
type Gateway interface {
	CreateSession(ctx context.Context, session *models.TableSession) error
	GetSession(ctx context.Context, sessionID string) (*models.TableSession, error)
	FindOpenSessionByTable(ctx context.Context, tableID string) (*models.TableSession, error)
	ListSessions(ctx context.Context, filter SessionFilter) ([]models.TableSession, error)
	UpdateSessionStatus(ctx context.Context, sessionID, expectedStatus, newStatus string, patch SessionPatch) (bool, error)

	InsertOrder(ctx context.Context, order *models.Order) error
	GetOrder(ctx context.Context, orderID string) (*models.Order, error)
	ListOrders(ctx context.Context, sessionID string) ([]models.Order, error)
	UpdateOrderStatus(ctx context.Context, orderID, expectedStatus, newStatus string) (bool, error)

	InsertPayment(ctx context.Context, payment *models.Payment) error
	FindPaymentByIdempotencyKey(ctx context.Context, key string) (*models.Payment, error)
	ListPayments(ctx context.Context, sessionID string) ([]models.Payment, error)

	Snapshot(ctx context.Context, sessionID string) (*Snapshot, error)

	InsertAuditEntry(ctx context.Context, entry *models.AuditEntry) error
	ListAuditEntries(ctx context.Context, sessionID string) ([]models.AuditEntry, error)
}

type GormGateway struct {
	DB *gorm.DB
}

func NewGormGateway(db *gorm.DB) *GormGateway {
	return &GormGateway{DB: db}
}

func (g *GormGateway) CreateSession(ctx context.Context, session *models.TableSession) error {
	return g.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&models.TableSession{}).
			Where("table_id = ? AND status IN ?", session.TableID, models.NonTerminalSessionStatuses).
			Count(&count).Error; err != nil {
			return fmt.Errorf("failed to count open sessions: %w", err)
		}
		if count > 0 {
			return ErrTableOccupied
		}
		if err := tx.Create(session).Error; err != nil {
			return fmt.Errorf("failed to create session: %w", err)
		}
		return nil
	})
}

func (g *GormGateway) GetSession(ctx context.Context, sessionID string) (*models.TableSession, error) {
	var session models.TableSession
	if err := g.DB.WithContext(ctx).First(&session, "id = ?", sessionID).Error; err != nil {
		return nil, notFound(err, "session")
	}
	return &session, nil
}

func (g *GormGateway) FindOpenSessionByTable(ctx context.Context, tableID string) (*models.TableSession, error) {
	var session models.TableSession
	err := g.DB.WithContext(ctx).
		Where("table_id = ? AND status IN ?", tableID, models.NonTerminalSessionStatuses).
		Order("opened_at DESC").
		First(&session).Error
	if err != nil {
		return nil, notFound(err, "session")
	}
	return &session, nil
}

func (g *GormGateway) ListSessions(ctx context.Context, filter SessionFilter) ([]models.TableSession, error) {
	query := g.DB.WithContext(ctx).Model(&models.TableSession{})
	if len(filter.Statuses) > 0 {
		query = query.Where("status IN ?", filter.Statuses)
	}
	if !filter.UpdatedBefore.IsZero() {
		query = query.Where("updated_at < ?", filter.UpdatedBefore)
	}
	if filter.Limit > 0 {
		query = query.Limit(filter.Limit)
	}

	var sessions []models.TableSession
	if err := query.Order("opened_at ASC").Find(&sessions).Error; err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	return sessions, nil
}

// UpdateSessionStatus moves a session from expectedStatus to newStatus only if
// it is still in expectedStatus. It reports false when another writer got
// there first.
func (g *GormGateway) UpdateSessionStatus(ctx context.Context, sessionID, expectedStatus, newStatus string, patch SessionPatch) (bool, error) {
	updates := map[string]interface{}{
		"status":     newStatus,
		"version":    gorm.Expr("version + 1"),
		"updated_at": time.Now(),
	}
	if patch.TotalAmount != nil {
		updates["total_amount"] = *patch.TotalAmount
	}
	if patch.ClosedAt != nil {
		updates["closed_at"] = *patch.ClosedAt
	}
	if patch.CancellationReason != nil {
		updates["cancellation_reason"] = *patch.CancellationReason
	}
	if patch.CancelledBy != nil {
		updates["cancelled_by"] = *patch.CancelledBy
	}
	if patch.ForceClosed != nil {
		updates["force_closed"] = *patch.ForceClosed
	}

	result := g.DB.WithContext(ctx).Model(&models.TableSession{}).
		Where("id = ? AND status = ?", sessionID, expectedStatus).
		Updates(updates)
	if result.Error != nil {
		return false, fmt.Errorf("failed to update session status: %w", result.Error)
	}
	return result.RowsAffected == 1, nil
}

func (g *GormGateway) InsertOrder(ctx context.Context, order *models.Order) error {
	if err := g.DB.WithContext(ctx).Create(order).Error; err != nil {
		return fmt.Errorf("failed to insert order: %w", err)
	}
	return nil
}

func (g *GormGateway) GetOrder(ctx context.Context, orderID string) (*models.Order, error) {
	var order models.Order
	if err := g.DB.WithContext(ctx).Preload("Items", orderItemsByID).First(&order, "id = ?", orderID).Error; err != nil {
		return nil, notFound(err, "order")
	}
	return &order, nil
}

func (g *GormGateway) ListOrders(ctx context.Context, sessionID string) ([]models.Order, error) {
	return listOrders(g.DB.WithContext(ctx), sessionID)
}

func (g *GormGateway) UpdateOrderStatus(ctx context.Context, orderID, expectedStatus, newStatus string) (bool, error) {
	result := g.DB.WithContext(ctx).Model(&models.Order{}).
		Where("id = ? AND status = ?", orderID, expectedStatus).
		Updates(map[string]interface{}{"status": newStatus, "updated_at": time.Now()})
	if result.Error != nil {
		return false, fmt.Errorf("failed to update order status: %w", result.Error)
	}
	return result.RowsAffected == 1, nil
}

func (g *GormGateway) InsertPayment(ctx context.Context, payment *models.Payment) error {
	return g.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&models.Payment{}).Where("idempotency_key = ?", payment.IdempotencyKey).Count(&count).Error; err != nil {
			return fmt.Errorf("failed to check idempotency key: %w", err)
		}
		if count > 0 {
			return ErrDuplicateIdempotencyKey
		}
		if err := tx.Create(payment).Error; err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return ErrDuplicateIdempotencyKey
			}
			return fmt.Errorf("failed to insert payment: %w", err)
		}
		return nil
	})
}

func (g *GormGateway) FindPaymentByIdempotencyKey(ctx context.Context, key string) (*models.Payment, error) {
	var payment models.Payment
	if err := g.DB.WithContext(ctx).First(&payment, "idempotency_key = ?", key).Error; err != nil {
		return nil, notFound(err, "payment")
	}
	return &payment, nil
}

func (g *GormGateway) ListPayments(ctx context.Context, sessionID string) ([]models.Payment, error) {
	return listPayments(g.DB.WithContext(ctx), sessionID)
}

func (g *GormGateway) Snapshot(ctx context.Context, sessionID string) (*Snapshot, error) {
	var snap Snapshot
	err := g.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.First(&snap.Session, "id = ?", sessionID).Error; err != nil {
			return notFound(err, "session")
		}
		orders, err := listOrders(tx, sessionID)
		if err != nil {
			return err
		}
		payments, err := listPayments(tx, sessionID)
		if err != nil {
			return err
		}
		snap.Orders = orders
		snap.Payments = payments
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &snap, nil
}

// InsertAuditEntry appends an entry. Re-inserting an entry with the same
// EntryID is a no-op so that retried writes never duplicate history.
func (g *GormGateway) InsertAuditEntry(ctx context.Context, entry *models.AuditEntry) error {
	err := g.DB.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "entry_id"}}, DoNothing: true}).
		Create(entry).Error
	if err != nil {
		return fmt.Errorf("failed to insert audit entry: %w", err)
	}
	return nil
}

func (g *GormGateway) ListAuditEntries(ctx context.Context, sessionID string) ([]models.AuditEntry, error) {
	var entries []models.AuditEntry
	if err := g.DB.WithContext(ctx).Where("session_id = ?", sessionID).Order("id ASC").Find(&entries).Error; err != nil {
		return nil, fmt.Errorf("failed to list audit entries: %w", err)
	}
	return entries, nil
}

func listOrders(db *gorm.DB, sessionID string) ([]models.Order, error) {
	var orders []models.Order
	err := db.Preload("Items", orderItemsByID).
		Where("session_id = ?", sessionID).
		Order("created_at ASC, id ASC").
		Find(&orders).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list orders: %w", err)
	}
	return orders, nil
}

func listPayments(db *gorm.DB, sessionID string) ([]models.Payment, error) {
	var payments []models.Payment
	if err := db.Where("session_id = ?", sessionID).Order("created_at ASC, id ASC").Find(&payments).Error; err != nil {
		return nil, fmt.Errorf("failed to list payments: %w", err)
	}
	return payments, nil
}

func orderItemsByID(db *gorm.DB) *gorm.DB {
	return db.Order("id ASC")
}

func notFound(err error, what string) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return fmt.Errorf("failed to load %s: %w", what, err)
}
