package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Session statuses. open -> active -> closing -> {paid|closed}
const (
	SessionOpen    = "open"
	SessionActive  = "active"
	SessionClosing = "closing"
	SessionPaid    = "paid"
	SessionClosed  = "closed"
)

// NonTerminalSessionStatuses lists the statuses that still occupy a table.
var NonTerminalSessionStatuses = []string{SessionOpen, SessionActive, SessionClosing}

// TableSession is one occupancy period of a table or bay.
type TableSession struct {
	ID                 string          `gorm:"type:varchar(36);primaryKey" json:"id"`
	TableID            string          `gorm:"type:varchar(50);not null;index:idx_session_table_status,priority:1" json:"table_id"`
	PartySize          int             `gorm:"not null" json:"party_size"`
	Status             string          `gorm:"type:varchar(20);not null;default:'open';index:idx_session_table_status,priority:2" json:"status"`
	TotalAmount        decimal.Decimal `gorm:"type:decimal(12,2);not null" json:"total_amount"`
	OpenedBy           string          `gorm:"type:varchar(36);not null" json:"opened_by"`
	OpenedAt           time.Time       `gorm:"not null" json:"opened_at"`
	ClosedAt           *time.Time      `json:"closed_at,omitempty"`
	CancellationReason *string         `gorm:"type:text" json:"cancellation_reason,omitempty"`
	CancelledBy        *string         `gorm:"type:varchar(36)" json:"cancelled_by,omitempty"`
	ForceClosed        bool            `gorm:"not null;default:false" json:"force_closed"`
	Version            int             `gorm:"not null;default:1" json:"version"`
	CreatedAt          time.Time       `gorm:"not null" json:"created_at"`
	UpdatedAt          time.Time       `gorm:"not null;index" json:"updated_at"`
}

func (s *TableSession) BeforeCreate(tx *gorm.DB) error {
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	return nil
}

// IsTerminal reports whether the session reached paid or closed.
func (s TableSession) IsTerminal() bool {
	return IsTerminalSessionStatus(s.Status)
}

// AcceptsOrders reports whether orders and payments may still be attached.
func (s TableSession) AcceptsOrders() bool {
	return s.Status == SessionOpen || s.Status == SessionActive
}

func IsTerminalSessionStatus(status string) bool {
	return status == SessionPaid || status == SessionClosed
}
