package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Audit actions
const (
	AuditSessionOpened      = "session_opened"
	AuditOrderAttached      = "order_attached"
	AuditOrderAdvanced      = "order_advanced"
	AuditPaymentApplied     = "payment_applied"
	AuditSessionPaid        = "session_paid"
	AuditSessionCancelled   = "session_cancelled"
	AuditSessionForceClosed = "session_force_closed"
)

// AuditEntry is an immutable record of one committed transition. ID is
// assigned by the database and gives the commit order within a session.
type AuditEntry struct {
	ID        uint           `gorm:"primaryKey" json:"id"`
	EntryID   string         `gorm:"type:varchar(36);not null;uniqueIndex" json:"entry_id"`
	SessionID string         `gorm:"type:varchar(36);not null;index" json:"session_id"`
	Action    string         `gorm:"type:varchar(40);not null" json:"action"`
	ActorID   string         `gorm:"type:varchar(36);not null" json:"actor_id"`
	ActorName string         `gorm:"type:varchar(255)" json:"actor_name"`
	Reason    string         `gorm:"type:text" json:"reason"`
	Before    datatypes.JSON `json:"before"`
	After     datatypes.JSON `json:"after"`
	Notes     datatypes.JSON `json:"notes"`
	CreatedAt time.Time      `gorm:"not null;index" json:"created_at"`
}

func (a *AuditEntry) BeforeCreate(tx *gorm.DB) error {
	if a.EntryID == "" {
		a.EntryID = uuid.NewString()
	}
	return nil
}
