package services

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"

	"github.com/yeremiapane/table-sessions/database"
	"github.com/yeremiapane/table-sessions/models"
)

// AuditLogger appends transition records. It never updates or deletes.
type AuditLogger struct {
	gateway database.Gateway
	now     func() time.Time
}

func NewAuditLogger(gateway database.Gateway) *AuditLogger {
	return &AuditLogger{gateway: gateway, now: time.Now}
}

// Record writes entry once. Callers own the retry policy; a retried entry
// keeps its EntryID so a write that landed before a timeout is not duplicated.
func (a *AuditLogger) Record(ctx context.Context, entry *models.AuditEntry) error {
	if entry.SessionID == "" || entry.Action == "" || entry.ActorID == "" {
		return fmt.Errorf("%w: audit entry needs session, action and actor", ErrInvalidInput)
	}
	if entry.EntryID == "" {
		entry.EntryID = uuid.NewString()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = a.now()
	}
	entry.ID = 0
	return a.gateway.InsertAuditEntry(ctx, entry)
}

// NewEntry builds an entry with JSON snapshots. Nil snapshots are stored as null.
func (a *AuditLogger) NewEntry(sessionID, action string, actor models.StaffIdentity, reason string, before, after, notes interface{}) (*models.AuditEntry, error) {
	beforeJSON, err := toJSON(before)
	if err != nil {
		return nil, fmt.Errorf("failed to encode before snapshot: %w", err)
	}
	afterJSON, err := toJSON(after)
	if err != nil {
		return nil, fmt.Errorf("failed to encode after snapshot: %w", err)
	}
	notesJSON, err := toJSON(notes)
	if err != nil {
		return nil, fmt.Errorf("failed to encode notes: %w", err)
	}

	return &models.AuditEntry{
		EntryID:   uuid.NewString(),
		SessionID: sessionID,
		Action:    action,
		ActorID:   actor.ID,
		ActorName: actor.Name,
		Reason:    reason,
		Before:    beforeJSON,
		After:     afterJSON,
		Notes:     notesJSON,
		CreatedAt: a.now(),
	}, nil
}

func toJSON(v interface{}) (datatypes.JSON, error) {
	if v == nil {
		return datatypes.JSON("null"), nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return datatypes.JSON(raw), nil
}
