package services

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/yeremiapane/table-sessions/kds"
	"github.com/yeremiapane/table-sessions/models"
	"github.com/yeremiapane/table-sessions/utils"
)

// Alert kinds
const (
	AlertAuditWriteFailed = "audit_write_failed"
	AlertStuckSession     = "stuck_session"
	AlertUnbalanced       = "unbalanced_session"
	AlertRollbackFailed   = "rollback_failed"
)

// Alert is raised on the out-of-band channel when money state and audit
// state may disagree and a human has to look.
type Alert struct {
	Kind           string             `json:"kind"`
	SessionID      string             `json:"session_id"`
	Action         string             `json:"action,omitempty"`
	Message        string             `json:"message"`
	Entry          *models.AuditEntry `json:"entry,omitempty"`
	Reconciliation *Reconciliation    `json:"reconciliation,omitempty"`
	RaisedAt       time.Time          `json:"raised_at"`
}

type AlertSink interface {
	Raise(ctx context.Context, alert Alert)
}

// Notifier pushes session events to connected terminals.
type Notifier interface {
	Broadcast(event string, data interface{})
}

type noopNotifier struct{}

func (noopNotifier) Broadcast(string, interface{}) {}

// LogAlertSink writes alerts to the error log and, when a notifier is set,
// to connected terminals.
type LogAlertSink struct {
	Notifier Notifier
}

func (s LogAlertSink) Raise(ctx context.Context, alert Alert) {
	if alert.RaisedAt.IsZero() {
		alert.RaisedAt = time.Now()
	}

	fields := logrus.Fields{
		"alert":      "reconciliation",
		"kind":       alert.Kind,
		"session_id": alert.SessionID,
	}
	if alert.Action != "" {
		fields["action"] = alert.Action
	}
	if alert.Entry != nil {
		fields["entry_id"] = alert.Entry.EntryID
		fields["entry_after"] = string(alert.Entry.After)
	}
	utils.ErrorLogger.WithFields(fields).Error(alert.Message)

	if s.Notifier != nil {
		s.Notifier.Broadcast(kds.EventReconciliationAlert, alert)
	}
}
