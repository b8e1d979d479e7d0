package services_test

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/yeremiapane/table-sessions/kds"
	"github.com/yeremiapane/table-sessions/models"
	"github.com/yeremiapane/table-sessions/services"
	"github.com/yeremiapane/table-sessions/utils"
)

func TestLogAlertSinkLogsAndBroadcasts(t *testing.T) {
	utils.InitLogger()
	var buf bytes.Buffer
	utils.SetOutput(&buf)
	t.Cleanup(utils.InitLogger)

	notifier := &recordingNotifier{}
	sink := services.LogAlertSink{Notifier: notifier}
	sink.Raise(context.Background(), services.Alert{
		Kind:      services.AlertAuditWriteFailed,
		SessionID: "s-1",
		Action:    models.AuditPaymentApplied,
		Message:   "audit write failed",
		Entry:     &models.AuditEntry{EntryID: "e-1", After: []byte(`{"paid":"10"}`)},
	})

	out := buf.String()
	assert.Contains(t, out, "audit_write_failed")
	assert.Contains(t, out, "s-1")
	assert.Contains(t, out, "e-1")
	assert.Equal(t, []string{kds.EventReconciliationAlert}, notifier.list())
}
