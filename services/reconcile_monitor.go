package services

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/yeremiapane/table-sessions/database"
	"github.com/yeremiapane/table-sessions/models"
	"github.com/yeremiapane/table-sessions/utils"
)

// ReconcileMetrics counts what the sweeps have found so far.
type ReconcileMetrics struct {
	Sweeps          int64     `json:"sweeps"`
	SessionsChecked int64     `json:"sessions_checked"`
	StuckSessions   int64     `json:"stuck_sessions"`
	Unbalanced      int64     `json:"unbalanced"`
	Errors          int64     `json:"errors"`
	LastSweepAt     time.Time `json:"last_sweep_at"`
}

// SweepReport is the outcome of one sweep.
type SweepReport struct {
	Checked  int               `json:"checked"`
	Stuck    []*Reconciliation `json:"stuck,omitempty"`
	Failures map[string]string `json:"failures,omitempty"`
}

// ReconcileMonitor looks for sessions left in closing, which only happens
// when a node died between the closing transition and its outcome.
type ReconcileMonitor struct {
	manager    *SessionManager
	StuckAfter time.Duration
	Interval   time.Duration
	BatchSize  int
	StopChan   chan struct{}

	metrics  ReconcileMetrics
	mutex    sync.Mutex
	stopOnce sync.Once
	now      func() time.Time
}

func NewReconcileMonitor(manager *SessionManager, stuckAfter, interval time.Duration) *ReconcileMonitor {
	if stuckAfter <= 0 {
		stuckAfter = 5 * time.Minute
	}
	if interval <= 0 {
		interval = time.Minute
	}
	return &ReconcileMonitor{
		manager:    manager,
		StuckAfter: stuckAfter,
		Interval:   interval,
		BatchSize:  200,
		StopChan:   make(chan struct{}),
		now:        time.Now,
	}
}

func (rm *ReconcileMonitor) Start() {
	go func() {
		ticker := time.NewTicker(rm.Interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				if _, err := rm.Sweep(context.Background()); err != nil {
					utils.ErrorLogger.Errorf("reconcile sweep failed: %v", err)
				}
			case <-rm.StopChan:
				return
			}
		}
	}()
	utils.InfoLogger.WithField("interval", rm.Interval.String()).Info("reconcile monitor started")
}

func (rm *ReconcileMonitor) Stop() {
	rm.stopOnce.Do(func() { close(rm.StopChan) })
}

// Sweep reconciles every session that has been closing for longer than
// StuckAfter and raises a stuck_session alert for each. It never changes
// session state; recovery is a force-close by a manager.
func (rm *ReconcileMonitor) Sweep(ctx context.Context) (*SweepReport, error) {
	sessions, err := rm.manager.ListSessions(ctx, database.SessionFilter{
		Statuses:      []string{models.SessionClosing},
		UpdatedBefore: rm.now().Add(-rm.StuckAfter),
		Limit:         rm.BatchSize,
	})
	if err != nil {
		rm.record(func(m *ReconcileMetrics) { m.Errors++ })
		return nil, err
	}

	report := &SweepReport{}
	for _, session := range sessions {
		report.Checked++
		rec, err := rm.manager.Reconcile(ctx, session.ID)
		if err != nil {
			if report.Failures == nil {
				report.Failures = make(map[string]string)
			}
			report.Failures[session.ID] = err.Error()
			continue
		}
		report.Stuck = append(report.Stuck, rec)

		utils.ErrorLogger.WithFields(logrus.Fields{
			"session_id":  session.ID,
			"table_id":    session.TableID,
			"closing_for": rm.now().Sub(session.UpdatedAt).Round(time.Second).String(),
			"discrepancy": rec.Discrepancy.String(),
		}).Warn("session stuck in closing")

		rm.manager.RaiseAlert(ctx, Alert{
			Kind:           AlertStuckSession,
			SessionID:      session.ID,
			Message:        "session has been closing since " + session.UpdatedAt.Format(time.RFC3339),
			Reconciliation: rec,
		})
		if !rec.IsBalanced {
			rm.manager.RaiseAlert(ctx, Alert{
				Kind:           AlertUnbalanced,
				SessionID:      session.ID,
				Message:        "order and payment totals disagree by " + utils.FormatCurrency(rec.Discrepancy),
				Reconciliation: rec,
			})
		}
	}

	rm.record(func(m *ReconcileMetrics) {
		m.Sweeps++
		m.SessionsChecked += int64(report.Checked)
		m.StuckSessions += int64(len(report.Stuck))
		m.Errors += int64(len(report.Failures))
		for _, rec := range report.Stuck {
			if !rec.IsBalanced {
				m.Unbalanced++
			}
		}
		m.LastSweepAt = rm.now()
	})
	return report, nil
}

func (rm *ReconcileMonitor) GetMetrics() ReconcileMetrics {
	rm.mutex.Lock()
	defer rm.mutex.Unlock()
	return rm.metrics
}

func (rm *ReconcileMonitor) record(update func(*ReconcileMetrics)) {
	rm.mutex.Lock()
	defer rm.mutex.Unlock()
	update(&rm.metrics)
}
