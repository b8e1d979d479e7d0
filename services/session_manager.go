package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/yeremiapane/table-sessions/database"
	"github.com/yeremiapane/table-sessions/kds"
	"github.com/yeremiapane/table-sessions/models"
	"github.com/yeremiapane/table-sessions/utils"
)

// SessionState is the authoritative view of a session returned with every
// result and every rejection that happened under the session lock.
type SessionState struct {
	Session        models.TableSession `json:"session"`
	Status         string              `json:"status"`
	Balance        Balance             `json:"balance"`
	PendingBalance decimal.Decimal     `json:"pending_balance"`
	OrderCount     int                 `json:"order_count"`
}

func newSessionState(snap *database.Snapshot) *SessionState {
	balance := SessionBalance(snap)
	return &SessionState{
		Session:        snap.Session,
		Status:         snap.Session.Status,
		Balance:        balance,
		PendingBalance: balance.Display(),
		OrderCount:     len(snap.Orders),
	}
}

// Result of a terminal transition. AuditPending is set when the mutation
// committed but its audit entry could not be written.
type Result struct {
	State           *SessionState    `json:"state"`
	AuditPending    bool             `json:"audit_pending"`
	CascadeFailures []CascadeFailure `json:"cascade_failures,omitempty"`
	CancelledOrders int              `json:"cancelled_orders,omitempty"`
	Anomalies       []string         `json:"anomalies,omitempty"`
}

type ManagerConfig struct {
	OperationTimeout    time.Duration
	DirectoryTimeout    time.Duration
	AuditMaxAttempts    uint
	AuditInitialBackoff time.Duration
	AuditAttemptTimeout time.Duration
}

func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{
		OperationTimeout:    10 * time.Second,
		DirectoryTimeout:    3 * time.Second,
		AuditMaxAttempts:    5,
		AuditInitialBackoff: 100 * time.Millisecond,
		AuditAttemptTimeout: 2 * time.Second,
	}
}

type Dependencies struct {
	Gateway   database.Gateway
	Directory StaffDirectory
	Locker    Locker
	Alerts    AlertSink
	Notifier  Notifier
}

// SessionManager is the only component that changes session status. Every
// mutating operation authenticates first, then holds the session lock until
// its audit entry is written or the audit retry budget is spent.
type SessionManager struct {
	gateway   database.Gateway
	directory StaffDirectory
	locker    Locker
	alerts    AlertSink
	notifier  Notifier

	ledger    *OrderLedger
	completer *PaymentCompleter
	audit     *AuditLogger

	cfg    ManagerConfig
	tracer trace.Tracer
	now    func() time.Time
}

func NewSessionManager(deps Dependencies, cfg ManagerConfig) *SessionManager {
	defaults := DefaultManagerConfig()
	if cfg.OperationTimeout <= 0 {
		cfg.OperationTimeout = defaults.OperationTimeout
	}
	if cfg.DirectoryTimeout <= 0 {
		cfg.DirectoryTimeout = defaults.DirectoryTimeout
	}
	if cfg.AuditMaxAttempts == 0 {
		cfg.AuditMaxAttempts = defaults.AuditMaxAttempts
	}
	if cfg.AuditInitialBackoff <= 0 {
		cfg.AuditInitialBackoff = defaults.AuditInitialBackoff
	}
	if cfg.AuditAttemptTimeout <= 0 {
		cfg.AuditAttemptTimeout = defaults.AuditAttemptTimeout
	}

	m := &SessionManager{
		gateway:   deps.Gateway,
		directory: deps.Directory,
		locker:    deps.Locker,
		alerts:    deps.Alerts,
		notifier:  deps.Notifier,
		ledger:    NewOrderLedger(deps.Gateway),
		completer: NewPaymentCompleter(deps.Gateway),
		audit:     NewAuditLogger(deps.Gateway),
		cfg:       cfg,
		tracer:    otel.Tracer("github.com/yeremiapane/table-sessions/services"),
		now:       time.Now,
	}
	if m.locker == nil {
		m.locker = NewMemoryLocker()
	}
	if m.notifier == nil {
		m.notifier = noopNotifier{}
	}
	if m.alerts == nil {
		m.alerts = LogAlertSink{Notifier: m.notifier}
	}
	return m
}

// Ledger exposes the order ledger for read paths.
func (m *SessionManager) Ledger() *OrderLedger {
	return m.ledger
}

// Completer exposes the payment completer for read paths.
func (m *SessionManager) Completer() *PaymentCompleter {
	return m.completer
}

// OpenSession opens a table. A table holds at most one non-terminal session.
func (m *SessionManager) OpenSession(ctx context.Context, cred Credential, tableID string, partySize int) (state *SessionState, err error) {
	ctx, span := m.startSpan(ctx, "OpenSession", attribute.String("table.id", tableID))
	defer func() { endSpan(span, err) }()

	tableID = strings.TrimSpace(tableID)
	if tableID == "" || len(tableID) > 50 {
		return nil, wrapOp("OpenSession", fmt.Errorf("%w: table id must be 1 to 50 characters", ErrInvalidInput), nil)
	}
	if partySize < 1 {
		return nil, wrapOp("OpenSession", fmt.Errorf("%w: party size must be at least 1", ErrInvalidInput), nil)
	}

	staff, err := m.authenticate(ctx, cred)
	if err != nil {
		return nil, wrapOp("OpenSession", err, nil)
	}

	var (
		sessionID string
		published *notice
	)
	err = m.locked(ctx, tableLockKey(tableID), func(ctx context.Context) error {
		if existing, err := m.gateway.FindOpenSessionByTable(ctx, tableID); err == nil {
			sessionID = existing.ID
			return fmt.Errorf("%w: session %s is %s", ErrInvalidTable, existing.ID, existing.Status)
		} else if !errors.Is(err, database.ErrNotFound) {
			return err
		}

		now := m.now()
		session := &models.TableSession{
			TableID:     tableID,
			PartySize:   partySize,
			Status:      models.SessionOpen,
			TotalAmount: decimal.Zero,
			OpenedBy:    staff.ID,
			OpenedAt:    now,
			Version:     1,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		if err := m.gateway.CreateSession(ctx, session); err != nil {
			if errors.Is(err, database.ErrTableOccupied) {
				return ErrInvalidTable
			}
			return err
		}
		sessionID = session.ID

		state = &SessionState{Session: *session, Status: session.Status}
		auditErr := m.writeAudit(ctx, session.ID, models.AuditSessionOpened, staff, "", nil, session, map[string]interface{}{
			"table_id":   tableID,
			"party_size": partySize,
		})
		published = &notice{kds.EventSessionOpened, state}
		return auditErr
	})
	m.publish(published)
	if err != nil {
		return state, wrapOp("OpenSession", err, m.stateOnError(ctx, sessionID, err))
	}

	utils.InfoLogger.WithFields(logrus.Fields{
		"session_id": sessionID,
		"table_id":   tableID,
		"staff_id":   staff.ID,
	}).Info("session opened")
	return state, nil
}

// AttachOrder records an order and moves an open session to active.
func (m *SessionManager) AttachOrder(ctx context.Context, cred Credential, sessionID string, items []models.LineItemInput) (order *models.Order, state *SessionState, err error) {
	ctx, span := m.startSpan(ctx, "AttachOrder", attribute.String("session.id", sessionID))
	defer func() { endSpan(span, err) }()

	if strings.TrimSpace(sessionID) == "" {
		return nil, nil, wrapOp("AttachOrder", fmt.Errorf("%w: session id is required", ErrInvalidInput), nil)
	}
	if err := ValidateLineItems(items); err != nil {
		return nil, nil, wrapOp("AttachOrder", err, nil)
	}

	staff, err := m.authenticate(ctx, cred)
	if err != nil {
		return nil, nil, wrapOp("AttachOrder", err, nil)
	}

	var published *notice
	err = m.locked(ctx, sessionLockKey(sessionID), func(ctx context.Context) error {
		session, err := m.getSession(ctx, sessionID)
		if err != nil {
			return err
		}
		if !session.AcceptsOrders() {
			return statusError(session.Status)
		}
		before := *session

		activated := false
		if session.Status == models.SessionOpen {
			ok, err := m.gateway.UpdateSessionStatus(ctx, sessionID, models.SessionOpen, models.SessionActive, database.SessionPatch{})
			if err != nil {
				return err
			}
			if !ok {
				return ErrConflict
			}
			activated = true
		}

		order, err = m.ledger.AttachOrder(ctx, sessionID, staff.ID, items)
		if err != nil {
			if activated {
				m.rollback(ctx, sessionID, models.SessionActive, models.SessionOpen, "AttachOrder")
			}
			return err
		}

		snap, err := m.snapshot(ctx, sessionID)
		if err != nil {
			return err
		}
		owed := BillableTotal(snap.Orders)
		ok, err := m.gateway.UpdateSessionStatus(ctx, sessionID, models.SessionActive, models.SessionActive, database.SessionPatch{TotalAmount: &owed})
		if err != nil || !ok {
			utils.ErrorLogger.WithFields(logrus.Fields{
				"session_id": sessionID,
				"order_id":   order.ID,
			}).Warnf("failed to refresh session total: ok=%v err=%v", ok, err)
		} else {
			snap.Session.TotalAmount = owed
		}
		state = newSessionState(snap)

		auditErr := m.writeAudit(ctx, sessionID, models.AuditOrderAttached, staff, "", before, state.Session, map[string]interface{}{
			"order_id":    order.ID,
			"item_count":  len(order.Items),
			"order_total": order.Total(),
			"activated":   activated,
		})
		published = &notice{kds.EventOrderAttached, map[string]interface{}{"order": order, "state": state}}
		return auditErr
	})
	m.publish(published)
	if err != nil {
		return order, state, wrapOp("AttachOrder", err, m.stateOnError(ctx, sessionID, err))
	}
	return order, state, nil
}

// ApplyPayment records a payment under the session lock. A retry carrying
// an already applied idempotency token returns the original payment.
func (m *SessionManager) ApplyPayment(ctx context.Context, cred Credential, req PaymentRequest) (result *PaymentResult, err error) {
	ctx, span := m.startSpan(ctx, "ApplyPayment",
		attribute.String("session.id", req.SessionID),
		attribute.String("payment.amount", req.Amount.String()),
	)
	defer func() { endSpan(span, err) }()

	if err := req.Validate(); err != nil {
		return nil, wrapOp("ApplyPayment", err, nil)
	}

	staff, err := m.authenticate(ctx, cred)
	if err != nil {
		return nil, wrapOp("ApplyPayment", err, nil)
	}
	if req.Amount.IsNegative() && !staff.IsElevated() {
		return nil, wrapOp("ApplyPayment", fmt.Errorf("%w: payment corrections need a manager", ErrElevationRequired), nil)
	}

	var published *notice
	err = m.locked(ctx, sessionLockKey(req.SessionID), func(ctx context.Context) error {
		var applyErr error
		result, applyErr = m.completer.ApplyPayment(ctx, staff.ID, req)
		if applyErr != nil {
			return applyErr
		}

		snap, err := m.snapshot(ctx, req.SessionID)
		if err != nil {
			return err
		}
		result.State = newSessionState(snap)
		result.Balance = result.State.Balance
		if result.Replayed {
			return nil
		}

		if result.Balance.Overpaid() {
			utils.InfoLogger.WithFields(logrus.Fields{
				"session_id": req.SessionID,
				"pending":    result.Balance.Pending.String(),
			}).Warn("session is overpaid")
		}

		prior := result.Balance
		prior.Paid = prior.Paid.Sub(req.Amount)
		prior.Pending = prior.Owed.Sub(prior.Paid)
		auditErr := m.writeAudit(ctx, req.SessionID, models.AuditPaymentApplied, staff, "", prior, result.Balance, map[string]interface{}{
			"payment_id":        result.Payment.ID,
			"amount":            result.Payment.Amount,
			"method":            result.Payment.Method,
			"allow_overpayment": result.Payment.AllowOverpayment,
			"correction":        result.Payment.Amount.IsNegative(),
		})
		if auditErr != nil {
			result.AuditPending = true
		}
		published = &notice{kds.EventPaymentApplied, result}
		return auditErr
	})
	m.publish(published)
	if err != nil {
		var state *SessionState
		if result != nil && result.State != nil {
			state = result.State
		} else {
			state = m.stateOnError(ctx, req.SessionID, err)
		}
		return result, wrapOp("ApplyPayment", err, state)
	}
	return result, nil
}

// CompleteWithPayment settles an active session. The session moves to
// closing, the balance is checked, and it either becomes paid or returns to
// active with the remaining amount reported.
func (m *SessionManager) CompleteWithPayment(ctx context.Context, cred Credential, sessionID, reason string) (result *Result, err error) {
	ctx, span := m.startSpan(ctx, "CompleteWithPayment", attribute.String("session.id", sessionID))
	defer func() { endSpan(span, err) }()

	if strings.TrimSpace(sessionID) == "" {
		return nil, wrapOp("CompleteWithPayment", fmt.Errorf("%w: session id is required", ErrInvalidInput), nil)
	}

	staff, err := m.authenticate(ctx, cred)
	if err != nil {
		return nil, wrapOp("CompleteWithPayment", err, nil)
	}

	var published *notice
	err = m.locked(ctx, sessionLockKey(sessionID), func(ctx context.Context) error {
		session, err := m.getSession(ctx, sessionID)
		if err != nil {
			return err
		}
		if session.Status != models.SessionActive {
			return statusError(session.Status)
		}
		before := *session

		ok, err := m.gateway.UpdateSessionStatus(ctx, sessionID, models.SessionActive, models.SessionClosing, database.SessionPatch{})
		if err != nil {
			return err
		}
		if !ok {
			return ErrConflict
		}

		snap, err := m.snapshot(ctx, sessionID)
		if err != nil {
			m.rollback(ctx, sessionID, models.SessionClosing, models.SessionActive, "CompleteWithPayment")
			return err
		}
		balance := BalanceOf(snap.Orders, snap.Payments)
		if balance.Pending.IsPositive() {
			m.rollback(ctx, sessionID, models.SessionClosing, models.SessionActive, "CompleteWithPayment")
			return &IncompleteBalanceError{Remaining: balance.Pending}
		}

		closedAt := m.now()
		owed := balance.Owed
		ok, err = m.gateway.UpdateSessionStatus(ctx, sessionID, models.SessionClosing, models.SessionPaid, database.SessionPatch{
			TotalAmount: &owed,
			ClosedAt:    &closedAt,
		})
		if err != nil {
			m.rollback(ctx, sessionID, models.SessionClosing, models.SessionActive, "CompleteWithPayment")
			return err
		}
		if !ok {
			return ErrConflict
		}

		if after, err := m.snapshot(ctx, sessionID); err == nil {
			snap = after
		} else {
			snap.Session.Status = models.SessionPaid
			snap.Session.TotalAmount = owed
			snap.Session.ClosedAt = &closedAt
		}
		result = &Result{State: newSessionState(snap)}
		if balance.Overpaid() {
			if anyOverpaymentOptIn(snap.Payments) {
				result.Anomalies = append(result.Anomalies, AnomalyOverpaidWithOptIn)
			} else {
				result.Anomalies = append(result.Anomalies, AnomalyOverpaidWithoutOptIn)
			}
		}

		auditErr := m.writeAudit(ctx, sessionID, models.AuditSessionPaid, staff, reason, before, result.State.Session, map[string]interface{}{
			"owed":      balance.Owed,
			"paid":      balance.Paid,
			"anomalies": result.Anomalies,
		})
		if auditErr != nil {
			result.AuditPending = true
		}
		published = &notice{kds.EventSessionPaid, result.State}
		return auditErr
	})
	m.publish(published)
	if err != nil {
		var state *SessionState
		if result != nil {
			state = result.State
		} else {
			state = m.stateOnError(ctx, sessionID, err)
		}
		return result, wrapOp("CompleteWithPayment", err, state)
	}

	utils.InfoLogger.WithFields(logrus.Fields{
		"session_id": sessionID,
		"staff_id":   staff.ID,
	}).Info("session paid")
	return result, nil
}

// CancelSession closes a session without full settlement. Orders are
// cancelled best-effort; failures are kept in the audit entry and do not
// stop the cancellation. Without force a session with recorded payments or
// served orders is refused, and the bill is zeroed. Force needs an elevated
// role, keeps the billable total and also recovers stuck closing sessions.
func (m *SessionManager) CancelSession(ctx context.Context, cred Credential, sessionID, reason string, force bool) (result *Result, err error) {
	ctx, span := m.startSpan(ctx, "CancelSession",
		attribute.String("session.id", sessionID),
		attribute.Bool("session.force", force),
	)
	defer func() { endSpan(span, err) }()

	reason = strings.TrimSpace(reason)
	if strings.TrimSpace(sessionID) == "" {
		return nil, wrapOp("CancelSession", fmt.Errorf("%w: session id is required", ErrInvalidInput), nil)
	}
	if reason == "" {
		return nil, wrapOp("CancelSession", ErrMissingReason, nil)
	}

	staff, err := m.authenticate(ctx, cred)
	if err != nil {
		return nil, wrapOp("CancelSession", err, nil)
	}
	if force && !staff.IsElevated() {
		return nil, wrapOp("CancelSession", fmt.Errorf("%w: force-close needs a manager", ErrElevationRequired), nil)
	}

	var published *notice
	err = m.locked(ctx, sessionLockKey(sessionID), func(ctx context.Context) error {
		snap, err := m.snapshot(ctx, sessionID)
		if err != nil {
			return err
		}
		session := snap.Session
		before := session

		switch {
		case session.IsTerminal():
			return ErrSessionTerminal
		case session.Status == models.SessionClosing && !force:
			return ErrSessionBusy
		}
		balance := BalanceOf(snap.Orders, snap.Payments)
		if !force && !balance.Paid.IsZero() {
			return fmt.Errorf("%w (paid %s)", ErrPaymentsRecorded, utils.FormatCurrency(balance.Paid))
		}
		if served := servedTotal(snap.Orders); !force && served.IsPositive() {
			return fmt.Errorf("%w (served %s)", ErrServedOrders, utils.FormatCurrency(served))
		}

		if session.Status != models.SessionClosing {
			ok, err := m.gateway.UpdateSessionStatus(ctx, sessionID, session.Status, models.SessionClosing, database.SessionPatch{})
			if err != nil {
				return err
			}
			if !ok {
				return ErrConflict
			}
		}

		cascade, err := m.ledger.CancelAllNonTerminal(ctx, sessionID)
		if err != nil {
			cascade.Failures = append(cascade.Failures, CascadeFailure{OrderID: "*", Error: err.Error()})
		}
		if len(cascade.Failures) > 0 {
			utils.ErrorLogger.WithFields(logrus.Fields{
				"session_id": sessionID,
				"failures":   len(cascade.Failures),
			}).Warn("order cascade incomplete")
		}

		// a plain cancellation zeroes the bill; force-close keeps the billable total
		owed := decimal.Zero
		if force {
			orders, err := m.gateway.ListOrders(ctx, sessionID)
			if err != nil {
				orders = snap.Orders
			}
			owed = BillableTotal(orders)
		}
		closedAt := m.now()
		ok, err := m.gateway.UpdateSessionStatus(ctx, sessionID, models.SessionClosing, models.SessionClosed, database.SessionPatch{
			TotalAmount:        &owed,
			ClosedAt:           &closedAt,
			CancellationReason: &reason,
			CancelledBy:        &staff.ID,
			ForceClosed:        &force,
		})
		if err != nil {
			return err
		}
		if !ok {
			return ErrConflict
		}

		after, err := m.snapshot(ctx, sessionID)
		if err != nil {
			return err
		}
		result = &Result{
			State:           newSessionState(after),
			CascadeFailures: cascade.Failures,
			CancelledOrders: cascade.CancelledCount,
		}

		action := models.AuditSessionCancelled
		if force {
			action = models.AuditSessionForceClosed
		}
		auditErr := m.writeAudit(ctx, sessionID, action, staff, reason, before, after.Session, map[string]interface{}{
			"force":            force,
			"cancelled_orders": cascade.CancelledCount,
			"cascade_failures": cascade.Failures,
			"owed":             owed,
			"paid":             balance.Paid,
		})
		if auditErr != nil {
			result.AuditPending = true
		}
		published = &notice{kds.EventSessionClosed, result.State}
		return auditErr
	})
	m.publish(published)
	if err != nil {
		var state *SessionState
		if result != nil {
			state = result.State
		} else {
			state = m.stateOnError(ctx, sessionID, err)
		}
		return result, wrapOp("CancelSession", err, state)
	}

	utils.InfoLogger.WithFields(logrus.Fields{
		"session_id": sessionID,
		"staff_id":   staff.ID,
		"force":      force,
	}).Info("session closed")
	return result, nil
}

// AdvanceOrder moves an order through the kitchen flow.
func (m *SessionManager) AdvanceOrder(ctx context.Context, cred Credential, orderID, status string) (order *models.Order, err error) {
	ctx, span := m.startSpan(ctx, "AdvanceOrder", attribute.String("order.id", orderID))
	defer func() { endSpan(span, err) }()

	if strings.TrimSpace(orderID) == "" {
		return nil, wrapOp("AdvanceOrder", fmt.Errorf("%w: order id is required", ErrInvalidInput), nil)
	}
	if _, ok := orderTransitions[status]; !ok {
		return nil, wrapOp("AdvanceOrder", fmt.Errorf("%w: unknown target order status %q", ErrInvalidInput, status), nil)
	}

	staff, err := m.authenticate(ctx, cred)
	if err != nil {
		return nil, wrapOp("AdvanceOrder", err, nil)
	}

	// the owning session never changes, so it is safe to read before locking
	lookupCtx, cancel := context.WithTimeout(ctx, m.cfg.OperationTimeout)
	current, err := m.gateway.GetOrder(lookupCtx, orderID)
	cancel()
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			err = ErrOrderNotFound
		}
		return nil, wrapOp("AdvanceOrder", upstreamTimeout(err), nil)
	}
	sessionID := current.SessionID

	var published *notice
	err = m.locked(ctx, sessionLockKey(sessionID), func(ctx context.Context) error {
		session, err := m.getSession(ctx, sessionID)
		if err != nil {
			return err
		}
		if session.IsTerminal() {
			return ErrSessionTerminal
		}

		previous := current.Status
		order, err = m.ledger.AdvanceOrder(ctx, orderID, status)
		if err != nil {
			return err
		}

		auditErr := m.writeAudit(ctx, sessionID, models.AuditOrderAdvanced, staff, "", map[string]string{"order_id": orderID, "status": previous}, map[string]string{"order_id": orderID, "status": order.Status}, nil)
		published = &notice{kds.EventOrderAdvanced, order}
		return auditErr
	})
	m.publish(published)
	if err != nil {
		return order, wrapOp("AdvanceOrder", err, m.stateOnError(ctx, sessionID, err))
	}
	return order, nil
}

// GetStatus reads a consistent snapshot of the session. It takes no lock.
func (m *SessionManager) GetStatus(ctx context.Context, sessionID string) (state *SessionState, err error) {
	ctx, span := m.startSpan(ctx, "GetStatus", attribute.String("session.id", sessionID))
	defer func() { endSpan(span, err) }()

	ctx, cancel := context.WithTimeout(ctx, m.cfg.OperationTimeout)
	defer cancel()

	snap, err := m.snapshot(ctx, sessionID)
	if err != nil {
		return nil, wrapOp("GetStatus", upstreamTimeout(err), nil)
	}
	return newSessionState(snap), nil
}

// Reconcile compares order totals with payments for one session.
func (m *SessionManager) Reconcile(ctx context.Context, sessionID string) (rec *Reconciliation, err error) {
	ctx, span := m.startSpan(ctx, "Reconcile", attribute.String("session.id", sessionID))
	defer func() { endSpan(span, err) }()

	ctx, cancel := context.WithTimeout(ctx, m.cfg.OperationTimeout)
	defer cancel()

	rec, err = m.completer.Reconcile(ctx, sessionID)
	if err != nil {
		return nil, wrapOp("Reconcile", upstreamTimeout(err), nil)
	}
	return rec, nil
}

// AuditTrail lists a session's audit entries in commit order.
func (m *SessionManager) AuditTrail(ctx context.Context, sessionID string) (entries []models.AuditEntry, err error) {
	ctx, span := m.startSpan(ctx, "AuditTrail", attribute.String("session.id", sessionID))
	defer func() { endSpan(span, err) }()

	ctx, cancel := context.WithTimeout(ctx, m.cfg.OperationTimeout)
	defer cancel()

	if _, err := m.getSession(ctx, sessionID); err != nil {
		return nil, wrapOp("AuditTrail", upstreamTimeout(err), nil)
	}
	entries, err = m.gateway.ListAuditEntries(ctx, sessionID)
	if err != nil {
		return nil, wrapOp("AuditTrail", upstreamTimeout(err), nil)
	}
	return entries, nil
}

// ListSessions reads sessions matching filter, for the floor board and the
// reconcile sweep.
func (m *SessionManager) ListSessions(ctx context.Context, filter database.SessionFilter) ([]models.TableSession, error) {
	ctx, cancel := context.WithTimeout(ctx, m.cfg.OperationTimeout)
	defer cancel()

	sessions, err := m.gateway.ListSessions(ctx, filter)
	if err != nil {
		return nil, wrapOp("ListSessions", upstreamTimeout(err), nil)
	}
	return sessions, nil
}

// RaiseAlert forwards an alert to the configured sink.
func (m *SessionManager) RaiseAlert(ctx context.Context, alert Alert) {
	m.alerts.Raise(ctx, alert)
}

// Authenticate resolves a credential the same way every operation does.
func (m *SessionManager) Authenticate(ctx context.Context, cred Credential) (models.StaffIdentity, error) {
	return m.authenticate(ctx, cred)
}

func (m *SessionManager) authenticate(ctx context.Context, cred Credential) (models.StaffIdentity, error) {
	if m.directory == nil {
		return models.StaffIdentity{}, ErrUnauthorizedStaff
	}

	ctx, cancel := context.WithTimeout(ctx, m.cfg.DirectoryTimeout)
	defer cancel()

	var (
		staff models.StaffIdentity
		err   error
	)
	switch {
	case cred.StaffID != "":
		staff, err = m.directory.LookupStaff(ctx, cred.StaffID)
	case cred.PIN != "":
		staff, err = m.directory.ResolveStaff(ctx, cred.PIN)
	default:
		return models.StaffIdentity{}, fmt.Errorf("%w: no credential presented", ErrUnauthorizedStaff)
	}
	if err == nil {
		return staff, nil
	}

	switch {
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded):
		return models.StaffIdentity{}, fmt.Errorf("%w: staff directory: %v", ErrUpstreamTimeout, err)
	case errors.Is(err, ErrInvalidPin), errors.Is(err, ErrInactiveStaff):
		return models.StaffIdentity{}, fmt.Errorf("%w: %w", ErrUnauthorizedStaff, err)
	}
	return models.StaffIdentity{}, err
}

// notice is a floor event published after the session lock is released.
type notice struct {
	event string
	data  interface{}
}

func (m *SessionManager) publish(n *notice) {
	if n != nil {
		m.notifier.Broadcast(n.event, n.data)
	}
}

// locked runs fn holding key under the operation timeout. A CAS conflict is
// re-evaluated once from freshly read state before it is surfaced.
func (m *SessionManager) locked(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, m.cfg.OperationTimeout)
	defer cancel()

	release, err := m.locker.Lock(ctx, key)
	if err != nil {
		return upstreamTimeout(fmt.Errorf("failed to acquire %s: %w", key, err))
	}
	defer release()

	err = fn(ctx)
	if errors.Is(err, ErrConflict) {
		utils.InfoLogger.WithField("lock", key).Debug("conflict, retrying once")
		err = fn(ctx)
	}
	return upstreamTimeout(err)
}

// writeAudit records an entry on a context detached from the caller so a
// cancelled request cannot drop the audit of a committed mutation. When the
// retry budget is spent an alert is raised and ErrReconciliation returned.
func (m *SessionManager) writeAudit(ctx context.Context, sessionID, action string, actor models.StaffIdentity, reason string, before, after, notes interface{}) error {
	entry, err := m.audit.NewEntry(sessionID, action, actor, reason, before, after, notes)
	if err != nil {
		m.alerts.Raise(ctx, Alert{
			Kind:      AlertAuditWriteFailed,
			SessionID: sessionID,
			Action:    action,
			Message:   err.Error(),
		})
		return fmt.Errorf("%w: %v", ErrReconciliation, err)
	}

	detached := context.WithoutCancel(ctx)
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = m.cfg.AuditInitialBackoff
	policy.MaxInterval = 2 * time.Second

	_, err = backoff.Retry(detached, func() (struct{}, error) {
		attemptCtx, cancel := context.WithTimeout(detached, m.cfg.AuditAttemptTimeout)
		defer cancel()
		if err := m.audit.Record(attemptCtx, entry); err != nil {
			if errors.Is(err, ErrInvalidInput) {
				return struct{}{}, backoff.Permanent(err)
			}
			return struct{}{}, err
		}
		return struct{}{}, nil
	},
		backoff.WithBackOff(policy),
		backoff.WithMaxTries(m.cfg.AuditMaxAttempts),
		backoff.WithNotify(func(err error, next time.Duration) {
			utils.ErrorLogger.WithFields(logrus.Fields{
				"session_id": sessionID,
				"action":     action,
				"entry_id":   entry.EntryID,
				"retry_in":   next.String(),
			}).Warnf("audit write failed: %v", err)
		}),
	)
	if err == nil {
		return nil
	}

	m.alerts.Raise(detached, Alert{
		Kind:      AlertAuditWriteFailed,
		SessionID: sessionID,
		Action:    action,
		Message:   fmt.Sprintf("audit write failed after %d attempts: %v", m.cfg.AuditMaxAttempts, err),
		Entry:     entry,
	})
	return fmt.Errorf("%w: %v", ErrReconciliation, err)
}

// rollback returns a session to from's predecessor after a failed terminal
// attempt. A failed rollback leaves the session closing and raises an alert
// so the reconcile sweep or a force-close can recover it.
func (m *SessionManager) rollback(ctx context.Context, sessionID, from, to, op string) {
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.cfg.AuditAttemptTimeout)
	defer cancel()

	ok, err := m.gateway.UpdateSessionStatus(rctx, sessionID, from, to, database.SessionPatch{})
	if err == nil && ok {
		return
	}
	msg := fmt.Sprintf("%s: failed to roll session back from %s to %s", op, from, to)
	if err != nil {
		msg = fmt.Sprintf("%s: %v", msg, err)
	}
	m.alerts.Raise(rctx, Alert{
		Kind:      AlertRollbackFailed,
		SessionID: sessionID,
		Message:   msg,
	})
}

func (m *SessionManager) getSession(ctx context.Context, sessionID string) (*models.TableSession, error) {
	session, err := m.gateway.GetSession(ctx, sessionID)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return nil, ErrSessionNotFound
		}
		return nil, err
	}
	return session, nil
}

func (m *SessionManager) snapshot(ctx context.Context, sessionID string) (*database.Snapshot, error) {
	snap, err := m.gateway.Snapshot(ctx, sessionID)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return nil, ErrSessionNotFound
		}
		return nil, err
	}
	return snap, nil
}

// stateOnError reads the last committed state to return with a rejection.
// Input and credential errors are raised before persistence is touched and
// get none.
func (m *SessionManager) stateOnError(ctx context.Context, sessionID string, err error) *SessionState {
	if sessionID == "" {
		return nil
	}
	switch KindOf(err) {
	case KindValidation, KindAuthorization, KindNotFound:
		if !errors.Is(err, ErrInvalidState) && !errors.Is(err, ErrIdempotencyMismatch) {
			return nil
		}
	}

	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.cfg.DirectoryTimeout)
	defer cancel()
	snap, snapErr := m.snapshot(rctx, sessionID)
	if snapErr != nil {
		return nil
	}
	return newSessionState(snap)
}

func (m *SessionManager) startSpan(ctx context.Context, op string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return m.tracer.Start(ctx, "SessionManager."+op, trace.WithAttributes(attrs...))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, string(KindOf(err)))
	}
	span.End()
}

func upstreamTimeout(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, ErrUpstreamTimeout) {
		return fmt.Errorf("%w: %v", ErrUpstreamTimeout, err)
	}
	return err
}
