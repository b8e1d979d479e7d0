package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/yeremiapane/table-sessions/database"
	"github.com/yeremiapane/table-sessions/models"
)

// Balance of a session. Pending is owed minus paid and may be negative when a
// session was overpaid; Display floors it at zero for presentation only.
type Balance struct {
	Owed    decimal.Decimal `json:"owed"`
	Paid    decimal.Decimal `json:"paid"`
	Pending decimal.Decimal `json:"pending"`
}

func (b Balance) Display() decimal.Decimal {
	if b.Pending.IsNegative() {
		return decimal.Zero
	}
	return b.Pending
}

func (b Balance) Overpaid() bool {
	return b.Pending.IsNegative()
}

func (b Balance) Settled() bool {
	return b.Pending.Sign() <= 0
}

func BalanceOf(orders []models.Order, payments []models.Payment) Balance {
	owed := BillableTotal(orders)
	paid := decimal.Zero
	for _, payment := range payments {
		paid = paid.Add(payment.Amount)
	}
	return Balance{Owed: owed, Paid: paid, Pending: owed.Sub(paid)}
}

// SessionBalance is the balance a session reports. A cancelled session that
// was not force-closed owes nothing, whatever its orders add up to.
func SessionBalance(snap *database.Snapshot) Balance {
	balance := BalanceOf(snap.Orders, snap.Payments)
	if snap.Session.Status == models.SessionClosed && !snap.Session.ForceClosed {
		balance.Owed = decimal.Zero
		balance.Pending = balance.Owed.Sub(balance.Paid)
	}
	return balance
}

type PaymentRequest struct {
	SessionID        string
	Amount           decimal.Decimal
	Method           models.PaymentMethod
	IdempotencyToken string
	AllowOverpayment bool
}

// Validate checks the request shape before any lock is taken.
func (r PaymentRequest) Validate() error {
	if strings.TrimSpace(r.SessionID) == "" {
		return fmt.Errorf("%w: session id is required", ErrInvalidInput)
	}
	if strings.TrimSpace(r.IdempotencyToken) == "" {
		return fmt.Errorf("%w: idempotency token is required", ErrInvalidInput)
	}
	if len(r.IdempotencyToken) > 100 {
		return fmt.Errorf("%w: idempotency token is too long", ErrInvalidInput)
	}
	if r.Amount.IsZero() {
		return fmt.Errorf("%w: amount must not be zero", ErrInvalidInput)
	}
	if !r.Amount.Equal(r.Amount.Round(2)) {
		return fmt.Errorf("%w: amount has more than two decimals", ErrInvalidInput)
	}
	if !r.Method.Valid() {
		return fmt.Errorf("%w: unknown payment method %q", ErrInvalidInput, r.Method)
	}
	return nil
}

type PaymentResult struct {
	Payment      *models.Payment `json:"payment"`
	Balance      Balance         `json:"balance"`
	Replayed     bool            `json:"replayed"`
	State        *SessionState   `json:"state,omitempty"`
	AuditPending bool            `json:"audit_pending"`
}

// Reconciliation compares order totals with payment totals for one session.
// Discrepancy is paid minus owed: negative means money is still outstanding,
// positive means the session was overpaid.
type Reconciliation struct {
	SessionID   string          `json:"session_id"`
	Status      string          `json:"status"`
	Owed        decimal.Decimal `json:"owed"`
	Paid        decimal.Decimal `json:"paid"`
	Discrepancy decimal.Decimal `json:"discrepancy"`
	IsBalanced  bool            `json:"is_balanced"`
	Stuck       bool            `json:"stuck"`
	Anomalies   []string        `json:"anomalies,omitempty"`
}

// Reconciliation anomalies
const (
	AnomalyOverpaidWithoutOptIn = "overpaid_without_opt_in"
	AnomalyOverpaidWithOptIn    = "overpaid_with_opt_in"
	AnomalyPaidWithBalance      = "paid_with_outstanding_balance"
	AnomalyTotalDrift           = "recorded_total_drift"
	AnomalyStuckClosing         = "stuck_closing"
	AnomalyOrdersOpenOnClosed   = "orders_open_on_closed_session"
)

// PaymentCompleter computes balances and is the only writer of payments.
type PaymentCompleter struct {
	gateway database.Gateway
	now     func() time.Time
}

func NewPaymentCompleter(gateway database.Gateway) *PaymentCompleter {
	return &PaymentCompleter{gateway: gateway, now: time.Now}
}

func (p *PaymentCompleter) GetBalance(ctx context.Context, sessionID string) (Balance, error) {
	snap, err := p.snapshot(ctx, sessionID)
	if err != nil {
		return Balance{}, err
	}
	return SessionBalance(snap), nil
}

// Replay returns the earlier result for a request whose idempotency token was
// already applied. It returns nil when the token is unused.
func (p *PaymentCompleter) Replay(ctx context.Context, req PaymentRequest) (*PaymentResult, error) {
	existing, err := p.gateway.FindPaymentByIdempotencyKey(ctx, req.IdempotencyToken)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	if existing.SessionID != req.SessionID || !existing.Amount.Equal(req.Amount) || existing.Method != req.Method {
		return nil, ErrIdempotencyMismatch
	}

	balance, err := p.GetBalance(ctx, req.SessionID)
	if err != nil {
		return nil, err
	}
	return &PaymentResult{Payment: existing, Balance: balance, Replayed: true}, nil
}

// ApplyPayment records a payment against the session. Positive amounts above
// the pending balance are rejected unless the request opts into overpayment.
// Negative amounts are corrections and may not take the paid total below zero.
func (p *PaymentCompleter) ApplyPayment(ctx context.Context, staffID string, req PaymentRequest) (*PaymentResult, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	replayed, err := p.Replay(ctx, req)
	if err != nil {
		return nil, err
	}
	if replayed != nil {
		return replayed, nil
	}

	snap, err := p.snapshot(ctx, req.SessionID)
	if err != nil {
		return nil, err
	}
	if !snap.Session.AcceptsOrders() {
		return nil, statusError(snap.Session.Status)
	}

	balance := BalanceOf(snap.Orders, snap.Payments)
	if req.Amount.IsPositive() && req.Amount.GreaterThan(balance.Pending) && !req.AllowOverpayment {
		return &PaymentResult{Balance: balance}, &OverpaymentError{Amount: req.Amount, Pending: balance.Display()}
	}
	if req.Amount.IsNegative() && balance.Paid.Add(req.Amount).IsNegative() {
		return &PaymentResult{Balance: balance}, fmt.Errorf("%w: correction exceeds the amount paid", ErrInvalidInput)
	}

	payment := &models.Payment{
		SessionID:        req.SessionID,
		Amount:           req.Amount,
		Method:           req.Method,
		StaffID:          staffID,
		IdempotencyKey:   req.IdempotencyToken,
		AllowOverpayment: req.AllowOverpayment,
		CreatedAt:        p.now(),
	}
	if err := p.gateway.InsertPayment(ctx, payment); err != nil {
		if errors.Is(err, database.ErrDuplicateIdempotencyKey) {
			// a concurrent writer on another node used the token first
			return p.Replay(ctx, req)
		}
		return nil, err
	}

	balance.Paid = balance.Paid.Add(req.Amount)
	balance.Pending = balance.Owed.Sub(balance.Paid)
	return &PaymentResult{Payment: payment, Balance: balance}, nil
}

func (p *PaymentCompleter) Reconcile(ctx context.Context, sessionID string) (*Reconciliation, error) {
	snap, err := p.snapshot(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return ReconcileSnapshot(snap), nil
}

// ReconcileSnapshot checks a snapshot for money and status inconsistencies.
func ReconcileSnapshot(snap *database.Snapshot) *Reconciliation {
	balance := SessionBalance(snap)
	rec := &Reconciliation{
		SessionID:   snap.Session.ID,
		Status:      snap.Session.Status,
		Owed:        balance.Owed,
		Paid:        balance.Paid,
		Discrepancy: balance.Paid.Sub(balance.Owed),
	}
	rec.IsBalanced = rec.Discrepancy.IsZero()

	if balance.Overpaid() && !anyOverpaymentOptIn(snap.Payments) && !snap.Session.ForceClosed {
		rec.Anomalies = append(rec.Anomalies, AnomalyOverpaidWithoutOptIn)
	}
	if snap.Session.Status == models.SessionPaid && balance.Pending.IsPositive() {
		rec.Anomalies = append(rec.Anomalies, AnomalyPaidWithBalance)
	}
	if snap.Session.IsTerminal() && !snap.Session.TotalAmount.Equal(balance.Owed) {
		rec.Anomalies = append(rec.Anomalies, AnomalyTotalDrift)
	}
	if snap.Session.Status == models.SessionClosing {
		rec.Stuck = true
		rec.Anomalies = append(rec.Anomalies, AnomalyStuckClosing)
	}
	if snap.Session.Status == models.SessionClosed {
		for _, order := range snap.Orders {
			if !order.IsTerminal() {
				rec.Anomalies = append(rec.Anomalies, AnomalyOrdersOpenOnClosed)
				break
			}
		}
	}
	return rec
}

func anyOverpaymentOptIn(payments []models.Payment) bool {
	for _, payment := range payments {
		if payment.AllowOverpayment {
			return true
		}
	}
	return false
}

func (p *PaymentCompleter) snapshot(ctx context.Context, sessionID string) (*database.Snapshot, error) {
	snap, err := p.gateway.Snapshot(ctx, sessionID)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return nil, ErrSessionNotFound
		}
		return nil, err
	}
	return snap, nil
}
