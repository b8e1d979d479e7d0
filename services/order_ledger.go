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

// orderTransitions maps a target order status to the statuses it may be
// reached from. Cancellation is only reachable through the session cascade.
var orderTransitions = map[string][]string{
	models.OrderPreparing: {models.OrderConfirmed},
	models.OrderReady:     {models.OrderPreparing},
	models.OrderCompleted: {models.OrderConfirmed, models.OrderPreparing, models.OrderReady},
}

func ValidOrderTransition(to, from string) bool {
	allowed, ok := orderTransitions[to]
	if !ok {
		return false
	}
	for _, status := range allowed {
		if status == from {
			return true
		}
	}
	return false
}

// CascadeFailure records an order the cascade could not cancel.
type CascadeFailure struct {
	OrderID string `json:"order_id"`
	Status  string `json:"status"`
	Error   string `json:"error"`
}

type CascadeResult struct {
	CancelledCount int              `json:"cancelled_count"`
	Failures       []CascadeFailure `json:"failures,omitempty"`
}

// OrderLedger owns the orders attached to a session.
type OrderLedger struct {
	gateway database.Gateway
	now     func() time.Time
}

func NewOrderLedger(gateway database.Gateway) *OrderLedger {
	return &OrderLedger{gateway: gateway, now: time.Now}
}

// ValidateLineItems checks items before any lock is taken.
func ValidateLineItems(items []models.LineItemInput) error {
	if len(items) == 0 {
		return fmt.Errorf("%w: an order needs at least one line item", ErrInvalidInput)
	}
	for i, item := range items {
		if strings.TrimSpace(item.Name) == "" {
			return fmt.Errorf("%w: line item %d has no name", ErrInvalidInput, i)
		}
		if item.Quantity <= 0 {
			return fmt.Errorf("%w: line item %d quantity must be positive", ErrInvalidInput, i)
		}
		if item.UnitPrice.IsNegative() {
			return fmt.Errorf("%w: line item %d unit price is negative", ErrInvalidInput, i)
		}
		if !item.UnitPrice.Equal(item.UnitPrice.Round(2)) {
			return fmt.Errorf("%w: line item %d unit price has more than two decimals", ErrInvalidInput, i)
		}
	}
	return nil
}

// AttachOrder records a confirmed order on a session that is open or active.
func (l *OrderLedger) AttachOrder(ctx context.Context, sessionID, staffID string, items []models.LineItemInput) (*models.Order, error) {
	if err := ValidateLineItems(items); err != nil {
		return nil, err
	}

	session, err := l.gateway.GetSession(ctx, sessionID)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return nil, ErrSessionNotFound
		}
		return nil, err
	}
	if !session.AcceptsOrders() {
		return nil, statusError(session.Status)
	}

	now := l.now()
	order := &models.Order{
		SessionID: sessionID,
		Status:    models.OrderConfirmed,
		CreatedBy: staffID,
		CreatedAt: now,
		UpdatedAt: now,
	}
	for _, item := range items {
		order.Items = append(order.Items, models.OrderLineItem{
			Name:      strings.TrimSpace(item.Name),
			Quantity:  item.Quantity,
			UnitPrice: item.UnitPrice,
			CreatedAt: now,
		})
	}

	if err := l.gateway.InsertOrder(ctx, order); err != nil {
		return nil, err
	}
	return order, nil
}

// CancelAllNonTerminal cancels every order that is not already cancelled or
// completed. Per-order failures are collected and the batch continues. The
// error is non-nil only when the orders could not be listed at all.
func (l *OrderLedger) CancelAllNonTerminal(ctx context.Context, sessionID string) (CascadeResult, error) {
	var result CascadeResult

	orders, err := l.gateway.ListOrders(ctx, sessionID)
	if err != nil {
		return result, err
	}

	for _, order := range orders {
		if order.IsTerminal() {
			continue
		}
		ok, err := l.gateway.UpdateOrderStatus(ctx, order.ID, order.Status, models.OrderCancelled)
		switch {
		case err != nil:
			result.Failures = append(result.Failures, CascadeFailure{OrderID: order.ID, Status: order.Status, Error: err.Error()})
		case !ok:
			result.Failures = append(result.Failures, CascadeFailure{OrderID: order.ID, Status: order.Status, Error: "order status changed during cancellation"})
		default:
			result.CancelledCount++
		}
	}
	return result, nil
}

// AdvanceOrder moves an order forward through the kitchen flow.
func (l *OrderLedger) AdvanceOrder(ctx context.Context, orderID, status string) (*models.Order, error) {
	if _, ok := orderTransitions[status]; !ok {
		return nil, fmt.Errorf("%w: unknown target order status %q", ErrInvalidInput, status)
	}

	order, err := l.gateway.GetOrder(ctx, orderID)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return nil, ErrOrderNotFound
		}
		return nil, err
	}
	if order.IsTerminal() {
		return nil, ErrOrderTerminal
	}
	if !ValidOrderTransition(status, order.Status) {
		return nil, fmt.Errorf("%w: order cannot move from %s to %s", ErrInvalidState, order.Status, status)
	}

	ok, err := l.gateway.UpdateOrderStatus(ctx, order.ID, order.Status, status)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrConflict
	}
	order.Status = status
	order.UpdatedAt = l.now()
	return order, nil
}

// BillableTotal sums every order that is not cancelled.
func BillableTotal(orders []models.Order) decimal.Decimal {
	total := decimal.Zero
	for _, order := range orders {
		if order.Billable() {
			total = total.Add(order.Total())
		}
	}
	return total
}

// servedTotal sums the orders already completed for the table.
func servedTotal(orders []models.Order) decimal.Decimal {
	total := decimal.Zero
	for _, order := range orders {
		if order.Status == models.OrderCompleted {
			total = total.Add(order.Total())
		}
	}
	return total
}

func statusError(status string) error {
	switch {
	case models.IsTerminalSessionStatus(status):
		return ErrSessionTerminal
	case status == models.SessionClosing:
		return ErrSessionBusy
	}
	return fmt.Errorf("%w: session is %s", ErrInvalidState, status)
}
