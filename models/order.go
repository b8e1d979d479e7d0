package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Order statuses
const (
	OrderConfirmed = "confirmed"
	OrderPreparing = "preparing"
	OrderReady     = "ready"
	OrderCancelled = "cancelled"
	OrderCompleted = "completed"
)

type Order struct {
	ID        string          `gorm:"type:varchar(36);primaryKey" json:"id"`
	SessionID string          `gorm:"type:varchar(36);not null;index" json:"session_id"`
	Status    string          `gorm:"type:varchar(20);not null;default:'confirmed'" json:"status"`
	CreatedBy string          `gorm:"type:varchar(36);not null" json:"created_by"`
	Items     []OrderLineItem `gorm:"foreignKey:OrderID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:RESTRICT" json:"items"`
	CreatedAt time.Time       `gorm:"not null" json:"created_at"`
	UpdatedAt time.Time       `gorm:"not null" json:"updated_at"`
}

func (o *Order) BeforeCreate(tx *gorm.DB) error {
	if o.ID == "" {
		o.ID = uuid.NewString()
	}
	return nil
}

// Total sums the line totals of the order regardless of its status.
func (o Order) Total() decimal.Decimal {
	total := decimal.Zero
	for _, item := range o.Items {
		total = total.Add(item.LineTotal())
	}
	return total
}

// IsTerminal reports whether the order can no longer change.
func (o Order) IsTerminal() bool {
	return o.Status == OrderCancelled || o.Status == OrderCompleted
}

// Billable reports whether the order counts toward the amount owed.
func (o Order) Billable() bool {
	return o.Status != OrderCancelled
}

type OrderLineItem struct {
	ID        uint            `gorm:"primaryKey" json:"id"`
	OrderID   string          `gorm:"type:varchar(36);not null;index" json:"order_id"`
	Name      string          `gorm:"type:varchar(255);not null" json:"name"`
	Quantity  int             `gorm:"not null" json:"quantity"`
	UnitPrice decimal.Decimal `gorm:"type:decimal(12,2);not null" json:"unit_price"`
	CreatedAt time.Time       `gorm:"not null" json:"created_at"`
}

func (li OrderLineItem) LineTotal() decimal.Decimal {
	return li.UnitPrice.Mul(decimal.NewFromInt(int64(li.Quantity)))
}

// LineItemInput is a line item as submitted by an order-taking terminal.
type LineItemInput struct {
	Name      string          `json:"name" binding:"required"`
	Quantity  int             `json:"quantity" binding:"required,gt=0"`
	UnitPrice decimal.Decimal `json:"unit_price"`
}
