package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

type PaymentMethod string

const (
	PaymentMethodCash         PaymentMethod = "cash"
	PaymentMethodCard         PaymentMethod = "card"
	PaymentMethodQRIS         PaymentMethod = "qris"
	PaymentMethodBankTransfer PaymentMethod = "bank_transfer"
)

func (m PaymentMethod) Valid() bool {
	switch m {
	case PaymentMethodCash, PaymentMethodCard, PaymentMethodQRIS, PaymentMethodBankTransfer:
		return true
	}
	return false
}

// Payment is an append-only settlement entry. Corrections are new entries
// with a negative amount.
type Payment struct {
	ID               string          `gorm:"type:varchar(36);primaryKey" json:"id"`
	SessionID        string          `gorm:"type:varchar(36);not null;index" json:"session_id"`
	Amount           decimal.Decimal `gorm:"type:decimal(12,2);not null" json:"amount"`
	Method           PaymentMethod   `gorm:"type:varchar(20);not null" json:"method"`
	StaffID          string          `gorm:"type:varchar(36);not null" json:"staff_id"`
	IdempotencyKey   string          `gorm:"type:varchar(100);not null;uniqueIndex" json:"idempotency_key"`
	AllowOverpayment bool            `gorm:"not null;default:false" json:"allow_overpayment"`
	CreatedAt        time.Time       `gorm:"not null" json:"created_at"`
}

func (p *Payment) BeforeCreate(tx *gorm.DB) error {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	return nil
}
