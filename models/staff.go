package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Staff roles. Manager and admin are elevated.
const (
	RoleStaff   = "staff"
	RoleManager = "manager"
	RoleAdmin   = "admin"
)

type Staff struct {
	ID        string    `gorm:"type:varchar(36);primaryKey"`
	Name      string    `gorm:"type:varchar(255);not null"`
	Role      string    `gorm:"type:varchar(20);not null;default:'staff'"`
	PinLookup string    `gorm:"type:varchar(64);not null;uniqueIndex"`
	PinHash   string    `gorm:"type:varchar(255);not null"`
	Active    bool      `gorm:"not null;default:true"`
	CreatedAt time.Time `gorm:"not null"`
	UpdatedAt time.Time `gorm:"not null"`
}

func (s *Staff) BeforeCreate(tx *gorm.DB) error {
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	return nil
}

// StaffIdentity is the resolved, active staff member behind a request.
type StaffIdentity struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Role string `json:"role"`
}

func (s Staff) Identity() StaffIdentity {
	return StaffIdentity{ID: s.ID, Name: s.Name, Role: s.Role}
}

// IsElevated reports whether the identity may force-close sessions and
// record payment corrections.
func (s StaffIdentity) IsElevated() bool {
	return s.Role == RoleManager || s.Role == RoleAdmin
}

func ValidRole(role string) bool {
	return role == RoleStaff || role == RoleManager || role == RoleAdmin
}
