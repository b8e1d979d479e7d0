package services

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"

	"github.com/yeremiapane/table-sessions/models"
)

// StaffDirectory resolves presented credentials to an active staff identity.
type StaffDirectory interface {
	ResolveStaff(ctx context.Context, pin string) (models.StaffIdentity, error)
	LookupStaff(ctx context.Context, staffID string) (models.StaffIdentity, error)
}

// Credential is what a terminal presents: a PIN, or a staff ID taken from a
// verified bearer token.
type Credential struct {
	PIN     string
	StaffID string
}

// GormStaffDirectory keeps staff in the relational store. PINs are found by
// an HMAC lookup key and verified against a bcrypt hash.
type GormStaffDirectory struct {
	DB     *gorm.DB
	pepper []byte
}

func NewGormStaffDirectory(db *gorm.DB, pepper string) *GormStaffDirectory {
	return &GormStaffDirectory{DB: db, pepper: []byte(pepper)}
}

func (d *GormStaffDirectory) lookupKey(pin string) string {
	mac := hmac.New(sha256.New, d.pepper)
	mac.Write([]byte(pin))
	return hex.EncodeToString(mac.Sum(nil))
}

func (d *GormStaffDirectory) ResolveStaff(ctx context.Context, pin string) (models.StaffIdentity, error) {
	if strings.TrimSpace(pin) == "" {
		return models.StaffIdentity{}, ErrInvalidPin
	}

	var staff models.Staff
	err := d.DB.WithContext(ctx).First(&staff, "pin_lookup = ?", d.lookupKey(pin)).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return models.StaffIdentity{}, ErrInvalidPin
		}
		return models.StaffIdentity{}, fmt.Errorf("%w: %v", ErrUpstream, err)
	}
	if err := bcrypt.CompareHashAndPassword([]byte(staff.PinHash), []byte(pin)); err != nil {
		return models.StaffIdentity{}, ErrInvalidPin
	}
	if !staff.Active {
		return models.StaffIdentity{}, ErrInactiveStaff
	}
	return staff.Identity(), nil
}

func (d *GormStaffDirectory) LookupStaff(ctx context.Context, staffID string) (models.StaffIdentity, error) {
	var staff models.Staff
	err := d.DB.WithContext(ctx).First(&staff, "id = ?", staffID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return models.StaffIdentity{}, ErrUnauthorizedStaff
		}
		return models.StaffIdentity{}, fmt.Errorf("%w: %v", ErrUpstream, err)
	}
	if !staff.Active {
		return models.StaffIdentity{}, ErrInactiveStaff
	}
	return staff.Identity(), nil
}

// CreateStaff registers a staff member. PINs must be 4 to 8 digits and unique.
func (d *GormStaffDirectory) CreateStaff(ctx context.Context, name, role, pin string) (*models.Staff, error) {
	if strings.TrimSpace(name) == "" || !models.ValidRole(role) {
		return nil, fmt.Errorf("%w: name and a valid role are required", ErrInvalidInput)
	}
	if !validPin(pin) {
		return nil, fmt.Errorf("%w: pin must be 4 to 8 digits", ErrInvalidInput)
	}

	hashed, err := bcrypt.GenerateFromPassword([]byte(pin), bcrypt.DefaultCost)
	if err != nil {
		return nil, err
	}

	staff := models.Staff{
		Name:      name,
		Role:      role,
		PinLookup: d.lookupKey(pin),
		PinHash:   string(hashed),
		Active:    true,
	}
	if err := d.DB.WithContext(ctx).Create(&staff).Error; err != nil {
		return nil, fmt.Errorf("failed to create staff: %w", err)
	}
	return &staff, nil
}

// SetActive enables or disables a staff member.
func (d *GormStaffDirectory) SetActive(ctx context.Context, staffID string, active bool) error {
	result := d.DB.WithContext(ctx).Model(&models.Staff{}).Where("id = ?", staffID).Update("active", active)
	if result.Error != nil {
		return fmt.Errorf("failed to update staff: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrUnauthorizedStaff
	}
	return nil
}

func validPin(pin string) bool {
	if len(pin) < 4 || len(pin) > 8 {
		return false
	}
	for _, r := range pin {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
