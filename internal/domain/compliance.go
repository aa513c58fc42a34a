package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Blacklist key kinds.
const (
	BlacklistKindUser   = "user"
	BlacklistKindPhone  = "phone"
	BlacklistKindDevice = "device"
	BlacklistKindIDCard = "idcard"
)

// Violation target kinds.
const (
	TargetUser     = "user"
	TargetMerchant = "merchant"
)

// ComplianceSnapshot is the read-only anti-fraud and compliance state taken
// at evaluation time. Gate decisions are made against this snapshot and are
// never revised by data arriving afterwards.
type ComplianceSnapshot struct {
	MerchantID string `json:"merchantId"`
	UserID     string `json:"userId"`

	// Merchant standing, as percentages
	ComplianceRate decimal.Decimal `json:"complianceRate"`
	ComplaintRate  decimal.Decimal `json:"complaintRate"`

	// Highest open violation level per target, 0 when none
	MerchantViolationLevel int `json:"merchantViolationLevel"`
	UserViolationLevel     int `json:"userViolationLevel"`

	// Blacklist membership for any of the order's identity keys
	Blacklisted   bool   `json:"blacklisted"`
	BlacklistedBy string `json:"blacklistedBy,omitempty"` // key kind that matched

	TakenAt time.Time `json:"takenAt"`
}

// HasOpenViolation reports whether the merchant carries any open violation.
func (s *ComplianceSnapshot) HasOpenViolation() bool {
	return s.MerchantViolationLevel > 0
}

// MaxViolationLevel is the highest open violation level across user and
// merchant targets.
func (s *ComplianceSnapshot) MaxViolationLevel() int {
	if s.UserViolationLevel > s.MerchantViolationLevel {
		return s.UserViolationLevel
	}
	return s.MerchantViolationLevel
}

// BlacklistEntry is one blacklisted identity key.
type BlacklistEntry struct {
	TenantID  string    `json:"tenantId"`
	Kind      string    `json:"kind"` // user, phone, device, idcard
	Value     string    `json:"value"`
	Reason    string    `json:"reason,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// Violation is a recorded violation against a user or merchant.
type Violation struct {
	ID         string    `json:"id"`
	TenantID   string    `json:"tenantId"`
	TargetKind string    `json:"targetKind"` // user or merchant
	TargetID   string    `json:"targetId"`
	Level      int       `json:"level"`
	Open       bool      `json:"open"`
	Reason     string    `json:"reason,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
}

// MerchantCompliance is the externally sourced merchant standing record.
type MerchantCompliance struct {
	TenantID       string          `json:"tenantId"`
	MerchantID     string          `json:"merchantId"`
	ComplianceRate decimal.Decimal `json:"complianceRate"`
	ComplaintRate  decimal.Decimal `json:"complaintRate"`
	UpdatedAt      time.Time       `json:"updatedAt"`
}
