// Package domain defines the core interfaces and types for Kestrel.
package domain

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// Repository defines the interface for data persistence.
// All methods require tenantID for strict multi-tenancy isolation.
type Repository interface {
	// Order operations
	SaveOrder(ctx context.Context, tenantID string, order *Order) error
	GetOrder(ctx context.Context, tenantID string, orderID string) (*Order, error)

	// Settlement operations. SaveSettlement persists the settlement and its
	// disbursement schedule atomically.
	SaveSettlement(ctx context.Context, tenantID string, s *Settlement) error
	GetSettlement(ctx context.Context, tenantID string, orderID string) (*Settlement, error)

	// Disbursement operations
	GetDisbursement(ctx context.Context, tenantID string, id string) (*Disbursement, error)
	ListDisbursementsByOrder(ctx context.Context, tenantID string, orderID string) ([]*Disbursement, error)

	// SetVerdict records the review-stage outcome for (order, stage).
	// A fail verdict transitions the record to rejected with a zero amount.
	SetVerdict(ctx context.Context, tenantID string, orderID string, stage Stage, verdict Verdict, at time.Time) (*Disbursement, error)

	// ReleaseDisbursement performs the atomic conditional transition
	// pending/frozen -> released, enforcing the trailing-window cap and
	// writing the release ledger inside the same database transaction.
	// A repeat call on a released record is a no-op (Applied=false).
	ReleaseDisbursement(ctx context.Context, tenantID string, id string, opts ReleaseOptions) (*ReleaseResult, error)

	// FreezeDisbursement transitions pending -> frozen.
	FreezeDisbursement(ctx context.Context, tenantID string, id string, reason string) error

	// RejectDisbursement transitions pending/frozen -> rejected with a zero
	// amount.
	RejectDisbursement(ctx context.Context, tenantID string, id string, reason string) error

	// ReleasedAmountSince sums released amounts recorded in the ledger for
	// (user, level) from the given instant.
	ReleasedAmountSince(ctx context.Context, tenantID string, userID string, level LevelID, since time.Time) (decimal.Decimal, error)

	// Ruleset snapshot operations
	SaveRuleset(ctx context.Context, tenantID string, rs *Ruleset) error
	GetRuleset(ctx context.Context, tenantID string, version string) (*Ruleset, error)
	GetActiveRuleset(ctx context.Context, tenantID string) (*Ruleset, error)
	ListRulesets(ctx context.Context, tenantID string) ([]*Ruleset, error)
	ActivateRuleset(ctx context.Context, tenantID string, version string) error

	// Screen rule operations
	SaveScreenRule(ctx context.Context, tenantID string, rule *ScreenRule) error
	ListScreenRules(ctx context.Context, tenantID string) ([]*ScreenRule, error)

	// Compliance store
	AddBlacklistEntry(ctx context.Context, tenantID string, entry *BlacklistEntry) error
	BlacklistHit(ctx context.Context, tenantID string, keys map[string]string) (*BlacklistEntry, error)
	SaveViolation(ctx context.Context, tenantID string, v *Violation) error
	MaxOpenViolationLevel(ctx context.Context, tenantID string, targetKind string, targetID string) (int, error)
	SaveMerchantCompliance(ctx context.Context, tenantID string, mc *MerchantCompliance) error
	GetMerchantCompliance(ctx context.Context, tenantID string, merchantID string) (*MerchantCompliance, error)

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// ReleaseOptions parameterizes an atomic release attempt. Policy values come
// from the ruleset snapshot in force; the repository only applies them.
type ReleaseOptions struct {
	// Now is the evaluation instant; it becomes the release time.
	Now time.Time

	// Monthly cap enforcement. Zero MonthlyCap disables the cap.
	MonthlyCap decimal.Decimal
	CapWindow  time.Duration
	CapLevel   LevelID

	// TaxFreeLimit recomputes taxDeducted when the amount is truncated.
	TaxFreeLimit decimal.Decimal
}

// ReleaseResult is the outcome of a release attempt.
type ReleaseResult struct {
	// Applied is false when the record was already terminal (idempotent
	// repeat) or not payable.
	Applied bool `json:"applied"`

	Amount      decimal.Decimal `json:"amount"`
	TaxDeducted decimal.Decimal `json:"taxDeducted"`

	// Truncated reports that the monthly cap reduced the amount;
	// TruncatedBy is the portion withheld.
	Truncated   bool            `json:"truncated"`
	TruncatedBy decimal.Decimal `json:"truncatedBy"`

	Disbursement *Disbursement `json:"disbursement,omitempty"`
}

// RepositoryConfig holds configuration for repository initialization.
type RepositoryConfig struct {
	// Driver is the database driver: "sqlite" or "postgres"
	Driver string

	// SQLite specific
	SQLitePath string

	// PostgreSQL specific
	PostgresHost     string
	PostgresPort     int
	PostgresUser     string
	PostgresPassword string
	PostgresDB       string
	PostgresSSLMode  string

	// Connection pool settings
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}
