package domain

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// ErrInvalidRuleset marks configuration errors detected at snapshot load.
// A calculation is never attempted against an invalid snapshot.
var ErrInvalidRuleset = errors.New("invalid ruleset")

// CalibrationWildcard matches any complexity level in a calibration entry.
// A specific-level entry always wins over a wildcard for the same tier.
const CalibrationWildcard LevelID = "*"

// DefaultTaxFreeLimit applies when a snapshot omits taxFreeLimit.
var DefaultTaxFreeLimit = decimal.NewFromInt(800)

// ComplexityLevel holds the reward parameters for one complexity level.
type ComplexityLevel struct {
	ID          LevelID         `json:"id"`
	FixedReward decimal.Decimal `json:"fixedReward"`
	FloatRatio  decimal.Decimal `json:"floatRatio"` // percent of attributable amount
	CapAmount   decimal.Decimal `json:"capAmount"`  // per-item ceiling
}

// CalibrationEntry is one cell of the calibration matrix: a signed
// percentage-point adjustment to a level's float ratio for a vehicle tier.
type CalibrationEntry struct {
	VehicleTier VehicleTier     `json:"vehicleTier"` // low or high; medium never calibrates
	Level       LevelID         `json:"level"`       // L1..L4 or "*"
	Adjustment  decimal.Decimal `json:"adjustment"`  // percentage points, signed
}

// OrderTierCaps holds the per-order reward ceiling for each order tier.
type OrderTierCaps struct {
	Tier1 decimal.Decimal `json:"tier1"`
	Tier2 decimal.Decimal `json:"tier2"`
	Tier3 decimal.Decimal `json:"tier3"`
	Tier4 decimal.Decimal `json:"tier4"`
}

// For returns the cap for an order tier.
func (c OrderTierCaps) For(t OrderTier) decimal.Decimal {
	switch t {
	case OrderTier1:
		return c.Tier1
	case OrderTier2:
		return c.Tier2
	case OrderTier3:
		return c.Tier3
	default:
		return c.Tier4
	}
}

// RewardRules configures tier classification, calibration and reward capping.
type RewardRules struct {
	// Vehicle tier thresholds: low <= VehicleLowMax < medium <= VehicleMediumMax < high
	VehicleLowMax    decimal.Decimal `json:"vehicleLowMax"`
	VehicleMediumMax decimal.Decimal `json:"vehicleMediumMax"`

	// Order tier thresholds; above OrderTier3Max is tier 4
	OrderTier1Max decimal.Decimal `json:"orderTier1Max"`
	OrderTier2Max decimal.Decimal `json:"orderTier2Max"`
	OrderTier3Max decimal.Decimal `json:"orderTier3Max"`

	Levels      []ComplexityLevel  `json:"levels"`
	Calibration []CalibrationEntry `json:"calibration"`

	OrderTierCaps OrderTierCaps `json:"orderTierCaps"`

	// Ceiling multiplier for L4 items on low-end vehicles
	LowEndL4Amplify decimal.Decimal `json:"lowEndL4Amplify"`

	// Percent by which low-end per-item caps may be raised
	VehicleTierLowCapUp decimal.Decimal `json:"vehicleTierLowCapUp"`
}

// Level looks up a complexity level by id.
func (r *RewardRules) Level(id LevelID) (ComplexityLevel, bool) {
	for _, lv := range r.Levels {
		if lv.ID == id {
			return lv, true
		}
	}
	return ComplexityLevel{}, false
}

// CommissionRules configures the merchant commission rate derivation.
type CommissionRules struct {
	Tier1Max  decimal.Decimal `json:"tier1Max"`
	Tier1Rate decimal.Decimal `json:"tier1Rate"` // percent
	Tier2Max  decimal.Decimal `json:"tier2Max"`
	Tier2Rate decimal.Decimal `json:"tier2Rate"`
	Tier3Rate decimal.Decimal `json:"tier3Rate"` // applies above Tier2Max

	DownPercent  decimal.Decimal `json:"downPercent"`  // points subtracted on good standing
	DownMinRatio decimal.Decimal `json:"downMinRatio"` // percent of base, floor
	UpPercent    decimal.Decimal `json:"upPercent"`    // points added on poor standing
	UpMaxRatio   decimal.Decimal `json:"upMaxRatio"`   // percent of base, ceiling

	// RedLinePercent caps total order reward at this percent of realized
	// commission; the reward is truncated, never the commission.
	RedLinePercent decimal.Decimal `json:"redLinePercent"`
}

// FraudRules configures the anti-fraud gate.
type FraudRules struct {
	L1MonthlyCap   decimal.Decimal `json:"l1MonthlyCap"`   // trailing-window released sum ceiling
	CapWindowDays  int             `json:"capWindowDays"`  // trailing window, days
	L1L2FreezeDays int             `json:"l1l2FreezeDays"` // 0 = immediate release
	L1L2SampleRate decimal.Decimal `json:"l1l2SampleRate"` // percent routed to manual sampling
}

// Ruleset is one immutable configuration snapshot. It is validated as a
// whole at load time and threaded by value into every calculation; two
// snapshots are never merged.
type Ruleset struct {
	Version  string `json:"version"`
	TenantID string `json:"tenantId"`

	Reward     RewardRules     `json:"reward"`
	Commission CommissionRules `json:"commission"`
	Fraud      FraudRules      `json:"fraud"`

	// TaxFreeLimit is the per-milestone amount above which the excess is
	// recorded as platform-absorbed tax deduction. Zero means unset;
	// Validate fills in DefaultTaxFreeLimit.
	TaxFreeLimit decimal.Decimal `json:"taxFreeLimit"`

	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"createdAt"`
}

// Validate rejects a snapshot that could silently misprice an order.
// Missing matrix cells and unordered thresholds are load-time errors, not
// evaluation-time fallbacks.
func (rs *Ruleset) Validate() error {
	if rs.Version == "" {
		return fmt.Errorf("%w: version is required", ErrInvalidRuleset)
	}

	r := &rs.Reward
	if !r.VehicleLowMax.IsPositive() || r.VehicleMediumMax.LessThanOrEqual(r.VehicleLowMax) {
		return fmt.Errorf("%w: vehicle tier thresholds must satisfy 0 < lowMax < mediumMax", ErrInvalidRuleset)
	}
	if !r.OrderTier1Max.IsPositive() ||
		r.OrderTier2Max.LessThanOrEqual(r.OrderTier1Max) ||
		r.OrderTier3Max.LessThanOrEqual(r.OrderTier2Max) {
		return fmt.Errorf("%w: order tier thresholds must be strictly increasing", ErrInvalidRuleset)
	}

	seen := make(map[LevelID]bool, len(r.Levels))
	for _, lv := range r.Levels {
		if !lv.ID.Valid() {
			return fmt.Errorf("%w: unknown complexity level %q", ErrInvalidRuleset, lv.ID)
		}
		if seen[lv.ID] {
			return fmt.Errorf("%w: duplicate complexity level %q", ErrInvalidRuleset, lv.ID)
		}
		if lv.FixedReward.IsNegative() || lv.FloatRatio.IsNegative() || !lv.CapAmount.IsPositive() {
			return fmt.Errorf("%w: level %q has invalid reward parameters", ErrInvalidRuleset, lv.ID)
		}
		seen[lv.ID] = true
	}
	for _, id := range AllLevels() {
		if !seen[id] {
			return fmt.Errorf("%w: complexity level %q is not configured", ErrInvalidRuleset, id)
		}
	}

	if err := validateCalibration(r.Calibration); err != nil {
		return err
	}

	caps := r.OrderTierCaps
	for t, cap := range map[OrderTier]decimal.Decimal{
		OrderTier1: caps.Tier1, OrderTier2: caps.Tier2, OrderTier3: caps.Tier3, OrderTier4: caps.Tier4,
	} {
		if !cap.IsPositive() {
			return fmt.Errorf("%w: order tier cap for %s must be positive", ErrInvalidRuleset, t)
		}
	}
	if r.LowEndL4Amplify.LessThan(decimal.NewFromInt(1)) {
		return fmt.Errorf("%w: lowEndL4Amplify must be >= 1", ErrInvalidRuleset)
	}
	if r.VehicleTierLowCapUp.IsNegative() {
		return fmt.Errorf("%w: vehicleTierLowCapUp must be >= 0", ErrInvalidRuleset)
	}

	c := &rs.Commission
	if !c.Tier1Max.IsPositive() || c.Tier2Max.LessThanOrEqual(c.Tier1Max) {
		return fmt.Errorf("%w: commission tier thresholds must be strictly increasing", ErrInvalidRuleset)
	}
	for _, rate := range []decimal.Decimal{c.Tier1Rate, c.Tier2Rate, c.Tier3Rate} {
		if rate.IsNegative() || rate.GreaterThan(decimal.NewFromInt(100)) {
			return fmt.Errorf("%w: commission rates must be in [0, 100]", ErrInvalidRuleset)
		}
	}
	if c.DownMinRatio.IsNegative() || c.DownMinRatio.GreaterThan(decimal.NewFromInt(100)) {
		return fmt.Errorf("%w: downMinRatio must be in [0, 100]", ErrInvalidRuleset)
	}
	if c.UpMaxRatio.LessThan(decimal.NewFromInt(100)) {
		return fmt.Errorf("%w: upMaxRatio must be >= 100", ErrInvalidRuleset)
	}
	if c.RedLinePercent.IsNegative() {
		return fmt.Errorf("%w: redLinePercent must be >= 0", ErrInvalidRuleset)
	}

	f := &rs.Fraud
	if f.L1MonthlyCap.IsNegative() {
		return fmt.Errorf("%w: l1MonthlyCap must be >= 0", ErrInvalidRuleset)
	}
	if f.CapWindowDays <= 0 {
		return fmt.Errorf("%w: capWindowDays must be positive", ErrInvalidRuleset)
	}
	if f.L1L2FreezeDays < 0 {
		return fmt.Errorf("%w: l1l2FreezeDays must be >= 0", ErrInvalidRuleset)
	}
	if f.L1L2SampleRate.IsNegative() || f.L1L2SampleRate.GreaterThan(decimal.NewFromInt(100)) {
		return fmt.Errorf("%w: l1l2SampleRate must be in [0, 100]", ErrInvalidRuleset)
	}

	if rs.TaxFreeLimit.IsNegative() {
		return fmt.Errorf("%w: taxFreeLimit must be >= 0", ErrInvalidRuleset)
	}
	if rs.TaxFreeLimit.IsZero() {
		rs.TaxFreeLimit = DefaultTaxFreeLimit
	}

	return nil
}

// validateCalibration requires every (tier, level) cell for low and high
// tiers to be resolvable, through either a specific entry or a wildcard.
func validateCalibration(entries []CalibrationEntry) error {
	specific := make(map[VehicleTier]map[LevelID]bool)
	wildcard := make(map[VehicleTier]bool)

	for _, e := range entries {
		if e.VehicleTier != VehicleTierLow && e.VehicleTier != VehicleTierHigh {
			return fmt.Errorf("%w: calibration entries only apply to low/high tiers, got %q", ErrInvalidRuleset, e.VehicleTier)
		}
		if e.Level == CalibrationWildcard {
			wildcard[e.VehicleTier] = true
			continue
		}
		if !e.Level.Valid() {
			return fmt.Errorf("%w: calibration entry references unknown level %q", ErrInvalidRuleset, e.Level)
		}
		if specific[e.VehicleTier] == nil {
			specific[e.VehicleTier] = make(map[LevelID]bool)
		}
		if specific[e.VehicleTier][e.Level] {
			return fmt.Errorf("%w: duplicate calibration entry for %s/%s", ErrInvalidRuleset, e.VehicleTier, e.Level)
		}
		specific[e.VehicleTier][e.Level] = true
	}

	for _, tier := range []VehicleTier{VehicleTierLow, VehicleTierHigh} {
		if wildcard[tier] {
			continue
		}
		for _, id := range AllLevels() {
			if !specific[tier][id] {
				return fmt.Errorf("%w: calibration matrix is missing cell %s/%s", ErrInvalidRuleset, tier, id)
			}
		}
	}

	return nil
}

// ScreenRule is an operator-configurable CEL expression evaluated as an
// additional pre-release screen. A triggered screen freezes the record for
// manual review; screens can never auto-release.
type ScreenRule struct {
	ID          string `json:"id"`
	TenantID    string `json:"tenantId"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Version     string `json:"version"`

	// Expression must evaluate to bool; true means "freeze for review".
	Expression string `json:"expression"`

	Enabled bool `json:"enabled"`
}
