package domain

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// ErrTerminalStatus is returned when a transition is attempted out of a
// terminal disbursement status.
var ErrTerminalStatus = errors.New("disbursement is in a terminal status")

// Stage is a review milestone at which a fraction of the reward becomes
// eligible for release.
type Stage string

const (
	StageMain       Stage = "main"
	StageOneMonth   Stage = "1m"
	StageThreeMonth Stage = "3m"
)

// Valid reports whether the stage is one of the three known milestones.
func (s Stage) Valid() bool {
	switch s {
	case StageMain, StageOneMonth, StageThreeMonth:
		return true
	}
	return false
}

// Status is the disbursement state machine:
//
//	pending -> frozen | released | rejected
//	frozen  -> released | rejected
//
// released and rejected are terminal.
type Status string

const (
	StatusPending  Status = "pending"
	StatusFrozen   Status = "frozen"
	StatusReleased Status = "released"
	StatusRejected Status = "rejected"
)

// Terminal reports whether the status admits no further transitions.
func (s Status) Terminal() bool {
	return s == StatusReleased || s == StatusRejected
}

// CanTransitionTo reports whether the state machine permits s -> next.
func (s Status) CanTransitionTo(next Status) bool {
	switch s {
	case StatusPending:
		return next == StatusFrozen || next == StatusReleased || next == StatusRejected
	case StatusFrozen:
		return next == StatusReleased || next == StatusRejected
	}
	return false
}

// Verdict is the review-audit outcome for a milestone, supplied by the
// external review-content audit.
type Verdict string

const (
	VerdictNone Verdict = ""
	VerdictPass Verdict = "pass"
	VerdictFail Verdict = "fail"
)

// Disbursement is one (order, stage) reward installment.
type Disbursement struct {
	ID       string `json:"id"`
	TenantID string `json:"tenantId"`
	OrderID  string `json:"orderId"`
	UserID   string `json:"userId"`

	Stage Stage `json:"stage"`

	// Level is the order's resolved complexity level; freeze and
	// monthly-cap policies key off it.
	Level LevelID `json:"level"`

	Amount      decimal.Decimal `json:"amount"`
	TaxDeducted decimal.Decimal `json:"taxDeducted"`

	Status  Status  `json:"status"`
	Verdict Verdict `json:"verdict,omitempty"`

	// VerdictAt anchors the freeze window for L1-L2 orders.
	VerdictAt *time.Time `json:"verdictAt,omitempty"`

	// TruncationReason records why the amount was reduced (monthly cap,
	// red line); empty when untruncated.
	TruncationReason string `json:"truncationReason,omitempty"`

	// StatusReason records why a record was frozen or rejected.
	StatusReason string `json:"statusReason,omitempty"`

	ReleaseTime *time.Time `json:"releaseTime,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
}

// Payable reports whether the record may be considered for release: a
// non-terminal record whose stage verdict has passed.
func (d *Disbursement) Payable() bool {
	return !d.Status.Terminal() && d.Verdict == VerdictPass
}

// CommissionDecision is the merchant commission outcome for one order.
type CommissionDecision struct {
	BaseRate decimal.Decimal `json:"baseRate"` // percent, from amount tier
	Rate     decimal.Decimal `json:"rate"`     // percent, after modulation
	Amount   decimal.Decimal `json:"amount"`

	// Adjustment is "none", "down" or "up".
	Adjustment string `json:"adjustment"`

	// CappedByRedLine reports that the order reward (not the commission)
	// was truncated to honor the compliance red line.
	CappedByRedLine bool `json:"cappedByRedLine"`
}

// Commission adjustment directions.
const (
	AdjustmentNone = "none"
	AdjustmentDown = "down"
	AdjustmentUp   = "up"
)

// Settlement is the complete outcome of one settle pass: the disbursement
// schedule plus the commission decision. A pass fully succeeds or fully
// fails; no partial settlement is ever persisted.
type Settlement struct {
	ID       string `json:"id"`
	TenantID string `json:"tenantId"`
	OrderID  string `json:"orderId"`

	OrderTier   OrderTier   `json:"orderTier"`
	VehicleTier VehicleTier `json:"vehicleTier"`

	// RawReward is the summed item reward before order-level capping.
	RawReward decimal.Decimal `json:"rawReward"`
	// Reward is the final per-order reward after tier cap and red line.
	Reward decimal.Decimal `json:"reward"`

	CappedByTier    bool `json:"cappedByTier"`
	CappedByRedLine bool `json:"cappedByRedLine"`

	Commission    CommissionDecision `json:"commission"`
	Disbursements []*Disbursement    `json:"disbursements"`

	RulesetVersion string    `json:"rulesetVersion"`
	CreatedAt      time.Time `json:"createdAt"`
}
