package fraud

import (
	"fmt"
	"hash/fnv"
	"time"

	"github.com/openmotor/kestrel/internal/domain"
	"github.com/shopspring/decimal"
)

// Outcome is the gate's verdict on a release attempt.
type Outcome string

const (
	// OutcomeAllow permits the release at the full milestone amount.
	OutcomeAllow Outcome = "allow"
	// OutcomeTruncate permits the release at a reduced amount.
	OutcomeTruncate Outcome = "truncate"
	// OutcomeDelay defers the release until the freeze window elapses.
	OutcomeDelay Outcome = "delay"
	// OutcomeFreeze routes the record to manual review.
	OutcomeFreeze Outcome = "freeze"
	// OutcomeReject permanently rejects the milestone.
	OutcomeReject Outcome = "reject"
)

// Input is the immutable state the gate evaluates against. The decision is
// a pure function of this snapshot; data arriving later never revises it.
type Input struct {
	Disbursement *domain.Disbursement
	Compliance   *domain.ComplianceSnapshot

	// ReleasedInWindow is the user's trailing-window released sum at the
	// capped level, read atomically alongside the release transition.
	ReleasedInWindow decimal.Decimal

	Rules *domain.FraudRules

	Now time.Time
}

// Decision is the gate outcome for one release attempt.
type Decision struct {
	Outcome Outcome
	Reason  string

	// Amount is the releasable amount; below the milestone amount only
	// when Outcome is truncate.
	Amount decimal.Decimal

	// ReleaseAfter is set when Outcome is delay.
	ReleaseAfter *time.Time

	// ScreenID identifies the screen rule that froze the record, if any.
	ScreenID string
}

const sampleBuckets = 10000

// Gate runs the release checks.
type Gate struct {
	screens *ScreenEngine
}

// NewGate creates a gate. The screen engine is optional.
func NewGate(screens *ScreenEngine) *Gate {
	return &Gate{screens: screens}
}

// Check evaluates the release checks in a fixed order; the first check
// that does not pass determines the outcome and later checks are skipped.
func (g *Gate) Check(in *Input) *Decision {
	d := in.Disbursement

	// 1. Blacklist: any matched identity key rejects outright.
	if in.Compliance.Blacklisted {
		return &Decision{
			Outcome: OutcomeReject,
			Reason:  fmt.Sprintf("blacklisted by %s", in.Compliance.BlacklistedBy),
			Amount:  decimal.Zero,
		}
	}

	// 2. Trailing-window cap for L1 orders: excess is truncated to the
	// remaining headroom, never rejected.
	if d.Level == domain.LevelL1 && in.Rules.L1MonthlyCap.IsPositive() {
		headroom := in.Rules.L1MonthlyCap.Sub(in.ReleasedInWindow)
		if headroom.IsNegative() {
			headroom = decimal.Zero
		}
		if d.Amount.GreaterThan(headroom) {
			return &Decision{
				Outcome: OutcomeTruncate,
				Reason:  fmt.Sprintf("monthly cap: headroom %s of %s", headroom, in.Rules.L1MonthlyCap),
				Amount:  headroom,
			}
		}
	}

	// 3. Freeze policy for L1-L2 orders: a configured share is sampled
	// into manual review; the rest wait out the freeze window. A record
	// already frozen has had its manual review; re-sampling it here would
	// freeze it forever.
	if d.Status != domain.StatusFrozen && (d.Level == domain.LevelL1 || d.Level == domain.LevelL2) {
		if sampled(d.ID, in.Rules.L1L2SampleRate) {
			return &Decision{
				Outcome: OutcomeFreeze,
				Reason:  "routed to manual sampling",
				Amount:  d.Amount,
			}
		}
		if in.Rules.L1L2FreezeDays > 0 {
			anchor := d.CreatedAt
			if d.VerdictAt != nil {
				anchor = *d.VerdictAt
			}
			releaseAfter := anchor.Add(time.Duration(in.Rules.L1L2FreezeDays) * 24 * time.Hour)
			if in.Now.Before(releaseAfter) {
				return &Decision{
					Outcome:      OutcomeDelay,
					Reason:       fmt.Sprintf("freeze window: %d days", in.Rules.L1L2FreezeDays),
					Amount:       d.Amount,
					ReleaseAfter: &releaseAfter,
				}
			}
		}
	}

	// 4. An open violation at level 3 or above rejects regardless of stage.
	if in.Compliance.MaxViolationLevel() >= 3 {
		return &Decision{
			Outcome: OutcomeReject,
			Reason:  fmt.Sprintf("open violation level %d", in.Compliance.MaxViolationLevel()),
			Amount:  decimal.Zero,
		}
	}

	// 5. Operator screens: a triggered screen freezes for review. Frozen
	// records skip this for the same reason they skip sampling.
	if d.Status != domain.StatusFrozen && g.screens != nil && g.screens.RulesCount() > 0 {
		activation := g.activation(in)
		if rule := g.screens.Evaluate(activation); rule != nil {
			return &Decision{
				Outcome:  OutcomeFreeze,
				Reason:   fmt.Sprintf("screen %s triggered", rule.Name),
				Amount:   d.Amount,
				ScreenID: rule.ID,
			}
		}
	}

	return &Decision{Outcome: OutcomeAllow, Amount: d.Amount}
}

func (g *Gate) activation(in *Input) map[string]any {
	d := in.Disbursement
	amount, _ := d.Amount.Float64()
	compliance, _ := in.Compliance.ComplianceRate.Float64()
	complaint, _ := in.Compliance.ComplaintRate.Float64()
	released, _ := in.ReleasedInWindow.Float64()

	return map[string]any{
		"amount":             amount,
		"stage":              string(d.Stage),
		"level":              string(d.Level),
		"user_id":            d.UserID,
		"merchant_id":        in.Compliance.MerchantID,
		"compliance_rate":    compliance,
		"complaint_rate":     complaint,
		"violation_level":    int64(in.Compliance.MaxViolationLevel()),
		"released_in_window": released,
	}
}

// sampled deterministically routes a share of records to manual sampling.
// Hashing the record id keeps the decision replayable for audits; the same
// record always lands in the same bucket.
func sampled(id string, ratePercent decimal.Decimal) bool {
	if !ratePercent.IsPositive() {
		return false
	}

	h := fnv.New32a()
	h.Write([]byte(id))
	bucket := int64(h.Sum32() % sampleBuckets)

	threshold := ratePercent.Mul(decimal.NewFromInt(sampleBuckets / 100)).IntPart()
	return bucket < threshold
}
