// Package schedule splits an order reward across review milestones and
// drives the per-milestone state machine.
package schedule

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/openmotor/kestrel/internal/domain"
	"github.com/shopspring/decimal"
)

// stageSplits maps an order tier to its milestone fractions, in percent.
// The last listed stage absorbs any rounding remainder so the stage sum is
// always exactly the order reward.
var stageSplits = map[domain.OrderTier][]stageSplit{
	domain.OrderTier1: {{domain.StageMain, 100}},
	domain.OrderTier2: {{domain.StageMain, 100}},
	domain.OrderTier3: {{domain.StageMain, 50}, {domain.StageOneMonth, 50}},
	domain.OrderTier4: {{domain.StageMain, 50}, {domain.StageOneMonth, 30}, {domain.StageThreeMonth, 20}},
}

type stageSplit struct {
	stage   domain.Stage
	percent int64
}

// Build creates the disbursement schedule for an order's final reward.
// Records start as pending with no verdict; nothing is payable until the
// stage's review verdict passes.
func Build(order *domain.Order, orderTier domain.OrderTier, reward decimal.Decimal, taxFreeLimit decimal.Decimal, now time.Time) []*domain.Disbursement {
	splits := stageSplits[orderTier]
	level := order.ResolvedLevel()

	out := make([]*domain.Disbursement, 0, len(splits))
	allocated := decimal.Zero
	for i, sp := range splits {
		var amount decimal.Decimal
		if i == len(splits)-1 {
			amount = reward.Sub(allocated)
		} else {
			amount = reward.Mul(decimal.NewFromInt(sp.percent)).Div(decimal.NewFromInt(100)).Round(2)
			allocated = allocated.Add(amount)
		}

		out = append(out, &domain.Disbursement{
			ID:          uuid.NewString(),
			TenantID:    order.TenantID,
			OrderID:     order.ID,
			UserID:      order.UserID,
			Stage:       sp.stage,
			Level:       level,
			Amount:      amount,
			TaxDeducted: taxDeducted(amount, taxFreeLimit),
			Status:      domain.StatusPending,
			CreatedAt:   now,
		})
	}
	return out
}

// taxDeducted is the platform-absorbed excess over the per-milestone
// tax-free limit. It is recorded alongside the amount, never subtracted
// from it.
func taxDeducted(amount, limit decimal.Decimal) decimal.Decimal {
	excess := amount.Sub(limit)
	if excess.IsNegative() {
		return decimal.Zero
	}
	return excess
}

// ApplyVerdict records a review-stage verdict on a milestone. A pass marks
// the record payable; a fail moves it to rejected with zero payout. The
// verdict never rolls forward to later milestones.
func ApplyVerdict(d *domain.Disbursement, verdict domain.Verdict, at time.Time) error {
	if d.Status.Terminal() {
		return fmt.Errorf("%w: %s is %s", domain.ErrTerminalStatus, d.ID, d.Status)
	}
	if verdict != domain.VerdictPass && verdict != domain.VerdictFail {
		return fmt.Errorf("invalid verdict %q for disbursement %s", verdict, d.ID)
	}

	d.Verdict = verdict
	d.VerdictAt = &at

	if verdict == domain.VerdictFail {
		d.Amount = decimal.Zero
		d.TaxDeducted = decimal.Zero
		d.Status = domain.StatusRejected
		d.StatusReason = "review verdict failed"
	}
	return nil
}

// Transition moves a record through the state machine, rejecting moves out
// of terminal statuses or edges the machine does not define.
func Transition(d *domain.Disbursement, next domain.Status, reason string, now time.Time) error {
	if d.Status.Terminal() {
		return fmt.Errorf("%w: %s is %s", domain.ErrTerminalStatus, d.ID, d.Status)
	}
	if !d.Status.CanTransitionTo(next) {
		return fmt.Errorf("invalid transition %s -> %s for disbursement %s", d.Status, next, d.ID)
	}

	d.Status = next
	if reason != "" {
		d.StatusReason = reason
	}
	if next == domain.StatusReleased {
		t := now
		d.ReleaseTime = &t
	}
	return nil
}
