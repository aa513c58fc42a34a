// Package commission derives the merchant commission rate and amount, and
// enforces the reward red line against realized commission.
package commission

import (
	"github.com/openmotor/kestrel/internal/domain"
	"github.com/shopspring/decimal"
)

var hundred = decimal.NewFromInt(100)

// Standing thresholds for rate modulation, in percent.
var (
	goodComplianceMin = decimal.NewFromInt(95)
	goodComplaintMax  = decimal.NewFromInt(1)
	poorComplianceMax = decimal.NewFromInt(80)
)

// Calculate derives the commission decision for one order. The effective
// rate always lies within [base*downMinRatio%, base*upMaxRatio%].
//
// Up- and down-adjustment never both apply. An open merchant violation
// with otherwise good standing still adjusts up; risk wins.
func Calculate(orderAmount decimal.Decimal, rules *domain.CommissionRules, compliance *domain.ComplianceSnapshot) domain.CommissionDecision {
	if orderAmount.IsNegative() {
		orderAmount = decimal.Zero
	}

	base := baseRate(orderAmount, rules)
	rate := base
	adjustment := domain.AdjustmentNone

	switch {
	case compliance.ComplianceRate.LessThan(poorComplianceMax) || compliance.HasOpenViolation():
		rate = base.Add(rules.UpPercent)
		ceiling := base.Mul(rules.UpMaxRatio).Div(hundred)
		if rate.GreaterThan(ceiling) {
			rate = ceiling
		}
		adjustment = domain.AdjustmentUp

	case compliance.ComplianceRate.GreaterThanOrEqual(goodComplianceMin) &&
		compliance.ComplaintRate.LessThanOrEqual(goodComplaintMax):
		rate = base.Sub(rules.DownPercent)
		floor := base.Mul(rules.DownMinRatio).Div(hundred)
		if rate.LessThan(floor) {
			rate = floor
		}
		adjustment = domain.AdjustmentDown
	}

	return domain.CommissionDecision{
		BaseRate:   base,
		Rate:       rate,
		Amount:     orderAmount.Mul(rate).Div(hundred).Round(2),
		Adjustment: adjustment,
	}
}

// ApplyRedLine truncates the reward so it never exceeds redLinePercent of
// the realized commission. The commission is never touched; a truncation is
// reported so the caller can surface it.
func ApplyRedLine(reward decimal.Decimal, decision *domain.CommissionDecision, rules *domain.CommissionRules) (decimal.Decimal, bool) {
	ceiling := decision.Amount.Mul(rules.RedLinePercent).Div(hundred)
	if reward.LessThanOrEqual(ceiling) {
		return reward, false
	}
	decision.CappedByRedLine = true
	return ceiling.Round(2), true
}

func baseRate(amount decimal.Decimal, rules *domain.CommissionRules) decimal.Decimal {
	switch {
	case amount.LessThanOrEqual(rules.Tier1Max):
		return rules.Tier1Rate
	case amount.LessThanOrEqual(rules.Tier2Max):
		return rules.Tier2Rate
	default:
		return rules.Tier3Rate
	}
}
