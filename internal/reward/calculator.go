// Package reward computes the capped per-item and per-order owner reward.
package reward

import (
	"fmt"

	"github.com/openmotor/kestrel/internal/calibration"
	"github.com/openmotor/kestrel/internal/domain"
	"github.com/openmotor/kestrel/internal/tier"
	"github.com/shopspring/decimal"
)

var hundred = decimal.NewFromInt(100)

// ItemReward is the computed reward for one line item.
type ItemReward struct {
	ItemID       string          `json:"itemId,omitempty"`
	Level        domain.LevelID  `json:"level"`
	Attributable decimal.Decimal `json:"attributable"`
	FloatRatio   decimal.Decimal `json:"floatRatio"` // percent, after calibration and clamping
	Reward       decimal.Decimal `json:"reward"`
	Capped       bool            `json:"capped"`
	CapReason    string          `json:"capReason,omitempty"` // "item-cap" or "l4-amplify"
}

// Result is the reward outcome for one order before scheduling.
type Result struct {
	OrderTier   domain.OrderTier   `json:"orderTier"`
	VehicleTier domain.VehicleTier `json:"vehicleTier"`

	Items []ItemReward `json:"items"`

	// RawReward is the item sum before the per-order tier cap.
	RawReward    decimal.Decimal `json:"rawReward"`
	Reward       decimal.Decimal `json:"reward"`
	CappedByTier bool            `json:"cappedByTier"`
}

// Calculate produces the order's reward from the snapshot in force.
// Deterministic, non-negative, and monotonically non-decreasing in the
// order amount for fixed tier and level assignment.
//
// Attribution policy: an item carrying an explicit amount uses it; items
// without one share the order total evenly across all line items.
func Calculate(order *domain.Order, rules *domain.RewardRules, matrix *calibration.Matrix) (*Result, error) {
	orderTier, vehicleTier := tier.Classify(order, rules)

	res := &Result{
		OrderTier:   orderTier,
		VehicleTier: vehicleTier,
		RawReward:   decimal.Zero,
	}

	if len(order.Items) == 0 {
		res.Reward = decimal.Zero
		return res, nil
	}

	total := order.TotalAmount
	if total.IsNegative() {
		total = decimal.Zero
	}
	evenShare := total.Div(decimal.NewFromInt(int64(len(order.Items))))

	lowTier := vehicleTier == domain.VehicleTierLow
	capUp := decimal.NewFromInt(1)
	if lowTier {
		capUp = capUp.Add(rules.VehicleTierLowCapUp.Div(hundred))
	}

	for _, item := range order.Items {
		level, ok := rules.Level(item.Level)
		if !ok {
			return nil, fmt.Errorf("%w: line item %q references level %q",
				domain.ErrUnknownComplexityLevel, item.ID, item.Level)
		}

		attributable := item.Amount
		if attributable.LessThanOrEqual(decimal.Zero) {
			attributable = evenShare
		}

		ratio := level.FloatRatio.Add(matrix.Adjustment(vehicleTier, level.ID))
		if ratio.IsNegative() {
			ratio = decimal.Zero
		}

		ir := ItemReward{
			ItemID:       item.ID,
			Level:        level.ID,
			Attributable: attributable,
			FloatRatio:   ratio,
		}

		amount := level.FixedReward.Add(attributable.Mul(ratio).Div(hundred))

		itemCap := level.CapAmount.Mul(capUp)
		if amount.GreaterThan(itemCap) {
			amount = itemCap
			ir.Capped = true
			ir.CapReason = "item-cap"
		}

		// Hard ceiling for tier-4 items on low-end vehicles.
		if lowTier && level.ID == domain.LevelL4 {
			amplifyCap := level.FixedReward.Mul(rules.LowEndL4Amplify)
			if amount.GreaterThan(amplifyCap) {
				amount = amplifyCap
				ir.Capped = true
				ir.CapReason = "l4-amplify"
			}
		}

		ir.Reward = amount.Round(2)
		res.Items = append(res.Items, ir)
		res.RawReward = res.RawReward.Add(ir.Reward)
	}

	res.Reward = res.RawReward
	orderCap := rules.OrderTierCaps.For(orderTier)
	if res.Reward.GreaterThan(orderCap) {
		res.Reward = orderCap
		res.CappedByTier = true
	}

	return res, nil
}
