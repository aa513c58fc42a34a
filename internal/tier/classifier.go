// Package tier classifies orders and vehicles into ordinal tiers.
package tier

import (
	"github.com/openmotor/kestrel/internal/domain"
	"github.com/shopspring/decimal"
)

// ClassifyOrder maps an order total to an order tier using the snapshot's
// three thresholds. Total, no error path: negative amounts clamp to zero.
func ClassifyOrder(amount decimal.Decimal, rules *domain.RewardRules) domain.OrderTier {
	if amount.IsNegative() {
		amount = decimal.Zero
	}

	switch {
	case amount.LessThanOrEqual(rules.OrderTier1Max):
		return domain.OrderTier1
	case amount.LessThanOrEqual(rules.OrderTier2Max):
		return domain.OrderTier2
	case amount.LessThanOrEqual(rules.OrderTier3Max):
		return domain.OrderTier3
	default:
		return domain.OrderTier4
	}
}

// ClassifyVehicle maps a declared vehicle price to a vehicle tier.
/// A missing or zero price defaults to medium: no calibration boost, no
// penalty.
func ClassifyVehicle(price decimal.Decimal, rules *domain.RewardRules) domain.VehicleTier {
	if price.LessThanOrEqual(decimal.Zero) {
		return domain.VehicleTierMedium
	}

	switch {
	case price.LessThanOrEqual(rules.VehicleLowMax):
		return domain.VehicleTierLow
	case price.LessThanOrEqual(rules.VehicleMediumMax):
		return domain.VehicleTierMedium
	default:
		return domain.VehicleTierHigh
	}
}

// Classify returns both tiers for an order in one call.
func Classify(order *domain.Order, rules *domain.RewardRules) (domain.OrderTier, domain.VehicleTier) {
	return ClassifyOrder(order.TotalAmount, rules), ClassifyVehicle(order.VehiclePrice, rules)
}
