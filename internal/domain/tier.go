package domain

import "fmt"

// LevelID identifies a repair complexity level. Exactly four levels exist;
// configuration load rejects rulesets that do not define all of them.
type LevelID string

const (
	LevelL1 LevelID = "L1"
	LevelL2 LevelID = "L2"
	LevelL3 LevelID = "L3"
	LevelL4 LevelID = "L4"
)

// AllLevels lists the fixed level ids in ascending complexity order.
func AllLevels() []LevelID {
	return []LevelID{LevelL1, LevelL2, LevelL3, LevelL4}
}

// Valid reports whether the id is one of the four fixed levels.
func (l LevelID) Valid() bool {
	switch l {
	case LevelL1, LevelL2, LevelL3, LevelL4:
		return true
	}
	return false
}

// Rank returns the ordinal position of the level (L1=1 .. L4=4), 0 if invalid.
func (l LevelID) Rank() int {
	switch l {
	case LevelL1:
		return 1
	case LevelL2:
		return 2
	case LevelL3:
		return 3
	case LevelL4:
		return 4
	}
	return 0
}

// VehicleTier classifies a vehicle by declared price.
type VehicleTier string

const (
	VehicleTierLow    VehicleTier = "low"
	VehicleTierMedium VehicleTier = "medium"
	VehicleTierHigh   VehicleTier = "high"
)

// Valid reports whether the tier is one of the three known tiers.
func (v VehicleTier) Valid() bool {
	switch v {
	case VehicleTierLow, VehicleTierMedium, VehicleTierHigh:
		return true
	}
	return false
}

// OrderTier classifies an order by total amount, 1 (smallest) through 4.
type OrderTier int

const (
	OrderTier1 OrderTier = 1
	OrderTier2 OrderTier = 2
	OrderTier3 OrderTier = 3
	OrderTier4 OrderTier = 4
)

// Valid reports whether the tier is in the 1..4 range.
func (t OrderTier) Valid() bool {
	return t >= OrderTier1 && t <= OrderTier4
}

func (t OrderTier) String() string {
	return fmt.Sprintf("T%d", int(t))
}
