// Package calibration resolves float-ratio adjustments keyed by vehicle
// tier and complexity level.
package calibration

import (
	"fmt"

	"github.com/openmotor/kestrel/internal/domain"
	"github.com/shopspring/decimal"
)

// Matrix is the compiled calibration lookup. Built once per ruleset
// snapshot; lookups are O(1) and never fail.
type Matrix struct {
	specific map[cellKey]decimal.Decimal
	wildcard map[domain.VehicleTier]decimal.Decimal
}

type cellKey struct {
	tier  domain.VehicleTier
	level domain.LevelID
}

// New compiles the snapshot's calibration entries into a Matrix.
// Rejecting an under-specified matrix here keeps a missing entry from
// silently evaluating to zero later; the order itself is never rejected
// for calibration reasons.
func New(entries []domain.CalibrationEntry) (*Matrix, error) {
	m := &Matrix{
		specific: make(map[cellKey]decimal.Decimal, len(entries)),
		wildcard: make(map[domain.VehicleTier]decimal.Decimal),
	}

	for _, e := range entries {
		if e.VehicleTier != domain.VehicleTierLow && e.VehicleTier != domain.VehicleTierHigh {
			return nil, fmt.Errorf("%w: calibration tier %q is not calibratable", domain.ErrInvalidRuleset, e.VehicleTier)
		}
		if e.Level == domain.CalibrationWildcard {
			if _, dup := m.wildcard[e.VehicleTier]; dup {
				return nil, fmt.Errorf("%w: duplicate wildcard calibration for %s", domain.ErrInvalidRuleset, e.VehicleTier)
			}
			m.wildcard[e.VehicleTier] = e.Adjustment
			continue
		}
		if !e.Level.Valid() {
			return nil, fmt.Errorf("%w: calibration level %q is unknown", domain.ErrInvalidRuleset, e.Level)
		}
		key := cellKey{e.VehicleTier, e.Level}
		if _, dup := m.specific[key]; dup {
			return nil, fmt.Errorf("%w: duplicate calibration cell %s/%s", domain.ErrInvalidRuleset, e.VehicleTier, e.Level)
		}
		m.specific[key] = e.Adjustment
	}

	// Every calibratable cell must be resolvable at load time.
	for _, tier := range []domain.VehicleTier{domain.VehicleTierLow, domain.VehicleTierHigh} {
		if _, ok := m.wildcard[tier]; ok {
			continue
		}
		for _, level := range domain.AllLevels() {
			if _, ok := m.specific[cellKey{tier, level}]; !ok {
				return nil, fmt.Errorf("%w: calibration matrix is missing cell %s/%s", domain.ErrInvalidRuleset, tier, level)
			}
		}
	}

	return m, nil
}

// Adjustment returns the signed percentage-point adjustment for a cell.
// Medium tier always contributes zero; a specific-level entry wins over a
// wildcard. Unknown levels resolve to zero (fail-open to neutral).
func (m *Matrix) Adjustment(tier domain.VehicleTier, level domain.LevelID) decimal.Decimal {
	if tier == domain.VehicleTierMedium {
		return decimal.Zero
	}
	if adj, ok := m.specific[cellKey{tier, level}]; ok {
		return adj
	}
	if adj, ok := m.wildcard[tier]; ok {
		return adj
	}
	return decimal.Zero
}
