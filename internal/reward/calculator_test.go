package reward

import (
	"errors"
	"testing"

	"github.com/openmotor/kestrel/internal/calibration"
	"github.com/openmotor/kestrel/internal/domain"
	"github.com/shopspring/decimal"
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func testRules() *domain.RewardRules {
	return &domain.RewardRules{
		VehicleLowMax:    dec("100000"),
		VehicleMediumMax: dec("500000"),
		OrderTier1Max:    dec("1000"),
		OrderTier2Max:    dec("5000"),
		OrderTier3Max:    dec("20000"),
		Levels: []domain.ComplexityLevel{
			{ID: domain.LevelL1, FixedReward: dec("10"), FloatRatio: dec("1"), CapAmount: dec("50")},
			{ID: domain.LevelL2, FixedReward: dec("30"), FloatRatio: dec("2"), CapAmount: dec("150")},
			{ID: domain.LevelL3, FixedReward: dec("80"), FloatRatio: dec("3"), CapAmount: dec("400")},
			{ID: domain.LevelL4, FixedReward: dec("200"), FloatRatio: dec("5"), CapAmount: dec("1200")},
		},
		Calibration: []domain.CalibrationEntry{
			{VehicleTier: domain.VehicleTierLow, Level: domain.CalibrationWildcard, Adjustment: dec("-0.5")},
			{VehicleTier: domain.VehicleTierHigh, Level: domain.CalibrationWildcard, Adjustment: dec("1")},
			{VehicleTier: domain.VehicleTierHigh, Level: domain.LevelL4, Adjustment: dec("2")},
		},
		OrderTierCaps: domain.OrderTierCaps{
			Tier1: dec("100"),
			Tier2: dec("300"),
			Tier3: dec("800"),
			Tier4: dec("2000"),
		},
		LowEndL4Amplify:     dec("1.5"),
		VehicleTierLowCapUp: dec("20"),
	}
}

func testMatrix(t *testing.T, rules *domain.RewardRules) *calibration.Matrix {
	t.Helper()
	m, err := calibration.New(rules.Calibration)
	if err != nil {
		t.Fatalf("failed to build matrix: %v", err)
	}
	return m
}

func order(total string, items ...domain.LineItem) *domain.Order {
	return &domain.Order{
		ID:           "ord-1",
		TotalAmount:  dec(total),
		VehiclePrice: dec("300000"), // medium unless overridden
		Items:        items,
	}
}

func TestCalculateSingleItem(t *testing.T) {
	rules := testRules()
	m := testMatrix(t, rules)

	// Medium tier, no calibration: L2 = 30 + 2000 * 2% = 70
	o := order("2000", domain.LineItem{ID: "i1", Level: domain.LevelL2, Amount: dec("2000")})
	res, err := Calculate(o, rules, m)
	if err != nil {
		t.Fatalf("calculate: %v", err)
	}

	if res.OrderTier != domain.OrderTier2 {
		t.Errorf("order tier = %s, want T2", res.OrderTier)
	}
	if res.VehicleTier != domain.VehicleTierMedium {
		t.Errorf("vehicle tier = %s, want medium", res.VehicleTier)
	}
	if !res.Reward.Equal(dec("70")) {
		t.Errorf("reward = %s, want 70", res.Reward)
	}
	if res.CappedByTier {
		t.Error("reward should not be tier-capped")
	}
}

func TestCalibrationShiftsRatio(t *testing.T) {
	rules := testRules()
	m := testMatrix(t, rules)

	// High tier: L4 specific adjustment +2 on top of 5% base.
	// 200 + 10000 * 7% = 900
	o := order("10000", domain.LineItem{ID: "i1", Level: domain.LevelL4, Amount: dec("10000")})
	o.VehiclePrice = dec("600000")

	res, err := Calculate(o, rules, m)
	if err != nil {
		t.Fatalf("calculate: %v", err)
	}
	if len(res.Items) != 1 {
		t.Fatalf("items = %d, want 1", len(res.Items))
	}
	if !res.Items[0].FloatRatio.Equal(dec("7")) {
		t.Errorf("effective ratio = %s, want 7", res.Items[0].FloatRatio)
	}
	if !res.RawReward.Equal(dec("900")) {
		t.Errorf("raw reward = %s, want 900", res.RawReward)
	}
}

func TestNegativeEffectiveRatioClampsToZero(t *testing.T) {
	rules := testRules()
	rules.Calibration = []domain.CalibrationEntry{
		{VehicleTier: domain.VehicleTierLow, Level: domain.CalibrationWildcard, Adjustment: dec("-10")},
		{VehicleTier: domain.VehicleTierHigh, Level: domain.CalibrationWildcard, Adjustment: dec("0")},
	}
	m := testMatrix(t, rules)

	// Low tier, L1 base 1% - 10 clamps to 0%: reward is the fixed part only.
	o := order("4000", domain.LineItem{ID: "i1", Level: domain.LevelL1, Amount: dec("4000")})
	o.VehiclePrice = dec("50000")

	res, err := Calculate(o, rules, m)
	if err != nil {
		t.Fatalf("calculate: %v", err)
	}
	if !res.Items[0].FloatRatio.IsZero() {
		t.Errorf("effective ratio = %s, want 0", res.Items[0].FloatRatio)
	}
	if !res.Items[0].Reward.Equal(dec("10")) {
		t.Errorf("item reward = %s, want fixed 10", res.Items[0].Reward)
	}
}

func TestEvenShareAttributionForUnitemizedItems(t *testing.T) {
	rules := testRules()
	m := testMatrix(t, rules)

	// Two items, neither itemized: each attributes 3000/2 = 1500.
	// L1: 10 + 1500*1% = 25; L2: 30 + 1500*2% = 60
	o := order("3000",
		domain.LineItem{ID: "i1", Level: domain.LevelL1},
		domain.LineItem{ID: "i2", Level: domain.LevelL2},
	)

	res, err := Calculate(o, rules, m)
	if err != nil {
		t.Fatalf("calculate: %v", err)
	}
	if !res.Items[0].Attributable.Equal(dec("1500")) {
		t.Errorf("item 1 attributable = %s, want 1500", res.Items[0].Attributable)
	}
	if !res.Items[0].Reward.Equal(dec("25")) {
		t.Errorf("item 1 reward = %s, want 25", res.Items[0].Reward)
	}
	if !res.Items[1].Reward.Equal(dec("60")) {
		t.Errorf("item 2 reward = %s, want 60", res.Items[1].Reward)
	}
	if !res.Reward.Equal(dec("85")) {
		t.Errorf("reward = %s, want 85", res.Reward)
	}
}

func TestMixedAttributionUsesExplicitAmountWhenPresent(t *testing.T) {
	rules := testRules()
	m := testMatrix(t, rules)

	o := order("3000",
		domain.LineItem{ID: "i1", Level: domain.LevelL1, Amount: dec("500")},
		domain.LineItem{ID: "i2", Level: domain.LevelL1},
	)

	res, err := Calculate(o, rules, m)
	if err != nil {
		t.Fatalf("calculate: %v", err)
	}
	if !res.Items[0].Attributable.Equal(dec("500")) {
		t.Errorf("itemized attributable = %s, want 500", res.Items[0].Attributable)
	}
	if !res.Items[1].Attributable.Equal(dec("1500")) {
		t.Errorf("unitemized attributable = %s, want even share 1500", res.Items[1].Attributable)
	}
}

func TestPerItemCap(t *testing.T) {
	rules := testRules()
	m := testMatrix(t, rules)

	// L1 on a big attributable: 10 + 100000*1% = 1010, capped at 50.
	o := order("100000", domain.LineItem{ID: "i1", Level: domain.LevelL1, Amount: dec("100000")})

	res, err := Calculate(o, rules, m)
	if err != nil {
		t.Fatalf("calculate: %v", err)
	}
	if !res.Items[0].Capped || res.Items[0].CapReason != "item-cap" {
		t.Errorf("item should be capped by item-cap, got capped=%v reason=%q", res.Items[0].Capped, res.Items[0].CapReason)
	}
	if !res.Items[0].Reward.Equal(dec("50")) {
		t.Errorf("item reward = %s, want cap 50", res.Items[0].Reward)
	}
}

func TestLowTierRaisesItemCap(t *testing.T) {
	rules := testRules()
	m := testMatrix(t, rules)

	// Low tier raises the L1 cap by 20% to 60. Ratio is 1 - 0.5 = 0.5%.
	// 10 + 100000*0.5% = 510, capped at 60 instead of 50.
	o := order("100000", domain.LineItem{ID: "i1", Level: domain.LevelL1, Amount: dec("100000")})
	o.VehiclePrice = dec("50000")

	res, err := Calculate(o, rules, m)
	if err != nil {
		t.Fatalf("calculate: %v", err)
	}
	if !res.Items[0].Reward.Equal(dec("60")) {
		t.Errorf("item reward = %s, want raised cap 60", res.Items[0].Reward)
	}
}

func TestLowEndL4AmplifyCeiling(t *testing.T) {
	rules := testRules()
	m := testMatrix(t, rules)

	// Low tier L4: ratio 5 - 0.5 = 4.5%, 200 + 20000*4.5% = 1100.
	// Item cap raised to 1440 does not bind; the amplify ceiling
	// fixed*1.5 = 300 does.
	o := order("20000", domain.LineItem{ID: "i1", Level: domain.LevelL4, Amount: dec("20000")})
	o.VehiclePrice = dec("50000")

	res, err := Calculate(o, rules, m)
	if err != nil {
		t.Fatalf("calculate: %v", err)
	}
	if !res.Items[0].Capped || res.Items[0].CapReason != "l4-amplify" {
		t.Errorf("item should be capped by l4-amplify, got capped=%v reason=%q", res.Items[0].Capped, res.Items[0].CapReason)
	}
	if !res.Items[0].Reward.Equal(dec("300")) {
		t.Errorf("item reward = %s, want amplify ceiling 300", res.Items[0].Reward)
	}
}

func TestAmplifyCeilingOnlyOnLowTier(t *testing.T) {
	rules := testRules()
	m := testMatrix(t, rules)

	// Same order on a medium vehicle is not amplify-limited.
	o := order("20000", domain.LineItem{ID: "i1", Level: domain.LevelL4, Amount: dec("20000")})

	res, err := Calculate(o, rules, m)
	if err != nil {
		t.Fatalf("calculate: %v", err)
	}
	// 200 + 20000*5% = 1200, exactly the item cap
	if !res.Items[0].Reward.Equal(dec("1200")) {
		t.Errorf("item reward = %s, want 1200", res.Items[0].Reward)
	}
	if res.Items[0].CapReason == "l4-amplify" {
		t.Error("medium tier must not apply the l4 amplify ceiling")
	}
}

func TestOrderTierCap(t *testing.T) {
	rules := testRules()
	m := testMatrix(t, rules)

	// T2 order (total 5000) with two L3 items summing past the T2 cap 300.
	// Each: 80 + 5000*3% = 230, sum 460 -> capped at 300.
	o := order("5000",
		domain.LineItem{ID: "i1", Level: domain.LevelL3, Amount: dec("5000")},
		domain.LineItem{ID: "i2", Level: domain.LevelL3, Amount: dec("5000")},
	)

	res, err := Calculate(o, rules, m)
	if err != nil {
		t.Fatalf("calculate: %v", err)
	}
	if !res.RawReward.Equal(dec("460")) {
		t.Errorf("raw reward = %s, want 460", res.RawReward)
	}
	if !res.Reward.Equal(dec("300")) {
		t.Errorf("reward = %s, want tier cap 300", res.Reward)
	}
	if !res.CappedByTier {
		t.Error("reward should be flagged tier-capped")
	}
}

func TestUnknownLevelRejectsWholeOrder(t *testing.T) {
	rules := testRules()
	m := testMatrix(t, rules)

	o := order("2000",
		domain.LineItem{ID: "i1", Level: domain.LevelL1, Amount: dec("1000")},
		domain.LineItem{ID: "i2", Level: domain.LevelID("L9"), Amount: dec("1000")},
	)

	res, err := Calculate(o, rules, m)
	if !errors.Is(err, domain.ErrUnknownComplexityLevel) {
		t.Fatalf("expected ErrUnknownComplexityLevel, got %v", err)
	}
	if res != nil {
		t.Error("no partial result may be produced for a rejected order")
	}
}

func TestNoItemsYieldsZeroReward(t *testing.T) {
	rules := testRules()
	m := testMatrix(t, rules)

	res, err := Calculate(order("2000"), rules, m)
	if err != nil {
		t.Fatalf("calculate: %v", err)
	}
	if !res.Reward.IsZero() {
		t.Errorf("reward = %s, want 0", res.Reward)
	}
}

func TestRewardMonotonicInOrderAmount(t *testing.T) {
	rules := testRules()
	m := testMatrix(t, rules)

	prev := decimal.Zero
	for amount := int64(100); amount <= 50000; amount += 700 {
		o := order("0", domain.LineItem{ID: "i1", Level: domain.LevelL3, Amount: decimal.NewFromInt(amount)})
		o.TotalAmount = decimal.NewFromInt(amount)

		res, err := Calculate(o, rules, m)
		if err != nil {
			t.Fatalf("calculate(%d): %v", amount, err)
		}
		if res.Reward.IsNegative() {
			t.Fatalf("reward for amount %d is negative: %s", amount, res.Reward)
		}
		if res.Reward.LessThan(prev) {
			t.Fatalf("reward decreased at amount %d: %s < %s", amount, res.Reward, prev)
		}
		prev = res.Reward
	}
}
