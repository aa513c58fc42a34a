package schedule

import (
	"errors"
	"testing"
	"time"

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

var taxFree = decimal.NewFromInt(800)

func testOrder() *domain.Order {
	return &domain.Order{
		ID:       "ord-1",
		TenantID: "default",
		UserID:   "user-1",
		Items: []domain.LineItem{
			{ID: "i1", Level: domain.LevelL2},
			{ID: "i2", Level: domain.LevelL4},
		},
	}
}

func TestBuildSingleStageForLowTiers(t *testing.T) {
	now := time.Now().UTC()

	for _, tier := range []domain.OrderTier{domain.OrderTier1, domain.OrderTier2} {
		ds := Build(testOrder(), tier, dec("500"), taxFree, now)
		if len(ds) != 1 {
			t.Fatalf("tier %s: got %d stages, want 1", tier, len(ds))
		}
		if ds[0].Stage != domain.StageMain {
			t.Errorf("tier %s: stage = %s, want main", tier, ds[0].Stage)
		}
		if !ds[0].Amount.Equal(dec("500")) {
			t.Errorf("tier %s: amount = %s, want 500", tier, ds[0].Amount)
		}
		if ds[0].Status != domain.StatusPending || ds[0].Verdict != domain.VerdictNone {
			t.Errorf("tier %s: new record must be pending with no verdict", tier)
		}
	}
}

func TestBuildTier3Split(t *testing.T) {
	ds := Build(testOrder(), domain.OrderTier3, dec("800"), taxFree, time.Now().UTC())
	if len(ds) != 2 {
		t.Fatalf("got %d stages, want 2", len(ds))
	}
	if !ds[0].Amount.Equal(dec("400")) || !ds[1].Amount.Equal(dec("400")) {
		t.Errorf("split = %s/%s, want 400/400", ds[0].Amount, ds[1].Amount)
	}
	if ds[1].Stage != domain.StageOneMonth {
		t.Errorf("second stage = %s, want 1m", ds[1].Stage)
	}
}

func TestBuildTier4Split(t *testing.T) {
	ds := Build(testOrder(), domain.OrderTier4, dec("2000"), taxFree, time.Now().UTC())
	if len(ds) != 3 {
		t.Fatalf("got %d stages, want 3", len(ds))
	}
	wants := []string{"1000", "600", "400"}
	stages := []domain.Stage{domain.StageMain, domain.StageOneMonth, domain.StageThreeMonth}
	for i, d := range ds {
		if d.Stage != stages[i] {
			t.Errorf("stage %d = %s, want %s", i, d.Stage, stages[i])
		}
		if !d.Amount.Equal(dec(wants[i])) {
			t.Errorf("stage %s amount = %s, want %s", d.Stage, d.Amount, wants[i])
		}
	}
}

func TestStageAmountsSumExactly(t *testing.T) {
	// Awkward rewards that do not divide evenly; the remainder lands on
	// the last stage.
	rewards := []string{"0.01", "99.99", "333.33", "1000.01", "12345.67"}
	tiers := []domain.OrderTier{domain.OrderTier3, domain.OrderTier4}

	for _, tier := range tiers {
		for _, r := range rewards {
			reward := dec(r)
			ds := Build(testOrder(), tier, reward, taxFree, time.Now().UTC())

			sum := decimal.Zero
			for _, d := range ds {
				sum = sum.Add(d.Amount)
			}
			if !sum.Equal(reward) {
				t.Errorf("tier %s reward %s: stage sum = %s", tier, r, sum)
			}
		}
	}
}

func TestTaxDeduction(t *testing.T) {
	cases := []struct {
		amount string
		want   string
	}{
		{"500", "0"},
		{"800", "0"},
		{"800.01", "0.01"},
		{"1000", "200"},
	}

	for _, c := range cases {
		ds := Build(testOrder(), domain.OrderTier1, dec(c.amount), taxFree, time.Now().UTC())
		if !ds[0].TaxDeducted.Equal(dec(c.want)) {
			t.Errorf("taxDeducted(%s) = %s, want %s", c.amount, ds[0].TaxDeducted, c.want)
		}
		// The deduction is recorded, not subtracted.
		if !ds[0].Amount.Equal(dec(c.amount)) {
			t.Errorf("amount(%s) = %s, deduction must not reduce it", c.amount, ds[0].Amount)
		}
	}
}

func TestResolvedLevelCarriedOntoRecords(t *testing.T) {
	ds := Build(testOrder(), domain.OrderTier3, dec("100"), taxFree, time.Now().UTC())
	for _, d := range ds {
		if d.Level != domain.LevelL4 {
			t.Errorf("level = %s, want highest item level L4", d.Level)
		}
	}
}

func TestApplyVerdictPass(t *testing.T) {
	ds := Build(testOrder(), domain.OrderTier1, dec("100"), taxFree, time.Now().UTC())
	at := time.Now().UTC()

	if err := ApplyVerdict(ds[0], domain.VerdictPass, at); err != nil {
		t.Fatalf("apply verdict: %v", err)
	}
	if !ds[0].Payable() {
		t.Error("record with passed verdict should be payable")
	}
	if ds[0].VerdictAt == nil || !ds[0].VerdictAt.Equal(at) {
		t.Error("verdict time not recorded")
	}
}

func TestApplyVerdictFailRejectsWithZeroPayout(t *testing.T) {
	ds := Build(testOrder(), domain.OrderTier1, dec("1000"), taxFree, time.Now().UTC())

	if err := ApplyVerdict(ds[0], domain.VerdictFail, time.Now().UTC()); err != nil {
		t.Fatalf("apply verdict: %v", err)
	}
	if ds[0].Status != domain.StatusRejected {
		t.Errorf("status = %s, want rejected", ds[0].Status)
	}
	if !ds[0].Amount.IsZero() || !ds[0].TaxDeducted.IsZero() {
		t.Error("rejected milestone must carry zero payout")
	}
}

func TestVerdictDoesNotRollForward(t *testing.T) {
	ds := Build(testOrder(), domain.OrderTier3, dec("800"), taxFree, time.Now().UTC())

	if err := ApplyVerdict(ds[0], domain.VerdictFail, time.Now().UTC()); err != nil {
		t.Fatalf("apply verdict: %v", err)
	}
	if ds[1].Status != domain.StatusPending || ds[1].Verdict != domain.VerdictNone {
		t.Error("later milestone must be untouched by an earlier stage's verdict")
	}
}

func TestApplyVerdictOnTerminalRecord(t *testing.T) {
	ds := Build(testOrder(), domain.OrderTier1, dec("100"), taxFree, time.Now().UTC())
	ds[0].Status = domain.StatusRejected

	err := ApplyVerdict(ds[0], domain.VerdictPass, time.Now().UTC())
	if !errors.Is(err, domain.ErrTerminalStatus) {
		t.Fatalf("expected ErrTerminalStatus, got %v", err)
	}
}

func TestTransitions(t *testing.T) {
	now := time.Now().UTC()

	cases := []struct {
		from, to domain.Status
		ok       bool
	}{
		{domain.StatusPending, domain.StatusFrozen, true},
		{domain.StatusPending, domain.StatusReleased, true},
		{domain.StatusPending, domain.StatusRejected, true},
		{domain.StatusFrozen, domain.StatusReleased, true},
		{domain.StatusFrozen, domain.StatusRejected, true},
		{domain.StatusFrozen, domain.StatusPending, false},
		{domain.StatusReleased, domain.StatusRejected, false},
		{domain.StatusRejected, domain.StatusReleased, false},
	}

	for _, c := range cases {
		d := &domain.Disbursement{ID: "d1", Status: c.from}
		err := Transition(d, c.to, "test", now)
		if c.ok && err != nil {
			t.Errorf("%s -> %s: unexpected error %v", c.from, c.to, err)
		}
		if !c.ok && err == nil {
			t.Errorf("%s -> %s: expected error", c.from, c.to)
		}
	}
}

func TestTransitionToReleasedStampsTime(t *testing.T) {
	now := time.Now().UTC()
	d := &domain.Disbursement{ID: "d1", Status: domain.StatusPending}

	if err := Transition(d, domain.StatusReleased, "", now); err != nil {
		t.Fatalf("transition: %v", err)
	}
	if d.ReleaseTime == nil || !d.ReleaseTime.Equal(now) {
		t.Error("release time not stamped")
	}
}
