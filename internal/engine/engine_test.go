package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/openmotor/kestrel/internal/domain"
	"github.com/openmotor/kestrel/internal/fraud"
	"github.com/openmotor/kestrel/internal/ledger"
	"github.com/openmotor/kestrel/internal/schedule"
	"github.com/shopspring/decimal"
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

// memRepo is an in-memory Repository for engine tests.
type memRepo struct {
	mu            sync.Mutex
	orders        map[string]*domain.Order
	settlements   map[string]*domain.Settlement
	disbursements map[string]*domain.Disbursement
	rulesets      map[string]*domain.Ruleset
	activeVersion string
	blacklist     []*domain.BlacklistEntry
	violations    []*domain.Violation
	merchants     map[string]*domain.MerchantCompliance
	screens       []*domain.ScreenRule

	ledger []ledgerEntry
}

type ledgerEntry struct {
	userID string
	level  domain.LevelID
	amount decimal.Decimal
	at     time.Time
}

func newMemRepo() *memRepo {
	return &memRepo{
		orders:        make(map[string]*domain.Order),
		settlements:   make(map[string]*domain.Settlement),
		disbursements: make(map[string]*domain.Disbursement),
		rulesets:      make(map[string]*domain.Ruleset),
		merchants:     make(map[string]*domain.MerchantCompliance),
	}
}

func (r *memRepo) SaveOrder(ctx context.Context, tenantID string, o *domain.Order) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.orders[o.ID] = o
	return nil
}

func (r *memRepo) GetOrder(ctx context.Context, tenantID, orderID string) (*domain.Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.orders[orderID]
	if !ok {
		return nil, fmt.Errorf("order %s not found", orderID)
	}
	return o, nil
}

func (r *memRepo) SaveSettlement(ctx context.Context, tenantID string, s *domain.Settlement) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.settlements[s.OrderID] = s
	for _, d := range s.Disbursements {
		r.disbursements[d.ID] = d
	}
	return nil
}

func (r *memRepo) GetSettlement(ctx context.Context, tenantID, orderID string) (*domain.Settlement, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.settlements[orderID]
	if !ok {
		return nil, fmt.Errorf("settlement for order %s not found", orderID)
	}
	return s, nil
}

func (r *memRepo) GetDisbursement(ctx context.Context, tenantID, id string) (*domain.Disbursement, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.disbursements[id]
	if !ok {
		return nil, fmt.Errorf("disbursement %s not found", id)
	}
	return d, nil
}

func (r *memRepo) ListDisbursementsByOrder(ctx context.Context, tenantID, orderID string) ([]*domain.Disbursement, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*domain.Disbursement
	for _, d := range r.disbursements {
		if d.OrderID == orderID {
			out = append(out, d)
		}
	}
	return out, nil
}

func (r *memRepo) SetVerdict(ctx context.Context, tenantID, orderID string, stage domain.Stage, verdict domain.Verdict, at time.Time) (*domain.Disbursement, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, d := range r.disbursements {
		if d.OrderID == orderID && d.Stage == stage {
			if err := schedule.ApplyVerdict(d, verdict, at); err != nil {
				return nil, err
			}
			return d, nil
		}
	}
	return nil, fmt.Errorf("no disbursement for order %s stage %s", orderID, stage)
}

func (r *memRepo) ReleaseDisbursement(ctx context.Context, tenantID, id string, opts domain.ReleaseOptions) (*domain.ReleaseResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	d, ok := r.disbursements[id]
	if !ok {
		return nil, fmt.Errorf("disbursement %s not found", id)
	}
	if d.Status.Terminal() {
		return &domain.ReleaseResult{Applied: false, Amount: d.Amount, Disbursement: d}, nil
	}

	amount := d.Amount
	result := &domain.ReleaseResult{Applied: true}

	if opts.MonthlyCap.IsPositive() && d.Level == opts.CapLevel {
		since := opts.Now.Add(-opts.CapWindow)
		used := decimal.Zero
		for _, le := range r.ledger {
			if le.userID == d.UserID && le.level == opts.CapLevel && !le.at.Before(since) {
				used = used.Add(le.amount)
			}
		}
		headroom := opts.MonthlyCap.Sub(used)
		if headroom.IsNegative() {
			headroom = decimal.Zero
		}
		if amount.GreaterThan(headroom) {
			result.Truncated = true
			result.TruncatedBy = amount.Sub(headroom)
			amount = headroom
		}
	}

	d.Status = domain.StatusReleased
	d.Amount = amount
	tax := amount.Sub(opts.TaxFreeLimit)
	if tax.IsNegative() {
		tax = decimal.Zero
	}
	d.TaxDeducted = tax
	now := opts.Now
	d.ReleaseTime = &now

	r.ledger = append(r.ledger, ledgerEntry{d.UserID, d.Level, amount, opts.Now})

	result.Amount = amount
	result.TaxDeducted = tax
	result.Disbursement = d
	return result, nil
}

func (r *memRepo) FreezeDisbursement(ctx context.Context, tenantID, id, reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.disbursements[id]
	if !ok {
		return fmt.Errorf("disbursement %s not found", id)
	}
	if d.Status != domain.StatusPending {
		return fmt.Errorf("%w: disbursement %s", domain.ErrTerminalStatus, id)
	}
	d.Status = domain.StatusFrozen
	d.StatusReason = reason
	return nil
}

func (r *memRepo) RejectDisbursement(ctx context.Context, tenantID, id, reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.disbursements[id]
	if !ok {
		return fmt.Errorf("disbursement %s not found", id)
	}
	if d.Status.Terminal() {
		return fmt.Errorf("%w: disbursement %s", domain.ErrTerminalStatus, id)
	}
	d.Status = domain.StatusRejected
	d.StatusReason = reason
	d.Amount = decimal.Zero
	d.TaxDeducted = decimal.Zero
	return nil
}

func (r *memRepo) ReleasedAmountSince(ctx context.Context, tenantID, userID string, level domain.LevelID, since time.Time) (decimal.Decimal, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sum := decimal.Zero
	for _, le := range r.ledger {
		if le.userID == userID && le.level == level && !le.at.Before(since) {
			sum = sum.Add(le.amount)
		}
	}
	return sum, nil
}

func (r *memRepo) SaveRuleset(ctx context.Context, tenantID string, rs *domain.Ruleset) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rulesets[rs.Version] = rs
	if rs.Active {
		r.activeVersion = rs.Version
	}
	return nil
}

func (r *memRepo) GetRuleset(ctx context.Context, tenantID, version string) (*domain.Ruleset, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rulesets[version], nil
}

func (r *memRepo) GetActiveRuleset(ctx context.Context, tenantID string) (*domain.Ruleset, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rulesets[r.activeVersion], nil
}

func (r *memRepo) ListRulesets(ctx context.Context, tenantID string) ([]*domain.Ruleset, error) {
	return nil, nil
}

func (r *memRepo) ActivateRuleset(ctx context.Context, tenantID, version string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.activeVersion = version
	return nil
}

func (r *memRepo) SaveScreenRule(ctx context.Context, tenantID string, rule *domain.ScreenRule) error {
	r.screens = append(r.screens, rule)
	return nil
}

func (r *memRepo) ListScreenRules(ctx context.Context, tenantID string) ([]*domain.ScreenRule, error) {
	return r.screens, nil
}

func (r *memRepo) AddBlacklistEntry(ctx context.Context, tenantID string, entry *domain.BlacklistEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.blacklist = append(r.blacklist, entry)
	return nil
}

func (r *memRepo) BlacklistHit(ctx context.Context, tenantID string, keys map[string]string) (*domain.BlacklistEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.blacklist {
		if v, ok := keys[e.Kind]; ok && v == e.Value {
			return e, nil
		}
	}
	return nil, nil
}

func (r *memRepo) SaveViolation(ctx context.Context, tenantID string, v *domain.Violation) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.violations = append(r.violations, v)
	return nil
}

func (r *memRepo) MaxOpenViolationLevel(ctx context.Context, tenantID, targetKind, targetID string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	max := 0
	for _, v := range r.violations {
		if v.Open && v.TargetKind == targetKind && v.TargetID == targetID && v.Level > max {
			max = v.Level
		}
	}
	return max, nil
}

func (r *memRepo) SaveMerchantCompliance(ctx context.Context, tenantID string, mc *domain.MerchantCompliance) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.merchants[mc.MerchantID] = mc
	return nil
}

func (r *memRepo) GetMerchantCompliance(ctx context.Context, tenantID, merchantID string) (*domain.MerchantCompliance, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.merchants[merchantID], nil
}

func (r *memRepo) Ping(ctx context.Context) error { return nil }
func (r *memRepo) Close() error                   { return nil }

func testRuleset() *domain.Ruleset {
	return &domain.Ruleset{
		Version:  "v1",
		TenantID: "default",
		Reward: domain.RewardRules{
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
				{VehicleTier: domain.VehicleTierLow, Level: domain.CalibrationWildcard, Adjustment: dec("0")},
				{VehicleTier: domain.VehicleTierHigh, Level: domain.CalibrationWildcard, Adjustment: dec("-1")},
			},
			OrderTierCaps: domain.OrderTierCaps{
				Tier1: dec("100"), Tier2: dec("300"), Tier3: dec("800"), Tier4: dec("2000"),
			},
			LowEndL4Amplify:     dec("1.5"),
			VehicleTierLowCapUp: dec("20"),
		},
		Commission: domain.CommissionRules{
			Tier1Max: dec("5000"), Tier1Rate: dec("10"),
			Tier2Max: dec("20000"), Tier2Rate: dec("8"),
			Tier3Rate:    dec("6"),
			DownPercent:  dec("3"),
			DownMinRatio: dec("80"),
			UpPercent:    dec("4"),
			UpMaxRatio:   dec("130"),

			RedLinePercent: dec("100"),
		},
		Fraud: domain.FraudRules{
			L1MonthlyCap:   dec("500"),
			CapWindowDays:  30,
			L1L2FreezeDays: 0,
			L1L2SampleRate: dec("0"),
		},
		TaxFreeLimit: dec("800"),
		Active:       true,
		CreatedAt:    time.Now().UTC(),
	}
}

func newTestEngine(t *testing.T, repo *memRepo) *Engine {
	t.Helper()
	rs := testRuleset()
	if err := rs.Validate(); err != nil {
		t.Fatalf("test ruleset invalid: %v", err)
	}
	if err := repo.SaveRuleset(context.Background(), "default", rs); err != nil {
		t.Fatalf("save ruleset: %v", err)
	}

	gate := fraud.NewGate(nil)
	return New(repo, nil, nil, gate, ledger.NewService(repo, nil), nil, nil)
}

func lowTierL1Order(id string) *domain.Order {
	now := time.Now().UTC()
	return &domain.Order{
		ID:           id,
		TenantID:     "default",
		UserID:       "user-1",
		MerchantID:   "merch-1",
		Phone:        "13800000000",
		TotalAmount:  dec("800"),
		VehiclePrice: dec("50000"),
		Items:        []domain.LineItem{{ID: "i1", Level: domain.LevelL1}},
		Timestamp:    now,
		CreatedAt:    now,
	}
}

func TestSettleLowTierL1Order(t *testing.T) {
	repo := newMemRepo()
	e := newTestEngine(t, repo)
	ctx := context.Background()

	s, err := e.Settle(ctx, "default", lowTierL1Order("ord-a"))
	if err != nil {
		t.Fatalf("settle: %v", err)
	}

	if s.OrderTier != domain.OrderTier1 {
		t.Errorf("order tier = %s, want T1", s.OrderTier)
	}
	if s.VehicleTier != domain.VehicleTierLow {
		t.Errorf("vehicle tier = %s, want low", s.VehicleTier)
	}
	// 10 fixed + 800 * 1% = 18
	if !s.Reward.Equal(dec("18")) {
		t.Errorf("reward = %s, want 18", s.Reward)
	}
	if len(s.Disbursements) != 1 || s.Disbursements[0].Stage != domain.StageMain {
		t.Fatalf("want a single main-stage disbursement, got %d", len(s.Disbursements))
	}
	if !s.Disbursements[0].TaxDeducted.IsZero() {
		t.Error("no tax below the tax-free limit")
	}

	// Immediate release once the verdict passes: no freeze at 0 freeze days.
	d, err := e.ApplyVerdict(ctx, "default", "ord-a", domain.StageMain, domain.VerdictPass, time.Now().UTC())
	if err != nil {
		t.Fatalf("verdict: %v", err)
	}
	out, err := e.Release(ctx, "default", d.ID)
	if err != nil {
		t.Fatalf("release: %v", err)
	}
	if out.Outcome != fraud.OutcomeAllow || !out.Applied {
		t.Fatalf("outcome = %s applied=%v, want allow/applied", out.Outcome, out.Applied)
	}
	if !out.Amount.Equal(dec("18")) {
		t.Errorf("released amount = %s, want 18", out.Amount)
	}
}

func TestSettleHighTierL4OrderCapsAndSplits(t *testing.T) {
	repo := newMemRepo()
	e := newTestEngine(t, repo)
	ctx := context.Background()

	now := time.Now().UTC()
	order := &domain.Order{
		ID:           "ord-b",
		TenantID:     "default",
		UserID:       "user-2",
		MerchantID:   "merch-1",
		TotalAmount:  dec("15000"),
		VehiclePrice: dec("600000"),
		Items:        []domain.LineItem{{ID: "i1", Level: domain.LevelL4}},
		Timestamp:    now,
		CreatedAt:    now,
	}

	s, err := e.Settle(ctx, "default", order)
	if err != nil {
		t.Fatalf("settle: %v", err)
	}

	if s.OrderTier != domain.OrderTier3 || s.VehicleTier != domain.VehicleTierHigh {
		t.Errorf("tiers = %s/%s, want T3/high", s.OrderTier, s.VehicleTier)
	}
	// Calibration -1 on 5% base: 200 + 15000*4% = 800, equal to the T3 cap.
	if !s.Reward.Equal(dec("800")) {
		t.Errorf("reward = %s, want 800", s.Reward)
	}
	if len(s.Disbursements) != 2 {
		t.Fatalf("stages = %d, want 2", len(s.Disbursements))
	}
	if !s.Disbursements[0].Amount.Equal(dec("400")) || !s.Disbursements[1].Amount.Equal(dec("400")) {
		t.Errorf("split = %s/%s, want 400/400", s.Disbursements[0].Amount, s.Disbursements[1].Amount)
	}
}

func TestSettleUnknownLevelFails(t *testing.T) {
	repo := newMemRepo()
	e := newTestEngine(t, repo)

	order := lowTierL1Order("ord-x")
	order.Items = []domain.LineItem{{ID: "i1", Level: domain.LevelID("L9")}}

	_, err := e.Settle(context.Background(), "default", order)
	if !errors.Is(err, domain.ErrUnknownComplexityLevel) {
		t.Fatalf("expected ErrUnknownComplexityLevel, got %v", err)
	}
	if len(repo.settlements) != 0 {
		t.Error("failed settle must persist nothing")
	}
}

func TestReleaseRequiresPassedVerdict(t *testing.T) {
	repo := newMemRepo()
	e := newTestEngine(t, repo)
	ctx := context.Background()

	s, err := e.Settle(ctx, "default", lowTierL1Order("ord-c"))
	if err != nil {
		t.Fatalf("settle: %v", err)
	}

	_, err = e.Release(ctx, "default", s.Disbursements[0].ID)
	if !errors.Is(err, ErrVerdictRequired) {
		t.Fatalf("expected ErrVerdictRequired, got %v", err)
	}
}

func TestReleaseIsIdempotent(t *testing.T) {
	repo := newMemRepo()
	e := newTestEngine(t, repo)
	ctx := context.Background()

	s, err := e.Settle(ctx, "default", lowTierL1Order("ord-d"))
	if err != nil {
		t.Fatalf("settle: %v", err)
	}
	if _, err := e.ApplyVerdict(ctx, "default", "ord-d", domain.StageMain, domain.VerdictPass, time.Now().UTC()); err != nil {
		t.Fatalf("verdict: %v", err)
	}

	first, err := e.Release(ctx, "default", s.Disbursements[0].ID)
	if err != nil {
		t.Fatalf("first release: %v", err)
	}
	if !first.Applied {
		t.Fatal("first release must apply")
	}

	second, err := e.Release(ctx, "default", s.Disbursements[0].ID)
	if err != nil {
		t.Fatalf("second release: %v", err)
	}
	if second.Applied {
		t.Fatal("second release must be a no-op")
	}

	if got, _ := repo.ReleasedAmountSince(ctx, "default", "user-1", domain.LevelL1, time.Now().Add(-time.Hour)); !got.Equal(first.Amount) {
		t.Errorf("ledger sum = %s, want exactly one release of %s", got, first.Amount)
	}
}

func TestBlacklistedUserRejectedOnEveryMilestone(t *testing.T) {
	repo := newMemRepo()
	e := newTestEngine(t, repo)
	ctx := context.Background()

	if err := repo.AddBlacklistEntry(ctx, "default", &domain.BlacklistEntry{
		Kind: domain.BlacklistKindPhone, Value: "13800000000",
	}); err != nil {
		t.Fatalf("blacklist: %v", err)
	}

	s, err := e.Settle(ctx, "default", lowTierL1Order("ord-e"))
	if err != nil {
		t.Fatalf("settle: %v", err)
	}
	if _, err := e.ApplyVerdict(ctx, "default", "ord-e", domain.StageMain, domain.VerdictPass, time.Now().UTC()); err != nil {
		t.Fatalf("verdict: %v", err)
	}

	out, err := e.Release(ctx, "default", s.Disbursements[0].ID)
	if err != nil {
		t.Fatalf("release: %v", err)
	}
	if out.Outcome != fraud.OutcomeReject {
		t.Fatalf("outcome = %s, want reject", out.Outcome)
	}

	d, _ := repo.GetDisbursement(ctx, "default", s.Disbursements[0].ID)
	if d.Status != domain.StatusRejected || !d.Amount.IsZero() {
		t.Error("blacklisted milestone must end rejected with zero amount")
	}
}

func TestMonthlyCapTruncatesRelease(t *testing.T) {
	repo := newMemRepo()
	e := newTestEngine(t, repo)
	ctx := context.Background()

	// Pre-existing releases exhaust most of the 500 cap.
	repo.ledger = append(repo.ledger, ledgerEntry{"user-1", domain.LevelL1, dec("490"), time.Now().UTC()})

	s, err := e.Settle(ctx, "default", lowTierL1Order("ord-f"))
	if err != nil {
		t.Fatalf("settle: %v", err)
	}
	if _, err := e.ApplyVerdict(ctx, "default", "ord-f", domain.StageMain, domain.VerdictPass, time.Now().UTC()); err != nil {
		t.Fatalf("verdict: %v", err)
	}

	out, err := e.Release(ctx, "default", s.Disbursements[0].ID)
	if err != nil {
		t.Fatalf("release: %v", err)
	}
	if out.Outcome != fraud.OutcomeTruncate {
		t.Fatalf("outcome = %s, want truncate", out.Outcome)
	}
	// Reward 18, headroom 10.
	if !out.Amount.Equal(dec("10")) {
		t.Errorf("amount = %s, want headroom 10", out.Amount)
	}
	if !out.Applied {
		t.Error("truncated release still applies")
	}
}

func TestFailedVerdictRejectsMilestone(t *testing.T) {
	repo := newMemRepo()
	e := newTestEngine(t, repo)
	ctx := context.Background()

	s, err := e.Settle(ctx, "default", lowTierL1Order("ord-g"))
	if err != nil {
		t.Fatalf("settle: %v", err)
	}

	d, err := e.ApplyVerdict(ctx, "default", "ord-g", domain.StageMain, domain.VerdictFail, time.Now().UTC())
	if err != nil {
		t.Fatalf("verdict: %v", err)
	}
	if d.Status != domain.StatusRejected || !d.Amount.IsZero() {
		t.Error("failed verdict must reject with zero payout")
	}

	// Releasing a rejected record is a terminal no-op.
	out, err := e.Release(ctx, "default", s.Disbursements[0].ID)
	if err != nil {
		t.Fatalf("release: %v", err)
	}
	if out.Applied {
		t.Error("release on a terminal record must not apply")
	}
}

func TestRedLineTruncatesReward(t *testing.T) {
	repo := newMemRepo()
	rs := testRuleset()
	rs.Commission.RedLinePercent = dec("10")
	if err := repo.SaveRuleset(context.Background(), "default", rs); err != nil {
		t.Fatalf("save ruleset: %v", err)
	}
	e := New(repo, nil, nil, fraud.NewGate(nil), ledger.NewService(repo, nil), nil, nil)

	s, err := e.Settle(context.Background(), "default", lowTierL1Order("ord-h"))
	if err != nil {
		t.Fatalf("settle: %v", err)
	}

	// Commission 800*10% = 80; ceiling 10% of that is 8 < raw reward 18.
	if !s.CappedByRedLine {
		t.Fatal("expected red-line truncation")
	}
	if !s.Reward.Equal(dec("8")) {
		t.Errorf("reward = %s, want 8", s.Reward)
	}
	if !s.Commission.Amount.Equal(dec("80")) {
		t.Errorf("commission = %s, must never be reduced", s.Commission.Amount)
	}
}

func TestResolveAuditReleasesOrRejects(t *testing.T) {
	repo := newMemRepo()
	e := newTestEngine(t, repo)
	ctx := context.Background()

	s, err := e.Settle(ctx, "default", lowTierL1Order("ord-i"))
	if err != nil {
		t.Fatalf("settle: %v", err)
	}
	d := s.Disbursements[0]
	if _, err := e.ApplyVerdict(ctx, "default", "ord-i", domain.StageMain, domain.VerdictPass, time.Now().UTC()); err != nil {
		t.Fatalf("verdict: %v", err)
	}
	if err := repo.FreezeDisbursement(ctx, "default", d.ID, "sampled"); err != nil {
		t.Fatalf("freeze: %v", err)
	}

	out, err := e.ResolveAudit(ctx, "default", d.ID, true, "")
	if err != nil {
		t.Fatalf("resolve audit: %v", err)
	}
	if out.Outcome != fraud.OutcomeAllow || !out.Applied {
		t.Fatalf("outcome = %s applied=%v, want allow/applied", out.Outcome, out.Applied)
	}

	// Fail path on a fresh frozen record.
	s2, err := e.Settle(ctx, "default", lowTierL1Order("ord-j"))
	if err != nil {
		t.Fatalf("settle: %v", err)
	}
	d2 := s2.Disbursements[0]
	if err := repo.FreezeDisbursement(ctx, "default", d2.ID, "sampled"); err != nil {
		t.Fatalf("freeze: %v", err)
	}
	out2, err := e.ResolveAudit(ctx, "default", d2.ID, false, "fabricated reviews")
	if err != nil {
		t.Fatalf("resolve audit: %v", err)
	}
	if out2.Outcome != fraud.OutcomeReject {
		t.Fatalf("outcome = %s, want reject", out2.Outcome)
	}
}

func TestSampledFreezeReleasedByPassingAudit(t *testing.T) {
	repo := newMemRepo()
	rs := testRuleset()
	rs.Fraud.L1L2SampleRate = dec("100")
	if err := repo.SaveRuleset(context.Background(), "default", rs); err != nil {
		t.Fatalf("save ruleset: %v", err)
	}
	e := New(repo, nil, nil, fraud.NewGate(nil), ledger.NewService(repo, nil), nil, nil)
	ctx := context.Background()

	s, err := e.Settle(ctx, "default", lowTierL1Order("ord-l"))
	if err != nil {
		t.Fatalf("settle: %v", err)
	}
	d := s.Disbursements[0]
	if _, err := e.ApplyVerdict(ctx, "default", "ord-l", domain.StageMain, domain.VerdictPass, time.Now().UTC()); err != nil {
		t.Fatalf("verdict: %v", err)
	}

	// At a 100% sample rate the release attempt itself freezes the record.
	out, err := e.Release(ctx, "default", d.ID)
	if err != nil {
		t.Fatalf("release: %v", err)
	}
	if out.Outcome != fraud.OutcomeFreeze {
		t.Fatalf("outcome = %s, want freeze", out.Outcome)
	}
	frozen, _ := repo.GetDisbursement(ctx, "default", d.ID)
	if frozen.Status != domain.StatusFrozen {
		t.Fatalf("status = %s, want frozen", frozen.Status)
	}

	// A passing audit must release the frozen record, not re-sample it.
	resolved, err := e.ResolveAudit(ctx, "default", d.ID, true, "")
	if err != nil {
		t.Fatalf("resolve audit: %v", err)
	}
	if resolved.Outcome != fraud.OutcomeAllow || !resolved.Applied {
		t.Fatalf("outcome = %s applied=%v, want allow/applied", resolved.Outcome, resolved.Applied)
	}
	released, _ := repo.GetDisbursement(ctx, "default", d.ID)
	if released.Status != domain.StatusReleased {
		t.Errorf("status = %s, want released", released.Status)
	}
	if !released.Amount.Equal(dec("18")) {
		t.Errorf("released amount = %s, want 18", released.Amount)
	}
}

func TestSettleWithoutActiveRulesetFails(t *testing.T) {
	repo := newMemRepo()
	e := New(repo, nil, nil, fraud.NewGate(nil), ledger.NewService(repo, nil), nil, nil)

	_, err := e.Settle(context.Background(), "default", lowTierL1Order("ord-k"))
	if !errors.Is(err, ErrNoActiveRuleset) {
		t.Fatalf("expected ErrNoActiveRuleset, got %v", err)
	}
}
