// Package engine orchestrates the settle and release pipelines.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/openmotor/kestrel/internal/calibration"
	"github.com/openmotor/kestrel/internal/commission"
	"github.com/openmotor/kestrel/internal/domain"
	"github.com/openmotor/kestrel/internal/fraud"
	"github.com/openmotor/kestrel/internal/ledger"
	"github.com/openmotor/kestrel/internal/metrics"
	"github.com/openmotor/kestrel/internal/reward"
	"github.com/openmotor/kestrel/internal/schedule"
	"github.com/shopspring/decimal"
)

// ErrVerdictRequired is returned when a release is attempted before the
// milestone's review verdict has passed.
var ErrVerdictRequired = errors.New("milestone verdict has not passed")

// ErrNoActiveRuleset is returned when a tenant has no active snapshot.
var ErrNoActiveRuleset = errors.New("no active ruleset")

const rulesetCacheTTL = 5 * time.Minute

// Unknown merchants take the base commission rate unmodified; these
// neutral rates satisfy neither the up nor the down condition.
var (
	neutralComplianceRate = decimal.NewFromInt(90)
	neutralComplaintRate  = decimal.NewFromInt(2)
)

// Engine runs settle passes and gated milestone releases.
type Engine struct {
	repo    domain.Repository
	cache   domain.Cache
	bus     domain.EventBus
	gate    *fraud.Gate
	ledger  *ledger.Service
	metrics *metrics.SettlementMetrics
	logger  *slog.Logger
}

// New creates the settlement engine. Cache, bus and metrics are optional.
func New(repo domain.Repository, cache domain.Cache, bus domain.EventBus, gate *fraud.Gate, ldg *ledger.Service, m *metrics.SettlementMetrics, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		repo:    repo,
		cache:   cache,
		bus:     bus,
		gate:    gate,
		ledger:  ldg,
		metrics: m,
		logger:  logger,
	}
}

// ActiveRuleset loads the tenant's active snapshot, cache first.
func (e *Engine) ActiveRuleset(ctx context.Context, tenantID string) (*domain.Ruleset, error) {
	if e.cache != nil {
		if rs, err := e.cache.GetRuleset(ctx, tenantID, "active"); err == nil && rs != nil {
			return rs, nil
		}
	}

	rs, err := e.repo.GetActiveRuleset(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	if rs == nil {
		return nil, ErrNoActiveRuleset
	}

	if e.cache != nil {
		if err := e.cache.SetRuleset(ctx, tenantID, rs, rulesetCacheTTL); err != nil {
			e.logger.Warn("failed to cache ruleset", "tenant_id", tenantID, "error", err)
		}
	}
	return rs, nil
}

// Settle runs one full settle pass for an order: classification,
// calibration, reward, commission, red line and milestone scheduling. The
// pass fully succeeds or fully fails; nothing partial is persisted.
func (e *Engine) Settle(ctx context.Context, tenantID string, order *domain.Order) (*domain.Settlement, error) {
	start := time.Now()

	rs, err := e.ActiveRuleset(ctx, tenantID)
	if err != nil {
		e.recordSettleError(tenantID, "ruleset")
		return nil, err
	}

	matrix, err := calibration.New(rs.Reward.Calibration)
	if err != nil {
		e.recordSettleError(tenantID, "configuration")
		return nil, err
	}

	rw, err := reward.Calculate(order, &rs.Reward, matrix)
	if err != nil {
		e.recordSettleError(tenantID, "input")
		return nil, err
	}

	compliance, err := e.complianceSnapshot(ctx, tenantID, order)
	if err != nil {
		e.recordSettleError(tenantID, "compliance")
		return nil, fmt.Errorf("failed to read compliance snapshot: %w", err)
	}

	decision := commission.Calculate(order.TotalAmount, &rs.Commission, compliance)

	finalReward, redLined := commission.ApplyRedLine(rw.Reward, &decision, &rs.Commission)

	now := time.Now().UTC()
	settlement := &domain.Settlement{
		ID:              uuid.NewString(),
		TenantID:        tenantID,
		OrderID:         order.ID,
		OrderTier:       rw.OrderTier,
		VehicleTier:     rw.VehicleTier,
		RawReward:       rw.RawReward,
		Reward:          finalReward,
		CappedByTier:    rw.CappedByTier,
		CappedByRedLine: redLined,
		Commission:      decision,
		Disbursements:   schedule.Build(order, rw.OrderTier, finalReward, rs.TaxFreeLimit, now),
		RulesetVersion:  rs.Version,
		CreatedAt:       now,
	}

	if err := e.repo.SaveOrder(ctx, tenantID, order); err != nil {
		e.recordSettleError(tenantID, "storage")
		return nil, fmt.Errorf("failed to save order: %w", err)
	}
	if err := e.repo.SaveSettlement(ctx, tenantID, settlement); err != nil {
		e.recordSettleError(tenantID, "storage")
		return nil, fmt.Errorf("failed to save settlement: %w", err)
	}

	if e.metrics != nil {
		rewardF, _ := finalReward.Float64()
		commissionF, _ := decision.Amount.Float64()
		e.metrics.RecordSettlement(tenantID, rw.OrderTier.String(), rewardF, commissionF, time.Since(start).Seconds())
		if rw.CappedByTier {
			e.metrics.RecordTruncation(tenantID, "tier_cap")
		}
		if redLined {
			e.metrics.RecordTruncation(tenantID, "red_line")
		}
	}

	e.publish(ctx, tenantID, domain.TopicSettlementCreated, settlement)
	if redLined {
		e.logger.Warn("reward truncated by red line",
			"tenant_id", tenantID,
			"order_id", order.ID,
			"raw_reward", rw.Reward.String(),
			"reward", finalReward.String(),
			"commission", decision.Amount.String())
		e.publish(ctx, tenantID, domain.TopicRedLineTruncated, settlement)
	}

	e.logger.Info("settlement created",
		"tenant_id", tenantID,
		"order_id", order.ID,
		"order_tier", rw.OrderTier.String(),
		"vehicle_tier", string(rw.VehicleTier),
		"reward", finalReward.String(),
		"commission_rate", decision.Rate.String(),
		"stages", len(settlement.Disbursements),
		"duration_ms", time.Since(start).Milliseconds())

	return settlement, nil
}

// ApplyVerdict records a review-stage verdict for (order, stage). A fail
// rejects the milestone with zero payout; it never rolls forward.
func (e *Engine) ApplyVerdict(ctx context.Context, tenantID, orderID string, stage domain.Stage, verdict domain.Verdict, at time.Time) (*domain.Disbursement, error) {
	if !stage.Valid() {
		return nil, fmt.Errorf("invalid stage %q", stage)
	}
	if verdict != domain.VerdictPass && verdict != domain.VerdictFail {
		return nil, fmt.Errorf("invalid verdict %q", verdict)
	}

	d, err := e.repo.SetVerdict(ctx, tenantID, orderID, stage, verdict, at)
	if err != nil {
		return nil, err
	}

	if e.metrics != nil {
		e.metrics.RecordVerdict(tenantID, string(verdict))
	}
	if verdict == domain.VerdictFail && e.metrics != nil {
		e.metrics.RecordRejection(tenantID, "verdict")
	}

	e.publish(ctx, tenantID, domain.TopicVerdictReceived, d)

	e.logger.Info("verdict applied",
		"tenant_id", tenantID,
		"order_id", orderID,
		"stage", string(stage),
		"verdict", string(verdict))

	return d, nil
}

// ReleaseOutcome is the result of a gated release attempt.
type ReleaseOutcome struct {
	Outcome fraud.Outcome   `json:"outcome"`
	Reason  string          `json:"reason,omitempty"`
	Amount  decimal.Decimal `json:"amount"`

	// ReleaseAfter is set when the freeze window deferred the attempt.
	ReleaseAfter *time.Time `json:"releaseAfter,omitempty"`

	// Applied reports that a state transition was persisted.
	Applied bool `json:"applied"`

	Disbursement *domain.Disbursement `json:"disbursement,omitempty"`
}

// Release attempts to release one milestone through the anti-fraud gate.
// Releasing an already-released record is an idempotent no-op.
func (e *Engine) Release(ctx context.Context, tenantID, disbursementID string) (*ReleaseOutcome, error) {
	start := time.Now()

	d, err := e.repo.GetDisbursement(ctx, tenantID, disbursementID)
	if err != nil {
		return nil, err
	}

	if d.Status.Terminal() {
		return &ReleaseOutcome{
			Outcome:      outcomeForTerminal(d.Status),
			Reason:       "already " + string(d.Status),
			Amount:       d.Amount,
			Applied:      false,
			Disbursement: d,
		}, nil
	}
	if d.Verdict != domain.VerdictPass {
		return nil, fmt.Errorf("%w: disbursement %s", ErrVerdictRequired, d.ID)
	}

	order, err := e.repo.GetOrder(ctx, tenantID, d.OrderID)
	if err != nil {
		return nil, fmt.Errorf("failed to load order %s: %w", d.OrderID, err)
	}

	rs, err := e.ActiveRuleset(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	compliance, err := e.complianceSnapshot(ctx, tenantID, order)
	if err != nil {
		return nil, fmt.Errorf("failed to read compliance snapshot: %w", err)
	}

	released := decimal.Zero
	if d.Level == domain.LevelL1 && e.ledger != nil {
		released, err = e.ledger.ReleasedInWindow(ctx, tenantID, d.UserID, domain.LevelL1, rs.Fraud.CapWindowDays)
		if err != nil {
			return nil, fmt.Errorf("failed to read release ledger: %w", err)
		}
	}

	decision := e.gate.Check(&fraud.Input{
		Disbursement:     d,
		Compliance:       compliance,
		ReleasedInWindow: released,
		Rules:            &rs.Fraud,
		Now:              time.Now().UTC(),
	})

	outcome, err := e.applyGateDecision(ctx, tenantID, d, rs, decision)
	if err != nil {
		return nil, err
	}

	didRelease := outcome.Outcome == fraud.OutcomeAllow || outcome.Outcome == fraud.OutcomeTruncate
	if e.metrics != nil && outcome.Applied && didRelease {
		amountF, _ := outcome.Amount.Float64()
		e.metrics.RecordRelease(tenantID, string(d.Stage), amountF, time.Since(start).Seconds())
	}

	e.logger.Info("release evaluated",
		"tenant_id", tenantID,
		"disbursement_id", d.ID,
		"order_id", d.OrderID,
		"stage", string(d.Stage),
		"outcome", string(outcome.Outcome),
		"reason", outcome.Reason,
		"amount", outcome.Amount.String(),
		"applied", outcome.Applied)

	return outcome, nil
}

func (e *Engine) applyGateDecision(ctx context.Context, tenantID string, d *domain.Disbursement, rs *domain.Ruleset, decision *fraud.Decision) (*ReleaseOutcome, error) {
	out := &ReleaseOutcome{
		Outcome:      decision.Outcome,
		Reason:       decision.Reason,
		Amount:       decision.Amount,
		ReleaseAfter: decision.ReleaseAfter,
	}

	switch decision.Outcome {
	case fraud.OutcomeReject:
		if err := e.repo.RejectDisbursement(ctx, tenantID, d.ID, decision.Reason); err != nil {
			return nil, err
		}
		out.Applied = true
		if e.metrics != nil {
			e.metrics.RecordRejection(tenantID, rejectKind(decision.Reason))
		}
		e.publish(ctx, tenantID, domain.TopicDisbursementRejected, d)

	case fraud.OutcomeFreeze:
		if err := e.repo.FreezeDisbursement(ctx, tenantID, d.ID, decision.Reason); err != nil {
			return nil, err
		}
		out.Applied = true
		if e.metrics != nil {
			reason := "sampling"
			if decision.ScreenID != "" {
				reason = "screen"
			}
			e.metrics.RecordFreeze(tenantID, reason)
		}
		e.publish(ctx, tenantID, domain.TopicDisbursementFrozen, d)

	case fraud.OutcomeDelay:
		if e.metrics != nil {
			e.metrics.RecordDelay(tenantID)
		}

	case fraud.OutcomeAllow, fraud.OutcomeTruncate:
		result, err := e.repo.ReleaseDisbursement(ctx, tenantID, d.ID, domain.ReleaseOptions{
			Now:          time.Now().UTC(),
			MonthlyCap:   rs.Fraud.L1MonthlyCap,
			CapWindow:    time.Duration(rs.Fraud.CapWindowDays) * 24 * time.Hour,
			CapLevel:     domain.LevelL1,
			TaxFreeLimit: rs.TaxFreeLimit,
		})
		if err != nil {
			return nil, err
		}

		out.Applied = result.Applied
		out.Amount = result.Amount
		out.Disbursement = result.Disbursement
		if result.Truncated {
			out.Outcome = fraud.OutcomeTruncate
			out.Reason = "monthly cap: withheld " + result.TruncatedBy.String()
			if e.metrics != nil {
				e.metrics.RecordTruncation(tenantID, "monthly_cap")
			}
		}

		if result.Applied {
			if e.ledger != nil {
				if err := e.ledger.RecordRelease(ctx, tenantID, d.UserID, d.Level, result.Amount, rs.Fraud.CapWindowDays); err != nil {
					e.logger.Warn("failed to mirror release counter",
						"tenant_id", tenantID, "disbursement_id", d.ID, "error", err)
				}
			}
			e.publish(ctx, tenantID, domain.TopicDisbursementReleased, result.Disbursement)
		}
	}

	if out.Disbursement == nil {
		out.Disbursement = d
	}
	return out, nil
}

// ResolveAudit resolves a frozen record after the manual review outcome
// arrives: pass releases, fail rejects.
func (e *Engine) ResolveAudit(ctx context.Context, tenantID, disbursementID string, pass bool, reason string) (*ReleaseOutcome, error) {
	d, err := e.repo.GetDisbursement(ctx, tenantID, disbursementID)
	if err != nil {
		return nil, err
	}
	if d.Status != domain.StatusFrozen {
		return nil, fmt.Errorf("disbursement %s is %s, audit resolution requires frozen", d.ID, d.Status)
	}

	e.publish(ctx, tenantID, domain.TopicAuditResolved, d)

	if !pass {
		if reason == "" {
			reason = "manual audit failed"
		}
		if err := e.repo.RejectDisbursement(ctx, tenantID, d.ID, reason); err != nil {
			return nil, err
		}
		if e.metrics != nil {
			e.metrics.RecordRejection(tenantID, "audit")
		}
		e.publish(ctx, tenantID, domain.TopicDisbursementRejected, d)
		return &ReleaseOutcome{
			Outcome:      fraud.OutcomeReject,
			Reason:       reason,
			Amount:       decimal.Zero,
			Applied:      true,
			Disbursement: d,
		}, nil
	}

	return e.Release(ctx, tenantID, disbursementID)
}

// complianceSnapshot assembles the immutable compliance state the gate and
// commission calculator evaluate against.
func (e *Engine) complianceSnapshot(ctx context.Context, tenantID string, order *domain.Order) (*domain.ComplianceSnapshot, error) {
	snap := &domain.ComplianceSnapshot{
		MerchantID:     order.MerchantID,
		UserID:         order.UserID,
		ComplianceRate: neutralComplianceRate,
		ComplaintRate:  neutralComplaintRate,
		TakenAt:        time.Now().UTC(),
	}

	keys := map[string]string{domain.BlacklistKindUser: order.UserID}
	if order.Phone != "" {
		keys[domain.BlacklistKindPhone] = order.Phone
	}
	if order.DeviceID != "" {
		keys[domain.BlacklistKindDevice] = order.DeviceID
	}
	if order.IDCard != "" {
		keys[domain.BlacklistKindIDCard] = order.IDCard
	}

	hit, err := e.repo.BlacklistHit(ctx, tenantID, keys)
	if err != nil {
		return nil, err
	}
	if hit != nil {
		snap.Blacklisted = true
		snap.BlacklistedBy = hit.Kind
	}

	userLevel, err := e.repo.MaxOpenViolationLevel(ctx, tenantID, domain.TargetUser, order.UserID)
	if err != nil {
		return nil, err
	}
	snap.UserViolationLevel = userLevel

	if order.MerchantID != "" {
		merchantLevel, err := e.repo.MaxOpenViolationLevel(ctx, tenantID, domain.TargetMerchant, order.MerchantID)
		if err != nil {
			return nil, err
		}
		snap.MerchantViolationLevel = merchantLevel

		mc, err := e.repo.GetMerchantCompliance(ctx, tenantID, order.MerchantID)
		if err != nil {
			return nil, err
		}
		if mc != nil {
			snap.ComplianceRate = mc.ComplianceRate
			snap.ComplaintRate = mc.ComplaintRate
		}
	}

	return snap, nil
}

func (e *Engine) publish(ctx context.Context, tenantID, topic string, payload any) {
	if e.bus == nil {
		return
	}
	data, err := json.Marshal(payload)
	if err != nil {
		e.logger.Warn("failed to marshal event", "topic", topic, "error", err)
		return
	}
	if err := e.bus.Publish(ctx, tenantID, topic, data); err != nil {
		e.logger.Warn("failed to publish event", "topic", topic, "error", err)
	}
}

func (e *Engine) recordSettleError(tenantID, kind string) {
	if e.metrics != nil {
		e.metrics.RecordSettlementError(tenantID, kind)
	}
}

func outcomeForTerminal(s domain.Status) fraud.Outcome {
	if s == domain.StatusReleased {
		return fraud.OutcomeAllow
	}
	return fraud.OutcomeReject
}

func rejectKind(reason string) string {
	if len(reason) >= 11 && reason[:11] == "blacklisted" {
		return "blacklist"
	}
	return "violation"
}
