// Package metrics exposes Prometheus instrumentation for the settlement
// engine.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// SettlementMetrics holds the engine's Prometheus collectors.
type SettlementMetrics struct {
	SettlementsTotal       prometheus.CounterVec
	SettlementErrorsTotal  prometheus.CounterVec
	RewardAmountTotal      prometheus.CounterVec
	CommissionAmountTotal  prometheus.CounterVec
	RewardTruncationsTotal prometheus.CounterVec

	ReleasesTotal      prometheus.CounterVec
	ReleaseAmountTotal prometheus.CounterVec
	RejectionsTotal    prometheus.CounterVec
	FreezesTotal       prometheus.CounterVec
	DelaysTotal        prometheus.CounterVec

	VerdictsTotal prometheus.CounterVec

	SettleDuration  prometheus.HistogramVec
	ReleaseDuration prometheus.HistogramVec
}

// NewSettlementMetrics registers and returns the engine collectors.
func NewSettlementMetrics() *SettlementMetrics {
	return &SettlementMetrics{
		SettlementsTotal: *promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kestrel_settlements_total",
				Help: "Settle passes completed, by tenant and order tier",
			},
			[]string{"tenant_id", "order_tier"},
		),

		SettlementErrorsTotal: *promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kestrel_settlement_errors_total",
				Help: "Settle passes rejected, by error kind",
			},
			[]string{"tenant_id", "error_kind"},
		),

		RewardAmountTotal: *promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kestrel_reward_amount_total",
				Help: "Total reward amount scheduled",
			},
			[]string{"tenant_id"},
		),

		CommissionAmountTotal: *promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kestrel_commission_amount_total",
				Help: "Total commission amount decided",
			},
			[]string{"tenant_id"},
		),

		RewardTruncationsTotal: *promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kestrel_reward_truncations_total",
				Help: "Reward truncations, by reason (tier_cap, red_line, monthly_cap)",
			},
			[]string{"tenant_id", "reason"},
		),

		ReleasesTotal: *promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kestrel_releases_total",
				Help: "Milestones released, by stage",
			},
			[]string{"tenant_id", "stage"},
		),

		ReleaseAmountTotal: *promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kestrel_release_amount_total",
				Help: "Total amount released",
			},
			[]string{"tenant_id"},
		),

		RejectionsTotal: *promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kestrel_rejections_total",
				Help: "Milestones rejected, by reason kind (blacklist, violation, verdict)",
			},
			[]string{"tenant_id", "reason"},
		),

		FreezesTotal: *promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kestrel_freezes_total",
				Help: "Milestones frozen for manual review, by reason kind (sampling, screen)",
			},
			[]string{"tenant_id", "reason"},
		),

		DelaysTotal: *promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kestrel_delays_total",
				Help: "Release attempts deferred by the freeze window",
			},
			[]string{"tenant_id"},
		),

		VerdictsTotal: *promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kestrel_verdicts_total",
				Help: "Review verdicts applied, by outcome",
			},
			[]string{"tenant_id", "verdict"},
		),

		SettleDuration: *promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "kestrel_settle_duration_seconds",
				Help:    "Settle pass duration",
				Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
			},
			[]string{"tenant_id"},
		),

		ReleaseDuration: *promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "kestrel_release_duration_seconds",
				Help:    "Release attempt duration",
				Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
			},
			[]string{"tenant_id"},
		),
	}
}

// RecordSettlement records a completed settle pass.
func (m *SettlementMetrics) RecordSettlement(tenantID, orderTier string, reward, commission float64, durationSeconds float64) {
	m.SettlementsTotal.WithLabelValues(tenantID, orderTier).Inc()
	m.RewardAmountTotal.WithLabelValues(tenantID).Add(reward)
	m.CommissionAmountTotal.WithLabelValues(tenantID).Add(commission)
	m.SettleDuration.WithLabelValues(tenantID).Observe(durationSeconds)
}

// RecordSettlementError records a settle pass failure.
func (m *SettlementMetrics) RecordSettlementError(tenantID, errorKind string) {
	m.SettlementErrorsTotal.WithLabelValues(tenantID, errorKind).Inc()
}

// RecordTruncation records a reward truncation.
func (m *SettlementMetrics) RecordTruncation(tenantID, reason string) {
	m.RewardTruncationsTotal.WithLabelValues(tenantID, reason).Inc()
}

// RecordRelease records a released milestone.
func (m *SettlementMetrics) RecordRelease(tenantID, stage string, amount, durationSeconds float64) {
	m.ReleasesTotal.WithLabelValues(tenantID, stage).Inc()
	m.ReleaseAmountTotal.WithLabelValues(tenantID).Add(amount)
	m.ReleaseDuration.WithLabelValues(tenantID).Observe(durationSeconds)
}

// RecordRejection records a rejected milestone.
func (m *SettlementMetrics) RecordRejection(tenantID, reason string) {
	m.RejectionsTotal.WithLabelValues(tenantID, reason).Inc()
}

// RecordFreeze records a frozen milestone.
func (m *SettlementMetrics) RecordFreeze(tenantID, reason string) {
	m.FreezesTotal.WithLabelValues(tenantID, reason).Inc()
}

// RecordDelay records a deferred release attempt.
func (m *SettlementMetrics) RecordDelay(tenantID string) {
	m.DelaysTotal.WithLabelValues(tenantID).Inc()
}

// RecordVerdict records an applied review verdict.
func (m *SettlementMetrics) RecordVerdict(tenantID, verdict string) {
	m.VerdictsTotal.WithLabelValues(tenantID, verdict).Inc()
}
