// Package worker provides async settlement processing from the EventBus.
package worker

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/openmotor/kestrel/internal/domain"
	"github.com/openmotor/kestrel/internal/engine"
	"github.com/openmotor/kestrel/internal/fraud"
)

// Worker drives the settlement pipeline from bus events: submitted orders
// become settle passes, and pass verdicts trigger release attempts.
type Worker struct {
	bus    domain.EventBus
	engine *engine.Engine

	subscriptions []domain.Subscription
	wg            sync.WaitGroup
	ctx           context.Context
	cancel        context.CancelFunc
}

// Config holds worker configuration.
type Config struct {
	// TenantIDs is the list of tenants to process (empty = global worker)
	TenantIDs []string
}

// NewWorker creates a new async worker.
func NewWorker(bus domain.EventBus, eng *engine.Engine) *Worker {
	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		bus:    bus,
		engine: eng,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start begins processing messages for the given tenants.
func (w *Worker) Start(cfg Config) error {
	if len(cfg.TenantIDs) == 0 {
		return w.startGlobalWorker()
	}

	for _, tenantID := range cfg.TenantIDs {
		if err := w.startTenantWorker(tenantID); err != nil {
			slog.Error("failed to start worker for tenant",
				"tenant_id", tenantID,
				"error", err,
			)
			continue
		}
	}

	slog.Info("workers started",
		"tenant_count", len(cfg.TenantIDs),
	)

	return nil
}

// startGlobalWorker starts a worker that processes all tenants (for testing/dev).
func (w *Worker) startGlobalWorker() error {
	// Subscribe using a special "global" tenant ID
	// In production, you'd want to subscribe with wildcards or JetStream
	orderSub, err := w.bus.Subscribe(w.ctx, "_global", domain.TopicOrderSubmitted, func(ctx context.Context, msg *domain.Message) error {
		return w.processOrder(ctx, msg.TenantID, msg)
	})
	if err != nil {
		return err
	}
	w.subscriptions = append(w.subscriptions, orderSub)

	verdictSub, err := w.bus.Subscribe(w.ctx, "_global", domain.TopicVerdictReceived, func(ctx context.Context, msg *domain.Message) error {
		return w.processVerdict(ctx, msg.TenantID, msg)
	})
	if err != nil {
		return err
	}
	w.subscriptions = append(w.subscriptions, verdictSub)

	slog.Info("global worker started")
	return nil
}

// startTenantWorker starts workers for a specific tenant.
func (w *Worker) startTenantWorker(tenantID string) error {
	orderSub, err := w.bus.Subscribe(w.ctx, tenantID, domain.TopicOrderSubmitted, func(ctx context.Context, msg *domain.Message) error {
		return w.processOrder(ctx, tenantID, msg)
	})
	if err != nil {
		return err
	}
	w.subscriptions = append(w.subscriptions, orderSub)

	verdictSub, err := w.bus.Subscribe(w.ctx, tenantID, domain.TopicVerdictReceived, func(ctx context.Context, msg *domain.Message) error {
		return w.processVerdict(ctx, tenantID, msg)
	})
	if err != nil {
		return err
	}
	w.subscriptions = append(w.subscriptions, verdictSub)

	slog.Info("tenant worker started",
		"tenant_id", tenantID,
		"topics", []string{domain.TopicOrderSubmitted, domain.TopicVerdictReceived},
	)

	return nil
}

// OrderMessage is the payload for async order submission.
type OrderMessage struct {
	TenantID string `json:"tenantId,omitempty"`
	domain.OrderRequest
}

// processOrder runs a settle pass for a submitted order.
func (w *Worker) processOrder(ctx context.Context, tenantID string, msg *domain.Message) error {
	start := time.Now()

	var orderMsg OrderMessage
	if err := json.Unmarshal(msg.Payload, &orderMsg); err != nil {
		slog.Error("failed to parse order message",
			"message_id", msg.ID,
			"error", err,
		)
		return err
	}

	// Use message tenant if provided
	if orderMsg.TenantID != "" {
		tenantID = orderMsg.TenantID
	}

	order := orderMsg.ToOrder(tenantID)

	settlement, err := w.engine.Settle(ctx, tenantID, order)
	if err != nil {
		slog.Error("settle pass failed",
			"order_id", order.ID,
			"tenant_id", tenantID,
			"error", err,
		)
		return err
	}

	slog.Info("order settled",
		"order_id", order.ID,
		"tenant_id", tenantID,
		"order_tier", settlement.OrderTier.String(),
		"reward", settlement.Reward.String(),
		"duration_ms", time.Since(start).Milliseconds(),
	)

	return nil
}

// processVerdict attempts a release when a milestone's verdict passes. A
// fail verdict already rejected the milestone; nothing to do here.
func (w *Worker) processVerdict(ctx context.Context, tenantID string, msg *domain.Message) error {
	var d domain.Disbursement
	if err := json.Unmarshal(msg.Payload, &d); err != nil {
		slog.Error("failed to parse verdict message",
			"message_id", msg.ID,
			"error", err,
		)
		return err
	}

	if d.TenantID != "" {
		tenantID = d.TenantID
	}
	if d.Verdict != domain.VerdictPass {
		return nil
	}

	outcome, err := w.engine.Release(ctx, tenantID, d.ID)
	if err != nil {
		slog.Error("release attempt failed",
			"disbursement_id", d.ID,
			"tenant_id", tenantID,
			"error", err,
		)
		return err
	}

	switch outcome.Outcome {
	case fraud.OutcomeDelay:
		// The freeze window has not elapsed; the release endpoint or a
		// later verdict replay picks it up after ReleaseAfter.
		slog.Info("release deferred",
			"disbursement_id", d.ID,
			"tenant_id", tenantID,
			"release_after", outcome.ReleaseAfter,
		)
	default:
		slog.Info("release attempt finished",
			"disbursement_id", d.ID,
			"tenant_id", tenantID,
			"outcome", string(outcome.Outcome),
			"applied", outcome.Applied,
			"reason", outcome.Reason,
		)
	}

	return nil
}

// Stop gracefully stops all workers.
func (w *Worker) Stop() error {
	w.cancel()

	// Unsubscribe all
	for _, sub := range w.subscriptions {
		if err := sub.Unsubscribe(); err != nil {
			slog.Error("failed to unsubscribe",
				"topic", sub.Topic(),
				"error", err,
			)
		}
	}
	w.subscriptions = nil

	w.wg.Wait()

	slog.Info("workers stopped")
	return nil
}

// Stats returns worker statistics.
type Stats struct {
	SubscriptionCount int      `json:"subscriptionCount"`
	Topics            []string `json:"topics"`
}

// GetStats returns current worker statistics.
func (w *Worker) GetStats() Stats {
	topics := make([]string, len(w.subscriptions))
	for i, sub := range w.subscriptions {
		topics[i] = sub.Topic()
	}
	return Stats{
		SubscriptionCount: len(w.subscriptions),
		Topics:            topics,
	}
}
