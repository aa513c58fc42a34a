package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/openmotor/kestrel/internal/domain"
	"github.com/openmotor/kestrel/internal/engine"
	"github.com/openmotor/kestrel/internal/fraud"
	"github.com/openmotor/kestrel/internal/repository"
	"github.com/shopspring/decimal"
)

// Handler holds dependencies for API handlers.
type Handler struct {
	repo    domain.Repository
	cache   domain.Cache
	bus     domain.EventBus
	engine  *engine.Engine
	screens *fraud.ScreenEngine
	version string
}

// NewHandler creates a new API handler.
func NewHandler(repo domain.Repository, cache domain.Cache, bus domain.EventBus, eng *engine.Engine, screens *fraud.ScreenEngine, version string) *Handler {
	return &Handler{
		repo:    repo,
		cache:   cache,
		bus:     bus,
		engine:  eng,
		screens: screens,
		version: version,
	}
}

// SettleResponse is the response for POST /settlements.
type SettleResponse struct {
	Settlement *domain.Settlement `json:"settlement"`
	Metadata   struct {
		TraceID string `json:"traceId"`
		TotalMs int64  `json:"totalMs"`
		Version string `json:"version"`
	} `json:"metadata"`
}

// Settle handles POST /settlements: it runs a full settle pass for one
// order and returns the persisted settlement.
func (h *Handler) Settle(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	traceID := GetTraceID(ctx)

	var req domain.OrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}
	if msg := validateOrderRequest(&req); msg != "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": msg})
		return
	}

	settlement, err := h.engine.Settle(ctx, tenantID, req.ToOrder(tenantID))
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}

	resp := SettleResponse{Settlement: settlement}
	resp.Metadata.TraceID = traceID
	resp.Metadata.TotalMs = time.Since(start).Milliseconds()
	resp.Metadata.Version = h.version

	writeJSON(w, http.StatusOK, resp)
}

// SubmitOrder handles POST /orders: it queues an order for an async
// settle pass via the event bus and returns immediately.
func (h *Handler) SubmitOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	var req domain.OrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}
	if msg := validateOrderRequest(&req); msg != "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": msg})
		return
	}

	if h.bus == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "event bus not available",
		})
		return
	}

	payload, _ := json.Marshal(req)
	if err := h.bus.Publish(ctx, tenantID, domain.TopicOrderSubmitted, payload); err != nil {
		slog.Error("failed to publish order", "order_id", req.OrderID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to queue order",
		})
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]string{
		"orderId": req.OrderID,
		"status":  "accepted",
	})
}

func validateOrderRequest(req *domain.OrderRequest) string {
	if req.OrderID == "" {
		return "orderId is required"
	}
	if req.UserID == "" || req.MerchantID == "" {
		return "userId and merchantId are required"
	}
	if !req.TotalAmount.IsPositive() {
		return "totalAmount must be positive"
	}
	for _, it := range req.Items {
		if it.Level == "" {
			return "every item needs a level"
		}
	}
	return ""
}

// GetSettlement retrieves a settlement by order ID.
func (h *Handler) GetSettlement(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	orderID := chi.URLParam(r, "orderId")

	settlement, err := h.repo.GetSettlement(ctx, tenantID, orderID)
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, settlement)
}

// GetOrder retrieves an order by ID.
func (h *Handler) GetOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	orderID := chi.URLParam(r, "id")

	order, err := h.repo.GetOrder(ctx, tenantID, orderID)
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, order)
}

// VerdictRequest is the request body for POST /verdicts.
type VerdictRequest struct {
	OrderID string         `json:"orderId"`
	Stage   domain.Stage   `json:"stage"`
	Verdict domain.Verdict `json:"verdict"`
}

// ApplyVerdict handles POST /verdicts: it records the review-content
// audit outcome for one (order, stage) milestone.
func (h *Handler) ApplyVerdict(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	var req VerdictRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}
	if req.OrderID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "orderId is required",
		})
		return
	}
	if !req.Stage.Valid() {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "stage must be main, 1m or 3m",
		})
		return
	}
	if req.Verdict != domain.VerdictPass && req.Verdict != domain.VerdictFail {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "verdict must be pass or fail",
		})
		return
	}

	d, err := h.engine.ApplyVerdict(ctx, tenantID, req.OrderID, req.Stage, req.Verdict, time.Now().UTC())
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, d)
}

// GetDisbursement retrieves a disbursement by ID.
func (h *Handler) GetDisbursement(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	id := chi.URLParam(r, "id")

	d, err := h.repo.GetDisbursement(ctx, tenantID, id)
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, d)
}

// Release handles POST /disbursements/{id}/release: it runs the
// anti-fraud gate and applies the resulting transition.
func (h *Handler) Release(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	id := chi.URLParam(r, "id")

	outcome, err := h.engine.Release(ctx, tenantID, id)
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, outcome)
}

// AuditRequest is the request body for POST /disbursements/{id}/audit.
type AuditRequest struct {
	Pass   bool   `json:"pass"`
	Reason string `json:"reason,omitempty"`
}

// ResolveAudit handles the manual review decision for a frozen
// disbursement.
func (h *Handler) ResolveAudit(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	id := chi.URLParam(r, "id")

	var req AuditRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}

	outcome, err := h.engine.ResolveAudit(ctx, tenantID, id, req.Pass, req.Reason)
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, outcome)
}

// ListRulesets returns all ruleset snapshots for the tenant.
func (h *Handler) ListRulesets(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	rulesets, err := h.repo.ListRulesets(ctx, tenantID)
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"rulesets": rulesets,
		"count":    len(rulesets),
	})
}

// GetActiveRuleset retrieves the currently active snapshot.
func (h *Handler) GetActiveRuleset(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	rs, err := h.repo.GetActiveRuleset(ctx, tenantID)
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	if rs == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{
			"error": "no active ruleset",
		})
		return
	}

	writeJSON(w, http.StatusOK, rs)
}

// GetRuleset retrieves a snapshot by version.
func (h *Handler) GetRuleset(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	version := chi.URLParam(r, "version")

	rs, err := h.repo.GetRuleset(ctx, tenantID, version)
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, rs)
}

// CreateRuleset validates and stores a snapshot. The snapshot is
// validated as a whole; an invalid one is rejected before it is written.
func (h *Handler) CreateRuleset(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	var rs domain.Ruleset
	if err := json.NewDecoder(r.Body).Decode(&rs); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}
	rs.TenantID = tenantID
	if rs.CreatedAt.IsZero() {
		rs.CreatedAt = time.Now().UTC()
	}

	if err := h.repo.SaveRuleset(ctx, tenantID, &rs); err != nil {
		h.writeEngineError(w, r, err)
		return
	}

	h.invalidateActiveRuleset(ctx, tenantID)

	slog.Info("ruleset created", "tenant_id", tenantID, "version", rs.Version, "active", rs.Active)
	writeJSON(w, http.StatusCreated, &rs)
}

// ActivateRuleset marks one snapshot version active.
func (h *Handler) ActivateRuleset(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	version := chi.URLParam(r, "version")

	if err := h.repo.ActivateRuleset(ctx, tenantID, version); err != nil {
		h.writeEngineError(w, r, err)
		return
	}

	h.invalidateActiveRuleset(ctx, tenantID)

	slog.Info("ruleset activated", "tenant_id", tenantID, "version", version)
	writeJSON(w, http.StatusOK, map[string]string{
		"version": version,
		"status":  "active",
	})
}

// invalidateActiveRuleset drops the cached active snapshot so the next
// settle pass reads the new configuration.
func (h *Handler) invalidateActiveRuleset(ctx context.Context, tenantID string) {
	if h.cache == nil {
		return
	}
	if err := h.cache.Delete(ctx, tenantID, "ruleset:active"); err != nil {
		slog.Warn("failed to invalidate cached ruleset", "tenant_id", tenantID, "error", err)
	}
}

// ListScreens returns the tenant's enabled screen rules.
func (h *Handler) ListScreens(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	rules, err := h.repo.ListScreenRules(ctx, tenantID)
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"screens": rules,
		"count":   len(rules),
	})
}

// CreateScreen validates a screen expression and stores the rule.
func (h *Handler) CreateScreen(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	var rule domain.ScreenRule
	if err := json.NewDecoder(r.Body).Decode(&rule); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}
	if rule.ID == "" || rule.Name == "" || rule.Expression == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "id, name, and expression are required",
		})
		return
	}
	rule.TenantID = tenantID
	if rule.Version == "" {
		rule.Version = "1.0.0"
	}

	if h.screens != nil {
		if err := h.screens.ValidateRule(&rule); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{
				"error": "invalid screen expression: " + err.Error(),
			})
			return
		}
	}

	if err := h.repo.SaveScreenRule(ctx, tenantID, &rule); err != nil {
		h.writeEngineError(w, r, err)
		return
	}

	slog.Info("screen rule created", "id", rule.ID, "name", rule.Name)
	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"screen":  &rule,
		"message": "Screen rule created. Call POST /screens/reload to apply changes.",
	})
}

// ReloadScreens reloads the tenant's screen rules into the gate engine,
// enabling hot-reloading without server restart.
func (h *Handler) ReloadScreens(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	if h.screens == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "screen engine not available",
		})
		return
	}

	rules, err := h.repo.ListScreenRules(ctx, tenantID)
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}

	if err := h.screens.ReloadRules(rules); err != nil {
		slog.Error("failed to reload screen rules", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to reload screens: " + err.Error(),
		})
		return
	}

	slog.Info("screen rules reloaded", "tenant_id", tenantID, "count", len(rules))
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"message": "screens reloaded successfully",
		"count":   len(rules),
	})
}

// AddBlacklistEntry stores a blacklisted identity key.
func (h *Handler) AddBlacklistEntry(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	var entry domain.BlacklistEntry
	if err := json.NewDecoder(r.Body).Decode(&entry); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}
	switch entry.Kind {
	case domain.BlacklistKindUser, domain.BlacklistKindPhone, domain.BlacklistKindDevice, domain.BlacklistKindIDCard:
	default:
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "kind must be user, phone, device or idcard",
		})
		return
	}
	if entry.Value == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "value is required",
		})
		return
	}
	entry.TenantID = tenantID

	if err := h.repo.AddBlacklistEntry(ctx, tenantID, &entry); err != nil {
		h.writeEngineError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, &entry)
}

// AddViolation records a violation against a user or merchant.
func (h *Handler) AddViolation(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	var v domain.Violation
	if err := json.NewDecoder(r.Body).Decode(&v); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}
	if v.TargetKind != domain.TargetUser && v.TargetKind != domain.TargetMerchant {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "targetKind must be user or merchant",
		})
		return
	}
	if v.TargetID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "targetId is required",
		})
		return
	}
	if v.Level <= 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "level must be positive",
		})
		return
	}
	v.TenantID = tenantID

	if err := h.repo.SaveViolation(ctx, tenantID, &v); err != nil {
		h.writeEngineError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, &v)
}

// MerchantComplianceRequest is the request body for merchant standing
// updates.
type MerchantComplianceRequest struct {
	ComplianceRate decimal.Decimal `json:"complianceRate"`
	ComplaintRate  decimal.Decimal `json:"complaintRate"`
}

// UpdateMerchantCompliance upserts a merchant standing record.
func (h *Handler) UpdateMerchantCompliance(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	merchantID := chi.URLParam(r, "id")

	var req MerchantComplianceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}
	if req.ComplianceRate.IsNegative() || req.ComplianceRate.GreaterThan(decimal.NewFromInt(100)) {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "complianceRate must be in [0, 100]",
		})
		return
	}
	if req.ComplaintRate.IsNegative() || req.ComplaintRate.GreaterThan(decimal.NewFromInt(100)) {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "complaintRate must be in [0, 100]",
		})
		return
	}

	mc := &domain.MerchantCompliance{
		TenantID:       tenantID,
		MerchantID:     merchantID,
		ComplianceRate: req.ComplianceRate,
		ComplaintRate:  req.ComplaintRate,
		UpdatedAt:      time.Now().UTC(),
	}

	if err := h.repo.SaveMerchantCompliance(ctx, tenantID, mc); err != nil {
		h.writeEngineError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, mc)
}

// Health returns server health status.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	status := "healthy"

	// Check repository health
	if h.repo != nil {
		if err := h.repo.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}

	// Check cache health
	if h.cache != nil {
		if err := h.cache.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status":  status,
		"version": h.version,
	})
}

// Ready returns whether the server is ready to accept traffic.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"ready": "true",
	})
}

// writeEngineError maps pipeline errors onto HTTP status codes.
func (h *Handler) writeEngineError(w http.ResponseWriter, r *http.Request, err error) {
	var status int
	switch {
	case errors.Is(err, repository.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, repository.ErrInvalidInput),
		errors.Is(err, domain.ErrUnknownComplexityLevel),
		errors.Is(err, domain.ErrInvalidRuleset):
		status = http.StatusBadRequest
	case errors.Is(err, engine.ErrNoActiveRuleset),
		errors.Is(err, engine.ErrVerdictRequired),
		errors.Is(err, domain.ErrTerminalStatus):
		status = http.StatusConflict
	default:
		status = http.StatusInternalServerError
	}

	if status == http.StatusInternalServerError {
		slog.Error("request failed", "path", r.URL.Path, "error", err)
		writeJSON(w, status, map[string]string{"error": "internal server error"})
		return
	}

	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
