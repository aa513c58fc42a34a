// Package repository provides data persistence implementations.
package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/openmotor/kestrel/internal/domain"
	"github.com/shopspring/decimal"
)

var (
	ErrNotFound     = errors.New("record not found")
	ErrInvalidInput = errors.New("invalid input")
)

// SQLRepository implements domain.Repository using database/sql.
// Works with both SQLite and PostgreSQL drivers.
type SQLRepository struct {
	db     *sql.DB
	driver string
}

// New creates a new repository based on configuration.
func New(cfg domain.RepositoryConfig) (domain.Repository, error) {
	var db *sql.DB
	var err error

	switch cfg.Driver {
	case "sqlite":
		db, err = openSQLite(cfg)
	case "postgres":
		db, err = openPostgres(cfg)
	default:
		return nil, fmt.Errorf("unsupported driver: %s", cfg.Driver)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	repo := &SQLRepository{
		db:     db,
		driver: cfg.Driver,
	}

	// Run migrations
	if err := repo.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return repo, nil
}

func (r *SQLRepository) migrate() error {
	for _, schema := range AllSchemas() {
		if _, err := r.db.Exec(schema); err != nil {
			return err
		}
	}
	return nil
}

// SaveOrder stores an order with tenant isolation.
func (r *SQLRepository) SaveOrder(ctx context.Context, tenantID string, o *domain.Order) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	items, _ := json.Marshal(o.Items)
	metadata, _ := json.Marshal(o.Metadata)

	query := `
		INSERT INTO orders (
			id, tenant_id, user_id, merchant_id, phone, device_id, id_card,
			total_amount, vehicle_price, items, timestamp, created_at, metadata
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(tenant_id, id) DO UPDATE SET
			total_amount = excluded.total_amount,
			vehicle_price = excluded.vehicle_price,
			items = excluded.items,
			metadata = excluded.metadata
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		o.ID, tenantID, o.UserID, o.MerchantID,
		o.Phone, o.DeviceID, o.IDCard,
		o.TotalAmount.String(), o.VehiclePrice.String(),
		string(items), o.Timestamp, o.CreatedAt, string(metadata),
	)
	return err
}

// GetOrder retrieves an order by ID with tenant isolation.
func (r *SQLRepository) GetOrder(ctx context.Context, tenantID string, orderID string) (*domain.Order, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		SELECT id, tenant_id, user_id, merchant_id, phone, device_id, id_card,
			   total_amount, vehicle_price, items, timestamp, created_at, metadata
		FROM orders
		WHERE tenant_id = ? AND id = ?
	`

	var o domain.Order
	var total, price, items string
	var metadata sql.NullString

	err := r.db.QueryRowContext(ctx, r.rebind(query), tenantID, orderID).Scan(
		&o.ID, &o.TenantID, &o.UserID, &o.MerchantID,
		&o.Phone, &o.DeviceID, &o.IDCard,
		&total, &price, &items, &o.Timestamp, &o.CreatedAt, &metadata,
	)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	if o.TotalAmount, err = decimal.NewFromString(total); err != nil {
		return nil, fmt.Errorf("corrupt total_amount for order %s: %w", orderID, err)
	}
	if o.VehiclePrice, err = decimal.NewFromString(price); err != nil {
		return nil, fmt.Errorf("corrupt vehicle_price for order %s: %w", orderID, err)
	}
	if err := json.Unmarshal([]byte(items), &o.Items); err != nil {
		return nil, fmt.Errorf("corrupt items for order %s: %w", orderID, err)
	}
	if metadata.Valid && metadata.String != "" {
		json.Unmarshal([]byte(metadata.String), &o.Metadata)
	}

	return &o, nil
}

// SaveSettlement persists a settlement and its disbursement schedule in a
// single transaction; a settle pass never leaves partial rows behind.
func (r *SQLRepository) SaveSettlement(ctx context.Context, tenantID string, s *domain.Settlement) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	commission, _ := json.Marshal(s.Commission)

	query := `
		INSERT INTO settlements (
			id, tenant_id, order_id, order_tier, vehicle_tier,
			raw_reward, reward, capped_by_tier, capped_by_red_line,
			commission, ruleset_version, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err = tx.ExecContext(ctx, r.rebind(query),
		s.ID, tenantID, s.OrderID, int(s.OrderTier), string(s.VehicleTier),
		s.RawReward.String(), s.Reward.String(),
		boolToInt(s.CappedByTier), boolToInt(s.CappedByRedLine),
		string(commission), s.RulesetVersion, s.CreatedAt,
	)
	if err != nil {
		return err
	}

	insert := `
		INSERT INTO disbursements (
			id, tenant_id, order_id, user_id, stage, level,
			amount, tax_deducted, status, verdict, verdict_at,
			truncation_reason, status_reason, release_time, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	for _, d := range s.Disbursements {
		_, err = tx.ExecContext(ctx, r.rebind(insert),
			d.ID, tenantID, d.OrderID, d.UserID, string(d.Stage), string(d.Level),
			d.Amount.String(), d.TaxDeducted.String(), string(d.Status), string(d.Verdict),
			nullableTime(d.VerdictAt), d.TruncationReason, d.StatusReason,
			nullableTime(d.ReleaseTime), d.CreatedAt,
		)
		if err != nil {
			return err
		}
	}

	return tx.Commit()
}

// GetSettlement retrieves a settlement with its disbursements by order ID.
func (r *SQLRepository) GetSettlement(ctx context.Context, tenantID string, orderID string) (*domain.Settlement, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		SELECT id, tenant_id, order_id, order_tier, vehicle_tier,
			   raw_reward, reward, capped_by_tier, capped_by_red_line,
			   commission, ruleset_version, created_at
		FROM settlements
		WHERE tenant_id = ? AND order_id = ?
	`

	var s domain.Settlement
	var tier int
	var vehicleTier, rawReward, reward, commission string
	var cappedTier, cappedRedLine int

	err := r.db.QueryRowContext(ctx, r.rebind(query), tenantID, orderID).Scan(
		&s.ID, &s.TenantID, &s.OrderID, &tier, &vehicleTier,
		&rawReward, &reward, &cappedTier, &cappedRedLine,
		&commission, &s.RulesetVersion, &s.CreatedAt,
	)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	s.OrderTier = domain.OrderTier(tier)
	s.VehicleTier = domain.VehicleTier(vehicleTier)
	s.CappedByTier = cappedTier == 1
	s.CappedByRedLine = cappedRedLine == 1
	if s.RawReward, err = decimal.NewFromString(rawReward); err != nil {
		return nil, err
	}
	if s.Reward, err = decimal.NewFromString(reward); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(commission), &s.Commission); err != nil {
		return nil, fmt.Errorf("corrupt commission for order %s: %w", orderID, err)
	}

	if s.Disbursements, err = r.ListDisbursementsByOrder(ctx, tenantID, orderID); err != nil {
		return nil, err
	}

	return &s, nil
}

const disbursementColumns = `
	id, tenant_id, order_id, user_id, stage, level,
	amount, tax_deducted, status, verdict, verdict_at,
	truncation_reason, status_reason, release_time, created_at
`

// GetDisbursement retrieves a single disbursement by ID.
func (r *SQLRepository) GetDisbursement(ctx context.Context, tenantID string, id string) (*domain.Disbursement, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `SELECT ` + disbursementColumns + ` FROM disbursements WHERE tenant_id = ? AND id = ?`
	row := r.db.QueryRowContext(ctx, r.rebind(query), tenantID, id)
	return scanDisbursement(row)
}

// ListDisbursementsByOrder retrieves the schedule for one order, in stage
// order (main, 1m, 3m).
func (r *SQLRepository) ListDisbursementsByOrder(ctx context.Context, tenantID string, orderID string) ([]*domain.Disbursement, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `SELECT ` + disbursementColumns + `
		FROM disbursements
		WHERE tenant_id = ? AND order_id = ?
		ORDER BY CASE stage WHEN 'main' THEN 0 WHEN '1m' THEN 1 ELSE 2 END
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), tenantID, orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.Disbursement
	for rows.Next() {
		d, err := scanDisbursement(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}

	return out, rows.Err()
}

// SetVerdict records the review-stage outcome for (order, stage). A fail
// verdict rejects the milestone with zero payout in the same statement.
func (r *SQLRepository) SetVerdict(ctx context.Context, tenantID string, orderID string, stage domain.Stage, verdict domain.Verdict, at time.Time) (*domain.Disbursement, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	var query string
	var args []any
	if verdict == domain.VerdictFail {
		query = `
			UPDATE disbursements
			SET verdict = ?, verdict_at = ?, status = 'rejected',
			    status_reason = 'review verdict failed',
			    amount = '0', tax_deducted = '0'
			WHERE tenant_id = ? AND order_id = ? AND stage = ?
			  AND status IN ('pending', 'frozen')
		`
		args = []any{string(verdict), at, tenantID, orderID, string(stage)}
	} else {
		query = `
			UPDATE disbursements
			SET verdict = ?, verdict_at = ?
			WHERE tenant_id = ? AND order_id = ? AND stage = ?
			  AND status IN ('pending', 'frozen')
		`
		args = []any{string(verdict), at, tenantID, orderID, string(stage)}
	}

	result, err := r.db.ExecContext(ctx, r.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return nil, err
	}
	if affected == 0 {
		// Either no such milestone or it is already terminal.
		if _, err := r.getByOrderStage(ctx, tenantID, orderID, stage); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%w: order %s stage %s", domain.ErrTerminalStatus, orderID, stage)
	}

	return r.getByOrderStage(ctx, tenantID, orderID, stage)
}

func (r *SQLRepository) getByOrderStage(ctx context.Context, tenantID, orderID string, stage domain.Stage) (*domain.Disbursement, error) {
	query := `SELECT ` + disbursementColumns + `
		FROM disbursements WHERE tenant_id = ? AND order_id = ? AND stage = ?`
	row := r.db.QueryRowContext(ctx, r.rebind(query), tenantID, orderID, string(stage))
	return scanDisbursement(row)
}

// ReleaseDisbursement atomically transitions pending/frozen -> released.
// The trailing-window cap sum and the ledger insert happen inside the same
// transaction as the status update, so concurrent releases for one user
// never overshoot the cap. A repeat call is an idempotent no-op.
func (r *SQLRepository) ReleaseDisbursement(ctx context.Context, tenantID string, id string, opts domain.ReleaseOptions) (*domain.ReleaseResult, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	query := `SELECT ` + disbursementColumns + ` FROM disbursements WHERE tenant_id = ? AND id = ?`
	if r.driver == "postgres" {
		query += " FOR UPDATE"
	}
	d, err := scanDisbursement(tx.QueryRowContext(ctx, r.rebind(query), tenantID, id))
	if err != nil {
		return nil, err
	}

	if d.Status.Terminal() {
		return &domain.ReleaseResult{Applied: false, Amount: d.Amount, TaxDeducted: d.TaxDeducted, Disbursement: d}, nil
	}
	if d.Verdict != domain.VerdictPass {
		return &domain.ReleaseResult{Applied: false, Amount: d.Amount, Disbursement: d}, nil
	}

	amount := d.Amount
	result := &domain.ReleaseResult{}

	if opts.MonthlyCap.IsPositive() && d.Level == opts.CapLevel {
		since := opts.Now.Add(-opts.CapWindow)
		used, err := sumLedgerTx(ctx, tx, r.rebind(`
			SELECT amount FROM release_ledger
			WHERE tenant_id = ? AND user_id = ? AND level = ? AND released_at >= ?
		`), tenantID, d.UserID, string(opts.CapLevel), since)
		if err != nil {
			return nil, err
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

	tax := amount.Sub(opts.TaxFreeLimit)
	if tax.IsNegative() {
		tax = decimal.Zero
	}
	truncationReason := d.TruncationReason
	if result.Truncated {
		truncationReason = "monthly cap"
	}

	update := `
		UPDATE disbursements
		SET status = 'released', amount = ?, tax_deducted = ?,
		    truncation_reason = ?, release_time = ?
		WHERE tenant_id = ? AND id = ? AND status IN ('pending', 'frozen')
	`
	res, err := tx.ExecContext(ctx, r.rebind(update),
		amount.String(), tax.String(), truncationReason, opts.Now, tenantID, id)
	if err != nil {
		return nil, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if affected == 0 {
		// Lost the race to a concurrent transition.
		return &domain.ReleaseResult{Applied: false, Amount: d.Amount, Disbursement: d}, nil
	}

	insert := `
		INSERT INTO release_ledger (id, tenant_id, disbursement_id, user_id, level, amount, released_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`
	_, err = tx.ExecContext(ctx, r.rebind(insert),
		uuid.NewString(), tenantID, d.ID, d.UserID, string(d.Level), amount.String(), opts.Now)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	now := opts.Now
	d.Status = domain.StatusReleased
	d.Amount = amount
	d.TaxDeducted = tax
	d.TruncationReason = truncationReason
	d.ReleaseTime = &now

	result.Applied = true
	result.Amount = amount
	result.TaxDeducted = tax
	result.Disbursement = d
	return result, nil
}

// FreezeDisbursement transitions pending -> frozen.
func (r *SQLRepository) FreezeDisbursement(ctx context.Context, tenantID string, id string, reason string) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		UPDATE disbursements
		SET status = 'frozen', status_reason = ?
		WHERE tenant_id = ? AND id = ? AND status = 'pending'
	`
	result, err := r.db.ExecContext(ctx, r.rebind(query), reason, tenantID, id)
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("%w: disbursement %s", domain.ErrTerminalStatus, id)
	}
	return nil
}

// RejectDisbursement transitions pending/frozen -> rejected with zero
// payout.
func (r *SQLRepository) RejectDisbursement(ctx context.Context, tenantID string, id string, reason string) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		UPDATE disbursements
		SET status = 'rejected', status_reason = ?, amount = '0', tax_deducted = '0'
		WHERE tenant_id = ? AND id = ? AND status IN ('pending', 'frozen')
	`
	result, err := r.db.ExecContext(ctx, r.rebind(query), reason, tenantID, id)
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("%w: disbursement %s", domain.ErrTerminalStatus, id)
	}
	return nil
}

// ReleasedAmountSince sums ledger entries for (user, level) from an
// instant. Amounts are summed in Go; money never goes through SQL
// arithmetic.
func (r *SQLRepository) ReleasedAmountSince(ctx context.Context, tenantID string, userID string, level domain.LevelID, since time.Time) (decimal.Decimal, error) {
	if tenantID == "" {
		return decimal.Zero, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	rows, err := r.db.QueryContext(ctx, r.rebind(`
		SELECT amount FROM release_ledger
		WHERE tenant_id = ? AND user_id = ? AND level = ? AND released_at >= ?
	`), tenantID, userID, string(level), since)
	if err != nil {
		return decimal.Zero, err
	}
	defer rows.Close()

	sum := decimal.Zero
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return decimal.Zero, err
		}
		amount, err := decimal.NewFromString(s)
		if err != nil {
			return decimal.Zero, fmt.Errorf("corrupt ledger amount: %w", err)
		}
		sum = sum.Add(amount)
	}

	return sum, rows.Err()
}

// SaveRuleset stores a snapshot. It is validated before it is written; an
// invalid snapshot never reaches the database.
func (r *SQLRepository) SaveRuleset(ctx context.Context, tenantID string, rs *domain.Ruleset) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}
	if err := rs.Validate(); err != nil {
		return err
	}

	payload, err := json.Marshal(rs)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO rulesets (tenant_id, version, payload, active, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(tenant_id, version) DO UPDATE SET
			payload = excluded.payload,
			active = excluded.active
	`
	_, err = r.db.ExecContext(ctx, r.rebind(query),
		tenantID, rs.Version, string(payload), boolToInt(rs.Active), rs.CreatedAt)
	if err != nil {
		return err
	}

	if rs.Active {
		return r.ActivateRuleset(ctx, tenantID, rs.Version)
	}
	return nil
}

// GetRuleset retrieves a snapshot by version.
func (r *SQLRepository) GetRuleset(ctx context.Context, tenantID string, version string) (*domain.Ruleset, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `SELECT payload, active FROM rulesets WHERE tenant_id = ? AND version = ?`
	return r.scanRuleset(r.db.QueryRowContext(ctx, r.rebind(query), tenantID, version))
}

// GetActiveRuleset retrieves the tenant's active snapshot.
func (r *SQLRepository) GetActiveRuleset(ctx context.Context, tenantID string) (*domain.Ruleset, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `SELECT payload, active FROM rulesets WHERE tenant_id = ? AND active = 1 LIMIT 1`
	rs, err := r.scanRuleset(r.db.QueryRowContext(ctx, r.rebind(query), tenantID))
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	return rs, err
}

func (r *SQLRepository) scanRuleset(row *sql.Row) (*domain.Ruleset, error) {
	var payload string
	var active int

	err := row.Scan(&payload, &active)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	var rs domain.Ruleset
	if err := json.Unmarshal([]byte(payload), &rs); err != nil {
		return nil, fmt.Errorf("corrupt ruleset payload: %w", err)
	}
	rs.Active = active == 1
	return &rs, nil
}

// ListRulesets retrieves all snapshots for a tenant, newest first.
func (r *SQLRepository) ListRulesets(ctx context.Context, tenantID string) ([]*domain.Ruleset, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `SELECT payload, active FROM rulesets WHERE tenant_id = ? ORDER BY created_at DESC`
	rows, err := r.db.QueryContext(ctx, r.rebind(query), tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.Ruleset
	for rows.Next() {
		var payload string
		var active int
		if err := rows.Scan(&payload, &active); err != nil {
			return nil, err
		}
		var rs domain.Ruleset
		if err := json.Unmarshal([]byte(payload), &rs); err != nil {
			return nil, fmt.Errorf("corrupt ruleset payload: %w", err)
		}
		rs.Active = active == 1
		out = append(out, &rs)
	}

	return out, rows.Err()
}

// ActivateRuleset marks one version active and deactivates the rest, in a
// single transaction; a tenant never has two active snapshots.
func (r *SQLRepository) ActivateRuleset(ctx context.Context, tenantID string, version string) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, r.rebind(
		`UPDATE rulesets SET active = 0 WHERE tenant_id = ?`), tenantID); err != nil {
		return err
	}

	result, err := tx.ExecContext(ctx, r.rebind(
		`UPDATE rulesets SET active = 1 WHERE tenant_id = ? AND version = ?`), tenantID, version)
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNotFound
	}

	return tx.Commit()
}

// SaveScreenRule stores a screen rule with tenant isolation.
func (r *SQLRepository) SaveScreenRule(ctx context.Context, tenantID string, rule *domain.ScreenRule) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	now := time.Now().UTC()
	query := `
		INSERT INTO screen_rules (
			id, tenant_id, name, description, version, expression, enabled, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id, tenant_id) DO UPDATE SET
			name = excluded.name,
			description = excluded.description,
			version = excluded.version,
			expression = excluded.expression,
			enabled = excluded.enabled,
			updated_at = excluded.updated_at
	`
	_, err := r.db.ExecContext(ctx, r.rebind(query),
		rule.ID, tenantID, rule.Name, rule.Description,
		rule.Version, rule.Expression, boolToInt(rule.Enabled), now, now)
	return err
}

// ListScreenRules retrieves all enabled screen rules for a tenant.
func (r *SQLRepository) ListScreenRules(ctx context.Context, tenantID string) ([]*domain.ScreenRule, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		SELECT id, tenant_id, name, description, version, expression, enabled
		FROM screen_rules
		WHERE tenant_id = ? AND enabled = 1
		ORDER BY name
	`
	rows, err := r.db.QueryContext(ctx, r.rebind(query), tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.ScreenRule
	for rows.Next() {
		var rule domain.ScreenRule
		var description sql.NullString
		var enabled int
		if err := rows.Scan(&rule.ID, &rule.TenantID, &rule.Name, &description,
			&rule.Version, &rule.Expression, &enabled); err != nil {
			return nil, err
		}
		rule.Description = description.String
		rule.Enabled = enabled == 1
		out = append(out, &rule)
	}

	return out, rows.Err()
}

// AddBlacklistEntry stores a blacklisted identity key.
func (r *SQLRepository) AddBlacklistEntry(ctx context.Context, tenantID string, entry *domain.BlacklistEntry) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	createdAt := entry.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	query := `
		INSERT INTO blacklist (tenant_id, kind, value, reason, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(tenant_id, kind, value) DO UPDATE SET reason = excluded.reason
	`
	_, err := r.db.ExecContext(ctx, r.rebind(query),
		tenantID, entry.Kind, entry.Value, entry.Reason, createdAt)
	return err
}

// BlacklistHit checks the given identity keys against the blacklist and
// returns the first matching entry, or nil when clean.
func (r *SQLRepository) BlacklistHit(ctx context.Context, tenantID string, keys map[string]string) (*domain.BlacklistEntry, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		SELECT tenant_id, kind, value, reason, created_at
		FROM blacklist
		WHERE tenant_id = ? AND kind = ? AND value = ?
	`
	for kind, value := range keys {
		if value == "" {
			continue
		}
		var e domain.BlacklistEntry
		var reason sql.NullString
		err := r.db.QueryRowContext(ctx, r.rebind(query), tenantID, kind, value).Scan(
			&e.TenantID, &e.Kind, &e.Value, &reason, &e.CreatedAt)
		if errors.Is(err, sql.ErrNoRows) {
			continue
		}
		if err != nil {
			return nil, err
		}
		e.Reason = reason.String
		return &e, nil
	}

	return nil, nil
}

// SaveViolation stores a violation record.
func (r *SQLRepository) SaveViolation(ctx context.Context, tenantID string, v *domain.Violation) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	if v.ID == "" {
		v.ID = uuid.NewString()
	}
	createdAt := v.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	query := `
		INSERT INTO violations (id, tenant_id, target_kind, target_id, level, open, reason, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			level = excluded.level,
			open = excluded.open,
			reason = excluded.reason
	`
	_, err := r.db.ExecContext(ctx, r.rebind(query),
		v.ID, tenantID, v.TargetKind, v.TargetID, v.Level, boolToInt(v.Open), v.Reason, createdAt)
	return err
}

// MaxOpenViolationLevel returns the highest open violation level for a
// target, 0 when none.
func (r *SQLRepository) MaxOpenViolationLevel(ctx context.Context, tenantID string, targetKind string, targetID string) (int, error) {
	if tenantID == "" {
		return 0, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		SELECT COALESCE(MAX(level), 0)
		FROM violations
		WHERE tenant_id = ? AND target_kind = ? AND target_id = ? AND open = 1
	`
	var level int
	err := r.db.QueryRowContext(ctx, r.rebind(query), tenantID, targetKind, targetID).Scan(&level)
	if err != nil {
		return 0, err
	}
	return level, nil
}

// SaveMerchantCompliance upserts a merchant standing record.
func (r *SQLRepository) SaveMerchantCompliance(ctx context.Context, tenantID string, mc *domain.MerchantCompliance) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	updatedAt := mc.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO merchant_compliance (tenant_id, merchant_id, compliance_rate, complaint_rate, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(tenant_id, merchant_id) DO UPDATE SET
			compliance_rate = excluded.compliance_rate,
			complaint_rate = excluded.complaint_rate,
			updated_at = excluded.updated_at
	`
	_, err := r.db.ExecContext(ctx, r.rebind(query),
		tenantID, mc.MerchantID, mc.ComplianceRate.String(), mc.ComplaintRate.String(), updatedAt)
	return err
}

// GetMerchantCompliance retrieves a merchant standing record, nil when the
// merchant is unknown.
func (r *SQLRepository) GetMerchantCompliance(ctx context.Context, tenantID string, merchantID string) (*domain.MerchantCompliance, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		SELECT tenant_id, merchant_id, compliance_rate, complaint_rate, updated_at
		FROM merchant_compliance
		WHERE tenant_id = ? AND merchant_id = ?
	`
	var mc domain.MerchantCompliance
	var compliance, complaint string

	err := r.db.QueryRowContext(ctx, r.rebind(query), tenantID, merchantID).Scan(
		&mc.TenantID, &mc.MerchantID, &compliance, &complaint, &mc.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	if mc.ComplianceRate, err = decimal.NewFromString(compliance); err != nil {
		return nil, err
	}
	if mc.ComplaintRate, err = decimal.NewFromString(complaint); err != nil {
		return nil, err
	}
	return &mc, nil
}

// Ping checks database connectivity.
func (r *SQLRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// Close closes the database connection.
func (r *SQLRepository) Close() error {
	return r.db.Close()
}

// rebind converts ? placeholders to $1, $2, etc. for PostgreSQL.
func (r *SQLRepository) rebind(query string) string {
	if r.driver != "postgres" {
		return query
	}

	var result []byte
	n := 1
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			result = append(result, '$')
			result = append(result, fmt.Sprintf("%d", n)...)
			n++
		} else {
			result = append(result, query[i])
		}
	}
	return string(result)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDisbursement(row rowScanner) (*domain.Disbursement, error) {
	var d domain.Disbursement
	var stage, level, amount, tax, status, verdict string
	var verdictAt, releaseTime sql.NullTime

	err := row.Scan(
		&d.ID, &d.TenantID, &d.OrderID, &d.UserID, &stage, &level,
		&amount, &tax, &status, &verdict, &verdictAt,
		&d.TruncationReason, &d.StatusReason, &releaseTime, &d.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	d.Stage = domain.Stage(stage)
	d.Level = domain.LevelID(level)
	d.Status = domain.Status(status)
	d.Verdict = domain.Verdict(verdict)
	if d.Amount, err = decimal.NewFromString(amount); err != nil {
		return nil, fmt.Errorf("corrupt amount for disbursement %s: %w", d.ID, err)
	}
	if d.TaxDeducted, err = decimal.NewFromString(tax); err != nil {
		return nil, fmt.Errorf("corrupt tax_deducted for disbursement %s: %w", d.ID, err)
	}
	if verdictAt.Valid {
		t := verdictAt.Time
		d.VerdictAt = &t
	}
	if releaseTime.Valid {
		t := releaseTime.Time
		d.ReleaseTime = &t
	}

	return &d, nil
}

func sumLedgerTx(ctx context.Context, tx *sql.Tx, query string, args ...any) (decimal.Decimal, error) {
	rows, err := tx.QueryContext(ctx, query, args...)
	if err != nil {
		return decimal.Zero, err
	}
	defer rows.Close()

	sum := decimal.Zero
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return decimal.Zero, err
		}
		amount, err := decimal.NewFromString(s)
		if err != nil {
			return decimal.Zero, fmt.Errorf("corrupt ledger amount: %w", err)
		}
		sum = sum.Add(amount)
	}

	return sum, rows.Err()
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
