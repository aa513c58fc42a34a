package repository

// Schema definitions for the Kestrel settlement database.
// Compatible with both SQLite and PostgreSQL. Money columns are stored as
// decimal strings; arithmetic happens in Go, never in SQL.

const schemaOrders = `
CREATE TABLE IF NOT EXISTS orders (
    id TEXT NOT NULL,
    tenant_id TEXT NOT NULL,
    user_id TEXT NOT NULL,
    merchant_id TEXT NOT NULL,
    phone TEXT,
    device_id TEXT,
    id_card TEXT,
    total_amount TEXT NOT NULL,
    vehicle_price TEXT NOT NULL,
    items TEXT NOT NULL,
    timestamp TIMESTAMP NOT NULL,
    created_at TIMESTAMP NOT NULL,
    metadata TEXT,
    PRIMARY KEY (tenant_id, id)
);

CREATE INDEX IF NOT EXISTS idx_orders_user ON orders(tenant_id, user_id);
CREATE INDEX IF NOT EXISTS idx_orders_merchant ON orders(tenant_id, merchant_id);
`

const schemaSettlements = `
CREATE TABLE IF NOT EXISTS settlements (
    id TEXT PRIMARY KEY,
    tenant_id TEXT NOT NULL,
    order_id TEXT NOT NULL,
    order_tier INTEGER NOT NULL,
    vehicle_tier TEXT NOT NULL,
    raw_reward TEXT NOT NULL,
    reward TEXT NOT NULL,
    capped_by_tier INTEGER NOT NULL DEFAULT 0,
    capped_by_red_line INTEGER NOT NULL DEFAULT 0,
    commission TEXT NOT NULL,
    ruleset_version TEXT NOT NULL,
    created_at TIMESTAMP NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_settlements_order ON settlements(tenant_id, order_id);
`

const schemaDisbursements = `
CREATE TABLE IF NOT EXISTS disbursements (
    id TEXT PRIMARY KEY,
    tenant_id TEXT NOT NULL,
    order_id TEXT NOT NULL,
    user_id TEXT NOT NULL,
    stage TEXT NOT NULL,
    level TEXT NOT NULL,
    amount TEXT NOT NULL,
    tax_deducted TEXT NOT NULL,
    status TEXT NOT NULL,
    verdict TEXT NOT NULL DEFAULT '',
    verdict_at TIMESTAMP,
    truncation_reason TEXT NOT NULL DEFAULT '',
    status_reason TEXT NOT NULL DEFAULT '',
    release_time TIMESTAMP,
    created_at TIMESTAMP NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_disbursements_stage ON disbursements(tenant_id, order_id, stage);
CREATE INDEX IF NOT EXISTS idx_disbursements_user ON disbursements(tenant_id, user_id, status);
`

// release_ledger is the authoritative record of released amounts. It is
// appended inside the same transaction as the status transition so the
// trailing-window cap always reads a consistent sum.
const schemaReleaseLedger = `
CREATE TABLE IF NOT EXISTS release_ledger (
    id TEXT PRIMARY KEY,
    tenant_id TEXT NOT NULL,
    disbursement_id TEXT NOT NULL,
    user_id TEXT NOT NULL,
    level TEXT NOT NULL,
    amount TEXT NOT NULL,
    released_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_ledger_window ON release_ledger(tenant_id, user_id, level, released_at);
`

const schemaRulesets = `
CREATE TABLE IF NOT EXISTS rulesets (
    tenant_id TEXT NOT NULL,
    version TEXT NOT NULL,
    payload TEXT NOT NULL,
    active INTEGER NOT NULL DEFAULT 0,
    created_at TIMESTAMP NOT NULL,
    PRIMARY KEY (tenant_id, version)
);

CREATE INDEX IF NOT EXISTS idx_rulesets_active ON rulesets(tenant_id, active);
`

const schemaScreenRules = `
CREATE TABLE IF NOT EXISTS screen_rules (
    id TEXT NOT NULL,
    tenant_id TEXT NOT NULL,
    name TEXT NOT NULL,
    description TEXT,
    version TEXT NOT NULL,
    expression TEXT NOT NULL,
    enabled INTEGER NOT NULL DEFAULT 1,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL,
    PRIMARY KEY (id, tenant_id)
);

CREATE INDEX IF NOT EXISTS idx_screen_rules_enabled ON screen_rules(tenant_id, enabled);
`

const schemaBlacklist = `
CREATE TABLE IF NOT EXISTS blacklist (
    tenant_id TEXT NOT NULL,
    kind TEXT NOT NULL,
    value TEXT NOT NULL,
    reason TEXT,
    created_at TIMESTAMP NOT NULL,
    PRIMARY KEY (tenant_id, kind, value)
);
`

const schemaViolations = `
CREATE TABLE IF NOT EXISTS violations (
    id TEXT PRIMARY KEY,
    tenant_id TEXT NOT NULL,
    target_kind TEXT NOT NULL,
    target_id TEXT NOT NULL,
    level INTEGER NOT NULL,
    open INTEGER NOT NULL DEFAULT 1,
    reason TEXT,
    created_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_violations_target ON violations(tenant_id, target_kind, target_id, open);
`

const schemaMerchantCompliance = `
CREATE TABLE IF NOT EXISTS merchant_compliance (
    tenant_id TEXT NOT NULL,
    merchant_id TEXT NOT NULL,
    compliance_rate TEXT NOT NULL,
    complaint_rate TEXT NOT NULL,
    updated_at TIMESTAMP NOT NULL,
    PRIMARY KEY (tenant_id, merchant_id)
);
`

// AllSchemas returns all schema statements in order.
func AllSchemas() []string {
	return []string{
		schemaOrders,
		schemaSettlements,
		schemaDisbursements,
		schemaReleaseLedger,
		schemaRulesets,
		schemaScreenRules,
		schemaBlacklist,
		schemaViolations,
		schemaMerchantCompliance,
	}
}
