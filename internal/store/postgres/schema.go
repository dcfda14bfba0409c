package postgres

import (
	"context"
	"fmt"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS products (
		sku TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		active_ingredient TEXT NOT NULL DEFAULT '',
		dose TEXT NOT NULL DEFAULT '',
		form TEXT NOT NULL DEFAULT '',
		price_cents BIGINT NOT NULL CHECK (price_cents >= 0),
		requires_prescription BOOLEAN NOT NULL DEFAULT false,
		active BOOLEAN NOT NULL DEFAULT true,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_products_lower_name ON products (lower(name))`,
	`CREATE TABLE IF NOT EXISTS inventory_stocks (
		pharmacy_id TEXT NOT NULL,
		sku TEXT NOT NULL REFERENCES products(sku),
		qty INTEGER NOT NULL CHECK (qty >= 0),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		PRIMARY KEY (pharmacy_id, sku)
	)`,
	`CREATE TABLE IF NOT EXISTS prescriptions (
		id TEXT PRIMARY KEY,
		patient_id TEXT NOT NULL,
		prescriber_name TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'pending',
		issued_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_prescriptions_patient ON prescriptions (patient_id, issued_at)`,
	`CREATE TABLE IF NOT EXISTS prescription_items (
		id BIGSERIAL PRIMARY KEY,
		prescription_id TEXT NOT NULL REFERENCES prescriptions(id),
		name TEXT NOT NULL,
		active_ingredient TEXT NOT NULL DEFAULT '',
		dose TEXT NOT NULL DEFAULT '',
		route TEXT NOT NULL DEFAULT '',
		frequency TEXT NOT NULL DEFAULT '',
		duration TEXT NOT NULL DEFAULT '',
		quantity_to_dispense INTEGER NOT NULL CHECK (quantity_to_dispense > 0),
		unit TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE TABLE IF NOT EXISTS cash_sessions (
		id TEXT PRIMARY KEY,
		pharmacy_id TEXT NOT NULL,
		worker_id TEXT NOT NULL,
		status TEXT NOT NULL,
		opening_float_cents BIGINT NOT NULL CHECK (opening_float_cents >= 0),
		opened_at TIMESTAMPTZ NOT NULL,
		closed_at TIMESTAMPTZ,
		calculated_closing_cents BIGINT,
		counted_closing_cents BIGINT,
		variance_cents BIGINT,
		closing_notes TEXT NOT NULL DEFAULT '',
		closed_by TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS uniq_cash_sessions_open ON cash_sessions (pharmacy_id) WHERE status = 'open'`,
	`CREATE TABLE IF NOT EXISTS qr_orders (
		id TEXT PRIMARY KEY,
		pharmacy_id TEXT NOT NULL,
		amount_cents BIGINT NOT NULL CHECK (amount_cents > 0),
		description TEXT NOT NULL DEFAULT '',
		payload TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		order_id TEXT,
		created_at TIMESTAMPTZ NOT NULL,
		settled_at TIMESTAMPTZ
	)`,
	`CREATE TABLE IF NOT EXISTS orders (
		id TEXT PRIMARY KEY,
		receipt_number TEXT NOT NULL UNIQUE,
		pharmacy_id TEXT NOT NULL,
		cash_session_id TEXT NOT NULL REFERENCES cash_sessions(id),
		worker_id TEXT NOT NULL,
		patient_id TEXT,
		walk_in BOOLEAN NOT NULL DEFAULT false,
		idempotency_key TEXT NOT NULL UNIQUE,
		payment_method TEXT NOT NULL,
		payment_status TEXT NOT NULL,
		card_reference TEXT,
		qr_order_id TEXT REFERENCES qr_orders(id),
		total_cents BIGINT NOT NULL,
		cash_tendered_cents BIGINT NOT NULL DEFAULT 0,
		change_cents BIGINT NOT NULL DEFAULT 0,
		created_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_orders_session ON orders (cash_session_id)`,
	`CREATE TABLE IF NOT EXISTS order_items (
		id BIGSERIAL PRIMARY KEY,
		order_id TEXT NOT NULL REFERENCES orders(id),
		sku TEXT NOT NULL,
		name TEXT NOT NULL,
		qty INTEGER NOT NULL CHECK (qty > 0),
		unit_price_cents BIGINT NOT NULL,
		prescription_id TEXT,
		prescribed_item_name TEXT
	)`,
	`CREATE TABLE IF NOT EXISTS dispensation_records (
		id BIGSERIAL PRIMARY KEY,
		order_id TEXT NOT NULL REFERENCES orders(id),
		prescription_id TEXT NOT NULL REFERENCES prescriptions(id),
		status TEXT NOT NULL,
		items JSONB NOT NULL DEFAULT '[]',
		created_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS appointment_payments (
		id TEXT PRIMARY KEY,
		pharmacy_id TEXT NOT NULL,
		cash_session_id TEXT NOT NULL REFERENCES cash_sessions(id),
		appointment_id TEXT NOT NULL,
		patient_id TEXT,
		method TEXT NOT NULL,
		amount_cents BIGINT NOT NULL CHECK (amount_cents > 0),
		created_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS audit_logs (
		id TEXT PRIMARY KEY,
		pharmacy_id TEXT NOT NULL,
		actor_username TEXT NOT NULL,
		actor_role TEXT NOT NULL,
		action TEXT NOT NULL,
		entity_type TEXT NOT NULL,
		entity_id TEXT NOT NULL,
		detail TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_audit_logs_pharmacy_created ON audit_logs (pharmacy_id, created_at)`,
	`CREATE TABLE IF NOT EXISTS app_users (
		username TEXT PRIMARY KEY,
		password TEXT NOT NULL,
		role TEXT NOT NULL,
		active BOOLEAN NOT NULL DEFAULT true,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
}

// Migrate creates any missing tables and indexes. Every statement is idempotent.
func (s *Store) Migrate(ctx context.Context) error {
	for i, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("schema statement %d: %w", i+1, err)
		}
	}
	return nil
}
