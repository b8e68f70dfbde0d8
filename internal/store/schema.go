package store

import "fmt"

// Migrate creates the schema when missing. Statements are idempotent, so
// the serve and migrate commands can both run it safely.
func (s *Store) Migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS users (
		id                    TEXT PRIMARY KEY,
		email                 TEXT NOT NULL,
		name                  TEXT NOT NULL DEFAULT '',
		created_at            INTEGER NOT NULL,
		updated_at            INTEGER NOT NULL,
		deleted_at            INTEGER,
		deleted_cascade_depth INTEGER NOT NULL DEFAULT 0
	);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_users_email ON users(email) WHERE deleted_at IS NULL;

	CREATE TABLE IF NOT EXISTS operators (
		id                    TEXT PRIMARY KEY,
		user_id               TEXT NOT NULL REFERENCES users(id),
		role                  TEXT NOT NULL CHECK (role IN ('owner','admin','view')),
		created_at            INTEGER NOT NULL,
		deleted_at            INTEGER,
		deleted_cascade_depth INTEGER NOT NULL DEFAULT 0
	);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_operators_user ON operators(user_id) WHERE deleted_at IS NULL;

	CREATE TABLE IF NOT EXISTS organizations (
		id                       TEXT PRIMARY KEY,
		name                     TEXT NOT NULL,
		payment_provider_default TEXT CHECK (payment_provider_default IN ('stripe','lemonsqueezy')),
		stripe_config_ciphertext TEXT,
		ls_config_ciphertext     TEXT,
		resend_key_ciphertext    TEXT,
		created_at               INTEGER NOT NULL,
		updated_at               INTEGER NOT NULL,
		deleted_at               INTEGER,
		deleted_cascade_depth    INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS org_members (
		id                    TEXT PRIMARY KEY,
		user_id               TEXT NOT NULL REFERENCES users(id),
		org_id                TEXT NOT NULL REFERENCES organizations(id),
		role                  TEXT NOT NULL CHECK (role IN ('owner','admin','member')),
		created_at            INTEGER NOT NULL,
		deleted_at            INTEGER,
		deleted_cascade_depth INTEGER NOT NULL DEFAULT 0
	);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_org_members_unique ON org_members(user_id, org_id) WHERE deleted_at IS NULL;
	CREATE INDEX IF NOT EXISTS idx_org_members_org ON org_members(org_id);

	CREATE TABLE IF NOT EXISTS projects (
		id                     TEXT PRIMARY KEY,
		org_id                 TEXT NOT NULL REFERENCES organizations(id),
		name                   TEXT NOT NULL,
		license_key_prefix     TEXT NOT NULL,
		signing_alg            TEXT NOT NULL DEFAULT 'ed25519' CHECK (signing_alg IN ('ed25519','es256')),
		private_key_ciphertext TEXT NOT NULL,
		public_key_pem         TEXT NOT NULL,
		key_id                 TEXT NOT NULL,
		retired_keys           TEXT NOT NULL DEFAULT '[]',
		redirect_url           TEXT,
		allowed_redirect_urls  TEXT NOT NULL DEFAULT '[]',
		email_enabled          INTEGER NOT NULL DEFAULT 1,
		email_webhook_url      TEXT,
		email_from             TEXT,
		created_at             INTEGER NOT NULL,
		updated_at             INTEGER NOT NULL,
		deleted_at             INTEGER,
		deleted_cascade_depth  INTEGER NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_projects_org ON projects(org_id);

	CREATE TABLE IF NOT EXISTS project_members (
		id            TEXT PRIMARY KEY,
		org_member_id TEXT NOT NULL REFERENCES org_members(id),
		project_id    TEXT NOT NULL REFERENCES projects(id),
		role          TEXT NOT NULL CHECK (role IN ('admin','view')),
		created_at    INTEGER NOT NULL
	);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_project_members_unique ON project_members(org_member_id, project_id);
	CREATE INDEX IF NOT EXISTS idx_project_members_project ON project_members(project_id);

	CREATE TABLE IF NOT EXISTS products (
		id                    TEXT PRIMARY KEY,
		project_id            TEXT NOT NULL REFERENCES projects(id),
		name                  TEXT NOT NULL,
		tier                  TEXT NOT NULL DEFAULT '',
		license_exp_days      INTEGER,
		updates_exp_days      INTEGER,
		activation_limit      INTEGER NOT NULL DEFAULT 0,
		device_limit          INTEGER NOT NULL DEFAULT 0,
		features              TEXT NOT NULL DEFAULT '[]',
		created_at            INTEGER NOT NULL,
		deleted_at            INTEGER,
		deleted_cascade_depth INTEGER NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_products_project ON products(project_id);

	CREATE TABLE IF NOT EXISTS product_payment_configs (
		id              TEXT PRIMARY KEY,
		product_id      TEXT NOT NULL REFERENCES products(id),
		provider        TEXT NOT NULL CHECK (provider IN ('stripe','lemonsqueezy')),
		stripe_price_id TEXT,
		price_cents     INTEGER,
		currency        TEXT,
		ls_variant_id   TEXT,
		created_at      INTEGER NOT NULL,
		updated_at      INTEGER NOT NULL,
		UNIQUE (product_id, provider)
	);

	CREATE TABLE IF NOT EXISTS licenses (
		id                      TEXT PRIMARY KEY,
		project_id              TEXT NOT NULL REFERENCES projects(id),
		product_id              TEXT NOT NULL REFERENCES products(id),
		email_hash              TEXT,
		customer_id             TEXT,
		key_hash                TEXT NOT NULL,
		key_ciphertext          TEXT NOT NULL,
		activation_count        INTEGER NOT NULL DEFAULT 0,
		revoked                 INTEGER NOT NULL DEFAULT 0,
		revoked_jtis            TEXT NOT NULL DEFAULT '[]',
		expires_at              INTEGER,
		updates_expires_at      INTEGER,
		payment_provider        TEXT CHECK (payment_provider IN ('stripe','lemonsqueezy')),
		payment_customer_id     TEXT,
		payment_subscription_id TEXT,
		payment_order_id        TEXT,
		created_at              INTEGER NOT NULL,
		deleted_at              INTEGER,
		deleted_cascade_depth   INTEGER NOT NULL DEFAULT 0
	);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_licenses_key_hash ON licenses(key_hash);
	CREATE INDEX IF NOT EXISTS idx_licenses_project ON licenses(project_id);
	CREATE INDEX IF NOT EXISTS idx_licenses_email ON licenses(email_hash) WHERE email_hash IS NOT NULL;
	CREATE INDEX IF NOT EXISTS idx_licenses_subscription ON licenses(payment_provider, payment_subscription_id) WHERE payment_subscription_id IS NOT NULL;

	CREATE TABLE IF NOT EXISTS activation_codes (
		id         TEXT PRIMARY KEY,
		code_hash  TEXT NOT NULL UNIQUE,
		license_id TEXT NOT NULL REFERENCES licenses(id),
		expires_at INTEGER NOT NULL,
		used       INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_activation_codes_license ON activation_codes(license_id);

	CREATE TABLE IF NOT EXISTS devices (
		id           TEXT PRIMARY KEY,
		license_id   TEXT NOT NULL REFERENCES licenses(id),
		device_id    TEXT NOT NULL,
		device_type  TEXT NOT NULL CHECK (device_type IN ('uuid','machine')),
		name         TEXT,
		jti          TEXT NOT NULL,
		activated_at INTEGER NOT NULL,
		last_seen_at INTEGER,
		UNIQUE (license_id, device_id)
	);
	CREATE INDEX IF NOT EXISTS idx_devices_license ON devices(license_id);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_devices_jti ON devices(jti);

	-- Payment history outlives the catalog: product_id is unenforced so
	-- purging a product keeps its sessions.
	CREATE TABLE IF NOT EXISTS payment_sessions (
		id           TEXT PRIMARY KEY,
		product_id   TEXT NOT NULL,
		provider     TEXT NOT NULL CHECK (provider IN ('stripe','lemonsqueezy')),
		customer_id  TEXT,
		redirect_url TEXT,
		completed    INTEGER NOT NULL DEFAULT 0,
		license_id   TEXT,
		created_at   INTEGER NOT NULL,
		completed_at INTEGER
	);
	CREATE INDEX IF NOT EXISTS idx_payment_sessions_product ON payment_sessions(product_id);

	CREATE TABLE IF NOT EXISTS webhook_events (
		id         TEXT NOT NULL,
		provider   TEXT NOT NULL,
		event_id   TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		PRIMARY KEY (provider, event_id)
	);

	CREATE TABLE IF NOT EXISTS api_keys (
		id              TEXT PRIMARY KEY,
		user_id         TEXT NOT NULL REFERENCES users(id),
		name            TEXT NOT NULL,
		prefix          TEXT NOT NULL,
		key_hash        TEXT NOT NULL UNIQUE,
		user_manageable INTEGER NOT NULL DEFAULT 1,
		created_at      INTEGER NOT NULL,
		last_used_at    INTEGER,
		expires_at      INTEGER,
		revoked_at      INTEGER
	);
	CREATE INDEX IF NOT EXISTS idx_api_keys_user ON api_keys(user_id);
	CREATE INDEX IF NOT EXISTS idx_api_keys_prefix ON api_keys(prefix);

	CREATE TABLE IF NOT EXISTS api_key_scopes (
		api_key_id TEXT NOT NULL REFERENCES api_keys(id),
		org_id     TEXT NOT NULL REFERENCES organizations(id),
		project_id TEXT,
		access     TEXT NOT NULL CHECK (access IN ('view','admin'))
	);
	CREATE INDEX IF NOT EXISTS idx_api_key_scopes_key ON api_key_scopes(api_key_id);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("init schema: %w", err)
	}
	return nil
}
