package storage

import (
	"database/sql"
	"fmt"

	"github.com/martinsuchenak/netprov/internal/log"
)

type migration struct {
	version    int
	name       string
	statements []string
}

// migrations are applied in order, each inside its own transaction.
// Never edit a released migration; append a new one.
var migrations = []migration{
	{
		version: 1,
		name:    "inventory",
		statements: []string{
			`CREATE TABLE IF NOT EXISTS devices (
				id TEXT PRIMARY KEY,
				name TEXT NOT NULL UNIQUE,
				vendor TEXT NOT NULL,
				host TEXT NOT NULL,
				port INTEGER NOT NULL DEFAULT 0,
				username TEXT,
				secret TEXT,
				host_key TEXT,
				snmp_community TEXT,
				location TEXT NOT NULL DEFAULT '',
				status TEXT NOT NULL DEFAULT 'active',
				max_subscribers INTEGER NOT NULL DEFAULT 0,
				last_checked_at TIMESTAMP,
				last_check_result TEXT,
				created_at TIMESTAMP NOT NULL,
				updated_at TIMESTAMP NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS idx_devices_location ON devices(location)`,
			`CREATE TABLE IF NOT EXISTS subnets (
				id TEXT PRIMARY KEY,
				device_id TEXT NOT NULL,
				cidr TEXT NOT NULL UNIQUE,
				gateway TEXT NOT NULL DEFAULT '',
				dns TEXT,
				vlan INTEGER NOT NULL DEFAULT 0,
				status TEXT NOT NULL DEFAULT 'active',
				total_addresses INTEGER NOT NULL DEFAULT 0,
				used_addresses INTEGER NOT NULL DEFAULT 0,
				created_at TIMESTAMP NOT NULL,
				updated_at TIMESTAMP NOT NULL,
				FOREIGN KEY (device_id) REFERENCES devices(id)
			)`,
			`CREATE INDEX IF NOT EXISTS idx_subnets_device ON subnets(device_id)`,
			`CREATE TABLE IF NOT EXISTS addresses (
				id TEXT PRIMARY KEY,
				subnet_id TEXT NOT NULL,
				ip TEXT NOT NULL UNIQUE,
				seq INTEGER NOT NULL,
				status TEXT NOT NULL DEFAULT 'available',
				service_id TEXT,
				customer_id TEXT,
				assigned_at TIMESTAMP,
				updated_at TIMESTAMP NOT NULL,
				FOREIGN KEY (subnet_id) REFERENCES subnets(id)
			)`,
			`CREATE INDEX IF NOT EXISTS idx_addresses_claim ON addresses(subnet_id, status, seq)`,
			// One assigned address per service at any time
			`CREATE UNIQUE INDEX IF NOT EXISTS idx_addresses_service_assigned
				ON addresses(service_id) WHERE status = 'assigned'`,
		},
	},
	{
		version: 2,
		name:    "services",
		statements: []string{
			`CREATE TABLE IF NOT EXISTS service_plans (
				id TEXT PRIMARY KEY,
				name TEXT NOT NULL,
				download_kbps INTEGER NOT NULL,
				upload_kbps INTEGER NOT NULL,
				burst_download_kbps INTEGER NOT NULL DEFAULT 0,
				burst_upload_kbps INTEGER NOT NULL DEFAULT 0,
				priority INTEGER NOT NULL DEFAULT 0,
				active INTEGER NOT NULL DEFAULT 1,
				created_at TIMESTAMP NOT NULL,
				updated_at TIMESTAMP NOT NULL
			)`,
			`CREATE TABLE IF NOT EXISTS customer_services (
				id TEXT PRIMARY KEY,
				customer_id TEXT NOT NULL,
				plan_id TEXT NOT NULL,
				location TEXT NOT NULL DEFAULT '',
				status TEXT NOT NULL DEFAULT 'pending',
				address_id TEXT,
				device_id TEXT,
				username TEXT,
				secret TEXT,
				profile TEXT,
				saved_profile TEXT,
				activated_at TIMESTAMP,
				suspended_at TIMESTAMP,
				terminated_at TIMESTAMP,
				created_at TIMESTAMP NOT NULL,
				updated_at TIMESTAMP NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS idx_services_customer ON customer_services(customer_id)`,
		},
	},
	{
		version: 3,
		name:    "activations",
		statements: []string{
			`CREATE TABLE IF NOT EXISTS activations (
				id TEXT PRIMARY KEY,
				service_id TEXT NOT NULL,
				customer_id TEXT NOT NULL,
				plan_id TEXT NOT NULL,
				type TEXT NOT NULL,
				status TEXT NOT NULL,
				current_step INTEGER NOT NULL DEFAULT 0,
				failed_step TEXT,
				failure_code TEXT,
				failure_reason TEXT,
				overrides TEXT,
				started_at TIMESTAMP NOT NULL,
				completed_at TIMESTAMP
			)`,
			`CREATE INDEX IF NOT EXISTS idx_activations_service ON activations(service_id)`,
			`CREATE TABLE IF NOT EXISTS activation_steps (
				id TEXT PRIMARY KEY,
				activation_id TEXT NOT NULL,
				step TEXT NOT NULL,
				phase TEXT NOT NULL,
				status TEXT NOT NULL,
				duration_ms INTEGER NOT NULL DEFAULT 0,
				result TEXT,
				error TEXT,
				created_at TIMESTAMP NOT NULL,
				FOREIGN KEY (activation_id) REFERENCES activations(id)
			)`,
			`CREATE INDEX IF NOT EXISTS idx_activation_steps_activation ON activation_steps(activation_id)`,
		},
	},
	{
		version: 4,
		name:    "reconciliation",
		statements: []string{
			`CREATE TABLE IF NOT EXISTS sync_status (
				device_id TEXT NOT NULL,
				service_id TEXT NOT NULL,
				address_id TEXT,
				state TEXT NOT NULL,
				last_operation TEXT,
				last_error TEXT,
				last_checked_at TIMESTAMP NOT NULL,
				PRIMARY KEY (device_id, service_id)
			)`,
			`CREATE TABLE IF NOT EXISTS retry_operations (
				id TEXT PRIMARY KEY,
				device_id TEXT NOT NULL,
				service_id TEXT,
				verb TEXT NOT NULL,
				params TEXT NOT NULL,
				dedup_key TEXT NOT NULL,
				attempts INTEGER NOT NULL DEFAULT 0,
				max_attempts INTEGER NOT NULL,
				next_attempt_at INTEGER NOT NULL,
				status TEXT NOT NULL,
				last_error TEXT,
				created_at TIMESTAMP NOT NULL,
				updated_at TIMESTAMP NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS idx_retry_due ON retry_operations(status, next_attempt_at)`,
			`CREATE UNIQUE INDEX IF NOT EXISTS idx_retry_pending_dedup
				ON retry_operations(dedup_key) WHERE status = 'pending'`,
			`CREATE TABLE IF NOT EXISTS events (
				id TEXT PRIMARY KEY,
				kind TEXT NOT NULL,
				device_id TEXT,
				service_id TEXT,
				activation_id TEXT,
				message TEXT NOT NULL,
				payload TEXT,
				created_at TIMESTAMP NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS idx_events_service ON events(service_id)`,
			`CREATE INDEX IF NOT EXISTS idx_events_activation ON events(activation_id)`,
		},
	},
}

// migrate creates the migrations table and applies every pending version
func (ss *SQLiteStorage) migrate() error {
	_, err := ss.db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			applied_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		)
	`)
	if err != nil {
		return fmt.Errorf("creating migrations table: %w", err)
	}

	var current sql.NullInt64
	if err := ss.db.QueryRow("SELECT MAX(version) FROM schema_migrations").Scan(&current); err != nil {
		return fmt.Errorf("checking migration version: %w", err)
	}

	for _, m := range migrations {
		if current.Valid && int64(m.version) <= current.Int64 {
			continue
		}
		if err := ss.applyMigration(m); err != nil {
			return err
		}
		log.Info("Applied schema migration", "version", m.version, "name", m.name)
	}

	return nil
}

func (ss *SQLiteStorage) applyMigration(m migration) error {
	tx, err := ss.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, stmt := range m.statements {
		if _, err := tx.Exec(stmt); err != nil {
			return fmt.Errorf("migration %d (%s): %w", m.version, m.name, err)
		}
	}

	if _, err := tx.Exec(`INSERT INTO schema_migrations (version) VALUES (?)`, m.version); err != nil {
		return fmt.Errorf("setting migration version: %w", err)
	}

	return tx.Commit()
}
