package store

import (
	"database/sql"
	"fmt"
	"time"
)

// A migration is one numbered schema step. Migrations run in order inside
// a transaction each; they never rewrite data destructively without a
// compensating backfill.
type migration struct {
	version int
	apply   func(tx *sql.Tx) error
}

var migrations = []migration{
	{1, migrateInitial},
	{2, migrateAgentAttestation},
	{3, migrateEncryptedCAKey},
}

const createVersionTable = `
CREATE TABLE IF NOT EXISTS _schema_version (
	version    INTEGER NOT NULL,
	applied_at TEXT NOT NULL
)`

func (s *Store) migrate() error {
	if _, err := s.db.Exec(createVersionTable); err != nil {
		return fmt.Errorf("create _schema_version: %w", err)
	}

	current, err := s.schemaVersion()
	if err != nil {
		return err
	}

	for _, m := range migrations {
		if m.version <= current {
			continue
		}
		if err := s.applyMigration(m); err != nil {
			return fmt.Errorf("migration %d: %w", m.version, err)
		}
	}
	return nil
}

func (s *Store) schemaVersion() (int, error) {
	var version int
	err := s.db.QueryRow(`SELECT COALESCE(MAX(version), 0) FROM _schema_version`).Scan(&version)
	if err != nil {
		return 0, fmt.Errorf("read schema version: %w", err)
	}
	return version, nil
}

func (s *Store) applyMigration(m migration) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := m.apply(tx); err != nil {
		return err
	}
	if _, err := tx.Exec(
		`INSERT INTO _schema_version (version, applied_at) VALUES (?, ?)`,
		m.version, formatTime(time.Now()),
	); err != nil {
		return err
	}
	return tx.Commit()
}

func migrateInitial(tx *sql.Tx) error {
	stmts := []string{
		`CREATE TABLE agents (
			id               TEXT PRIMARY KEY,
			name             TEXT NOT NULL UNIQUE,
			status           TEXT NOT NULL DEFAULT 'offline',
			last_seen        TEXT,
			os               TEXT,
			agent_version    TEXT,
			packs_json       TEXT NOT NULL DEFAULT '[]',
			cert_pem         TEXT,
			cert_fingerprint TEXT,
			deleted_at       TEXT,
			created_at       TEXT NOT NULL,
			updated_at       TEXT NOT NULL
		)`,
		`CREATE TABLE agent_tags (
			agent_id TEXT NOT NULL REFERENCES agents(id) ON DELETE CASCADE ON UPDATE CASCADE,
			tag      TEXT NOT NULL,
			PRIMARY KEY (agent_id, tag)
		)`,
		`CREATE TABLE integrations (
			id               TEXT PRIMARY KEY,
			type             TEXT NOT NULL,
			name             TEXT NOT NULL UNIQUE,
			config_encrypted TEXT NOT NULL,
			status           TEXT NOT NULL DEFAULT 'untested',
			last_tested_at   TEXT,
			last_test_result TEXT,
			created_at       TEXT NOT NULL,
			updated_at       TEXT NOT NULL
		)`,
		`CREATE TABLE integration_tags (
			integration_id TEXT NOT NULL REFERENCES integrations(id) ON DELETE CASCADE ON UPDATE CASCADE,
			tag            TEXT NOT NULL,
			PRIMARY KEY (integration_id, tag)
		)`,
		`CREATE TABLE integration_events (
			id             INTEGER PRIMARY KEY AUTOINCREMENT,
			integration_id TEXT NOT NULL REFERENCES integrations(id) ON DELETE CASCADE,
			event          TEXT NOT NULL,
			detail         TEXT,
			created_at     TEXT NOT NULL
		)`,
		`CREATE TABLE enrollment_tokens (
			token         TEXT PRIMARY KEY,
			created_at    TEXT NOT NULL,
			expires_at    TEXT NOT NULL,
			used_at       TEXT,
			used_by_agent TEXT
		)`,
		`CREATE TABLE hub_ca (
			id         INTEGER PRIMARY KEY CHECK (id = 1),
			cert_pem   TEXT NOT NULL,
			key_pem    TEXT,
			created_at TEXT NOT NULL
		)`,
		`CREATE TABLE api_keys (
			id          TEXT PRIMARY KEY,
			name        TEXT NOT NULL,
			key_hash    TEXT NOT NULL UNIQUE,
			policy_json TEXT NOT NULL DEFAULT '{}',
			role_id     TEXT,
			key_type    TEXT NOT NULL DEFAULT 'mcp',
			owner_id    TEXT,
			created_at  TEXT NOT NULL,
			expires_at  TEXT,
			revoked_at  TEXT,
			last_used   TEXT
		)`,
		`CREATE TABLE audit_log (
			id            INTEGER PRIMARY KEY AUTOINCREMENT,
			timestamp     TEXT NOT NULL,
			api_key_id    TEXT,
			agent_id      TEXT,
			probe         TEXT NOT NULL,
			status        TEXT NOT NULL,
			duration_ms   INTEGER NOT NULL DEFAULT 0,
			request_json  TEXT,
			response_json TEXT,
			prev_hash     TEXT NOT NULL
		)`,
		`CREATE TABLE probe_results (
			id             INTEGER PRIMARY KEY AUTOINCREMENT,
			probe          TEXT NOT NULL,
			agent_id       TEXT,
			integration_id TEXT,
			status         TEXT NOT NULL,
			duration_ms    INTEGER NOT NULL DEFAULT 0,
			data_json      TEXT,
			error_text     TEXT,
			ts             TEXT NOT NULL
		)`,
		`CREATE TABLE critical_paths (
			id         TEXT PRIMARY KEY,
			name       TEXT NOT NULL UNIQUE,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE TABLE critical_path_steps (
			path_id     TEXT NOT NULL REFERENCES critical_paths(id) ON DELETE CASCADE,
			position    INTEGER NOT NULL,
			target_kind TEXT NOT NULL,
			target_id   TEXT NOT NULL,
			probes_json TEXT NOT NULL DEFAULT '[]',
			PRIMARY KEY (path_id, position)
		)`,
		`CREATE TABLE hub_settings (
			key        TEXT PRIMARY KEY,
			value      TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE INDEX idx_probe_results_probe_ts ON probe_results(probe, ts)`,
		`CREATE INDEX idx_probe_results_agent_ts ON probe_results(agent_id, ts)`,
		`CREATE INDEX idx_audit_log_ts ON audit_log(timestamp)`,
		`CREATE INDEX idx_tokens_expires ON enrollment_tokens(expires_at)`,
		`CREATE INDEX idx_integration_events_integration ON integration_events(integration_id)`,
	}
	for _, stmt := range stmts {
		if _, err := tx.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

func migrateAgentAttestation(tx *sql.Tx) error {
	stmts := []string{
		`ALTER TABLE agents ADD COLUMN attestation_json TEXT`,
		`ALTER TABLE agents ADD COLUMN attestation_mismatch INTEGER NOT NULL DEFAULT 0`,
	}
	for _, stmt := range stmts {
		if _, err := tx.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// migrateEncryptedCAKey adds the encrypted key column. The legacy
// plaintext key_pem column is kept: existing rows are re-encrypted lazily
// on first CA load, never rewritten here.
func migrateEncryptedCAKey(tx *sql.Tx) error {
	_, err := tx.Exec(`ALTER TABLE hub_ca ADD COLUMN key_pem_enc TEXT`)
	return err
}
