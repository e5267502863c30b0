package store

import (
	"database/sql"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/sonde-ops/sondehub/internal/hub/huberr"
)

// Integration statuses.
const (
	IntegrationUntested = "untested"
	IntegrationOK       = "ok"
	IntegrationError    = "error"
)

// Integration is a configured instance of a third-party API. The config
// (endpoint, headers, credentials) is stored encrypted and only ever
// decrypted in memory inside the executor.
type Integration struct {
	ID              string    `json:"id"`
	Type            string    `json:"type"`
	Name            string    `json:"name"`
	ConfigEncrypted string    `json:"-"`
	Status          string    `json:"status"`
	LastTestedAt    time.Time `json:"last_tested_at,omitempty"`
	LastTestResult  string    `json:"last_test_result,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// IntegrationEvent is one lifecycle event for an integration. Events
// cascade on integration delete.
type IntegrationEvent struct {
	ID            int64     `json:"id"`
	IntegrationID string    `json:"integration_id"`
	Event         string    `json:"event"`
	Detail        string    `json:"detail,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

const integrationColumns = `id, type, name, config_encrypted, status,
	last_tested_at, last_test_result, created_at, updated_at`

// CreateIntegration inserts a new integration with encrypted config.
func (s *Store) CreateIntegration(typ, name, configEncrypted string) (*Integration, error) {
	typ = strings.TrimSpace(typ)
	name = strings.TrimSpace(name)
	if typ == "" || name == "" {
		return nil, huberr.New(huberr.Validation, "integration type and name are required")
	}

	id := uuid.NewString()
	now := formatTime(time.Now())
	_, err := s.db.Exec(`INSERT INTO integrations
		(id, type, name, config_encrypted, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		id, typ, name, configEncrypted, IntegrationUntested, now, now)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE") {
			return nil, huberr.Newf(huberr.Conflict, "integration name %q already exists", name)
		}
		return nil, err
	}
	return s.GetIntegration(id)
}

// GetIntegration returns an integration by id.
func (s *Store) GetIntegration(id string) (*Integration, error) {
	row := s.db.QueryRow(`SELECT `+integrationColumns+` FROM integrations WHERE id = ?`, id)
	i, err := scanIntegration(row)
	if err == sql.ErrNoRows {
		return nil, huberr.Newf(huberr.NotFound, "integration %s not found", id)
	}
	return i, err
}

// GetIntegrationByName returns an integration by its unique name.
func (s *Store) GetIntegrationByName(name string) (*Integration, error) {
	row := s.db.QueryRow(`SELECT `+integrationColumns+` FROM integrations WHERE name = ?`, name)
	i, err := scanIntegration(row)
	if err == sql.ErrNoRows {
		return nil, huberr.Newf(huberr.NotFound, "integration %s not found", name)
	}
	return i, err
}

// ListIntegrations returns all integrations ordered by name.
func (s *Store) ListIntegrations() ([]Integration, error) {
	return s.queryIntegrations(`SELECT ` + integrationColumns + ` FROM integrations ORDER BY name`)
}

// ListIntegrationsByType returns the integrations of one pack type.
func (s *Store) ListIntegrationsByType(typ string) ([]Integration, error) {
	return s.queryIntegrations(`SELECT `+integrationColumns+` FROM integrations WHERE type = ? ORDER BY name`, typ)
}

// UpdateIntegrationConfig replaces the encrypted config and resets the
// test status to untested.
func (s *Store) UpdateIntegrationConfig(id, configEncrypted string) error {
	res, err := s.db.Exec(`UPDATE integrations
		SET config_encrypted = ?, status = ?, last_tested_at = NULL, last_test_result = NULL, updated_at = ?
		WHERE id = ?`,
		configEncrypted, IntegrationUntested, formatTime(time.Now()), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return huberr.Newf(huberr.NotFound, "integration %s not found", id)
	}
	return nil
}

// SetIntegrationTestResult records the outcome of a test-connection run.
func (s *Store) SetIntegrationTestResult(id, status, result string, testedAt time.Time) error {
	res, err := s.db.Exec(`UPDATE integrations
		SET status = ?, last_tested_at = ?, last_test_result = ?, updated_at = ?
		WHERE id = ?`,
		status, formatTime(testedAt), nullString(result), formatTime(time.Now()), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return huberr.Newf(huberr.NotFound, "integration %s not found", id)
	}
	return nil
}

// DeleteIntegration removes an integration. Tags and events cascade.
func (s *Store) DeleteIntegration(id string) error {
	res, err := s.db.Exec(`DELETE FROM integrations WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return huberr.Newf(huberr.NotFound, "integration %s not found", id)
	}
	return nil
}

// AppendIntegrationEvent records a lifecycle event.
func (s *Store) AppendIntegrationEvent(integrationID, event, detail string) error {
	_, err := s.db.Exec(`INSERT INTO integration_events (integration_id, event, detail, created_at)
		VALUES (?, ?, ?, ?)`,
		integrationID, event, nullString(detail), formatTime(time.Now()))
	return err
}

// ListIntegrationEvents returns events newest first, up to limit.
func (s *Store) ListIntegrationEvents(integrationID string, limit int) ([]IntegrationEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(`SELECT id, integration_id, event, detail, created_at
		FROM integration_events WHERE integration_id = ?
		ORDER BY id DESC LIMIT ?`, integrationID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]IntegrationEvent, 0)
	for rows.Next() {
		var (
			e      IntegrationEvent
			detail sql.NullString
			ts     string
		)
		if err := rows.Scan(&e.ID, &e.IntegrationID, &e.Event, &detail, &ts); err != nil {
			return nil, err
		}
		e.Detail = detail.String
		e.CreatedAt = parseTime(ts)
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *Store) queryIntegrations(query string, args ...any) ([]Integration, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]Integration, 0)
	for rows.Next() {
		i, err := scanIntegration(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *i)
	}
	return out, rows.Err()
}

func scanIntegration(row scanner) (*Integration, error) {
	var (
		i                      Integration
		lastTested, lastResult sql.NullString
		createdAt, updatedAt   string
	)
	if err := row.Scan(
		&i.ID, &i.Type, &i.Name, &i.ConfigEncrypted, &i.Status,
		&lastTested, &lastResult, &createdAt, &updatedAt,
	); err != nil {
		return nil, err
	}
	if lastTested.Valid {
		i.LastTestedAt = parseTime(lastTested.String)
	}
	i.LastTestResult = lastResult.String
	i.CreatedAt = parseTime(createdAt)
	i.UpdatedAt = parseTime(updatedAt)
	return &i, nil
}
