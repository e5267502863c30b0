package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/sonde-ops/sondehub/internal/hub/huberr"
	"github.com/sonde-ops/sondehub/internal/protocol"
)

// Agent statuses.
const (
	AgentOnline   = "online"
	AgentDegraded = "degraded"
	AgentOffline  = "offline"
)

// Agent is the persisted view of an enrolled agent. Agents are unique by
// id (opaque) and by name (human); the name identifies the machine across
// re-enrollments.
type Agent struct {
	ID                  string                `json:"id"`
	Name                string                `json:"name"`
	Status              string                `json:"status"`
	LastSeen            time.Time             `json:"last_seen,omitempty"`
	OS                  string                `json:"os,omitempty"`
	AgentVersion        string                `json:"agent_version,omitempty"`
	Packs               []protocol.PackStatus `json:"packs,omitempty"`
	CertPEM             string                `json:"-"`
	CertFingerprint     string                `json:"cert_fingerprint,omitempty"`
	AttestationJSON     string                `json:"attestation_json,omitempty"`
	AttestationMismatch bool                  `json:"attestation_mismatch,omitempty"`
	DeletedAt           time.Time             `json:"deleted_at,omitempty"`
	CreatedAt           time.Time             `json:"created_at"`
	UpdatedAt           time.Time             `json:"updated_at"`
}

const agentColumns = `id, name, status, last_seen, os, agent_version, packs_json,
	cert_pem, cert_fingerprint, attestation_json, attestation_mismatch,
	deleted_at, created_at, updated_at`

// UpsertAgentByName creates an agent, or rewrites the id of the existing
// agent with that name. Agents identify themselves by name at enrollment,
// so the name is the stable key and the id is reissued.
func (s *Store) UpsertAgentByName(name, os, agentVersion, certPEM, certFingerprint string) (*Agent, error) {
	if name == "" {
		return nil, huberr.New(huberr.Validation, "agent name is required")
	}

	tx, err := s.db.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	newID := uuid.NewString()
	now := formatTime(time.Now())

	var existingID string
	err = tx.QueryRow(`SELECT id FROM agents WHERE name = ?`, name).Scan(&existingID)
	switch {
	case err == sql.ErrNoRows:
		if _, err := tx.Exec(`INSERT INTO agents
			(id, name, status, os, agent_version, cert_pem, cert_fingerprint, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			newID, name, AgentOffline, nullString(os), nullString(agentVersion),
			nullString(certPEM), nullString(certFingerprint), now, now,
		); err != nil {
			return nil, fmt.Errorf("insert agent: %w", err)
		}
	case err != nil:
		return nil, err
	default:
		// Re-enrollment: rewrite the id. Tag rows follow via ON UPDATE CASCADE.
		if _, err := tx.Exec(`UPDATE agents
			SET id = ?, os = ?, agent_version = ?, cert_pem = ?, cert_fingerprint = ?,
			    deleted_at = NULL, updated_at = ?
			WHERE name = ?`,
			newID, nullString(os), nullString(agentVersion),
			nullString(certPEM), nullString(certFingerprint), now, name,
		); err != nil {
			return nil, fmt.Errorf("re-enroll agent: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return s.GetAgent(newID)
}

// GetAgent returns an agent by id.
func (s *Store) GetAgent(id string) (*Agent, error) {
	row := s.db.QueryRow(`SELECT `+agentColumns+` FROM agents WHERE id = ?`, id)
	a, err := scanAgent(row)
	if err == sql.ErrNoRows {
		return nil, huberr.Newf(huberr.NotFound, "agent %s not found", id)
	}
	return a, err
}

// GetAgentByName returns an agent by its unique name.
func (s *Store) GetAgentByName(name string) (*Agent, error) {
	row := s.db.QueryRow(`SELECT `+agentColumns+` FROM agents WHERE name = ?`, name)
	a, err := scanAgent(row)
	if err == sql.ErrNoRows {
		return nil, huberr.Newf(huberr.NotFound, "agent %s not found", name)
	}
	return a, err
}

// ListAgents returns all non-tombstoned agents ordered by name.
func (s *Store) ListAgents() ([]Agent, error) {
	rows, err := s.db.Query(`SELECT ` + agentColumns + ` FROM agents WHERE deleted_at IS NULL ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]Agent, 0)
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

// SetAgentStatus updates status and last-seen for the named agent.
func (s *Store) SetAgentStatus(name, status string, lastSeen time.Time) error {
	res, err := s.db.Exec(`UPDATE agents SET status = ?, last_seen = ?, updated_at = ? WHERE name = ?`,
		status, nullTime(lastSeen), formatTime(time.Now()), name)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return huberr.Newf(huberr.NotFound, "agent %s not found", name)
	}
	return nil
}

// SetAgentRuntime records the agent-reported OS and version.
func (s *Store) SetAgentRuntime(name, os, agentVersion string) error {
	res, err := s.db.Exec(`UPDATE agents SET os = ?, agent_version = ?, updated_at = ? WHERE name = ?`,
		nullString(os), nullString(agentVersion), formatTime(time.Now()), name)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return huberr.Newf(huberr.NotFound, "agent %s not found", name)
	}
	return nil
}

// SetAgentPacks replaces the agent's pack list, preserving report order.
func (s *Store) SetAgentPacks(name string, packs []protocol.PackStatus) error {
	data, err := json.Marshal(packs)
	if err != nil {
		return err
	}
	res, err := s.db.Exec(`UPDATE agents SET packs_json = ?, updated_at = ? WHERE name = ?`,
		string(data), formatTime(time.Now()), name)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return huberr.Newf(huberr.NotFound, "agent %s not found", name)
	}
	return nil
}

// SetAgentAttestation stores the attestation report and mismatch verdict.
func (s *Store) SetAgentAttestation(name, attestationJSON string, mismatch bool) error {
	res, err := s.db.Exec(`UPDATE agents SET attestation_json = ?, attestation_mismatch = ?, updated_at = ? WHERE name = ?`,
		nullString(attestationJSON), boolToInt(mismatch), formatTime(time.Now()), name)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return huberr.Newf(huberr.NotFound, "agent %s not found", name)
	}
	return nil
}

// TombstoneAgent marks an agent deleted. The core never removes agent
// rows; the name stays reserved for re-enrollment.
func (s *Store) TombstoneAgent(id string) error {
	now := formatTime(time.Now())
	res, err := s.db.Exec(`UPDATE agents SET deleted_at = ?, status = ?, updated_at = ? WHERE id = ? AND deleted_at IS NULL`,
		now, AgentOffline, now, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return huberr.Newf(huberr.NotFound, "agent %s not found", id)
	}
	return nil
}

func scanAgent(row scanner) (*Agent, error) {
	var (
		a                               Agent
		lastSeen, os, version           sql.NullString
		certPEM, certFP, attestation    sql.NullString
		deletedAt                       sql.NullString
		packsJSON, createdAt, updatedAt string
		mismatch                        int
	)
	if err := row.Scan(
		&a.ID, &a.Name, &a.Status, &lastSeen, &os, &version, &packsJSON,
		&certPEM, &certFP, &attestation, &mismatch,
		&deletedAt, &createdAt, &updatedAt,
	); err != nil {
		return nil, err
	}

	if lastSeen.Valid {
		a.LastSeen = parseTime(lastSeen.String)
	}
	a.OS = os.String
	a.AgentVersion = version.String
	a.CertPEM = certPEM.String
	a.CertFingerprint = certFP.String
	a.AttestationJSON = attestation.String
	a.AttestationMismatch = mismatch == 1
	if deletedAt.Valid {
		a.DeletedAt = parseTime(deletedAt.String)
	}
	a.CreatedAt = parseTime(createdAt)
	a.UpdatedAt = parseTime(updatedAt)
	if packsJSON != "" {
		_ = json.Unmarshal([]byte(packsJSON), &a.Packs)
	}
	return &a, nil
}

type scanner interface {
	Scan(dest ...any) error
}
