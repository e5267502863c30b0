package store

import (
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/sonde-ops/sondehub/internal/hub/huberr"
)

// Critical-path step target kinds.
const (
	TargetAgent       = "agent"
	TargetIntegration = "integration"
)

// CriticalPath is an ordered list of probe steps across agents and
// integrations, used by diagnostic runbooks to walk a service chain.
type CriticalPath struct {
	ID        string             `json:"id"`
	Name      string             `json:"name"`
	Steps     []CriticalPathStep `json:"steps"`
	CreatedAt time.Time          `json:"created_at"`
	UpdatedAt time.Time          `json:"updated_at"`
}

// CriticalPathStep targets one agent or integration with a probe set.
type CriticalPathStep struct {
	Position   int      `json:"position"`
	TargetKind string   `json:"target_kind"`
	TargetID   string   `json:"target_id"`
	Probes     []string `json:"probes"`
}

// CreateCriticalPath inserts an empty path.
func (s *Store) CreateCriticalPath(name string) (*CriticalPath, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, huberr.New(huberr.Validation, "critical path name is required")
	}

	id := uuid.NewString()
	now := formatTime(time.Now())
	_, err := s.db.Exec(`INSERT INTO critical_paths (id, name, created_at, updated_at) VALUES (?, ?, ?, ?)`,
		id, name, now, now)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE") {
			return nil, huberr.Newf(huberr.Conflict, "critical path %q already exists", name)
		}
		return nil, err
	}
	return s.GetCriticalPath(id)
}

// SetCriticalPathSteps replaces the full step list in one transaction so
// an observer never sees a partial replace.
func (s *Store) SetCriticalPathSteps(pathID string, steps []CriticalPathStep) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var exists int
	if err := tx.QueryRow(`SELECT COUNT(*) FROM critical_paths WHERE id = ?`, pathID).Scan(&exists); err != nil {
		return err
	}
	if exists == 0 {
		return huberr.Newf(huberr.NotFound, "critical path %s not found", pathID)
	}

	if _, err := tx.Exec(`DELETE FROM critical_path_steps WHERE path_id = ?`, pathID); err != nil {
		return err
	}
	for i, step := range steps {
		probes, err := json.Marshal(step.Probes)
		if err != nil {
			return err
		}
		if _, err := tx.Exec(`INSERT INTO critical_path_steps (path_id, position, target_kind, target_id, probes_json)
			VALUES (?, ?, ?, ?, ?)`,
			pathID, i, step.TargetKind, step.TargetID, string(probes)); err != nil {
			return err
		}
	}
	if _, err := tx.Exec(`UPDATE critical_paths SET updated_at = ? WHERE id = ?`,
		formatTime(time.Now()), pathID); err != nil {
		return err
	}
	return tx.Commit()
}

// GetCriticalPath returns a path with its ordered steps.
func (s *Store) GetCriticalPath(id string) (*CriticalPath, error) {
	row := s.db.QueryRow(`SELECT id, name, created_at, updated_at FROM critical_paths WHERE id = ?`, id)

	var (
		p                    CriticalPath
		createdAt, updatedAt string
	)
	err := row.Scan(&p.ID, &p.Name, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, huberr.Newf(huberr.NotFound, "critical path %s not found", id)
	}
	if err != nil {
		return nil, err
	}
	p.CreatedAt = parseTime(createdAt)
	p.UpdatedAt = parseTime(updatedAt)

	rows, err := s.db.Query(`SELECT position, target_kind, target_id, probes_json
		FROM critical_path_steps WHERE path_id = ? ORDER BY position`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			step   CriticalPathStep
			probes string
		)
		if err := rows.Scan(&step.Position, &step.TargetKind, &step.TargetID, &probes); err != nil {
			return nil, err
		}
		_ = json.Unmarshal([]byte(probes), &step.Probes)
		p.Steps = append(p.Steps, step)
	}
	return &p, rows.Err()
}

// ListCriticalPaths returns all paths with steps, ordered by name.
func (s *Store) ListCriticalPaths() ([]CriticalPath, error) {
	rows, err := s.db.Query(`SELECT id FROM critical_paths ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	ids := make([]string, 0)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]CriticalPath, 0, len(ids))
	for _, id := range ids {
		p, err := s.GetCriticalPath(id)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, nil
}

// DeleteCriticalPath removes a path; steps cascade.
func (s *Store) DeleteCriticalPath(id string) error {
	res, err := s.db.Exec(`DELETE FROM critical_paths WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return huberr.Newf(huberr.NotFound, "critical path %s not found", id)
	}
	return nil
}
