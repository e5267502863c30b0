package store

import (
	"database/sql"
	"fmt"
	"sort"
)

// Tags are case-sensitive, deduplicated per entity, and returned sorted
// ascending. Bulk replaces run in a single transaction so an observer
// never sees a partial set.

// SetAgentTags replaces all tags on an agent.
func (s *Store) SetAgentTags(agentID string, tags []string) error {
	return s.setTags("agent_tags", "agent_id", agentID, tags)
}

// GetAgentTags returns the agent's tags sorted ascending.
func (s *Store) GetAgentTags(agentID string) ([]string, error) {
	return s.getTags("agent_tags", "agent_id", agentID)
}

// AddAgentTags adds tags to each listed agent. Duplicate adds are
// idempotent.
func (s *Store) AddAgentTags(agentIDs []string, tags []string) error {
	return s.addTags("agent_tags", "agent_id", agentIDs, tags)
}

// RemoveAgentTags removes tags from each listed agent. Removing an
// absent tag is a no-op.
func (s *Store) RemoveAgentTags(agentIDs []string, tags []string) error {
	return s.removeTags("agent_tags", "agent_id", agentIDs, tags)
}

// SetIntegrationTags replaces all tags on an integration.
func (s *Store) SetIntegrationTags(integrationID string, tags []string) error {
	return s.setTags("integration_tags", "integration_id", integrationID, tags)
}

// GetIntegrationTags returns the integration's tags sorted ascending.
func (s *Store) GetIntegrationTags(integrationID string) ([]string, error) {
	return s.getTags("integration_tags", "integration_id", integrationID)
}

// AddIntegrationTags adds tags to each listed integration.
func (s *Store) AddIntegrationTags(integrationIDs []string, tags []string) error {
	return s.addTags("integration_tags", "integration_id", integrationIDs, tags)
}

// RemoveIntegrationTags removes tags from each listed integration.
func (s *Store) RemoveIntegrationTags(integrationIDs []string, tags []string) error {
	return s.removeTags("integration_tags", "integration_id", integrationIDs, tags)
}

// ListAgentIDsByTag returns ids of agents carrying the tag.
func (s *Store) ListAgentIDsByTag(tag string) ([]string, error) {
	return s.listIDsByTag("agent_tags", "agent_id", tag)
}

// ListIntegrationIDsByTag returns ids of integrations carrying the tag.
func (s *Store) ListIntegrationIDsByTag(tag string) ([]string, error) {
	return s.listIDsByTag("integration_tags", "integration_id", tag)
}

// RenameTag renames a tag across agents and integrations in one
// transaction. The rename is merge-safe: entities already carrying the
// new tag keep a single row.
func (s *Store) RenameTag(oldTag, newTag string) error {
	if oldTag == "" || newTag == "" {
		return fmt.Errorf("tag names must be non-empty")
	}
	if oldTag == newTag {
		return nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, t := range []struct{ table, idCol string }{
		{"agent_tags", "agent_id"},
		{"integration_tags", "integration_id"},
	} {
		if _, err := tx.Exec(
			fmt.Sprintf(`INSERT OR IGNORE INTO %s (%s, tag) SELECT %s, ? FROM %s WHERE tag = ?`,
				t.table, t.idCol, t.idCol, t.table),
			newTag, oldTag,
		); err != nil {
			return fmt.Errorf("merge tag into %s: %w", t.table, err)
		}
		if _, err := tx.Exec(fmt.Sprintf(`DELETE FROM %s WHERE tag = ?`, t.table), oldTag); err != nil {
			return fmt.Errorf("drop old tag from %s: %w", t.table, err)
		}
	}

	return tx.Commit()
}

func (s *Store) setTags(table, idCol, entityID string, tags []string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(fmt.Sprintf(`DELETE FROM %s WHERE %s = ?`, table, idCol), entityID); err != nil {
		return err
	}
	if err := insertTags(tx, table, idCol, entityID, tags); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) getTags(table, idCol, entityID string) ([]string, error) {
	rows, err := s.db.Query(
		fmt.Sprintf(`SELECT tag FROM %s WHERE %s = ?`, table, idCol), entityID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]string, 0)
	for rows.Next() {
		var tag string
		if err := rows.Scan(&tag); err != nil {
			return nil, err
		}
		out = append(out, tag)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sort.Strings(out)
	return out, nil
}

func (s *Store) addTags(table, idCol string, entityIDs, tags []string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, id := range entityIDs {
		if err := insertTags(tx, table, idCol, id, tags); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *Store) removeTags(table, idCol string, entityIDs, tags []string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt := fmt.Sprintf(`DELETE FROM %s WHERE %s = ? AND tag = ?`, table, idCol)
	for _, id := range entityIDs {
		for _, tag := range tags {
			if _, err := tx.Exec(stmt, id, tag); err != nil {
				return err
			}
		}
	}
	return tx.Commit()
}

func (s *Store) listIDsByTag(table, idCol, tag string) ([]string, error) {
	rows, err := s.db.Query(
		fmt.Sprintf(`SELECT %s FROM %s WHERE tag = ? ORDER BY %s`, idCol, table, idCol), tag)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]string, 0)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func insertTags(tx *sql.Tx, table, idCol, entityID string, tags []string) error {
	stmt := fmt.Sprintf(`INSERT OR IGNORE INTO %s (%s, tag) VALUES (?, ?)`, table, idCol)
	for _, tag := range tags {
		if tag == "" {
			continue
		}
		if _, err := tx.Exec(stmt, entityID, tag); err != nil {
			return err
		}
	}
	return nil
}
