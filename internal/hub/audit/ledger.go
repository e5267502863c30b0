// Package audit maintains the hub's append-only, hash-chained record of
// probe invocations. Every entry carries the SHA-256 of the canonical
// serialisation of its predecessor, so deleting or reordering a row is
// detectable by Verify.
package audit

import (
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Entry statuses.
const (
	StatusSuccess = "success"
	StatusError   = "error"
	StatusTimeout = "timeout"
)

// tsLayout is fixed-width so the stored timestamp column compares
// lexically in time order, which the Since filter relies on. Canonical
// keeps RFC3339Nano: the hash covers the parsed time, not the column.
const tsLayout = "2006-01-02T15:04:05.000000000Z"

// Entry is one audited probe invocation.
type Entry struct {
	ID           int64     `json:"id"`
	Timestamp    time.Time `json:"timestamp"`
	APIKeyID     string    `json:"api_key_id,omitempty"`
	AgentID      string    `json:"agent_id,omitempty"`
	Probe        string    `json:"probe"`
	Status       string    `json:"status"`
	DurationMs   int64     `json:"duration_ms"`
	RequestJSON  string    `json:"request_json,omitempty"`
	ResponseJSON string    `json:"response_json,omitempty"`
	PrevHash     string    `json:"prev_hash"`
}

// VerifyResult reports chain integrity. BrokenAt is the id of the first
// row whose prev_hash diverges from the recomputation.
type VerifyResult struct {
	Valid    bool  `json:"valid"`
	BrokenAt int64 `json:"broken_at,omitempty"`
}

// Ledger appends to and verifies the audit chain. It shares the hub
// database; audit writes are globally serialised by the append
// transaction, which the chain requires.
type Ledger struct {
	db *sql.DB
}

// NewLedger creates a ledger over the hub database.
func NewLedger(db *sql.DB) *Ledger {
	return &Ledger{db: db}
}

// Append inserts an entry linked to the current chain head. The read of
// the last row and the insert run in one transaction.
func (l *Ledger) Append(e Entry) (*Entry, error) {
	tx, err := l.db.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	out, err := AppendInTx(tx, e)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return out, nil
}

// AppendInTx appends inside a caller-held transaction. The probe router
// uses this to keep the audit entry and the rolling probe result in the
// same transaction boundary.
func AppendInTx(tx *sql.Tx, e Entry) (*Entry, error) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	e.Timestamp = e.Timestamp.UTC()

	last, err := lastEntry(tx)
	if err != nil {
		return nil, err
	}
	if last == nil {
		e.PrevHash = ""
	} else {
		e.PrevHash = hashEntry(*last)
	}

	res, err := tx.Exec(`INSERT INTO audit_log
		(timestamp, api_key_id, agent_id, probe, status, duration_ms, request_json, response_json, prev_hash)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.Timestamp.Format(tsLayout),
		emptyToNull(e.APIKeyID), emptyToNull(e.AgentID),
		e.Probe, e.Status, e.DurationMs,
		emptyToNull(e.RequestJSON), emptyToNull(e.ResponseJSON),
		e.PrevHash)
	if err != nil {
		return nil, fmt.Errorf("append audit entry: %w", err)
	}
	e.ID, err = res.LastInsertId()
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// Verify walks the table in id order, recomputing the chain. It returns
// the first id where prev_hash diverges, or Valid:true.
func (l *Ledger) Verify() (*VerifyResult, error) {
	rows, err := l.db.Query(`SELECT id, timestamp, api_key_id, agent_id, probe, status,
		duration_ms, request_json, response_json, prev_hash
		FROM audit_log ORDER BY id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var prev *Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}

		expected := ""
		if prev != nil {
			expected = hashEntry(*prev)
		}
		if e.PrevHash != expected {
			return &VerifyResult{Valid: false, BrokenAt: e.ID}, nil
		}
		prev = e
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return &VerifyResult{Valid: true}, nil
}

// Query returns entries newest first with optional filters.
type Filter struct {
	AgentID string
	Probe   string
	Status  string
	Since   time.Time
	Limit   int
}

// Query searches the ledger.
func (l *Ledger) Query(f Filter) ([]Entry, error) {
	query := `SELECT id, timestamp, api_key_id, agent_id, probe, status,
		duration_ms, request_json, response_json, prev_hash
		FROM audit_log WHERE 1=1`
	args := make([]any, 0, 4)

	if f.AgentID != "" {
		query += " AND agent_id = ?"
		args = append(args, f.AgentID)
	}
	if f.Probe != "" {
		query += " AND probe = ?"
		args = append(args, f.Probe)
	}
	if f.Status != "" {
		query += " AND status = ?"
		args = append(args, f.Status)
	}
	if !f.Since.IsZero() {
		query += " AND timestamp >= ?"
		args = append(args, f.Since.UTC().Format(tsLayout))
	}
	query += " ORDER BY id DESC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := l.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]Entry, 0)
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}

// Count returns the total entry count.
func (l *Ledger) Count() (int64, error) {
	var n int64
	err := l.db.QueryRow(`SELECT COUNT(*) FROM audit_log`).Scan(&n)
	return n, err
}

// Canonical returns the fixed serialisation hashed into the chain:
//
//	id|timestamp|api_key_id|agent_id|probe|status|duration_ms|request_json|response_json|prev_hash
//
// with the timestamp in RFC3339Nano UTC and no whitespace. The id is
// included deliberately: the stored row, id and all, is what the chain
// covers, so two implementations interoperate on the same database file.
func Canonical(e Entry) string {
	fields := []string{
		strconv.FormatInt(e.ID, 10),
		e.Timestamp.UTC().Format(time.RFC3339Nano),
		e.APIKeyID,
		e.AgentID,
		e.Probe,
		e.Status,
		strconv.FormatInt(e.DurationMs, 10),
		e.RequestJSON,
		e.ResponseJSON,
		e.PrevHash,
	}
	return strings.Join(fields, "|")
}

func hashEntry(e Entry) string {
	sum := sha256.Sum256([]byte(Canonical(e)))
	return hex.EncodeToString(sum[:])
}

type queryRower interface {
	QueryRow(query string, args ...any) *sql.Row
}

func lastEntry(q queryRower) (*Entry, error) {
	row := q.QueryRow(`SELECT id, timestamp, api_key_id, agent_id, probe, status,
		duration_ms, request_json, response_json, prev_hash
		FROM audit_log ORDER BY id DESC LIMIT 1`)
	e, err := scanEntry(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return e, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(row scanner) (*Entry, error) {
	var (
		e                               Entry
		ts                              string
		apiKey, agent, reqJSON, resJSON sql.NullString
	)
	if err := row.Scan(&e.ID, &ts, &apiKey, &agent, &e.Probe, &e.Status,
		&e.DurationMs, &reqJSON, &resJSON, &e.PrevHash); err != nil {
		return nil, err
	}
	e.Timestamp, _ = time.Parse(time.RFC3339Nano, ts)
	e.APIKeyID = apiKey.String
	e.AgentID = agent.String
	e.RequestJSON = reqJSON.String
	e.ResponseJSON = resJSON.String
	return &e, nil
}

func emptyToNull(v string) any {
	if v == "" {
		return nil
	}
	return v
}
