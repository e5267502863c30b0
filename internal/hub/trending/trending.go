// Package trending keeps a 24-hour rolling window of probe results and
// serves aggregate views over it. Nothing here is durable beyond the
// window; the audit ledger is the permanent record.
package trending

import (
	"database/sql"
	"sort"
	"time"

	"go.uber.org/zap"
)

// Window is how long probe results are retained.
const Window = 24 * time.Hour

// Result statuses mirror the router's.
const (
	StatusSuccess = "success"
	StatusError   = "error"
	StatusTimeout = "timeout"
)

// tsLayout is fixed-width so stored timestamps compare lexically in time
// order. RFC3339Nano drops trailing fractional zeros and a row like
// "...00.5Z" would sort before the whole-second cutoff "...00Z".
const tsLayout = "2006-01-02T15:04:05.000000000Z"

// ProbeResult is one recorded probe execution.
type ProbeResult struct {
	ID            int64     `json:"id"`
	Probe         string    `json:"probe"`
	AgentID       string    `json:"agent_id,omitempty"`
	IntegrationID string    `json:"integration_id,omitempty"`
	Status        string    `json:"status"`
	DurationMs    int64     `json:"duration_ms"`
	DataJSON      string    `json:"data_json,omitempty"`
	ErrorText     string    `json:"error_text,omitempty"`
	TS            time.Time `json:"ts"`
}

// Bucket is an aggregate over one probe or agent.
type Bucket struct {
	Key          string  `json:"key"`
	Count        int     `json:"count"`
	SuccessCount int     `json:"success_count"`
	ErrorCount   int     `json:"error_count"`
	P50Ms        int64   `json:"p50_ms"`
	P95Ms        int64   `json:"p95_ms"`
	SuccessRate  float64 `json:"success_rate"`
}

// Store records and aggregates probe results.
type Store struct {
	db     *sql.DB
	logger *zap.Logger

	// now is swappable so tests can age rows.
	now func() time.Time
}

// NewStore creates a trending store over the hub database.
func NewStore(db *sql.DB, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{db: db, logger: logger.Named("trending"), now: time.Now}
}

// Record appends one result.
func (s *Store) Record(r ProbeResult) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := RecordInTx(tx, r); err != nil {
		return err
	}
	return tx.Commit()
}

// RecordInTx appends inside a caller-held transaction. The router uses
// this to land the result and its audit entry atomically.
func RecordInTx(tx *sql.Tx, r ProbeResult) error {
	if r.TS.IsZero() {
		r.TS = time.Now().UTC()
	}
	_, err := tx.Exec(`INSERT INTO probe_results
		(probe, agent_id, integration_id, status, duration_ms, data_json, error_text, ts)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		r.Probe, nullable(r.AgentID), nullable(r.IntegrationID), r.Status,
		r.DurationMs, nullable(r.DataJSON), nullable(r.ErrorText),
		r.TS.UTC().Format(tsLayout))
	return err
}

// Sweep deletes rows older than the window. Runs at startup and every
// 15 minutes from cron.
func (s *Store) Sweep() (int64, error) {
	cutoff := s.now().UTC().Add(-Window).Format(tsLayout)
	res, err := s.db.Exec(`DELETE FROM probe_results WHERE ts < ?`, cutoff)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		s.logger.Info("swept expired probe results", zap.Int64("deleted", n))
	}
	return n, nil
}

// Recent returns results inside the window, newest first. Expired rows
// are filtered even if the sweep has not run yet.
func (s *Store) Recent(probe, agentID string, limit int) ([]ProbeResult, error) {
	query := `SELECT id, probe, agent_id, integration_id, status, duration_ms,
		data_json, error_text, ts FROM probe_results WHERE ts >= ?`
	args := []any{s.cutoff()}
	if probe != "" {
		query += " AND probe = ?"
		args = append(args, probe)
	}
	if agentID != "" {
		query += " AND agent_id = ?"
		args = append(args, agentID)
	}
	query += " ORDER BY id DESC"
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]ProbeResult, 0)
	for rows.Next() {
		var (
			r                      ProbeResult
			agent, integ, data, et sql.NullString
			ts                     string
		)
		if err := rows.Scan(&r.ID, &r.Probe, &agent, &integ, &r.Status,
			&r.DurationMs, &data, &et, &ts); err != nil {
			return nil, err
		}
		r.AgentID = agent.String
		r.IntegrationID = integ.String
		r.DataJSON = data.String
		r.ErrorText = et.String
		r.TS, _ = time.Parse(time.RFC3339Nano, ts)
		out = append(out, r)
	}
	return out, rows.Err()
}

// ByProbe aggregates the window bucketed by probe name.
func (s *Store) ByProbe() ([]Bucket, error) {
	return s.aggregate("probe")
}

// ByAgent aggregates the window bucketed by agent.
func (s *Store) ByAgent() ([]Bucket, error) {
	return s.aggregate("agent_id")
}

// aggregate recomputes buckets on demand. Percentiles are nearest-rank
// over the retained rows, computed in memory; the window is small
// enough that this beats maintaining materialised stats.
func (s *Store) aggregate(keyCol string) ([]Bucket, error) {
	rows, err := s.db.Query(`SELECT `+keyCol+`, status, duration_ms
		FROM probe_results WHERE ts >= ? AND `+keyCol+` IS NOT NULL`, s.cutoff())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	type acc struct {
		success, errs int
		durations     []int64
	}
	byKey := make(map[string]*acc)
	for rows.Next() {
		var (
			key      string
			status   string
			duration int64
		)
		if err := rows.Scan(&key, &status, &duration); err != nil {
			return nil, err
		}
		a, ok := byKey[key]
		if !ok {
			a = &acc{}
			byKey[key] = a
		}
		if status == StatusSuccess {
			a.success++
		} else {
			a.errs++
		}
		a.durations = append(a.durations, duration)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]Bucket, 0, len(byKey))
	for key, a := range byKey {
		total := a.success + a.errs
		b := Bucket{
			Key:          key,
			Count:        total,
			SuccessCount: a.success,
			ErrorCount:   a.errs,
			P50Ms:        percentile(a.durations, 50),
			P95Ms:        percentile(a.durations, 95),
		}
		if total > 0 {
			b.SuccessRate = float64(a.success) / float64(total)
		}
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (s *Store) cutoff() string {
	return s.now().UTC().Add(-Window).Format(tsLayout)
}

// percentile is nearest-rank: the smallest value with at least p percent
// of observations at or below it.
func percentile(durations []int64, p int) int64 {
	if len(durations) == 0 {
		return 0
	}
	sorted := make([]int64, len(durations))
	copy(sorted, durations)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	rank := (len(sorted)*p + 99) / 100
	if rank < 1 {
		rank = 1
	}
	return sorted[rank-1]
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
