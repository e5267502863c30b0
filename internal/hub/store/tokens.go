package store

import (
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/sonde-ops/sondehub/internal/hub/huberr"
)

// DefaultTokenTTL is the enrollment token lifetime when none is given.
const DefaultTokenTTL = 15 * time.Minute

// EnrollmentToken is a one-shot bearer string authorising certificate
// issuance. States: active (unused, not expired), used, expired.
type EnrollmentToken struct {
	Token       string    `json:"token"`
	CreatedAt   time.Time `json:"created_at"`
	ExpiresAt   time.Time `json:"expires_at"`
	UsedAt      time.Time `json:"used_at,omitempty"`
	UsedByAgent string    `json:"used_by_agent,omitempty"`
}

// State returns active, used, or expired as of now.
func (t *EnrollmentToken) State(now time.Time) string {
	switch {
	case !t.UsedAt.IsZero():
		return "used"
	case now.After(t.ExpiresAt):
		return "expired"
	default:
		return "active"
	}
}

// CreateEnrollmentToken inserts a fresh token with at least 128 bits of
// entropy and the given TTL (default 15 minutes).
func (s *Store) CreateEnrollmentToken(ttl time.Duration) (*EnrollmentToken, error) {
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}

	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return nil, fmt.Errorf("generate token: %w", err)
	}

	now := time.Now().UTC()
	tok := &EnrollmentToken{
		Token:     "set_" + hex.EncodeToString(raw),
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	}

	if _, err := s.db.Exec(`INSERT INTO enrollment_tokens (token, created_at, expires_at)
		VALUES (?, ?, ?)`,
		tok.Token, formatTime(tok.CreatedAt), formatTime(tok.ExpiresAt)); err != nil {
		return nil, fmt.Errorf("store token: %w", err)
	}
	return tok, nil
}

// GetEnrollmentToken returns a token row.
func (s *Store) GetEnrollmentToken(token string) (*EnrollmentToken, error) {
	row := s.db.QueryRow(`SELECT token, created_at, expires_at, used_at, used_by_agent
		FROM enrollment_tokens WHERE token = ?`, token)

	var (
		t                    EnrollmentToken
		createdAt, expiresAt string
		usedAt, usedBy       sql.NullString
	)
	err := row.Scan(&t.Token, &createdAt, &expiresAt, &usedAt, &usedBy)
	if err == sql.ErrNoRows {
		return nil, huberr.New(huberr.NotFound, "token not found")
	}
	if err != nil {
		return nil, err
	}
	t.CreatedAt = parseTime(createdAt)
	t.ExpiresAt = parseTime(expiresAt)
	if usedAt.Valid {
		t.UsedAt = parseTime(usedAt.String)
	}
	t.UsedByAgent = usedBy.String
	return &t, nil
}

// IsTokenValid is a pure read: true only for active tokens.
func (s *Store) IsTokenValid(token string) (bool, error) {
	t, err := s.GetEnrollmentToken(token)
	if err != nil {
		if huberr.Is(err, huberr.NotFound) {
			return false, nil
		}
		return false, err
	}
	return t.State(time.Now().UTC()) == "active", nil
}

// ConsumeEnrollmentToken atomically transitions an active token to used.
// It re-reads the row inside a write transaction and compare-and-sets
// used_at, so exactly one concurrent caller wins. Losers see a conflict.
func (s *Store) ConsumeEnrollmentToken(token, agentName string) (*EnrollmentToken, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var (
		createdAt, expiresAt string
		usedAt, usedBy       sql.NullString
	)
	err = tx.QueryRow(`SELECT created_at, expires_at, used_at, used_by_agent
		FROM enrollment_tokens WHERE token = ?`, token).
		Scan(&createdAt, &expiresAt, &usedAt, &usedBy)
	if err == sql.ErrNoRows {
		return nil, huberr.New(huberr.NotFound, "token not found")
	}
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	if usedAt.Valid {
		return nil, huberr.New(huberr.Conflict, "Token already used")
	}
	if now.After(parseTime(expiresAt)) {
		return nil, huberr.New(huberr.Conflict, "Token expired")
	}

	res, err := tx.Exec(`UPDATE enrollment_tokens
		SET used_at = ?, used_by_agent = ?
		WHERE token = ? AND used_at IS NULL`,
		formatTime(now), agentName, token)
	if err != nil {
		return nil, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, huberr.New(huberr.Conflict, "Token already used")
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	return &EnrollmentToken{
		Token:       token,
		CreatedAt:   parseTime(createdAt),
		ExpiresAt:   parseTime(expiresAt),
		UsedAt:      now,
		UsedByAgent: agentName,
	}, nil
}

// PurgeExpiredTokens removes tokens expired for longer than olderThan.
func (s *Store) PurgeExpiredTokens(olderThan time.Duration) (int64, error) {
	cutoff := formatTime(time.Now().Add(-olderThan))
	res, err := s.db.Exec(`DELETE FROM enrollment_tokens WHERE expires_at < ?`, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
