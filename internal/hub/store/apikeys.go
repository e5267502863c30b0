package store

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/sonde-ops/sondehub/internal/hub/huberr"
)

// API key types.
const (
	KeyTypeMCP   = "mcp"
	KeyTypeAgent = "agent"
)

// APIKey is a caller credential. The raw key is never stored; KeyHash is
// an HMAC-SHA256 fingerprint keyed by a hub pepper, so lookups are exact
// and the raw value cannot be recovered from the database.
type APIKey struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	KeyHash    string    `json:"-"`
	PolicyJSON string    `json:"policy_json,omitempty"`
	RoleID     string    `json:"role_id,omitempty"`
	KeyType    string    `json:"key_type"`
	OwnerID    string    `json:"owner_id,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	ExpiresAt  time.Time `json:"expires_at,omitempty"`
	RevokedAt  time.Time `json:"revoked_at,omitempty"`
	LastUsedAt time.Time `json:"last_used_at,omitempty"`
}

// FingerprintKey computes the stored fingerprint of a raw API key.
func FingerprintKey(pepper []byte, rawKey string) string {
	mac := hmac.New(sha256.New, pepper)
	mac.Write([]byte(rawKey))
	return hex.EncodeToString(mac.Sum(nil))
}

// CreateAPIKey generates a new key, stores its fingerprint, and returns
// the plaintext exactly once.
func (s *Store) CreateAPIKey(pepper []byte, name, policyJSON, roleID, keyType, ownerID string, expiresAt time.Time) (*APIKey, string, error) {
	if name == "" {
		return nil, "", huberr.New(huberr.Validation, "key name is required")
	}
	if keyType == "" {
		keyType = KeyTypeMCP
	}

	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return nil, "", fmt.Errorf("generate key: %w", err)
	}
	plainKey := "shk_" + hex.EncodeToString(raw)

	if policyJSON == "" {
		policyJSON = "{}"
	}
	key := &APIKey{
		ID:         uuid.NewString(),
		Name:       name,
		KeyHash:    FingerprintKey(pepper, plainKey),
		PolicyJSON: policyJSON,
		RoleID:     roleID,
		KeyType:    keyType,
		OwnerID:    ownerID,
		CreatedAt:  time.Now().UTC(),
		ExpiresAt:  expiresAt,
	}

	_, err := s.db.Exec(`INSERT INTO api_keys
		(id, name, key_hash, policy_json, role_id, key_type, owner_id, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		key.ID, key.Name, key.KeyHash, key.PolicyJSON, nullString(key.RoleID),
		key.KeyType, nullString(key.OwnerID), formatTime(key.CreatedAt), nullTime(key.ExpiresAt))
	if err != nil {
		return nil, "", fmt.Errorf("store key: %w", err)
	}
	return key, plainKey, nil
}

// ValidateAPIKey checks a raw key against the store. Expired or revoked
// keys fail with unauthorised.
func (s *Store) ValidateAPIKey(pepper []byte, rawKey string) (*APIKey, error) {
	hash := FingerprintKey(pepper, rawKey)
	row := s.db.QueryRow(`SELECT id, name, key_hash, policy_json, role_id, key_type, owner_id,
		created_at, expires_at, revoked_at, last_used
		FROM api_keys WHERE key_hash = ?`, hash)

	key, err := scanAPIKey(row)
	if err == sql.ErrNoRows {
		return nil, huberr.New(huberr.Unauthorised, "unknown API key")
	}
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	if !key.RevokedAt.IsZero() {
		return nil, huberr.New(huberr.Unauthorised, "API key revoked")
	}
	if !key.ExpiresAt.IsZero() && now.After(key.ExpiresAt) {
		return nil, huberr.New(huberr.Unauthorised, "API key expired")
	}

	_, _ = s.db.Exec(`UPDATE api_keys SET last_used = ? WHERE id = ?`, formatTime(now), key.ID)
	key.LastUsedAt = now
	return key, nil
}

// ListAPIKeys returns all keys without fingerprints.
func (s *Store) ListAPIKeys() ([]APIKey, error) {
	rows, err := s.db.Query(`SELECT id, name, key_hash, policy_json, role_id, key_type, owner_id,
		created_at, expires_at, revoked_at, last_used
		FROM api_keys ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]APIKey, 0)
	for rows.Next() {
		key, err := scanAPIKey(rows)
		if err != nil {
			return nil, err
		}
		key.KeyHash = ""
		out = append(out, *key)
	}
	return out, rows.Err()
}

// RevokeAPIKey marks a key revoked.
func (s *Store) RevokeAPIKey(id string) error {
	res, err := s.db.Exec(`UPDATE api_keys SET revoked_at = ? WHERE id = ? AND revoked_at IS NULL`,
		formatTime(time.Now()), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return huberr.Newf(huberr.NotFound, "API key %s not found or already revoked", id)
	}
	return nil
}

func scanAPIKey(row scanner) (*APIKey, error) {
	var (
		key                            APIKey
		roleID, ownerID                sql.NullString
		createdAt                      string
		expiresAt, revokedAt, lastUsed sql.NullString
	)
	if err := row.Scan(&key.ID, &key.Name, &key.KeyHash, &key.PolicyJSON, &roleID, &key.KeyType,
		&ownerID, &createdAt, &expiresAt, &revokedAt, &lastUsed); err != nil {
		return nil, err
	}
	key.RoleID = roleID.String
	key.OwnerID = ownerID.String
	key.CreatedAt = parseTime(createdAt)
	if expiresAt.Valid {
		key.ExpiresAt = parseTime(expiresAt.String)
	}
	if revokedAt.Valid {
		key.RevokedAt = parseTime(revokedAt.String)
	}
	if lastUsed.Valid {
		key.LastUsedAt = parseTime(lastUsed.String)
	}
	return &key, nil
}
