package store

import (
	"database/sql"
	"time"

	"github.com/sonde-ops/sondehub/internal/hub/huberr"
)

// HubCA is the persisted singleton CA row (id=1). Either KeyPEM (legacy
// plaintext) or KeyPEMEnc (ciphertext) is set; absence of both
// invalidates the CA.
type HubCA struct {
	CertPEM   string
	KeyPEM    string
	KeyPEMEnc string
	CreatedAt time.Time
}

// GetHubCA returns the CA row, or a not-found error if none exists.
func (s *Store) GetHubCA() (*HubCA, error) {
	row := s.db.QueryRow(`SELECT cert_pem, key_pem, key_pem_enc, created_at FROM hub_ca WHERE id = 1`)

	var (
		ca             HubCA
		keyPEM, keyEnc sql.NullString
		createdAt      string
	)
	err := row.Scan(&ca.CertPEM, &keyPEM, &keyEnc, &createdAt)
	if err == sql.ErrNoRows {
		return nil, huberr.New(huberr.NotFound, "hub CA not initialised")
	}
	if err != nil {
		return nil, err
	}
	ca.KeyPEM = keyPEM.String
	ca.KeyPEMEnc = keyEnc.String
	ca.CreatedAt = parseTime(createdAt)
	return &ca, nil
}

// SaveHubCA inserts or replaces the CA singleton with an encrypted key.
func (s *Store) SaveHubCA(certPEM, keyPEMEnc string) error {
	_, err := s.db.Exec(`INSERT INTO hub_ca (id, cert_pem, key_pem, key_pem_enc, created_at)
		VALUES (1, ?, NULL, ?, ?)
		ON CONFLICT(id) DO UPDATE SET cert_pem = excluded.cert_pem,
			key_pem = NULL, key_pem_enc = excluded.key_pem_enc`,
		certPEM, keyPEMEnc, formatTime(time.Now()))
	return err
}

// UpgradeHubCAKey replaces a legacy plaintext key with its ciphertext.
func (s *Store) UpgradeHubCAKey(keyPEMEnc string) error {
	_, err := s.db.Exec(`UPDATE hub_ca SET key_pem = NULL, key_pem_enc = ? WHERE id = 1`, keyPEMEnc)
	return err
}

// Hub setting keys used by the core.
const (
	SettingCAEncrypted     = "ca_key_encrypted"
	SettingLatestAgent     = "latest_agent_version"
	SettingMCPInstructions = "mcp_instruction_prefix"
)

// GetSetting returns a hub setting value, or "" when unset.
func (s *Store) GetSetting(key string) (string, error) {
	var value string
	err := s.db.QueryRow(`SELECT value FROM hub_settings WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return value, nil
}

// SetSetting upserts a hub setting.
func (s *Store) SetSetting(key, value string) error {
	_, err := s.db.Exec(`INSERT INTO hub_settings (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, formatTime(time.Now()))
	return err
}
