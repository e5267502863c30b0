// Package enroll turns one-shot enrollment tokens into agent client
// certificates. It also owns CA bootstrap: loading the persisted CA,
// upgrading legacy plaintext keys to ciphertext, and generating a fresh
// CA on first start.
package enroll

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/sonde-ops/sondehub/internal/hub/ca"
	"github.com/sonde-ops/sondehub/internal/hub/events"
	"github.com/sonde-ops/sondehub/internal/hub/huberr"
	"github.com/sonde-ops/sondehub/internal/hub/metrics"
	"github.com/sonde-ops/sondehub/internal/hub/store"
	"github.com/sonde-ops/sondehub/internal/shared/secrets"
)

// Credentials is what a freshly enrolled agent receives: its identity
// keypair, the CA certificate to pin, and where to connect.
type Credentials struct {
	AgentID   string `json:"agent_id"`
	AgentName string `json:"agent_name"`
	CertPEM   string `json:"cert_pem"`
	KeyPEM    string `json:"key_pem"`
	CACertPEM string `json:"ca_cert_pem"`
	HubURL    string `json:"hub_url"`
}

// Service issues and consumes enrollment tokens.
type Service struct {
	store   *store.Store
	ca      *ca.CA
	hubURL  string
	bus     *events.Bus
	metrics *metrics.Metrics
	logger  *zap.Logger
}

// NewService creates an enrollment service.
func NewService(s *store.Store, authority *ca.CA, hubURL string, bus *events.Bus, m *metrics.Metrics, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		store:   s,
		ca:      authority,
		hubURL:  hubURL,
		bus:     bus,
		metrics: m,
		logger:  logger.Named("enroll"),
	}
}

// CreateToken mints a one-shot token. A non-positive ttl means the
// 15-minute default.
func (s *Service) CreateToken(ttl time.Duration) (*store.EnrollmentToken, error) {
	tok, err := s.store.CreateEnrollmentToken(ttl)
	if err != nil {
		return nil, err
	}
	s.logger.Info("enrollment token created",
		zap.Time("expires_at", tok.ExpiresAt))
	return tok, nil
}

// IsValid reports whether a token is active. It never consumes.
func (s *Service) IsValid(token string) (bool, error) {
	return s.store.IsTokenValid(token)
}

// Consume redeems a token for agent credentials. The token transition is
// a compare-and-set inside a write transaction, so under concurrent
// redemption exactly one caller wins and the rest get a conflict. On
// success the agent row is upserted by name with a fresh id and the new
// certificate fingerprint.
func (s *Service) Consume(token, agentName string) (*Credentials, error) {
	if agentName == "" {
		s.observe("invalid")
		return nil, huberr.New(huberr.Validation, "agent name is required")
	}

	if _, err := s.store.ConsumeEnrollmentToken(token, agentName); err != nil {
		switch {
		case huberr.Is(err, huberr.Conflict):
			s.observe("conflict")
		case huberr.Is(err, huberr.NotFound):
			s.observe("invalid")
		default:
			s.observe("error")
		}
		return nil, err
	}

	certPEM, keyPEM, err := s.ca.IssueAgentCert(agentName)
	if err != nil {
		s.observe("error")
		return nil, huberr.Wrap(huberr.Internal, "issue agent certificate", err)
	}
	fingerprint, err := ca.Fingerprint(certPEM)
	if err != nil {
		s.observe("error")
		return nil, huberr.Wrap(huberr.Internal, "fingerprint agent certificate", err)
	}

	agent, err := s.store.UpsertAgentByName(agentName, "", "", certPEM, fingerprint)
	if err != nil {
		s.observe("error")
		return nil, err
	}

	s.observe("success")
	if s.bus != nil {
		s.bus.Publish(events.Event{
			Type:    events.AgentEnrolled,
			AgentID: agent.ID,
			Summary: fmt.Sprintf("agent %s enrolled", agentName),
		})
	}
	s.logger.Info("agent enrolled",
		zap.String("agent", agentName),
		zap.String("agent_id", agent.ID),
		zap.String("fingerprint", fingerprint))

	return &Credentials{
		AgentID:   agent.ID,
		AgentName: agentName,
		CertPEM:   certPEM,
		KeyPEM:    keyPEM,
		CACertPEM: s.ca.CertPEM(),
		HubURL:    s.hubURL,
	}, nil
}

func (s *Service) observe(outcome string) {
	if s.metrics != nil {
		s.metrics.EnrollmentsTotal.WithLabelValues(outcome).Inc()
	}
}

// BootstrapCA loads the persisted hub CA, decrypting its key with the
// secrets cipher. A legacy plaintext key still works and is re-encrypted
// in place. When no CA exists yet, a fresh one is generated and saved
// with an encrypted key. A row with neither key form is unusable and
// means the hub secret or database was mangled.
func BootstrapCA(s *store.Store, cipher *secrets.Cipher, logger *zap.Logger) (*ca.CA, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("ca")

	row, err := s.GetHubCA()
	if huberr.Is(err, huberr.NotFound) {
		return generateHubCA(s, cipher, logger)
	}
	if err != nil {
		return nil, err
	}

	switch {
	case row.KeyPEMEnc != "":
		keyPEM, err := cipher.DecryptString(row.KeyPEMEnc)
		if err != nil {
			return nil, huberr.Wrap(huberr.Decrypt, "decrypt CA key", err)
		}
		return ca.Load(row.CertPEM, keyPEM)

	case row.KeyPEM != "":
		authority, err := ca.Load(row.CertPEM, row.KeyPEM)
		if err != nil {
			return nil, err
		}
		enc, err := cipher.EncryptString(row.KeyPEM)
		if err != nil {
			return nil, fmt.Errorf("encrypt legacy CA key: %w", err)
		}
		if err := s.UpgradeHubCAKey(enc); err != nil {
			return nil, fmt.Errorf("upgrade legacy CA key: %w", err)
		}
		if err := s.SetSetting(store.SettingCAEncrypted, "1"); err != nil {
			return nil, err
		}
		logger.Info("legacy plaintext CA key re-encrypted")
		return authority, nil

	default:
		return nil, huberr.New(huberr.Internal, "hub CA row has no private key")
	}
}

func generateHubCA(s *store.Store, cipher *secrets.Cipher, logger *zap.Logger) (*ca.CA, error) {
	authority, err := ca.Generate("Sonde Hub CA")
	if err != nil {
		return nil, err
	}
	enc, err := cipher.EncryptString(authority.KeyPEM())
	if err != nil {
		return nil, fmt.Errorf("encrypt CA key: %w", err)
	}
	if err := s.SaveHubCA(authority.CertPEM(), enc); err != nil {
		return nil, fmt.Errorf("persist CA: %w", err)
	}
	if err := s.SetSetting(store.SettingCAEncrypted, "1"); err != nil {
		return nil, err
	}
	logger.Info("generated hub CA",
		zap.String("subject", authority.Cert.Subject.CommonName),
		zap.Time("not_after", authority.Cert.NotAfter))
	return authority, nil
}
