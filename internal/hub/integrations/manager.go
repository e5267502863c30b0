package integrations

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/sonde-ops/sondehub/internal/hub/events"
	"github.com/sonde-ops/sondehub/internal/hub/huberr"
	"github.com/sonde-ops/sondehub/internal/hub/store"
)

// Manager owns the integration lifecycle: create, reconfigure, test,
// delete. Config is encrypted at rest; lifecycle transitions land in
// the integration event log and on the bus.
type Manager struct {
	store  *store.Store
	exec   *Executor
	bus    *events.Bus
	logger *zap.Logger
}

// NewManager creates a manager.
func NewManager(s *store.Store, exec *Executor, bus *events.Bus, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{store: s, exec: exec, bus: bus, logger: logger.Named("integrations")}
}

// Create registers a new integration instance with an encrypted config.
// The type must have a registered pack.
func (m *Manager) Create(typ, name string, cfg Config, creds Credentials) (*store.Integration, error) {
	if _, ok := m.exec.Pack(typ); !ok {
		return nil, huberr.Newf(huberr.Validation, "unknown integration type %q", typ)
	}
	enc, err := m.exec.EncryptConfig(cfg, creds)
	if err != nil {
		return nil, huberr.Wrap(huberr.Internal, "encrypt integration config", err)
	}

	integ, err := m.store.CreateIntegration(typ, name, enc)
	if err != nil {
		return nil, err
	}
	if err := m.store.AppendIntegrationEvent(integ.ID, "created", ""); err != nil {
		m.logger.Warn("record integration event", zap.String("integration", name), zap.Error(err))
	}
	m.logger.Info("integration created", zap.String("type", typ), zap.String("name", name))
	return integ, nil
}

// UpdateConfig replaces the stored config and resets the test state.
func (m *Manager) UpdateConfig(id string, cfg Config, creds Credentials) error {
	enc, err := m.exec.EncryptConfig(cfg, creds)
	if err != nil {
		return huberr.Wrap(huberr.Internal, "encrypt integration config", err)
	}
	if err := m.store.UpdateIntegrationConfig(id, enc); err != nil {
		return err
	}
	m.exec.DropOAuth(id)
	if err := m.store.AppendIntegrationEvent(id, "reconfigured", ""); err != nil {
		m.logger.Warn("record integration event", zap.String("integration", id), zap.Error(err))
	}
	return nil
}

// Test runs the pack's connection test synchronously and records the
// outcome on the integration row.
func (m *Manager) Test(ctx context.Context, id string) (*store.Integration, error) {
	integ, err := m.store.GetIntegration(id)
	if err != nil {
		return nil, err
	}

	status := store.IntegrationOK
	detail := "connection ok"
	if err := m.exec.Test(ctx, integ); err != nil {
		status = store.IntegrationError
		detail = err.Error()
	}

	if err := m.store.SetIntegrationTestResult(id, status, detail, time.Now()); err != nil {
		return nil, err
	}
	if err := m.store.AppendIntegrationEvent(id, "tested", detail); err != nil {
		m.logger.Warn("record integration event", zap.String("integration", id), zap.Error(err))
	}
	if m.bus != nil {
		m.bus.Publish(events.Event{
			Type:    events.IntegrationTested,
			Summary: "integration " + integ.Name + " test: " + status,
			Detail:  map[string]string{"integration_id": id, "status": status, "result": detail},
		})
	}

	return m.store.GetIntegration(id)
}

// Delete removes an integration; tags and events cascade in the store.
func (m *Manager) Delete(id string) error {
	if err := m.store.DeleteIntegration(id); err != nil {
		return err
	}
	m.exec.DropOAuth(id)
	m.logger.Info("integration deleted", zap.String("integration", id))
	return nil
}

// Get returns one integration.
func (m *Manager) Get(id string) (*store.Integration, error) {
	return m.store.GetIntegration(id)
}

// List returns all integrations.
func (m *Manager) List() ([]store.Integration, error) {
	return m.store.ListIntegrations()
}

// ResolveForProbe picks the integration instance a pack probe should
// run against: the explicit integration_id param when present, else the
// sole instance of the pack's type.
func (m *Manager) ResolveForProbe(packType string, params map[string]any) (*store.Integration, error) {
	if raw, ok := params["integration_id"]; ok {
		id, ok := raw.(string)
		if !ok || id == "" {
			return nil, huberr.New(huberr.Validation, "integration_id must be a non-empty string")
		}
		integ, err := m.store.GetIntegration(id)
		if err != nil {
			return nil, err
		}
		if integ.Type != packType {
			return nil, huberr.Newf(huberr.Validation,
				"integration %s has type %q, probe belongs to %q", id, integ.Type, packType)
		}
		return integ, nil
	}

	instances, err := m.store.ListIntegrationsByType(packType)
	if err != nil {
		return nil, err
	}
	switch len(instances) {
	case 0:
		return nil, huberr.Newf(huberr.NotFound, "no %q integration configured", packType)
	case 1:
		return &instances[0], nil
	default:
		return nil, huberr.Newf(huberr.Validation,
			"%d %q integrations configured, pass integration_id", len(instances), packType)
	}
}
