package runbook

import (
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/sonde-ops/sondehub/internal/hub/integrations"
)

// yamlRunbook is the on-disk shape of an operator-defined manifest
// runbook.
type yamlRunbook struct {
	Category       string   `yaml:"category"`
	Description    string   `yaml:"description"`
	Probes         []string `yaml:"probes"`
	Parallel       bool     `yaml:"parallel"`
	RequiredParams []string `yaml:"required_params"`
}

// LoadYAMLDir registers every *.yaml / *.yml runbook under dir. A
// missing directory is fine; a malformed file is an error.
func (e *Engine) LoadYAMLDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read runbook dir %s: %w", dir, err)
	}

	for _, entry := range entries {
		ext := filepath.Ext(entry.Name())
		if entry.IsDir() || (ext != ".yaml" && ext != ".yml") {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read runbook %s: %w", path, err)
		}
		var rb yamlRunbook
		if err := yaml.Unmarshal(data, &rb); err != nil {
			return fmt.Errorf("parse runbook %s: %w", path, err)
		}
		if err := e.Register(Definition{
			Category:       rb.Category,
			Description:    rb.Description,
			Probes:         rb.Probes,
			Parallel:       rb.Parallel,
			RequiredParams: rb.RequiredParams,
		}); err != nil {
			return fmt.Errorf("register runbook %s: %w", path, err)
		}
	}
	return nil
}

// RegisterPackManifests registers the runbooks packs declare in their
// manifests.
func (e *Engine) RegisterPackManifests(manifests []integrations.Manifest) {
	for _, m := range manifests {
		if m.Runbook == nil {
			continue
		}
		if err := e.Register(Definition{
			Category:    m.Runbook.Category,
			Description: m.Description,
			Probes:      m.Runbook.Probes,
			Parallel:    m.Runbook.Parallel,
		}); err != nil {
			e.logger.Warn("skip pack runbook",
				zap.String("pack", m.Name), zap.Error(err))
		}
	}
}
