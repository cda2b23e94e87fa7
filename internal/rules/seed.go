package rules

import (
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// seedDoc mirrors the YAML shape of a rule-config seed file.
type seedDoc struct {
	Type     string         `yaml:"type"`
	Version  string         `yaml:"version"`
	Activate bool           `yaml:"activate"`
	Config   map[string]any `yaml:"config"`
}

// LoadSeedDir loads every *.yaml under dir into the registry. Files marked
// activate become the active config of their type. A missing directory is
// skipped so the server can boot without a data tree.
func (r *Registry) LoadSeedDir(dir string, log *zap.Logger) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("read seed dir %s: %w", dir, err)
	}

	loaded := 0
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".yaml" {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			return loaded, fmt.Errorf("read seed %s: %w", path, err)
		}
		var doc seedDoc
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return loaded, fmt.Errorf("parse seed %s: %w", path, err)
		}
		cfg, err := r.Create(Type(doc.Type), doc.Version, "seed", doc.Config)
		if err != nil {
			if err == ErrDuplicateEntry {
				continue
			}
			return loaded, fmt.Errorf("seed %s: %w", path, err)
		}
		if doc.Activate {
			if err := r.Activate(cfg.ID, "seed"); err != nil {
				return loaded, fmt.Errorf("activate seed %s: %w", path, err)
			}
		}
		log.Debug("loaded rule config seed", zap.String("file", path))
		loaded++
	}
	return loaded, nil
}
