package agents

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/haasonsaas/warden/internal/config"
	"github.com/haasonsaas/warden/pkg/models"
)

// Manifest suffixes recognised by the loader.
var manifestSuffixes = []string{".agent.yaml", ".agent.yml", ".agent.json", ".agent.json5"}

// Manifest is the on-disk description of an agent. Source is either inline
// or read from SourceFile, which defaults to the sibling <name>.js.
type Manifest struct {
	ID               string          `yaml:"id"`
	Name             string          `yaml:"name"`
	Description      string          `yaml:"description"`
	Trust            string          `yaml:"trust"`
	RequiresDatabase bool            `yaml:"requires_database"`
	Capabilities     []string        `yaml:"capabilities"`
	Timeout          time.Duration   `yaml:"timeout"`
	MemoryLimit      config.ByteSize `yaml:"memory_limit"`
	Isolation        string          `yaml:"isolation"`
	ParamsSchema     map[string]any  `yaml:"params_schema"`
	Source           string          `yaml:"source"`
	SourceFile       string          `yaml:"source_file"`
}

// IsManifest reports whether path names an agent manifest.
func IsManifest(path string) bool {
	return manifestStem(path) != ""
}

func manifestStem(path string) string {
	base := filepath.Base(path)
	lower := strings.ToLower(base)
	for _, suffix := range manifestSuffixes {
		if strings.HasSuffix(lower, suffix) {
			return base[:len(base)-len(suffix)]
		}
	}
	return ""
}

// LoadManifest reads a manifest and its source into a definition. Manifests
// are not environment-expanded.
func LoadManifest(path string) (*models.AgentDefinition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	raw, err := config.ParseDocument(data, path)
	if err != nil {
		return nil, fmt.Errorf("parse manifest %s: %w", path, err)
	}
	var m Manifest
	if err := config.Decode(raw, &m, true); err != nil {
		return nil, fmt.Errorf("decode manifest %s: %w", path, err)
	}

	stem := manifestStem(path)
	if m.Name == "" {
		m.Name = stem
	}
	source := m.Source
	if strings.TrimSpace(source) == "" {
		file := m.SourceFile
		explicit := file != ""
		if file == "" {
			file = stem + ".js"
		}
		resolved, err := resolveSourcePath(filepath.Dir(path), file)
		if err != nil {
			return nil, fmt.Errorf("manifest %s: %w", path, err)
		}
		data, err := os.ReadFile(resolved)
		switch {
		case err == nil:
			source = string(data)
		case explicit || !os.IsNotExist(err):
			return nil, fmt.Errorf("manifest %s: read source: %w", path, err)
		}
	}

	def, err := m.Definition(path, source)
	if err != nil {
		return nil, err
	}
	return def, nil
}

// Definition converts the manifest into a validated definition.
func (m *Manifest) Definition(path, source string) (*models.AgentDefinition, error) {
	def := &models.AgentDefinition{
		ID:               m.ID,
		Name:             strings.TrimSpace(m.Name),
		Description:      m.Description,
		Source:           source,
		Trust:            models.ParseTrustTier(m.Trust),
		RequiresDatabase: m.RequiresDatabase,
		Capabilities:     m.Capabilities,
		Config: models.AgentConfig{
			Timeout:          m.Timeout,
			MemoryLimitBytes: m.MemoryLimit.Int64(),
			Isolation:        models.IsolationMode(strings.ToLower(strings.TrimSpace(m.Isolation))),
		},
		Path: path,
	}
	if def.ID == "" {
		def.ID = def.Name
	}
	if len(m.ParamsSchema) > 0 {
		schema, err := json.Marshal(m.ParamsSchema)
		if err != nil {
			return nil, fmt.Errorf("%w: agent %q params_schema: %v", models.ErrInvalidDefinition, def.Name, err)
		}
		def.ParamsSchema = schema
	}
	if err := def.Validate(); err != nil {
		return nil, err
	}
	if def.Trust == models.TrustUntrusted && !def.HasSource() {
		return nil, fmt.Errorf("%w: untrusted agent %q has no source", models.ErrInvalidDefinition, def.Name)
	}
	return def, nil
}

// resolveSourcePath joins file onto dir and refuses paths that leave dir.
func resolveSourcePath(dir, file string) (string, error) {
	if filepath.IsAbs(file) {
		return "", fmt.Errorf("source_file %q must be relative", file)
	}
	joined := filepath.Join(dir, file)
	rel, err := filepath.Rel(dir, joined)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("source_file %q escapes the agent directory", file)
	}
	return joined, nil
}

// ScriptDefinition describes a bare .js file with no manifest. Such agents
// are always untrusted.
func ScriptDefinition(path string) (*models.AgentDefinition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read agent source: %w", err)
	}
	name := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	def := &models.AgentDefinition{
		ID:     name,
		Name:   name,
		Source: string(data),
		Trust:  models.TrustUntrusted,
		Path:   path,
	}
	if !def.HasSource() {
		return nil, fmt.Errorf("%w: agent %q has empty source", models.ErrInvalidDefinition, name)
	}
	return def, nil
}
