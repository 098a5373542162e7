package verify

import (
	"fmt"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// PluginArg describes one named argument a plugin handler accepts.
type PluginArg struct {
	Name     string `koanf:"name"`
	Type     string `koanf:"type"`
	Required bool   `koanf:"required"`
}

// PluginEntry is one manifest-registered external verifier: a shell
// command template, a human description, an optional timeout (defaulting
// to 30s per the manifest's default), and its argument schema.
type PluginEntry struct {
	Handler     string        `koanf:"handler"`
	Description string        `koanf:"description"`
	Timeout     time.Duration `koanf:"timeout"`
	Args        []PluginArg   `koanf:"args"`
}

// Manifest is the parsed shape of .sdqctl/directives.yaml: a version
// marker plus one map of plugin entries per directive-kind namespace
// (VERIFY, HYGIENE, TRACE).
type Manifest struct {
	Version    int                            `koanf:"version"`
	Directives map[string]map[string]rawEntry `koanf:"directives"`
}

// rawEntry mirrors PluginEntry but with Timeout as a duration string,
// matching how koanf unmarshals YAML scalars before they're parsed.
type rawEntry struct {
	Handler     string      `koanf:"handler"`
	Description string      `koanf:"description"`
	Timeout     string      `koanf:"timeout"`
	Args        []PluginArg `koanf:"args"`
}

const defaultPluginTimeout = 30 * time.Second

// LoadManifest reads a plugin manifest from path using koanf's YAML
// parser — the same stack the engine config loader uses, so the module
// depends on one YAML library, not two.
func LoadManifest(path string) (*Manifest, error) {
	k := koanf.New(".")
	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("verify: loading manifest %s: %w", path, err)
	}

	var m Manifest
	if err := k.Unmarshal("", &m); err != nil {
		return nil, fmt.Errorf("verify: parsing manifest %s: %w", path, err)
	}
	if m.Version == 0 {
		m.Version = 1
	}
	return &m, nil
}

// Entries flattens the manifest into (namespace, name, PluginEntry)
// triples, parsing each raw timeout string and defaulting empty ones.
func (m *Manifest) Entries() ([]ManifestEntry, error) {
	var out []ManifestEntry
	for namespace, names := range m.Directives {
		for name, raw := range names {
			timeout := defaultPluginTimeout
			if raw.Timeout != "" {
				d, err := time.ParseDuration(raw.Timeout)
				if err != nil {
					return nil, fmt.Errorf("verify: %s.%s: invalid timeout %q: %w", namespace, name, raw.Timeout, err)
				}
				timeout = d
			}
			out = append(out, ManifestEntry{
				Namespace: namespace,
				Name:      name,
				Entry: PluginEntry{
					Handler:     raw.Handler,
					Description: raw.Description,
					Timeout:     timeout,
					Args:        raw.Args,
				},
			})
		}
	}
	return out, nil
}

// ManifestEntry is one flattened, fully-parsed manifest entry.
type ManifestEntry struct {
	Namespace string
	Name      string
	Entry     PluginEntry
}
