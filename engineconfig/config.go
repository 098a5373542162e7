// Package engineconfig loads the engine's own startup configuration —
// adapter selection, default model, checkpoint directory, plugin manifest
// path, default compaction thresholds, and log level — layering a YAML
// file under process environment variables via koanf, the same provider
// stack the verifier plugin manifest loader uses.
package engineconfig

import (
	"fmt"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/bewest/sdqctl/session"
)

// EngineConfig is the engine's resolved startup configuration.
type EngineConfig struct {
	AdapterName        string                       `koanf:"adapter_name"`
	DefaultModel       string                       `koanf:"default_model"`
	CheckpointDir      string                       `koanf:"checkpoint_dir"`
	PluginManifestPath string                       `koanf:"plugin_manifest_path"`
	DefaultThresholds  session.CompactionThresholds `koanf:"default_thresholds"`
	LogLevel           string                       `koanf:"log_level"`
}

// EnvPrefix is the prefix stripped from process environment variables
// before they are layered over the file config, e.g. SDQCTL_ADAPTER_NAME
// maps to adapter_name.
const EnvPrefix = "SDQCTL_"

// Options configures a single Load call.
type Options struct {
	// Path is the YAML config file to load. Missing-file is not an error
	// — env vars and defaults still apply — but a present, malformed file
	// is.
	Path string
}

// SetDefaults fills in zero-valued fields, applied after the file+env
// layers so an explicitly-set empty value is impossible to express but a
// genuinely absent one always gets a sane default.
func (c *EngineConfig) SetDefaults() {
	if c.AdapterName == "" {
		c.AdapterName = "mock"
	}
	if c.CheckpointDir == "" {
		c.CheckpointDir = ".sdqctl/checkpoints"
	}
	if c.PluginManifestPath == "" {
		c.PluginManifestPath = ".sdqctl/directives.yaml"
	}
	if c.DefaultThresholds == (session.CompactionThresholds{}) {
		c.DefaultThresholds = session.DefaultCompactionThresholds()
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
}

// Load layers a YAML file (if present) under process environment
// variables and unmarshals the result into an EngineConfig, applying
// defaults for whatever neither layer set. Remote providers
// (consul/etcd/zookeeper) are deliberately not wired here: a workflow's
// engine config is a local artifact, not a distributed-config object (see
// DESIGN.md).
func Load(opts Options) (*EngineConfig, error) {
	k := koanf.New(".")

	if opts.Path != "" {
		if err := k.Load(file.Provider(opts.Path), yaml.Parser()); err != nil {
			if !isNotExist(err) {
				return nil, fmt.Errorf("engineconfig: loading %s: %w", opts.Path, err)
			}
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", mapEnvKey), nil); err != nil {
		return nil, fmt.Errorf("engineconfig: loading environment: %w", err)
	}

	var out EngineConfig
	if err := k.Unmarshal("", &out); err != nil {
		return nil, fmt.Errorf("engineconfig: unmarshaling: %w", err)
	}
	out.SetDefaults()
	return &out, nil
}

// mapEnvKey turns SDQCTL_ADAPTER_NAME into adapter_name, matching the
// koanf struct tags above.
func mapEnvKey(key string) string {
	return strings.ToLower(strings.TrimPrefix(key, EnvPrefix))
}

func isNotExist(err error) bool {
	return strings.Contains(err.Error(), "no such file")
}
