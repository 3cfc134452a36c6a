package shipper

import (
	"fmt"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"
)

// StorageBackend selects which Buffer implementation an attach resolves to.
type StorageBackend string

const (
	StorageDisk   StorageBackend = "disk"
	StorageMemory StorageBackend = "memory"
)

// HandlerConfig is the per-instance, externally-visible configuration.
// Storage and DataDir hold the backend and data directory the handler was
// attached with (an empty DataDir is replaced by the resolved default at
// attach), and GetConfig returns them; handles to the buffer and dispatcher
// live on HandlerInstance, not here.
type HandlerConfig struct {
	LokiURL            string            `toml:"loki_url"`
	Storage            StorageBackend    `toml:"storage"`
	Labels             LabelConfig       `toml:"-"`
	LabelsWire         map[string]string `toml:"labels"`
	StructuredMetadata []string          `toml:"structured_metadata"`
	DataDir            string            `toml:"data_dir"`
	BatchSize          int               `toml:"batch_size"`
	BatchIntervalMS    int               `toml:"batch_interval_ms"`
	MaxBufferSize      int               `toml:"max_buffer_size"`
	BackoffBaseMS      int               `toml:"backoff_base_ms"`
	BackoffMaxMS       int               `toml:"backoff_max_ms"`
}

// DefaultHandlerConfig returns the documented defaults.
func DefaultHandlerConfig() HandlerConfig {
	return HandlerConfig{
		Storage:            StorageDisk,
		Labels:             DefaultLabelConfig(),
		StructuredMetadata: nil,
		DataDir:            "",
		BatchSize:          100,
		BatchIntervalMS:    5000,
		MaxBufferSize:      10000,
		BackoffBaseMS:      1000,
		BackoffMaxMS:       60000,
	}
}

// defaultDataDir resolves the default data directory once the handler's id
// is known.
func defaultDataDir(id string) string {
	return fmt.Sprintf("priv/loki_buffer/%s", id)
}

// BatchInterval returns BatchIntervalMS as a time.Duration.
func (c HandlerConfig) BatchInterval() time.Duration {
	return time.Duration(c.BatchIntervalMS) * time.Millisecond
}

// BackoffBase returns BackoffBaseMS as a time.Duration.
func (c HandlerConfig) BackoffBase() time.Duration {
	return time.Duration(c.BackoffBaseMS) * time.Millisecond
}

// BackoffMax returns BackoffMaxMS as a time.Duration.
func (c HandlerConfig) BackoffMax() time.Duration {
	return time.Duration(c.BackoffMaxMS) * time.Millisecond
}

// Validate runs the attach-time checks; UpdateConfig and SetConfig re-run
// the same checks on reconfigure.
func (c HandlerConfig) Validate() error {
	if c.LokiURL == "" {
		return missingField("loki_url")
	}
	if c.Storage != StorageDisk && c.Storage != StorageMemory {
		return invalidField("storage", fmt.Sprintf("must be %q or %q", StorageDisk, StorageMemory))
	}
	if c.BatchSize <= 0 {
		return invalidField("batch_size", "must be positive")
	}
	if c.BatchIntervalMS <= 0 {
		return invalidField("batch_interval_ms", "must be positive")
	}
	if c.MaxBufferSize <= 0 {
		return invalidField("max_buffer_size", "must be positive")
	}
	if c.BackoffBaseMS <= 0 {
		return invalidField("backoff_base_ms", "must be positive")
	}
	if c.BackoffMaxMS <= 0 {
		return invalidField("backoff_max_ms", "must be positive")
	}
	return nil
}

// label-source wire encoding for TOML: "from_level", "from_metadata:<key>",
// or "static:<value>". go-toml/v2 cannot marshal a Go sum type directly, so
// LabelConfig round-trips through LabelsWire (a map[string]string) at the
// TOML boundary; callers using the Go API set Labels directly.
func encodeLabelSource(src LabelSource) string {
	switch src.Kind {
	case FromLevel:
		return "from_level"
	case FromMetadata:
		return "from_metadata:" + src.Key
	case Static:
		return "static:" + src.Value
	default:
		return "from_level"
	}
}

func decodeLabelSource(wire string) (LabelSource, error) {
	switch {
	case wire == "from_level":
		return FromLevelSource(), nil
	case strings.HasPrefix(wire, "from_metadata:"):
		return FromMetadataSource(strings.TrimPrefix(wire, "from_metadata:")), nil
	case strings.HasPrefix(wire, "static:"):
		return StaticSource(strings.TrimPrefix(wire, "static:")), nil
	default:
		return LabelSource{}, fmt.Errorf("unrecognized label source %q", wire)
	}
}

func encodeLabelConfig(cfg LabelConfig) map[string]string {
	out := make(map[string]string, len(cfg))
	for name, src := range cfg {
		out[name] = encodeLabelSource(src)
	}
	return out
}

func decodeLabelConfig(wire map[string]string) (LabelConfig, error) {
	out := make(LabelConfig, len(wire))
	for name, enc := range wire {
		src, err := decodeLabelSource(enc)
		if err != nil {
			return nil, fmt.Errorf("label %q: %w", name, err)
		}
		out[name] = src
	}
	return out, nil
}

// LoadHandlerConfigTOML parses TOML bytes into a HandlerConfig layered over
// the documented defaults.
func LoadHandlerConfigTOML(data []byte) (HandlerConfig, error) {
	cfg := DefaultHandlerConfig()
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return HandlerConfig{}, fmt.Errorf("config: parse toml: %w", err)
	}
	if len(cfg.LabelsWire) > 0 {
		labels, err := decodeLabelConfig(cfg.LabelsWire)
		if err != nil {
			return HandlerConfig{}, fmt.Errorf("config: %w", err)
		}
		cfg.Labels = labels
	}
	return cfg, nil
}

// MarshalTOML renders cfg back to TOML, encoding Labels through the wire
// representation LoadHandlerConfigTOML expects.
func (c HandlerConfig) MarshalTOML() ([]byte, error) {
	c.LabelsWire = encodeLabelConfig(c.Labels)
	return toml.Marshal(c)
}

// ApplyEnvOverrides layers environment-variable overrides on top of cfg.
// lookup is typically os.LookupEnv; it's a parameter so tests don't need
// real env vars.
func ApplyEnvOverrides(cfg HandlerConfig, prefix string, lookup func(string) (string, bool)) HandlerConfig {
	if v, ok := lookup(prefix + "LOKI_URL"); ok && v != "" {
		cfg.LokiURL = v
	}
	if v, ok := lookup(prefix + "STORAGE"); ok && v != "" {
		cfg.Storage = StorageBackend(v)
	}
	if v, ok := lookup(prefix + "DATA_DIR"); ok && v != "" {
		cfg.DataDir = v
	}
	if v, ok := lookup(prefix + "BATCH_SIZE"); ok && v != "" {
		if n, err := parsePositiveInt(v); err == nil {
			cfg.BatchSize = n
		}
	}
	if v, ok := lookup(prefix + "BATCH_INTERVAL_MS"); ok && v != "" {
		if n, err := parsePositiveInt(v); err == nil {
			cfg.BatchIntervalMS = n
		}
	}
	if v, ok := lookup(prefix + "MAX_BUFFER_SIZE"); ok && v != "" {
		if n, err := parsePositiveInt(v); err == nil {
			cfg.MaxBufferSize = n
		}
	}
	if v, ok := lookup(prefix + "BACKOFF_BASE_MS"); ok && v != "" {
		if n, err := parsePositiveInt(v); err == nil {
			cfg.BackoffBaseMS = n
		}
	}
	if v, ok := lookup(prefix + "BACKOFF_MAX_MS"); ok && v != "" {
		if n, err := parsePositiveInt(v); err == nil {
			cfg.BackoffMaxMS = n
		}
	}
	return cfg
}

// tomlMergeInto deep-merges the fields present in a TOML fragment into an
// existing HandlerConfig: only keys the fragment names are overwritten.
func tomlMergeInto(partialTOML []byte, cfg *HandlerConfig) error {
	cfg.LabelsWire = nil
	if err := toml.Unmarshal(partialTOML, cfg); err != nil {
		return fmt.Errorf("parse toml: %w", err)
	}
	if len(cfg.LabelsWire) > 0 {
		labels, err := decodeLabelConfig(cfg.LabelsWire)
		if err != nil {
			return err
		}
		cfg.Labels = labels
	}
	return nil
}

func parsePositiveInt(s string) (int, error) {
	var n int
	_, err := fmt.Sscanf(s, "%d", &n)
	if err != nil {
		return 0, err
	}
	if n <= 0 {
		return 0, fmt.Errorf("not positive: %q", s)
	}
	return n, nil
}
