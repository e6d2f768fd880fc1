package config

import (
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/XiaoConstantine/ace-go/pkg/ace"
	"github.com/XiaoConstantine/ace-go/pkg/errors"
	"github.com/XiaoConstantine/ace-go/pkg/logging"
)

// Config is the complete configuration for the playbook engine and its
// providers. Files are loaded over the defaults, so a YAML file only has
// to state what differs from Default().
type Config struct {
	// LLM configures the generation provider used for reflection.
	LLM LLMConfig `yaml:"llm" validate:"required"`

	// Embedding configures the provider used to embed bullet content.
	Embedding EmbeddingConfig `yaml:"embedding" validate:"required"`

	// Engine configures the playbook engine itself.
	Engine EngineConfig `yaml:"engine" validate:"required"`

	// Logging configures log level and destinations.
	Logging LoggingConfig `yaml:"logging,omitempty" validate:"omitempty"`
}

// LLMConfig holds the generation provider settings.
type LLMConfig struct {
	// Provider name (anthropic, ollama)
	Provider string `yaml:"provider" validate:"required,provider"`

	// Model ID (e.g. claude-sonnet-4-5)
	ModelID string `yaml:"model_id" validate:"required"`

	// API key for the provider; falls back to the provider's environment
	// variable when empty
	APIKey string `yaml:"api_key,omitempty"`

	// Base URL override for self-hosted or proxied endpoints
	BaseURL string `yaml:"base_url,omitempty"`

	// Generation parameters applied to every call
	MaxTokens   int     `yaml:"max_tokens" validate:"min=1"`
	Temperature float64 `yaml:"temperature" validate:"gte=0,lte=2"`

	// Request timeout
	Timeout Duration `yaml:"timeout,omitempty"`
}

// EmbeddingConfig holds the embedding provider settings. Anthropic exposes
// no embedding API, so this section is validated to name a provider that
// does.
type EmbeddingConfig struct {
	// Provider name (ollama)
	Provider string `yaml:"provider" validate:"required,provider"`

	// Embedding model ID (e.g. nomic-embed-text)
	ModelID string `yaml:"model_id" validate:"required"`

	// Base URL of the provider
	BaseURL string `yaml:"base_url,omitempty"`

	// Request timeout
	Timeout Duration `yaml:"timeout,omitempty"`
}

// EngineConfig mirrors ace.Config field for field so the engine section of
// a YAML file maps directly onto the runtime configuration.
type EngineConfig struct {
	// StorePath is where the playbook file lives
	StorePath string `yaml:"store_path" validate:"required"`

	// CachePath overrides the derived embedding cache location
	CachePath string `yaml:"cache_path,omitempty"`

	// CacheBackend selects the embedding cache store (file, sqlite)
	CacheBackend string `yaml:"cache_backend" validate:"required,cache_backend"`

	// MaxPlaybookSize bounds the number of stored bullets
	MaxPlaybookSize  int `yaml:"max_playbook_size" validate:"min=1"`
	MinContentLength int `yaml:"min_content_length" validate:"min=1"`

	EnableDedup    bool    `yaml:"enable_dedup"`
	DedupThreshold float64 `yaml:"dedup_threshold" validate:"gt=0,lte=1"`
	EnablePruning  bool    `yaml:"enable_pruning"`
	PruneMinSample int     `yaml:"prune_min_sample" validate:"min=1"`

	MinSimilarity float64 `yaml:"min_similarity" validate:"gte=0,lte=1"`
	TopK          int     `yaml:"top_k" validate:"min=1"`

	MaxRefinementRounds   int  `yaml:"max_refinement_rounds" validate:"min=1"`
	AllowCustomCategories bool `yaml:"allow_custom_categories"`

	EmbeddingBatchSize   int `yaml:"embedding_batch_size" validate:"min=1"`
	EmbeddingRetries     int `yaml:"embedding_retries" validate:"min=0"`
	EmbeddingConcurrency int `yaml:"embedding_concurrency" validate:"min=1"`

	QueryCacheTTL Duration `yaml:"query_cache_ttl,omitempty"`

	// LockPolicy decides what a pass does when the store lock is held
	// (block, fail_fast)
	LockPolicy string `yaml:"lock_policy" validate:"required,lock_policy"`
}

// Engine converts the section into the engine's runtime configuration.
func (e *EngineConfig) Engine() ace.Config {
	return ace.Config{
		StorePath:             e.StorePath,
		CachePath:             e.CachePath,
		CacheBackend:          ace.CacheBackend(e.CacheBackend),
		MaxPlaybookSize:       e.MaxPlaybookSize,
		MinContentLength:      e.MinContentLength,
		EnableDedup:           e.EnableDedup,
		DedupThreshold:        e.DedupThreshold,
		EnablePruning:         e.EnablePruning,
		PruneMinSample:        e.PruneMinSample,
		MinSimilarity:         e.MinSimilarity,
		TopK:                  e.TopK,
		MaxRefinementRounds:   e.MaxRefinementRounds,
		AllowCustomCategories: e.AllowCustomCategories,
		EmbeddingBatchSize:    e.EmbeddingBatchSize,
		EmbeddingRetries:      e.EmbeddingRetries,
		EmbeddingConcurrency:  e.EmbeddingConcurrency,
		QueryCacheTTL:         e.QueryCacheTTL.Std(),
		LockPolicy:            ace.LockPolicy(e.LockPolicy),
	}
}

// Log output types.
const (
	OutputConsole = "console"
	OutputFile    = "file"
)

// LoggingConfig holds log level and destination settings.
type LoggingConfig struct {
	// Level is the minimum severity to emit (DEBUG, INFO, WARN, ERROR, FATAL)
	Level string `yaml:"level" validate:"omitempty,log_level"`

	// Outputs lists the log destinations; defaults to stderr
	Outputs []LogOutputConfig `yaml:"outputs,omitempty" validate:"omitempty,dive"`

	// DefaultFields are attached to every log entry
	DefaultFields map[string]interface{} `yaml:"default_fields,omitempty"`
}

// LogOutputConfig describes a single log destination.
type LogOutputConfig struct {
	// Type of the output (console, file)
	Type string `yaml:"type" validate:"required,output_type"`

	// Path of the log file (file outputs only)
	Path string `yaml:"path,omitempty"`

	// UseStderr routes console output to stderr instead of stdout
	UseStderr bool `yaml:"use_stderr,omitempty"`

	// Colors enables ANSI colors on console output
	Colors bool `yaml:"colors,omitempty"`
}

// BuildLogger constructs a logger from the section. With no outputs
// configured it logs plainly to stderr.
func (lc *LoggingConfig) BuildLogger() (*logging.Logger, error) {
	outputs := make([]logging.Output, 0, len(lc.Outputs))
	for _, oc := range lc.Outputs {
		switch oc.Type {
		case OutputConsole:
			outputs = append(outputs, logging.NewConsoleOutput(oc.UseStderr, logging.WithColor(oc.Colors)))
		case OutputFile:
			out, err := logging.NewFileOutput(oc.Path)
			if err != nil {
				return nil, errors.Wrap(err, errors.InvalidInput, "failed to open log file output")
			}
			outputs = append(outputs, out)
		default:
			return nil, errors.WithFields(
				errors.New(errors.InvalidInput, "unknown log output type"),
				errors.Fields{"type": oc.Type})
		}
	}
	if len(outputs) == 0 {
		outputs = append(outputs, logging.NewConsoleOutput(true, logging.WithColor(false)))
	}

	return logging.NewLogger(logging.Config{
		Severity:      logging.ParseSeverity(lc.Level),
		Outputs:       outputs,
		DefaultFields: lc.DefaultFields,
	}), nil
}

// Duration wraps time.Duration so YAML values can be written either as
// human-readable strings ("30s", "5m") or as bare nanosecond integers.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	switch value.Tag {
	case "!!int":
		n, err := strconv.ParseInt(value.Value, 10, 64)
		if err != nil {
			return errors.Wrap(err, errors.InvalidInput, "invalid duration integer")
		}
		*d = Duration(n)
		return nil
	case "!!str":
		parsed, err := time.ParseDuration(value.Value)
		if err != nil {
			return errors.WithFields(
				errors.Wrap(err, errors.InvalidInput, "invalid duration string"),
				errors.Fields{"value": value.Value})
		}
		*d = Duration(parsed)
		return nil
	default:
		return errors.New(errors.InvalidInput, "duration must be a string or an integer")
	}
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Load reads a YAML config file, layers it over Default, and validates
// the merged result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.WithFields(
			errors.Wrap(err, errors.InvalidInput, "failed to read config file"),
			errors.Fields{"path": path})
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, errors.WithFields(
			errors.Wrap(err, errors.SerializationFailed, "failed to parse config file"),
			errors.Fields{"path": path})
	}

	if err := ValidateConfig(cfg); err != nil {
		return nil, errors.Wrap(err, errors.ValidationFailed, "invalid configuration")
	}
	return cfg, nil
}

// LoadOrDefault behaves like Load, falling back to the defaults when no
// file exists at path.
func LoadOrDefault(path string) (*Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return Default(), nil
	}
	return Load(path)
}
