package config

import (
	stderrors "errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/XiaoConstantine/ace-go/pkg/ace"
	"github.com/XiaoConstantine/ace-go/pkg/errors"
)

func assertCode(t *testing.T, err error, code errors.ErrorCode) {
	t.Helper()
	require.Error(t, err)
	var engineErr *errors.Error
	require.True(t, stderrors.As(err, &engineErr), "expected *errors.Error, got %T: %v", err, err)
	assert.Equal(t, code, engineErr.Code())
}

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ace.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestDefaultConfig(t *testing.T) {
	cfg := Default()

	require.NoError(t, ValidateConfig(cfg))

	assert.Equal(t, "anthropic", cfg.LLM.Provider)
	assert.Equal(t, "ollama", cfg.Embedding.Provider)
	assert.Equal(t, "INFO", cfg.Logging.Level)

	// The engine section mirrors the engine's own defaults exactly.
	assert.Equal(t, ace.DefaultConfig(), cfg.Engine.Engine())
}

func TestLoadMergesOverDefaults(t *testing.T) {
	path := writeConfigFile(t, `
llm:
  api_key: sk-test
  model_id: claude-haiku-4-5
engine:
  store_path: /var/lib/ace/playbook.json
  max_playbook_size: 500
  query_cache_ttl: 45s
  lock_policy: fail_fast
logging:
  level: DEBUG
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	// Overridden fields take the file's values.
	assert.Equal(t, "sk-test", cfg.LLM.APIKey)
	assert.Equal(t, "claude-haiku-4-5", cfg.LLM.ModelID)
	assert.Equal(t, "/var/lib/ace/playbook.json", cfg.Engine.StorePath)
	assert.Equal(t, 500, cfg.Engine.MaxPlaybookSize)
	assert.Equal(t, 45*time.Second, cfg.Engine.QueryCacheTTL.Std())
	assert.Equal(t, string(ace.LockFailFast), cfg.Engine.LockPolicy)
	assert.Equal(t, "DEBUG", cfg.Logging.Level)

	// Everything the file does not mention keeps its default.
	assert.Equal(t, "anthropic", cfg.LLM.Provider)
	assert.Equal(t, 8192, cfg.LLM.MaxTokens)
	assert.Equal(t, "nomic-embed-text", cfg.Embedding.ModelID)
	assert.Equal(t, 0.85, cfg.Engine.DedupThreshold)
	assert.Equal(t, 50, cfg.Engine.TopK)
	assert.True(t, cfg.Engine.EnableDedup)
	require.Len(t, cfg.Logging.Outputs, 1)
	assert.Equal(t, OutputConsole, cfg.Logging.Outputs[0].Type)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assertCode(t, err, errors.InvalidInput)
}

func TestLoadMalformedYAML(t *testing.T) {
	path := writeConfigFile(t, "llm: [not: a: mapping")
	_, err := Load(path)
	assertCode(t, err, errors.SerializationFailed)
}

func TestLoadInvalidConfig(t *testing.T) {
	path := writeConfigFile(t, `
engine:
  dedup_threshold: 1.5
`)

	_, err := Load(path)
	assertCode(t, err, errors.ValidationFailed)

	var verrs ValidationErrors
	require.True(t, stderrors.As(err, &verrs))
	require.Len(t, verrs, 1)
	assert.Contains(t, verrs[0].Message, "DedupThreshold")
	assert.Contains(t, err.Error(), "must be at most 1")
}

func TestLoadOrDefault(t *testing.T) {
	t.Run("missing file falls back to defaults", func(t *testing.T) {
		cfg, err := LoadOrDefault(filepath.Join(t.TempDir(), "absent.yaml"))
		require.NoError(t, err)
		assert.Equal(t, Default(), cfg)
	})

	t.Run("existing file is loaded", func(t *testing.T) {
		path := writeConfigFile(t, "engine:\n  top_k: 10\n")
		cfg, err := LoadOrDefault(path)
		require.NoError(t, err)
		assert.Equal(t, 10, cfg.Engine.TopK)
	})

	t.Run("invalid existing file still fails", func(t *testing.T) {
		path := writeConfigFile(t, "engine:\n  top_k: 0\n")
		_, err := LoadOrDefault(path)
		assertCode(t, err, errors.ValidationFailed)
	})
}

func TestDurationYAML(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		want    time.Duration
		wantErr bool
	}{
		{"duration string", "d: 150ms", 150 * time.Millisecond, false},
		{"hours and minutes", "d: 1h30m", 90 * time.Minute, false},
		{"bare nanosecond integer", "d: 1500000000", 1500 * time.Millisecond, false},
		{"unparseable string", "d: soon", 0, true},
		{"wrong node kind", "d: [1, 2]", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var out struct {
				D Duration `yaml:"d"`
			}
			err := yaml.Unmarshal([]byte(tt.yaml), &out)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, out.D.Std())
		})
	}
}

func TestDurationMarshalRoundTrip(t *testing.T) {
	in := struct {
		D Duration `yaml:"d"`
	}{D: Duration(90 * time.Second)}

	data, err := yaml.Marshal(in)
	require.NoError(t, err)
	assert.Equal(t, "d: 1m30s\n", string(data))

	var out struct {
		D Duration `yaml:"d"`
	}
	require.NoError(t, yaml.Unmarshal(data, &out))
	assert.Equal(t, in.D, out.D)
}

func TestEngineSectionMapping(t *testing.T) {
	section := EngineConfig{
		StorePath:             "/data/playbook.json",
		CachePath:             "/data/cache.json",
		CacheBackend:          "sqlite",
		MaxPlaybookSize:       120,
		MinContentLength:      12,
		EnableDedup:           false,
		DedupThreshold:        0.9,
		EnablePruning:         false,
		PruneMinSample:        5,
		MinSimilarity:         0.4,
		TopK:                  7,
		MaxRefinementRounds:   2,
		AllowCustomCategories: false,
		EmbeddingBatchSize:    16,
		EmbeddingRetries:      1,
		EmbeddingConcurrency:  2,
		QueryCacheTTL:         Duration(time.Minute),
		LockPolicy:            "fail_fast",
	}

	got := section.Engine()

	assert.Equal(t, ace.Config{
		StorePath:             "/data/playbook.json",
		CachePath:             "/data/cache.json",
		CacheBackend:          ace.CacheBackendSQLite,
		MaxPlaybookSize:       120,
		MinContentLength:      12,
		EnableDedup:           false,
		DedupThreshold:        0.9,
		EnablePruning:         false,
		PruneMinSample:        5,
		MinSimilarity:         0.4,
		TopK:                  7,
		MaxRefinementRounds:   2,
		AllowCustomCategories: false,
		EmbeddingBatchSize:    16,
		EmbeddingRetries:      1,
		EmbeddingConcurrency:  2,
		QueryCacheTTL:         time.Minute,
		LockPolicy:            ace.LockFailFast,
	}, got)
	assert.NoError(t, got.Validate())
}

func TestBuildLogger(t *testing.T) {
	t.Run("defaults to stderr console", func(t *testing.T) {
		lc := LoggingConfig{Level: "INFO"}
		logger, err := lc.BuildLogger()
		require.NoError(t, err)
		assert.NotNil(t, logger)
	})

	t.Run("file output creates the log file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "engine.log")
		lc := LoggingConfig{
			Level: "DEBUG",
			Outputs: []LogOutputConfig{
				{Type: OutputConsole, UseStderr: true},
				{Type: OutputFile, Path: path},
			},
		}
		logger, err := lc.BuildLogger()
		require.NoError(t, err)
		assert.NotNil(t, logger)
		_, statErr := os.Stat(path)
		assert.NoError(t, statErr)
	})

	t.Run("unknown output type", func(t *testing.T) {
		lc := LoggingConfig{Outputs: []LogOutputConfig{{Type: "syslog"}}}
		_, err := lc.BuildLogger()
		assertCode(t, err, errors.InvalidInput)
	})

	t.Run("unwritable file path", func(t *testing.T) {
		lc := LoggingConfig{
			Outputs: []LogOutputConfig{
				{Type: OutputFile, Path: filepath.Join(t.TempDir(), "missing", "engine.log")},
			},
		}
		_, err := lc.BuildLogger()
		assertCode(t, err, errors.InvalidInput)
	})
}
