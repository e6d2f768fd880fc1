package config

import (
	"time"

	"github.com/XiaoConstantine/ace-go/pkg/ace"
)

// Default returns the configuration the engine runs with when no file or
// field overrides are given.
func Default() *Config {
	return &Config{
		LLM:       defaultLLMConfig(),
		Embedding: defaultEmbeddingConfig(),
		Engine:    defaultEngineConfig(),
		Logging:   defaultLoggingConfig(),
	}
}

func defaultLLMConfig() LLMConfig {
	return LLMConfig{
		Provider:    "anthropic",
		ModelID:     "claude-sonnet-4-5",
		APIKey:      "", // provided via config file or ANTHROPIC_API_KEY
		MaxTokens:   8192,
		Temperature: 0.5,
		Timeout:     Duration(30 * time.Second),
	}
}

func defaultEmbeddingConfig() EmbeddingConfig {
	return EmbeddingConfig{
		Provider: "ollama",
		ModelID:  "nomic-embed-text",
		BaseURL:  "http://localhost:11434",
		Timeout:  Duration(2 * time.Minute),
	}
}

// defaultEngineConfig mirrors ace.DefaultConfig so the two stay in step.
func defaultEngineConfig() EngineConfig {
	d := ace.DefaultConfig()
	return EngineConfig{
		StorePath:             d.StorePath,
		CachePath:             d.CachePath,
		CacheBackend:          string(d.CacheBackend),
		MaxPlaybookSize:       d.MaxPlaybookSize,
		MinContentLength:      d.MinContentLength,
		EnableDedup:           d.EnableDedup,
		DedupThreshold:        d.DedupThreshold,
		EnablePruning:         d.EnablePruning,
		PruneMinSample:        d.PruneMinSample,
		MinSimilarity:         d.MinSimilarity,
		TopK:                  d.TopK,
		MaxRefinementRounds:   d.MaxRefinementRounds,
		AllowCustomCategories: d.AllowCustomCategories,
		EmbeddingBatchSize:    d.EmbeddingBatchSize,
		EmbeddingRetries:      d.EmbeddingRetries,
		EmbeddingConcurrency:  d.EmbeddingConcurrency,
		QueryCacheTTL:         Duration(d.QueryCacheTTL),
		LockPolicy:            string(d.LockPolicy),
	}
}

func defaultLoggingConfig() LoggingConfig {
	return LoggingConfig{
		Level: "INFO",
		Outputs: []LogOutputConfig{
			{Type: OutputConsole, UseStderr: true, Colors: true},
		},
	}
}
