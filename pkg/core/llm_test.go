package core

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateOptions(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		opts := NewGenerateOptions()
		assert.Equal(t, 8192, opts.MaxTokens)
		assert.Equal(t, 0.5, opts.Temperature)
	})

	t.Run("apply options", func(t *testing.T) {
		opts := NewGenerateOptions()
		for _, opt := range []GenerateOption{
			WithMaxTokens(1024),
			WithTemperature(0.2),
			WithTopP(0.9),
			WithStopSequences("END"),
		} {
			opt(opts)
		}

		assert.Equal(t, 1024, opts.MaxTokens)
		assert.Equal(t, 0.2, opts.Temperature)
		assert.Equal(t, 0.9, opts.TopP)
		assert.Equal(t, []string{"END"}, opts.Stop)
	})
}

func TestEmbeddingOptions(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		opts := NewEmbeddingOptions()
		assert.Equal(t, 32, opts.BatchSize)
		assert.NotNil(t, opts.Params)
	})

	t.Run("apply options", func(t *testing.T) {
		opts := NewEmbeddingOptions()
		for _, opt := range []EmbeddingOption{
			WithModel("nomic-embed-text"),
			WithBatchSize(16),
			WithParams(map[string]interface{}{"truncate": true}),
		} {
			opt(opts)
		}

		assert.Equal(t, "nomic-embed-text", opts.Model)
		assert.Equal(t, 16, opts.BatchSize)
		assert.Equal(t, true, opts.Params["truncate"])
	})

	t.Run("params merge", func(t *testing.T) {
		opts := NewEmbeddingOptions()
		WithParams(map[string]interface{}{"a": 1})(opts)
		WithParams(map[string]interface{}{"b": 2})(opts)

		assert.Len(t, opts.Params, 2)
	})
}

func TestBaseLLM(t *testing.T) {
	caps := []Capability{CapabilityCompletion, CapabilityJSON}
	endpoint := &EndpointConfig{BaseURL: "http://localhost:11434", TimeoutSec: 60}

	llm := NewBaseLLM("ollama", ModelID("all-minilm"), caps, endpoint)

	assert.Equal(t, "ollama", llm.ProviderName())
	assert.Equal(t, "all-minilm", llm.ModelID())
	assert.Equal(t, caps, llm.Capabilities())
	assert.True(t, llm.HasCapability(CapabilityJSON))
	assert.False(t, llm.HasCapability(CapabilityEmbedding))
	assert.Equal(t, endpoint, llm.GetEndpointConfig())
	require.NotNil(t, llm.GetHTTPClient())
	assert.Equal(t, float64(60), llm.GetHTTPClient().Timeout.Seconds())
}

func TestBaseLLMDefaultTimeout(t *testing.T) {
	llm := NewBaseLLM("anthropic", ModelID("claude-sonnet-4-5"), nil, nil)
	assert.Equal(t, float64(30), llm.GetHTTPClient().Timeout.Seconds())
}

func TestValidateEndpointConfig(t *testing.T) {
	t.Run("nil is valid", func(t *testing.T) {
		assert.NoError(t, ValidateEndpointConfig(nil))
	})

	t.Run("missing base URL", func(t *testing.T) {
		err := ValidateEndpointConfig(&EndpointConfig{})
		assert.Error(t, err)
	})

	t.Run("default timeout applied", func(t *testing.T) {
		cfg := &EndpointConfig{BaseURL: "http://localhost:11434"}
		require.NoError(t, ValidateEndpointConfig(cfg))
		assert.Equal(t, 30, cfg.TimeoutSec)
	})
}
