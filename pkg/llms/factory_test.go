package llms

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/XiaoConstantine/ace-go/pkg/config"
	"github.com/XiaoConstantine/ace-go/pkg/core"
	errs "github.com/XiaoConstantine/ace-go/pkg/errors"
)

func TestNewLLMDispatch(t *testing.T) {
	t.Run("anthropic", func(t *testing.T) {
		llm, err := NewLLM("anthropic", "test-key", "claude-sonnet-4-5", "")
		require.NoError(t, err)
		assert.Equal(t, "anthropic", llm.ProviderName())
		assert.IsType(t, &AnthropicLLM{}, llm)
	})

	t.Run("ollama", func(t *testing.T) {
		llm, err := NewLLM("Ollama", "", "llama3", "http://custom:11434")
		require.NoError(t, err)
		assert.Equal(t, "ollama", llm.ProviderName())
		assert.IsType(t, &OllamaLLM{}, llm)
	})

	t.Run("unknown provider", func(t *testing.T) {
		_, err := NewLLM("openai", "key", "gpt-4", "")
		assertCode(t, err, errs.Unsupported)
	})
}

func TestFromConfig(t *testing.T) {
	t.Run("default sections", func(t *testing.T) {
		cfg := config.Default()
		cfg.LLM.APIKey = "test-key"

		generator, embedder, err := FromConfig(cfg)
		require.NoError(t, err)

		assert.Equal(t, "anthropic", generator.ProviderName())
		assert.Equal(t, "ollama", embedder.ProviderName())
		assert.Contains(t, embedder.Capabilities(), core.CapabilityEmbedding)
	})

	t.Run("ollama generation", func(t *testing.T) {
		cfg := config.Default()
		cfg.LLM.Provider = "ollama"
		cfg.LLM.ModelID = "llama3"
		cfg.LLM.BaseURL = "http://localhost:11434"

		generator, _, err := FromConfig(cfg)
		require.NoError(t, err)
		assert.Equal(t, "ollama", generator.ProviderName())
		assert.Equal(t, "llama3", generator.ModelID())
	})

	t.Run("nil config", func(t *testing.T) {
		_, _, err := FromConfig(nil)
		assertCode(t, err, errs.InvalidInput)
	})

	t.Run("embedding provider without an embedding API", func(t *testing.T) {
		cfg := config.Default()
		cfg.LLM.APIKey = "test-key"
		cfg.Embedding.Provider = "anthropic"

		_, _, err := FromConfig(cfg)
		assertCode(t, err, errs.Unsupported)
	})
}

func TestParseJSONResponse(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    map[string]interface{}
		wantErr bool
	}{
		{
			name:  "bare object",
			input: `{"key": "value"}`,
			want:  map[string]interface{}{"key": "value"},
		},
		{
			name:  "markdown fenced",
			input: "```json\n{\"key\": \"value\"}\n```",
			want:  map[string]interface{}{"key": "value"},
		},
		{
			name:  "surrounded by prose",
			input: `Sure, here is the JSON you asked for: {"n": 3} and nothing else.`,
			want:  map[string]interface{}{"n": float64(3)},
		},
		{
			name:  "nested objects",
			input: `{"outer": {"inner": true}}`,
			want:  map[string]interface{}{"outer": map[string]interface{}{"inner": true}},
		},
		{
			name:    "no JSON at all",
			input:   "I could not produce any structured output.",
			wantErr: true,
		},
		{
			name:    "truncated object",
			input:   `{"key": "val`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseJSONResponse(tt.input)
			if tt.wantErr {
				assertCode(t, err, errs.InvalidResponse)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
