package llms

import (
	"encoding/json"
	"strings"

	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/XiaoConstantine/ace-go/pkg/config"
	"github.com/XiaoConstantine/ace-go/pkg/core"
	errs "github.com/XiaoConstantine/ace-go/pkg/errors"
)

// NewLLM constructs a provider by name. baseURL may be empty to use the
// provider's default endpoint.
func NewLLM(provider, apiKey, model, baseURL string) (core.LLM, error) {
	switch strings.ToLower(provider) {
	case "anthropic":
		var clientOpts []option.RequestOption
		if baseURL != "" {
			clientOpts = append(clientOpts, option.WithBaseURL(baseURL))
		}
		return NewAnthropicLLM(apiKey, model, clientOpts...)
	case "ollama":
		return NewOllamaLLM(baseURL, model)
	default:
		return nil, errs.WithFields(
			errs.New(errs.Unsupported, "unsupported LLM provider"),
			errs.Fields{"provider": provider})
	}
}

// FromConfig wires the llm and embedding sections of a configuration into
// a generation provider and an embedding provider.
func FromConfig(cfg *config.Config) (core.LLM, core.LLM, error) {
	if cfg == nil {
		return nil, nil, errs.New(errs.InvalidInput, "config is nil")
	}

	generator, err := newGenerationProvider(&cfg.LLM)
	if err != nil {
		return nil, nil, err
	}

	embedder, err := newEmbeddingProvider(&cfg.Embedding)
	if err != nil {
		return nil, nil, err
	}

	return generator, embedder, nil
}

func newGenerationProvider(section *config.LLMConfig) (core.LLM, error) {
	switch strings.ToLower(section.Provider) {
	case "anthropic":
		var clientOpts []option.RequestOption
		if section.BaseURL != "" {
			clientOpts = append(clientOpts, option.WithBaseURL(section.BaseURL))
		}
		if section.Timeout.Std() > 0 {
			clientOpts = append(clientOpts, option.WithRequestTimeout(section.Timeout.Std()))
		}
		llm, err := NewAnthropicLLM(section.APIKey, section.ModelID, clientOpts...)
		if err != nil {
			return nil, err
		}
		llm.SetGenerateDefaults(generateDefaults(section)...)
		return llm, nil

	case "ollama":
		llm, err := newOllamaLLM(section.BaseURL, section.ModelID, int(section.Timeout.Std().Seconds()))
		if err != nil {
			return nil, err
		}
		llm.SetGenerateDefaults(generateDefaults(section)...)
		return llm, nil

	default:
		return nil, errs.WithFields(
			errs.New(errs.Unsupported, "unsupported LLM provider"),
			errs.Fields{"provider": section.Provider})
	}
}

func newEmbeddingProvider(section *config.EmbeddingConfig) (core.LLM, error) {
	switch strings.ToLower(section.Provider) {
	case "ollama":
		return newOllamaLLM(section.BaseURL, section.ModelID, int(section.Timeout.Std().Seconds()))
	default:
		return nil, errs.WithFields(
			errs.New(errs.Unsupported, "provider cannot serve embeddings"),
			errs.Fields{"provider": section.Provider})
	}
}

// generateDefaults translates the configured generation parameters into
// options installed on the provider.
func generateDefaults(section *config.LLMConfig) []core.GenerateOption {
	var opts []core.GenerateOption
	if section.MaxTokens > 0 {
		opts = append(opts, core.WithMaxTokens(section.MaxTokens))
	}
	if section.Temperature > 0 {
		opts = append(opts, core.WithTemperature(section.Temperature))
	}
	return opts
}

// parseJSONResponse extracts a JSON object from model output, tolerating
// markdown fences and surrounding prose.
func parseJSONResponse(response string) (map[string]interface{}, error) {
	trimmed := strings.TrimSpace(response)

	if start := strings.Index(trimmed, "{"); start >= 0 {
		if end := strings.LastIndex(trimmed, "}"); end > start {
			trimmed = trimmed[start : end+1]
		}
	}

	var result map[string]interface{}
	if err := json.Unmarshal([]byte(trimmed), &result); err != nil {
		return nil, errs.Wrap(err, errs.InvalidResponse, "failed to parse response as JSON")
	}
	return result, nil
}
