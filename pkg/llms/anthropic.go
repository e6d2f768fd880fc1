package llms

import (
	"context"
	"errors"
	"os"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/XiaoConstantine/ace-go/pkg/core"
	errs "github.com/XiaoConstantine/ace-go/pkg/errors"
	"github.com/XiaoConstantine/ace-go/pkg/logging"
)

// AnthropicLLM implements core.LLM for Anthropic's Claude models. The
// provider covers generation only: Anthropic exposes no embedding API, so
// the embedding methods return Unsupported and the engine has to pair it
// with an embedding-capable provider.
type AnthropicLLM struct {
	client   *anthropic.Client
	defaults []core.GenerateOption
	*core.BaseLLM
}

// Model name compatibility layer for retired Claude 3 names.
var modelNameMapping = map[string]anthropic.Model{
	"claude-3-opus-20240229":   anthropic.ModelClaudeOpus4_1_20250805,
	"claude-3-sonnet-20240229": anthropic.ModelClaudeSonnet4_5_20250929,
	"claude-3-haiku-20240307":  anthropic.ModelClaude_3_Haiku_20240307,
	"claude-3-opus":            anthropic.ModelClaudeOpus4_1_20250805,
	"claude-3-sonnet":          anthropic.ModelClaudeSonnet4_5_20250929,
	"claude-3-haiku":           anthropic.ModelClaude_3_Haiku_20240307,
}

// normalizeModelName maps old model names to current official ones.
func normalizeModelName(name string) anthropic.Model {
	if normalized, ok := modelNameMapping[name]; ok {
		return normalized
	}
	// Pass unknown names through so new models work automatically.
	return anthropic.Model(name)
}

// isValidAnthropicModel checks whether the model belongs to a known Claude
// family.
func isValidAnthropicModel(model string) bool {
	validPrefixes := []string{
		"claude-3",
		"claude-4",
		"claude-haiku",
		"claude-sonnet",
		"claude-opus",
	}

	for _, prefix := range validPrefixes {
		if strings.HasPrefix(model, prefix) {
			return true
		}
	}
	return false
}

// NewAnthropicLLM creates an Anthropic-backed LLM. An empty apiKey falls
// back to the ANTHROPIC_API_KEY environment variable. Additional client
// options can point the client at a proxy or tune retries.
func NewAnthropicLLM(apiKey, model string, clientOpts ...option.RequestOption) (*AnthropicLLM, error) {
	if apiKey == "" {
		apiKey = os.Getenv("ANTHROPIC_API_KEY")
	}
	if apiKey == "" {
		return nil, errs.New(errs.InvalidInput, "Anthropic API key is required")
	}

	if !isValidAnthropicModel(string(normalizeModelName(model))) {
		return nil, errs.WithFields(
			errs.New(errs.InvalidInput, "unsupported Anthropic model"),
			errs.Fields{"model": model})
	}

	opts := append([]option.RequestOption{option.WithAPIKey(apiKey)}, clientOpts...)
	client := anthropic.NewClient(opts...)

	capabilities := []core.Capability{
		core.CapabilityCompletion,
		core.CapabilityChat,
		core.CapabilityJSON,
	}

	return &AnthropicLLM{
		client:  &client,
		BaseLLM: core.NewBaseLLM("anthropic", core.ModelID(model), capabilities, nil),
	}, nil
}

// SetGenerateDefaults installs options applied before per-call options on
// every generation, so configured limits hold without threading them
// through each call site.
func (a *AnthropicLLM) SetGenerateDefaults(opts ...core.GenerateOption) {
	a.defaults = opts
}

// Generate implements the core.LLM interface.
func (a *AnthropicLLM) Generate(ctx context.Context, prompt string, options ...core.GenerateOption) (*core.LLMResponse, error) {
	logger := logging.GetLogger()
	opts := core.NewGenerateOptions()
	for _, opt := range a.defaults {
		opt(opts)
	}
	for _, opt := range options {
		opt(opts)
	}

	model := normalizeModelName(a.ModelID())

	params := anthropic.MessageNewParams{
		Model: model,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(
				anthropic.NewTextBlock(prompt),
			),
		},
		MaxTokens:   int64(opts.MaxTokens),
		Temperature: anthropic.Float(opts.Temperature),
	}
	if opts.TopP > 0 {
		params.TopP = anthropic.Float(opts.TopP)
	}
	if len(opts.Stop) > 0 {
		params.StopSequences = opts.Stop
	}

	message, err := a.client.Messages.New(ctx, params)
	if err != nil {
		var apiErr *anthropic.Error
		if errors.As(err, &apiErr) {
			logger.Error(ctx, "Anthropic API error: status code %d", apiErr.StatusCode)
		}
		return nil, errs.WithFields(
			errs.Wrap(err, errs.LLMGenerationFailed, "failed to generate response"),
			errs.Fields{
				"model":      string(model),
				"max_tokens": opts.MaxTokens,
			})
	}

	if message == nil || len(message.Content) == 0 {
		return nil, errs.New(errs.LLMGenerationFailed, "received empty response from Anthropic API")
	}

	// Extract text from the response using the union type accessors.
	var responseText string
	if block := message.Content[0]; block.Type == "text" {
		responseText = block.Text
	}

	usage := &core.TokenInfo{
		PromptTokens:     int(message.Usage.InputTokens),
		CompletionTokens: int(message.Usage.OutputTokens),
		TotalTokens:      int(message.Usage.InputTokens + message.Usage.OutputTokens),
	}

	logger.Debug(ctx, "Anthropic response: %d prompt tokens, %d completion tokens",
		message.Usage.InputTokens, message.Usage.OutputTokens)

	return &core.LLMResponse{Content: responseText, Usage: usage}, nil
}

// GenerateWithJSON implements the core.LLM interface.
func (a *AnthropicLLM) GenerateWithJSON(ctx context.Context, prompt string, options ...core.GenerateOption) (map[string]interface{}, error) {
	response, err := a.Generate(ctx, prompt, options...)
	if err != nil {
		return nil, err
	}
	return parseJSONResponse(response.Content)
}

// CreateEmbedding implements the core.LLM interface. Anthropic has no
// embedding endpoint.
func (a *AnthropicLLM) CreateEmbedding(ctx context.Context, input string, options ...core.EmbeddingOption) (*core.EmbeddingResult, error) {
	return nil, errs.New(errs.Unsupported, "Anthropic does not expose an embedding API; configure an embedding provider such as Ollama")
}

// CreateEmbeddings implements the core.LLM interface. Anthropic has no
// embedding endpoint.
func (a *AnthropicLLM) CreateEmbeddings(ctx context.Context, inputs []string, options ...core.EmbeddingOption) (*core.BatchEmbeddingResult, error) {
	return nil, errs.New(errs.Unsupported, "Anthropic does not expose an embedding API; configure an embedding provider such as Ollama")
}
