package llms

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/XiaoConstantine/ace-go/pkg/core"
	errs "github.com/XiaoConstantine/ace-go/pkg/errors"
)

// OllamaLLM implements the core.LLM interface for Ollama-hosted models
// over plain HTTP. It is the engine's default embedding provider and
// doubles as a local generation backend.
type OllamaLLM struct {
	defaults []core.GenerateOption
	*core.BaseLLM
}

// NewOllamaLLM creates a new OllamaLLM instance.
func NewOllamaLLM(endpoint, model string) (*OllamaLLM, error) {
	return newOllamaLLM(endpoint, model, 10*60)
}

func newOllamaLLM(endpoint, model string, timeoutSec int) (*OllamaLLM, error) {
	if model == "" {
		return nil, errs.New(errs.InvalidInput, "Ollama model name is required")
	}
	if endpoint == "" {
		endpoint = "http://localhost:11434" // Default Ollama endpoint
	}
	if timeoutSec <= 0 {
		timeoutSec = 10 * 60
	}

	capabilities := []core.Capability{
		core.CapabilityCompletion,
		core.CapabilityChat,
		core.CapabilityJSON,
	}
	if supportsOllamaEmbedding(model) {
		capabilities = append(capabilities, core.CapabilityEmbedding)
	}

	endpointCfg := &core.EndpointConfig{
		BaseURL: endpoint,
		Path:    "api/generate",
		Headers: map[string]string{
			"Content-Type": "application/json",
		},
		TimeoutSec: timeoutSec,
	}

	return &OllamaLLM{
		BaseLLM: core.NewBaseLLM("ollama", core.ModelID(model), capabilities, endpointCfg),
	}, nil
}

// SetGenerateDefaults installs options applied before per-call options on
// every generation.
func (o *OllamaLLM) SetGenerateDefaults(opts ...core.GenerateOption) {
	o.defaults = opts
}

// supportsOllamaEmbedding checks if the model can serve embeddings.
func supportsOllamaEmbedding(modelName string) bool {
	embeddingModels := []string{
		"nomic-embed-text",
		"mxbai-embed-large",
		"snowflake-arctic-embed",
		"all-minilm",
	}

	lower := strings.ToLower(modelName)
	for _, embeddingModel := range embeddingModels {
		if strings.Contains(lower, embeddingModel) {
			return true
		}
	}
	// Catch the common naming pattern for embedding models.
	return strings.Contains(lower, "embed")
}

type ollamaRequest struct {
	Model   string                 `json:"model"`
	Prompt  string                 `json:"prompt"`
	Stream  bool                   `json:"stream"`
	Options map[string]interface{} `json:"options,omitempty"`
}

type ollamaResponse struct {
	Model           string `json:"model"`
	CreatedAt       string `json:"created_at"`
	Response        string `json:"response"`
	Done            bool   `json:"done"`
	PromptEvalCount int    `json:"prompt_eval_count"`
	EvalCount       int    `json:"eval_count"`
}

type ollamaEmbeddingRequest struct {
	Model   string                 `json:"model"`
	Prompt  string                 `json:"prompt"`
	Options map[string]interface{} `json:"options,omitempty"`
}

type ollamaEmbeddingResponse struct {
	Embedding []float32 `json:"embedding"`
}

// Generate implements the core.LLM interface.
func (o *OllamaLLM) Generate(ctx context.Context, prompt string, options ...core.GenerateOption) (*core.LLMResponse, error) {
	opts := core.NewGenerateOptions()
	for _, opt := range o.defaults {
		opt(opts)
	}
	for _, opt := range options {
		opt(opts)
	}

	// Ollama takes sampling parameters in the options map.
	modelOptions := map[string]interface{}{
		"num_predict": opts.MaxTokens,
		"temperature": opts.Temperature,
	}
	if opts.TopP > 0 {
		modelOptions["top_p"] = opts.TopP
	}
	if len(opts.Stop) > 0 {
		modelOptions["stop"] = opts.Stop
	}

	reqBody := ollamaRequest{
		Model:   o.ModelID(),
		Prompt:  prompt,
		Stream:  false,
		Options: modelOptions,
	}

	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return nil, errs.WithFields(
			errs.Wrap(err, errs.InvalidInput, "failed to marshal request body"),
			errs.Fields{"model": o.ModelID()})
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.GetEndpointConfig().BaseURL+"/api/generate", bytes.NewBuffer(jsonData))
	if err != nil {
		return nil, errs.WithFields(
			errs.Wrap(err, errs.InvalidInput, "failed to create request"),
			errs.Fields{"model": o.ModelID()})
	}
	for key, value := range o.GetEndpointConfig().Headers {
		req.Header.Set(key, value)
	}

	resp, err := o.GetHTTPClient().Do(req)
	if err != nil {
		return nil, errs.WithFields(
			errs.Wrap(err, errs.LLMGenerationFailed, "failed to send request"),
			errs.Fields{"model": o.ModelID()})
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errs.WithFields(
			errs.Wrap(err, errs.LLMGenerationFailed, "failed to read response body"),
			errs.Fields{"model": o.ModelID()})
	}

	if resp.StatusCode != http.StatusOK {
		return nil, errs.WithFields(
			errs.New(errs.LLMGenerationFailed, fmt.Sprintf("API request failed with status code %d", resp.StatusCode)),
			errs.Fields{
				"model":         o.ModelID(),
				"status_code":   resp.StatusCode,
				"response_body": string(body),
			})
	}

	var ollamaResp ollamaResponse
	if err := json.Unmarshal(body, &ollamaResp); err != nil {
		return nil, errs.WithFields(
			errs.Wrap(err, errs.InvalidResponse, "failed to unmarshal response"),
			errs.Fields{"model": o.ModelID()})
	}

	usage := &core.TokenInfo{
		PromptTokens:     ollamaResp.PromptEvalCount,
		CompletionTokens: ollamaResp.EvalCount,
		TotalTokens:      ollamaResp.PromptEvalCount + ollamaResp.EvalCount,
	}

	return &core.LLMResponse{Content: ollamaResp.Response, Usage: usage}, nil
}

// GenerateWithJSON implements the core.LLM interface.
func (o *OllamaLLM) GenerateWithJSON(ctx context.Context, prompt string, options ...core.GenerateOption) (map[string]interface{}, error) {
	response, err := o.Generate(ctx, prompt, options...)
	if err != nil {
		return nil, err
	}
	return parseJSONResponse(response.Content)
}

// CreateEmbedding generates an embedding for a single input.
func (o *OllamaLLM) CreateEmbedding(ctx context.Context, input string, options ...core.EmbeddingOption) (*core.EmbeddingResult, error) {
	opts := core.NewEmbeddingOptions()
	for _, opt := range options {
		opt(opts)
	}

	model := o.ModelID()
	if opts.Model != "" {
		model = opts.Model
	}

	reqBody := ollamaEmbeddingRequest{
		Model:   model,
		Prompt:  input,
		Options: opts.Params,
	}

	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return nil, errs.WithFields(
			errs.Wrap(err, errs.InvalidInput, "failed to marshal embedding request"),
			errs.Fields{"model": model})
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.GetEndpointConfig().BaseURL+"/api/embeddings", bytes.NewBuffer(jsonData))
	if err != nil {
		return nil, errs.WithFields(
			errs.Wrap(err, errs.InvalidInput, "failed to create embedding request"),
			errs.Fields{"model": model})
	}
	for key, value := range o.GetEndpointConfig().Headers {
		req.Header.Set(key, value)
	}

	resp, err := o.GetHTTPClient().Do(req)
	if err != nil {
		return nil, errs.WithFields(
			errs.Wrap(err, errs.EmbeddingFailed, "failed to send embedding request"),
			errs.Fields{"model": model})
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errs.WithFields(
			errs.Wrap(err, errs.EmbeddingFailed, "failed to read embedding response"),
			errs.Fields{"model": model})
	}

	if resp.StatusCode != http.StatusOK {
		return nil, errs.WithFields(
			errs.New(errs.EmbeddingFailed, fmt.Sprintf("API request failed with status code %d", resp.StatusCode)),
			errs.Fields{
				"model":         model,
				"status_code":   resp.StatusCode,
				"response_body": string(body),
			})
	}

	var ollamaResp ollamaEmbeddingResponse
	if err := json.Unmarshal(body, &ollamaResp); err != nil {
		return nil, errs.WithFields(
			errs.Wrap(err, errs.InvalidResponse, "failed to unmarshal embedding response"),
			errs.Fields{"model": model})
	}

	if len(ollamaResp.Embedding) == 0 {
		return nil, errs.WithFields(
			errs.New(errs.EmbeddingFailed, "received empty embedding"),
			errs.Fields{"model": model})
	}

	return &core.EmbeddingResult{
		Vector: ollamaResp.Embedding,
		Metadata: map[string]interface{}{
			"model":          model,
			"embedding_size": len(ollamaResp.Embedding),
		},
	}, nil
}

// CreateEmbeddings generates embeddings for multiple inputs. Ollama's
// embedding endpoint takes one prompt per call, so inputs are embedded
// sequentially; the engine layers its own batching and concurrency on
// top of this.
func (o *OllamaLLM) CreateEmbeddings(ctx context.Context, inputs []string, options ...core.EmbeddingOption) (*core.BatchEmbeddingResult, error) {
	results := make([]core.EmbeddingResult, 0, len(inputs))

	for i, input := range inputs {
		result, err := o.CreateEmbedding(ctx, input, options...)
		if err != nil {
			return nil, errs.WithFields(
				errs.Wrap(err, errs.EmbeddingFailed, "batch embedding failed"),
				errs.Fields{"index": i})
		}
		results = append(results, *result)
	}

	return &core.BatchEmbeddingResult{
		Embeddings: results,
		ErrorIndex: -1,
	}, nil
}
