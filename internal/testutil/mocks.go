package testutil

import (
	"context"
	"hash/fnv"
	"math"
	"strings"
	"sync"

	"github.com/XiaoConstantine/ace-go/pkg/core"
	"github.com/XiaoConstantine/ace-go/pkg/errors"
	"github.com/stretchr/testify/mock"
)

// MockLLM is a mock implementation of core.LLM.
type MockLLM struct {
	mock.Mock
}

func (m *MockLLM) Generate(ctx context.Context, prompt string, opts ...core.GenerateOption) (*core.LLMResponse, error) {
	args := m.Called(ctx, prompt, opts)
	// Handle both string and struct returns
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	if response, ok := args.Get(0).(*core.LLMResponse); ok {
		return response, args.Error(1)
	}
	if content, ok := args.Get(0).(string); ok {
		return &core.LLMResponse{Content: content}, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockLLM) GenerateWithJSON(ctx context.Context, prompt string, opts ...core.GenerateOption) (map[string]interface{}, error) {
	args := m.Called(ctx, prompt, opts)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(map[string]interface{}), args.Error(1)
}

// CreateEmbedding mocks the single embedding creation following the same pattern as Generate.
func (m *MockLLM) CreateEmbedding(ctx context.Context, input string, options ...core.EmbeddingOption) (*core.EmbeddingResult, error) {
	args := m.Called(ctx, input, options)

	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	if result, ok := args.Get(0).(*core.EmbeddingResult); ok {
		return result, args.Error(1)
	}

	// Fallback case: return a simple fixed vector so callers that only
	// need "some embedding" do not have to construct one per test.
	return &core.EmbeddingResult{
		Vector:     []float32{0.1, 0.2, 0.3},
		TokenCount: len(input),
		Metadata: map[string]interface{}{
			"fallback": true,
		},
	}, args.Error(1)
}

// CreateEmbeddings mocks the batch embedding creation.
func (m *MockLLM) CreateEmbeddings(ctx context.Context, inputs []string, options ...core.EmbeddingOption) (*core.BatchEmbeddingResult, error) {
	args := m.Called(ctx, inputs, options)

	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	if result, ok := args.Get(0).(*core.BatchEmbeddingResult); ok {
		return result, args.Error(1)
	}

	embeddings := make([]core.EmbeddingResult, len(inputs))
	for i := range inputs {
		embeddings[i] = core.EmbeddingResult{
			Vector:     []float32{0.1, 0.2, 0.3},
			TokenCount: len(inputs[i]),
			Metadata: map[string]interface{}{
				"fallback": true,
				"index":    i,
			},
		}
	}

	return &core.BatchEmbeddingResult{
		Embeddings: embeddings,
		Error:      nil,
		ErrorIndex: -1,
	}, args.Error(1)
}

// ModelID mocks the ModelID method from the LLM interface.
func (m *MockLLM) ModelID() string {
	args := m.Called()

	ret0, _ := args.Get(0).(string)

	return ret0
}

// ProviderName mocks the ProviderName method from the LLM interface.
func (m *MockLLM) ProviderName() string {
	args := m.Called()

	ret0, _ := args.Get(0).(string)

	return ret0
}

func (m *MockLLM) Capabilities() []core.Capability {
	return []core.Capability{}
}

// HashingEmbedder is a deterministic core.LLM that embeds text as a
// normalized bag-of-words vector over hashed token buckets. Inputs that
// share tokens produce vectors with high cosine similarity, which makes
// dedup and retrieval behavior testable without a real provider.
type HashingEmbedder struct {
	Dim   int
	Model string

	// FailSubstring, when non-empty, makes any batch containing an input
	// with this substring return an error.
	FailSubstring string

	mu         sync.Mutex
	batchCalls int
	failures   int
}

func NewHashingEmbedder() *HashingEmbedder {
	return &HashingEmbedder{Dim: 64, Model: "hashing-embedder-v1"}
}

// EmbedText computes the deterministic vector for a single input.
func (h *HashingEmbedder) EmbedText(input string) []float32 {
	dim := h.Dim
	if dim <= 0 {
		dim = 64
	}
	vec := make([]float32, dim)
	for _, tok := range strings.Fields(strings.ToLower(input)) {
		tok = strings.Trim(tok, ".,;:!?()[]{}\"'")
		if tok == "" {
			continue
		}
		fh := fnv.New32a()
		_, _ = fh.Write([]byte(tok))
		vec[fh.Sum32()%uint32(dim)] += 1.0
	}
	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm > 0 {
		scale := float32(1.0 / math.Sqrt(norm))
		for i := range vec {
			vec[i] *= scale
		}
	}
	return vec
}

// BatchCalls reports how many CreateEmbeddings calls were made.
func (h *HashingEmbedder) BatchCalls() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.batchCalls
}

func (h *HashingEmbedder) Generate(ctx context.Context, prompt string, options ...core.GenerateOption) (*core.LLMResponse, error) {
	return nil, errors.New(errors.Unsupported, "hashing embedder does not generate text")
}

func (h *HashingEmbedder) GenerateWithJSON(ctx context.Context, prompt string, options ...core.GenerateOption) (map[string]interface{}, error) {
	return nil, errors.New(errors.Unsupported, "hashing embedder does not generate text")
}

func (h *HashingEmbedder) CreateEmbedding(ctx context.Context, input string, options ...core.EmbeddingOption) (*core.EmbeddingResult, error) {
	batch, err := h.CreateEmbeddings(ctx, []string{input}, options...)
	if err != nil {
		return nil, err
	}
	return &batch.Embeddings[0], nil
}

func (h *HashingEmbedder) CreateEmbeddings(ctx context.Context, inputs []string, options ...core.EmbeddingOption) (*core.BatchEmbeddingResult, error) {
	h.mu.Lock()
	h.batchCalls++
	h.mu.Unlock()

	if h.FailSubstring != "" {
		for i, input := range inputs {
			if strings.Contains(input, h.FailSubstring) {
				h.mu.Lock()
				h.failures++
				h.mu.Unlock()
				return nil, errors.WithFields(
					errors.New(errors.EmbeddingFailed, "embedding provider rejected input"),
					errors.Fields{"batch_index": i},
				)
			}
		}
	}

	embeddings := make([]core.EmbeddingResult, len(inputs))
	for i, input := range inputs {
		embeddings[i] = core.EmbeddingResult{
			Vector:     h.EmbedText(input),
			TokenCount: len(strings.Fields(input)),
		}
	}
	return &core.BatchEmbeddingResult{Embeddings: embeddings, ErrorIndex: -1}, nil
}

func (h *HashingEmbedder) ProviderName() string { return "testutil" }

func (h *HashingEmbedder) ModelID() string {
	if h.Model == "" {
		return "hashing-embedder-v1"
	}
	return h.Model
}

func (h *HashingEmbedder) Capabilities() []core.Capability {
	return []core.Capability{core.CapabilityEmbedding}
}
