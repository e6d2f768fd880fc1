package llms

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/XiaoConstantine/ace-go/pkg/core"
	errs "github.com/XiaoConstantine/ace-go/pkg/errors"
)

func TestNewOllamaLLM(t *testing.T) {
	tests := []struct {
		name     string
		endpoint string
		model    string
		wantBase string
	}{
		{"default endpoint", "", "llama3", "http://localhost:11434"},
		{"custom endpoint", "http://custom:8080", "llama3", "http://custom:8080"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			llm, err := NewOllamaLLM(tt.endpoint, tt.model)
			require.NoError(t, err)
			assert.Equal(t, tt.wantBase, llm.GetEndpointConfig().BaseURL)
			assert.Equal(t, tt.model, llm.ModelID())
			assert.Equal(t, "ollama", llm.ProviderName())
		})
	}

	t.Run("missing model", func(t *testing.T) {
		_, err := NewOllamaLLM("", "")
		assertCode(t, err, errs.InvalidInput)
	})

	t.Run("embedding models advertise the capability", func(t *testing.T) {
		llm, err := NewOllamaLLM("", "nomic-embed-text")
		require.NoError(t, err)
		assert.Contains(t, llm.Capabilities(), core.CapabilityEmbedding)

		llm, err = NewOllamaLLM("", "llama3")
		require.NoError(t, err)
		assert.NotContains(t, llm.Capabilities(), core.CapabilityEmbedding)
	})
}

func TestSupportsOllamaEmbedding(t *testing.T) {
	assert.True(t, supportsOllamaEmbedding("nomic-embed-text"))
	assert.True(t, supportsOllamaEmbedding("MXBAI-Embed-Large"))
	assert.True(t, supportsOllamaEmbedding("my-custom-embedder"))
	assert.False(t, supportsOllamaEmbedding("llama3"))
}

func TestOllamaGenerate(t *testing.T) {
	var captured ollamaRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/api/generate", r.URL.Path)
		require.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&captured))

		resp := ollamaResponse{
			Model:           captured.Model,
			CreatedAt:       "2026-03-01T00:00:00Z",
			Response:        "generated text",
			Done:            true,
			PromptEvalCount: 10,
			EvalCount:       4,
		}
		w.Header().Set("Content-Type", "application/json")
		require.NoError(t, json.NewEncoder(w).Encode(resp))
	}))
	defer server.Close()

	llm, err := NewOllamaLLM(server.URL, "test-model")
	require.NoError(t, err)
	llm.SetGenerateDefaults(core.WithMaxTokens(64))

	resp, err := llm.Generate(context.Background(), "say something", core.WithTemperature(0.9))
	require.NoError(t, err)

	assert.Equal(t, "generated text", resp.Content)
	require.NotNil(t, resp.Usage)
	assert.Equal(t, 10, resp.Usage.PromptTokens)
	assert.Equal(t, 4, resp.Usage.CompletionTokens)
	assert.Equal(t, 14, resp.Usage.TotalTokens)

	assert.Equal(t, "test-model", captured.Model)
	assert.Equal(t, "say something", captured.Prompt)
	assert.False(t, captured.Stream)
	assert.Equal(t, float64(64), captured.Options["num_predict"])
	assert.Equal(t, 0.9, captured.Options["temperature"])
}

func TestOllamaGenerateErrors(t *testing.T) {
	t.Run("server error", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "model not found", http.StatusNotFound)
		}))
		defer server.Close()

		llm, err := NewOllamaLLM(server.URL, "test-model")
		require.NoError(t, err)

		_, err = llm.Generate(context.Background(), "prompt")
		assertCode(t, err, errs.LLMGenerationFailed)
	})

	t.Run("malformed response body", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte("not json at all"))
		}))
		defer server.Close()

		llm, err := NewOllamaLLM(server.URL, "test-model")
		require.NoError(t, err)

		_, err = llm.Generate(context.Background(), "prompt")
		assertCode(t, err, errs.InvalidResponse)
	})

	t.Run("unreachable endpoint", func(t *testing.T) {
		llm, err := NewOllamaLLM("http://127.0.0.1:1", "test-model")
		require.NoError(t, err)

		_, err = llm.Generate(context.Background(), "prompt")
		assertCode(t, err, errs.LLMGenerationFailed)
	})
}

func TestOllamaGenerateWithJSON(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		resp := ollamaResponse{Response: "Here you go: {\"score\": 0.5} hope that helps", Done: true}
		require.NoError(t, json.NewEncoder(w).Encode(resp))
	}))
	defer server.Close()

	llm, err := NewOllamaLLM(server.URL, "test-model")
	require.NoError(t, err)

	result, err := llm.GenerateWithJSON(context.Background(), "score it")
	require.NoError(t, err)
	assert.Equal(t, map[string]interface{}{"score": 0.5}, result)
}

func TestOllamaCreateEmbedding(t *testing.T) {
	var captured ollamaEmbeddingRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/embeddings", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&captured))

		resp := ollamaEmbeddingResponse{Embedding: []float32{0.1, 0.2, 0.3}}
		require.NoError(t, json.NewEncoder(w).Encode(resp))
	}))
	defer server.Close()

	llm, err := NewOllamaLLM(server.URL, "nomic-embed-text")
	require.NoError(t, err)

	result, err := llm.CreateEmbedding(context.Background(), "embed this")
	require.NoError(t, err)

	assert.Equal(t, []float32{0.1, 0.2, 0.3}, result.Vector)
	assert.Equal(t, "nomic-embed-text", result.Metadata["model"])
	assert.Equal(t, 3, result.Metadata["embedding_size"])
	assert.Equal(t, "nomic-embed-text", captured.Model)
	assert.Equal(t, "embed this", captured.Prompt)
}

func TestOllamaCreateEmbeddingModelOverride(t *testing.T) {
	var captured ollamaEmbeddingRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&captured))
		require.NoError(t, json.NewEncoder(w).Encode(ollamaEmbeddingResponse{Embedding: []float32{1}}))
	}))
	defer server.Close()

	llm, err := NewOllamaLLM(server.URL, "nomic-embed-text")
	require.NoError(t, err)

	_, err = llm.CreateEmbedding(context.Background(), "text", core.WithModel("mxbai-embed-large"))
	require.NoError(t, err)
	assert.Equal(t, "mxbai-embed-large", captured.Model)
}

func TestOllamaCreateEmbeddingEmptyVector(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewEncoder(w).Encode(ollamaEmbeddingResponse{}))
	}))
	defer server.Close()

	llm, err := NewOllamaLLM(server.URL, "nomic-embed-text")
	require.NoError(t, err)

	_, err = llm.CreateEmbedding(context.Background(), "text")
	assertCode(t, err, errs.EmbeddingFailed)
}

func TestOllamaCreateEmbeddings(t *testing.T) {
	t.Run("preserves input order", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			var req ollamaEmbeddingRequest
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))

			// Derive the vector from the prompt so order is observable.
			resp := ollamaEmbeddingResponse{Embedding: []float32{float32(len(req.Prompt))}}
			require.NoError(t, json.NewEncoder(w).Encode(resp))
		}))
		defer server.Close()

		llm, err := NewOllamaLLM(server.URL, "nomic-embed-text")
		require.NoError(t, err)

		result, err := llm.CreateEmbeddings(context.Background(), []string{"a", "ab", "abc"})
		require.NoError(t, err)

		require.Len(t, result.Embeddings, 3)
		assert.Equal(t, []float32{1}, result.Embeddings[0].Vector)
		assert.Equal(t, []float32{2}, result.Embeddings[1].Vector)
		assert.Equal(t, []float32{3}, result.Embeddings[2].Vector)
		assert.NoError(t, result.Error)
		assert.Equal(t, -1, result.ErrorIndex)
	})

	t.Run("fails on first bad input", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			var req ollamaEmbeddingRequest
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))

			if req.Prompt == "poison" {
				http.Error(w, "cannot embed", http.StatusInternalServerError)
				return
			}
			require.NoError(t, json.NewEncoder(w).Encode(ollamaEmbeddingResponse{Embedding: []float32{1}}))
		}))
		defer server.Close()

		llm, err := NewOllamaLLM(server.URL, "nomic-embed-text")
		require.NoError(t, err)

		_, err = llm.CreateEmbeddings(context.Background(), []string{"fine", "poison", "fine"})
		assertCode(t, err, errs.EmbeddingFailed)
	})
}
