package ace

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/XiaoConstantine/ace-go/pkg/core"
	"github.com/XiaoConstantine/ace-go/pkg/errors"
	"github.com/XiaoConstantine/ace-go/pkg/logging"
	cache "github.com/patrickmn/go-cache"
)

// RetrieveOptions tune a single retrieval call.
type RetrieveOptions struct {
	TopK          int
	MinSimilarity float64
	// Categories restricts results to the named categories when non-empty.
	Categories []string
}

// RetrieveOption mutates RetrieveOptions.
type RetrieveOption func(*RetrieveOptions)

// WithTopK overrides the maximum number of results.
func WithTopK(k int) RetrieveOption {
	return func(o *RetrieveOptions) {
		o.TopK = k
	}
}

// WithMinSimilarity overrides the similarity floor.
func WithMinSimilarity(min float64) RetrieveOption {
	return func(o *RetrieveOptions) {
		o.MinSimilarity = min
	}
}

// WithCategories restricts results to the given categories.
func WithCategories(names ...string) RetrieveOption {
	return func(o *RetrieveOptions) {
		o.Categories = names
	}
}

// Retriever ranks snapshot bullets by cosine similarity to a query.
// Query vectors are memoized in a TTL cache keyed by model and text, so
// repeated lookups of the same query skip the provider entirely.
type Retriever struct {
	embedder   core.LLM
	queryCache *cache.Cache
	defaults   RetrieveOptions
}

// NewRetriever builds a retriever with defaults taken from the config.
func NewRetriever(embedder core.LLM, cfg Config) *Retriever {
	var qc *cache.Cache
	if cfg.QueryCacheTTL > 0 {
		qc = cache.New(cfg.QueryCacheTTL, 2*cfg.QueryCacheTTL)
	}
	return &Retriever{
		embedder:   embedder,
		queryCache: qc,
		defaults: RetrieveOptions{
			TopK:          cfg.TopK,
			MinSimilarity: cfg.MinSimilarity,
		},
	}
}

// Retrieve embeds the query and returns bullets whose similarity clears
// the floor, ordered by similarity descending with ID ascending as the
// tie-break, truncated to the top-k. Bullets without a synchronized
// vector are skipped. The snapshot is never mutated.
func (r *Retriever) Retrieve(ctx context.Context, query string, snap *Snapshot, opts ...RetrieveOption) ([]RetrievedBullet, error) {
	if strings.TrimSpace(query) == "" {
		return nil, errors.New(errors.InvalidInput, "retrieval query is empty")
	}
	if err := errors.CheckContext(ctx, "retrieval"); err != nil {
		return nil, err
	}
	if snap.Size() == 0 {
		return []RetrievedBullet{}, nil
	}

	options := r.defaults
	for _, opt := range opts {
		opt(&options)
	}

	queryVec, err := r.queryVector(ctx, query)
	if err != nil {
		return nil, err
	}

	var categoryFilter map[string]bool
	if len(options.Categories) > 0 {
		categoryFilter = make(map[string]bool, len(options.Categories))
		for _, name := range options.Categories {
			categoryFilter[foldName(name)] = true
		}
	}

	results := make([]RetrievedBullet, 0, len(snap.Bullets))
	for _, b := range snap.Bullets {
		vec, ok := snap.Vectors[b.ID]
		if !ok {
			continue
		}
		if categoryFilter != nil && !categoryFilter[foldName(b.Category)] {
			continue
		}
		sim := cosineSimilarity(queryVec, vec)
		if sim < options.MinSimilarity {
			continue
		}
		results = append(results, RetrievedBullet{Bullet: b, Similarity: sim})
	}

	sort.Slice(results, func(i, j int) bool {
		if results[i].Similarity != results[j].Similarity {
			return results[i].Similarity > results[j].Similarity
		}
		return results[i].Bullet.ID < results[j].Bullet.ID
	})

	if options.TopK > 0 && len(results) > options.TopK {
		results = results[:options.TopK]
	}

	logging.GetLogger().Debug(ctx, "Retrieved %d of %d bullets for query", len(results), snap.Size())
	return results, nil
}

// queryVector embeds the query, consulting the TTL cache first.
func (r *Retriever) queryVector(ctx context.Context, query string) ([]float32, error) {
	key := r.embedder.ModelID() + "\x00" + query
	if r.queryCache != nil {
		if cached, found := r.queryCache.Get(key); found {
			return cached.([]float32), nil
		}
	}

	result, err := r.embedder.CreateEmbedding(ctx, query)
	if err != nil {
		return nil, errors.Wrap(err, errors.EmbeddingFailed, "failed to embed retrieval query")
	}
	if r.queryCache != nil {
		r.queryCache.Set(key, result.Vector, cache.DefaultExpiration)
	}
	return result.Vector, nil
}

// cosineSimilarity returns the cosine of the angle between two vectors.
// Mismatched dimensions or zero vectors score 0.
func cosineSimilarity(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0.0
	}

	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0.0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

// FormatForPrompt renders retrieval results for injection into an agent
// prompt, grouped by category. Groups appear in the order their best hit
// ranked; bullets keep their rank order within a group. The bracketed
// IDs are what agents cite and the citation scan later detects.
func FormatForPrompt(results []RetrievedBullet) string {
	if len(results) == 0 {
		return ""
	}

	var order []string
	grouped := make(map[string][]RetrievedBullet)
	for _, r := range results {
		if _, seen := grouped[r.Bullet.Category]; !seen {
			order = append(order, r.Bullet.Category)
		}
		grouped[r.Bullet.Category] = append(grouped[r.Bullet.Category], r)
	}

	var b strings.Builder
	for _, category := range order {
		fmt.Fprintf(&b, "## %s (cite by ID when relied on)\n", category)
		for _, r := range grouped[category] {
			b.WriteString("[")
			b.WriteString(r.Bullet.ID)
			b.WriteString("] ")
			b.WriteString(r.Bullet.Content)
			if r.Bullet.Metadata.TotalUses > 0 {
				fmt.Fprintf(&b, " (%.0f%% helpful over %d uses)", r.Bullet.HelpfulnessScore()*100, r.Bullet.Metadata.TotalUses)
			} else {
				b.WriteString(" (new)")
			}
			b.WriteString("\n")
		}
		b.WriteString("\n")
	}
	return b.String()
}
