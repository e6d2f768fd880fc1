package ace

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"math"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/XiaoConstantine/ace-go/pkg/core"
	"github.com/XiaoConstantine/ace-go/pkg/errors"
	"github.com/XiaoConstantine/ace-go/pkg/logging"
	"github.com/sourcegraph/conc/pool"
)

// CacheRecord is one persisted embedding: the vector plus the content
// hash and model that produced it. A record is fresh only while both
// still match.
type CacheRecord struct {
	BulletID    string    `json:"bullet_id"`
	ContentHash string    `json:"content_hash"`
	ModelID     string    `json:"model_id"`
	Vector      []float32 `json:"vector"`
	CreatedAt   time.Time `json:"created_at"`
}

// cacheStore persists embedding records. Implementations: a JSON file
// and a SQLite database.
type cacheStore interface {
	LoadRecords() (map[string]CacheRecord, error)
	SaveRecords(map[string]CacheRecord) error
	Close() error
}

// hashContent returns the canonical content hash used for staleness.
func hashContent(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}

// EmbeddingCache keeps exactly one vector per bullet, keyed by bullet ID
// and invalidated by content hash or model change. Stale entries are
// recomputed in concurrent batches with exponential-backoff retry;
// batches that still fail are excluded from the result and reported, so
// one flaky provider call never blocks curation.
type EmbeddingCache struct {
	embedder    core.LLM
	store       cacheStore
	modelID     string
	batchSize   int
	maxRetries  int
	concurrency int

	mu      sync.Mutex
	records map[string]CacheRecord
	loaded  bool
}

// NewEmbeddingCache builds a cache over the given backend. The active
// model ID is pinned at construction from the embedder.
func NewEmbeddingCache(embedder core.LLM, store cacheStore, cfg Config) *EmbeddingCache {
	return &EmbeddingCache{
		embedder:    embedder,
		store:       store,
		modelID:     embedder.ModelID(),
		batchSize:   cfg.EmbeddingBatchSize,
		maxRetries:  cfg.EmbeddingRetries,
		concurrency: cfg.EmbeddingConcurrency,
		records:     make(map[string]CacheRecord),
	}
}

// ModelID returns the embedding model this cache is pinned to.
func (c *EmbeddingCache) ModelID() string { return c.modelID }

// ensureLoaded pulls persisted records into memory once, dropping any
// produced by a different model.
func (c *EmbeddingCache) ensureLoaded(ctx context.Context) error {
	if c.loaded {
		return nil
	}
	records, err := c.store.LoadRecords()
	if err != nil {
		return err
	}
	kept := make(map[string]CacheRecord, len(records))
	dropped := 0
	for id, rec := range records {
		if rec.ModelID != c.modelID {
			dropped++
			continue
		}
		kept[id] = rec
	}
	if dropped > 0 {
		logging.GetLogger().Info(ctx, "Discarded %d cached embeddings from a different model", dropped)
	}
	c.records = kept
	c.loaded = true
	return nil
}

// Sync brings the cache in line with the given bullets: removes records
// for absent IDs, recomputes vectors whose content hash changed, and
// persists the result. It returns a vector per bullet plus the IDs whose
// embedding still failed after retries.
func (c *EmbeddingCache) Sync(ctx context.Context, bullets []Bullet) (map[string][]float32, []string, error) {
	if err := errors.CheckContext(ctx, "embedding sync"); err != nil {
		return nil, nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.ensureLoaded(ctx); err != nil {
		return nil, nil, err
	}

	byID := make(map[string]Bullet, len(bullets))
	for _, b := range bullets {
		byID[b.ID] = b
	}

	// Drop records for bullets that no longer exist.
	for id := range c.records {
		if _, ok := byID[id]; !ok {
			delete(c.records, id)
		}
	}

	// Collect stale IDs in sorted order so batch packing is deterministic.
	var stale []string
	for id, b := range byID {
		rec, ok := c.records[id]
		if !ok || rec.ContentHash != hashContent(b.Content) {
			stale = append(stale, id)
		}
	}
	sort.Strings(stale)

	var failed []string
	if len(stale) > 0 {
		failed = c.embedStale(ctx, byID, stale)
	}

	if err := c.store.SaveRecords(c.records); err != nil {
		return nil, nil, err
	}
	if err := errors.CheckContext(ctx, "embedding sync"); err != nil {
		return nil, nil, err
	}

	vectors := make(map[string][]float32, len(byID))
	for id := range byID {
		if rec, ok := c.records[id]; ok {
			vectors[id] = rec.Vector
		}
	}
	sort.Strings(failed)
	return vectors, failed, nil
}

// embedStale recomputes vectors for the given IDs in concurrent batches
// and returns the IDs of batches that failed after retries. Called with
// c.mu held; batch results are folded back in under resultMu.
func (c *EmbeddingCache) embedStale(ctx context.Context, byID map[string]Bullet, stale []string) []string {
	logger := logging.GetLogger()

	type batchResult struct {
		ids     []string
		vectors [][]float32
		err     error
	}

	var resultMu sync.Mutex
	var results []batchResult

	p := pool.New().WithContext(ctx).WithMaxGoroutines(c.concurrency)
	for start := 0; start < len(stale); start += c.batchSize {
		end := start + c.batchSize
		if end > len(stale) {
			end = len(stale)
		}
		ids := stale[start:end]

		p.Go(func(ctx context.Context) error {
			inputs := make([]string, len(ids))
			for i, id := range ids {
				inputs[i] = byID[id].Content
			}
			vectors, err := c.embedBatchWithRetry(ctx, inputs)
			resultMu.Lock()
			results = append(results, batchResult{ids: ids, vectors: vectors, err: err})
			resultMu.Unlock()
			// Failures are reported per batch, not propagated, so the
			// remaining batches still run.
			return nil
		})
	}
	_ = p.Wait()

	now := time.Now().UTC()
	var failed []string
	for _, res := range results {
		if res.err != nil {
			logger.Warn(ctx, "Embedding batch of %d failed after retries: %v", len(res.ids), res.err)
			failed = append(failed, res.ids...)
			continue
		}
		for i, id := range res.ids {
			c.records[id] = CacheRecord{
				BulletID:    id,
				ContentHash: hashContent(byID[id].Content),
				ModelID:     c.modelID,
				Vector:      res.vectors[i],
				CreatedAt:   now,
			}
		}
	}
	return failed
}

// embedBatchWithRetry calls the provider with exponential backoff.
func (c *EmbeddingCache) embedBatchWithRetry(ctx context.Context, inputs []string) ([][]float32, error) {
	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if err := errors.CheckContext(ctx, "embedding batch"); err != nil {
			return nil, err
		}

		result, err := c.embedder.CreateEmbeddings(ctx, inputs, core.WithBatchSize(c.batchSize))
		if err == nil && result != nil && result.Error != nil {
			err = result.Error
		}
		if err == nil {
			if len(result.Embeddings) != len(inputs) {
				return nil, errors.WithFields(
					errors.New(errors.InvalidResponse, "provider returned wrong embedding count"),
					errors.Fields{"want": len(inputs), "got": len(result.Embeddings)},
				)
			}
			vectors := make([][]float32, len(result.Embeddings))
			for i := range result.Embeddings {
				vectors[i] = result.Embeddings[i].Vector
			}
			return vectors, nil
		}
		lastErr = err
		if attempt == c.maxRetries {
			break
		}

		// Wait before retrying, with exponential backoff.
		backoff := time.Duration(float64(200*time.Millisecond) * math.Pow(2, float64(attempt)))
		select {
		case <-ctx.Done():
			return nil, errors.Wrap(ctx.Err(), errors.Canceled, "context canceled during embedding retry backoff")
		case <-time.After(backoff):
		}
	}
	return nil, errors.Wrap(lastErr, errors.EmbeddingFailed, "embedding batch failed after retries")
}

// Vector returns the cached vector for a bullet, when present.
// Staleness is only recomputed by Sync.
func (c *EmbeddingCache) Vector(id string) ([]float32, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	rec, ok := c.records[id]
	if !ok {
		return nil, false
	}
	return rec.Vector, true
}

// Count returns the number of cached records.
func (c *EmbeddingCache) Count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.records)
}

// Invalidate drops every cached record and persists the empty state.
func (c *EmbeddingCache) Invalidate() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.records = make(map[string]CacheRecord)
	c.loaded = true
	return c.store.SaveRecords(c.records)
}

// Close releases the underlying backend.
func (c *EmbeddingCache) Close() error {
	return c.store.Close()
}

// fileCacheFormat is the persisted JSON layout of the file backend.
type fileCacheFormat struct {
	Version int           `json:"version"`
	Records []CacheRecord `json:"records"`
}

// fileCacheStore persists records as a JSON sidecar file, written with
// the same temp-then-rename discipline as the playbook itself.
type fileCacheStore struct {
	path string
}

func newFileCacheStore(path string) *fileCacheStore {
	return &fileCacheStore{path: path}
}

func (f *fileCacheStore) LoadRecords() (map[string]CacheRecord, error) {
	data, err := os.ReadFile(f.path)
	if os.IsNotExist(err) {
		return map[string]CacheRecord{}, nil
	}
	if err != nil {
		return nil, err
	}

	var file fileCacheFormat
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, errors.WithFields(
			errors.Wrap(err, errors.SerializationFailed, "embedding cache file is not valid JSON"),
			errors.Fields{"path": f.path},
		)
	}

	records := make(map[string]CacheRecord, len(file.Records))
	for _, rec := range file.Records {
		records[rec.BulletID] = rec
	}
	return records, nil
}

func (f *fileCacheStore) SaveRecords(records map[string]CacheRecord) error {
	sorted := make([]CacheRecord, 0, len(records))
	for _, rec := range records {
		sorted = append(sorted, rec)
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].BulletID < sorted[j].BulletID })

	data, err := json.MarshalIndent(fileCacheFormat{Version: 1, Records: sorted}, "", "  ")
	if err != nil {
		return errors.Wrap(err, errors.SerializationFailed, "failed to serialize embedding cache")
	}

	if err := os.MkdirAll(filepath.Dir(f.path), 0755); err != nil {
		return err
	}
	tmpPath := f.path + ".tmp"
	if err := os.WriteFile(tmpPath, append(data, '\n'), 0644); err != nil {
		return err
	}
	if err := os.Rename(tmpPath, f.path); err != nil {
		os.Remove(tmpPath)
		return err
	}
	return nil
}

func (f *fileCacheStore) Close() error { return nil }
