package ace

import (
	"fmt"
	"time"
)

// LockPolicy decides what a curation pass does when the store lock is
// already held by another process.
type LockPolicy string

const (
	// LockBlock waits for the holder to release the lock.
	LockBlock LockPolicy = "block"
	// LockFailFast returns a distinguishable lock error immediately.
	LockFailFast LockPolicy = "fail_fast"
)

// CacheBackend selects where bullet embeddings are persisted.
type CacheBackend string

const (
	CacheBackendFile   CacheBackend = "file"
	CacheBackendSQLite CacheBackend = "sqlite"
)

// Config configures the playbook engine.
type Config struct {
	// StorePath is where the playbook file lives. Sibling artifacts
	// (lock file, snapshots, change records, embedding cache) are derived
	// from this path.
	StorePath string `json:"store_path" yaml:"store_path"`
	// CachePath overrides the derived embedding cache location.
	CachePath    string       `json:"cache_path,omitempty" yaml:"cache_path"`
	CacheBackend CacheBackend `json:"cache_backend" yaml:"cache_backend"`

	// MaxPlaybookSize bounds the number of stored bullets.
	MaxPlaybookSize  int `json:"max_playbook_size" yaml:"max_playbook_size"`
	MinContentLength int `json:"min_content_length" yaml:"min_content_length"`

	EnableDedup    bool    `json:"enable_dedup" yaml:"enable_dedup"`
	DedupThreshold float64 `json:"dedup_threshold" yaml:"dedup_threshold"`
	EnablePruning  bool    `json:"enable_pruning" yaml:"enable_pruning"`
	// PruneMinSample protects bullets with fewer total uses from eviction.
	PruneMinSample int `json:"prune_min_sample" yaml:"prune_min_sample"`

	MinSimilarity float64 `json:"min_similarity" yaml:"min_similarity"`
	TopK          int     `json:"top_k" yaml:"top_k"`

	MaxRefinementRounds   int  `json:"max_refinement_rounds" yaml:"max_refinement_rounds"`
	AllowCustomCategories bool `json:"allow_custom_categories" yaml:"allow_custom_categories"`

	EmbeddingBatchSize   int `json:"embedding_batch_size" yaml:"embedding_batch_size"`
	EmbeddingRetries     int `json:"embedding_retries" yaml:"embedding_retries"`
	EmbeddingConcurrency int `json:"embedding_concurrency" yaml:"embedding_concurrency"`

	QueryCacheTTL time.Duration `json:"query_cache_ttl" yaml:"query_cache_ttl"`
	LockPolicy    LockPolicy    `json:"lock_policy" yaml:"lock_policy"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		StorePath:             ".playbook/playbook.json",
		CacheBackend:          CacheBackendFile,
		MaxPlaybookSize:       200,
		MinContentLength:      10,
		EnableDedup:           true,
		DedupThreshold:        0.85,
		EnablePruning:         true,
		PruneMinSample:        3,
		MinSimilarity:         0.3,
		TopK:                  50,
		MaxRefinementRounds:   3,
		AllowCustomCategories: true,
		EmbeddingBatchSize:    32,
		EmbeddingRetries:      3,
		EmbeddingConcurrency:  4,
		QueryCacheTTL:         5 * time.Minute,
		LockPolicy:            LockBlock,
	}
}

// Validate checks that the config has valid values.
func (c *Config) Validate() error {
	if c.StorePath == "" {
		return fmt.Errorf("store_path cannot be empty")
	}
	switch c.CacheBackend {
	case CacheBackendFile, CacheBackendSQLite:
	default:
		return fmt.Errorf("cache_backend must be %q or %q", CacheBackendFile, CacheBackendSQLite)
	}
	if c.MaxPlaybookSize <= 0 {
		return fmt.Errorf("max_playbook_size must be positive")
	}
	if c.MinContentLength < 1 {
		return fmt.Errorf("min_content_length must be at least 1")
	}
	if c.DedupThreshold <= 0 || c.DedupThreshold > 1 {
		return fmt.Errorf("dedup_threshold must be in (0, 1]")
	}
	if c.PruneMinSample < 1 {
		return fmt.Errorf("prune_min_sample must be at least 1")
	}
	if c.MinSimilarity < 0 || c.MinSimilarity > 1 {
		return fmt.Errorf("min_similarity must be between 0 and 1")
	}
	if c.TopK <= 0 {
		return fmt.Errorf("top_k must be positive")
	}
	if c.MaxRefinementRounds < 1 {
		return fmt.Errorf("max_refinement_rounds must be at least 1")
	}
	if c.EmbeddingBatchSize < 1 {
		return fmt.Errorf("embedding_batch_size must be at least 1")
	}
	if c.EmbeddingRetries < 0 {
		return fmt.Errorf("embedding_retries cannot be negative")
	}
	if c.EmbeddingConcurrency < 1 {
		return fmt.Errorf("embedding_concurrency must be at least 1")
	}
	if c.QueryCacheTTL < 0 {
		return fmt.Errorf("query_cache_ttl cannot be negative")
	}
	switch c.LockPolicy {
	case LockBlock, LockFailFast:
	default:
		return fmt.Errorf("lock_policy must be %q or %q", LockBlock, LockFailFast)
	}
	return nil
}

// cachePath resolves the embedding cache location, deriving a sibling of
// the store file when no explicit path is set.
func (c *Config) cachePath() string {
	if c.CachePath != "" {
		return c.CachePath
	}
	if c.CacheBackend == CacheBackendSQLite {
		return c.StorePath + ".embeddings.db"
	}
	return c.StorePath + ".embeddings.json"
}

// padWidth returns the zero-pad width for minted IDs: wide enough for
// the configured bound, never narrower than five digits.
func (c *Config) padWidth() int {
	width := len(fmt.Sprintf("%d", c.MaxPlaybookSize))
	if width < 5 {
		width = 5
	}
	return width
}
