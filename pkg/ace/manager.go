package ace

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/XiaoConstantine/ace-go/pkg/core"
	"github.com/XiaoConstantine/ace-go/pkg/errors"
	"github.com/XiaoConstantine/ace-go/pkg/logging"
)

// Metrics is a point-in-time copy of the manager's counters.
type Metrics struct {
	Retrievals      int64 `json:"retrievals"`
	Reflections     int64 `json:"reflections"`
	PassesCommitted int64 `json:"passes_committed"`
	RolledBack      int64 `json:"rolled_back"`
	BulletsAdded    int64 `json:"bullets_added"`
	BulletsUpdated  int64 `json:"bullets_updated"`
	BulletsRemoved  int64 `json:"bullets_removed"`
	BulletsMerged   int64 `json:"bullets_merged"`
	BulletsPruned   int64 `json:"bullets_pruned"`
	SkippedOps      int64 `json:"skipped_ops"`
}

type managerMetrics struct {
	retrievals  atomic.Int64
	reflections atomic.Int64
	passes      atomic.Int64
	rollbacks   atomic.Int64
	added       atomic.Int64
	updated     atomic.Int64
	removed     atomic.Int64
	merged      atomic.Int64
	pruned      atomic.Int64
	skipped     atomic.Int64
}

// Manager wires the engine together: it owns the store, serializes
// mutating passes behind the advisory pass lock, and hands retrieval an
// immutable snapshot so readers never see a half-applied pass.
type Manager struct {
	config    Config
	taxonomy  *Taxonomy
	store     *Store
	cache     *EmbeddingCache
	retriever *Retriever
	reflector *Reflector
	curator   *Curator

	// passMu serializes passes in-process; the file lock is not
	// reentrant, so a second in-process pass must queue here instead of
	// deadlocking on its own lock file.
	passMu sync.Mutex

	snapMu   sync.RWMutex
	snapshot *Snapshot

	metrics managerMetrics
}

// NewManager builds an engine from the config. The embedder is
// mandatory; llm may be nil for retrieval-only deployments, in which
// case Reflect returns an error.
func NewManager(cfg Config, llm core.LLM, embedder core.LLM) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, errors.ValidationFailed, "invalid engine config")
	}
	if embedder == nil {
		return nil, errors.New(errors.InvalidInput, "embedder is required")
	}

	taxonomy := NewTaxonomy(cfg.AllowCustomCategories)
	store := NewStore(cfg.StorePath, taxonomy, cfg.padWidth())
	if err := store.Load(); err != nil {
		return nil, err
	}

	var backend cacheStore
	switch cfg.CacheBackend {
	case CacheBackendSQLite:
		sqliteBackend, err := newSQLiteCacheStore(cfg.cachePath())
		if err != nil {
			return nil, err
		}
		backend = sqliteBackend
	default:
		backend = newFileCacheStore(cfg.cachePath())
	}

	cache := NewEmbeddingCache(embedder, backend, cfg)

	m := &Manager{
		config:    cfg,
		taxonomy:  taxonomy,
		store:     store,
		cache:     cache,
		retriever: NewRetriever(embedder, cfg),
		curator:   NewCurator(cfg, taxonomy, cache),
	}
	if llm != nil {
		m.reflector = NewReflector(llm, taxonomy, cfg)
	}
	return m, nil
}

// Config returns the manager's configuration.
func (m *Manager) Config() Config { return m.config }

// Taxonomy exposes the live category taxonomy.
func (m *Manager) Taxonomy() *Taxonomy { return m.taxonomy }

// StoreSize returns the current number of stored bullets.
func (m *Manager) StoreSize() int { return m.store.Size() }

// RefreshSnapshot reloads the store from disk, synchronizes the
// embedding cache, and installs a fresh retrieval snapshot.
func (m *Manager) RefreshSnapshot(ctx context.Context) (*Snapshot, error) {
	if err := m.store.Load(); err != nil {
		return nil, err
	}

	bullets := m.store.All()
	vectors, failed, err := m.cache.Sync(ctx, bullets)
	if err != nil {
		return nil, err
	}
	if len(failed) > 0 {
		logging.GetLogger().Warn(ctx, "%d bullets excluded from retrieval: embeddings unavailable", len(failed))
	}

	snap := &Snapshot{
		Bullets:          bullets,
		Vectors:          vectors,
		PendingEmbedding: failed,
		TakenAt:          time.Now().UTC(),
	}

	m.snapMu.Lock()
	m.snapshot = snap
	m.snapMu.Unlock()
	return snap, nil
}

// CurrentSnapshot returns the installed snapshot, building one on first
// use.
func (m *Manager) CurrentSnapshot(ctx context.Context) (*Snapshot, error) {
	m.snapMu.RLock()
	snap := m.snapshot
	m.snapMu.RUnlock()
	if snap != nil {
		return snap, nil
	}
	return m.RefreshSnapshot(ctx)
}

// Retrieve runs similarity retrieval against the current snapshot.
func (m *Manager) Retrieve(ctx context.Context, query string, opts ...RetrieveOption) ([]RetrievedBullet, error) {
	snap, err := m.CurrentSnapshot(ctx)
	if err != nil {
		return nil, err
	}
	results, err := m.retriever.Retrieve(ctx, query, snap, opts...)
	if err != nil {
		return nil, err
	}
	m.metrics.retrievals.Add(1)
	return results, nil
}

// Reflect extracts insights and usage tags from execution feedback.
func (m *Manager) Reflect(ctx context.Context, input *ReflectionInput) (*ReflectionResult, error) {
	if m.reflector == nil {
		return nil, errors.New(errors.Unsupported, "no generation model configured for reflection")
	}

	// The snapshot only feeds used-bullet content into the prompt;
	// reflection still works without one.
	snap, err := m.CurrentSnapshot(ctx)
	if err != nil {
		logging.GetLogger().Warn(ctx, "Reflecting without a snapshot: %v", err)
		snap = nil
	}

	result, err := m.reflector.Reflect(ctx, input, snap)
	if err != nil {
		return nil, err
	}
	m.metrics.reflections.Add(1)
	return result, nil
}

// Curate commits one curation pass for the reflection result. Passes
// are serialized: in-process through a mutex, cross-process through an
// exclusive advisory lock over the store's location. With the
// fail_fast lock policy a held lock surfaces as a LockFailed error
// instead of blocking.
func (m *Manager) Curate(ctx context.Context, reflection *ReflectionResult) (*ChangeRecord, error) {
	unlock, err := m.acquirePass()
	if err != nil {
		return nil, err
	}
	defer unlock()

	// Load fresh under the lock so the pass applies to the latest
	// committed state, not to what this process last saw.
	if err := m.store.Load(); err != nil {
		return nil, err
	}

	record, err := m.curator.Curate(ctx, m.store, reflection)
	if err != nil {
		return nil, err
	}

	added, updated, removed := record.Counts()
	m.metrics.passes.Add(1)
	m.metrics.added.Add(int64(added))
	m.metrics.updated.Add(int64(updated))
	m.metrics.removed.Add(int64(removed))
	m.metrics.merged.Add(int64(len(record.DedupMerges)))
	m.metrics.pruned.Add(int64(len(record.Pruned)))
	m.metrics.skipped.Add(int64(record.SkippedOperations))

	if _, err := m.RefreshSnapshot(ctx); err != nil {
		logging.GetLogger().Warn(ctx, "Failed to refresh snapshot after curation: %v", err)
	}
	return record, nil
}

// Rollback inverts the most recent committed pass.
func (m *Manager) Rollback(ctx context.Context, record *ChangeRecord) error {
	unlock, err := m.acquirePass()
	if err != nil {
		return err
	}
	defer unlock()

	if err := m.store.Load(); err != nil {
		return err
	}
	if err := rollbackPass(ctx, m.store, m.taxonomy, record); err != nil {
		return err
	}
	m.metrics.rollbacks.Add(1)

	if _, err := m.RefreshSnapshot(ctx); err != nil {
		logging.GetLogger().Warn(ctx, "Failed to refresh snapshot after rollback: %v", err)
	}
	return nil
}

// Confirm accepts a committed pass and discards its rollback artifacts:
// the persisted change record and the prior store snapshot. Missing
// files are fine; confirming twice is a no-op.
func (m *Manager) Confirm(ctx context.Context, record *ChangeRecord) error {
	if record == nil {
		return errors.New(errors.InvalidInput, "change record is nil")
	}

	recordPath := filepath.Join(m.store.ChangesDir(), record.ID+".json")
	if err := os.Remove(recordPath); err != nil && !os.IsNotExist(err) {
		return err
	}
	if record.PriorSnapshotPath != "" {
		if err := os.Remove(record.PriorSnapshotPath); err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	logging.GetLogger().Debug(ctx, "Confirmed curation %s", record.ID)
	return nil
}

// acquirePass takes both pass locks according to the lock policy and
// returns the release function.
func (m *Manager) acquirePass() (func(), error) {
	if m.config.LockPolicy == LockFailFast {
		if !m.passMu.TryLock() {
			return nil, errors.New(errors.LockFailed, "another curation pass is running in this process")
		}
	} else {
		m.passMu.Lock()
	}

	lockFile, err := acquirePassLock(m.store.LockPath(), m.config.LockPolicy == LockBlock)
	if err != nil {
		m.passMu.Unlock()
		return nil, err
	}
	return func() {
		releasePassLock(lockFile)
		m.passMu.Unlock()
	}, nil
}

// Metrics returns a copy of the engine counters.
func (m *Manager) Metrics() Metrics {
	return Metrics{
		Retrievals:      m.metrics.retrievals.Load(),
		Reflections:     m.metrics.reflections.Load(),
		PassesCommitted: m.metrics.passes.Load(),
		RolledBack:      m.metrics.rollbacks.Load(),
		BulletsAdded:    m.metrics.added.Load(),
		BulletsUpdated:  m.metrics.updated.Load(),
		BulletsRemoved:  m.metrics.removed.Load(),
		BulletsMerged:   m.metrics.merged.Load(),
		BulletsPruned:   m.metrics.pruned.Load(),
		SkippedOps:      m.metrics.skipped.Load(),
	}
}

// Close releases the embedding cache backend.
func (m *Manager) Close() error {
	return m.cache.Close()
}
