package ace

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/XiaoConstantine/ace-go/pkg/errors"
	"github.com/XiaoConstantine/ace-go/pkg/logging"
	"github.com/google/uuid"
)

// Curator turns reflection results into committed store mutations.
//
// A pass moves through fixed stages: RECEIVED, DELTA_GENERATED, APPLIED,
// DEDUPED, PRUNED, PERSISTED. All mutation happens on a clone of the
// live store; the live store and its file change only in the final
// stage, so a pass that fails anywhere leaves no trace. Counter updates
// are applied before structural operations, and every effect lands in
// the ChangeRecord so the whole pass can be inverted.
type Curator struct {
	config   Config
	taxonomy *Taxonomy
	cache    *EmbeddingCache
}

// NewCurator builds a curator over the shared taxonomy and embedding cache.
func NewCurator(cfg Config, taxonomy *Taxonomy, cache *EmbeddingCache) *Curator {
	return &Curator{
		config:   cfg,
		taxonomy: taxonomy,
		cache:    cache,
	}
}

// Curate runs one full pass against the live store. The caller must
// hold the pass lock.
func (c *Curator) Curate(ctx context.Context, live *Store, reflection *ReflectionResult) (*ChangeRecord, error) {
	if reflection == nil {
		return nil, errors.New(errors.InvalidInput, "reflection result is nil")
	}
	if err := errors.CheckContext(ctx, "curation"); err != nil {
		return nil, err
	}
	logger := logging.GetLogger()

	stage := StageReceived
	working := live.Clone()
	record := &ChangeRecord{
		ID:              "pass-" + uuid.NewString(),
		ReflectionID:    reflection.ID,
		CreatedAt:       time.Now().UTC(),
		SequencesBefore: working.Sequences(),
		StoreSizeBefore: working.Size(),
	}
	logger.Debug(ctx, "Curation %s stage %s: %d insights, %d tags", record.ID, stage, len(reflection.Insights), len(reflection.Tags))

	// Counters first: tag increments must not observe this pass's
	// structural changes.
	c.applyCounters(ctx, working, reflection.Tags, record)

	ops := c.generateDeltas(ctx, working, reflection, record)
	stage = StageDeltaGenerated
	logger.Debug(ctx, "Curation %s stage %s: %d operations", record.ID, stage, len(ops))

	c.applyOperations(ctx, working, ops, record)
	stage = StageApplied

	if c.config.EnableDedup {
		if err := c.dedup(ctx, working, record); err != nil {
			return nil, err
		}
	}
	stage = StageDeduped

	if c.config.EnablePruning {
		c.prune(ctx, working, record)
	}
	stage = StagePruned

	if err := c.persist(ctx, live, working, record); err != nil {
		return nil, err
	}
	stage = StagePersisted

	record.StoreSizeAfter = live.Size()
	added, updated, removed := record.Counts()
	logger.Info(ctx, "Curation %s stage %s: +%d ~%d -%d bullets, %d merges, %d pruned, size %d -> %d",
		record.ID, stage, added, updated, removed, len(record.DedupMerges), len(record.Pruned),
		record.StoreSizeBefore, record.StoreSizeAfter)
	return record, nil
}

// applyCounters increments usage counters for tagged bullets. Tags for
// IDs not in the store are dropped with a log line; only applied
// increments enter the record, which is what keeps rollback exact.
func (c *Curator) applyCounters(ctx context.Context, working *Store, tags map[string]UsageTag, record *ChangeRecord) {
	logger := logging.GetLogger()

	ids := make([]string, 0, len(tags))
	for id := range tags {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		tag := tags[id]
		if err := working.applyTag(id, tag); err != nil {
			logger.Debug(ctx, "Dropping tag %s for unknown bullet %s", tag, id)
			continue
		}
		record.CounterUpdates = append(record.CounterUpdates, CounterUpdate{BulletID: id, Tag: tag})
	}
}

// generateDeltas converts insights into concrete operations, resolving
// categories and minting IDs on the working copy. Insights that cannot
// produce a valid operation are counted and skipped, never fatal.
func (c *Curator) generateDeltas(ctx context.Context, working *Store, reflection *ReflectionResult, record *ChangeRecord) []DeltaOperation {
	logger := logging.GetLogger()

	var ops []DeltaOperation
	for _, insight := range reflection.Insights {
		switch insight.Type {
		case InsightAddNew:
			content := strings.TrimSpace(insight.Content)
			if len(content) < c.config.MinContentLength {
				logger.Debug(ctx, "Skipping add insight with content below %d chars", c.config.MinContentLength)
				record.SkippedOperations++
				continue
			}
			// Exact-duplicate tier: identical normalized content never
			// mints a new ID; semantic near-duplicates are left for the
			// embedding dedup stage.
			if dupID := findExactDuplicate(working, content); dupID != "" {
				logger.Debug(ctx, "Skipping add insight duplicating %s", dupID)
				record.SkippedOperations++
				continue
			}
			category := c.resolveCategory(ctx, insight, reflection.ID, record)
			id, err := working.mintID(category)
			if err != nil {
				logger.Warn(ctx, "Failed to mint ID in category %s: %v", category, err)
				record.SkippedOperations++
				continue
			}
			ops = append(ops, DeltaOperation{
				Type:   OpAdd,
				Reason: insight.Reason,
				Bullet: &Bullet{
					ID:       id,
					Category: category,
					Content:  content,
					Metadata: BulletMetadata{
						Source:    SourceDerived,
						CreatedAt: record.CreatedAt,
					},
				},
			})

		case InsightUpdateExisting:
			content := strings.TrimSpace(insight.Content)
			if len(content) < c.config.MinContentLength {
				logger.Debug(ctx, "Skipping update insight with content below %d chars", c.config.MinContentLength)
				record.SkippedOperations++
				continue
			}
			ops = append(ops, DeltaOperation{
				Type:       OpUpdate,
				Reason:     insight.Reason,
				BulletID:   insight.BulletID,
				NewContent: content,
			})

		case InsightRemoveOutdated:
			ops = append(ops, DeltaOperation{
				Type:     OpRemove,
				Reason:   insight.Reason,
				BulletID: insight.BulletID,
			})

		default:
			logger.Debug(ctx, "Skipping insight with unknown type %q", insight.Type)
			record.SkippedOperations++
		}
	}
	return ops
}

// findExactDuplicate returns the ID of a stored bullet whose normalized
// content equals the candidate's, or "" when there is none.
func findExactDuplicate(working *Store, content string) string {
	normalized := normalize(content)
	for _, b := range working.All() {
		if normalize(b.Content) == normalized {
			return b.ID
		}
	}
	return ""
}

// resolveCategory maps an insight onto a valid category: the named one
// if it exists, an admitted custom one if proposed and allowed, or the
// closest existing category as a substitute.
func (c *Curator) resolveCategory(ctx context.Context, insight Insight, reflectionID string, record *ChangeRecord) string {
	logger := logging.GetLogger()

	if cat, ok := c.taxonomy.Get(insight.Category); ok {
		return cat.Name
	}

	if insight.NewCategory != nil {
		admitted, err := c.taxonomy.ProposeCustom(*insight.NewCategory, reflectionID)
		if err == nil {
			record.AdmittedCategories = append(record.AdmittedCategories, admitted)
			logger.Info(ctx, "Admitted custom category %s (%s)", admitted.Name, admitted.Prefix)
			return admitted.Name
		}
		logger.Info(ctx, "Rejected category proposal %q: %v", insight.NewCategory.Name, err)
	}

	name := insight.Category
	if name == "" && insight.NewCategory != nil {
		name = insight.NewCategory.Name
	}
	substitute := c.taxonomy.Closest(name)
	logger.Info(ctx, "Substituted category %q with %q", name, substitute)
	return substitute
}

// applyOperations executes deltas against the working copy. A failing
// operation (missing target, duplicate ID) is logged and skipped; the
// record keeps only operations that actually applied.
func (c *Curator) applyOperations(ctx context.Context, working *Store, ops []DeltaOperation, record *ChangeRecord) {
	logger := logging.GetLogger()

	for i := range ops {
		op := ops[i]
		if err := working.apply(&op); err != nil {
			logger.Warn(ctx, "Skipping %s operation: %v", op.Type, err)
			record.SkippedOperations++
			continue
		}
		record.Operations = append(record.Operations, op)
	}
}

// dedup merges bullet pairs whose cosine similarity reaches the
// threshold. The survivor has the higher helpfulness score, then the
// higher total uses, then the lower ID; counters are summed onto it so
// no evidence is lost. Bullets whose embedding failed are left alone.
func (c *Curator) dedup(ctx context.Context, working *Store, record *ChangeRecord) error {
	logger := logging.GetLogger()

	vectors, failed, err := c.cache.Sync(ctx, working.All())
	if err != nil {
		return err
	}
	if len(failed) > 0 {
		logger.Warn(ctx, "Excluding %d bullets from dedup: embeddings unavailable", len(failed))
	}

	ids := make([]string, 0, len(vectors))
	for id := range vectors {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	alive := make(map[string]bool, len(ids))
	for _, id := range ids {
		alive[id] = true
	}

	for i := 0; i < len(ids); i++ {
		if !alive[ids[i]] {
			continue
		}
		for j := i + 1; j < len(ids); j++ {
			if !alive[ids[j]] {
				continue
			}
			sim := cosineSimilarity(vectors[ids[i]], vectors[ids[j]])
			if sim < c.config.DedupThreshold {
				continue
			}

			a, okA := working.Get(ids[i])
			b, okB := working.Get(ids[j])
			if !okA || !okB {
				continue
			}
			kept, removed := survivor(a, b)

			if err := working.mergeCounters(kept.ID, removed); err != nil {
				logger.Warn(ctx, "Failed to merge counters onto %s: %v", kept.ID, err)
				continue
			}
			removedCopy, err := working.remove(removed.ID)
			if err != nil {
				// Counters were already shifted; put them back rather
				// than leave the survivor double-counted.
				_ = working.unmergeCounters(kept.ID, removed)
				logger.Warn(ctx, "Failed to remove duplicate %s: %v", removed.ID, err)
				continue
			}
			alive[removed.ID] = false
			record.DedupMerges = append(record.DedupMerges, DedupMerge{
				KeptID:     kept.ID,
				Removed:    removedCopy,
				Similarity: sim,
			})
			logger.Debug(ctx, "Merged %s into %s (similarity %.3f)", removed.ID, kept.ID, sim)

			if removed.ID == ids[i] {
				break
			}
		}
	}
	return nil
}

// survivor picks which of a duplicate pair stays.
func survivor(a, b Bullet) (kept, removed Bullet) {
	scoreA, scoreB := a.HelpfulnessScore(), b.HelpfulnessScore()
	if scoreA != scoreB {
		if scoreA > scoreB {
			return a, b
		}
		return b, a
	}
	if a.Metadata.TotalUses != b.Metadata.TotalUses {
		if a.Metadata.TotalUses > b.Metadata.TotalUses {
			return a, b
		}
		return b, a
	}
	if a.ID < b.ID {
		return a, b
	}
	return b, a
}

// prune evicts bullets until the store fits its bound. Only bullets
// with at least the minimum sample count are eligible, lowest
// helpfulness first; ties fall to fewer total uses, then the higher ID.
// When nothing is eligible the bound is allowed to stand exceeded.
func (c *Curator) prune(ctx context.Context, working *Store, record *ChangeRecord) {
	logger := logging.GetLogger()

	for working.Size() > c.config.MaxPlaybookSize {
		var victim *Bullet
		for _, b := range working.All() {
			if b.Metadata.TotalUses < c.config.PruneMinSample {
				continue
			}
			if victim == nil || pruneBefore(b, *victim) {
				v := b
				victim = &v
			}
		}
		if victim == nil {
			logger.Warn(ctx, "Store exceeds %d bullets but none have %d+ uses; skipping prune",
				c.config.MaxPlaybookSize, c.config.PruneMinSample)
			return
		}

		removed, err := working.remove(victim.ID)
		if err != nil {
			logger.Warn(ctx, "Failed to prune %s: %v", victim.ID, err)
			return
		}
		record.Pruned = append(record.Pruned, PrunedBullet{
			Bullet: removed,
			Score:  removed.HelpfulnessScore(),
			Reason: "store over capacity; lowest helpfulness among eligible bullets",
		})
		logger.Debug(ctx, "Pruned %s (score %.2f, %d uses)", removed.ID, removed.HelpfulnessScore(), removed.Metadata.TotalUses)
	}
}

// pruneBefore reports whether a should be evicted before b.
func pruneBefore(a, b Bullet) bool {
	scoreA, scoreB := a.HelpfulnessScore(), b.HelpfulnessScore()
	if scoreA != scoreB {
		return scoreA < scoreB
	}
	if a.Metadata.TotalUses != b.Metadata.TotalUses {
		return a.Metadata.TotalUses < b.Metadata.TotalUses
	}
	return a.ID > b.ID
}

// persist commits the pass: snapshot the prior file, adopt the working
// state, save atomically, resync the cache, and write the change record.
func (c *Curator) persist(ctx context.Context, live, working *Store, record *ChangeRecord) error {
	logger := logging.GetLogger()

	if live.Exists() {
		snapshotPath, err := snapshotStoreFile(live, record.ID)
		if err != nil {
			return err
		}
		record.PriorSnapshotPath = snapshotPath
	}

	live.adopt(working)
	if err := live.Save(); err != nil {
		// Bring the in-memory state back in line with the untouched file.
		if loadErr := live.Load(); loadErr != nil {
			logger.Error(ctx, "Failed to reload store after save failure: %v", loadErr)
		}
		return err
	}

	if _, failed, err := c.cache.Sync(ctx, live.All()); err != nil {
		logger.Warn(ctx, "Embedding cache sync after persist failed: %v", err)
	} else if len(failed) > 0 {
		logger.Warn(ctx, "%d bullets still pending embedding after persist", len(failed))
	}

	return writeChangeRecord(live.ChangesDir(), record)
}

// snapshotStoreFile copies the current store file into the snapshots
// directory under the pass ID.
func snapshotStoreFile(live *Store, passID string) (string, error) {
	if err := os.MkdirAll(live.SnapshotsDir(), 0755); err != nil {
		return "", err
	}
	snapshotPath := filepath.Join(live.SnapshotsDir(), passID+".json")

	src, err := os.Open(live.Path())
	if err != nil {
		return "", err
	}
	defer src.Close()

	dst, err := os.Create(snapshotPath)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		os.Remove(snapshotPath)
		return "", err
	}
	if err := dst.Close(); err != nil {
		os.Remove(snapshotPath)
		return "", err
	}
	return snapshotPath, nil
}

// writeChangeRecord persists the record as one JSON file per pass.
func writeChangeRecord(dir string, record *ChangeRecord) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return errors.Wrap(err, errors.SerializationFailed, "failed to serialize change record")
	}
	return os.WriteFile(filepath.Join(dir, record.ID+".json"), append(data, '\n'), 0644)
}

// LoadChangeRecord reads a persisted change record.
func LoadChangeRecord(path string) (*ChangeRecord, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var record ChangeRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, errors.WithFields(
			errors.Wrap(err, errors.SerializationFailed, "change record is not valid JSON"),
			errors.Fields{"path": path},
		)
	}
	return &record, nil
}
