package ace

import (
	"context"

	"github.com/XiaoConstantine/ace-go/pkg/errors"
	"github.com/XiaoConstantine/ace-go/pkg/logging"
)

// rollbackPass inverts a change record against the store, stage by
// stage in reverse commit order: pruning, dedup merges, structural
// operations, counter updates, admitted categories, and finally the
// sequence counters. Because every stage recorded its exact effect, the
// store file after a successful rollback is byte-for-byte the file that
// existed before the pass.
//
// The caller must hold the pass lock and have loaded the store fresh.
// The record must be the most recent committed pass; rolling back an
// older record would replay against state it never described.
func rollbackPass(ctx context.Context, store *Store, taxonomy *Taxonomy, record *ChangeRecord) error {
	if record == nil {
		return errors.New(errors.InvalidInput, "change record is nil")
	}
	if err := errors.CheckContext(ctx, "rollback"); err != nil {
		return err
	}
	logger := logging.GetLogger()

	if store.Size() != record.StoreSizeAfter {
		return errors.WithFields(
			errors.New(errors.RollbackFailed, "store size does not match the record; it is not the latest pass"),
			errors.Fields{"record_id": record.ID, "expected": record.StoreSizeAfter, "actual": store.Size()},
		)
	}

	restore := func(err error) error {
		// Disk is untouched until Save, so a reload discards any
		// partially inverted in-memory state.
		if loadErr := store.Load(); loadErr != nil {
			logger.Error(ctx, "Failed to reload store after rollback failure: %v", loadErr)
		}
		return err
	}

	for i := len(record.Pruned) - 1; i >= 0; i-- {
		if err := store.insert(record.Pruned[i].Bullet); err != nil {
			return restore(errors.Wrap(err, errors.RollbackFailed, "failed to restore pruned bullet"))
		}
	}

	for i := len(record.DedupMerges) - 1; i >= 0; i-- {
		merge := record.DedupMerges[i]
		if err := store.insert(merge.Removed); err != nil {
			return restore(errors.Wrap(err, errors.RollbackFailed, "failed to restore merged bullet"))
		}
		if err := store.unmergeCounters(merge.KeptID, merge.Removed); err != nil {
			return restore(errors.Wrap(err, errors.RollbackFailed, "failed to unmerge counters"))
		}
	}

	for i := len(record.Operations) - 1; i >= 0; i-- {
		inverse, err := record.Operations[i].Invert()
		if err != nil {
			return restore(err)
		}
		if err := store.apply(&inverse); err != nil {
			return restore(errors.Wrap(err, errors.RollbackFailed, "failed to invert operation"))
		}
	}

	for i := len(record.CounterUpdates) - 1; i >= 0; i-- {
		update := record.CounterUpdates[i]
		if err := store.revertTag(update.BulletID, update.Tag); err != nil {
			return restore(errors.Wrap(err, errors.RollbackFailed, "failed to revert counter update"))
		}
	}

	for i := len(record.AdmittedCategories) - 1; i >= 0; i-- {
		if err := taxonomy.RemoveCustom(record.AdmittedCategories[i].Name); err != nil {
			return restore(errors.Wrap(err, errors.RollbackFailed, "failed to remove admitted category"))
		}
	}

	store.restoreSequences(record.SequencesBefore)

	if err := store.Save(); err != nil {
		return restore(errors.Wrap(err, errors.RollbackFailed, "failed to persist rolled-back store"))
	}

	logger.Info(ctx, "Rolled back curation %s: store size %d -> %d", record.ID, record.StoreSizeAfter, store.Size())
	return nil
}
