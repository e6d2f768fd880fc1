package ace

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/XiaoConstantine/ace-go/pkg/errors"
)

// BulletSource records where a bullet came from.
type BulletSource string

const (
	// SourceSeed marks bullets loaded from a seed corpus.
	SourceSeed BulletSource = "seed"
	// SourceDerived marks bullets produced by reflection on live feedback.
	SourceDerived BulletSource = "derived"
)

// BulletMetadata carries the usage evidence attached to a bullet.
// TotalUses counts every tag application, including neutral ones.
type BulletMetadata struct {
	HelpfulCount int          `json:"helpful_count"`
	HarmfulCount int          `json:"harmful_count"`
	NeutralCount int          `json:"neutral_count"`
	TotalUses    int          `json:"total_uses"`
	Source       BulletSource `json:"source"`
	CreatedAt    time.Time    `json:"created_at"`
}

// Bullet is one unit of stored guidance.
type Bullet struct {
	ID       string         `json:"id"`
	Category string         `json:"category"`
	Content  string         `json:"content"`
	Metadata BulletMetadata `json:"metadata"`
}

// HelpfulnessScore returns helpful / max(helpful+harmful, 1).
// It is always computed, never stored, so the two counters stay the
// single source of truth. A bullet with no graded uses scores 0.0.
func (b *Bullet) HelpfulnessScore() float64 {
	denom := b.Metadata.HelpfulCount + b.Metadata.HarmfulCount
	if denom < 1 {
		denom = 1
	}
	return float64(b.Metadata.HelpfulCount) / float64(denom)
}

// bulletIDPattern matches IDs of the form <prefix>-<sequence>.
var bulletIDPattern = regexp.MustCompile(`^([a-z][a-z0-9]*)-(\d+)$`)

// ParseBulletID splits an ID into its category prefix and sequence number.
func ParseBulletID(id string) (prefix string, seq int, err error) {
	m := bulletIDPattern.FindStringSubmatch(id)
	if m == nil {
		return "", 0, errors.WithFields(
			errors.New(errors.InvalidInput, "malformed bullet ID"),
			errors.Fields{"id": id},
		)
	}
	seq, convErr := strconv.Atoi(m[2])
	if convErr != nil {
		return "", 0, errors.WithFields(
			errors.New(errors.InvalidInput, "malformed bullet ID sequence"),
			errors.Fields{"id": id},
		)
	}
	return m[1], seq, nil
}

// FormatBulletID renders an ID with the given pad width, e.g. ("mat", 7, 5)
// yields "mat-00007".
func FormatBulletID(prefix string, seq, width int) string {
	return fmt.Sprintf("%s-%0*d", prefix, width, seq)
}

// UsageTag grades one use of a bullet.
type UsageTag string

const (
	TagHelpful UsageTag = "helpful"
	TagHarmful UsageTag = "harmful"
	TagNeutral UsageTag = "neutral"
)

// ValidTag reports whether s is a recognized usage tag.
func ValidTag(s string) bool {
	switch UsageTag(s) {
	case TagHelpful, TagHarmful, TagNeutral:
		return true
	}
	return false
}

// InsightType classifies what a reflection insight wants to do to the store.
type InsightType string

const (
	InsightAddNew         InsightType = "add_new"
	InsightUpdateExisting InsightType = "update_existing"
	InsightRemoveOutdated InsightType = "remove_outdated"
)

// Priority orders insights within a reflection result.
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityMedium Priority = "medium"
	PriorityLow    Priority = "low"
)

// rank maps priorities to a sortable order; unknown priorities sink last.
func (p Priority) rank() int {
	switch p {
	case PriorityHigh:
		return 0
	case PriorityMedium:
		return 1
	case PriorityLow:
		return 2
	}
	return 3
}

// CategoryProposal asks the taxonomy to admit a new custom category.
type CategoryProposal struct {
	Name          string   `json:"name"`
	Prefix        string   `json:"prefix"`
	Description   string   `json:"description"`
	Examples      []string `json:"examples"`
	Justification string   `json:"justification,omitempty"`
}

// Insight is one typed finding extracted by the Reflector.
type Insight struct {
	Type        InsightType `json:"type"`
	Priority    Priority    `json:"priority"`
	Content     string      `json:"content"`
	Category    string      `json:"category"`
	Reason      string      `json:"reason,omitempty"`
	// BulletID targets an existing bullet for update_existing and
	// remove_outdated insights; empty for add_new.
	BulletID string `json:"bullet_id,omitempty"`
	// NewCategory is set when the insight wants a category that does not
	// exist yet. The Curator decides whether to admit or substitute it.
	NewCategory *CategoryProposal `json:"new_category,omitempty"`
}

// ReflectionInput is the execution feedback handed to the Reflector.
type ReflectionInput struct {
	// TaskContext describes what the agent was trying to do.
	TaskContext string `json:"task_context"`
	// Outcome is the observed result, in the agent's own words.
	Outcome string `json:"outcome"`
	Success bool   `json:"success"`
	// Score is an optional graded signal in [0, 1]; ignored when negative.
	Score float64 `json:"score"`
	// CriterionScores optionally breaks the score down per evaluation
	// criterion, each in [0, 1].
	CriterionScores map[string]float64 `json:"criterion_scores,omitempty"`
	// ReasoningTrace is the raw trace, scanned for bracketed citations.
	ReasoningTrace string `json:"reasoning_trace,omitempty"`
	// UsedBulletIDs is the self-reported list of consulted bullets.
	UsedBulletIDs []string `json:"used_bullet_ids,omitempty"`
}

// Validate rejects inputs with nothing to reflect on.
func (in *ReflectionInput) Validate() error {
	if in == nil {
		return errors.New(errors.InvalidInput, "reflection input is nil")
	}
	if strings.TrimSpace(in.Outcome) == "" && strings.TrimSpace(in.ReasoningTrace) == "" {
		return errors.New(errors.InvalidInput, "reflection input has neither outcome nor reasoning trace")
	}
	if in.Score > 1.0 {
		return errors.WithFields(
			errors.New(errors.InvalidInput, "reflection score out of range"),
			errors.Fields{"score": in.Score},
		)
	}
	for criterion, score := range in.CriterionScores {
		if score < 0 || score > 1.0 {
			return errors.WithFields(
				errors.New(errors.InvalidInput, "criterion score out of range"),
				errors.Fields{"criterion": criterion, "score": score},
			)
		}
	}
	return nil
}

// RoundState tracks where a refinement round sits in the reflection loop.
type RoundState string

const (
	RoundInitial  RoundState = "INITIAL"
	RoundRefining RoundState = "REFINING"
	RoundDone     RoundState = "DONE"
)

// ReflectionRound is the preserved output of one refinement round.
type ReflectionRound struct {
	Round    int                 `json:"round"`
	State    RoundState          `json:"state"`
	Insights []Insight           `json:"insights"`
	Tags     map[string]UsageTag `json:"tags,omitempty"`
	// Degraded marks a round whose output stayed malformed after retry;
	// the loop then falls back to the previous round's output.
	Degraded bool `json:"degraded,omitempty"`
}

// ReflectionResult is the final output of a reflection pass.
type ReflectionResult struct {
	ID       string    `json:"id"`
	Insights []Insight `json:"insights"`
	// Tags grades every bullet in UsedBulletIDs; bullets the model did not
	// grade explicitly are tagged neutral.
	Tags map[string]UsageTag `json:"tags"`
	// UsedBulletIDs is the union of self-reported IDs and citations
	// detected in the outcome and reasoning trace.
	UsedBulletIDs []string          `json:"used_bullet_ids"`
	Rounds        []ReflectionRound `json:"rounds"`
	Model         string            `json:"model,omitempty"`
	ProcessedAt   time.Time         `json:"processed_at"`
}

// OpType discriminates delta operations.
type OpType string

const (
	OpAdd    OpType = "ADD"
	OpUpdate OpType = "UPDATE"
	OpRemove OpType = "REMOVE"
)

// DeltaOperation is one structural mutation of the store. Each variant
// carries enough state to invert itself: ADD keeps the full bullet it
// created, UPDATE keeps both content versions, REMOVE keeps the full
// removed bullet.
type DeltaOperation struct {
	Type   OpType `json:"type"`
	Reason string `json:"reason,omitempty"`

	// ADD
	Bullet *Bullet `json:"bullet,omitempty"`

	// UPDATE and REMOVE
	BulletID   string `json:"bullet_id,omitempty"`
	OldContent string `json:"old_content,omitempty"`
	NewContent string `json:"new_content,omitempty"`

	// REMOVE
	Removed *Bullet `json:"removed,omitempty"`
}

// Validate checks the variant-specific required fields.
func (op *DeltaOperation) Validate() error {
	switch op.Type {
	case OpAdd:
		if op.Bullet == nil {
			return errors.New(errors.InvalidInput, "ADD operation missing bullet")
		}
		if strings.TrimSpace(op.Bullet.Content) == "" {
			return errors.New(errors.InvalidInput, "ADD operation has empty content")
		}
		if op.Bullet.Category == "" {
			return errors.New(errors.InvalidInput, "ADD operation missing category")
		}
	case OpUpdate:
		if op.BulletID == "" {
			return errors.New(errors.InvalidInput, "UPDATE operation missing bullet ID")
		}
		if strings.TrimSpace(op.NewContent) == "" {
			return errors.New(errors.InvalidInput, "UPDATE operation has empty content")
		}
	case OpRemove:
		if op.BulletID == "" {
			return errors.New(errors.InvalidInput, "REMOVE operation missing bullet ID")
		}
	default:
		return errors.WithFields(
			errors.New(errors.InvalidInput, "unknown operation type"),
			errors.Fields{"type": string(op.Type)},
		)
	}
	return nil
}

// Invert returns the operation that undoes op. Inverting the result
// yields the original operation again.
func (op *DeltaOperation) Invert() (DeltaOperation, error) {
	switch op.Type {
	case OpAdd:
		if op.Bullet == nil {
			return DeltaOperation{}, errors.New(errors.RollbackFailed, "cannot invert ADD without recorded bullet")
		}
		b := *op.Bullet
		return DeltaOperation{Type: OpRemove, BulletID: b.ID, Removed: &b}, nil
	case OpUpdate:
		return DeltaOperation{
			Type:       OpUpdate,
			BulletID:   op.BulletID,
			OldContent: op.NewContent,
			NewContent: op.OldContent,
		}, nil
	case OpRemove:
		if op.Removed == nil {
			return DeltaOperation{}, errors.New(errors.RollbackFailed, "cannot invert REMOVE without recorded bullet")
		}
		b := *op.Removed
		return DeltaOperation{Type: OpAdd, Bullet: &b}, nil
	}
	return DeltaOperation{}, errors.WithFields(
		errors.New(errors.RollbackFailed, "cannot invert unknown operation type"),
		errors.Fields{"type": string(op.Type)},
	)
}

// Stage names the phases of a curation pass, in commit order.
type Stage string

const (
	StageReceived       Stage = "RECEIVED"
	StageDeltaGenerated Stage = "DELTA_GENERATED"
	StageApplied        Stage = "APPLIED"
	StageDeduped        Stage = "DEDUPED"
	StagePruned         Stage = "PRUNED"
	StagePersisted      Stage = "PERSISTED"
)

// CounterUpdate records one applied tag so rollback can decrement it.
type CounterUpdate struct {
	BulletID string   `json:"bullet_id"`
	Tag      UsageTag `json:"tag"`
}

// DedupMerge records one merge: Removed was folded into KeptID and its
// counters were summed onto the survivor.
type DedupMerge struct {
	KeptID     string  `json:"kept_id"`
	Removed    Bullet  `json:"removed"`
	Similarity float64 `json:"similarity"`
}

// PrunedBullet records one eviction with the score that doomed it.
type PrunedBullet struct {
	Bullet Bullet  `json:"bullet"`
	Score  float64 `json:"score"`
	Reason string  `json:"reason,omitempty"`
}

// ChangeRecord is the full, invertible account of one curation pass.
// Replaying it in reverse restores the prior store byte-for-byte.
type ChangeRecord struct {
	ID           string    `json:"id"`
	ReflectionID string    `json:"reflection_id,omitempty"`
	CreatedAt    time.Time `json:"created_at"`

	CounterUpdates []CounterUpdate  `json:"counter_updates,omitempty"`
	Operations     []DeltaOperation `json:"operations,omitempty"`
	DedupMerges    []DedupMerge     `json:"dedup_merges,omitempty"`
	Pruned         []PrunedBullet   `json:"pruned,omitempty"`
	// AdmittedCategories lists custom categories this pass added to the
	// taxonomy; rollback removes them again.
	AdmittedCategories []Category `json:"admitted_categories,omitempty"`

	// SequencesBefore snapshots the per-category ID counters before any
	// minting, so rollback can restore them exactly.
	SequencesBefore map[string]int `json:"sequences_before"`

	SkippedOperations int `json:"skipped_operations,omitempty"`
	StoreSizeBefore   int `json:"store_size_before"`
	StoreSizeAfter    int `json:"store_size_after"`

	// PriorSnapshotPath points at the copy of the store file taken before
	// this pass persisted, when one existed.
	PriorSnapshotPath string `json:"prior_snapshot_path,omitempty"`
}

// Counts summarizes the applied structural operations.
func (r *ChangeRecord) Counts() (added, updated, removed int) {
	for _, op := range r.Operations {
		switch op.Type {
		case OpAdd:
			added++
		case OpUpdate:
			updated++
		case OpRemove:
			removed++
		}
	}
	return added, updated, removed
}

// Empty reports whether the pass changed nothing at all.
func (r *ChangeRecord) Empty() bool {
	return len(r.CounterUpdates) == 0 &&
		len(r.Operations) == 0 &&
		len(r.DedupMerges) == 0 &&
		len(r.Pruned) == 0 &&
		len(r.AdmittedCategories) == 0
}

// RetrievedBullet pairs a bullet with its similarity to the query.
type RetrievedBullet struct {
	Bullet     Bullet  `json:"bullet"`
	Similarity float64 `json:"similarity"`
}

// Snapshot is an immutable view of the store plus its synchronized
// vectors. Retrieval operates on snapshots so concurrent curation can
// never tear a result set.
type Snapshot struct {
	Bullets []Bullet             `json:"bullets"`
	Vectors map[string][]float32 `json:"-"`
	// PendingEmbedding lists bullets excluded from similarity search
	// because their vectors could not be computed.
	PendingEmbedding []string  `json:"pending_embedding,omitempty"`
	TakenAt          time.Time `json:"taken_at"`
}

// Size returns the number of bullets in the snapshot.
func (s *Snapshot) Size() int {
	if s == nil {
		return 0
	}
	return len(s.Bullets)
}
