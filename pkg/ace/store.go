package ace

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/XiaoConstantine/ace-go/pkg/errors"
)

// storeSchemaVersion is bumped when the persisted layout changes shape.
const storeSchemaVersion = 1

// storeFile is the persisted JSON layout. Field order and explicit
// bullet sorting keep serialization deterministic: the same logical
// state always produces the same bytes, which is what makes
// byte-for-byte rollback checkable.
type storeFile struct {
	Version          int            `json:"version"`
	Categories       []string       `json:"categories"`
	CustomCategories []Category     `json:"custom_categories,omitempty"`
	Sequences        map[string]int `json:"sequences"`
	Bullets          []Bullet       `json:"bullets"`
}

// Store owns the playbook state and its persisted location.
// It uses a mutex for in-process concurrency; cross-process exclusion of
// curation passes is handled by the advisory pass lock, and atomic
// rename keeps concurrent readers safe from torn writes.
type Store struct {
	path     string
	taxonomy *Taxonomy
	padWidth int

	mu        sync.Mutex
	bullets   map[string]Bullet
	sequences map[string]int
}

// NewStore creates a store handle for the given path. No I/O happens
// until Load or Save.
func NewStore(path string, taxonomy *Taxonomy, padWidth int) *Store {
	return &Store{
		path:      path,
		taxonomy:  taxonomy,
		padWidth:  padWidth,
		bullets:   make(map[string]Bullet),
		sequences: make(map[string]int),
	}
}

// Path returns the persisted location of the playbook file.
func (s *Store) Path() string { return s.path }

// LockPath is the sidecar file used for the advisory pass lock.
func (s *Store) LockPath() string { return s.path + ".lock" }

// SnapshotsDir holds pre-pass copies of the store file.
func (s *Store) SnapshotsDir() string { return s.path + ".snapshots" }

// ChangesDir holds persisted change records, one file per pass.
func (s *Store) ChangesDir() string { return s.path + ".changes" }

// Exists reports whether the playbook file exists on disk.
func (s *Store) Exists() bool {
	_, err := os.Stat(s.path)
	return err == nil
}

// Load reads the playbook file into memory, replacing current state.
// A missing file yields an empty store; a file that cannot be parsed or
// fails cross-checks is surfaced as a serialization error rather than
// silently dropped.
func (s *Store) Load() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		s.bullets = make(map[string]Bullet)
		s.sequences = make(map[string]int)
		return nil
	}
	if err != nil {
		return err
	}

	var file storeFile
	if err := json.Unmarshal(data, &file); err != nil {
		return errors.WithFields(
			errors.Wrap(err, errors.SerializationFailed, "playbook file is not valid JSON"),
			errors.Fields{"path": s.path},
		)
	}
	if file.Version > storeSchemaVersion {
		return errors.WithFields(
			errors.New(errors.SerializationFailed, "unsupported playbook schema version"),
			errors.Fields{"path": s.path, "version": file.Version},
		)
	}

	s.taxonomy.restoreCustom(file.CustomCategories)

	bullets := make(map[string]Bullet, len(file.Bullets))
	for _, b := range file.Bullets {
		if _, _, err := ParseBulletID(b.ID); err != nil {
			return errors.WithFields(
				errors.Wrap(err, errors.SerializationFailed, "playbook file contains malformed bullet ID"),
				errors.Fields{"path": s.path, "id": b.ID},
			)
		}
		if !s.taxonomy.IsValid(b.Category) {
			return errors.WithFields(
				errors.New(errors.SerializationFailed, "playbook file references unknown category"),
				errors.Fields{"path": s.path, "id": b.ID, "category": b.Category},
			)
		}
		if _, dup := bullets[b.ID]; dup {
			return errors.WithFields(
				errors.New(errors.SerializationFailed, "playbook file contains duplicate bullet ID"),
				errors.Fields{"path": s.path, "id": b.ID},
			)
		}
		bullets[b.ID] = b
	}

	sequences := make(map[string]int, len(file.Sequences))
	for category, seq := range file.Sequences {
		sequences[category] = seq
	}

	s.bullets = bullets
	s.sequences = sequences
	return nil
}

// Save atomically persists the current state: serialize, write to a
// temp file in the same directory, then rename over the target.
func (s *Store) Save() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := s.serializeLocked()
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0755); err != nil {
		return err
	}

	tmpPath := s.path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0644); err != nil {
		return err
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		os.Remove(tmpPath)
		return err
	}
	return nil
}

// Serialize returns the canonical bytes the store would persist.
func (s *Store) Serialize() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.serializeLocked()
}

func (s *Store) serializeLocked() ([]byte, error) {
	names := s.taxonomy.Names()
	sorted := make([]string, len(names))
	copy(sorted, names)
	sort.Strings(sorted)

	file := storeFile{
		Version:          storeSchemaVersion,
		Categories:       sorted,
		CustomCategories: s.taxonomy.CustomCategories(),
		Sequences:        s.sequences,
		Bullets:          s.allLocked(),
	}

	data, err := json.MarshalIndent(file, "", "  ")
	if err != nil {
		return nil, errors.Wrap(err, errors.SerializationFailed, "failed to serialize playbook")
	}
	return append(data, '\n'), nil
}

// All returns every bullet sorted by ID.
func (s *Store) All() []Bullet {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.allLocked()
}

func (s *Store) allLocked() []Bullet {
	out := make([]Bullet, 0, len(s.bullets))
	for _, b := range s.bullets {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Get returns a copy of the bullet with the given ID.
func (s *Store) Get(id string) (Bullet, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.bullets[id]
	return b, ok
}

// Size returns the number of stored bullets.
func (s *Store) Size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.bullets)
}

// Sequences returns a copy of the per-category ID counters.
func (s *Store) Sequences() map[string]int {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]int, len(s.sequences))
	for k, v := range s.sequences {
		out[k] = v
	}
	return out
}

// Clone returns an independent working copy sharing the taxonomy and
// path. Curation mutates a clone and commits it back, so a failed pass
// leaves the live store untouched.
func (s *Store) Clone() *Store {
	s.mu.Lock()
	defer s.mu.Unlock()

	clone := NewStore(s.path, s.taxonomy, s.padWidth)
	for id, b := range s.bullets {
		clone.bullets[id] = b
	}
	for k, v := range s.sequences {
		clone.sequences[k] = v
	}
	return clone
}

// adopt replaces this store's state with the clone's, committing a pass.
func (s *Store) adopt(other *Store) {
	other.mu.Lock()
	bullets := make(map[string]Bullet, len(other.bullets))
	for id, b := range other.bullets {
		bullets[id] = b
	}
	sequences := make(map[string]int, len(other.sequences))
	for k, v := range other.sequences {
		sequences[k] = v
	}
	other.mu.Unlock()

	s.mu.Lock()
	s.bullets = bullets
	s.sequences = sequences
	s.mu.Unlock()
}

// mintID allocates the next ID for a category. Sequence counters only
// move forward, so IDs are never reused even after removal.
func (s *Store) mintID(category string) (string, error) {
	prefix, err := s.taxonomy.PrefixFor(category)
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	canonical := s.canonicalName(category)
	s.sequences[canonical]++
	return FormatBulletID(prefix, s.sequences[canonical], s.padWidth), nil
}

// canonicalName maps a fold-insensitive category reference onto its
// registered spelling.
func (s *Store) canonicalName(category string) string {
	if c, ok := s.taxonomy.Get(category); ok {
		return c.Name
	}
	return strings.ToLower(strings.TrimSpace(category))
}

// restoreSequences overwrites the ID counters, used only by rollback.
func (s *Store) restoreSequences(sequences map[string]int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.sequences = make(map[string]int, len(sequences))
	for k, v := range sequences {
		s.sequences[k] = v
	}
}

// insert adds a bullet, rejecting duplicate IDs and unknown categories.
func (s *Store) insert(b Bullet) error {
	if !s.taxonomy.IsValid(b.Category) {
		return errors.WithFields(
			errors.New(errors.InvalidCategory, "bullet references unknown category"),
			errors.Fields{"id": b.ID, "category": b.Category},
		)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.bullets[b.ID]; exists {
		return errors.WithFields(
			errors.New(errors.StructuralOpFailed, "bullet ID already exists"),
			errors.Fields{"id": b.ID},
		)
	}
	s.bullets[b.ID] = b
	return nil
}

// remove deletes a bullet and returns the removed copy.
func (s *Store) remove(id string) (Bullet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.bullets[id]
	if !ok {
		return Bullet{}, errors.WithFields(
			errors.New(errors.StructuralOpFailed, "bullet not found"),
			errors.Fields{"id": id},
		)
	}
	delete(s.bullets, id)
	return b, nil
}

// setContent replaces a bullet's content and returns the prior content.
func (s *Store) setContent(id, content string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.bullets[id]
	if !ok {
		return "", errors.WithFields(
			errors.New(errors.StructuralOpFailed, "bullet not found"),
			errors.Fields{"id": id},
		)
	}
	old := b.Content
	b.Content = content
	s.bullets[id] = b
	return old, nil
}

// applyTag increments the counter matching the tag plus total uses.
func (s *Store) applyTag(id string, tag UsageTag) error {
	return s.adjustTag(id, tag, 1)
}

// revertTag decrements a previously applied tag.
func (s *Store) revertTag(id string, tag UsageTag) error {
	return s.adjustTag(id, tag, -1)
}

func (s *Store) adjustTag(id string, tag UsageTag, delta int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.bullets[id]
	if !ok {
		return errors.WithFields(
			errors.New(errors.ResourceNotFound, "bullet not found"),
			errors.Fields{"id": id},
		)
	}
	switch tag {
	case TagHelpful:
		b.Metadata.HelpfulCount += delta
	case TagHarmful:
		b.Metadata.HarmfulCount += delta
	case TagNeutral:
		b.Metadata.NeutralCount += delta
	default:
		return errors.WithFields(
			errors.New(errors.InvalidInput, "unknown usage tag"),
			errors.Fields{"id": id, "tag": string(tag)},
		)
	}
	b.Metadata.TotalUses += delta
	s.bullets[id] = b
	return nil
}

// mergeCounters folds the removed bullet's evidence onto the survivor.
func (s *Store) mergeCounters(keptID string, removed Bullet) error {
	return s.shiftCounters(keptID, removed, 1)
}

// unmergeCounters reverses mergeCounters during rollback.
func (s *Store) unmergeCounters(keptID string, removed Bullet) error {
	return s.shiftCounters(keptID, removed, -1)
}

func (s *Store) shiftCounters(keptID string, removed Bullet, sign int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.bullets[keptID]
	if !ok {
		return errors.WithFields(
			errors.New(errors.ResourceNotFound, "surviving bullet not found"),
			errors.Fields{"id": keptID},
		)
	}
	b.Metadata.HelpfulCount += sign * removed.Metadata.HelpfulCount
	b.Metadata.HarmfulCount += sign * removed.Metadata.HarmfulCount
	b.Metadata.NeutralCount += sign * removed.Metadata.NeutralCount
	b.Metadata.TotalUses += sign * removed.Metadata.TotalUses
	s.bullets[keptID] = b
	return nil
}

// apply executes one structural operation against the store, filling in
// the operation's rollback state (old content, removed bullet) as a side
// effect so the caller can record exactly what happened.
func (s *Store) apply(op *DeltaOperation) error {
	if err := op.Validate(); err != nil {
		return err
	}

	switch op.Type {
	case OpAdd:
		return s.insert(*op.Bullet)
	case OpUpdate:
		old, err := s.setContent(op.BulletID, op.NewContent)
		if err != nil {
			return err
		}
		op.OldContent = old
		return nil
	case OpRemove:
		removed, err := s.remove(op.BulletID)
		if err != nil {
			return err
		}
		op.Removed = &removed
		return nil
	}
	return errors.WithFields(
		errors.New(errors.StructuralOpFailed, "unknown operation type"),
		errors.Fields{"type": string(op.Type)},
	)
}
