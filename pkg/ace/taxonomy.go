package ace

import (
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/XiaoConstantine/ace-go/pkg/errors"
	"golang.org/x/text/cases"
)

// Category describes one slot of the playbook taxonomy. Core categories
// ship with the engine and are immutable; custom categories are admitted
// at runtime through proposals and carry their provenance.
type Category struct {
	Name        string   `json:"name"`
	Prefix      string   `json:"prefix"`
	Description string   `json:"description"`
	Examples    []string `json:"examples,omitempty"`

	Custom    bool      `json:"custom,omitempty"`
	CreatedAt time.Time `json:"created_at,omitempty"`
	Creator   string    `json:"creator,omitempty"`
	Reason    string    `json:"reason,omitempty"`
}

// DefaultCategory is the fallback for guidance that fits nowhere narrower.
const DefaultCategory = "general"

// CoreCategories returns the immutable built-in category set.
func CoreCategories() []Category {
	return []Category{
		{
			Name:        "materials",
			Prefix:      "mat",
			Description: "Properties, compatibilities, and handling notes for substances, reagents, and stock.",
			Examples: []string{
				"LiPF6 hydrolyzes rapidly on contact with moisture; keep water below 20ppm",
				"304 stainless pits in chloride solutions above 60C",
			},
		},
		{
			Name:        "safety",
			Prefix:      "saf",
			Description: "Hazards, exposure limits, protective equipment, and emergency responses.",
			Examples: []string{
				"HF burns require calcium gluconate gel within minutes of exposure",
				"Vent argon glove boxes before opening the antechamber",
			},
		},
		{
			Name:        "procedure",
			Prefix:      "proc",
			Description: "Ordered steps, sequencing constraints, and prerequisites for operations.",
			Examples: []string{
				"Always add acid to water, never water to acid",
				"Degas the solvent before the titration, not after",
			},
		},
		{
			Name:        "parameters",
			Prefix:      "param",
			Description: "Numeric ranges, tolerances, setpoints, and operating windows.",
			Examples: []string{
				"Keep mixing temperature between 20C and 25C for electrolyte prep",
				"Stir at 300-400 rpm; above 500 rpm the suspension foams",
			},
		},
		{
			Name:        DefaultCategory,
			Prefix:      "gen",
			Description: "Cross-cutting guidance that fits no narrower category.",
			Examples: []string{
				"Record lot numbers for every reagent used in a run",
				"Prefer the most recent calibration data when sources disagree",
			},
		},
	}
}

var prefixPattern = regexp.MustCompile(`^[a-z][a-z0-9]{0,7}$`)

// foldName canonicalizes a category name for comparison.
// cases.Caser values are stateful, so a fresh one is built per call.
func foldName(s string) string {
	return cases.Fold().String(strings.TrimSpace(s))
}

// Taxonomy tracks valid categories and their ID prefixes.
type Taxonomy struct {
	mu          sync.RWMutex
	core        []Category
	custom      []Category
	allowCustom bool
}

// NewTaxonomy builds a taxonomy holding the core categories.
func NewTaxonomy(allowCustom bool) *Taxonomy {
	return &Taxonomy{
		core:        CoreCategories(),
		allowCustom: allowCustom,
	}
}

// AllowsCustom reports whether custom category proposals can be admitted.
func (t *Taxonomy) AllowsCustom() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.allowCustom
}

// Get returns the category with the given name, matched case-insensitively.
func (t *Taxonomy) Get(name string) (Category, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.lookup(name)
}

func (t *Taxonomy) lookup(name string) (Category, bool) {
	folded := foldName(name)
	for _, c := range t.core {
		if foldName(c.Name) == folded {
			return c, true
		}
	}
	for _, c := range t.custom {
		if foldName(c.Name) == folded {
			return c, true
		}
	}
	return Category{}, false
}

// IsValid reports whether name is a known category.
func (t *Taxonomy) IsValid(name string) bool {
	_, ok := t.Get(name)
	return ok
}

// PrefixFor returns the ID prefix for a category name.
func (t *Taxonomy) PrefixFor(name string) (string, error) {
	c, ok := t.Get(name)
	if !ok {
		return "", errors.WithFields(
			errors.New(errors.InvalidCategory, "unknown category"),
			errors.Fields{"category": name},
		)
	}
	return c.Prefix, nil
}

// Categories returns all categories, core first, customs sorted by name.
func (t *Taxonomy) Categories() []Category {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]Category, 0, len(t.core)+len(t.custom))
	out = append(out, t.core...)
	customs := make([]Category, len(t.custom))
	copy(customs, t.custom)
	sort.Slice(customs, func(i, j int) bool { return customs[i].Name < customs[j].Name })
	out = append(out, customs...)
	return out
}

// CustomCategories returns only the runtime-admitted categories.
func (t *Taxonomy) CustomCategories() []Category {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]Category, len(t.custom))
	copy(out, t.custom)
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Names returns every valid category name, core order first.
func (t *Taxonomy) Names() []string {
	cats := t.Categories()
	names := make([]string, len(cats))
	for i, c := range cats {
		names[i] = c.Name
	}
	return names
}

// minProposalExamples is the evidence floor for admitting a new category.
const minProposalExamples = 3

// ProposeCustom validates a proposal and admits it as a custom category.
// Name and prefix collisions with any existing category are rejected, as
// is any proposal while custom creation is disabled.
func (t *Taxonomy) ProposeCustom(p CategoryProposal, creator string) (Category, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.allowCustom {
		return Category{}, errors.New(errors.TaxonomyViolation, "custom category creation is disabled")
	}

	name := strings.TrimSpace(p.Name)
	if name == "" {
		return Category{}, errors.New(errors.ValidationFailed, "category proposal missing name")
	}
	prefix := strings.TrimSpace(p.Prefix)
	if !prefixPattern.MatchString(prefix) {
		return Category{}, errors.WithFields(
			errors.New(errors.ValidationFailed, "category prefix must be 1-8 lowercase alphanumerics starting with a letter"),
			errors.Fields{"prefix": p.Prefix},
		)
	}
	if strings.TrimSpace(p.Description) == "" {
		return Category{}, errors.New(errors.ValidationFailed, "category proposal missing description")
	}
	if len(p.Examples) < minProposalExamples {
		return Category{}, errors.WithFields(
			errors.New(errors.ValidationFailed, "category proposal needs more example snippets"),
			errors.Fields{"examples": len(p.Examples), "minimum": minProposalExamples},
		)
	}

	folded := foldName(name)
	for _, existing := range append(append([]Category{}, t.core...), t.custom...) {
		if foldName(existing.Name) == folded {
			return Category{}, errors.WithFields(
				errors.New(errors.DuplicateCategory, "category name already exists"),
				errors.Fields{"category": existing.Name},
			)
		}
		if existing.Prefix == prefix {
			return Category{}, errors.WithFields(
				errors.New(errors.DuplicateCategory, "category prefix already in use"),
				errors.Fields{"prefix": prefix, "category": existing.Name},
			)
		}
	}

	cat := Category{
		Name:        strings.ToLower(name),
		Prefix:      prefix,
		Description: strings.TrimSpace(p.Description),
		Examples:    append([]string{}, p.Examples...),
		Custom:      true,
		CreatedAt:   time.Now().UTC(),
		Creator:     creator,
		Reason:      strings.TrimSpace(p.Justification),
	}
	t.custom = append(t.custom, cat)
	return cat, nil
}

// RemoveCustom drops a runtime-admitted category. Core categories are
// immutable and cannot be removed.
func (t *Taxonomy) RemoveCustom(name string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	folded := foldName(name)
	for _, c := range t.core {
		if foldName(c.Name) == folded {
			return errors.WithFields(
				errors.New(errors.TaxonomyViolation, "core categories are immutable"),
				errors.Fields{"category": c.Name},
			)
		}
	}
	for i, c := range t.custom {
		if foldName(c.Name) == folded {
			t.custom = append(t.custom[:i], t.custom[i+1:]...)
			return nil
		}
	}
	return errors.WithFields(
		errors.New(errors.ResourceNotFound, "custom category not found"),
		errors.Fields{"category": name},
	)
}

// restoreCustom replaces the custom set wholesale, used when loading a
// persisted store.
func (t *Taxonomy) restoreCustom(cats []Category) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.custom = make([]Category, len(cats))
	copy(t.custom, cats)
	for i := range t.custom {
		t.custom[i].Custom = true
	}
}

// Closest maps an arbitrary category name onto the nearest valid one.
// Exact folds and prefix matches win; otherwise token overlap against
// each category's name and description decides, falling back to the
// default category when nothing overlaps.
func (t *Taxonomy) Closest(name string) string {
	cats := t.Categories()

	folded := foldName(name)
	if folded == "" {
		return DefaultCategory
	}
	for _, c := range cats {
		if foldName(c.Name) == folded || c.Prefix == folded {
			return c.Name
		}
	}

	nameTokens := tokenize(name)
	best := DefaultCategory
	bestScore := 0.0
	for _, c := range cats {
		score := jaccardSimilarity(nameTokens, tokenize(c.Name+" "+c.Description))
		if score > bestScore {
			best = c.Name
			bestScore = score
		}
	}
	return best
}

// Describe renders the taxonomy for inclusion in prompts, one category
// per line.
func (t *Taxonomy) Describe() string {
	var b strings.Builder
	for _, c := range t.Categories() {
		b.WriteString("- ")
		b.WriteString(c.Name)
		b.WriteString(" (")
		b.WriteString(c.Prefix)
		b.WriteString("): ")
		b.WriteString(c.Description)
		b.WriteString("\n")
	}
	return b.String()
}

// normalize lowercases, trims, and collapses whitespace for comparison.
func normalize(s string) string {
	s = strings.ToLower(s)
	s = strings.TrimSpace(s)

	var b strings.Builder
	prevSpace := false
	for _, r := range s {
		if unicode.IsSpace(r) {
			if !prevSpace {
				b.WriteRune(' ')
				prevSpace = true
			}
		} else {
			b.WriteRune(r)
			prevSpace = false
		}
	}
	return b.String()
}

// tokenize splits text into word tokens.
func tokenize(s string) map[string]bool {
	tokens := make(map[string]bool)
	s = strings.ToLower(s)

	var word strings.Builder
	for _, r := range s {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			word.WriteRune(r)
		} else if word.Len() > 0 {
			tokens[word.String()] = true
			word.Reset()
		}
	}
	if word.Len() > 0 {
		tokens[word.String()] = true
	}

	return tokens
}

// jaccardSimilarity computes the Jaccard index between two token sets.
func jaccardSimilarity(a, b map[string]bool) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 1.0
	}
	if len(a) == 0 || len(b) == 0 {
		return 0.0
	}

	intersection := 0
	for token := range a {
		if b[token] {
			intersection++
		}
	}

	union := len(a) + len(b) - intersection
	if union == 0 {
		return 0.0
	}
	return float64(intersection) / float64(union)
}
