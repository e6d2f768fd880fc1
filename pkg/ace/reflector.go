package ace

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/XiaoConstantine/ace-go/pkg/core"
	"github.com/XiaoConstantine/ace-go/pkg/errors"
	"github.com/XiaoConstantine/ace-go/pkg/logging"
	"github.com/google/uuid"
)

var citationRegex = regexp.MustCompile(`\[([a-z][a-z0-9]*-\d+)\]`)

// DetectCitations finds bracketed bullet references in text.
func DetectCitations(text string) []string {
	matches := citationRegex.FindAllStringSubmatch(text, -1)
	var citations []string
	seen := make(map[string]bool)

	for _, match := range matches {
		if len(match) > 1 && !seen[match[1]] {
			citations = append(citations, match[1])
			seen[match[1]] = true
		}
	}
	return citations
}

// Reflector turns execution feedback into typed insights and usage tags
// by prompting an LLM through a bounded refinement loop. Round one runs
// in the INITIAL state; later rounds run REFINING over the previous
// round's output until the model declares itself done or the cap hits.
type Reflector struct {
	llm       core.LLM
	taxonomy  *Taxonomy
	maxRounds int
}

// NewReflector builds a reflector over the given generation model.
func NewReflector(llm core.LLM, taxonomy *Taxonomy, cfg Config) *Reflector {
	return &Reflector{
		llm:       llm,
		taxonomy:  taxonomy,
		maxRounds: cfg.MaxRefinementRounds,
	}
}

// parsedRound is one round's validated model output.
type parsedRound struct {
	insights []Insight
	tags     map[string]UsageTag
	refine   bool
	skipped  int
}

// Reflect analyzes the feedback and returns insights plus a tag for
// every used bullet. The used set is the union of the self-reported IDs
// and citations detected in the outcome and reasoning trace. A round
// whose output stays malformed after one retry degrades the loop to the
// previous round's output; a first round that fails is an error, since
// there is nothing to degrade to.
func (r *Reflector) Reflect(ctx context.Context, input *ReflectionInput, snap *Snapshot) (*ReflectionResult, error) {
	if err := input.Validate(); err != nil {
		return nil, err
	}
	if err := errors.CheckContext(ctx, "reflection"); err != nil {
		return nil, err
	}
	logger := logging.GetLogger()

	used := unionUsedIDs(input)

	var rounds []ReflectionRound
	var current *parsedRound
	state := RoundInitial

	for round := 1; round <= r.maxRounds; round++ {
		if err := errors.CheckContext(ctx, "reflection round"); err != nil {
			return nil, err
		}

		var prompt string
		if state == RoundInitial {
			prompt = r.initialPrompt(input, snap, used)
		} else {
			prompt = r.refinePrompt(current)
		}

		parsed, err := r.generateRound(ctx, prompt)
		if err != nil {
			if ctx.Err() != nil {
				return nil, errors.Wrap(ctx.Err(), errors.Canceled, "reflection canceled")
			}
			if current == nil {
				return nil, err
			}
			// Keep the previous round's output and stop refining.
			logger.Warn(ctx, "Reflection round %d stayed malformed after retry, keeping round %d output", round, round-1)
			rounds = append(rounds, ReflectionRound{Round: round, State: state, Degraded: true})
			break
		}
		if parsed.skipped > 0 {
			logger.Debug(ctx, "Reflection round %d skipped %d invalid insights", round, parsed.skipped)
		}

		rounds = append(rounds, ReflectionRound{
			Round:    round,
			State:    state,
			Insights: parsed.insights,
			Tags:     parsed.tags,
		})
		current = parsed
		state = RoundRefining

		if !parsed.refine {
			break
		}
	}
	if len(rounds) > 0 {
		rounds[len(rounds)-1].State = RoundDone
	}

	insights := make([]Insight, len(current.insights))
	copy(insights, current.insights)
	sort.SliceStable(insights, func(i, j int) bool {
		return insights[i].Priority.rank() < insights[j].Priority.rank()
	})

	result := &ReflectionResult{
		ID:            "refl-" + uuid.NewString(),
		Insights:      insights,
		Tags:          finalTags(used, current.tags),
		UsedBulletIDs: used,
		Rounds:        rounds,
		Model:         r.llm.ModelID(),
		ProcessedAt:   time.Now().UTC(),
	}
	logger.Info(ctx, "Reflection %s produced %d insights over %d rounds", result.ID, len(result.Insights), len(rounds))
	return result, nil
}

// unionUsedIDs merges self-reported IDs with detected citations,
// deduplicated and sorted.
func unionUsedIDs(input *ReflectionInput) []string {
	seen := make(map[string]bool)
	var used []string
	add := func(ids []string) {
		for _, id := range ids {
			if id == "" || seen[id] {
				continue
			}
			if _, _, err := ParseBulletID(id); err != nil {
				continue
			}
			seen[id] = true
			used = append(used, id)
		}
	}
	add(input.UsedBulletIDs)
	add(DetectCitations(input.Outcome))
	add(DetectCitations(input.ReasoningTrace))
	sort.Strings(used)
	return used
}

// finalTags grades every used bullet, defaulting to neutral where the
// model stayed silent. Tags for bullets outside the used set are dropped.
func finalTags(used []string, tags map[string]UsageTag) map[string]UsageTag {
	out := make(map[string]UsageTag, len(used))
	for _, id := range used {
		if tag, ok := tags[id]; ok {
			out[id] = tag
		} else {
			out[id] = TagNeutral
		}
	}
	return out
}

// generateRound calls the model once, retrying a single time when the
// output cannot be parsed into the expected shape.
func (r *Reflector) generateRound(ctx context.Context, prompt string) (*parsedRound, error) {
	raw, err := r.llm.GenerateWithJSON(ctx, prompt)
	if err == nil {
		parsed, perr := parseRoundPayload(raw)
		if perr == nil {
			return parsed, nil
		}
		err = perr
	}
	if ctx.Err() != nil {
		return nil, errors.Wrap(ctx.Err(), errors.Canceled, "reflection round canceled")
	}

	retryPrompt := prompt + "\n\nYour previous response was not valid. Respond with exactly the JSON object described above and nothing else."
	raw, rerr := r.llm.GenerateWithJSON(ctx, retryPrompt)
	if rerr != nil {
		return nil, errors.Wrap(rerr, errors.LLMGenerationFailed, "reflection round failed")
	}
	parsed, perr := parseRoundPayload(raw)
	if perr != nil {
		return nil, perr
	}
	return parsed, nil
}

// parseRoundPayload validates one round's JSON. Individually broken
// insights are skipped; a payload whose overall shape is wrong is an
// InvalidResponse error so the round can degrade.
func parseRoundPayload(raw map[string]interface{}) (*parsedRound, error) {
	parsed := &parsedRound{tags: make(map[string]UsageTag)}

	if rawInsights, ok := raw["insights"]; ok {
		list, ok := rawInsights.([]interface{})
		if !ok {
			return nil, errors.New(errors.InvalidResponse, "reflection insights is not a list")
		}
		for _, item := range list {
			entry, ok := item.(map[string]interface{})
			if !ok {
				parsed.skipped++
				continue
			}
			insight, ok := parseInsight(entry)
			if !ok {
				parsed.skipped++
				continue
			}
			parsed.insights = append(parsed.insights, insight)
		}
	} else {
		return nil, errors.New(errors.InvalidResponse, "reflection output missing insights")
	}

	if rawTags, ok := raw["bullet_tags"]; ok && rawTags != nil {
		tagMap, ok := rawTags.(map[string]interface{})
		if !ok {
			return nil, errors.New(errors.InvalidResponse, "reflection bullet_tags is not an object")
		}
		for id, value := range tagMap {
			if _, _, err := ParseBulletID(id); err != nil {
				parsed.skipped++
				continue
			}
			tag, _ := value.(string)
			if ValidTag(tag) {
				parsed.tags[id] = UsageTag(tag)
			} else {
				parsed.tags[id] = TagNeutral
			}
		}
	}

	if refine, ok := raw["needs_refinement"].(bool); ok {
		parsed.refine = refine
	}
	return parsed, nil
}

func parseInsight(entry map[string]interface{}) (Insight, bool) {
	insight := Insight{
		Content:  strings.TrimSpace(getString(entry, "content")),
		Category: strings.TrimSpace(getString(entry, "category")),
		Reason:   strings.TrimSpace(getString(entry, "reason")),
		BulletID: strings.TrimSpace(getString(entry, "bullet_id")),
	}

	switch InsightType(getString(entry, "type")) {
	case InsightAddNew:
		insight.Type = InsightAddNew
	case InsightUpdateExisting:
		insight.Type = InsightUpdateExisting
	case InsightRemoveOutdated:
		insight.Type = InsightRemoveOutdated
	default:
		return Insight{}, false
	}

	switch Priority(getString(entry, "priority")) {
	case PriorityHigh:
		insight.Priority = PriorityHigh
	case PriorityLow:
		insight.Priority = PriorityLow
	default:
		insight.Priority = PriorityMedium
	}

	if insight.Type == InsightAddNew && insight.Content == "" {
		return Insight{}, false
	}
	if insight.Type != InsightAddNew && insight.BulletID == "" {
		return Insight{}, false
	}

	if rawProposal, ok := entry["new_category"].(map[string]interface{}); ok {
		proposal := &CategoryProposal{
			Name:          strings.TrimSpace(getString(rawProposal, "name")),
			Prefix:        strings.TrimSpace(getString(rawProposal, "prefix")),
			Description:   strings.TrimSpace(getString(rawProposal, "description")),
			Justification: strings.TrimSpace(getString(rawProposal, "justification")),
		}
		if rawExamples, ok := rawProposal["examples"].([]interface{}); ok {
			for _, ex := range rawExamples {
				if s, ok := ex.(string); ok && strings.TrimSpace(s) != "" {
					proposal.Examples = append(proposal.Examples, s)
				}
			}
		}
		if proposal.Name != "" {
			insight.NewCategory = proposal
		}
	}

	return insight, true
}

func getString(m map[string]interface{}, key string) string {
	s, _ := m[key].(string)
	return s
}

// initialPrompt builds the round-one prompt from the feedback, the
// taxonomy, and the content of every used bullet still in the snapshot.
func (r *Reflector) initialPrompt(input *ReflectionInput, snap *Snapshot, used []string) string {
	var b strings.Builder

	b.WriteString("You maintain a playbook of operational guidance for lab agents.\n")
	b.WriteString("Analyze the execution feedback below and extract durable lessons.\n\n")

	b.WriteString("Categories:\n")
	b.WriteString(r.taxonomy.Describe())
	b.WriteString("\n")

	if input.TaskContext != "" {
		fmt.Fprintf(&b, "Task: %s\n", input.TaskContext)
	}
	fmt.Fprintf(&b, "Outcome: %s\n", input.Outcome)
	fmt.Fprintf(&b, "Success: %t\n", input.Success)
	if input.Score >= 0 {
		fmt.Fprintf(&b, "Score: %.2f\n", input.Score)
	}
	if len(input.CriterionScores) > 0 {
		criteria := make([]string, 0, len(input.CriterionScores))
		for criterion := range input.CriterionScores {
			criteria = append(criteria, criterion)
		}
		sort.Strings(criteria)
		for _, criterion := range criteria {
			fmt.Fprintf(&b, "Score (%s): %.2f\n", criterion, input.CriterionScores[criterion])
		}
	}
	if input.ReasoningTrace != "" {
		fmt.Fprintf(&b, "\nReasoning trace:\n%s\n", input.ReasoningTrace)
	}

	if len(used) > 0 {
		b.WriteString("\nPlaybook entries consulted during this execution:\n")
		inSnapshot := make(map[string]Bullet)
		if snap != nil {
			for _, bullet := range snap.Bullets {
				inSnapshot[bullet.ID] = bullet
			}
		}
		for _, id := range used {
			if bullet, ok := inSnapshot[id]; ok {
				fmt.Fprintf(&b, "[%s] (%s) %s\n", bullet.ID, bullet.Category, bullet.Content)
			} else {
				fmt.Fprintf(&b, "[%s] (no longer present)\n", id)
			}
		}
	}

	b.WriteString(`
Respond with JSON only:
{
  "insights": [
    {
      "type": "add_new" | "update_existing" | "remove_outdated",
      "priority": "high" | "medium" | "low",
      "content": "the guidance text (for add_new and update_existing)",
      "category": "one of the categories listed above",
      "bullet_id": "required for update_existing and remove_outdated",
      "reason": "one sentence on why",
      "new_category": {
        "name": "...", "prefix": "...", "description": "...",
        "examples": ["...", "...", "..."], "justification": "..."
      }
    }
  ],
  "bullet_tags": {"<bullet-id>": "helpful" | "harmful" | "neutral"},
  "needs_refinement": false
}

Grade every consulted entry in bullet_tags. Propose new_category only
when no existing category fits, with at least three example snippets.
Set needs_refinement to true only if another pass over your own output
would materially improve it.`)

	return b.String()
}

// refinePrompt asks the model to tighten its previous output.
func (r *Reflector) refinePrompt(previous *parsedRound) string {
	payload, err := json.MarshalIndent(map[string]interface{}{
		"insights":    previous.insights,
		"bullet_tags": previous.tags,
	}, "", "  ")
	if err != nil {
		payload = []byte("{}")
	}

	var b strings.Builder
	b.WriteString("Refine the reflection output below: merge overlapping insights, drop weak ones, and correct categories and tags.\n")
	b.WriteString("Keep the same JSON schema, including bullet_tags and needs_refinement.\n\n")
	b.WriteString("Previous output:\n")
	b.Write(payload)
	b.WriteString("\n\nRespond with the refined JSON object only.")
	return b.String()
}
