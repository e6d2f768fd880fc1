// Package aceengine is a playbook evolution engine for LLM agents: a
// bounded, semantically deduplicated store of guidance bullets that an
// agent consults before acting and grows from its own outcomes.
//
// The engine runs a reflect-and-curate loop. After a task, an LLM
// reflector distills the outcome into concrete insights and tags the
// bullets the agent relied on as helpful or harmful. A curator then folds
// those insights into the playbook inside a transactional pass: counters
// first, then structural changes, then embedding-based deduplication and
// bound enforcement, with every pass recorded so it can be rolled back
// byte for byte.
//
// Key Components:
//
//   - ace: The engine itself. Store and taxonomy manage the bullets and
//     their category prefixes, the embedding cache keeps content vectors
//     fresh across passes, the retriever serves cosine-ranked guidance,
//     and the reflector/curator pair drives the learning loop. Manager
//     ties these together behind one concurrency-safe facade with
//     rollback, confirmation, seeding and metrics.
//
//   - llms: LLM providers implementing core.LLM. Anthropic ships
//     generation through the official SDK; Ollama serves both generation
//     and embeddings over plain HTTP. A factory builds providers from
//     names or from a loaded configuration.
//
//   - config: YAML configuration with defaults, struct-tag validation and
//     custom rules. The engine section maps one to one onto ace.Config.
//
//   - core: The LLM contract (generation, JSON generation, embeddings)
//     shared by the engine and the providers.
//
//   - logging, errors: Structured leveled logging and coded errors used
//     throughout.
//
// Simple Example:
//
//	import (
//	    "context"
//	    "log"
//
//	    "github.com/XiaoConstantine/ace-go/pkg/ace"
//	    "github.com/XiaoConstantine/ace-go/pkg/config"
//	    "github.com/XiaoConstantine/ace-go/pkg/llms"
//	)
//
//	func main() {
//	    ctx := context.Background()
//
//	    cfg, err := config.LoadOrDefault("ace.yaml")
//	    if err != nil {
//	        log.Fatalf("Failed to load config: %v", err)
//	    }
//
//	    generator, embedder, err := llms.FromConfig(cfg)
//	    if err != nil {
//	        log.Fatalf("Failed to build providers: %v", err)
//	    }
//
//	    manager, err := ace.NewManager(cfg.Engine.Engine(), generator, embedder)
//	    if err != nil {
//	        log.Fatalf("Failed to open playbook: %v", err)
//	    }
//	    defer manager.Close()
//
//	    // Before acting: pull the guidance most similar to the task.
//	    bullets, err := manager.Retrieve(ctx, "drying glassware for electrolyte prep")
//	    if err != nil {
//	        log.Fatalf("Retrieve: %v", err)
//	    }
//	    _ = bullets
//
//	    // After acting: reflect on the outcome and curate the lessons in.
//	    reflection, err := manager.Reflect(ctx, &ace.ReflectionInput{
//	        TaskContext: "prepare electrolyte samples",
//	        Outcome:     "succeeded after switching to argon-dried glassware [mat-00012]",
//	        Success:     true,
//	    })
//	    if err != nil {
//	        log.Fatalf("Reflect: %v", err)
//	    }
//
//	    record, err := manager.Curate(ctx, reflection)
//	    if err != nil {
//	        log.Fatalf("Curate: %v", err)
//	    }
//
//	    // Keep the pass, or undo it exactly.
//	    if err := manager.Confirm(ctx, record); err != nil {
//	        log.Fatalf("Confirm: %v", err)
//	    }
//	}
//
// Every curation pass persists a change record and a byte snapshot of the
// store beside the playbook file, so the last committed pass can always
// be undone exactly with Manager.Rollback. Category prefixes are minted
// through a taxonomy that accepts model-proposed categories when they
// arrive with enough evidence, and seeding from JSON or Parquet corpora
// bootstraps a fresh playbook.
//
// For more examples and detailed documentation, visit:
// https://github.com/XiaoConstantine/ace-go
package aceengine
