// Package ace implements a playbook evolution engine for self-improving agents.
//
// The engine maintains a bounded, semantically deduplicated store of "bullets":
// small units of operational guidance (materials data, safety caveats, procedure
// steps, parameter ranges) that agents consult before acting and refine after
// acting. Bullets accumulate helpful/harmful/neutral usage counters, and the
// store evolves through transactional curation passes that can be rolled back
// byte-for-byte.
//
// # Architecture
//
// The engine consists of five main components:
//
//   - Store: owns the persisted playbook file, category sequences, and
//     atomic save/load with cross-process locking
//   - EmbeddingCache: keeps one vector per bullet, keyed by content hash,
//     synchronized in concurrent batches with retry
//   - Retriever: cosine-similarity lookup over an immutable snapshot
//   - Reflector: turns execution feedback into typed insights and usage tags
//     through a bounded multi-round refinement loop
//   - Curator: converts insights into delta operations and drives the
//     staged mutation pipeline (apply, dedup, prune, persist)
//
// A Manager wires the components together, serializes curation passes behind
// an exclusive advisory file lock, and exposes retrieval over stable snapshots
// so readers never observe a half-applied pass.
//
// # Basic Usage
//
//	config := ace.DefaultConfig()
//	config.StorePath = ".playbook/agent.json"
//
//	manager, err := ace.NewManager(config, llm, embedder)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer manager.Close()
//
//	// Retrieve guidance before acting
//	results, err := manager.Retrieve(ctx, "electrolyte ratios for LiPF6")
//	prompt := ace.FormatForPrompt(results)
//
//	// Reflect on the outcome afterwards
//	reflection, err := manager.Reflect(ctx, &ace.ReflectionInput{
//	    TaskContext:   "prepare 1M LiPF6 electrolyte",
//	    Outcome:       "solution clouded during mixing [mat-00012]",
//	    Success:       false,
//	    ReasoningTrace: trace,
//	    UsedBulletIDs: []string{"mat-00012", "saf-00003"},
//	})
//
//	// Commit the resulting mutations as one revertible pass
//	record, err := manager.Curate(ctx, reflection)
//
// # Identifiers and Categories
//
// Every bullet carries an ID of the form <prefix>-<zero-padded sequence>,
// e.g. [mat-00001]. Prefixes come from the category taxonomy: a fixed core
// set (materials, safety, procedure, parameters, general) plus custom
// categories that the Reflector may propose and the Curator may approve at
// runtime. Sequence counters are per category and never reused, so IDs stay
// unique even after their bullet is removed.
//
// # Citation Detection
//
// When agents cite bullets in their reasoning using bracketed IDs like
// [mat-00012], the Reflector unions those citations with the self-reported
// used-ID list. Cited bullets receive helpful/harmful/neutral tags, which the
// Curator applies as counter increments before any structural mutation.
//
// # Deduplication and Pruning
//
// After applying deltas, the Curator embeds all bullets and merges pairs
// whose cosine similarity reaches the configured threshold (default 0.85).
// The surviving bullet is chosen by helpfulness score, then total uses, then
// lower ID; usage counters of merged bullets are summed so evidence is never
// lost. If the store still exceeds its size bound, bullets with at least
// the minimum sample count are pruned lowest-helpfulness-first.
//
// # Change Records and Rollback
//
// Every curation pass produces a ChangeRecord listing counter updates,
// applied operations, dedup merges, pruned bullets, and the pre-pass
// sequence counters. Manager.Rollback replays the record in reverse to
// restore the exact prior store bytes; Manager.Confirm discards the
// record and its snapshot once the pass is accepted.
//
// # Reference
//
// The curation loop follows the ACE paper:
// "Agentic Context Engineering" (arXiv:2510.04618)
package ace
