// Package memory implements associative recall for the agent.
//
// Given a user utterance, the Recaller runs two retrieval strategies at once
// and merges what they find:
//   - Direct: one similarity search with the full utterance.
//   - Extraction: an auxiliary model call proposes a few short phrases aimed
//     at incidental details; each phrase is searched for its single best hit.
//
// Everything surfaced is recorded in a per-session seen-set with a rolling
// expiry, so a memory is not shown twice within the same session window.
//
// Architecture:
//   - Searcher: vector search backend (chromem-go locally)
//   - QueryProposer: auxiliary reasoning call (Anthropic Messages API)
//   - KV: set store behind the seen-set (ristretto in-process, Redis shared)
//   - Embedder: text-to-vector conversion used by the chromem store
//
// Recall never fails a turn. Collaborator failures are logged and the
// affected strategy contributes nothing.
package memory
