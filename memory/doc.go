// Package memory implements the hybrid memory engine: durable, user-scoped
// facts distilled from conversations, retrieved and re-injected into later
// turns.
//
// Two differently shaped stores back the engine:
//   - RecencyStore: a small, TTL-bounded per-user buffer of raw interactions
//     (Redis in production, see store/redisrec)
//   - VectorIndex: a durable, embedding-indexed store of distilled entries
//     (chromem-go, see store/chromem), with a SQLite Catalog alongside it
//     recording entry status for dedupe and audit (see catalog)
//
// Architecture:
//   - Extractor: decides which parts of an interaction are durable facts
//   - Engine: orchestrates ingestion, remember/forget, retrieval fusion
//   - Assembler: formats retrieved memories into an injectable prompt block
//
// The engine is built for the latency budget of a chat turn: retrieval is
// bounded by a short timeout and degrades to partial or empty results when
// the embedder or a store is unavailable. A chat turn never fails because
// memory lookup was slow; worst case the turn simply runs without injected
// context.
//
// All operations are partitioned by user ID. A query for one user never
// reads or deletes another user's entries.
package memory
