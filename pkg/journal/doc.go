// Package journal implements the append-only mission journal.
//
// Every mission mutation is written as an entry before the engine applies it,
// so a mission can be rebuilt from its stream with Reconstruct. Entries carry a
// per-mission sequence and, unless disabled, a SHA-256 hash chained to the
// previous entry of the same mission; Verify recomputes the chain.
//
// Storage is pluggable through engine.JournalStore. MemoryStore serves tests
// and single-process runs; stores.SQLiteStore persists entries on disk.
package journal
