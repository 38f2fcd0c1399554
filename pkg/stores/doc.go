// Package stores provides persistence layer implementations for missionctl.
// It includes SQLite-based storage with WAL mode, connection pooling, and
// embedded migrations. SQLiteStore is an engine.JournalStore holding one
// append-only event stream per mission, plus the operator audit log.
package stores
