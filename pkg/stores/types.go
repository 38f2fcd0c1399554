package stores

import (
	"context"
	"database/sql"
	"time"

	"github.com/openfroyo/missionctl/pkg/engine"
)

// AuditEntry represents an audit trail entry
type AuditEntry struct {
	ID        int64     `json:"id"`
	Action    string    `json:"action"`              // e.g., "mission.submitted", "mission.cancelled", "rollout.submitted"
	Actor     string    `json:"actor"`               // operator or system identifier
	TargetID  *string   `json:"target_id,omitempty"` // mission or rollout ID
	Details   *string   `json:"details,omitempty"`   // JSON blob
	IPAddress *string   `json:"ip_address,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// StreamSummary describes the journal stream of one mission or rollout.
type StreamSummary struct {
	MissionID    string    `json:"mission_id"`
	Entries      int64     `json:"entries"`
	LastSequence int64     `json:"last_sequence"`
	FirstAt      time.Time `json:"first_at"`
	LastAt       time.Time `json:"last_at"`
}

// Store defines the interface for the persistence layer
type Store interface {
	engine.JournalStore

	// Lifecycle
	Init(ctx context.Context) error
	Close() error
	Migrate(ctx context.Context) error

	// Transaction support
	BeginTx(ctx context.Context) (*sql.Tx, error)
	CommitTx(tx *sql.Tx) error
	RollbackTx(tx *sql.Tx) error

	// Journal streams
	ListStreams(ctx context.Context, limit, offset int) ([]*StreamSummary, error)

	// Audit operations
	CreateAuditEntry(ctx context.Context, entry *AuditEntry) error
	ListAuditEntries(ctx context.Context, action *string, actor *string, limit, offset int) ([]*AuditEntry, error)

	// Utility
	HealthCheck(ctx context.Context) error
}
