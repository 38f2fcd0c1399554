package stores

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/openfroyo/missionctl/pkg/engine"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// memoryPath opens a private in-memory database.
const memoryPath = ":memory:"

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db  *sql.DB
	cfg Config
}

var _ Store = (*SQLiteStore)(nil)

// Config holds SQLite store configuration
type Config struct {
	Path            string        `mapstructure:"path" validate:"required"`
	MaxOpenConns    int           `mapstructure:"max_open_conns" validate:"min=0"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns" validate:"min=0"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime" validate:"min=0"`
}

// NewSQLiteStore creates a new SQLite store instance
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	// Set defaults
	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 25
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 5
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}

	// Every connection to :memory: is a separate database.
	if cfg.Path == memoryPath {
		cfg.MaxOpenConns = 1
		cfg.MaxIdleConns = 1
		cfg.ConnMaxLifetime = 0
	}

	return &SQLiteStore{cfg: cfg}, nil
}

// Init initializes the database connection and enables WAL mode.
func (s *SQLiteStore) Init(ctx context.Context) error {
	dsn := s.cfg.Path +
		"?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)&_txlock=immediate"
	if s.cfg.Path != memoryPath {
		dsn += "&_pragma=journal_mode(WAL)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	db.SetMaxOpenConns(s.cfg.MaxOpenConns)
	db.SetMaxIdleConns(s.cfg.MaxIdleConns)
	db.SetConnMaxLifetime(s.cfg.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	s.db = db
	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Migrate runs database migrations.
func (s *SQLiteStore) Migrate(_ context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	// Create migration source from embedded FS
	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	// Create database driver
	driver, err := sqlite.WithInstance(s.db, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	// Create migration instance
	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	// Run migrations
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// BeginTx starts a new transaction
func (s *SQLiteStore) BeginTx(ctx context.Context) (*sql.Tx, error) {
	return s.db.BeginTx(ctx, &sql.TxOptions{
		Isolation: sql.LevelSerializable,
	})
}

// CommitTx commits a transaction
func (s *SQLiteStore) CommitTx(tx *sql.Tx) error {
	return tx.Commit()
}

// RollbackTx rolls back a transaction
func (s *SQLiteStore) RollbackTx(tx *sql.Tx) error {
	return tx.Rollback()
}

// AppendEntry inserts a journal entry. An entry whose sequence does not follow
// the stream's tail is rejected.
func (s *SQLiteStore) AppendEntry(ctx context.Context, entry *engine.JournalEntry) (err error) {
	tx, err := s.BeginTx(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = s.RollbackTx(tx)
		}
	}()

	var tail sql.NullInt64
	if err = tx.QueryRowContext(ctx,
		`SELECT MAX(sequence) FROM journal_entries WHERE mission_id = ?`,
		entry.MissionID,
	).Scan(&tail); err != nil {
		return fmt.Errorf("failed to read journal tail: %w", err)
	}
	if tail.Valid && entry.Sequence <= tail.Int64 {
		return engine.NewConflictError(
			fmt.Sprintf("journal sequence %d does not follow tail %d", entry.Sequence, tail.Int64), nil).
			WithCode(engine.ErrCodeValidation).
			WithResource(entry.MissionID).
			WithOperation("append")
	}

	query := `
		INSERT INTO journal_entries (id, mission_id, sequence, event_type, payload, timestamp, hash, prev_hash)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`

	if _, err = tx.ExecContext(ctx, query,
		entry.ID,
		entry.MissionID,
		entry.Sequence,
		string(entry.EventType),
		string(entry.Payload),
		entry.Timestamp.UnixNano(),
		entry.Hash,
		entry.PrevHash,
	); err != nil {
		return fmt.Errorf("failed to append journal entry: %w", err)
	}

	if err = s.CommitTx(tx); err != nil {
		return fmt.Errorf("failed to commit journal entry: %w", err)
	}
	return nil
}

// QueryEntries returns entries matching the filter ordered by timestamp and sequence.
func (s *SQLiteStore) QueryEntries(ctx context.Context, filter engine.JournalFilter) ([]*engine.JournalEntry, error) {
	var (
		clauses []string
		args    []interface{}
	)
	if filter.MissionID != "" {
		clauses = append(clauses, "mission_id = ?")
		args = append(args, filter.MissionID)
	}
	if !filter.Since.IsZero() {
		clauses = append(clauses, "timestamp >= ?")
		args = append(args, filter.Since.UnixNano())
	}
	if !filter.Until.IsZero() {
		clauses = append(clauses, "timestamp <= ?")
		args = append(args, filter.Until.UnixNano())
	}
	if len(filter.EventTypes) > 0 {
		clauses = append(clauses, "event_type IN ("+placeholders(len(filter.EventTypes))+")")
		for _, t := range filter.EventTypes {
			args = append(args, string(t))
		}
	}

	query := `
		SELECT id, mission_id, sequence, event_type, payload, timestamp, hash, prev_hash
		FROM journal_entries
	`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY timestamp ASC, mission_id ASC, sequence ASC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query journal entries: %w", err)
	}
	defer rows.Close()

	entries := []*engine.JournalEntry{}
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating journal entries: %w", err)
	}

	return entries, nil
}

// LastEntry returns the highest-sequence entry of a mission, or nil.
func (s *SQLiteStore) LastEntry(ctx context.Context, missionID string) (*engine.JournalEntry, error) {
	query := `
		SELECT id, mission_id, sequence, event_type, payload, timestamp, hash, prev_hash
		FROM journal_entries
		WHERE mission_id = ?
		ORDER BY sequence DESC
		LIMIT 1
	`

	entry, err := scanEntry(s.db.QueryRowContext(ctx, query, missionID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return entry, nil
}

// PurgeEntries deletes whole streams whose last entry is stamped before the
// cutoff, except for excluded missions.
func (s *SQLiteStore) PurgeEntries(ctx context.Context, before time.Time, exclude []string) (deleted int64, err error) {
	tx, err := s.BeginTx(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = s.RollbackTx(tx)
		}
	}()

	query := `
		DELETE FROM journal_entries
		WHERE mission_id IN (
			SELECT mission_id FROM journal_entries
			GROUP BY mission_id
			HAVING MAX(timestamp) < ?
		)
	`
	args := []interface{}{before.UnixNano()}
	if len(exclude) > 0 {
		query += " AND mission_id NOT IN (" + placeholders(len(exclude)) + ")"
		for _, id := range exclude {
			args = append(args, id)
		}
	}

	result, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to purge journal entries: %w", err)
	}
	deleted, err = result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count purged entries: %w", err)
	}

	if err = s.CommitTx(tx); err != nil {
		return 0, fmt.Errorf("failed to commit purge: %w", err)
	}
	return deleted, nil
}

// ListStreams summarizes journal streams, most recently active first.
func (s *SQLiteStore) ListStreams(ctx context.Context, limit, offset int) ([]*StreamSummary, error) {
	query := `
		SELECT mission_id, COUNT(*), MAX(sequence), MIN(timestamp), MAX(timestamp)
		FROM journal_entries
		GROUP BY mission_id
		ORDER BY MAX(timestamp) DESC
		LIMIT ? OFFSET ?
	`

	rows, err := s.db.QueryContext(ctx, query, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list journal streams: %w", err)
	}
	defer rows.Close()

	streams := []*StreamSummary{}
	for rows.Next() {
		var (
			summary     StreamSummary
			first, last int64
		)
		if err := rows.Scan(&summary.MissionID, &summary.Entries, &summary.LastSequence, &first, &last); err != nil {
			return nil, fmt.Errorf("failed to scan journal stream: %w", err)
		}
		summary.FirstAt = time.Unix(0, first).UTC()
		summary.LastAt = time.Unix(0, last).UTC()
		streams = append(streams, &summary)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating journal streams: %w", err)
	}

	return streams, nil
}

// CreateAuditEntry creates a new audit log entry
func (s *SQLiteStore) CreateAuditEntry(ctx context.Context, entry *AuditEntry) error {
	query := `
		INSERT INTO audit (action, actor, target_id, details, ip_address, timestamp)
		VALUES (?, ?, ?, ?, ?, ?)
	`

	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}

	result, err := s.db.ExecContext(ctx, query,
		entry.Action,
		entry.Actor,
		entry.TargetID,
		entry.Details,
		entry.IPAddress,
		entry.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("failed to create audit entry: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get audit entry ID: %w", err)
	}

	entry.ID = id
	return nil
}

// ListAuditEntries lists audit entries with optional filtering
func (s *SQLiteStore) ListAuditEntries(ctx context.Context, action *string, actor *string, limit, offset int) ([]*AuditEntry, error) {
	query := `
		SELECT id, action, actor, target_id, details, ip_address, timestamp
		FROM audit
		WHERE (? IS NULL OR action = ?)
		  AND (? IS NULL OR actor = ?)
		ORDER BY timestamp DESC
		LIMIT ? OFFSET ?
	`

	rows, err := s.db.QueryContext(ctx, query, action, action, actor, actor, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list audit entries: %w", err)
	}
	defer rows.Close()

	entries := []*AuditEntry{}
	for rows.Next() {
		entry := &AuditEntry{}
		err := rows.Scan(
			&entry.ID,
			&entry.Action,
			&entry.Actor,
			&entry.TargetID,
			&entry.Details,
			&entry.IPAddress,
			&entry.Timestamp,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", err)
		}
		entries = append(entries, entry)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating audit entries: %w", err)
	}

	return entries, nil
}

// HealthCheck performs a health check on the database
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	return s.db.PingContext(ctx)
}

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanEntry(row rowScanner) (*engine.JournalEntry, error) {
	var (
		entry     engine.JournalEntry
		eventType string
		payload   string
		timestamp int64
	)
	err := row.Scan(
		&entry.ID,
		&entry.MissionID,
		&entry.Sequence,
		&eventType,
		&payload,
		&timestamp,
		&entry.Hash,
		&entry.PrevHash,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan journal entry: %w", err)
	}

	entry.EventType = engine.JournalEventType(eventType)
	entry.Payload = []byte(payload)
	entry.Timestamp = time.Unix(0, timestamp).UTC()
	return &entry, nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}
