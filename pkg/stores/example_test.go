package stores_test

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/openfroyo/missionctl/pkg/engine"
	"github.com/openfroyo/missionctl/pkg/journal"
	"github.com/openfroyo/missionctl/pkg/stores"
	"github.com/rs/zerolog"
)

// ExampleNewSQLiteStore demonstrates creating and initializing a new SQLite store.
func ExampleNewSQLiteStore() {
	// Create store configuration
	store, err := stores.NewSQLiteStore(stores.Config{
		Path:            ":memory:", // Use in-memory database for example
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
	})
	if err != nil {
		log.Fatal(err)
	}

	// Initialize the database connection
	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		log.Fatal(err)
	}

	// Run migrations
	if err := store.Migrate(ctx); err != nil {
		log.Fatal(err)
	}

	defer store.Close()

	// Store is now ready to use
	fmt.Println("Store initialized successfully")
	// Output: Store initialized successfully
}

// ExampleSQLiteStore_AppendEntry demonstrates backing the mission journal with SQLite.
func ExampleSQLiteStore_AppendEntry() {
	store, _ := stores.NewSQLiteStore(stores.Config{Path: ":memory:"})
	ctx := context.Background()
	_ = store.Init(ctx)
	_ = store.Migrate(ctx)
	defer store.Close()

	j := journal.New(store, zerolog.Nop())

	for _, msg := range []string{"green environment ready", "traffic switched"} {
		entry, err := engine.NewJournalEntry("mission-001", engine.EventMissionWarning, engine.MessageEvent{Message: msg})
		if err != nil {
			log.Fatal(err)
		}
		if err := j.Append(ctx, entry); err != nil {
			log.Fatal(err)
		}
	}

	entries, err := j.Query(ctx, journal.Query{MissionID: "mission-001"})
	if err != nil {
		log.Fatal(err)
	}
	verified, err := j.Verify(ctx, "mission-001")
	if err != nil {
		log.Fatal(err)
	}

	fmt.Printf("Entries: %d, last sequence: %d, verified: %d\n", len(entries), entries[len(entries)-1].Sequence, verified)
	// Output: Entries: 2, last sequence: 2, verified: 2
}

// ExampleSQLiteStore_CreateAuditEntry demonstrates recording operator actions.
func ExampleSQLiteStore_CreateAuditEntry() {
	store, _ := stores.NewSQLiteStore(stores.Config{Path: ":memory:"})
	ctx := context.Background()
	_ = store.Init(ctx)
	_ = store.Migrate(ctx)
	defer store.Close()

	target := "mission-001"
	entry := &stores.AuditEntry{
		Action:   "mission.cancelled",
		Actor:    "operator",
		TargetID: &target,
	}
	if err := store.CreateAuditEntry(ctx, entry); err != nil {
		log.Fatal(err)
	}

	entries, err := store.ListAuditEntries(ctx, nil, nil, 10, 0)
	if err != nil {
		log.Fatal(err)
	}

	fmt.Printf("Audit: %s by %s on %s\n", entries[0].Action, entries[0].Actor, *entries[0].TargetID)
	// Output: Audit: mission.cancelled by operator on mission-001
}
