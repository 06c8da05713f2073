package stores_test

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/droverops/drover/pkg/engine"
	"github.com/droverops/drover/pkg/stores"
)

// ExampleOpen demonstrates opening a migrated store in one call.
func ExampleOpen() {
	dir, err := os.MkdirTemp("", "drover-store")
	if err != nil {
		log.Fatal(err)
	}
	defer os.RemoveAll(dir)

	ctx := context.Background()
	store, err := stores.Open(ctx, filepath.Join(dir, "drover.db"))
	if err != nil {
		log.Fatal(err)
	}
	defer store.Close()

	runs, err := store.ListRuns(ctx, 10, 0)
	if err != nil {
		log.Fatal(err)
	}

	fmt.Printf("runs recorded: %d\n", len(runs))
	// Output: runs recorded: 0
}

// ExampleSQLiteStore_SaveRun demonstrates recording a run and reading
// it back.
func ExampleSQLiteStore_SaveRun() {
	dir, err := os.MkdirTemp("", "drover-store")
	if err != nil {
		log.Fatal(err)
	}
	defer os.RemoveAll(dir)

	ctx := context.Background()
	store, err := stores.Open(ctx, filepath.Join(dir, "drover.db"))
	if err != nil {
		log.Fatal(err)
	}
	defer store.Close()

	run := &engine.Run{
		ID:        "f2b3a1c4-0000-4000-8000-000000000001",
		Playbook:  "site.yml",
		Status:    engine.RunStatusRunning,
		StartedAt: time.Now().UTC(),
	}
	if err := store.SaveRun(ctx, run); err != nil {
		log.Fatal(err)
	}

	retrieved, err := store.GetRun(ctx, "f2b3a1c4")
	if err != nil {
		log.Fatal(err)
	}

	fmt.Printf("playbook: %s, status: %s\n", retrieved.Playbook, retrieved.Status)
	// Output: playbook: site.yml, status: running
}
