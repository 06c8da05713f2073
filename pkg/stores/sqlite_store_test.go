package stores

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/droverops/drover/pkg/engine"
	"github.com/droverops/drover/pkg/facts"
)

var _ engine.Store = (*SQLiteStore)(nil)

// setupTestStore creates a migrated store on a temp file.
func setupTestStore(t *testing.T) *SQLiteStore {
	t.Helper()

	ctx := context.Background()
	store, err := Open(ctx, filepath.Join(t.TempDir(), "drover.db"))
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	return store
}

func testRun(id string, started time.Time) *engine.Run {
	return &engine.Run{
		ID:        id,
		Playbook:  "site.yml",
		Status:    engine.RunStatusRunning,
		StartedAt: started,
	}
}

// TestStoreLifecycle tests database initialization and closure
func TestStoreLifecycle(t *testing.T) {
	store, err := NewSQLiteStore(Config{
		Path: filepath.Join(t.TempDir(), "drover.db"),
	})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		t.Fatalf("failed to initialize store: %v", err)
	}

	if err := store.HealthCheck(ctx); err != nil {
		t.Fatalf("health check failed: %v", err)
	}

	if err := store.Close(); err != nil {
		t.Fatalf("failed to close store: %v", err)
	}
}

func TestStoreRequiresPath(t *testing.T) {
	if _, err := NewSQLiteStore(Config{}); err == nil {
		t.Fatal("expected error for empty path")
	}
}

// TestStoreMigrations tests database migrations
func TestStoreMigrations(t *testing.T) {
	store := setupTestStore(t)

	ctx := context.Background()

	tables := []string{"runs", "task_results", "facts"}
	for _, table := range tables {
		query := "SELECT COUNT(*) FROM " + table
		var count int
		err := store.db.QueryRowContext(ctx, query).Scan(&count)
		if err != nil {
			t.Errorf("table %s does not exist or is not accessible: %v", table, err)
		}
	}
}

func TestSaveRunLifecycle(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	// First save, as the runner does when the run starts.
	run := testRun("11111111-aaaa-4000-8000-000000000001", time.Now().UTC())
	run.CheckMode = true
	run.Limit = "web"
	if err := store.SaveRun(ctx, run); err != nil {
		t.Fatalf("failed to save run: %v", err)
	}

	retrieved, err := store.GetRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("failed to get run: %v", err)
	}
	if retrieved.Status != engine.RunStatusRunning {
		t.Errorf("expected status running, got %s", retrieved.Status)
	}
	if !retrieved.CheckMode {
		t.Error("expected check mode to round-trip")
	}
	if retrieved.Limit != "web" {
		t.Errorf("expected limit web, got %q", retrieved.Limit)
	}
	if retrieved.CompletedAt != nil {
		t.Error("expected no completion time on a running run")
	}

	// Second save, as the runner does when the run finishes.
	completed := run.StartedAt.Add(3 * time.Second)
	run.Status = engine.RunStatusChanged
	run.CompletedAt = &completed
	run.Duration = 3 * time.Second
	run.Summary = map[string]*engine.HostRecap{
		"web1": {Host: "web1", OK: 2, Changed: 1},
	}
	if err := store.SaveRun(ctx, run); err != nil {
		t.Fatalf("failed to finalize run: %v", err)
	}

	final, err := store.GetRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("failed to get finalized run: %v", err)
	}
	if final.Status != engine.RunStatusChanged {
		t.Errorf("expected status changed, got %s", final.Status)
	}
	if final.CompletedAt == nil {
		t.Error("expected completion time to be set")
	}
	if final.Duration != 3*time.Second {
		t.Errorf("expected duration 3s, got %s", final.Duration)
	}
	if final.Summary["web1"] == nil || final.Summary["web1"].Changed != 1 {
		t.Errorf("expected summary recap for web1, got %+v", final.Summary)
	}

	// The upsert must not have duplicated the row.
	runs, err := store.ListRuns(ctx, 10, 0)
	if err != nil {
		t.Fatalf("failed to list runs: %v", err)
	}
	if len(runs) != 1 {
		t.Errorf("expected 1 run after upsert, got %d", len(runs))
	}
}

func TestGetRunByPrefix(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	now := time.Now().UTC()
	for _, id := range []string{
		"11111111-aaaa-4000-8000-000000000001",
		"22222222-bbbb-4000-8000-000000000002",
	} {
		if err := store.SaveRun(ctx, testRun(id, now)); err != nil {
			t.Fatalf("failed to save run: %v", err)
		}
	}

	run, err := store.GetRun(ctx, "2222")
	if err != nil {
		t.Fatalf("failed to get run by prefix: %v", err)
	}
	if run.ID != "22222222-bbbb-4000-8000-000000000002" {
		t.Errorf("prefix resolved to wrong run: %s", run.ID)
	}

	if _, err := store.GetRun(ctx, "33333333"); err == nil {
		t.Error("expected error for unknown run id")
	}

	// An ambiguous prefix matches both runs.
	if _, err := store.GetRun(ctx, ""); err == nil {
		t.Error("expected error for ambiguous run id")
	}
}

func TestListRunsNewestFirst(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	base := time.Now().UTC().Add(-time.Hour)
	ids := []string{
		"11111111-aaaa-4000-8000-000000000001",
		"22222222-bbbb-4000-8000-000000000002",
		"33333333-cccc-4000-8000-000000000003",
	}
	for i, id := range ids {
		if err := store.SaveRun(ctx, testRun(id, base.Add(time.Duration(i)*time.Minute))); err != nil {
			t.Fatalf("failed to save run: %v", err)
		}
	}

	runs, err := store.ListRuns(ctx, 2, 0)
	if err != nil {
		t.Fatalf("failed to list runs: %v", err)
	}
	if len(runs) != 2 {
		t.Fatalf("expected 2 runs, got %d", len(runs))
	}
	if runs[0].ID != ids[2] || runs[1].ID != ids[1] {
		t.Errorf("expected newest first, got %s then %s", runs[0].ID, runs[1].ID)
	}

	rest, err := store.ListRuns(ctx, 2, 2)
	if err != nil {
		t.Fatalf("failed to list runs with offset: %v", err)
	}
	if len(rest) != 1 || rest[0].ID != ids[0] {
		t.Errorf("expected the oldest run at offset 2, got %+v", rest)
	}
}

func TestSaveStepRoundTrip(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	run := testRun("11111111-aaaa-4000-8000-000000000001", time.Now().UTC())
	if err := store.SaveRun(ctx, run); err != nil {
		t.Fatalf("failed to save run: %v", err)
	}

	steps := []*engine.StepResult{
		{
			RunID:     run.ID,
			Host:      "web1",
			Play:      "Configure web",
			Task:      "Install nginx",
			Module:    "apt",
			Status:    engine.StepChanged,
			Msg:       "installed nginx",
			Data:      map[string]any{"exit_code": float64(0), "stdout": "ok"},
			StartedAt: time.Now().UTC(),
			Duration:  120 * time.Millisecond,
		},
		{
			RunID:     run.ID,
			Host:      "web1",
			Play:      "Configure web",
			Task:      "Restart nginx",
			Module:    "service",
			Status:    engine.StepFailed,
			Err:       "command exited 1: unit not found",
			Handler:   true,
			Delegated: "localhost",
			StartedAt: time.Now().UTC(),
		},
	}
	for _, step := range steps {
		if err := store.SaveStep(ctx, step); err != nil {
			t.Fatalf("failed to save step: %v", err)
		}
	}

	listed, err := store.ListSteps(ctx, run.ID)
	if err != nil {
		t.Fatalf("failed to list steps: %v", err)
	}
	if len(listed) != 2 {
		t.Fatalf("expected 2 steps, got %d", len(listed))
	}

	first := listed[0]
	if first.Task != "Install nginx" || first.Status != engine.StepChanged {
		t.Errorf("first step mismatch: %+v", first)
	}
	if first.Data["stdout"] != "ok" || first.Data["exit_code"] != float64(0) {
		t.Errorf("step data did not round-trip: %+v", first.Data)
	}
	if first.Duration != 120*time.Millisecond {
		t.Errorf("expected duration 120ms, got %s", first.Duration)
	}

	second := listed[1]
	if !second.Handler || second.Delegated != "localhost" {
		t.Errorf("handler step mismatch: %+v", second)
	}
	if second.Err != "command exited 1: unit not found" {
		t.Errorf("error did not round-trip: %q", second.Err)
	}

	// The changed column mirrors the status.
	var changed int
	err = store.db.QueryRowContext(ctx,
		"SELECT changed FROM task_results WHERE task = ?", "Install nginx").Scan(&changed)
	if err != nil {
		t.Fatalf("failed to read changed column: %v", err)
	}
	if changed != 1 {
		t.Errorf("expected changed=1 for a changed step, got %d", changed)
	}
}

// TestDeleteRunCascades tests foreign key cascading
func TestDeleteRunCascades(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	run := testRun("11111111-aaaa-4000-8000-000000000001", time.Now().UTC())
	if err := store.SaveRun(ctx, run); err != nil {
		t.Fatalf("failed to save run: %v", err)
	}
	step := &engine.StepResult{
		RunID:     run.ID,
		Host:      "web1",
		Play:      "Configure web",
		Task:      "Install nginx",
		Module:    "apt",
		Status:    engine.StepOK,
		StartedAt: time.Now().UTC(),
	}
	if err := store.SaveStep(ctx, step); err != nil {
		t.Fatalf("failed to save step: %v", err)
	}

	if err := store.DeleteRun(ctx, run.ID); err != nil {
		t.Fatalf("failed to delete run: %v", err)
	}

	if _, err := store.GetRun(ctx, run.ID); err == nil {
		t.Error("expected error when getting deleted run")
	}

	steps, err := store.ListSteps(ctx, run.ID)
	if err != nil {
		t.Fatalf("failed to list steps: %v", err)
	}
	if len(steps) != 0 {
		t.Errorf("expected 0 steps after cascade delete, got %d", len(steps))
	}

	if err := store.DeleteRun(ctx, run.ID); err == nil {
		t.Error("expected error when deleting a missing run")
	}
}

func TestPruneRuns(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	base := time.Now().UTC().Add(-time.Hour)
	ids := []string{
		"11111111-aaaa-4000-8000-000000000001",
		"22222222-bbbb-4000-8000-000000000002",
		"33333333-cccc-4000-8000-000000000003",
	}
	for i, id := range ids {
		if err := store.SaveRun(ctx, testRun(id, base.Add(time.Duration(i)*time.Minute))); err != nil {
			t.Fatalf("failed to save run: %v", err)
		}
	}

	pruned, err := store.PruneRuns(ctx, 1)
	if err != nil {
		t.Fatalf("failed to prune runs: %v", err)
	}
	if pruned != 2 {
		t.Errorf("expected 2 pruned runs, got %d", pruned)
	}

	runs, err := store.ListRuns(ctx, 10, 0)
	if err != nil {
		t.Fatalf("failed to list runs: %v", err)
	}
	if len(runs) != 1 || runs[0].ID != ids[2] {
		t.Errorf("expected only the newest run to survive, got %+v", runs)
	}
}

// TestFactsCacheAndExpiry tests fact persistence including TTL
func TestFactsCacheAndExpiry(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	collected := &facts.Facts{
		Hostname:            "web1",
		FQDN:                "web1.example.com",
		OSFamily:            "Debian",
		Distribution:        "debian",
		DistributionVersion: "12",
		Kernel:              "6.1.0-18-amd64",
		Architecture:        "x86_64",
		IPv4Address:         "10.0.0.11",
		DefaultInterface:    "eth0",
		MemoryMB:            2048,
		CPUs:                2,
		PackageManager:      "apt-get",
		InitSystem:          "systemd",
	}

	if err := store.SaveFacts(ctx, "web1", collected); err != nil {
		t.Fatalf("failed to save facts: %v", err)
	}

	cached, err := store.HostFacts(ctx, "web1")
	if err != nil {
		t.Fatalf("failed to read facts: %v", err)
	}
	if len(cached) != 13 {
		t.Errorf("expected 13 cached facts, got %d", len(cached))
	}
	if cached["os_family"] != "Debian" {
		t.Errorf("expected os_family Debian, got %v", cached["os_family"])
	}
	// Numbers come back as JSON numbers.
	if cached["memory_mb"] != float64(2048) {
		t.Errorf("expected memory_mb 2048, got %v", cached["memory_mb"])
	}

	// A second save refreshes rather than duplicates.
	collected.MemoryMB = 4096
	if err := store.SaveFacts(ctx, "web1", collected); err != nil {
		t.Fatalf("failed to refresh facts: %v", err)
	}
	refreshed, err := store.HostFacts(ctx, "web1")
	if err != nil {
		t.Fatalf("failed to read refreshed facts: %v", err)
	}
	if len(refreshed) != 13 || refreshed["memory_mb"] != float64(4096) {
		t.Errorf("expected refreshed memory_mb 4096 in 13 facts, got %v in %d", refreshed["memory_mb"], len(refreshed))
	}

	// Force everything past its expiry.
	_, err = store.db.ExecContext(ctx, "UPDATE facts SET expires_at = datetime('now', '-1 hour')")
	if err != nil {
		t.Fatalf("failed to expire facts: %v", err)
	}

	expired, err := store.HostFacts(ctx, "web1")
	if err != nil {
		t.Fatalf("failed to read expired facts: %v", err)
	}
	if len(expired) != 0 {
		t.Errorf("expected no unexpired facts, got %d", len(expired))
	}

	pruned, err := store.PruneExpiredFacts(ctx)
	if err != nil {
		t.Fatalf("failed to prune facts: %v", err)
	}
	if pruned != 13 {
		t.Errorf("expected 13 pruned facts, got %d", pruned)
	}
}
