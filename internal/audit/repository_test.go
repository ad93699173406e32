package audit

import (
	"context"
	"database/sql"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// setupTestDB creates an in-memory SQLite database with the audit_logs table.
func setupTestDB(t *testing.T) *sql.DB {
	t.Helper()

	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}

	schema := `
		CREATE TABLE audit_logs (
			id TEXT PRIMARY KEY,
			action TEXT NOT NULL,
			entity_type TEXT NOT NULL,
			entity_id TEXT,
			user_id TEXT,
			source TEXT NOT NULL,
			details TEXT,
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
	`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		t.Fatalf("failed to create test schema: %v", err)
	}

	t.Cleanup(func() {
		db.Close()
	})

	return db
}

func TestCreateAndList(t *testing.T) {
	repo := NewSQLiteRepository(setupTestDB(t))
	ctx := context.Background()

	entry := &Entry{
		Action:   ActionLaunch,
		EntityID: "run-1",
		UserID:   "alice",
		Source:   SourceAPI,
		Details:  map[string]any{"command": "/bin/sleep 30"},
	}
	if err := repo.Create(ctx, entry); err != nil {
		t.Fatalf("Create() error: %v", err)
	}
	if entry.ID == "" {
		t.Error("expected a generated ID")
	}
	if entry.EntityType != EntityProcess {
		t.Errorf("entity type = %q, want %q", entry.EntityType, EntityProcess)
	}

	result, err := repo.List(ctx, Filter{})
	if err != nil {
		t.Fatalf("List() error: %v", err)
	}
	if result.Total != 1 {
		t.Fatalf("total = %d, want 1", result.Total)
	}

	got := result.Entries[0]
	if got.Action != ActionLaunch {
		t.Errorf("action = %q, want %q", got.Action, ActionLaunch)
	}
	if got.UserID != "alice" {
		t.Errorf("user_id = %q, want alice", got.UserID)
	}
	if got.Details["command"] != "/bin/sleep 30" {
		t.Errorf("details.command = %v, want /bin/sleep 30", got.Details["command"])
	}
}

func TestList_Filters(t *testing.T) {
	repo := NewSQLiteRepository(setupTestDB(t))
	ctx := context.Background()

	base := time.Now().UTC()
	seed := []*Entry{
		{Action: ActionLaunch, EntityID: "run-1", UserID: "alice", Source: SourceAPI, CreatedAt: base},
		{Action: ActionDestroy, EntityID: "run-1", UserID: "bob", Source: SourceAPI, CreatedAt: base.Add(time.Second)},
		{Action: ActionLaunch, EntityID: "run-2", UserID: "alice", Source: SourceAPI, CreatedAt: base.Add(2 * time.Second)},
	}
	for _, entry := range seed {
		if err := repo.Create(ctx, entry); err != nil {
			t.Fatalf("Create() error: %v", err)
		}
	}

	tests := []struct {
		name   string
		filter Filter
		want   int
	}{
		{"no filter", Filter{}, 3},
		{"by action", Filter{Action: ActionLaunch}, 2},
		{"by entity", Filter{EntityID: "run-1"}, 2},
		{"by user", Filter{UserID: "alice"}, 2},
		{"combined", Filter{Action: ActionLaunch, EntityID: "run-2"}, 1},
		{"no match", Filter{EntityID: "run-404"}, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := repo.List(ctx, tt.filter)
			if err != nil {
				t.Fatalf("List() error: %v", err)
			}
			if result.Total != tt.want {
				t.Errorf("total = %d, want %d", result.Total, tt.want)
			}
		})
	}
}

func TestList_OrderAndPagination(t *testing.T) {
	repo := NewSQLiteRepository(setupTestDB(t))
	ctx := context.Background()

	base := time.Now().UTC()
	for i, id := range []string{"run-a", "run-b", "run-c"} {
		entry := &Entry{
			Action:    ActionLaunch,
			EntityID:  id,
			Source:    SourceAPI,
			CreatedAt: base.Add(time.Duration(i) * time.Second),
		}
		if err := repo.Create(ctx, entry); err != nil {
			t.Fatalf("Create() error: %v", err)
		}
	}

	result, err := repo.List(ctx, Filter{Limit: 2})
	if err != nil {
		t.Fatalf("List() error: %v", err)
	}
	if len(result.Entries) != 2 {
		t.Fatalf("got %d entries, want 2", len(result.Entries))
	}
	if result.Total != 3 {
		t.Errorf("total = %d, want 3", result.Total)
	}
	// Most recent first.
	if result.Entries[0].EntityID != "run-c" {
		t.Errorf("first entry = %q, want run-c", result.Entries[0].EntityID)
	}

	page2, err := repo.List(ctx, Filter{Limit: 2, Offset: 2})
	if err != nil {
		t.Fatalf("List() error: %v", err)
	}
	if len(page2.Entries) != 1 {
		t.Fatalf("got %d entries on page 2, want 1", len(page2.Entries))
	}
	if page2.Entries[0].EntityID != "run-a" {
		t.Errorf("page 2 entry = %q, want run-a", page2.Entries[0].EntityID)
	}
}
