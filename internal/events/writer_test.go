package events

import (
	"context"
	"encoding/json"
	"testing"

	"fairquest/internal/db"
	"fairquest/internal/migrate"
)

func TestAppendAndRecent(t *testing.T) {
	workspace := t.TempDir()
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		t.Fatalf("ensure workspace: %v", err)
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	w := Writer{DB: conn}
	ctx := context.Background()
	for i, evt := range []struct {
		typ       string
		missionID string
	}{
		{"user.login", ""},
		{"mission.completed", "again"},
		{"ticket.used", "again"},
	} {
		tx, err := conn.BeginTx(ctx, nil)
		if err != nil {
			t.Fatalf("begin: %v", err)
		}
		if err := w.Append(ctx, tx, evt.typ, 1, evt.missionID, EventPayload{"seq": i}); err != nil {
			t.Fatalf("append %s: %v", evt.typ, err)
		}
		if err := tx.Commit(); err != nil {
			t.Fatalf("commit: %v", err)
		}
	}

	got, err := w.Recent(ctx, 2)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(got))
	}
	if got[0].Type != "ticket.used" || got[1].Type != "mission.completed" {
		t.Fatalf("expected newest first, got %s then %s", got[0].Type, got[1].Type)
	}
	if got[0].MissionID != "again" || got[0].UserID != 1 {
		t.Fatalf("row fields lost: %+v", got[0])
	}
	var payload map[string]any
	if err := json.Unmarshal([]byte(got[0].Payload), &payload); err != nil {
		t.Fatalf("payload not json: %v", err)
	}

	all, err := w.Recent(ctx, 0)
	if err != nil {
		t.Fatalf("recent default: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("default limit should return all 3, got %d", len(all))
	}
}
