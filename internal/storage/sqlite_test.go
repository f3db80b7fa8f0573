package storage

// Round-trip tests against a real sqlite database. The sqlmock tests in
// sql_test.go verify query shapes; these verify the rows that actually come
// back, which is where column/scan mismatches hide.

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/foremanlabs/foreman/pkg/models"
)

func newSQLiteStore(t *testing.T) *SQLStore {
	t.Helper()
	store, err := NewSQLite(filepath.Join(t.TempDir(), "foreman.db"))
	if err != nil {
		t.Fatalf("NewSQLite: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	if err := store.Migrate(context.Background()); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	return store
}

func TestSQLiteEventRoundTrip(t *testing.T) {
	store := newSQLiteStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)

	thread := &models.Thread{OwnerID: 1, Title: "disks", CreatedAt: now, UpdatedAt: now}
	if err := store.CreateThread(ctx, thread); err != nil {
		t.Fatalf("CreateThread: %v", err)
	}
	run := &models.Run{
		PublicID:  "run_7f3a9c",
		OwnerID:   1,
		ThreadID:  thread.ID,
		Status:    models.RunQueued,
		Model:     "fake-large",
		CreatedAt: now,
	}
	if err := store.CreateRun(ctx, run); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}

	appended := []*models.RunEvent{
		{RunID: run.ID, RunPublicID: run.PublicID, Type: models.EventSupervisorStarted, Timestamp: now, Payload: json.RawMessage(`{"task":"check disks"}`)},
		{RunID: run.ID, RunPublicID: run.PublicID, Type: models.EventSupervisorIteration, Timestamp: now, Payload: json.RawMessage(`{"iteration":1}`)},
	}
	for i, ev := range appended {
		if err := store.AppendEvent(ctx, ev); err != nil {
			t.Fatalf("AppendEvent[%d]: %v", i, err)
		}
		if ev.EventID != int64(i+1) {
			t.Fatalf("AppendEvent[%d] allocated id %d, want %d", i, ev.EventID, i+1)
		}
	}

	events, err := store.ListEvents(ctx, run.ID, 0, 0)
	if err != nil {
		t.Fatalf("ListEvents: %v", err)
	}
	if len(events) != len(appended) {
		t.Fatalf("got %d events, want %d", len(events), len(appended))
	}
	for i, ev := range events {
		if ev.RunPublicID != run.PublicID {
			t.Errorf("event[%d] run_public_id = %q, want %q", i, ev.RunPublicID, run.PublicID)
		}
		if ev.RunID != run.ID || ev.EventID != int64(i+1) {
			t.Errorf("event[%d] = run %d id %d, want run %d id %d", i, ev.RunID, ev.EventID, run.ID, i+1)
		}
		if ev.Type != appended[i].Type {
			t.Errorf("event[%d] type = %s, want %s", i, ev.Type, appended[i].Type)
		}
		if string(ev.Payload) != string(appended[i].Payload) {
			t.Errorf("event[%d] payload = %s, want %s", i, ev.Payload, appended[i].Payload)
		}
	}

	// The cursor and latest-id paths the stream handler leans on.
	tail, err := store.ListEvents(ctx, run.ID, 1, 0)
	if err != nil {
		t.Fatalf("ListEvents(after=1): %v", err)
	}
	if len(tail) != 1 || tail[0].EventID != 2 || tail[0].RunPublicID != run.PublicID {
		t.Errorf("tail = %+v, want one event with id 2 and the run's public id", tail)
	}
	latest, err := store.LatestEventID(ctx, run.ID)
	if err != nil {
		t.Fatalf("LatestEventID: %v", err)
	}
	if latest != 2 {
		t.Errorf("latest event id = %d, want 2", latest)
	}
}
