package audit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"

	"tasksync/domain"
	"tasksync/storage"
)

type flakyHistory struct {
	storage.HistoryStore
	mu       sync.Mutex
	failures int
	calls    int
	written  []domain.HistoryEntry
}

func (f *flakyHistory) AppendHistory(_ context.Context, entries []domain.HistoryEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.calls <= f.failures {
		return errors.New("connection reset")
	}
	f.written = append(f.written, entries...)
	return nil
}

func TestEntriesOnePerChange(t *testing.T) {
	ts := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	entries, err := Entries(Record{
		ActorID:     "alice",
		TaskID:      "t1",
		TaskVersion: 4,
		Action:      domain.ActionUpdated,
		Timestamp:   ts,
		Changes: []domain.Change{
			{Field: "title", Op: domain.OpSet, OldValue: "old", NewValue: "new"},
			{Field: "assignees", Op: domain.OpAdd, NewValue: "bob"},
			{Field: "tags", Op: domain.OpRemove, OldValue: "x"},
		},
	})
	if err != nil {
		t.Fatalf("entries: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(entries))
	}
	want := []domain.Action{domain.ActionUpdated, domain.ActionAdded, domain.ActionRemoved}
	for i, e := range entries {
		if e.Action != want[i] {
			t.Fatalf("entry %d: expected %s, got %s", i, want[i], e.Action)
		}
		if e.TaskVersion != 4 || e.ActorID != "alice" || !e.CreatedAt.Equal(ts) || e.ID == "" {
			t.Fatalf("entry %d missing metadata: %+v", i, e)
		}
	}
	if string(entries[0].OldValue) != `"old"` || string(entries[0].NewValue) != `"new"` {
		t.Fatalf("unexpected title values %s -> %s", entries[0].OldValue, entries[0].NewValue)
	}
	if entries[1].OldValue != nil || string(entries[1].NewValue) != `"bob"` {
		t.Fatalf("unexpected add values %+v", entries[1])
	}
}

func TestEntriesActionOnly(t *testing.T) {
	entries, err := Entries(Record{ActorID: "bob", TaskID: "t1", TaskVersion: 1, Action: domain.ActionCreated})
	if err != nil {
		t.Fatalf("entries: %v", err)
	}
	if len(entries) != 1 || entries[0].Action != domain.ActionCreated || entries[0].FieldName != "" {
		t.Fatalf("expected single action-only entry, got %+v", entries)
	}

	entries, _ = Entries(Record{ActorID: "bob", TaskID: "t1", Action: domain.ActionCommented, Detail: map[string]string{"commentId": "c1"}})
	if string(entries[0].NewValue) != `{"commentId":"c1"}` {
		t.Fatalf("expected detail stored as new value, got %s", entries[0].NewValue)
	}
}

func TestEntriesKeepExplicitAction(t *testing.T) {
	entries, _ := Entries(Record{
		ActorID: "bob", TaskID: "t1", Action: domain.ActionCommentAssigned,
		Changes: []domain.Change{{Field: "comment.assigned_to", Op: domain.OpSet, OldValue: "", NewValue: "carol"}},
	})
	if entries[0].Action != domain.ActionCommentAssigned {
		t.Fatalf("expected comment_assigned, got %s", entries[0].Action)
	}
}

func TestWriterRetriesTransientFailures(t *testing.T) {
	logger, hook := test.NewNullLogger()
	store := &flakyHistory{failures: 2}
	w := NewWriter(store, logger, 3)
	w.retryInitial = time.Millisecond
	w.retryMax = 2 * time.Millisecond

	entries, err := w.Record(context.Background(), Record{ActorID: "a", TaskID: "t1", TaskVersion: 2, Action: domain.ActionDeleted})
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	if store.calls != 3 || len(store.written) != 1 || len(entries) != 1 {
		t.Fatalf("expected success on third attempt, calls=%d written=%d", store.calls, len(store.written))
	}
	if len(hook.AllEntries()) != 2 {
		t.Fatalf("expected two retry warnings, got %d", len(hook.AllEntries()))
	}
}

func TestWriterLogsFinalFailure(t *testing.T) {
	logger, hook := test.NewNullLogger()
	store := &flakyHistory{failures: 10}
	w := NewWriter(store, logger, 1)
	w.retryInitial = time.Millisecond

	if _, err := w.Record(context.Background(), Record{ActorID: "a", TaskID: "t1", Action: domain.ActionCreated}); err == nil {
		t.Fatalf("expected failure after retries")
	}
	if store.calls != 2 {
		t.Fatalf("expected 2 attempts, got %d", store.calls)
	}
	last := hook.LastEntry()
	if last == nil || last.Message != "audit append failed" || last.Data["task"] != "t1" {
		t.Fatalf("expected final failure logged, got %+v", last)
	}
}

func TestReaderActivityEnrichesActors(t *testing.T) {
	store := storage.NewMemoryStore()
	ctx := context.Background()
	if _, err := store.CreateTask(ctx, domain.Task{ID: "t1", WorkspaceID: "w1", Fields: domain.Fields{Title: "Plan"}}); err != nil {
		t.Fatalf("create: %v", err)
	}
	_ = store.AppendHistory(ctx, []domain.HistoryEntry{{ID: "h1", TaskID: "t1", TaskVersion: 1, ActorID: "dave", Action: domain.ActionCreated, CreatedAt: time.Now()}})

	directory := storage.NewMemoryStore()
	_ = directory.UpsertMember(ctx, domain.Member{WorkspaceID: "w1", UserID: "dave", DisplayName: "Dave D", AvatarURL: "https://img/dave"})

	page, err := NewReader(store, directory).Activity(ctx, domain.ActivityFilter{WorkspaceID: "w1", PerPage: 1000})
	if err != nil {
		t.Fatalf("activity: %v", err)
	}
	if page.PerPage != maxPerPage || page.Page != 1 || page.Total != 1 {
		t.Fatalf("unexpected paging %+v", page)
	}
	if page.Items[0].ActorName != "Dave D" || page.Items[0].ActorAvatar != "https://img/dave" {
		t.Fatalf("expected enriched actor, got %+v", page.Items[0])
	}
}
