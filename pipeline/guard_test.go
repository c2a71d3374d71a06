package pipeline

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	log "github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"

	"tasksync/domain"
	"tasksync/storage"
)

func TestStaleWriterGetsConflict(t *testing.T) {
	p := newTestPipeline(t)
	p.seedAtVersion(t, "t1", 3, "old")
	ctx := context.Background()

	res, err := p.service.Update(ctx, Proposal{TaskID: "t1", ExpectedVersion: 3, ActorID: "alice", Changes: domain.ChangeSet{Title: strPtr("new")}})
	if err != nil {
		t.Fatalf("update A: %v", err)
	}
	if res.Task.Version != 4 || res.Task.Title != "new" {
		t.Fatalf("unexpected result %+v", res.Task)
	}

	_, err = p.service.Update(ctx, Proposal{TaskID: "t1", ExpectedVersion: 3, ActorID: "bob", Changes: domain.ChangeSet{Priority: priorityPtr(domain.PriorityHigh)}})
	var conflict *domain.ConflictError
	if !errors.As(err, &conflict) || conflict.Current != 4 || conflict.Expected != 3 {
		t.Fatalf("expected conflict at version 4, got %v", err)
	}

	task, _ := p.store.GetTask(ctx, "t1")
	if task.Version != 4 || task.Title != "new" || task.Priority != domain.PriorityMedium {
		t.Fatalf("stale write leaked into %+v", task)
	}

	history, _ := p.store.TaskHistory(ctx, "t1")
	if len(history) != 1 || history[0].FieldName != "title" || string(history[0].OldValue) != `"old"` || string(history[0].NewValue) != `"new"` {
		t.Fatalf("unexpected history %+v", history)
	}
	if p.bcast.changeCount() != 1 {
		t.Fatalf("conflict must not broadcast, got %d events", p.bcast.changeCount())
	}

	last := p.hook.LastEntry()
	if last == nil || last.Level != log.DebugLevel || last.Message != "version conflict" {
		t.Fatalf("expected conflict logged at debug, got %+v", last)
	}
}

func TestGuardRejectsWithoutEditRights(t *testing.T) {
	p := newTestPipeline(t)
	p.seedAtVersion(t, "t1", 1, "plan")
	ctx := context.Background()

	for _, actor := range []string{"vera", "mallory"} {
		_, err := p.service.Update(ctx, Proposal{TaskID: "t1", ExpectedVersion: 1, ActorID: actor, Changes: domain.ChangeSet{Title: strPtr("x")}})
		if !errors.Is(err, domain.ErrForbidden) {
			t.Fatalf("%s: expected forbidden, got %v", actor, err)
		}
	}
	task, _ := p.store.GetTask(ctx, "t1")
	history, _ := p.store.TaskHistory(ctx, "t1")
	if task.Version != 1 || len(history) != 0 {
		t.Fatalf("rejected writes must leave no trace, version=%d history=%d", task.Version, len(history))
	}
}

func TestGuardValidation(t *testing.T) {
	p := newTestPipeline(t)
	p.seedAtVersion(t, "t1", 1, "plan")
	ctx := context.Background()

	cases := []struct {
		name    string
		changes domain.ChangeSet
		field   string
	}{
		{"empty", domain.ChangeSet{}, ""},
		{"blank title", domain.ChangeSet{Title: strPtr("   ")}, "title"},
		{"bad status", domain.ChangeSet{Status: statusPtr("archived")}, "status"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := p.service.Update(ctx, Proposal{TaskID: "t1", ExpectedVersion: 1, ActorID: "alice", Changes: tc.changes})
			var ve *domain.ValidationError
			if !errors.As(err, &ve) || ve.Field != tc.field {
				t.Fatalf("expected validation error on %q, got %v", tc.field, err)
			}
		})
	}
}

func TestGuardMissingTask(t *testing.T) {
	p := newTestPipeline(t)
	_, err := p.service.Update(context.Background(), Proposal{TaskID: "nope", ExpectedVersion: 1, ActorID: "alice", Changes: domain.ChangeSet{Title: strPtr("x")}})
	if !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestConcurrentWritersOneCommitPerVersion(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 30
	properties := gopter.NewProperties(parameters)

	properties.Property("exactly one writer commits per version step", prop.ForAll(
		func(writers, rounds int) bool {
			logger, _ := test.NewNullLogger()
			store := storage.NewMemoryStore()
			ctx := context.Background()
			if _, err := store.CreateTask(ctx, domain.Task{ID: "t", WorkspaceID: "w", Fields: domain.Fields{Title: "start"}}); err != nil {
				return false
			}
			guard := NewGuard(store, nil, logger)

			total := 0
			for r := 0; r < rounds; r++ {
				current, _ := store.GetTask(ctx, "t")
				var (
					wg         sync.WaitGroup
					mu         sync.Mutex
					committed  int
					unexpected bool
				)
				for w := 0; w < writers; w++ {
					wg.Add(1)
					go func(w int) {
						defer wg.Done()
						title := string(rune('a' + w))
						_, err := guard.Update(ctx, Proposal{TaskID: "t", ExpectedVersion: current.Version, ActorID: "u", Changes: domain.ChangeSet{Title: &title}})
						mu.Lock()
						defer mu.Unlock()
						switch {
						case err == nil:
							committed++
						case !domain.IsConflict(err):
							unexpected = true
						}
					}(w)
				}
				wg.Wait()
				if committed != 1 || unexpected {
					return false
				}
				total += committed
			}
			final, _ := store.GetTask(ctx, "t")
			return final.Version == int64(1+total)
		},
		gen.IntRange(2, 12),
		gen.IntRange(1, 5),
	))

	properties.TestingRun(t)
}

func TestReadAfterWriteReturnsAcceptedFields(t *testing.T) {
	p := newTestPipeline(t)
	p.seedAtVersion(t, "t1", 2, "plan")
	ctx := context.Background()

	res, err := p.service.Update(ctx, Proposal{
		TaskID: "t1", ExpectedVersion: 2, ActorID: "alice",
		Changes: domain.ChangeSet{
			Status:       statusPtr(domain.StatusReview),
			AddTags:      []string{"ops", "ui"},
			AddWatchers:  []string{"bob"},
			CustomFields: map[string]any{"points": 3},
		},
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	got, err := p.service.Get(ctx, "t1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Version != 3 || got.Status != domain.StatusReview || len(got.Tags) != 2 || got.Watchers[0] != "bob" || got.CustomFields["points"] != 3 {
		t.Fatalf("read-after-write mismatch %+v", got)
	}
	if got.Version != res.Task.Version {
		t.Fatalf("returned version %d, stored %d", res.Task.Version, got.Version)
	}
}
