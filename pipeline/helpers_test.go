package pipeline

import (
	"context"
	"sync"
	"testing"

	log "github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"

	"tasksync/audit"
	"tasksync/domain"
	"tasksync/notify"
	"tasksync/storage"
)

type recordingBroadcaster struct {
	mu            sync.Mutex
	changes       []domain.ChangeEvent
	comments      []domain.Comment
	notifications []domain.Notification
}

func (b *recordingBroadcaster) PublishChange(ev domain.ChangeEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.changes = append(b.changes, ev)
}

func (b *recordingBroadcaster) PublishComment(_ string, c domain.Comment) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.comments = append(b.comments, c)
}

func (b *recordingBroadcaster) PublishNotification(n domain.Notification) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.notifications = append(b.notifications, n)
}

func (b *recordingBroadcaster) changeCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.changes)
}

type testPipeline struct {
	service *Service
	store   *storage.MemoryStore
	bcast   *recordingBroadcaster
	hook    *test.Hook
}

func newTestPipeline(t *testing.T) *testPipeline {
	t.Helper()
	logger, hook := test.NewNullLogger()
	logger.SetLevel(log.DebugLevel)
	store := storage.NewMemoryStore()
	ctx := context.Background()
	for _, m := range []domain.Member{
		{WorkspaceID: "w1", UserID: "alice", Username: "alice", Role: domain.RoleMember},
		{WorkspaceID: "w1", UserID: "bob", Username: "bob", Role: domain.RoleAdmin},
		{WorkspaceID: "w1", UserID: "vera", Username: "vera", Role: domain.RoleViewer},
	} {
		if err := store.UpsertMember(ctx, m); err != nil {
			t.Fatalf("seed member: %v", err)
		}
	}
	bcast := &recordingBroadcaster{}
	svc := NewService(Deps{
		Guard:       NewGuard(store, store, logger),
		Tasks:       store,
		Comments:    store,
		Audit:       audit.NewWriter(store, logger, 0),
		Router:      notify.NewRouter(store, store, bcast, logger),
		Broadcaster: bcast,
		Logger:      logger,
	})
	return &testPipeline{service: svc, store: store, bcast: bcast, hook: hook}
}

// seedAtVersion creates a task and bumps it until it reaches version.
func (p *testPipeline) seedAtVersion(t *testing.T, id string, version int64, title string) domain.Task {
	t.Helper()
	ctx := context.Background()
	task, err := p.store.CreateTask(ctx, domain.Task{ID: id, WorkspaceID: "w1", ListID: "l1", Fields: domain.Fields{Title: title}})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	for task.Version < version {
		if task, err = p.store.CompareAndSwap(ctx, id, task.Version, task.Fields, false); err != nil {
			t.Fatalf("bump: %v", err)
		}
	}
	return task
}

func strPtr(s string) *string { return &s }

func priorityPtr(p domain.Priority) *domain.Priority { return &p }

func statusPtr(s domain.Status) *domain.Status { return &s }
