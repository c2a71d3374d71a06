package pipeline

import (
	"context"
	"errors"
	"testing"
	"time"

	"tasksync/domain"
)

func TestCreateRecordsAndBroadcasts(t *testing.T) {
	p := newTestPipeline(t)
	ctx := context.Background()

	task, err := p.service.Create(ctx, CreateRequest{
		WorkspaceID: "w1", ListID: "l1", ActorID: "alice",
		Fields: domain.Fields{Title: "  Launch ", Assignees: []string{"bob", "alice"}},
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if task.ID == "" || task.Version != 1 || task.Title != "Launch" || task.Status != domain.StatusTodo {
		t.Fatalf("unexpected task %+v", task)
	}

	history, _ := p.store.TaskHistory(ctx, task.ID)
	if len(history) != 1 || history[0].Action != domain.ActionCreated {
		t.Fatalf("expected a single created entry, got %+v", history)
	}
	if len(p.bcast.changes) != 1 || p.bcast.changes[0].Kind != domain.ChangeCreated || p.bcast.changes[0].Task == nil {
		t.Fatalf("expected created event, got %+v", p.bcast.changes)
	}
	if len(p.bcast.notifications) != 1 || p.bcast.notifications[0].RecipientID != "bob" || p.bcast.notifications[0].Type != domain.NotificationAssignment {
		t.Fatalf("expected assignment for bob only, got %+v", p.bcast.notifications)
	}
}

func TestCreateRequiresMembership(t *testing.T) {
	p := newTestPipeline(t)
	_, err := p.service.Create(context.Background(), CreateRequest{WorkspaceID: "w1", ActorID: "vera", Fields: domain.Fields{Title: "x"}})
	if !errors.Is(err, domain.ErrForbidden) {
		t.Fatalf("expected forbidden, got %v", err)
	}
}

func TestUpdateEmitsDiffEventAndNotifications(t *testing.T) {
	p := newTestPipeline(t)
	p.seedAtVersion(t, "t1", 1, "plan")
	ctx := context.Background()

	_, err := p.service.Update(ctx, Proposal{TaskID: "t1", ExpectedVersion: 1, ActorID: "alice", Changes: domain.ChangeSet{
		AddAssignees: []string{"bob", "alice", "bob"},
		AddWatchers:  []string{"vera"},
	}})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	ev := p.bcast.changes[0]
	if ev.Kind != domain.ChangeUpdated || ev.VersionBefore != 1 || ev.VersionAfter != 2 || len(ev.Diff) != 3 {
		t.Fatalf("unexpected event %+v", ev)
	}
	if len(p.bcast.notifications) != 1 || p.bcast.notifications[0].RecipientID != "bob" {
		t.Fatalf("expected one assignment for bob, got %+v", p.bcast.notifications)
	}

	_, err = p.service.Update(ctx, Proposal{TaskID: "t1", ExpectedVersion: 2, ActorID: "bob", Changes: domain.ChangeSet{Status: statusPtr(domain.StatusDone)}})
	if err != nil {
		t.Fatalf("status update: %v", err)
	}
	recipients := map[string]bool{}
	for _, n := range p.bcast.notifications[1:] {
		if n.Type != domain.NotificationStatusChange {
			t.Fatalf("unexpected type %s", n.Type)
		}
		recipients[n.RecipientID] = true
	}
	if len(recipients) != 2 || !recipients["alice"] || !recipients["vera"] {
		t.Fatalf("expected alice and vera, got %v", recipients)
	}
	if n, _ := p.store.UnreadCount(ctx, "vera"); n != 1 {
		t.Fatalf("expected persisted notification for vera, got %d", n)
	}
}

func TestNoOpUpdateStillBumpsVersionWithActionEntry(t *testing.T) {
	p := newTestPipeline(t)
	p.seedAtVersion(t, "t1", 1, "plan")
	ctx := context.Background()

	res, err := p.service.Update(ctx, Proposal{TaskID: "t1", ExpectedVersion: 1, ActorID: "alice", Changes: domain.ChangeSet{Title: strPtr("plan")}})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if res.Task.Version != 2 || len(res.Changes) != 0 {
		t.Fatalf("unexpected result %+v", res)
	}
	history, _ := p.store.TaskHistory(ctx, "t1")
	if len(history) != 1 || history[0].Action != domain.ActionUpdated || history[0].FieldName != "" {
		t.Fatalf("expected one action-only entry, got %+v", history)
	}
}

func TestDeleteSoftDeletes(t *testing.T) {
	p := newTestPipeline(t)
	p.seedAtVersion(t, "t1", 2, "plan")
	ctx := context.Background()

	if _, err := p.service.Delete(ctx, "t1", 1, "alice"); !domain.IsConflict(err) {
		t.Fatalf("expected conflict on stale delete, got %v", err)
	}
	deleted, err := p.service.Delete(ctx, "t1", 2, "alice")
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	if deleted.Version != 3 || deleted.DeletedAt == nil {
		t.Fatalf("unexpected deleted snapshot %+v", deleted)
	}
	if _, err := p.service.Get(ctx, "t1"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected deleted task to be gone, got %v", err)
	}
	history, _ := p.store.TaskHistory(ctx, "t1")
	if len(history) != 1 || history[0].Action != domain.ActionDeleted || history[0].TaskVersion != 3 {
		t.Fatalf("unexpected history %+v", history)
	}
	if ev := p.bcast.changes[len(p.bcast.changes)-1]; ev.Kind != domain.ChangeDeleted || ev.Task != nil {
		t.Fatalf("unexpected delete event %+v", ev)
	}
}

func TestCommentMentionOfNonMemberIsDropped(t *testing.T) {
	p := newTestPipeline(t)
	p.seedAtVersion(t, "t1", 1, "plan")
	ctx := context.Background()

	c, err := p.service.PostComment(ctx, CommentRequest{TaskID: "t1", ActorID: "bob", Body: "@carol please review"})
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	if len(p.bcast.notifications) != 0 {
		t.Fatalf("expected no notification, got %+v", p.bcast.notifications)
	}
	if len(p.bcast.comments) != 1 || p.bcast.comments[0].ID != c.ID {
		t.Fatalf("expected comment broadcast")
	}
	history, _ := p.store.TaskHistory(ctx, "t1")
	if len(history) != 1 || history[0].Action != domain.ActionCommented || history[0].TaskVersion != 1 {
		t.Fatalf("expected commented entry, got %+v", history)
	}
}

func TestCommentMentionsAndAssignment(t *testing.T) {
	p := newTestPipeline(t)
	p.seedAtVersion(t, "t1", 1, "plan")
	ctx := context.Background()

	c, err := p.service.PostComment(ctx, CommentRequest{TaskID: "t1", ActorID: "bob", Body: "@alice please review"})
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	if len(p.bcast.notifications) != 1 || p.bcast.notifications[0].Type != domain.NotificationMention || p.bcast.notifications[0].RecipientID != "alice" {
		t.Fatalf("expected mention for alice, got %+v", p.bcast.notifications)
	}

	if _, err := p.service.EditComment(ctx, CommentEdit{CommentID: c.ID, ActorID: "alice", Body: strPtr("hijack")}); !errors.Is(err, domain.ErrForbidden) {
		t.Fatalf("expected forbidden body edit by non-author, got %v", err)
	}

	edited, err := p.service.EditComment(ctx, CommentEdit{CommentID: c.ID, ActorID: "bob", AssignedTo: strPtr("alice")})
	if err != nil {
		t.Fatalf("assign: %v", err)
	}
	if edited.AssignedTo != "alice" {
		t.Fatalf("unexpected comment %+v", edited)
	}
	last := p.bcast.notifications[len(p.bcast.notifications)-1]
	if len(p.bcast.notifications) != 2 || last.Type != domain.NotificationCommentAssigned || last.RecipientID != "alice" {
		t.Fatalf("expected comment assignment, got %+v", p.bcast.notifications)
	}

	history, _ := p.store.TaskHistory(ctx, "t1")
	if len(history) != 2 || history[0].Action != domain.ActionCommentAssigned || string(history[0].NewValue) != `"alice"` {
		t.Fatalf("unexpected history %+v", history)
	}

	comments, err := p.service.Comments(ctx, "t1")
	if err != nil || len(comments) != 1 || comments[0].AssignedTo != "alice" {
		t.Fatalf("unexpected comments %+v (%v)", comments, err)
	}
}

func TestUpdateDoesNotWaitOnSaturatedFeed(t *testing.T) {
	p := newTestPipeline(t)
	exp := newFlakyExporter()
	exp.block = make(chan struct{})
	feed := NewFeed(FeedConfig{Workers: 1, Buffer: 1}, exp, p.service.logger)
	t.Cleanup(func() {
		close(exp.block)
		feed.Close()
	})
	p.service.feed = feed

	// occupy the worker and fill the buffer
	_ = feed.Submit(domain.ChangeEvent{TaskID: "x"})
	waitFor(t, func() bool { return len(feed.workCh) == 0 })
	_ = feed.Submit(domain.ChangeEvent{TaskID: "y"})

	p.seedAtVersion(t, "t1", 1, "plan")
	start := time.Now()
	res, err := p.service.Update(context.Background(), Proposal{TaskID: "t1", ExpectedVersion: 1, ActorID: "alice", Changes: domain.ChangeSet{Title: strPtr("ship")}})
	if err != nil || res.Task.Version != 2 {
		t.Fatalf("update: %+v %v", res, err)
	}
	if elapsed := time.Since(start); elapsed > 50*time.Millisecond {
		t.Fatalf("update waited %v on the change feed", elapsed)
	}
	var warned bool
	for _, e := range p.hook.AllEntries() {
		if e.Message == "change feed submit failed" {
			warned = true
		}
	}
	if !warned {
		t.Fatal("expected dropped change feed event to be logged")
	}
}
