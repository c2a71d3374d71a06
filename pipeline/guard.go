// Package pipeline runs task mutations: the version guard, post-commit fan-out,
// bulk coordination and the change-feed outbox.
package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"tasksync/domain"
	"tasksync/storage"
)

func tracer() trace.Tracer { return otel.GetTracerProvider().Tracer("tasksync/pipeline") }

// Proposal is one conditional change to a task. ExpectedVersion 0 means the
// version read by the guard itself.
type Proposal struct {
	TaskID          string
	ExpectedVersion int64
	Changes         domain.ChangeSet
	ActorID         string
}

// Outcome holds the snapshots on both sides of a committed write.
type Outcome struct {
	Before domain.Task
	After  domain.Task
}

// Guard performs permission checks and the compare-and-swap write. It holds no
// locks between requests; the store's conditional update decides the winner.
type Guard struct {
	tasks   storage.TaskStore
	members storage.MemberDirectory
	logger  *log.Logger
}

// NewGuard builds a Guard. A nil member directory disables permission checks.
func NewGuard(tasks storage.TaskStore, members storage.MemberDirectory, logger *log.Logger) *Guard {
	if tasks == nil {
		panic("pipeline.NewGuard: task store is nil")
	}
	if logger == nil {
		panic("pipeline.NewGuard: logger is nil")
	}
	return &Guard{tasks: tasks, members: members, logger: logger}
}

// Authorize returns domain.ErrForbidden unless actorID may edit tasks in the
// workspace.
func (g *Guard) Authorize(ctx context.Context, workspaceID, actorID string) error {
	if g.members == nil {
		return nil
	}
	m, err := g.members.Member(ctx, workspaceID, actorID)
	if errors.Is(err, domain.ErrNotFound) {
		return domain.ErrForbidden
	}
	if err != nil {
		return fmt.Errorf("resolve member: %w", err)
	}
	if !m.Role.CanEdit() {
		return domain.ErrForbidden
	}
	return nil
}

// Create inserts a new task at version 1.
func (g *Guard) Create(ctx context.Context, task domain.Task, actorID string) (domain.Task, error) {
	if task.WorkspaceID == "" {
		return domain.Task{}, &domain.ValidationError{Field: "workspaceId", Message: "is required"}
	}
	task.Fields = task.Fields.Normalize()
	if err := domain.ValidateFields(task.Fields); err != nil {
		return domain.Task{}, err
	}
	if err := g.Authorize(ctx, task.WorkspaceID, actorID); err != nil {
		return domain.Task{}, err
	}
	if task.ID == "" {
		task.ID = uuid.NewString()
	}
	return g.tasks.CreateTask(ctx, task)
}

// Update validates p, applies it to the current snapshot and writes the result
// if the stored version still equals the expected one.
func (g *Guard) Update(ctx context.Context, p Proposal) (Outcome, error) {
	ctx, span := tracer().Start(ctx, "pipeline.guard")
	defer span.End()
	span.SetAttributes(attribute.String("task.id", p.TaskID), attribute.Int64("task.expected_version", p.ExpectedVersion))

	if err := domain.ValidateChangeSet(p.Changes); err != nil {
		span.SetStatus(codes.Error, "validation")
		return Outcome{}, err
	}
	current, err := g.tasks.GetTask(ctx, p.TaskID)
	if err != nil {
		span.SetStatus(codes.Error, "load")
		return Outcome{}, err
	}
	if err := g.Authorize(ctx, current.WorkspaceID, p.ActorID); err != nil {
		span.SetStatus(codes.Error, "authorize")
		return Outcome{}, err
	}
	next, err := p.Changes.Apply(current.Fields)
	if err != nil {
		span.SetStatus(codes.Error, "apply")
		return Outcome{}, err
	}
	if err := domain.ValidateFields(next); err != nil {
		span.SetStatus(codes.Error, "validation")
		return Outcome{}, err
	}
	expected := p.ExpectedVersion
	if expected == 0 {
		expected = current.Version
	}
	return g.swap(ctx, current, expected, next, false)
}

// Delete soft deletes the task through the same conditional write.
func (g *Guard) Delete(ctx context.Context, taskID string, expected int64, actorID string) (Outcome, error) {
	ctx, span := tracer().Start(ctx, "pipeline.guard")
	defer span.End()
	span.SetAttributes(attribute.String("task.id", taskID), attribute.Bool("task.delete", true))

	current, err := g.tasks.GetTask(ctx, taskID)
	if err != nil {
		return Outcome{}, err
	}
	if err := g.Authorize(ctx, current.WorkspaceID, actorID); err != nil {
		return Outcome{}, err
	}
	if expected == 0 {
		expected = current.Version
	}
	return g.swap(ctx, current, expected, current.Fields, true)
}

func (g *Guard) swap(ctx context.Context, current domain.Task, expected int64, next domain.Fields, deleted bool) (Outcome, error) {
	if current.Version != expected {
		err := &domain.ConflictError{TaskID: current.ID, Expected: expected, Current: current.Version}
		g.logConflict(err)
		return Outcome{}, err
	}
	after, err := g.tasks.CompareAndSwap(ctx, current.ID, expected, next, deleted)
	if err != nil {
		var conflict *domain.ConflictError
		if errors.As(err, &conflict) {
			g.logConflict(conflict)
		}
		return Outcome{}, err
	}
	return Outcome{Before: current, After: after}, nil
}

func (g *Guard) logConflict(err *domain.ConflictError) {
	g.logger.WithFields(log.Fields{
		"task":     err.TaskID,
		"expected": err.Expected,
		"current":  err.Current,
	}).Debug("version conflict")
}
