package pipeline

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"tasksync/audit"
	"tasksync/diff"
	"tasksync/domain"
	"tasksync/notify"
	"tasksync/storage"
)

// Broadcaster fans committed changes out to live sessions. Implementations
// must not block the caller.
type Broadcaster interface {
	PublishChange(ev domain.ChangeEvent)
	PublishComment(workspaceID string, c domain.Comment)
}

// Service runs the single-task mutation pipeline:
// guard, diff, audit, notify, broadcast, feed.
type Service struct {
	guard       *Guard
	tasks       storage.TaskStore
	comments    storage.CommentStore
	audit       *audit.Writer
	router      *notify.Router
	broadcaster Broadcaster
	feed        *Feed
	logger      *log.Logger
	now         func() time.Time
}

// Deps lists the collaborators of a Service. Router, Broadcaster and Feed are
// optional.
type Deps struct {
	Guard       *Guard
	Tasks       storage.TaskStore
	Comments    storage.CommentStore
	Audit       *audit.Writer
	Router      *notify.Router
	Broadcaster Broadcaster
	Feed        *Feed
	Logger      *log.Logger
}

func NewService(d Deps) *Service {
	if d.Guard == nil || d.Tasks == nil || d.Audit == nil {
		panic("pipeline.NewService: guard, tasks and audit are required")
	}
	if d.Logger == nil {
		panic("pipeline.NewService: logger is nil")
	}
	return &Service{
		guard:       d.Guard,
		tasks:       d.Tasks,
		comments:    d.Comments,
		audit:       d.Audit,
		router:      d.Router,
		broadcaster: d.Broadcaster,
		feed:        d.Feed,
		logger:      d.Logger,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// CreateRequest describes a new task.
type CreateRequest struct {
	WorkspaceID string
	ListID      string
	Fields      domain.Fields
	ActorID     string
}

// UpdateResult is a committed update with its diff.
type UpdateResult struct {
	Task    domain.Task     `json:"task"`
	Changes []domain.Change `json:"changes"`
}

func startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer().Start(ctx, name, trace.WithAttributes(attrs...))
}

func endSpan(span trace.Span, err error) {
	switch {
	case err == nil:
	case domain.IsConflict(err):
		span.SetAttributes(attribute.Bool("tasksync.conflict", true))
	default:
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// Get returns the current snapshot.
func (s *Service) Get(ctx context.Context, id string) (domain.Task, error) {
	return s.tasks.GetTask(ctx, id)
}

// Workspace returns the workspace a task belongs to, including soft deleted
// tasks.
func (s *Service) Workspace(ctx context.Context, id string) (string, error) {
	return s.tasks.TaskWorkspace(ctx, id)
}

// Create inserts a task and records its creation.
func (s *Service) Create(ctx context.Context, req CreateRequest) (domain.Task, error) {
	task, err := s.guard.Create(ctx, domain.Task{
		WorkspaceID: req.WorkspaceID,
		ListID:      req.ListID,
		Fields:      req.Fields,
	}, req.ActorID)
	if err != nil {
		return domain.Task{}, err
	}
	snapshot := task
	s.afterCommit(ctx, commit{
		kind:          domain.ChangeCreated,
		action:        domain.ActionCreated,
		after:         task,
		actorID:       req.ActorID,
		notifyChanges: creationChanges(task.Fields),
		snapshot:      &snapshot,
	})
	return task, nil
}

// Update runs one conditional change end to end. Once the write commits, no
// downstream failure is returned to the caller.
func (s *Service) Update(ctx context.Context, p Proposal) (res UpdateResult, err error) {
	ctx, span := startSpan(ctx, "pipeline.update",
		attribute.String("tasksync.task_id", p.TaskID),
		attribute.Int64("tasksync.expected_version", p.ExpectedVersion))
	defer func() { endSpan(span, err) }()

	out, err := s.guard.Update(ctx, p)
	if err != nil {
		return UpdateResult{}, err
	}
	changes := diff.Compute(out.Before.Fields, out.After.Fields)
	snapshot := out.After
	s.afterCommit(ctx, commit{
		kind:          domain.ChangeUpdated,
		action:        domain.ActionUpdated,
		before:        out.Before.Version,
		after:         out.After,
		actorID:       p.ActorID,
		changes:       changes,
		notifyChanges: changes,
		snapshot:      &snapshot,
	})
	return UpdateResult{Task: out.After, Changes: changes}, nil
}

// Delete soft deletes a task.
func (s *Service) Delete(ctx context.Context, taskID string, expected int64, actorID string) (_ domain.Task, err error) {
	ctx, span := startSpan(ctx, "pipeline.delete", attribute.String("tasksync.task_id", taskID))
	defer func() { endSpan(span, err) }()

	out, err := s.guard.Delete(ctx, taskID, expected, actorID)
	if err != nil {
		return domain.Task{}, err
	}
	s.afterCommit(ctx, commit{
		kind:    domain.ChangeDeleted,
		action:  domain.ActionDeleted,
		before:  out.Before.Version,
		after:   out.After,
		actorID: actorID,
	})
	return out.After, nil
}

// creationChanges keeps the parts of a new task the notification rules react
// to: initial assignees and mentions in the description.
func creationChanges(f domain.Fields) []domain.Change {
	var out []domain.Change
	for _, c := range diff.Compute(domain.Fields{}, f) {
		if c.Field == diff.FieldAssignees || c.Field == diff.FieldDescription {
			out = append(out, c)
		}
	}
	return out
}

type commit struct {
	kind          domain.ChangeKind
	action        domain.Action
	before        int64
	after         domain.Task
	actorID       string
	changes       []domain.Change
	notifyChanges []domain.Change
	snapshot      *domain.Task
}

// afterCommit writes the audit trail, then routes notifications, broadcasts and
// exports. It ignores cancellation of the request context.
func (s *Service) afterCommit(ctx context.Context, c commit) {
	ctx = context.WithoutCancel(ctx)
	ts := c.after.UpdatedAt
	if ts.IsZero() {
		ts = s.now()
	}

	actx, aspan := startSpan(ctx, "pipeline.audit", attribute.Int("tasksync.changes", len(c.changes)))
	// errors are logged by the writer
	_, aerr := s.audit.Record(actx, audit.Record{
		ActorID:     c.actorID,
		TaskID:      c.after.ID,
		TaskVersion: c.after.Version,
		Action:      c.action,
		Changes:     c.changes,
		Timestamp:   ts,
	})
	endSpan(aspan, aerr)

	ev := domain.ChangeEvent{
		Kind:          c.kind,
		TaskID:        c.after.ID,
		WorkspaceID:   c.after.WorkspaceID,
		ListID:        c.after.ListID,
		VersionBefore: c.before,
		VersionAfter:  c.after.Version,
		Diff:          c.changes,
		Task:          c.snapshot,
		ActorID:       c.actorID,
		Timestamp:     ts,
	}
	if s.broadcaster != nil {
		_, bspan := startSpan(ctx, "pipeline.broadcast", attribute.String("tasksync.change_kind", string(ev.Kind)))
		s.broadcaster.PublishChange(ev)
		bspan.End()
	}
	if s.router != nil && len(c.notifyChanges) > 0 {
		nctx, nspan := startSpan(ctx, "pipeline.notify")
		sent := s.router.Route(nctx, notify.Input{
			WorkspaceID: c.after.WorkspaceID,
			TaskID:      c.after.ID,
			TaskTitle:   c.after.Title,
			ActorID:     c.actorID,
			Changes:     c.notifyChanges,
			Task:        c.snapshot,
		})
		nspan.SetAttributes(attribute.Int("tasksync.notifications", len(sent)))
		nspan.End()
	}
	if s.feed != nil {
		if err := s.feed.Submit(ev); err != nil {
			s.logger.WithError(err).WithFields(log.Fields{"task": ev.TaskID, "version": ev.VersionAfter}).Warn("change feed submit failed")
		}
	}
}

// CommentRequest posts a comment on a task.
type CommentRequest struct {
	TaskID     string
	ActorID    string
	Body       string
	AssignedTo string
}

// CommentEdit changes a comment's body or assignee. Nil fields are untouched;
// an empty AssignedTo clears the assignment.
type CommentEdit struct {
	CommentID  string
	ActorID    string
	Body       *string
	AssignedTo *string
}

type commentDetail struct {
	CommentID string   `json:"commentId"`
	Mentions  []string `json:"mentions,omitempty"`
}

var errCommentsUnavailable = errors.New("comment store is not configured")

// Comments lists the comments on a task, oldest first.
func (s *Service) Comments(ctx context.Context, taskID string) ([]domain.Comment, error) {
	if s.comments == nil {
		return nil, errCommentsUnavailable
	}
	if _, err := s.tasks.GetTask(ctx, taskID); err != nil {
		return nil, err
	}
	return s.comments.ListComments(ctx, taskID)
}

// PostComment stores a comment, records it in the task history and routes
// mention and comment assignment notifications.
func (s *Service) PostComment(ctx context.Context, req CommentRequest) (domain.Comment, error) {
	if s.comments == nil {
		return domain.Comment{}, errCommentsUnavailable
	}
	if err := domain.ValidateComment(req.Body); err != nil {
		return domain.Comment{}, err
	}
	task, err := s.tasks.GetTask(ctx, req.TaskID)
	if err != nil {
		return domain.Comment{}, err
	}
	if err := s.guard.Authorize(ctx, task.WorkspaceID, req.ActorID); err != nil {
		return domain.Comment{}, err
	}
	now := s.now()
	c := domain.Comment{
		ID:         uuid.NewString(),
		TaskID:     task.ID,
		AuthorID:   req.ActorID,
		Body:       req.Body,
		AssignedTo: strings.TrimSpace(req.AssignedTo),
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := s.comments.InsertComment(ctx, c); err != nil {
		return domain.Comment{}, err
	}

	ctx = context.WithoutCancel(ctx)
	s.recordComment(ctx, task, c, domain.Comment{}, req.ActorID)
	if s.broadcaster != nil {
		s.broadcaster.PublishComment(task.WorkspaceID, c)
	}
	if s.router != nil {
		s.router.Route(ctx, notify.Input{
			WorkspaceID:     task.WorkspaceID,
			TaskID:          task.ID,
			TaskTitle:       task.Title,
			ActorID:         req.ActorID,
			CommentBody:     c.Body,
			CommentAssignee: c.AssignedTo,
		})
	}
	return c, nil
}

// EditComment updates a comment. Only the author may change the body; any
// member with edit rights may change the assignee.
func (s *Service) EditComment(ctx context.Context, edit CommentEdit) (domain.Comment, error) {
	if s.comments == nil {
		return domain.Comment{}, errCommentsUnavailable
	}
	if edit.Body == nil && edit.AssignedTo == nil {
		return domain.Comment{}, &domain.ValidationError{Message: "no changes supplied"}
	}
	if edit.Body != nil {
		if err := domain.ValidateComment(*edit.Body); err != nil {
			return domain.Comment{}, err
		}
	}
	prev, err := s.comments.GetComment(ctx, edit.CommentID)
	if err != nil {
		return domain.Comment{}, err
	}
	task, err := s.tasks.GetTask(ctx, prev.TaskID)
	if err != nil {
		return domain.Comment{}, err
	}
	if err := s.guard.Authorize(ctx, task.WorkspaceID, edit.ActorID); err != nil {
		return domain.Comment{}, err
	}
	if edit.Body != nil && prev.AuthorID != edit.ActorID {
		return domain.Comment{}, domain.ErrForbidden
	}

	next := prev
	if edit.Body != nil {
		next.Body = *edit.Body
	}
	if edit.AssignedTo != nil {
		next.AssignedTo = strings.TrimSpace(*edit.AssignedTo)
	}
	next.UpdatedAt = s.now()
	if err := s.comments.UpdateComment(ctx, next); err != nil {
		return domain.Comment{}, err
	}

	ctx = context.WithoutCancel(ctx)
	s.recordComment(ctx, task, next, prev, edit.ActorID)
	if s.broadcaster != nil {
		s.broadcaster.PublishComment(task.WorkspaceID, next)
	}
	if s.router != nil {
		in := notify.Input{
			WorkspaceID:             task.WorkspaceID,
			TaskID:                  task.ID,
			TaskTitle:               task.Title,
			ActorID:                 edit.ActorID,
			CommentAssignee:         next.AssignedTo,
			PreviousCommentAssignee: prev.AssignedTo,
		}
		if edit.Body != nil {
			in.CommentBody = next.Body
			in.PreviousCommentBody = prev.Body
		}
		s.router.Route(ctx, in)
	}
	return next, nil
}

// recordComment writes the history entries of a comment post or edit: one
// "commented" entry when the body is new or changed and one
// "comment_assigned" entry when the assignee changed. Entries carry the
// task's current version since comments do not bump it.
func (s *Service) recordComment(ctx context.Context, task domain.Task, c, prev domain.Comment, actorID string) {
	if c.Body != prev.Body {
		_, _ = s.audit.Record(ctx, audit.Record{
			ActorID:     actorID,
			TaskID:      task.ID,
			TaskVersion: task.Version,
			Action:      domain.ActionCommented,
			Detail:      commentDetail{CommentID: c.ID, Mentions: notify.Mentions(c.Body)},
			Timestamp:   c.UpdatedAt,
		})
	}
	if c.AssignedTo != prev.AssignedTo {
		var old, next any
		if prev.AssignedTo != "" {
			old = prev.AssignedTo
		}
		if c.AssignedTo != "" {
			next = c.AssignedTo
		}
		_, _ = s.audit.Record(ctx, audit.Record{
			ActorID:     actorID,
			TaskID:      task.ID,
			TaskVersion: task.Version,
			Action:      domain.ActionCommentAssigned,
			Changes:     []domain.Change{{Field: "comment.assigned_to", Op: domain.OpSet, OldValue: old, NewValue: next}},
			Timestamp:   c.UpdatedAt,
		})
	}
}
