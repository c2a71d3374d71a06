// Package notify derives targeted notifications from committed changes.
package notify

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"tasksync/diff"
	"tasksync/domain"
	"tasksync/storage"
)

var mentionPattern = regexp.MustCompile(`(?:^|[^A-Za-z0-9_])@([A-Za-z0-9_][A-Za-z0-9_.-]*)`)

// Mentions returns the distinct usernames mentioned in body, in order of appearance.
func Mentions(body string) []string {
	var out []string
	seen := map[string]struct{}{}
	for _, m := range mentionPattern.FindAllStringSubmatch(body, -1) {
		name := strings.TrimRight(m[1], ".-")
		key := strings.ToLower(name)
		if name == "" {
			continue
		}
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, name)
	}
	return out
}

// Publisher delivers a notification to the recipient's live sessions.
type Publisher interface {
	PublishNotification(n domain.Notification)
}

// Input is everything the router looks at for one mutation.
type Input struct {
	WorkspaceID string
	TaskID      string
	TaskTitle   string
	ActorID     string
	Changes     []domain.Change
	// Task is the post-commit snapshot. Its watchers and assignees receive
	// status change notifications.
	Task *domain.Task
	// CommentBody is scanned for mentions when a comment is posted or edited.
	CommentBody string
	// PreviousCommentBody suppresses mentions that were already present.
	PreviousCommentBody     string
	CommentAssignee         string
	PreviousCommentAssignee string
}

// Router applies the notification rules and dispatches the results.
type Router struct {
	members   storage.MemberDirectory
	store     storage.NotificationStore
	publisher Publisher
	logger    *log.Logger
	now       func() time.Time
}

func NewRouter(members storage.MemberDirectory, store storage.NotificationStore, publisher Publisher, logger *log.Logger) *Router {
	if logger == nil {
		panic("notify.NewRouter: logger is nil")
	}
	return &Router{
		members:   members,
		store:     store,
		publisher: publisher,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Derive applies the mention, assignment, status change and comment
// assignment rules. Each (recipient, type, task) appears at most once.
func (r *Router) Derive(ctx context.Context, in Input) []domain.Notification {
	actorName := r.actorName(ctx, in.WorkspaceID, in.ActorID)
	title := in.TaskTitle
	if title == "" && in.Task != nil {
		title = in.Task.Title
	}

	var out []domain.Notification
	seen := map[string]struct{}{}
	emit := func(recipient string, typ domain.NotificationType, message string) {
		if recipient == "" || recipient == in.ActorID {
			return
		}
		n := domain.Notification{
			ID:          uuid.NewString(),
			RecipientID: recipient,
			Type:        typ,
			TaskID:      in.TaskID,
			ActorID:     in.ActorID,
			Message:     message,
			CreatedAt:   r.now(),
		}
		if _, dup := seen[n.DedupKey()]; dup {
			return
		}
		seen[n.DedupKey()] = struct{}{}
		out = append(out, n)
	}

	for _, userID := range r.newMentions(ctx, in) {
		emit(userID, domain.NotificationMention, fmt.Sprintf("%s mentioned you on %q", actorName, title))
	}
	for _, userID := range diff.Added(in.Changes, diff.FieldAssignees) {
		emit(userID, domain.NotificationAssignment, fmt.Sprintf("%s assigned you to %q", actorName, title))
	}
	if c, ok := diff.Find(in.Changes, diff.FieldStatus); ok && in.Task != nil {
		msg := fmt.Sprintf("%s moved %q to %v", actorName, title, c.NewValue)
		for _, userID := range domain.NormalizeSet(append(append([]string(nil), in.Task.Watchers...), in.Task.Assignees...)) {
			emit(userID, domain.NotificationStatusChange, msg)
		}
	}
	if in.CommentAssignee != "" && in.CommentAssignee != in.PreviousCommentAssignee {
		emit(in.CommentAssignee, domain.NotificationCommentAssigned, fmt.Sprintf("%s assigned you a comment on %q", actorName, title))
	}
	return out
}

// newMentions resolves the usernames mentioned in the comment body and in a
// changed description, skipping names the previous text already mentioned.
func (r *Router) newMentions(ctx context.Context, in Input) []string {
	var names []string
	collect := func(current, previous string) {
		before := map[string]struct{}{}
		for _, n := range Mentions(previous) {
			before[strings.ToLower(n)] = struct{}{}
		}
		for _, n := range Mentions(current) {
			if _, ok := before[strings.ToLower(n)]; !ok {
				names = append(names, n)
			}
		}
	}
	if in.CommentBody != "" {
		collect(in.CommentBody, in.PreviousCommentBody)
	}
	if c, ok := diff.Find(in.Changes, diff.FieldDescription); ok {
		current, _ := c.NewValue.(string)
		previous, _ := c.OldValue.(string)
		collect(current, previous)
	}
	if len(names) == 0 || r.members == nil {
		return nil
	}

	var ids []string
	for _, name := range names {
		m, err := r.members.MemberByUsername(ctx, in.WorkspaceID, name)
		if err != nil {
			if !errors.Is(err, domain.ErrNotFound) {
				r.logger.WithError(err).WithFields(log.Fields{"workspace": in.WorkspaceID, "username": name}).Warn("mention lookup failed")
			}
			continue
		}
		ids = append(ids, m.UserID)
	}
	return ids
}

func (r *Router) actorName(ctx context.Context, workspaceID, actorID string) string {
	if r.members == nil {
		return actorID
	}
	m, err := r.members.Member(ctx, workspaceID, actorID)
	if err != nil {
		return actorID
	}
	return m.Name()
}

// Route derives, persists and publishes the notifications for one mutation.
// Persistence and delivery failures are logged and never returned.
func (r *Router) Route(ctx context.Context, in Input) []domain.Notification {
	ctx, span := otel.Tracer("tasksync/notify").Start(ctx, "notify.route")
	defer span.End()

	items := r.Derive(ctx, in)
	span.SetAttributes(attribute.String("task.id", in.TaskID), attribute.Int("notify.count", len(items)))
	if len(items) == 0 {
		return nil
	}
	if r.store != nil {
		if err := r.store.InsertNotifications(ctx, items); err != nil {
			r.logger.WithError(err).WithFields(log.Fields{"task": in.TaskID, "count": len(items)}).Error("persist notifications failed")
		}
	}
	if r.publisher != nil {
		for _, n := range items {
			r.publisher.PublishNotification(n)
		}
	}
	r.logger.WithFields(log.Fields{"task": in.TaskID, "count": len(items)}).Debug("notifications routed")
	return items
}
