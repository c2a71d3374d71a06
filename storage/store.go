// Package storage persists tasks, their audit history, notifications,
// comments and workspace membership.
package storage

import (
	"context"

	"tasksync/domain"
)

// TaskStore is the version store. CompareAndSwap is the only way to change a
// stored task.
type TaskStore interface {
	GetTask(ctx context.Context, id string) (domain.Task, error)
	CreateTask(ctx context.Context, task domain.Task) (domain.Task, error)
	// TaskWorkspace returns the workspace of a task, soft deleted or not.
	TaskWorkspace(ctx context.Context, id string) (string, error)
	// CompareAndSwap writes fields and bumps the version by one when the
	// stored version equals expected. deleted soft deletes the task.
	CompareAndSwap(ctx context.Context, id string, expected int64, fields domain.Fields, deleted bool) (domain.Task, error)
}

// HistoryStore is append-only: entries are never updated or deleted.
type HistoryStore interface {
	AppendHistory(ctx context.Context, entries []domain.HistoryEntry) error
	TaskHistory(ctx context.Context, taskID string) ([]domain.HistoryEntry, error)
	Activity(ctx context.Context, filter domain.ActivityFilter) ([]domain.ActivityItem, int, error)
}

// NotificationStore holds notifications. Mutations are scoped to the recipient.
type NotificationStore interface {
	InsertNotifications(ctx context.Context, items []domain.Notification) error
	ListNotifications(ctx context.Context, userID string, unreadOnly bool, limit int) ([]domain.Notification, error)
	UnreadCount(ctx context.Context, userID string) (int, error)
	MarkRead(ctx context.Context, id, userID string) error
	MarkAllRead(ctx context.Context, userID string) (int64, error)
	DeleteNotification(ctx context.Context, id, userID string) error
}

// CommentStore holds task comments.
type CommentStore interface {
	InsertComment(ctx context.Context, c domain.Comment) error
	GetComment(ctx context.Context, id string) (domain.Comment, error)
	UpdateComment(ctx context.Context, c domain.Comment) error
	ListComments(ctx context.Context, taskID string) ([]domain.Comment, error)
}

// MemberDirectory resolves workspace membership. Lookups of unknown members
// return domain.ErrNotFound.
type MemberDirectory interface {
	Member(ctx context.Context, workspaceID, userID string) (domain.Member, error)
	MemberByUsername(ctx context.Context, workspaceID, username string) (domain.Member, error)
}

// MemberRegistry is a MemberDirectory that also records memberships.
type MemberRegistry interface {
	MemberDirectory
	UpsertMember(ctx context.Context, m domain.Member) error
}

// Store bundles every persistence concern served by one backend.
type Store interface {
	TaskStore
	HistoryStore
	NotificationStore
	CommentStore
	MemberRegistry
	Ping(ctx context.Context) error
	Close() error
}
