package domain

import "time"

// ChangeKind tags the ChangeEvent variant.
type ChangeKind string

const (
	ChangeCreated ChangeKind = "created"
	ChangeUpdated ChangeKind = "updated"
	ChangeDeleted ChangeKind = "deleted"
)

// ChangeEvent describes one committed mutation. It exists only for commits and
// is never persisted. Diff is populated for updates, Task carries the
// post-commit snapshot for created and updated events.
type ChangeEvent struct {
	Kind          ChangeKind `json:"kind"`
	TaskID        string     `json:"taskId"`
	WorkspaceID   string     `json:"workspaceId"`
	ListID        string     `json:"listId"`
	VersionBefore int64      `json:"versionBefore"`
	VersionAfter  int64      `json:"versionAfter"`
	Diff          []Change   `json:"diff,omitempty"`
	Task          *Task      `json:"task,omitempty"`
	ActorID       string     `json:"actorId"`
	Timestamp     time.Time  `json:"timestamp"`
}
