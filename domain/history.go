package domain

import (
	"encoding/json"
	"time"
)

// Op says how a field changed.
type Op string

const (
	OpSet    Op = "set"
	OpAdd    Op = "add"
	OpRemove Op = "remove"
)

// Change is one diff tuple between two snapshots. Set-valued fields produce
// one add or remove per element.
type Change struct {
	Field    string `json:"field"`
	Op       Op     `json:"op"`
	OldValue any    `json:"oldValue,omitempty"`
	NewValue any    `json:"newValue,omitempty"`
}

// Action names what a history entry records.
type Action string

const (
	ActionCreated         Action = "created"
	ActionUpdated         Action = "updated"
	ActionAdded           Action = "added"
	ActionRemoved         Action = "removed"
	ActionDeleted         Action = "deleted"
	ActionCommented       Action = "commented"
	ActionCommentAssigned Action = "comment_assigned"
)

// ActionForOp maps a diff operation to the history action recorded for it.
func ActionForOp(op Op) Action {
	switch op {
	case OpAdd:
		return ActionAdded
	case OpRemove:
		return ActionRemoved
	default:
		return ActionUpdated
	}
}

// HistoryEntry is a write-once audit row.
type HistoryEntry struct {
	ID          string          `json:"id"`
	TaskID      string          `json:"taskId"`
	TaskVersion int64           `json:"taskVersion"`
	ActorID     string          `json:"actorId"`
	Action      Action          `json:"action"`
	FieldName   string          `json:"fieldName,omitempty"`
	OldValue    json.RawMessage `json:"oldValue,omitempty"`
	NewValue    json.RawMessage `json:"newValue,omitempty"`
	CreatedAt   time.Time       `json:"createdAt"`
}

// ActivityFilter narrows the activity feed.
type ActivityFilter struct {
	WorkspaceID string
	ListID      string
	TaskID      string
	ActorID     string
	Actions     []Action
	From        *time.Time
	To          *time.Time
	Search      string
	Page        int
	PerPage     int
}

// Offset returns the row offset for the requested page.
func (f ActivityFilter) Offset() int {
	if f.Page <= 1 {
		return 0
	}
	return (f.Page - 1) * f.PerPage
}

// ActivityItem is a history entry joined with actor and task details.
type ActivityItem struct {
	HistoryEntry
	WorkspaceID string `json:"workspaceId"`
	ListID      string `json:"listId"`
	TaskTitle   string `json:"taskTitle"`
	ActorName   string `json:"actorName"`
	ActorAvatar string `json:"actorAvatar,omitempty"`
}

// ActivityPage is one page of the activity feed.
type ActivityPage struct {
	Items   []ActivityItem `json:"items"`
	Total   int            `json:"total"`
	Page    int            `json:"page"`
	PerPage int            `json:"perPage"`
}
