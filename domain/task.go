package domain

import (
	"sort"
	"strings"
	"time"
)

// Status is the workflow state of a task.
type Status string

const (
	StatusTodo       Status = "todo"
	StatusInProgress Status = "inprogress"
	StatusReview     Status = "review"
	StatusBlocked    Status = "blocked"
	StatusDone       Status = "done"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusTodo, StatusInProgress, StatusReview, StatusBlocked, StatusDone:
		return true
	}
	return false
}

// Priority ranks a task.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// Valid reports whether p is a known priority.
func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh, PriorityUrgent:
		return true
	}
	return false
}

// Fields holds the mutable attributes of a task.
type Fields struct {
	Title        string         `json:"title"`
	Description  string         `json:"description"`
	Status       Status         `json:"status"`
	Priority     Priority       `json:"priority"`
	DueDate      *time.Time     `json:"dueDate"`
	Tags         []string       `json:"tags"`
	Assignees    []string       `json:"assignees"`
	Watchers     []string       `json:"watchers"`
	CustomFields map[string]any `json:"customFields"`
}

// Task is the versioned aggregate shared by every workspace member.
type Task struct {
	ID          string `json:"id"`
	WorkspaceID string `json:"workspaceId"`
	ListID      string `json:"listId"`
	Version     int64  `json:"version"`
	Fields
	CreatedAt time.Time  `json:"createdAt"`
	UpdatedAt time.Time  `json:"updatedAt"`
	DeletedAt *time.Time `json:"deletedAt,omitempty"`
}

// Deleted reports whether the task has been soft deleted.
func (t Task) Deleted() bool { return t.DeletedAt != nil }

// Clone returns a deep copy of the fields so callers can mutate the result freely.
func (f Fields) Clone() Fields {
	out := f
	if f.DueDate != nil {
		d := *f.DueDate
		out.DueDate = &d
	}
	out.Tags = append([]string(nil), f.Tags...)
	out.Assignees = append([]string(nil), f.Assignees...)
	out.Watchers = append([]string(nil), f.Watchers...)
	if f.CustomFields != nil {
		out.CustomFields = make(map[string]any, len(f.CustomFields))
		for k, v := range f.CustomFields {
			out.CustomFields[k] = v
		}
	}
	return out
}

// Normalize sorts and deduplicates the set-valued fields and fills defaults.
func (f Fields) Normalize() Fields {
	out := f.Clone()
	out.Title = strings.TrimSpace(out.Title)
	if out.Status == "" {
		out.Status = StatusTodo
	}
	if out.Priority == "" {
		out.Priority = PriorityMedium
	}
	if out.DueDate != nil {
		d := out.DueDate.UTC()
		out.DueDate = &d
	}
	out.Tags = NormalizeSet(out.Tags)
	out.Assignees = NormalizeSet(out.Assignees)
	out.Watchers = NormalizeSet(out.Watchers)
	return out
}

// NormalizeSet trims, drops empties, deduplicates and sorts values.
func NormalizeSet(values []string) []string {
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}

// Contains reports whether set holds v.
func Contains(set []string, v string) bool {
	for _, s := range set {
		if s == v {
			return true
		}
	}
	return false
}
