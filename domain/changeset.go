package domain

import (
	"bytes"
	"encoding/json"
	"strings"
	"time"
)

// NullableString distinguishes an absent JSON key from an explicit null.
type NullableString struct {
	Set   bool
	Value *string
}

// UnmarshalJSON is only invoked when the key is present.
func (n *NullableString) UnmarshalJSON(data []byte) error {
	n.Set = true
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		n.Value = nil
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	n.Value = &s
	return nil
}

// MarshalJSON writes the value or null.
func (n NullableString) MarshalJSON() ([]byte, error) {
	if n.Value == nil {
		return []byte("null"), nil
	}
	return json.Marshal(*n.Value)
}

// ChangeSet is a partial update proposed for a task.
type ChangeSet struct {
	Title       *string        `json:"title,omitempty"`
	Description *string        `json:"description,omitempty"`
	Status      *Status        `json:"status,omitempty"`
	Priority    *Priority      `json:"priority,omitempty"`
	DueDate     NullableString `json:"dueDate"`

	Tags      *[]string `json:"tags,omitempty"`
	Assignees *[]string `json:"assignees,omitempty"`
	Watchers  *[]string `json:"watchers,omitempty"`

	AddTags         []string `json:"addTags,omitempty"`
	RemoveTags      []string `json:"removeTags,omitempty"`
	AddAssignees    []string `json:"addAssignees,omitempty"`
	RemoveAssignees []string `json:"removeAssignees,omitempty"`
	AddWatchers     []string `json:"addWatchers,omitempty"`
	RemoveWatchers  []string `json:"removeWatchers,omitempty"`

	// A nil value removes the key.
	CustomFields map[string]any `json:"customFields,omitempty"`
}

// Empty reports whether the change set proposes nothing.
func (c ChangeSet) Empty() bool {
	return c.Title == nil && c.Description == nil && c.Status == nil && c.Priority == nil &&
		!c.DueDate.Set && c.Tags == nil && c.Assignees == nil && c.Watchers == nil &&
		len(c.AddTags) == 0 && len(c.RemoveTags) == 0 &&
		len(c.AddAssignees) == 0 && len(c.RemoveAssignees) == 0 &&
		len(c.AddWatchers) == 0 && len(c.RemoveWatchers) == 0 &&
		len(c.CustomFields) == 0
}

// AssigneeCandidates lists every user id the change set would make an assignee or watcher.
func (c ChangeSet) AssigneeCandidates() []string {
	var out []string
	if c.Assignees != nil {
		out = append(out, *c.Assignees...)
	}
	if c.Watchers != nil {
		out = append(out, *c.Watchers...)
	}
	out = append(out, c.AddAssignees...)
	out = append(out, c.AddWatchers...)
	return NormalizeSet(out)
}

// Apply returns the fields that result from applying c to current. The change
// set must have passed ValidateChangeSet.
func (c ChangeSet) Apply(current Fields) (Fields, error) {
	next := current.Clone()
	if c.Title != nil {
		next.Title = *c.Title
	}
	if c.Description != nil {
		next.Description = *c.Description
	}
	if c.Status != nil {
		next.Status = *c.Status
	}
	if c.Priority != nil {
		next.Priority = *c.Priority
	}
	if c.DueDate.Set {
		if c.DueDate.Value == nil || strings.TrimSpace(*c.DueDate.Value) == "" {
			next.DueDate = nil
		} else {
			d, err := ParseDueDate(*c.DueDate.Value)
			if err != nil {
				return Fields{}, &ValidationError{Field: "dueDate", Message: err.Error()}
			}
			next.DueDate = &d
		}
	}
	next.Tags = applySet(next.Tags, c.Tags, c.AddTags, c.RemoveTags)
	next.Assignees = applySet(next.Assignees, c.Assignees, c.AddAssignees, c.RemoveAssignees)
	next.Watchers = applySet(next.Watchers, c.Watchers, c.AddWatchers, c.RemoveWatchers)
	if len(c.CustomFields) > 0 {
		if next.CustomFields == nil {
			next.CustomFields = make(map[string]any, len(c.CustomFields))
		}
		for k, v := range c.CustomFields {
			if v == nil {
				delete(next.CustomFields, k)
				continue
			}
			next.CustomFields[k] = v
		}
	}
	return next.Normalize(), nil
}

func applySet(current []string, replace *[]string, add, remove []string) []string {
	out := current
	if replace != nil {
		out = append([]string(nil), (*replace)...)
	}
	out = append(out, add...)
	if len(remove) > 0 {
		drop := make(map[string]struct{}, len(remove))
		for _, r := range remove {
			drop[strings.TrimSpace(r)] = struct{}{}
		}
		kept := out[:0:0]
		for _, v := range out {
			if _, ok := drop[strings.TrimSpace(v)]; !ok {
				kept = append(kept, v)
			}
		}
		out = kept
	}
	return NormalizeSet(out)
}

// ParseDueDate accepts RFC3339 timestamps and plain YYYY-MM-DD dates.
func ParseDueDate(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t.UTC(), nil
	}
	t, err := time.Parse(time.DateOnly, raw)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}
