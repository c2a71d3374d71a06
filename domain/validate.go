package domain

import (
	"encoding/json"
	"fmt"
	"strings"
	"unicode/utf8"
)

const (
	MaxTitleRunes       = 500
	MaxDescriptionBytes = 100_000
	MaxTagRunes         = 64
	MaxCustomKeyRunes   = 64
)

// ValidateChangeSet checks every field c proposes. It does not look at the
// stored task.
func ValidateChangeSet(c ChangeSet) error {
	if c.Empty() {
		return &ValidationError{Message: "no changes supplied"}
	}
	if c.Title != nil {
		if err := validateTitle(*c.Title); err != nil {
			return err
		}
	}
	if c.Description != nil && len(*c.Description) > MaxDescriptionBytes {
		return &ValidationError{Field: "description", Message: fmt.Sprintf("must be at most %d bytes", MaxDescriptionBytes)}
	}
	if c.Status != nil && !c.Status.Valid() {
		return &ValidationError{Field: "status", Message: fmt.Sprintf("unknown status %q", *c.Status)}
	}
	if c.Priority != nil && !c.Priority.Valid() {
		return &ValidationError{Field: "priority", Message: fmt.Sprintf("unknown priority %q", *c.Priority)}
	}
	if c.DueDate.Set && c.DueDate.Value != nil && strings.TrimSpace(*c.DueDate.Value) != "" {
		if _, err := ParseDueDate(*c.DueDate.Value); err != nil {
			return &ValidationError{Field: "dueDate", Message: "must be RFC3339 or YYYY-MM-DD"}
		}
	}
	tagGroups := [][]string{c.AddTags, c.RemoveTags}
	if c.Tags != nil {
		tagGroups = append(tagGroups, *c.Tags)
	}
	for _, group := range tagGroups {
		if err := validateTags(group); err != nil {
			return err
		}
	}
	userGroups := map[string][]string{
		"addAssignees":    c.AddAssignees,
		"removeAssignees": c.RemoveAssignees,
		"addWatchers":     c.AddWatchers,
		"removeWatchers":  c.RemoveWatchers,
	}
	if c.Assignees != nil {
		userGroups["assignees"] = *c.Assignees
	}
	if c.Watchers != nil {
		userGroups["watchers"] = *c.Watchers
	}
	for field, ids := range userGroups {
		for _, id := range ids {
			if strings.TrimSpace(id) == "" {
				return &ValidationError{Field: field, Message: "user id must not be empty"}
			}
		}
	}
	for key, value := range c.CustomFields {
		if err := validateCustomField(key, value); err != nil {
			return err
		}
	}
	return nil
}

// ValidateFields checks a complete snapshot, used for creation.
func ValidateFields(f Fields) error {
	if err := validateTitle(f.Title); err != nil {
		return err
	}
	if len(f.Description) > MaxDescriptionBytes {
		return &ValidationError{Field: "description", Message: fmt.Sprintf("must be at most %d bytes", MaxDescriptionBytes)}
	}
	if f.Status != "" && !f.Status.Valid() {
		return &ValidationError{Field: "status", Message: fmt.Sprintf("unknown status %q", f.Status)}
	}
	if f.Priority != "" && !f.Priority.Valid() {
		return &ValidationError{Field: "priority", Message: fmt.Sprintf("unknown priority %q", f.Priority)}
	}
	if err := validateTags(f.Tags); err != nil {
		return err
	}
	for key, value := range f.CustomFields {
		if value == nil {
			continue
		}
		if err := validateCustomField(key, value); err != nil {
			return err
		}
	}
	return nil
}

// ValidateComment checks a comment body before it is stored.
func ValidateComment(body string) error {
	if strings.TrimSpace(body) == "" {
		return &ValidationError{Field: "body", Message: "must not be empty"}
	}
	if len(body) > MaxDescriptionBytes {
		return &ValidationError{Field: "body", Message: fmt.Sprintf("must be at most %d bytes", MaxDescriptionBytes)}
	}
	return nil
}

func validateTitle(title string) error {
	t := strings.TrimSpace(title)
	if t == "" {
		return &ValidationError{Field: "title", Message: "must not be empty"}
	}
	if utf8.RuneCountInString(t) > MaxTitleRunes {
		return &ValidationError{Field: "title", Message: fmt.Sprintf("must be at most %d characters", MaxTitleRunes)}
	}
	return nil
}

func validateTags(tags []string) error {
	for _, tag := range tags {
		t := strings.TrimSpace(tag)
		if t == "" {
			return &ValidationError{Field: "tags", Message: "tag must not be empty"}
		}
		if utf8.RuneCountInString(t) > MaxTagRunes {
			return &ValidationError{Field: "tags", Message: fmt.Sprintf("tag %q exceeds %d characters", t, MaxTagRunes)}
		}
	}
	return nil
}

func validateCustomField(key string, value any) error {
	k := strings.TrimSpace(key)
	if k == "" {
		return &ValidationError{Field: "customFields", Message: "key must not be empty"}
	}
	if utf8.RuneCountInString(k) > MaxCustomKeyRunes {
		return &ValidationError{Field: "customFields." + k, Message: fmt.Sprintf("key exceeds %d characters", MaxCustomKeyRunes)}
	}
	switch v := value.(type) {
	case []any:
		for _, item := range v {
			if !isScalar(item) {
				return &ValidationError{Field: "customFields." + k, Message: "arrays may only hold scalars"}
			}
		}
		return nil
	default:
		if isScalar(v) {
			return nil
		}
		return &ValidationError{Field: "customFields." + k, Message: "value must be a scalar or an array of scalars"}
	}
}

func isScalar(v any) bool {
	switch v.(type) {
	case nil, string, bool, float64, float32, int, int32, int64, json.Number:
		return true
	}
	return false
}
