package domain

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

func strPtr(s string) *string { return &s }

func TestValidateChangeSet(t *testing.T) {
	status := Status("archived")
	prio := PriorityHigh
	tests := []struct {
		name  string
		cs    ChangeSet
		field string
		ok    bool
	}{
		{name: "empty", cs: ChangeSet{}, field: ""},
		{name: "blank title", cs: ChangeSet{Title: strPtr("   ")}, field: "title"},
		{name: "long title", cs: ChangeSet{Title: strPtr(strings.Repeat("x", MaxTitleRunes+1))}, field: "title"},
		{name: "unknown status", cs: ChangeSet{Status: &status}, field: "status"},
		{name: "bad due date", cs: ChangeSet{DueDate: NullableString{Set: true, Value: strPtr("next week")}}, field: "dueDate"},
		{name: "empty tag", cs: ChangeSet{AddTags: []string{""}}, field: "tags"},
		{name: "empty assignee", cs: ChangeSet{AddAssignees: []string{" "}}, field: "addAssignees"},
		{name: "nested custom field", cs: ChangeSet{CustomFields: map[string]any{"k": map[string]any{"a": 1}}}, field: "customFields.k"},
		{name: "priority ok", cs: ChangeSet{Priority: &prio}, ok: true},
		{name: "clear due date", cs: ChangeSet{DueDate: NullableString{Set: true}}, ok: true},
		{name: "custom array", cs: ChangeSet{CustomFields: map[string]any{"points": []any{1.0, "a"}}}, ok: true},
		{name: "date only", cs: ChangeSet{DueDate: NullableString{Set: true, Value: strPtr("2024-05-01")}}, ok: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateChangeSet(tt.cs)
			if tt.ok {
				if err != nil {
					t.Fatalf("expected no error, got %v", err)
				}
				return
			}
			var ve *ValidationError
			if !errors.As(err, &ve) {
				t.Fatalf("expected ValidationError, got %v", err)
			}
			if ve.Field != tt.field {
				t.Fatalf("expected field %q, got %q", tt.field, ve.Field)
			}
		})
	}
}

func TestChangeSetApply(t *testing.T) {
	current := Fields{
		Title:     "old",
		Status:    StatusTodo,
		Priority:  PriorityLow,
		Tags:      []string{"a", "b"},
		Assignees: []string{"u1"},
		CustomFields: map[string]any{
			"estimate": 3.0,
			"team":     "core",
		},
	}
	cs := ChangeSet{
		Title:           strPtr("  new  "),
		AddTags:         []string{"c", "a"},
		RemoveTags:      []string{"b"},
		AddAssignees:    []string{"u2"},
		RemoveAssignees: []string{"u1"},
		DueDate:         NullableString{Set: true, Value: strPtr("2024-05-01T10:00:00+02:00")},
		CustomFields:    map[string]any{"team": nil, "sprint": "12"},
	}
	next, err := cs.Apply(current)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if next.Title != "new" {
		t.Fatalf("expected trimmed title, got %q", next.Title)
	}
	if got := strings.Join(next.Tags, ","); got != "a,c" {
		t.Fatalf("unexpected tags %s", got)
	}
	if got := strings.Join(next.Assignees, ","); got != "u2" {
		t.Fatalf("unexpected assignees %s", got)
	}
	if next.DueDate == nil || next.DueDate.Hour() != 8 {
		t.Fatalf("expected due date normalized to UTC, got %v", next.DueDate)
	}
	if _, ok := next.CustomFields["team"]; ok {
		t.Fatalf("expected team to be removed")
	}
	if next.CustomFields["sprint"] != "12" {
		t.Fatalf("expected sprint to be set")
	}
	if strings.Join(current.Tags, ",") != "a,b" || current.CustomFields["team"] != "core" {
		t.Fatalf("apply must not mutate the current snapshot")
	}
}

func TestChangeSetDueDateJSON(t *testing.T) {
	var absent, cleared ChangeSet
	if err := json.Unmarshal([]byte(`{"title":"x"}`), &absent); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if absent.DueDate.Set {
		t.Fatalf("absent key must leave due date untouched")
	}
	if err := json.Unmarshal([]byte(`{"dueDate":null}`), &cleared); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !cleared.DueDate.Set || cleared.DueDate.Value != nil {
		t.Fatalf("explicit null must clear due date, got %+v", cleared.DueDate)
	}
	next, err := cleared.Apply(Fields{Title: "t", DueDate: nil})
	if err != nil || next.DueDate != nil {
		t.Fatalf("expected cleared due date, got %v %v", next.DueDate, err)
	}
}

func TestConflictErrorUnwrap(t *testing.T) {
	err := error(&ConflictError{TaskID: "t1", Expected: 3, Current: 4})
	if !IsConflict(err) {
		t.Fatalf("expected conflict to match sentinel")
	}
	if IsConflict(ErrNotFound) {
		t.Fatalf("not found is not a conflict")
	}
}

func TestRoleCanEdit(t *testing.T) {
	for _, r := range []Role{RoleOwner, RoleAdmin, RoleMember} {
		if !r.CanEdit() {
			t.Fatalf("%s should edit", r)
		}
	}
	for _, r := range []Role{RoleGuest, RoleViewer, Role("")} {
		if r.CanEdit() {
			t.Fatalf("%s should not edit", r)
		}
	}
}
