package diff

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"tasksync/domain"
)

func TestComputeSelfIsEmpty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("diffing a snapshot against itself is empty", prop.ForAll(
		func(title, desc, status string, tags, assignees []string, estimate float64, hasDue bool) bool {
			f := domain.Fields{
				Title:        title,
				Description:  desc,
				Status:       domain.Status(status),
				Priority:     domain.PriorityMedium,
				Tags:         tags,
				Assignees:    assignees,
				CustomFields: map[string]any{"estimate": estimate, "labels": []any{title, estimate}},
			}
			if hasDue {
				d := time.Unix(int64(len(title))*3600, 0)
				f.DueDate = &d
			}
			return len(Compute(f, f)) == 0 && len(Compute(f, f.Clone())) == 0
		},
		gen.AlphaString(),
		gen.AnyString(),
		gen.OneConstOf("todo", "inprogress", "done"),
		gen.SliceOf(gen.AlphaString()),
		gen.SliceOf(gen.Identifier()),
		gen.Float64Range(-1e6, 1e6),
		gen.Bool(),
	))

	properties.Property("set ops rebuild the new set", prop.ForAll(
		func(before, after []string) bool {
			old := domain.Fields{Tags: domain.NormalizeSet(before)}
			next := domain.Fields{Tags: domain.NormalizeSet(after)}
			set := toSet(old.Tags)
			for _, c := range Compute(old, next) {
				switch c.Op {
				case domain.OpAdd:
					set[c.NewValue.(string)] = struct{}{}
				case domain.OpRemove:
					delete(set, c.OldValue.(string))
				}
			}
			if len(set) != len(next.Tags) {
				return false
			}
			for _, v := range next.Tags {
				if _, ok := set[v]; !ok {
					return false
				}
			}
			return true
		},
		gen.SliceOf(gen.Identifier()),
		gen.SliceOf(gen.Identifier()),
	))

	properties.TestingRun(t)
}

func TestComputeOrderAndOps(t *testing.T) {
	due := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	old := domain.Fields{
		Title:     "old",
		Status:    domain.StatusTodo,
		Priority:  domain.PriorityLow,
		Tags:      []string{"a", "b"},
		Assignees: []string{"u1"},
		CustomFields: map[string]any{
			"estimate": 3.0,
			"owner":    "x",
		},
	}
	next := old.Clone()
	next.Title = "new"
	next.Status = domain.StatusDone
	next.DueDate = &due
	next.Tags = []string{"b", "c"}
	next.Assignees = []string{"u1", "u2"}
	next.CustomFields["estimate"] = json.Number("3")
	next.CustomFields["owner"] = "y"

	got := Compute(old, next)
	want := []struct {
		field string
		op    domain.Op
	}{
		{FieldTitle, domain.OpSet},
		{FieldStatus, domain.OpSet},
		{FieldDueDate, domain.OpSet},
		{FieldTags, domain.OpRemove},
		{FieldTags, domain.OpAdd},
		{FieldAssignees, domain.OpAdd},
		{CustomFieldPrefix + "owner", domain.OpSet},
	}
	if len(got) != len(want) {
		t.Fatalf("expected %d changes, got %d: %+v", len(want), len(got), got)
	}
	for i, w := range want {
		if got[i].Field != w.field || got[i].Op != w.op {
			t.Fatalf("change %d: expected %s/%s, got %s/%s", i, w.field, w.op, got[i].Field, got[i].Op)
		}
	}
	if got[0].OldValue != "old" || got[0].NewValue != "new" {
		t.Fatalf("unexpected title change %+v", got[0])
	}
	if got[3].OldValue != "a" || got[4].NewValue != "c" {
		t.Fatalf("unexpected tag ops %+v %+v", got[3], got[4])
	}
	if added := Added(got, FieldAssignees); len(added) != 1 || added[0] != "u2" {
		t.Fatalf("expected u2 added, got %v", added)
	}
}

func TestComputeTypeAware(t *testing.T) {
	a := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	b := a.In(time.FixedZone("CEST", 2*3600))
	old := domain.Fields{DueDate: &a, CustomFields: map[string]any{
		"when":  "2024-05-01T10:00:00Z",
		"count": 1,
		"list":  []any{1.0, "x"},
	}}
	next := domain.Fields{DueDate: &b, CustomFields: map[string]any{
		"when":  "2024-05-01T12:00:00+02:00",
		"count": 1.0,
		"list":  []any{json.Number("1"), "x"},
	}}
	if changes := Compute(old, next); len(changes) != 0 {
		t.Fatalf("expected no changes for equivalent values, got %+v", changes)
	}
}

func TestComputeCustomFieldRemoval(t *testing.T) {
	old := domain.Fields{CustomFields: map[string]any{"sprint": "12"}}
	next := domain.Fields{}
	changes := Compute(old, next)
	if len(changes) != 1 || changes[0].Field != "custom_fields.sprint" || changes[0].NewValue != nil {
		t.Fatalf("unexpected changes %+v", changes)
	}
}
