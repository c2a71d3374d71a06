// Package diff computes the ordered change tuples between two task snapshots.
package diff

import (
	"encoding/json"
	"reflect"
	"sort"
	"time"

	"tasksync/domain"
)

const (
	FieldTitle        = "title"
	FieldDescription  = "description"
	FieldStatus       = "status"
	FieldPriority     = "priority"
	FieldDueDate      = "due_date"
	FieldTags         = "tags"
	FieldAssignees    = "assignees"
	FieldWatchers     = "watchers"
	CustomFieldPrefix = "custom_fields."
)

// Compute returns the changes that turn old into next. Scalars produce a set
// op, set-valued fields one add or remove per element. Comparing a snapshot
// with itself yields nil.
func Compute(old, next domain.Fields) []domain.Change {
	var out []domain.Change
	scalar := func(field string, a, b string) {
		if a != b {
			out = append(out, domain.Change{Field: field, Op: domain.OpSet, OldValue: a, NewValue: b})
		}
	}
	scalar(FieldTitle, old.Title, next.Title)
	scalar(FieldDescription, old.Description, next.Description)
	scalar(FieldStatus, string(old.Status), string(next.Status))
	scalar(FieldPriority, string(old.Priority), string(next.Priority))

	if !sameInstant(old.DueDate, next.DueDate) {
		out = append(out, domain.Change{
			Field:    FieldDueDate,
			Op:       domain.OpSet,
			OldValue: formatTime(old.DueDate),
			NewValue: formatTime(next.DueDate),
		})
	}

	out = append(out, setOps(FieldTags, old.Tags, next.Tags)...)
	out = append(out, setOps(FieldAssignees, old.Assignees, next.Assignees)...)
	out = append(out, setOps(FieldWatchers, old.Watchers, next.Watchers)...)
	out = append(out, customFieldOps(old.CustomFields, next.CustomFields)...)
	return out
}

// Added returns the elements added to field by changes.
func Added(changes []domain.Change, field string) []string {
	var out []string
	for _, c := range changes {
		if c.Field == field && c.Op == domain.OpAdd {
			if s, ok := c.NewValue.(string); ok {
				out = append(out, s)
			}
		}
	}
	return out
}

// Find returns the first change for field.
func Find(changes []domain.Change, field string) (domain.Change, bool) {
	for _, c := range changes {
		if c.Field == field {
			return c, true
		}
	}
	return domain.Change{}, false
}

func setOps(field string, old, next []string) []domain.Change {
	before := toSet(old)
	after := toSet(next)
	var removed, added []string
	for v := range before {
		if _, ok := after[v]; !ok {
			removed = append(removed, v)
		}
	}
	for v := range after {
		if _, ok := before[v]; !ok {
			added = append(added, v)
		}
	}
	sort.Strings(removed)
	sort.Strings(added)
	out := make([]domain.Change, 0, len(removed)+len(added))
	for _, v := range removed {
		out = append(out, domain.Change{Field: field, Op: domain.OpRemove, OldValue: v})
	}
	for _, v := range added {
		out = append(out, domain.Change{Field: field, Op: domain.OpAdd, NewValue: v})
	}
	return out
}

func toSet(values []string) map[string]struct{} {
	m := make(map[string]struct{}, len(values))
	for _, v := range values {
		m[v] = struct{}{}
	}
	return m
}

func customFieldOps(old, next map[string]any) []domain.Change {
	keys := make(map[string]struct{}, len(old)+len(next))
	for k := range old {
		keys[k] = struct{}{}
	}
	for k := range next {
		keys[k] = struct{}{}
	}
	sorted := make([]string, 0, len(keys))
	for k := range keys {
		sorted = append(sorted, k)
	}
	sort.Strings(sorted)

	var out []domain.Change
	for _, k := range sorted {
		a, b := old[k], next[k]
		if Equal(a, b) {
			continue
		}
		out = append(out, domain.Change{Field: CustomFieldPrefix + k, Op: domain.OpSet, OldValue: a, NewValue: b})
	}
	return out
}

// Equal compares two decoded JSON values by meaning: numbers numerically,
// timestamps by instant, arrays element-wise.
func Equal(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if x, ok := toFloat(a); ok {
		y, ok := toFloat(b)
		return ok && x == y
	}
	switch x := a.(type) {
	case string:
		y, ok := b.(string)
		if !ok {
			return false
		}
		if x == y {
			return true
		}
		tx, errX := time.Parse(time.RFC3339Nano, x)
		ty, errY := time.Parse(time.RFC3339Nano, y)
		return errX == nil && errY == nil && tx.Equal(ty)
	case bool:
		y, ok := b.(bool)
		return ok && x == y
	case []any:
		y, ok := b.([]any)
		if !ok || len(x) != len(y) {
			return false
		}
		for i := range x {
			if !Equal(x[i], y[i]) {
				return false
			}
		}
		return true
	case map[string]any:
		y, ok := b.(map[string]any)
		if !ok || len(x) != len(y) {
			return false
		}
		for k, v := range x {
			w, ok := y[k]
			if !ok || !Equal(v, w) {
				return false
			}
		}
		return true
	}
	return reflect.DeepEqual(a, b)
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

func sameInstant(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Equal(*b)
}

func formatTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Format(time.RFC3339)
}
