package storage

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"sync"
	"time"

	"tasksync/domain"
)

// MemoryStore is a process-local Store used by tests and STORE_DRIVER=memory.
type MemoryStore struct {
	mu            sync.RWMutex
	now           func() time.Time
	tasks         map[string]domain.Task
	history       []domain.HistoryEntry
	notifications []domain.Notification
	comments      map[string]domain.Comment
	commentOrder  []string
	members       map[string]domain.Member
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		now:      func() time.Time { return time.Now().UTC() },
		tasks:    make(map[string]domain.Task),
		comments: make(map[string]domain.Comment),
		members:  make(map[string]domain.Member),
	}
}

func (s *MemoryStore) Ping(context.Context) error { return nil }

func (s *MemoryStore) Close() error { return nil }

func cloneTask(t domain.Task) domain.Task {
	out := t
	out.Fields = t.Fields.Clone()
	if t.DeletedAt != nil {
		d := *t.DeletedAt
		out.DeletedAt = &d
	}
	return out
}

func (s *MemoryStore) GetTask(_ context.Context, id string) (domain.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tasks[id]
	if !ok || t.Deleted() {
		return domain.Task{}, domain.ErrNotFound
	}
	return cloneTask(t), nil
}

func (s *MemoryStore) TaskWorkspace(_ context.Context, id string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tasks[id]
	if !ok {
		return "", domain.ErrNotFound
	}
	return t.WorkspaceID, nil
}

func (s *MemoryStore) CreateTask(_ context.Context, task domain.Task) (domain.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.tasks[task.ID]; exists {
		return domain.Task{}, &domain.ValidationError{Field: "id", Message: "task already exists"}
	}
	now := s.now()
	task.Fields = task.Fields.Normalize()
	task.Version = 1
	task.CreatedAt = now
	task.UpdatedAt = now
	task.DeletedAt = nil
	s.tasks[task.ID] = cloneTask(task)
	return cloneTask(task), nil
}

func (s *MemoryStore) CompareAndSwap(_ context.Context, id string, expected int64, fields domain.Fields, deleted bool) (domain.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok || t.Deleted() {
		return domain.Task{}, domain.ErrNotFound
	}
	if t.Version != expected {
		return domain.Task{}, &domain.ConflictError{TaskID: id, Expected: expected, Current: t.Version}
	}
	now := s.now()
	t.Fields = fields.Normalize()
	t.Version++
	t.UpdatedAt = now
	if deleted {
		t.DeletedAt = &now
	}
	s.tasks[id] = cloneTask(t)
	return cloneTask(t), nil
}

func (s *MemoryStore) AppendHistory(_ context.Context, entries []domain.HistoryEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range entries {
		if _, ok := s.tasks[e.TaskID]; !ok {
			return domain.ErrNotFound
		}
	}
	for _, e := range entries {
		s.history = append(s.history, cloneEntry(e))
	}
	return nil
}

// cloneEntry copies the raw JSON values so callers never share them with the
// stored history.
func cloneEntry(e domain.HistoryEntry) domain.HistoryEntry {
	if e.OldValue != nil {
		e.OldValue = append(json.RawMessage(nil), e.OldValue...)
	}
	if e.NewValue != nil {
		e.NewValue = append(json.RawMessage(nil), e.NewValue...)
	}
	return e
}

func (s *MemoryStore) TaskHistory(_ context.Context, taskID string) ([]domain.HistoryEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	type indexed struct {
		seq int
		e   domain.HistoryEntry
	}
	var found []indexed
	for i, e := range s.history {
		if e.TaskID == taskID {
			found = append(found, indexed{i, e})
		}
	}
	sort.SliceStable(found, func(i, j int) bool {
		if found[i].e.TaskVersion != found[j].e.TaskVersion {
			return found[i].e.TaskVersion > found[j].e.TaskVersion
		}
		return found[i].seq > found[j].seq
	})
	out := make([]domain.HistoryEntry, 0, len(found))
	for _, f := range found {
		out = append(out, cloneEntry(f.e))
	}
	return out, nil
}

func (s *MemoryStore) Activity(_ context.Context, f domain.ActivityFilter) ([]domain.ActivityItem, int, error) {
	if f.PerPage <= 0 {
		f.PerPage = DefaultPageSize
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	actions := make(map[domain.Action]struct{}, len(f.Actions))
	for _, a := range f.Actions {
		actions[a] = struct{}{}
	}
	search := strings.ToLower(strings.TrimSpace(f.Search))

	var matched []domain.ActivityItem
	for i := len(s.history) - 1; i >= 0; i-- {
		e := s.history[i]
		t, ok := s.tasks[e.TaskID]
		if !ok {
			continue
		}
		switch {
		case f.WorkspaceID != "" && t.WorkspaceID != f.WorkspaceID,
			f.ListID != "" && t.ListID != f.ListID,
			f.TaskID != "" && e.TaskID != f.TaskID,
			f.ActorID != "" && e.ActorID != f.ActorID,
			f.From != nil && e.CreatedAt.Before(*f.From),
			f.To != nil && e.CreatedAt.After(*f.To):
			continue
		}
		if len(actions) > 0 {
			if _, ok := actions[e.Action]; !ok {
				continue
			}
		}
		if search != "" && !strings.Contains(strings.ToLower(strings.Join([]string{
			t.Title, e.FieldName, string(e.OldValue), string(e.NewValue),
		}, "\x00")), search) {
			continue
		}
		item := domain.ActivityItem{
			HistoryEntry: cloneEntry(e),
			WorkspaceID:  t.WorkspaceID,
			ListID:       t.ListID,
			TaskTitle:    t.Title,
		}
		if m, ok := s.members[memberKey(t.WorkspaceID, e.ActorID)]; ok {
			item.ActorName = m.Name()
			item.ActorAvatar = m.AvatarURL
		}
		matched = append(matched, item)
	}
	sort.SliceStable(matched, func(i, j int) bool {
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})

	total := len(matched)
	start := f.Offset()
	if start > total {
		start = total
	}
	end := start + f.PerPage
	if end > total {
		end = total
	}
	return append([]domain.ActivityItem(nil), matched[start:end]...), total, nil
}

func (s *MemoryStore) InsertNotifications(_ context.Context, items []domain.Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notifications = append(s.notifications, items...)
	return nil
}

func (s *MemoryStore) ListNotifications(_ context.Context, userID string, unreadOnly bool, limit int) ([]domain.Notification, error) {
	if limit <= 0 {
		limit = DefaultPageSize
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Notification, 0)
	for i := len(s.notifications) - 1; i >= 0 && len(out) < limit; i-- {
		n := s.notifications[i]
		if n.RecipientID != userID || (unreadOnly && n.Read) {
			continue
		}
		out = append(out, n)
	}
	return out, nil
}

func (s *MemoryStore) UnreadCount(_ context.Context, userID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	count := 0
	for _, n := range s.notifications {
		if n.RecipientID == userID && !n.Read {
			count++
		}
	}
	return count, nil
}

func (s *MemoryStore) MarkRead(_ context.Context, id, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.notifications {
		if s.notifications[i].ID == id && s.notifications[i].RecipientID == userID {
			s.notifications[i].Read = true
			return nil
		}
	}
	return domain.ErrNotFound
}

func (s *MemoryStore) MarkAllRead(_ context.Context, userID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for i := range s.notifications {
		if s.notifications[i].RecipientID == userID && !s.notifications[i].Read {
			s.notifications[i].Read = true
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) DeleteNotification(_ context.Context, id, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, n := range s.notifications {
		if n.ID == id && n.RecipientID == userID {
			s.notifications = append(s.notifications[:i], s.notifications[i+1:]...)
			return nil
		}
	}
	return domain.ErrNotFound
}

func (s *MemoryStore) InsertComment(_ context.Context, c domain.Comment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[c.TaskID]; !ok {
		return domain.ErrNotFound
	}
	s.comments[c.ID] = c
	s.commentOrder = append(s.commentOrder, c.ID)
	return nil
}

func (s *MemoryStore) GetComment(_ context.Context, id string) (domain.Comment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.comments[id]
	if !ok {
		return domain.Comment{}, domain.ErrNotFound
	}
	return c, nil
}

func (s *MemoryStore) UpdateComment(_ context.Context, c domain.Comment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.comments[c.ID]
	if !ok {
		return domain.ErrNotFound
	}
	cur.Body = c.Body
	cur.AssignedTo = c.AssignedTo
	cur.UpdatedAt = c.UpdatedAt
	s.comments[c.ID] = cur
	return nil
}

func (s *MemoryStore) ListComments(_ context.Context, taskID string) ([]domain.Comment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Comment, 0)
	for _, id := range s.commentOrder {
		if c := s.comments[id]; c.TaskID == taskID {
			out = append(out, c)
		}
	}
	return out, nil
}

func memberKey(workspaceID, userID string) string {
	return workspaceID + "/" + userID
}

func (s *MemoryStore) Member(_ context.Context, workspaceID, userID string) (domain.Member, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.members[memberKey(workspaceID, userID)]
	if !ok {
		return domain.Member{}, domain.ErrNotFound
	}
	return m, nil
}

func (s *MemoryStore) MemberByUsername(_ context.Context, workspaceID, username string) (domain.Member, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, m := range s.members {
		if m.WorkspaceID == workspaceID && strings.EqualFold(m.Username, username) {
			return m, nil
		}
	}
	return domain.Member{}, domain.ErrNotFound
}

func (s *MemoryStore) UpsertMember(_ context.Context, m domain.Member) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.members[memberKey(m.WorkspaceID, m.UserID)] = m
	return nil
}
