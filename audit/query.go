package audit

import (
	"context"

	"tasksync/domain"
	"tasksync/storage"
)

const maxPerPage = 200

// Reader serves the history and activity queries.
type Reader struct {
	store   storage.HistoryStore
	members storage.MemberDirectory
}

// NewReader builds a Reader. members may be nil, in which case actor names
// come only from the history store.
func NewReader(store storage.HistoryStore, members storage.MemberDirectory) *Reader {
	return &Reader{store: store, members: members}
}

// TaskHistory returns the entries of one task, newest first.
func (r *Reader) TaskHistory(ctx context.Context, taskID string) ([]domain.HistoryEntry, error) {
	return r.store.TaskHistory(ctx, taskID)
}

// Activity returns one page of the filtered activity feed.
func (r *Reader) Activity(ctx context.Context, f domain.ActivityFilter) (domain.ActivityPage, error) {
	if f.Page < 1 {
		f.Page = 1
	}
	if f.PerPage <= 0 {
		f.PerPage = storage.DefaultPageSize
	}
	if f.PerPage > maxPerPage {
		f.PerPage = maxPerPage
	}
	items, total, err := r.store.Activity(ctx, f)
	if err != nil {
		return domain.ActivityPage{}, err
	}
	r.enrich(ctx, items)
	return domain.ActivityPage{Items: items, Total: total, Page: f.Page, PerPage: f.PerPage}, nil
}

func (r *Reader) enrich(ctx context.Context, items []domain.ActivityItem) {
	if r.members == nil {
		return
	}
	type key struct{ ws, user string }
	seen := map[key]domain.Member{}
	for i := range items {
		if items[i].ActorName != "" {
			continue
		}
		k := key{items[i].WorkspaceID, items[i].ActorID}
		m, ok := seen[k]
		if !ok {
			found, err := r.members.Member(ctx, k.ws, k.user)
			if err != nil {
				found = domain.Member{UserID: k.user}
			}
			seen[k] = found
			m = found
		}
		items[i].ActorName = m.Name()
		items[i].ActorAvatar = m.AvatarURL
	}
}
