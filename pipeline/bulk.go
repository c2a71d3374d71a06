package pipeline

import (
	"context"
	"fmt"

	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"tasksync/domain"
)

// ItemStatus is the outcome of one task inside a bulk request.
type ItemStatus string

const (
	ItemCommitted ItemStatus = "committed"
	ItemConflict  ItemStatus = "conflict"
	ItemFailed    ItemStatus = "failed"
)

// BulkRequest applies the same change set to many tasks. ExpectedVersions is
// optional per task; a missing entry uses the version read during the item's
// own guard step.
type BulkRequest struct {
	TaskIDs          []string
	Updates          domain.ChangeSet
	ExpectedVersions map[string]int64
	ActorID          string
}

// BulkItem reports one task. Items keep the order of the request.
type BulkItem struct {
	TaskID  string     `json:"taskId"`
	Status  ItemStatus `json:"status"`
	Version int64      `json:"version,omitempty"`
	Error   string     `json:"error,omitempty"`
}

// BulkResult is returned when at least one item committed.
type BulkResult struct {
	Items     []BulkItem `json:"results"`
	Committed int        `json:"committed"`
}

// BulkFailure is returned when no item committed.
type BulkFailure struct {
	Items []BulkItem
}

func (e *BulkFailure) Error() string {
	return fmt.Sprintf("bulk update committed none of %d tasks", len(e.Items))
}

// AllConflicts reports whether every item lost a version race.
func (e *BulkFailure) AllConflicts() bool {
	if len(e.Items) == 0 {
		return false
	}
	for _, it := range e.Items {
		if it.Status != ItemConflict {
			return false
		}
	}
	return true
}

// BulkCoordinator runs the single-task pipeline for every id of a bulk request
// with bounded concurrency. There is no cross-task transaction.
type BulkCoordinator struct {
	service     *Service
	concurrency int
	maxItems    int
	logger      *log.Logger
}

func NewBulkCoordinator(service *Service, concurrency, maxItems int, logger *log.Logger) *BulkCoordinator {
	if service == nil {
		panic("pipeline.NewBulkCoordinator: service is nil")
	}
	if logger == nil {
		panic("pipeline.NewBulkCoordinator: logger is nil")
	}
	if concurrency <= 0 {
		concurrency = 1
	}
	if maxItems <= 0 {
		maxItems = 100
	}
	return &BulkCoordinator{service: service, concurrency: concurrency, maxItems: maxItems, logger: logger}
}

// Update runs the request. Validation errors reject the whole request before
// any write; per-item errors are reported in the result.
func (b *BulkCoordinator) Update(ctx context.Context, req BulkRequest) (BulkResult, error) {
	ctx, span := tracer().Start(ctx, "pipeline.bulk")
	defer span.End()

	ids := dedupeIDs(req.TaskIDs)
	if len(ids) == 0 {
		return BulkResult{}, &domain.ValidationError{Field: "taskIds", Message: "at least one task id is required"}
	}
	if len(ids) > b.maxItems {
		return BulkResult{}, &domain.ValidationError{Field: "taskIds", Message: fmt.Sprintf("at most %d task ids are allowed", b.maxItems)}
	}
	if err := domain.ValidateChangeSet(req.Updates); err != nil {
		return BulkResult{}, err
	}
	span.SetAttributes(attribute.Int("bulk.items", len(ids)))

	items := make([]BulkItem, len(ids))
	var g errgroup.Group
	g.SetLimit(b.concurrency)
	for i, id := range ids {
		g.Go(func() error {
			items[i] = b.one(ctx, id, req)
			return nil
		})
	}
	_ = g.Wait()

	committed := 0
	for _, it := range items {
		if it.Status == ItemCommitted {
			committed++
		}
	}
	span.SetAttributes(attribute.Int("bulk.committed", committed))
	b.logger.WithFields(log.Fields{
		"actor":     req.ActorID,
		"items":     len(items),
		"committed": committed,
	}).Debug("bulk update finished")

	if committed == 0 {
		return BulkResult{}, &BulkFailure{Items: items}
	}
	return BulkResult{Items: items, Committed: committed}, nil
}

func (b *BulkCoordinator) one(ctx context.Context, id string, req BulkRequest) BulkItem {
	res, err := b.service.Update(ctx, Proposal{
		TaskID:          id,
		ExpectedVersion: req.ExpectedVersions[id],
		Changes:         req.Updates,
		ActorID:         req.ActorID,
	})
	switch {
	case err == nil:
		return BulkItem{TaskID: id, Status: ItemCommitted, Version: res.Task.Version}
	case domain.IsConflict(err):
		return BulkItem{TaskID: id, Status: ItemConflict, Error: err.Error()}
	default:
		return BulkItem{TaskID: id, Status: ItemFailed, Error: err.Error()}
	}
}

func dedupeIDs(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
