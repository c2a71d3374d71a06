// Package audit turns committed mutations into append-only history entries.
package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"tasksync/domain"
	"tasksync/retry"
	"tasksync/storage"
)

// Record describes one accepted mutation to be written to history.
type Record struct {
	ActorID     string
	TaskID      string
	TaskVersion int64
	Action      domain.Action
	Changes     []domain.Change
	// Detail is stored as the new value of an action-only entry.
	Detail    any
	Timestamp time.Time
}

// Writer appends history entries with bounded retries.
type Writer struct {
	store        storage.HistoryStore
	logger       *log.Logger
	retries      int
	retryInitial time.Duration
	retryMax     time.Duration
}

func NewWriter(store storage.HistoryStore, logger *log.Logger, retries int) *Writer {
	if store == nil {
		panic("audit.NewWriter: history store is nil")
	}
	if logger == nil {
		panic("audit.NewWriter: logger is nil")
	}
	if retries < 0 {
		retries = 0
	}
	return &Writer{
		store:        store,
		logger:       logger,
		retries:      retries,
		retryInitial: 50 * time.Millisecond,
		retryMax:     time.Second,
	}
}

// Entries converts a record into history entries: one per change, or one
// action-only entry when there are no changes.
func Entries(rec Record) ([]domain.HistoryEntry, error) {
	ts := rec.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	ts = ts.UTC()
	base := domain.HistoryEntry{
		TaskID:      rec.TaskID,
		TaskVersion: rec.TaskVersion,
		ActorID:     rec.ActorID,
		CreatedAt:   ts,
	}

	if len(rec.Changes) == 0 {
		e := base
		e.ID = uuid.NewString()
		e.Action = rec.Action
		if rec.Detail != nil {
			raw, err := encodeValue(rec.Detail)
			if err != nil {
				return nil, err
			}
			e.NewValue = raw
		}
		return []domain.HistoryEntry{e}, nil
	}

	out := make([]domain.HistoryEntry, 0, len(rec.Changes))
	for _, c := range rec.Changes {
		e := base
		e.ID = uuid.NewString()
		e.FieldName = c.Field
		e.Action = rec.Action
		if rec.Action == "" || rec.Action == domain.ActionUpdated {
			e.Action = domain.ActionForOp(c.Op)
		}
		var err error
		if e.OldValue, err = encodeValue(c.OldValue); err != nil {
			return nil, err
		}
		if e.NewValue, err = encodeValue(c.NewValue); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

func encodeValue(v any) (json.RawMessage, error) {
	if v == nil {
		return nil, nil
	}
	raw, err := sonic.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode history value: %w", err)
	}
	return raw, nil
}

// Record writes the entries for rec. It retries transient failures and logs a
// final failure; the returned error is informational because the mutation it
// describes has already committed.
func (w *Writer) Record(ctx context.Context, rec Record) ([]domain.HistoryEntry, error) {
	ctx, span := otel.Tracer("tasksync/audit").Start(ctx, "audit.record")
	defer span.End()
	span.SetAttributes(
		attribute.String("task.id", rec.TaskID),
		attribute.Int64("task.version", rec.TaskVersion),
		attribute.String("audit.action", string(rec.Action)),
		attribute.Int("audit.changes", len(rec.Changes)),
	)

	entries, err := Entries(rec)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		w.logger.WithError(err).WithField("task", rec.TaskID).Error("audit entries could not be encoded")
		return nil, err
	}

	for attempt := 0; ; attempt++ {
		err = w.store.AppendHistory(ctx, entries)
		if err == nil {
			span.SetStatus(codes.Ok, "")
			return entries, nil
		}
		if attempt >= w.retries || errors.Is(err, domain.ErrNotFound) || ctx.Err() != nil {
			break
		}
		delay := retry.Delay(attempt+1, w.retryInitial, w.retryMax)
		w.logger.WithError(err).WithFields(log.Fields{
			"task":    rec.TaskID,
			"version": rec.TaskVersion,
			"attempt": attempt + 1,
		}).Warn("audit append failed, retrying")
		select {
		case <-time.After(delay):
		case <-ctx.Done():
		}
	}

	span.SetStatus(codes.Error, err.Error())
	w.logger.WithError(err).WithFields(log.Fields{
		"task":    rec.TaskID,
		"version": rec.TaskVersion,
		"actor":   rec.ActorID,
		"action":  rec.Action,
		"entries": len(entries),
	}).Error("audit append failed")
	return nil, err
}
