package pipeline

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"

	"tasksync/domain"
	"tasksync/retry"
)

// Exporter ships committed change events to an external consumer.
type Exporter interface {
	Export(ctx context.Context, ev domain.ChangeEvent) error
}

// FeedConfig tunes the change-feed outbox.
type FeedConfig struct {
	Workers       int
	Buffer        int
	ExportTimeout time.Duration
	RetryInitial  time.Duration
	RetryMax      time.Duration
	MaxAttempts   int
}

func (c FeedConfig) withDefaults() FeedConfig {
	if c.Workers <= 0 {
		c.Workers = 1
	}
	if c.Buffer <= 0 {
		c.Buffer = c.Workers * 64
	}
	if c.ExportTimeout <= 0 {
		c.ExportTimeout = 30 * time.Second
	}
	if c.RetryInitial <= 0 {
		c.RetryInitial = 250 * time.Millisecond
	}
	if c.RetryMax <= 0 {
		c.RetryMax = 30 * time.Second
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	return c
}

type feedRecord struct {
	event   domain.ChangeEvent
	attempt int
}

var (
	errFeedSaturated = errors.New("change feed is saturated")
	errFeedClosed    = errors.New("change feed is closed")
)

// Feed is a bounded worker pool that exports change events with retries.
// Events that exhaust their attempts are logged and dropped; the feed is an
// integration signal, not a client replay log.
type Feed struct {
	cfg      FeedConfig
	exporter Exporter
	logger   *log.Logger

	workCh   chan *feedRecord
	stopCh   chan struct{}
	workerWG sync.WaitGroup
	retryWG  sync.WaitGroup

	mu      sync.Mutex
	closing bool

	exported atomic.Uint64
	dropped  atomic.Uint64
}

// NewFeed starts the workers.
func NewFeed(cfg FeedConfig, exporter Exporter, logger *log.Logger) *Feed {
	if exporter == nil {
		panic("pipeline.NewFeed: exporter is nil")
	}
	if logger == nil {
		panic("pipeline.NewFeed: logger is nil")
	}
	cfg = cfg.withDefaults()
	f := &Feed{
		cfg:      cfg,
		exporter: exporter,
		logger:   logger,
		workCh:   make(chan *feedRecord, cfg.Buffer),
		stopCh:   make(chan struct{}),
	}
	for i := 0; i < cfg.Workers; i++ {
		f.workerWG.Add(1)
		go f.worker(i)
	}
	logger.Infof("change feed started, workers: %d, buffer: %d", cfg.Workers, cfg.Buffer)
	return f
}

// Submit hands ev to a worker without waiting. A full buffer drops the event
// and returns errFeedSaturated so a committed mutation never waits on export.
func (f *Feed) Submit(ev domain.ChangeEvent) error {
	f.mu.Lock()
	closing := f.closing
	f.mu.Unlock()
	if closing {
		return errFeedClosed
	}
	rec := &feedRecord{event: ev}

	select {
	case f.workCh <- rec:
		return nil
	default:
		f.dropped.Add(1)
		return errFeedSaturated
	}
}

func (f *Feed) worker(id int) {
	defer f.workerWG.Done()
	for {
		select {
		case rec := <-f.workCh:
			f.export(rec, id)
		case <-f.stopCh:
			// drain buffered events before exiting
			for {
				select {
				case rec := <-f.workCh:
					f.export(rec, id)
				default:
					return
				}
			}
		}
	}
}

func (f *Feed) export(rec *feedRecord, workerID int) {
	ctx, cancel := context.WithTimeout(context.Background(), f.cfg.ExportTimeout)
	err := f.exporter.Export(ctx, rec.event)
	cancel()
	if err == nil {
		f.exported.Add(1)
		return
	}

	rec.attempt++
	entry := f.logger.WithError(err).WithFields(log.Fields{
		"worker":  workerID,
		"task":    rec.event.TaskID,
		"version": rec.event.VersionAfter,
		"attempt": rec.attempt,
	})
	if rec.attempt >= f.cfg.MaxAttempts {
		f.dropped.Add(1)
		entry.Error("change feed export failed, dropping event")
		return
	}
	entry.Warn("change feed export failed, retrying")
	f.scheduleRetry(rec)
}

func (f *Feed) scheduleRetry(rec *feedRecord) {
	delay := retry.Delay(rec.attempt, f.cfg.RetryInitial, f.cfg.RetryMax)
	f.retryWG.Add(1)
	timer := time.NewTimer(delay)
	go func(r *feedRecord) {
		defer f.retryWG.Done()
		defer timer.Stop()
		select {
		case <-timer.C:
			select {
			case f.workCh <- r:
			case <-f.stopCh:
				f.dropped.Add(1)
			}
		case <-f.stopCh:
			f.dropped.Add(1)
		}
	}(rec)
}

// FeedStats reports delivery counters.
type FeedStats struct {
	Buffered int    `json:"buffered"`
	Exported uint64 `json:"exported"`
	Dropped  uint64 `json:"dropped"`
}

func (f *Feed) Stats() FeedStats {
	return FeedStats{
		Buffered: len(f.workCh),
		Exported: f.exported.Load(),
		Dropped:  f.dropped.Load(),
	}
}

// Close stops accepting events, exports what is buffered and waits for the
// workers to exit. Pending retries are abandoned.
func (f *Feed) Close() {
	f.mu.Lock()
	if f.closing {
		f.mu.Unlock()
		return
	}
	f.closing = true
	close(f.stopCh)
	f.mu.Unlock()

	f.workerWG.Wait()
	f.retryWG.Wait()
}
