// Package recorder persists entity states so they survive a restart.
//
// State changes are collected on the event loop and written in batches by a
// worker goroutine once no change has been seen for the debounce delay, or
// once the oldest pending change is a commit interval old, so the loop never
// waits on the database and a busy entity cannot hold writes back forever.
package recorder

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/frostdev-ops/pma-hub/internal/config"
	"github.com/frostdev-ops/pma-hub/internal/core/bus"
	"github.com/frostdev-ops/pma-hub/internal/core/hub"
	"github.com/frostdev-ops/pma-hub/internal/core/loop"
	"github.com/frostdev-ops/pma-hub/internal/core/states"
	"github.com/frostdev-ops/pma-hub/internal/database/models"
	"github.com/frostdev-ops/pma-hub/internal/database/repositories"
	apperrors "github.com/frostdev-ops/pma-hub/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Used when the configured values are not positive.
const (
	DefaultDebounce       = 5 * time.Second
	DefaultCommitInterval = 30 * time.Second
)

// Recorder writes state changes to a StateRepository.
type Recorder struct {
	hub       *hub.Hub
	repo      repositories.StateRepository
	logger    *logrus.Logger
	debounce  time.Duration
	commit    time.Duration
	batchSize int
	retry     *apperrors.RetryExecutor

	// loop only
	sub     *bus.Subscription
	timer   *loop.Timer
	pending map[string]*states.State // nil value: entity removed
	oldest  time.Time                // first change in pending

	// handed from the loop to the writer
	mu     sync.Mutex
	queue  []map[string]*states.State
	wake   chan struct{}
	writes sync.Mutex

	statsMu sync.Mutex
	stats   Stats
}

// Stats describes recorder activity.
type Stats struct {
	Batches    int       `json:"batches"`
	Written    int       `json:"written"`
	Removed    int       `json:"removed"`
	Failures   int       `json:"failures"`
	LastFlush  time.Time `json:"last_flush,omitempty"`
	LastError  string    `json:"last_error,omitempty"`
	QueuedSets int       `json:"queued_batches"`
}

// New creates a recorder for h. Call Start to begin listening and Run to
// start the writer.
func New(h *hub.Hub, repo repositories.StateRepository, cfg config.RecorderConfig, logger *logrus.Logger) *Recorder {
	if logger == nil {
		logger = h.Logger
	}
	debounce := cfg.Debounce
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	commit := cfg.CommitInterval
	if commit <= 0 {
		commit = DefaultCommitInterval
	}
	return &Recorder{
		hub:       h,
		repo:      repo,
		logger:    logger,
		debounce:  debounce,
		commit:    commit,
		batchSize: cfg.BatchSize,
		retry: apperrors.NewRetryExecutor(&apperrors.RetryPolicy{
			MaxAttempts:   3,
			InitialDelay:  200 * time.Millisecond,
			MaxDelay:      2 * time.Second,
			BackoffFactor: 2,
			Jitter:        true,
		}, logger),
		pending: make(map[string]*states.State),
		wake:    make(chan struct{}, 1),
	}
}

// Restore loads every stored state into the state machine without touching
// timestamps. Call it before Start so restored states are not written back.
func (r *Recorder) Restore(ctx context.Context) (int, error) {
	stored, err := r.repo.GetAll(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to load stored states: %w", err)
	}

	restored := 0
	for _, s := range stored {
		if err := r.hub.States.Restore(fromModel(s)); err != nil {
			r.logger.WithError(err).WithField("entity_id", s.EntityID).Warn("Skipping stored state")
			continue
		}
		restored++
	}

	r.logger.WithField("count", restored).Info("Restored states")
	return restored, nil
}

// Start subscribes to state changes. Safe from any goroutine.
func (r *Recorder) Start() {
	if r.sub != nil {
		return
	}
	r.sub = r.hub.TrackAllStates(r.onStateChanged)
}

// Stop unsubscribes and cancels the debounce timer. Must run on the loop.
// Pending changes stay queued for Flush.
func (r *Recorder) Stop() {
	if r.sub != nil {
		r.sub.Cancel()
		r.sub = nil
	}
	if r.timer != nil {
		r.timer.Cancel()
		r.timer = nil
	}
}

func (r *Recorder) onStateChanged(e bus.Event) {
	data, ok := e.Data.(states.ChangedData)
	if !ok {
		return
	}
	now := r.hub.Loop.Now()
	if len(r.pending) == 0 {
		r.oldest = now
	}
	r.pending[data.EntityID] = data.NewState

	if r.batchSize > 0 && len(r.pending) >= r.batchSize {
		r.handOff()
		return
	}

	// Each change pushes the write out by the debounce delay, but never past
	// the commit interval of the oldest pending change.
	due := now.Add(r.debounce)
	if deadline := r.oldest.Add(r.commit); deadline.Before(due) {
		due = deadline
	}
	if r.timer != nil {
		r.timer.Cancel()
	}
	r.timer = r.hub.Loop.CallAt(due, r.handOff)
}

// handOff moves the pending changes to the writer. Runs on the loop.
func (r *Recorder) handOff() {
	if r.timer != nil {
		r.timer.Cancel()
		r.timer = nil
	}
	if len(r.pending) == 0 {
		return
	}
	batch := r.pending
	r.pending = make(map[string]*states.State)

	r.mu.Lock()
	r.queue = append(r.queue, batch)
	r.mu.Unlock()

	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// Run writes queued batches until ctx is done, then writes what is left.
func (r *Recorder) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			// best effort with a fresh deadline
			drainCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			err := r.write(drainCtx)
			cancel()
			return err
		case <-r.wake:
			if err := r.write(ctx); err != nil && ctx.Err() == nil {
				r.logger.WithError(err).Error("Failed to persist states")
			}
		}
	}
}

// Flush hands off pending changes and writes them before returning. Call it
// from outside the loop.
func (r *Recorder) Flush(ctx context.Context) error {
	if err := r.hub.Loop.Call(ctx, r.handOff); err != nil && !errors.Is(err, loop.ErrStopped) {
		return fmt.Errorf("failed to collect pending states: %w", err)
	}
	return r.write(ctx)
}

// write merges every queued batch into one repository call.
func (r *Recorder) write(ctx context.Context) error {
	r.writes.Lock()
	defer r.writes.Unlock()

	r.mu.Lock()
	queue := r.queue
	r.queue = nil
	r.mu.Unlock()
	if len(queue) == 0 {
		return nil
	}

	merged := make(map[string]*states.State)
	for _, batch := range queue {
		for id, s := range batch {
			merged[id] = s
		}
	}

	var (
		upserts []*models.StoredState
		removed []string
	)
	for id, s := range merged {
		if s == nil {
			removed = append(removed, id)
			continue
		}
		upserts = append(upserts, toModel(s))
	}

	err := r.retry.Execute(ctx, "recorder.save", func() error {
		return r.repo.Save(ctx, upserts, removed)
	})

	r.statsMu.Lock()
	defer r.statsMu.Unlock()
	if err != nil {
		r.stats.Failures++
		r.stats.LastError = err.Error()
		// keep the changes for the next attempt unless newer ones exist
		r.mu.Lock()
		r.queue = append([]map[string]*states.State{merged}, r.queue...)
		r.mu.Unlock()
		return fmt.Errorf("failed to save %d states: %w", len(merged), err)
	}
	r.stats.Batches++
	r.stats.Written += len(upserts)
	r.stats.Removed += len(removed)
	r.stats.LastFlush = r.hub.Loop.Now()
	r.stats.LastError = ""

	r.logger.WithFields(logrus.Fields{
		"written": len(upserts),
		"removed": len(removed),
	}).Debug("Persisted states")
	return nil
}

// Stats returns a copy of the recorder counters.
func (r *Recorder) Stats() Stats {
	r.statsMu.Lock()
	out := r.stats
	r.statsMu.Unlock()

	r.mu.Lock()
	out.QueuedSets = len(r.queue)
	r.mu.Unlock()
	return out
}

func toModel(s *states.State) *models.StoredState {
	return &models.StoredState{
		EntityID:    s.EntityID,
		Domain:      s.Domain(),
		State:       s.State,
		Attributes:  models.JSONMap(s.Attributes),
		LastChanged: s.LastChanged,
		LastUpdated: s.LastUpdated,
	}
}

func fromModel(m *models.StoredState) *states.State {
	attrs := map[string]interface{}(m.Attributes)
	if attrs == nil {
		attrs = map[string]interface{}{}
	}
	return &states.State{
		EntityID:    m.EntityID,
		State:       m.State,
		Attributes:  attrs,
		LastChanged: m.LastChanged.UTC(),
		LastUpdated: m.LastUpdated.UTC(),
	}
}
