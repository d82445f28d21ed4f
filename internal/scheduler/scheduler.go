// Package scheduler runs delayed rule executions. Tasks are persisted before
// their timer is armed, so a restart re-arms whatever was still pending, and
// each task can be cancelled until it starts.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/avast/retry-go"
	"github.com/chxlky/boardhooks/internal/models"
	"github.com/google/uuid"
	"github.com/sourcegraph/conc"
	"go.uber.org/zap"
)

var (
	ErrNotPending = errors.New("task is not pending")
	ErrStopped    = errors.New("scheduler stopped")
)

// Runner executes one task. Returning an error wrapped with Permanent stops
// further attempts.
type Runner func(ctx context.Context, task models.ScheduledTask) error

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	return retry.Unrecoverable(err)
}

type Repository interface {
	Create(ctx context.Context, task *models.ScheduledTask) ([]string, error)
	Claim(ctx context.Context, id string) (bool, error)
	Cancel(ctx context.Context, id string) (bool, error)
	Finish(ctx context.Context, id string, attempts int, runErr error) error
	Get(ctx context.Context, id string) (*models.ScheduledTask, error)
	MarkDateWritten(ctx context.Context, id string) error
	ResetRunning(ctx context.Context) (int64, error)
	Pending(ctx context.Context) ([]models.ScheduledTask, error)
	Recent(ctx context.Context, limit int) ([]models.ScheduledTask, error)
}

type Options struct {
	// Attempts bounds executions per task, first run included.
	Attempts   uint
	RetryDelay time.Duration
}

type armed struct {
	timer *time.Timer
	task  models.ScheduledTask
}

type Scheduler struct {
	repo       Repository
	run        Runner
	attempts   uint
	retryDelay time.Duration
	now        func() time.Time

	mu      sync.Mutex
	timers  map[string]armed
	stopped bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     conc.WaitGroup
}

func New(repo Repository, run Runner, opts Options) *Scheduler {
	if opts.Attempts == 0 {
		opts.Attempts = 1
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		repo:       repo,
		run:        run,
		attempts:   opts.Attempts,
		retryDelay: opts.RetryDelay,
		now:        time.Now,
		timers:     make(map[string]armed),
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Schedule persists a task for (itemID, rule) to run after delay. A pending
// task for the same item and rule is cancelled: the newest event wins.
func (s *Scheduler) Schedule(ctx context.Context, itemID, statusText, rule string, delay time.Duration) (models.ScheduledTask, error) {
	s.mu.Lock()
	stopped := s.stopped
	s.mu.Unlock()
	if stopped {
		return models.ScheduledTask{}, ErrStopped
	}

	task := models.ScheduledTask{
		ID:         uuid.NewString(),
		Key:        itemID + "/" + rule,
		ItemID:     itemID,
		StatusText: statusText,
		Rule:       rule,
		RunAt:      s.now().Add(delay),
	}
	superseded, err := s.repo.Create(ctx, &task)
	if err != nil {
		return models.ScheduledTask{}, err
	}
	for _, id := range superseded {
		s.disarm(id)
		zap.L().Info("Superseded pending task", zap.String("taskID", id), zap.String("by", task.ID), zap.String("key", task.Key))
	}

	s.arm(task)
	zap.L().Info("Task scheduled",
		zap.String("taskID", task.ID),
		zap.String("itemID", itemID),
		zap.String("rule", rule),
		zap.Duration("delay", delay))
	return task, nil
}

// Cancel stops a task that has not started yet.
func (s *Scheduler) Cancel(ctx context.Context, id string) error {
	ok, err := s.repo.Cancel(ctx, id)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("task %s: %w", id, ErrNotPending)
	}
	s.disarm(id)
	zap.L().Info("Task cancelled", zap.String("taskID", id))
	return nil
}

// Resume re-arms every pending task. Tasks a previous process left running
// are treated as pending. Overdue tasks fire immediately.
func (s *Scheduler) Resume(ctx context.Context) (int, error) {
	reset, err := s.repo.ResetRunning(ctx)
	if err != nil {
		return 0, err
	}
	if reset > 0 {
		zap.L().Warn("Re-queued interrupted tasks", zap.Int64("count", reset))
	}
	pending, err := s.repo.Pending(ctx)
	if err != nil {
		return 0, err
	}
	for _, task := range pending {
		s.arm(task)
	}
	return len(pending), nil
}

func (s *Scheduler) List(ctx context.Context, limit int) ([]models.ScheduledTask, error) {
	return s.repo.Recent(ctx, limit)
}

// Stop disarms all timers, cancels running executions and waits for them.
// Pending tasks stay pending in the store.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	s.stopped = true
	for id, a := range s.timers {
		a.timer.Stop()
		delete(s.timers, id)
	}
	s.mu.Unlock()

	s.cancel()
	s.wg.Wait()
}

// MarkDateWritten saves that a running task already stamped its date.
func (s *Scheduler) MarkDateWritten(ctx context.Context, id string) error {
	return s.repo.MarkDateWritten(ctx, id)
}

func (s *Scheduler) arm(task models.ScheduledTask) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	delay := task.RunAt.Sub(s.now())
	if delay < 0 {
		delay = 0
	}
	id := task.ID
	s.timers[id] = armed{timer: time.AfterFunc(delay, func() { s.fire(id) }), task: task}
}

func (s *Scheduler) disarm(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a, ok := s.timers[id]; ok {
		a.timer.Stop()
		delete(s.timers, id)
	}
}

func (s *Scheduler) fire(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.timers[id]
	if !ok || s.stopped {
		return
	}
	delete(s.timers, id)
	s.wg.Go(func() { s.execute(a.task) })
}

func (s *Scheduler) execute(task models.ScheduledTask) {
	log := zap.L().With(zap.String("taskID", task.ID), zap.String("itemID", task.ItemID), zap.String("rule", task.Rule))

	claimed, err := s.repo.Claim(s.ctx, task.ID)
	if err != nil {
		log.Error("Failed to claim task", zap.Error(err))
		return
	}
	if !claimed {
		log.Debug("Task no longer pending")
		return
	}

	attempts := 0
	runErr := retry.Do(
		func() error {
			attempts++
			// Each attempt sees the progress saved by the previous one.
			cur, err := s.repo.Get(s.ctx, task.ID)
			if err != nil {
				return fmt.Errorf("reloading task %s: %w", task.ID, err)
			}
			return s.run(s.ctx, *cur)
		},
		retry.Attempts(s.attempts),
		retry.Delay(s.retryDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.Context(s.ctx),
		retry.OnRetry(func(n uint, err error) {
			log.Warn("Task attempt failed", zap.Uint("attempt", n+1), zap.Error(err))
		}),
	)

	if s.ctx.Err() != nil {
		// Interrupted by Stop; the row stays running and Resume re-queues it.
		log.Warn("Task interrupted by shutdown")
		return
	}
	if err := s.repo.Finish(context.Background(), task.ID, attempts, runErr); err != nil {
		log.Error("Failed to record task outcome", zap.Error(err))
	}
	if runErr != nil {
		log.Error("Task failed", zap.Int("attempts", attempts), zap.Error(runErr))
		return
	}
	log.Info("Task done", zap.Int("attempts", attempts))
}
