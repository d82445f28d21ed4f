package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/chxlky/boardhooks/database"
	"github.com/chxlky/boardhooks/internal/models"
)

func newRepo(t *testing.T) *database.TaskRepository {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	db, err := database.Open(fmt.Sprintf("file:sched_%s?mode=memory&cache=shared", name))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.Close()
		}
	})
	return database.NewTaskRepository(db)
}

func waitStatus(t *testing.T, repo *database.TaskRepository, id, want string) models.ScheduledTask {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		task, err := repo.Get(context.Background(), id)
		if err == nil && task.Status == want {
			return *task
		}
		time.Sleep(10 * time.Millisecond)
	}
	task, _ := repo.Get(context.Background(), id)
	t.Fatalf("task %s never reached %s, last %+v", id, want, task)
	return models.ScheduledTask{}
}

func TestScheduleRunsAfterDelay(t *testing.T) {
	repo := newRepo(t)
	var ran atomic.Int32
	s := New(repo, func(ctx context.Context, task models.ScheduledTask) error {
		if task.ItemID != "42" || task.Rule != "ab-matricula" {
			return Permanent(errors.New("wrong task"))
		}
		ran.Add(1)
		return nil
	}, Options{Attempts: 1})
	defer s.Stop()

	task, err := s.Schedule(context.Background(), "42", "Ab Matricula", "ab-matricula", 20*time.Millisecond)
	if err != nil {
		t.Fatalf("schedule: %v", err)
	}
	done := waitStatus(t, repo, task.ID, models.TaskDone)
	if ran.Load() != 1 || done.Attempts != 1 {
		t.Fatalf("expected one run, got %d (attempts %d)", ran.Load(), done.Attempts)
	}
}

func TestCancelPreventsExecution(t *testing.T) {
	repo := newRepo(t)
	var ran atomic.Int32
	s := New(repo, func(ctx context.Context, task models.ScheduledTask) error {
		ran.Add(1)
		return nil
	}, Options{})
	defer s.Stop()

	task, err := s.Schedule(context.Background(), "42", "Escritura", "escritura", 50*time.Millisecond)
	if err != nil {
		t.Fatalf("schedule: %v", err)
	}
	if err := s.Cancel(context.Background(), task.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if err := s.Cancel(context.Background(), task.ID); !errors.Is(err, ErrNotPending) {
		t.Fatalf("expected ErrNotPending on second cancel, got %v", err)
	}
	time.Sleep(120 * time.Millisecond)
	if ran.Load() != 0 {
		t.Fatalf("cancelled task ran")
	}
}

func TestNewerEventSupersedesPendingTask(t *testing.T) {
	repo := newRepo(t)
	var statuses []string
	done := make(chan struct{}, 4)
	s := New(repo, func(ctx context.Context, task models.ScheduledTask) error {
		statuses = append(statuses, task.StatusText)
		done <- struct{}{}
		return nil
	}, Options{})
	defer s.Stop()

	first, _ := s.Schedule(context.Background(), "7", "alvara", "alvara", 40*time.Millisecond)
	second, err := s.Schedule(context.Background(), "7", "Alvará", "alvara", 40*time.Millisecond)
	if err != nil {
		t.Fatalf("schedule: %v", err)
	}
	waitStatus(t, repo, second.ID, models.TaskDone)
	<-done
	time.Sleep(60 * time.Millisecond)

	if len(statuses) != 1 || statuses[0] != "Alvará" {
		t.Fatalf("expected only the newest task to run, got %v", statuses)
	}
	old, _ := repo.Get(context.Background(), first.ID)
	if old.Status != models.TaskCancelled {
		t.Fatalf("expected superseded task cancelled, got %s", old.Status)
	}
}

func TestRetryUntilSuccess(t *testing.T) {
	repo := newRepo(t)
	var calls atomic.Int32
	s := New(repo, func(ctx context.Context, task models.ScheduledTask) error {
		if calls.Add(1) == 1 {
			return errors.New("temporary")
		}
		return nil
	}, Options{Attempts: 3, RetryDelay: 5 * time.Millisecond})
	defer s.Stop()

	task, _ := s.Schedule(context.Background(), "1", "Concluido", "standard", 0)
	done := waitStatus(t, repo, task.ID, models.TaskDone)
	if done.Attempts != 2 {
		t.Fatalf("expected 2 attempts, got %d", done.Attempts)
	}
}

func TestPermanentErrorStopsRetrying(t *testing.T) {
	repo := newRepo(t)
	var calls atomic.Int32
	s := New(repo, func(ctx context.Context, task models.ScheduledTask) error {
		calls.Add(1)
		return Permanent(errors.New("rule removed"))
	}, Options{Attempts: 3, RetryDelay: 5 * time.Millisecond})
	defer s.Stop()

	task, _ := s.Schedule(context.Background(), "1", "Concluido", "standard", 0)
	failed := waitStatus(t, repo, task.ID, models.TaskFailed)
	if calls.Load() != 1 || failed.Attempts != 1 {
		t.Fatalf("expected a single attempt, got %d", calls.Load())
	}
	if !strings.Contains(failed.LastError, "rule removed") {
		t.Fatalf("unexpected last error %q", failed.LastError)
	}
}

func TestResumeRearmsPendingTasks(t *testing.T) {
	repo := newRepo(t)
	first := New(repo, func(ctx context.Context, task models.ScheduledTask) error {
		return errors.New("must not run")
	}, Options{})
	task, err := first.Schedule(context.Background(), "5", "Escritura", "escritura", 30*time.Millisecond)
	if err != nil {
		t.Fatalf("schedule: %v", err)
	}
	first.Stop()

	var ran atomic.Int32
	second := New(repo, func(ctx context.Context, task models.ScheduledTask) error {
		ran.Add(1)
		return nil
	}, Options{})
	defer second.Stop()

	n, err := second.Resume(context.Background())
	if err != nil || n != 1 {
		t.Fatalf("expected one resumed task, got %d %v", n, err)
	}
	waitStatus(t, repo, task.ID, models.TaskDone)
	if ran.Load() != 1 {
		t.Fatalf("expected resumed task to run once, got %d", ran.Load())
	}
}

func TestScheduleAfterStop(t *testing.T) {
	s := New(newRepo(t), func(ctx context.Context, task models.ScheduledTask) error { return nil }, Options{})
	s.Stop()
	if _, err := s.Schedule(context.Background(), "1", "x", "standard", 0); !errors.Is(err, ErrStopped) {
		t.Fatalf("expected ErrStopped, got %v", err)
	}
}
