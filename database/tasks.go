package database

import (
	"context"
	"fmt"
	"time"

	"github.com/chxlky/boardhooks/internal/models"
	"gorm.io/gorm"
)

type TaskRepository struct {
	db *gorm.DB
}

func NewTaskRepository(db *gorm.DB) *TaskRepository {
	return &TaskRepository{db: db}
}

// Create stores task as pending and cancels older pending tasks with the
// same key. It returns the ids it cancelled.
func (r *TaskRepository) Create(ctx context.Context, task *models.ScheduledTask) ([]string, error) {
	var superseded []string
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&models.ScheduledTask{}).
			Where("task_key = ? AND status = ?", task.Key, models.TaskPending).
			Pluck("id", &superseded).Error; err != nil {
			return err
		}
		if len(superseded) > 0 {
			if err := tx.Model(&models.ScheduledTask{}).
				Where("id IN ?", superseded).
				Updates(map[string]any{"status": models.TaskCancelled, "last_error": "superseded by " + task.ID}).Error; err != nil {
				return err
			}
		}
		task.Status = models.TaskPending
		return tx.Create(task).Error
	})
	if err != nil {
		return nil, fmt.Errorf("creating task %s: %w", task.ID, err)
	}
	return superseded, nil
}

// transition moves a task from one status to another; false means the task
// was not in the expected status.
func (r *TaskRepository) transition(ctx context.Context, id, from string, updates map[string]any) (bool, error) {
	res := r.db.WithContext(ctx).Model(&models.ScheduledTask{}).
		Where("id = ? AND status = ?", id, from).
		Updates(updates)
	if res.Error != nil {
		return false, fmt.Errorf("updating task %s: %w", id, res.Error)
	}
	return res.RowsAffected == 1, nil
}

// Claim marks a pending task running.
func (r *TaskRepository) Claim(ctx context.Context, id string) (bool, error) {
	return r.transition(ctx, id, models.TaskPending, map[string]any{"status": models.TaskRunning})
}

// Cancel marks a pending task cancelled.
func (r *TaskRepository) Cancel(ctx context.Context, id string) (bool, error) {
	return r.transition(ctx, id, models.TaskPending, map[string]any{"status": models.TaskCancelled, "last_error": "cancelled"})
}

// Finish records the outcome of a running task.
func (r *TaskRepository) Finish(ctx context.Context, id string, attempts int, runErr error) error {
	updates := map[string]any{"status": models.TaskDone, "attempts": attempts, "last_error": ""}
	if runErr != nil {
		updates["status"] = models.TaskFailed
		updates["last_error"] = runErr.Error()
	}
	_, err := r.transition(ctx, id, models.TaskRunning, updates)
	return err
}

// MarkDateWritten records that the task stamped its date column.
func (r *TaskRepository) MarkDateWritten(ctx context.Context, id string) error {
	if err := r.db.WithContext(ctx).Model(&models.ScheduledTask{}).
		Where("id = ?", id).
		Update("date_written", true).Error; err != nil {
		return fmt.Errorf("updating task %s: %w", id, err)
	}
	return nil
}

// ResetRunning returns tasks left running by a previous process to pending.
func (r *TaskRepository) ResetRunning(ctx context.Context) (int64, error) {
	res := r.db.WithContext(ctx).Model(&models.ScheduledTask{}).
		Where("status = ?", models.TaskRunning).
		Update("status", models.TaskPending)
	if res.Error != nil {
		return 0, fmt.Errorf("resetting running tasks: %w", res.Error)
	}
	return res.RowsAffected, nil
}

func (r *TaskRepository) Pending(ctx context.Context) ([]models.ScheduledTask, error) {
	var tasks []models.ScheduledTask
	if err := r.db.WithContext(ctx).Where("status = ?", models.TaskPending).Order("run_at").Find(&tasks).Error; err != nil {
		return nil, fmt.Errorf("listing pending tasks: %w", err)
	}
	return tasks, nil
}

func (r *TaskRepository) Get(ctx context.Context, id string) (*models.ScheduledTask, error) {
	var task models.ScheduledTask
	if err := r.db.WithContext(ctx).First(&task, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &task, nil
}

func (r *TaskRepository) Recent(ctx context.Context, limit int) ([]models.ScheduledTask, error) {
	var tasks []models.ScheduledTask
	if err := r.db.WithContext(ctx).Order("created_at desc").Limit(limit).Find(&tasks).Error; err != nil {
		return nil, fmt.Errorf("listing tasks: %w", err)
	}
	return tasks, nil
}

// Prune deletes finished tasks older than the given age.
func (r *TaskRepository) Prune(ctx context.Context, olderThan time.Duration) (int64, error) {
	res := r.db.WithContext(ctx).
		Where("status IN ? AND updated_at < ?", []string{models.TaskDone, models.TaskFailed, models.TaskCancelled}, time.Now().Add(-olderThan)).
		Delete(&models.ScheduledTask{})
	return res.RowsAffected, res.Error
}
