package database

import (
	"context"
	"fmt"
	"time"

	"github.com/chxlky/boardhooks/internal/models"
	"gorm.io/gorm"
)

type RunRepository struct {
	db *gorm.DB
}

func NewRunRepository(db *gorm.DB) *RunRepository {
	return &RunRepository{db: db}
}

func (r *RunRepository) Record(ctx context.Context, run *models.AutomationRun) error {
	if err := r.db.WithContext(ctx).Create(run).Error; err != nil {
		return fmt.Errorf("recording run: %w", err)
	}
	return nil
}

// Recent lists the latest runs, optionally for one item.
func (r *RunRepository) Recent(ctx context.Context, itemID string, limit int) ([]models.AutomationRun, error) {
	q := r.db.WithContext(ctx).Order("id desc").Limit(limit)
	if itemID != "" {
		q = q.Where("item_id = ?", itemID)
	}
	var runs []models.AutomationRun
	if err := q.Find(&runs).Error; err != nil {
		return nil, fmt.Errorf("listing runs: %w", err)
	}
	return runs, nil
}

// Prune deletes runs recorded before the given age.
func (r *RunRepository) Prune(ctx context.Context, olderThan time.Duration) (int64, error) {
	res := r.db.WithContext(ctx).
		Where("created_at < ?", time.Now().Add(-olderThan)).
		Delete(&models.AutomationRun{})
	if res.Error != nil {
		return 0, fmt.Errorf("pruning runs: %w", res.Error)
	}
	return res.RowsAffected, nil
}
