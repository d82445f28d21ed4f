package maintenance

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/chxlky/boardhooks/internal/models"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

const CloseGroupAutomation = "close-subitems"

var ErrInvalidRequest = errors.New("exactly one of label or index is required")

type GroupClient interface {
	GroupItemsPage(ctx context.Context, boardID, groupID string, page, limit int) ([]models.Item, error)
	ChangeColumnValue(ctx context.Context, boardID, itemID, columnID string, value any) error
}

// CloseRequest sets one status column on every subitem of a group.
type CloseRequest struct {
	BoardID  string `json:"boardId" binding:"required"`
	GroupID  string `json:"groupId" binding:"required"`
	ColumnID string `json:"columnId" binding:"required"`
	Label    string `json:"label"`
	Index    *int   `json:"index"`
	PageSize int    `json:"pageSize"`
}

// Validate checks that exactly one of Label and Index is set.
func (r CloseRequest) Validate() error {
	_, err := r.value()
	return err
}

func (r CloseRequest) value() (map[string]any, error) {
	label := strings.TrimSpace(r.Label)
	switch {
	case label != "" && r.Index == nil:
		return map[string]any{"label": label}, nil
	case label == "" && r.Index != nil:
		return map[string]any{"index": *r.Index}, nil
	}
	return nil, ErrInvalidRequest
}

type CloseReport struct {
	Items    int      `json:"items"`
	Subitems int      `json:"subitems"`
	Updated  int      `json:"updated"`
	Failed   []string `json:"failed,omitempty"`
}

type GroupCloser struct {
	client GroupClient
	runs   Recorder
	pause  time.Duration
}

func NewGroupCloser(client GroupClient, runs Recorder, pause time.Duration) *GroupCloser {
	return &GroupCloser{client: client, runs: runs, pause: pause}
}

// Close walks the group page by page, then updates each subitem in turn.
// A failed update is reported and the walk continues.
func (g *GroupCloser) Close(ctx context.Context, req CloseRequest) (CloseReport, error) {
	var report CloseReport
	value, err := req.value()
	if err != nil {
		return report, err
	}
	if req.PageSize <= 0 {
		req.PageSize = 25
	}
	log := zap.L().With(zap.String("boardID", req.BoardID), zap.String("groupID", req.GroupID))

	var items []models.Item
	for page := 1; ; page++ {
		batch, err := g.client.GroupItemsPage(ctx, req.BoardID, req.GroupID, page, req.PageSize)
		if err != nil {
			return report, fmt.Errorf("group %s page %d: %w", req.GroupID, page, err)
		}
		items = append(items, batch...)
		if len(batch) < req.PageSize {
			break
		}
	}
	report.Items = len(items)
	log.Info("Group items fetched", zap.Int("items", len(items)))

	var errs error
	for _, it := range items {
		for _, sub := range it.Subitems {
			report.Subitems++
			board := sub.Board.ID
			if board == "" {
				board = req.BoardID
			}
			if err := g.client.ChangeColumnValue(ctx, board, sub.ID, req.ColumnID, value); err != nil {
				report.Failed = append(report.Failed, sub.ID)
				errs = multierr.Append(errs, fmt.Errorf("subitem %s: %w", sub.ID, err))
				log.Error("Failed to update subitem", zap.String("subitemID", sub.ID), zap.Error(err))
			} else {
				report.Updated++
				log.Debug("Subitem updated", zap.String("subitemID", sub.ID), zap.String("name", sub.Name))
			}
			if err := sleep(ctx, g.pause); err != nil {
				return report, multierr.Append(errs, err)
			}
		}
	}

	log.Info("Group subitems closed", zap.Int("updated", report.Updated), zap.Int("failed", len(report.Failed)))
	if g.runs != nil {
		run := &models.AutomationRun{
			Automation: CloseGroupAutomation,
			ItemID:     req.GroupID,
			Status:     models.RunSuccess,
			Message:    fmt.Sprintf("board %s: updated %d of %d subitems", req.BoardID, report.Updated, report.Subitems),
		}
		if errs != nil {
			run.Status = models.RunFailed
			run.Message += ": " + errs.Error()
		}
		if rerr := g.runs.Record(context.WithoutCancel(ctx), run); rerr != nil {
			zap.L().Warn("Failed to record close run", zap.Error(rerr))
		}
	}
	return report, errs
}
