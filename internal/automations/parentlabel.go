package automations

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/chxlky/boardhooks/internal/actions"
	"github.com/chxlky/boardhooks/internal/event"
	"github.com/chxlky/boardhooks/internal/models"
	"github.com/spf13/cast"
	"go.uber.org/zap"
)

type ParentLabelClient interface {
	ItemColumnValues(ctx context.Context, itemID string) (*models.Item, error)
	ParentItem(ctx context.Context, subitemID string) (*models.Item, error)
}

// Subitem name tokens and the parent label each one produces. Checked in
// order; the first token found wins.
var parentLabels = []struct{ token, label string }{
	{"unificacao", "DOC - UNIFICAÇÃO"},
	{"desmembramento", "DOC - DESMEMBRAMENTO"},
}

// ParentLabel propagates a checked UNIFICAÇÃO / DESMEMBRAMENTO subitem to
// its parent's external document label.
type ParentLabel struct {
	client ParentLabelClient
	exec   *actions.Executor
	runs   Recorder
	column string
}

func NewParentLabel(client ParentLabelClient, exec *actions.Executor, runs Recorder, column string) *ParentLabel {
	return &ParentLabel{client: client, exec: exec, runs: runs, column: column}
}

func (p *ParentLabel) Handle(ctx context.Context, body map[string]any) error {
	ev := event.Normalize(body)
	if ev.Type != "change_column_value" || ev.ItemID == "" {
		return nil
	}
	log := zap.L().With(zap.String("subitemID", ev.ItemID))

	item, err := p.client.ItemColumnValues(ctx, ev.ItemID)
	if err != nil {
		return fmt.Errorf("reading subitem %s: %w", ev.ItemID, err)
	}
	label := LabelFor(item.Name)
	if label == "" {
		log.Debug("Subitem is not a document step", zap.String("name", item.Name))
		return nil
	}
	if !checked(item.ColumnValues) {
		log.Debug("Subitem checkbox not checked")
		return nil
	}

	run := &models.AutomationRun{Automation: ParentLabelAutomation, ItemID: ev.ItemID, Rule: label}
	parent, err := p.client.ParentItem(ctx, ev.ItemID)
	if err != nil {
		err = fmt.Errorf("parent of %s: %w", ev.ItemID, err)
		run.Status, run.Message = models.RunFailed, err.Error()
		record(ctx, p.runs, run)
		return err
	}
	run.TargetID = parent.ID

	res, err := p.exec.SetLabel(ctx, actions.ItemTarget(parent), p.column, label)
	run.Status = runStatus(err, res.Wrote())
	run.Message = errString(err)
	if res.Skipped {
		run.Message = res.Reason
	}
	record(ctx, p.runs, run)
	return err
}

// LabelFor returns the parent label for a subitem name, or "".
func LabelFor(name string) string {
	f := event.Fold(name)
	for _, l := range parentLabels {
		if strings.Contains(f, l.token) {
			return l.label
		}
	}
	return ""
}

// checked reports whether the first checkbox column is ticked.
func checked(values []models.ColumnValue) bool {
	for _, cv := range values {
		typ := cv.Type
		if cv.Column != nil && cv.Column.Type != "" {
			typ = cv.Column.Type
		}
		if typ != "checkbox" {
			continue
		}
		var v struct {
			Checked any `json:"checked"`
		}
		if err := json.Unmarshal([]byte(cv.Value), &v); err != nil {
			return false
		}
		return cast.ToBool(v.Checked)
	}
	return false
}
