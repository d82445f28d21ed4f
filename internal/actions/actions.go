// Package actions implements the mutation primitives the dispatcher and the
// automations run against board records. Every executor resolves its column
// by title on the target's board and issues one outbound write.
package actions

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/chxlky/boardhooks/internal/models"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Client is the subset of the platform API the executors need.
type Client interface {
	ColumnValue(ctx context.Context, itemID, columnID string) (*models.ColumnValue, error)
	ChangeColumnValue(ctx context.Context, boardID, itemID, columnID string, value any) error
	ChangeSimpleColumnValue(ctx context.Context, boardID, itemID, columnID, value string) error
	StopTimeTracking(ctx context.Context, itemID, columnID string) error
}

// Target is the record an action writes to.
type Target struct {
	ItemID  string
	Name    string
	BoardID string
	Columns []models.Column
}

func SubitemTarget(s models.Subitem) Target {
	return Target{ItemID: s.ID, Name: s.Name, BoardID: s.Board.ID, Columns: s.Board.Columns}
}

func ItemTarget(it *models.Item) Target {
	t := Target{ItemID: it.ID, Name: it.Name}
	if it.Board != nil {
		t.BoardID = it.Board.ID
		t.Columns = it.Board.Columns
	}
	return t
}

// Skip reasons.
const (
	ReasonColumnMissing = "column not found"
	ReasonAlreadySet    = "already set"
)

// Result describes what one executor did.
type Result struct {
	Action   string `json:"action"`
	ItemID   string `json:"itemId"`
	ColumnID string `json:"columnId,omitempty"`
	Skipped  bool   `json:"skipped,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

// Wrote reports whether the executor issued its mutation.
func (r Result) Wrote() bool { return !r.Skipped }

type Executor struct {
	client Client
	// Now stamps dates; replaced in tests.
	Now func() time.Time
}

func NewExecutor(client Client) *Executor {
	return &Executor{client: client, Now: time.Now}
}

func (e *Executor) column(t Target, action, title string, types []string) (models.Column, Result, bool) {
	res := Result{Action: action, ItemID: t.ItemID}
	col, ok := FindColumn(t.Columns, title, types...)
	if !ok {
		zap.L().Warn("Column not found",
			zap.String("action", action),
			zap.String("column", title),
			zap.String("itemID", t.ItemID),
			zap.String("boardID", t.BoardID),
			zap.Strings("closest", Suggest(t.Columns, title)))
		res.Skipped = true
		res.Reason = ReasonColumnMissing
		return col, res, false
	}
	res.ColumnID = col.ID
	return col, res, true
}

// SetDateIfEmpty stamps the current date and time unless the column already
// holds a date. A populated column yields a skipped result.
func (e *Executor) SetDateIfEmpty(ctx context.Context, t Target, title string, types ...string) (Result, error) {
	if len(types) == 0 {
		types = DateTypes
	}
	col, res, ok := e.column(t, "set_date_if_empty", title, types)
	if !ok {
		return res, nil
	}

	current, err := e.client.ColumnValue(ctx, t.ItemID, col.ID)
	if err != nil {
		return res, fmt.Errorf("reading %s on %s: %w", col.ID, t.ItemID, err)
	}
	if hasDate(current) {
		zap.L().Info("Date already set, skipping",
			zap.String("itemID", t.ItemID), zap.String("columnID", col.ID), zap.String("text", current.Text))
		res.Skipped = true
		res.Reason = ReasonAlreadySet
		return res, nil
	}

	now := e.Now().UTC()
	value := map[string]string{
		"date": now.Format("2006-01-02"),
		"time": now.Format("15:04:05"),
	}
	if err := e.client.ChangeColumnValue(ctx, t.BoardID, t.ItemID, col.ID, value); err != nil {
		return res, fmt.Errorf("setting date on %s: %w", t.ItemID, err)
	}
	zap.L().Info("Date set", zap.String("itemID", t.ItemID), zap.String("columnID", col.ID), zap.String("date", value["date"]))
	return res, nil
}

func hasDate(cv *models.ColumnValue) bool {
	if cv == nil {
		return false
	}
	if strings.TrimSpace(cv.Text) != "" {
		return true
	}
	raw := strings.TrimSpace(cv.Value)
	if raw == "" || raw == "null" {
		return false
	}
	var v struct {
		Date string `json:"date"`
	}
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		// Unknown shape, but something is stored.
		return raw != "{}" && raw != `""`
	}
	return strings.TrimSpace(v.Date) != ""
}

// SetChecked writes {"checked":true}.
func (e *Executor) SetChecked(ctx context.Context, t Target, title string, types ...string) (Result, error) {
	if len(types) == 0 {
		types = CheckboxTypes
	}
	col, res, ok := e.column(t, "set_checked", title, types)
	if !ok {
		return res, nil
	}
	if err := e.client.ChangeColumnValue(ctx, t.BoardID, t.ItemID, col.ID, map[string]bool{"checked": true}); err != nil {
		return res, fmt.Errorf("checking %s on %s: %w", col.ID, t.ItemID, err)
	}
	return res, nil
}

// ForceChecked is SetChecked for boards whose checkbox rejects the JSON
// form: it falls back to the simple mutation with a string payload, then
// with a bare "true".
func (e *Executor) ForceChecked(ctx context.Context, t Target, title string) (Result, error) {
	col, res, ok := e.column(t, "set_checked", title, CheckboxTypes)
	if !ok {
		return res, nil
	}
	err := e.client.ChangeColumnValue(ctx, t.BoardID, t.ItemID, col.ID, map[string]bool{"checked": true})
	if err == nil {
		return res, nil
	}
	zap.L().Warn("Checkbox mutation failed, trying simple value", zap.String("itemID", t.ItemID), zap.Error(err))
	for _, v := range []string{`{"checked":"true"}`, "true"} {
		next := e.client.ChangeSimpleColumnValue(ctx, t.BoardID, t.ItemID, col.ID, v)
		if next == nil {
			return res, nil
		}
		err = multierr.Append(err, next)
	}
	return res, fmt.Errorf("checking %s on %s: %w", col.ID, t.ItemID, err)
}

type personRef struct {
	ID   int64  `json:"id"`
	Kind string `json:"kind"`
}

// AssignOwner makes userID the only person in the column.
func (e *Executor) AssignOwner(ctx context.Context, t Target, title string, userID int64, types ...string) (Result, error) {
	return e.writePeople(ctx, t, "assign_owner", title, []personRef{{ID: userID, Kind: "person"}}, types)
}

// RemoveOwner clears the column.
func (e *Executor) RemoveOwner(ctx context.Context, t Target, title string, types ...string) (Result, error) {
	return e.writePeople(ctx, t, "remove_owner", title, []personRef{}, types)
}

func (e *Executor) writePeople(ctx context.Context, t Target, action, title string, people []personRef, types []string) (Result, error) {
	if len(types) == 0 {
		types = PeopleTypes
	}
	col, res, ok := e.column(t, action, title, types)
	if !ok {
		return res, nil
	}
	value := map[string][]personRef{"personsAndTeams": people}
	if err := e.client.ChangeColumnValue(ctx, t.BoardID, t.ItemID, col.ID, value); err != nil {
		return res, fmt.Errorf("%s on %s: %w", action, t.ItemID, err)
	}
	zap.L().Info("Responsible person updated", zap.String("action", action), zap.String("itemID", t.ItemID), zap.Int("people", len(people)))
	return res, nil
}

// SetLabel writes a status label by text.
func (e *Executor) SetLabel(ctx context.Context, t Target, title, label string, types ...string) (Result, error) {
	if len(types) == 0 {
		types = StatusTypes
	}
	col, res, ok := e.column(t, "set_label", title, types)
	if !ok {
		return res, nil
	}
	if err := e.client.ChangeColumnValue(ctx, t.BoardID, t.ItemID, col.ID, map[string]string{"label": label}); err != nil {
		return res, fmt.Errorf("labelling %s on %s: %w", col.ID, t.ItemID, err)
	}
	zap.L().Info("Label applied", zap.String("itemID", t.ItemID), zap.String("columnID", col.ID), zap.String("label", label))
	return res, nil
}

// StopTimer stops a running time tracking column.
func (e *Executor) StopTimer(ctx context.Context, t Target, title string, types ...string) (Result, error) {
	if len(types) == 0 {
		types = TimerTypes
	}
	col, res, ok := e.column(t, "stop_timer", title, types)
	if !ok {
		return res, nil
	}
	if err := e.client.StopTimeTracking(ctx, t.ItemID, col.ID); err != nil {
		return res, fmt.Errorf("stopping timer %s on %s: %w", col.ID, t.ItemID, err)
	}
	return res, nil
}
