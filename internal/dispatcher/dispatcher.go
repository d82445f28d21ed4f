// Package dispatcher applies the rule table to status events: allow-list,
// subitem lookup, target selection, then the matched rule's actions, either
// inline or through the scheduler when the rule carries a delay.
package dispatcher

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/chxlky/boardhooks/internal/actions"
	"github.com/chxlky/boardhooks/internal/event"
	"github.com/chxlky/boardhooks/internal/models"
	"github.com/chxlky/boardhooks/internal/rules"
	"github.com/chxlky/boardhooks/internal/scheduler"
	"go.uber.org/zap"
)

// Automation is the audit name of status dispatches.
const Automation = "status"

// Ignore reasons.
const (
	IgnoredNotActionable = "missing item id or status"
	IgnoredNotAllowed    = "status not in allow-list"
	IgnoredNoRule        = "no rule matches status"
	IgnoredNoSubitems    = "item has no subitems"
)

const (
	reasonDateNotWritten = "date not written"
	reasonNoSubitem      = "subitem not found"
)

type Client interface {
	actions.Client
	Subitems(ctx context.Context, itemID string) ([]models.Subitem, error)
	ParentItem(ctx context.Context, subitemID string) (*models.Item, error)
}

type Scheduler interface {
	Schedule(ctx context.Context, itemID, statusText, rule string, delay time.Duration) (models.ScheduledTask, error)
	MarkDateWritten(ctx context.Context, taskID string) error
}

type Recorder interface {
	Record(ctx context.Context, run *models.AutomationRun) error
}

// Outcome describes what one dispatch did.
type Outcome struct {
	ItemID     string           `json:"itemId"`
	StatusText string           `json:"status"`
	Ignored    string           `json:"ignored,omitempty"`
	Rule       string           `json:"rule,omitempty"`
	TargetID   string           `json:"targetId,omitempty"`
	TaskID     string           `json:"taskId,omitempty"`
	Results    []actions.Result `json:"results,omitempty"`
}

type Dispatcher struct {
	client Client
	exec   *actions.Executor
	rules  *rules.Store
	runs   Recorder
	sched  Scheduler
}

func New(client Client, exec *actions.Executor, store *rules.Store, runs Recorder) *Dispatcher {
	return &Dispatcher{client: client, exec: exec, rules: store, runs: runs}
}

// SetScheduler enables delayed rules. Without a scheduler they run inline.
func (d *Dispatcher) SetScheduler(s Scheduler) {
	d.sched = s
}

// Dispatch processes one normalized event. Ignored events return a nil
// error; an error means a lookup or mutation failed and the rule's remaining
// actions were abandoned.
func (d *Dispatcher) Dispatch(ctx context.Context, ev event.Event) (Outcome, error) {
	out := Outcome{ItemID: ev.ItemID, StatusText: ev.StatusText}
	if !ev.Actionable() {
		out.Ignored = IgnoredNotActionable
		return out, nil
	}

	log := zap.L().With(zap.String("itemID", ev.ItemID), zap.String("status", ev.StatusText))
	table := d.rules.Get()
	if !table.Allowed(ev.StatusText) {
		log.Debug("Status not in allow-list")
		out.Ignored = IgnoredNotAllowed
		d.record(ctx, out, nil)
		return out, nil
	}
	rule, ok := table.Match(ev.StatusText)
	if !ok {
		out.Ignored = IgnoredNoRule
		d.record(ctx, out, nil)
		return out, nil
	}
	out.Rule = rule.Name

	subitems, err := d.client.Subitems(ctx, ev.ItemID)
	if err != nil {
		err = fmt.Errorf("fetching subitems of %s: %w", ev.ItemID, err)
		d.record(ctx, out, err)
		return out, err
	}
	target, ok := rule.Select.Pick(subitems)
	if !ok {
		log.Warn("No subitems found")
		out.Ignored = IgnoredNoSubitems
		d.record(ctx, out, nil)
		return out, nil
	}
	out.TargetID = target.ID
	log = log.With(zap.String("rule", rule.Name), zap.String("subitemID", target.ID))

	if rule.Delay > 0 && d.sched != nil {
		task, err := d.sched.Schedule(ctx, ev.ItemID, ev.StatusText, rule.Name, rule.Delay)
		if err != nil {
			err = fmt.Errorf("scheduling %s for %s: %w", rule.Name, ev.ItemID, err)
			d.record(ctx, out, err)
			return out, err
		}
		out.TaskID = task.ID
		log.Info("Rule deferred", zap.Duration("delay", rule.Delay), zap.String("taskID", task.ID))
		d.record(ctx, out, nil)
		return out, nil
	}

	log.Info("Applying rule")
	out.Results, err = d.apply(ctx, rule, target, subitems, false, nil)
	d.record(ctx, out, err)
	return out, err
}

// RunTask executes a deferred rule. The subitem list is fetched again so the
// selection sees whatever the platform created in the meantime.
func (d *Dispatcher) RunTask(ctx context.Context, task models.ScheduledTask) error {
	out := Outcome{ItemID: task.ItemID, StatusText: task.StatusText, Rule: task.Rule, TaskID: task.ID}
	rule, ok := d.rules.Get().Rule(task.Rule)
	if !ok {
		err := fmt.Errorf("rule %q no longer exists", task.Rule)
		d.record(ctx, out, err)
		return scheduler.Permanent(err)
	}

	subitems, err := d.client.Subitems(ctx, task.ItemID)
	if err != nil {
		return fmt.Errorf("fetching subitems of %s: %w", task.ItemID, err)
	}
	target, ok := rule.Select.Pick(subitems)
	if !ok {
		out.Ignored = IgnoredNoSubitems
		d.record(ctx, out, nil)
		return nil
	}
	out.TargetID = target.ID

	zap.L().Info("Applying deferred rule",
		zap.String("taskID", task.ID), zap.String("rule", rule.Name),
		zap.String("itemID", task.ItemID), zap.String("subitemID", target.ID))
	markWritten := func(ctx context.Context) error {
		if d.sched == nil {
			return nil
		}
		return d.sched.MarkDateWritten(ctx, task.ID)
	}
	out.Results, err = d.apply(ctx, rule, target, subitems, task.DateWritten, markWritten)
	out.TaskID = ""
	d.record(ctx, out, err)
	return err
}

// apply runs the rule's actions in order. The first error abandons the rest.
// dateWritten seeds the only_if_date_written gate for a retried task, and
// markWritten, when set, saves the gate as soon as the date is stamped.
func (d *Dispatcher) apply(ctx context.Context, rule rules.Rule, selected models.Subitem, subitems []models.Subitem, dateWritten bool, markWritten func(context.Context) error) ([]actions.Result, error) {
	var (
		results []actions.Result
		parent  *actions.Target
	)
	for _, a := range rule.Actions {
		if a.OnlyIfDateWritten && !dateWritten {
			results = append(results, actions.Result{Action: string(a.Kind), ItemID: selected.ID, Skipped: true, Reason: reasonDateNotWritten})
			continue
		}

		var t actions.Target
		switch a.Target {
		case rules.TargetNamed:
			s, ok := findSubitem(subitems, a.Subitem)
			if !ok {
				zap.L().Warn("Named subitem not found", zap.String("name", a.Subitem), zap.String("rule", rule.Name))
				results = append(results, actions.Result{Action: string(a.Kind), Skipped: true, Reason: reasonNoSubitem})
				continue
			}
			t = actions.SubitemTarget(s)
		case rules.TargetParent:
			if parent == nil {
				it, err := d.client.ParentItem(ctx, selected.ID)
				if err != nil {
					return results, fmt.Errorf("rule %s: parent of %s: %w", rule.Name, selected.ID, err)
				}
				pt := actions.ItemTarget(it)
				parent = &pt
			}
			t = *parent
		default:
			t = actions.SubitemTarget(selected)
		}

		res, err := d.run(ctx, a, t)
		results = append(results, res)
		if err != nil {
			return results, fmt.Errorf("rule %s: %w", rule.Name, err)
		}
		if a.Kind == rules.SetDateIfEmpty && res.Wrote() {
			dateWritten = true
			if markWritten != nil {
				if err := markWritten(ctx); err != nil {
					zap.L().Error("Failed to save task progress", zap.String("rule", rule.Name), zap.Error(err))
				}
			}
		}
	}
	return results, nil
}

func (d *Dispatcher) run(ctx context.Context, a rules.Action, t actions.Target) (actions.Result, error) {
	var types []string
	if a.ColumnType != "" {
		types = []string{a.ColumnType}
	}
	switch a.Kind {
	case rules.SetDateIfEmpty:
		return d.exec.SetDateIfEmpty(ctx, t, a.Column, types...)
	case rules.SetChecked:
		return d.exec.SetChecked(ctx, t, a.Column, types...)
	case rules.AssignOwner:
		return d.exec.AssignOwner(ctx, t, a.Column, a.UserID, types...)
	case rules.RemoveOwner:
		return d.exec.RemoveOwner(ctx, t, a.Column, types...)
	case rules.SetLabel:
		return d.exec.SetLabel(ctx, t, a.Column, a.Label, types...)
	case rules.StopTimer:
		return d.exec.StopTimer(ctx, t, a.Column, types...)
	}
	return actions.Result{Action: string(a.Kind), ItemID: t.ItemID}, fmt.Errorf("unknown action %q", a.Kind)
}

// findSubitem matches by folded name, exact first, then substring.
func findSubitem(subitems []models.Subitem, name string) (models.Subitem, bool) {
	want := event.Fold(name)
	for _, s := range subitems {
		if event.Fold(s.Name) == want {
			return s, true
		}
	}
	for _, s := range subitems {
		if strings.Contains(event.Fold(s.Name), want) {
			return s, true
		}
	}
	return models.Subitem{}, false
}

func (d *Dispatcher) record(ctx context.Context, out Outcome, err error) {
	if d.runs == nil {
		return
	}
	run := &models.AutomationRun{
		Automation: Automation,
		ItemID:     out.ItemID,
		StatusText: out.StatusText,
		Rule:       out.Rule,
		TargetID:   out.TargetID,
	}
	switch {
	case err != nil:
		run.Status = models.RunFailed
		run.Message = err.Error()
	case out.Ignored != "":
		run.Status = models.RunIgnored
		run.Message = out.Ignored
	case out.TaskID != "":
		run.Status = models.RunDelayed
		run.Message = "task " + out.TaskID
	case wroteAny(out.Results):
		run.Status = models.RunSuccess
		run.Message = summary(out.Results)
	default:
		run.Status = models.RunSkipped
		run.Message = summary(out.Results)
	}
	// Audit rows outlive a cancelled request.
	if rerr := d.runs.Record(context.WithoutCancel(ctx), run); rerr != nil {
		zap.L().Warn("Failed to record automation run", zap.Error(rerr))
	}
}

func wroteAny(results []actions.Result) bool {
	for _, r := range results {
		if r.Wrote() {
			return true
		}
	}
	return false
}

func summary(results []actions.Result) string {
	parts := make([]string, 0, len(results))
	for _, r := range results {
		s := r.Action
		if r.Skipped {
			s += " (skipped: " + r.Reason + ")"
		}
		parts = append(parts, s)
	}
	return strings.Join(parts, ", ")
}

// IsIgnored reports whether the event was dropped before any lookup or write.
func (o Outcome) IsIgnored() bool { return o.Ignored != "" }
