package automations

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/chxlky/boardhooks/internal/event"
	"github.com/chxlky/boardhooks/internal/models"
	"github.com/spf13/cast"
	"go.uber.org/zap"
)

type Sender interface {
	SendText(ctx context.Context, text string) error
}

// OwnerNotify sends a chat message when a record's responsible person
// becomes the watched person.
type OwnerNotify struct {
	sender   Sender
	runs     Recorder
	personID string
	message  string
}

func NewOwnerNotify(sender Sender, runs Recorder, personID, message string) *OwnerNotify {
	return &OwnerNotify{sender: sender, runs: runs, personID: personID, message: message}
}

func (o *OwnerNotify) Handle(ctx context.Context, body map[string]any) error {
	ev := event.Inner(body)
	owner := NewOwnerID(ev)
	if owner == "" || owner != o.personID {
		zap.L().Debug("Owner change ignored", zap.String("personID", owner))
		return nil
	}

	itemID := event.Normalize(body).ItemID
	err := o.sender.SendText(ctx, o.message)
	if err != nil {
		err = fmt.Errorf("notifying owner change on %s: %w", itemID, err)
	}
	record(ctx, o.runs, &models.AutomationRun{
		Automation: OwnerNotifyAutomation,
		ItemID:     itemID,
		TargetID:   owner,
		Status:     runStatus(err, err == nil),
		Message:    errString(err),
	})
	if err == nil {
		zap.L().Info("Owner change notified", zap.String("itemID", itemID), zap.String("personID", owner))
	}
	return err
}

// NewOwnerID returns the person an event assigns: value.personsAndTeams[0],
// value.changed_person_id, or the "responsavel" entry of column_values.
func NewOwnerID(ev map[string]any) string {
	if id := firstPerson(event.Lookup(ev, "value", "personsAndTeams")); id != "" {
		return id
	}
	if id := scalar(event.Lookup(ev, "value", "changed_person_id")); id != "" {
		return id
	}
	cols, _ := ev["column_values"].([]any)
	for _, c := range cols {
		m, ok := c.(map[string]any)
		if !ok || cast.ToString(m["id"]) != "responsavel" {
			continue
		}
		value := m["value"]
		if s, ok := value.(string); ok {
			var decoded map[string]any
			if json.Unmarshal([]byte(s), &decoded) != nil {
				return ""
			}
			value = decoded
		}
		obj, _ := value.(map[string]any)
		return firstPerson(obj["personsAndTeams"])
	}
	return ""
}

func firstPerson(v any) string {
	list, ok := v.([]any)
	if !ok || len(list) == 0 {
		return ""
	}
	p, ok := list[0].(map[string]any)
	if !ok {
		return ""
	}
	return scalar(p["id"])
}

func scalar(v any) string {
	switch v.(type) {
	case nil, map[string]any, []any:
		return ""
	}
	return cast.ToString(v)
}
