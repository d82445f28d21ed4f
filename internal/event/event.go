// Package event turns loosely shaped webhook bodies from the work-management
// platform into a canonical Event.
package event

import (
	"regexp"
	"strings"
	"unicode"

	"github.com/spf13/cast"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

var numericID = regexp.MustCompile(`^\d+$`)

// Event is the normalized form of one webhook delivery.
type Event struct {
	ItemID      string
	StatusText  string
	Type        string
	ColumnID    string
	ColumnTitle string
	Value       map[string]any
	Raw         map[string]any
}

// Actionable reports whether the event carries both an item and a status.
func (e Event) Actionable() bool {
	return e.ItemID != "" && e.StatusText != ""
}

// Inner returns the nested "event" object, or an empty map.
func Inner(body map[string]any) map[string]any {
	if ev, ok := body["event"].(map[string]any); ok {
		return ev
	}
	return map[string]any{}
}

// Normalize extracts the item id and status text from a webhook body.
// Missing fields produce empty strings; it never fails.
func Normalize(body map[string]any) Event {
	ev := Inner(body)
	out := Event{
		Type:        str(ev["type"]),
		ColumnID:    firstString(ev["columnId"], ev["column_id"]),
		ColumnTitle: firstString(ev["columnTitle"], ev["column_title"]),
		Raw:         body,
	}
	out.Value, _ = ev["value"].(map[string]any)

	out.StatusText = strings.TrimSpace(firstString(
		Lookup(ev, "value", "label", "text"),
		Lookup(ev, "value", "label"),
		ev["columnTitle"],
		ev["column_title"],
		Lookup(ev, "payload", "value", "label"),
	))

	out.ItemID = firstNumeric(
		ev["pulseId"], ev["pulse_id"], ev["itemId"], ev["item_id"],
		body["pulseId"], body["pulse_id"], body["itemId"], body["item_id"],
		Lookup(ev, "payload", "itemId"), Lookup(ev, "payload", "item_id"),
	)
	return out
}

// Lookup walks nested objects; any non-object step yields nil.
func Lookup(m map[string]any, path ...string) any {
	var cur any = m
	for _, key := range path {
		obj, ok := cur.(map[string]any)
		if !ok {
			return nil
		}
		cur = obj[key]
	}
	return cur
}

// str converts scalars only; objects and arrays become "".
func str(v any) string {
	switch v.(type) {
	case nil, map[string]any, []any:
		return ""
	}
	s, err := cast.ToStringE(v)
	if err != nil {
		return ""
	}
	return s
}

func firstString(values ...any) string {
	for _, v := range values {
		if s := strings.TrimSpace(str(v)); s != "" {
			return s
		}
	}
	return ""
}

func firstNumeric(values ...any) string {
	for _, v := range values {
		if s := strings.TrimSpace(str(v)); numericID.MatchString(s) {
			return s
		}
	}
	return ""
}

var accents = transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)

// Fold trims, lower-cases and strips diacritics so "Concluído " and
// "concluido" compare equal.
func Fold(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	folded, _, err := transform.String(accents, s)
	if err != nil {
		return s
	}
	return folded
}
