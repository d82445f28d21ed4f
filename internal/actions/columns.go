package actions

import (
	"strings"

	"github.com/chxlky/boardhooks/internal/event"
	"github.com/chxlky/boardhooks/internal/models"
	"github.com/sahilm/fuzzy"
)

// Column types accepted per value schema when no title matches.
var (
	DateTypes     = []string{"date"}
	CheckboxTypes = []string{"checkbox", "boolean"}
	PeopleTypes   = []string{"people", "person"}
	StatusTypes   = []string{"status", "color", "label"}
	TimerTypes    = []string{"time_tracking", "timer"}
)

// FindColumn resolves a column by title: exact (case and accent
// insensitive), then the first column whose type contains one of types,
// then the first column whose title contains title.
func FindColumn(cols []models.Column, title string, types ...string) (models.Column, bool) {
	want := event.Fold(title)
	for _, c := range cols {
		if event.Fold(c.Title) == want {
			return c, true
		}
	}
	for _, typ := range types {
		typ = strings.ToLower(typ)
		for _, c := range cols {
			if typ != "" && strings.Contains(strings.ToLower(c.Type), typ) {
				return c, true
			}
		}
	}
	if want != "" {
		for _, c := range cols {
			if strings.Contains(event.Fold(c.Title), want) {
				return c, true
			}
		}
	}
	return models.Column{}, false
}

// Suggest returns the closest column titles, for logging when a lookup fails.
func Suggest(cols []models.Column, title string) []string {
	titles := make([]string, len(cols))
	for i, c := range cols {
		titles[i] = c.Title
	}
	matches := fuzzy.Find(title, titles)
	out := make([]string, 0, 3)
	for i := 0; i < len(matches) && i < 3; i++ {
		out = append(out, matches[i].Str)
	}
	return out
}
