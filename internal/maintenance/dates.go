package maintenance

import (
	"encoding/json"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/chxlky/boardhooks/internal/event"
	"github.com/chxlky/boardhooks/internal/models"
	"github.com/spf13/cast"
)

var (
	isoDate   = regexp.MustCompile(`\d{4}-\d{2}-\d{2}(?:T\d{2}:\d{2}:\d{2}(?:\.\d+)?)?`)
	slashDate = regexp.MustCompile(`(\d{1,2})/(\d{1,2})/(\d{4})`)
	namedDate = regexp.MustCompile(`(\p{L}{3,})\s+(\d{1,2}),\s*(\d{4})`)
)

// Month prefixes in English and Portuguese.
var months = map[string]time.Month{
	"jan": time.January, "feb": time.February, "fev": time.February,
	"mar": time.March, "apr": time.April, "abr": time.April,
	"may": time.May, "mai": time.May, "jun": time.June, "jul": time.July,
	"aug": time.August, "ago": time.August, "sep": time.September, "set": time.September,
	"oct": time.October, "out": time.October, "nov": time.November,
	"dec": time.December, "dez": time.December,
}

// ParseDate understands ISO dates (optionally with a time), dd/mm/yyyy and
// "Mon DD, YYYY" with English or Portuguese month names, in that order,
// then whatever cast recognises. Results without a zone are UTC.
func ParseDate(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}

	if m := isoDate.FindString(s); m != "" {
		layout := "2006-01-02"
		if len(m) > len(layout) {
			layout = "2006-01-02T15:04:05"
		}
		if t, err := time.ParseInLocation(layout, m, time.UTC); err == nil {
			return t, true
		}
	}

	if m := slashDate.FindStringSubmatch(s); m != nil {
		day, _ := strconv.Atoi(m[1])
		month, _ := strconv.Atoi(m[2])
		year, _ := strconv.Atoi(m[3])
		if month >= 1 && month <= 12 && day >= 1 && day <= 31 {
			return time.Date(year, time.Month(month), day, 0, 0, 0, 0, time.UTC), true
		}
	}

	if m := namedDate.FindStringSubmatch(s); m != nil {
		prefix := []rune(event.Fold(m[1]))
		if month, ok := months[string(prefix[:3])]; ok {
			day, _ := strconv.Atoi(m[2])
			year, _ := strconv.Atoi(m[3])
			return time.Date(year, month, day, 0, 0, 0, 0, time.UTC), true
		}
	}

	if t, err := cast.ToTimeInDefaultLocationE(s, time.UTC); err == nil && !t.IsZero() {
		return t, true
	}
	return time.Time{}, false
}

// LastUpdated finds when an item last changed: the item's updated_at, then
// per column its updated_at, its text, or a date-like field of its JSON
// value. The first parseable candidate wins.
func LastUpdated(it models.Item) (time.Time, bool) {
	if t, ok := ParseDate(it.UpdatedAt); ok {
		return t, true
	}
	for _, cv := range it.ColumnValues {
		if t, ok := ParseDate(cv.UpdatedAt); ok {
			return t, true
		}
		if t, ok := ParseDate(cv.Text); ok {
			return t, true
		}
		if t, ok := valueDate(cv.Value); ok {
			return t, true
		}
	}
	return time.Time{}, false
}

func valueDate(raw string) (time.Time, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" || raw == "null" {
		return time.Time{}, false
	}
	var v map[string]any
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return time.Time{}, false
	}
	for _, key := range []string{"date", "datetime", "updated_at", "timestamp", "value"} {
		if s, ok := v[key].(string); ok && s != "" {
			return ParseDate(s)
		}
	}
	return time.Time{}, false
}
