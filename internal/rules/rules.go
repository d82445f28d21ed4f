// Package rules holds the data-driven automation table: which status labels
// are recognised, and for each label substring, which subitem to act on and
// what to write there.
//
// Rules are evaluated in file order and the first match wins. A rule with an
// empty match is a catch-all and belongs at the end.
package rules

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/chxlky/boardhooks/internal/event"
	"github.com/chxlky/boardhooks/internal/models"
	"gopkg.in/yaml.v3"
)

//go:embed default_rules.yaml
var defaultRules []byte

// Selection names which subitem a rule acts on, counted from the end of the
// ordered subitem list.
type Selection string

const (
	SelectLast            Selection = "last"
	SelectPenultimate     Selection = "penultimate"
	SelectAntepenultimate Selection = "antepenultimate"
)

func (s Selection) offset() (int, bool) {
	switch s {
	case "", SelectLast:
		return 0, true
	case SelectPenultimate:
		return 1, true
	case SelectAntepenultimate:
		return 2, true
	}
	return 0, false
}

// Pick returns the selected subitem. When the list is shorter than the
// offset it falls back towards the first element, so a one-element list
// always yields that element.
func (s Selection) Pick(subitems []models.Subitem) (models.Subitem, bool) {
	n := len(subitems)
	if n == 0 {
		return models.Subitem{}, false
	}
	off, _ := s.offset()
	idx := n - 1 - off
	if idx < 0 {
		idx = 0
	}
	return subitems[idx], true
}

type ActionKind string

const (
	SetDateIfEmpty ActionKind = "set_date_if_empty"
	SetChecked     ActionKind = "set_checked"
	AssignOwner    ActionKind = "assign_owner"
	RemoveOwner    ActionKind = "remove_owner"
	SetLabel       ActionKind = "set_label"
	StopTimer      ActionKind = "stop_timer"
)

// Target says which record an action writes to.
type Target string

const (
	TargetSelected Target = "selected"
	TargetNamed    Target = "named"
	TargetParent   Target = "parent"
)

type Action struct {
	Kind       ActionKind `yaml:"kind"`
	Column     string     `yaml:"column"`
	ColumnType string     `yaml:"column_type,omitempty"`
	UserID     int64      `yaml:"user_id,omitempty"`
	Label      string     `yaml:"label,omitempty"`
	Target     Target     `yaml:"target,omitempty"`
	Subitem    string     `yaml:"subitem,omitempty"`
	// OnlyIfDateWritten gates the action on an earlier set_date_if_empty in
	// the same rule having written (not skipped).
	OnlyIfDateWritten bool `yaml:"only_if_date_written,omitempty"`
}

type Rule struct {
	Name    string        `yaml:"name"`
	Match   string        `yaml:"match"`
	Select  Selection     `yaml:"select,omitempty"`
	Delay   time.Duration `yaml:"delay,omitempty"`
	Actions []Action      `yaml:"actions"`

	folded string
}

// Matches reports whether the folded status contains the rule's substring.
func (r Rule) Matches(foldedStatus string) bool {
	return strings.Contains(foldedStatus, r.folded)
}

type Table struct {
	Version int      `yaml:"version"`
	Allow   []string `yaml:"allow"`
	Rules   []Rule   `yaml:"rules"`

	allow map[string]struct{}
}

// Allowed reports whether status is one of the recognised labels.
func (t *Table) Allowed(status string) bool {
	f := event.Fold(status)
	if f == "" {
		return false
	}
	_, ok := t.allow[f]
	return ok
}

// Match returns the first rule whose substring occurs in status.
func (t *Table) Match(status string) (Rule, bool) {
	f := event.Fold(status)
	for _, r := range t.Rules {
		if r.Matches(f) {
			return r, true
		}
	}
	return Rule{}, false
}

// Rule looks a rule up by name.
func (t *Table) Rule(name string) (Rule, bool) {
	for _, r := range t.Rules {
		if r.Name == name {
			return r, true
		}
	}
	return Rule{}, false
}

// Parse decodes and validates a YAML rule table.
func Parse(data []byte) (*Table, error) {
	var t Table
	if err := yaml.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("rules: decode: %w", err)
	}
	if err := t.compile(); err != nil {
		return nil, err
	}
	return &t, nil
}

// Default returns the embedded rule table.
func Default() *Table {
	t, err := Parse(defaultRules)
	if err != nil {
		panic(err)
	}
	return t
}

// Load reads the table at path, or the embedded default when path is empty.
func Load(path string) (*Table, error) {
	if path == "" {
		return Default(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("rules: read %s: %w", path, err)
	}
	return Parse(data)
}

func (t *Table) compile() error {
	if len(t.Rules) == 0 {
		return errors.New("rules: table has no rules")
	}
	t.allow = make(map[string]struct{}, len(t.Allow))
	for _, a := range t.Allow {
		if f := event.Fold(a); f != "" {
			t.allow[f] = struct{}{}
		}
	}
	seen := make(map[string]bool, len(t.Rules))
	for i := range t.Rules {
		r := &t.Rules[i]
		if r.Name == "" {
			return fmt.Errorf("rules: rule %d has no name", i)
		}
		if seen[r.Name] {
			return fmt.Errorf("rules: duplicate rule %q", r.Name)
		}
		seen[r.Name] = true
		if _, ok := r.Select.offset(); !ok {
			return fmt.Errorf("rules: rule %q: unknown selection %q", r.Name, r.Select)
		}
		if r.Delay < 0 {
			return fmt.Errorf("rules: rule %q: negative delay", r.Name)
		}
		if len(r.Actions) == 0 {
			return fmt.Errorf("rules: rule %q has no actions", r.Name)
		}
		r.folded = event.Fold(r.Match)
		for j := range r.Actions {
			if err := r.Actions[j].validate(); err != nil {
				return fmt.Errorf("rules: rule %q action %d: %w", r.Name, j, err)
			}
		}
	}
	return nil
}

func (a *Action) validate() error {
	switch a.Kind {
	case SetDateIfEmpty, SetChecked, RemoveOwner, StopTimer:
	case AssignOwner:
		if a.UserID <= 0 {
			return errors.New("assign_owner needs user_id")
		}
	case SetLabel:
		if a.Label == "" {
			return errors.New("set_label needs label")
		}
	default:
		return fmt.Errorf("unknown kind %q", a.Kind)
	}
	if strings.TrimSpace(a.Column) == "" {
		return errors.New("missing column")
	}
	switch a.Target {
	case "":
		a.Target = TargetSelected
	case TargetSelected, TargetParent:
	case TargetNamed:
		if strings.TrimSpace(a.Subitem) == "" {
			return errors.New("named target needs subitem")
		}
	default:
		return fmt.Errorf("unknown target %q", a.Target)
	}
	return nil
}

// Store holds the live table; readers never see a half-loaded version.
type Store struct {
	cur atomic.Pointer[Table]
}

func NewStore(t *Table) *Store {
	s := &Store{}
	s.cur.Store(t)
	return s
}

func (s *Store) Get() *Table { return s.cur.Load() }

func (s *Store) Set(t *Table) { s.cur.Store(t) }
