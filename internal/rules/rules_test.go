package rules

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/chxlky/boardhooks/internal/models"
)

func subitems(names ...string) []models.Subitem {
	out := make([]models.Subitem, len(names))
	for i, n := range names {
		out[i] = models.Subitem{ID: n, Name: n}
	}
	return out
}

func TestSelectionPick(t *testing.T) {
	cases := []struct {
		sel  Selection
		list []models.Subitem
		want string
	}{
		{SelectLast, subitems("A", "B", "C"), "C"},
		{"", subitems("A", "B", "C"), "C"},
		{SelectPenultimate, subitems("A", "B", "C"), "B"},
		{SelectPenultimate, subitems("A", "B"), "A"},
		{SelectPenultimate, subitems("A"), "A"},
		{SelectAntepenultimate, subitems("A", "B", "C", "D"), "B"},
		{SelectAntepenultimate, subitems("A", "B", "C"), "A"},
		{SelectAntepenultimate, subitems("A", "B"), "A"},
		{SelectAntepenultimate, subitems("A"), "A"},
	}
	for _, tc := range cases {
		got, ok := tc.sel.Pick(tc.list)
		if !ok || got.ID != tc.want {
			t.Fatalf("%s over %d subitems: expected %s, got %q (ok=%v)", tc.sel, len(tc.list), tc.want, got.ID, ok)
		}
	}
	if _, ok := SelectLast.Pick(nil); ok {
		t.Fatalf("expected no pick from empty list")
	}
}

func TestDefaultTableAllowList(t *testing.T) {
	table := Default()
	for _, s := range []string{"Ab Matricula", "CONCLUIDO", "Concluído", "alvara", " Unificação "} {
		if !table.Allowed(s) {
			t.Fatalf("expected %q to be allowed", s)
		}
	}
	for _, s := range []string{"", "Em andamento", "ab"} {
		if table.Allowed(s) {
			t.Fatalf("expected %q to be rejected", s)
		}
	}
}

func TestDefaultTableFirstMatchWins(t *testing.T) {
	table := Default()
	cases := map[string]string{
		"Ab Matricula":                "ab-matricula",
		"Concluido":                   "standard",
		"UNIFICAÇÃO":                  "unificacao",
		"unificação e desmembramento": "unificacao",
		"Desmembramento":              "desmembramento",
		"Alvará":                      "alvara",
		"O.S Concluida":               "os-concluida",
		"Desist/Demora":               "desistencia",
	}
	for status, want := range cases {
		r, ok := table.Match(status)
		if !ok || r.Name != want {
			t.Fatalf("%q: expected rule %s, got %q", status, want, r.Name)
		}
	}

	r, _ := table.Rule("ab-matricula")
	if r.Select != SelectPenultimate || r.Delay != 10*time.Second {
		t.Fatalf("unexpected ab-matricula rule: %+v", r)
	}
	if len(r.Actions) != 1 || r.Actions[0].Kind != AssignOwner || r.Actions[0].UserID != 69279625 {
		t.Fatalf("unexpected ab-matricula actions: %+v", r.Actions)
	}
	if r.Actions[0].Target != TargetSelected {
		t.Fatalf("expected default target to be filled in, got %q", r.Actions[0].Target)
	}
}

func TestParseRejectsInvalidTables(t *testing.T) {
	cases := map[string]string{
		"no rules":       "version: 1\nallow: [a]\n",
		"unknown kind":   "rules:\n  - name: a\n    match: a\n    actions:\n      - kind: explode\n        column: X\n",
		"bad select":     "rules:\n  - name: a\n    match: a\n    select: first\n    actions:\n      - kind: set_checked\n        column: X\n",
		"missing column": "rules:\n  - name: a\n    match: a\n    actions:\n      - kind: set_checked\n",
		"named target":   "rules:\n  - name: a\n    match: a\n    actions:\n      - kind: set_checked\n        column: X\n        target: named\n",
		"duplicate":      "rules:\n  - name: a\n    actions: [{kind: set_checked, column: X}]\n  - name: a\n    actions: [{kind: set_checked, column: X}]\n",
		"owner user":     "rules:\n  - name: a\n    actions: [{kind: assign_owner, column: X}]\n",
	}
	for name, body := range cases {
		if _, err := Parse([]byte(body)); err == nil {
			t.Fatalf("%s: expected parse error", name)
		}
	}
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.yaml")
	body := "version: 9\nallow: [pago]\nrules:\n  - name: pago\n    match: pago\n    delay: 1m30s\n    actions: [{kind: set_checked, column: PAGO}]\n"
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	table, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if table.Version != 9 || !table.Allowed("PAGO") {
		t.Fatalf("unexpected table: %+v", table)
	}
	r, ok := table.Match("Pago")
	if !ok || r.Delay != 90*time.Second {
		t.Fatalf("unexpected rule: %+v", r)
	}
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatalf("expected error for missing file")
	}
}

func TestWatchSwapsValidTables(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rules.yaml")
	write := func(version int, extra string) {
		t.Helper()
		body := "version: " + strconv.Itoa(version) + "\nallow: [pago]\nrules:\n  - name: pago\n    match: pago\n" + extra
		if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	write(1, "    actions: [{kind: set_checked, column: PAGO}]\n")
	initial, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	store := NewStore(initial)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := Watch(ctx, path, store); err != nil {
		t.Fatalf("watch: %v", err)
	}

	write(2, "    actions: []\n")
	time.Sleep(200 * time.Millisecond)
	if store.Get().Version != 1 {
		t.Fatalf("invalid table should not replace the live one, got version %d", store.Get().Version)
	}

	write(3, "    actions: [{kind: set_checked, column: PAGO}]\n")
	deadline := time.Now().Add(3 * time.Second)
	for store.Get().Version != 3 {
		if time.Now().After(deadline) {
			t.Fatalf("expected version 3 after reload, got %d", store.Get().Version)
		}
		time.Sleep(20 * time.Millisecond)
	}
}
