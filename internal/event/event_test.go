package event

import (
	"encoding/json"
	"testing"
)

func decode(t *testing.T, body string) map[string]any {
	t.Helper()
	var m map[string]any
	if err := json.Unmarshal([]byte(body), &m); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return m
}

func TestNormalizeStatusEvent(t *testing.T) {
	ev := Normalize(decode(t, `{"event":{"type":"update_column_value","pulseId":9893888379,"columnId":"status","columnTitle":"Status","value":{"label":{"index":1,"text":" Ab Matricula "}}}}`))
	if ev.ItemID != "9893888379" {
		t.Fatalf("expected item id 9893888379, got %q", ev.ItemID)
	}
	if ev.StatusText != "Ab Matricula" {
		t.Fatalf("expected trimmed label text, got %q", ev.StatusText)
	}
	if ev.ColumnID != "status" || ev.ColumnTitle != "Status" {
		t.Fatalf("unexpected column fields: %+v", ev)
	}
	if !ev.Actionable() {
		t.Fatalf("expected actionable event")
	}
}

func TestNormalizeStatusFallbacks(t *testing.T) {
	cases := map[string]string{
		`{"event":{"pulseId":"1","value":{"label":"Pago"}}}`:                        "Pago",
		`{"event":{"pulseId":"1","columnTitle":"DOCUMENTOS"}}`:                      "DOCUMENTOS",
		`{"event":{"pulseId":"1","column_title":"Escritura"}}`:                      "Escritura",
		`{"event":{"pulseId":"1","payload":{"value":{"label":"Alvará"}}}}`:          "Alvará",
		`{"event":{"pulseId":"1","value":{"label":{"text":""}},"columnTitle":"X"}}`: "X",
	}
	for body, want := range cases {
		if got := Normalize(decode(t, body)).StatusText; got != want {
			t.Fatalf("%s: expected %q, got %q", body, want, got)
		}
	}
}

func TestNormalizeItemIDCandidates(t *testing.T) {
	cases := map[string]string{
		`{"event":{"pulse_id":"77"}}`:                       "77",
		`{"event":{"itemId":"abc","item_id":12}}`:           "12",
		`{"pulseId":"55","event":{}}`:                       "55",
		`{"event":{"payload":{"itemId":"99"}}}`:             "99",
		`{"event":{"pulseId":"12a"},"item_id":"not-a-num"}`: "",
	}
	for body, want := range cases {
		if got := Normalize(decode(t, body)).ItemID; got != want {
			t.Fatalf("%s: expected %q, got %q", body, want, got)
		}
	}
}

func TestNormalizeToleratesMalformedBodies(t *testing.T) {
	for _, body := range []string{`{}`, `{"event":"oops"}`, `{"event":{"value":[1,2]}}`} {
		ev := Normalize(decode(t, body))
		if ev.Actionable() {
			t.Fatalf("%s: expected non-actionable event, got %+v", body, ev)
		}
	}
}

func TestFold(t *testing.T) {
	cases := map[string]string{
		" Concluído ":   "concluido",
		"UNIFICAÇÃO":    "unificacao",
		"o.s concluida": "o.s concluida",
		"Desist/Demora": "desist/demora",
	}
	for in, want := range cases {
		if got := Fold(in); got != want {
			t.Fatalf("Fold(%q) = %q, want %q", in, got, want)
		}
	}
}
