package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadFailsWithoutAPIKey(t *testing.T) {
	t.Setenv("MONDAY_API_KEY", "")
	_, err := Load(t.TempDir())
	if !errors.Is(err, ErrMissingAPIKey) {
		t.Fatalf("expected ErrMissingAPIKey, got %v", err)
	}
}

func TestLoadReadsLegacyEnvironment(t *testing.T) {
	t.Setenv("MONDAY_API_KEY", "key_123")
	t.Setenv("PORT", "1001")
	t.Setenv("BOARD_ID", "7991681616, 42,")
	t.Setenv("DAYS", "30")
	t.Setenv("DRY_RUN", "true")

	cfg, err := Load(t.TempDir())
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.Monday.APIKey != "key_123" {
		t.Fatalf("expected api key from env, got %q", cfg.Monday.APIKey)
	}
	if cfg.Server.Port != "1001" {
		t.Fatalf("expected port 1001, got %q", cfg.Server.Port)
	}
	if len(cfg.Archive.BoardIDs) != 2 || cfg.Archive.BoardIDs[0] != "7991681616" || cfg.Archive.BoardIDs[1] != "42" {
		t.Fatalf("unexpected archive boards: %v", cfg.Archive.BoardIDs)
	}
	if cfg.Archive.Days != 30 || !cfg.Archive.DryRun {
		t.Fatalf("unexpected archive config: %+v", cfg.Archive)
	}
	if cfg.Server.BootID == "" {
		t.Fatalf("expected generated boot id")
	}
	if cfg.Scheduler.RetryDelay != 5*time.Second {
		t.Fatalf("expected default retry delay, got %s", cfg.Scheduler.RetryDelay)
	}
}

func TestLoadReadsConfigFile(t *testing.T) {
	t.Setenv("MONDAY_API_KEY", "")
	dir := t.TempDir()
	body := `
[monday]
api_key = "file_key"
board_ids = [10, 20]

[whatsapp]
enabled = true
api_key = "evo"
number = "5588998685336"
recipient_field = "to"

[rules]
path = "rules.yaml"
watch = true
`
	if err := os.WriteFile(filepath.Join(dir, "config.toml"), []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.Monday.APIKey != "file_key" {
		t.Fatalf("expected key from file, got %q", cfg.Monday.APIKey)
	}
	if len(cfg.Monday.BoardIDs) != 2 || cfg.Monday.BoardIDs[1] != "20" {
		t.Fatalf("unexpected boards: %v", cfg.Monday.BoardIDs)
	}
	if len(cfg.Archive.BoardIDs) != 2 {
		t.Fatalf("archive boards should default to monday boards, got %v", cfg.Archive.BoardIDs)
	}
	if !cfg.WhatsApp.Enabled || cfg.WhatsApp.RecipientField != "to" {
		t.Fatalf("unexpected whatsapp config: %+v", cfg.WhatsApp)
	}
	if !cfg.Rules.Watch || cfg.Rules.Path != "rules.yaml" {
		t.Fatalf("unexpected rules config: %+v", cfg.Rules)
	}
}

func TestValidateRequiresWhatsAppKeyWhenEnabled(t *testing.T) {
	cfg := &Config{
		Server:   ServerConfig{MaxWorkers: 1},
		Monday:   MondayConfig{APIKey: "k"},
		WhatsApp: WhatsAppConfig{Enabled: true, Number: "1", RecipientField: "number"},
	}
	if err := cfg.Validate(); !errors.Is(err, ErrMissingAPIKey) {
		t.Fatalf("expected ErrMissingAPIKey, got %v", err)
	}
}

func TestLoadRejectsNonPositiveArchiveDays(t *testing.T) {
	t.Setenv("MONDAY_API_KEY", "key_123")
	t.Setenv("BOARD_ID", "7991681616")
	for _, days := range []string{"0", "-5"} {
		t.Setenv("DAYS", days)
		if _, err := Load(t.TempDir()); err == nil {
			t.Fatalf("DAYS=%s: expected an error", days)
		}
	}
}

func TestValidateAllowsZeroDaysWithoutArchiveBoards(t *testing.T) {
	cfg := &Config{
		Server: ServerConfig{MaxWorkers: 1},
		Monday: MondayConfig{APIKey: "k"},
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	cfg.Archive = ArchiveConfig{BoardIDs: []string{"1"}}
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected an error for archive boards with zero days")
	}
}

func TestSplitList(t *testing.T) {
	cases := []struct {
		in   any
		want int
	}{
		{nil, 0},
		{"", 0},
		{"1,2, 3", 3},
		{[]any{int64(1), "2"}, 2},
	}
	for _, tc := range cases {
		if got := SplitList(tc.in); len(got) != tc.want {
			t.Fatalf("SplitList(%v) = %v, want %d entries", tc.in, got, tc.want)
		}
	}
}
