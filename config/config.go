package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/spf13/cast"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var ErrMissingAPIKey = errors.New("missing API key")

type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Database    DatabaseConfig    `mapstructure:"database"`
	Monday      MondayConfig      `mapstructure:"monday"`
	Rules       RulesConfig       `mapstructure:"rules"`
	Scheduler   SchedulerConfig   `mapstructure:"scheduler"`
	WhatsApp    WhatsAppConfig    `mapstructure:"whatsapp"`
	Archive     ArchiveConfig     `mapstructure:"archive"`
	Documents   DocumentsConfig   `mapstructure:"documents"`
	ParentLabel ParentLabelConfig `mapstructure:"parent_label"`
}

type ServerConfig struct {
	Port       string        `mapstructure:"port"`
	BootID     string        `mapstructure:"boot_id"`
	MaxWorkers int           `mapstructure:"max_workers"`
	JobTimeout time.Duration `mapstructure:"job_timeout"`
}

type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

type MondayConfig struct {
	APIKey       string        `mapstructure:"api_key"`
	APIURL       string        `mapstructure:"api_url"`
	APIVersion   string        `mapstructure:"api_version"`
	Timeout      time.Duration `mapstructure:"timeout"`
	BoardIDs     []string      `mapstructure:"-"`
	CallbackURL  string        `mapstructure:"callback_url"`
	WebhookEvent string        `mapstructure:"webhook_event"`
}

type RulesConfig struct {
	Path  string `mapstructure:"path"`
	Watch bool   `mapstructure:"watch"`
}

type SchedulerConfig struct {
	Attempts   uint          `mapstructure:"attempts"`
	RetryDelay time.Duration `mapstructure:"retry_delay"`
}

type WhatsAppConfig struct {
	Enabled        bool   `mapstructure:"enabled"`
	BaseURL        string `mapstructure:"base_url"`
	APIKey         string `mapstructure:"api_key"`
	Session        string `mapstructure:"session"`
	Number         string `mapstructure:"number"`
	RecipientField string `mapstructure:"recipient_field"`
	TargetPersonID string `mapstructure:"target_person_id"`
	Message        string `mapstructure:"message"`
}

type ArchiveConfig struct {
	BoardIDs []string      `mapstructure:"-"`
	Days     int           `mapstructure:"days"`
	DryRun   bool          `mapstructure:"dry_run"`
	Interval time.Duration `mapstructure:"interval"`
	PageSize int           `mapstructure:"page_size"`
	// Pause spaces mutations; PagePause spaces page fetches.
	Pause     time.Duration `mapstructure:"pause"`
	PagePause time.Duration `mapstructure:"page_pause"`
}

type DocumentsConfig struct {
	Column       string `mapstructure:"column"`
	RequiredFile string `mapstructure:"required_file"`
	FileCount    int    `mapstructure:"file_count"`
	SubitemName  string `mapstructure:"subitem_name"`
	CheckColumn  string `mapstructure:"check_column"`
}

type ParentLabelConfig struct {
	Column string `mapstructure:"column"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", "3000")
	v.SetDefault("server.boot_id", "")
	v.SetDefault("server.max_workers", 10)
	v.SetDefault("server.job_timeout", 2*time.Minute)

	v.SetDefault("database.path", "boardhooks.db")

	v.SetDefault("monday.api_key", "")
	v.SetDefault("monday.api_url", "https://api.monday.com/v2")
	v.SetDefault("monday.api_version", "2024-10")
	v.SetDefault("monday.timeout", 20*time.Second)
	v.SetDefault("monday.board_ids", "")
	v.SetDefault("monday.callback_url", "")
	v.SetDefault("monday.webhook_event", "change_status_column_value")

	v.SetDefault("rules.path", "")
	v.SetDefault("rules.watch", false)

	v.SetDefault("scheduler.attempts", 3)
	v.SetDefault("scheduler.retry_delay", 5*time.Second)

	v.SetDefault("whatsapp.enabled", false)
	v.SetDefault("whatsapp.base_url", "https://api.faleai.chat")
	v.SetDefault("whatsapp.api_key", "")
	v.SetDefault("whatsapp.session", "manager")
	v.SetDefault("whatsapp.number", "")
	v.SetDefault("whatsapp.recipient_field", "number")
	v.SetDefault("whatsapp.target_person_id", "69279625")
	v.SetDefault("whatsapp.message", "⚡ O responsável agora é Henrique!")

	v.SetDefault("archive.board_ids", "")
	v.SetDefault("archive.days", 202)
	v.SetDefault("archive.dry_run", false)
	v.SetDefault("archive.interval", time.Duration(0))
	v.SetDefault("archive.page_size", 200)
	v.SetDefault("archive.pause", 200*time.Millisecond)
	v.SetDefault("archive.page_pause", 300*time.Millisecond)

	v.SetDefault("documents.column", "DOCUMENTOS")
	v.SetDefault("documents.required_file", "art.pdf")
	v.SetDefault("documents.file_count", 2)
	v.SetDefault("documents.subitem_name", "ABRIR O. S.")
	v.SetDefault("documents.check_column", "CONCLUIDO")

	v.SetDefault("parent_label.column", "DOC EXTERNO")
}

// Load reads config.toml (optional) from the given directories, the process
// environment and an optional .env file. Environment variables override the
// file: monday.api_key is MONDAY_API_KEY, and so on.
func Load(paths ...string) (*Config, error) {
	if err := godotenv.Load(); err != nil {
		zap.L().Debug("No .env file found, using environment variables")
	}

	v := viper.New()
	setDefaults(v)

	v.SetConfigName("config")
	v.SetConfigType("toml")
	if len(paths) == 0 {
		paths = []string{"."}
	}
	for _, p := range paths {
		v.AddConfigPath(p)
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	bindings := map[string][]string{
		"server.port":       {"PORT"},
		"server.boot_id":    {"BOOT_ID"},
		"whatsapp.api_key":  {"WHATSAPP_API_KEY", "EVOLUTION_API_KEY"},
		"archive.board_ids": {"ARCHIVE_BOARD_IDS", "BOARD_ID"},
		"archive.days":      {"ARCHIVE_DAYS", "DAYS"},
		"archive.dry_run":   {"ARCHIVE_DRY_RUN", "DRY_RUN"},
	}
	for key, envs := range bindings {
		if err := v.BindEnv(append([]string{key}, envs...)...); err != nil {
			return nil, fmt.Errorf("binding %s: %w", key, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}
	cfg.Monday.BoardIDs = SplitList(v.Get("monday.board_ids"))
	cfg.Archive.BoardIDs = SplitList(v.Get("archive.board_ids"))
	if len(cfg.Archive.BoardIDs) == 0 {
		cfg.Archive.BoardIDs = cfg.Monday.BoardIDs
	}
	if cfg.Server.BootID == "" {
		cfg.Server.BootID = "boot-" + uuid.NewString()[:8]
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate reports configuration that must stop the process before it binds
// a port.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Monday.APIKey) == "" {
		return fmt.Errorf("monday.api_key (MONDAY_API_KEY): %w", ErrMissingAPIKey)
	}
	if c.WhatsApp.Enabled {
		if strings.TrimSpace(c.WhatsApp.APIKey) == "" {
			return fmt.Errorf("whatsapp.api_key (EVOLUTION_API_KEY): %w", ErrMissingAPIKey)
		}
		if c.WhatsApp.Number == "" {
			return errors.New("whatsapp.number is required when whatsapp is enabled")
		}
		switch c.WhatsApp.RecipientField {
		case "number", "to":
		default:
			return fmt.Errorf("whatsapp.recipient_field must be \"number\" or \"to\", got %q", c.WhatsApp.RecipientField)
		}
	}
	if len(c.Archive.BoardIDs) > 0 && c.Archive.Days <= 0 {
		return fmt.Errorf("archive.days (DAYS) must be positive, got %d", c.Archive.Days)
	}
	if c.Server.MaxWorkers <= 0 {
		c.Server.MaxWorkers = 1
	}
	return nil
}

// SplitList accepts a TOML array or a comma separated string ("1, 2,3").
func SplitList(raw any) []string {
	var parts []string
	switch v := raw.(type) {
	case nil:
		return nil
	case string:
		parts = strings.Split(v, ",")
	default:
		parts = cast.ToStringSlice(v)
	}
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
