package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Duration is a time.Duration that unmarshals from Go duration strings ("50ms", "24h").
type Duration time.Duration

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		v, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", s, err)
		}
		*d = Duration(v)
		return nil
	}
	var ms int64
	if err := json.Unmarshal(b, &ms); err != nil {
		return fmt.Errorf("duration must be a string or milliseconds: %s", string(b))
	}
	*d = Duration(time.Duration(ms) * time.Millisecond)
	return nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d Duration) D() time.Duration { return time.Duration(d) }

type BroadcastConfig struct {
	BatchSize  int      `json:"batch_size,omitempty"`
	BatchPause Duration `json:"batch_pause,omitempty"`
	// MaxRetries caps retry-after attempts per recipient. 0 means unbounded.
	MaxRetries int `json:"max_retries,omitempty"`
}

type RenderConfig struct {
	MinRunes     int      `json:"min_runes,omitempty"`
	MaxRunes     int      `json:"max_runes,omitempty"`
	FontPath     string   `json:"font_path,omitempty"`
	FontURL      string   `json:"font_url,omitempty"`
	TemplatePath string   `json:"template_path,omitempty"`
	Footer       string   `json:"footer,omitempty"`
	RemoteURL    string   `json:"remote_url,omitempty"`
	RemoteToken  string   `json:"remote_token,omitempty"`
	RemoteMax    int      `json:"remote_max_runes,omitempty"`
	Timeout      Duration `json:"timeout,omitempty"`
}

type Config struct {
	BotToken       string  `json:"bot_token"`
	AdminIDs       []int64 `json:"admin_ids"`
	MasterSourceID int64   `json:"master_source_id"`
	DataDir        string  `json:"data_dir"`

	DatabaseDriver string `json:"database_driver,omitempty"` // sqlite|postgres
	DatabaseURL    string `json:"database_url,omitempty"`
	// RedisURL selects the Redis dedup store; empty keeps dedup in-process.
	RedisURL string `json:"redis_url,omitempty"`

	ChannelName          string `json:"channel_name,omitempty"`
	ChannelHandle        string `json:"channel_handle,omitempty"`
	ChannelLink          string `json:"channel_link,omitempty"`
	AllowedLinkSubstring string `json:"allowed_link_substring,omitempty"`

	Broadcast BroadcastConfig `json:"broadcast"`
	Render    RenderConfig    `json:"render"`

	LockTTL  Duration `json:"lock_ttl,omitempty"`
	DedupTTL Duration `json:"dedup_ttl,omitempty"`

	DesignMaxRunes int      `json:"design_max_runes,omitempty"`
	DesignEvery    Duration `json:"design_every,omitempty"`
	DesignBurst    int      `json:"design_burst,omitempty"`

	// MessagesPath overrides the embedded message catalog.
	MessagesPath string `json:"messages_path,omitempty"`

	OpsAddr    string `json:"ops_addr,omitempty"`
	BackupCron string `json:"backup_cron,omitempty"`

	LogLevel  string `json:"log_level,omitempty"`
	LogPretty bool   `json:"log_pretty,omitempty"`
	Debug     bool   `json:"debug,omitempty"`
}

func DefaultDataDir() string {
	if v := os.Getenv("RELAY_DATA_DIR"); v != "" {
		return v
	}
	return "/var/lib/relay-bot"
}

func DefaultConfigPath() string {
	if v := os.Getenv("RELAY_CONFIG"); v != "" {
		return v
	}
	return "/etc/relay-bot/config.json"
}

// Load reads the JSON file at path (optional), then .env, then environment
// overrides, applies defaults and validates the result.
func Load(path string) (Config, error) {
	if path == "" {
		path = DefaultConfigPath()
	}

	var cfg Config
	// 1) Try file
	if b, err := os.ReadFile(path); err == nil {
		if err := json.Unmarshal(b, &cfg); err != nil {
			return Config{}, fmt.Errorf("invalid config json: %w", err)
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("read config: %w", err)
	}

	// 2) .env next to the working directory; never overrides real env vars.
	_ = godotenv.Load()

	// 3) Env overrides
	applyEnv(&cfg)

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("BOT_TOKEN"); v != "" {
		cfg.BotToken = v
	}
	if v := os.Getenv("ADMIN_IDS"); v != "" {
		cfg.AdminIDs = parseIDList(v)
	}
	if v := os.Getenv("ADMIN_ID"); v != "" && len(cfg.AdminIDs) == 0 {
		cfg.AdminIDs = parseIDList(v)
	}
	if v := os.Getenv("MASTER_SOURCE_ID"); v != "" {
		if id, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64); err == nil {
			cfg.MasterSourceID = id
		}
	}
	if v := os.Getenv("DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("DATABASE_DRIVER"); v != "" {
		cfg.DatabaseDriver = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.DatabaseURL = v
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		cfg.RedisURL = v
	}
	if v := os.Getenv("CHANNEL_NAME"); v != "" {
		cfg.ChannelName = v
	}
	if v := os.Getenv("CHANNEL_HANDLE"); v != "" {
		cfg.ChannelHandle = v
	}
	if v := os.Getenv("CHANNEL_LINK"); v != "" {
		cfg.ChannelLink = v
	}
	if v := os.Getenv("ALLOWED_LINK_SUBSTRING"); v != "" {
		cfg.AllowedLinkSubstring = v
	}
	if v := os.Getenv("RENDER_REMOTE_URL"); v != "" {
		cfg.Render.RemoteURL = v
	}
	if v := os.Getenv("RENDER_REMOTE_TOKEN"); v != "" {
		cfg.Render.RemoteToken = v
	}
	if v := os.Getenv("FONT_PATH"); v != "" {
		cfg.Render.FontPath = v
	}
	if v := os.Getenv("OPS_ADDR"); v != "" {
		cfg.OpsAddr = v
	}
	if v := os.Getenv("BACKUP_CRON"); v != "" {
		cfg.BackupCron = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("LOG_PRETTY"); v != "" {
		cfg.LogPretty = truthy(v)
	}
	if v := os.Getenv("RELAY_DEBUG"); v != "" {
		cfg.Debug = truthy(v)
	}
}

func (c *Config) applyDefaults() {
	if c.DataDir == "" {
		c.DataDir = DefaultDataDir()
	}
	c.DataDir = filepath.Clean(c.DataDir)

	c.DatabaseDriver = strings.ToLower(strings.TrimSpace(c.DatabaseDriver))
	if c.DatabaseDriver == "" {
		c.DatabaseDriver = "sqlite"
		if strings.HasPrefix(c.DatabaseURL, "postgres://") || strings.HasPrefix(c.DatabaseURL, "postgresql://") {
			c.DatabaseDriver = "postgres"
		}
	}
	if c.DatabaseDriver == "sqlite" && c.DatabaseURL == "" {
		c.DatabaseURL = filepath.Join(c.DataDir, "relay.db")
	}

	if c.ChannelName == "" {
		c.ChannelName = "روائع من الأدب العربي"
	}
	if c.ChannelHandle == "" {
		c.ChannelHandle = "@Rwaea3"
	}
	if c.ChannelLink == "" {
		c.ChannelLink = "https://t.me/" + strings.TrimPrefix(c.ChannelHandle, "@")
	}
	if c.AllowedLinkSubstring == "" {
		c.AllowedLinkSubstring = strings.TrimPrefix(c.ChannelHandle, "@")
	}

	if c.Broadcast.BatchSize == 0 {
		c.Broadcast.BatchSize = 20
	}
	if c.Broadcast.BatchPause == 0 {
		c.Broadcast.BatchPause = Duration(50 * time.Millisecond)
	}

	if c.Render.MinRunes == 0 {
		c.Render.MinRunes = 1
	}
	if c.Render.MaxRunes == 0 {
		c.Render.MaxRunes = 300
	}
	if c.Render.RemoteMax == 0 {
		c.Render.RemoteMax = c.Render.MaxRunes
	}
	if c.Render.FontPath == "" {
		c.Render.FontPath = filepath.Join(c.DataDir, "assets", "font.ttf")
	}
	if c.Render.FontURL == "" {
		c.Render.FontURL = "https://github.com/google/fonts/raw/main/ofl/amiri/Amiri-Regular.ttf"
	}
	if c.Render.Footer == "" {
		c.Render.Footer = c.ChannelName
	}
	if c.Render.Timeout == 0 {
		c.Render.Timeout = Duration(60 * time.Second)
	}

	if c.LockTTL == 0 {
		c.LockTTL = Duration(60 * time.Second)
	}
	if c.DedupTTL == 0 {
		c.DedupTTL = Duration(24 * time.Hour)
	}

	if c.DesignMaxRunes == 0 {
		c.DesignMaxRunes = 450
	}
	if c.DesignEvery == 0 {
		c.DesignEvery = Duration(20 * time.Second)
	}
	if c.DesignBurst == 0 {
		c.DesignBurst = 2
	}

	c.LogLevel = strings.ToLower(strings.TrimSpace(c.LogLevel))
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.LogLevel == "warning" {
		c.LogLevel = "warn"
	}
}

// Validate reports the first invalid setting.
func (c Config) Validate() error {
	if strings.TrimSpace(c.BotToken) == "" {
		return errors.New("missing bot_token (set in config file or BOT_TOKEN env)")
	}
	if len(c.AdminIDs) == 0 {
		return errors.New("at least one admin id is required (admin_ids or ADMIN_IDS)")
	}
	if c.MasterSourceID == 0 {
		return errors.New("master_source_id must be set")
	}
	switch c.DatabaseDriver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("database_driver must be sqlite or postgres, got %q", c.DatabaseDriver)
	}
	if strings.TrimSpace(c.DatabaseURL) == "" {
		return errors.New("database_url must not be empty")
	}
	if c.Broadcast.BatchSize < 1 {
		return errors.New("broadcast.batch_size must be >= 1")
	}
	if c.Broadcast.BatchPause < 0 {
		return errors.New("broadcast.batch_pause must be >= 0")
	}
	if c.Broadcast.MaxRetries < 0 {
		return errors.New("broadcast.max_retries must be >= 0")
	}
	if c.LockTTL <= 0 || c.DedupTTL <= 0 {
		return errors.New("lock_ttl and dedup_ttl must be positive")
	}
	if c.Render.MinRunes < 0 || c.Render.MinRunes > c.Render.MaxRunes {
		return errors.New("render.min_runes must be between 0 and render.max_runes")
	}
	if c.DesignBurst < 1 {
		return errors.New("design_burst must be >= 1")
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return errors.New("log_level must be one of: debug, info, warn, error")
	}
	return nil
}

// IsAdmin reports whether userID is one of the configured admins.
func (c Config) IsAdmin(userID int64) bool {
	for _, id := range c.AdminIDs {
		if id == userID {
			return true
		}
	}
	return false
}

func truthy(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "y", "on":
		return true
	}
	return false
}

func parseIDList(s string) []int64 {
	var out []int64
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, err := strconv.ParseInt(part, 10, 64)
		if err == nil {
			out = append(out, id)
		}
	}
	return out
}
