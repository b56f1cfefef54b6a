package conf

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/v2"
)

// Settings is the bootstrap configuration read at startup.
// Runtime-editable behaviour lives in the dynamic config file instead.
type Settings struct {
	Feishu FeishuSettings `koanf:"feishu"`
	Bot    BotSettings    `koanf:"bot"`
}

// FeishuSettings contains Feishu app credentials
type FeishuSettings struct {
	AppID     string `koanf:"app_id"`
	AppSecret string `koanf:"app_secret"`
}

// BotSettings contains process-level bot settings
type BotSettings struct {
	AdminIDs      string `koanf:"admin_ids"` // comma separated open_ids
	ConfigPath    string `koanf:"config_path"`
	JournalPath   string `koanf:"journal_path"` // empty disables the revision journal
	MCPAddr       string `koanf:"mcp_addr"`     // empty disables the admin MCP endpoint
	LogFormat     string `koanf:"log_format"`
	RatePerMinute int    `koanf:"rate_per_minute"`
	Debug         bool   `koanf:"debug"`
}

// defaults returns the settings used when nothing overrides them
func defaults() map[string]interface{} {
	journal := ""
	if homeDir, err := os.UserHomeDir(); err == nil {
		journal = filepath.Join(homeDir, ".feishu-anonbot", "revisions.db")
	}
	return map[string]interface{}{
		"bot.config_path":     "config.yaml",
		"bot.journal_path":    journal,
		"bot.log_format":      "console",
		"bot.rate_per_minute": 200,
		"bot.debug":           false,
	}
}

// envKey maps FEISHU_APP_ID to feishu.app_id and BOT_MCP_ADDR to bot.mcp_addr
func envKey(s string) string {
	return strings.Replace(strings.ToLower(s), "_", ".", 1)
}

// LoadDotEnv loads a .env file into the process environment if present.
// Variables already set win over the file.
func LoadDotEnv(path string) error {
	if _, err := os.Stat(path); err != nil {
		return nil
	}
	return godotenv.Load(path)
}

// Load builds settings from defaults, then the environment, then overrides
// (CLI flags, keyed like "bot.config_path")
func Load(overrides map[string]interface{}) (*Settings, error) {
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(defaults(), "."), nil); err != nil {
		return nil, fmt.Errorf("error loading defaults: %w", err)
	}
	for _, prefix := range []string{"FEISHU_", "BOT_"} {
		if err := k.Load(env.Provider(prefix, ".", envKey), nil); err != nil {
			return nil, fmt.Errorf("error loading environment: %w", err)
		}
	}
	if len(overrides) > 0 {
		if err := k.Load(confmap.Provider(overrides, "."), nil); err != nil {
			return nil, fmt.Errorf("error loading overrides: %w", err)
		}
	}

	var s Settings
	if err := k.Unmarshal("", &s); err != nil {
		return nil, fmt.Errorf("error unmarshalling settings: %w", err)
	}
	s.Bot.LogFormat = strings.ToLower(strings.TrimSpace(s.Bot.LogFormat))
	return &s, nil
}

// AdminIDList returns the configured admin open_ids
func (s *Settings) AdminIDList() []string {
	var ids []string
	for _, id := range strings.Split(s.Bot.AdminIDs, ",") {
		if id = strings.TrimSpace(id); id != "" {
			ids = append(ids, id)
		}
	}
	return ids
}

// Validate validates the settings needed to connect to Feishu
func (s *Settings) Validate() error {
	if s.Feishu.AppID == "" || s.Feishu.AppSecret == "" {
		return &ConfigError{Field: "FEISHU_APP_ID/FEISHU_APP_SECRET", Message: "required"}
	}
	return s.ValidateLocal()
}

// ValidateLocal validates the settings that do not involve Feishu credentials
func (s *Settings) ValidateLocal() error {
	if s.Bot.ConfigPath == "" {
		return &ConfigError{Field: "BOT_CONFIG_PATH", Message: "required"}
	}
	if s.Bot.LogFormat != "console" && s.Bot.LogFormat != "json" {
		return &ConfigError{Field: "BOT_LOG_FORMAT", Message: "must be console or json"}
	}
	if s.Bot.RatePerMinute <= 0 {
		return &ConfigError{Field: "BOT_RATE_PER_MINUTE", Message: "must be a positive integer"}
	}
	return nil
}

// ConfigError represents a configuration error
type ConfigError struct {
	Field   string
	Message string
}

func (e *ConfigError) Error() string {
	return e.Field + ": " + e.Message
}
