package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/viper"
)

type Config struct {
	Telegram  TelegramConfig  `mapstructure:"telegram"`
	Database  DatabaseConfig  `mapstructure:"database"`
	LLM       LLMConfig       `mapstructure:"llm"`
	Retention RetentionConfig `mapstructure:"retention"`
}

type TelegramConfig struct {
	Token    string  `mapstructure:"token"`
	AdminIDs []int64 `mapstructure:"admin_ids"`
}

type DatabaseConfig struct {
	Driver   string `mapstructure:"driver"`
	Path     string `mapstructure:"path"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbname"`
	SSLMode  string `mapstructure:"sslmode"`
}

type LLMConfig struct {
	APIKey         string  `mapstructure:"api_key"`
	BaseURL        string  `mapstructure:"base_url"`
	TextModel      string  `mapstructure:"text_model"`
	VisionModel    string  `mapstructure:"vision_model"`
	MaxTokens      int     `mapstructure:"max_tokens"`
	Temperature    float64 `mapstructure:"temperature"`
	TimeoutSeconds int     `mapstructure:"timeout_seconds"`
}

type RetentionConfig struct {
	ContextDays             int   `mapstructure:"context_days"`
	RequestDays             int   `mapstructure:"request_days"`
	InactiveUserDays        int   `mapstructure:"inactive_user_days"`
	ExpiredSubscriptionDays int   `mapstructure:"expired_subscription_days"`
	SweepIntervalHours      int   `mapstructure:"sweep_interval_hours"`
	CompactThreshold        int64 `mapstructure:"compact_threshold"`
}

func parseDatabaseURL(dbURL string) (DatabaseConfig, error) {
	u, err := url.Parse(dbURL)
	if err != nil {
		return DatabaseConfig{}, err
	}

	password, _ := u.User.Password()
	port := 5432 // default PostgreSQL port
	if u.Port() != "" {
		fmt.Sscanf(u.Port(), "%d", &port)
	}

	return DatabaseConfig{
		Driver:   "postgres",
		Host:     u.Hostname(),
		Port:     port,
		User:     u.User.Username(),
		Password: password,
		DBName:   strings.TrimPrefix(u.Path, "/"),
		SSLMode:  "disable",
	}, nil
}

func LoadConfig(path string) (*Config, error) {
	v := viper.New()

	// Set default values
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.path", "data/omybot.db")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("llm.base_url", "https://api.openai.com/v1")
	v.SetDefault("llm.text_model", "gpt-4o-mini")
	v.SetDefault("llm.vision_model", "gpt-4o-mini")
	v.SetDefault("llm.max_tokens", 2000)
	v.SetDefault("llm.temperature", 0.1)
	v.SetDefault("llm.timeout_seconds", 30)
	v.SetDefault("retention.context_days", 7)
	v.SetDefault("retention.request_days", 30)
	v.SetDefault("retention.inactive_user_days", 90)
	v.SetDefault("retention.expired_subscription_days", 30)
	v.SetDefault("retention.sweep_interval_hours", 6)
	v.SetDefault("retention.compact_threshold", 100)

	// Enable environment variable support
	v.AutomaticEnv()

	// Read the config file; a missing file is fine, env and defaults apply
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return nil, err
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, err
	}

	// DATABASE_URL points either at a Postgres server or a local SQLite file
	if dbURL := v.GetString("DATABASE_URL"); dbURL != "" {
		if strings.HasPrefix(dbURL, "postgres://") || strings.HasPrefix(dbURL, "postgresql://") {
			dbConfig, err := parseDatabaseURL(dbURL)
			if err != nil {
				return nil, fmt.Errorf("failed to parse DATABASE_URL: %w", err)
			}
			config.Database = dbConfig
		} else {
			config.Database.Driver = "sqlite"
			config.Database.Path = dbURL
		}
	}

	// Get other environment variables
	if token := v.GetString("TELEGRAM_TOKEN"); token != "" {
		config.Telegram.Token = token
	}
	if apiKey := v.GetString("OPENAI_API_KEY"); apiKey != "" {
		config.LLM.APIKey = apiKey
	}
	if baseURL := v.GetString("LLM_BASE_URL"); baseURL != "" {
		config.LLM.BaseURL = baseURL
	}
	if model := v.GetString("LLM_MODEL_TEXT"); model != "" {
		config.LLM.TextModel = model
	}
	if model := v.GetString("LLM_MODEL_VISION"); model != "" {
		config.LLM.VisionModel = model
	}
	if ids := v.GetString("ADMIN_IDS"); ids != "" {
		config.Telegram.AdminIDs = parseAdminIDs(ids)
	}

	return &config, nil
}

func parseAdminIDs(raw string) []int64 {
	var ids []int64
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, err := strconv.ParseInt(part, 10, 64)
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	return ids
}

// Validate checks the settings that are fatal at startup. A missing LLM
// credential is not one of them: the gateway runs in demo mode without it.
func (c *Config) Validate() error {
	if c.Telegram.Token == "" {
		return fmt.Errorf("telegram token is required (TELEGRAM_TOKEN)")
	}
	if c.Database.Driver != "sqlite" && c.Database.Driver != "postgres" {
		return fmt.Errorf("unsupported database driver: %q", c.Database.Driver)
	}
	return nil
}
