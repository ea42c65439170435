package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config contains runtime configuration for the example bot.
type Config struct {
	ClientID     string        `yaml:"client_id"`
	ClientSecret string        `yaml:"client_secret"`
	OAuth        string        `yaml:"oauth"`
	Scope        []string      `yaml:"scope"`
	APIURL       string        `yaml:"api_url"`
	TokenFile    string        `yaml:"token_file"`
	SkipPersist  bool          `yaml:"skip_persist"`
	BotPrefix    string        `yaml:"bot_prefix"`
	Greeting     string        `yaml:"greeting"`
	JoinTimeout  time.Duration `yaml:"join_timeout"`
	LogLevel     string        `yaml:"log_level"`
}

func defaults() Config {
	return Config{
		Scope:       []string{"chat:connect", "chat:chat"},
		APIURL:      "https://mixer.com/api/",
		BotPrefix:   "!",
		Greeting:    "Hello World!",
		JoinTimeout: 30 * time.Second,
		LogLevel:    "info",
	}
}

// Load reads .env, then the YAML file named by MIXER_CONFIG (if any), then
// environment overrides.
func Load() (Config, error) {
	_ = godotenv.Load()

	cfg := defaults()
	if path := strings.TrimSpace(os.Getenv("MIXER_CONFIG")); path != "" {
		if err := loadFile(path, &cfg); err != nil {
			return Config{}, err
		}
	}

	cfg.ClientID = getEnv("MIXER_CLIENT_ID", cfg.ClientID)
	cfg.ClientSecret = getEnv("MIXER_CLIENT_SECRET", cfg.ClientSecret)
	cfg.OAuth = getEnv("MIXER_OAUTH", cfg.OAuth)
	cfg.Scope = getList("MIXER_SCOPE", cfg.Scope)
	cfg.APIURL = getEnv("MIXER_API_URL", cfg.APIURL)
	cfg.TokenFile = getEnv("MIXER_TOKEN_FILE", cfg.TokenFile)
	cfg.SkipPersist = getBool("MIXER_SKIP_PERSIST", cfg.SkipPersist)
	cfg.BotPrefix = getEnv("MIXER_BOT_PREFIX", cfg.BotPrefix)
	cfg.Greeting = getEnv("MIXER_GREETING", cfg.Greeting)
	cfg.JoinTimeout = getDuration("MIXER_JOIN_TIMEOUT", cfg.JoinTimeout)
	cfg.LogLevel = getEnv("LOG_LEVEL", cfg.LogLevel)

	if strings.TrimSpace(cfg.ClientID) == "" {
		return Config{}, fmt.Errorf("MIXER_CLIENT_ID is required")
	}
	if cfg.OAuth == "" && len(cfg.Scope) == 0 {
		return Config{}, fmt.Errorf("MIXER_SCOPE is required unless MIXER_OAUTH is set")
	}
	return cfg, nil
}

func loadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

func getEnv(key, def string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return def
}

func getDuration(key string, def time.Duration) time.Duration {
	if v, ok := os.LookupEnv(key); ok {
		d, err := time.ParseDuration(v)
		if err == nil {
			return d
		}
	}
	return def
}

func getBool(key string, def bool) bool {
	if v, ok := os.LookupEnv(key); ok {
		switch strings.ToLower(v) {
		case "1", "true", "t", "yes", "y", "on":
			return true
		case "0", "false", "f", "no", "n", "off":
			return false
		}
	}
	return def
}

func getList(key string, def []string) []string {
	if v, ok := os.LookupEnv(key); ok {
		var cleaned []string
		for _, p := range strings.Split(v, ",") {
			if trimmed := strings.TrimSpace(p); trimmed != "" {
				cleaned = append(cleaned, trimmed)
			}
		}
		if len(cleaned) > 0 {
			return cleaned
		}
	}
	return def
}
