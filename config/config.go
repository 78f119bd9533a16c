package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	BotToken string

	// YooKassa
	YooKassaStoreID   string
	YooKassaAPIKey    string
	YooKassaAPIURL    string
	YooKassaReturnURL string

	// Marzban panel
	MarzbanURL      string
	MarzbanUsername string
	MarzbanPassword string

	DatabasePath  string
	SweepInterval time.Duration
	RemoteTimeout time.Duration

	LogLevel  string
	LogFormat string

	MetricsAddr    string
	SupportContact string
}

// Load reads .env (if present) and then the process environment.
func Load() (*Config, error) {
	// a missing .env is fine, the environment may carry everything
	_ = godotenv.Load()

	sweep, err := getEnvDuration("SWEEP_INTERVAL", 24*time.Hour)
	if err != nil {
		return nil, err
	}
	timeout, err := getEnvDuration("REMOTE_TIMEOUT", 10*time.Second)
	if err != nil {
		return nil, err
	}

	return &Config{
		BotToken:          getEnv("TG_BOT_TOKEN", ""),
		YooKassaStoreID:   getEnv("YOOKASSA_STORE_ID", ""),
		YooKassaAPIKey:    getEnv("YOOKASSA_API_KEY", ""),
		YooKassaAPIURL:    getEnv("YOOKASSA_API_URL", "https://api.yookassa.ru/v3"),
		YooKassaReturnURL: getEnv("YOOKASSA_RETURN_URL", ""),
		MarzbanURL:        strings.TrimRight(getEnv("MARZBAN_URL", ""), "/"),
		MarzbanUsername:   getEnv("MARZBAN_USERNAME", ""),
		MarzbanPassword:   getEnv("MARZBAN_PASSWORD", ""),
		DatabasePath:      getEnv("DATABASE_PATH", "tg.db"),
		SweepInterval:     sweep,
		RemoteTimeout:     timeout,
		LogLevel:          getEnv("LOG_LEVEL", "info"),
		LogFormat:         getEnv("LOG_FORMAT", "console"),
		MetricsAddr:       getEnv("METRICS_ADDR", ""),
		SupportContact:    getEnv("SUPPORT_CONTACT", "@JustSL"),
	}, nil
}

// Validate reports every missing required setting at once.
func (c *Config) Validate() error {
	required := []struct{ key, value string }{
		{"TG_BOT_TOKEN", c.BotToken},
		{"YOOKASSA_STORE_ID", c.YooKassaStoreID},
		{"YOOKASSA_API_KEY", c.YooKassaAPIKey},
		{"MARZBAN_URL", c.MarzbanURL},
		{"MARZBAN_USERNAME", c.MarzbanUsername},
		{"MARZBAN_PASSWORD", c.MarzbanPassword},
	}

	var missing []string
	for _, r := range required {
		if strings.TrimSpace(r.value) == "" {
			missing = append(missing, r.key)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required settings: %s", strings.Join(missing, ", "))
	}
	if c.SweepInterval <= 0 {
		return fmt.Errorf("SWEEP_INTERVAL must be positive, got %s", c.SweepInterval)
	}
	if c.RemoteTimeout <= 0 {
		return fmt.Errorf("REMOTE_TIMEOUT must be positive, got %s", c.RemoteTimeout)
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, value, err)
	}
	return d, nil
}
