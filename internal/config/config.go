package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"
)

type Config struct {
	ListenAddr string
	BaseURL    string

	DB struct {
		DSN string
	}

	Google struct {
		ClientID     string
		ClientSecret string
		IssuerURL    string
		RedirectPath string
	}

	Session struct {
		Secret string
	}

	Sync struct {
		// WebhookToken is echoed back by the remote service on every push
		// notification and verified before a notification is processed.
		WebhookToken string
		// ChannelTTL is the lifetime requested for new watch channels. The
		// remote service caps this at its own maximum.
		ChannelTTL time.Duration
		// RefreshInterval controls how often the background loop scans for
		// channels nearing expiration.
		RefreshInterval time.Duration
		// RefreshWindow is how far ahead of expiration a channel is renewed.
		RefreshWindow time.Duration
	}

	PrometheusEnabled bool
	TrustedProxies    []string
}

func Load() (*Config, error) {
	cfg := &Config{}

	cfg.ListenAddr = getenvDefault("APP_LISTEN_ADDR", ":8080")
	cfg.BaseURL = getenvDefault("APP_BASE_URL", "http://localhost:8080")
	cfg.DB.DSN = os.Getenv("APP_DB_DSN")

	if cfg.DB.DSN == "" {
		host := os.Getenv("APP_DB_HOST")
		name := os.Getenv("APP_DB_NAME")
		user := os.Getenv("APP_DB_USER")
		password := os.Getenv("APP_DB_PASSWORD")
		port := getenvDefault("APP_DB_PORT", "5432")
		sslmode := getenvDefault("APP_DB_SSLMODE", "disable")

		if host != "" && name != "" && user != "" && password != "" {
			cfg.DB.DSN = fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s", user, password, host, port, name, sslmode)
		}
	}

	cfg.Google.ClientID = os.Getenv("APP_GOOGLE_CLIENT_ID")
	cfg.Google.ClientSecret = os.Getenv("APP_GOOGLE_CLIENT_SECRET")
	cfg.Google.IssuerURL = getenvDefault("APP_GOOGLE_ISSUER_URL", "https://accounts.google.com")
	cfg.Google.RedirectPath = getenvDefault("APP_GOOGLE_REDIRECT_PATH", "/auth/callback")
	cfg.Session.Secret = os.Getenv("APP_SESSION_SECRET")
	cfg.Sync.WebhookToken = os.Getenv("APP_SYNC_WEBHOOK_TOKEN")
	cfg.PrometheusEnabled = getenvBool("APP_PROMETHEUS_ENDPOINT_ENABLED", false)
	cfg.TrustedProxies = getenvList("APP_TRUSTED_PROXIES")

	var err error
	if cfg.Sync.ChannelTTL, err = getenvDuration("APP_SYNC_CHANNEL_TTL", 7*24*time.Hour); err != nil {
		return nil, err
	}
	if cfg.Sync.RefreshInterval, err = getenvDuration("APP_SYNC_REFRESH_INTERVAL", time.Hour); err != nil {
		return nil, err
	}
	if cfg.Sync.RefreshWindow, err = getenvDuration("APP_SYNC_REFRESH_WINDOW", 24*time.Hour); err != nil {
		return nil, err
	}

	if cfg.DB.DSN == "" {
		return nil, errors.New("APP_DB_DSN is required (or set APP_DB_HOST, APP_DB_NAME, APP_DB_USER, and APP_DB_PASSWORD)")
	}
	if cfg.Google.ClientID == "" || cfg.Google.ClientSecret == "" {
		return nil, fmt.Errorf("google oauth configuration is required: client id and secret")
	}
	if cfg.Session.Secret == "" {
		return nil, errors.New("APP_SESSION_SECRET is required")
	}
	if len(cfg.Session.Secret) < 32 {
		return nil, fmt.Errorf("APP_SESSION_SECRET must be at least 32 characters long (got %d)", len(cfg.Session.Secret))
	}
	if cfg.Sync.WebhookToken == "" {
		return nil, errors.New("APP_SYNC_WEBHOOK_TOKEN is required")
	}
	if cfg.Sync.RefreshWindow >= cfg.Sync.ChannelTTL {
		return nil, fmt.Errorf("APP_SYNC_REFRESH_WINDOW (%s) must be shorter than APP_SYNC_CHANNEL_TTL (%s)", cfg.Sync.RefreshWindow, cfg.Sync.ChannelTTL)
	}

	if len(cfg.TrustedProxies) == 0 {
		fmt.Println("WARNING: No APP_TRUSTED_PROXIES configured. CalMirror will trust all proxies - Not recommended for public environments.")
	}

	return cfg, nil
}

// WebhookURL is the address registered with the remote service for push
// notifications.
func (c *Config) WebhookURL() string {
	return strings.TrimRight(c.BaseURL, "/") + "/api/sync/notifications"
}

func getenvDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		switch strings.ToLower(v) {
		case "1", "true", "yes", "on":
			return true
		case "0", "false", "no", "off":
			return false
		}
	}
	return def
}

func getenvDuration(key string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s must be a duration like 24h or 90m: %w", key, err)
	}
	return d, nil
}

func getenvList(key string) []string {
	if v := os.Getenv(key); v != "" {
		var result []string
		for _, item := range strings.Split(v, ",") {
			if trimmed := strings.TrimSpace(item); trimmed != "" {
				result = append(result, trimmed)
			}
		}
		return result
	}
	return nil
}
