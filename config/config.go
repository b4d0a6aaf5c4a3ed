// Package config loads environment variables into a typed Config.
// It applies defaults so the client runs against a local backend with no setup.
// For auto-login credentials use ValidateLoginReady.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// Session store kinds.
const (
	StoreFile     = "file"
	StorePostgres = "postgres"
	StoreMemory   = "memory"
)

type Config struct {
	// Backend
	APIBaseURL   string
	WSBaseURL    string
	HTTPTimeout  time.Duration
	RenewTimeout time.Duration

	// Session persistence
	SessionStore   string
	SessionFile    string
	SessionProfile string
	DBDsn          string
	EncryptionKey  string

	// Auto-login and room
	LoginUsername string
	LoginPassword string
	RoomID        int64

	// Chat
	HistoryPageSize   int
	HistoryMaxPages   int
	ChatMaxFrameBytes int64

	// Proactive refresh
	ProactiveRefresh bool
	RefreshInterval  time.Duration
	RefreshWindow    time.Duration

	// Diagnostics
	DiagAddr  string
	DiagToken string
	LogLevel  string
	LogFormat string
}

// Load reads environment variables and applies defaults. Missing optional values
// never fail; malformed numbers and durations do.
func Load() (*Config, error) {
	cfg := &Config{
		APIBaseURL:     envOr("API_BASE_URL", "http://localhost:8080"),
		WSBaseURL:      envOr("WS_BASE_URL", "ws://localhost:8080"),
		SessionStore:   strings.ToLower(envOr("SESSION_STORE", StoreFile)),
		SessionFile:    envOr("SESSION_FILE", "data/session.json"),
		SessionProfile: envOr("SESSION_PROFILE", "default"),
		DBDsn:          os.Getenv("DB_DSN"),
		EncryptionKey:  os.Getenv("ENCRYPTION_KEY"),
		LoginUsername:  os.Getenv("LOGIN_USERNAME"),
		LoginPassword:  os.Getenv("LOGIN_PASSWORD"),
		DiagAddr:       os.Getenv("DIAG_ADDR"),
		DiagToken:      os.Getenv("DIAG_TOKEN"),
		LogLevel:       envOr("LOG_LEVEL", "info"),
		LogFormat:      envOr("LOG_FORMAT", "text"),
	}

	var err error
	if cfg.HTTPTimeout, err = envDuration("HTTP_TIMEOUT", 10*time.Second); err != nil {
		return nil, err
	}
	if cfg.RenewTimeout, err = envDuration("RENEW_TIMEOUT", cfg.HTTPTimeout); err != nil {
		return nil, err
	}
	if cfg.RefreshInterval, err = envDuration("REFRESH_INTERVAL", time.Minute); err != nil {
		return nil, err
	}
	if cfg.RefreshWindow, err = envDuration("REFRESH_WINDOW", 2*time.Minute); err != nil {
		return nil, err
	}
	if cfg.HistoryPageSize, err = envInt("HISTORY_PAGE_SIZE", 50); err != nil {
		return nil, err
	}
	if cfg.HistoryMaxPages, err = envInt("HISTORY_MAX_PAGES", 20); err != nil {
		return nil, err
	}
	frame, err := envInt("CHAT_MAX_FRAME_BYTES", 64<<10)
	if err != nil {
		return nil, err
	}
	cfg.ChatMaxFrameBytes = int64(frame)

	if v := os.Getenv("ROOM_ID"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid ROOM_ID: %w", err)
		}
		cfg.RoomID = id
	}

	switch strings.ToLower(os.Getenv("PROACTIVE_REFRESH")) {
	case "1", "true", "yes", "on":
		cfg.ProactiveRefresh = true
	}
	return cfg, nil
}

// Validate checks URLs, store selection and numeric bounds.
func (c *Config) Validate() error {
	var errs []error
	if u, err := url.Parse(c.APIBaseURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		errs = append(errs, fmt.Errorf("API_BASE_URL must be an http(s) URL, got %q", c.APIBaseURL))
	}
	if u, err := url.Parse(c.WSBaseURL); err != nil || (u.Scheme != "ws" && u.Scheme != "wss") || u.Host == "" {
		errs = append(errs, fmt.Errorf("WS_BASE_URL must be a ws(s) URL, got %q", c.WSBaseURL))
	}
	if c.HTTPTimeout <= 0 || c.RenewTimeout <= 0 {
		errs = append(errs, errors.New("HTTP_TIMEOUT and RENEW_TIMEOUT must be positive"))
	}
	switch c.SessionStore {
	case StoreFile:
		if c.SessionFile == "" {
			errs = append(errs, errors.New("SESSION_FILE is required for the file session store"))
		}
	case StorePostgres:
		if c.DBDsn == "" {
			errs = append(errs, errors.New("DB_DSN is required for the postgres session store"))
		}
	case StoreMemory:
	default:
		errs = append(errs, fmt.Errorf("SESSION_STORE must be file, postgres or memory, got %q", c.SessionStore))
	}
	if c.HistoryPageSize <= 0 || c.HistoryMaxPages <= 0 {
		errs = append(errs, errors.New("HISTORY_PAGE_SIZE and HISTORY_MAX_PAGES must be positive"))
	}
	if c.ChatMaxFrameBytes < 512 {
		errs = append(errs, fmt.Errorf("CHAT_MAX_FRAME_BYTES too small: %d", c.ChatMaxFrameBytes))
	}
	if c.RoomID < 0 {
		errs = append(errs, fmt.Errorf("ROOM_ID must be positive, got %d", c.RoomID))
	}
	return errors.Join(errs...)
}

// ValidateLoginReady checks the credentials needed for auto-login.
func (c *Config) ValidateLoginReady() error {
	if c.LoginUsername == "" || c.LoginPassword == "" {
		return fmt.Errorf("missing login env: require LOGIN_USERNAME, LOGIN_PASSWORD")
	}
	return nil
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envDuration(key string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, nil
}

func envInt(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}
