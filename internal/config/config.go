package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is everything the client daemon needs to run one session.
//
// Precedence, lowest first: built-in defaults, the YAML file named by
// CONFIG_FILE, then environment variables (a .env file is loaded into the
// environment first if present).
type Config struct {
	LogLevel string `yaml:"log_level"`
	Env      string `yaml:"env"`

	// SocketURL is the signaling server's websocket endpoint.
	SocketURL string `yaml:"socket_url"`
	// APIURL is the REST base for history and room list fetches.
	APIURL string `yaml:"api_url"`

	AuthToken  string `yaml:"auth_token"`
	UserID     string `yaml:"user_id"`
	UserName   string `yaml:"user_name"`
	UserAvatar string `yaml:"user_avatar"`

	// ControlPort serves the local control API. ControlSecret signs its
	// bearer tokens.
	ControlPort   string `yaml:"control_port"`
	ControlSecret string `yaml:"control_secret"`

	// RedisURL is optional. When empty, presence lives in memory only.
	RedisURL string `yaml:"redis_url"`

	HistoryPageSize int `yaml:"history_page_size"`
	RoomPageSize    int `yaml:"room_page_size"`

	TypingDebounce    time.Duration `yaml:"typing_debounce"`
	TypingIdle        time.Duration `yaml:"typing_idle"`
	CallTimeout       time.Duration `yaml:"call_timeout"`
	CallBusyDismiss   time.Duration `yaml:"call_busy_dismiss"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	ReconnectMin      time.Duration `yaml:"reconnect_min"`
	ReconnectMax      time.Duration `yaml:"reconnect_max"`
	TokenRefreshSkew  time.Duration `yaml:"token_refresh_skew"`
	// AckTimeout bounds server round trips started from event handlers.
	AckTimeout        time.Duration `yaml:"ack_timeout"`
}

// Default returns the configuration used when nothing overrides it.
func Default() *Config {
	return &Config{
		LogLevel:          "info",
		Env:               "development",
		SocketURL:         "ws://localhost:8081/ws",
		APIURL:            "http://localhost:8081/v1",
		ControlPort:       "8090",
		HistoryPageSize:   30,
		RoomPageSize:      20,
		TypingDebounce:    200 * time.Millisecond,
		TypingIdle:        500 * time.Millisecond,
		CallTimeout:       20 * time.Second,
		CallBusyDismiss:   2 * time.Second,
		HeartbeatInterval: 30 * time.Second,
		ReconnectMin:      1 * time.Second,
		ReconnectMax:      30 * time.Second,
		TokenRefreshSkew:  1 * time.Minute,
		AckTimeout:        10 * time.Second,
	}
}

func LoadConfig() (*Config, error) {
	// A missing .env is normal outside local development.
	_ = godotenv.Load()

	cfg := Default()

	if path := GetEnv("CONFIG_FILE", ""); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("config file not found: %s", path)
		}
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(b, c); err != nil {
		return fmt.Errorf("parse config file: %w", err)
	}
	return nil
}

func (c *Config) applyEnv() error {
	c.LogLevel = GetEnv("LOG_LEVEL", c.LogLevel)
	c.Env = GetEnv("ENV", c.Env)
	c.SocketURL = GetEnv("SOCKET_URL", c.SocketURL)
	c.APIURL = GetEnv("API_URL", c.APIURL)
	c.AuthToken = GetEnv("AUTH_TOKEN", c.AuthToken)
	c.UserID = GetEnv("USER_ID", c.UserID)
	c.UserName = GetEnv("USER_NAME", c.UserName)
	c.UserAvatar = GetEnv("USER_AVATAR", c.UserAvatar)
	c.ControlPort = GetEnv("CONTROL_PORT", c.ControlPort)
	c.ControlSecret = GetEnv("CONTROL_SECRET", c.ControlSecret)
	c.RedisURL = GetEnv("REDIS_URL", c.RedisURL)

	var err error
	if c.HistoryPageSize, err = envInt("HISTORY_PAGE_SIZE", c.HistoryPageSize); err != nil {
		return err
	}
	if c.RoomPageSize, err = envInt("ROOM_PAGE_SIZE", c.RoomPageSize); err != nil {
		return err
	}

	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"TYPING_DEBOUNCE", &c.TypingDebounce},
		{"TYPING_IDLE", &c.TypingIdle},
		{"CALL_TIMEOUT", &c.CallTimeout},
		{"CALL_BUSY_DISMISS", &c.CallBusyDismiss},
		{"HEARTBEAT_INTERVAL", &c.HeartbeatInterval},
		{"RECONNECT_MIN", &c.ReconnectMin},
		{"RECONNECT_MAX", &c.ReconnectMax},
		{"TOKEN_REFRESH_SKEW", &c.TokenRefreshSkew},
		{"ACK_TIMEOUT", &c.AckTimeout},
	}
	for _, d := range durations {
		if *d.dst, err = envDuration(d.key, *d.dst); err != nil {
			return err
		}
	}
	return nil
}

// Validate rejects values the client cannot run with.
func (c *Config) Validate() error {
	var errs []error

	if u, err := url.Parse(c.SocketURL); err != nil || (u.Scheme != "ws" && u.Scheme != "wss") {
		errs = append(errs, fmt.Errorf("SOCKET_URL must be a ws:// or wss:// url, got %q", c.SocketURL))
	}
	if u, err := url.Parse(c.APIURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		errs = append(errs, fmt.Errorf("API_URL must be an http:// or https:// url, got %q", c.APIURL))
	}
	if c.HistoryPageSize <= 0 {
		errs = append(errs, errors.New("HISTORY_PAGE_SIZE must be positive"))
	}
	if c.RoomPageSize <= 0 {
		errs = append(errs, errors.New("ROOM_PAGE_SIZE must be positive"))
	}
	for name, d := range map[string]time.Duration{
		"TYPING_DEBOUNCE":    c.TypingDebounce,
		"TYPING_IDLE":        c.TypingIdle,
		"CALL_TIMEOUT":       c.CallTimeout,
		"CALL_BUSY_DISMISS":  c.CallBusyDismiss,
		"HEARTBEAT_INTERVAL": c.HeartbeatInterval,
		"RECONNECT_MIN":      c.ReconnectMin,
		"RECONNECT_MAX":      c.ReconnectMax,
		"ACK_TIMEOUT":        c.AckTimeout,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", name))
		}
	}
	if c.ReconnectMax < c.ReconnectMin {
		errs = append(errs, errors.New("RECONNECT_MAX must not be below RECONNECT_MIN"))
	}
	return errors.Join(errs...)
}

func GetEnv(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

func envInt(key string, def int) (int, error) {
	raw, ok := os.LookupEnv(key)
	if !ok || raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}
	return n, nil
}

func envDuration(key string, def time.Duration) (time.Duration, error) {
	raw, ok := os.LookupEnv(key)
	if !ok || raw == "" {
		return def, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}
	return d, nil
}
