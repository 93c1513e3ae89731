// Package syncconfig loads kept settings (defaults, config.json, KEPT_*
// environment) and stores the signed-in session's credentials.
package syncconfig

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/viper"
)

// Settings is the resolved configuration.
type Settings struct {
	ServerURL string
	DataDir   string
	LogLevel  string

	Sync  SyncSettings
	Cache CacheSettings
}

// SyncSettings tunes the sync engine.
type SyncSettings struct {
	MaxInFlight    int
	CoalesceWindow time.Duration
	RequestTimeout time.Duration
	BackoffBase    time.Duration
	BackoffMax     time.Duration
	MaxAttempts    int
	ProbeInterval  time.Duration
}

// CacheSettings selects and tunes the local cache backend.
type CacheSettings struct {
	Backend       string // "sqlite" (default), "redis" or "memory"
	RedisURL      string
	MaxBytes      int64
	FlushDebounce time.Duration
}

// AuthCredentials stores the session at <config dir>/auth.json.
type AuthCredentials struct {
	APIKey    string `json:"api_key"`
	UserID    string `json:"user_id"`
	ServerURL string `json:"server_url"`
	DeviceID  string `json:"device_id"`
}

const (
	defaultServerURL = "http://localhost:8080"
	configFile       = "config.json"
	authFile         = "auth.json"
)

// defaults are the built-in values, keyed as in config.json.
var defaults = map[string]any{
	"server.url":           defaultServerURL,
	"data_dir":             "",
	"log.level":            "info",
	"sync.max_in_flight":   4,
	"sync.coalesce_window": "400ms",
	"sync.request_timeout": "15s",
	"sync.backoff_base":    "1s",
	"sync.backoff_max":     "1m",
	"sync.max_attempts":    8,
	"sync.probe_interval":  "15s",
	"cache.backend":        "sqlite",
	"cache.redis_url":      "",
	"cache.max_bytes":      int64(256 << 20),
	"cache.flush_debounce": "250ms",
}

// Keys lists every settable key.
func Keys() []string {
	keys := make([]string, 0, len(defaults))
	for k := range defaults {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// ConfigDir returns the config directory, creating it if necessary.
// KEPT_CONFIG_DIR overrides the default ~/.config/kept.
func ConfigDir() (string, error) {
	dir := os.Getenv("KEPT_CONFIG_DIR")
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("get home dir: %w", err)
		}
		dir = filepath.Join(home, ".config", "kept")
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("create config dir: %w", err)
	}
	return dir, nil
}

func newViper(dir string) (*viper.Viper, error) {
	v := viper.New()
	for k, val := range defaults {
		v.SetDefault(k, val)
	}
	path := filepath.Join(dir, configFile)
	v.SetConfigFile(path)
	v.SetConfigType("json")
	if _, err := os.Stat(path); err == nil {
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read %s: %w", configFile, err)
		}
	}
	v.SetEnvPrefix("KEPT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v, nil
}

// Load resolves settings: defaults, then config.json, then KEPT_*
// environment variables (KEPT_SYNC_MAX_IN_FLIGHT for sync.max_in_flight).
func Load() (*Settings, error) {
	dir, err := ConfigDir()
	if err != nil {
		return nil, err
	}
	v, err := newViper(dir)
	if err != nil {
		return nil, err
	}

	s := &Settings{
		ServerURL: v.GetString("server.url"),
		DataDir:   v.GetString("data_dir"),
		LogLevel:  v.GetString("log.level"),
		Sync: SyncSettings{
			MaxInFlight:    v.GetInt("sync.max_in_flight"),
			CoalesceWindow: v.GetDuration("sync.coalesce_window"),
			RequestTimeout: v.GetDuration("sync.request_timeout"),
			BackoffBase:    v.GetDuration("sync.backoff_base"),
			BackoffMax:     v.GetDuration("sync.backoff_max"),
			MaxAttempts:    v.GetInt("sync.max_attempts"),
			ProbeInterval:  v.GetDuration("sync.probe_interval"),
		},
		Cache: CacheSettings{
			Backend:       strings.ToLower(v.GetString("cache.backend")),
			RedisURL:      v.GetString("cache.redis_url"),
			MaxBytes:      v.GetInt64("cache.max_bytes"),
			FlushDebounce: v.GetDuration("cache.flush_debounce"),
		},
	}
	if s.DataDir == "" {
		s.DataDir = filepath.Join(dir, "data")
	}
	switch s.Cache.Backend {
	case "sqlite", "redis", "memory":
	default:
		return nil, fmt.Errorf("cache.backend: unknown backend %q", s.Cache.Backend)
	}
	if s.Cache.Backend == "redis" && s.Cache.RedisURL == "" {
		return nil, fmt.Errorf("cache.redis_url is required for the redis backend")
	}
	return s, nil
}

// Get returns the resolved value of one key.
func Get(key string) (any, error) {
	if _, ok := defaults[key]; !ok {
		return nil, fmt.Errorf("unknown key %q", key)
	}
	dir, err := ConfigDir()
	if err != nil {
		return nil, err
	}
	v, err := newViper(dir)
	if err != nil {
		return nil, err
	}
	return v.Get(key), nil
}

// Set writes one key to config.json.
func Set(key, value string) error {
	if _, ok := defaults[key]; !ok {
		return fmt.Errorf("unknown key %q", key)
	}
	dir, err := ConfigDir()
	if err != nil {
		return err
	}
	path := filepath.Join(dir, configFile)

	file := viper.New()
	file.SetConfigFile(path)
	file.SetConfigType("json")
	if _, err := os.Stat(path); err == nil {
		if err := file.ReadInConfig(); err != nil {
			return fmt.Errorf("read %s: %w", configFile, err)
		}
	}
	file.Set(key, value)
	if err := file.WriteConfigAs(path); err != nil {
		return fmt.Errorf("write %s: %w", configFile, err)
	}
	return nil
}

// AuthPath returns the credentials file path.
func AuthPath() (string, error) {
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, authFile), nil
}

// LoadAuth reads credentials; nil when signed out.
func LoadAuth() (*AuthCredentials, error) {
	path, err := AuthPath()
	if err != nil {
		return nil, err
	}
	return ReadAuthFile(path)
}

// ReadAuthFile reads credentials from path; nil when the file is absent.
func ReadAuthFile(path string) (*AuthCredentials, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var creds AuthCredentials
	if err := json.Unmarshal(data, &creds); err != nil {
		return nil, fmt.Errorf("parse %s: %w", filepath.Base(path), err)
	}
	return &creds, nil
}

// SaveAuth writes credentials (0600 perms), via a temp file so watchers
// never see a partial write.
func SaveAuth(creds *AuthCredentials) error {
	path, err := AuthPath()
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(creds, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// ClearAuth removes the credentials file.
func ClearAuth() error {
	path, err := AuthPath()
	if err != nil {
		return err
	}
	err = os.Remove(path)
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

// GetAPIKey returns the API key.
// Priority: KEPT_API_KEY env > auth.json.
func GetAPIKey() string {
	if v := os.Getenv("KEPT_API_KEY"); v != "" {
		return v
	}
	creds, err := LoadAuth()
	if err == nil && creds != nil {
		return creds.APIKey
	}
	return ""
}

// GetDeviceID returns the device ID from auth.json, generating one if needed.
func GetDeviceID() (string, error) {
	creds, err := LoadAuth()
	if err != nil {
		return "", err
	}
	if creds != nil && creds.DeviceID != "" {
		return creds.DeviceID, nil
	}
	return GenerateDeviceID()
}

// GenerateDeviceID creates a new random device ID.
func GenerateDeviceID() (string, error) {
	id, err := uuid.NewRandom()
	if err != nil {
		return "", err
	}
	return id.String(), nil
}
