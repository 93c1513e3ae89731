package syncconfig

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
)

// useConfigDir points ConfigDir at a temp dir and clears the env overrides
// tests rely on.
func useConfigDir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("KEPT_CONFIG_DIR", dir)
	t.Setenv("KEPT_API_KEY", "")
	return dir
}

func writeConfig(t *testing.T, dir, body string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, "config.json"), []byte(body), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}
}

func TestLoadDefaults(t *testing.T) {
	dir := useConfigDir(t)

	s, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if s.ServerURL != defaultServerURL {
		t.Errorf("ServerURL = %q, want %q", s.ServerURL, defaultServerURL)
	}
	if s.DataDir != filepath.Join(dir, "data") {
		t.Errorf("DataDir = %q", s.DataDir)
	}
	if s.Sync.MaxInFlight != 4 {
		t.Errorf("MaxInFlight = %d, want 4", s.Sync.MaxInFlight)
	}
	if s.Sync.CoalesceWindow != 400*time.Millisecond {
		t.Errorf("CoalesceWindow = %v", s.Sync.CoalesceWindow)
	}
	if s.Sync.BackoffMax != time.Minute {
		t.Errorf("BackoffMax = %v", s.Sync.BackoffMax)
	}
	if s.Cache.Backend != "sqlite" {
		t.Errorf("Cache.Backend = %q", s.Cache.Backend)
	}
	if s.Cache.MaxBytes != 256<<20 {
		t.Errorf("Cache.MaxBytes = %d", s.Cache.MaxBytes)
	}
}

func TestLoadConfigFileAndEnvPrecedence(t *testing.T) {
	dir := useConfigDir(t)
	writeConfig(t, dir, `{
  "server": {"url": "https://sync.example.com"},
  "sync": {"max_in_flight": 2, "request_timeout": "3s"},
  "log": {"level": "debug"}
}`)

	s, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if s.ServerURL != "https://sync.example.com" {
		t.Errorf("ServerURL = %q", s.ServerURL)
	}
	if s.Sync.MaxInFlight != 2 {
		t.Errorf("MaxInFlight = %d, want 2", s.Sync.MaxInFlight)
	}
	if s.Sync.RequestTimeout != 3*time.Second {
		t.Errorf("RequestTimeout = %v", s.Sync.RequestTimeout)
	}
	if s.LogLevel != "debug" {
		t.Errorf("LogLevel = %q", s.LogLevel)
	}

	t.Setenv("KEPT_SERVER_URL", "http://override:9000")
	t.Setenv("KEPT_SYNC_MAX_IN_FLIGHT", "7")
	s, err = Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if s.ServerURL != "http://override:9000" {
		t.Errorf("env ServerURL = %q", s.ServerURL)
	}
	if s.Sync.MaxInFlight != 7 {
		t.Errorf("env MaxInFlight = %d, want 7", s.Sync.MaxInFlight)
	}
}

func TestLoadRejectsBadCache(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{"unknown backend", map[string]string{"KEPT_CACHE_BACKEND": "bolt"}},
		{"redis without url", map[string]string{"KEPT_CACHE_BACKEND": "redis"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			useConfigDir(t)
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			if _, err := Load(); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestLoadMalformedConfig(t *testing.T) {
	dir := useConfigDir(t)
	writeConfig(t, dir, `{not json`)
	if _, err := Load(); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestSetAndGet(t *testing.T) {
	useConfigDir(t)

	if err := Set("server.url", "https://a.example"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := Set("sync.max_attempts", "3"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	got, err := Get("server.url")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got != "https://a.example" {
		t.Errorf("Get server.url = %v", got)
	}

	s, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if s.Sync.MaxAttempts != 3 {
		t.Errorf("MaxAttempts = %d, want 3", s.Sync.MaxAttempts)
	}
	if s.ServerURL != "https://a.example" {
		t.Errorf("ServerURL = %q", s.ServerURL)
	}

	if err := Set("nope", "x"); err == nil {
		t.Error("Set unknown key: expected error")
	}
	if _, err := Get("nope"); err == nil {
		t.Error("Get unknown key: expected error")
	}
}

func TestAuthRoundTrip(t *testing.T) {
	dir := useConfigDir(t)

	creds, err := LoadAuth()
	if err != nil || creds != nil {
		t.Fatalf("LoadAuth before save = %v, %v; want nil, nil", creds, err)
	}

	want := &AuthCredentials{APIKey: "kept_abc", UserID: "u1", ServerURL: "http://s", DeviceID: "d1"}
	if err := SaveAuth(want); err != nil {
		t.Fatalf("SaveAuth: %v", err)
	}
	info, err := os.Stat(filepath.Join(dir, "auth.json"))
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if info.Mode().Perm() != 0600 {
		t.Errorf("auth.json perms = %o, want 600", info.Mode().Perm())
	}

	got, err := LoadAuth()
	if err != nil {
		t.Fatalf("LoadAuth: %v", err)
	}
	if *got != *want {
		t.Errorf("LoadAuth = %+v, want %+v", got, want)
	}
	if key := GetAPIKey(); key != "kept_abc" {
		t.Errorf("GetAPIKey = %q", key)
	}
	t.Setenv("KEPT_API_KEY", "kept_env")
	if key := GetAPIKey(); key != "kept_env" {
		t.Errorf("GetAPIKey with env = %q", key)
	}

	if err := ClearAuth(); err != nil {
		t.Fatalf("ClearAuth: %v", err)
	}
	if err := ClearAuth(); err != nil {
		t.Fatalf("second ClearAuth: %v", err)
	}
	if creds, _ := LoadAuth(); creds != nil {
		t.Errorf("LoadAuth after clear = %+v", creds)
	}
}

func TestGetDeviceID(t *testing.T) {
	useConfigDir(t)

	id, err := GetDeviceID()
	if err != nil {
		t.Fatalf("GetDeviceID: %v", err)
	}
	if _, err := uuid.Parse(id); err != nil {
		t.Errorf("generated id %q is not a uuid: %v", id, err)
	}

	if err := SaveAuth(&AuthCredentials{APIKey: "k", DeviceID: "dev-1"}); err != nil {
		t.Fatalf("SaveAuth: %v", err)
	}
	id, err = GetDeviceID()
	if err != nil {
		t.Fatalf("GetDeviceID: %v", err)
	}
	if id != "dev-1" {
		t.Errorf("GetDeviceID = %q, want dev-1", id)
	}
}

func TestKeysSorted(t *testing.T) {
	keys := Keys()
	if len(keys) != len(defaults) {
		t.Fatalf("Keys len = %d, want %d", len(keys), len(defaults))
	}
	for i := 1; i < len(keys); i++ {
		if keys[i-1] > keys[i] {
			t.Fatalf("Keys not sorted: %v", keys)
		}
	}
}
