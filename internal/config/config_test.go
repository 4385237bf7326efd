package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadJSONAppliesDefaults(t *testing.T) {
	path := writeFile(t, "config.json", `{
		"backend": {"base_url": "http://localhost:8000"},
		"chat": {"model": "gpt-4o", "temperature": 0.5},
		"archive": {"driver": "sqlite3"},
		"databases": {"sqlite3": {"dsn": "data/chat.db"}}
	}`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Chat.Model != "gpt-4o" || cfg.Chat.Temperature != 0.5 {
		t.Fatalf("unexpected chat config: %+v", cfg.Chat)
	}
	if cfg.Cache.Capacity != 100 {
		t.Fatalf("expected default capacity 100, got %d", cfg.Cache.Capacity)
	}
	if cfg.Cache.TTL() != 30*time.Minute {
		t.Fatalf("unexpected cache ttl %s", cfg.Cache.TTL())
	}
	want := filepath.Join(filepath.Dir(path), "data/chat.db")
	if got := cfg.Databases["sqlite3"].DSN; got != want {
		t.Fatalf("expected dsn %s, got %s", want, got)
	}
	if got := cfg.Backend.PushEndpoint(); got != "ws://localhost:8000/v1/events" {
		t.Fatalf("unexpected push endpoint %s", got)
	}
	if got := cfg.Backend.CompletionsBaseURL(); got != "http://localhost:8000/v1" {
		t.Fatalf("unexpected completions url %s", got)
	}
}

func TestLoadYAMLWithEnvOverrides(t *testing.T) {
	path := writeFile(t, "config.yaml", `
backend:
  base_url: http://localhost:8000
  api_key: from-file
chat:
  model: claude-3-5-sonnet
bridge:
  token: file-token
`)
	t.Setenv("CHATSYNC_API_KEY", "from-env")
	t.Setenv("CHATSYNC_BACKEND_URL", "https://chat.example.com/v1")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Backend.APIKey != "from-env" {
		t.Fatalf("env override not applied: %s", cfg.Backend.APIKey)
	}
	if cfg.Bridge.Token != "file-token" {
		t.Fatalf("unexpected token %s", cfg.Bridge.Token)
	}
	if got := cfg.Backend.PushEndpoint(); got != "wss://chat.example.com/v1/events" {
		t.Fatalf("unexpected push endpoint %s", got)
	}
	if got := cfg.Backend.CompletionsBaseURL(); got != "https://chat.example.com/v1" {
		t.Fatalf("unexpected completions url %s", got)
	}
	if got := cfg.Backend.RootURL(); got != "https://chat.example.com" {
		t.Fatalf("unexpected root url %s", got)
	}
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	cases := map[string]string{
		"temperature":  `{"chat": {"model": "m", "temperature": 2.5}}`,
		"capacity":     `{"cache": {"capacity": -1}}`,
		"backend url":  `{"backend": {"base_url": "not a url"}}`,
		"missing db":   `{"archive": {"driver": "mysql"}}`,
		"provider":     `{"backend": {"provider": "gemini"}}`,
		"bad provider": `{"backend": {"provider": "bard"}}`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := Load(writeFile(t, "config.json", body)); err == nil {
				t.Fatalf("expected error for %s", name)
			}
		})
	}
}

func TestLoadMissingExplicitFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.json")); err == nil {
		t.Fatal("expected error for missing explicit config")
	}
}

func TestLoadDefaultPathMayBeAbsent(t *testing.T) {
	dir := t.TempDir()
	wd, err := os.Getwd()
	if err != nil {
		t.Fatalf("getwd: %v", err)
	}
	if err := os.Chdir(dir); err != nil {
		t.Fatalf("chdir: %v", err)
	}
	defer os.Chdir(wd)
	t.Setenv("CHATSYNC_CONFIG", "")
	t.Setenv("CHATSYNC_BRIDGE_TOKEN", "tok")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Bridge.Token != "tok" || cfg.Backend.BaseURL == "" {
		t.Fatalf("unexpected config: %+v", cfg)
	}
}
