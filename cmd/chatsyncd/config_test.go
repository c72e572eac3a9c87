package main

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadConfigDefaultsAndEnvOverride(t *testing.T) {
	t.Setenv("MONGODB_URI", "mongodb://localhost:27017/chat")
	t.Setenv("CHATSYNC_USER_ID", "alice")

	cfg, err := loadConfig("")
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	if cfg.Store != "mongo" {
		t.Fatalf("expected default store mongo, got %q", cfg.Store)
	}
	if cfg.MongoURI != "mongodb://localhost:27017/chat" {
		t.Fatalf("env override not applied, got %q", cfg.MongoURI)
	}
	if cfg.MetricsAddr != ":9091" {
		t.Fatalf("expected default metrics addr, got %q", cfg.MetricsAddr)
	}
}

func TestLoadConfigFromFile(t *testing.T) {
	t.Setenv("MONGODB_URI", "")

	path := filepath.Join(t.TempDir(), "chatsync.toml")
	body := `
store = "memory"
log_level = "debug"
presence_url = "wss://presence.example.com/feed"

[user]
id = "bob"
display_name = "Bob"
`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := loadConfig(path)
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	if cfg.Store != "memory" {
		t.Fatalf("expected memory store, got %q", cfg.Store)
	}
	if cfg.User.ID != "bob" || cfg.User.DisplayName != "Bob" {
		t.Fatalf("user block not parsed: %+v", cfg.User)
	}
	if cfg.PresenceURL != "wss://presence.example.com/feed" {
		t.Fatalf("presence url not parsed: %q", cfg.PresenceURL)
	}
}

func TestValidateRejectsMissingIdentity(t *testing.T) {
	cfg := defaultConfig()
	cfg.Store = "memory"
	if err := cfg.validate(); err == nil {
		t.Fatal("expected error for missing user and token")
	}
}

func TestValidateRejectsMongoWithoutURI(t *testing.T) {
	cfg := defaultConfig()
	cfg.User.ID = "alice"
	if err := cfg.validate(); err == nil {
		t.Fatal("expected error for mongo store without URI")
	}
}

func TestParseKeys(t *testing.T) {
	keys, err := parseKeys("v1:secret-one,v2:secret-two")
	if err != nil {
		t.Fatalf("parseKeys: %v", err)
	}
	if len(keys) != 2 || keys["v1"] != "secret-one" || keys["v2"] != "secret-two" {
		t.Fatalf("unexpected keys: %+v", keys)
	}

	if _, err := parseKeys("no-colon"); err == nil {
		t.Fatal("expected error for malformed entry")
	}
	if _, err := parseKeys(""); err == nil {
		t.Fatal("expected error for empty list")
	}
}
