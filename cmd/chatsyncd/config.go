package main

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pelletier/go-toml/v2"
)

// Config drives one chatsyncd instance. Values come from the TOML file, then
// environment variables override; secrets like the Mongo URI and JWT keys are
// expected from the environment.
type Config struct {
	// Store selects the persistence backend: "mongo" or "memory".
	Store    string `toml:"store"`
	MongoURI string `toml:"mongo_uri"`

	// User identifies the viewer when no JWT token is configured.
	User struct {
		ID          string `toml:"id"`
		DisplayName string `toml:"display_name"`
		AvatarRef   string `toml:"avatar_ref"`
	} `toml:"user"`

	// JWT, when set, derives the viewer identity from a signed token
	// instead of the static user block. Keys use the kid:secret,kid2:secret2
	// format.
	JWT struct {
		Token     string `toml:"token"`
		Keys      string `toml:"keys"`
		ActiveKid string `toml:"active_kid"`
	} `toml:"jwt"`

	PresenceURL string `toml:"presence_url"`
	MetricsAddr string `toml:"metrics_addr"`
	LogLevel    string `toml:"log_level"`

	SubmitTimeout time.Duration `toml:"submit_timeout"`
	PageSize      int           `toml:"page_size"`
}

func defaultConfig() Config {
	var cfg Config
	cfg.Store = "mongo"
	cfg.MetricsAddr = ":9091"
	cfg.LogLevel = "info"
	return cfg
}

// loadConfig reads an optional .env file, then the TOML file when path is
// non-empty, then applies environment overrides.
func loadConfig(path string) (Config, error) {
	// Missing .env is fine; explicit files that fail to parse are not.
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}

	cfg := defaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
		if err := toml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config file: %w", err)
		}
	}

	applyEnv(&cfg)
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("MONGODB_URI"); v != "" {
		cfg.MongoURI = v
	}
	if v := os.Getenv("CHATSYNC_STORE"); v != "" {
		cfg.Store = v
	}
	if v := os.Getenv("CHATSYNC_USER_ID"); v != "" {
		cfg.User.ID = v
	}
	if v := os.Getenv("CHATSYNC_USER_NAME"); v != "" {
		cfg.User.DisplayName = v
	}
	if v := os.Getenv("JWT_TOKEN"); v != "" {
		cfg.JWT.Token = v
	}
	if v := os.Getenv("JWT_KEYS"); v != "" {
		cfg.JWT.Keys = v
	}
	if v := os.Getenv("JWT_ACTIVE_KID"); v != "" {
		cfg.JWT.ActiveKid = v
	}
	if v := os.Getenv("PRESENCE_URL"); v != "" {
		cfg.PresenceURL = v
	}
	if v := os.Getenv("METRICS_ADDR"); v != "" {
		cfg.MetricsAddr = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
}

func (c Config) validate() error {
	switch c.Store {
	case "mongo":
		if c.MongoURI == "" {
			return errors.New("MONGODB_URI must be set when store is mongo")
		}
	case "memory":
	default:
		return fmt.Errorf("unknown store %q (want mongo or memory)", c.Store)
	}

	if c.JWT.Token != "" {
		if c.JWT.Keys == "" {
			return errors.New("jwt.token set without jwt.keys")
		}
	} else if c.User.ID == "" {
		return errors.New("either user.id or a jwt token must be configured")
	}
	return nil
}

// parseKeys splits the kid:secret,kid2:secret2 key list.
func parseKeys(s string) (map[string]string, error) {
	keys := make(map[string]string)
	for _, pair := range strings.Split(s, ",") {
		if pair == "" {
			continue
		}
		kid, secret, ok := strings.Cut(pair, ":")
		if !ok || kid == "" || secret == "" {
			return nil, fmt.Errorf("invalid jwt keys entry %q", pair)
		}
		keys[kid] = secret
	}
	if len(keys) == 0 {
		return nil, errors.New("jwt keys list is empty")
	}
	return keys, nil
}
