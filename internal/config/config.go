// Package config loads ~/.fluxy/config.toml and applies .env and FLUXY_*
// environment overrides on top of it.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Membership backends.
const (
	BackendSQLite = "sqlite"
	BackendMongo  = "mongo"
)

// Config represents the global ~/.fluxy/config.toml.
type Config struct {
	DefaultInstance string        `toml:"default_instance"`
	Gateway         GatewayConfig `toml:"gateway"`
	Voice           VoiceConfig   `toml:"voice"`
	Typing          TypingConfig  `toml:"typing"`
	Client          ClientConfig  `toml:"client"`
	Store           StoreConfig   `toml:"store"`
}

// GatewayConfig configures the WebSocket gateway and HTTP API listener.
type GatewayConfig struct {
	Listen         string   `toml:"listen"`
	AllowedOrigins []string `toml:"allowed_origins"`
}

// VoiceConfig configures the voice presence coordinator.
type VoiceConfig struct {
	SyncDebounce Duration `toml:"sync_debounce"`
}

// TypingConfig configures typing indicators.
type TypingConfig struct {
	Expiry Duration `toml:"expiry"`
}

// ClientConfig configures fluxyctl's gateway client.
type ClientConfig struct {
	GatewayURL string   `toml:"gateway_url"`
	User       string   `toml:"user"`
	Username   string   `toml:"username"`
	AckTimeout Duration `toml:"ack_timeout"`
	PageSize   int      `toml:"page_size"`
}

// StoreConfig selects where voice memberships are persisted.
type StoreConfig struct {
	MembershipBackend string `toml:"membership_backend"`
	MongoURI          string `toml:"mongo_uri"`
	MongoDatabase     string `toml:"mongo_database"`
}

// Duration is a time.Duration written as a string ("50ms", "3s") in TOML.
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Gateway: GatewayConfig{
			Listen:         "127.0.0.1:8470",
			AllowedOrigins: []string{"*"},
		},
		Voice:  VoiceConfig{SyncDebounce: Duration{50 * time.Millisecond}},
		Typing: TypingConfig{Expiry: Duration{3 * time.Second}},
		Client: ClientConfig{
			GatewayURL: "http://127.0.0.1:8470",
			AckTimeout: Duration{10 * time.Second},
			PageSize:   50,
		},
		Store: StoreConfig{
			MembershipBackend: BackendSQLite,
			MongoDatabase:     "fluxy",
		},
	}
}

// Load reads config from the given path on top of Default. Returns an error
// if the file is missing.
func Load(path string) (*Config, error) {
	cfg := Default()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Resolve builds the effective configuration: defaults, then the TOML file if
// present, then envPath (a .env file, optional), then the process
// environment. Process variables win over the .env file.
func Resolve(path, envPath string) (*Config, error) {
	cfg, err := Load(path)
	if errors.Is(err, fs.ErrNotExist) {
		cfg, err = Default(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", path, err)
	}

	fileEnv := map[string]string{}
	if envPath != "" {
		fileEnv, err = godotenv.Read(envPath)
		if errors.Is(err, fs.ErrNotExist) {
			fileEnv, err = map[string]string{}, nil
		}
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", envPath, err)
		}
	}

	lookup := func(key string) (string, bool) {
		if v, ok := os.LookupEnv(key); ok {
			return v, true
		}
		v, ok := fileEnv[key]
		return v, ok
	}
	if err := cfg.ApplyEnv(lookup); err != nil {
		return nil, err
	}
	return cfg, cfg.Validate()
}

// ApplyEnv overrides fields from FLUXY_* variables found by lookup.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok {
			*dst = v
		}
	}
	dur := func(key string, dst *Duration) error {
		v, ok := lookup(key)
		if !ok {
			return nil
		}
		if err := dst.UnmarshalText([]byte(v)); err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		return nil
	}

	str("FLUXY_DEFAULT_INSTANCE", &c.DefaultInstance)
	str("FLUXY_GATEWAY_LISTEN", &c.Gateway.Listen)
	if v, ok := lookup("FLUXY_GATEWAY_ALLOWED_ORIGINS"); ok {
		c.Gateway.AllowedOrigins = splitList(v)
	}
	if err := dur("FLUXY_VOICE_SYNC_DEBOUNCE", &c.Voice.SyncDebounce); err != nil {
		return err
	}
	if err := dur("FLUXY_TYPING_EXPIRY", &c.Typing.Expiry); err != nil {
		return err
	}
	str("FLUXY_CLIENT_GATEWAY_URL", &c.Client.GatewayURL)
	str("FLUXY_CLIENT_USER", &c.Client.User)
	str("FLUXY_CLIENT_USERNAME", &c.Client.Username)
	if err := dur("FLUXY_CLIENT_ACK_TIMEOUT", &c.Client.AckTimeout); err != nil {
		return err
	}
	if v, ok := lookup("FLUXY_CLIENT_PAGE_SIZE"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("FLUXY_CLIENT_PAGE_SIZE: %w", err)
		}
		c.Client.PageSize = n
	}
	str("FLUXY_STORE_MEMBERSHIP_BACKEND", &c.Store.MembershipBackend)
	str("FLUXY_STORE_MONGO_URI", &c.Store.MongoURI)
	str("FLUXY_STORE_MONGO_DATABASE", &c.Store.MongoDatabase)
	return nil
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	switch c.Store.MembershipBackend {
	case BackendSQLite:
	case BackendMongo:
		if c.Store.MongoURI == "" {
			return fmt.Errorf("store.mongo_uri is required for the mongo backend")
		}
	default:
		return fmt.Errorf("unknown store.membership_backend %q", c.Store.MembershipBackend)
	}
	if c.Voice.SyncDebounce.Duration < 0 || c.Typing.Expiry.Duration < 0 || c.Client.AckTimeout.Duration < 0 {
		return fmt.Errorf("durations must not be negative")
	}
	if c.Client.PageSize < 0 || c.Client.PageSize > 100 {
		return fmt.Errorf("client.page_size must be between 1 and 100")
	}
	return nil
}

// Save writes config to the given path, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(cfg)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
