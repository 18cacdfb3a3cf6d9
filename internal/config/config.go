package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Config represents the global ~/.chatsync/config.toml.
type Config struct {
	DefaultSession string `toml:"default_session"`
}

// Session represents a per-session session.toml: where the platform gateway
// lives, how to authenticate, and the engine tunables.
type Session struct {
	// GatewayURL is the realtime gateway base URL (http(s) scheme; the
	// websocket path is derived from it).
	GatewayURL string `toml:"gateway_url"`
	// APIURL is the REST API base URL used for initial and resync loads.
	APIURL string `toml:"api_url"`
	// Token is the bearer token presented during the gateway handshake
	// and on REST requests.
	Token string `toml:"token"`

	ReconnectBaseMs int `toml:"reconnect_base_ms"`
	ReconnectCapMs  int `toml:"reconnect_cap_ms"`
	AckTimeoutMs    int `toml:"ack_timeout_ms"`
	TypingTTLMs     int `toml:"typing_ttl_ms"`
	TypingQuietMs   int `toml:"typing_quiet_ms"`
	TickMs          int `toml:"tick_ms"`
	WindowSize      int `toml:"window_size"`
}

// Load reads the global config from the given path. Returns zero config and
// error if the file is missing.
func Load(path string) (*Config, error) {
	var cfg Config
	_, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Save writes the global config to the given path, creating parent dirs as needed.
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

// LoadSession reads a session config and applies defaults for unset tunables.
func LoadSession(path string) (*Session, error) {
	var s Session
	_, err := toml.DecodeFile(path, &s)
	if err != nil {
		return nil, err
	}
	s.applyDefaults()
	if s.GatewayURL == "" {
		return nil, fmt.Errorf("session config %s: gateway_url is required", path)
	}
	if s.APIURL == "" {
		return nil, fmt.Errorf("session config %s: api_url is required", path)
	}
	return &s, nil
}

// SaveSession writes a session config to the given path.
func SaveSession(path string, s *Session) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(s)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}

func (s *Session) applyDefaults() {
	if s.ReconnectBaseMs <= 0 {
		s.ReconnectBaseMs = 500
	}
	if s.ReconnectCapMs <= 0 {
		s.ReconnectCapMs = 15000
	}
	if s.AckTimeoutMs <= 0 {
		s.AckTimeoutMs = 10000
	}
	if s.TypingTTLMs <= 0 {
		s.TypingTTLMs = 3000
	}
	if s.TypingQuietMs <= 0 {
		s.TypingQuietMs = 1000
	}
	if s.TickMs <= 0 {
		s.TickMs = 500
	}
	if s.WindowSize <= 0 {
		s.WindowSize = 50
	}
}

// ReconnectBase returns the reconnect backoff base as a duration.
func (s *Session) ReconnectBase() time.Duration {
	return time.Duration(s.ReconnectBaseMs) * time.Millisecond
}

// ReconnectCap returns the reconnect backoff cap as a duration.
func (s *Session) ReconnectCap() time.Duration {
	return time.Duration(s.ReconnectCapMs) * time.Millisecond
}

// AckTimeout returns the send acknowledgement timeout as a duration.
func (s *Session) AckTimeout() time.Duration {
	return time.Duration(s.AckTimeoutMs) * time.Millisecond
}

// TypingTTL returns how long an inbound typing indicator stays live.
func (s *Session) TypingTTL() time.Duration {
	return time.Duration(s.TypingTTLMs) * time.Millisecond
}

// TypingQuiet returns the outbound typing debounce/quiet window.
func (s *Session) TypingQuiet() time.Duration {
	return time.Duration(s.TypingQuietMs) * time.Millisecond
}

// Tick returns the engine tick interval.
func (s *Session) Tick() time.Duration {
	return time.Duration(s.TickMs) * time.Millisecond
}
