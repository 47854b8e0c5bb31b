// Package config holds all application configuration.
package config

import (
	"fmt"
	"net/url"

	"github.com/curaline/telecall/internal/history"
)

// Config holds everything the call client needs to start a session.
type Config struct {
	RelayURL     string
	RoomID       string
	DisplayName  string
	ExpectedUser string

	VideoDeviceID string
	AudioDeviceID string

	ICEServers []string

	History HistoryConfig
}

// HistoryConfig controls the optional session ledger.
type HistoryConfig struct {
	Enabled  bool
	Postgres history.PostgresConfig
}

// NewDefaultConfig returns a Config with default values. Google's public
// STUN servers keep the client usable without any infrastructure of its
// own.
func NewDefaultConfig() *Config {
	return &Config{
		RelayURL: "ws://localhost:7000/ws",
		ICEServers: []string{
			"stun:stun.l.google.com:19302",
			"stun:stun1.l.google.com:19302",
			"stun:stun2.l.google.com:19302",
		},
		History: HistoryConfig{
			Enabled: false,
			Postgres: history.PostgresConfig{
				Host:     "localhost",
				Port:     5432,
				Database: "telecall",
				Username: "telecall",
				SSLMode:  "disable",
			},
		},
	}
}

// Validate checks the fields a session cannot start without.
func (c *Config) Validate() error {
	if c.RoomID == "" {
		return fmt.Errorf("room ID is required")
	}
	if c.DisplayName == "" {
		return fmt.Errorf("display name is required")
	}
	u, err := url.Parse(c.RelayURL)
	if err != nil {
		return fmt.Errorf("invalid relay URL %q: %w", c.RelayURL, err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("relay URL must use ws or wss, got %q", u.Scheme)
	}
	if len(c.ICEServers) == 0 {
		return fmt.Errorf("at least one ICE server is required")
	}
	if c.History.Enabled && c.History.Postgres.Host == "" {
		return fmt.Errorf("history.postgres.host is required when history is enabled")
	}
	return nil
}
