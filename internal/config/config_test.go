package config

import "testing"

func validConfig() *Config {
	cfg := NewDefaultConfig()
	cfg.RoomID = "room-42"
	cfg.DisplayName = "pat"
	return cfg
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"defaults with room and name", func(c *Config) {}, false},
		{"missing room", func(c *Config) { c.RoomID = "" }, true},
		{"missing display name", func(c *Config) { c.DisplayName = "" }, true},
		{"http relay URL", func(c *Config) { c.RelayURL = "http://relay:7000/ws" }, true},
		{"wss relay URL", func(c *Config) { c.RelayURL = "wss://relay.example.com/ws" }, false},
		{"no ICE servers", func(c *Config) { c.ICEServers = nil }, true},
		{"history without host", func(c *Config) {
			c.History.Enabled = true
			c.History.Postgres.Host = ""
		}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
