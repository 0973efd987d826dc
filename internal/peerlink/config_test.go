package peerlink

import (
	"errors"
	"testing"
	"time"
)

// TestConfig_Validation tests our config validation logic
func TestConfig_Validation(t *testing.T) {
	tests := []struct {
		name    string
		config  *Config
		wantErr error
	}{
		{
			name:    "zero config",
			config:  &Config{},
			wantErr: nil,
		},
		{
			name: "valid config",
			config: &Config{
				ListenAddress:        "localhost:9090",
				MinPeerRetryInterval: time.Second,
				MaxPeerRetryInterval: time.Minute,
			},
			wantErr: nil,
		},
		{
			name:    "negative idle time",
			config:  &Config{ChannelIdleTime: -time.Second},
			wantErr: ErrNegativeDuration,
		},
		{
			name:    "negative max channels",
			config:  &Config{MaxChannels: -1},
			wantErr: ErrNegativeSize,
		},
		{
			name:    "negative rate limit",
			config:  &Config{SendRateLimit: -1},
			wantErr: ErrNegativeSize,
		},
		{
			name: "min retry above max",
			config: &Config{
				MinPeerRetryInterval: time.Hour,
				MaxPeerRetryInterval: time.Minute,
			},
			wantErr: ErrRetryBounds,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.config.Validate()
			if tt.wantErr == nil && err != nil {
				t.Errorf("Config.Validate() unexpected error = %v", err)
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Errorf("Config.Validate() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

// TestConfig_SetDefaults tests that config provides sensible defaults
func TestConfig_SetDefaults(t *testing.T) {
	config := &Config{ListenAddress: "localhost:9090"}
	config.SetDefaults()

	if config.MaxChannels != 50 {
		t.Errorf("Expected MaxChannels default of 50, got %d", config.MaxChannels)
	}
	if config.ConnectTimeout != 2*time.Minute {
		t.Errorf("Expected ConnectTimeout default of 2m, got %v", config.ConnectTimeout)
	}
	if config.ChannelIdleTime != 2*time.Minute {
		t.Errorf("Expected ChannelIdleTime default of 2m, got %v", config.ChannelIdleTime)
	}
	if config.DrainInputTime != 10*time.Second {
		t.Errorf("Expected DrainInputTime default of 10s, got %v", config.DrainInputTime)
	}
	if config.MinPeerRetryInterval != 30*time.Second {
		t.Errorf("Expected MinPeerRetryInterval default of 30s, got %v", config.MinPeerRetryInterval)
	}
	if config.MaxPeerRetryInterval != 30*time.Minute {
		t.Errorf("Expected MaxPeerRetryInterval default of 30m, got %v", config.MaxPeerRetryInterval)
	}
	if config.MaxMessageSize != 1<<30 {
		t.Errorf("Expected MaxMessageSize default of 1GiB, got %d", config.MaxMessageSize)
	}
	if config.DataTimeout != 0 {
		t.Errorf("Expected DataTimeout to stay disabled, got %v", config.DataTimeout)
	}
	if config.ChannelHungTime() != config.ChannelIdleTime+time.Second {
		t.Errorf("Expected hung time one second past idle time, got %v", config.ChannelHungTime())
	}
}

// TestConfig_SetDefaultsPreservesValues tests that explicit values survive
func TestConfig_SetDefaultsPreservesValues(t *testing.T) {
	config := &Config{
		MaxChannels:     3,
		ChannelIdleTime: 5 * time.Second,
		MaxMessageSize:  1500,
	}
	config.SetDefaults()

	if config.MaxChannels != 3 {
		t.Errorf("Expected MaxChannels 3, got %d", config.MaxChannels)
	}
	if config.ChannelIdleTime != 5*time.Second {
		t.Errorf("Expected ChannelIdleTime 5s, got %v", config.ChannelIdleTime)
	}
	if config.MaxMessageSize != 1500 {
		t.Errorf("Expected MaxMessageSize 1500, got %d", config.MaxMessageSize)
	}
}
