package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/rmacdonaldsmith/streamcomm/internal/node"
	"github.com/rmacdonaldsmith/streamcomm/internal/peerlink"
	"github.com/rmacdonaldsmith/streamcomm/pkg/peermsg"
)

// duration accepts Go duration strings such as "30s" in config files
type duration struct {
	time.Duration
}

func (d *duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d *duration) UnmarshalYAML(value *yaml.Node) error {
	return d.UnmarshalText([]byte(value.Value))
}

type logConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`

	// File enables rotation through lumberjack; empty logs to stderr
	File       string `yaml:"file" toml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb" toml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups" toml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days" toml:"max_age_days"`
	Compress   bool   `yaml:"compress" toml:"compress"`
}

type tlsConfig struct {
	Enabled    bool   `yaml:"enabled" toml:"enabled"`
	CertFile   string `yaml:"cert_file" toml:"cert_file"`
	KeyFile    string `yaml:"key_file" toml:"key_file"`
	CAFile     string `yaml:"ca_file" toml:"ca_file"`
	ClientAuth bool   `yaml:"client_auth" toml:"client_auth"`
	MinVersion string `yaml:"min_version" toml:"min_version"`
}

type transportConfig struct {
	BindAddress           string   `yaml:"bind_address" toml:"bind_address"`
	MaxChannels           int      `yaml:"max_channels" toml:"max_channels"`
	ConnectTimeout        duration `yaml:"connect_timeout" toml:"connect_timeout"`
	HandshakeTimeout      duration `yaml:"handshake_timeout" toml:"handshake_timeout"`
	DataTimeout           duration `yaml:"data_timeout" toml:"data_timeout"`
	ChannelIdleTime       duration `yaml:"channel_idle_time" toml:"channel_idle_time"`
	DrainInputTime        duration `yaml:"drain_input_time" toml:"drain_input_time"`
	SendWakeupTime        duration `yaml:"send_wakeup_time" toml:"send_wakeup_time"`
	RetryBeforeExpiration duration `yaml:"retry_before_expiration" toml:"retry_before_expiration"`
	MinPeerRetryInterval  duration `yaml:"min_peer_retry_interval" toml:"min_peer_retry_interval"`
	MaxPeerRetryInterval  duration `yaml:"max_peer_retry_interval" toml:"max_peer_retry_interval"`
	RetryDelay            duration `yaml:"retry_delay" toml:"retry_delay"`
	WaitExit              duration `yaml:"wait_exit" toml:"wait_exit"`
	MaxMessageSize        int64    `yaml:"max_message_size" toml:"max_message_size"`
	DisableBufferedSend   bool     `yaml:"disable_buffered_send" toml:"disable_buffered_send"`
	DisableTCPNoDelay     bool     `yaml:"disable_tcp_nodelay" toml:"disable_tcp_nodelay"`
	DisableKeepAlive      bool     `yaml:"disable_keepalive" toml:"disable_keepalive"`
	IgnoreUnknownOp       bool     `yaml:"ignore_unknown_op" toml:"ignore_unknown_op"`
	ReceiveWorkers        int      `yaml:"receive_workers" toml:"receive_workers"`
	ReceiveQueueSize      int      `yaml:"receive_queue_size" toml:"receive_queue_size"`
	SendRateLimit         float64  `yaml:"send_rate_limit" toml:"send_rate_limit"`
	SendRateBurst         int      `yaml:"send_rate_burst" toml:"send_rate_burst"`
	ReceiveRateLimit      float64  `yaml:"receive_rate_limit" toml:"receive_rate_limit"`
	ReceiveRateBurst      int      `yaml:"receive_rate_burst" toml:"receive_rate_burst"`
}

// fileConfig is the daemon configuration as read from a file. Flags given
// on the command line override it.
type fileConfig struct {
	Listen      string   `yaml:"listen" toml:"listen"`
	Advertise   string   `yaml:"advertise" toml:"advertise"`
	HTTPAddress string   `yaml:"http_address" toml:"http_address"`
	GRPCAddress string   `yaml:"grpc_address" toml:"grpc_address"`
	SecretKey   string   `yaml:"secret_key" toml:"secret_key"`
	NoAuth      bool     `yaml:"no_auth" toml:"no_auth"`
	Seeds       []string `yaml:"seeds" toml:"seeds"`
	Protocols   []uint32 `yaml:"protocols" toml:"protocols"`

	DataDir            string `yaml:"data_dir" toml:"data_dir"`
	MinFileMessageSize int64  `yaml:"min_file_message_size" toml:"min_file_message_size"`
	InboxCapacity      int    `yaml:"inbox_capacity" toml:"inbox_capacity"`
	InboxPreviewSize   int    `yaml:"inbox_preview_size" toml:"inbox_preview_size"`

	Log       logConfig       `yaml:"log" toml:"log"`
	TLS       tlsConfig       `yaml:"tls" toml:"tls"`
	Transport transportConfig `yaml:"transport" toml:"transport"`
}

func defaultFileConfig() fileConfig {
	return fileConfig{
		Listen:      "127.0.0.1:9090",
		HTTPAddress: "127.0.0.1:8080",
		Log: logConfig{
			Level:      "info",
			Format:     "text",
			MaxSizeMB:  100,
			MaxBackups: 3,
			MaxAgeDays: 28,
		},
	}
}

// loadFileConfig reads path over cfg. The format follows the extension:
// .yaml/.yml or .toml.
func loadFileConfig(path string, cfg *fileConfig) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("parse %s: %w", path, err)
		}
	case ".toml":
		if _, err := toml.Decode(string(data), cfg); err != nil {
			return fmt.Errorf("parse %s: %w", path, err)
		}
	default:
		return fmt.Errorf("unsupported config file type %q (want .yaml, .yml or .toml)", filepath.Ext(path))
	}
	return nil
}

// nodeConfig converts the file configuration into a validated node config
func (c *fileConfig) nodeConfig() (*node.Config, error) {
	t := c.Transport
	plc := &peerlink.Config{
		BindAddress:           t.BindAddress,
		MaxChannels:           t.MaxChannels,
		ConnectTimeout:        t.ConnectTimeout.Duration,
		HandshakeTimeout:      t.HandshakeTimeout.Duration,
		DataTimeout:           t.DataTimeout.Duration,
		ChannelIdleTime:       t.ChannelIdleTime.Duration,
		DrainInputTime:        t.DrainInputTime.Duration,
		SendWakeupTime:        t.SendWakeupTime.Duration,
		RetryBeforeExpiration: t.RetryBeforeExpiration.Duration,
		MinPeerRetryInterval:  t.MinPeerRetryInterval.Duration,
		MaxPeerRetryInterval:  t.MaxPeerRetryInterval.Duration,
		RetryDelay:            t.RetryDelay.Duration,
		WaitExit:              t.WaitExit.Duration,
		MaxMessageSize:        t.MaxMessageSize,
		DisableBufferedSend:   t.DisableBufferedSend,
		DisableTCPNoDelay:     t.DisableTCPNoDelay,
		DisableKeepAlive:      t.DisableKeepAlive,
		IgnoreUnknownOp:       t.IgnoreUnknownOp,
		ReceiveWorkers:        t.ReceiveWorkers,
		ReceiveQueueSize:      t.ReceiveQueueSize,
		SendRateLimit:         t.SendRateLimit,
		SendRateBurst:         t.SendRateBurst,
		ReceiveRateLimit:      t.ReceiveRateLimit,
		ReceiveRateBurst:      t.ReceiveRateBurst,
	}

	config := node.NewConfig(c.Listen).
		WithAdvertiseAddress(c.Advertise).
		WithGRPCAddress(c.GRPCAddress).
		WithSeeds(c.Seeds...).
		WithTLS(node.TLSConfig{
			Enabled:    c.TLS.Enabled,
			CertFile:   c.TLS.CertFile,
			KeyFile:    c.TLS.KeyFile,
			CAFile:     c.TLS.CAFile,
			ClientAuth: c.TLS.ClientAuth,
			MinVersion: c.TLS.MinVersion,
		}).
		WithPeerLinkConfig(plc)
	if len(c.Protocols) > 0 {
		config.WithProtocols(c.Protocols...)
	}
	config.Store = peermsg.Config{DataDir: c.DataDir, MinFileMessageSize: c.MinFileMessageSize}
	if c.InboxCapacity > 0 {
		config.InboxCapacity = c.InboxCapacity
	}
	if c.InboxPreviewSize > 0 {
		config.InboxPreviewSize = c.InboxPreviewSize
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}
