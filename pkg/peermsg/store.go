// Package peermsg provides message storage for the peer transport.
//
// Small payloads are kept in memory; payloads at or above the configured
// threshold are spooled to files so that large transfers do not pin memory.
package peermsg

import (
	"errors"
	"os"

	"github.com/rmacdonaldsmith/streamcomm/pkg/peerlink"
)

// DefaultMinFileMessageSize is the payload size at which messages are
// spooled to disk
const DefaultMinFileMessageSize = 1024

// ErrNoDataDir is returned when a data directory does not exist
var ErrNoDataDir = errors.New("message data directory does not exist")

// Config controls where payloads are kept
type Config struct {
	// DataDir holds spooled payload files. Empty disables file bodies.
	DataDir string

	// MinFileMessageSize is the smallest payload kept in a file
	MinFileMessageSize int64
}

// SetDefaults fills zero fields
func (c *Config) SetDefaults() {
	if c.MinFileMessageSize == 0 {
		c.MinFileMessageSize = DefaultMinFileMessageSize
	}
}

// Validate checks the configuration
func (c *Config) Validate() error {
	if c.MinFileMessageSize < 0 {
		return errors.New("min file message size cannot be negative")
	}
	if c.DataDir != "" {
		fi, err := os.Stat(c.DataDir)
		if err != nil || !fi.IsDir() {
			return ErrNoDataDir
		}
	}
	return nil
}

// Store allocates memory or file backed messages by size
type Store struct {
	config Config
}

var _ peerlink.MessageFactory = (*Store)(nil)

// NewStore returns a store for the given configuration
func NewStore(config Config) (*Store, error) {
	config.SetDefaults()
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &Store{config: config}, nil
}

// NewMessage returns an empty message. Messages with a size hint at or
// above MinFileMessageSize get a file body when a data directory is set.
func (s *Store) NewMessage(protocol uint32, sizeHint int64) (*peerlink.Message, error) {
	if sizeHint > 0 && s.config.DataDir != "" && sizeHint >= s.config.MinFileMessageSize {
		body, err := NewFileBody(s.config.DataDir)
		if err != nil {
			return nil, err
		}
		return peerlink.NewMessage(protocol, body), nil
	}
	return peerlink.NewMessage(protocol, &MemoryBody{}), nil
}

// NewMemoryMessage returns a message holding a copy of data
func NewMemoryMessage(protocol uint32, data []byte) *peerlink.Message {
	return peerlink.NewMessage(protocol, NewMemoryBody(data))
}
