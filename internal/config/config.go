package config

import (
	"errors"
	"regexp"
	"time"
)

// Config holds all configuration for the transaction keeper
type Config struct {
	// RPC connection
	URL string

	// Account configuration
	PrivateKey string
	Mnemonic   string
	Accounts   int

	// Chain configuration
	ChainID uint64

	// Transaction history
	HistoryLimit int
	StorePath    string

	// Tracker tuning
	PollInterval      time.Duration
	RetryAfterBlocks  uint64
	MaxConcurrent     int
	ResubmitPerSecond float64

	// Output
	Verbose bool

	// Timeout bounds how long one-shot commands wait for pending
	// transactions to resolve
	Timeout time.Duration

	// Prometheus metrics
	MetricsEnabled bool
	MetricsPort    int
}

var (
	httpRegex   = regexp.MustCompile(`^https?://`)
	wsRegex     = regexp.MustCompile(`^wss?://`)
	hexKeyRegex = regexp.MustCompile(`^0x[0-9a-fA-F]{64}$`)
)

// Validate validates the configuration and fills defaults
func (c *Config) Validate() error {
	// Validate URL
	if c.URL == "" {
		return errors.New("url is required")
	}
	if !httpRegex.MatchString(c.URL) && !wsRegex.MatchString(c.URL) {
		return errors.New("url must be a valid HTTP or WebSocket URL")
	}

	// Validate account credentials
	if c.PrivateKey == "" && c.Mnemonic == "" {
		return errors.New("either private-key or mnemonic is required")
	}
	if c.PrivateKey != "" && !hexKeyRegex.MatchString(c.PrivateKey) {
		return errors.New("private-key must be a valid 64-character hex string with 0x prefix")
	}
	if c.Mnemonic != "" && c.Accounts <= 0 {
		c.Accounts = 1
	}

	if c.HistoryLimit < 0 {
		return errors.New("history-limit must not be negative")
	}
	if c.HistoryLimit == 0 {
		c.HistoryLimit = 100
	}

	// Tracker defaults
	if c.PollInterval <= 0 {
		c.PollInterval = 3 * time.Second
	}
	if c.RetryAfterBlocks == 0 {
		c.RetryAfterBlocks = 3
	}
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = 10
	}
	if c.ResubmitPerSecond <= 0 {
		c.ResubmitPerSecond = 5
	}

	// Set default timeout
	if c.Timeout == 0 {
		c.Timeout = 5 * time.Minute
	}

	// Set default metrics port
	if c.MetricsEnabled && c.MetricsPort == 0 {
		c.MetricsPort = 9090
	}

	return nil
}
