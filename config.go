// Copyright (C) 2022 myl7
// SPDX-License-Identifier: Apache-2.0

package pbft

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config holds the deployment parameters consumed by the protocol
type Config struct {
	// N is total node num and must be 3f + 1
	N int
	// F is the max number of byzantine nodes
	F int
	// K is the checkpoint period
	K uint64
	// LogMultiplier decides the watermark window L = K * LogMultiplier
	LogMultiplier uint64
	// RequestTimeout is how long an accepted request may stay uncommitted before a view change
	RequestTimeout time.Duration
	// ViewChangeTimeout is how long to wait for a new-view. It doubles for each consecutive failed view change.
	ViewChangeTimeout time.Duration
	// MaxViewChangeTimeout caps the doubled view change timeout
	MaxViewChangeTimeout time.Duration
	// InboxSize is the buffer size of the msg queue of a node
	InboxSize int
}

// DefaultConfig returns the config of a 4-node cluster
func DefaultConfig() *Config {
	return &Config{
		N:                    4,
		F:                    1,
		K:                    10,
		LogMultiplier:        4,
		RequestTimeout:       2 * time.Second,
		ViewChangeTimeout:    2 * time.Second,
		MaxViewChangeTimeout: 30 * time.Second,
		InboxSize:            1024,
	}
}

// Validate rejects misconfiguration, which is fatal at startup
func (cfg *Config) Validate() error {
	if cfg.F < 0 {
		return fmt.Errorf("%w: f = %d is negative", ErrInvalidConfig, cfg.F)
	}
	if cfg.N != 3*cfg.F+1 {
		return fmt.Errorf("%w: need exactly %d replicas to tolerate %d byzantine faults, but %d replicas configured", ErrInvalidConfig, 3*cfg.F+1, cfg.F, cfg.N)
	}
	if cfg.K < 1 {
		return fmt.Errorf("%w: checkpoint period must be positive", ErrInvalidConfig)
	}
	if cfg.LogMultiplier < 2 {
		return fmt.Errorf("%w: log multiplier must be greater than or equal to 2", ErrInvalidConfig)
	}
	if cfg.RequestTimeout <= 0 || cfg.ViewChangeTimeout <= 0 {
		return fmt.Errorf("%w: timeouts must be positive", ErrInvalidConfig)
	}
	if cfg.MaxViewChangeTimeout < cfg.ViewChangeTimeout {
		return fmt.Errorf("%w: max view change timeout %v is less than view change timeout %v", ErrInvalidConfig, cfg.MaxViewChangeTimeout, cfg.ViewChangeTimeout)
	}
	if cfg.InboxSize < 1 {
		return fmt.Errorf("%w: inbox size must be positive", ErrInvalidConfig)
	}
	return nil
}

// Quorum is 2f + 1
func (cfg *Config) Quorum() int {
	return 2*cfg.F + 1
}

// L is the log size, i.e., the width of the watermark window
func (cfg *Config) L() uint64 {
	return cfg.K * cfg.LogMultiplier
}

// Primary of view v
func (cfg *Config) Primary(v uint64) uint32 {
	return uint32(v % uint64(cfg.N))
}

// LoadConfig reads the general.* keys of v, falling back to [DefaultConfig] for unset ones
func LoadConfig(v *viper.Viper) (*Config, error) {
	def := DefaultConfig()
	v.SetDefault("general.n", def.N)
	v.SetDefault("general.f", def.F)
	v.SetDefault("general.k", def.K)
	v.SetDefault("general.logmultiplier", def.LogMultiplier)
	v.SetDefault("general.timeout.request", def.RequestTimeout)
	v.SetDefault("general.timeout.viewchange", def.ViewChangeTimeout)
	v.SetDefault("general.timeout.viewchangemax", def.MaxViewChangeTimeout)
	v.SetDefault("general.inboxsize", def.InboxSize)

	cfg := &Config{
		N:                    v.GetInt("general.n"),
		F:                    v.GetInt("general.f"),
		K:                    v.GetUint64("general.k"),
		LogMultiplier:        v.GetUint64("general.logmultiplier"),
		RequestTimeout:       v.GetDuration("general.timeout.request"),
		ViewChangeTimeout:    v.GetDuration("general.timeout.viewchange"),
		MaxViewChangeTimeout: v.GetDuration("general.timeout.viewchangemax"),
		InboxSize:            v.GetInt("general.inboxsize"),
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
