package config

import (
	"sync/atomic"
)

// Handle shares one Config between goroutines.
// Readers always observe a whole Config. Swapping is done by Store only.
type Handle struct {
	v atomic.Value
}

func NewHandle(cfg *Config) *Handle {
	h := &Handle{}
	if cfg != nil {
		h.v.Store(cfg)
	}
	return h
}

// Load returns current config, or nil before initialization.
func (h *Handle) Load() *Config {
	cfg, _ := h.v.Load().(*Config)
	return cfg
}

// Store replaces config and returns the previous one.
func (h *Handle) Store(cfg *Config) (*Config, error) {
	if cfg == nil {
		return nil, ErrHandleEmpty
	}
	old, _ := h.v.Swap(cfg).(*Config)
	return old, nil
}
