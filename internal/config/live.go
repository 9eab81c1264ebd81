package config

import "sync/atomic"

// Live holds the configuration currently in effect. Readers always see a
// complete snapshot; writers publish a new *Config instead of mutating one.
type Live struct {
	p atomic.Pointer[Config]
}

func NewLive(cfg *Config) *Live {
	l := &Live{}
	l.p.Store(cfg)
	return l
}

func (l *Live) Load() *Config { return l.p.Load() }

func (l *Live) Store(cfg *Config) {
	if cfg == nil {
		return
	}
	l.p.Store(cfg)
}
