// Package catalogcfg holds the small set of recognized options the
// catalog core consults. It uses the same functional-options style as
// pkg/fixgres rather than pulling in a configuration framework.
package catalogcfg

import "time"

// WaitForLsnMode is one of the four replication-progress targets WaitForLsn
// can block on.
type WaitForLsnMode int

const (
	StandbyReplay WaitForLsnMode = iota
	StandbyWrite
	StandbyFlush
	PrimaryFlush
)

func (m WaitForLsnMode) String() string {
	switch m {
	case StandbyReplay:
		return "standby_replay"
	case StandbyWrite:
		return "standby_write"
	case StandbyFlush:
		return "standby_flush"
	case PrimaryFlush:
		return "primary_flush"
	default:
		return "unknown_mode"
	}
}

// Config is the catalog core's process-wide recognized configuration.
type Config struct {
	// EventTriggers disables every hook in pkg/eventtrigger when false.
	EventTriggers bool
	// AllowSystemTableMods relaxes IsReservedName / IsSystemRelation guards.
	AllowSystemTableMods bool
	// LogAutovacuumMinDuration is unused by the catalog core; it is carried
	// here only because the surrounding vacuum driver reads it from the
	// same config object.
	LogAutovacuumMinDuration time.Duration
}

// Option mutates a Config under construction.
type Option func(*Config)

func WithEventTriggers(enabled bool) Option {
	return func(c *Config) { c.EventTriggers = enabled }
}

func WithAllowSystemTableMods(allow bool) Option {
	return func(c *Config) { c.AllowSystemTableMods = allow }
}

func WithLogAutovacuumMinDuration(d time.Duration) Option {
	return func(c *Config) { c.LogAutovacuumMinDuration = d }
}

// New builds a Config with event triggers enabled by default, matching the
// cluster's default posture; disaster-recovery call sites opt out
// explicitly with WithEventTriggers(false).
func New(opts ...Option) Config {
	c := Config{EventTriggers: true}
	for _, o := range opts {
		o(&c)
	}
	return c
}

// WaitForLsnOptions configures one WaitForLsn call.
type WaitForLsnOptions struct {
	Mode    WaitForLsnMode
	Timeout time.Duration // 0 = wait forever
	NoThrow bool
}
