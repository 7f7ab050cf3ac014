package config

import "sync/atomic"

// Live is an atomically swappable view of the current configuration.
//
// The transaction engine reads its tunables through this view at the
// start of every call, so publishing a new config changes the retry
// budget and the trace flag for transactions that have not started
// yet without disturbing those in flight.
type Live struct {
	current atomic.Pointer[Config]
}

// NewLive returns a live view seeded with cfg.
func NewLive(cfg *Config) *Live {
	l := &Live{}
	l.current.Store(cfg)
	return l
}

// Current returns the most recently published configuration.
func (l *Live) Current() *Config {
	return l.current.Load()
}

// Replace publishes cfg as the current configuration.
func (l *Live) Replace(cfg *Config) {
	l.current.Store(cfg)
}

// ConflictRetries reports how many times a conflicted write
// transaction may be retried.
func (l *Live) ConflictRetries() int {
	return l.Current().Database.ConflictRetries
}

// TraceTransactions reports whether transaction lifecycle events are
// logged at info level.
func (l *Live) TraceTransactions() bool {
	return l.Current().Database.TraceTransactions
}
