package engine

// Settings is the externally-owned configuration view the engine reads
// once per call. A live implementation (see pkg/config.Live) lets
// operators change the retry budget and trace verbosity at runtime;
// calls already in flight keep the values they started with.
type Settings interface {
	// ConflictRetries is the number of additional attempts allowed
	// after the first conflict in write mode.
	ConflictRetries() int

	// TraceTransactions reports whether begin/commit/abort events are
	// logged at info level rather than debug.
	TraceTransactions() bool
}

// FixedSettings is a Settings implementation with constant values,
// for tests and tools.
type FixedSettings struct {
	Retries int
	Trace   bool
}

// ConflictRetries implements Settings.
func (s FixedSettings) ConflictRetries() int { return s.Retries }

// TraceTransactions implements Settings.
func (s FixedSettings) TraceTransactions() bool { return s.Trace }
