package replsession

// Variant supplies the target-specific behavior of a session: how to build
// an engine for the target, and the target's identity for checkpoint
// addressing. Variants opt into further behavior through the optional
// capability interfaces below, discovered by type assertion at the call
// sites.
type Variant interface {
	// NewEngine builds a fresh engine instance wired to the delegate.
	// Called with the session lock held; it must only construct, not start.
	NewEngine(opts Options, delegate EngineDelegate) (Engine, error)

	// TargetURL identifies the replication target. It feeds checkpoint key
	// derivation, so it must be stable for the lifetime of the session.
	TargetURL() string
}

// RetryCapable marks a variant whose sessions may be retried after going
// offline. ResetBackoff discards any accumulated retry schedule.
type RetryCapable interface {
	ResetBackoff()
}

// ConnectedObserver is notified, with the session lock held, when the
// published level first crosses above connecting on a given engine instance.
// A fresh engine instance is a fresh crossing, so suspend/resume cycles
// fire it again.
type ConnectedObserver interface {
	HandleConnected()
}

// StopObserver is notified, with the session lock held, when an engine
// instance has stopped and before the final status is published. It may
// mutate the status, for example replacing a transient failure with an
// offline level so the session stays retryable.
type StopObserver interface {
	HandleStopped(status *Status)
}

// ReachabilityObserver is informed of host reachability hints so a variant
// can gate its retry policy on them.
type ReachabilityObserver interface {
	HandleHostReachable(reachable bool)
}
