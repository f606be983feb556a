package wsengine

import (
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/agentworkforce/relaysync/internal/checkpoint"
	"github.com/agentworkforce/relaysync/internal/localstore"
	"github.com/agentworkforce/relaysync/internal/replsession"
)

const (
	defaultMaxRetries       = 9
	initialRetryInterval    = 2 * time.Second
	defaultMaxRetryInterval = 5 * time.Minute
)

// VariantConfig assembles a RemoteVariant.
type VariantConfig struct {
	URL         string
	Store       localstore.Store
	Checkpoints checkpoint.Backend
	Logger      replsession.Logger

	// StorePath enables filesystem change watching for continuous push.
	StorePath string

	// HTTPClient overrides the handshake client, mainly for tests.
	HTTPClient *http.Client

	// MaxRetries caps automatic reconnect attempts for continuous sessions.
	// Zero means the default; negative disables automatic retry.
	MaxRetries int

	// MaxRetryInterval caps the exponential backoff. Zero means the default.
	MaxRetryInterval time.Duration
}

// RemoteVariant builds websocket engines for one remote endpoint and keeps a
// continuous session alive across transient failures: a stop with an error
// is rewritten to offline while the host is reachable and retry budget
// remains, and a timer brings the session back.
type RemoteVariant struct {
	cfg VariantConfig

	mu       sync.Mutex
	session  *replsession.Session
	opts     replsession.Options
	attempts int
	timer    *time.Timer
}

func NewRemoteVariant(cfg VariantConfig) (*RemoteVariant, error) {
	cfg.URL = strings.TrimSpace(cfg.URL)
	if cfg.URL == "" || cfg.Store == nil || cfg.Checkpoints == nil {
		return nil, errors.New("wsengine: incomplete variant config")
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = defaultMaxRetries
	}
	if cfg.MaxRetryInterval <= 0 {
		cfg.MaxRetryInterval = defaultMaxRetryInterval
	}
	return &RemoteVariant{cfg: cfg}, nil
}

// Bind attaches the session this variant retries on behalf of. Must be
// called before the session starts if automatic retry is wanted.
func (v *RemoteVariant) Bind(session *replsession.Session) {
	v.mu.Lock()
	v.session = session
	v.mu.Unlock()
}

func (v *RemoteVariant) NewEngine(opts replsession.Options, delegate replsession.EngineDelegate) (replsession.Engine, error) {
	v.mu.Lock()
	v.opts = opts
	v.mu.Unlock()
	return New(Config{
		URL:         v.cfg.URL,
		Options:     opts,
		Delegate:    delegate,
		Store:       v.cfg.Store,
		Checkpoints: v.cfg.Checkpoints,
		Logger:      v.cfg.Logger,
		StorePath:   v.cfg.StorePath,
		HTTPClient:  v.cfg.HTTPClient,
	})
}

func (v *RemoteVariant) TargetURL() string {
	return v.cfg.URL
}

// ResetBackoff discards the retry schedule and cancels a pending retry.
func (v *RemoteVariant) ResetBackoff() {
	v.mu.Lock()
	v.attempts = 0
	v.stopTimerLocked()
	v.mu.Unlock()
}

// HandleConnected resets the retry budget once a connection succeeds.
func (v *RemoteVariant) HandleConnected() {
	v.mu.Lock()
	v.attempts = 0
	v.mu.Unlock()
}

// HandleStopped intercepts a transient failure on a continuous session:
// the published level becomes offline and a backoff timer schedules a retry.
// Permanent stops (no error, push and pull one-shot, host unreachable, or
// budget exhausted) pass through unchanged.
func (v *RemoteVariant) HandleStopped(status *replsession.Status) {
	if status.Err == nil || !status.HostReachable() {
		return
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	if !v.opts.Continuous() || v.cfg.MaxRetries < 0 || v.attempts >= v.cfg.MaxRetries {
		return
	}
	session := v.session
	if session == nil {
		return
	}
	interval := v.retryIntervalLocked()
	v.attempts++
	status.Level = replsession.LevelOffline
	v.logf("target %s: retry %d in %s after: %v", v.cfg.URL, v.attempts, interval, status.Err)
	v.stopTimerLocked()
	v.timer = time.AfterFunc(interval, func() {
		// Retry is a no-op unless the session is still offline, so a timer
		// that outlives a stop or resume does no harm.
		if err := session.Retry(false); err != nil {
			v.logf("target %s: retry failed: %v", v.cfg.URL, err)
		}
	})
}

// HandleHostReachable retries immediately when the host comes back, and
// parks a pending retry while it is gone.
func (v *RemoteVariant) HandleHostReachable(reachable bool) {
	v.mu.Lock()
	session := v.session
	if reachable {
		v.attempts = 0
	} else {
		v.stopTimerLocked()
	}
	v.mu.Unlock()
	if reachable && session != nil {
		if err := session.Retry(true); err != nil {
			v.logf("target %s: reachability retry failed: %v", v.cfg.URL, err)
		}
	}
}

// Close cancels any pending retry timer.
func (v *RemoteVariant) Close() error {
	v.mu.Lock()
	v.stopTimerLocked()
	v.mu.Unlock()
	return nil
}

func (v *RemoteVariant) retryIntervalLocked() time.Duration {
	interval := initialRetryInterval << uint(v.attempts)
	if interval <= 0 || interval > v.cfg.MaxRetryInterval {
		return v.cfg.MaxRetryInterval
	}
	return interval
}

func (v *RemoteVariant) stopTimerLocked() {
	if v.timer != nil {
		v.timer.Stop()
		v.timer = nil
	}
}

func (v *RemoteVariant) logf(format string, args ...any) {
	if v.cfg.Logger == nil {
		return
	}
	v.cfg.Logger.Printf(format, args...)
}

var (
	_ replsession.Variant              = (*RemoteVariant)(nil)
	_ replsession.RetryCapable         = (*RemoteVariant)(nil)
	_ replsession.ConnectedObserver    = (*RemoteVariant)(nil)
	_ replsession.StopObserver         = (*RemoteVariant)(nil)
	_ replsession.ReachabilityObserver = (*RemoteVariant)(nil)
)
