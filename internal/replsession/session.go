// Package replsession manages the lifecycle of a single replication session
// between a local document store and a replication target. It owns the
// session state machine (start/stop/suspend/resume), publishes status
// transitions to client callbacks, and answers pending document queries
// whether or not an engine is running. The wire protocol itself lives behind
// the Engine boundary.
package replsession

import (
	"fmt"
	"net/http"
	"sync"

	"github.com/google/uuid"

	"github.com/agentworkforce/relaysync/internal/checkpoint"
	"github.com/agentworkforce/relaysync/internal/localstore"
)

// Logger is the injected log sink. A nil logger silences the session.
type Logger interface {
	Printf(format string, args ...any)
}

// Config assembles a session.
type Config struct {
	Options     Options
	Variant     Variant
	Store       localstore.Store
	Checkpoints checkpoint.Backend
	Logger      Logger

	OnStatusChanged  StatusChangedFunc
	OnDocumentsEnded DocumentsEndedFunc
	OnBlobProgress   BlobProgressFunc
}

// Session is the lifecycle controller for one replication session.
//
// One mutex guards the options, the status record, the engine reference and
// the suspend bookkeeping. The lock is never held across a client callback:
// callbacks may legally re-enter the session (query Status, call Stop), so
// every notification happens on a copied status after the lock is released.
//
// Engines deliver delegate events from their own goroutines. Events from a
// superseded engine instance are dropped silently; they are the expected
// residue of fire-and-forget teardown.
type Session struct {
	id          string
	variant     Variant
	store       localstore.Store
	checkpoints checkpoint.Backend
	logger      Logger
	slots       callbackSlots

	mu                  sync.Mutex
	opts                Options
	status              Status
	engine              Engine
	activeWhenSuspended bool
	responseHeaders     http.Header

	// selfRetain keeps the session logically alive while an engine is in
	// flight: acquired in startLocked, released once that engine instance is
	// observed to terminate and the resulting status has been published.
	// At most one retention is outstanding; acquire and release are balanced
	// across suspend/resume cycles.
	selfRetain *Session
}

func NewSession(cfg Config) (*Session, error) {
	if cfg.Variant == nil || cfg.Store == nil || cfg.Checkpoints == nil {
		return nil, ErrInvalidInput
	}
	if err := ValidateProperties(cfg.Options.Properties); err != nil {
		return nil, err
	}
	s := &Session{
		id:          uuid.NewString(),
		variant:     cfg.Variant,
		store:       cfg.Store,
		checkpoints: cfg.Checkpoints,
		logger:      cfg.Logger,
		opts:        cfg.Options,
		status: Status{
			Level: LevelStopped,
			Flags: FlagHostReachable,
		},
	}
	s.slots.init(cfg.OnStatusChanged, cfg.OnDocumentsEnded, cfg.OnBlobProgress)
	return s, nil
}

// ID is the session's correlation identifier, present in every log line.
func (s *Session) ID() string {
	return s.id
}

// Start creates and starts an engine instance. Redundant calls while an
// engine is live are no-ops.
func (s *Session) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.engine != nil {
		return nil
	}
	return s.startLocked()
}

func (s *Session) startLocked() error {
	if s.engine == nil {
		engine, err := s.variant.NewEngine(s.opts, s)
		if err != nil {
			return err
		}
		s.engine = engine
	}
	s.logf("session %s: starting engine for %s", s.id, s.variant.TargetURL())
	s.selfRetain = s // released when this engine instance is observed stopped
	s.status.applyEngineReport(s.engine.Status())
	s.responseHeaders = nil
	s.engine.Start()
	return nil
}

// Stop asks a live engine to stop; the transition to stopped arrives later
// through the delegate path. Without an engine it transitions directly.
// Stopping an already stopped session is a no-op.
func (s *Session) Stop() {
	s.mu.Lock()
	if engine := s.engine; engine != nil {
		s.mu.Unlock()
		engine.Stop()
		return
	}
	if s.status.Level == LevelStopped {
		s.mu.Unlock()
		return
	}
	s.status.Level = LevelStopped
	s.status.Progress = Progress{}
	published := s.status
	s.mu.Unlock()

	s.notifyStatusChanged(published)

	s.mu.Lock()
	s.selfRetain = nil // balances the retain in startLocked
	s.mu.Unlock()
}

// SetSuspended pauses or resumes the session. A suspend stops the engine but
// remembers that the session was active; un-suspending an offline session
// that was active starts a fresh engine without an external Start call.
func (s *Session) SetSuspended(suspended bool) {
	s.mu.Lock()
	if !s.status.setFlag(FlagSuspended, suspended) {
		s.mu.Unlock()
		return
	}
	if suspended {
		s.logf("session %s: suspended", s.id)
	} else {
		s.logf("session %s: un-suspended", s.id)
	}
	var engine Engine
	if suspended {
		s.activeWhenSuspended = s.status.Level >= LevelConnecting
		if s.activeWhenSuspended {
			engine = s.engine
		}
	} else if s.status.Level == LevelOffline && s.activeWhenSuspended {
		if err := s.startLocked(); err != nil {
			s.logf("session %s: resume failed: %v", s.id, err)
		}
	}
	s.mu.Unlock()
	if engine != nil {
		engine.Stop()
	}
}

// Retry restarts an offline session, when the variant supports retrying.
// A suspended session publishes offline too, but only SetSuspended(false)
// may resume it; retries while suspended are dropped.
func (s *Session) Retry(resetBackoff bool) error {
	retryable, ok := s.variant.(RetryCapable)
	if !ok {
		return fmt.Errorf("%w: this session type cannot retry", ErrUnsupported)
	}
	if resetBackoff {
		retryable.ResetBackoff()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status.hasFlag(FlagSuspended) || s.status.Level != LevelOffline || s.engine != nil {
		return nil
	}
	return s.startLocked()
}

// SetHostReachable records a reachability hint. The flag always updates;
// reachability-aware variants additionally get told, so they can gate their
// retry policy on it.
func (s *Session) SetHostReachable(reachable bool) {
	s.mu.Lock()
	changed := s.status.setFlag(FlagHostReachable, reachable)
	s.mu.Unlock()
	if changed {
		s.logf("session %s: host reachable=%v", s.id, reachable)
	}
	if observer, ok := s.variant.(ReachabilityObserver); ok {
		observer.HandleHostReachable(reachable)
	}
}

// Detach permanently silences all client callbacks. Internal state keeps
// updating; only notification stops. Safe to call repeatedly.
func (s *Session) Detach() {
	s.slots.detach()
}

// Status returns a copy of the current status record.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// ResponseHeaders returns the headers captured from the current connection,
// or nil before the engine has connected.
func (s *Session) ResponseHeaders() http.Header {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.responseHeaders == nil {
		return nil
	}
	return s.responseHeaders.Clone()
}

// SetProperties replaces the options' property map. Allowed only while no
// engine instance is live; the next engine picks the new properties up.
func (s *Session) SetProperties(properties map[string]any) error {
	if err := ValidateProperties(properties); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.engine != nil {
		return ErrSessionActive
	}
	s.opts.Properties = properties
	return nil
}

// PendingDocumentIDs lists documents with local changes not yet replicated.
// A live engine answers from its in-memory view; otherwise a transient
// checkpoint reader answers from persisted state. Both paths agree for the
// same persisted checkpoint.
func (s *Session) PendingDocumentIDs() ([]string, error) {
	engine, spec, err := s.pendingQueryTarget()
	if err != nil {
		return nil, err
	}
	if engine != nil {
		return engine.PendingDocIDs()
	}
	reader, err := checkpoint.NewReader(spec, s.checkpoints)
	if err != nil {
		return nil, err
	}
	return reader.PendingDocIDs(s.store)
}

// IsDocumentPending reports whether one document has unreplicated local
// changes, with the same live/stopped split as PendingDocumentIDs.
func (s *Session) IsDocumentPending(docID string) (bool, error) {
	engine, spec, err := s.pendingQueryTarget()
	if err != nil {
		return false, err
	}
	if engine != nil {
		return engine.IsDocumentPending(docID)
	}
	reader, err := checkpoint.NewReader(spec, s.checkpoints)
	if err != nil {
		return false, err
	}
	return reader.IsDocumentPending(s.store, docID)
}

func (s *Session) pendingQueryTarget() (Engine, checkpoint.Spec, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.opts.Push == ModeOff {
		return nil, checkpoint.Spec{}, fmt.Errorf("%w: pending documents require a push replication", ErrUnsupported)
	}
	return s.engine, s.checkpointSpecLocked(), nil
}

func (s *Session) checkpointSpecLocked() checkpoint.Spec {
	return checkpoint.Spec{
		TargetURL: s.variant.TargetURL(),
		Push:      s.opts.Push.String(),
		Pull:      s.opts.Pull.String(),
		DocIDs:    append([]string(nil), s.opts.DocIDs...),
	}
}

// Close tears down a session that will not be used again: callbacks are
// detached and any live engine is terminated so it severs its own resources
// instead of lingering in a reference cycle.
func (s *Session) Close() error {
	s.Detach()
	s.mu.Lock()
	engine := s.engine
	s.engine = nil
	s.selfRetain = nil
	s.mu.Unlock()
	if engine != nil {
		engine.Terminate()
	}
	return nil
}

// ---- EngineDelegate

// EngineStatusChanged handles an engine status report: merge under lock,
// run the connected/stopped hooks, publish outside the lock, and only then
// release the self-retention if the published level is stopped.
func (s *Session) EngineStatusChanged(engine Engine, reported Status) {
	s.mu.Lock()
	if engine != s.engine {
		s.mu.Unlock()
		return
	}
	oldLevel := s.status.Level
	s.status.applyEngineReport(reported)
	if s.status.Level > LevelConnecting && oldLevel <= LevelConnecting {
		if observer, ok := s.variant.(ConnectedObserver); ok {
			observer.HandleConnected()
		}
	}
	tornDown := false
	if s.status.Level == LevelStopped {
		s.engine.Terminate()
		s.engine = nil
		tornDown = true
		if s.status.hasFlag(FlagSuspended) {
			// A suspend is a pause, not a stop: publish offline instead.
			s.status.Level = LevelOffline
		} else if observer, ok := s.variant.(StopObserver); ok {
			observer.HandleStopped(&s.status)
		}
	}
	published := s.status
	s.mu.Unlock()

	s.notifyStatusChanged(published)

	if tornDown {
		// Strictly after notification, so the session cannot lose its last
		// reference mid-callback.
		s.mu.Lock()
		s.selfRetain = nil
		s.mu.Unlock()
	}
}

// EngineResponseMetadata captures connection response headers, once per
// engine instance. A second delivery from the same instance violates the
// delegate contract and is reported, not overwritten.
func (s *Session) EngineResponseMetadata(engine Engine, httpStatus int, headers http.Header) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if engine != s.engine {
		return
	}
	if s.responseHeaders != nil {
		s.logf("session %s: engine delivered response headers twice (delegate contract violation)", s.id)
		return
	}
	s.responseHeaders = headers.Clone()
	s.logf("session %s: connected, HTTP %d", s.id, httpStatus)
}

// EngineDocumentsEnded splits a mixed batch by direction, outgoing first,
// preserving relative order within each partition, and invokes the
// documents-ended callback once per non-empty partition.
func (s *Session) EngineDocumentsEnded(engine Engine, docs []DocumentEnded) {
	s.mu.Lock()
	current := engine == s.engine
	callbackContext := s.opts.CallbackContext
	s.mu.Unlock()
	if !current {
		return
	}
	onDocsEnded := s.slots.loadDocumentsEnded()
	if onDocsEnded == nil {
		return
	}
	for _, pushing := range [2]bool{true, false} {
		var batch []DocumentEnded
		for _, doc := range docs {
			if (doc.Dir == DirPushing) == pushing {
				batch = append(batch, doc)
			}
		}
		if len(batch) > 0 {
			onDocsEnded(pushing, batch, callbackContext)
		}
	}
}

// EngineBlobProgress forwards attachment progress from the current engine
// instance to the blob-progress callback.
func (s *Session) EngineBlobProgress(engine Engine, progress BlobProgress) {
	s.mu.Lock()
	current := engine == s.engine
	callbackContext := s.opts.CallbackContext
	s.mu.Unlock()
	if !current {
		return
	}
	if onBlob := s.slots.loadBlobProgress(); onBlob != nil {
		onBlob(progress, callbackContext)
	}
}

// ---- notification

func (s *Session) notifyStatusChanged(published Status) {
	if s.logger != nil {
		percent := 0.0
		if published.Progress.UnitsTotal > 0 {
			percent = 100 * float64(published.Progress.UnitsCompleted) / float64(published.Progress.UnitsTotal)
		}
		if published.Err != nil {
			s.logf("session %s: state=%s progress=%.1f%% error=%v", s.id, published.Level, percent, published.Err)
		} else {
			s.logf("session %s: state=%s progress=%.1f%%", s.id, published.Level, percent)
		}
	}
	onStatusChanged := s.slots.loadStatusChanged()
	if onStatusChanged == nil {
		return
	}
	s.mu.Lock()
	callbackContext := s.opts.CallbackContext
	s.mu.Unlock()
	onStatusChanged(published, callbackContext)
}

func (s *Session) logf(format string, args ...any) {
	if s.logger == nil {
		return
	}
	s.logger.Printf(format, args...)
}

// retained reports whether the self-retention handle is held. Test hook.
func (s *Session) retained() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.selfRetain != nil
}
