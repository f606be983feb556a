package replsession

import (
	"errors"
	"net/http"
	"sync"
	"testing"

	"github.com/agentworkforce/relaysync/internal/checkpoint"
	"github.com/agentworkforce/relaysync/internal/localstore"
)

type fakeEngine struct {
	delegate EngineDelegate
	initial  Status

	mu             sync.Mutex
	startCalls     int
	stopCalls      int
	terminateCalls int

	pendingIDs []string
	pendingErr error
}

func (f *fakeEngine) Start() {
	f.mu.Lock()
	f.startCalls++
	f.mu.Unlock()
}

func (f *fakeEngine) Stop() {
	f.mu.Lock()
	f.stopCalls++
	f.mu.Unlock()
}

func (f *fakeEngine) Terminate() {
	f.mu.Lock()
	f.terminateCalls++
	f.mu.Unlock()
}

func (f *fakeEngine) Status() Status { return f.initial }

func (f *fakeEngine) PendingDocIDs() ([]string, error) {
	return f.pendingIDs, f.pendingErr
}

func (f *fakeEngine) IsDocumentPending(docID string) (bool, error) {
	for _, id := range f.pendingIDs {
		if id == docID {
			return true, f.pendingErr
		}
	}
	return false, f.pendingErr
}

func (f *fakeEngine) report(status Status) {
	f.delegate.EngineStatusChanged(f, status)
}

func (f *fakeEngine) counts() (starts, stops, terminates int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.startCalls, f.stopCalls, f.terminateCalls
}

// fakeVariant records engine construction and capability hook invocations.
type fakeVariant struct {
	mu             sync.Mutex
	engines        []*fakeEngine
	newEngineErr   error
	connectedCalls int
	stoppedCalls   int
	resetCalls     int
	reachableCalls []bool
	rewriteOffline bool
}

func (v *fakeVariant) NewEngine(opts Options, delegate EngineDelegate) (Engine, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.newEngineErr != nil {
		return nil, v.newEngineErr
	}
	engine := &fakeEngine{
		delegate: delegate,
		initial:  Status{Level: LevelConnecting},
	}
	v.engines = append(v.engines, engine)
	return engine, nil
}

func (v *fakeVariant) TargetURL() string { return "ws://example.test/db" }

func (v *fakeVariant) ResetBackoff() {
	v.mu.Lock()
	v.resetCalls++
	v.mu.Unlock()
}

func (v *fakeVariant) HandleConnected() {
	v.connectedCalls++ // session lock held, no self-locking here
}

func (v *fakeVariant) HandleStopped(status *Status) {
	v.stoppedCalls++
	if v.rewriteOffline && status.Err != nil {
		status.Level = LevelOffline
	}
}

func (v *fakeVariant) HandleHostReachable(reachable bool) {
	v.mu.Lock()
	v.reachableCalls = append(v.reachableCalls, reachable)
	v.mu.Unlock()
}

func (v *fakeVariant) engine(t *testing.T, index int) *fakeEngine {
	t.Helper()
	v.mu.Lock()
	defer v.mu.Unlock()
	if index >= len(v.engines) {
		t.Fatalf("engine %d never built (have %d)", index, len(v.engines))
	}
	return v.engines[index]
}

func (v *fakeVariant) engineCount() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.engines)
}

// minimalVariant has no optional capabilities at all.
type minimalVariant struct{ inner fakeVariant }

func (v *minimalVariant) NewEngine(opts Options, delegate EngineDelegate) (Engine, error) {
	return v.inner.NewEngine(opts, delegate)
}

func (v *minimalVariant) TargetURL() string { return v.inner.TargetURL() }

type statusRecord struct {
	status Status
	ctx    any
}

type sessionHarness struct {
	session  *Session
	variant  *fakeVariant
	store    *localstore.MemoryStore
	backend  *checkpoint.MemoryBackend
	mu       sync.Mutex
	statuses []statusRecord
	docBatch [][]DocumentEnded
	pushing  []bool
	blobs    []BlobProgress
}

func newHarness(t *testing.T, opts Options) *sessionHarness {
	t.Helper()
	h := &sessionHarness{
		variant: &fakeVariant{},
		store:   localstore.NewMemoryStore(),
		backend: checkpoint.NewMemoryBackend(),
	}
	session, err := NewSession(Config{
		Options:     opts,
		Variant:     h.variant,
		Store:       h.store,
		Checkpoints: h.backend,
		OnStatusChanged: func(status Status, ctx any) {
			h.mu.Lock()
			h.statuses = append(h.statuses, statusRecord{status: status, ctx: ctx})
			h.mu.Unlock()
		},
		OnDocumentsEnded: func(pushing bool, docs []DocumentEnded, _ any) {
			h.mu.Lock()
			h.pushing = append(h.pushing, pushing)
			h.docBatch = append(h.docBatch, append([]DocumentEnded(nil), docs...))
			h.mu.Unlock()
		},
		OnBlobProgress: func(progress BlobProgress, _ any) {
			h.mu.Lock()
			h.blobs = append(h.blobs, progress)
			h.mu.Unlock()
		},
	})
	if err != nil {
		t.Fatalf("NewSession failed: %v", err)
	}
	h.session = session
	return h
}

func (h *sessionHarness) statusCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.statuses)
}

func (h *sessionHarness) lastStatus(t *testing.T) Status {
	t.Helper()
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.statuses) == 0 {
		t.Fatal("no status notifications recorded")
	}
	return h.statuses[len(h.statuses)-1].status
}

func TestNewSessionValidation(t *testing.T) {
	_, err := NewSession(Config{})
	if !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}

	_, err = NewSession(Config{
		Options:     Options{Properties: map[string]any{"batchSize": "not a number"}},
		Variant:     &fakeVariant{},
		Store:       localstore.NewMemoryStore(),
		Checkpoints: checkpoint.NewMemoryBackend(),
	})
	var propErr *PropertiesError
	if !errors.As(err, &propErr) {
		t.Fatalf("expected PropertiesError, got %v", err)
	}
	if !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("PropertiesError should match ErrInvalidInput, got %v", err)
	}
}

func TestInitialStatus(t *testing.T) {
	h := newHarness(t, Options{Push: ModeOneShot})
	status := h.session.Status()
	if status.Level != LevelStopped {
		t.Fatalf("initial level = %v, want stopped", status.Level)
	}
	if !status.HostReachable() {
		t.Fatal("host should be presumed reachable initially")
	}
	if status.Suspended() {
		t.Fatal("session should not start suspended")
	}
}

func TestStartIsIdempotent(t *testing.T) {
	h := newHarness(t, Options{Push: ModeOneShot})
	if err := h.session.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := h.session.Start(); err != nil {
		t.Fatalf("redundant Start failed: %v", err)
	}
	if h.variant.engineCount() != 1 {
		t.Fatalf("engines built = %d, want 1", h.variant.engineCount())
	}
	starts, _, _ := h.variant.engine(t, 0).counts()
	if starts != 1 {
		t.Fatalf("engine.Start calls = %d, want 1", starts)
	}
	if got := h.session.Status().Level; got != LevelConnecting {
		t.Fatalf("level after start = %v, want connecting", got)
	}
	if !h.session.retained() {
		t.Fatal("session must self-retain while an engine is live")
	}
	if !h.session.Status().HostReachable() {
		t.Fatal("flags must survive the engine's initial status report")
	}
}

func TestStartEngineConstructionError(t *testing.T) {
	h := newHarness(t, Options{Push: ModeOneShot})
	boom := errors.New("no engine for you")
	h.variant.newEngineErr = boom
	if err := h.session.Start(); !errors.Is(err, boom) {
		t.Fatalf("Start error = %v, want %v", err, boom)
	}
	if h.session.retained() {
		t.Fatal("failed start must not retain the session")
	}
}

func TestStopAsksEngineAndIsIdempotent(t *testing.T) {
	h := newHarness(t, Options{Push: ModeOneShot})
	if err := h.session.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	h.session.Stop()
	h.session.Stop()
	_, stops, _ := h.variant.engine(t, 0).counts()
	if stops != 2 {
		// Stop on a live engine always forwards; the engine is the one that
		// makes redundant stops harmless.
		t.Fatalf("engine.Stop calls = %d, want 2", stops)
	}
	if got := h.session.Status().Level; got != LevelConnecting {
		t.Fatalf("level must not change until the engine reports, got %v", got)
	}
}

func TestEngineRunToStoppedWithError(t *testing.T) {
	h := newHarness(t, Options{Push: ModeOneShot})
	if err := h.session.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	engine := h.variant.engine(t, 0)

	engine.report(Status{Level: LevelBusy, Progress: Progress{UnitsCompleted: 5, UnitsTotal: 10}})
	if got := h.lastStatus(t); got.Level != LevelBusy || got.Progress.UnitsCompleted != 5 || got.Progress.UnitsTotal != 10 {
		t.Fatalf("busy notification = %+v", got)
	}

	boom := errors.New("connection reset")
	engine.report(Status{Level: LevelStopped, Err: boom})

	final := h.lastStatus(t)
	if final.Level != LevelStopped || !errors.Is(final.Err, boom) {
		t.Fatalf("final status = %+v", final)
	}
	_, _, terminates := engine.counts()
	if terminates != 1 {
		t.Fatalf("engine.Terminate calls = %d, want 1", terminates)
	}
	if h.session.retained() {
		t.Fatal("retention must be released after the terminal notification")
	}
	if h.variant.stoppedCalls != 1 {
		t.Fatalf("HandleStopped calls = %d, want 1", h.variant.stoppedCalls)
	}
}

func TestRetentionReleasedAfterTerminalNotification(t *testing.T) {
	var variant fakeVariant
	store := localstore.NewMemoryStore()
	backend := checkpoint.NewMemoryBackend()
	retainedDuringCallback := make(chan bool, 1)
	var session *Session
	var err error
	session, err = NewSession(Config{
		Options:     Options{Push: ModeOneShot},
		Variant:     &variant,
		Store:       store,
		Checkpoints: backend,
		OnStatusChanged: func(status Status, _ any) {
			if status.Level == LevelStopped {
				retainedDuringCallback <- session.retained()
			}
		},
	})
	if err != nil {
		t.Fatalf("NewSession failed: %v", err)
	}
	if err := session.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	variant.engine(t, 0).report(Status{Level: LevelStopped})
	if got := <-retainedDuringCallback; !got {
		t.Fatal("session lost its retention before the stopped notification was delivered")
	}
	if session.retained() {
		t.Fatal("retention must be released after notification")
	}
}

func TestStaleEngineEventsDropped(t *testing.T) {
	h := newHarness(t, Options{Push: ModeOneShot})
	if err := h.session.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	stale := h.variant.engine(t, 0)
	stale.report(Status{Level: LevelStopped})
	notifications := h.statusCount()

	stale.report(Status{Level: LevelBusy})
	stale.delegate.EngineResponseMetadata(stale, 200, http.Header{"X-Late": []string{"yes"}})
	stale.delegate.EngineDocumentsEnded(stale, []DocumentEnded{{DocID: "doc1", Dir: DirPushing}})
	stale.delegate.EngineBlobProgress(stale, BlobProgress{DocID: "doc1"})

	if h.statusCount() != notifications {
		t.Fatal("stale engine produced a status notification")
	}
	if got := h.session.Status().Level; got != LevelStopped {
		t.Fatalf("stale report changed the level to %v", got)
	}
	if h.session.ResponseHeaders() != nil {
		t.Fatal("stale engine delivered response headers")
	}
	h.mu.Lock()
	docBatches, blobs := len(h.docBatch), len(h.blobs)
	h.mu.Unlock()
	if docBatches != 0 || blobs != 0 {
		t.Fatal("stale engine delivered document or blob events")
	}
}

func TestSuspendStopsEngineAndPublishesOffline(t *testing.T) {
	h := newHarness(t, Options{Push: ModeContinuous})
	if err := h.session.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	engine := h.variant.engine(t, 0)

	h.session.SetSuspended(true)
	_, stops, _ := engine.counts()
	if stops != 1 {
		t.Fatalf("suspend should stop the engine, stops = %d", stops)
	}

	engine.report(Status{Level: LevelStopped})
	status := h.lastStatus(t)
	if status.Level != LevelOffline {
		t.Fatalf("suspended stop published %v, want offline", status.Level)
	}
	if !status.Suspended() {
		t.Fatal("suspended flag lost")
	}
	if h.session.retained() {
		t.Fatal("retention must be released once the engine instance terminated")
	}
	if h.variant.stoppedCalls != 0 {
		t.Fatal("HandleStopped must not fire for a suspension")
	}

	h.session.SetSuspended(false)
	if h.variant.engineCount() != 2 {
		t.Fatalf("un-suspend should start a fresh engine, engines = %d", h.variant.engineCount())
	}
	if got := h.session.Status().Level; got != LevelConnecting {
		t.Fatalf("level after resume = %v, want connecting", got)
	}
}

func TestSuspendWhileInactiveDoesNotRestart(t *testing.T) {
	h := newHarness(t, Options{Push: ModeOneShot})
	h.session.SetSuspended(true)
	h.session.SetSuspended(false)
	if h.variant.engineCount() != 0 {
		t.Fatalf("suspend cycle on an inactive session built %d engines", h.variant.engineCount())
	}
}

func TestRedundantSuspendIsNoOp(t *testing.T) {
	h := newHarness(t, Options{Push: ModeContinuous})
	if err := h.session.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	h.session.SetSuspended(true)
	h.session.SetSuspended(true)
	_, stops, _ := h.variant.engine(t, 0).counts()
	if stops != 1 {
		t.Fatalf("redundant suspend stopped the engine again, stops = %d", stops)
	}
}

func TestExplicitStopWhileOffline(t *testing.T) {
	h := newHarness(t, Options{Push: ModeContinuous})
	if err := h.session.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	h.session.SetSuspended(true)
	h.variant.engine(t, 0).report(Status{Level: LevelStopped})

	h.session.Stop()
	status := h.lastStatus(t)
	if status.Level != LevelStopped {
		t.Fatalf("explicit stop published %v, want stopped", status.Level)
	}
	if status.Progress != (Progress{}) {
		t.Fatalf("stop must clear progress, got %+v", status.Progress)
	}
	if h.session.retained() {
		t.Fatal("explicit stop must release retention")
	}

	notifications := h.statusCount()
	h.session.Stop()
	if h.statusCount() != notifications {
		t.Fatal("stopping a stopped session must not notify")
	}
}

func TestRetryRequiresCapability(t *testing.T) {
	variant := &minimalVariant{}
	session, err := NewSession(Config{
		Options:     Options{Push: ModeContinuous},
		Variant:     variant,
		Store:       localstore.NewMemoryStore(),
		Checkpoints: checkpoint.NewMemoryBackend(),
	})
	if err != nil {
		t.Fatalf("NewSession failed: %v", err)
	}
	if err := session.Retry(false); !errors.Is(err, ErrUnsupported) {
		t.Fatalf("Retry error = %v, want ErrUnsupported", err)
	}
}

func TestRetryRestartsOnlyWhenOffline(t *testing.T) {
	h := newHarness(t, Options{Push: ModeContinuous})
	if err := h.session.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	// Busy session: retry is a silent no-op.
	if err := h.session.Retry(true); err != nil {
		t.Fatalf("Retry on live session = %v", err)
	}
	if h.variant.resetCalls != 1 {
		t.Fatalf("ResetBackoff calls = %d, want 1", h.variant.resetCalls)
	}
	if h.variant.engineCount() != 1 {
		t.Fatal("retry on a live session must not build an engine")
	}

	// Push the session offline through a rewritten transient stop.
	h.variant.rewriteOffline = true
	h.variant.engine(t, 0).report(Status{Level: LevelStopped, Err: errors.New("transient")})
	if got := h.session.Status().Level; got != LevelOffline {
		t.Fatalf("level = %v, want offline", got)
	}
	if h.session.retained() {
		t.Fatal("retention must be released with the engine gone")
	}

	if err := h.session.Retry(false); err != nil {
		t.Fatalf("Retry failed: %v", err)
	}
	if h.variant.engineCount() != 2 {
		t.Fatalf("retry should build a fresh engine, engines = %d", h.variant.engineCount())
	}
}

func TestRetryIgnoredWhileSuspended(t *testing.T) {
	h := newHarness(t, Options{Push: ModeContinuous})
	if err := h.session.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	engine := h.variant.engine(t, 0)
	engine.report(Status{Level: LevelBusy})
	h.session.SetSuspended(true)
	engine.report(Status{Level: LevelStopped})
	if got := h.session.Status(); got.Level != LevelOffline || !got.Suspended() {
		t.Fatalf("after suspended stop: %+v", got)
	}

	// A leftover backoff timer or a reachability event lands here; only
	// SetSuspended(false) may resume.
	if err := h.session.Retry(false); err != nil {
		t.Fatalf("Retry failed: %v", err)
	}
	h.session.SetHostReachable(true)
	if err := h.session.Retry(true); err != nil {
		t.Fatalf("Retry failed: %v", err)
	}
	if h.variant.engineCount() != 1 {
		t.Fatalf("suspended session restarted, engines = %d", h.variant.engineCount())
	}
	if got := h.session.Status(); got.Level != LevelOffline || !got.Suspended() {
		t.Fatalf("retry disturbed a suspended session: %+v", got)
	}

	h.session.SetSuspended(false)
	if h.variant.engineCount() != 2 {
		t.Fatalf("un-suspend should still resume, engines = %d", h.variant.engineCount())
	}
}

func TestConnectedHookFiresPerEngineInstance(t *testing.T) {
	h := newHarness(t, Options{Push: ModeContinuous})
	if err := h.session.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	engine := h.variant.engine(t, 0)
	engine.report(Status{Level: LevelBusy})
	engine.report(Status{Level: LevelIdle})
	if h.variant.connectedCalls != 1 {
		t.Fatalf("connected calls = %d, want 1 for the first crossing", h.variant.connectedCalls)
	}

	h.session.SetSuspended(true)
	engine.report(Status{Level: LevelStopped})
	h.session.SetSuspended(false)
	h.variant.engine(t, 1).report(Status{Level: LevelBusy})
	if h.variant.connectedCalls != 2 {
		t.Fatalf("connected calls = %d, want 2 after a fresh engine connects", h.variant.connectedCalls)
	}
}

func TestSetHostReachable(t *testing.T) {
	h := newHarness(t, Options{Push: ModeContinuous})
	h.session.SetHostReachable(false)
	if h.session.Status().HostReachable() {
		t.Fatal("reachability flag should be cleared")
	}
	h.session.SetHostReachable(true)
	if !h.session.Status().HostReachable() {
		t.Fatal("reachability flag should be set")
	}
	h.variant.mu.Lock()
	calls := append([]bool(nil), h.variant.reachableCalls...)
	h.variant.mu.Unlock()
	if len(calls) != 2 || calls[0] || !calls[1] {
		t.Fatalf("observer calls = %v, want [false true]", calls)
	}
}

func TestDetachSilencesCallbacksButKeepsState(t *testing.T) {
	h := newHarness(t, Options{Push: ModeOneShot})
	if err := h.session.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	h.session.Detach()
	h.session.Detach() // repeat is harmless

	engine := h.variant.engine(t, 0)
	engine.report(Status{Level: LevelBusy})
	engine.delegate.EngineDocumentsEnded(engine, []DocumentEnded{{DocID: "doc1", Dir: DirPushing}})
	engine.delegate.EngineBlobProgress(engine, BlobProgress{DocID: "doc1"})

	if h.statusCount() != 0 {
		t.Fatal("detached session invoked the status callback")
	}
	h.mu.Lock()
	docBatches, blobs := len(h.docBatch), len(h.blobs)
	h.mu.Unlock()
	if docBatches != 0 || blobs != 0 {
		t.Fatal("detached session invoked document or blob callbacks")
	}
	if got := h.session.Status().Level; got != LevelBusy {
		t.Fatalf("internal state must keep updating after detach, level = %v", got)
	}
}

func TestDocumentsEndedPartitionedOutgoingFirst(t *testing.T) {
	h := newHarness(t, Options{Push: ModeOneShot, Pull: ModeOneShot})
	if err := h.session.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	engine := h.variant.engine(t, 0)
	engine.delegate.EngineDocumentsEnded(engine, []DocumentEnded{
		{DocID: "pull-a", Dir: DirPulling},
		{DocID: "push-a", Dir: DirPushing},
		{DocID: "pull-b", Dir: DirPulling},
		{DocID: "push-b", Dir: DirPushing},
	})

	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.docBatch) != 2 {
		t.Fatalf("batches = %d, want 2", len(h.docBatch))
	}
	if !h.pushing[0] || h.pushing[1] {
		t.Fatalf("batch directions = %v, want outgoing first", h.pushing)
	}
	if h.docBatch[0][0].DocID != "push-a" || h.docBatch[0][1].DocID != "push-b" {
		t.Fatalf("outgoing batch order = %+v", h.docBatch[0])
	}
	if h.docBatch[1][0].DocID != "pull-a" || h.docBatch[1][1].DocID != "pull-b" {
		t.Fatalf("incoming batch order = %+v", h.docBatch[1])
	}
}

func TestDocumentsEndedSingleDirection(t *testing.T) {
	h := newHarness(t, Options{Push: ModeOneShot})
	if err := h.session.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	engine := h.variant.engine(t, 0)
	engine.delegate.EngineDocumentsEnded(engine, []DocumentEnded{
		{DocID: "push-a", Dir: DirPushing},
	})
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.docBatch) != 1 {
		t.Fatalf("a single-direction batch must produce one invocation, got %d", len(h.docBatch))
	}
}

func TestResponseMetadataKeptOncePerConnection(t *testing.T) {
	h := newHarness(t, Options{Push: ModeOneShot})
	if err := h.session.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	engine := h.variant.engine(t, 0)
	first := http.Header{"Server": []string{"sync-target/1.0"}}
	engine.delegate.EngineResponseMetadata(engine, 101, first)
	engine.delegate.EngineResponseMetadata(engine, 101, http.Header{"Server": []string{"imposter/2.0"}})

	headers := h.session.ResponseHeaders()
	if got := headers.Get("Server"); got != "sync-target/1.0" {
		t.Fatalf("headers = %q, want the first delivery kept", got)
	}
	// The returned headers are a copy.
	headers.Set("Server", "mutated")
	if got := h.session.ResponseHeaders().Get("Server"); got != "sync-target/1.0" {
		t.Fatalf("caller mutation leaked into the session, headers = %q", got)
	}
}

func TestResponseHeadersClearedOnRestart(t *testing.T) {
	h := newHarness(t, Options{Push: ModeContinuous})
	if err := h.session.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	engine := h.variant.engine(t, 0)
	engine.delegate.EngineResponseMetadata(engine, 101, http.Header{"Server": []string{"sync-target/1.0"}})

	h.session.SetSuspended(true)
	engine.report(Status{Level: LevelStopped})
	h.session.SetSuspended(false)

	if h.session.ResponseHeaders() != nil {
		t.Fatal("a fresh engine instance must start with no response headers")
	}
}

func TestSetProperties(t *testing.T) {
	h := newHarness(t, Options{Push: ModeOneShot})

	if err := h.session.SetProperties(map[string]any{"batchSize": 0}); err == nil {
		t.Fatal("schema violation accepted")
	}
	if err := h.session.SetProperties(map[string]any{"batchSize": 25}); err != nil {
		t.Fatalf("valid properties rejected: %v", err)
	}

	if err := h.session.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := h.session.SetProperties(map[string]any{"batchSize": 50}); !errors.Is(err, ErrSessionActive) {
		t.Fatalf("SetProperties on live session = %v, want ErrSessionActive", err)
	}

	h.variant.engine(t, 0).report(Status{Level: LevelStopped})
	if err := h.session.SetProperties(map[string]any{"batchSize": 50}); err != nil {
		t.Fatalf("SetProperties after stop failed: %v", err)
	}
}

func TestPendingRequiresPushReplication(t *testing.T) {
	h := newHarness(t, Options{Pull: ModeOneShot})
	if _, err := h.session.PendingDocumentIDs(); !errors.Is(err, ErrUnsupported) {
		t.Fatalf("PendingDocumentIDs error = %v, want ErrUnsupported", err)
	}
	if _, err := h.session.IsDocumentPending("doc1"); !errors.Is(err, ErrUnsupported) {
		t.Fatalf("IsDocumentPending error = %v, want ErrUnsupported", err)
	}
}

func TestPendingBridgesLiveEngineAndCheckpointReader(t *testing.T) {
	h := newHarness(t, Options{Push: ModeOneShot})
	if _, err := h.store.Put("doc1", []byte(`{"n":1}`)); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if _, err := h.store.Put("doc2", []byte(`{"n":2}`)); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	// No engine: the checkpoint reader answers from persisted state.
	ids, err := h.session.PendingDocumentIDs()
	if err != nil {
		t.Fatalf("PendingDocumentIDs failed: %v", err)
	}
	if len(ids) != 2 {
		t.Fatalf("pending = %v, want both documents", ids)
	}

	// Live engine: its in-memory view wins.
	if err := h.session.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	h.variant.engine(t, 0).pendingIDs = []string{"doc2"}
	ids, err = h.session.PendingDocumentIDs()
	if err != nil {
		t.Fatalf("PendingDocumentIDs failed: %v", err)
	}
	if len(ids) != 1 || ids[0] != "doc2" {
		t.Fatalf("pending from live engine = %v, want [doc2]", ids)
	}
	pending, err := h.session.IsDocumentPending("doc2")
	if err != nil || !pending {
		t.Fatalf("IsDocumentPending(doc2) = %v, %v", pending, err)
	}

	// Back to the reader after the engine stops, honoring the checkpoint.
	h.variant.engine(t, 0).report(Status{Level: LevelStopped})
	spec := checkpoint.Spec{
		TargetURL: h.variant.TargetURL(),
		Push:      ModeOneShot.String(),
		Pull:      ModeOff.String(),
	}
	if err := h.backend.Save(spec.Key(), &checkpoint.State{LocalSequence: 1}); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	ids, err = h.session.PendingDocumentIDs()
	if err != nil {
		t.Fatalf("PendingDocumentIDs failed: %v", err)
	}
	if len(ids) != 1 || ids[0] != "doc2" {
		t.Fatalf("pending past checkpoint = %v, want [doc2]", ids)
	}
	pending, err = h.session.IsDocumentPending("doc1")
	if err != nil || pending {
		t.Fatalf("IsDocumentPending(doc1) = %v, %v, want false past checkpoint", pending, err)
	}
}

func TestCallbackContextPassedThrough(t *testing.T) {
	type marker struct{ name string }
	sentinel := &marker{name: "ctx"}
	h := newHarness(t, Options{Push: ModeOneShot, CallbackContext: sentinel})
	if err := h.session.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	h.variant.engine(t, 0).report(Status{Level: LevelBusy})
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.statuses) == 0 || h.statuses[len(h.statuses)-1].ctx != sentinel {
		t.Fatal("callback context was not passed through")
	}
}

func TestBlobProgressForwarded(t *testing.T) {
	h := newHarness(t, Options{Pull: ModeOneShot, Push: ModeOneShot})
	if err := h.session.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	engine := h.variant.engine(t, 0)
	engine.delegate.EngineBlobProgress(engine, BlobProgress{
		Dir:            DirPulling,
		DocID:          "doc1",
		Key:            "blob-key",
		BytesCompleted: 10,
		BytesTotal:     100,
	})
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.blobs) != 1 || h.blobs[0].Key != "blob-key" {
		t.Fatalf("blob progress = %+v", h.blobs)
	}
}

func TestCloseTerminatesEngine(t *testing.T) {
	h := newHarness(t, Options{Push: ModeOneShot})
	if err := h.session.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	engine := h.variant.engine(t, 0)
	if err := h.session.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	_, _, terminates := engine.counts()
	if terminates != 1 {
		t.Fatalf("Close should terminate the engine, terminates = %d", terminates)
	}
	if h.session.retained() {
		t.Fatal("Close must drop the retention")
	}
	engine.report(Status{Level: LevelBusy})
	if h.statusCount() != 0 {
		t.Fatal("events after Close must be dropped")
	}
}
