// Package wsengine is a websocket replication engine. It pushes local
// document changes to a remote endpoint, applies pulled changes, and
// persists replication progress through a checkpoint backend. The session
// controller drives it through the replsession.Engine interface.
package wsengine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/agentworkforce/relaysync/internal/checkpoint"
	"github.com/agentworkforce/relaysync/internal/localstore"
	"github.com/agentworkforce/relaysync/internal/replsession"
)

const (
	defaultBatchSize = 50
	idleWakeInterval = 5 * time.Second
)

// Config assembles one engine instance.
type Config struct {
	URL         string
	Options     replsession.Options
	Delegate    replsession.EngineDelegate
	Store       localstore.Store
	Checkpoints checkpoint.Backend
	Logger      replsession.Logger

	// StorePath, when set, is watched for writes so continuous push wakes
	// immediately instead of on the next poll tick.
	StorePath string

	// HTTPClient overrides the client used for the websocket handshake.
	HTTPClient *http.Client
}

// frame is the wire message exchanged with the remote endpoint, in both
// directions. Type selects which fields are meaningful.
type frame struct {
	Type     string          `json:"type"`
	DocID    string          `json:"docId,omitempty"`
	RevID    string          `json:"revId,omitempty"`
	Sequence uint64          `json:"sequence,omitempty"`
	Deleted  bool            `json:"deleted,omitempty"`
	Body     json.RawMessage `json:"body,omitempty"`
	Message  string          `json:"message,omitempty"`

	// hello fields
	Since  uint64   `json:"since,omitempty"`
	Push   string   `json:"push,omitempty"`
	Pull   string   `json:"pull,omitempty"`
	DocIDs []string `json:"docIds,omitempty"`

	// blob fields
	Dir            string `json:"dir,omitempty"`
	DocProperty    string `json:"docProperty,omitempty"`
	BlobKey        string `json:"blobKey,omitempty"`
	BytesCompleted uint64 `json:"bytesCompleted,omitempty"`
	BytesTotal     uint64 `json:"bytesTotal,omitempty"`
}

const (
	frameHello    = "hello"
	frameRev      = "rev"
	frameAck      = "ack"
	frameCaughtUp = "caughtUp"
	frameBlob     = "blob"
	frameError    = "error"
)

// Engine replicates one session's documents over a websocket connection.
// Start spawns the run loop; all delegate events come from that goroutine
// and its reader companion.
type Engine struct {
	cfg  Config
	spec checkpoint.Spec

	ctx    context.Context
	cancel context.CancelFunc
	wake   chan struct{}

	mu        sync.Mutex
	delegate  replsession.EngineDelegate
	status    replsession.Status
	lastAcked uint64
	inFlight  map[uint64]replsession.DocumentEnded
	pulled    map[uint64]struct{}
	pushDone  bool
	caughtUp  bool
	finished  bool
	started   bool
}

func New(cfg Config) (*Engine, error) {
	if cfg.URL == "" || cfg.Delegate == nil || cfg.Store == nil || cfg.Checkpoints == nil {
		return nil, errors.New("wsengine: incomplete config")
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		cfg: cfg,
		spec: checkpoint.Spec{
			TargetURL: cfg.URL,
			Push:      cfg.Options.Push.String(),
			Pull:      cfg.Options.Pull.String(),
			DocIDs:    append([]string(nil), cfg.Options.DocIDs...),
		},
		ctx:      ctx,
		cancel:   cancel,
		wake:     make(chan struct{}, 1),
		delegate: cfg.Delegate,
		status:   replsession.Status{Level: replsession.LevelConnecting},
		inFlight: map[uint64]replsession.DocumentEnded{},
		pulled:   map[uint64]struct{}{},
	}, nil
}

// Start launches the replication run loop. Calling it twice is a no-op.
func (e *Engine) Start() {
	e.mu.Lock()
	if e.started {
		e.mu.Unlock()
		return
	}
	e.started = true
	e.mu.Unlock()
	go e.run()
}

// Stop requests a graceful shutdown. The stopped status arrives through the
// delegate once the run loop unwinds.
func (e *Engine) Stop() {
	e.cancel()
}

// Terminate severs the delegate and aborts the connection. No events are
// delivered after Terminate returns.
func (e *Engine) Terminate() {
	e.mu.Lock()
	e.delegate = nil
	e.mu.Unlock()
	e.cancel()
}

func (e *Engine) Status() replsession.Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.status
}

// PendingDocIDs lists local documents past the last acknowledged sequence,
// excluding changes this engine itself pulled in. The answer matches what a
// checkpoint reader would compute from the persisted state.
func (e *Engine) PendingDocIDs() ([]string, error) {
	e.mu.Lock()
	since := e.lastAcked
	pulled := make(map[uint64]struct{}, len(e.pulled))
	for seq := range e.pulled {
		pulled[seq] = struct{}{}
	}
	e.mu.Unlock()

	docs, err := e.cfg.Store.DocsSince(since)
	if err != nil {
		return nil, err
	}
	filter := docIDSet(e.cfg.Options.DocIDs)
	ids := make([]string, 0, len(docs))
	for _, doc := range docs {
		if _, ok := pulled[doc.Sequence]; ok {
			continue
		}
		if filter != nil {
			if _, ok := filter[doc.ID]; !ok {
				continue
			}
		}
		ids = append(ids, doc.ID)
	}
	return ids, nil
}

func (e *Engine) IsDocumentPending(docID string) (bool, error) {
	if filter := docIDSet(e.cfg.Options.DocIDs); filter != nil {
		if _, ok := filter[docID]; !ok {
			return false, nil
		}
	}
	doc, err := e.cfg.Store.Document(docID)
	if err == localstore.ErrNotFound {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.pulled[doc.Sequence]; ok {
		return false, nil
	}
	return doc.Sequence > e.lastAcked, nil
}

// ---- run loop

func (e *Engine) run() {
	state, err := e.cfg.Checkpoints.Load(e.spec.Key())
	if err != nil {
		e.finish(fmt.Errorf("load checkpoint: %w", err))
		return
	}
	if state != nil {
		e.mu.Lock()
		e.lastAcked = state.LocalSequence
		e.mu.Unlock()
	}

	conn, resp, err := websocket.Dial(e.ctx, e.cfg.URL, &websocket.DialOptions{
		HTTPClient: e.cfg.HTTPClient,
		HTTPHeader: e.dialHeaders(),
	})
	if resp != nil {
		if delegate := e.loadDelegate(); delegate != nil {
			delegate.EngineResponseMetadata(e, resp.StatusCode, resp.Header)
		}
	}
	if err != nil {
		e.finish(fmt.Errorf("connect %s: %w", e.cfg.URL, err))
		return
	}
	defer conn.Close(websocket.StatusInternalError, "engine torn down")

	hello := frame{
		Type:   frameHello,
		Since:  e.checkpointSequence(),
		Push:   e.cfg.Options.Push.String(),
		Pull:   e.cfg.Options.Pull.String(),
		DocIDs: e.cfg.Options.DocIDs,
	}
	if err := wsjson.Write(e.ctx, conn, hello); err != nil {
		e.finish(fmt.Errorf("send hello: %w", err))
		return
	}

	go e.readLoop(conn)
	if heartbeat := e.heartbeatInterval(); heartbeat > 0 {
		go e.heartbeatLoop(conn, heartbeat)
	}

	var stopWatch func()
	if e.cfg.StorePath != "" && e.cfg.Options.Push == replsession.ModeContinuous {
		stopWatch, err = watchStorePath(e.ctx, e.cfg.StorePath, e.cfg.Logger, e.wake)
		if err != nil {
			e.logf("engine %s: change watch unavailable, polling instead: %v", e.cfg.URL, err)
		} else {
			defer stopWatch()
		}
	}

	ticker := time.NewTicker(idleWakeInterval)
	defer ticker.Stop()

	for {
		if e.cfg.Options.Push != replsession.ModeOff {
			if err := e.pushPass(conn); err != nil {
				e.finish(err)
				return
			}
		} else {
			e.mu.Lock()
			e.pushDone = true
			e.mu.Unlock()
		}
		if e.maybeIdleOrDone(conn) {
			return
		}
		select {
		case <-e.ctx.Done():
			e.finishGraceful(conn)
			return
		case <-e.wake:
		case <-ticker.C:
		}
	}
}

// pushPass sends every unreplicated local change, oldest first, in batches.
func (e *Engine) pushPass(conn *websocket.Conn) error {
	batchSize := e.batchSize()
	filter := docIDSet(e.cfg.Options.DocIDs)
	for {
		e.mu.Lock()
		since := e.lastAcked
		e.mu.Unlock()

		docs, err := e.cfg.Store.DocsSince(since)
		if err != nil {
			return fmt.Errorf("scan changes: %w", err)
		}
		sent := 0
		for _, doc := range docs {
			e.mu.Lock()
			_, isPulled := e.pulled[doc.Sequence]
			_, isInFlight := e.inFlight[doc.Sequence]
			e.mu.Unlock()
			if isPulled || isInFlight {
				continue
			}
			if filter != nil {
				if _, ok := filter[doc.ID]; !ok {
					continue
				}
			}
			if err := e.sendRev(conn, doc); err != nil {
				return err
			}
			sent++
			if sent >= batchSize {
				break
			}
		}
		if sent == 0 {
			e.mu.Lock()
			drained := len(e.inFlight) == 0
			if drained {
				e.pushDone = true
			}
			e.mu.Unlock()
			if drained {
				return nil
			}
			// Acks outstanding. Wait for the reader to drain them.
			select {
			case <-e.ctx.Done():
				return nil
			case <-e.wake:
			case <-time.After(idleWakeInterval):
			}
			continue
		}
		e.setLevel(replsession.LevelBusy)
	}
}

func (e *Engine) sendRev(conn *websocket.Conn, doc localstore.Document) error {
	ctx, cancel := context.WithTimeout(e.ctx, 30*time.Second)
	defer cancel()
	err := wsjson.Write(ctx, conn, frame{
		Type:     frameRev,
		DocID:    doc.ID,
		Sequence: doc.Sequence,
		Deleted:  doc.Deleted,
		Body:     json.RawMessage(doc.Body),
	})
	if err != nil {
		return fmt.Errorf("push %s: %w", doc.ID, err)
	}
	e.mu.Lock()
	e.inFlight[doc.Sequence] = replsession.DocumentEnded{
		DocID:    doc.ID,
		Dir:      replsession.DirPushing,
		Sequence: doc.Sequence,
		Deleted:  doc.Deleted,
	}
	e.status.Progress.UnitsTotal++
	e.mu.Unlock()
	return nil
}

// readLoop consumes server frames until the connection dies: cumulative acks
// for pushed revisions, pulled revisions to apply locally, blob progress,
// the caught-up marker, and fatal error frames.
func (e *Engine) readLoop(conn *websocket.Conn) {
	for {
		var incoming frame
		if err := wsjson.Read(e.ctx, conn, &incoming); err != nil {
			if e.ctx.Err() == nil {
				e.finish(fmt.Errorf("read: %w", err))
			}
			return
		}
		switch incoming.Type {
		case frameAck:
			e.handleAck(incoming.Sequence)
		case frameRev:
			e.handlePulledRev(incoming)
		case frameBlob:
			e.handleBlob(incoming)
		case frameCaughtUp:
			e.mu.Lock()
			e.caughtUp = true
			e.mu.Unlock()
			e.wakeUp()
		case frameError:
			e.finish(fmt.Errorf("remote error: %s", incoming.Message))
			return
		default:
			e.logf("engine %s: ignoring unknown frame type %q", e.cfg.URL, incoming.Type)
		}
	}
}

// handleAck marks every in-flight revision at or below the acked sequence as
// replicated, persists the checkpoint, and reports the finished documents in
// sequence order.
func (e *Engine) handleAck(sequence uint64) {
	e.mu.Lock()
	var ended []replsession.DocumentEnded
	for seq, doc := range e.inFlight {
		if seq <= sequence {
			ended = append(ended, doc)
			delete(e.inFlight, seq)
		}
	}
	sort.Slice(ended, func(i, j int) bool {
		return ended[i].Sequence < ended[j].Sequence
	})
	if sequence > e.lastAcked {
		e.lastAcked = sequence
	}
	acked := e.lastAcked
	e.status.Progress.UnitsCompleted += uint64(len(ended))
	e.mu.Unlock()

	if len(ended) == 0 {
		return
	}
	err := e.cfg.Checkpoints.Save(e.spec.Key(), &checkpoint.State{LocalSequence: acked})
	if err != nil {
		e.logf("engine %s: checkpoint save failed: %v", e.cfg.URL, err)
	}
	if delegate := e.loadDelegate(); delegate != nil {
		delegate.EngineDocumentsEnded(e, ended)
	}
	e.wakeUp()
}

// handlePulledRev applies a remote revision to the local store and remembers
// its local sequence so the push pass does not echo it back.
func (e *Engine) handlePulledRev(incoming frame) {
	if e.cfg.Options.Pull == replsession.ModeOff {
		e.logf("engine %s: dropping unsolicited pulled revision %s", e.cfg.URL, incoming.DocID)
		return
	}
	var (
		localSeq uint64
		err      error
	)
	if incoming.Deleted {
		localSeq, err = e.cfg.Store.Delete(incoming.DocID)
	} else {
		localSeq, err = e.cfg.Store.Put(incoming.DocID, []byte(incoming.Body))
	}
	ended := replsession.DocumentEnded{
		DocID:    incoming.DocID,
		RevID:    incoming.RevID,
		Dir:      replsession.DirPulling,
		Sequence: incoming.Sequence,
		Deleted:  incoming.Deleted,
		Err:      err,
	}
	e.mu.Lock()
	if err == nil {
		e.pulled[localSeq] = struct{}{}
	}
	e.status.Progress.UnitsCompleted++
	e.status.Progress.UnitsTotal++
	e.mu.Unlock()
	if delegate := e.loadDelegate(); delegate != nil {
		delegate.EngineDocumentsEnded(e, []replsession.DocumentEnded{ended})
	}
}

func (e *Engine) handleBlob(incoming frame) {
	delegate := e.loadDelegate()
	if delegate == nil {
		return
	}
	dir := replsession.DirPulling
	if incoming.Dir == replsession.DirPushing.String() {
		dir = replsession.DirPushing
	}
	delegate.EngineBlobProgress(e, replsession.BlobProgress{
		Dir:            dir,
		DocID:          incoming.DocID,
		DocProperty:    incoming.DocProperty,
		Key:            incoming.BlobKey,
		BytesCompleted: incoming.BytesCompleted,
		BytesTotal:     incoming.BytesTotal,
	})
}

// maybeIdleOrDone decides what happens after a drained push pass: one-shot
// sessions finish once pushes are acked and the pull side caught up,
// continuous sessions settle at idle. Reports whether the run loop is done.
func (e *Engine) maybeIdleOrDone(conn *websocket.Conn) bool {
	e.mu.Lock()
	pushComplete := e.cfg.Options.Push == replsession.ModeOff ||
		(e.pushDone && len(e.inFlight) == 0)
	pullComplete := e.cfg.Options.Pull == replsession.ModeOff || e.caughtUp
	e.mu.Unlock()

	if !e.cfg.Options.Continuous() && pushComplete && pullComplete {
		e.finishGraceful(conn)
		return true
	}
	if pushComplete {
		e.setLevel(replsession.LevelIdle)
	}
	return false
}

func (e *Engine) heartbeatLoop(conn *websocket.Conn, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-e.ctx.Done():
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(e.ctx, 10*time.Second)
			err := conn.Ping(ctx)
			cancel()
			if err != nil && e.ctx.Err() == nil {
				e.finish(fmt.Errorf("heartbeat: %w", err))
				return
			}
		}
	}
}

// ---- status plumbing

func (e *Engine) setLevel(level replsession.ActivityLevel) {
	e.mu.Lock()
	if e.finished || e.status.Level == level {
		e.mu.Unlock()
		return
	}
	e.status.Level = level
	published := e.status
	e.mu.Unlock()
	if delegate := e.loadDelegate(); delegate != nil {
		delegate.EngineStatusChanged(e, published)
	}
}

func (e *Engine) finishGraceful(conn *websocket.Conn) {
	conn.Close(websocket.StatusNormalClosure, "session stopped")
	e.finish(nil)
}

// finish publishes the terminal stopped status exactly once and aborts any
// remaining goroutines.
func (e *Engine) finish(err error) {
	if err != nil && e.ctx.Err() != nil {
		// A requested stop unwinds blocked reads and writes with errors;
		// those are not replication failures.
		err = nil
	}
	e.mu.Lock()
	if e.finished {
		e.mu.Unlock()
		return
	}
	e.finished = true
	e.status.Level = replsession.LevelStopped
	e.status.Err = err
	published := e.status
	e.mu.Unlock()
	e.cancel()
	if err != nil {
		e.logf("engine %s: stopped: %v", e.cfg.URL, err)
	}
	if delegate := e.loadDelegate(); delegate != nil {
		delegate.EngineStatusChanged(e, published)
	}
}

func (e *Engine) loadDelegate() replsession.EngineDelegate {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.delegate
}

func (e *Engine) wakeUp() {
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

func (e *Engine) checkpointSequence() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastAcked
}

func (e *Engine) dialHeaders() http.Header {
	headers := http.Header{}
	if token := e.cfg.Options.StringProperty("authToken"); token != "" {
		headers.Set("Authorization", "Bearer "+token)
	}
	if extra, ok := e.cfg.Options.Properties["headers"].(map[string]any); ok {
		for name, value := range extra {
			if s, ok := value.(string); ok {
				headers.Set(name, s)
			}
		}
	}
	return headers
}

func (e *Engine) batchSize() int {
	if raw, ok := e.cfg.Options.Properties["batchSize"]; ok {
		switch v := raw.(type) {
		case int:
			if v > 0 {
				return v
			}
		case float64:
			if v >= 1 {
				return int(v)
			}
		}
	}
	return defaultBatchSize
}

func (e *Engine) heartbeatInterval() time.Duration {
	if raw, ok := e.cfg.Options.Properties["heartbeatSeconds"]; ok {
		switch v := raw.(type) {
		case int:
			if v > 0 {
				return time.Duration(v) * time.Second
			}
		case float64:
			if v >= 1 {
				return time.Duration(v) * time.Second
			}
		}
	}
	return 0
}

func (e *Engine) logf(format string, args ...any) {
	if e.cfg.Logger == nil {
		return
	}
	e.cfg.Logger.Printf(format, args...)
}

func docIDSet(ids []string) map[string]struct{} {
	if len(ids) == 0 {
		return nil
	}
	set := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return set
}

var _ replsession.Engine = (*Engine)(nil)
