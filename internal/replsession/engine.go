package replsession

import "net/http"

// Direction of a replicated revision or blob transfer relative to the local
// store.
type Direction int

const (
	DirPulling Direction = iota
	DirPushing
)

func (d Direction) String() string {
	if d == DirPushing {
		return "push"
	}
	return "pull"
}

// DocumentEnded is the per-revision outcome an engine reports when a
// document finishes replicating in either direction.
type DocumentEnded struct {
	DocID    string
	RevID    string
	Dir      Direction
	Sequence uint64
	Deleted  bool
	Err      error
}

// BlobProgress reports attachment transfer progress.
type BlobProgress struct {
	Dir            Direction
	DocID          string
	DocProperty    string
	Key            string
	BytesCompleted uint64
	BytesTotal     uint64
	Err            error
}

// Engine is the replication engine boundary. The session owns at most one
// live engine at a time; the engine reports back through EngineDelegate from
// its own goroutine.
//
// Start, Stop and Terminate only initiate work and must not block. After
// Terminate the engine must sever its delegate reference and emit no further
// events.
type Engine interface {
	Start()
	Stop()
	Terminate()
	Status() Status
	PendingDocIDs() ([]string, error)
	IsDocumentPending(docID string) (bool, error)
}

// EngineDelegate is implemented by the session. Every method passes the
// reporting engine so events from a superseded instance can be dropped.
type EngineDelegate interface {
	// EngineStatusChanged reports a new level/progress/error snapshot.
	// Flags in the reported status are ignored.
	EngineStatusChanged(engine Engine, status Status)

	// EngineResponseMetadata delivers the remote endpoint's HTTP response
	// exactly once per connection.
	EngineResponseMetadata(engine Engine, httpStatus int, headers http.Header)

	// EngineDocumentsEnded delivers a batch of finished revisions, possibly
	// mixing directions.
	EngineDocumentsEnded(engine Engine, docs []DocumentEnded)

	// EngineBlobProgress reports attachment transfer progress.
	EngineBlobProgress(engine Engine, progress BlobProgress)
}
