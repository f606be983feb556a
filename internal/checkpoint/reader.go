package checkpoint

import (
	"github.com/agentworkforce/relaysync/internal/localstore"
)

// Reader answers pending document queries against persisted checkpoint state
// and the local store. It is transient: build one per query. A live engine
// computes the same answers from its in-memory view; the two paths must
// agree for identical persisted state.
type Reader struct {
	spec    Spec
	backend Backend
}

func NewReader(spec Spec, backend Backend) (*Reader, error) {
	if err := spec.validate(); err != nil {
		return nil, err
	}
	if backend == nil {
		return nil, ErrInvalidInput
	}
	return &Reader{spec: spec, backend: backend}, nil
}

// PendingDocIDs lists documents changed locally past the checkpoint, in
// sequence order. An empty slice means nothing is pending; a non-nil error
// means the query itself failed.
func (r *Reader) PendingDocIDs(store localstore.Store) ([]string, error) {
	since, err := r.checkpointSequence()
	if err != nil {
		return nil, err
	}
	docs, err := store.DocsSince(since)
	if err != nil {
		return nil, &QueryError{Op: "pending scan", Err: err}
	}
	filter := docIDSet(r.spec.DocIDs)
	ids := make([]string, 0, len(docs))
	for _, doc := range docs {
		if filter != nil {
			if _, ok := filter[doc.ID]; !ok {
				continue
			}
		}
		ids = append(ids, doc.ID)
	}
	return ids, nil
}

// IsDocumentPending reports whether one document has local changes past the
// checkpoint.
func (r *Reader) IsDocumentPending(store localstore.Store, docID string) (bool, error) {
	since, err := r.checkpointSequence()
	if err != nil {
		return false, err
	}
	if filter := docIDSet(r.spec.DocIDs); filter != nil {
		if _, ok := filter[docID]; !ok {
			return false, nil
		}
	}
	doc, err := store.Document(docID)
	if err == localstore.ErrNotFound {
		return false, nil
	}
	if err != nil {
		return false, &QueryError{Op: "document lookup", Err: err}
	}
	return doc.Sequence > since, nil
}

func (r *Reader) checkpointSequence() (uint64, error) {
	state, err := r.backend.Load(r.spec.Key())
	if err != nil {
		return 0, &QueryError{Op: "load", Err: err}
	}
	if state == nil {
		return 0, nil
	}
	return state.LocalSequence, nil
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
