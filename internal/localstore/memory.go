package localstore

import (
	"sort"
	"strings"
	"sync"
)

// MemoryStore is an in-memory Store for tests and ephemeral sessions.
type MemoryStore struct {
	mu       sync.Mutex
	docs     map[string]Document
	sequence uint64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{docs: map[string]Document{}}
}

func (s *MemoryStore) Put(docID string, body []byte) (uint64, error) {
	docID = strings.TrimSpace(docID)
	if docID == "" {
		return 0, ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sequence++
	s.docs[docID] = Document{
		ID:       docID,
		Sequence: s.sequence,
		Body:     append([]byte(nil), body...),
	}
	return s.sequence, nil
}

func (s *MemoryStore) Delete(docID string) (uint64, error) {
	docID = strings.TrimSpace(docID)
	if docID == "" {
		return 0, ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.docs[docID]; !ok {
		return 0, ErrNotFound
	}
	s.sequence++
	s.docs[docID] = Document{
		ID:       docID,
		Sequence: s.sequence,
		Deleted:  true,
	}
	return s.sequence, nil
}

func (s *MemoryStore) Document(docID string) (Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.docs[strings.TrimSpace(docID)]
	if !ok {
		return Document{}, ErrNotFound
	}
	return cloneDocument(doc), nil
}

func (s *MemoryStore) DocsSince(sequence uint64) ([]Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	results := make([]Document, 0)
	for _, doc := range s.docs {
		if doc.Sequence > sequence {
			results = append(results, cloneDocument(doc))
		}
	}
	sort.Slice(results, func(i, j int) bool {
		return results[i].Sequence < results[j].Sequence
	})
	return results, nil
}

func (s *MemoryStore) LastSequence() (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sequence, nil
}

func (s *MemoryStore) Close() error {
	return nil
}

func cloneDocument(doc Document) Document {
	doc.Body = append([]byte(nil), doc.Body...)
	return doc
}
