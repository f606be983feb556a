package checkpoint

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// FileBackend persists checkpoint states in one JSON file, rewritten
// atomically on every save.
type FileBackend struct {
	path string
	mu   sync.Mutex
}

type fileBackendSnapshot struct {
	Checkpoints map[string]State `json:"checkpoints"`
}

func NewFileBackend(path string) (*FileBackend, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	return &FileBackend{path: path}, nil
}

func (b *FileBackend) Load(key string) (*State, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	snapshot, err := b.loadLocked()
	if err != nil {
		return nil, err
	}
	state, ok := snapshot.Checkpoints[strings.TrimSpace(key)]
	if !ok {
		return nil, nil
	}
	clone := state
	return &clone, nil
}

func (b *FileBackend) Save(key string, state *State) error {
	key = strings.TrimSpace(key)
	if key == "" || state == nil {
		return ErrInvalidInput
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	snapshot, err := b.loadLocked()
	if err != nil {
		return err
	}
	snapshot.Checkpoints[key] = *state
	data, err := json.Marshal(snapshot)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(b.path), 0o755); err != nil {
		return err
	}
	return writeFileAtomic(b.path, data, 0o644)
}

func (b *FileBackend) Close() error {
	return nil
}

func (b *FileBackend) loadLocked() (*fileBackendSnapshot, error) {
	snapshot := &fileBackendSnapshot{Checkpoints: map[string]State{}}
	data, err := os.ReadFile(b.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return snapshot, nil
		}
		return nil, err
	}
	if err := json.Unmarshal(data, snapshot); err != nil {
		return nil, err
	}
	if snapshot.Checkpoints == nil {
		snapshot.Checkpoints = map[string]State{}
	}
	return snapshot, nil
}

func writeFileAtomic(path string, data []byte, mode os.FileMode) error {
	dir := filepath.Dir(path)
	tmpFile, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmpFile.Name()
	committed := false
	defer func() {
		if !committed {
			_ = os.Remove(tmpName)
		}
	}()
	if _, err := tmpFile.Write(data); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Chmod(mode); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		return err
	}
	committed = true
	return nil
}
