package checkpoint

import (
	"strings"
	"sync"
)

// MemoryBackend keeps checkpoint states in process memory.
type MemoryBackend struct {
	mu     sync.Mutex
	states map[string]State
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{states: map[string]State{}}
}

func (b *MemoryBackend) Load(key string) (*State, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	state, ok := b.states[strings.TrimSpace(key)]
	if !ok {
		return nil, nil
	}
	clone := state
	return &clone, nil
}

func (b *MemoryBackend) Save(key string, state *State) error {
	key = strings.TrimSpace(key)
	if key == "" || state == nil {
		return ErrInvalidInput
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.states[key] = *state
	return nil
}

func (b *MemoryBackend) Close() error {
	return nil
}
