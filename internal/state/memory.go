package state

import (
	"context"
	"sync"
)

type MemoryStore struct {
	mu     sync.Mutex
	states map[string]LoopState
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{states: make(map[string]LoopState)}
}

func (m *MemoryStore) SaveState(_ context.Context, st LoopState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if st.Position != nil {
		p := *st.Position
		st.Position = &p
	}
	m.states[st.Symbol] = st
	return nil
}

func (m *MemoryStore) LoadState(_ context.Context, symbol string) (LoopState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.states[symbol]
	if !ok {
		return LoopState{Symbol: symbol}, nil
	}
	if st.Position != nil {
		p := *st.Position
		st.Position = &p
	}
	return st, nil
}
