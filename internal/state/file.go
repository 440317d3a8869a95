package state

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/bytedance/sonic"
)

// FileStore keeps one JSON document per symbol in dir.
type FileStore struct {
	mu  sync.Mutex
	dir string
}

func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("state: create %s: %w", dir, err)
	}
	return &FileStore{dir: dir}, nil
}

func (f *FileStore) path(symbol string) string {
	return filepath.Join(f.dir, "state_"+strings.ToLower(symbol)+".json")
}

func (f *FileStore) SaveState(ctx context.Context, st LoopState) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return WriteJSONFile(f.path(st.Symbol), st)
}

func (f *FileStore) LoadState(ctx context.Context, symbol string) (LoopState, error) {
	if err := ctx.Err(); err != nil {
		return LoopState{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	data, err := os.ReadFile(f.path(symbol))
	if os.IsNotExist(err) {
		return LoopState{Symbol: symbol}, nil
	}
	if err != nil {
		return LoopState{}, fmt.Errorf("state: read: %w", err)
	}
	var st LoopState
	if err := sonic.Unmarshal(data, &st); err != nil {
		return LoopState{}, fmt.Errorf("state: decode %s: %w", f.path(symbol), err)
	}
	return st, nil
}

// WriteJSONFile replaces path atomically with the indented JSON of v.
func WriteJSONFile(path string, v any) error {
	data, err := sonic.ConfigDefault.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("state: encode: %w", err)
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("state: create %s: %w", dir, err)
		}
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("state: write: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("state: rename: %w", err)
	}
	return nil
}
