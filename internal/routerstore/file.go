package routerstore

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/normanking/miniphi/internal/bandit"
)

// FileStore keeps the state as a JSON document. Writes go to a temp file
// in the same directory and are renamed into place.
type FileStore struct {
	path string
}

// NewFileStore creates a store at path. Nothing is touched until Save.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// Path returns the state file location.
func (s *FileStore) Path() string { return s.path }

func (s *FileStore) Load(ctx context.Context) (*bandit.State, error) {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return nil, ErrStateNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read router state: %w", err)
	}
	state, err := bandit.UnmarshalState(data)
	if err != nil {
		return nil, err
	}
	return &state, nil
}

func (s *FileStore) Save(ctx context.Context, state bandit.State) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := bandit.MarshalState(state)
	if err != nil {
		return fmt.Errorf("encode router state: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create state directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".router-state-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp state file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp state file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp state file: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		return fmt.Errorf("replace state file: %w", err)
	}
	return nil
}

func (s *FileStore) Close() error { return nil }
