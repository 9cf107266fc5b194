package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/shapeshift/security-hall-of-fame/pkg/registry"
)

// FileStore persists registry state as a JSON snapshot on local disk.
// Every commit rewrites the file through a temp file and rename.
type FileStore struct {
	path string
	mu   sync.Mutex
	snap registry.Snapshot
}

func NewFileStore(path string) (*FileStore, error) {
	fs := &FileStore{path: path}
	if err := fs.load(); err != nil {
		return nil, err
	}
	return fs, nil
}

func (f *FileStore) load() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	bytes, err := os.ReadFile(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil // Start empty
	}
	if err != nil {
		return err
	}
	if err := json.Unmarshal(bytes, &f.snap); err != nil {
		return fmt.Errorf("decode %s: %w", f.path, err)
	}
	return nil
}

func (f *FileStore) Load(ctx context.Context) (*registry.Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	out := registry.Snapshot{
		Tokens:    append([]registry.Token(nil), f.snap.Tokens...),
		Operators: append([]registry.OperatorGrant(nil), f.snap.Operators...),
	}
	if f.snap.Settings != nil {
		s := *f.snap.Settings
		out.Settings = &s
	}
	return &out, nil
}

func (f *FileStore) Commit(ctx context.Context, m registry.Mutation) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	next := registry.Snapshot{
		Settings:  f.snap.Settings,
		Tokens:    append([]registry.Token(nil), f.snap.Tokens...),
		Operators: append([]registry.OperatorGrant(nil), f.snap.Operators...),
	}
	if m.Settings != nil {
		s := *m.Settings
		next.Settings = &s
	}
	if t := m.Token; t != nil {
		switch {
		case t.ID < uint64(len(next.Tokens)):
			next.Tokens[t.ID] = *t
		case t.ID == uint64(len(next.Tokens)):
			next.Tokens = append(next.Tokens, *t)
		default:
			return fmt.Errorf("token %d leaves a gap after %d tokens", t.ID, len(next.Tokens))
		}
	}
	if g := m.Operator; g != nil {
		kept := next.Operators[:0]
		for _, existing := range next.Operators {
			if existing.Owner != g.Owner || existing.Operator != g.Operator {
				kept = append(kept, existing)
			}
		}
		if g.Approved {
			kept = append(kept, *g)
		}
		next.Operators = kept
	}

	if err := f.save(next); err != nil {
		return err
	}
	f.snap = next
	return nil
}

func (f *FileStore) save(snap registry.Snapshot) error {
	bytes, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(f.path), filepath.Base(f.path)+".*.tmp")
	if err != nil {
		return err
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	if _, err := tmp.Write(bytes); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmp.Name(), 0600); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), f.path)
}
