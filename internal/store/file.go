package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/stellarlinkco/heartflow/internal/heartflow"
)

const (
	localFile  = "affinity_local.json"
	globalFile = "affinity_global.json"
)

// FileStore keeps the local ledgers and the global ledger in two JSON files.
type FileStore struct {
	dir string
	mu  sync.Mutex
}

func NewFileStore(dir string) *FileStore {
	return &FileStore{dir: dir}
}

// Load reads the two files independently, so a damaged global file still
// leaves the local ledgers readable and the other way round.
func (s *FileStore) Load(ctx context.Context) (heartflow.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := emptySnapshot()
	var local map[string]heartflow.Record
	localErr := readJSON(filepath.Join(s.dir, localFile), &local)
	if localErr == nil {
		for conv, r := range local {
			snap.Local[conv] = normalize(r)
		}
	}
	var global heartflow.Record
	globalErr := readJSON(filepath.Join(s.dir, globalFile), &global)
	if globalErr == nil {
		snap.Global = global
	}
	snap.Global = normalize(snap.Global)
	if err := errors.Join(localErr, globalErr); err != nil {
		return snap, err
	}
	return snap, ctx.Err()
}

func (s *FileStore) Save(ctx context.Context, snap heartflow.Snapshot) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(s.dir, 0755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	local := snap.Local
	if local == nil {
		local = map[string]heartflow.Record{}
	}
	if err := writeJSON(filepath.Join(s.dir, localFile), local); err != nil {
		return err
	}
	return writeJSON(filepath.Join(s.dir, globalFile), normalize(snap.Global))
}

func (s *FileStore) Close() error { return nil }

func readJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read %s: %w", filepath.Base(path), err)
	}
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("parse %s: %w", filepath.Base(path), err)
	}
	return nil
}

// writeJSON replaces path via a temp file and rename so readers never see a partial file.
func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", filepath.Base(path), err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write %s: %w", filepath.Base(path), err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close %s: %w", filepath.Base(path), err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replace %s: %w", filepath.Base(path), err)
	}
	return nil
}
