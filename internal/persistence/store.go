// Package persistence implements the engine's primary state store: one
// atomically-written JSON file per market (spot/futures), per spec §6.
// A SQLite side-store (audit.go) supplements it with an append-only
// fills/orders trail but is never the source of truth for strategy
// state.
package persistence

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/ohlcv/gridengine/internal/core"
)

// FileStore persists one PersistedFile document per InstType using a
// temp-file-then-rename write, so a crash mid-write can never leave a
// half-written file in place (spec §6).
type FileStore struct {
	path   string
	logger core.ILogger
}

// NewFileStore builds a store rooted at dir, writing
// "<inst_type>.json" (e.g. spot.json, futures.json).
func NewFileStore(dir string, instType core.InstType, logger core.ILogger) *FileStore {
	name := fmt.Sprintf("%s.json", instTypeFileName(instType))
	return &FileStore{
		path:   filepath.Join(dir, name),
		logger: logger.WithField("component", "file_store").WithField("file", name),
	}
}

func instTypeFileName(instType core.InstType) string {
	switch instType {
	case core.InstTypeFutures:
		return "futures"
	default:
		return "spot"
	}
}

// Save marshals doc and writes it atomically: write to a sibling temp
// file, fsync it, then rename over the target (rename is atomic on the
// same filesystem, so readers never observe a partial file).
func (s *FileStore) Save(ctx context.Context, doc core.PersistedFile) error {
	doc.LastSave = time.Now().UTC().Format(time.RFC3339)

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return &core.PersistenceError{Op: "marshal", Err: err}
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return &core.PersistenceError{Op: "mkdir", Err: err}
	}

	tmp, err := os.CreateTemp(dir, ".tmp-state-*")
	if err != nil {
		return &core.PersistenceError{Op: "create_temp", Err: err}
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath) // no-op once the rename below succeeds

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return &core.PersistenceError{Op: "write", Err: err}
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return &core.PersistenceError{Op: "fsync", Err: err}
	}
	if err := tmp.Close(); err != nil {
		return &core.PersistenceError{Op: "close", Err: err}
	}

	if err := os.Rename(tmpPath, s.path); err != nil {
		return &core.PersistenceError{Op: "rename", Err: err}
	}

	s.logger.Debug("state saved", "strategies", len(doc.Strategies), "checksum", checksumHex(data))
	return nil
}

// Load reads and validates the persisted file. A missing file is not an
// error: it means no strategies have been saved yet. A file that fails
// to parse is refused in full — spec §7 forbids a partial load.
func (s *FileStore) Load(ctx context.Context) (core.PersistedFile, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return core.PersistedFile{Strategies: map[string]core.PersistedGrid{}}, nil
		}
		return core.PersistedFile{}, &core.PersistenceError{Op: "read", Err: err}
	}

	var doc core.PersistedFile
	if err := json.Unmarshal(data, &doc); err != nil {
		return core.PersistedFile{}, &core.PersistenceError{Op: "unmarshal", Err: fmt.Errorf("refusing partial load: %w", err)}
	}
	if doc.Strategies == nil {
		doc.Strategies = map[string]core.PersistedGrid{}
	}
	return doc, nil
}

func checksumHex(data []byte) string {
	sum := sha256.Sum256(data)
	return fmt.Sprintf("%x", sum[:8])
}
