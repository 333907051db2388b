package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"
	"github.com/spf13/afero"
)

// sessionFile is the on-disk layout: one entry map per API origin, so one
// file can hold sessions for several backends.
type sessionFile struct {
	Sessions map[string]map[string]Entry `json:"sessions"` // key = API origin
}

// FileStore persists entries in a JSON file shared between processes.
type FileStore struct {
	fs     afero.Fs
	path   string
	origin string
	opts   storeOptions
}

// NewFileStore returns a store for the session of origin inside path.
func NewFileStore(fs afero.Fs, path, origin string, opts ...StoreOption) *FileStore {
	return &FileStore{
		fs:     fs,
		path:   path,
		origin: origin,
		opts:   newStoreOptions(opts),
	}
}

// Path returns the backing file path.
func (f *FileStore) Path() string {
	return f.path
}

func (f *FileStore) Get(ctx context.Context, key string) (string, bool) {
	file, err := f.load()
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			zerolog.Ctx(ctx).Warn().Err(err).Str("path", f.path).Msg("failed to read session file")
		}
		return "", false
	}

	e, ok := file.Sessions[f.origin][key]
	if !ok || e.expired(f.opts.now()) {
		return "", false
	}
	return e.Value, true
}

func (f *FileStore) Set(ctx context.Context, key, value string, opts Options) error {
	return f.update(ctx, func(entries map[string]Entry) {
		entries[key] = newEntry(value, opts, f.opts.now())
	})
}

func (f *FileStore) Remove(ctx context.Context, key string) error {
	return f.update(ctx, func(entries map[string]Entry) {
		delete(entries, key)
	})
}

func (f *FileStore) load() (*sessionFile, error) {
	data, err := afero.ReadFile(f.fs, f.path)
	if err != nil {
		return nil, err
	}

	var file sessionFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse session file: %w", err)
	}
	return &file, nil
}

// update applies fn to this origin's entries under the file lock and writes
// the result back atomically. Other origins are preserved.
func (f *FileStore) update(ctx context.Context, fn func(map[string]Entry)) error {
	if err := f.fs.MkdirAll(filepath.Dir(f.path), 0o700); err != nil {
		return fmt.Errorf("failed to create session directory: %w", err)
	}

	lock, err := acquireFileLock(ctx, f.fs, f.path)
	if err != nil {
		return fmt.Errorf("failed to acquire lock: %w", err)
	}
	defer func() {
		if releaseErr := lock.release(); releaseErr != nil {
			zerolog.Ctx(ctx).Warn().Err(releaseErr).Msg("failed to release lock")
		}
	}()

	file, err := f.load()
	if err != nil {
		// unreadable or missing file: start over
		file = &sessionFile{}
	}
	if file.Sessions == nil {
		file.Sessions = make(map[string]map[string]Entry)
	}

	entries := file.Sessions[f.origin]
	if entries == nil {
		entries = make(map[string]Entry)
	}
	fn(entries)

	now := f.opts.now()
	for key, e := range entries {
		if e.expired(now) {
			delete(entries, key)
		}
	}
	if len(entries) == 0 {
		delete(file.Sessions, f.origin)
	} else {
		file.Sessions[f.origin] = entries
	}

	data, err := json.MarshalIndent(file, "", "  ")
	if err != nil {
		return err
	}

	tempFile := f.path + ".tmp"
	if err := afero.WriteFile(f.fs, tempFile, data, 0o600); err != nil {
		return fmt.Errorf("failed to write temp file: %w", err)
	}

	if err := f.fs.Rename(tempFile, f.path); err != nil {
		if removeErr := f.fs.Remove(tempFile); removeErr != nil {
			return fmt.Errorf(
				"failed to rename temp file: %v; additionally failed to remove temp file: %w",
				err,
				removeErr,
			)
		}
		return fmt.Errorf("failed to rename temp file: %w", err)
	}

	return nil
}
