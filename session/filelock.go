package session

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/afero"
)

const (
	lockRetryDelay = 50 * time.Millisecond
	lockMaxWait    = 5 * time.Second
	lockStaleAfter = 30 * time.Second
)

// fileLock is an exclusive lock held through a sibling ".lock" file, so that
// several cookiecli processes can share one session file.
type fileLock struct {
	fs       afero.Fs
	lockFile afero.File
	lockPath string
	owner    string
}

// acquireFileLock creates filePath+".lock" exclusively, waiting for other
// holders and breaking locks older than lockStaleAfter.
func acquireFileLock(ctx context.Context, fs afero.Fs, filePath string) (*fileLock, error) {
	lockPath := filePath + ".lock"
	deadline := time.Now().Add(lockMaxWait)
	owner := uuid.NewString()

	for {
		lockFile, err := fs.OpenFile(lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
		if err == nil {
			if _, err := lockFile.WriteString(owner); err != nil {
				lockFile.Close()
				_ = fs.Remove(lockPath)
				return nil, fmt.Errorf("failed to write lock owner: %w", err)
			}
			return &fileLock{
				fs:       fs,
				lockFile: lockFile,
				lockPath: lockPath,
				owner:    owner,
			}, nil
		}

		if !os.IsExist(err) {
			return nil, fmt.Errorf("failed to acquire file lock: %w", err)
		}

		if info, statErr := fs.Stat(lockPath); statErr == nil &&
			time.Since(info.ModTime()) > lockStaleAfter {
			if remErr := fs.Remove(lockPath); remErr != nil && !os.IsNotExist(remErr) {
				return nil, fmt.Errorf(
					"failed to remove stale lock file %s: %w",
					lockPath,
					remErr,
				)
			}
			continue
		}

		if time.Now().After(deadline) {
			return nil, fmt.Errorf("timeout waiting for file lock after %v", lockMaxWait)
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(lockRetryDelay):
		}
	}
}

// release removes the lock file if it still belongs to this holder.
func (fl *fileLock) release() error {
	if fl.lockFile != nil {
		fl.lockFile.Close()
	}
	data, err := afero.ReadFile(fl.fs, fl.lockPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if string(data) != fl.owner {
		// broken as stale and re-acquired by someone else
		return nil
	}
	return fl.fs.Remove(fl.lockPath)
}
