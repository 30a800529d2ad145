package session

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"
)

const (
	lockRetryDelay = 25 * time.Millisecond
	lockTimeout    = 5 * time.Second
	staleLockAge   = 2 * time.Minute
)

var errLockHeld = errors.New("lock already held")

// fileLock guards a session file across processes with an exclusive lock
// file plus flock on its descriptor.
type fileLock struct {
	lockPath string
	file     *os.File
}

func newFileLock(path string) *fileLock {
	return &fileLock{lockPath: path + ".lock"}
}

// acquire retries until the lock is taken or ctx is done
func (l *fileLock) acquire(ctx context.Context) error {
	if l.file != nil {
		return errors.New("lock already acquired")
	}
	if err := os.MkdirAll(filepath.Dir(l.lockPath), 0700); err != nil {
		return fmt.Errorf("failed to create lock directory: %w", err)
	}

	ticker := time.NewTicker(lockRetryDelay)
	defer ticker.Stop()

	for {
		err := l.tryAcquire()
		if err == nil {
			return nil
		}
		if !errors.Is(err, errLockHeld) {
			return err
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("timeout acquiring %s: %w", l.lockPath, ctx.Err())
		case <-ticker.C:
		}
	}
}

func (l *fileLock) tryAcquire() error {
	file, err := os.OpenFile(l.lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0600)
	if errors.Is(err, os.ErrExist) {
		if l.stale() {
			os.Remove(l.lockPath)
		}
		return errLockHeld
	}
	if err != nil {
		return fmt.Errorf("failed to create lock file: %w", err)
	}

	if err := syscall.Flock(int(file.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		file.Close()
		os.Remove(l.lockPath)
		if errors.Is(err, syscall.EWOULDBLOCK) {
			return errLockHeld
		}
		return fmt.Errorf("failed to flock %s: %w", l.lockPath, err)
	}

	fmt.Fprintf(file, "pid:%d\ntime:%s\n", os.Getpid(), time.Now().Format(time.RFC3339))
	l.file = file
	return nil
}

// stale reports an old lock whose owner process is gone
func (l *fileLock) stale() bool {
	info, err := os.Stat(l.lockPath)
	if err != nil {
		return true
	}
	if time.Since(info.ModTime()) < staleLockAge {
		return false
	}

	data, err := os.ReadFile(l.lockPath)
	if err != nil {
		return true
	}
	line, _, _ := strings.Cut(string(data), "\n")
	pid, err := strconv.Atoi(strings.TrimPrefix(line, "pid:"))
	if err != nil {
		return true
	}

	proc, err := os.FindProcess(pid)
	if err != nil {
		return true
	}
	return proc.Signal(syscall.Signal(0)) != nil
}

func (l *fileLock) release() error {
	if l.file == nil {
		return nil
	}

	var errs []error
	if err := syscall.Flock(int(l.file.Fd()), syscall.LOCK_UN); err != nil {
		errs = append(errs, fmt.Errorf("failed to release flock: %w", err))
	}
	if err := l.file.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := os.Remove(l.lockPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		errs = append(errs, err)
	}
	l.file = nil
	return errors.Join(errs...)
}

// withLock runs fn while holding the lock for path
func withLock(path string, fn func() error) error {
	ctx, cancel := context.WithTimeout(context.Background(), lockTimeout)
	defer cancel()

	lock := newFileLock(path)
	if err := lock.acquire(ctx); err != nil {
		return err
	}
	defer lock.release()

	return fn()
}

// atomicWrite replaces path with data via a synced temp file and rename
func atomicWrite(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create session directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}
	if err := os.Chmod(tmpPath, perm); err != nil {
		os.Remove(tmpPath)
		return err
	}

	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to replace %s: %w", path, err)
	}
	return nil
}
