// Package mirror keeps a local text file in step with a docsync session.
// Session output is written to the file atomically and edits made to the
// file by the user are reported back as full snapshots.
package mirror

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/agentworkforce/relaydoc/internal/docsync"
	"github.com/fsnotify/fsnotify"
)

const DefaultDebounce = 100 * time.Millisecond

type Logger interface {
	Printf(format string, args ...any)
}

type Options struct {
	// Debounce is how long the watcher waits after the last change before
	// reading the file, so editors that write in several steps are reported
	// once.
	Debounce time.Duration
	Mode     os.FileMode
	Logger   Logger
}

// FileMirror is a docsync.Presenter backed by a file. Only one FileMirror
// may hold a given path at a time.
type FileMirror struct {
	path     string
	lock     *fileLock
	debounce time.Duration
	mode     os.FileMode
	logger   Logger

	mu       sync.Mutex
	lastHash string
	closed   bool
}

var _ docsync.Presenter = (*FileMirror)(nil)

// Open takes the mirror lock for path and creates the file when it does not
// exist. It fails with ErrLocked when another process mirrors the same file.
func Open(path string, opts Options) (*FileMirror, error) {
	if path == "" {
		return nil, errors.New("mirror path is required")
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return nil, err
	}
	lock, err := acquireLock(abs + ".lock")
	if err != nil {
		return nil, err
	}
	debounce := opts.Debounce
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	mode := opts.Mode
	if mode == 0 {
		mode = 0o644
	}
	m := &FileMirror{
		path:     abs,
		lock:     lock,
		debounce: debounce,
		mode:     mode,
		logger:   opts.Logger,
	}
	current, err := os.ReadFile(abs)
	switch {
	case err == nil:
		m.lastHash = hashBytes(current)
	case errors.Is(err, os.ErrNotExist):
		if err := writeFileAtomic(abs, nil, mode); err != nil {
			_ = lock.release()
			return nil, err
		}
		m.lastHash = hashBytes(nil)
	default:
		_ = lock.release()
		return nil, err
	}
	return m, nil
}

func (m *FileMirror) Path() string {
	return m.path
}

// Publish writes doc to the file unless the file already holds it.
func (m *FileMirror) Publish(doc string, _ int) {
	hash := hashString(doc)
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed || hash == m.lastHash {
		return
	}
	if err := writeFileAtomic(m.path, []byte(doc), m.mode); err != nil {
		m.logf("mirror write %s failed: %v", m.path, err)
		return
	}
	m.lastHash = hash
}

func (m *FileMirror) Notify(n docsync.Notice) {
	if n.Err != nil {
		m.logf("%s: %s: %v", n.Level, n.Message, n.Err)
		return
	}
	m.logf("%s: %s", n.Level, n.Message)
}

// Watch reports user edits of the file to onEdit until ctx is done. Changes
// that match what the mirror itself last wrote are not reported.
func (m *FileMirror) Watch(ctx context.Context, onEdit func(snapshot string)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create file watcher: %w", err)
	}
	defer watcher.Close()
	// Atomic saves replace the file, so the directory is watched instead.
	if err := watcher.Add(filepath.Dir(m.path)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(m.path), err)
	}

	var debounce *time.Timer
	var fire <-chan time.Time
	defer func() {
		if debounce != nil {
			debounce.Stop()
		}
	}()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != m.path {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if debounce == nil {
				debounce = time.NewTimer(m.debounce)
			} else {
				if !debounce.Stop() {
					select {
					case <-debounce.C:
					default:
					}
				}
				debounce.Reset(m.debounce)
			}
			fire = debounce.C
		case <-fire:
			fire = nil
			if snapshot, changed := m.readChange(); changed {
				onEdit(snapshot)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			m.logf("mirror watch error: %v", err)
		}
	}
}

// readChange returns the file content when it differs from the last content
// the mirror wrote or reported.
func (m *FileMirror) readChange() (string, bool) {
	data, err := os.ReadFile(m.path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			m.logf("mirror read %s failed: %v", m.path, err)
		}
		return "", false
	}
	hash := hashBytes(data)
	m.mu.Lock()
	defer m.mu.Unlock()
	if hash == m.lastHash {
		return "", false
	}
	m.lastHash = hash
	return string(data), true
}

// Close releases the mirror lock. The file itself is left in place.
func (m *FileMirror) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()
	return m.lock.release()
}

func (m *FileMirror) logf(format string, args ...any) {
	if m.logger == nil {
		return
	}
	m.logger.Printf(format, args...)
}

func hashBytes(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

func hashString(s string) string {
	return hashBytes([]byte(s))
}

func writeFileAtomic(path string, data []byte, mode os.FileMode) error {
	dir := filepath.Dir(path)
	tmpFile, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmpFile.Name()
	committed := false
	defer func() {
		if !committed {
			_ = os.Remove(tmpName)
		}
	}()
	if _, err := tmpFile.Write(data); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Chmod(mode); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		return err
	}
	committed = true
	return nil
}
