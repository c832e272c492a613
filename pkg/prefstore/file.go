package prefstore

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/pmkol/scanx/pkg/scan"
)

// FileStore keeps preferences in a json file.
type FileStore struct {
	path string
}

func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

func (s *FileStore) Path() string {
	return s.path
}

func (s *FileStore) Load(context.Context) (scan.Preferences, error) {
	b, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return scan.DefaultPreferences(), ErrNotFound
		}
		return scan.DefaultPreferences(), fmt.Errorf("read preferences: %w", err)
	}
	return Decode(b)
}

// Save writes p atomically through a temp file in the same directory.
func (s *FileStore) Save(_ context.Context, p scan.Preferences) error {
	b, err := Encode(p)
	if err != nil {
		return err
	}
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating preferences directory: %w", err)
	}
	f, err := os.CreateTemp(dir, ".prefs-*")
	if err != nil {
		return err
	}
	tmp := f.Name()
	if _, err := f.Write(b); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, s.path); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}

// Watch calls onChange with freshly loaded preferences whenever the file
// is replaced or written by another process. It returns when ctx is done.
func (s *FileStore) Watch(ctx context.Context, logger *zap.Logger, onChange func(scan.Preferences)) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()

	// Watch the directory, Save replaces the file by rename.
	if err := w.Add(filepath.Dir(s.path)); err != nil {
		return err
	}
	name := filepath.Clean(s.path)
	for {
		select {
		case <-ctx.Done():
			return nil
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			logger.Warn("preferences watcher error", zap.Error(err))
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != name || !ev.Has(fsnotify.Write|fsnotify.Create) {
				continue
			}
			p, err := s.Load(ctx)
			if err != nil {
				logger.Warn("failed to reload preferences", zap.String("file", s.path), zap.Error(err))
				continue
			}
			onChange(p)
		}
	}
}
