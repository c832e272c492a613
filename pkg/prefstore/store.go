package prefstore

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/goccy/go-json"

	"github.com/pmkol/scanx/pkg/scan"
)

// BlobKey names the preferences blob in key-value backends.
const BlobKey = "scanner_intelligence_prefs"

// ErrNotFound is returned by Load when nothing was saved yet.
var ErrNotFound = errors.New("preferences not found")

// Store persists scanner preferences across process restarts.
type Store interface {
	Load(ctx context.Context) (scan.Preferences, error)
	Save(ctx context.Context, p scan.Preferences) error
}

// Decode parses a stored blob on top of the defaults. Unknown fields are
// ignored, missing fields keep their default.
func Decode(b []byte) (scan.Preferences, error) {
	p := scan.DefaultPreferences()
	if err := json.Unmarshal(b, &p); err != nil {
		return scan.DefaultPreferences(), fmt.Errorf("decode preferences: %w", err)
	}
	return p, nil
}

func Encode(p scan.Preferences) ([]byte, error) {
	return json.Marshal(p)
}

// MemoryStore keeps preferences in memory only.
type MemoryStore struct {
	mu   sync.Mutex
	blob []byte
}

func NewMemoryStore() *MemoryStore {
	return new(MemoryStore)
}

func (s *MemoryStore) Load(context.Context) (scan.Preferences, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.blob == nil {
		return scan.DefaultPreferences(), ErrNotFound
	}
	return Decode(s.blob)
}

func (s *MemoryStore) Save(_ context.Context, p scan.Preferences) error {
	b, err := Encode(p)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.blob = b
	s.mu.Unlock()
	return nil
}

// SetRaw replaces the stored blob as is.
func (s *MemoryStore) SetRaw(b []byte) {
	s.mu.Lock()
	s.blob = append([]byte(nil), b...)
	s.mu.Unlock()
}
