package prefstore

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pmkol/scanx/pkg/scan"
)

func TestDecode_compat(t *testing.T) {
	p, err := Decode([]byte(`{"preferredRetryDelayMs": 700, "someFutureField": [1,2]}`))
	require.NoError(t, err)
	assert.Equal(t, 700, p.PreferredRetryDelayMs)
	assert.True(t, p.LearningEnabled, "missing field keeps default")
	assert.True(t, p.AdaptiveFeedbackEnabled)
	assert.Equal(t, 0, p.RetryCount)

	p, err = Decode([]byte(`{"learningEnabled": false`))
	require.Error(t, err)
	assert.Equal(t, scan.DefaultPreferences(), p)
}

func testStore(t *testing.T, s Store) {
	ctx := context.Background()
	p, err := s.Load(ctx)
	require.ErrorIs(t, err, ErrNotFound)
	require.Equal(t, scan.DefaultPreferences(), p)

	want := scan.Preferences{RetryCount: 2, PreferredRetryDelayMs: 600, LearningEnabled: true}
	require.NoError(t, s.Save(ctx, want))
	got, err := s.Load(ctx)
	require.NoError(t, err)
	require.Equal(t, want, got)

	want.RetryCount = 0
	require.NoError(t, s.Save(ctx, want))
	got, err = s.Load(ctx)
	require.NoError(t, err)
	require.Equal(t, want, got)
}

func TestMemoryStore(t *testing.T) {
	testStore(t, NewMemoryStore())
}

func TestFileStore(t *testing.T) {
	testStore(t, NewFileStore(filepath.Join(t.TempDir(), "sub", "prefs.json")))
}

func TestFileStore_corrupt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "prefs.json")
	require.NoError(t, os.WriteFile(path, []byte("{{{"), 0o644))
	p, err := NewFileStore(path).Load(context.Background())
	require.Error(t, err)
	require.Equal(t, scan.DefaultPreferences(), p)
}

func TestSQLiteStore(t *testing.T) {
	s, err := OpenSQLite(":memory:")
	require.NoError(t, err)
	defer s.Close()
	testStore(t, s)
}

func TestFileStore_watch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "prefs.json")
	s := NewFileStore(path)
	require.NoError(t, s.Save(context.Background(), scan.DefaultPreferences()))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	changed := make(chan scan.Preferences, 8)
	done := make(chan error, 1)
	go func() {
		done <- s.Watch(ctx, nil, func(p scan.Preferences) { changed <- p })
	}()

	// Give the watcher time to register the directory.
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, os.WriteFile(path, []byte(`{"preferredRetryDelayMs": 900}`), 0o644))

	select {
	case p := <-changed:
		assert.Equal(t, 900, p.PreferredRetryDelayMs)
	case <-time.After(5 * time.Second):
		t.Fatal("no change notification")
	}
	cancel()
	require.NoError(t, <-done)
}
