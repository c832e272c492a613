package cache

import (
	"context"
	"io"
	"time"
)

// Backend is a second level store shared by several scanner processes.
// Implementations must degrade to misses/no-ops on failure.
type Backend interface {
	// Get returns the stored value and its absolute expiration time.
	// ok is false if the key is not found or already expired.
	Get(ctx context.Context, key string) (v []byte, expire time.Time, ok bool)

	// Store stores a copy of v until expire.
	Store(ctx context.Context, key string, v []byte, storedAt, expire time.Time)

	// Delete removes key.
	Delete(ctx context.Context, key string)

	Len() int

	io.Closer
}

// Named time-to-live values used by the scanner.
const (
	DefaultTTL        = 10 * time.Minute
	ScanResultTTL     = 5 * time.Minute
	ProcessedImageTTL = 2 * time.Minute
	SettingsTTL       = 24 * time.Hour

	DefaultSize = 100
)
