package pool

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBuf(t *testing.T) {
	b := GetBuf()
	b.WriteString("frame")
	ReleaseBuf(b)

	b = GetBuf()
	assert.Equal(t, 0, b.Len())
	ReleaseBuf(b)

	big := GetBuf()
	big.Grow(maxBufSize + 1)
	ReleaseBuf(big)
}

func TestTimer(t *testing.T) {
	tm := GetTimer(time.Hour)
	ReleaseTimer(tm)

	tm = GetTimer(time.Millisecond)
	defer ReleaseTimer(tm)
	select {
	case <-tm.C:
	case <-time.After(time.Second):
		t.Fatal("timer did not fire")
	}
	ReleaseTimer(nil)
}
