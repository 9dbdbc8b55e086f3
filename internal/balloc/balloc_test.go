package balloc

import (
	"testing"

	"scalefs/internal/bcache"
	"scalefs/internal/blockdev"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

// directWriter satisfies Writer by going straight to the cache, mirroring
// the boot-time writer scalefs.Format uses before any real transaction
// exists to fold bitmap writes into.
type directWriter struct{ cache *bcache.Cache }

func (w directWriter) GetForWrite(bno uint32) (*bcache.Block, error) { return w.cache.Get(bno) }

func newTestAllocator(t *testing.T, ndata uint32) (*Allocator, Writer) {
	t.Helper()
	// one bitmap block covers far more than ndata bits, plenty of room
	dev := blockdev.NewMemDevice(1 + 1 + ndata)
	cache := bcache.New(dev, 64, logrus.NewEntry(logrus.New()))
	a := New(cache, 1, 1, 2, ndata)
	require.NoError(t, a.InitializeFreeBitVector())
	return a, directWriter{cache: cache}
}

func TestAllocFreeRoundTrip(t *testing.T) {
	a, w := newTestAllocator(t, 16)
	require.Equal(t, uint32(16), a.NumFree())

	bno, err := a.Alloc(w)
	require.NoError(t, err)
	require.Equal(t, uint32(15), a.NumFree())
	require.NoError(t, a.CheckInvariant())

	require.NoError(t, a.Free(w, bno))
	require.Equal(t, uint32(16), a.NumFree())
	require.NoError(t, a.CheckInvariant())
}

func TestAllocExhaustion(t *testing.T) {
	a, w := newTestAllocator(t, 4)
	for i := 0; i < 4; i++ {
		_, err := a.Alloc(w)
		require.NoError(t, err)
	}
	_, err := a.Alloc(w)
	require.ErrorIs(t, err, ErrNoSpace)
}

func TestDoubleFreePanics(t *testing.T) {
	a, w := newTestAllocator(t, 4)
	bno, err := a.Alloc(w)
	require.NoError(t, err)
	require.NoError(t, a.Free(w, bno))
	require.Panics(t, func() { _ = a.Free(w, bno) })
}

func TestAllocatedBlocksAreDistinct(t *testing.T) {
	a, w := newTestAllocator(t, 8)
	seen := make(map[uint32]bool)
	for i := 0; i < 8; i++ {
		bno, err := a.Alloc(w)
		require.NoError(t, err)
		require.False(t, seen[bno], "block %d allocated twice", bno)
		seen[bno] = true
	}
}
