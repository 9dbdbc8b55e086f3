package inode

import (
	"testing"

	"scalefs/internal/bcache"
	"scalefs/internal/blockdev"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

// fakeTxn is a minimal Txn that allocates blocks off a simple bump counter
// and writes straight through the cache, with no journaling involved.
type fakeTxn struct {
	cache *bcache.Cache
	next  uint32
}

func (f *fakeTxn) GetForWrite(bno uint32) (*bcache.Block, error) { return f.cache.Get(bno) }
func (f *fakeTxn) AllocBlock() (uint32, error) {
	f.next++
	return f.next, nil
}
func (f *fakeTxn) FreeBlock(bno uint32) error { return nil }

func newTestStore(t *testing.T) (*Store, *fakeTxn) {
	t.Helper()
	dev := blockdev.NewMemDevice(4096)
	cache := bcache.New(dev, 256, logrus.NewEntry(logrus.New()))
	store := NewStore(cache, 1, 8)
	txn := &fakeTxn{cache: cache, next: 200}
	return store, txn
}

func TestIallocAndIget(t *testing.T) {
	store, txn := newTestStore(t)

	ip, err := store.Ialloc(txn, TypeFile)
	require.NoError(t, err)
	require.Equal(t, TypeFile, ip.Type())
	require.Equal(t, 1, ip.Nlink())

	again, err := store.Iget(ip.Inum)
	require.NoError(t, err)
	require.Same(t, ip, again)
}

func TestWriteiAndReadiRoundTrip(t *testing.T) {
	store, txn := newTestStore(t)
	ip, err := store.Ialloc(txn, TypeFile)
	require.NoError(t, err)

	payload := []byte("the quick brown fox jumps over the lazy dog")
	n, err := store.Writei(txn, ip, payload, 0)
	require.NoError(t, err)
	require.Equal(t, len(payload), n)
	require.NoError(t, store.Iupdate(txn, ip))

	buf := make([]byte, len(payload))
	n, err = store.Readi(ip, buf, 0)
	require.NoError(t, err)
	require.Equal(t, len(payload), n)
	require.Equal(t, payload, buf)
}

func TestWriteiSpansIndirectBlocks(t *testing.T) {
	store, txn := newTestStore(t)
	ip, err := store.Ialloc(txn, TypeFile)
	require.NoError(t, err)

	// past NDirect direct blocks, forcing indirect block resolution.
	offset := uint64(NDirect+2) * blockdev.BlockSize
	payload := []byte("indirect block data")
	_, err = store.Writei(txn, ip, payload, offset)
	require.NoError(t, err)
	require.NoError(t, store.Iupdate(txn, ip))

	buf := make([]byte, len(payload))
	n, err := store.Readi(ip, buf, offset)
	require.NoError(t, err)
	require.Equal(t, len(payload), n)
	require.Equal(t, payload, buf)
}

func TestItruncShrinkFreesBlocks(t *testing.T) {
	store, txn := newTestStore(t)
	ip, err := store.Ialloc(txn, TypeFile)
	require.NoError(t, err)

	payload := make([]byte, blockdev.BlockSize*3)
	_, err = store.Writei(txn, ip, payload, 0)
	require.NoError(t, err)
	require.NoError(t, store.Iupdate(txn, ip))
	require.Equal(t, uint64(len(payload)), ip.Size())

	require.NoError(t, store.Itrunc(txn, ip, blockdev.BlockSize))
	require.Equal(t, uint64(blockdev.BlockSize), ip.Size())
	require.NotZero(t, ip.addrs[0])
	require.Zero(t, ip.addrs[1])
	require.Zero(t, ip.addrs[2])
}

func TestIfreePanicsOnLiveInode(t *testing.T) {
	store, txn := newTestStore(t)
	ip, err := store.Ialloc(txn, TypeFile)
	require.NoError(t, err)
	require.Panics(t, func() { _ = store.Ifree(txn, ip) })
}

func TestAdjustNlinkPanicsOnUnderflow(t *testing.T) {
	store, txn := newTestStore(t)
	ip, err := store.Ialloc(txn, TypeFile)
	require.NoError(t, err)
	require.NoError(t, store.AdjustNlink(txn, ip, -1))
	require.Panics(t, func() { _ = store.AdjustNlink(txn, ip, -1) })
}

func TestDirlinkDirlookupDirunlink(t *testing.T) {
	store, txn := newTestStore(t)
	dir, err := store.Ialloc(txn, TypeDir)
	require.NoError(t, err)
	file, err := store.Ialloc(txn, TypeFile)
	require.NoError(t, err)

	require.NoError(t, store.Dirlink(txn, dir, "greeting.txt", file.Inum))

	found, err := store.Dirlookup(dir, "greeting.txt")
	require.NoError(t, err)
	require.Equal(t, file.Inum, found)

	err = store.Dirlink(txn, dir, "greeting.txt", file.Inum)
	require.ErrorIs(t, err, ErrExists)

	unlinked, err := store.Dirunlink(txn, dir, "greeting.txt")
	require.NoError(t, err)
	require.Equal(t, file.Inum, unlinked)
	found, err = store.Dirlookup(dir, "greeting.txt")
	require.NoError(t, err)
	require.Equal(t, uint32(0), found)
}

func TestDirentriesAndDirempty(t *testing.T) {
	store, txn := newTestStore(t)
	dir, err := store.Ialloc(txn, TypeDir)
	require.NoError(t, err)

	empty, err := store.Dirempty(dir)
	require.NoError(t, err)
	require.True(t, empty)

	file, err := store.Ialloc(txn, TypeFile)
	require.NoError(t, err)
	require.NoError(t, store.Dirlink(txn, dir, "a", file.Inum))

	ents, err := store.Direntries(dir)
	require.NoError(t, err)
	require.Len(t, ents, 1)
	require.Equal(t, "a", ents[0].Name)

	empty, err = store.Dirempty(dir)
	require.NoError(t, err)
	require.False(t, empty)
}
