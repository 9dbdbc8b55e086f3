package mnode

import (
	"testing"

	"scalefs/internal/bcache"
	"scalefs/internal/blockdev"
	"scalefs/internal/inode"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

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

func newTestManager(t *testing.T) (*Manager, *inode.Store, *fakeTxn, *Mnode) {
	t.Helper()
	dev := blockdev.NewMemDevice(4096)
	cache := bcache.New(dev, 256, logrus.NewEntry(logrus.New()))
	store := inode.NewStore(cache, 1, 8)
	txn := &fakeTxn{cache: cache, next: 100}

	rootIp, err := store.Ialloc(txn, inode.TypeDir)
	require.NoError(t, err)
	require.NoError(t, store.Dirlink(txn, rootIp, ".", rootIp.Inum))

	mg := NewManager(store)
	root := mg.AllocDir(0)
	mg.BindInode(root, rootIp.Inum)
	return mg, store, txn, root
}

func TestAllocDirAndAllocFileGetDistinctIDs(t *testing.T) {
	mg, _, _, _ := newTestManager(t)
	d := mg.AllocDir(0)
	f := mg.AllocFile(d.Id)
	require.NotEqual(t, d.Id, f.Id)
	require.Equal(t, TypeDir, d.Type)
	require.Equal(t, TypeFile, f.Type)
}

func TestGetReturnsSameMnodeAndBumpsRefcount(t *testing.T) {
	mg, _, _, root := newTestManager(t)
	got, ok := mg.Get(root.Id)
	require.True(t, ok)
	require.Same(t, root, got)
	mg.Refdown(got)
	mg.Refdown(root)
}

func TestLookupFallsBackToOnDiskDirectory(t *testing.T) {
	mg, store, txn, root := newTestManager(t)
	fileIp, err := store.Ialloc(txn, inode.TypeFile)
	require.NoError(t, err)
	rootIp, err := store.Iget(root.Inum())
	require.NoError(t, err)
	require.NoError(t, store.Dirlink(txn, rootIp, "existing.txt", fileIp.Inum))

	found, err := mg.Lookup(root, "existing.txt")
	require.NoError(t, err)
	require.NotNil(t, found)
	require.Equal(t, TypeFile, found.Type)
	require.Equal(t, fileIp.Inum, found.Inum())

	// a second lookup must resolve to the same mnode via the dentry cache
	again, err := mg.Lookup(root, "existing.txt")
	require.NoError(t, err)
	require.Same(t, found, again)
}

func TestLookupMissingNameReturnsNil(t *testing.T) {
	mg, _, _, root := newTestManager(t)
	found, err := mg.Lookup(root, "nope")
	require.NoError(t, err)
	require.Nil(t, found)
}

func TestPopulateLoadsAllChildNames(t *testing.T) {
	mg, store, txn, root := newTestManager(t)
	rootIp, err := store.Iget(root.Inum())
	require.NoError(t, err)
	for _, name := range []string{"a", "b", "c"} {
		ip, err := store.Ialloc(txn, inode.TypeFile)
		require.NoError(t, err)
		require.NoError(t, store.Dirlink(txn, rootIp, name, ip.Inum))
	}

	names, err := mg.ChildNames(root)
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"a", "b", "c"}, names)
}

func TestRefdownEvictsAtZeroRefcount(t *testing.T) {
	mg, _, _, root := newTestManager(t)
	f := mg.AllocFile(root.Id)
	mg.Refdown(f) // drops the sole alloc-time reference to zero

	_, ok := mg.Get(f.Id)
	require.False(t, ok, "mnode should have been evicted once its refcount hit zero")
}

func TestStatsReportsSizeAndEvictions(t *testing.T) {
	mg, _, _, root := newTestManager(t)
	s := mg.Stats()
	require.Contains(t, s, "mnode: size")
	require.Contains(t, s, "#evictions")
	_ = root
}
