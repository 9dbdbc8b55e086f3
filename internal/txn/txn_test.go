package txn

import (
	"testing"

	"scalefs/internal/balloc"
	"scalefs/internal/bcache"
	"scalefs/internal/blockdev"
	"scalefs/internal/inode"
	"scalefs/internal/mnode"
	"scalefs/internal/oplog"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

type harness struct {
	asm   *Assembler
	mg    *mnode.Manager
	store *inode.Store
	root  *mnode.Mnode
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	dev := blockdev.NewMemDevice(4096)
	cache := bcache.New(dev, 256, logrus.NewEntry(logrus.New()))
	alloc := balloc.New(cache, 1, 4, 5, 200)
	require.NoError(t, alloc.InitializeFreeBitVector())
	store := inode.NewStore(cache, 205, 8)
	mg := mnode.NewManager(store)

	binder := &txnBinder{t: newTransaction(0), cache: cache, alloc: alloc}
	rootIp, err := store.Ialloc(binder, inode.TypeDir)
	require.NoError(t, err)
	require.NoError(t, store.Dirlink(binder, rootIp, ".", rootIp.Inum))
	require.NoError(t, store.Dirlink(binder, rootIp, "..", rootIp.Inum))

	root := mg.AllocDir(0)
	mg.BindInode(root, rootIp.Inum)

	return &harness{
		asm:   &Assembler{Cache: cache, Alloc: alloc, Store: store, Mnode: mg},
		mg:    mg,
		store: store,
		root:  root,
	}
}

func TestApplyCreateFile(t *testing.T) {
	h := newHarness(t)
	child := h.mg.AllocFile(h.root.Id)

	ops := []Operation{
		{Kind: oplog.KindCreate, MnodeID: child.Id, ParentID: h.root.Id, Name: "a.txt", Tsc: 1},
	}
	tx, err := h.asm.Apply(ops)
	require.NoError(t, err)
	require.NotNil(t, tx)
	require.Equal(t, StatePrepared, tx.State)
	require.NotZero(t, child.Inum())

	found, err := h.mg.Lookup(h.root, "a.txt")
	require.NoError(t, err)
	require.Equal(t, child.Id, found.Id)
}

func TestApplyLinkBumpsNlink(t *testing.T) {
	h := newHarness(t)
	child := h.mg.AllocFile(h.root.Id)
	ops := []Operation{
		{Kind: oplog.KindCreate, MnodeID: child.Id, ParentID: h.root.Id, Name: "a.txt", Tsc: 1},
	}
	_, err := h.asm.Apply(ops)
	require.NoError(t, err)

	ip, err := h.store.Iget(child.Inum())
	require.NoError(t, err)
	require.Equal(t, 1, ip.Nlink())

	ops = []Operation{
		{Kind: oplog.KindLink, MnodeID: child.Id, ParentID: h.root.Id, Name: "b.txt", Tsc: 2},
	}
	_, err = h.asm.Apply(ops)
	require.NoError(t, err)
	require.Equal(t, 2, ip.Nlink())
}

func TestApplyUnlinkToZeroMarksIdentityWeak(t *testing.T) {
	h := newHarness(t)
	child := h.mg.AllocFile(h.root.Id)
	_, err := h.asm.Apply([]Operation{
		{Kind: oplog.KindCreate, MnodeID: child.Id, ParentID: h.root.Id, Name: "a.txt", Tsc: 1},
	})
	require.NoError(t, err)
	inum := child.Inum()

	_, err = h.asm.Apply([]Operation{
		{Kind: oplog.KindUnlink, ParentID: h.root.Id, Name: "a.txt", Tsc: 2},
	})
	require.NoError(t, err)

	require.True(t, h.mg.Identity.IsWeak(inum))

	found, err := h.mg.Lookup(h.root, "a.txt")
	require.NoError(t, err)
	require.Nil(t, found)
}

func TestApplyDeleteFreesInode(t *testing.T) {
	h := newHarness(t)
	child := h.mg.AllocFile(h.root.Id)
	_, err := h.asm.Apply([]Operation{
		{Kind: oplog.KindCreate, MnodeID: child.Id, ParentID: h.root.Id, Name: "a.txt", Tsc: 1},
	})
	require.NoError(t, err)
	inum := child.Inum()

	_, err = h.asm.Apply([]Operation{
		{Kind: oplog.KindUnlink, ParentID: h.root.Id, Name: "a.txt", Tsc: 2},
	})
	require.NoError(t, err)

	_, err = h.asm.Apply([]Operation{
		{Kind: oplog.KindDelete, MnodeID: child.Id, Tsc: 3},
	})
	require.NoError(t, err)

	_, ok := h.mg.Identity.ResolveID(child.Id)
	require.False(t, ok)
	_, ok = h.mg.Identity.ResolveInum(inum)
	require.False(t, ok)

	ip, err := h.store.Iget(inum)
	require.NoError(t, err)
	require.Equal(t, inode.TypeInvalid, ip.Type())
}

func TestApplyRenameMovesEntry(t *testing.T) {
	h := newHarness(t)
	sub := h.mg.AllocDir(h.root.Id)
	_, err := h.asm.Apply([]Operation{
		{Kind: oplog.KindCreate, MnodeID: sub.Id, ParentID: h.root.Id, Name: "sub", IsDir: true, Tsc: 1},
	})
	require.NoError(t, err)

	child := h.mg.AllocFile(h.root.Id)
	_, err = h.asm.Apply([]Operation{
		{Kind: oplog.KindCreate, MnodeID: child.Id, ParentID: h.root.Id, Name: "a.txt", Tsc: 2},
	})
	require.NoError(t, err)

	_, err = h.asm.Apply([]Operation{
		{Kind: oplog.KindRename, MnodeID: child.Id, ParentID: h.root.Id, Name: "a.txt", NewParentID: sub.Id, NewName: "b.txt", Tsc: 3},
	})
	require.NoError(t, err)

	found, err := h.mg.Lookup(h.root, "a.txt")
	require.NoError(t, err)
	require.Nil(t, found)

	found, err = h.mg.Lookup(sub, "b.txt")
	require.NoError(t, err)
	require.Equal(t, child.Id, found.Id)
}

func TestApplyEmptyOpsReturnsNil(t *testing.T) {
	h := newHarness(t)
	tx, err := h.asm.Apply(nil)
	require.NoError(t, err)
	require.Nil(t, tx)
}
