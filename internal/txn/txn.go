// Package txn is the transaction assembler: it turns one fused sequence of
// logical oplog operations into a physical transaction (the set of
// dirtied blocks plus allocated/freed lists) that internal/journal can
// write ahead and internal/scalefs can apply.
//
// Grounded on scalefs.cc's add_to_transaction_queue /
// mfs_interface::process_metadata_log family plus biscuit's transaction
// bookkeeping style in _teacher_fs/log.go: a transaction is a set of
// distinct dirtied blocks, "distinct" tracked exactly the way biscuit's
// imemnode_t.ifree tracks a per-op `distinct` map.
package txn

import (
	"fmt"
	"sync"

	"scalefs/internal/balloc"
	"scalefs/internal/bcache"
	"scalefs/internal/inode"
	"scalefs/internal/mnode"
	"scalefs/internal/oplog"
)

// State is a physical transaction's lifecycle stage:
// open->prepared->logged->applied->retired.
type State int

const (
	StateOpen State = iota
	StatePrepared
	StateLogged
	StateApplied
	StateRetired
)

// Transaction accumulates the block-level effects of applying one or more
// logical operations before they are handed to the journal.
type Transaction struct {
	Timestamp uint64
	State     State

	mu       sync.Mutex
	blocks   map[uint32]*bcache.Block // distinct dirtied blocks, keyed by block number
	order    []uint32                 // insertion order, for deterministic journal writes
	Allocated []uint32
	Freed     []uint32
}

func newTransaction(ts uint64) *Transaction {
	return &Transaction{Timestamp: ts, State: StateOpen, blocks: make(map[uint32]*bcache.Block)}
}

// getForWrite backs txnBinder.GetForWrite (inode.Txn): it fetches bno
// through the cache and records it as part of this transaction if not
// already present — mirroring biscuit's per-op `distinct` block set. It
// does not mark the block dirty; the caller does that when it writes. A block
// touched by more than one op in the same transaction is only pinned
// once; the extra reference from a repeat Get is released immediately so
// the transaction holds exactly one reference per distinct block, ready
// to be dropped by ReleaseAll once the transaction is written back.
func (t *Transaction) getForWrite(cache *bcache.Cache, bno uint32) (*bcache.Block, error) {
	blk, err := cache.Get(bno)
	if err != nil {
		return nil, err
	}
	t.mu.Lock()
	if _, ok := t.blocks[bno]; !ok {
		t.blocks[bno] = blk
		t.order = append(t.order, bno)
		t.mu.Unlock()
		return blk, nil
	}
	t.mu.Unlock()
	cache.Release(blk)
	return blk, nil
}

// Blocks returns the transaction's dirtied blocks in the order they were
// first touched, ready for internal/journal to serialize.
func (t *Transaction) Blocks() []*bcache.Block {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*bcache.Block, len(t.order))
	for i, bno := range t.order {
		out[i] = t.blocks[bno]
	}
	return out
}

// ReleaseAll drops the transaction's own reference to every distinct block
// it touched via GetForWrite. Callers must call this exactly once, after
// the blocks have been written back, so evictIfFullLocked and
// /dev/evict_caches can reclaim them again.
func (t *Transaction) ReleaseAll(cache *bcache.Cache) {
	for _, blk := range t.Blocks() {
		cache.Release(blk)
	}
}

// txnBinder adapts a Transaction plus an Allocator/Cache pair to the
// inode.Txn interface, so inode-store mutation methods can be handed a
// live transaction without an import cycle.
type txnBinder struct {
	t     *Transaction
	cache *bcache.Cache
	alloc *balloc.Allocator
}

func (b *txnBinder) GetForWrite(bno uint32) (*bcache.Block, error) {
	return b.t.getForWrite(b.cache, bno)
}

func (b *txnBinder) AllocBlock() (uint32, error) {
	bno, err := b.alloc.Alloc(b)
	if err != nil {
		return 0, err
	}
	b.t.mu.Lock()
	b.t.Allocated = append(b.t.Allocated, bno)
	b.t.mu.Unlock()
	return bno, nil
}

func (b *txnBinder) FreeBlock(bno uint32) error {
	if err := b.alloc.Free(b, bno); err != nil {
		return err
	}
	b.t.mu.Lock()
	b.t.Freed = append(b.t.Freed, bno)
	b.t.mu.Unlock()
	return nil
}

// Assembler owns the components a logical operation touches on its way to
// becoming a physical transaction.
type Assembler struct {
	Cache *bcache.Cache
	Alloc *balloc.Allocator
	Store *inode.Store
	Mnode *mnode.Manager
}

// Apply walks the fused operation sequence oplog.WaitSynchronize returned
// and folds every op into a single Transaction, mirroring scalefs.cc's
// add_to_transaction_queue loop over process_metadata_log's fused vector.
func (a *Assembler) Apply(ops []Operation) (*Transaction, error) {
	if len(ops) == 0 {
		return nil, nil
	}
	t := newTransaction(ops[len(ops)-1].Tsc)
	binder := &txnBinder{t: t, cache: a.Cache, alloc: a.Alloc}

	for _, op := range ops {
		if err := a.applyOne(binder, op); err != nil {
			return nil, err
		}
	}
	t.State = StatePrepared
	return t, nil
}

// Operation is an alias of oplog.Operation, so callers of Apply can name
// the operation type through txn.
type Operation = oplog.Operation

func (a *Assembler) applyOne(binder *txnBinder, op Operation) error {
	switch op.Kind {
	case oplog.KindCreate:
		return a.applyCreate(binder, op)
	case oplog.KindLink:
		return a.applyLink(binder, op)
	case oplog.KindUnlink:
		return a.applyUnlink(binder, op)
	case oplog.KindRename:
		return a.applyRename(binder, op)
	case oplog.KindDelete:
		return a.applyDelete(binder, op)
	default:
		return fmt.Errorf("txn: unknown operation kind %v", op.Kind)
	}
}

func (a *Assembler) resolveDirInode(parentID uint64) (*inode.Inode, *mnode.Mnode, error) {
	pm, ok := a.Mnode.Get(parentID)
	if !ok {
		return nil, nil, fmt.Errorf("txn: parent mnode %d not resident", parentID)
	}
	inum := pm.Inum()
	if inum == 0 {
		a.Mnode.Refdown(pm)
		return nil, nil, fmt.Errorf("txn: parent mnode %d has no backing inode", parentID)
	}
	dip, err := a.Store.Iget(inum)
	if err != nil {
		a.Mnode.Refdown(pm)
		return nil, nil, err
	}
	return dip, pm, nil
}

func (a *Assembler) applyCreate(binder *txnBinder, op Operation) error {
	dip, pm, err := a.resolveDirInode(op.ParentID)
	if err != nil {
		return err
	}
	defer a.Mnode.Refdown(pm)

	itype := inode.TypeFile
	if op.IsDir {
		itype = inode.TypeDir
	}
	child, err := a.Store.Ialloc(binder, itype)
	if err != nil {
		return err
	}
	if err := a.Store.Dirlink(binder, dip, op.Name, child.Inum); err != nil {
		return err
	}
	if op.IsDir {
		// every non-root directory carries "." and ".." entries. "." is a
		// self-link, so the child starts at nlink 2 (Ialloc's initial 1 plus
		// this one); ".." is a real link back to the parent, so mkdir also
		// bumps the parent's nlink — the pair scalefs.cc's
		// mnode_alloc/create_directory_entry perform together.
		if err := a.Store.Dirlink(binder, child, ".", child.Inum); err != nil {
			return err
		}
		if err := bumpNlink(binder, a.Store, child, 1); err != nil {
			return err
		}
		if err := a.Store.Dirlink(binder, child, "..", dip.Inum); err != nil {
			return err
		}
		if err := bumpNlink(binder, a.Store, dip, 1); err != nil {
			return err
		}
	}

	cm, ok := a.Mnode.Get(op.MnodeID)
	if !ok {
		return fmt.Errorf("txn: create target mnode %d not resident", op.MnodeID)
	}
	defer a.Mnode.Refdown(cm)
	a.Mnode.BindInode(cm, child.Inum)
	a.Mnode.LinkChild(pm, cm, op.Name)
	return nil
}

func (a *Assembler) applyLink(binder *txnBinder, op Operation) error {
	dip, pm, err := a.resolveDirInode(op.ParentID)
	if err != nil {
		return err
	}
	defer a.Mnode.Refdown(pm)

	cm, ok := a.Mnode.Get(op.MnodeID)
	if !ok {
		return fmt.Errorf("txn: link target mnode %d not resident", op.MnodeID)
	}
	defer a.Mnode.Refdown(cm)
	inum := cm.Inum()
	if inum == 0 {
		return fmt.Errorf("txn: link target mnode %d has no backing inode", op.MnodeID)
	}
	cip, err := a.Store.Iget(inum)
	if err != nil {
		return err
	}
	if err := a.Store.Dirlink(binder, dip, op.Name, inum); err != nil {
		return err
	}
	cip.Nlink() // touch for seqlock-consistent read before mutation below
	if err := bumpNlink(binder, a.Store, cip, 1); err != nil {
		return err
	}
	a.Mnode.LinkChild(pm, cm, op.Name)
	return nil
}

func (a *Assembler) applyUnlink(binder *txnBinder, op Operation) error {
	dip, pm, err := a.resolveDirInode(op.ParentID)
	if err != nil {
		return err
	}
	defer a.Mnode.Refdown(pm)

	inum, err := a.Store.Dirunlink(binder, dip, op.Name)
	if err != nil {
		return err
	}
	if inum == 0 {
		return nil
	}
	a.Mnode.UnlinkChild(pm, op.Name)

	cip, err := a.Store.Iget(inum)
	if err != nil {
		return err
	}
	if err := bumpNlink(binder, a.Store, cip, -1); err != nil {
		return err
	}
	if cip.Nlink() == 0 {
		a.Mnode.Identity.MarkWeak(inum)
	}
	return nil
}

func (a *Assembler) applyRename(binder *txnBinder, op Operation) error {
	oldDip, oldPm, err := a.resolveDirInode(op.ParentID)
	if err != nil {
		return err
	}
	defer a.Mnode.Refdown(oldPm)
	newDip, newPm, err := a.resolveDirInode(op.NewParentID)
	if err != nil {
		return err
	}
	defer a.Mnode.Refdown(newPm)

	inum, err := a.Store.Dirunlink(binder, oldDip, op.Name)
	if err != nil {
		return err
	}
	if inum == 0 {
		return fmt.Errorf("txn: rename source %q not found", op.Name)
	}
	a.Mnode.UnlinkChild(oldPm, op.Name)

	if err := a.Store.Dirlink(binder, newDip, op.NewName, inum); err != nil {
		return err
	}
	cm, ok := a.Mnode.Get(op.MnodeID)
	if !ok {
		return fmt.Errorf("txn: rename target mnode %d not resident", op.MnodeID)
	}
	defer a.Mnode.Refdown(cm)
	a.Mnode.LinkChild(newPm, cm, op.NewName)
	cm.SetParent(op.NewParentID)
	if op.IsDir {
		cip, err := a.Store.Iget(inum)
		if err != nil {
			return err
		}
		if _, err := a.Store.Dirunlink(binder, cip, ".."); err != nil {
			return err
		}
		if err := a.Store.Dirlink(binder, cip, "..", newDip.Inum); err != nil {
			return err
		}
	}
	return nil
}

func (a *Assembler) applyDelete(binder *txnBinder, op Operation) error {
	inum, ok := a.Mnode.Identity.ResolveID(op.MnodeID)
	if !ok {
		return nil // already reclaimed
	}
	ip, err := a.Store.Iget(inum)
	if err != nil {
		return err
	}
	if ip.Nlink() != 0 {
		return fmt.Errorf("txn: delete op for still-linked inode %d", inum)
	}
	if err := a.Store.Itrunc(binder, ip, 0); err != nil {
		return err
	}
	if err := a.Store.Ifree(binder, ip); err != nil {
		return err
	}
	a.Mnode.Identity.Forget(op.MnodeID, inum)
	return nil
}

// bumpNlink adjusts ip's link count and persists it, mirroring the
// biscuit's imemnode_t._linkup/_linkdown.
func bumpNlink(binder *txnBinder, store *inode.Store, ip *inode.Inode, delta int) error {
	return store.AdjustNlink(binder, ip, delta)
}
