// Package scalefs is the VFS-facing façade that wires together the block
// allocator, inode store, mnode layer, oplog, transaction assembler, and
// physical journal into one crash-consistent filesystem, and exposes the
// external interfaces: fsync/sync, file page I/O, block/cache statistics,
// cache eviction.
//
// Layout discovery (superblock fields, region offsets) is grounded on
// biscuit's Fs_t/StartFS (_teacher_fs/fs.go, _teacher_fs/super.go). The
// two-tier persistence pipeline itself — oplog append, timestamp barrier,
// transaction assembly, journal write-ahead, apply, checkpoint — follows
// original_source/kernel/scalefs.cc's mfs_interface method-by-method.
package scalefs

import (
	"fmt"
	"sync"
	"sync/atomic"

	"scalefs/internal/balloc"
	"scalefs/internal/bcache"
	"scalefs/internal/blockdev"
	"scalefs/internal/inode"
	"scalefs/internal/journal"
	"scalefs/internal/mnode"
	"scalefs/internal/oplog"
	"scalefs/internal/txn"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Superblock is the on-disk region map, deliberately simpler than the
// biscuit's Superblock_t (_teacher_fs/super.go) since a separate
// orphan-inode bitmap is not needed: unreferenced inodes are reclaimed
// through the oplog delete op, not a boot-time orphan scan.
type Superblock struct {
	JournalStart, JournalLen   uint32
	BitmapStart, BitmapLen     uint32
	InodeStart, InodeLen       uint32
	DataStart, DataLen         uint32
	RootInum                   uint32
}

const superblockBlock = 0

// FS is the assembled filesystem instance. One FS owns one device.
type FS struct {
	dev   blockdev.Device
	cache *bcache.Cache
	alloc *balloc.Allocator
	store *inode.Store
	mnodes *mnode.Manager
	oplog *oplog.Log
	asm   *txn.Assembler
	jrnl  *journal.Journal
	sb    Superblock

	log *logrus.Entry

	root *mnode.Mnode

	ncpu int // shard count oplog was constructed with

	mu        sync.Mutex // serializes fsync/sync against concurrent oplog draining
	mountUUID string

	fsyncTsc uint64 // atomic: last timestamp handed to a completed fsync
}

// Format lays out a fresh superblock, zeroes the bitmap/inode regions, and
// creates the root directory. Used by cmd/scalefsctl's mkfs.
func Format(dev blockdev.Device, ncpu int, mountUUID string, log *logrus.Entry) (*FS, error) {
	total := dev.NumBlocks()
	// Rough proportional layout: 1/8 of the device for the journal, 1/32
	// for the bitmap (generous relative to real bitmap density, simplicity
	// over packing), 1/8 for inodes, remainder for data.
	journalLen := total / 8
	if journalLen < 8 {
		journalLen = 8
	}
	bitmapLen := total / 32
	if bitmapLen < 1 {
		bitmapLen = 1
	}
	inodeLen := total / 8
	if inodeLen < 1 {
		inodeLen = 1
	}
	journalStart := uint32(1)
	bitmapStart := journalStart + journalLen
	inodeStart := bitmapStart + bitmapLen
	dataStart := inodeStart + inodeLen
	if dataStart >= total {
		return nil, fmt.Errorf("scalefs: device too small to format (%d blocks)", total)
	}
	dataLen := total - dataStart

	sb := Superblock{
		JournalStart: journalStart, JournalLen: journalLen,
		BitmapStart: bitmapStart, BitmapLen: bitmapLen,
		InodeStart: inodeStart, InodeLen: inodeLen,
		DataStart: dataStart, DataLen: dataLen,
	}

	if err := writeSuperblock(dev, sb); err != nil {
		return nil, err
	}

	fs, err := mount(dev, sb, ncpu, mountUUID, log)
	if err != nil {
		return nil, err
	}

	// Zero the bitmap and inode regions, then mark every data block free.
	var zero [blockdev.BlockSize]byte
	for b := sb.BitmapStart; b < sb.DataStart; b++ {
		if err := dev.WriteBlock(b, zero[:]); err != nil {
			return nil, err
		}
	}
	if err := fs.alloc.InitializeFreeBitVector(); err != nil {
		return nil, err
	}

	iallocTxn := &bootTxn{fs: fs}
	defer iallocTxn.release()
	rootIp, err := fs.store.Ialloc(iallocTxn, inode.TypeDir)
	if err != nil {
		return nil, err
	}
	fs.sb.RootInum = rootIp.Inum
	if err := writeSuperblock(dev, fs.sb); err != nil {
		return nil, err
	}
	fs.root = fs.mnodes.AllocDir(0)
	fs.mnodes.BindInode(fs.root, rootIp.Inum)

	txnHandle := &bootTxn{fs: fs}
	defer txnHandle.release()
	if err := fs.store.Dirlink(txnHandle, rootIp, ".", rootIp.Inum); err != nil {
		return nil, err
	}
	if err := fs.store.Dirlink(txnHandle, rootIp, "..", rootIp.Inum); err != nil {
		return nil, err
	}
	if err := fs.cache.Flush(); err != nil {
		return nil, err
	}
	return fs, nil
}

func writeSuperblock(dev blockdev.Device, sb Superblock) error {
	var buf [blockdev.BlockSize]byte
	putU32 := func(off int, v uint32) { buf[off] = byte(v); buf[off+1] = byte(v >> 8); buf[off+2] = byte(v >> 16); buf[off+3] = byte(v >> 24) }
	putU32(0, sb.JournalStart)
	putU32(4, sb.JournalLen)
	putU32(8, sb.BitmapStart)
	putU32(12, sb.BitmapLen)
	putU32(16, sb.InodeStart)
	putU32(20, sb.InodeLen)
	putU32(24, sb.DataStart)
	putU32(28, sb.DataLen)
	putU32(32, sb.RootInum)
	return dev.WriteBlock(superblockBlock, buf[:])
}

func readSuperblock(dev blockdev.Device) (Superblock, error) {
	var buf [blockdev.BlockSize]byte
	if err := dev.ReadBlock(superblockBlock, buf[:]); err != nil {
		return Superblock{}, err
	}
	getU32 := func(off int) uint32 {
		return uint32(buf[off]) | uint32(buf[off+1])<<8 | uint32(buf[off+2])<<16 | uint32(buf[off+3])<<24
	}
	sb := Superblock{
		JournalStart: getU32(0), JournalLen: getU32(4),
		BitmapStart: getU32(8), BitmapLen: getU32(12),
		InodeStart: getU32(16), InodeLen: getU32(20),
		DataStart: getU32(24), DataLen: getU32(28),
		RootInum: getU32(32),
	}
	if sb.JournalLen == 0 {
		return sb, fmt.Errorf("scalefs: superblock not formatted")
	}
	return sb, nil
}

// bootTxn is a degenerate txn.Assembler-shaped writer used only while
// building the superblock's initial layout, before an oplog barrier exists
// to produce a real transaction. It writes straight to the cache and lets
// Format's final Flush push everything to disk, mirroring the way the
// biscuit's mkfs tooling formats a fresh image outside of the logging path.
type bootTxn struct {
	fs *FS

	mu     sync.Mutex
	blocks map[uint32]*bcache.Block
}

// GetForWrite fetches bno through the cache and tracks it the same way
// txn.Transaction.getForWrite does, so a single bootTxn only holds one
// reference per distinct block no matter how many callers touch it.
func (b *bootTxn) GetForWrite(bno uint32) (*bcache.Block, error) {
	blk, err := b.fs.cache.Get(bno)
	if err != nil {
		return nil, err
	}
	b.mu.Lock()
	if b.blocks == nil {
		b.blocks = make(map[uint32]*bcache.Block)
	}
	if _, ok := b.blocks[bno]; !ok {
		b.blocks[bno] = blk
		b.mu.Unlock()
		return blk, nil
	}
	b.mu.Unlock()
	b.fs.cache.Release(blk)
	return blk, nil
}

func (b *bootTxn) AllocBlock() (uint32, error) { return b.fs.alloc.Alloc(b) }
func (b *bootTxn) FreeBlock(bno uint32) error  { return b.fs.alloc.Free(b, bno) }

// release drops bootTxn's own reference to every block it fetched. Callers
// must call this exactly once their writes are durable or otherwise safe
// to unpin, mirroring txn.Transaction.ReleaseAll.
func (b *bootTxn) release() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, blk := range b.blocks {
		b.fs.cache.Release(blk)
	}
	b.blocks = nil
}

// StartFS mounts an already-formatted device: reads the superblock,
// replays the journal, rebuilds the free-bit vector, and loads the root
// mnode. Mirrors biscuit's StartFS (_teacher_fs/fs.go).
func StartFS(dev blockdev.Device, ncpu int, mountUUID string, log *logrus.Entry) (*FS, error) {
	sb, err := readSuperblock(dev)
	if err != nil {
		return nil, errors.Wrap(err, "scalefs: reading superblock")
	}
	fs, err := mount(dev, sb, ncpu, mountUUID, log)
	if err != nil {
		return nil, err
	}
	if err := fs.recover(); err != nil {
		return nil, errors.Wrap(err, "scalefs: journal recovery")
	}
	if err := fs.alloc.InitializeFreeBitVector(); err != nil {
		return nil, errors.Wrap(err, "scalefs: rebuilding free-bit vector")
	}
	if err := fs.LoadRoot(); err != nil {
		return nil, errors.Wrap(err, "scalefs: loading root")
	}
	return fs, nil
}

func mount(dev blockdev.Device, sb Superblock, ncpu int, mountUUID string, log *logrus.Entry) (*FS, error) {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	cache := bcache.New(dev, 4096, log)
	alloc := balloc.New(cache, sb.BitmapStart, sb.BitmapLen, sb.DataStart, sb.DataLen)
	store := inode.NewStore(cache, sb.InodeStart, sb.InodeLen)
	mnodes := mnode.NewManager(store)
	oplogInst := oplog.New(ncpu)
	jrnl := journal.New(dev, sb.JournalStart, sb.JournalLen)

	fs := &FS{
		dev: dev, cache: cache, alloc: alloc, store: store,
		mnodes: mnodes, oplog: oplogInst, jrnl: jrnl, sb: sb,
		log: log.WithField("component", "scalefs").WithField("mount", mountUUID),
		mountUUID: mountUUID,
		ncpu:      ncpu,
	}
	fs.asm = &txn.Assembler{Cache: cache, Alloc: alloc, Store: store, Mnode: mnodes}
	mnodes.SetDeleteCallback(func(m *mnode.Mnode) { fs.EnqueueDelete(nextShard(fs.shardCount()), m) })
	return fs, nil
}

// recover replays the physical journal into home locations before the
// free-bit vector is rebuilt, mirroring scalefs.cc's process_journal being
// called ahead of initialize_free_bit_vector in the boot sequence.
func (fs *FS) recover() error {
	txns, err := fs.jrnl.Recover()
	if err != nil {
		return err
	}
	for _, t := range txns {
		fs.log.WithField("ts", t.Timestamp).Debug("replaying recovered transaction")
		for _, db := range t.Blocks {
			if err := fs.dev.WriteBlock(db.BlockNum, db.Data[:]); err != nil {
				return err
			}
		}
	}
	return fs.dev.Flush()
}

// LoadRoot binds fs.root to the superblock's recorded root inode number,
// mirroring scalefs.cc's load_root.
func (fs *FS) LoadRoot() error {
	fs.root = fs.mnodes.AllocDir(0)
	fs.mnodes.BindInode(fs.root, fs.sb.RootInum)
	return nil
}

// Root returns the root directory mnode.
func (fs *FS) Root() *mnode.Mnode { return fs.root }

// nextShard round-robins across oplog shards; a real deployment would key
// this off runtime.NumCPU()/the calling goroutine's P, matching the
// CPU-to-oplog-shard mapping scalefs.cc uses. A simple atomic counter is
// sufficient here since correctness does not depend on which shard an op
// lands in, only that WaitSynchronize drains all of them.
var shardCounter uint64

func nextShard(n int) int {
	return int(atomic.AddUint64(&shardCounter, 1) % uint64(n))
}

func (fs *FS) shardCount() int {
	if fs.ncpu < 1 {
		return 1
	}
	return fs.ncpu
}

// MetadataOpStart begins one logical operation on shard, returning the
// start timestamp the caller must pass to MetadataOpEnd. Mirrors
// scalefs.cc's mfs_interface::mfs_op_id.
func (fs *FS) MetadataOpStart(shard int) uint64 {
	return fs.oplog.UpdateStartTsc(shard)
}

// MetadataOpEnd closes out the operation begun by MetadataOpStart.
func (fs *FS) MetadataOpEnd(shard int, startTsc uint64) {
	fs.oplog.UpdateEndTsc(shard, startTsc)
}

// AddToMetadataLog appends op to shard's oplog, mirroring
// mfs_interface::add_to_metadata_log_locked.
func (fs *FS) AddToMetadataLog(shard int, op oplog.Operation) {
	fs.oplog.AddOperation(shard, op)
}

// ProcessMetadataLogAndFlush fuses every shard's pending operations up to
// the current timestamp, assembles them into one physical transaction,
// writes it ahead to the journal, applies it to home locations, and
// truncates the journal. This is the full-sync path; fsync's dependency
// closure variant is Fsync below. Mirrors
// mfs_interface::process_metadata_log / add_fsync_to_journal /
// flush_journal_locked.
func (fs *FS) ProcessMetadataLogAndFlush() error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	maxTsc := fs.oplog.CurrentTsc()
	ops := fs.oplog.WaitSynchronize(maxTsc)
	return fs.commit(ops)
}

func (fs *FS) commit(ops []oplog.Operation) error {
	if len(ops) == 0 {
		return nil
	}
	transaction, err := fs.asm.Apply(ops)
	if err != nil {
		return errors.Wrap(err, "scalefs: applying metadata log")
	}
	if transaction == nil {
		return nil
	}
	// Every block the assembler touched is still marked dirty, so it is
	// safe to drop the transaction's own pin on it now: evictIfFullLocked
	// and EvictClean both refuse to reclaim a dirty block regardless of
	// refcount, and WriteBack below clears the dirty bit only once the
	// block is durably home. Without this, a block written by any
	// transaction stays pinned for the life of the mount.
	defer transaction.ReleaseAll(fs.cache)

	release := fs.jrnl.PrepareForCommit()
	defer release()

	diskBlocks := make([]journal.DiskBlock, 0, len(transaction.Blocks()))
	for _, blk := range transaction.Blocks() {
		blk.Lock()
		var db journal.DiskBlock
		db.BlockNum = blk.Num
		db.Data = blk.Data
		blk.Unlock()
		diskBlocks = append(diskBlocks, db)
	}
	if err := fs.jrnl.AppendTransaction(transaction.Timestamp, diskBlocks); err != nil {
		release()
		return errors.Wrap(err, "scalefs: writing journal")
	}
	transaction.State = txn.StateLogged

	for _, blk := range transaction.Blocks() {
		if err := fs.cache.WriteBack(blk); err != nil {
			release()
			return errors.Wrap(err, "scalefs: writing back transaction blocks")
		}
	}
	transaction.State = txn.StateApplied

	// Truncate takes the journal lock itself, so the commit lock is dropped
	// first; fs.mu still keeps other commits out until this one returns.
	release()
	if err := fs.jrnl.Truncate(); err != nil {
		return errors.Wrap(err, "scalefs: truncating journal")
	}
	transaction.State = txn.StateRetired
	atomic.StoreUint64(&fs.fsyncTsc, transaction.Timestamp)
	return nil
}

// Sync is the full sync(2) path: flush every dirty mnode's data through
// SyncDirtyFiles, then process the entire metadata log. Mirrors
// scalefs.cc's mfs_interface::sync_dirty_files followed by a full
// process_metadata_log.
func (fs *FS) Sync() error {
	if err := fs.SyncDirtyFiles(); err != nil {
		return err
	}
	return fs.ProcessMetadataLogAndFlush()
}

// SyncDirtyFiles writes back every dirty block in the buffer cache,
// mirroring scalefs.cc's sync_dirty_files: file data is written through
// the ordinary buffer cache rather than the oplog (see SyncFilePage), so
// there is no per-mnode dirty list to walk — a full cache write-back is
// the only way to know every file's pages have reached the device, not
// just fsync's target.
func (fs *FS) SyncDirtyFiles() error {
	return fs.cache.Flush()
}

// Fsync implements a dependency-closure fsync: instead of flushing the
// entire metadata log, it selects only the operations target's fsync
// depends on, flushes target's (and any dependency's) dirty file data, and
// folds the selected metadata ops into one transaction. Grounded on
// scalefs.cc's find_dependent_ops / mfs_interface::mfs_fsync.
func (fs *FS) Fsync(target *mnode.Mnode) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	maxTsc := fs.oplog.CurrentTsc()
	ops := fs.oplog.WaitSynchronize(maxTsc)

	deps := fs.findDependentOps(target, ops)

	// File content lives outside the oplog/journal path (SyncFilePage
	// writes it straight to the buffer cache as an ordered write), so
	// committing the metadata closure alone would durably record a create
	// whose data was never written home. Flush target's data unconditionally
	// (it may have dirty pages with no pending metadata op at all) and every
	// other file mnode the closure touches.
	if err := fs.syncFileData(target); err != nil {
		return err
	}
	for _, op := range deps {
		m, ok := fs.mnodes.Get(op.MnodeID)
		if !ok {
			continue
		}
		err := fs.syncFileData(m)
		fs.mnodes.Refdown(m)
		if err != nil {
			return err
		}
	}

	if err := fs.commit(deps); err != nil {
		return err
	}
	// Operations not part of the dependency closure are still pending;
	// re-queue them so a later full sync or fsync picks them up.
	leftover := make([]oplog.Operation, 0, len(ops)-len(deps))
	depSet := make(map[oplog.Operation]bool, len(deps))
	for _, d := range deps {
		depSet[d] = true
	}
	for _, op := range ops {
		if !depSet[op] {
			leftover = append(leftover, op)
		}
	}
	if len(leftover) > 0 {
		fs.oplog.Preload(0, leftover)
	}
	return nil
}

// syncFileData writes back a file mnode's inode block and data blocks
// directly, without flushing the entire buffer cache: Fsync only commits
// the dependency closure's actual content, leaving unrelated dirty blocks
// for a later Sync. No-op for directory mnodes and for mnodes with no
// backing inode yet.
func (fs *FS) syncFileData(m *mnode.Mnode) error {
	if m.Type != mnode.TypeFile {
		return nil
	}
	inum := m.Inum()
	if inum == 0 {
		return nil
	}
	ip, err := fs.store.Iget(inum)
	if err != nil {
		return err
	}
	return fs.store.FlushInode(ip)
}

// findDependentOps computes the dependency closure of target within ops:
// starting from the seed set {target.Id}, it walks ops in reverse
// timestamp order and pulls in every operation that mentions a member of
// the growing set as its mnode, parent, or (for rename) new parent. Each
// pulled-in operation grows the set by its own parent/new-parent id, so a
// create's ancestor directory is discovered once the create itself is
// selected — the same growing-set walk scalefs.cc's find_dependent_ops
// performs, but with an index-based loop over [0, len) inclusive rather
// than a do-while that terminates on it != begin() and structurally never
// evaluates ops[0].
func (fs *FS) findDependentOps(target *mnode.Mnode, ops []oplog.Operation) []oplog.Operation {
	inSet := map[uint64]bool{target.Id: true}
	selected := make([]bool, len(ops))
	for i := len(ops) - 1; i >= 0; i-- {
		op := ops[i]
		if !inSet[op.MnodeID] && !inSet[op.ParentID] && !inSet[op.NewParentID] {
			continue
		}
		selected[i] = true
		inSet[op.MnodeID] = true
		inSet[op.ParentID] = true
		if op.NewParentID != 0 {
			inSet[op.NewParentID] = true
		}
	}

	deps := make([]oplog.Operation, 0, len(ops))
	for i, keep := range selected {
		if keep {
			deps = append(deps, ops[i])
		}
	}
	return deps
}

// LoadFilePage reads one page of file data through the buffer cache into
// dst, mirroring scalefs.cc's mfs_interface::load_file_page.
func (fs *FS) LoadFilePage(m *mnode.Mnode, pageOffset uint64, dst []byte) (int, error) {
	inum := m.Inum()
	if inum == 0 {
		return 0, fmt.Errorf("scalefs: mnode %d has no backing inode", m.Id)
	}
	ip, err := fs.store.Iget(inum)
	if err != nil {
		return 0, err
	}
	return fs.store.Readi(ip, dst, pageOffset)
}

// SyncFilePage writes one page of file data through the buffer cache,
// mirroring scalefs.cc's mfs_interface::mfs_write. The write goes straight
// to the cache as an ordered write, not logged, matching biscuit's
// Write_ordered treatment of file data blocks.
func (fs *FS) SyncFilePage(m *mnode.Mnode, pageOffset uint64, src []byte) (int, error) {
	inum := m.Inum()
	if inum == 0 {
		return 0, fmt.Errorf("scalefs: mnode %d has no backing inode", m.Id)
	}
	ip, err := fs.store.Iget(inum)
	if err != nil {
		return 0, err
	}
	txnHandle := &bootTxn{fs: fs}
	defer txnHandle.release()
	n, err := fs.store.Writei(txnHandle, ip, src, pageOffset)
	if err != nil {
		return n, err
	}
	if err := fs.store.Iupdate(txnHandle, ip); err != nil {
		return n, err
	}
	m.SetFileSize(ip.Size())
	return n, nil
}

// GetFileSize/UpdateFileSize/TruncateFile round out the file-data surface.
func (fs *FS) GetFileSize(m *mnode.Mnode) uint64 { return m.FileSize() }

func (fs *FS) UpdateFileSize(m *mnode.Mnode, size uint64) {
	m.SetFileSize(size)
}

func (fs *FS) TruncateFile(m *mnode.Mnode, size uint64) error {
	inum := m.Inum()
	if inum == 0 {
		return fmt.Errorf("scalefs: mnode %d has no backing inode", m.Id)
	}
	ip, err := fs.store.Iget(inum)
	if err != nil {
		return err
	}
	txnHandle := &bootTxn{fs: fs}
	defer txnHandle.release()
	if err := fs.store.Itrunc(txnHandle, ip, size); err != nil {
		return err
	}
	if err := fs.store.Iupdate(txnHandle, ip); err != nil {
		return err
	}
	m.SetFileSize(size)
	return nil
}

// BlockStats renders the free-block count in the format biscuit's retired
// /dev/blkstats device used: "\nNum free blocks: <n> / <total>\n".
func (fs *FS) BlockStats() string {
	return fmt.Sprintf("\nNum free blocks: %d / %d\n", fs.alloc.NumFree(), fs.alloc.Size())
}

// Stats aggregates every subsystem's stats string, in biscuit's
// Stats2String-style aggregation idiom (_teacher_fs/inode.go's
// inode_stats_t.stats, _teacher_fs/refcache.go's refcache_t.Stats).
func (fs *FS) Stats() string {
	return fs.BlockStats() + fs.mnodes.Stats()
}

// EvictCaches implements the single-byte /dev/evict_caches contract: '1'
// evicts clean, unreferenced buffer-cache blocks; '2' evicts zero-refcount
// mnodes. Any other length or value is a diagnostic error, mirroring
// biscuit's Devfops_t._sane() argument validation.
func (fs *FS) EvictCaches(cmd []byte) error {
	if len(cmd) != 1 {
		return fmt.Errorf("scalefs: evict_caches expects exactly one byte, got %d", len(cmd))
	}
	switch cmd[0] {
	case '1':
		n := fs.cache.EvictClean()
		fs.log.WithField("evicted", n).Debug("evicted clean buffer-cache blocks")
	case '2':
		n := fs.mnodes.EvictClean()
		fs.log.WithField("evicted", n).Debug("evicted zero-refcount mnodes")
	default:
		return fmt.Errorf("scalefs: evict_caches: unrecognized command byte %q", cmd[0])
	}
	return nil
}

// EvictBufcache and EvictPagecache are named directly for callers that want
// to target one cache without going through the byte-command surface.
func (fs *FS) EvictBufcache() int  { return fs.cache.EvictClean() }
func (fs *FS) EvictPagecache() int { return fs.mnodes.EvictClean() }

// isAncestor reports whether candidate is an ancestor of m (or m itself),
// walking the mnode parent chain. Grounded on scalefs.cc's rename cycle
// check: a rename that would move a directory beneath its own descendant
// must be rejected before any oplog entry is recorded.
func (fs *FS) isAncestor(candidate, m *mnode.Mnode) bool {
	cur := m
	for {
		if cur.Id == candidate.Id {
			return true
		}
		pid := cur.Parent()
		if pid == 0 {
			return false
		}
		parent, ok := fs.mnodes.Get(pid)
		if !ok {
			return false
		}
		if cur != m {
			fs.mnodes.Refdown(cur)
		}
		cur = parent
	}
}

// Rename validates the rename-cycle invariant and then enqueues the
// logical rename op, mirroring scalefs.cc's create_directory_entry name-
// conflict handling and the ancestor check noted above.
func (fs *FS) Rename(shard int, m *mnode.Mnode, oldParent *mnode.Mnode, oldName string, newParent *mnode.Mnode, newName string) error {
	if m.Type == mnode.TypeDir && fs.isAncestor(m, newParent) {
		return fmt.Errorf("scalefs: rename would move directory %d beneath its own descendant", m.Id)
	}
	if existing, err := fs.mnodes.Lookup(newParent, newName); err != nil {
		return err
	} else if existing != nil && existing.Id != m.Id {
		// destination name already points elsewhere: the create-directory-
		// entry contract from scalefs.cc requires the destination to be
		// unlinked as part of the same logical operation, not left dangling,
		// so an unlink of it is logged ahead of the rename op.
		if err := fs.Unlink(shard, newParent, newName); err != nil {
			return err
		}
		fs.mnodes.UnlinkChild(newParent, newName)
		fs.log.WithField("name", newName).Debug("rename overwrote existing destination entry")
	}

	ts := fs.MetadataOpStart(shard)
	defer fs.MetadataOpEnd(shard, ts)
	fs.AddToMetadataLog(shard, oplog.Operation{
		Kind: oplog.KindRename, MnodeID: m.Id,
		ParentID: oldParent.Id, NewParentID: newParent.Id,
		Name: oldName, NewName: newName, IsDir: m.Type == mnode.TypeDir,
	})
	return nil
}

// MountUUID exposes the stamp assigned at StartFS/Format time, used by
// scalefsctl for diagnostics.
func (fs *FS) MountUUID() string { return fs.mountUUID }
