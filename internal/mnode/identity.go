package mnode

import "sync"

// IdentityMap is the bidirectional mnode-id <-> inode-number index,
// grounded on scalefs.cc's mnode-to-inode and inode-to-mnode hash tables
// (mfs_interface::mnode_to_inode_number_map and its inverse).
//
// The mnode-id -> inum direction is a strong, permanent binding: once a
// mnode is bound to an inode it never moves. The inum -> mnode-id
// direction is different: once a file's link count reaches zero, the
// identity map holds only a *weak* entry (mode = weak below), so that the
// mnode's own refcache eviction can still fire onzero and enqueue the
// final delete op instead of being kept artificially alive by this index.
// See DESIGN.md for the write-up of why a strong-reference version would
// delay onzero.
type IdentityMap struct {
	mu sync.Mutex

	idToInum map[uint64]uint32
	inumToID map[uint32]weakEntry
}

type weakEntry struct {
	id   uint64
	weak bool
}

func newIdentityMap() *IdentityMap {
	return &IdentityMap{
		idToInum: make(map[uint64]uint32),
		inumToID: make(map[uint32]weakEntry),
	}
}

// Bind records a fresh mnode<->inode pairing. Called once, when a create
// operation durably allocates the backing inode for a mnode.
func (im *IdentityMap) Bind(id uint64, inum uint32) {
	im.mu.Lock()
	defer im.mu.Unlock()
	im.idToInum[id] = inum
	im.inumToID[inum] = weakEntry{id: id, weak: false}
}

// ResolveID returns the inode number bound to mnode id, if any.
func (im *IdentityMap) ResolveID(id uint64) (uint32, bool) {
	im.mu.Lock()
	defer im.mu.Unlock()
	inum, ok := im.idToInum[id]
	return inum, ok
}

// ResolveInum returns the mnode id bound to inum, if any (weak or strong).
func (im *IdentityMap) ResolveInum(inum uint32) (uint64, bool) {
	im.mu.Lock()
	defer im.mu.Unlock()
	e, ok := im.inumToID[inum]
	if !ok {
		return 0, false
	}
	return e.id, true
}

// MarkWeak demotes the inum -> mnode-id entry to weak once the backing
// inode's link count has hit zero. From this point the entry does not
// prevent the mnode from being reclaimed by the refcache; Forget below
// removes it once reclamation actually happens.
func (im *IdentityMap) MarkWeak(inum uint32) {
	im.mu.Lock()
	defer im.mu.Unlock()
	if e, ok := im.inumToID[inum]; ok {
		e.weak = true
		im.inumToID[inum] = e
	}
}

// Forget removes both directions of the mapping for id/inum. Called from
// the mnode's Evict callback once its refcount has genuinely dropped to
// zero, so a delete op can be enqueued without racing a concurrent lookup
// that would otherwise resurrect a strong reference.
func (im *IdentityMap) Forget(id uint64, inum uint32) {
	im.mu.Lock()
	defer im.mu.Unlock()
	delete(im.idToInum, id)
	if e, ok := im.inumToID[inum]; ok && e.id == id {
		delete(im.inumToID, inum)
	}
}

// IsWeak reports whether inum's reverse entry is currently weak, i.e. its
// link count has already dropped to zero and it is only being kept around
// pending final reclamation. Mnode.Evict uses it to decide whether to
// enqueue the delete op; tests use it to assert the wart fix holds.
func (im *IdentityMap) IsWeak(inum uint32) bool {
	im.mu.Lock()
	defer im.mu.Unlock()
	e, ok := im.inumToID[inum]
	return ok && e.weak
}
