// Package mnode is the mnode layer: refcounted in-memory namespace nodes
// that sit above the inode store and give the oplog/txn pipeline a place
// to record logical operations before they are fused into a physical
// transaction.
//
// The refcounting and cache-eviction pattern is grounded on biscuit's
// icache_t/refcache_t (_teacher_fs/inode.go, _teacher_fs/refcache.go); the
// dentry map is a much simpler generalization of biscuit's dc_rbh_t
// (_teacher_fs/fsrb.go): no disk-backed scanning fallback is needed here,
// unlike a kernel with bounded memory.
package mnode

import (
	"fmt"
	"sync"

	"scalefs/internal/inode"
)

type Type int

const (
	TypeDir Type = iota
	TypeFile
)

// Mnode is the common namespace-node header shared by directory and file
// mnodes. Id is a process-lifetime-unique handle; it is what the oplog
// records operations against, decoupled from the inode number the block
// pipeline eventually assigns.
type Mnode struct {
	Id   uint64
	Type Type

	mgr  *Manager
	inum uint32 // 0 until this mnode has a backing inode

	mu     sync.Mutex
	dir    *dirState
	file   *fileState
	parent uint64 // owning directory's mnode id; tracked for files too, since the rename ancestor check walks up from any mnode
}

type dirState struct {
	loaded  bool // true once entries have been read from disk at least once
	entries map[string]uint64 // name -> child mnode id
}

type fileState struct {
	size uint64
}

// Evict is the refcache reclamation callback, fired the instant m's
// refcount drops to zero. If m's identity-map entry has already been
// marked weak (its backing inode's link count hit zero while the mnode
// was still live), this is the last chance to reclaim the inode: enqueue
// the delete op and forget the identity mapping. Ordinary cache eviction
// of a still-linked mnode leaves the identity mapping alone so a later
// Lookup can rebind it.
func (m *Mnode) Evict() {
	inum := m.Inum()
	if inum == 0 || m.mgr.Identity == nil || !m.mgr.Identity.IsWeak(inum) {
		return
	}
	if cb := m.mgr.deleteCallback; cb != nil {
		cb(m)
	}
	m.mgr.Identity.Forget(m.Id, inum)
}

func (m *Mnode) Evictnow() bool { return true }

// Inum returns the backing inode number, or 0 if this mnode has not been
// bound to one yet.
func (m *Mnode) Inum() uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.inum
}

func (m *Mnode) setInum(inum uint32) {
	m.mu.Lock()
	m.inum = inum
	m.mu.Unlock()
}

// Manager owns the mnode id space, the refcache of live mnodes, and the
// identity map back to inode numbers.
type Manager struct {
	store *inode.Store

	idMu   sync.Mutex
	nextID uint64

	rc *refcache

	Identity *IdentityMap

	deleteCallback func(*Mnode)
}

// SetDeleteCallback registers the function called when a weakly-identified
// mnode (nlink already zero) is actually reclaimed by the refcache. The
// scalefs façade wires this to enqueuing the oplog delete op, since the
// mnode package itself cannot depend on the oplog/txn layers above it.
func (mg *Manager) SetDeleteCallback(cb func(*Mnode)) {
	mg.deleteCallback = cb
}

func NewManager(store *inode.Store) *Manager {
	return &Manager{
		store:    store,
		nextID:   1,
		rc:       newRefcache(),
		Identity: newIdentityMap(),
	}
}

func (mg *Manager) allocID() uint64 {
	mg.idMu.Lock()
	defer mg.idMu.Unlock()
	id := mg.nextID
	mg.nextID++
	return id
}

// AllocDir creates a fresh, unpopulated directory mnode not yet bound to an
// inode. Grounded on scalefs.cc's mnode_alloc for mnode_type_dir.
func (mg *Manager) AllocDir(parent uint64) *Mnode {
	id := mg.allocID()
	m := &Mnode{Id: id, Type: TypeDir, mgr: mg, parent: parent, dir: &dirState{entries: make(map[string]uint64)}}
	mg.rc.lookup(int64(id), func() evictable { return m })
	return m
}

// AllocFile creates a fresh, unpopulated file mnode owned by parent.
// Grounded on scalefs.cc's mnode_alloc for mnode_type_file.
func (mg *Manager) AllocFile(parent uint64) *Mnode {
	id := mg.allocID()
	m := &Mnode{Id: id, Type: TypeFile, mgr: mg, parent: parent, file: &fileState{}}
	mg.rc.lookup(int64(id), func() evictable { return m })
	return m
}

// Get returns the live mnode for id, or nil if it is not currently cached.
// Namespace lookups resolve name -> id -> mnode through here; the
// transaction assembler in internal/txn and Fsync in internal/scalefs also
// use this.
func (mg *Manager) Get(id uint64) (*Mnode, bool) {
	mg.rc.mu.Lock()
	e, ok := mg.rc.refs[int64(id)]
	mg.rc.mu.Unlock()
	if !ok {
		return nil, false
	}
	mg.rc.refup(e)
	return e.obj.(*Mnode), true
}

// Refdown releases a reference obtained from Get/Alloc*.
func (mg *Manager) Refdown(m *Mnode) {
	mg.rc.mu.Lock()
	e, ok := mg.rc.refs[int64(m.Id)]
	mg.rc.mu.Unlock()
	if !ok {
		return
	}
	mg.rc.refdown(e)
}

// EvictClean drops every zero-refcount mnode, implementing the mnode half
// of /dev/evict_caches.
func (mg *Manager) EvictClean() int { return mg.rc.evictClean() }

func (mg *Manager) Stats() string {
	return fmt.Sprintf("mnode: size %d #evictions %d\n", mg.rc.len(), mg.rc.nevict)
}

// BindInode records that m is now backed by inum, and wires the identity
// map entry both ways. Called once, right after the transaction assembler
// durably allocates the inode for a create op.
func (mg *Manager) BindInode(m *Mnode, inum uint32) {
	m.setInum(inum)
	mg.Identity.Bind(m.Id, inum)
}

// Lookup resolves name within directory mnode dir, consulting the cached
// dentry map first and falling back to the on-disk directory: a directory
// mnode does not eagerly materialize mnodes for every child, only for
// children that have actually been looked up.
func (mg *Manager) Lookup(dir *Mnode, name string) (*Mnode, error) {
	if dir.Type != TypeDir {
		return nil, fmt.Errorf("mnode: lookup on non-directory mnode %d", dir.Id)
	}
	dir.mu.Lock()
	if id, ok := dir.dir.entries[name]; ok {
		dir.mu.Unlock()
		child, ok := mg.Get(id)
		if ok {
			return child, nil
		}
		// evicted; fall through to reload from disk
	} else {
		dir.mu.Unlock()
	}

	inum := dir.Inum()
	if inum == 0 {
		return nil, nil
	}
	dip, err := mg.store.Iget(inum)
	if err != nil {
		return nil, err
	}
	childInum, err := mg.store.Dirlookup(dip, name)
	if err != nil || childInum == 0 {
		return nil, err
	}

	var child *Mnode
	if id, ok := mg.Identity.ResolveInum(childInum); ok {
		if c, ok := mg.Get(id); ok {
			child = c
		}
	}
	if child == nil {
		childIp, err := mg.store.Iget(childInum)
		if err != nil {
			return nil, err
		}
		if childIp.Type() == inode.TypeDir {
			child = mg.AllocDir(dir.Id)
		} else {
			child = mg.AllocFile(dir.Id)
		}
		mg.BindInode(child, childInum)
	}

	dir.mu.Lock()
	dir.dir.entries[name] = child.Id
	dir.mu.Unlock()
	return child, nil
}

// Populate eagerly loads every on-disk entry of dir except "." and ".."
// into the dentry map, used by directory listing (ChildNames): lazy
// population is per-entry, but a full readdir needs all of them at once.
func (mg *Manager) Populate(dir *Mnode) error {
	dir.mu.Lock()
	loaded := dir.dir.loaded
	inum := dir.inum
	dir.mu.Unlock()
	if loaded || inum == 0 {
		return nil
	}
	dip, err := mg.store.Iget(inum)
	if err != nil {
		return err
	}
	ents, err := mg.store.Direntries(dip)
	if err != nil {
		return err
	}
	for _, de := range ents {
		if de.Name == "." || de.Name == ".." {
			continue
		}
		if _, err := mg.Lookup(dir, de.Name); err != nil {
			return err
		}
	}
	dir.mu.Lock()
	dir.dir.loaded = true
	dir.mu.Unlock()
	return nil
}

// ChildNames returns the cached child names of dir, populating first if
// needed.
func (mg *Manager) ChildNames(dir *Mnode) ([]string, error) {
	if err := mg.Populate(dir); err != nil {
		return nil, err
	}
	dir.mu.Lock()
	defer dir.mu.Unlock()
	names := make([]string, 0, len(dir.dir.entries))
	for n := range dir.dir.entries {
		names = append(names, n)
	}
	return names, nil
}

// LinkChild records name -> child in dir's cached dentry map. Callers are
// responsible for the durable directory-entry write through inode.Dirlink;
// this only maintains the in-memory namespace mirror.
func (mg *Manager) LinkChild(dir, child *Mnode, name string) {
	dir.mu.Lock()
	dir.dir.entries[name] = child.Id
	dir.mu.Unlock()
}

// UnlinkChild removes name from dir's cached dentry map.
func (mg *Manager) UnlinkChild(dir *Mnode, name string) {
	dir.mu.Lock()
	delete(dir.dir.entries, name)
	dir.mu.Unlock()
}

// Parent returns the mnode id of m's owning directory, as recorded when m
// was allocated. Both directory and file mnodes carry this: the rename
// ancestor check (scalefs isAncestor) walks parents regardless of m's type.
func (m *Mnode) Parent() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.parent
}

// SetParent updates m's owning-directory pointer, called when a rename
// moves m under a new parent.
func (m *Mnode) SetParent(parent uint64) {
	m.mu.Lock()
	m.parent = parent
	m.mu.Unlock()
}

// FileSize returns the cached file size mirror; kept in sync by the
// scalefs façade's UpdateFileSize.
func (m *Mnode) FileSize() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.file.size
}

func (m *Mnode) SetFileSize(sz uint64) {
	m.mu.Lock()
	m.file.size = sz
	m.mu.Unlock()
}
