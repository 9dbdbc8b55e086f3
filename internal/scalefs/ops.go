package scalefs

import (
	"fmt"

	"scalefs/internal/mnode"
	"scalefs/internal/oplog"
)

// InitializeFile allocates a fresh, as-yet-unbound file mnode and enqueues
// a create op linking it into parent under name. The backing inode is not
// allocated until the operation is applied by ProcessMetadataLogAndFlush
// or Fsync; lazy population.
func (fs *FS) InitializeFile(shard int, parent *mnode.Mnode, name string) (*mnode.Mnode, error) {
	return fs.initializeChild(shard, parent, name, false)
}

// InitializeDir is InitializeFile's directory counterpart.
func (fs *FS) InitializeDir(shard int, parent *mnode.Mnode, name string) (*mnode.Mnode, error) {
	return fs.initializeChild(shard, parent, name, true)
}

func (fs *FS) initializeChild(shard int, parent *mnode.Mnode, name string, isDir bool) (*mnode.Mnode, error) {
	if parent.Type != mnode.TypeDir {
		return nil, fmt.Errorf("scalefs: parent mnode %d is not a directory", parent.Id)
	}
	if existing, err := fs.mnodes.Lookup(parent, name); err != nil {
		return nil, err
	} else if existing != nil {
		return nil, fmt.Errorf("scalefs: %q already exists", name)
	}

	var child *mnode.Mnode
	if isDir {
		child = fs.mnodes.AllocDir(parent.Id)
	} else {
		child = fs.mnodes.AllocFile(parent.Id)
	}

	ts := fs.MetadataOpStart(shard)
	defer fs.MetadataOpEnd(shard, ts)
	fs.AddToMetadataLog(shard, oplog.Operation{
		Kind: oplog.KindCreate, MnodeID: child.Id, ParentID: parent.Id, Name: name, IsDir: isDir,
	})
	return child, nil
}

// Link enqueues a hard-link op binding an existing mnode to a new name in
// parent, mirroring scalefs.cc's create_directory_entry for the link case.
func (fs *FS) Link(shard int, parent *mnode.Mnode, name string, target *mnode.Mnode) error {
	if parent.Type != mnode.TypeDir {
		return fmt.Errorf("scalefs: parent mnode %d is not a directory", parent.Id)
	}
	if target.Type == mnode.TypeDir {
		return fmt.Errorf("scalefs: hard links to directories are not permitted")
	}
	ts := fs.MetadataOpStart(shard)
	defer fs.MetadataOpEnd(shard, ts)
	fs.AddToMetadataLog(shard, oplog.Operation{
		Kind: oplog.KindLink, MnodeID: target.Id, ParentID: parent.Id, Name: name,
	})
	return nil
}

// Unlink enqueues an unlink op removing name from parent. If the target
// mnode's link count reaches zero as a result, its eventual reclamation
// enqueues the matching delete op itself once the identity map's weak
// entry lets refcache eviction fire (see internal/mnode/identity.go).
func (fs *FS) Unlink(shard int, parent *mnode.Mnode, name string) error {
	if parent.Type != mnode.TypeDir {
		return fmt.Errorf("scalefs: parent mnode %d is not a directory", parent.Id)
	}
	ts := fs.MetadataOpStart(shard)
	defer fs.MetadataOpEnd(shard, ts)
	fs.AddToMetadataLog(shard, oplog.Operation{
		Kind: oplog.KindUnlink, ParentID: parent.Id, Name: name,
	})
	return nil
}

// Lookup resolves name within parent, populating the mnode cache from disk
// on a miss.
func (fs *FS) Lookup(parent *mnode.Mnode, name string) (*mnode.Mnode, error) {
	return fs.mnodes.Lookup(parent, name)
}

// Readdir returns the visible child names of dir.
func (fs *FS) Readdir(dir *mnode.Mnode) ([]string, error) {
	return fs.mnodes.ChildNames(dir)
}

// EnqueueDelete records the delete op for an mnode whose refcount has just
// dropped to zero with nlink already zero. Called from the mnode
// reclamation callback, not directly by filesystem clients — see
// DESIGN.md for why this replaces the strong-reference identity map entry
// that used to keep the object artificially alive.
func (fs *FS) EnqueueDelete(shard int, m *mnode.Mnode) {
	ts := fs.MetadataOpStart(shard)
	defer fs.MetadataOpEnd(shard, ts)
	fs.AddToMetadataLog(shard, oplog.Operation{Kind: oplog.KindDelete, MnodeID: m.Id})
}
