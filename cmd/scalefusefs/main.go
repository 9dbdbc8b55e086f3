// Command scalefusefs mounts a scalefs image as a FUSE filesystem,
// translating each VFS operation into the internal/scalefs façade's
// mnode-level API. Grounded on hanwen/go-fuse's nodefs pattern, the FUSE
// binding present in the pack's andrewmoise-grits repo
// (internal/server/fuse.go).
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"sync/atomic"
	"syscall"

	"scalefs/internal/blockdev"
	"scalefs/internal/logging"
	"scalefs/internal/mnode"
	"scalefs/internal/scalefs"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"
	"github.com/pkg/errors"
	"github.com/spf13/viper"

	sfconfig "scalefs/internal/config"
)

func main() {
	mountpoint := flag.String("mountpoint", "", "directory to mount the filesystem at")
	device := flag.String("device", "", "path to the backing device image (empty for an in-memory device)")
	numBlocks := flag.Uint("blocks", 1<<16, "device size in blocks; a device image file is resized to this")
	flag.Parse()

	if *mountpoint == "" {
		fmt.Fprintln(os.Stderr, "scalefusefs: -mountpoint is required")
		os.Exit(1)
	}

	v := viper.New()
	cfg, err := sfconfig.Load(v, "")
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	cfg.NumBlocks = uint32(*numBlocks)
	cfg.DevicePath = *device

	log := logging.L()

	var dev blockdev.Device
	if cfg.DevicePath == "" {
		dev = blockdev.NewMemDevice(cfg.NumBlocks)
	} else {
		dev, err = blockdev.OpenFileDevice(cfg.DevicePath, cfg.NumBlocks)
		if err != nil {
			fmt.Fprintln(os.Stderr, errors.Wrap(err, "opening device"))
			os.Exit(1)
		}
	}

	sfs, err := scalefs.StartFS(dev, cfg.NumCPU, "scalefusefs", log)
	if err != nil {
		sfs, err = scalefs.Format(dev, cfg.NumCPU, "scalefusefs", log)
		if err != nil {
			fmt.Fprintln(os.Stderr, errors.Wrap(err, "formatting device"))
			os.Exit(1)
		}
	}

	root := &scalefsNode{fs: sfs, m: sfs.Root()}
	server, err := fs.Mount(*mountpoint, root, &fs.Options{})
	if err != nil {
		fmt.Fprintln(os.Stderr, errors.Wrap(err, "mounting"))
		os.Exit(1)
	}
	log.Infof("mounted scalefs at %s", *mountpoint)
	server.Wait()
}

var shardCursor uint64

func nextShard(n int) int {
	if n < 1 {
		n = 1
	}
	return int(atomic.AddUint64(&shardCursor, 1) % uint64(n))
}

// scalefsNode adapts one mnode to go-fuse's fs.InodeEmbedder contract.
// Only the directory-traversal and basic file I/O surface is implemented;
// permission bits, extended attributes, and mmap stay out of scope as
// external VFS-layer concerns.
type scalefsNode struct {
	fs.Inode
	fs *scalefs.FS
	m  *mnode.Mnode
}

var _ fs.NodeLookuper = (*scalefsNode)(nil)
var _ fs.NodeReaddirer = (*scalefsNode)(nil)
var _ fs.NodeGetattrer = (*scalefsNode)(nil)
var _ fs.NodeReader = (*scalefsNode)(nil)
var _ fs.NodeWriter = (*scalefsNode)(nil)
var _ fs.NodeCreater = (*scalefsNode)(nil)
var _ fs.NodeMkdirer = (*scalefsNode)(nil)
var _ fs.NodeUnlinker = (*scalefsNode)(nil)

func attrFor(sfs *scalefs.FS, m *mnode.Mnode, out *fuse.Attr) {
	out.Ino = m.Id
	if m.Type == mnode.TypeDir {
		out.Mode = fuse.S_IFDIR | 0755
	} else {
		out.Mode = fuse.S_IFREG | 0644
		out.Size = sfs.GetFileSize(m)
	}
}

func (n *scalefsNode) child(name string) (*scalefsNode, syscall.Errno) {
	child, err := n.fs.Lookup(n.m, name)
	if err != nil {
		return nil, syscall.EIO
	}
	if child == nil {
		return nil, syscall.ENOENT
	}
	return &scalefsNode{fs: n.fs, m: child}, 0
}

func (n *scalefsNode) Lookup(ctx context.Context, name string, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	c, errno := n.child(name)
	if errno != 0 {
		return nil, errno
	}
	attrFor(n.fs, c.m, &out.Attr)
	stable := fs.StableAttr{Ino: c.m.Id}
	if c.m.Type == mnode.TypeDir {
		stable.Mode = fuse.S_IFDIR
	} else {
		stable.Mode = fuse.S_IFREG
	}
	return n.NewInode(ctx, c, stable), 0
}

func (n *scalefsNode) Readdir(ctx context.Context) (fs.DirStream, syscall.Errno) {
	names, err := n.fs.Readdir(n.m)
	if err != nil {
		return nil, syscall.EIO
	}
	entries := make([]fuse.DirEntry, 0, len(names))
	for _, name := range names {
		entries = append(entries, fuse.DirEntry{Name: name})
	}
	return fs.NewListDirStream(entries), 0
}

func (n *scalefsNode) Getattr(ctx context.Context, f fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	attrFor(n.fs, n.m, &out.Attr)
	return 0
}

func (n *scalefsNode) Read(ctx context.Context, f fs.FileHandle, dest []byte, off int64) (fuse.ReadResult, syscall.Errno) {
	nread, err := n.fs.LoadFilePage(n.m, uint64(off), dest)
	if err != nil {
		return nil, syscall.EIO
	}
	return fuse.ReadResultData(dest[:nread]), 0
}

func (n *scalefsNode) Write(ctx context.Context, f fs.FileHandle, data []byte, off int64) (uint32, syscall.Errno) {
	nwrote, err := n.fs.SyncFilePage(n.m, uint64(off), data)
	if err != nil {
		return 0, syscall.EIO
	}
	return uint32(nwrote), 0
}

func (n *scalefsNode) Create(ctx context.Context, name string, flags uint32, mode uint32, out *fuse.EntryOut) (*fs.Inode, fs.FileHandle, uint32, syscall.Errno) {
	child, err := n.fs.InitializeFile(nextShard(4), n.m, name)
	if err != nil {
		return nil, nil, 0, syscall.EIO
	}
	if err := n.fs.ProcessMetadataLogAndFlush(); err != nil {
		return nil, nil, 0, syscall.EIO
	}
	attrFor(n.fs, child, &out.Attr)
	stable := fs.StableAttr{Ino: child.Id, Mode: fuse.S_IFREG}
	inode := n.NewInode(ctx, &scalefsNode{fs: n.fs, m: child}, stable)
	return inode, nil, 0, 0
}

func (n *scalefsNode) Mkdir(ctx context.Context, name string, mode uint32, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	child, err := n.fs.InitializeDir(nextShard(4), n.m, name)
	if err != nil {
		return nil, syscall.EIO
	}
	if err := n.fs.ProcessMetadataLogAndFlush(); err != nil {
		return nil, syscall.EIO
	}
	attrFor(n.fs, child, &out.Attr)
	stable := fs.StableAttr{Ino: child.Id, Mode: fuse.S_IFDIR}
	return n.NewInode(ctx, &scalefsNode{fs: n.fs, m: child}, stable), 0
}

func (n *scalefsNode) Unlink(ctx context.Context, name string) syscall.Errno {
	if err := n.fs.Unlink(nextShard(4), n.m, name); err != nil {
		return syscall.EIO
	}
	if err := n.fs.ProcessMetadataLogAndFlush(); err != nil {
		return syscall.EIO
	}
	return 0
}
