// Package blockdev is the block device collaborator contract; the real
// IDE/AHCI driver and its interrupt-driven DMA are out of scope, so this
// package only needs to satisfy the shape the rest of the filesystem
// relies on: fixed-size block read/write plus a barrier flush.
package blockdev

import (
	"fmt"
	"os"
	"sync"
)

// BlockSize matches biscuit's BSIZE (_teacher_fs/blk.go).
const BlockSize = 4096

// Device is the contract the buffer cache and journal are built against.
// Analogous to biscuit's common.Disk_i, trimmed to what the filesystem
// core actually calls: synchronous reads (the cache fills on miss) and
// synchronous writes with an explicit Flush barrier for the journal's
// write-ahead ordering.
type Device interface {
	ReadBlock(bno uint32, buf []byte) error
	WriteBlock(bno uint32, buf []byte) error
	Flush() error
	NumBlocks() uint32
}

// MemDevice is an in-memory Device, used by tests and whenever no device
// path is configured.
// Grounded on biscuit's memfs mode (fs.go: "var memfs = false").
type MemDevice struct {
	mu     sync.RWMutex
	blocks [][BlockSize]byte
}

func NewMemDevice(nblocks uint32) *MemDevice {
	return &MemDevice{blocks: make([][BlockSize]byte, nblocks)}
}

func (d *MemDevice) NumBlocks() uint32 { return uint32(len(d.blocks)) }

func (d *MemDevice) ReadBlock(bno uint32, buf []byte) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if bno >= uint32(len(d.blocks)) {
		return fmt.Errorf("blockdev: read block %d out of range (%d blocks)", bno, len(d.blocks))
	}
	copy(buf, d.blocks[bno][:])
	return nil
}

func (d *MemDevice) WriteBlock(bno uint32, buf []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if bno >= uint32(len(d.blocks)) {
		return fmt.Errorf("blockdev: write block %d out of range (%d blocks)", bno, len(d.blocks))
	}
	copy(d.blocks[bno][:], buf)
	return nil
}

func (d *MemDevice) Flush() error { return nil }

// FileDevice backs a Device with a regular file, one BlockSize slot per
// block number. Used by scalefsctl and scalefusefs when a device path is
// given.
type FileDevice struct {
	mu   sync.Mutex
	f    *os.File
	nblk uint32
}

func OpenFileDevice(path string, nblocks uint32) (*FileDevice, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, err
	}
	if err := f.Truncate(int64(nblocks) * BlockSize); err != nil {
		f.Close()
		return nil, err
	}
	return &FileDevice{f: f, nblk: nblocks}, nil
}

func (d *FileDevice) NumBlocks() uint32 { return d.nblk }

func (d *FileDevice) ReadBlock(bno uint32, buf []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if bno >= d.nblk {
		return fmt.Errorf("blockdev: read block %d out of range (%d blocks)", bno, d.nblk)
	}
	_, err := d.f.ReadAt(buf[:BlockSize], int64(bno)*BlockSize)
	return err
}

func (d *FileDevice) WriteBlock(bno uint32, buf []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if bno >= d.nblk {
		return fmt.Errorf("blockdev: write block %d out of range (%d blocks)", bno, d.nblk)
	}
	_, err := d.f.WriteAt(buf[:BlockSize], int64(bno)*BlockSize)
	return err
}

func (d *FileDevice) Flush() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.f.Sync()
}

func (d *FileDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.f.Close()
}
