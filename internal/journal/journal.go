// Package journal is the physical write-ahead journal: start/data*/commit
// records covering one transaction's dirtied blocks, replayed on mount to
// recover from a crash between commit and checkpoint.
//
// Wire format and recovery state machine are ported directly from
// original_source/kernel/scalefs.cc's journal_block_header /
// write_journal_header / write_journal_transaction_blocks / process_journal
// / clear_journal. The journal addresses a fixed block range on the
// device instead of going through a namei'd "/sv6journal" inode, avoiding
// a bootstrap dependency on the inode store the journal itself protects,
// grounded on biscuit's simpler fixed logstart/loglen approach
// (_teacher_fs/log.go).
package journal

import (
	"encoding/binary"
	"fmt"
	"sync"

	"scalefs/internal/blockdev"
)

// recordType tags one physical journal record, matching scalefs.cc's
// jrnl_start/jrnl_data/jrnl_commit enum.
type recordType uint8

const (
	recNone   recordType = 0 // zero header = end of journal
	recStart  recordType = 1
	recData   recordType = 2
	recCommit recordType = 3
)

// headerSize is the on-disk size of one journal_block_header record: an
// 8-byte timestamp, a 4-byte block number, and a 1-byte type tag, padded to
// a round number for simple offset arithmetic.
const headerSize = 16

// A journal record occupies headerSize bytes of header followed by one full
// data block, mirroring write_journal_hdrblock's back-to-back header+data
// layout.
const recordSize = headerSize + blockdev.BlockSize

// DiskBlock is one block's worth of journal payload plus its destination
// block number, i.e. transaction_diskblock in scalefs.cc.
type DiskBlock struct {
	BlockNum uint32
	Data     [blockdev.BlockSize]byte
}

// Journal owns a fixed, preallocated block range of the device and
// serializes commits to it. Only one transaction may be mid-commit at a
// time (PrepareForCommit's exclusive lock, mirroring
// mfs_interface::prepare_for_commit's journal_lock).
type Journal struct {
	dev   blockdev.Device
	start uint32 // first block of the journal region
	nblk  uint32 // size of the journal region, in blocks

	mu     sync.Mutex // PrepareForCommit's exclusive lock
	offset uint32     // current write offset in bytes, reset by Truncate
}

func New(dev blockdev.Device, start, nblk uint32) *Journal {
	return &Journal{dev: dev, start: start, nblk: nblk}
}

// PrepareForCommit acquires the journal's exclusive commit lock. Callers
// must call the returned release function exactly once when the commit (or
// abort) is complete.
func (j *Journal) PrepareForCommit() (release func()) {
	j.mu.Lock()
	return j.mu.Unlock
}

func (j *Journal) capacityBytes() uint32 { return j.nblk * blockdev.BlockSize }

func (j *Journal) blockAndOffset(byteOffset uint32) (uint32, uint32) {
	blk := byteOffset / blockdev.BlockSize
	off := byteOffset % blockdev.BlockSize
	return blk, off
}

// writeRaw writes n bytes at the journal's current offset, straddling
// blockdev.BlockSize-sized underlying blocks as needed, and advances the
// offset. Caller holds j.mu.
func (j *Journal) writeRaw(buf []byte) error {
	if j.offset+uint32(len(buf)) > j.capacityBytes() {
		return fmt.Errorf("journal: transaction does not fit in journal region (%d bytes free)",
			j.capacityBytes()-j.offset)
	}
	var scratch [blockdev.BlockSize]byte
	remaining := buf
	pos := j.offset
	for len(remaining) > 0 {
		blkIdx, blkOff := j.blockAndOffset(pos)
		if err := j.dev.ReadBlock(j.start+blkIdx, scratch[:]); err != nil {
			return err
		}
		n := copy(scratch[blkOff:], remaining)
		if err := j.dev.WriteBlock(j.start+blkIdx, scratch[:]); err != nil {
			return err
		}
		remaining = remaining[n:]
		pos += uint32(n)
	}
	j.offset = pos
	return nil
}

func encodeHeader(ts uint64, blockNum uint32, typ recordType) []byte {
	buf := make([]byte, headerSize)
	binary.LittleEndian.PutUint64(buf[0:8], ts)
	binary.LittleEndian.PutUint32(buf[8:12], blockNum)
	buf[12] = byte(typ)
	return buf
}

func decodeHeader(buf []byte) (ts uint64, blockNum uint32, typ recordType) {
	ts = binary.LittleEndian.Uint64(buf[0:8])
	blockNum = binary.LittleEndian.Uint32(buf[8:12])
	typ = recordType(buf[12])
	return
}

func isZero(buf []byte) bool {
	for _, b := range buf {
		if b != 0 {
			return false
		}
	}
	return true
}

// AppendTransaction writes a start record, one data record per block, and a
// commit record, all under the caller-held PrepareForCommit lock — mirroring
// mfs_interface::add_fsync_to_journal / flush_journal_locked. It does not
// apply the transaction to its home blocks; that is internal/scalefs's job
// once this call returns successfully, preserving write-ahead ordering.
func (j *Journal) AppendTransaction(ts uint64, blocks []DiskBlock) error {
	if err := j.writeRaw(encodeHeader(ts, 0, recStart)); err != nil {
		return err
	}
	var pad [blockdev.BlockSize]byte
	if err := j.writeRaw(pad[:]); err != nil {
		return err
	}
	for _, b := range blocks {
		if err := j.writeRaw(encodeHeader(ts, b.BlockNum, recData)); err != nil {
			return err
		}
		if err := j.writeRaw(b.Data[:]); err != nil {
			return err
		}
	}
	if err := j.writeRaw(encodeHeader(ts, 0, recCommit)); err != nil {
		return err
	}
	if err := j.writeRaw(pad[:]); err != nil {
		return err
	}
	return j.dev.Flush()
}

// Truncate zero-fills the journal region up to the current offset and
// resets the write cursor, mirroring mfs_interface::clear_journal. Called
// once a transaction's blocks have been safely written back to their home
// locations (post_process_transaction in scalefs.cc).
func (j *Journal) Truncate() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	var zero [blockdev.BlockSize]byte
	nblk := (j.offset + blockdev.BlockSize - 1) / blockdev.BlockSize
	for i := uint32(0); i < nblk; i++ {
		if err := j.dev.WriteBlock(j.start+i, zero[:]); err != nil {
			return err
		}
	}
	j.offset = 0
	return j.dev.Flush()
}

// RecoveredTransaction is one fully-committed transaction found during
// Recover, ready for internal/scalefs to apply to home locations.
type RecoveredTransaction struct {
	Timestamp uint64
	Blocks    []DiskBlock
}

// Recover replays the journal's start/data*/commit records, mirroring
// process_journal's state machine: a start record opens a pending block
// list, data records accumulate into it, and a commit record finalizes it
// as an applyable transaction. A zero header ends the scan. On return the
// journal region is zero-filled, matching process_journal's own zero_fill
// call.
//
// A data or commit record that does not belong to the open transaction
// (no start record before it, or a different timestamp), or a record of
// unknown type, also ends the scan: every transaction committed before it
// is returned, and the pending transaction and everything after it are
// discarded.
func (j *Journal) Recover() ([]RecoveredTransaction, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	var out []RecoveredTransaction
	var pending []DiskBlock
	var currentTs uint64
	inTxn := false

	pos := uint32(0)
	limit := j.capacityBytes()
	hdrBuf := make([]byte, headerSize)
	dataBuf := make([]byte, blockdev.BlockSize)

scan:
	for pos+headerSize+blockdev.BlockSize <= limit {
		if err := j.readAt(pos, hdrBuf); err != nil {
			return nil, err
		}
		if isZero(hdrBuf) {
			break
		}
		pos += headerSize
		if err := j.readAt(pos, dataBuf); err != nil {
			return nil, err
		}
		pos += blockdev.BlockSize

		ts, blockNum, typ := decodeHeader(hdrBuf)
		switch typ {
		case recStart:
			currentTs = ts
			pending = nil
			inTxn = true
		case recData:
			if !inTxn || ts != currentTs {
				break scan
			}
			var db DiskBlock
			db.BlockNum = blockNum
			copy(db.Data[:], dataBuf)
			pending = append(pending, db)
		case recCommit:
			if !inTxn || ts != currentTs {
				break scan
			}
			out = append(out, RecoveredTransaction{Timestamp: ts, Blocks: pending})
			pending = nil
			inTxn = false
		default:
			break scan
		}
	}

	j.offset = pos
	if err := j.zeroFillLocked(); err != nil {
		return nil, err
	}
	return out, nil
}

func (j *Journal) readAt(byteOffset uint32, buf []byte) error {
	var scratch [blockdev.BlockSize]byte
	remaining := buf
	pos := byteOffset
	for len(remaining) > 0 {
		blkIdx, blkOff := j.blockAndOffset(pos)
		if err := j.dev.ReadBlock(j.start+blkIdx, scratch[:]); err != nil {
			return err
		}
		n := copy(remaining, scratch[blkOff:])
		remaining = remaining[n:]
		pos += uint32(n)
	}
	return nil
}

func (j *Journal) zeroFillLocked() error {
	var zero [blockdev.BlockSize]byte
	for i := uint32(0); i < j.nblk; i++ {
		if err := j.dev.WriteBlock(j.start+i, zero[:]); err != nil {
			return err
		}
	}
	j.offset = 0
	return j.dev.Flush()
}
