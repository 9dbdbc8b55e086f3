// Package oplog is the logical operation log: one append-only buffer per
// CPU core, fused by a timestamp barrier into a single ordered sequence
// that the transaction assembler (internal/txn) consumes. Grounded on
// scalefs.cc's per-core mfs_log_state and
// update_start_tsc/update_end_tsc/add_operation/wait_synchronize. Each shard
// is a mutex-guarded slice and the barrier is a direct, synchronous call;
// there is no background goroutine or channel, unlike biscuit's own log
// daemon (_teacher_fs/log.go: log_daemon/commit_daemon).
package oplog

import (
	"sort"
	"sync"
	"sync/atomic"
)

// Kind tags the five logical operations a filesystem-tree mutation can be.
type Kind int

const (
	KindCreate Kind = iota
	KindLink
	KindUnlink
	KindRename
	KindDelete
)

func (k Kind) String() string {
	switch k {
	case KindCreate:
		return "create"
	case KindLink:
		return "link"
	case KindUnlink:
		return "unlink"
	case KindRename:
		return "rename"
	case KindDelete:
		return "delete"
	default:
		return "unknown"
	}
}

// Operation is one logically-ordered filesystem-tree mutation, addressed by
// mnode id so it can be enqueued before the operation's inode is durably
// allocated.
type Operation struct {
	Kind Kind
	Tsc  uint64 // timestamp this op was linearized at, set by add_operation

	MnodeID   uint64
	ParentID  uint64
	NewParentID uint64 // rename only
	Name      string
	NewName   string // rename only
	IsDir     bool
}

// perCore is one CPU core's append log. Grounded on scalefs.cc's per-core
// operation_vec plus the start/end tsc pair guarding concurrent appenders.
type perCore struct {
	mu    sync.Mutex
	ops   []Operation
	startTsc uint64
	endTsc   uint64
}

// Log is the full per-core oplog fan-in, sized to one shard per CPU.
type Log struct {
	shards []perCore
	tscGen uint64 // atomic monotonic counter standing in for rdtsc
}

func New(ncpu int) *Log {
	if ncpu < 1 {
		ncpu = 1
	}
	return &Log{shards: make([]perCore, ncpu)}
}

func (l *Log) nextTsc() uint64 { return atomic.AddUint64(&l.tscGen, 1) }

// UpdateStartTsc records the timestamp of an in-flight operation before its
// side effects are visible to any other core, per scalefs.cc's
// update_start_tsc. shard identifies the calling core: core-local by
// construction, no locking needed across shards.
func (l *Log) UpdateStartTsc(shard int) uint64 {
	s := &l.shards[shard%len(l.shards)]
	ts := l.nextTsc()
	s.mu.Lock()
	s.startTsc = ts
	s.mu.Unlock()
	return ts
}

// UpdateEndTsc records the timestamp once the operation's effects are fully
// visible, mirroring update_end_tsc.
func (l *Log) UpdateEndTsc(shard int, ts uint64) {
	s := &l.shards[shard%len(l.shards)]
	s.mu.Lock()
	if ts > s.endTsc {
		s.endTsc = ts
	}
	s.mu.Unlock()
}

// AddOperation appends op to shard's log, stamping it with a fresh
// timestamp, mirroring scalefs.cc's add_operation.
func (l *Log) AddOperation(shard int, op Operation) {
	op.Tsc = l.nextTsc()
	s := &l.shards[shard%len(l.shards)]
	s.mu.Lock()
	s.ops = append(s.ops, op)
	s.mu.Unlock()
}

// WaitSynchronize implements scalefs.cc's wait_synchronize(max_tsc): it
// drains every shard's operations with Tsc <= maxTsc, merges them in
// timestamp order, and returns the fused sequence for the transaction
// assembler to apply. Operations left behind (Tsc > maxTsc, i.e. appended
// concurrently with this call) remain in their shard for the next barrier.
//
// scalefs.cc's process_metadata_log used a do-while loop that always skipped
// operation_vec[0] before iterating; this port avoids that bug by
// iterating [0, len) inclusive.
func (l *Log) WaitSynchronize(maxTsc uint64) []Operation {
	var fused []Operation
	for i := range l.shards {
		s := &l.shards[i]
		s.mu.Lock()
		var remaining []Operation
		for _, op := range s.ops {
			if op.Tsc <= maxTsc {
				fused = append(fused, op)
			} else {
				remaining = append(remaining, op)
			}
		}
		s.ops = remaining
		s.mu.Unlock()
	}
	sort.Slice(fused, func(i, j int) bool { return fused[i].Tsc < fused[j].Tsc })
	return fused
}

// CurrentTsc returns a fresh timestamp without recording an operation,
// used by callers that need a synchronization point: fsync's dependency
// closure calls this to pick maxTsc.
func (l *Log) CurrentTsc() uint64 { return l.nextTsc() }

// Preload appends ops to shard's log as they are, keeping their existing
// timestamps. Fsync uses it to put back the operations its dependency
// closure did not select, so a later barrier picks them up.
func (l *Log) Preload(shard int, ops []Operation) {
	s := &l.shards[shard%len(l.shards)]
	s.mu.Lock()
	s.ops = append(s.ops, ops...)
	s.mu.Unlock()
}
