package sched

import (
	"fmt"

	"github.com/emirpasic/gods/trees/redblacktree"
)

// Entry is one (deadline, task) pair in the DeadlineQueue.
type Entry struct {
	At   Instant
	Task TaskID
}

// Handle identifies a live entry for cancellation. The zero Handle is never issued.
type Handle struct {
	key deadlineKey
}

// Valid reports whether h was issued by Insert.
func (h Handle) Valid() bool { return h.key.seq != 0 }

// DeadlineQueue orders suspended tasks by deadline. Equal deadlines are
// released in insertion order. Capacity is fixed when the queue is made.
type DeadlineQueue struct {
	tree    *redblacktree.Tree // deadlineKey -> TaskID
	seq     uint64
	cap     int
	expired []Entry
}

// NewDeadlineQueue makes a queue holding at most capacity entries.
func NewDeadlineQueue(capacity int) *DeadlineQueue {
	return &DeadlineQueue{
		tree:    redblacktree.NewWith(cmpDeadline),
		cap:     capacity,
		expired: make([]Entry, 0, capacity),
	}
}

// Insert adds an entry. A full queue is a configuration defect: ErrCapacity.
func (q *DeadlineQueue) Insert(at Instant, id TaskID) (Handle, error) {
	if q.tree.Size() >= q.cap {
		return Handle{}, fmt.Errorf("%w: deadline queue holds %d entries", ErrCapacity, q.cap)
	}
	q.seq++
	key := deadlineKey{at: at, seq: q.seq}
	q.tree.Put(key, id)
	return Handle{key: key}, nil
}

// Earliest returns the smallest pending deadline.
func (q *DeadlineQueue) Earliest() (Instant, bool) {
	node := q.tree.Left()
	if node == nil {
		return 0, false
	}
	return node.Key.(deadlineKey).at, true
}

// PopExpired removes and returns every entry with a deadline at or before now,
// ascending by deadline then insertion. The returned slice is reused by the
// next call.
func (q *DeadlineQueue) PopExpired(now Instant) []Entry {
	q.expired = q.expired[:0]
	for {
		node := q.tree.Left()
		if node == nil {
			break
		}
		key := node.Key.(deadlineKey)
		if key.at > now {
			break
		}
		q.tree.Remove(key)
		q.expired = append(q.expired, Entry{At: key.at, Task: node.Value.(TaskID)})
	}
	return q.expired
}

// Cancel removes the entry behind h, reporting whether it was still queued.
func (q *DeadlineQueue) Cancel(h Handle) bool {
	if !h.Valid() {
		return false
	}
	if _, found := q.tree.Get(h.key); !found {
		return false
	}
	q.tree.Remove(h.key)
	return true
}

// Len returns the number of queued entries.
func (q *DeadlineQueue) Len() int { return q.tree.Size() }

// Cap returns the fixed capacity.
func (q *DeadlineQueue) Cap() int { return q.cap }

// deadlineKey is used as a key in the red-black tree.
type deadlineKey struct {
	at  Instant
	seq uint64
}

// cmpDeadline orders by deadline, then by insertion sequence.
func cmpDeadline(a, b any) int {
	ka, kb := a.(deadlineKey), b.(deadlineKey)
	switch {
	case ka.at < kb.at:
		return -1
	case ka.at > kb.at:
		return 1
	case ka.seq < kb.seq:
		return -1
	case ka.seq > kb.seq:
		return 1
	default:
		return 0
	}
}
