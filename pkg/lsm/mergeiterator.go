package lsm

import (
	"container/heap"
	"io"
	"time"
)

// MergeIterator combines the nursery's snapshot and each level's sorted
// file streams into one ascending, de-duplicated stream, with shadowing:
// for each distinct key, the entry from the highest-priority stream wins;
// if that entry is a tombstone or expired, the key is skipped entirely.
//
// This is a fresh container/heap implementation rather than an adaptation
// of a linear-scan compaction pass: a heap lets the iterator advance only
// the streams that actually need it, which matters once the chain has
// many levels and most of them don't share the next key.
type MergeIterator struct {
	h   mergeHeap
	to  []byte
	now time.Time
}

// NewMergeIterator builds an iterator over streams (ordered by
// decreasing priority — index 0 is the nursery, index 1 is level TOP,
// and so on) restricted to [from, to). from/to may be nil for an
// unbounded start/end.
func NewMergeIterator(streams []entryStream, to []byte, now time.Time) (*MergeIterator, error) {
	it := &MergeIterator{to: to, now: now}
	heap.Init(&it.h)
	for priority, s := range streams {
		if err := pushStream(&it.h, s, priority); err != nil {
			return nil, err
		}
	}
	return it, nil
}

// Next returns the next live (key, entry) pair in ascending order, or
// io.EOF when the range is exhausted.
func (it *MergeIterator) Next() (*Entry, error) {
	for it.h.Len() > 0 {
		top := it.h[0]
		if len(it.to) > 0 && string(top.entry.Key) >= string(it.to) {
			return nil, io.EOF
		}

		winner := top.entry
		key := winner.Key

		// Pop the winner and advance its stream.
		heap.Pop(&it.h)
		if err := pushStream(&it.h, top.stream, top.priority); err != nil {
			return nil, err
		}

		// Drain any other heap entries sharing this key: they are
		// shadowed by the winner (which came from the
		// highest-priority stream, since ties break on priority).
		for it.h.Len() > 0 && string(it.h[0].entry.Key) == string(key) {
			shadowed := it.h[0]
			heap.Pop(&it.h)
			if err := pushStream(&it.h, shadowed.stream, shadowed.priority); err != nil {
				return nil, err
			}
		}

		if winner.Live(it.now) {
			return winner, nil
		}
		// Tombstoned or expired: keep scanning for the next key.
	}
	return nil, io.EOF
}
