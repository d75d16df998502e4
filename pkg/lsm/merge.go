package lsm

import (
	"bytes"
	"container/heap"
	"io"
)

// entryStream is one ordered input to the merge iterator: the nursery's
// snapshot, or a range reader over one level's SortedFile.
type entryStream interface {
	// Next returns the next entry in ascending key order, or io.EOF when
	// the stream is exhausted.
	Next() (*Entry, error)
}

// sliceStream adapts an in-memory, already-sorted slice (the nursery's
// snapshot) to entryStream.
type sliceStream struct {
	entries []*Entry
	i       int
}

func newSliceStream(entries []*Entry) *sliceStream {
	return &sliceStream{entries: entries}
}

func (s *sliceStream) Next() (*Entry, error) {
	if s.i >= len(s.entries) {
		return nil, io.EOF
	}
	e := s.entries[s.i]
	s.i++
	return e, nil
}

// fileStream adapts a SortedFile range reader to entryStream.
type fileStream struct {
	read func() (*Entry, error)
}

func newFileStream(read func() (*Entry, error)) *fileStream {
	return &fileStream{read: read}
}

func (s *fileStream) Next() (*Entry, error) {
	return s.read()
}

// heapItem is one live stream's current head entry, tagged with the
// stream's priority (lower = wins ties: nursery is priority 0, level TOP
// is 1, each level below that increments by one).
type heapItem struct {
	entry    *Entry
	priority int
	stream   entryStream
}

// mergeHeap orders items by key ascending, then by priority ascending so
// the highest-priority (smallest number) stream wins when keys tie.
type mergeHeap []*heapItem

func (h mergeHeap) Len() int { return len(h) }
func (h mergeHeap) Less(i, j int) bool {
	c := bytes.Compare(h[i].entry.Key, h[j].entry.Key)
	if c != 0 {
		return c < 0
	}
	return h[i].priority < h[j].priority
}
func (h mergeHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *mergeHeap) Push(x any)        { *h = append(*h, x.(*heapItem)) }
func (h *mergeHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}

// pushStream reads one entry from s and, if present, pushes it onto h at
// the given priority.
func pushStream(h *mergeHeap, s entryStream, priority int) error {
	e, err := s.Next()
	if err == io.EOF {
		return nil
	}
	if err != nil {
		return err
	}
	heap.Push(h, &heapItem{entry: e, priority: priority, stream: s})
	return nil
}
