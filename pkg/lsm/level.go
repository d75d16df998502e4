package lsm

import (
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/nurserykv/nurserykv/pkg/broker"
	"github.com/nurserykv/nurserykv/pkg/logging"
)

// lookupResult is sent back to a caller of Level.Lookup over a one-shot
// reply channel, once the lookup message reaches the front of the level's
// inbox and is answered on the level's own goroutine.
type lookupResult struct {
	entry     *Entry
	tombstone bool
	found     bool
	err       error
}

type injectMsg struct {
	file  *SortedFile
	reply chan error
}

type lookupMsg struct {
	key   []byte
	now   time.Time
	reply chan lookupResult
}

// rangeSource is one SortedFile a fold must read from; the file has
// already been Acquire'd on the caller's behalf and must be Released once
// the fold finishes with it.
type rangeSource struct {
	file *SortedFile
}

type snapshotRangeMsg struct {
	from, to []byte
	reply    chan snapshotRangeResult
}

type snapshotRangeResult struct {
	sources []rangeSource
	next    *Level
	err     error
}

type blockingRangeMsg struct {
	from, to []byte
	reply    chan snapshotRangeResult
}

type mergeQuantumMsg struct {
	units int
	reply chan mergeQuantumResult
}

type mergeQuantumResult struct {
	consumed  int
	completed bool
	err       error
}

type unmergedCountMsg struct {
	reply chan int
}

type closeMsg struct {
	reply chan struct{}
}

// mergeState tracks an in-progress a+b merge. Inputs are read fully into
// memory up front (sized ≤ 2*S(n), bounded by the level's tier) and then
// drained a fixed number of entries ("units") at a time so the work can be
// interleaved with foreground writes.
type mergeState struct {
	aEntries []*Entry
	bEntries []*Entry
	ai, bi   int
	out      []*Entry
}

func (m *mergeState) remaining() int {
	return (len(m.aEntries) - m.ai) + (len(m.bEntries) - m.bi)
}

// step consumes up to one input entry and returns whether the merge is
// now fully drained.
func (m *mergeState) step() (done bool) {
	if m.ai >= len(m.aEntries) && m.bi >= len(m.bEntries) {
		return true
	}
	switch {
	case m.ai >= len(m.aEntries):
		m.out = append(m.out, m.bEntries[m.bi])
		m.bi++
	case m.bi >= len(m.bEntries):
		m.out = append(m.out, m.aEntries[m.ai])
		m.ai++
	default:
		cmp := EntryCompare(m.aEntries[m.ai], m.bEntries[m.bi])
		switch {
		case cmp < 0:
			m.out = append(m.out, m.aEntries[m.ai])
			m.ai++
		case cmp > 0:
			m.out = append(m.out, m.bEntries[m.bi])
			m.bi++
		default:
			// Same key in both inputs: b is newer, a is shadowed.
			m.out = append(m.out, m.bEntries[m.bi])
			m.ai++
			m.bi++
		}
	}
	return m.ai >= len(m.aEntries) && m.bi >= len(m.bEntries)
}

// Level is one tier of the LSM chain. It owns its SortedFiles and merge
// state exclusively; all access goes through its inbox, run by a single
// goroutine, so Level never needs its own mutex around that state.
type Level struct {
	n       int
	dir     string
	opts    Options
	cache   *BlockCache
	logger  logging.Logger
	brk     *broker.Broker
	metrics mergeRecorder

	inbox chan any
	done  chan struct{}
	wg    sync.WaitGroup

	a, b  *SortedFile
	merge *mergeState

	nextMu sync.Mutex
	next   *Level

	maxLevel *levelBound // shared bound across the whole chain
}

// levelBound tracks the chain-wide max_level counter. It is shared by
// pointer across every Level in the chain (each one may cascade a merge
// into a level none of its siblings have touched yet), so updates must
// be synchronized independently of any single Level's own goroutine.
type levelBound struct {
	mu sync.Mutex
	n  int
}

func newLevelBound(n int) *levelBound { return &levelBound{n: n} }

// raise bumps the bound to n if n is larger than the current value,
// reporting whether it actually changed.
func (b *levelBound) raise(n int) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if n > b.n {
		b.n = n
		return true
	}
	return false
}

func (b *levelBound) get() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.n
}

// mergeRecorder is the subset of *metrics.Registry a Level needs; kept as
// an interface so tests can stub it without constructing a full registry.
type mergeRecorder interface {
	RecordMerge(level int, duration time.Duration)
	SetMergeDebt(level int, quanta int)
	SetLevelStats(level, fileCount int, sizeBytes int64)
}

// newLevel creates an empty level n with no files, lazily materializing
// n+1 on first merge completion.
func newLevel(n int, dir string, opts Options, cache *BlockCache, logger logging.Logger, brk *broker.Broker, maxLevel *levelBound, metrics mergeRecorder) *Level {
	l := &Level{
		n:        n,
		dir:      dir,
		opts:     opts,
		cache:    cache,
		logger:   logger,
		brk:      brk,
		metrics:  metrics,
		inbox:    make(chan any, 8),
		done:     make(chan struct{}),
		maxLevel: maxLevel,
	}
	l.wg.Add(1)
	go l.run()
	return l
}

// openLevel scans dir for existing files at level n (named
// "nrsk-a-<n>.data" / "nrsk-b-<n>.data") and populates a/b from whatever
// it finds. If both slots are occupied, the level must have crashed
// mid-merge on a prior run; the merge is reconstructed from the two
// files' full contents so BeginIncrementalMerge resumes it from scratch.
func openLevel(n int, dir string, opts Options, cache *BlockCache, logger logging.Logger, brk *broker.Broker, maxLevel *levelBound, metrics mergeRecorder) (*Level, error) {
	l := newLevel(n, dir, opts, cache, logger, brk, maxLevel, metrics)

	aPath := CanonicalSortedFilePath(dir, n, slotA)
	if fileExists(aPath) {
		sf, err := OpenSortedFileSized(aPath, opts.ReadBufferSize)
		if err != nil {
			l.Close()
			return nil, err
		}
		l.a = sf
	}

	bPath := CanonicalSortedFilePath(dir, n, slotB)
	if fileExists(bPath) {
		sf, err := OpenSortedFileSized(bPath, opts.ReadBufferSize)
		if err != nil {
			l.Close()
			return nil, err
		}
		l.b = sf
	}

	if l.a != nil && l.b != nil {
		aEntries, err := l.a.All()
		if err != nil {
			l.Close()
			return nil, err
		}
		bEntries, err := l.b.All()
		if err != nil {
			l.Close()
			return nil, err
		}
		l.merge = &mergeState{aEntries: aEntries, bEntries: bEntries}
	}

	return l, nil
}

// setNext wires next as this level's child during recovery, when the
// whole on-disk chain is reconstructed up front rather than grown
// lazily by a cascading merge.
func (l *Level) setNext(next *Level) {
	l.nextMu.Lock()
	l.next = next
	l.nextMu.Unlock()
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func (l *Level) run() {
	defer l.wg.Done()
	for {
		select {
		case msg := <-l.inbox:
			l.handle(msg)
		case <-l.done:
			return
		}
	}
}

func (l *Level) handle(msg any) {
	switch m := msg.(type) {
	case injectMsg:
		m.reply <- l.inject(m.file)
	case lookupMsg:
		m.reply <- l.lookup(m.key, m.now)
	case snapshotRangeMsg:
		m.reply <- l.snapshotRange(m.from, m.to)
	case blockingRangeMsg:
		m.reply <- l.blockingRange(m.from, m.to)
	case mergeQuantumMsg:
		m.reply <- l.beginIncrementalMerge(m.units)
	case unmergedCountMsg:
		if l.merge != nil {
			m.reply <- l.merge.remaining()
		} else {
			m.reply <- 0
		}
	case closeMsg:
		if l.a != nil {
			l.a.Close()
		}
		if l.b != nil {
			l.b.Close()
		}
		close(m.reply)
	}
}

// --- public, channel-mediated API ---

// Inject places file into this level: if `a` is empty it becomes `a`; if
// only `b` is empty it becomes `b` and a merge is scheduled; otherwise the
// call blocks until the in-progress merge completes and then retries.
func (l *Level) Inject(file *SortedFile) error {
	reply := make(chan error, 1)
	l.inbox <- injectMsg{file: file, reply: reply}
	return <-reply
}

// Lookup checks b then a for key, forwarding to next on a miss.
func (l *Level) Lookup(key []byte, now time.Time) (entry *Entry, tombstone bool, found bool, err error) {
	reply := make(chan lookupResult, 1)
	l.inbox <- lookupMsg{key: key, now: now, reply: reply}
	r := <-reply
	return r.entry, r.tombstone, r.found, r.err
}

// SnapshotRange acquires refcounts on a and b and returns their sources
// plus the next level, without waiting for any in-progress merge.
func (l *Level) SnapshotRange(from, to []byte) ([]rangeSource, *Level) {
	reply := make(chan snapshotRangeResult, 1)
	l.inbox <- snapshotRangeMsg{from: from, to: to, reply: reply}
	r := <-reply
	return r.sources, r.next
}

// BlockingRange waits for any in-progress merge at this level to finish
// before acquiring refcounts, giving the caller the most compact view. If
// draining the merge fails, it reports the error instead of a possibly
// half-merged snapshot.
func (l *Level) BlockingRange(from, to []byte) ([]rangeSource, *Level, error) {
	reply := make(chan snapshotRangeResult, 1)
	l.inbox <- blockingRangeMsg{from: from, to: to, reply: reply}
	r := <-reply
	return r.sources, r.next, r.err
}

// BeginIncrementalMerge performs up to units of merge work (one unit = one
// input entry consumed) and reports how much was actually consumed.
func (l *Level) BeginIncrementalMerge(units int) (consumed int, completed bool, err error) {
	reply := make(chan mergeQuantumResult, 1)
	l.inbox <- mergeQuantumMsg{units: units, reply: reply}
	r := <-reply
	return r.consumed, r.completed, r.err
}

// UnmergedCount reports the size of pending merge work at this level.
func (l *Level) UnmergedCount() int {
	reply := make(chan int, 1)
	l.inbox <- unmergedCountMsg{reply: reply}
	return <-reply
}

// Next returns the child level, or nil if none has been materialized yet.
func (l *Level) Next() *Level {
	l.nextMu.Lock()
	defer l.nextMu.Unlock()
	return l.next
}

// Close stops the level's goroutine and closes its open file handles
// without deleting them.
func (l *Level) Close() {
	next := l.Next()

	reply := make(chan struct{})
	l.inbox <- closeMsg{reply: reply}
	<-reply

	close(l.done)
	l.wg.Wait()

	if next != nil {
		next.Close()
	}
}

// --- internals, executed only on the level's own goroutine ---

func (l *Level) inject(file *SortedFile) error {
	// Per spec.md §4.3: if both slots are occupied, await the
	// in-progress merge's completion, then inject again. Since this
	// runs on the level's own goroutine and nothing else can drive that
	// merge forward, "await" means drain it synchronously right here —
	// there is no other message that will ever arrive to do it for us.
	if l.a != nil && l.b != nil {
		if _, _, err := l.beginIncrementalMerge(l.merge.remaining()); err != nil {
			return err
		}
	}

	switch {
	case l.a == nil:
		if err := file.Rename(CanonicalSortedFilePath(l.dir, l.n, slotA)); err != nil {
			return err
		}
		l.a = file
	case l.b == nil:
		if err := file.Rename(CanonicalSortedFilePath(l.dir, l.n, slotB)); err != nil {
			return err
		}
		l.b = file
		l.merge = &mergeState{}
		var err error
		l.merge.aEntries, err = l.a.All()
		if err != nil {
			return err
		}
		l.merge.bEntries, err = l.b.All()
		if err != nil {
			return err
		}
	default:
		return fmt.Errorf("level %d: still full after draining pending merge", l.n)
	}
	if l.metrics != nil {
		l.metrics.SetLevelStats(l.n, l.fileCount(), l.sizeBytes())
	}
	return nil
}

func (l *Level) fileCount() int {
	n := 0
	if l.a != nil {
		n++
	}
	if l.b != nil {
		n++
	}
	return n
}

func (l *Level) sizeBytes() int64 {
	var sz int64
	for _, f := range []*SortedFile{l.a, l.b} {
		if f == nil {
			continue
		}
		if fi, err := os.Stat(f.Path()); err == nil {
			sz += fi.Size()
		}
	}
	return sz
}

// cachedGet is a read-through cache in front of SortedFile.Get, keyed by
// file path plus the lookup key. A miss is cached too (as a zero-length
// marker), since a bloom-filter-backed miss is cheap to produce but a
// hot nonexistent key still costs a Get call without it.
func (l *Level) cachedGet(f *SortedFile, key []byte) (*Entry, bool, error) {
	if l.cache == nil {
		return f.Get(key)
	}

	cacheKey := f.Path() + "\x00" + string(key)
	if cached, ok := l.cache.Get(cacheKey); ok {
		if cached == nil {
			return nil, false, nil
		}
		e, err := decodeLogEntry(cached)
		if err != nil {
			return nil, false, err
		}
		return e, true, nil
	}

	e, ok, err := f.Get(key)
	if err != nil {
		return nil, false, err
	}
	if !ok {
		l.cache.Put(cacheKey, nil)
		return nil, false, nil
	}
	l.cache.Put(cacheKey, encodeLogEntry(e))
	return e, true, nil
}

func (l *Level) lookup(key []byte, now time.Time) lookupResult {
	for _, f := range []*SortedFile{l.b, l.a} {
		if f == nil {
			continue
		}
		e, ok, err := l.cachedGet(f, key)
		if err != nil {
			return lookupResult{err: err}
		}
		if ok {
			if e.Tombstone || e.Expired(now) {
				return lookupResult{tombstone: true}
			}
			return lookupResult{entry: e, found: true}
		}
	}

	next := l.Next()
	if next == nil {
		return lookupResult{}
	}
	return func() lookupResult {
		entry, tombstone, found, err := next.Lookup(key, now)
		return lookupResult{entry: entry, tombstone: tombstone, found: found, err: err}
	}()
}

// snapshotRange returns b before a: within one level, b is the newer
// file, and callers assign stream priority by position, so the newer
// file must come first to win shadowing ties against the older one.
func (l *Level) snapshotRange(from, to []byte) snapshotRangeResult {
	var sources []rangeSource
	for _, f := range []*SortedFile{l.b, l.a} {
		if f == nil {
			continue
		}
		f.Acquire()
		sources = append(sources, rangeSource{file: f})
	}
	return snapshotRangeResult{sources: sources, next: l.Next()}
}

func (l *Level) blockingRange(from, to []byte) snapshotRangeResult {
	// Drain any in-progress merge fully before snapshotting so the fold
	// observes the most compact structure.
	for l.merge != nil {
		_, completed, err := l.beginIncrementalMerge(l.merge.remaining())
		if err != nil {
			return snapshotRangeResult{err: err}
		}
		if completed {
			break
		}
	}
	return l.snapshotRange(from, to)
}

func (l *Level) beginIncrementalMerge(units int) mergeQuantumResult {
	if l.merge == nil {
		return mergeQuantumResult{completed: true}
	}

	start := time.Now()
	consumed := 0
	completed := false
	for consumed < units {
		if l.merge.step() {
			completed = true
			break
		}
		consumed++
	}

	if !completed {
		if l.metrics != nil {
			l.metrics.SetMergeDebt(l.n, l.merge.remaining())
		}
		return mergeQuantumResult{consumed: consumed, completed: false}
	}

	if err := l.finishMerge(); err != nil {
		return mergeQuantumResult{consumed: consumed, completed: false, err: err}
	}
	if l.metrics != nil {
		l.metrics.RecordMerge(l.n, time.Since(start))
		l.metrics.SetMergeDebt(l.n, 0)
	}
	return mergeQuantumResult{consumed: consumed, completed: true}
}

// finishMerge writes the merge output, drops tombstones/expired entries
// if this is the deepest level currently materialized, injects the result
// into next (creating it on demand), and clears a/b/merge.
func (l *Level) finishMerge() error {
	out := dedupeSorted(l.merge.out)

	isBottom := l.next == nil
	if isBottom {
		out = dropDeadEntries(out, time.Now())
	}

	oldA, oldB := l.a, l.b
	l.a, l.b, l.merge = nil, nil, nil

	// Cached lookups are keyed by file path, and the slot paths of the
	// superseded a/b files are reused by later injects, so drop them now.
	if l.cache != nil {
		l.cache.Clear()
	}

	if len(out) > 0 {
		tmpPath := SortedFilePath(l.dir, l.n+1, fmt.Sprintf("m%d", time.Now().UnixNano()))
		sf, err := WriteSortedFileSized(tmpPath, out, l.opts.Compress, l.opts.WriteBufferSize, l.opts.ReadBufferSize)
		if err != nil {
			return err
		}

		next := l.ensureNextLocked()
		if err := next.Inject(sf); err != nil {
			return err
		}
		if isBottom && l.brk != nil {
			l.brk.Publish(broker.TopicLevelEvents, broker.LevelEvent{Kind: broker.BottomLevelReached, Level: l.n + 1})
		}
	}

	if oldA != nil {
		oldA.MarkForDeletion()
	}
	if oldB != nil {
		oldB.MarkForDeletion()
	}
	return nil
}

func (l *Level) ensureNextLocked() *Level {
	l.nextMu.Lock()
	defer l.nextMu.Unlock()
	if l.next == nil {
		l.next = newLevel(l.n+1, l.dir, l.opts, l.cache, l.logger, l.brk, l.maxLevel, l.metrics)
		if l.maxLevel.raise(l.n+1) && l.brk != nil {
			l.brk.Publish(broker.TopicLevelEvents, broker.LevelEvent{Kind: broker.MaxLevelChanged, Level: l.n + 1})
		}
	}
	return l.next
}

// dedupeSorted collapses adjacent equal keys, keeping the later (newer)
// one — used as a safety net; mergeState.step already resolves a/b
// collisions, but a level can in principle see repeated keys if fed
// entries out of the usual a/b pairing during recovery.
func dedupeSorted(entries []*Entry) []*Entry {
	if len(entries) == 0 {
		return entries
	}
	sort.SliceStable(entries, func(i, j int) bool {
		return EntryCompare(entries[i], entries[j]) < 0
	})
	out := entries[:1]
	for _, e := range entries[1:] {
		if EntryCompare(out[len(out)-1], e) == 0 {
			out[len(out)-1] = e
			continue
		}
		out = append(out, e)
	}
	return out
}

func dropDeadEntries(entries []*Entry, now time.Time) []*Entry {
	out := entries[:0]
	for _, e := range entries {
		if e.Live(now) {
			out = append(out, e)
		}
	}
	return out
}
