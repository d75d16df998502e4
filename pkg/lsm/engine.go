package lsm

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nurserykv/nurserykv/pkg/broker"
	"github.com/nurserykv/nurserykv/pkg/health"
	"github.com/nurserykv/nurserykv/pkg/logging"
	"github.com/nurserykv/nurserykv/pkg/metrics"
	"github.com/nurserykv/nurserykv/pkg/parallel"
	"github.com/nurserykv/nurserykv/pkg/validation"
)

// EngineStats holds running counters an embedding program can read
// without going through the metrics registry.
type EngineStats struct {
	WriteCount atomic.Int64
	ReadCount  atomic.Int64
	FlushCount atomic.Int64
}

// mergeDebtCeiling bounds the unpaid merge-work quanta the health
// checker considers acceptable across the whole chain; past this the
// store is still correct (writes remain bounded, per spec.md §8
// invariant 6) but is falling behind its incoming write rate.
const mergeDebtCeiling = mergeQuantum * 16

// OpKind distinguishes a Transact operation's effect.
type OpKind int

const (
	OpKindPut OpKind = iota
	OpKindDelete
)

// Op is one operation inside a Transact call.
type Op struct {
	Kind   OpKind
	Key    []byte
	Value  []byte
	Expiry int64
}

// Put builds a Put op with no explicit expiry (the engine's default TTL
// applies).
func Put(key, value []byte) Op { return Op{Kind: OpKindPut, Key: key, Value: value} }

// PutWithExpiry builds a Put op with an absolute expiry timestamp.
func PutWithExpiry(key, value []byte, expiry int64) Op {
	return Op{Kind: OpKindPut, Key: key, Value: value, Expiry: expiry}
}

// Delete builds a Delete op.
func Delete(key []byte) Op { return Op{Kind: OpKindDelete, Key: key} }

// mergeQuantum is the number of input entries a single payMergeDebt pass
// asks each level to consume under MergeFast; chosen so one nursery
// flush's pacing work stays small relative to the flush itself.
const mergeQuantum = 64

// mergeQuantumPredictable is the per-flush quantum under MergePredictable:
// smaller, so an individual write's merge-pacing cost stays uniform at the
// expense of letting merge debt drain more slowly overall.
const mergeQuantumPredictable = 16

// quantum reports the per-flush merge-work unit count for the engine's
// configured MergeStrategy (spec.md §6 merge_strategy option).
func (e *Engine) quantum() int {
	if e.opts.MergeStrategy == MergePredictable {
		return mergeQuantumPredictable
	}
	return mergeQuantum
}

// Engine is the single-writer coordinator: it owns the Nursery and the
// Level chain, serializes every mutating operation, and routes reads
// through the nursery first and then down the chain.
type Engine struct {
	dir  string
	opts Options

	writeMu sync.Mutex
	// nursery is read by Get and FoldRange without writeMu held (per
	// spec.md §4.1, reads never block behind the write lock), while
	// flushNursery replaces it under writeMu; an atomic pointer keeps that
	// swap from racing with an unsynchronized read of the field itself.
	nursery atomic.Pointer[Nursery]
	top     *Level

	maxLevel   int
	maxLevelMu sync.Mutex

	cache *BlockCache
	brk   *broker.Broker
	sub   *broker.Subscription

	logger  logging.Logger
	metrics *metrics.Registry
	pool    *parallel.WorkerPool

	closed atomic.Bool
	fatal  atomic.Value // holds error
	stats  EngineStats

	health *health.HealthChecker
}

// Open opens the store at dir, recovering it if it already exists, or
// creates a fresh one.
func Open(dir string, opts Options) (*Engine, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}

	logger := logging.DefaultLogger()
	reg := metrics.NewRegistry()
	brk := broker.New()

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, newError(KindIoError, "open", err)
	}

	e := &Engine{
		dir:     dir,
		opts:    opts,
		cache:   NewBlockCache(1024),
		brk:     brk,
		logger:  logger,
		metrics: reg,
	}

	pool, err := parallel.NewWorkerPool(4)
	if err != nil {
		return nil, newError(KindIoError, "open", err)
	}
	e.pool = pool

	if err := e.recover(); err != nil {
		pool.Close()
		return nil, err
	}

	hc := health.NewHealthChecker()
	hc.RegisterCheck("engine", health.EngineCheck(e.checkFatal))
	hc.RegisterCheck("merge_backlog", health.MergeBacklogCheck(e.mergeBacklog))
	hc.RegisterReadinessCheck("engine", health.EngineCheck(e.checkFatal))
	hc.RegisterLivenessCheck("engine", health.EngineCheck(e.checkFatal))
	e.health = hc

	sub, err := brk.Subscribe(context.Background(), broker.TopicLevelEvents)
	if err == nil {
		e.sub = sub
		go e.watchLevelEvents(sub)
	}

	e.payMergeDebt(e.totalUnmergedCount())

	logger.Info("engine opened", logging.Path(dir), logging.LevelNum(e.maxLevel))
	return e, nil
}

func (e *Engine) watchLevelEvents(sub *broker.Subscription) {
	for msg := range sub.Channel() {
		ev, ok := msg.(broker.LevelEvent)
		if !ok {
			continue
		}
		switch ev.Kind {
		case broker.MaxLevelChanged:
			e.maxLevelMu.Lock()
			if ev.Level > e.maxLevel {
				e.maxLevel = ev.Level
			}
			e.maxLevelMu.Unlock()
		case broker.BottomLevelReached:
			e.logger.Debug("bottom level reached", logging.LevelNum(ev.Level))
		}
	}
}

// Get looks up key: nursery first, then down the level chain.
func (e *Engine) Get(key []byte) ([]byte, error) {
	if err := e.checkFatal(); err != nil {
		return nil, err
	}
	if err := validation.ValidateKey(key); err != nil {
		return nil, newError(KindInvalidArgument, "get", err)
	}

	start := time.Now()
	now := time.Now()

	entry, tombstone, absent := e.nursery.Load().Lookup(key, now)
	if !absent {
		e.recordRead("nursery", tombstone, time.Since(start), entry)
		if tombstone {
			return nil, ErrNotFound
		}
		return entry.Value, nil
	}

	e.stats.ReadCount.Add(1)
	result, tomb, found, err := e.top.Lookup(key, now)
	if err != nil {
		return nil, newError(KindIoError, "get", err)
	}
	e.recordRead("level", tomb || !found, time.Since(start), result)
	if !found {
		return nil, ErrNotFound
	}
	return result.Value, nil
}

func (e *Engine) recordRead(source string, miss bool, d time.Duration, e2 *Entry) {
	if e.metrics == nil {
		return
	}
	status := "hit"
	n := 0
	if miss {
		status = "miss"
	} else if e2 != nil {
		n = len(e2.Value)
	}
	e.metrics.RecordRead(source, status, d, n)
}

// Put inserts key/value using the store's configured default expiry.
func (e *Engine) Put(key, value []byte) error {
	return e.PutWithExpiry(key, value, ExpiryFromSeconds(e.opts.ExpirySecs, time.Now()))
}

// PutWithExpiry inserts key/value with an absolute expiry timestamp
// (NeverExpires for no expiry).
func (e *Engine) PutWithExpiry(key, value []byte, expiry int64) error {
	if err := validation.ValidateKey(key); err != nil {
		return newError(KindInvalidArgument, "put", err)
	}
	if err := validation.ValidateExpiry(expiry); err != nil {
		return newError(KindInvalidArgument, "put", err)
	}
	return e.write(func() (bool, error) {
		return e.nursery.Load().Add(key, value, expiry)
	}, "put", len(key)+len(value))
}

// Delete records a tombstone for key.
func (e *Engine) Delete(key []byte) error {
	if err := validation.ValidateKey(key); err != nil {
		return newError(KindInvalidArgument, "delete", err)
	}
	return e.write(func() (bool, error) {
		return e.nursery.Load().AddTombstone(key)
	}, "delete", len(key))
}

// Transact applies ops atomically: either all or none are visible to
// subsequent reads, and none are visible until Transact returns. Ops
// share one log record so recovery is all-or-nothing. If the same key
// appears more than once, the last operation for that key wins.
func (e *Engine) Transact(ops []Op) error {
	entries := make([]*Entry, len(ops))
	now := time.Now()
	for i, op := range ops {
		if err := validation.ValidateKey(op.Key); err != nil {
			return newError(KindInvalidArgument, "transact", err)
		}
		switch op.Kind {
		case OpKindPut:
			expiry := op.Expiry
			if expiry == NeverExpires && e.opts.ExpirySecs > 0 {
				expiry = ExpiryFromSeconds(e.opts.ExpirySecs, now)
			}
			entries[i] = &Entry{Key: op.Key, Value: op.Value, Expiry: expiry}
		case OpKindDelete:
			entries[i] = &Entry{Key: op.Key, Tombstone: true}
		default:
			return newError(KindInvalidArgument, "transact", fmt.Errorf("unknown op kind %d", op.Kind))
		}
	}
	return e.write(func() (bool, error) {
		return e.nursery.Load().Transact(entries)
	}, "transact", totalBytes(entries))
}

func totalBytes(entries []*Entry) int {
	n := 0
	for _, e := range entries {
		n += len(e.Key) + len(e.Value)
	}
	return n
}

// write is the common serialize-append-maybe-flush-maybe-pay-merge-debt
// path shared by Put, Delete, and Transact.
func (e *Engine) write(apply func() (full bool, err error), op string, bytes int) error {
	if err := e.checkFatal(); err != nil {
		return err
	}

	start := time.Now()
	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	full, err := apply()
	if err != nil {
		e.setFatal(err)
		if e.metrics != nil {
			e.metrics.RecordWrite(op, "error", time.Since(start), bytes)
		}
		return err
	}
	e.stats.WriteCount.Add(1)
	if e.metrics != nil {
		e.metrics.RecordWrite(op, "ok", time.Since(start), bytes)
		e.metrics.SetNurserySize(0, e.nursery.Load().Len())
	}

	if full {
		if err := e.flushNursery(); err != nil {
			e.setFatal(err)
			return err
		}
	}

	e.payMergeDebt(e.quantum())
	return nil
}

// flushNursery freezes the current nursery into a SortedFile at the top
// level and starts a fresh one. Called with writeMu held.
func (e *Engine) flushNursery() error {
	old := e.nursery.Load()
	if err := old.Finish(e.dir, TopLevel, e.opts, e.top); err != nil {
		return newError(KindIoError, "flush", err)
	}
	e.stats.FlushCount.Add(1)

	next, err := newNursery(e.dir, e.opts, e.logger)
	if err != nil {
		return err
	}
	e.nursery.Store(next)

	// old's log is already closed and removed by Finish; stop its sync
	// ticker too so a SyncInterval policy doesn't leak a goroutine looping
	// on an already-discarded nursery forever.
	if err := old.stopSync(); err != nil {
		return newError(KindIoError, "flush", err)
	}
	return nil
}

// payMergeDebt drives up to `units` of incremental merge work at every
// level in the chain, concurrently, so a write is never blocked behind an
// unbounded merge backlog. Called with writeMu held during normal
// operation, and once (with the full outstanding debt) during Open.
func (e *Engine) payMergeDebt(units int) {
	if units <= 0 || e.top == nil {
		return
	}

	var wg sync.WaitGroup
	for lvl := e.top; lvl != nil; lvl = lvl.Next() {
		lvl := lvl
		wg.Add(1)
		submitted := e.pool.Submit(func() {
			defer wg.Done()
			lvl.BeginIncrementalMerge(units)
		})
		if !submitted {
			wg.Done()
			lvl.BeginIncrementalMerge(units)
		}
	}
	wg.Wait()
}

func (e *Engine) totalUnmergedCount() int {
	total := 0
	for lvl := e.top; lvl != nil; lvl = lvl.Next() {
		total += lvl.UnmergedCount()
	}
	return total
}

// mergeBacklog reports the chain's current unpaid merge debt against its
// ceiling, for the merge_backlog health check.
func (e *Engine) mergeBacklog() (current, max int) {
	return e.totalUnmergedCount(), mergeDebtCeiling
}

// Health reports the store's current health, covering the fatal-error
// state and how far the merge chain has fallen behind its debt ceiling.
func (e *Engine) Health() health.Response {
	return e.health.Check()
}

// recover reconstructs the Level chain from whatever SortedFiles already
// exist in dir, discards any temp output left behind by a crash mid-write
// or mid-merge, and replays the nursery's log into a fresh top-level
// flush so every durable write is reflected before Open returns.
func (e *Engine) recover() error {
	entries, err := os.ReadDir(e.dir)
	if err != nil {
		return newError(KindIoError, "recover", err)
	}

	maxLevel, found := TopLevel, false
	for _, ent := range entries {
		if ent.IsDir() {
			continue
		}
		name := ent.Name()
		if n, ok := ParseSortedFileLevel(name); ok {
			if !found || n > maxLevel {
				maxLevel = n
			}
			found = true
			continue
		}
		if IsTempSortedFileName(name) {
			if rmErr := os.Remove(filepath.Join(e.dir, name)); rmErr != nil && !os.IsNotExist(rmErr) {
				return newError(KindIoError, "recover", rmErr)
			}
		}
	}

	bound := newLevelBound(TopLevel)
	var top, child *Level
	if found {
		for n := maxLevel; n >= TopLevel; n-- {
			lvl, err := openLevel(n, e.dir, e.opts, e.cache, e.logger, e.brk, bound, e.metrics)
			if err != nil {
				return newError(KindIoError, "recover", err)
			}
			if child != nil {
				lvl.setNext(child)
			}
			child = lvl
			if n == TopLevel {
				top = lvl
			}
		}
		bound.raise(maxLevel)
	} else {
		top = newLevel(TopLevel, e.dir, e.opts, e.cache, e.logger, e.brk, bound, e.metrics)
	}
	e.top = top
	e.maxLevel = bound.get()

	nur, err := recoverNursery(e.dir, e.opts, e.logger)
	if err != nil {
		return err
	}
	if err := nur.Finish(e.dir, TopLevel, e.opts, e.top); err != nil {
		return newError(KindIoError, "recover", err)
	}

	fresh, err := newNursery(e.dir, e.opts, e.logger)
	if err != nil {
		return err
	}
	e.nursery.Store(fresh)
	return nil
}

// FoldFunc is called once per live key in ascending order. Returning
// false stops the fold early without error; returning a non-nil error
// stops it and surfaces that error, wrapped, from Fold/FoldRange.
type FoldFunc func(key, value []byte) (bool, error)

// FoldOptions bounds a range fold. From/To mirror validation.RangeRequest
// (From inclusive, To exclusive; either may be nil for unbounded). Limit
// caps the number of results delivered (0 means unlimited).
type FoldOptions struct {
	From, To []byte
	Limit    int
}

// Fold streams every live key in the store, in ascending order, to fn.
func (e *Engine) Fold(fn FoldFunc) error {
	return e.FoldRange(fn, FoldOptions{})
}

// FoldRange streams every live key in [From, To) to fn, one result at a
// time, stopping at Limit results if set. It acquires a reference on
// every SortedFile it reads so a concurrent merge cannot delete file
// contents out from under it; those references are released once the
// fold completes, fails, or is stopped early by fn.
func (e *Engine) FoldRange(fn FoldFunc, opts FoldOptions) error {
	if err := e.checkFatal(); err != nil {
		return err
	}
	if err := validation.ValidateRange(validation.RangeRequest{From: opts.From, To: opts.To}); err != nil {
		return newError(KindInvalidArgument, "fold", err)
	}

	now := time.Now()
	nurseryEntries := filterFrom(e.nursery.Load().Snapshot(), opts.From)
	streams := []entryStream{newSliceStream(nurseryEntries)}

	var acquired []*SortedFile
	releaseAll := func() {
		for _, f := range acquired {
			f.Release()
		}
	}

	blocking := opts.Limit > 0 && opts.Limit < 10
	for lvl := e.top; lvl != nil; {
		var sources []rangeSource
		var next *Level
		if blocking {
			var berr error
			sources, next, berr = lvl.BlockingRange(opts.From, opts.To)
			if berr != nil {
				releaseAll()
				return newError(KindIoError, "fold", berr)
			}
		} else {
			sources, next = lvl.SnapshotRange(opts.From, opts.To)
		}
		blocking = false
		for _, src := range sources {
			acquired = append(acquired, src.file)
			rr, err := src.file.RangeReader(opts.From, opts.To)
			if err != nil {
				releaseAll()
				return newError(KindIoError, "fold", err)
			}
			streams = append(streams, newFileStream(rr))
		}
		lvl = next
	}

	iter, err := NewMergeIterator(streams, opts.To, now)
	if err != nil {
		releaseAll()
		return newError(KindIoError, "fold", err)
	}

	if e.metrics != nil {
		e.metrics.FoldStarted()
		defer e.metrics.FoldFinished()
	}

	w := NewFoldWorker(iter, opts.Limit)
	w.Start()
	defer releaseAll()

	for msg := range w.Results() {
		switch msg.Kind {
		case FoldResult:
			e.stats.ReadCount.Add(1)
			if e.metrics != nil {
				e.metrics.RecordFoldResult()
			}
			cont, ferr := fn(msg.Entry.Key, msg.Entry.Value)
			if ferr != nil {
				w.Cancel()
				w.Drain()
				return newError(KindUserFunctionError, "fold", ferr)
			}
			if !cont {
				w.Cancel()
				w.Drain()
				return nil
			}
			w.Ack()
		case FoldLimit, FoldDone:
			return nil
		case FoldWorkerDiedMsg:
			return newError(KindFoldWorkerDied, "fold", msg.Err)
		}
	}
	return nil
}

// filterFrom drops entries preceding from (nursery snapshots carry no
// notion of a range start on their own).
func filterFrom(entries []*Entry, from []byte) []*Entry {
	if len(from) == 0 {
		return entries
	}
	idx := sort.Search(len(entries), func(i int) bool {
		return bytes.Compare(entries[i].Key, from) >= 0
	})
	return entries[idx:]
}

// checkFatal reports the engine's terminal I/O error, if any; once set,
// every subsequent operation fails until the store is reopened.
func (e *Engine) checkFatal() error {
	if v := e.fatal.Load(); v != nil {
		return v.(error)
	}
	return nil
}

func (e *Engine) setFatal(err error) {
	e.fatal.CompareAndSwap(nil, err)
}

// Close flushes the nursery, closes every level, and releases resources.
// Idempotent.
func (e *Engine) Close() error {
	if !e.closed.CompareAndSwap(false, true) {
		return nil
	}

	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	var firstErr error
	if nur := e.nursery.Load(); nur != nil {
		if err := nur.Finish(e.dir, TopLevel, e.opts, e.top); err != nil && firstErr == nil {
			firstErr = err
		}
		if err := nur.stopSync(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if e.top != nil {
		e.top.Close()
	}
	if e.sub != nil {
		e.sub.Unsubscribe()
	}
	if e.brk != nil {
		e.brk.Shutdown()
	}
	if e.pool != nil {
		e.pool.Close()
	}
	return firstErr
}

// Destroy closes the engine (without flushing) and deletes every store
// file in its directory.
func (e *Engine) Destroy() error {
	e.closed.Store(true)
	if e.pool != nil {
		e.pool.Close()
	}
	if e.brk != nil {
		e.brk.Shutdown()
	}
	return os.RemoveAll(e.dir)
}
