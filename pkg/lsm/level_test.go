package lsm

import (
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nurserykv/nurserykv/pkg/broker"
	"github.com/nurserykv/nurserykv/pkg/logging"
	"github.com/nurserykv/nurserykv/pkg/metrics"
)

var testSortedFileSeq atomic.Int64

func newTestLevel(t *testing.T, n int, dir string) *Level {
	t.Helper()
	opts := DefaultOptions(dir)
	lvl := newLevel(n, dir, opts, NewBlockCache(64), logging.DefaultLogger(), broker.New(), newLevelBound(n), metrics.NewRegistry())
	t.Cleanup(lvl.Close)
	return lvl
}

func sortedFileOf(t *testing.T, dir string, level int, entries []*Entry) *SortedFile {
	t.Helper()
	path := SortedFilePath(dir, level, fmt.Sprintf("%s-%d", t.Name(), testSortedFileSeq.Add(1)))
	sf, err := WriteSortedFile(path, entries, CompressNone)
	if err != nil {
		t.Fatalf("WriteSortedFile: %v", err)
	}
	return sf
}

func TestLevel_InjectThenLookup(t *testing.T) {
	dir := t.TempDir()
	lvl := newTestLevel(t, TopLevel, dir)

	sf := sortedFileOf(t, dir, TopLevel, []*Entry{
		{Key: []byte("a"), Value: []byte("1")},
		{Key: []byte("b"), Value: []byte("2")},
	})
	if err := lvl.Inject(sf); err != nil {
		t.Fatalf("Inject: %v", err)
	}

	entry, tombstone, found, err := lvl.Lookup([]byte("a"), time.Now())
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if !found || tombstone {
		t.Fatalf("expected found live entry, found=%v tombstone=%v", found, tombstone)
	}
	if string(entry.Value) != "1" {
		t.Errorf("expected 1, got %s", entry.Value)
	}
}

func TestLevel_InjectTwoFilesTriggersMergeState(t *testing.T) {
	dir := t.TempDir()
	lvl := newTestLevel(t, TopLevel, dir)

	sfA := sortedFileOf(t, dir, TopLevel, []*Entry{{Key: []byte("a"), Value: []byte("1")}})
	if err := lvl.Inject(sfA); err != nil {
		t.Fatalf("Inject a: %v", err)
	}

	sfB := sortedFileOf(t, dir, TopLevel, []*Entry{{Key: []byte("b"), Value: []byte("2")}})
	if err := lvl.Inject(sfB); err != nil {
		t.Fatalf("Inject b: %v", err)
	}

	if lvl.UnmergedCount() == 0 {
		t.Fatal("expected pending merge work after both slots filled")
	}
}

func TestLevel_BNewerShadowsAOnTie(t *testing.T) {
	dir := t.TempDir()
	lvl := newTestLevel(t, TopLevel, dir)

	sfA := sortedFileOf(t, dir, TopLevel, []*Entry{{Key: []byte("k"), Value: []byte("old")}})
	if err := lvl.Inject(sfA); err != nil {
		t.Fatalf("Inject a: %v", err)
	}
	sfB := sortedFileOf(t, dir, TopLevel, []*Entry{{Key: []byte("k"), Value: []byte("new")}})
	if err := lvl.Inject(sfB); err != nil {
		t.Fatalf("Inject b: %v", err)
	}

	entry, tombstone, found, err := lvl.Lookup([]byte("k"), time.Now())
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if !found || tombstone {
		t.Fatalf("expected found live entry, found=%v tombstone=%v", found, tombstone)
	}
	if string(entry.Value) != "new" {
		t.Errorf("expected newer file's value to win, got %s", entry.Value)
	}
}

func TestLevel_BeginIncrementalMergeCascades(t *testing.T) {
	dir := t.TempDir()
	lvl := newTestLevel(t, TopLevel, dir)

	sfA := sortedFileOf(t, dir, TopLevel, []*Entry{
		{Key: []byte("a"), Value: []byte("1")},
		{Key: []byte("c"), Value: []byte("3")},
	})
	if err := lvl.Inject(sfA); err != nil {
		t.Fatalf("Inject a: %v", err)
	}
	sfB := sortedFileOf(t, dir, TopLevel, []*Entry{
		{Key: []byte("b"), Value: []byte("2")},
		{Key: []byte("d"), Value: []byte("4")},
	})
	if err := lvl.Inject(sfB); err != nil {
		t.Fatalf("Inject b: %v", err)
	}

	_, completed, err := lvl.BeginIncrementalMerge(100)
	if err != nil {
		t.Fatalf("BeginIncrementalMerge: %v", err)
	}
	if !completed {
		t.Fatal("expected merge to complete within one large quantum")
	}

	next := lvl.Next()
	if next == nil {
		t.Fatal("expected merge to materialize a child level")
	}

	for _, k := range []string{"a", "b", "c", "d"} {
		_, tombstone, found, err := next.Lookup([]byte(k), time.Now())
		if err != nil {
			t.Fatalf("Lookup %s in child: %v", k, err)
		}
		if !found || tombstone {
			t.Errorf("expected %s present in merged child level", k)
		}
	}
}

func TestLevel_LookupMissOnEmptyLevel(t *testing.T) {
	dir := t.TempDir()
	lvl := newTestLevel(t, TopLevel, dir)

	_, _, found, err := lvl.Lookup([]byte("absent"), time.Now())
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if found {
		t.Fatal("expected miss on an empty level with no child")
	}
}

func TestLevel_SnapshotRangeOrdersNewestFirst(t *testing.T) {
	dir := t.TempDir()
	lvl := newTestLevel(t, TopLevel, dir)

	sfA := sortedFileOf(t, dir, TopLevel, []*Entry{{Key: []byte("k"), Value: []byte("old")}})
	if err := lvl.Inject(sfA); err != nil {
		t.Fatalf("Inject a: %v", err)
	}
	sfB := sortedFileOf(t, dir, TopLevel, []*Entry{{Key: []byte("k"), Value: []byte("new")}})
	if err := lvl.Inject(sfB); err != nil {
		t.Fatalf("Inject b: %v", err)
	}

	sources, _ := lvl.SnapshotRange(nil, nil)
	if len(sources) != 2 {
		t.Fatalf("expected 2 sources, got %d", len(sources))
	}
	if sources[0].file != sfB || sources[1].file != sfA {
		t.Errorf("expected newer file b before older file a")
	}
	for _, s := range sources {
		s.file.Release()
	}
}
