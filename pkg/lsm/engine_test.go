package lsm

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
)

func newTestEngine(t *testing.T) (*Engine, string) {
	t.Helper()
	dir := t.TempDir()
	opts := DefaultOptions(dir)
	opts.ExpirySecs = 0
	e, err := Open(dir, opts)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return e, dir
}

func TestEngine_PutGet(t *testing.T) {
	e, _ := newTestEngine(t)
	defer e.Close()

	if err := e.Put([]byte("alice"), []byte("30")); err != nil {
		t.Fatalf("Put: %v", err)
	}

	got, err := e.Get([]byte("alice"))
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(got) != "30" {
		t.Errorf("expected 30, got %s", got)
	}
}

func TestEngine_GetMissing(t *testing.T) {
	e, _ := newTestEngine(t)
	defer e.Close()

	_, err := e.Get([]byte("nope"))
	if !IsNotFound(err) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestEngine_Delete(t *testing.T) {
	e, _ := newTestEngine(t)
	defer e.Close()

	if err := e.Put([]byte("bob"), []byte("28")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := e.Delete([]byte("bob")); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := e.Get([]byte("bob")); !IsNotFound(err) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
}

func TestEngine_Transact(t *testing.T) {
	e, _ := newTestEngine(t)
	defer e.Close()

	ops := []Op{
		Put([]byte("a"), []byte("1")),
		Put([]byte("b"), []byte("2")),
		Delete([]byte("a")),
	}
	if err := e.Transact(ops); err != nil {
		t.Fatalf("Transact: %v", err)
	}

	if _, err := e.Get([]byte("a")); !IsNotFound(err) {
		t.Fatalf("expected 'a' deleted, got err=%v", err)
	}
	got, err := e.Get([]byte("b"))
	if err != nil {
		t.Fatalf("Get b: %v", err)
	}
	if string(got) != "2" {
		t.Errorf("expected 2, got %s", got)
	}
}

func TestEngine_TransactDuplicateKeyLastWins(t *testing.T) {
	e, _ := newTestEngine(t)
	defer e.Close()

	ops := []Op{
		Put([]byte("k"), []byte("first")),
		Put([]byte("k"), []byte("second")),
	}
	if err := e.Transact(ops); err != nil {
		t.Fatalf("Transact: %v", err)
	}
	got, err := e.Get([]byte("k"))
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(got) != "second" {
		t.Errorf("expected last write to win, got %s", got)
	}
}

func TestEngine_FlushesAcrossLevels(t *testing.T) {
	e, _ := newTestEngine(t)
	defer e.Close()

	n := (1 << TopLevel) * 3
	for i := 0; i < n; i++ {
		key := []byte(fmt.Sprintf("key%06d", i))
		if err := e.Put(key, []byte("v")); err != nil {
			t.Fatalf("Put %d: %v", i, err)
		}
	}

	for i := 0; i < n; i += 37 {
		key := []byte(fmt.Sprintf("key%06d", i))
		if _, err := e.Get(key); err != nil {
			t.Fatalf("Get %s: %v", key, err)
		}
	}
}

func TestEngine_RecoverAfterClose(t *testing.T) {
	dir := t.TempDir()
	opts := DefaultOptions(dir)

	e, err := Open(dir, opts)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	for i := 0; i < 50; i++ {
		key := []byte(fmt.Sprintf("key%03d", i))
		if err := e.Put(key, []byte("v")); err != nil {
			t.Fatalf("Put: %v", err)
		}
	}
	if err := e.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	e2, err := Open(dir, opts)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer e2.Close()

	for i := 0; i < 50; i++ {
		key := []byte(fmt.Sprintf("key%03d", i))
		if _, err := e2.Get(key); err != nil {
			t.Fatalf("Get %s after reopen: %v", key, err)
		}
	}
}

func TestEngine_RecoverFromUnflushedNurseryLog(t *testing.T) {
	dir := t.TempDir()
	opts := DefaultOptions(dir)

	e, err := Open(dir, opts)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := e.Put([]byte("durable"), []byte("value")); err != nil {
		t.Fatalf("Put: %v", err)
	}

	// Simulate an unclean shutdown: close the nursery's log handle
	// directly without flushing it into a level, leaving the WAL on
	// disk as the only record of the write.
	e.nursery.Load().log.Close()
	e.closed.Store(true)

	e2, err := Open(dir, opts)
	if err != nil {
		t.Fatalf("reopen after crash: %v", err)
	}
	defer e2.Close()

	got, err := e2.Get([]byte("durable"))
	if err != nil {
		t.Fatalf("Get after recovery: %v", err)
	}
	if string(got) != "value" {
		t.Errorf("expected 'value', got %s", got)
	}
}

func TestEngine_RecoverRemovesTempFiles(t *testing.T) {
	dir := t.TempDir()
	opts := DefaultOptions(dir)

	e, err := Open(dir, opts)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	e.Close()

	stray := SortedFilePath(dir, TopLevel, "leftover")
	if err := os.WriteFile(stray, []byte("garbage"), 0o644); err != nil {
		t.Fatalf("write stray file: %v", err)
	}

	e2, err := Open(dir, opts)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer e2.Close()

	if _, err := os.Stat(stray); !os.IsNotExist(err) {
		t.Errorf("expected stray temp file to be removed, stat err=%v", err)
	}
}

func TestEngine_FoldRange(t *testing.T) {
	e, _ := newTestEngine(t)
	defer e.Close()

	for i := 0; i < 20; i++ {
		key := []byte(fmt.Sprintf("key%03d", i))
		if err := e.Put(key, []byte(fmt.Sprintf("v%03d", i))); err != nil {
			t.Fatalf("Put: %v", err)
		}
	}

	var seen []string
	err := e.FoldRange(func(key, value []byte) (bool, error) {
		seen = append(seen, string(key))
		return true, nil
	}, FoldOptions{From: []byte("key005"), To: []byte("key010")})
	if err != nil {
		t.Fatalf("FoldRange: %v", err)
	}

	want := []string{"key005", "key006", "key007", "key008", "key009"}
	if len(seen) != len(want) {
		t.Fatalf("expected %d keys, got %d: %v", len(want), len(seen), seen)
	}
	for i, k := range want {
		if seen[i] != k {
			t.Errorf("position %d: expected %s, got %s", i, k, seen[i])
		}
	}
}

func TestEngine_FoldStopsEarly(t *testing.T) {
	e, _ := newTestEngine(t)
	defer e.Close()

	for i := 0; i < 10; i++ {
		key := []byte(fmt.Sprintf("key%03d", i))
		if err := e.Put(key, []byte("v")); err != nil {
			t.Fatalf("Put: %v", err)
		}
	}

	count := 0
	err := e.Fold(func(key, value []byte) (bool, error) {
		count++
		return count < 3, nil
	})
	if err != nil {
		t.Fatalf("Fold: %v", err)
	}
	if count != 3 {
		t.Errorf("expected fold to stop after 3 results, got %d", count)
	}
}

func TestEngine_FoldPropagatesUserError(t *testing.T) {
	e, _ := newTestEngine(t)
	defer e.Close()

	if err := e.Put([]byte("k"), []byte("v")); err != nil {
		t.Fatalf("Put: %v", err)
	}

	boom := fmt.Errorf("boom")
	err := e.Fold(func(key, value []byte) (bool, error) {
		return false, boom
	})
	if err == nil {
		t.Fatal("expected error from Fold")
	}
}

func TestEngine_FoldSkipsDeletedAndExpired(t *testing.T) {
	e, _ := newTestEngine(t)
	defer e.Close()

	if err := e.Put([]byte("live"), []byte("v")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := e.Put([]byte("dead"), []byte("v")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := e.Delete([]byte("dead")); err != nil {
		t.Fatalf("Delete: %v", err)
	}

	var seen []string
	err := e.Fold(func(key, value []byte) (bool, error) {
		seen = append(seen, string(key))
		return true, nil
	})
	if err != nil {
		t.Fatalf("Fold: %v", err)
	}
	if len(seen) != 1 || seen[0] != "live" {
		t.Errorf("expected only 'live', got %v", seen)
	}
}

func TestEngine_Health(t *testing.T) {
	e, _ := newTestEngine(t)
	defer e.Close()

	resp := e.Health()
	if resp.Status != "healthy" {
		t.Errorf("expected healthy status, got %s", resp.Status)
	}
}

func TestEngine_Destroy(t *testing.T) {
	dir := t.TempDir()
	opts := DefaultOptions(dir)
	e, err := Open(dir, opts)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := e.Put([]byte("k"), []byte("v")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := e.Destroy(); err != nil {
		t.Fatalf("Destroy: %v", err)
	}
	if _, err := os.Stat(dir); !os.IsNotExist(err) {
		t.Errorf("expected directory removed, stat err=%v", err)
	}
}

func TestEngine_InvalidOptionsRejected(t *testing.T) {
	dir := t.TempDir()
	opts := DefaultOptions(dir)
	opts.PageSize = 1 // below the validator's minimum

	if _, err := Open(filepath.Join(dir, "sub"), opts); err == nil {
		t.Fatal("expected Open to reject invalid options")
	}
}
