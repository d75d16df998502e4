package walog

import (
	"sync"
	"time"
)

// SyncMode selects how aggressively the log is fsynced.
type SyncMode int

const (
	// SyncNone never syncs explicitly; durability is left to the OS page
	// cache flush schedule.
	SyncNone SyncMode = iota
	// SyncAlways fsyncs after every Append.
	SyncAlways
	// SyncInterval fsyncs at most once every Interval, batching any
	// Appends that land inside the same window.
	SyncInterval
)

// SyncPolicy drives a background ticker that calls Sync on a Log no more
// often than once per Interval, mirroring the ticker-plus-stop-channel
// shape used for the periodic flush/compaction workers elsewhere in this
// store.
type SyncPolicy struct {
	Mode     SyncMode
	Interval time.Duration

	log      *Log
	stopChan chan struct{}
	wg       sync.WaitGroup
}

// NewSyncPolicy returns a policy for mode; its Start launches the
// background syncer for mode SyncInterval. For SyncNone and SyncAlways
// Start/Stop are no-ops since those modes are handled inline by the
// caller of Append.
func NewSyncPolicy(log *Log, mode SyncMode, interval time.Duration) *SyncPolicy {
	return &SyncPolicy{
		Mode:     mode,
		Interval: interval,
		log:      log,
		stopChan: make(chan struct{}),
	}
}

// Start launches the periodic sync goroutine. Safe to call on any mode;
// it only does work for SyncInterval.
func (p *SyncPolicy) Start() {
	if p.Mode != SyncInterval {
		return
	}
	p.wg.Add(1)
	go p.run()
}

func (p *SyncPolicy) run() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			p.log.Sync()
		case <-p.stopChan:
			return
		}
	}
}

// Stop halts the periodic syncer and waits for it to exit.
func (p *SyncPolicy) Stop() {
	if p.Mode != SyncInterval {
		return
	}
	close(p.stopChan)
	p.wg.Wait()
}

// MaybeSyncAfterAppend applies SyncAlways semantics; the nursery calls
// this right after every successful Append.
func (p *SyncPolicy) MaybeSyncAfterAppend() error {
	if p.Mode == SyncAlways {
		return p.log.Sync()
	}
	return nil
}
