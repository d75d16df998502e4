package lsm

import (
	"fmt"
	"time"

	"github.com/nurserykv/nurserykv/pkg/validation"
	"github.com/nurserykv/nurserykv/pkg/walog"
)

// Compression selects the block compression codec a SortedFile uses.
type Compression int

const (
	CompressNone Compression = iota
	CompressSnappy
	// CompressGzip is accepted as a setting, but SortedFile does not
	// compress with it: values are written uncompressed, as with
	// CompressNone.
	CompressGzip
)

// MergeStrategy trades merge throughput against latency uniformity.
type MergeStrategy int

const (
	// MergeFast runs a fixed 64-unit merge quantum per write, four times
	// MergePredictable's, favoring overall throughput.
	MergeFast MergeStrategy = iota
	// MergePredictable caps quanta to a small fixed size so individual
	// writes see uniform latency at the cost of total throughput.
	MergePredictable
)

// TopLevel is the smallest level number used in file names; level n holds
// up to 2^n entries. 8 matches the convention used throughout this store.
const TopLevel = 8

// Options configures an Engine. There is no config-file loader: callers
// build this struct directly or via DefaultOptions, matching the store's
// explicit non-goal of configuration-file parsing.
type Options struct {
	DataDir string

	Compress       Compression
	PageSize       int
	ReadBufferSize int
	WriteBufferSize int

	MergeStrategy MergeStrategy

	// SyncInterval is only consulted when SyncMode is walog.SyncInterval.
	SyncMode     walog.SyncMode
	SyncInterval time.Duration

	// ExpirySecs is the default TTL applied to new entries when the
	// caller supplies none. 0 means entries never expire by default.
	ExpirySecs int64
}

// DefaultOptions returns sane defaults for dataDir.
func DefaultOptions(dataDir string) Options {
	return Options{
		DataDir:         dataDir,
		Compress:        CompressSnappy,
		PageSize:        8 * 1024,
		ReadBufferSize:  64 * 1024,
		WriteBufferSize: 64 * 1024,
		MergeStrategy:   MergeFast,
		SyncMode:        walog.SyncNone,
		SyncInterval:    time.Second,
		ExpirySecs:      0,
	}
}

// Validate checks the option ranges using the store's fluent config
// validator, matching the teacher's ConfigValidator pattern.
func (o Options) Validate() error {
	v := validation.NewConfigValidator("lsm.Options")
	v.Required("data_dir", o.DataDir).
		RangeInt("page_size", o.PageSize, 512, 16*1024*1024).
		RangeInt("read_buffer_size", o.ReadBufferSize, 1024, 64*1024*1024).
		RangeInt("write_buffer_size", o.WriteBufferSize, 1024, 64*1024*1024).
		NonNegative("expiry_secs", int(o.ExpirySecs))

	v.Custom("sync_interval", func() error {
		if o.SyncMode == walog.SyncInterval && o.SyncInterval <= 0 {
			return fmt.Errorf("sync_interval must be positive when sync_mode is interval")
		}
		return nil
	})

	if v.HasErrors() {
		return newError(KindInvalidArgument, "validate_options", v.Error())
	}
	return nil
}
