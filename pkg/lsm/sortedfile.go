package lsm

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"sync/atomic"

	"github.com/golang/snappy"
)

// SortedFile is an immutable, sorted, keyed file holding entries produced
// by a nursery flush or a level merge.
//
// Format:
//
//	[Header: magic(4) | version(4) | entry_count(8) | index_offset(8) | compress(1)]
//	[Data: entries in sorted order, each optionally snappy-compressed]
//	[Index: sparse index every IndexInterval keys]
//	[Footer: bloom filter length(4) | bloom filter bytes | crc32(4)]
const (
	sortedFileMagic   = 0x4e52534b // "NRSK"
	sortedFileVersion = 1
	IndexInterval     = 128
)

type sortedFileHeader struct {
	Magic       uint32
	Version     uint32
	EntryCount  uint64
	IndexOffset uint64
	Compress    uint8
}

// indexEntry is one sparse-index record: the first key at Offset.
type indexEntry struct {
	Key    []byte
	Offset uint64
}

// SortedFile is reference-counted: a reader acquires a handle before
// scanning it and releases it when done. The file is deleted from disk
// only once the refcount reaches zero after Release has been called by
// its owning Level.
type SortedFile struct {
	path     string
	file     *os.File
	header   sortedFileHeader
	index    []indexEntry
	bloom    *BloomFilter
	compress Compression

	refs      atomic.Int32
	unlinked  atomic.Bool
	entryCount int

	readBufSize int
}

const defaultBufferSize = 64 * 1024

var sortedFileNameRE = regexp.MustCompile(`^[^\d]+-(\d+)\.data$`)

// ParseSortedFileLevel extracts the level number encoded in a SortedFile's
// file name, per the "<prefix>-<level>.data" convention.
func ParseSortedFileLevel(name string) (int, bool) {
	m := sortedFileNameRE.FindStringSubmatch(filepath.Base(name))
	if m == nil {
		return 0, false
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, false
	}
	return n, true
}

// SortedFilePath builds a temporary path for a sorted file destined for
// the given level, tagged with a unique sequence id so two concurrent
// writers (a nursery flush and a cascading merge) never collide. The
// file lives under this name until Inject commits it to a level slot.
func SortedFilePath(dir string, level int, seq string) string {
	return filepath.Join(dir, fmt.Sprintf("nrsk-%d.data.%s", level, seq))
}

var tempSortedFileRE = regexp.MustCompile(`^[^\d]+-\d+\.data\..+$`)

// IsTempSortedFileName reports whether name is a merge/flush temp output
// rather than a committed slot file; recovery deletes any it finds
// still lying around after a crash mid-write.
func IsTempSortedFileName(name string) bool {
	return tempSortedFileRE.MatchString(filepath.Base(name))
}

// slotA and slotB name the two files a Level may hold at once.
const (
	slotA = "a"
	slotB = "b"
)

// CanonicalSortedFilePath builds the final (non-temporary) path for the
// given slot ("a" or "b") of a level. A level holds at most one file per
// slot; slot is encoded ahead of the level digits so ParseSortedFileLevel's
// `[^\d]+-(\d+)\.data` pattern still matches ("nrsk-a-3.data").
func CanonicalSortedFilePath(dir string, level int, slot string) string {
	return filepath.Join(dir, fmt.Sprintf("nrsk-%s-%d.data", slot, level))
}

// WriteSortedFile creates a new SortedFile from already-sorted, de-duplicated
// entries and opens it for reading, using the default write buffer size.
// The caller is responsible for writing to a temp path and renaming into
// place atomically (Level does this for merge outputs; Nursery does it
// for flushes).
func WriteSortedFile(path string, entries []*Entry, compress Compression) (*SortedFile, error) {
	return WriteSortedFileSized(path, entries, compress, defaultBufferSize, defaultBufferSize)
}

// WriteSortedFileSized is WriteSortedFile with explicit write and read
// buffer sizes, honoring Options.WriteBufferSize / Options.ReadBufferSize
// (spec.md §6 configuration options).
func WriteSortedFileSized(path string, entries []*Entry, compress Compression, writeBufSize, readBufSize int) (*SortedFile, error) {
	sort.Slice(entries, func(i, j int) bool {
		return EntryCompare(entries[i], entries[j]) < 0
	})

	bloom := NewBloomFilter(len(entries), 0.01)
	for _, e := range entries {
		bloom.Add(e.Key)
	}

	file, err := os.Create(path)
	if err != nil {
		return nil, newError(KindIoError, "write_sorted_file", err)
	}

	if writeBufSize <= 0 {
		writeBufSize = defaultBufferSize
	}
	w := bufio.NewWriterSize(file, writeBufSize)
	header := sortedFileHeader{
		Magic:      sortedFileMagic,
		Version:    sortedFileVersion,
		EntryCount: uint64(len(entries)),
		Compress:   uint8(compress),
	}
	if err := writeHeader(w, &header); err != nil {
		file.Close()
		return nil, newError(KindIoError, "write_sorted_file", err)
	}

	index := make([]indexEntry, 0)
	offset := uint64(headerSize())
	for i, e := range entries {
		if i%IndexInterval == 0 {
			index = append(index, indexEntry{Key: e.Key, Offset: offset})
		}
		n, err := writeSortedEntry(w, e, compress)
		if err != nil {
			file.Close()
			return nil, newError(KindIoError, "write_sorted_file", err)
		}
		offset += uint64(n)
	}

	header.IndexOffset = offset
	if err := writeIndex(w, index); err != nil {
		file.Close()
		return nil, newError(KindIoError, "write_sorted_file", err)
	}

	bloomData := bloom.MarshalBinary()
	if err := binary.Write(w, binary.LittleEndian, uint32(len(bloomData))); err != nil {
		file.Close()
		return nil, newError(KindIoError, "write_sorted_file", err)
	}
	if _, err := w.Write(bloomData); err != nil {
		file.Close()
		return nil, newError(KindIoError, "write_sorted_file", err)
	}
	crc := crc32.ChecksumIEEE(bloomData)
	if err := binary.Write(w, binary.LittleEndian, crc); err != nil {
		file.Close()
		return nil, newError(KindIoError, "write_sorted_file", err)
	}

	if err := w.Flush(); err != nil {
		file.Close()
		return nil, newError(KindIoError, "write_sorted_file", err)
	}

	if _, err := file.Seek(0, io.SeekStart); err != nil {
		file.Close()
		return nil, newError(KindIoError, "write_sorted_file", err)
	}
	if err := writeHeader(file, &header); err != nil {
		file.Close()
		return nil, newError(KindIoError, "write_sorted_file", err)
	}
	if err := file.Sync(); err != nil {
		file.Close()
		return nil, newError(KindIoError, "write_sorted_file", err)
	}

	if readBufSize <= 0 {
		readBufSize = defaultBufferSize
	}
	return &SortedFile{
		path:        path,
		file:        file,
		header:      header,
		index:       index,
		bloom:       bloom,
		compress:    compress,
		entryCount:  len(entries),
		readBufSize: readBufSize,
	}, nil
}

// OpenSortedFile opens an existing sorted file for reading, using the
// default read buffer size.
func OpenSortedFile(path string) (*SortedFile, error) {
	return OpenSortedFileSized(path, defaultBufferSize)
}

// OpenSortedFileSized is OpenSortedFile with an explicit read buffer size,
// honoring Options.ReadBufferSize.
func OpenSortedFileSized(path string, readBufSize int) (*SortedFile, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, newError(KindIoError, "open_sorted_file", err)
	}

	var header sortedFileHeader
	if err := readHeader(file, &header); err != nil {
		file.Close()
		return nil, newError(KindCorruptFile, "open_sorted_file", err)
	}
	if header.Magic != sortedFileMagic {
		file.Close()
		return nil, newError(KindCorruptFile, "open_sorted_file", fmt.Errorf("bad magic %x in %s", header.Magic, path))
	}

	if _, err := file.Seek(int64(header.IndexOffset), io.SeekStart); err != nil {
		file.Close()
		return nil, newError(KindCorruptFile, "open_sorted_file", err)
	}
	index, err := readIndex(file)
	if err != nil {
		file.Close()
		return nil, newError(KindCorruptFile, "open_sorted_file", err)
	}

	var bloomLen uint32
	bloom := NewBloomFilter(int(header.EntryCount), 0.01)
	if err := binary.Read(file, binary.LittleEndian, &bloomLen); err == nil {
		bloomData := make([]byte, bloomLen)
		if _, err := io.ReadFull(file, bloomData); err == nil {
			_ = bloom.UnmarshalBinary(bloomData)
		}
	}

	if readBufSize <= 0 {
		readBufSize = defaultBufferSize
	}
	return &SortedFile{
		path:        path,
		file:        file,
		header:      header,
		index:       index,
		bloom:       bloom,
		compress:    Compression(header.Compress),
		entryCount:  int(header.EntryCount),
		readBufSize: readBufSize,
	}, nil
}

// EntryCount returns the number of entries this file holds.
func (sf *SortedFile) EntryCount() int { return sf.entryCount }

// Path returns the file's on-disk path.
func (sf *SortedFile) Path() string { return sf.path }

// Acquire increments the reference count; callers that plan to iterate or
// look up in this file outside the owning Level's goroutine must Acquire
// first and Release when finished.
func (sf *SortedFile) Acquire() { sf.refs.Add(1) }

// Release decrements the reference count. If the file has been marked for
// deletion and the count reaches zero, the underlying file is removed.
func (sf *SortedFile) Release() {
	if sf.refs.Add(-1) == 0 && sf.unlinked.Load() {
		sf.unlinkNow()
	}
}

// MarkForDeletion closes the writer handle and schedules removal once all
// outstanding Acquire calls have been Released.
func (sf *SortedFile) MarkForDeletion() {
	sf.unlinked.Store(true)
	if sf.refs.Load() <= 0 {
		sf.unlinkNow()
	}
}

func (sf *SortedFile) unlinkNow() {
	sf.file.Close()
	os.Remove(sf.path)
}

// Rename commits the file to dest, its final slot path, so subsequent
// opens (Get, RangeReader, All) read from the new location. Used once,
// by the Level that just injected this file, to perform the atomic
// rename into place described in spec.md §4.3's failure semantics.
func (sf *SortedFile) Rename(dest string) error {
	if err := os.Rename(sf.path, dest); err != nil {
		return newError(KindIoError, "rename_sorted_file", err)
	}
	sf.path = dest
	return nil
}

// Close closes the file handle without deleting it from disk.
func (sf *SortedFile) Close() error {
	if sf.file != nil {
		return sf.file.Close()
	}
	return nil
}

// Get looks up key, honoring the bloom filter, tombstones are returned as
// live entries so the caller (MergeIterator / Level) can apply shadowing
// semantics correctly; expiry is likewise left to the caller since a
// SortedFile has no notion of "now".
func (sf *SortedFile) Get(key []byte) (*Entry, bool, error) {
	if sf.bloom != nil && !sf.bloom.MayContain(key) {
		return nil, false, nil
	}

	f, err := os.Open(sf.path)
	if err != nil {
		return nil, false, newError(KindIoError, "sorted_file_get", err)
	}
	defer f.Close()

	idx := sort.Search(len(sf.index), func(i int) bool {
		return string(sf.index[i].Key) >= string(key)
	})

	startOffset := uint64(headerSize())
	maxEntries := sf.entryCount
	if idx > 0 {
		startOffset = sf.index[idx-1].Offset
		maxEntries = IndexInterval * 2
	}

	if _, err := f.Seek(int64(startOffset), io.SeekStart); err != nil {
		return nil, false, newError(KindIoError, "sorted_file_get", err)
	}
	r := bufio.NewReaderSize(f, sf.readBufSize)

	for i := 0; i < maxEntries; i++ {
		e, err := readSortedEntry(r, sf.compress)
		if err != nil {
			return nil, false, nil
		}
		cmp := string(e.Key)
		if cmp == string(key) {
			return e, true, nil
		}
		if cmp > string(key) {
			return nil, false, nil
		}
	}
	return nil, false, nil
}

// RangeReader returns a function that yields successive entries with
// key in [from, to) (to == nil means unbounded), in ascending order, or
// nil, io.EOF when exhausted. It opens its own file handle so it can be
// used concurrently with other readers of the same SortedFile.
func (sf *SortedFile) RangeReader(from, to []byte) (func() (*Entry, error), error) {
	f, err := os.Open(sf.path)
	if err != nil {
		return nil, newError(KindIoError, "sorted_file_range", err)
	}

	startOffset := uint64(headerSize())
	if len(from) > 0 {
		idx := sort.Search(len(sf.index), func(i int) bool {
			return string(sf.index[i].Key) >= string(from)
		})
		if idx > 0 {
			startOffset = sf.index[idx-1].Offset
		}
	}
	if _, err := f.Seek(int64(startOffset), io.SeekStart); err != nil {
		f.Close()
		return nil, newError(KindIoError, "sorted_file_range", err)
	}

	r := bufio.NewReaderSize(f, sf.readBufSize)
	remaining := sf.entryCount
	closed := false

	return func() (*Entry, error) {
		for {
			if closed || remaining <= 0 {
				if !closed {
					closed = true
					f.Close()
				}
				return nil, io.EOF
			}
			e, err := readSortedEntry(r, sf.compress)
			remaining--
			if err != nil {
				closed = true
				f.Close()
				return nil, io.EOF
			}
			if len(from) > 0 && string(e.Key) < string(from) {
				continue
			}
			if len(to) > 0 && string(e.Key) >= string(to) {
				closed = true
				f.Close()
				return nil, io.EOF
			}
			return e, nil
		}
	}, nil
}

// All reads every entry in the file, in order. Used by a level merge.
func (sf *SortedFile) All() ([]*Entry, error) {
	f, err := os.Open(sf.path)
	if err != nil {
		return nil, newError(KindIoError, "sorted_file_all", err)
	}
	defer f.Close()

	if _, err := f.Seek(int64(headerSize()), io.SeekStart); err != nil {
		return nil, newError(KindIoError, "sorted_file_all", err)
	}
	r := bufio.NewReaderSize(f, sf.readBufSize)
	entries := make([]*Entry, 0, sf.entryCount)
	for i := 0; i < sf.entryCount; i++ {
		e, err := readSortedEntry(r, sf.compress)
		if err != nil {
			break
		}
		entries = append(entries, e)
	}
	return entries, nil
}

func headerSize() int64 {
	return int64(4 + 4 + 8 + 8 + 1)
}

func writeHeader(w io.Writer, h *sortedFileHeader) error {
	if err := binary.Write(w, binary.LittleEndian, h.Magic); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, h.Version); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, h.EntryCount); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, h.IndexOffset); err != nil {
		return err
	}
	return binary.Write(w, binary.LittleEndian, h.Compress)
}

func readHeader(r io.Reader, h *sortedFileHeader) error {
	if err := binary.Read(r, binary.LittleEndian, &h.Magic); err != nil {
		return err
	}
	if err := binary.Read(r, binary.LittleEndian, &h.Version); err != nil {
		return err
	}
	if err := binary.Read(r, binary.LittleEndian, &h.EntryCount); err != nil {
		return err
	}
	if err := binary.Read(r, binary.LittleEndian, &h.IndexOffset); err != nil {
		return err
	}
	return binary.Read(r, binary.LittleEndian, &h.Compress)
}

// writeSortedEntry writes one entry. Format:
//
//	keyLen(4) | key | expiry(8) | tombstone(1) | rawValueLen(4) | storedLen(4) | storedBytes
//
// storedBytes is the value, snappy-compressed when compress==CompressSnappy.
func writeSortedEntry(w *bufio.Writer, e *Entry, compress Compression) (int, error) {
	size := 0
	if err := binary.Write(w, binary.LittleEndian, uint32(len(e.Key))); err != nil {
		return 0, err
	}
	size += 4
	n, err := w.Write(e.Key)
	if err != nil {
		return 0, err
	}
	size += n

	if err := binary.Write(w, binary.LittleEndian, e.Expiry); err != nil {
		return 0, err
	}
	size += 8

	tomb := byte(0)
	if e.Tombstone {
		tomb = 1
	}
	if err := w.WriteByte(tomb); err != nil {
		return 0, err
	}
	size++

	stored := e.Value
	if compress == CompressSnappy {
		stored = snappy.Encode(nil, e.Value)
	}

	if err := binary.Write(w, binary.LittleEndian, uint32(len(e.Value))); err != nil {
		return 0, err
	}
	size += 4
	if err := binary.Write(w, binary.LittleEndian, uint32(len(stored))); err != nil {
		return 0, err
	}
	size += 4
	n, err = w.Write(stored)
	if err != nil {
		return 0, err
	}
	size += n

	return size, nil
}

func readSortedEntry(r *bufio.Reader, compress Compression) (*Entry, error) {
	var keyLen uint32
	if err := binary.Read(r, binary.LittleEndian, &keyLen); err != nil {
		return nil, err
	}
	key := make([]byte, keyLen)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, err
	}

	var expiry int64
	if err := binary.Read(r, binary.LittleEndian, &expiry); err != nil {
		return nil, err
	}

	tomb, err := r.ReadByte()
	if err != nil {
		return nil, err
	}

	var rawLen, storedLen uint32
	if err := binary.Read(r, binary.LittleEndian, &rawLen); err != nil {
		return nil, err
	}
	if err := binary.Read(r, binary.LittleEndian, &storedLen); err != nil {
		return nil, err
	}
	stored := make([]byte, storedLen)
	if _, err := io.ReadFull(r, stored); err != nil {
		return nil, err
	}

	value := stored
	if compress == CompressSnappy && storedLen > 0 {
		value, err = snappy.Decode(make([]byte, 0, rawLen), stored)
		if err != nil {
			return nil, err
		}
	}

	return &Entry{
		Key:       key,
		Value:     value,
		Expiry:    expiry,
		Tombstone: tomb == 1,
	}, nil
}

func writeIndex(w *bufio.Writer, index []indexEntry) error {
	if err := binary.Write(w, binary.LittleEndian, uint32(len(index))); err != nil {
		return err
	}
	for _, e := range index {
		if err := binary.Write(w, binary.LittleEndian, uint32(len(e.Key))); err != nil {
			return err
		}
		if _, err := w.Write(e.Key); err != nil {
			return err
		}
		if err := binary.Write(w, binary.LittleEndian, e.Offset); err != nil {
			return err
		}
	}
	return nil
}

func readIndex(r io.Reader) ([]indexEntry, error) {
	var count uint32
	if err := binary.Read(r, binary.LittleEndian, &count); err != nil {
		return nil, err
	}
	index := make([]indexEntry, count)
	for i := uint32(0); i < count; i++ {
		var keyLen uint32
		if err := binary.Read(r, binary.LittleEndian, &keyLen); err != nil {
			return nil, err
		}
		key := make([]byte, keyLen)
		if _, err := io.ReadFull(r, key); err != nil {
			return nil, err
		}
		var offset uint64
		if err := binary.Read(r, binary.LittleEndian, &offset); err != nil {
			return nil, err
		}
		index[i] = indexEntry{Key: key, Offset: offset}
	}
	return index, nil
}
