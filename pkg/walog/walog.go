// Package walog implements the nursery's append-only log: the record of
// every put/delete/transact operation accepted since the last time the
// nursery was flushed into the top level.
//
// Records are length-prefixed and checksummed so that a torn write at the
// tail (the signature of a crash mid-append) is detected and the record
// discarded rather than corrupting recovery.
package walog

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
)

// OpType identifies the kind of mutation a log record carries.
type OpType uint8

const (
	OpPut OpType = iota
	OpDelete
	// OpTransact marks a record that itself contains a list of put/delete
	// sub-operations applied atomically; Data is the encoded list.
	OpTransact
)

// Entry represents a single log record.
type Entry struct {
	LSN       uint64
	OpType    OpType
	Data      []byte
	Checksum  uint32
	Timestamp int64
}

// Log is the nursery's write-ahead log: a single append-only file plus
// the generation id stamped into its header.
type Log struct {
	file       *os.File
	writer     *bufio.Writer
	currentLSN uint64
	dataDir    string
	fileName   string
	generation uuid.UUID
	mu         sync.Mutex
}

const headerMagic = "NRSLOG01"

// Open opens or creates the nursery log at <dataDir>/<fileName>. A fresh
// log is stamped with a new generation id; an existing log's generation
// is read back from its header.
func Open(dataDir, fileName string) (*Log, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("walog: create directory: %w", err)
	}

	path := filepath.Join(dataDir, fileName)

	existing := true
	if fi, err := os.Stat(path); err != nil || fi.Size() == 0 {
		existing = false
	}

	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("walog: open file: %w", err)
	}

	l := &Log{
		file:     file,
		dataDir:  dataDir,
		fileName: fileName,
	}

	if existing {
		gen, err := readHeader(file)
		if err != nil {
			file.Close()
			return nil, fmt.Errorf("walog: read header: %w", err)
		}
		l.generation = gen
	} else {
		l.generation = uuid.New()
		if err := writeHeader(file, l.generation); err != nil {
			file.Close()
			return nil, fmt.Errorf("walog: write header: %w", err)
		}
	}

	if _, err := file.Seek(0, io.SeekEnd); err != nil {
		file.Close()
		return nil, err
	}
	l.writer = bufio.NewWriter(file)

	if err := l.recoverLSN(); err != nil {
		file.Close()
		return nil, fmt.Errorf("walog: recover LSN: %w", err)
	}

	return l, nil
}

func writeHeader(f *os.File, gen uuid.UUID) error {
	buf := make([]byte, len(headerMagic)+16)
	copy(buf, headerMagic)
	genBytes, _ := gen.MarshalBinary()
	copy(buf[len(headerMagic):], genBytes)
	_, err := f.WriteAt(buf, 0)
	return err
}

func readHeader(f *os.File) (uuid.UUID, error) {
	buf := make([]byte, len(headerMagic)+16)
	if _, err := f.ReadAt(buf, 0); err != nil {
		return uuid.UUID{}, err
	}
	if string(buf[:len(headerMagic)]) != headerMagic {
		return uuid.UUID{}, fmt.Errorf("bad log header magic")
	}
	var gen uuid.UUID
	if err := gen.UnmarshalBinary(buf[len(headerMagic):]); err != nil {
		return uuid.UUID{}, err
	}
	return gen, nil
}

func headerSize() int64 {
	return int64(len(headerMagic) + 16)
}

// Generation returns this log's generation id, used by the nursery to
// tell a still-pending log apart from one a finished flush left behind.
func (l *Log) Generation() uuid.UUID {
	return l.generation
}

// Append appends a new entry to the log and returns its assigned LSN.
// The record is flushed to the OS before Append returns, but not
// fsynced; durability is left to Sync, which the caller's chosen sync
// strategy drives (see SyncPolicy).
func (l *Log) Append(opType OpType, data []byte) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.currentLSN == ^uint64(0) {
		return 0, fmt.Errorf("walog: LSN space exhausted, rotation required")
	}

	l.currentLSN++
	lsn := l.currentLSN

	entry := Entry{
		LSN:      lsn,
		OpType:   opType,
		Data:     data,
		Checksum: crc32.ChecksumIEEE(data),
	}

	if err := l.writeEntry(&entry); err != nil {
		l.currentLSN--
		return 0, err
	}

	if err := l.writer.Flush(); err != nil {
		return 0, fmt.Errorf("walog: flush: %w", err)
	}

	return lsn, nil
}

// Sync fsyncs the underlying file. SyncPolicy calls it periodically for
// the "{seconds,k}" strategy and after every Append for the "sync"
// strategy; the "none" strategy never calls it.
func (l *Log) Sync() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.file.Sync()
}

// writeEntry writes a single entry.
// Format: [LSN:8][OpType:1][DataLen:4][Data:N][Checksum:4][Timestamp:8]
func (l *Log) writeEntry(entry *Entry) error {
	if err := binary.Write(l.writer, binary.LittleEndian, entry.LSN); err != nil {
		return err
	}
	if err := l.writer.WriteByte(byte(entry.OpType)); err != nil {
		return err
	}
	dataLen := uint32(len(entry.Data))
	if err := binary.Write(l.writer, binary.LittleEndian, dataLen); err != nil {
		return err
	}
	if _, err := l.writer.Write(entry.Data); err != nil {
		return err
	}
	if err := binary.Write(l.writer, binary.LittleEndian, entry.Checksum); err != nil {
		return err
	}
	return binary.Write(l.writer, binary.LittleEndian, entry.Timestamp)
}

// ReadAll reads every well-formed entry from the log, stopping silently
// at the first sign of a torn tail (a truncated length prefix or a
// checksum mismatch) rather than surfacing an error — that tail is the
// expected shape of a crash mid-append.
func (l *Log) ReadAll() ([]*Entry, error) {
	if _, err := l.file.Seek(headerSize(), io.SeekStart); err != nil {
		return nil, err
	}

	reader := bufio.NewReader(l.file)
	entries := make([]*Entry, 0)

	for {
		entry, err := readEntry(reader)
		if err != nil {
			break
		}
		if crc32.ChecksumIEEE(entry.Data) != entry.Checksum {
			break
		}
		entries = append(entries, entry)
	}

	if _, err := l.file.Seek(0, io.SeekEnd); err != nil {
		return nil, err
	}

	return entries, nil
}

func readEntry(reader *bufio.Reader) (*Entry, error) {
	entry := &Entry{}

	if err := binary.Read(reader, binary.LittleEndian, &entry.LSN); err != nil {
		return nil, err
	}

	opTypeByte, err := reader.ReadByte()
	if err != nil {
		return nil, err
	}
	entry.OpType = OpType(opTypeByte)

	var dataLen uint32
	if err := binary.Read(reader, binary.LittleEndian, &dataLen); err != nil {
		return nil, err
	}

	entry.Data = make([]byte, dataLen)
	if _, err := io.ReadFull(reader, entry.Data); err != nil {
		return nil, err
	}

	if err := binary.Read(reader, binary.LittleEndian, &entry.Checksum); err != nil {
		return nil, err
	}
	if err := binary.Read(reader, binary.LittleEndian, &entry.Timestamp); err != nil {
		return nil, err
	}

	return entry, nil
}

func (l *Log) recoverLSN() error {
	entries, err := l.ReadAll()
	if err != nil {
		return err
	}
	if len(entries) > 0 {
		l.currentLSN = entries[len(entries)-1].LSN
	}
	return nil
}

// Replay calls handler for every well-formed entry, in LSN order.
func (l *Log) Replay(handler func(*Entry) error) error {
	entries, err := l.ReadAll()
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if err := handler(entry); err != nil {
			return fmt.Errorf("walog: replay entry LSN=%d: %w", entry.LSN, err)
		}
	}
	return nil
}

// CurrentLSN returns the most recently assigned LSN.
func (l *Log) CurrentLSN() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.currentLSN
}

// Close flushes and closes the log.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.writer.Flush(); err != nil {
		return err
	}
	if err := l.file.Sync(); err != nil {
		return err
	}
	return l.file.Close()
}

// Remove closes the log and deletes its backing file. Callers must only
// do this once the nursery has confirmed every record in this generation
// is durably reflected in the top level's file set.
func (l *Log) Remove() error {
	path := filepath.Join(l.dataDir, l.fileName)
	if err := l.Close(); err != nil {
		return err
	}
	return os.Remove(path)
}
