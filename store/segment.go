package store

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync/atomic"

	kv_bitcask "kv-bitcask"
)

const (
	segmentFilePrefix  = "datafile-"
	compactionFileExt  = ".compact"
	segmentFileMode    = 0644
	storeDirectoryMode = 0755
)

func segmentFileName(id kv_bitcask.ID) string {
	return fmt.Sprintf("%s%d", segmentFilePrefix, id)
}

func segmentPath(directoryPath string, id kv_bitcask.ID) string {
	return filepath.Join(directoryPath, segmentFileName(id))
}

// parseSegmentFileName returns the id of a segment file name, or false for
// anything that is not one.
func parseSegmentFileName(name string) (kv_bitcask.ID, bool) {
	if !strings.HasPrefix(name, segmentFilePrefix) {
		return 0, false
	}
	id, err := strconv.ParseUint(name[len(segmentFilePrefix):], 10, 64)
	if err != nil {
		return 0, false
	}
	return kv_bitcask.ID(id), true
}

// listSegmentIDs returns the ids of all segments in the directory in
// ascending order.
func listSegmentIDs(directoryPath string) ([]kv_bitcask.ID, error) {
	entries, err := os.ReadDir(directoryPath)
	if err != nil {
		return nil, ioError("list segments", err)
	}

	ids := make([]kv_bitcask.ID, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if id, ok := parseSegmentFileName(entry.Name()); ok {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool {
		return ids[i] < ids[j]
	})
	return ids, nil
}

// syncDir makes renames, creates and deletes in the directory durable.
func syncDir(directoryPath string) error {
	dir, err := os.Open(directoryPath)
	if err != nil {
		return ioError("open store directory", err)
	}
	defer dir.Close()
	if err := dir.Sync(); err != nil {
		return ioError("sync store directory", err)
	}
	return nil
}

var _ kv_bitcask.DataFile = new(segment)

// segment is a read handle on one segment file plus its byte accounting.
// The handle is shared by every reader; ReadAt does not move a file offset.
type segment struct {
	id         kv_bitcask.ID
	path       string
	reader     *os.File
	liveBytes  atomic.Int64
	staleBytes atomic.Int64
}

func openSegment(directoryPath string, id kv_bitcask.ID) (*segment, error) {
	filePath := segmentPath(directoryPath, id)
	readFile, err := os.OpenFile(filePath, os.O_RDONLY, segmentFileMode)
	if err != nil {
		return nil, ioError(fmt.Sprintf("open segment %d", id), err)
	}
	return &segment{
		id:     id,
		path:   filePath,
		reader: readFile,
	}, nil
}

func (s *segment) ID() kv_bitcask.ID {
	return s.id
}

func (s *segment) ReadAt(offset uint64, length uint32) ([]byte, error) {
	record := make([]byte, length)
	bytesRead, err := s.reader.ReadAt(record, int64(offset))
	if errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: segment %d offset %d: read %d of %d bytes", ErrCorruptRecord, s.id, offset, bytesRead, length)
	}
	if err != nil {
		return nil, ioError(fmt.Sprintf("read segment %d", s.id), err)
	}
	return record, nil
}

func (s *segment) Close() error {
	return s.reader.Close()
}

// remove closes the handle and unlinks the file. The segment must no longer
// be reachable by readers.
func (s *segment) remove() error {
	if err := s.reader.Close(); err != nil {
		return ioError(fmt.Sprintf("close segment %d", s.id), err)
	}
	if err := os.Remove(s.path); err != nil {
		return ioError(fmt.Sprintf("remove segment %d", s.id), err)
	}
	return nil
}

func (s *segment) markLive(length uint32) {
	s.liveBytes.Add(int64(length))
}

// markStale moves length bytes from live to stale.
func (s *segment) markStale(length uint32) {
	s.liveBytes.Add(-int64(length))
	s.staleBytes.Add(int64(length))
}

// markGarbage counts bytes that were never live, such as a torn tail.
func (s *segment) markGarbage(length uint64) {
	s.staleBytes.Add(int64(length))
}

func (s *segment) LiveBytes() uint64 {
	return uint64(max(s.liveBytes.Load(), 0))
}

func (s *segment) StaleBytes() uint64 {
	return uint64(max(s.staleBytes.Load(), 0))
}

// writeDataFile is the active segment: the only file that is ever appended to.
type writeDataFile struct {
	segment    *segment
	writer     *os.File
	offset     uint64
	syncWrites bool
	// failed is set once a write may have left a partial record behind;
	// nothing else may be appended after it.
	failed bool
}

// createWriteDataFile creates a brand new segment file for appends.
func createWriteDataFile(directoryPath string, id kv_bitcask.ID, syncWrites bool) (*writeDataFile, error) {
	filePath := segmentPath(directoryPath, id)
	writeFile, err := os.OpenFile(filePath, os.O_APPEND|os.O_CREATE|os.O_EXCL|os.O_WRONLY, segmentFileMode)
	if err != nil {
		return nil, ioError(fmt.Sprintf("create segment %d", id), err)
	}

	readOnly, err := openSegment(directoryPath, id)
	if err != nil {
		writeFile.Close()
		return nil, err
	}

	return &writeDataFile{
		segment:    readOnly,
		writer:     writeFile,
		syncWrites: syncWrites,
	}, nil
}

// resumeWriteDataFile reopens an existing, cleanly terminated segment for appends.
func resumeWriteDataFile(seg *segment, syncWrites bool) (*writeDataFile, error) {
	writeFile, err := os.OpenFile(seg.path, os.O_APPEND|os.O_WRONLY, segmentFileMode)
	if err != nil {
		return nil, ioError(fmt.Sprintf("reopen segment %d", seg.id), err)
	}
	info, err := writeFile.Stat()
	if err != nil {
		writeFile.Close()
		return nil, ioError(fmt.Sprintf("stat segment %d", seg.id), err)
	}
	return &writeDataFile{
		segment:    seg,
		writer:     writeFile,
		offset:     uint64(info.Size()),
		syncWrites: syncWrites,
	}, nil
}

func (d *writeDataFile) Write(record []byte) (LogPointer, error) {
	if d.failed {
		return LogPointer{}, fmt.Errorf("%w: segment %d is closed to writing after a failed append", ErrIO, d.segment.id)
	}

	pointer := LogPointer{
		SegmentID: d.segment.id,
		Offset:    d.offset,
		Length:    uint32(len(record)),
	}

	bytesWritten, err := d.writer.Write(record)
	if err == nil && d.syncWrites {
		err = d.writer.Sync()
	}
	if err != nil {
		d.failed = true
		d.segment.markGarbage(uint64(bytesWritten))
		return LogPointer{}, ioError(fmt.Sprintf("append to segment %d", d.segment.id), err)
	}

	d.offset += uint64(bytesWritten)
	return pointer, nil
}

func (d *writeDataFile) Size() uint64 {
	return d.offset
}

// CloseToWriting syncs and releases the write handle. The segment stays
// readable through its read handle.
func (d *writeDataFile) CloseToWriting() (*segment, error) {
	syncErr := d.writer.Sync()
	closeErr := d.writer.Close()
	if err := errors.Join(syncErr, closeErr); err != nil {
		return d.segment, ioError(fmt.Sprintf("close segment %d to writing", d.segment.id), err)
	}
	return d.segment, nil
}
