package store

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/ncw/directio"

	kv_bitcask "kv-bitcask"
)

// recordScanner walks the records of a segment file in write order.
type recordScanner struct {
	reader  *bufio.Reader
	segment kv_bitcask.ID
	size    uint64
	offset  uint64
	header  []byte
}

func newRecordScanner(file *os.File, id kv_bitcask.ID) (*recordScanner, error) {
	info, err := file.Stat()
	if err != nil {
		return nil, ioError(fmt.Sprintf("stat segment %d", id), err)
	}
	return &recordScanner{
		reader:  bufio.NewReaderSize(file, directio.BlockSize*16),
		segment: id,
		size:    uint64(info.Size()),
		header:  make([]byte, recordHeaderSize),
	}, nil
}

// next returns the next record and its pointer. It returns io.EOF at a clean
// end of file and an error wrapping ErrCorruptRecord when the remaining bytes
// do not hold a whole, valid record.
func (r *recordScanner) next() (*LogEntry, LogPointer, error) {
	_, err := io.ReadFull(r.reader, r.header)
	switch {
	case errors.Is(err, io.EOF):
		return nil, LogPointer{}, io.EOF
	case errors.Is(err, io.ErrUnexpectedEOF):
		return nil, LogPointer{}, fmt.Errorf("%w: segment %d offset %d: partial header", errTruncated, r.segment, r.offset)
	case err != nil:
		return nil, LogPointer{}, ioError(fmt.Sprintf("scan segment %d", r.segment), err)
	}

	// check the declared size against the file before allocating for it
	total := recordSize(r.header)
	if total > r.size-r.offset {
		return nil, LogPointer{}, fmt.Errorf("%w: segment %d offset %d: declared %d bytes, %d left",
			errTruncated, r.segment, r.offset, total, r.size-r.offset)
	}

	record := make([]byte, total)
	copy(record, r.header)
	if _, err := io.ReadFull(r.reader, record[recordHeaderSize:]); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, LogPointer{}, fmt.Errorf("%w: segment %d offset %d: partial body", errTruncated, r.segment, r.offset)
		}
		return nil, LogPointer{}, ioError(fmt.Sprintf("scan segment %d", r.segment), err)
	}

	entry, n, err := DecodeEntry(record)
	if err != nil {
		return nil, LogPointer{}, fmt.Errorf("segment %d offset %d: %w", r.segment, r.offset, err)
	}

	pointer := LogPointer{
		SegmentID: r.segment,
		Offset:    r.offset,
		Length:    uint32(n),
	}
	r.offset += uint64(n)
	return entry, pointer, nil
}

// recover rebuilds the index and byte accounting by replaying every segment
// oldest first, then picks the active segment.
func (s *Store) recover() error {
	if err := removeCompactionLeftovers(s.directoryPath); err != nil {
		return err
	}

	ids, err := listSegmentIDs(s.directoryPath)
	if err != nil {
		return err
	}

	torn := false
	for i, id := range ids {
		seg, err := openSegment(s.directoryPath, id)
		if err != nil {
			return err
		}
		s.logs.adopt(seg)

		torn, err = s.replaySegment(seg, i == len(ids)-1)
		if err != nil {
			return err
		}
	}

	// a clean newest segment keeps taking appends; after a torn tail new
	// records must not land behind the garbage
	if len(ids) > 0 && !torn {
		if err := s.logs.resume(ids[len(ids)-1]); err != nil {
			return err
		}
	} else if _, _, err := s.logs.rotate(); err != nil {
		return err
	}

	s.log.Infow("recovered store",
		"directory", s.directoryPath,
		"segments", len(ids),
		"keys", s.index.Len(),
		"live_bytes", s.logs.liveBytes(),
		"stale_bytes", s.logs.staleBytes(),
		"active", s.logs.activeID(),
	)
	return nil
}

// replaySegment applies one segment's records to the index. It reports
// whether replay stopped before the end of the file.
func (s *Store) replaySegment(seg *segment, newest bool) (bool, error) {
	file, err := os.Open(seg.path)
	if err != nil {
		return false, ioError(fmt.Sprintf("open segment %d for replay", seg.id), err)
	}
	defer file.Close()

	scanner, err := newRecordScanner(file, seg.id)
	if err != nil {
		return false, err
	}

	for {
		entry, pointer, err := scanner.next()
		if errors.Is(err, io.EOF) {
			return false, nil
		}
		if err != nil {
			if !errors.Is(err, ErrCorruptRecord) {
				return false, err
			}
			// a segment whose first record is damaged, rather than cut short,
			// and that is not the last one written, was never a torn append
			if scanner.offset == 0 && !newest && !errors.Is(err, errTruncated) {
				return false, err
			}
			tail := scanner.size - scanner.offset
			seg.markGarbage(tail)
			s.log.Warnw("discarding unreadable segment tail",
				"segment", seg.id, "valid_bytes", scanner.offset, "discarded_bytes", tail, "error", err)
			return true, nil
		}

		seg.markLive(pointer.Length)
		key := string(entry.Key)
		switch entry.Kind {
		case KindSet:
			if prev, ok := s.index.Set(key, pointer); ok {
				s.logs.markStale(prev)
			}
		case KindRemove:
			seg.markStale(pointer.Length)
			if prev, ok := s.index.Remove(key); ok {
				s.logs.markStale(prev)
			}
		}
	}
}

// removeCompactionLeftovers deletes compaction output that was never renamed
// into place. Its records are all still present in the segments it was copied from.
func removeCompactionLeftovers(directoryPath string) error {
	entries, err := os.ReadDir(directoryPath)
	if err != nil {
		return ioError("list store directory", err)
	}
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasPrefix(name, segmentFilePrefix) || !strings.HasSuffix(name, compactionFileExt) {
			continue
		}
		if err := os.Remove(filepath.Join(directoryPath, name)); err != nil {
			return ioError("remove unfinished compaction output", err)
		}
	}
	return nil
}
