package store

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	kv_bitcask "kv-bitcask"
)

// logManager owns the segment set: the single active segment that appends
// go to, and read handles for every segment on disk.
//
// Appends, rotation and the choice of the active segment are driven by one
// writer at a time (the Store's write lock). lock only protects the segment
// map and id counter against concurrent readers.
type logManager struct {
	directoryPath   string
	syncWrites      bool
	maxSegmentBytes uint64
	log             *zap.SugaredLogger

	lock     sync.RWMutex
	segments map[kv_bitcask.ID]*segment
	active   *writeDataFile
	nextID   kv_bitcask.ID
}

func newLogManager(directoryPath string, opts Options) *logManager {
	return &logManager{
		directoryPath:   directoryPath,
		syncWrites:      opts.SyncWrites,
		maxSegmentBytes: opts.MaxSegmentBytes,
		log:             opts.Logger,
		segments:        make(map[kv_bitcask.ID]*segment),
		nextID:          1,
	}
}

// append writes entry to the active segment and returns where it landed.
// Nothing is reported on failure, so a partial write is never indexed.
func (l *logManager) append(entry *LogEntry) (LogPointer, error) {
	// perform any marshalling outside the write path to keep it small
	record, err := entry.MarshalBinary()
	if err != nil {
		return LogPointer{}, err
	}

	if l.needsRotation() {
		if _, _, err := l.rotate(); err != nil {
			return LogPointer{}, err
		}
	}

	pointer, err := l.active.Write(record)
	if err != nil {
		return LogPointer{}, err
	}
	l.active.segment.markLive(pointer.Length)
	return pointer, nil
}

func (l *logManager) needsRotation() bool {
	switch {
	case l.active == nil, l.active.failed:
		return true
	case l.maxSegmentBytes > 0 && l.active.Size() >= l.maxSegmentBytes:
		return true
	default:
		return false
	}
}

// read fetches and decodes the record pointer refers to. The read handle
// stays pinned until the read returns.
func (l *logManager) read(pointer LogPointer) (*LogEntry, error) {
	l.lock.RLock()
	defer l.lock.RUnlock()

	seg, ok := l.segments[pointer.SegmentID]
	if !ok {
		return nil, fmt.Errorf("%w: segment %d", ErrSegmentMissing, pointer.SegmentID)
	}

	recordBytes, err := seg.ReadAt(pointer.Offset, pointer.Length)
	if err != nil {
		return nil, err
	}

	entry, n, err := DecodeEntry(recordBytes)
	if err != nil {
		return nil, fmt.Errorf("segment %d offset %d: %w", pointer.SegmentID, pointer.Offset, err)
	}
	if n != len(recordBytes) {
		return nil, fmt.Errorf("%w: segment %d offset %d: record is %d bytes, pointer says %d",
			ErrCorruptRecord, pointer.SegmentID, pointer.Offset, n, len(recordBytes))
	}
	return entry, nil
}

// reserveID hands out the next sequence number without creating a file.
func (l *logManager) reserveID() kv_bitcask.ID {
	l.lock.Lock()
	defer l.lock.Unlock()
	id := l.nextID
	l.nextID++
	return id
}

// rotate makes the current active segment read-only and opens a fresh one.
// oldID is zero when there was no active segment.
func (l *logManager) rotate() (oldID kv_bitcask.ID, newID kv_bitcask.ID, err error) {
	newID = l.reserveID()
	writer, err := createWriteDataFile(l.directoryPath, newID, l.syncWrites)
	if err != nil {
		return 0, 0, err
	}

	l.lock.Lock()
	previous := l.active
	l.segments[newID] = writer.segment
	l.active = writer
	l.lock.Unlock()

	if previous != nil {
		oldID = previous.segment.id
		if _, err := previous.CloseToWriting(); err != nil {
			// the new segment is already taking writes, so this only costs durability of the old tail
			l.log.Warnw("failed to close previous active segment", "segment", oldID, "error", err)
		}
	}

	if err := syncDir(l.directoryPath); err != nil {
		l.log.Warnw("failed to sync store directory after rotation", "segment", newID, "error", err)
	}

	l.log.Infow("rotated active segment", "old", oldID, "new", newID)
	return oldID, newID, nil
}

// resume makes an already registered segment the active one again.
func (l *logManager) resume(id kv_bitcask.ID) error {
	l.lock.RLock()
	seg, ok := l.segments[id]
	l.lock.RUnlock()
	if !ok {
		return fmt.Errorf("%w: segment %d", ErrSegmentMissing, id)
	}

	writer, err := resumeWriteDataFile(seg, l.syncWrites)
	if err != nil {
		return err
	}

	l.lock.Lock()
	l.active = writer
	l.lock.Unlock()
	return nil
}

// adopt registers a read-only segment, either found on disk at startup or
// produced by compaction.
func (l *logManager) adopt(seg *segment) {
	l.lock.Lock()
	defer l.lock.Unlock()
	l.segments[seg.id] = seg
	if seg.id >= l.nextID {
		l.nextID = seg.id + 1
	}
}

// markStale records that the record at pointer is no longer reachable.
func (l *logManager) markStale(pointer LogPointer) {
	l.lock.RLock()
	seg, ok := l.segments[pointer.SegmentID]
	l.lock.RUnlock()
	if !ok {
		l.log.Errorw("stale record points into an unknown segment", "segment", pointer.SegmentID, "offset", pointer.Offset)
		return
	}
	seg.markStale(pointer.Length)
}

func (l *logManager) activeID() kv_bitcask.ID {
	l.lock.RLock()
	defer l.lock.RUnlock()
	if l.active == nil {
		return 0
	}
	return l.active.segment.id
}

func (l *logManager) segmentIDs() []kv_bitcask.ID {
	l.lock.RLock()
	ids := make([]kv_bitcask.ID, 0, len(l.segments))
	for id := range l.segments {
		ids = append(ids, id)
	}
	l.lock.RUnlock()

	sort.Slice(ids, func(i, j int) bool {
		return ids[i] < ids[j]
	})
	return ids
}

func (l *logManager) staleBytes() uint64 {
	l.lock.RLock()
	defer l.lock.RUnlock()
	var total uint64
	for _, seg := range l.segments {
		total += seg.StaleBytes()
	}
	return total
}

func (l *logManager) liveBytes() uint64 {
	l.lock.RLock()
	defer l.lock.RUnlock()
	var total uint64
	for _, seg := range l.segments {
		total += seg.LiveBytes()
	}
	return total
}

// removeSegment unregisters and deletes a read-only segment. Once the map
// entry is gone no reader can reach the handle, so it is closed outside the lock.
func (l *logManager) removeSegment(id kv_bitcask.ID) error {
	l.lock.Lock()
	seg, ok := l.segments[id]
	if !ok {
		l.lock.Unlock()
		return fmt.Errorf("%w: segment %d", ErrSegmentMissing, id)
	}
	if l.active != nil && l.active.segment.id == id {
		l.lock.Unlock()
		return fmt.Errorf("refusing to remove active segment %d", id)
	}
	delete(l.segments, id)
	l.lock.Unlock()

	if err := seg.remove(); err != nil {
		return err
	}
	l.log.Infow("removed segment", "segment", id)
	return nil
}

func (l *logManager) close() error {
	l.lock.Lock()
	defer l.lock.Unlock()

	var errs []error
	if l.active != nil {
		if _, err := l.active.CloseToWriting(); err != nil {
			errs = append(errs, err)
		}
		l.active = nil
	}
	for id, seg := range l.segments {
		if err := seg.Close(); err != nil {
			errs = append(errs, ioError(fmt.Sprintf("close segment %d", id), err))
		}
		delete(l.segments, id)
	}
	return errors.Join(errs...)
}
