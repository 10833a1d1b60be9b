package store

import (
	"errors"
	"fmt"
	"os"
	"syscall"
	"time"

	"github.com/ncw/directio"

	kv_bitcask "kv-bitcask"
)

// compactionWriter produces a compacted segment under a temporary name. The
// file only becomes a segment when publish renames it into place.
//
// Records are packed into an aligned block that is written out whole, so the
// output can be opened for direct I/O. The padding of the last block is
// truncated away before the rename.
type compactionWriter struct {
	id            kv_bitcask.ID
	directoryPath string
	tmpPath       string
	file          *os.File
	block         []byte
	filled        int
	offset        uint64
	published     bool
}

func newCompactionWriter(directoryPath string, id kv_bitcask.ID) (*compactionWriter, error) {
	tmpPath := segmentPath(directoryPath, id) + compactionFileExt
	file, err := directio.OpenFile(tmpPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, segmentFileMode)
	if errors.Is(err, syscall.EINVAL) {
		// no direct I/O on this filesystem; the failed open may already have created the file
		file, err = os.OpenFile(tmpPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, segmentFileMode)
	}
	if err != nil {
		return nil, ioError(fmt.Sprintf("create compacted segment %d", id), err)
	}
	return &compactionWriter{
		id:            id,
		directoryPath: directoryPath,
		tmpPath:       tmpPath,
		file:          file,
		block:         directio.AlignedBlock(directio.BlockSize * 16),
	}, nil
}

func (c *compactionWriter) Write(record []byte) (LogPointer, error) {
	pointer := LogPointer{
		SegmentID: c.id,
		Offset:    c.offset,
		Length:    uint32(len(record)),
	}
	for remaining := record; len(remaining) > 0; {
		n := copy(c.block[c.filled:], remaining)
		c.filled += n
		remaining = remaining[n:]
		if c.filled == len(c.block) {
			if err := c.writeBlock(); err != nil {
				return LogPointer{}, err
			}
		}
	}
	c.offset += uint64(len(record))
	return pointer, nil
}

func (c *compactionWriter) writeBlock() error {
	if _, err := c.file.Write(c.block); err != nil {
		return ioError(fmt.Sprintf("write compacted segment %d", c.id), err)
	}
	c.filled = 0
	return nil
}

// publish writes out the last block, trims it to the records' length, fsyncs
// and renames the output to its segment name.
func (c *compactionWriter) publish() error {
	if c.filled > 0 {
		clear(c.block[c.filled:])
		if err := c.writeBlock(); err != nil {
			return err
		}
	}
	if err := c.file.Truncate(int64(c.offset)); err != nil {
		return ioError(fmt.Sprintf("truncate compacted segment %d", c.id), err)
	}
	if err := c.file.Sync(); err != nil {
		return ioError(fmt.Sprintf("sync compacted segment %d", c.id), err)
	}
	if err := c.file.Close(); err != nil {
		return ioError(fmt.Sprintf("close compacted segment %d", c.id), err)
	}
	if err := os.Rename(c.tmpPath, segmentPath(c.directoryPath, c.id)); err != nil {
		return ioError(fmt.Sprintf("publish compacted segment %d", c.id), err)
	}
	c.published = true
	return syncDir(c.directoryPath)
}

// finish publishes the output and opens it for reading.
func (c *compactionWriter) finish() (*segment, error) {
	if err := c.publish(); err != nil {
		return nil, err
	}
	return openSegment(c.directoryPath, c.id)
}

// abort throws away unfinished output, including a segment file that was
// already renamed into place but never registered.
func (c *compactionWriter) abort() {
	c.file.Close()
	os.Remove(c.tmpPath)
	if c.published {
		os.Remove(segmentPath(c.directoryPath, c.id))
	}
}

// compactionDue reports whether enough stale bytes have piled up. Stale bytes
// of the active segment count too: overwrites that land in the segment they
// shadow would otherwise never start a cycle.
func (s *Store) compactionDue() bool {
	return s.logs.staleBytes() > s.opts.CompactionThreshold
}

// beginCompaction claims the single compaction slot. Must be called with
// writeLock held so it cannot race Close.
func (s *Store) beginCompaction() error {
	if s.closed.Load() {
		return ErrClosed
	}
	if !s.compacting.CompareAndSwap(false, true) {
		return ErrCompactionRunning
	}
	s.wg.Add(1)
	return nil
}

func (s *Store) endCompaction() {
	s.compacting.Store(false)
	s.wg.Done()
}

// Compact runs a compaction cycle now and waits for it.
func (s *Store) Compact() error {
	s.writeLock.Lock()
	err := s.beginCompaction()
	s.writeLock.Unlock()
	if err != nil {
		return err
	}
	defer s.endCompaction()
	return s.compact()
}

// maybeCompact starts a background cycle when the stale byte threshold is
// exceeded and none is running.
func (s *Store) maybeCompact() {
	if s.compacting.Load() || !s.compactionDue() {
		return
	}

	s.writeLock.Lock()
	err := s.beginCompaction()
	s.writeLock.Unlock()
	if err != nil {
		return
	}

	go func() {
		defer s.endCompaction()
		// failures are logged by compact; stale bytes stay for the next trigger
		_ = s.compact()
	}()
}

func (s *Store) compactionLoop(interval time.Duration) {
	defer s.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.maybeCompact()
		}
	}
}

// compact rewrites every live record into a new segment and retires the
// segments that held them.
//
//  1. Under the write lock: snapshot the index, reserve the compacted
//     segment id and rotate to a new active segment. Writes from here on land
//     in a segment that sorts after the compacted one.
//  2. Without any lock: copy each snapshotted record into the compacted
//     segment, fsync it and rename it into place.
//  3. Under the write lock: repoint each key to its copy, but only if the key
//     still points where the snapshot saw it.
//  4. Still under the write lock, and with readers held off: delete every
//     segment up to the compacted one that no key points into.
//
// An error before step 3 leaves the index and all old segments as they were.
func (s *Store) compact() (err error) {
	start := s.clock.Now()
	defer func() {
		if err != nil {
			s.failedCompactions.Add(1)
			s.log.Errorw("compaction failed", "error", err)
		}
	}()

	s.writeLock.Lock()
	snapshot := s.index.snapshot()
	compactedID := s.logs.reserveID()
	_, activeID, err := s.logs.rotate()
	s.writeLock.Unlock()
	if err != nil {
		return fmt.Errorf("failed to rotate before compaction: %w", err)
	}

	s.log.Infow("compaction started",
		"compacted_segment", compactedID, "active_segment", activeID,
		"live_keys", len(snapshot), "stale_bytes", s.logs.staleBytes())

	compacted, staged, err := s.copyLive(compactedID, snapshot)
	if err != nil {
		return fmt.Errorf("failed to copy live records: %w", err)
	}
	s.logs.adopt(compacted)

	if s.testHookBeforeRepoint != nil {
		s.testHookBeforeRepoint()
	}

	s.writeLock.Lock()
	defer s.writeLock.Unlock()

	repointed := 0
	for key, pointer := range staged {
		original := snapshot[key]
		if s.index.CompareAndSwap(key, original, pointer) {
			compacted.markLive(pointer.Length)
			s.logs.markStale(original)
			repointed++
			continue
		}
		// key was written or removed after the snapshot; the copy is dead on arrival
		compacted.markGarbage(uint64(pointer.Length))
	}

	// the repoint has taken effect, so the cycle counts as done even if some
	// segments outlive it; the next cycle retires them
	removed, retireErr := s.retireSegments(compactedID)
	if retireErr != nil {
		s.log.Warnw("failed to remove retired segments", "compacted_segment", compactedID, "error", retireErr)
	}

	s.compactions.Add(1)
	s.log.Infow("compaction finished",
		"compacted_segment", compactedID,
		"repointed_keys", repointed,
		"skipped_keys", len(staged)-repointed,
		"removed_segments", removed,
		"duration", s.clock.Now().Sub(start))
	return nil
}

// copyLive writes every record in snapshot to a new segment and returns the
// new location of each key.
func (s *Store) copyLive(id kv_bitcask.ID, snapshot map[string]LogPointer) (*segment, map[string]LogPointer, error) {
	writer, err := newCompactionWriter(s.directoryPath, id)
	if err != nil {
		return nil, nil, err
	}

	staged := make(map[string]LogPointer, len(snapshot))
	for key, original := range snapshot {
		// only compaction deletes segments, so the snapshot's segments are stable here
		entry, err := s.logs.read(original)
		if err != nil {
			writer.abort()
			return nil, nil, err
		}
		if entry.Kind != KindSet || string(entry.Key) != key {
			writer.abort()
			return nil, nil, fmt.Errorf("%w: index entry for %q points at a %v record for %q",
				ErrCorruptRecord, key, entry.Kind, entry.Key)
		}

		record, err := entry.MarshalBinary()
		if err != nil {
			writer.abort()
			return nil, nil, err
		}
		pointer, err := writer.Write(record)
		if err != nil {
			writer.abort()
			return nil, nil, err
		}
		staged[key] = pointer
	}

	compacted, err := writer.finish()
	if err != nil {
		writer.abort()
		return nil, nil, err
	}
	return compacted, staged, nil
}

// retireSegments deletes read-only segments with ids up to and including
// upTo that no index entry references, oldest first. Called with writeLock
// held. Deletion stops at the first failure: a surviving segment may hold a
// record that only a tombstone in a later segment shadows.
func (s *Store) retireSegments(upTo kv_bitcask.ID) (int, error) {
	s.retireLock.Lock()
	defer s.retireLock.Unlock()

	referenced := s.index.referencedSegments()
	activeID := s.logs.activeID()

	removed := 0
	var removeErr error
	for _, id := range s.logs.segmentIDs() {
		if id > upTo || id == activeID {
			continue
		}
		if _, ok := referenced[id]; ok {
			continue
		}
		if removeErr = s.logs.removeSegment(id); removeErr != nil {
			break
		}
		removed++
	}
	return removed, errors.Join(removeErr, syncDir(s.directoryPath))
}
