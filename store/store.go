// Package store implements a Bitcask-style log-structured key-value engine.
//
// Every write appends a record to the active segment file and points an
// in-memory index at it. Overwritten and removed records become stale bytes,
// which a compaction cycle reclaims by copying live records into a fresh
// segment and deleting the segments nothing points into any more. Files are
// only ever appended to, renamed into place or deleted.
package store

import (
	"bytes"
	"fmt"
	"os"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	kv_bitcask "kv-bitcask"
)

var _ kv_bitcask.Engine = new(Store)

// Store is one open store directory. It is safe for concurrent use.
//
// writeLock serializes writers: an append and its index update happen
// together under it, as do compaction's cut-over and repoint steps. Readers
// never take it. retireLock is held shared by readers from index lookup to
// record read, and exclusively while segments are deleted, so a pointer
// obtained from the index always finds its file.
type Store struct {
	directoryPath string
	opts          Options
	log           *zap.SugaredLogger
	clock         kv_bitcask.Clock

	index *index
	logs  *logManager

	writeLock  sync.Mutex
	retireLock sync.RWMutex

	closed     atomic.Bool
	compacting atomic.Bool
	done       chan struct{}
	wg         sync.WaitGroup

	compactions       atomic.Uint64
	failedCompactions atomic.Uint64

	// testHookBeforeRepoint runs after compacted records are copied and
	// before the index is repointed at them.
	testHookBeforeRepoint func()
}

// Open opens the store in directoryPath, creating the directory if needed,
// and replays its segments before returning.
func Open(directoryPath string, opts Options) (*Store, error) {
	opts = opts.withDefaults()
	if err := os.MkdirAll(directoryPath, storeDirectoryMode); err != nil {
		return nil, ioError("create store directory", err)
	}

	s := &Store{
		directoryPath: directoryPath,
		opts:          opts,
		log:           opts.Logger,
		clock:         opts.Clock,
		index:         newIndex(opts.IndexShards),
		logs:          newLogManager(directoryPath, opts),
		done:          make(chan struct{}),
	}

	if err := s.recover(); err != nil {
		s.logs.close()
		return nil, fmt.Errorf("failed to open store: %w", err)
	}

	if opts.CompactionInterval > 0 {
		s.wg.Add(1)
		go s.compactionLoop(opts.CompactionInterval)
	}
	return s, nil
}

// Get returns the value stored for key, or ErrKeyNotFound.
func (s *Store) Get(key []byte) ([]byte, error) {
	s.retireLock.RLock()
	defer s.retireLock.RUnlock()

	if s.closed.Load() {
		return nil, ErrClosed
	}

	pointer, ok := s.index.Get(string(key))
	if !ok {
		return nil, ErrKeyNotFound
	}

	entry, err := s.logs.read(pointer)
	if err != nil {
		return nil, fmt.Errorf("failed to read value: %w", err)
	}
	if entry.Kind != KindSet || !bytes.Equal(entry.Key, key) {
		return nil, fmt.Errorf("failed to read value: %w: index points at a %v record for %q", ErrCorruptRecord, entry.Kind, entry.Key)
	}
	return entry.Value, nil
}

// Set stores value for key, replacing any previous value.
func (s *Store) Set(key []byte, value []byte) error {
	if err := s.validate(key, value); err != nil {
		return err
	}

	entry := NewSetEntry(s.clock.Now(), key, value)

	s.writeLock.Lock()
	if s.closed.Load() {
		s.writeLock.Unlock()
		return ErrClosed
	}
	pointer, err := s.logs.append(entry)
	if err != nil {
		s.writeLock.Unlock()
		return fmt.Errorf("failed to append set record: %w", err)
	}
	if prev, ok := s.index.Set(string(key), pointer); ok {
		s.logs.markStale(prev)
	}
	s.writeLock.Unlock()

	s.maybeCompact()
	return nil
}

// Remove deletes key. It fails with ErrKeyNotFound if key has no value.
func (s *Store) Remove(key []byte) error {
	entry := NewRemoveEntry(s.clock.Now(), key)

	s.writeLock.Lock()
	if s.closed.Load() {
		s.writeLock.Unlock()
		return ErrClosed
	}
	if _, ok := s.index.Get(string(key)); !ok {
		s.writeLock.Unlock()
		return ErrKeyNotFound
	}
	pointer, err := s.logs.append(entry)
	if err != nil {
		s.writeLock.Unlock()
		return fmt.Errorf("failed to append remove record: %w", err)
	}
	if prev, ok := s.index.Remove(string(key)); ok {
		s.logs.markStale(prev)
	}
	// a tombstone is never reachable from the index
	s.logs.markStale(pointer)
	s.writeLock.Unlock()

	s.maybeCompact()
	return nil
}

func (s *Store) validate(key []byte, value []byte) error {
	if s.opts.MaxKeySize > 0 && len(key) > s.opts.MaxKeySize {
		return fmt.Errorf("%w (%d bytes)", ErrKeyTooLarge, s.opts.MaxKeySize)
	}
	if s.opts.MaxValueSize > 0 && len(value) > s.opts.MaxValueSize {
		return fmt.Errorf("%w (%d bytes)", ErrValueTooLarge, s.opts.MaxValueSize)
	}
	return nil
}

// Close waits for a running compaction, then syncs and closes every file.
func (s *Store) Close() error {
	s.writeLock.Lock()
	if s.closed.Load() {
		s.writeLock.Unlock()
		return ErrClosed
	}
	s.closed.Store(true)
	s.writeLock.Unlock()

	close(s.done)
	s.wg.Wait()

	s.retireLock.Lock()
	defer s.retireLock.Unlock()
	if err := s.logs.close(); err != nil {
		return fmt.Errorf("failed to close store: %w", err)
	}
	return nil
}
