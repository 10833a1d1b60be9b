package kv_bitcask

import "io"

// ID is the sequence number of a segment. Ids are never reused.
type ID uint64

// Engine is what an outer layer (command line, network transport) calls into.
type Engine interface {
	io.Closer
	Get(key []byte) ([]byte, error)
	Set(key []byte, value []byte) error
	Remove(key []byte) error
}

// DataFile is a readable segment.
type DataFile interface {
	io.Closer
	ID() ID
	ReadAt(offset uint64, length uint32) ([]byte, error)
}

// Index maps a key to the location of its newest record.
type Index[K comparable, V comparable] interface {
	Get(key K) (V, bool)
	Set(key K, value V) (V, bool)
	Remove(key K) (V, bool)
	// CompareAndSwap replaces the value for key only while it still equals old.
	CompareAndSwap(key K, old V, next V) bool
	Range(func(key K, value V) bool)
}
