package store

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"math"
	"time"
)

// EntryKind tags a LogEntry as a write or a tombstone.
type EntryKind uint8

const (
	kindUnknown EntryKind = iota
	KindSet
	KindRemove
)

func (k EntryKind) String() string {
	switch k {
	case KindSet:
		return "set"
	case KindRemove:
		return "remove"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// recordHeaderSize covers checksum(4), kind(1), timestamp(8), key size(4) and value size(4).
const recordHeaderSize = 4 + 1 + 8 + 4 + 4

// maxRecordSize keeps the encoded length representable in a LogPointer.
const maxRecordSize = math.MaxUint32

// LogEntry is one record of a segment.
//
// Layout, all integers little endian:
//
//	crc32 | kind | timestamp | key size | value size | key | value
//
// The checksum covers every byte after itself, so the header sizes are
// protected along with the payload.
type LogEntry struct {
	Kind      EntryKind
	Timestamp int64
	Key       []byte
	Value     []byte
}

func NewSetEntry(ts time.Time, key []byte, value []byte) *LogEntry {
	if value == nil {
		value = []byte{}
	}
	return &LogEntry{
		Kind:      KindSet,
		Timestamp: ts.UnixNano(),
		Key:       key,
		Value:     value,
	}
}

func NewRemoveEntry(ts time.Time, key []byte) *LogEntry {
	return &LogEntry{
		Kind:      KindRemove,
		Timestamp: ts.UnixNano(),
		Key:       key,
	}
}

// EncodedSize is the number of bytes MarshalBinary produces.
func (e *LogEntry) EncodedSize() uint64 {
	return uint64(recordHeaderSize) + uint64(len(e.Key)) + uint64(len(e.Value))
}

func (e *LogEntry) validate() error {
	switch e.Kind {
	case KindSet:
	case KindRemove:
		if len(e.Value) != 0 {
			return errors.New("remove entry carries a value")
		}
	default:
		return fmt.Errorf("unknown entry kind %d", uint8(e.Kind))
	}
	if e.EncodedSize() > maxRecordSize {
		return fmt.Errorf("%w: record of %d bytes", ErrValueTooLarge, e.EncodedSize())
	}
	return nil
}

func (e *LogEntry) MarshalBinary() ([]byte, error) {
	if err := e.validate(); err != nil {
		return nil, err
	}

	// first four bytes are left for the checksum
	writeBuffer := bytes.NewBuffer(make([]byte, 4, e.EncodedSize()))

	write := func(data any) func() error {
		return func() error {
			return binary.Write(writeBuffer, binary.LittleEndian, data)
		}
	}

	writeQueue := []func() error{
		write(e.Kind),
		write(e.Timestamp),
		write(uint32(len(e.Key))),
		write(uint32(len(e.Value))),
		func() error {
			_, err := writeBuffer.Write(e.Key)
			return err
		},
		func() error {
			_, err := writeBuffer.Write(e.Value)
			return err
		},
	}

	for _, op := range writeQueue {
		err := op()
		if err != nil {
			return nil, err
		}
	}

	record := writeBuffer.Bytes()
	binary.LittleEndian.PutUint32(record[0:4], crc32.ChecksumIEEE(record[4:]))
	return record, nil
}

// UnmarshalBinary decodes exactly one record; trailing bytes are an error.
func (e *LogEntry) UnmarshalBinary(data []byte) error {
	entry, n, err := DecodeEntry(data)
	if err != nil {
		return err
	}
	if n != len(data) {
		return fmt.Errorf("%w: %d trailing bytes after record", ErrCorruptRecord, len(data)-n)
	}
	*e = *entry
	return nil
}

// recordSize reads the total record length out of a header without
// validating anything else.
func recordSize(header []byte) uint64 {
	keySize := binary.LittleEndian.Uint32(header[13:17])
	valueSize := binary.LittleEndian.Uint32(header[17:21])
	return uint64(recordHeaderSize) + uint64(keySize) + uint64(valueSize)
}

// DecodeEntry decodes the record at the start of data and returns it along
// with the number of bytes it occupied. A record whose declared length runs
// past the end of data fails with an error wrapping ErrCorruptRecord.
func DecodeEntry(data []byte) (*LogEntry, int, error) {
	if len(data) < recordHeaderSize {
		return nil, 0, fmt.Errorf("%w: %d header bytes, need %d", errTruncated, len(data), recordHeaderSize)
	}

	total := recordSize(data)
	if total > uint64(len(data)) {
		return nil, 0, fmt.Errorf("%w: declared %d bytes, %d available", errTruncated, total, len(data))
	}

	checksum := binary.LittleEndian.Uint32(data[0:4])
	if crc32.ChecksumIEEE(data[4:total]) != checksum {
		return nil, 0, fmt.Errorf("%w: checksum mismatch", ErrCorruptRecord)
	}

	keySize := binary.LittleEndian.Uint32(data[13:17])
	valueSize := binary.LittleEndian.Uint32(data[17:21])
	entry := &LogEntry{
		Kind:      EntryKind(data[4]),
		Timestamp: int64(binary.LittleEndian.Uint64(data[5:13])),
	}

	switch entry.Kind {
	case KindSet:
	case KindRemove:
		if valueSize != 0 {
			return nil, 0, fmt.Errorf("%w: remove record with %d value bytes", ErrCorruptRecord, valueSize)
		}
	default:
		return nil, 0, fmt.Errorf("%w: unknown entry kind %d", ErrCorruptRecord, data[4])
	}

	keyEnd := recordHeaderSize + uint64(keySize)
	entry.Key = make([]byte, keySize)
	copy(entry.Key, data[recordHeaderSize:keyEnd])
	if entry.Kind == KindSet {
		entry.Value = make([]byte, valueSize)
		copy(entry.Value, data[keyEnd:total])
	}

	return entry, int(total), nil
}
