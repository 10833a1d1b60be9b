package store

import (
	"fmt"
	"math/rand"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	kv_bitcask "kv-bitcask"
)

func testOptions(modify ...func(*Options)) Options {
	opts := DefaultOptions()
	opts.Clock = kv_bitcask.ClockFunc(func() time.Time {
		return time.Unix(1700000000, 0)
	})
	for _, m := range modify {
		m(&opts)
	}
	return opts
}

func openTestStore(t *testing.T, dir string, modify ...func(*Options)) *Store {
	t.Helper()
	s, err := Open(dir, testOptions(modify...))
	require.NoError(t, err)
	return s
}

func setRecordSize(key string, value string) uint64 {
	return uint64(recordHeaderSize + len(key) + len(value))
}

func TestStoreSetGet(t *testing.T) {
	s := openTestStore(t, t.TempDir())
	defer s.Close()

	require.NoError(t, s.Set([]byte("foo"), []byte("I'm a value")))
	require.NoError(t, s.Set([]byte("bark"), []byte("around and around we go")))

	value, err := s.Get([]byte("foo"))
	require.NoError(t, err)
	require.Equal(t, []byte("I'm a value"), value)

	value, err = s.Get([]byte("bark"))
	require.NoError(t, err)
	require.Equal(t, []byte("around and around we go"), value)

	_, err = s.Get([]byte("missing"))
	require.ErrorIs(t, err, ErrKeyNotFound)
}

func TestStoreOverwriteMarksOldRecordStale(t *testing.T) {
	s := openTestStore(t, t.TempDir())
	defer s.Close()

	require.NoError(t, s.Set([]byte("key"), []byte("v1")))
	require.Zero(t, s.Stats().StaleBytes)

	require.NoError(t, s.Set([]byte("key"), []byte("value2")))

	value, err := s.Get([]byte("key"))
	require.NoError(t, err)
	require.Equal(t, []byte("value2"), value)

	stats := s.Stats()
	require.Equal(t, setRecordSize("key", "v1"), stats.StaleBytes)
	require.Equal(t, setRecordSize("key", "value2"), stats.LiveBytes)
	require.Equal(t, 1, stats.Keys)
}

func TestStoreRemove(t *testing.T) {
	s := openTestStore(t, t.TempDir())
	defer s.Close()

	require.NoError(t, s.Set([]byte("key"), []byte("value")))
	require.NoError(t, s.Remove([]byte("key")))

	_, err := s.Get([]byte("key"))
	require.ErrorIs(t, err, ErrKeyNotFound)

	require.ErrorIs(t, s.Remove([]byte("key")), ErrKeyNotFound)
	require.ErrorIs(t, s.Remove([]byte("never-set")), ErrKeyNotFound)

	// the set record and the tombstone are both unreachable
	stats := s.Stats()
	require.Equal(t, setRecordSize("key", "value")+setRecordSize("key", ""), stats.StaleBytes)
	require.Zero(t, stats.LiveBytes)
	require.Zero(t, stats.Keys)
}

func TestStoreSetAfterRemove(t *testing.T) {
	s := openTestStore(t, t.TempDir())
	defer s.Close()

	require.NoError(t, s.Set([]byte("key"), []byte("one")))
	require.NoError(t, s.Remove([]byte("key")))
	require.NoError(t, s.Set([]byte("key"), []byte("two")))

	value, err := s.Get([]byte("key"))
	require.NoError(t, err)
	require.Equal(t, []byte("two"), value)
}

func TestStorePersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()

	s := openTestStore(t, dir)
	require.NoError(t, s.Set([]byte("kept"), []byte("value")))
	require.NoError(t, s.Set([]byte("overwritten"), []byte("old")))
	require.NoError(t, s.Set([]byte("overwritten"), []byte("new")))
	require.NoError(t, s.Set([]byte("removed"), []byte("gone")))
	require.NoError(t, s.Remove([]byte("removed")))
	staleBefore := s.Stats().StaleBytes
	require.NoError(t, s.Close())

	s = openTestStore(t, dir)
	defer s.Close()

	value, err := s.Get([]byte("kept"))
	require.NoError(t, err)
	require.Equal(t, []byte("value"), value)

	value, err = s.Get([]byte("overwritten"))
	require.NoError(t, err)
	require.Equal(t, []byte("new"), value)

	_, err = s.Get([]byte("removed"))
	require.ErrorIs(t, err, ErrKeyNotFound)

	stats := s.Stats()
	require.Equal(t, staleBefore, stats.StaleBytes)
	require.Equal(t, 2, stats.Keys)
}

func TestStoreEmptyValue(t *testing.T) {
	dir := t.TempDir()
	s := openTestStore(t, dir)
	require.NoError(t, s.Set([]byte("key"), nil))
	require.NoError(t, s.Close())

	s = openTestStore(t, dir)
	defer s.Close()
	value, err := s.Get([]byte("key"))
	require.NoError(t, err)
	require.Empty(t, value)
}

func TestStoreSizeLimits(t *testing.T) {
	s := openTestStore(t, t.TempDir(), func(o *Options) {
		o.MaxKeySize = 4
		o.MaxValueSize = 8
	})
	defer s.Close()

	require.ErrorIs(t, s.Set([]byte("too long"), []byte("v")), ErrKeyTooLarge)
	require.ErrorIs(t, s.Set([]byte("k"), []byte("much too long")), ErrValueTooLarge)
	require.NoError(t, s.Set([]byte("k"), []byte("fits")))
}

func TestStoreClosed(t *testing.T) {
	s := openTestStore(t, t.TempDir())
	require.NoError(t, s.Set([]byte("key"), []byte("value")))
	require.NoError(t, s.Close())

	require.ErrorIs(t, s.Close(), ErrClosed)
	require.ErrorIs(t, s.Set([]byte("key"), []byte("value")), ErrClosed)
	require.ErrorIs(t, s.Remove([]byte("key")), ErrClosed)
	require.ErrorIs(t, s.Compact(), ErrClosed)
	_, err := s.Get([]byte("key"))
	require.ErrorIs(t, err, ErrClosed)
}

func TestStoreConcurrentReadersAndWriters(t *testing.T) {
	s := openTestStore(t, t.TempDir(), func(o *Options) {
		o.SyncWrites = false
		o.CompactionThreshold = 2048
	})
	defer s.Close()

	const writers = 4
	const keysPerWriter = 50
	const rounds = 5

	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for round := 0; round < rounds; round++ {
				for k := 0; k < keysPerWriter; k++ {
					key := []byte(fmt.Sprintf("w%d-k%d", w, k))
					value := []byte(fmt.Sprintf("round-%d", round))
					if err := s.Set(key, value); err != nil {
						t.Errorf("set %s: %v", key, err)
						return
					}
				}
			}
		}(w)
	}

	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < writers*keysPerWriter*rounds; i++ {
				key := []byte(fmt.Sprintf("w%d-k%d", i%writers, i%keysPerWriter))
				if _, err := s.Get(key); err != nil && err != ErrKeyNotFound {
					t.Errorf("get %s: %v", key, err)
					return
				}
			}
		}()
	}
	wg.Wait()

	for w := 0; w < writers; w++ {
		for k := 0; k < keysPerWriter; k++ {
			value, err := s.Get([]byte(fmt.Sprintf("w%d-k%d", w, k)))
			require.NoError(t, err)
			require.Equal(t, []byte(fmt.Sprintf("round-%d", rounds-1)), value)
		}
	}
}

func TestStoreFailedAppendRotatesToNewSegment(t *testing.T) {
	dir := t.TempDir()
	s := openTestStore(t, dir, noAutoCompaction)

	require.NoError(t, s.Set([]byte("k"), []byte("v1")))
	require.NoError(t, s.logs.active.writer.Close())

	err := s.Set([]byte("k"), []byte("v2"))
	require.ErrorIs(t, err, ErrIO)
	require.ErrorIs(t, err, os.ErrClosed)
	require.ErrorContains(t, err, "failed to append set record")
	require.True(t, s.logs.active.failed)

	value, err := s.Get([]byte("k"))
	require.NoError(t, err)
	require.Equal(t, []byte("v1"), value)

	require.NoError(t, s.Set([]byte("k"), []byte("v3")))
	require.Equal(t, kv_bitcask.ID(2), s.Stats().ActiveSegment)

	value, err = s.Get([]byte("k"))
	require.NoError(t, err)
	require.Equal(t, []byte("v3"), value)
	require.NoError(t, s.Close())

	s = openTestStore(t, dir, noAutoCompaction)
	defer s.Close()
	value, err = s.Get([]byte("k"))
	require.NoError(t, err)
	require.Equal(t, []byte("v3"), value)
	require.Equal(t, 1, s.Stats().Keys)
}

const (
	benchKeySize   = 1000
	benchValueSize = 1000
)

func openBenchStore(b *testing.B) *Store {
	b.Helper()
	s, err := Open(b.TempDir(), testOptions(func(o *Options) {
		o.SyncWrites = false
	}))
	require.NoError(b, err)
	b.Cleanup(func() {
		s.Close()
	})
	return s
}

func randomBytes(random *rand.Rand, size int) []byte {
	const alphanumeric = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	data := make([]byte, size)
	for i := range data {
		data[i] = alphanumeric[random.Intn(len(alphanumeric))]
	}
	return data
}

func benchPairs(count int) ([][]byte, [][]byte) {
	random := rand.New(rand.NewSource(0))
	keys := make([][]byte, count)
	values := make([][]byte, count)
	for i := range keys {
		keys[i] = randomBytes(random, benchKeySize)
		values[i] = randomBytes(random, benchValueSize)
	}
	return keys, values
}

func BenchmarkSet(b *testing.B) {
	s := openBenchStore(b)
	keys, values := benchPairs(1000)

	b.SetBytes(benchKeySize + benchValueSize)
	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if err := s.Set(keys[i%len(keys)], values[i%len(values)]); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkGet(b *testing.B) {
	s := openBenchStore(b)
	keys, values := benchPairs(100)
	for i := range keys {
		require.NoError(b, s.Set(keys[i], values[i]))
	}

	b.SetBytes(benchKeySize)
	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := s.Get(keys[i%len(keys)]); err != nil {
			b.Fatal(err)
		}
	}
}

// BenchmarkParallelGetSet mixes one write to every three reads across
// GOMAXPROCS goroutines.
func BenchmarkParallelGetSet(b *testing.B) {
	s := openBenchStore(b)
	keys, values := benchPairs(100)
	for i := range keys {
		require.NoError(b, s.Set(keys[i], values[i]))
	}

	b.SetBytes(benchKeySize + benchValueSize)
	b.ReportAllocs()
	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		i := 0
		for pb.Next() {
			key := keys[i%len(keys)]
			if i%4 == 0 {
				if err := s.Set(key, values[i%len(values)]); err != nil {
					b.Error(err)
					return
				}
			} else if _, err := s.Get(key); err != nil {
				b.Error(err)
				return
			}
			i++
		}
	})
}
