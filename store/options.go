package store

import (
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	kv_bitcask "kv-bitcask"
)

const (
	DefaultCompactionThreshold = 4 * 1024 * 1024
	DefaultMaxSegmentBytes     = 64 * 1024 * 1024
	DefaultIndexShards         = 16
)

// Options tunes a Store. The zero value of every field except Logger and
// Clock means "no limit" or "disabled"; use DefaultOptions as a base.
type Options struct {
	// CompactionThreshold is the number of stale bytes across all segments
	// above which a compaction cycle starts.
	CompactionThreshold uint64 `yaml:"compaction_threshold"`
	// MaxSegmentBytes rotates the active segment once it reaches this size.
	MaxSegmentBytes uint64 `yaml:"max_segment_bytes"`
	// SyncWrites fsyncs the active segment after every append.
	SyncWrites bool `yaml:"sync_writes"`
	// CompactionInterval additionally checks the threshold on a timer.
	CompactionInterval time.Duration `yaml:"compaction_interval"`
	IndexShards        int           `yaml:"index_shards"`
	MaxKeySize         int           `yaml:"max_key_size"`
	MaxValueSize       int           `yaml:"max_value_size"`

	Logger *zap.SugaredLogger `yaml:"-"`
	Clock  kv_bitcask.Clock   `yaml:"-"`
}

func DefaultOptions() Options {
	return Options{
		CompactionThreshold: DefaultCompactionThreshold,
		MaxSegmentBytes:     DefaultMaxSegmentBytes,
		SyncWrites:          true,
		IndexShards:         DefaultIndexShards,
	}
}

// LoadOptions reads a YAML file and overlays it on DefaultOptions.
func LoadOptions(path string) (Options, error) {
	opts := DefaultOptions()
	data, err := os.ReadFile(path)
	if err != nil {
		return opts, fmt.Errorf("failed to read options: %w", err)
	}
	if err := yaml.Unmarshal(data, &opts); err != nil {
		return opts, fmt.Errorf("failed to parse options file %v: %w", path, err)
	}
	return opts, nil
}

func (o Options) withDefaults() Options {
	if o.Logger == nil {
		o.Logger = zap.NewNop().Sugar()
	}
	if o.Clock == nil {
		o.Clock = kv_bitcask.NewRealClock()
	}
	if o.IndexShards < 1 {
		o.IndexShards = DefaultIndexShards
	}
	return o
}
