package store

import kv_bitcask "kv-bitcask"

// Stats is a point-in-time view of the store's disk usage.
type Stats struct {
	ActiveSegment     kv_bitcask.ID
	Segments          int
	Keys              int
	LiveBytes         uint64
	StaleBytes        uint64
	Compactions       uint64
	FailedCompactions uint64
}

func (s *Store) Stats() Stats {
	return Stats{
		ActiveSegment:     s.logs.activeID(),
		Segments:          len(s.logs.segmentIDs()),
		Keys:              s.index.Len(),
		LiveBytes:         s.logs.liveBytes(),
		StaleBytes:        s.logs.staleBytes(),
		Compactions:       s.compactions.Load(),
		FailedCompactions: s.failedCompactions.Load(),
	}
}
