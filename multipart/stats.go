package multipart

import (
	"sync"
	"time"
)

// PartStats summarizes the finished part uploads at one point in time.
type PartStats struct {
	Parts int64
	Bytes int64
	// Busy is the summed upload time of the parts. Parallel uploads overlap.
	Busy time.Duration
}

// Average returns the average upload time of a part.
func (p PartStats) Average() time.Duration {
	if p.Parts == 0 {
		return 0
	}
	return p.Busy / time.Duration(p.Parts)
}

// Throughput returns the bytes per second uploaded during the elapsed wall time.
func (p PartStats) Throughput(elapsed time.Duration) float64 {
	if elapsed <= 0 {
		return 0
	}
	return float64(p.Bytes) / elapsed.Seconds()
}

// Stats collects the finished part uploads of an uploader. It is safe for concurrent use.
type Stats struct {
	mu      sync.Mutex
	current PartStats
}

// Record adds a part of size bytes uploaded in d.
func (s *Stats) Record(size int64, d time.Duration) {
	s.mu.Lock()
	s.current.Parts++
	s.current.Bytes += size
	s.current.Busy += d
	s.mu.Unlock()
}

// Snapshot returns the current summary.
func (s *Stats) Snapshot() PartStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}
