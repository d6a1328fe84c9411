package chunkuploader

import (
	"sync"
	"time"
)

// Stats tracks chunk transfer timings for hung detection and reporting.
type Stats struct {
	mu             sync.Mutex
	sum            time.Duration
	finishedChunks int64
	bytes          int64
	retries        int64
}

// NewStats creates a new Stats instance.
func NewStats() *Stats {
	return &Stats{}
}

// Update records a successful chunk transfer of size bytes.
func (s *Stats) Update(d time.Duration, size int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sum += d
	s.finishedChunks++
	s.bytes += size
}

// Retried records a failed attempt that will be retried.
func (s *Stats) Retried() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.retries++
}

// Average returns the average transfer duration of finished chunks.
func (s *Stats) Average() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.finishedChunks == 0 {
		return 0
	}
	return s.sum / time.Duration(s.finishedChunks)
}

// FinishedCount returns the number of finished chunk transfers.
func (s *Stats) FinishedCount() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.finishedChunks
}

// Bytes returns the number of payload bytes sent by finished transfers.
func (s *Stats) Bytes() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bytes
}

// RetryCount returns the number of retried attempts.
func (s *Stats) RetryCount() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.retries
}

// TotalDuration returns the sum of all transfer durations.
func (s *Stats) TotalDuration() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sum
}
