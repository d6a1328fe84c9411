package chunkuploader

import (
	"fmt"
	"net/http"
	"runtime"
	"time"
)

// Config holds configuration for the chunk uploader.
type Config struct {
	// Concurrency is the maximum number of parallel chunk transfers.
	// Default: min(NumCPU * 3, 20), minimum 2
	Concurrency int

	// MaxRetryPerChunk is the maximum number of attempts per chunk.
	// Default: 3
	MaxRetryPerChunk int

	// HungThreshold is how much longer than the average a transfer may take
	// before it is cancelled and retried. Zero disables hung detection.
	// Default: 30 seconds
	HungThreshold time.Duration

	// RetryBackoff is multiplied by the attempt number between retries.
	// Default: 2 seconds
	RetryBackoff time.Duration

	// HashAlgorithm selects the file fingerprint, see hashengine.
	// Default: md5
	HashAlgorithm string

	// Compress sends chunk payloads zstd-encoded.
	Compress bool

	// HTTPClient is used for chunk transfers.
	// If nil, transfer.DefaultHTTPClient is used.
	HTTPClient *http.Client
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		Concurrency:      DefaultConcurrency(),
		MaxRetryPerChunk: 3,
		HungThreshold:    30 * time.Second,
		RetryBackoff:     2 * time.Second,
	}
}

func (c Config) validate() error {
	if c.Concurrency < 1 {
		return fmt.Errorf("concurrency should be at least 1, got %d", c.Concurrency)
	}
	if c.MaxRetryPerChunk < 1 {
		return fmt.Errorf("max retry per chunk should be at least 1, got %d", c.MaxRetryPerChunk)
	}
	if c.HungThreshold < 0 || c.RetryBackoff < 0 {
		return fmt.Errorf("durations should not be negative")
	}
	return nil
}

// DefaultConcurrency calculates the default concurrency based on CPU count.
func DefaultConcurrency() int {
	c := runtime.NumCPU() * 3

	if c > 20 {
		c = 20
	}

	if c < 2 {
		c = 2
	}

	return c
}

// layoutConcurrency is the worker count DefaultChunkSizeBytes assumes.
const layoutConcurrency = 10

// DefaultChunkSizeBytes picks a chunk size from the file size alone, so every
// run over the same file produces the same chunk layout.
func DefaultChunkSizeBytes(totalSize int64) int64 {
	return OptimalChunkSizeBytes(totalSize, layoutConcurrency)
}

// OptimalChunkSizeBytes calculates a chunk size for the total size and concurrency.
func OptimalChunkSizeBytes(totalSize int64, concurrency int) int64 {
	return int64(optimalChunkSizeBytes(uint64(totalSize), 5*1024*1024, 100*1024*1024, uint64(concurrency)))
}

func optimalChunkSizeBytes(totalSize, min, max, concurrency uint64) uint64 {
	if concurrency == 0 {
		concurrency = 1
	}
	cs := totalSize / concurrency

	// Halve very large chunks to keep every worker busy
	if cs >= 100*1024*1024 {
		cs = cs / 2
	}

	if cs < min {
		cs = min
	}

	if max > 0 && cs > max {
		cs = max
	}

	return cs
}

// ChunkLayout returns the number of chunks and the size of the last one for a
// file of totalSize split into chunkSize pieces. An empty file has one empty chunk.
func ChunkLayout(totalSize, chunkSize int64) (numChunks int, lastChunkSize int64) {
	if chunkSize <= 0 || totalSize <= 0 {
		return 1, 0
	}

	numChunks = int(totalSize / chunkSize)
	lastChunkSize = totalSize % chunkSize
	if lastChunkSize == 0 {
		lastChunkSize = chunkSize
	} else {
		numChunks++
	}

	return numChunks, lastChunkSize
}
