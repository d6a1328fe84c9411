// Package hashengine computes a content fingerprint of a chunked file on a
// separate goroutine, reporting progress after every chunk.
package hashengine

import (
	"context"
	"crypto/md5"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"sync"

	"github.com/bitrise-io/go-utils/v2/log"
)

// Supported digest algorithms.
const (
	AlgorithmMD5    = "md5"
	AlgorithmSHA256 = "sha256"
)

// ErrUnknownAlgorithm is returned for an unsupported Config.Algorithm.
var ErrUnknownAlgorithm = errors.New("unknown hash algorithm")

// ChunkSource is an ordered sequence of chunks known up front.
type ChunkSource interface {
	NumChunks() int
	GetChunk(index int) (io.Reader, error)
}

// Progress is a notification emitted by a Session.
// Digest is only set on the terminal notification, where Done is true.
type Progress struct {
	Percentage float64
	Digest     string
	Done       bool
}

// Config holds the engine configuration.
type Config struct {
	// Algorithm selects the digest. Default: md5
	Algorithm string
}

// Engine starts hashing sessions.
type Engine struct {
	algorithm string
	newHash   func() hash.Hash
	logger    log.Logger
}

// New creates an Engine for the configured algorithm.
func New(config Config, logger log.Logger) (*Engine, error) {
	algorithm := config.Algorithm
	if algorithm == "" {
		algorithm = AlgorithmMD5
	}

	var newHash func() hash.Hash
	switch algorithm {
	case AlgorithmMD5:
		newHash = md5.New
	case AlgorithmSHA256:
		newHash = sha256.New
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownAlgorithm, config.Algorithm)
	}

	return &Engine{
		algorithm: algorithm,
		newHash:   newHash,
		logger:    logger,
	}, nil
}

// Algorithm returns the name of the digest algorithm.
func (e *Engine) Algorithm() string {
	return e.algorithm
}

// Start hashes the chunks on a new goroutine and returns immediately.
func (e *Engine) Start(ctx context.Context, chunks ChunkSource) *Session {
	total := chunks.NumChunks()
	buf := total
	if buf < 1 {
		buf = 1
	}

	s := &Session{
		total:  total,
		events: make(chan Progress, buf),
		done:   make(chan struct{}),
		acc:    e.newHash(),
		logger: e.logger,
	}
	go s.run(ctx, chunks)

	return s
}

// Session is a single, non-reusable hashing run.
type Session struct {
	total     int
	processed int
	acc       hash.Hash
	logger    log.Logger

	events chan Progress
	done   chan struct{}

	mu     sync.Mutex
	digest string
	err    error
}

// Progress returns the notification channel. It is closed when the session ends;
// a close that was not preceded by a Done notification means the session failed.
func (s *Session) Progress() <-chan Progress {
	return s.events
}

// Done is closed when the session has ended, successfully or not.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Wait blocks until the session ends and returns the digest.
func (s *Session) Wait() (string, error) {
	<-s.done
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.digest, s.err
}

// Err returns the failure of a finished session, nil otherwise.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *Session) run(ctx context.Context, chunks ChunkSource) {
	defer close(s.done)
	defer close(s.events)

	if s.total == 0 {
		s.finish()
		return
	}

	for index := 0; index < s.total; index++ {
		if err := ctx.Err(); err != nil {
			s.fail(fmt.Errorf("hashing cancelled at chunk %d: %w", index+1, err))
			return
		}

		if err := s.consume(chunks, index); err != nil {
			s.fail(err)
			return
		}
		s.processed++

		if s.processed == s.total {
			s.finish()
			return
		}

		s.events <- Progress{Percentage: float64(s.processed) * 100 / float64(s.total)}
	}
}

func (s *Session) consume(chunks ChunkSource, index int) error {
	reader, err := chunks.GetChunk(index)
	if err != nil {
		return fmt.Errorf("get chunk %d: %w", index+1, err)
	}

	n, err := io.Copy(s.acc, reader)
	if err != nil {
		return fmt.Errorf("read chunk %d: %w", index+1, err)
	}
	s.logger.Debugf("Hashed chunk %d/%d (%d bytes)", index+1, s.total, n)

	return nil
}

func (s *Session) finish() {
	digest := hex.EncodeToString(s.acc.Sum(nil))

	s.mu.Lock()
	s.digest = digest
	s.mu.Unlock()

	s.events <- Progress{Percentage: 100, Digest: digest, Done: true}
}

func (s *Session) fail(err error) {
	s.logger.Warnf("Hashing failed: %s", err)

	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}

// Sum hashes the chunks and blocks until the digest is ready.
func (e *Engine) Sum(ctx context.Context, chunks ChunkSource) (string, error) {
	return e.Start(ctx, chunks).Wait()
}
