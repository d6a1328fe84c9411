package hashengine

import (
	"bytes"
	"context"
	"crypto/md5"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"math/rand"
	"testing"
	"time"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sliceSource struct {
	chunks [][]byte
	delay  func(index int) time.Duration
	failAt int
}

func newSliceSource(chunks ...[]byte) *sliceSource {
	return &sliceSource{chunks: chunks, failAt: -1}
}

func (s *sliceSource) NumChunks() int {
	return len(s.chunks)
}

func (s *sliceSource) GetChunk(index int) (io.Reader, error) {
	if s.delay != nil {
		time.Sleep(s.delay(index))
	}
	if index == s.failAt {
		return nil, errors.New("unreadable chunk")
	}
	return bytes.NewReader(s.chunks[index]), nil
}

func newEngine(t *testing.T, algorithm string) *Engine {
	engine, err := New(Config{Algorithm: algorithm}, log.NewLogger())
	require.NoError(t, err)
	return engine
}

func collect(s *Session) []Progress {
	var events []Progress
	for p := range s.Progress() {
		events = append(events, p)
	}
	return events
}

func patterned(size int, seed byte) []byte {
	b := make([]byte, size)
	for i := range b {
		b[i] = byte(i) ^ seed
	}
	return b
}

func TestSession_ThreeChunks(t *testing.T) {
	first := patterned(1024*1024, 1)
	second := patterned(1024*1024, 2)
	third := patterned(512*1024, 3)

	session := newEngine(t, "").Start(context.Background(), newSliceSource(first, second, third))
	events := collect(session)

	require.Len(t, events, 3)
	assert.InDelta(t, 33.33, events[0].Percentage, 0.01)
	assert.InDelta(t, 66.67, events[1].Percentage, 0.01)
	assert.False(t, events[0].Done)
	assert.Empty(t, events[0].Digest)
	assert.False(t, events[1].Done)

	terminal := events[2]
	assert.True(t, terminal.Done)
	assert.Equal(t, float64(100), terminal.Percentage)

	whole := md5.Sum(append(append(append([]byte{}, first...), second...), third...))
	assert.Equal(t, hex.EncodeToString(whole[:]), terminal.Digest)

	digest, err := session.Wait()
	require.NoError(t, err)
	assert.Equal(t, terminal.Digest, digest)
}

func TestSession_ProgressStrictlyIncreasing(t *testing.T) {
	chunks := make([][]byte, 7)
	for i := range chunks {
		chunks[i] = patterned(100+i, byte(i))
	}

	events := collect(newEngine(t, "").Start(context.Background(), newSliceSource(chunks...)))
	require.Len(t, events, len(chunks))

	terminals := 0
	last := 0.0
	for _, p := range events {
		if p.Done {
			terminals++
			assert.Equal(t, float64(100), p.Percentage)
			continue
		}
		assert.Greater(t, p.Percentage, last)
		assert.Less(t, p.Percentage, float64(100))
		last = p.Percentage
	}
	assert.Equal(t, 1, terminals)
	assert.True(t, events[len(events)-1].Done)
}

func TestSession_DigestIndependentOfLatency(t *testing.T) {
	chunks := [][]byte{patterned(4096, 9), patterned(10, 8), patterned(777, 7), patterned(1, 6)}
	engine := newEngine(t, AlgorithmSHA256)

	want, err := engine.Sum(context.Background(), newSliceSource(chunks...))
	require.NoError(t, err)

	rnd := rand.New(rand.NewSource(42))
	for run := 0; run < 3; run++ {
		source := newSliceSource(chunks...)
		delays := make([]time.Duration, len(chunks))
		for i := range delays {
			delays[i] = time.Duration(rnd.Intn(5)) * time.Millisecond
		}
		source.delay = func(index int) time.Duration { return delays[index] }

		got, err := engine.Sum(context.Background(), source)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}

	concatenated := sha256.Sum256(bytes.Join(chunks, nil))
	assert.Equal(t, hex.EncodeToString(concatenated[:]), want)
}

func TestSession_ChunkBoundariesDoNotMatterForDigest(t *testing.T) {
	data := patterned(3000, 5)
	engine := newEngine(t, "")

	a, err := engine.Sum(context.Background(), newSliceSource(data[:1000], data[1000:2000], data[2000:]))
	require.NoError(t, err)
	b, err := engine.Sum(context.Background(), newSliceSource(data))
	require.NoError(t, err)

	assert.Equal(t, a, b)
}

func TestSession_Empty(t *testing.T) {
	events := collect(newEngine(t, "").Start(context.Background(), newSliceSource()))

	require.Len(t, events, 1)
	assert.True(t, events[0].Done)
	assert.Equal(t, "d41d8cd98f00b204e9800998ecf8427e", events[0].Digest)
}

func TestSession_ReadFailure(t *testing.T) {
	source := newSliceSource([]byte("a"), []byte("b"), []byte("c"))
	source.failAt = 1

	session := newEngine(t, "").Start(context.Background(), source)
	events := collect(session)

	require.Len(t, events, 1)
	assert.False(t, events[0].Done)

	digest, err := session.Wait()
	assert.Error(t, err)
	assert.Empty(t, digest)
	assert.Equal(t, err, session.Err())
}

func TestSession_Cancelled(t *testing.T) {
	source := newSliceSource([]byte("a"), []byte("b"), []byte("c"))
	source.delay = func(int) time.Duration { return 20 * time.Millisecond }

	ctx, cancel := context.WithCancel(context.Background())
	session := newEngine(t, "").Start(ctx, source)
	cancel()

	_, err := session.Wait()
	assert.ErrorIs(t, err, context.Canceled)
	for p := range session.Progress() {
		assert.False(t, p.Done)
	}
}

func TestSession_WaitWithoutDraining(t *testing.T) {
	chunks := make([][]byte, 50)
	for i := range chunks {
		chunks[i] = []byte{byte(i)}
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, err := newEngine(t, "").Start(context.Background(), newSliceSource(chunks...)).Wait()
		assert.NoError(t, err)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("session blocked on undrained progress channel")
	}
}

func TestNew_UnknownAlgorithm(t *testing.T) {
	_, err := New(Config{Algorithm: "crc32"}, log.NewLogger())
	assert.ErrorIs(t, err, ErrUnknownAlgorithm)
}
