package transfer

import (
	"sync"
	"testing"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func idleTransfer() *Transfer {
	return &Transfer{
		id:     uuid.NewString(),
		cancel: func() {},
		logger: log.NewLogger(),
		done:   make(chan struct{}),
	}
}

func TestRegistry_AddRemove(t *testing.T) {
	r := NewRegistry()
	a, b, c := idleTransfer(), idleTransfer(), idleTransfer()

	assert.True(t, r.Add(a))
	assert.True(t, r.Add(b))
	assert.True(t, r.Add(c))
	assert.False(t, r.Add(b), "duplicate add")
	assert.Equal(t, 3, r.Len())

	assert.True(t, r.Remove(b))
	assert.False(t, r.Remove(b), "second remove is a no-op")
	assert.Equal(t, []*Transfer{a, c}, r.Snapshot())

	assert.False(t, r.Contains(b))
	assert.True(t, r.Contains(c))
}

func TestRegistry_Cancel(t *testing.T) {
	r := NewRegistry()
	a, b := idleTransfer(), idleTransfer()
	r.Add(a)
	r.Add(b)

	assert.True(t, r.Cancel(a))
	assert.True(t, a.Aborted())
	assert.Equal(t, 1, r.Len())

	stranger := idleTransfer()
	assert.False(t, r.Cancel(stranger))
	assert.False(t, stranger.Aborted())

	assert.Equal(t, 1, r.CancelAll())
	assert.True(t, b.Aborted())
	assert.Equal(t, 0, r.Len())
	assert.Equal(t, 0, r.CancelAll())
}

func TestRegistry_ConcurrentInvariant(t *testing.T) {
	r := NewRegistry()
	const workers = 64

	transfers := make([]*Transfer, workers)
	for i := range transfers {
		transfers[i] = idleTransfer()
	}

	var wg sync.WaitGroup
	for i, tr := range transfers {
		wg.Add(1)
		go func(i int, tr *Transfer) {
			defer wg.Done()
			r.Add(tr)
			r.Add(tr)
			if i%2 == 0 {
				r.Cancel(tr)
			}
			r.Remove(tr)
			r.Remove(tr)
		}(i, tr)
	}

	// Concurrent scans must only ever observe unique entries.
	var scanners sync.WaitGroup
	for i := 0; i < 4; i++ {
		scanners.Add(1)
		go func() {
			defer scanners.Done()
			for j := 0; j < 200; j++ {
				seen := map[*Transfer]bool{}
				for _, tr := range r.Snapshot() {
					require.False(t, seen[tr], "duplicate handle in registry")
					seen[tr] = true
				}
			}
		}()
	}

	wg.Wait()
	scanners.Wait()

	assert.Equal(t, 0, r.Len())
	for i, tr := range transfers {
		assert.Equal(t, i%2 == 0, tr.Aborted())
	}
}
