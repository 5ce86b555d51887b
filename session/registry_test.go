package session

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const device = "aa:bb:cc:dd:ee:ff"

func TestRegistry_AdmitReleaseReadmit(t *testing.T) {
	r := NewRegistry()
	defer r.Close()

	first, ok := r.TryAdmit(device)
	require.True(t, ok)
	assert.Equal(t, device, first.ID)
	assert.NotEqual(t, uuid.Nil, first.Session)

	_, ok = r.TryAdmit(device)
	assert.False(t, ok, "second admission without release")
	assert.True(t, r.Contains(device))

	assert.True(t, r.Release(device))
	assert.False(t, r.Contains(device))

	second, ok := r.TryAdmit(device)
	require.True(t, ok)
	assert.NotEqual(t, first.Session, second.Session)
}

func TestRegistry_ReleaseIsIdempotent(t *testing.T) {
	r := NewRegistry()
	defer r.Close()

	assert.False(t, r.Release(device))
	_, _ = r.TryAdmit(device)
	assert.True(t, r.Release(device))
	assert.False(t, r.Release(device))
	assert.Equal(t, 0, r.Len())
}

func TestRegistry_StaleLeaseDoesNotEvictNewSession(t *testing.T) {
	r := NewRegistry()
	defer r.Close()

	stale, ok := r.TryAdmit(device)
	require.True(t, ok)

	// Lost arrives while the first processor is still running.
	r.Release(device)
	current, ok := r.TryAdmit(device)
	require.True(t, ok)

	assert.False(t, r.ReleaseLease(stale), "stale processor exit must be a no-op")
	assert.True(t, r.Contains(device))

	assert.True(t, r.ReleaseLease(current))
	assert.False(t, r.Contains(device))
	assert.False(t, r.ReleaseLease(current))
}

func TestRegistry_ConcurrentAdmissionSameID(t *testing.T) {
	r := NewRegistry()
	defer r.Close()

	const callers = 64
	var admitted atomic.Int32
	var wg sync.WaitGroup
	start := make(chan struct{})

	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			if _, ok := r.TryAdmit(device); ok {
				admitted.Add(1)
			}
		}()
	}
	close(start)
	wg.Wait()

	assert.Equal(t, int32(1), admitted.Load())
	assert.Equal(t, 1, r.Len())
}

func TestRegistry_ConcurrentDistinctIDs(t *testing.T) {
	r := NewRegistry()
	defer r.Close()

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			lease, ok := r.TryAdmit(fmt.Sprintf("00:00:00:00:00:%02x", i))
			assert.True(t, ok)
			if i%2 == 0 {
				r.ReleaseLease(lease)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 16, r.Len())
}

func TestRegistry_AfterClose(t *testing.T) {
	r := NewRegistry()
	_, ok := r.TryAdmit(device)
	require.True(t, ok)

	r.Close()
	r.Close()

	_, ok = r.TryAdmit("11:22:33:44:55:66")
	assert.False(t, ok)
	assert.False(t, r.Release(device))
	assert.False(t, r.Contains(device))
	assert.Equal(t, 0, r.Len())
}
