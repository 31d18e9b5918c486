package cache

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/ChuLiYu/scoreload/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock is a manually advanced clock.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}

func entry(content string) types.CacheEntry {
	return types.CacheEntry{Content: content, FileName: content + ".musicxml", FileSizeBytes: int64(len(content))}
}

func TestNewAppliesDefaults(t *testing.T) {
	c := New(Config{})
	assert.Equal(t, DefaultCapacity, c.Capacity())
	assert.Equal(t, DefaultMaxAge, c.MaxAge())
	assert.Equal(t, 0, c.Len())
}

func TestSetGet(t *testing.T) {
	c := New(Config{})

	stored := c.Set("job-1", entry("v1"))
	assert.Equal(t, uint64(1), stored.Version)

	got, ok := c.Get("job-1")
	require.True(t, ok)
	assert.Equal(t, "v1", got.Content)
	assert.Equal(t, "v1.musicxml", got.FileName)

	_, ok = c.Get("missing")
	assert.False(t, ok)
}

func TestOverwriteIncrementsVersion(t *testing.T) {
	c := New(Config{})

	first := c.Set("job-1", entry("v1"))
	second := c.Set("job-1", entry("v2"))

	assert.Greater(t, second.Version, first.Version)
	got, ok := c.Get("job-1")
	require.True(t, ok)
	assert.Equal(t, "v2", got.Content)
	assert.Equal(t, second.Version, got.Version)
	assert.Equal(t, 1, c.Len())
}

func TestVersionIsGlobalAcrossKeys(t *testing.T) {
	c := New(Config{})

	a := c.Set("a", entry("a"))
	b := c.Set("b", entry("b"))
	a2 := c.Set("a", entry("a2"))

	assert.Equal(t, uint64(1), a.Version)
	assert.Equal(t, uint64(2), b.Version)
	assert.Equal(t, uint64(3), a2.Version)
}

func TestExpiry(t *testing.T) {
	clock := newFakeClock()
	c := New(Config{MaxAge: time.Minute}, WithClock(clock.Now))

	c.Set("job-1", entry("v1"))

	clock.Advance(59 * time.Second)
	_, ok := c.Get("job-1")
	assert.True(t, ok, "entry should still be fresh")

	clock.Advance(2 * time.Second)
	_, ok = c.Get("job-1")
	assert.False(t, ok, "entry should have expired")
	assert.Equal(t, 0, c.Len(), "expired entry should be evicted on read")
}

func TestCapacityEvictsOldestWrite(t *testing.T) {
	clock := newFakeClock()
	c := New(Config{Capacity: 3}, WithClock(clock.Now))

	for i := 0; i < 3; i++ {
		c.Set(types.JobID(fmt.Sprintf("job-%d", i)), entry(fmt.Sprintf("v%d", i)))
		clock.Advance(time.Second)
	}

	// Reading job-0 must not protect it: eviction is by write time.
	_, ok := c.Get("job-0")
	require.True(t, ok)

	c.Set("job-3", entry("v3"))

	assert.Equal(t, 3, c.Len())
	_, ok = c.Get("job-0")
	assert.False(t, ok, "oldest write should be evicted")
	for _, id := range []types.JobID{"job-1", "job-2", "job-3"} {
		_, ok := c.Get(id)
		assert.True(t, ok, "%s should remain", id)
	}
}

func TestOverwriteAtCapacityDoesNotEvict(t *testing.T) {
	c := New(Config{Capacity: 2})

	c.Set("a", entry("a"))
	c.Set("b", entry("b"))
	c.Set("a", entry("a2"))

	assert.Equal(t, 2, c.Len())
	_, ok := c.Get("b")
	assert.True(t, ok)
}

func TestInvalidateAndClear(t *testing.T) {
	c := New(Config{})

	c.Set("a", entry("a"))
	c.Set("b", entry("b"))

	assert.True(t, c.Invalidate("a"))
	assert.False(t, c.Invalidate("a"))
	_, ok := c.Get("a")
	assert.False(t, ok)

	c.Clear()
	assert.Equal(t, 0, c.Len())

	after := c.Set("c", entry("c"))
	assert.Equal(t, uint64(1), after.Version, "clear should reset the version counter")
}

func TestReturnedEntriesAreCopies(t *testing.T) {
	c := New(Config{})

	in := entry("v1")
	in.Metadata = &types.DocumentMetadata{Tempos: []float64{120}}
	c.Set("job-1", in)
	in.Metadata.Tempos[0] = 60

	got, ok := c.Get("job-1")
	require.True(t, ok)
	got.Metadata.Tempos[0] = 90

	again, _ := c.Get("job-1")
	assert.Equal(t, []float64{120}, again.Metadata.Tempos)
}

func TestConcurrentAccess(t *testing.T) {
	c := New(Config{Capacity: 5})

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			key := types.JobID(fmt.Sprintf("job-%d", i%7))
			c.Set(key, entry(string(key)))
			c.Get(key)
		}(i)
	}
	wg.Wait()

	assert.LessOrEqual(t, c.Len(), 5)
}
