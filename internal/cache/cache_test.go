package cache

import (
	"fmt"
	"sync"
	"testing"
	"time"
)

// fakeClock lets expiry tests run without sleeping.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.t
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	f.t = f.t.Add(d)
	f.mu.Unlock()
}

func newWithClock[K comparable, V any](ttl time.Duration) (*Cache[K, V], *fakeClock) {
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	c := New[K, V](ttl)
	c.now = clock.Now
	return c, clock
}

func TestSetAndGet(t *testing.T) {
	c := New[string, int](0)

	if _, ok := c.Get("missing"); ok {
		t.Error("Get on empty cache should miss")
	}
	c.Set("a", 1)
	c.Set("a", 2)
	if v, ok := c.Get("a"); !ok || v != 2 {
		t.Errorf("Get(a) = %d, %v; want 2, true", v, ok)
	}
	if c.Len() != 1 {
		t.Errorf("Len() = %d", c.Len())
	}
}

func TestExpiry(t *testing.T) {
	c, clock := newWithClock[string, string](time.Minute)

	c.Set("k", "v")
	clock.Advance(30 * time.Second)
	if _, ok := c.Get("k"); !ok {
		t.Fatal("entry should still be live")
	}
	clock.Advance(31 * time.Second)
	if _, ok := c.Get("k"); ok {
		t.Fatal("entry should have expired")
	}
	if got := c.GetAll(); len(got) != 0 {
		t.Errorf("GetAll() = %v, want empty", got)
	}

	actual, loaded := c.GetOrSet("k", "fresh")
	if loaded || actual != "fresh" {
		t.Errorf("GetOrSet after expiry = %q, %v", actual, loaded)
	}
}

func TestZeroTTLNeverExpires(t *testing.T) {
	c, clock := newWithClock[int, int](0)
	c.Set(1, 1)
	clock.Advance(24 * 365 * time.Hour)
	if _, ok := c.Get(1); !ok {
		t.Error("zero ttl entries should not expire")
	}
}

func TestGetOrSet(t *testing.T) {
	c := New[string, *int](0)
	first, second := 1, 2

	got, loaded := c.GetOrSet("x", &first)
	if loaded || got != &first {
		t.Fatalf("first GetOrSet = %v, %v", got, loaded)
	}
	got, loaded = c.GetOrSet("x", &second)
	if !loaded || got != &first {
		t.Fatalf("second GetOrSet should return the stored pointer, got %v, %v", got, loaded)
	}
}

func TestDeleteAndDrain(t *testing.T) {
	c, clock := newWithClock[string, int](0)
	for i, k := range []string{"a", "b", "c"} {
		c.Set(k, i)
		clock.Advance(time.Second)
	}

	if v, ok := c.Delete("b"); !ok || v != 1 {
		t.Errorf("Delete(b) = %d, %v", v, ok)
	}
	if _, ok := c.Delete("b"); ok {
		t.Error("second Delete should miss")
	}

	drained := c.Drain()
	if fmt.Sprint(drained) != "[0 2]" {
		t.Errorf("Drain() = %v, want [0 2]", drained)
	}
	if c.Len() != 0 {
		t.Errorf("Len() after Drain = %d", c.Len())
	}
}

func TestInvalidate(t *testing.T) {
	c := New[string, int](0)
	c.Set("a", 1)
	c.Invalidate()
	if _, ok := c.Get("a"); ok {
		t.Error("Invalidate should clear entries")
	}
}

func TestZeroValue(t *testing.T) {
	var c Cache[string, int]
	c.Set("a", 1)
	if v, ok := c.Get("a"); !ok || v != 1 {
		t.Errorf("zero-value cache Get = %d, %v", v, ok)
	}
}

func TestConcurrentAccess(t *testing.T) {
	c := New[int, int](0)
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				c.Set(i, g)
				c.Get(i)
				c.GetOrSet(i+1000, g)
				c.GetAll()
			}
		}(g)
	}
	wg.Wait()
	if c.Len() != 400 {
		t.Errorf("Len() = %d, want 400", c.Len())
	}
}
