package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nhalm/storekit/clock"
)

type legalDoc struct {
	Content string
}

var (
	epoch          = time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	errUnreachable = errors.New("upstream unreachable")
)

func fetchValue(v legalDoc, calls *int) FetchFunc[legalDoc] {
	return func(context.Context) (legalDoc, error) {
		*calls++
		return v, nil
	}
}

func fetchError(calls *int) FetchFunc[legalDoc] {
	return func(context.Context) (legalDoc, error) {
		*calls++
		return legalDoc{}, errUnreachable
	}
}

func TestGetOrFetch_FreshHitSkipsFetch(t *testing.T) {
	fake := clock.Fake(epoch)
	c := New[legalDoc](Config{TTL: 24 * time.Hour, Clock: fake})
	ctx := context.Background()
	calls := 0

	if _, _, err := c.GetOrFetch(ctx, "legal:en-US", fetchValue(legalDoc{"v1"}, &calls)); err != nil {
		t.Fatalf("GetOrFetch() error = %v", err)
	}

	fake.Advance(23 * time.Hour)
	got, freshness, err := c.GetOrFetch(ctx, "legal:en-US", fetchValue(legalDoc{"v2"}, &calls))
	if err != nil {
		t.Fatalf("GetOrFetch() error = %v", err)
	}
	if got.Content != "v1" || freshness != Fresh {
		t.Errorf("GetOrFetch() = %q/%v, want v1/fresh", got.Content, freshness)
	}
	if calls != 1 {
		t.Errorf("fetch calls = %d, want 1", calls)
	}
}

func TestGetOrFetch_StaleFallback(t *testing.T) {
	fake := clock.Fake(epoch)
	c := New[legalDoc](Config{TTL: 24 * time.Hour, Clock: fake})
	ctx := context.Background()
	calls := 0

	c.GetOrFetch(ctx, "legal:en-US", fetchValue(legalDoc{"v1"}, &calls))

	fake.Advance(25 * time.Hour)
	got, freshness, err := c.GetOrFetch(ctx, "legal:en-US", fetchError(&calls))
	if err != nil {
		t.Fatalf("expected stale value, got error %v", err)
	}
	if got.Content != "v1" {
		t.Errorf("content = %q, want v1", got.Content)
	}
	if freshness != Stale {
		t.Errorf("freshness = %v, want stale", freshness)
	}

	got, freshness, err = c.GetOrFetch(ctx, "legal:en-US", fetchValue(legalDoc{"v2"}, &calls))
	if err != nil {
		t.Fatalf("GetOrFetch() error = %v", err)
	}
	if got.Content != "v2" || freshness != Fresh {
		t.Errorf("after refresh = %q/%v, want v2/fresh", got.Content, freshness)
	}

	got, freshness, _ = c.GetOrFetch(ctx, "legal:en-US", fetchError(&calls))
	if got.Content != "v2" || freshness != Fresh {
		t.Errorf("subsequent read = %q/%v, want v2/fresh", got.Content, freshness)
	}
	if calls != 3 {
		t.Errorf("fetch calls = %d, want 3", calls)
	}
}

func TestGetOrFetch_MissPropagatesError(t *testing.T) {
	c := New[legalDoc](Config{})
	calls := 0

	_, _, err := c.GetOrFetch(context.Background(), "legal:de-DE", fetchError(&calls))
	if !errors.Is(err, errUnreachable) {
		t.Fatalf("error = %v, want %v", err, errUnreachable)
	}
	if c.Len() != 0 {
		t.Errorf("Len() = %d, want 0 after failed fetch", c.Len())
	}
}

func TestSet_EvictsOldestInserted(t *testing.T) {
	fake := clock.Fake(epoch)
	c := New[int](Config{MaxEntries: 3, Clock: fake})

	for i := range 3 {
		c.Set(fmt.Sprintf("k%d", i), i)
		fake.Advance(time.Second)
	}

	// Reads do not change eviction order.
	c.Peek("k0")
	c.GetOrFetch(context.Background(), "k0", func(context.Context) (int, error) { return 0, nil })

	c.Set("k3", 3)

	if c.Len() != 3 {
		t.Fatalf("Len() = %d, want 3", c.Len())
	}
	if _, ok := c.Peek("k0"); ok {
		t.Error("expected k0 (oldest) to be evicted")
	}
	for _, k := range []string{"k1", "k2", "k3"} {
		if _, ok := c.Peek(k); !ok {
			t.Errorf("expected %s to remain", k)
		}
	}
}

func TestSet_OverwriteCountsAsNewInsertion(t *testing.T) {
	c := New[int](Config{MaxEntries: 2})

	c.Set("a", 1)
	c.Set("b", 2)
	c.Set("a", 10)
	c.Set("c", 3)

	if _, ok := c.Peek("b"); ok {
		t.Error("expected b to be evicted after a was re-inserted")
	}
	if v, ok := c.Peek("a"); !ok || v != 10 {
		t.Errorf("Peek(a) = %d/%v, want 10/true", v, ok)
	}
}

func TestInvalidateAndClear(t *testing.T) {
	c := New[int](Config{})
	c.Set("a", 1)
	c.Set("b", 2)

	if !c.Invalidate("a") {
		t.Error("Invalidate(a) = false, want true")
	}
	if c.Invalidate("a") {
		t.Error("second Invalidate(a) = true, want false")
	}

	calls := 0
	v, _, _ := c.GetOrFetch(context.Background(), "a", func(context.Context) (int, error) {
		calls++
		return 5, nil
	})
	if v != 5 || calls != 1 {
		t.Errorf("after Invalidate got %d with %d fetches, want 5 with 1", v, calls)
	}

	if n := c.Clear(); n != 2 {
		t.Errorf("Clear() = %d, want 2", n)
	}
	if c.Len() != 0 {
		t.Errorf("Len() after Clear = %d, want 0", c.Len())
	}

	_, _, err := c.GetOrFetch(context.Background(), "b", func(context.Context) (int, error) {
		return 0, errUnreachable
	})
	if err == nil {
		t.Error("expected error after Clear removed the stale fallback")
	}
}

func TestGetOrFetch_ConcurrentMissesShareFetch(t *testing.T) {
	c := New[int](Config{})
	var calls atomic.Int32
	release := make(chan struct{})

	fetch := func(context.Context) (int, error) {
		calls.Add(1)
		<-release
		return 42, nil
	}

	var wg sync.WaitGroup
	results := make([]int, 10)
	for i := range results {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, _, err := c.GetOrFetch(context.Background(), "catalog:hosting", fetch)
			if err != nil {
				t.Errorf("GetOrFetch() error = %v", err)
			}
			results[i] = v
		}()
	}

	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	if calls.Load() > 2 {
		t.Errorf("fetch calls = %d, expected concurrent misses to share a fetch", calls.Load())
	}
	for i, v := range results {
		if v != 42 {
			t.Errorf("results[%d] = %d, want 42", i, v)
		}
	}
}

func TestGetOrFetch_CanceledCallerDoesNotFailShared(t *testing.T) {
	c := New[int](Config{})
	started := make(chan struct{})
	release := make(chan struct{})

	fetch := func(ctx context.Context) (int, error) {
		close(started)
		<-release
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		return 7, nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	first := make(chan error, 1)
	go func() {
		_, _, err := c.GetOrFetch(ctx, "catalog:domains", fetch)
		first <- err
	}()

	<-started
	second := make(chan int, 1)
	go func() {
		v, _, err := c.GetOrFetch(context.Background(), "catalog:domains", func(context.Context) (int, error) {
			return 0, errUnreachable
		})
		if err != nil {
			t.Errorf("GetOrFetch() error = %v", err)
		}
		second <- v
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()
	close(release)

	if err := <-first; err != nil {
		t.Errorf("first caller error = %v, want nil", err)
	}
	if v := <-second; v != 7 {
		t.Errorf("second caller got %d, want 7", v)
	}
	if v, ok := c.Peek("catalog:domains"); !ok || v != 7 {
		t.Errorf("Peek() = %d/%v, want 7/true", v, ok)
	}
}

func TestNew_Defaults(t *testing.T) {
	c := New[string](Config{})
	if c.ttl != DefaultTTL {
		t.Errorf("ttl = %v, want %v", c.ttl, DefaultTTL)
	}
	if c.maxEntries != DefaultMaxEntries {
		t.Errorf("maxEntries = %d, want %d", c.maxEntries, DefaultMaxEntries)
	}
}
