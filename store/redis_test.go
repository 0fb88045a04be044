package store

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"
)

func setupRedisTest(t *testing.T) *Redis {
	t.Helper()

	config := RedisConfig{
		URL:    "localhost:6379",
		DB:     15,
		Prefix: "test:storekit:",
	}

	st, err := NewRedis(config)
	if err != nil {
		t.Skip("Redis not available:", err)
	}

	t.Cleanup(func() {
		ctx := context.Background()
		iter := st.client.Scan(ctx, 0, config.Prefix+"*", 0).Iterator()
		for iter.Next(ctx) {
			st.client.Del(ctx, iter.Val())
		}
		st.Close()
	})

	return st
}

func TestNewRedis_DefaultPrefix(t *testing.T) {
	st, err := NewRedis(RedisConfig{URL: "localhost:6379", DB: 15})
	if err != nil {
		t.Skip("Redis not available:", err)
	}
	defer st.Close()

	if st.prefix != "storekit:ratelimit:" {
		t.Errorf("prefix = %q, want storekit:ratelimit:", st.prefix)
	}
}

func TestNewRedis_InvalidAddress(t *testing.T) {
	_, err := NewRedis(RedisConfig{URL: "localhost:1", DialTimeout: 200 * time.Millisecond})
	if err == nil {
		t.Fatal("expected connection error")
	}
}

func TestNewRedis_InvalidURL(t *testing.T) {
	_, err := NewRedis(RedisConfig{URL: "redis://localhost:6379/not-a-db"})
	if err == nil || !strings.Contains(err.Error(), "invalid redis URL") {
		t.Fatalf("expected invalid URL error, got %v", err)
	}
}

func TestRedis_Increment(t *testing.T) {
	st := setupRedisTest(t)
	ctx := context.Background()

	for i := int64(1); i <= 5; i++ {
		got, ttl, err := st.Increment(ctx, "seq", time.Minute)
		if err != nil {
			t.Fatalf("Increment() error = %v", err)
		}
		if got != i {
			t.Errorf("Increment() = %d, want %d", got, i)
		}
		if ttl <= 0 || ttl > time.Minute {
			t.Errorf("ttl = %v, want within (0, 1m]", ttl)
		}
	}
}

func TestRedis_Increment_Expiration(t *testing.T) {
	st := setupRedisTest(t)
	ctx := context.Background()

	st.Increment(ctx, "exp", 500*time.Millisecond)
	if got, _, _ := st.Increment(ctx, "exp", 500*time.Millisecond); got != 2 {
		t.Fatalf("Increment() = %d, want 2", got)
	}

	time.Sleep(700 * time.Millisecond)

	got, _, err := st.Increment(ctx, "exp", 500*time.Millisecond)
	if err != nil {
		t.Fatalf("Increment() error = %v", err)
	}
	if got != 1 {
		t.Errorf("Increment() after expiration = %d, want 1", got)
	}
}

func TestRedis_Increment_Concurrent(t *testing.T) {
	st := setupRedisTest(t)
	ctx := context.Background()

	numGoroutines := 50
	incrementsPerGoroutine := 10

	var wg sync.WaitGroup
	wg.Add(numGoroutines)
	for range numGoroutines {
		go func() {
			defer wg.Done()
			for range incrementsPerGoroutine {
				if _, _, err := st.Increment(ctx, "concurrent", time.Minute); err != nil {
					t.Errorf("Increment() error = %v", err)
				}
			}
		}()
	}
	wg.Wait()

	got, err := st.Get(ctx, "concurrent")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if want := int64(numGoroutines * incrementsPerGoroutine); got != want {
		t.Errorf("Get() = %d, want %d", got, want)
	}
}

func TestRedis_Reset(t *testing.T) {
	st := setupRedisTest(t)
	ctx := context.Background()

	st.Increment(ctx, "reset", time.Minute)
	if err := st.Reset(ctx, "reset"); err != nil {
		t.Fatalf("Reset() error = %v", err)
	}
	if got, _ := st.Get(ctx, "reset"); got != 0 {
		t.Errorf("Get() after Reset = %d, want 0", got)
	}
}
