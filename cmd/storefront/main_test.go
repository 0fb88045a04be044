package main

import (
	"testing"

	"github.com/nhalm/storekit/internal/config"
	"github.com/nhalm/storekit/store"
)

func TestNewStore(t *testing.T) {
	st, err := newStore(config.RedisConfig{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer st.Close()
	if _, ok := st.(*store.Memory); !ok {
		t.Errorf("expected memory store without REDIS_URL, got %T", st)
	}

	if _, err := newStore(config.RedisConfig{URL: "redis://localhost:6379/not-a-db"}); err == nil {
		t.Error("expected error for invalid redis URL")
	}
}
