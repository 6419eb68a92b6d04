package notification

import (
	"context"
	"sync"
	"testing"
)

func TestDispatcher_PreservesOrderPerKey(t *testing.T) {
	d := NewDispatcher(DispatcherConfig{Shards: 4, QueuePerKey: 256}, quiet)

	var mu sync.Mutex
	got := make(map[string][]int)
	for i := 0; i < 50; i++ {
		for _, key := range []string{"pos-a", "pos-b", "pos-c"} {
			key, i := key, i
			if !d.Submit(key, func(context.Context) {
				mu.Lock()
				got[key] = append(got[key], i)
				mu.Unlock()
			}) {
				t.Fatalf("submit %s/%d rejected", key, i)
			}
		}
	}
	d.Stop()

	for key, seq := range got {
		if len(seq) != 50 {
			t.Fatalf("%s ran %d tasks, want 50", key, len(seq))
		}
		for i, v := range seq {
			if v != i {
				t.Fatalf("%s out of order at %d: %v", key, i, seq)
			}
		}
	}
	if d.Dropped() != 0 {
		t.Errorf("dropped = %d", d.Dropped())
	}
}

func TestDispatcher_SameKeySameShard(t *testing.T) {
	d := NewDispatcher(DispatcherConfig{Shards: 8}, quiet)
	defer d.Stop()
	if d.shardFor("position-42") != d.shardFor("position-42") {
		t.Fatal("shard assignment is not stable")
	}
}

func TestDispatcher_RejectsAfterStop(t *testing.T) {
	d := NewDispatcher(DispatcherConfig{Shards: 1}, quiet)
	d.Stop()
	if d.Submit("k", func(context.Context) {}) {
		t.Fatal("submit accepted after stop")
	}
	if d.Dropped() != 1 {
		t.Errorf("dropped = %d, want 1", d.Dropped())
	}
}
