package coalesce

import (
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestOnceCoalescesConcurrentCalls(t *testing.T) {
	o := NewOnce()
	var originCalls atomic.Int64

	const n = 100
	var wg sync.WaitGroup
	results := make([]string, n)

	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			v, err, _ := o.Do("hello", func() (any, error) {
				originCalls.Add(1)
				time.Sleep(10 * time.Millisecond)
				return "hello-body", nil
			})
			if err != nil {
				t.Errorf("Do: %v", err)
				return
			}
			results[idx] = v.(string)
		}(i)
	}
	wg.Wait()

	if originCalls.Load() != 1 {
		t.Fatalf("expected exactly 1 origin call, got %d", originCalls.Load())
	}
	for i, r := range results {
		if r != "hello-body" {
			t.Fatalf("result %d = %q, want %q", i, r, "hello-body")
		}
	}
}

func TestStreamCoalescerFirstRequestIsLeader(t *testing.T) {
	c := NewStreamCoalescer()
	leader, _, isLeader := c.Acquire("k")
	if !isLeader || leader == nil {
		t.Fatalf("expected first acquire to be leader")
	}
	if c.InFlightCount() != 1 {
		t.Fatalf("expected 1 in-flight stream")
	}
	leader.Finish()
	if c.InFlightCount() != 0 {
		t.Fatalf("expected stream cleanup after Finish")
	}
}

func TestStreamCoalescerSecondRequestIsFollower(t *testing.T) {
	c := NewStreamCoalescer()
	leader, _, isLeader := c.Acquire("k")
	if !isLeader {
		t.Fatalf("expected leader")
	}
	_, _, isLeader2 := c.Acquire("k")
	if isLeader2 {
		t.Fatalf("expected second acquire to be a follower")
	}
	if c.InFlightCount() != 1 {
		t.Fatalf("expected a single in-flight stream shared by leader and follower")
	}
	leader.Finish()
}

func TestStreamingOrderingHeadersChunksThenDone(t *testing.T) {
	c := NewStreamCoalescer()
	leader, _, _ := c.Acquire("k")
	_, followerCh, isLeader := c.Acquire("k")
	if isLeader {
		t.Fatalf("expected follower")
	}

	leader.SendHeaders(http.Header{"Content-Type": {"text/plain"}})
	leader.SendChunk([]byte("chunk1"))
	leader.SendChunk([]byte("chunk2"))
	leader.Finish()

	var kinds []MessageKind
	for msg := range followerCh {
		kinds = append(kinds, msg.Kind)
	}

	want := []MessageKind{MessageHeaders, MessageChunk, MessageChunk, MessageDone}
	if len(kinds) != len(want) {
		t.Fatalf("got %v messages, want %v", kinds, want)
	}
	for i := range want {
		if kinds[i] != want[i] {
			t.Fatalf("message %d kind = %v, want %v", i, kinds[i], want[i])
		}
	}
}

func TestLateFollowerStillSeesHeadersFirst(t *testing.T) {
	c := NewStreamCoalescer()
	leader, _, _ := c.Acquire("k")
	leader.SendHeaders(http.Header{"X-Test": {"1"}})
	leader.SendChunk([]byte("a"))

	_, followerCh, isLeader := c.Acquire("k")
	if isLeader {
		t.Fatalf("expected follower")
	}
	leader.Finish()

	first := <-followerCh
	if first.Kind != MessageHeaders {
		t.Fatalf("expected late follower's first message to be headers, got %v", first.Kind)
	}
}

func TestCoalescerCleanupAfterLeaderDrop(t *testing.T) {
	c := NewStreamCoalescer()
	leader, _, _ := c.Acquire("k")
	leader.Fail(errLeaderGone)
	if c.InFlightCount() != 0 {
		t.Fatalf("expected in-flight count to reach 0 after leader drop")
	}
}

var errLeaderGone = &testError{"leader gone"}

type testError struct{ msg string }

func (e *testError) Error() string { return e.msg }
