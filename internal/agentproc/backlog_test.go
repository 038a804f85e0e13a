package agentproc

import (
	"bytes"
	"context"
	"testing"
	"time"

	"orbcore/internal/shmem"
)

func TestBacklog_UnconsumedSuffixInOrder(t *testing.T) {
	var b backlog
	frames := [][]byte{[]byte("a"), []byte("b"), []byte("c"), []byte("d"), []byte("e")}
	for i, f := range frames {
		b.add(uint64(i), f)
	}
	// Child acknowledged the first two.
	got := b.unconsumed(2)
	want := frames[2:]
	if len(got) != len(want) {
		t.Fatalf("unconsumed = %d frames, want %d", len(got), len(want))
	}
	for i := range got {
		if !bytes.Equal(got[i], want[i]) {
			t.Errorf("frame %d = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestBacklog_PruneIsIdempotent(t *testing.T) {
	var b backlog
	for i := 0; i < 4; i++ {
		b.add(uint64(i), []byte{byte(i)})
	}
	b.prune(3)
	b.prune(3)
	if got := b.unconsumed(3); len(got) != 1 || got[0][0] != 3 {
		t.Errorf("unconsumed = %v, want [[3]]", got)
	}
}

func TestBacklog_ResetDiscardsEverything(t *testing.T) {
	var b backlog
	b.add(0, []byte("x"))
	b.reset()
	if got := b.unconsumed(0); len(got) != 0 {
		t.Errorf("unconsumed after reset = %v, want empty", got)
	}
}

// TestRetryRecovery_RingLevel exercises the full Retry recovery path on a
// real ring pair: every input staged but not consumed by the child is
// re-delivered exactly once, in original order, after a simulated crash.
func TestRetryRecovery_RingLevel(t *testing.T) {
	region, err := shmem.Create(0, 16, 8)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer region.Close()
	ring := region.InputRing(16, 8)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	var b backlog
	frames := [][]byte{[]byte("f0"), []byte("f1"), []byte("f2"), []byte("f3"), []byte("f4")}
	for _, f := range frames {
		seq, err := ring.Send(ctx, f)
		if err != nil {
			t.Fatalf("Send: %v", err)
		}
		b.add(seq, f)
	}

	// The child consumes two inputs, acknowledges them, then crashes.
	for i := 0; i < 2; i++ {
		seq, _, err := ring.Recv(ctx)
		if err != nil {
			t.Fatalf("Recv: %v", err)
		}
		ring.MarkConsumed(seq + 1)
	}

	// Parent-side Retry recovery: re-stage the unconsumed suffix.
	pending := b.unconsumed(ring.LastConsumed())
	b.reset()
	ring.Reset()
	for _, f := range pending {
		seq, err := ring.Send(ctx, f)
		if err != nil {
			t.Fatalf("re-stage Send: %v", err)
		}
		b.add(seq, f)
	}

	// The respawned child must see exactly f2, f3, f4 in order.
	want := frames[2:]
	for i := range want {
		_, frame, err := ring.Recv(ctx)
		if err != nil {
			t.Fatalf("Recv after retry: %v", err)
		}
		if !bytes.Equal(frame, want[i]) {
			t.Errorf("re-delivered frame %d = %q, want %q", i, frame, want[i])
		}
	}
	if _, _, ok := ring.TryRecv(); ok {
		t.Error("unexpected extra frame after re-delivery (duplicate)")
	}
}
