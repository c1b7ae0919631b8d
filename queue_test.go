package vxsdr

import (
	"testing"
	"time"
)

func TestRingPushPopOrder(t *testing.T) {
	r := NewRing[int](8)
	for i := 0; i < 5; i++ {
		if !r.Push(i) {
			t.Fatalf("push %d failed", i)
		}
	}
	for i := 0; i < 5; i++ {
		v, ok := r.Pop()
		if !ok || v != i {
			t.Fatalf("pop %d: got (%v, %v)", i, v, ok)
		}
	}
	if _, ok := r.Pop(); ok {
		t.Fatal("pop on empty ring should fail")
	}
}

func TestRingCapacityOne(t *testing.T) {
	// Mirrors the command_queue/response_queue capacity-1 behavior.
	r := NewRing[int](1)
	if !r.Push(1) {
		t.Fatal("first push into a capacity-1 ring should succeed")
	}
	if r.Push(2) {
		t.Fatal("second push into a capacity-1 ring should fail while full")
	}
	v, ok := r.Pop()
	if !ok || v != 1 {
		t.Fatalf("pop = (%v, %v), want (1, true)", v, ok)
	}
	if !r.Push(3) {
		t.Fatal("push after drain should succeed")
	}
}

func TestRingPopBulk(t *testing.T) {
	r := NewRing[int](16)
	for i := 0; i < 10; i++ {
		r.Push(i)
	}
	out := make([]int, 6)
	n := r.PopBulk(out)
	if n != 6 {
		t.Fatalf("PopBulk returned %d, want 6", n)
	}
	for i, v := range out {
		if v != i {
			t.Errorf("out[%d] = %d, want %d", i, v, i)
		}
	}
	if r.Len() != 4 {
		t.Fatalf("Len() = %d, want 4", r.Len())
	}
}

func TestRingPushOrTimeoutSucceedsWhenSpaceFrees(t *testing.T) {
	r := NewRing[int](1)
	if !r.Push(1) {
		t.Fatal("setup push failed")
	}
	done := make(chan bool, 1)
	go func() {
		done <- r.PushOrTimeout(2, 200*time.Millisecond, time.Millisecond)
	}()
	time.Sleep(20 * time.Millisecond)
	if v, ok := r.Pop(); !ok || v != 1 {
		t.Fatalf("drain pop = (%v, %v)", v, ok)
	}
	if !<-done {
		t.Fatal("PushOrTimeout should have succeeded once space freed")
	}
}

func TestRingPushOrTimeoutFailsWhenStaysFull(t *testing.T) {
	r := NewRing[int](1)
	r.Push(1)
	start := time.Now()
	ok := r.PushOrTimeout(2, 50*time.Millisecond, 5*time.Millisecond)
	elapsed := time.Since(start)
	if ok {
		t.Fatal("PushOrTimeout should fail on a ring that stays full")
	}
	if elapsed < 50*time.Millisecond {
		t.Fatalf("PushOrTimeout returned too early: %s", elapsed)
	}
}

func TestRingPopOrTimeoutFailsWhenStaysEmpty(t *testing.T) {
	r := NewRing[int](4)
	start := time.Now()
	_, ok := r.PopOrTimeout(50*time.Millisecond, 5*time.Millisecond)
	elapsed := time.Since(start)
	if ok {
		t.Fatal("PopOrTimeout should fail on an empty ring")
	}
	if elapsed < 50*time.Millisecond {
		t.Fatalf("PopOrTimeout returned too early: %s", elapsed)
	}
}

func TestRingReset(t *testing.T) {
	r := NewRing[int](8)
	r.Push(1)
	r.Push(2)
	r.Reset()
	if r.Len() != 0 {
		t.Fatalf("Len() after Reset = %d, want 0", r.Len())
	}
	if !r.Push(3) {
		t.Fatal("push after reset should succeed")
	}
	v, ok := r.Pop()
	if !ok || v != 3 {
		t.Fatalf("pop after reset = (%v, %v), want (3, true)", v, ok)
	}
}

func TestRingRoundsUpToPowerOfTwo(t *testing.T) {
	r := NewRing[int](5)
	if r.Cap() != 8 {
		t.Fatalf("Cap() = %d, want 8 (5 rounds up to the next power of two)", r.Cap())
	}
	for i := 0; i < 8; i++ {
		if !r.Push(i) {
			t.Fatalf("push %d should succeed (capacity should hold 8)", i)
		}
	}
	if r.Push(99) {
		t.Fatal("9th push should fail once the ring is full")
	}
}
