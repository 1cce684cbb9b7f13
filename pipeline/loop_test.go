package pipeline

import (
	"testing"

	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestEventLoop_RunsInOrder(t *testing.T) {
	loops := NewLoops(1)
	defer loops.Close()
	l := loops.Get(0)

	var got []int
	done := make(chan struct{})
	for i := 0; i < 100; i++ {
		i := i
		if !l.Execute(func() { got = append(got, i) }) {
			t.Fatal("execute on open loop failed")
		}
	}
	l.Execute(func() { close(done) })
	<-done

	for i, v := range got {
		if v != i {
			t.Fatalf("closure %d ran at position %d", v, i)
		}
	}
}

func TestEventLoop_NestedExecuteRunsAfterCurrent(t *testing.T) {
	loops := NewLoops(1)
	defer loops.Close()
	l := loops.Get(0)

	var order []string
	done := make(chan struct{})
	l.Execute(func() {
		l.Execute(func() {
			order = append(order, "inner")
			close(done)
		})
		order = append(order, "outer")
	})
	<-done

	if len(order) != 2 || order[0] != "outer" || order[1] != "inner" {
		t.Errorf("unexpected order %v", order)
	}
}

func TestEventLoop_CloseDrainsQueue(t *testing.T) {
	loops := NewLoops(1)
	l := loops.Get(0)

	ran := 0
	block := make(chan struct{})
	l.Execute(func() { <-block })
	for i := 0; i < 10; i++ {
		l.Execute(func() { ran++ })
	}
	close(block)
	loops.Close()

	if ran != 10 {
		t.Errorf("expected queued closures to run before close, ran %d", ran)
	}
	if l.Execute(func() {}) {
		t.Error("expected execute on closed loop to fail")
	}
	// Closing twice is safe.
	l.Close()
}

func TestLoops_NextRoundRobin(t *testing.T) {
	loops := NewLoops(3)
	defer loops.Close()

	if loops.Size() != 3 {
		t.Fatalf("expected 3 loops, got %d", loops.Size())
	}
	for i := 0; i < 6; i++ {
		if got := loops.Next().Index(); got != i%3 {
			t.Errorf("call %d: expected loop %d, got %d", i, i%3, got)
		}
	}
}

func TestNewLoops_Minimum(t *testing.T) {
	loops := NewLoops(0)
	defer loops.Close()
	if loops.Size() != 1 {
		t.Errorf("expected 1 loop, got %d", loops.Size())
	}
}
