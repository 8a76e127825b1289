package relay

import (
	"strconv"
	"sync"
	"testing"
	"time"
)

func TestSendQueue_BasicEnqueueDequeue(t *testing.T) {
	q := NewSendQueue(64)

	for i := 0; i < 5; i++ {
		if !q.Enqueue([]byte(strconv.Itoa(i))) {
			t.Fatalf("Enqueue(%d) returned false", i)
		}
	}

	if q.Len() != 5 {
		t.Errorf("Len() = %d, want 5", q.Len())
	}

	for i := 0; i < 5; i++ {
		msg, ok := q.TryDequeue()
		if !ok {
			t.Fatalf("TryDequeue() returned false for message %d", i)
		}
		if string(msg) != strconv.Itoa(i) {
			t.Errorf("dequeued %q, want %q", msg, strconv.Itoa(i))
		}
	}

	if q.Len() != 0 {
		t.Errorf("Len() = %d, want 0", q.Len())
	}
}

func TestSendQueue_GrowsTowardMax(t *testing.T) {
	q := NewSendQueue(256)
	if q.Cap() != 16 {
		t.Fatalf("initial Cap() = %d, want 16", q.Cap())
	}

	// Crossing 70% of the initial ring forces a resize.
	for i := 0; i < 12; i++ {
		q.Enqueue([]byte{byte(i)})
	}

	stats := q.Stats()
	if stats.Capacity <= 16 {
		t.Errorf("Capacity = %d, expected growth past 16", stats.Capacity)
	}
	if stats.ResizeCount < 1 {
		t.Errorf("ResizeCount = %d, want at least 1", stats.ResizeCount)
	}

	// Order survives the resize.
	for i := 0; i < 12; i++ {
		msg, ok := q.TryDequeue()
		if !ok || msg[0] != byte(i) {
			t.Fatalf("TryDequeue() = %v, %v; want [%d], true", msg, ok, i)
		}
	}
}

func TestSendQueue_RejectsWhenFull(t *testing.T) {
	q := NewSendQueue(8)

	for i := 0; i < 8; i++ {
		if !q.Enqueue([]byte{byte(i)}) {
			t.Fatalf("Enqueue(%d) returned false before max", i)
		}
	}

	if q.Enqueue([]byte{9}) {
		t.Error("Enqueue succeeded past the maximum depth")
	}
	if q.Cap() != 8 {
		t.Errorf("Cap() = %d, want 8 (never above max)", q.Cap())
	}

	// Draining one message makes room again.
	if _, ok := q.TryDequeue(); !ok {
		t.Fatal("TryDequeue() returned false")
	}
	if !q.Enqueue([]byte{9}) {
		t.Error("Enqueue failed after drain made room")
	}
}

func TestSendQueue_BlockingDequeue(t *testing.T) {
	q := NewSendQueue(16)

	received := make(chan []byte, 1)
	go func() {
		msg, ok := q.Dequeue()
		if ok {
			received <- msg
		}
	}()

	// Give the dequeuer time to start waiting
	time.Sleep(10 * time.Millisecond)

	q.Enqueue([]byte("wake up"))

	select {
	case msg := <-received:
		if string(msg) != "wake up" {
			t.Errorf("received %q, want %q", msg, "wake up")
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for blocked Dequeue")
	}
}

func TestSendQueue_Close(t *testing.T) {
	q := NewSendQueue(16)

	q.Enqueue([]byte("a"))
	q.Enqueue([]byte("b"))

	q.Close()

	if q.Enqueue([]byte("c")) {
		t.Error("Enqueue should return false after Close")
	}

	// Remaining messages still drain
	msg, ok := q.TryDequeue()
	if !ok || string(msg) != "a" {
		t.Errorf("TryDequeue() = %q, %v; want %q, true", msg, ok, "a")
	}
	msg, ok = q.TryDequeue()
	if !ok || string(msg) != "b" {
		t.Errorf("TryDequeue() = %q, %v; want %q, true", msg, ok, "b")
	}

	if _, ok := q.TryDequeue(); ok {
		t.Error("TryDequeue should return false when empty and closed")
	}
	if _, ok := q.Dequeue(); ok {
		t.Error("Dequeue should return false when empty and closed")
	}
}

func TestSendQueue_CloseUnblocksDequeue(t *testing.T) {
	q := NewSendQueue(16)

	done := make(chan bool, 1)
	go func() {
		_, ok := q.Dequeue()
		done <- ok
	}()

	time.Sleep(10 * time.Millisecond)
	q.Close()

	select {
	case ok := <-done:
		if ok {
			t.Error("Dequeue should return false when closed and empty")
		}
	case <-time.After(time.Second):
		t.Fatal("Close did not unblock Dequeue")
	}
}

func TestSendQueue_ConcurrentProduceConsume(t *testing.T) {
	const numMessages = 1000
	q := NewSendQueue(numMessages)

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < numMessages; i++ {
			if !q.Enqueue([]byte(strconv.Itoa(i))) {
				t.Errorf("Enqueue(%d) returned false", i)
				return
			}
		}
	}()

	received := make([]string, 0, numMessages)
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < numMessages; i++ {
			msg, ok := q.Dequeue()
			if !ok {
				return
			}
			received = append(received, string(msg))
		}
	}()

	wg.Wait()

	if len(received) != numMessages {
		t.Fatalf("received %d messages, want %d", len(received), numMessages)
	}
	// Single producer, single consumer: order is preserved.
	for i, msg := range received {
		if msg != strconv.Itoa(i) {
			t.Fatalf("received[%d] = %q, want %q", i, msg, strconv.Itoa(i))
		}
	}
}

func TestSendQueue_WrapAround(t *testing.T) {
	q := NewSendQueue(8)

	q.Enqueue([]byte{1})
	q.Enqueue([]byte{2})
	q.Enqueue([]byte{3})

	q.TryDequeue() // removes 1
	q.TryDequeue() // removes 2

	q.Enqueue([]byte{4})
	q.Enqueue([]byte{5})
	q.Enqueue([]byte{6})
	q.Enqueue([]byte{7})

	expected := []byte{3, 4, 5, 6, 7}
	for _, want := range expected {
		got, ok := q.TryDequeue()
		if !ok {
			t.Fatalf("TryDequeue failed, expected %d", want)
		}
		if got[0] != want {
			t.Errorf("got %d, want %d", got[0], want)
		}
	}
}

func TestSendQueue_Stats(t *testing.T) {
	q := NewSendQueue(32)

	stats := q.Stats()
	if stats.Depth != 0 || stats.Max != 32 || stats.TotalEnqueued != 0 || stats.TotalDequeued != 0 {
		t.Errorf("initial stats incorrect: %+v", stats)
	}

	q.Enqueue([]byte("a"))
	q.Enqueue([]byte("b"))
	q.Enqueue([]byte("c"))

	stats = q.Stats()
	if stats.Depth != 3 || stats.TotalEnqueued != 3 {
		t.Errorf("stats after enqueues: %+v", stats)
	}

	q.TryDequeue()
	q.TryDequeue()

	stats = q.Stats()
	if stats.Depth != 1 || stats.TotalDequeued != 2 {
		t.Errorf("stats after dequeues: %+v", stats)
	}
}

func TestNewSendQueue_SmallMax(t *testing.T) {
	q := NewSendQueue(4)
	if q.Cap() != 4 {
		t.Errorf("Cap() = %d, want 4 when max is below the initial size", q.Cap())
	}

	q = NewSendQueue(0)
	if q.Cap() != 1 {
		t.Errorf("Cap() = %d, want 1 for max 0", q.Cap())
	}
	if !q.Enqueue([]byte("only")) {
		t.Error("Enqueue failed on queue of max 1")
	}
	if q.Enqueue([]byte("two")) {
		t.Error("Enqueue succeeded past max 1")
	}
}
