package capture

import "testing"

func TestHandoffDropsWhenFull(t *testing.T) {
	h := NewHandoff(2)
	chunk := []float32{0.1, 0.2}

	accepted := 0
	for i := 0; i < 5; i++ {
		if h.Push(chunk) {
			accepted++
		}
	}

	if accepted != 2 {
		t.Errorf("Expected 2 accepted pushes, got %d", accepted)
	}
	if h.Enqueued() != 2 {
		t.Errorf("Expected 2 enqueued, got %d", h.Enqueued())
	}
	if h.Dropped() != 3 {
		t.Errorf("Expected 3 dropped, got %d", h.Dropped())
	}
}

func TestHandoffPreservesOrder(t *testing.T) {
	h := NewHandoff(4)
	for i := 0; i < 3; i++ {
		h.Push([]float32{float32(i)})
	}
	h.Close()

	want := float32(0)
	for chunk := range h.Chunks() {
		if chunk[0] != want {
			t.Errorf("Expected chunk %v, got %v", want, chunk[0])
		}
		want++
	}
	if want != 3 {
		t.Errorf("Expected 3 chunks, got %v", want)
	}
}

func TestHandoffCopiesSamples(t *testing.T) {
	h := NewHandoff(1)
	buf := []float32{0.5}
	h.Push(buf)
	buf[0] = -1

	chunk := <-h.Chunks()
	if chunk[0] != 0.5 {
		t.Errorf("Expected copied sample 0.5, got %v", chunk[0])
	}
}

func TestHandoffStopsAfterDetachOrClose(t *testing.T) {
	h := NewHandoff(4)
	h.Detach()
	h.Detach()

	if h.Push([]float32{1}) {
		t.Error("Expected push after detach to be refused")
	}

	h2 := NewHandoff(4)
	h2.Close()
	h2.Close()
	if h2.Push([]float32{1}) {
		t.Error("Expected push after close to be refused")
	}

	if h.Dropped() != 0 || h2.Dropped() != 0 {
		t.Error("Refused pushes must not count as drops")
	}
}

func TestHandoffIgnoresEmptyChunks(t *testing.T) {
	h := NewHandoff(1)
	if h.Push(nil) {
		t.Error("Expected empty push to be refused")
	}
	if h.Len() != 0 {
		t.Errorf("Expected empty queue, got %d", h.Len())
	}
}
