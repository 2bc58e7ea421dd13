package frame_test

import (
	"sync"
	"testing"

	"github.com/MrWong99/cadence/pkg/audio/frame"
)

func TestFrame_RetainRelease(t *testing.T) {
	t.Parallel()

	freed := 0
	f := frame.NewWithRelease([]byte{1, 2, 3, 4}, func([]byte) { freed++ })

	if got := f.Size(); got != 4 {
		t.Errorf("Size() = %d, want 4", got)
	}
	if !f.Retain() {
		t.Fatal("Retain on live frame returned false")
	}
	if got := f.Refs(); got != 2 {
		t.Errorf("Refs() = %d, want 2", got)
	}
	if !f.Release() || !f.Release() {
		t.Fatal("balanced Release returned false")
	}
	if got := f.Refs(); got != 0 {
		t.Errorf("Refs() = %d, want 0", got)
	}
	if freed != 1 {
		t.Errorf("free called %d times, want 1", freed)
	}
}

func TestFrame_DoubleReleaseRejected(t *testing.T) {
	t.Parallel()

	freed := 0
	f := frame.NewWithRelease(make([]byte, 8), func([]byte) { freed++ })
	if !f.Release() {
		t.Fatal("first Release returned false")
	}
	if f.Release() {
		t.Error("second Release returned true, want false")
	}
	if freed != 1 {
		t.Errorf("free called %d times, want 1", freed)
	}
	if got := f.Refs(); got != 0 {
		t.Errorf("Refs() = %d, want 0", got)
	}
}

func TestFrame_RetainAfterZero(t *testing.T) {
	t.Parallel()

	f := frame.New([]byte{1})
	f.Release()
	if f.Retain() {
		t.Error("Retain on dead frame returned true")
	}
	if f.Data() != nil {
		t.Error("Data() on dead frame should be nil")
	}
}

func TestFrame_ZeroValueIsDead(t *testing.T) {
	t.Parallel()

	var f frame.Frame
	if f.Retain() {
		t.Error("zero Frame should not be retainable")
	}
	if f.Release() {
		t.Error("zero Frame Release should be rejected")
	}
}

func TestFrame_ConcurrentRetainRelease(t *testing.T) {
	t.Parallel()

	var freed int
	var mu sync.Mutex
	f := frame.NewWithRelease(make([]byte, 16), func([]byte) {
		mu.Lock()
		freed++
		mu.Unlock()
	})

	var wg sync.WaitGroup
	for range 64 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if f.Retain() {
				_ = f.Data()
				f.Release()
			}
		}()
	}
	wg.Wait()

	if got := f.Refs(); got != 1 {
		t.Fatalf("Refs() = %d, want 1", got)
	}
	f.Release()
	mu.Lock()
	defer mu.Unlock()
	if freed != 1 {
		t.Errorf("free called %d times, want 1", freed)
	}
}
