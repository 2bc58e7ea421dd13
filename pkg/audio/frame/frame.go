// Package frame provides a reference-counted byte buffer used to pass audio
// payloads across ownership boundaries without copying.
//
// A [Frame] starts with one reference held by its creator. Every additional
// owner calls [Frame.Retain] and later [Frame.Release]; the release that drops
// the count to zero frees the backing buffer. Once that has happened the frame
// is dead: Retain reports false and Release is a guarded no-op, so neither a
// late retain nor an unbalanced release can resurrect or double-free it.
//
// All methods are lock-free and safe to call from the real-time path.
package frame

import (
	"log/slog"
	"sync/atomic"
)

// Frame is a reference-counted buffer. The zero value is a dead frame.
type Frame struct {
	refs atomic.Int64
	data []byte
	free func([]byte)
}

// New returns a frame holding data with a reference count of one.
func New(data []byte) *Frame {
	return NewWithRelease(data, nil)
}

// NewWithRelease is like [New] but calls free with the backing buffer when the
// last reference is released. Pools use this to recycle buffers.
func NewWithRelease(data []byte, free func([]byte)) *Frame {
	f := &Frame{data: data, free: free}
	f.refs.Store(1)
	return f
}

// Retain adds a reference. It reports false, without changing the count, if
// the frame has already been released to zero.
func (f *Frame) Retain() bool {
	for {
		n := f.refs.Load()
		if n <= 0 {
			return false
		}
		if f.refs.CompareAndSwap(n, n+1) {
			return true
		}
	}
}

// Release drops a reference and frees the buffer when the count reaches zero.
// It reports false if the frame was already dead; such a call changes nothing.
func (f *Frame) Release() bool {
	for {
		n := f.refs.Load()
		if n <= 0 {
			slog.Debug("frame: release on dead frame ignored")
			return false
		}
		if !f.refs.CompareAndSwap(n, n-1) {
			continue
		}
		if n == 1 {
			data := f.data
			f.data = nil
			if f.free != nil {
				f.free(data)
			}
		}
		return true
	}
}

// Data returns the payload. Valid only while the caller holds a reference.
func (f *Frame) Data() []byte { return f.data }

// Size returns the payload length in bytes.
func (f *Frame) Size() uint64 { return uint64(len(f.data)) }

// Refs returns the current reference count.
func (f *Frame) Refs() int64 { return f.refs.Load() }
