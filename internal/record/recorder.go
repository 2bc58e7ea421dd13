// Package record writes captured audio to a WAV file.
//
// A [Recorder] is installed as the capture unit's [audio.FrameSink]. The
// real-time side copies each buffer into a preallocated slot and hands it to
// a writer goroutine over a buffered channel; when no slot is free the buffer
// is dropped and counted instead of blocking the audio thread.
package record

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"

	"github.com/MrWong99/cadence/internal/observe"
	"github.com/MrWong99/cadence/pkg/audio"
)

// DefaultSlots is the number of in-flight capture buffers.
const DefaultSlots = 32

// ErrClosed is returned by operations on a closed [Recorder].
var ErrClosed = errors.New("record: recorder closed")

const wavFormatPCM = 1

// Compile-time assertion that Recorder satisfies audio.FrameSink.
var _ audio.FrameSink = (*Recorder)(nil)

type chunk struct {
	slot   []byte
	n      int
	format audio.Format
}

// Recorder is an [audio.FrameSink] that appends every captured buffer to a
// WAV file. The file format is fixed by the first buffer; buffers in any
// other format are dropped.
type Recorder struct {
	path    string
	metrics *observe.Metrics

	free   chan []byte
	filled chan chunk
	done   chan struct{}
	exited chan struct{}

	closed    atomic.Bool
	dropped   atomic.Uint64
	frames    atomic.Uint64
	closeOnce sync.Once
	err       error // writer's first error; read after exited closes
}

// Option configures a [Recorder].
type Option func(*options)

type options struct {
	slots   int
	metrics *observe.Metrics
}

// WithSlots sets the number of preallocated capture buffers.
func WithSlots(n int) Option {
	return func(o *options) { o.slots = n }
}

// WithMetrics reports dropped buffers to m.
func WithMetrics(m *observe.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// New creates a Recorder writing to path and starts its writer goroutine.
// The file is created when the first buffer arrives.
func New(path string, opts ...Option) *Recorder {
	o := options{slots: DefaultSlots}
	for _, opt := range opts {
		opt(&o)
	}
	o.slots = max(o.slots, 1)

	// Slots hold MaxFramesPerSlice frames of 16-bit stereo.
	slotBytes := audio.MaxFramesPerSlice * 2 * 2
	r := &Recorder{
		path:    path,
		metrics: o.metrics,
		free:    make(chan []byte, o.slots),
		filled:  make(chan chunk, o.slots),
		done:    make(chan struct{}),
		exited:  make(chan struct{}),
	}
	for range o.slots {
		r.free <- make([]byte, slotBytes)
	}
	go r.run()
	return r
}

// OnFrames implements [audio.FrameSink]. It never blocks.
func (r *Recorder) OnFrames(_ uint32, frameCount int, format audio.Format, _ audio.Timestamp, buf []byte) audio.Status {
	if r.closed.Load() {
		return audio.StatusDisposed
	}
	var slot []byte
	select {
	case slot = <-r.free:
	default:
		r.dropped.Add(1)
		return audio.StatusOK
	}
	if len(buf) > len(slot) {
		r.free <- slot
		r.dropped.Add(1)
		return audio.StatusFormatMismatch
	}
	n := copy(slot, buf)
	select {
	case r.filled <- chunk{slot: slot, n: n, format: format}:
	default:
		r.free <- slot
		r.dropped.Add(1)
	}
	return audio.StatusOK
}

// Dropped reports the number of buffers lost to a full queue or a format
// change.
func (r *Recorder) Dropped() uint64 { return r.dropped.Load() }

// Frames reports the number of frames written to the file so far.
func (r *Recorder) Frames() uint64 { return r.frames.Load() }

// Path returns the output file path.
func (r *Recorder) Path() string { return r.path }

// Close stops accepting buffers, flushes the queue, finalises the WAV header
// and returns the first write error, if any. Safe to call more than once.
func (r *Recorder) Close() error {
	r.closeOnce.Do(func() {
		r.closed.Store(true)
		close(r.done)
	})
	<-r.exited
	return r.err
}

// ─── Writer ──────────────────────────────────────────────────────────────────

type writer struct {
	file   *os.File
	enc    *wav.Encoder
	format audio.Format
	buf    goaudio.IntBuffer
}

func (r *Recorder) run() {
	defer close(r.exited)
	var (
		w        *writer
		reported uint64
	)
	handle := func(c chunk) {
		defer func() { r.free <- c.slot }()
		if r.err != nil {
			r.dropped.Add(1)
			return
		}
		if w == nil {
			w, r.err = r.open(c.format)
			if r.err != nil {
				slog.Error("record: open output", "path", r.path, "err", r.err)
				r.dropped.Add(1)
				return
			}
		}
		if c.format != w.format {
			slog.Warn("record: format changed, buffer dropped",
				"path", r.path,
				"want", w.format.String(),
				"got", c.format.String(),
			)
			r.dropped.Add(1)
			return
		}
		if err := w.write(c.slot[:c.n]); err != nil {
			r.err = fmt.Errorf("record: write %s: %w", r.path, err)
			slog.Error("record: write failed", "path", r.path, "err", err)
			return
		}
		r.frames.Add(uint64(c.n / c.format.BytesPerFrame()))
	}
	report := func() {
		if r.metrics == nil {
			return
		}
		if d := r.dropped.Load(); d > reported {
			r.metrics.CaptureDropped.Add(context.Background(), int64(d-reported))
			reported = d
		}
	}

	for {
		select {
		case c := <-r.filled:
			handle(c)
			report()
		case <-r.done:
			for {
				select {
				case c := <-r.filled:
					handle(c)
					continue
				default:
				}
				break
			}
			report()
			if w != nil {
				if err := w.close(); err != nil && r.err == nil {
					r.err = fmt.Errorf("record: close %s: %w", r.path, err)
				}
			}
			slog.Info("record: closed",
				"path", r.path,
				"frames", r.frames.Load(),
				"dropped", r.dropped.Load(),
			)
			return
		}
	}
}

func (r *Recorder) open(f audio.Format) (*writer, error) {
	if err := f.Validate(); err != nil {
		return nil, fmt.Errorf("record: %w", err)
	}
	file, err := os.Create(r.path)
	if err != nil {
		return nil, fmt.Errorf("record: create: %w", err)
	}
	slog.Info("record: writing", "path", r.path, "format", f.String())
	return &writer{
		file:   file,
		enc:    wav.NewEncoder(file, f.SampleRate, f.BitsPerChannel, f.Channels, wavFormatPCM),
		format: f,
		buf: goaudio.IntBuffer{
			Format:         &goaudio.Format{NumChannels: f.Channels, SampleRate: f.SampleRate},
			Data:           make([]int, 0, audio.MaxFramesPerSlice*f.Channels),
			SourceBitDepth: f.BitsPerChannel,
		},
	}, nil
}

func (w *writer) write(pcm []byte) error {
	w.buf.Data = w.buf.Data[:0]
	for i := 0; i+1 < len(pcm); i += 2 {
		w.buf.Data = append(w.buf.Data, int(int16(uint16(pcm[i])|uint16(pcm[i+1])<<8)))
	}
	return w.enc.Write(&w.buf)
}

func (w *writer) close() error {
	return errors.Join(w.enc.Close(), w.file.Close())
}
