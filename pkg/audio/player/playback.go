package player

import (
	"sync/atomic"

	"github.com/MrWong99/cadence/pkg/audio"
	"github.com/MrWong99/cadence/pkg/audio/frame"
	"github.com/MrWong99/cadence/pkg/audio/mixer"
)

var _ audio.FrameSource = (*playback)(nil)

// playback streams one clip into one node. pos and remaining belong to the
// render thread; the control side touches them only while the output unit is
// disarmed (route change).
type playback struct {
	p    *Player
	req  Request
	node *mixer.Node

	clip   *frame.Frame
	data   []byte
	format audio.Format

	pos       int
	remaining int // further traversals after the current one; <0 is forever

	finished atomic.Bool
	stopped  atomic.Bool
}

func newPlayback(p *Player, req Request, clip *frame.Frame, format audio.Format, node *mixer.Node) *playback {
	pb := &playback{
		p:      p,
		req:    req,
		node:   node,
		clip:   clip,
		data:   clip.Data(),
		format: format,
	}
	// Whole frames only.
	if bpf := format.BytesPerFrame(); bpf > 0 {
		pb.data = pb.data[:len(pb.data)/bpf*bpf]
	}
	switch {
	case req.LoopCount < 0:
		pb.remaining = -1
	case req.LoopCount == 0:
		pb.remaining = 0
	default:
		pb.remaining = req.LoopCount - 1
	}
	return pb
}

// GetFrame implements [audio.FrameSource] on the render thread.
func (pb *playback) GetFrame(_ uint32, frameCount int, format audio.Format, _ audio.Timestamp, buf []byte) audio.Status {
	n := frameCount * format.BytesPerFrame()
	if n > len(buf) {
		return audio.StatusFormatMismatch
	}
	buf = buf[:n]
	if pb.stopped.Load() || pb.finished.Load() {
		audio.Silence(buf)
		return audio.StatusUnderrun
	}
	if pb.p.interrupted.Load() {
		audio.Silence(buf)
		return audio.StatusOK
	}

	written := 0
	for written < n {
		if pb.pos >= len(pb.data) {
			if !pb.nextTraversal() {
				break
			}
		}
		c := copy(buf[written:], pb.data[pb.pos:])
		pb.pos += c
		written += c
	}
	audio.Silence(buf[written:])

	if pb.pos >= len(pb.data) && pb.remaining == 0 {
		pb.finish()
	}
	return audio.StatusOK
}

// nextTraversal rewinds the clip if another traversal is due.
func (pb *playback) nextTraversal() bool {
	if pb.remaining == 0 || len(pb.data) == 0 {
		pb.finish()
		return false
	}
	if pb.remaining > 0 {
		pb.remaining--
	}
	pb.pos = 0
	return true
}

func (pb *playback) finish() {
	if pb.finished.CompareAndSwap(false, true) {
		pb.p.signal()
	}
}

// convert re-encodes the clip for a new output format and rescales the
// cursor. Called with the output unit disarmed.
func (pb *playback) convert(to audio.Format) error {
	pcm, err := audio.Convert(pb.data, pb.format, to)
	if err != nil {
		return err
	}
	fromBPF, toBPF := pb.format.BytesPerFrame(), to.BytesPerFrame()
	pos := int(int64(pb.pos/fromBPF) * int64(to.SampleRate) / int64(pb.format.SampleRate))
	pb.pos = min(pos*toBPF, len(pcm)/toBPF*toBPF)

	converted := frame.New(pcm)
	pb.clip.Release()
	pb.clip = converted
	pb.data = converted.Data()
	pb.format = to
	return nil
}
