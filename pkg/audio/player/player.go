// Package player schedules playback requests onto mixer buses.
//
// Each accepted request owns one [mixer.Node] for its lifetime. The decoded
// clip is streamed into the node on the render thread; looping and
// end-of-stream are detected there, but teardown and the completion callback
// run on the player's dispatch goroutine so the real-time path never takes a
// lock or calls user code.
package player

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/MrWong99/cadence/pkg/audio"
	"github.com/MrWong99/cadence/pkg/audio/frame"
	"github.com/MrWong99/cadence/pkg/audio/mixer"
)

// Compile-time interface assertion.
var _ mixer.NodeResetObserver = (*Player)(nil)

// LoopForever as [Request.LoopCount] plays the source until it is stopped.
// Any negative count behaves the same.
const LoopForever = -1

var (
	// ErrNoMixer is returned by [Player.Play] before [Player.SetMixer].
	ErrNoMixer = errors.New("player: no mixer attached")

	// ErrMixerChanged is returned by [Player.Play] when the mixer was
	// replaced while the source was being resolved.
	ErrMixerChanged = errors.New("player: mixer changed during play")

	// ErrClosed is returned by [Player.Play] after [Player.Close].
	ErrClosed = errors.New("player: closed")

	// ErrEmptySource is returned by [Player.Play] for a request without a
	// source locator.
	ErrEmptySource = errors.New("player: empty source locator")
)

// Request describes one playback.
type Request struct {
	// Source is the locator passed to the [Resolver].
	Source string

	// LoopCount is the number of full traversals. 0 and 1 both play once;
	// [LoopForever] repeats until stopped.
	LoopCount int

	// Type tags the playback for [Player.Stop] and completion routing. Tags
	// need not be unique.
	Type string

	// Enabled starts the playback audible. A disabled playback runs muted.
	Enabled bool

	// UserData is handed back unchanged to the completion observer.
	UserData any
}

// Resolver turns a source locator into decoded PCM in format. The returned
// frame carries one reference that the player releases when the playback
// ends.
type Resolver interface {
	Resolve(ctx context.Context, locator string, format audio.Format) (*frame.Frame, error)
}

// CompletionObserver is told when a playback ran to completion. It is not
// called for playbacks ended by Stop, StopAll, SetMixer or Close.
type CompletionObserver interface {
	OnPlaybackFinished(typeTag string, userData any)
}

// Option configures a [Player] during construction.
type Option func(*Player)

// WithObserver sets the completion observer.
func WithObserver(o CompletionObserver) Option {
	return func(p *Player) { p.observer = o }
}

// WithNodeKind sets the mixer node kind the player dequeues. Defaults to
// {"player", "pcm"}.
func WithNodeKind(k mixer.Kind) Option {
	return func(p *Player) { p.kind = k }
}

// WithVolume sets the initial volume applied to every playback.
func WithVolume(v float32) Option {
	return func(p *Player) { p.volume = audio.ClampVolume(v) }
}

// Player multiplexes playback requests onto a [mixer.Mixer]. All exported
// methods are safe for concurrent use.
type Player struct {
	resolver Resolver
	observer CompletionObserver
	kind     mixer.Kind

	mu        sync.Mutex
	mixer     *mixer.Mixer
	playbacks map[*playback]struct{}
	volume    float32
	pending   []func()
	closed    bool

	interrupted atomic.Bool

	wake chan struct{}
	done chan struct{}
	wg   sync.WaitGroup
}

// New creates a player and starts its dispatch goroutine. Call
// [Player.Close] to stop it.
func New(resolver Resolver, opts ...Option) *Player {
	p := &Player{
		resolver:  resolver,
		kind:      mixer.Kind{Type: "player", Subtype: "pcm"},
		playbacks: make(map[*playback]struct{}),
		volume:    1,
		wake:      make(chan struct{}, 1),
		done:      make(chan struct{}),
	}
	for _, o := range opts {
		o(p)
	}
	p.wg.Add(1)
	go p.dispatch()
	return p
}

// Play resolves req.Source and binds it to a free mixer node. It reports
// false with a nil error when every bus is busy; the request is dropped, not
// queued.
func (p *Player) Play(ctx context.Context, req Request) (bool, error) {
	if req.Source == "" {
		return false, ErrEmptySource
	}
	p.mu.Lock()
	m, closed := p.mixer, p.closed
	p.mu.Unlock()
	if closed {
		return false, ErrClosed
	}
	if m == nil {
		return false, ErrNoMixer
	}

	format := m.Format()
	clip, err := p.resolver.Resolve(ctx, req.Source, format)
	if err != nil {
		return false, fmt.Errorf("player: resolve %q: %w", req.Source, err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	switch {
	case p.closed:
		clip.Release()
		return false, ErrClosed
	case p.mixer != m:
		clip.Release()
		return false, ErrMixerChanged
	}

	node := m.DequeueNode(p.kind)
	if node == nil {
		clip.Release()
		slog.Debug("player: no free bus, request dropped", "type", req.Type, "source", req.Source)
		return false, nil
	}

	pb := newPlayback(p, req, clip, format, node)
	m.SetVolume(node, p.volume)
	m.SetResetObserver(node, p)
	node.SetSource(pb)
	m.SetMute(node, !req.Enabled)
	p.playbacks[pb] = struct{}{}

	slog.Debug("player: playback started", "type", req.Type, "source", req.Source, "bus", node.Index(), "loops", req.LoopCount)
	return true, nil
}

// Stop ends every active playback tagged typeTag and returns how many were
// stopped. Their nodes are reclaimed before Stop returns; no completion is
// reported. Playbacks that already ran to completion are left to the dispatch
// goroutine, which reports them as finished.
func (p *Player) Stop(typeTag string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for pb := range p.playbacks {
		if pb.req.Type == typeTag && !pb.finished.Load() {
			p.teardownLocked(pb)
			n++
		}
	}
	return n
}

// StopAll ends every active playback, reclaims their nodes and then invokes
// onDrained exactly once from the dispatch goroutine, even when nothing was
// playing. After Close, onDrained runs on the calling goroutine.
//
// The returned map counts the stopped playbacks per type tag. Playbacks that
// already ran to completion are not counted; the dispatch goroutine reports
// them to the observer before onDrained runs.
func (p *Player) StopAll(onDrained func()) map[string]int {
	p.mu.Lock()
	stopped := make(map[string]int)
	for pb := range p.playbacks {
		if pb.finished.Load() {
			continue
		}
		p.teardownLocked(pb)
		stopped[pb.req.Type]++
	}
	if onDrained == nil {
		p.mu.Unlock()
		return stopped
	}
	if p.closed {
		p.mu.Unlock()
		onDrained()
		return stopped
	}
	p.pending = append(p.pending, onDrained)
	p.mu.Unlock()
	p.signal()
	return stopped
}

// SetMixer attaches m. Playbacks on the previous mixer are stopped and their
// nodes reclaimed first.
func (p *Player) SetMixer(m *mixer.Mixer) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.mixer == m {
		return
	}
	for pb := range p.playbacks {
		p.teardownLocked(pb)
	}
	p.mixer = m
}

// Mixer returns the attached mixer, or nil.
func (p *Player) Mixer() *mixer.Mixer {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.mixer
}

// SetVolume clamps v to [0, 1] and applies it to every node the player owns
// and to future playbacks.
func (p *Player) SetVolume(v float32) {
	v = audio.ClampVolume(v)
	p.mu.Lock()
	defer p.mu.Unlock()
	p.volume = v
	for pb := range p.playbacks {
		p.mixer.SetVolume(pb.node, v)
	}
}

// Volume returns the player volume.
func (p *Player) Volume() float32 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.volume
}

// SetEnabled mutes or unmutes every active playback tagged typeTag and
// returns how many were changed.
func (p *Player) SetEnabled(typeTag string, enabled bool) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for pb := range p.playbacks {
		if pb.req.Type != typeTag {
			continue
		}
		pb.req.Enabled = enabled
		p.mixer.SetMute(pb.node, !enabled)
		n++
	}
	return n
}

// SetInterrupted pauses every playback in place while true. Interrupted
// playbacks render silence and resume from the same position.
func (p *Player) SetInterrupted(on bool) { p.interrupted.Store(on) }

// Interrupted reports the value last passed to [Player.SetInterrupted].
func (p *Player) Interrupted() bool { return p.interrupted.Load() }

// Active returns the number of playbacks that have not been torn down.
func (p *Player) Active() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.playbacks)
}

// ActiveTypes returns the number of playing playbacks per type tag. Finished
// playbacks awaiting their completion report are not counted.
func (p *Player) ActiveTypes() map[string]int {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[string]int, len(p.playbacks))
	for pb := range p.playbacks {
		if pb.finished.Load() {
			continue
		}
		out[pb.req.Type]++
	}
	return out
}

// OnMixerNodeReset implements [mixer.NodeResetObserver]. The rebuilt node
// gets the playback's volume, mute state and source back. When the output
// format changed, the clip is converted and the cursor rescaled.
func (p *Player) OnMixerNodeReset(n *mixer.Node) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for pb := range p.playbacks {
		if pb.node != n {
			continue
		}
		if f := p.mixer.Format(); f != pb.format {
			if err := pb.convert(f); err != nil {
				slog.Warn("player: dropping playback after format change", "type", pb.req.Type, "err", err)
				p.teardownLocked(pb)
				return
			}
		}
		p.mixer.SetVolume(n, p.volume)
		n.SetSource(pb)
		p.mixer.SetMute(n, !pb.req.Enabled)
		return
	}
}

// Close stops every playback, runs pending drain callbacks and stops the
// dispatch goroutine. Close is idempotent.
func (p *Player) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	for pb := range p.playbacks {
		p.teardownLocked(pb)
	}
	p.mu.Unlock()

	close(p.done)
	p.wg.Wait()

	p.mu.Lock()
	pending := p.pending
	p.pending = nil
	p.mu.Unlock()
	for _, fn := range pending {
		fn()
	}
	return nil
}

// teardownLocked detaches pb from the render path, reclaims its node and
// drops the clip reference. Caller holds p.mu.
func (p *Player) teardownLocked(pb *playback) {
	pb.stopped.Store(true)
	pb.node.SetSource(nil)
	p.mixer.ReclaimNode(pb.node)
	pb.clip.Release()
	delete(p.playbacks, pb)
}

// signal wakes the dispatch goroutine without blocking. Safe on the render
// thread.
func (p *Player) signal() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// dispatch reaps finished playbacks and runs deferred callbacks.
func (p *Player) dispatch() {
	defer p.wg.Done()
	for {
		select {
		case <-p.done:
			return
		case <-p.wake:
			p.reap()
		}
	}
}

func (p *Player) reap() {
	type finished struct {
		typ  string
		data any
	}

	p.mu.Lock()
	var done []finished
	for pb := range p.playbacks {
		if !pb.finished.Load() {
			continue
		}
		p.teardownLocked(pb)
		done = append(done, finished{typ: pb.req.Type, data: pb.req.UserData})
	}
	pending := p.pending
	p.pending = nil
	p.mu.Unlock()

	for _, f := range done {
		slog.Debug("player: playback finished", "type", f.typ)
		if p.observer != nil {
			p.observer.OnPlaybackFinished(f.typ, f.data)
		}
	}
	for _, fn := range pending {
		fn()
	}
}
