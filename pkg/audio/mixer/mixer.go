// Package mixer implements a fixed-size pool of mixing buses attached to a
// running render [endpoint.Unit].
//
// The mixer installs itself as the unit's [audio.FrameSource]. Every render
// cycle it pulls one buffer from each in-use bus, scales it by the bus volume
// and sums the result into the hardware buffer. Pool bookkeeping (dequeue,
// reclaim, rebuild) happens under a mutex on control goroutines; the render
// callback only reads an immutable snapshot of in-use nodes published through
// an atomic pointer, plus per-node atomics.
package mixer

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"

	"github.com/MrWong99/cadence/pkg/audio"
	"github.com/MrWong99/cadence/pkg/audio/endpoint"
)

// Compile-time interface assertions.
var (
	_ audio.FrameSource      = (*Mixer)(nil)
	_ endpoint.ResetObserver = (*Mixer)(nil)
)

var (
	// ErrInvalidBusCount is returned by [Mixer.Setup] for busCount <= 0.
	ErrInvalidBusCount = errors.New("mixer: bus count must be positive")

	// ErrEndpointNotReady is returned by [Mixer.Setup] when the unit is not an
	// initialized, running render endpoint.
	ErrEndpointNotReady = errors.New("mixer: output endpoint not ready")

	// ErrAlreadySetup is returned by a second [Mixer.Setup].
	ErrAlreadySetup = errors.New("mixer: already set up")

	// ErrNotSetup is returned by operations that need a prior Setup.
	ErrNotSetup = errors.New("mixer: not set up")

	// ErrEndpointRunning is returned by [Mixer.Dispose] while the unit's
	// render callback is still armed.
	ErrEndpointRunning = errors.New("mixer: output endpoint still running")
)

// Stats is a snapshot of pool counters.
type Stats struct {
	BusCount  int
	Free      int
	InUse     int
	Created   uint64
	Rebuilt   uint64
	Rejected  uint64
	Reclaimed uint64
}

// Option configures a [Mixer] during construction.
type Option func(*Mixer)

// WithMasterVolume sets the gain applied to the summed output. Values are
// clamped to [0, 1].
func WithMasterVolume(v float32) Option {
	return func(m *Mixer) {
		m.master.Store(math.Float32bits(audio.ClampVolume(v)))
	}
}

// Mixer is a bus pool. All exported methods are safe for concurrent use;
// [Mixer.GetFrame] is the real-time entry point and never blocks.
type Mixer struct {
	mu        sync.Mutex
	unit      *endpoint.Unit
	removeObs func()
	busCount  int
	slots     []*Node // nil entries are buses no node was built for yet
	inUse     int
	observers map[*Node]NodeResetObserver
	gen       uint64

	active atomic.Pointer[[]*Node]
	master atomic.Uint32

	created   uint64
	rebuilt   uint64
	rejected  uint64
	reclaimed uint64
}

// New returns a mixer that is not yet attached. Call [Mixer.Setup].
func New(opts ...Option) *Mixer {
	m := &Mixer{observers: make(map[*Node]NodeResetObserver)}
	m.master.Store(math.Float32bits(1))
	for _, o := range opts {
		o(m)
	}
	return m
}

// Setup attaches the mixer to unit, which must be an initialized and started
// render endpoint, and reserves busCount buses.
func (m *Mixer) Setup(unit *endpoint.Unit, busCount int) error {
	if busCount <= 0 {
		return fmt.Errorf("%w: %d", ErrInvalidBusCount, busCount)
	}
	if unit == nil || unit.Kind().Direction != endpoint.Render || !unit.Initialized() || !unit.Running() {
		return ErrEndpointNotReady
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.unit != nil {
		return ErrAlreadySetup
	}
	m.unit = unit
	m.busCount = busCount
	m.slots = make([]*Node, busCount)
	m.inUse = 0
	m.gen++
	m.publishLocked()

	unit.SetSource(m)
	m.removeObs = unit.AddResetObserver(m)

	slog.Debug("mixer attached", "unit", unit.ID(), "buses", busCount, "format", unit.Format().String())
	return nil
}

// DequeueNode returns a muted node at [NeutralVolume] for kind, or nil when
// every bus is in use. A free node of the same kind is reused first; otherwise
// a node is built in an empty bus, or a free bus of another kind is rebuilt.
func (m *Mixer) DequeueNode(kind Kind) *Node {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.unit == nil {
		return nil
	}

	var n *Node
	empty, other := -1, -1
	for i, s := range m.slots {
		switch {
		case s == nil:
			if empty < 0 {
				empty = i
			}
		case s.inUse:
		case s.kind == kind:
			n = s
		default:
			if other < 0 {
				other = i
			}
		}
		if n != nil {
			break
		}
	}

	switch {
	case n != nil:
		n.reset()
	case empty >= 0:
		n = newNode(m, empty, kind, m.gen, m.unit.Format())
		m.slots[empty] = n
		m.created++
	case other >= 0:
		n = m.slots[other]
		n.rebuild(kind, m.gen, m.unit.Format())
		m.rebuilt++
	default:
		m.rejected++
		return nil
	}

	n.inUse = true
	m.inUse++
	m.publishLocked()
	return n
}

// ReclaimNode returns n to the pool, muted at [NeutralVolume] with its source
// detached. It reports false, changing nothing, if n is nil, belongs to
// another mixer or is already free.
func (m *Mixer) ReclaimNode(n *Node) bool {
	if n == nil || n.mixer != m {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if !n.inUse {
		slog.Debug("mixer: double reclaim ignored", "bus", n.index)
		return false
	}
	n.inUse = false
	n.reset()
	delete(m.observers, n)
	m.inUse--
	m.reclaimed++
	m.publishLocked()
	return true
}

// SetVolume clamps v to [0, 1] and applies it to n immediately.
func (m *Mixer) SetVolume(n *Node, v float32) {
	if n == nil || n.mixer != m {
		return
	}
	n.setVolume(audio.ClampVolume(v))
}

// SetMute mutes or unmutes n.
func (m *Mixer) SetMute(n *Node, muted bool) {
	if n == nil || n.mixer != m {
		return
	}
	n.muted.Store(muted)
}

// SetMasterVolume sets the gain applied to the summed output.
func (m *Mixer) SetMasterVolume(v float32) {
	m.master.Store(math.Float32bits(audio.ClampVolume(v)))
}

// SetResetObserver registers obs for n until n is reclaimed. The mixer keeps
// only this lookup entry; it does not own obs.
func (m *Mixer) SetResetObserver(n *Node, obs NodeResetObserver) {
	if n == nil || n.mixer != m {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if !n.inUse {
		return
	}
	if obs == nil {
		delete(m.observers, n)
		return
	}
	m.observers[n] = obs
}

// OnEndpointReset implements [endpoint.ResetObserver]. Every node is rebuilt
// for the unit's new format and then the observers of in-use nodes are
// notified, so the next DequeueNode already sees rebuilt buses.
func (m *Mixer) OnEndpointReset(u *endpoint.Unit) {
	type pending struct {
		n   *Node
		obs NodeResetObserver
	}

	m.mu.Lock()
	if m.unit == nil || m.unit != u {
		m.mu.Unlock()
		return
	}
	m.gen++
	f := u.Format()
	var notify []pending
	for _, n := range m.slots {
		if n == nil {
			continue
		}
		n.rebuild(n.kind, m.gen, f)
		m.rebuilt++
		if !n.inUse {
			continue
		}
		if obs, ok := m.observers[n]; ok {
			notify = append(notify, pending{n: n, obs: obs})
		}
	}
	m.publishLocked()
	m.mu.Unlock()

	slog.Info("mixer rebuilt nodes after route change", "unit", u.ID(), "format", f.String(), "notified", len(notify))
	for _, p := range notify {
		p.obs.OnMixerNodeReset(p.n)
	}
}

// Dispose reclaims and destroys every node and detaches from the unit. The
// unit must be stopped first; otherwise Dispose returns [ErrEndpointRunning]
// and changes nothing. Dispose on a mixer that is not set up is a no-op.
func (m *Mixer) Dispose() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.unit == nil {
		return nil
	}
	if m.unit.Running() {
		return ErrEndpointRunning
	}
	for i, n := range m.slots {
		if n == nil {
			continue
		}
		n.inUse = false
		n.reset()
		m.slots[i] = nil
	}
	clear(m.observers)
	m.inUse = 0
	m.active.Store(nil)
	m.unit.SetSource(nil)
	if m.removeObs != nil {
		m.removeObs()
		m.removeObs = nil
	}
	slog.Debug("mixer disposed", "unit", m.unit.ID())
	m.unit = nil
	m.slots = nil
	m.busCount = 0
	return nil
}

// publishLocked swaps in a fresh snapshot of the in-use nodes.
func (m *Mixer) publishLocked() {
	snap := make([]*Node, 0, m.inUse)
	for _, n := range m.slots {
		if n != nil && n.inUse {
			snap = append(snap, n)
		}
	}
	m.active.Store(&snap)
}

// ─── Real-time path ───────────────────────────────────────────────────────────

// GetFrame implements [audio.FrameSource]. It sums every in-use, unmuted bus
// into buf. Muted buses are still pulled so their streams keep time.
func (m *Mixer) GetFrame(unitID uint32, frameCount int, format audio.Format, ts audio.Timestamp, buf []byte) audio.Status {
	n := frameCount * format.BytesPerFrame()
	if n > len(buf) {
		return audio.StatusFormatMismatch
	}
	buf = buf[:n]
	audio.Silence(buf)

	nodes := m.active.Load()
	if nodes == nil {
		return audio.StatusOK
	}
	for _, nd := range *nodes {
		ref := nd.src.Load()
		if ref == nil {
			continue
		}
		if n > len(nd.scratch) {
			return audio.StatusFormatMismatch
		}
		scratch := nd.scratch[:n]
		if ref.s.GetFrame(unitID, frameCount, format, ts, scratch) != audio.StatusOK {
			continue
		}
		if nd.muted.Load() {
			continue
		}
		audio.MixInt16(buf, scratch, math.Float32frombits(nd.volume.Load()))
	}
	if master := math.Float32frombits(m.master.Load()); master < 1 {
		scale(buf, master)
	}
	return audio.StatusOK
}

func scale(buf []byte, gain float32) {
	if gain <= 0 {
		audio.Silence(buf)
		return
	}
	for i := 0; i+1 < len(buf); i += 2 {
		s := int16(uint16(buf[i]) | uint16(buf[i+1])<<8)
		v := int16(float32(s) * gain)
		buf[i] = byte(v)
		buf[i+1] = byte(uint16(v) >> 8)
	}
}

// ─── Queries ──────────────────────────────────────────────────────────────────

// Unit returns the attached output endpoint, or nil.
func (m *Mixer) Unit() *endpoint.Unit {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.unit
}

// Format returns the attached unit's format, or the zero Format.
func (m *Mixer) Format() audio.Format {
	if u := m.Unit(); u != nil {
		return u.Format()
	}
	return audio.Format{}
}

// BusCount returns the number of buses reserved at setup.
func (m *Mixer) BusCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.busCount
}

// FreeCount returns the number of buses available to DequeueNode.
func (m *Mixer) FreeCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.busCount - m.inUse
}

// InUseCount returns the number of dequeued buses.
func (m *Mixer) InUseCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.inUse
}

// Stats returns a snapshot of pool counters.
func (m *Mixer) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Stats{
		BusCount:  m.busCount,
		Free:      m.busCount - m.inUse,
		InUse:     m.inUse,
		Created:   m.created,
		Rebuilt:   m.rebuilt,
		Rejected:  m.rejected,
		Reclaimed: m.reclaimed,
	}
}
