package mixer

import (
	"math"
	"sync/atomic"

	"github.com/MrWong99/cadence/pkg/audio"
	"github.com/MrWong99/cadence/pkg/audio/endpoint"
)

// NeutralVolume is the gain a node is reset to on reclaim and rebuild.
const NeutralVolume float32 = 1.0

// Kind is the {type, subtype} tag that matches pool requests to the kind of
// bus they need. Nodes are reused only for requests of the same Kind.
type Kind struct {
	Type    string
	Subtype string
}

// String returns "type/subtype".
func (k Kind) String() string { return k.Type + "/" + k.Subtype }

// NodeResetObserver is notified after a route change rebuilt a node it owns.
// The node comes back muted at [NeutralVolume] with no source; the observer
// restores its own state.
type NodeResetObserver interface {
	OnMixerNodeReset(n *Node)
}

type sourceRef struct{ s audio.FrameSource }

// Node is a pooled bus handle. It is owned by at most one client between
// [Mixer.DequeueNode] and [Mixer.ReclaimNode].
//
// The bookkeeping fields are guarded by the owning mixer's mutex. Volume,
// mute and the source are atomics read by the render callback.
type Node struct {
	mixer *Mixer
	index int

	// guarded by mixer.mu
	kind       Kind
	inUse      bool
	generation uint64

	// written on the control side while the node is not published or the
	// unit is disarmed; read by the render callback
	scratch []byte

	volume atomic.Uint32
	muted  atomic.Bool
	src    atomic.Pointer[sourceRef]
}

func newNode(m *Mixer, index int, kind Kind, gen uint64, format audio.Format) *Node {
	n := &Node{mixer: m, index: index}
	n.rebuild(kind, gen, format)
	return n
}

// rebuild returns the node to its neutral state for kind. Caller holds
// mixer.mu and the node is either unpublished or the unit is disarmed.
func (n *Node) rebuild(kind Kind, gen uint64, format audio.Format) {
	n.kind = kind
	n.generation = gen
	size := audio.MaxFramesPerSlice * format.BytesPerFrame()
	switch {
	case cap(n.scratch) < size:
		n.scratch = make([]byte, size)
	case len(n.scratch) != size:
		n.scratch = n.scratch[:size]
	}
	n.reset()
}

func (n *Node) reset() {
	n.src.Store(nil)
	n.muted.Store(true)
	n.setVolume(NeutralVolume)
}

func (n *Node) setVolume(v float32) { n.volume.Store(math.Float32bits(v)) }

// Index returns the bus index the node occupies.
func (n *Node) Index() int { return n.index }

// Kind returns the kind the node was last built for.
func (n *Node) Kind() Kind {
	n.mixer.mu.Lock()
	defer n.mixer.mu.Unlock()
	return n.kind
}

// Generation increments every time the node is rebuilt.
func (n *Node) Generation() uint64 {
	n.mixer.mu.Lock()
	defer n.mixer.mu.Unlock()
	return n.generation
}

// Volume returns the current gain in [0, 1].
func (n *Node) Volume() float32 { return math.Float32frombits(n.volume.Load()) }

// Muted reports whether the node is muted.
func (n *Node) Muted() bool { return n.muted.Load() }

// Unit returns the output endpoint the node renders into.
func (n *Node) Unit() *endpoint.Unit { return n.mixer.Unit() }

// SetSource binds the stream the node pulls on every render cycle. nil
// detaches it. The call is ignored for a node that is not in use.
func (n *Node) SetSource(s audio.FrameSource) {
	n.mixer.mu.Lock()
	defer n.mixer.mu.Unlock()
	if !n.inUse {
		return
	}
	if s == nil {
		n.src.Store(nil)
		return
	}
	n.src.Store(&sourceRef{s: s})
}

// InUse reports whether the node is currently dequeued.
func (n *Node) InUse() bool {
	n.mixer.mu.Lock()
	defer n.mixer.mu.Unlock()
	return n.inUse
}
