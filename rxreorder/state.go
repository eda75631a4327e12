// Package rxreorder implements spec.md §4.3/§4.4: per-payload scatter/gather
// (or linear) packet assembly from out-of-order packets, and per-endpoint
// ordered emission of completed payloads. The windowed array is sized to a
// power of two and indexed by payload_num & (WINDOW-1), per spec.md §9's
// design note ("do not model as a map — the array layout is the access
// pattern").
package rxreorder

import (
	"github.com/meshfabric/transport/internal/pool"
	"github.com/meshfabric/transport/proto"
)

// Lifecycle is a Payload state's state, per spec.md §3.
type Lifecycle int

const (
	Idle Lifecycle = iota
	PacketZeroPending
	InProgress
	Complete
	Error
	Ignore
)

func (l Lifecycle) String() string {
	switch l {
	case Idle:
		return "Idle"
	case PacketZeroPending:
		return "PacketZeroPending"
	case InProgress:
		return "InProgress"
	case Complete:
		return "Complete"
	case Error:
		return "Error"
	case Ignore:
		return "Ignore"
	default:
		return "Unknown"
	}
}

// reorderNode is one element of the doubly-linked reorder list: a
// contiguous run of packet sequence numbers [Top, Bot] and their
// concatenated bytes, kept sorted and merged with adjacent neighbors on
// insertion (spec.md §4.3, §9 "Reorder list").
type reorderNode struct {
	top, bot   uint16
	data       []byte
	prev, next *reorderNode
}

// PayloadState is one in-flight (or completed/errored, pending emission)
// payload, per spec.md §3.
type PayloadState struct {
	PayloadNum           uint16
	ExpectedSize         uint32
	BytesReceived        uint32
	PacketCount          int
	LastPacketSeq        uint16
	HasLastPacketSeq     bool
	State                Lifecycle
	LinearBuffer         []byte
	reorderHead          *reorderNode
	ExtraData            []byte
	OriginationPTP       proto.PTPTimestamp
	UserData             uint64
	MaxLatencyMicrosecs  uint32
	LastTotalPacketCount uint64
	ErrMessage           string

	slot    int // index into Window.slots, for Release
	poolIdx int // index into Window.free's backing pool.Static, for Release
}

func (p *PayloadState) reset(payloadNum uint16, slot int) {
	poolIdx := p.poolIdx
	*p = PayloadState{PayloadNum: payloadNum, State: Idle, slot: slot, poolIdx: poolIdx}
}

// Window is the per-endpoint windowed Payload-state array, shared by
// PacketAssembler (§4.3) and PayloadReorder (§4.4), per spec.md §3/§9.
// Endpoint-local: not safe for concurrent access, matching spec.md §5
// ("Endpoint-local state... is accessed only from that endpoint's poll
// thread").
type Window struct {
	slots []*PayloadState
	mask  uint16
	free  *pool.Static[*PayloadState]

	// BufferedPacketCount mirrors spec.md's rxreorder_buffered_packet_count.
	BufferedPacketCount int

	// TotalPacketCount mirrors endpoint.total_packet_count, used for the
	// staleness check in spec.md §4.3.
	TotalPacketCount uint64
}

// NewWindow allocates a Window of the given size (must be a power of two,
// per spec.md §3's invariant). Its free-list is a pool.Static: the same
// fixed-capacity, non-thread-safe shape spec.md §5 requires for
// endpoint-local state.
func NewWindow(size int) *Window {
	if size <= 0 || size&(size-1) != 0 {
		panic("rxreorder: window size must be a power of two")
	}
	return &Window{
		slots: make([]*PayloadState, size),
		mask:  uint16(size - 1),
		free:  pool.NewStatic(size, func() *PayloadState { return &PayloadState{} }),
	}
}

func (w *Window) index(payloadNum uint16) uint16 { return payloadNum & w.mask }

// Lookup returns the slot's current state, which may be for a different
// payload_num, or nil if the slot has never been used.
func (w *Window) Lookup(payloadNum uint16) *PayloadState {
	return w.slots[w.index(payloadNum)]
}

// stale reports whether the existing slot occupant, which holds a
// different payload than payloadNum, may be safely reclaimed, per spec.md
// §4.3's staleness rule, computed with unsigned wraparound.
func stale(totalPacketCount uint64, last uint64) bool {
	return (totalPacketCount - last) > uint64(proto.MaxPacketOutOfOrderWindow)
}

// Acquire returns the slot for payloadNum, allocating fresh state if the
// slot is empty or its occupant is stale-Ignore, or dropping the packet
// (ok=false) if occupied by a live, different payload (spec.md §4.3).
func (w *Window) Acquire(payloadNum uint16, isPacketZero bool) (state *PayloadState, ok bool) {
	idx := w.index(payloadNum)
	cur := w.slots[idx]

	if cur == nil {
		return w.allocate(idx, payloadNum, isPacketZero), true
	}
	if cur.PayloadNum == payloadNum {
		return cur, true
	}
	if cur.State == Ignore && stale(w.TotalPacketCount, cur.LastTotalPacketCount) {
		w.release(cur)
		return w.allocate(idx, payloadNum, isPacketZero), true
	}
	return nil, false
}

func (w *Window) allocate(idx uint16, payloadNum uint16, isPacketZero bool) *PayloadState {
	poolIdx, st, ok := w.free.Acquire()
	if !ok {
		// Window is sized to power-of-two capacity and every slot holds at
		// most one live PayloadState, so the free pool can never be
		// exhausted while a slot is still available to allocate into.
		panic("rxreorder: payload state pool exhausted")
	}
	st.poolIdx = poolIdx
	st.reset(payloadNum, int(idx))
	if isPacketZero {
		st.State = InProgress
	} else {
		st.State = PacketZeroPending
	}
	w.slots[idx] = st
	return st
}

func (w *Window) release(st *PayloadState) {
	idx := st.slot
	if w.slots[idx] == st {
		w.slots[idx] = nil
	}
	st.reorderHead = nil
	w.free.Release(st.poolIdx)
}

// Fail transitions st to Error, recording msg, releasing its resources
// (but keeping the slot populated with an Error-state placeholder until
// PayloadReorder emits and frees it), per spec.md §4.3's flush behavior.
// It also retires st's contribution to BufferedPacketCount, since a
// failed payload's buffered packets are no longer held pending assembly.
func (w *Window) Fail(st *PayloadState, err error) {
	w.BufferedPacketCount -= st.PacketCount
	st.PacketCount = 0
	st.State = Error
	if err != nil {
		st.ErrMessage = err.Error()
	}
	st.reorderHead = nil
	st.LinearBuffer = nil
}

// markIgnore retires a payload that PayloadReorder.Seek skipped over
// while it was still non-terminal (its packets will never complete it,
// e.g. a payload_num that a window-overflow flush or slot collision
// permanently orphaned), per spec.md §4.3. Unlike Fail, the slot is left
// populated rather than handed to Next for emission: Ignore occupants are
// only reclaimed once Acquire finds them stale, so a payload_num this far
// out of order doesn't silently get re-delivered as a duplicate if it
// ever did resolve.
func (w *Window) markIgnore(st *PayloadState) {
	w.BufferedPacketCount -= st.PacketCount
	st.PacketCount = 0
	st.State = Ignore
	st.reorderHead = nil
	st.LinearBuffer = nil
}
