package rxreorder

import (
	"github.com/meshfabric/transport/proto"
	"github.com/meshfabric/transport/transporterr"
)

// PacketAssembler implements spec.md §4.3: reassembling a payload from
// out-of-order packets, either into a reorder list of merged runs
// (scatter/gather mode) or directly into a caller-provided linear buffer at
// an explicit offset (linear mode), selected per config.RxBufferType.
//
// Endpoint-local; called only from the endpoint's poll thread, matching the
// single-writer invariant spec.md places on the windowed array.
type PacketAssembler struct {
	window *Window
	linear bool
	// LinearBufferSize bounds a linear-mode payload's buffer; a
	// DataOffsetHeader whose offset+len exceeds it is a BufferOverflow
	// error (spec.md §4.3 edge case "offset overrun").
	LinearBufferSize uint32
}

// NewPacketAssembler constructs a PacketAssembler bound to window, for
// either linear (fixed offset headers) or scatter/gather (sequence-ordered
// reorder list) operation.
func NewPacketAssembler(window *Window, linear bool, linearBufferSize uint32) *PacketAssembler {
	return &PacketAssembler{window: window, linear: linear, LinearBufferSize: linearBufferSize}
}

// OnPacket assembles one received packet into its payload's state, per
// spec.md §4.3. It returns the payload's state when the assembler believes
// the caller should re-check for completion (every call where the packet
// was accepted), or nil if the packet was dropped (duplicate slot
// collision, or delivered to an already-terminal payload).
func (a *PacketAssembler) OnPacket(p *proto.Packet) (*PayloadState, error) {
	a.window.TotalPacketCount++
	isZero := p.Num0 != nil

	st, ok := a.window.Acquire(p.Header.PayloadNum, isZero)
	if !ok {
		// Collision with a live, different payload occupying this slot:
		// the packet is silently dropped, per spec.md §4.3's window
		// overflow handling (the occupant keeps the slot; the newer
		// payload_num's packet is the one lost).
		return nil, nil
	}
	st.LastTotalPacketCount = a.window.TotalPacketCount

	if st.State == Complete || st.State == Error || st.State == Ignore {
		return nil, nil
	}

	if isZero {
		st.ExpectedSize = p.Num0.TotalPayloadSize
		st.MaxLatencyMicrosecs = p.Num0.MaxLatencyMicrosecs
		st.OriginationPTP = p.Num0.OriginationPTPTimestamp
		st.UserData = p.Num0.PayloadUserData
		st.ExtraData = p.Num0.ExtraData
		if st.State == PacketZeroPending {
			st.State = InProgress
		}
	} else if st.State == PacketZeroPending {
		// Packet-zero dependence: non-zero packets may arrive first, but
		// completion cannot be declared until packet 0 lands (spec.md
		// §4.3). Still accumulate the data below.
	}

	var err error
	if a.linear {
		err = a.assembleLinear(st, p)
	} else {
		err = a.assembleScatterGather(st, p)
	}
	if err != nil {
		a.window.Fail(st, err)
		return st, err
	}

	st.PacketCount++
	a.window.BufferedPacketCount++

	if p.LastPacket {
		st.HasLastPacketSeq = true
		st.LastPacketSeq = p.Header.PacketSequenceNum
	}

	a.checkComplete(st)
	return st, nil
}

func (a *PacketAssembler) assembleLinear(st *PayloadState, p *proto.Packet) error {
	if p.DataOffset == nil {
		return transporterr.New(transporterr.RxWrongProtocolType, "linear-mode payload missing DataOffsetHeader")
	}
	data := p.SGL.Bytes()
	end := p.DataOffset.PayloadDataOffset + uint32(len(data))
	limit := a.LinearBufferSize
	if st.ExpectedSize > 0 && st.ExpectedSize < limit {
		limit = st.ExpectedSize
	}
	if limit != 0 && end > limit {
		return transporterr.New(transporterr.BufferOverflow, "linear buffer offset overrun")
	}
	if st.LinearBuffer == nil {
		size := a.LinearBufferSize
		if size == 0 {
			size = end
		}
		st.LinearBuffer = make([]byte, size)
	}
	if end > uint32(len(st.LinearBuffer)) {
		grown := make([]byte, end)
		copy(grown, st.LinearBuffer)
		st.LinearBuffer = grown
	}
	copy(st.LinearBuffer[p.DataOffset.PayloadDataOffset:end], data)
	st.BytesReceived += uint32(len(data))
	return nil
}

// assembleScatterGather inserts p's bytes into st's reorder list, keyed by
// PacketSequenceNum, merging with any adjacent run (spec.md §4.3, §9
// "Reorder list").
func (a *PacketAssembler) assembleScatterGather(st *PayloadState, p *proto.Packet) error {
	data := p.SGL.Bytes()
	seq := p.Header.PacketSequenceNum
	node := &reorderNode{top: seq, bot: seq, data: data}
	insertReorderNode(st, node)
	st.BytesReceived += uint32(len(data))
	return nil
}

// insertReorderNode inserts node into st's sorted reorder list, merging with
// directly-adjacent neighbors so the list stays as short as possible.
func insertReorderNode(st *PayloadState, node *reorderNode) {
	if st.reorderHead == nil {
		st.reorderHead = node
		return
	}
	cur := st.reorderHead
	var prev *reorderNode
	for cur != nil && cur.top < node.top {
		prev = cur
		cur = cur.next
	}

	node.prev, node.next = prev, cur
	if prev != nil {
		prev.next = node
	} else {
		st.reorderHead = node
	}
	if cur != nil {
		cur.prev = node
	}

	mergeForward(st, node)
	mergeBackward(st, node)
}

func mergeForward(_ *PayloadState, node *reorderNode) {
	for node.next != nil && uint16(node.bot+1) == node.next.top {
		n := node.next
		node.data = append(node.data, n.data...)
		node.bot = n.bot
		node.next = n.next
		if n.next != nil {
			n.next.prev = node
		}
	}
}

func mergeBackward(st *PayloadState, node *reorderNode) {
	for node.prev != nil && uint16(node.prev.bot+1) == node.top {
		p := node.prev
		node.data = append(p.data, node.data...)
		node.top = p.top
		node.prev = p.prev
		if p.prev != nil {
			p.prev.next = node
		} else {
			st.reorderHead = node
		}
	}
}

// checkComplete transitions st to Complete once every expected byte has
// arrived and, for scatter/gather mode, the reorder list has collapsed to a
// single contiguous run starting at sequence 0 (spec.md §4.3's completion
// rule). Completion additionally requires packet-zero dependence to be
// satisfied.
func (a *PacketAssembler) checkComplete(st *PayloadState) {
	if st.State != InProgress {
		return
	}
	if st.ExpectedSize == 0 {
		return
	}
	if a.linear {
		if st.BytesReceived >= st.ExpectedSize {
			st.State = Complete
		}
		return
	}
	if st.reorderHead != nil && st.reorderHead.next == nil && st.reorderHead.top == 0 &&
		uint32(len(st.reorderHead.data)) >= st.ExpectedSize {
		st.State = Complete
	}
}

// FlushPartialPayload force-fails a stalled InProgress or
// PacketZeroPending payload into Error, per spec.md §4.3's window-overflow
// policy: "force any InProgress or PacketZeroPending payload into Error
// (which frees its resources and records an error message), send it
// downstream". A no-op on an already-terminal payload.
func (a *PacketAssembler) FlushPartialPayload(st *PayloadState) {
	if st.State == Complete || st.State == Error || st.State == Ignore {
		return
	}
	a.window.Fail(st, transporterr.New(transporterr.RxPayloadMissing, "payload flushed under window-overflow pressure"))
}

// Gather flattens a Complete payload's bytes into a single contiguous
// buffer, from the reorder list (scatter/gather mode) or the linear buffer
// directly.
func (a *PacketAssembler) Gather(st *PayloadState) []byte {
	if a.linear {
		return st.LinearBuffer
	}
	if st.reorderHead == nil {
		return nil
	}
	return st.reorderHead.data
}

// Release returns st's slot and buffers to the free pool, for use once a
// completed or errored payload has been emitted.
func (a *PacketAssembler) Release(st *PayloadState) {
	a.window.release(st)
}
