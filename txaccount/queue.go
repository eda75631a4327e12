// Package txaccount implements spec.md §4.5: the bounded, no-grow
// transmit-enqueue queue and the in-flight packet/payload ack accounting
// that drives the poll engine's "work to do" signal.
package txaccount

import (
	"sync/atomic"

	"github.com/meshfabric/transport/internal/logging"
	"github.com/meshfabric/transport/internal/signal"
	"github.com/meshfabric/transport/proto"
	"github.com/meshfabric/transport/transporterr"
)

// Queue is a bounded, no-grow FIFO of *proto.List batches, mirroring
// EnqueueSendPackets's semantics (spec.md §4.5): the whole batch is pushed
// atomically, or rejected with QueueFull, never partially accepted and
// never grown past capacity.
//
// Queue additionally owns the in-flight packet reference count and the
// work-pending Signal the poll engine waits on, since both are updated in
// lock-step with enqueue/drain/ack (spec.md §4.5, §9 invariant
// "tx_in_flight_ref_count >= 0").
type Queue struct {
	capacity int
	batches  []*proto.List

	// inFlight counts packets not yet acked, plus one extra per
	// enqueued payload (its last packet), per spec.md §3's invariant.
	inFlight atomic.Int32

	// WorkPending is Set whenever a batch is queued or packets remain
	// waiting to be drained, and Cleared only once both the queue and the
	// endpoint's waiting list are empty (spec.md §4.1's lost-wakeup-safe
	// clear/rescan protocol, grounded in internal/signal.Signal).
	WorkPending *signal.Signal

	log *logging.Logger
}

// NewQueue constructs a Queue bounded to capacity batches, with a fresh
// cleared work-pending signal. log may be nil, in which case reset
// warnings are dropped.
func NewQueue(capacity int, log *logging.Logger) *Queue {
	return &Queue{
		capacity: capacity,
		batches:  make([]*proto.List, 0, capacity),
		log:      log,
		WorkPending: signal.New(),
	}
}

// Enqueue pushes list onto the queue and increments the in-flight count by
// one per packet plus one for the payload's last packet, per spec.md
// §4.5 ("the initial increment is the responsibility of the payload
// builder"). It returns a *transporterr.Error with Kind QueueFull, and
// does not enqueue anything, if the queue is already at capacity.
func (q *Queue) Enqueue(list *proto.List) error {
	if list == nil || list.Empty() {
		return nil
	}
	if len(q.batches) >= q.capacity {
		return transporterr.New(transporterr.QueueFull, "tx queue full")
	}

	// Drain list into a fresh List, counting as we go, then store the
	// rebuilt batch; List exposes no non-destructive iteration, only
	// PopFront/PushBack.
	batch := &proto.List{}
	var delta int32
	for p := list.PopFront(); p != nil; p = list.PopFront() {
		delta++
		if p.LastPacket {
			delta++
		}
		batch.PushBack(p)
	}

	q.batches = append(q.batches, batch)
	q.inFlight.Add(delta)
	q.WorkPending.Set()
	return nil
}

// PopBatch removes and returns the oldest queued batch, or nil if empty.
func (q *Queue) PopBatch() *proto.List {
	if len(q.batches) == 0 {
		return nil
	}
	b := q.batches[0]
	q.batches = q.batches[1:]
	return b
}

// PopOnePacket removes and returns a single packet from the oldest batch,
// for the poll engine's at-most-one-Tx-packet-per-endpoint-per-pass rule
// (spec.md §4.1: "pop and send one Tx packet if permitted"). Exhausted
// batches are discarded automatically, preserving FIFO order across
// batches. Returns nil if the queue is empty.
func (q *Queue) PopOnePacket() *proto.Packet {
	for len(q.batches) > 0 {
		b := q.batches[0]
		if p := b.PopFront(); p != nil {
			return p
		}
		q.batches = q.batches[1:]
	}
	return nil
}

// Len reports the number of queued (not yet popped) batches.
func (q *Queue) Len() int { return len(q.batches) }

// InFlight reports the current in-flight packet reference count.
func (q *Queue) InFlight() int32 { return q.inFlight.Load() }

// Complete implements TxPacketComplete(endpoint, packet): the adapter's ack
// callback, which atomically decrements the in-flight count once per
// packet, plus once more if the packet is a payload's last packet (spec.md
// §4.5).
func (q *Queue) Complete(p *proto.Packet) {
	q.inFlight.Add(-1)
	if p != nil && p.LastPacket {
		q.inFlight.Add(-1)
	}
	q.maybeClearWorkPending()
}

// maybeClearWorkPending clears WorkPending once nothing remains queued or
// in flight, per spec.md §4.1's signal protocol: clear only when truly
// idle, to avoid losing a wakeup for work enqueued between the check and
// the clear.
func (q *Queue) maybeClearWorkPending() {
	if q.inFlight.Load() == 0 && len(q.batches) == 0 {
		q.WorkPending.Clear()
	}
}

// Reset implements the endpoint-reset accounting rule from spec.md §4.5:
// if the in-flight count was nonzero, a warning is logged and the count is
// forced to zero; the queue is drained and WorkPending cleared either way.
func (q *Queue) Reset() {
	if n := q.inFlight.Swap(0); n != 0 && q.log != nil {
		q.log.Warning().Str("event", "tx_reset_nonzero_inflight").Int("in_flight", int(n)).Log("endpoint reset with nonzero in-flight tx count")
	}
	q.batches = q.batches[:0]
	q.WorkPending.Clear()
}
