package rxreorder

import (
	"github.com/meshfabric/transport/proto"
	"github.com/meshfabric/transport/transporterr"
)

// EmittedPayload is a Complete or Error payload handed to the caller by
// PayloadReorder.Next, carrying enough of PayloadState's fields to build the
// public delivery callback without exposing internal window bookkeeping.
type EmittedPayload struct {
	PayloadNum          uint16
	Data                []byte
	UserData            uint64
	ExtraData           []byte
	OriginationPTP      proto.PTPTimestamp
	MaxLatencyMicrosecs uint32
	Err                 error
}

// PayloadReorder implements spec.md §4.4: emitting payloads to the
// application in payload_num order, tracking rxreorder_current_index, and
// supporting a seek-forward after backpressure is released.
//
// Shares the same Window as PacketAssembler (both are facades over one
// array), per spec.md §9's single-owner array design.
type PayloadReorder struct {
	window  *Window
	gather  *PacketAssembler
	current uint16

	// BackPressure is set by the caller (the application declined a
	// payload) and prevents Next from advancing past the blocked payload,
	// per spec.md §4.4 edge case "back pressure".
	BackPressure bool
}

// NewPayloadReorder constructs a PayloadReorder over window, using gather
// to flatten completed payloads into contiguous bytes.
func NewPayloadReorder(window *Window, gather *PacketAssembler) *PayloadReorder {
	return &PayloadReorder{window: window, gather: gather}
}

// Next returns the next in-order payload ready for delivery (Complete or
// Error state), or ok=false if the current slot is not yet ready or
// BackPressure is asserted. On success it advances current and releases the
// slot back to the free pool.
//
// If emission cannot proceed and the window is at its out-of-order bound,
// Next first tries FlushOverflow before giving up for this call, per
// spec.md §4.4 ("if emission cannot proceed and the buffered packet count
// is at the limit, trigger the flush").
func (r *PayloadReorder) Next() (EmittedPayload, bool) {
	if r.BackPressure {
		return EmittedPayload{}, false
	}
	st := r.ready()
	if st == nil && r.window.BufferedPacketCount >= proto.MaxPacketOutOfOrderWindow {
		r.FlushOverflow()
		st = r.ready()
	}
	if st == nil {
		return EmittedPayload{}, false
	}

	out := EmittedPayload{
		PayloadNum:          st.PayloadNum,
		UserData:            st.UserData,
		ExtraData:           st.ExtraData,
		OriginationPTP:      st.OriginationPTP,
		MaxLatencyMicrosecs: st.MaxLatencyMicrosecs,
	}
	if st.State == Complete {
		out.Data = r.gather.Gather(st)
	} else {
		out.Err = transporterr.New(transporterr.RxPayloadError, st.ErrMessage)
	}

	// spec.md §4.4: emission decrements the buffered packet counter by the
	// payload's packet count before freeing the slot.
	r.window.BufferedPacketCount -= st.PacketCount
	r.gather.Release(st)
	r.current++
	return out, true
}

// ready returns the current slot's state if it is occupied by r.current
// and in a terminal (Complete or Error) state, or nil otherwise.
func (r *PayloadReorder) ready() *PayloadState {
	st := r.window.Lookup(r.current)
	if st == nil || st.PayloadNum != r.current {
		return nil
	}
	if st.State != Complete && st.State != Error {
		return nil
	}
	return st
}

// FlushOverflow implements spec.md §4.3's window-overflow policy: once
// window.BufferedPacketCount reaches MaxPacketOutOfOrderWindow, walk
// forward from the current window-minimum, forcing every InProgress or
// PacketZeroPending payload into Error until the count drops back under
// the bound. This is what unblocks Next when a payload's packet zero is
// lost and would otherwise hold up every payload behind it forever.
//
// Returns a Fatal transporterr.Error if a full wraparound over the window
// completes without dropping the count back under the bound, since every
// slot would then be permanently stuck.
func (r *PayloadReorder) FlushOverflow() error {
	if r.window.BufferedPacketCount < proto.MaxPacketOutOfOrderWindow {
		return nil
	}
	for i := uint16(0); i <= r.window.mask; i++ {
		if r.window.BufferedPacketCount < proto.MaxPacketOutOfOrderWindow {
			return nil
		}
		idx := r.current + i
		st := r.window.slots[r.window.index(idx)]
		if st == nil || st.PayloadNum != idx {
			continue
		}
		if st.State == InProgress || st.State == PacketZeroPending {
			r.gather.FlushPartialPayload(st)
		}
	}
	if r.window.BufferedPacketCount >= proto.MaxPacketOutOfOrderWindow {
		return transporterr.New(transporterr.Fatal, "rxreorder: window overflow flush wrapped the full window without dropping below the bound")
	}
	return nil
}

// Current reports rxreorder_current_index, the next payload_num this
// PayloadReorder expects to emit.
func (r *PayloadReorder) Current() uint16 { return r.current }

// Seek implements RxReorderPayloadSeekFirstPayload: after backpressure is
// released, re-scans from current forward for the first payload_num whose
// slot is ready, rather than blocking forever behind a payload_num whose
// packets were dropped (e.g. by a window-overflow flush that never
// reaches it, or a slot collision that silently discarded every packet
// that arrived for it).
//
// Every non-terminal slot it skips over is marked Ignore (spec.md §4.3):
// it is abandoned rather than emitted, but stays parked in the window
// under its own payload_num until Acquire finds it stale, so a
// late-arriving packet for it cannot be mistaken for a fresh payload that
// happens to reuse the slot.
func (r *PayloadReorder) Seek() {
	for i := uint16(0); i <= r.window.mask; i++ {
		idx := r.current + i
		st := r.window.slots[r.window.index(idx)]
		if st == nil || st.PayloadNum != idx {
			continue
		}
		switch st.State {
		case Complete, Error:
			r.current = idx
			return
		case Ignore:
			continue
		default:
			r.window.markIgnore(st)
		}
	}
}
