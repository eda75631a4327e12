package rxreorder

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meshfabric/transport/proto"
	"github.com/meshfabric/transport/transporterr"
)

func TestPayloadReorder_EmitsInOrder(t *testing.T) {
	w := NewWindow(16)
	a := NewPacketAssembler(w, false, 0)
	r := NewPayloadReorder(w, a)

	// payload 1 completes before payload 0, but emission must wait.
	_, err := a.OnPacket(packetZero(1, 2, []byte("cd")))
	require.NoError(t, err)
	_, err = a.OnPacket(packetN(1, 1, []byte(""), true))
	require.NoError(t, err)

	_, ok := r.Next()
	assert.False(t, ok, "payload 1 is complete but payload 0 hasn't arrived yet")

	_, err = a.OnPacket(packetZero(0, 2, []byte("ab")))
	require.NoError(t, err)

	got, ok := r.Next()
	require.True(t, ok)
	assert.Equal(t, uint16(0), got.PayloadNum)
	assert.Equal(t, []byte("ab"), got.Data)

	got, ok = r.Next()
	require.True(t, ok)
	assert.Equal(t, uint16(1), got.PayloadNum)
	assert.Equal(t, uint16(2), r.Current())
}

func TestPayloadReorder_BackPressureBlocksEmission(t *testing.T) {
	w := NewWindow(16)
	a := NewPacketAssembler(w, false, 0)
	r := NewPayloadReorder(w, a)
	r.BackPressure = true

	_, err := a.OnPacket(packetZero(0, 2, []byte("ab")))
	require.NoError(t, err)

	_, ok := r.Next()
	assert.False(t, ok)

	r.BackPressure = false
	got, ok := r.Next()
	require.True(t, ok)
	assert.Equal(t, []byte("ab"), got.Data)
}

func TestPayloadReorder_SeekSkipsStaleGap(t *testing.T) {
	w := NewWindow(8)
	a := NewPacketAssembler(w, false, 0)
	r := NewPayloadReorder(w, a)

	// payload 0 never arrives; payload 1 completes.
	_, err := a.OnPacket(packetZero(1, 2, []byte("cd")))
	require.NoError(t, err)

	_, ok := r.Next()
	assert.False(t, ok, "current index 0 is still pending")

	r.Seek()
	assert.Equal(t, uint16(1), r.Current(), "seek finds payload 1 ready and jumps the current index forward")

	got, ok := r.Next()
	require.True(t, ok)
	assert.Equal(t, uint16(1), got.PayloadNum)
	assert.Equal(t, []byte("cd"), got.Data)
}

func TestPayloadReorder_ErrorPayloadEmitted(t *testing.T) {
	w := NewWindow(16)
	a := NewPacketAssembler(w, false, 0)
	r := NewPayloadReorder(w, a)

	_, err := a.OnPacket(packetN(0, 1, []byte("x"), false))
	require.NoError(t, err)
	st := w.Lookup(0)
	a.FlushPartialPayload(st)

	got, ok := r.Next()
	require.True(t, ok)
	assert.Error(t, got.Err)
}

// TestPayloadReorder_WindowOverflowFloodFlushesStalledHead reproduces
// scenario (b): a flood of packets for payload 0 arrives, but payload 0's
// packet zero is lost, so the payload can never complete on its own. Once
// the buffered packet count reaches the out-of-order bound, Next must
// force the stuck head to Error rather than livelocking forever.
func TestPayloadReorder_WindowOverflowFloodFlushesStalledHead(t *testing.T) {
	w := NewWindow(16)
	a := NewPacketAssembler(w, false, 0)
	r := NewPayloadReorder(w, a)

	for seq := uint16(1); seq <= uint16(proto.MaxPacketOutOfOrderWindow); seq++ {
		_, err := a.OnPacket(packetN(0, seq, []byte("x"), false))
		require.NoError(t, err)
	}
	require.Equal(t, proto.MaxPacketOutOfOrderWindow, w.BufferedPacketCount)
	require.Equal(t, PacketZeroPending, w.Lookup(0).State)

	got, ok := r.Next()
	require.True(t, ok, "the overflow flush inside Next unblocks the stuck head")
	assert.Equal(t, uint16(0), got.PayloadNum)
	assert.Error(t, got.Err)
	assert.Equal(t, 0, w.BufferedPacketCount, "the flushed payload's packets are no longer buffered")
}

// TestPayloadReorder_FlushOverflowReportsFatalWhenWrapsWithoutProgress
// covers the window-overflow policy's escape hatch: if a full walk of the
// window can't bring the buffered count back under the bound (because the
// packets are held by a payload_num the walk can never reach, not merely
// one still assembling), FlushOverflow reports a Fatal error rather than
// spinning.
func TestPayloadReorder_FlushOverflowReportsFatalWhenWrapsWithoutProgress(t *testing.T) {
	w := NewWindow(2)
	a := NewPacketAssembler(w, false, 0)
	r := NewPayloadReorder(w, a)

	// payload_num 2 collides into the same slot as payload_num 0 (both map
	// to slot 0 in a 2-slot window) and never completes; current (0) never
	// gets allocated at all, so the walk's PayloadNum match at idx 0 never
	// finds anything to force into Error.
	for seq := uint16(0); seq < uint16(proto.MaxPacketOutOfOrderWindow); seq++ {
		_, err := a.OnPacket(packetN(2, seq, []byte("x"), false))
		require.NoError(t, err)
	}
	require.Equal(t, proto.MaxPacketOutOfOrderWindow, w.BufferedPacketCount)

	err := r.FlushOverflow()
	require.Error(t, err)
	kind, ok := transporterr.Of(err)
	require.True(t, ok)
	assert.Equal(t, transporterr.Fatal, kind)
}

// TestPayloadReorder_SeekMarksSkippedPayloadIgnoreUntilStale exercises the
// Ignore lifecycle state end to end: Seek parks a still-incomplete payload
// as Ignore rather than freeing its slot, and the slot stays refused to a
// different payload_num until it is stale enough for Acquire to reclaim it.
func TestPayloadReorder_SeekMarksSkippedPayloadIgnoreUntilStale(t *testing.T) {
	w := NewWindow(8)
	a := NewPacketAssembler(w, false, 0)
	r := NewPayloadReorder(w, a)

	// payload 0 gets one packet but never completes; payload 1 completes.
	_, err := a.OnPacket(packetN(0, 1, []byte("x"), false))
	require.NoError(t, err)
	_, err = a.OnPacket(packetZero(1, 2, []byte("cd")))
	require.NoError(t, err)

	r.Seek()
	assert.Equal(t, uint16(1), r.Current())

	st := w.Lookup(0)
	require.NotNil(t, st)
	assert.Equal(t, Ignore, st.State, "seek parks the skipped payload as Ignore rather than freeing it")
	assert.Equal(t, 0, st.PacketCount, "an ignored payload no longer counts toward the buffered total")

	// payload_num 8 shares slot 0 (window size 8) with the parked payload 0.
	// Not yet stale: Acquire refuses to hand the slot to the new payload.
	_, ok := w.Acquire(8, true)
	assert.False(t, ok, "payload_num 0's Ignore marker is still fresh")

	w.TotalPacketCount += uint64(proto.MaxPacketOutOfOrderWindow) + 1

	fresh, ok := w.Acquire(8, true)
	require.True(t, ok, "a stale Ignore marker is reclaimed for a new payload at the same slot")
	assert.Equal(t, uint16(8), fresh.PayloadNum)
	assert.Equal(t, InProgress, fresh.State)
}
