package endpoint

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meshfabric/transport/proto"
)

// fakeClock lets tests advance time deterministically, without sleeping.
type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time   { return c.now }
func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func TestProbeState_TxHandshakeToConnected(t *testing.T) {
	clock := &fakeClock{now: time.Unix(0, 0)}
	var sent []proto.ControlCommand
	var probePackets int
	var connected bool

	tx := NewProbeState(TxSide, clock.Now, Hooks{
		SendCommand:     func(cmd proto.ControlCommand) { sent = append(sent, cmd) },
		SendProbePacket: func() { probePackets++ },
		NotifyConnected: func() { connected = true },
	})
	tx.Start()
	assert.Equal(t, SendReset, tx.State)
	assert.Equal(t, []proto.ControlCommand{proto.CommandReset}, sent)

	tx.OnAck(proto.CommandReset, proto.ProtocolVersion{})
	assert.Equal(t, SendProtocolVersion, tx.State)

	tx.OnAck(proto.CommandProtocolVersion, proto.ProtocolVersion{ProbeVersionNum: proto.MinNegotiatedVersion})
	assert.Equal(t, EfaProbe, tx.State)
	assert.Equal(t, proto.EfaProbePacketCount, probePackets)

	tx.OnConnected()
	assert.Equal(t, EfaConnected, tx.State)
	assert.True(t, connected)
}

func TestProbeState_TxRetriesThenResets(t *testing.T) {
	clock := &fakeClock{now: time.Unix(0, 0)}
	resends := 0
	tx := NewProbeState(TxSide, clock.Now, Hooks{
		SendCommand: func(proto.ControlCommand) { resends++ },
	})
	tx.Start()
	assert.Equal(t, 1, resends)

	for i := 0; i < proto.TxCommandMaxRetries; i++ {
		clock.Advance((proto.TxCommandAckTimeoutMsec + 1) * time.Millisecond)
		tx.Tick()
	}
	assert.Equal(t, SendReset, tx.State, "still retrying within the budget")
	assert.Equal(t, proto.TxCommandMaxRetries+1, resends)

	clock.Advance((proto.TxCommandAckTimeoutMsec + 1) * time.Millisecond)
	tx.Tick()
	assert.Equal(t, EfaReset, tx.State, "exhausted retries moves to EfaReset")
}

func TestProbeState_RxHandshakeToConnected(t *testing.T) {
	clock := &fakeClock{now: time.Unix(0, 0)}
	var acked []proto.ControlCommand
	var connected bool

	rx := NewProbeState(RxSide, clock.Now, Hooks{
		SendCommand:     func(cmd proto.ControlCommand) { acked = append(acked, cmd) },
		NotifyConnected: func() { connected = true },
	})
	rx.Start()
	assert.Equal(t, WaitForStart, rx.State)

	rx.OnReset()
	assert.Equal(t, SendProtocolVersion, rx.State)
	require.Contains(t, acked, proto.CommandAck)

	rx.OnProtocolVersion(proto.ProtocolVersion{ProbeVersionNum: proto.MinNegotiatedVersion})
	assert.Equal(t, EfaProbe, rx.State)

	for i := 0; i < proto.EfaProbePacketCount-1; i++ {
		rx.OnProbePacket()
		assert.Equal(t, EfaProbe, rx.State)
	}
	rx.OnProbePacket()
	assert.Equal(t, EfaConnected, rx.State)
	assert.True(t, connected)
}

func TestProbeState_RxForgivesMissedPingWithDataActivity(t *testing.T) {
	clock := &fakeClock{now: time.Unix(0, 0)}
	var disconnects int
	rx := NewProbeState(RxSide, clock.Now, Hooks{
		NotifyDisconnected: func(string) { disconnects++ },
	})
	rx.State = EfaConnectedPing
	rx.lastAction = clock.now

	rx.OnDataActivity()
	clock.Advance((proto.RxPingMonitorTimeoutMsec + 1) * time.Millisecond)
	rx.Tick()
	assert.Equal(t, 0, disconnects, "recent data activity forgives the missed ping")

	clock.Advance((proto.RxPingMonitorTimeoutMsec + 1) * time.Millisecond)
	rx.Tick()
	assert.Equal(t, 1, disconnects, "no data activity this time: reported as disconnected")
}

func TestProbeState_TxThreeMissedPingAcksDisconnects(t *testing.T) {
	tx := NewProbeState(TxSide, nil, Hooks{})
	tx.State = EfaConnected

	tx.OnPingAckTimeout()
	tx.OnPingAckTimeout()
	assert.Equal(t, EfaConnected, tx.State)
	tx.OnPingAckTimeout()
	assert.Equal(t, EfaReset, tx.State)
}

func TestProbeState_TxTickDisconnectsAfterThreeUnackedPings(t *testing.T) {
	clock := &fakeClock{now: time.Unix(0, 0)}
	var pings int
	var disconnectReason string
	tx := NewProbeState(TxSide, clock.Now, Hooks{
		SendCommand: func(cmd proto.ControlCommand) {
			if cmd == proto.CommandPing {
				pings++
			}
		},
		NotifyDisconnected: func(reason string) { disconnectReason = reason },
	})
	tx.State = EfaConnected
	tx.lastAction = clock.now

	clock.Advance(proto.SendPingCommandFrequencyMsec * time.Millisecond)
	tx.Tick()
	assert.Equal(t, EfaConnectedPing, tx.State, "first ping sent, awaiting ack")
	assert.Equal(t, 1, pings)

	// Three consecutive ack-timeout windows with no OnPingAck in between.
	for i := 0; i < 2; i++ {
		clock.Advance(proto.TxCommandAckTimeoutMsec * time.Millisecond)
		tx.Tick()
		assert.Equal(t, EfaConnectedPing, tx.State, "still under the 3-miss threshold")
	}
	assert.Equal(t, 3, pings, "a fresh ping is sent after each missed ack")
	assert.Empty(t, disconnectReason)

	clock.Advance(proto.TxCommandAckTimeoutMsec * time.Millisecond)
	tx.Tick()
	assert.Equal(t, EfaReset, tx.State, "third consecutive missed ack disconnects")
	assert.Equal(t, "3 consecutive missed ping acks", disconnectReason)
}

func TestProbeState_TxTickResumesPingScheduleAfterAck(t *testing.T) {
	clock := &fakeClock{now: time.Unix(0, 0)}
	var pings int
	tx := NewProbeState(TxSide, clock.Now, Hooks{
		SendCommand: func(cmd proto.ControlCommand) {
			if cmd == proto.CommandPing {
				pings++
			}
		},
	})
	tx.State = EfaConnected
	tx.lastAction = clock.now

	clock.Advance(proto.SendPingCommandFrequencyMsec * time.Millisecond)
	tx.Tick()
	assert.Equal(t, 1, pings)
	assert.Equal(t, EfaConnectedPing, tx.State)

	// Ack arrives well before the next ack-timeout window: the connection
	// returns to EfaConnected and waits out a full ping interval again,
	// rather than sending another ping right away.
	clock.Advance(1 * time.Millisecond)
	tx.OnPingAck()
	assert.Equal(t, EfaConnected, tx.State)

	clock.Advance(proto.TxCommandAckTimeoutMsec * time.Millisecond)
	tx.Tick()
	assert.Equal(t, 1, pings, "no new ping until the full ping interval elapses")

	clock.Advance(proto.SendPingCommandFrequencyMsec * time.Millisecond)
	tx.Tick()
	assert.Equal(t, 2, pings)
}
