// Package endpoint implements spec.md §4.2: the per-connection Endpoint
// Manager actor and the per-endpoint Tx/Rx probe state machines that drive
// handshake, periodic liveness, and reset.
package endpoint

import (
	"time"

	"github.com/meshfabric/transport/proto"
)

// Side distinguishes the Tx-side and Rx-side probe state machines, which
// share a state enum but react to different events (spec.md §4.2).
type Side int

const (
	TxSide Side = iota
	RxSide
)

// StateName enumerates every probe state from spec.md §4.2, for both
// sides.
type StateName int

const (
	EfaStart StateName = iota
	WaitForStart
	SendReset
	Resetting
	EfaReset
	ResetDone
	SendProtocolVersion
	EfaProbe
	EfaConnected
	EfaConnectedPing
	Destroy
)

func (s StateName) String() string {
	switch s {
	case EfaStart:
		return "EfaStart"
	case WaitForStart:
		return "WaitForStart"
	case SendReset:
		return "SendReset"
	case Resetting:
		return "Resetting"
	case EfaReset:
		return "EfaReset"
	case ResetDone:
		return "ResetDone"
	case SendProtocolVersion:
		return "SendProtocolVersion"
	case EfaProbe:
		return "EfaProbe"
	case EfaConnected:
		return "EfaConnected"
	case EfaConnectedPing:
		return "EfaConnectedPing"
	case Destroy:
		return "Destroy"
	default:
		return "Unknown"
	}
}

// Hooks are the side effects a ProbeState triggers; all are optional.
type Hooks struct {
	SendCommand     func(cmd proto.ControlCommand)
	SendProbePacket func()
	RestartFabric   func()
	NotifyConnected func()
	NotifyDisconnected func(reason string)
	Destroy         func()
}

// ProbeState implements one side (Tx or Rx) of the per-endpoint probe state
// machine from spec.md §4.2, driven explicitly by Tick and the On* event
// methods rather than its own goroutine, so tests can step it
// deterministically (mirroring adapter.Mock.Pump's explicit-drive style).
type ProbeState struct {
	Side  Side
	State StateName
	Now   func() time.Time
	Hooks Hooks

	lastAction    time.Time
	retries       int
	probeCount    int
	missedPings   int
	resetAttempts int
	recentData    bool
	version       proto.ProtocolVersion
}

// NewProbeState constructs a ProbeState for side, starting in EfaStart. now
// defaults to time.Now if nil.
func NewProbeState(side Side, now func() time.Time, hooks Hooks) *ProbeState {
	if now == nil {
		now = time.Now
	}
	return &ProbeState{Side: side, State: EfaStart, Now: now, Hooks: hooks}
}

// Start begins the handshake: the Tx side immediately sends Reset; the Rx
// side moves to WaitForStart and listens for an incoming Reset.
func (p *ProbeState) Start() {
	if p.Side == TxSide {
		p.State = SendReset
		p.retries = 0
		p.sendReset()
	} else {
		p.State = WaitForStart
	}
}

func (p *ProbeState) sendReset() {
	p.lastAction = p.Now()
	if p.Hooks.SendCommand != nil {
		p.Hooks.SendCommand(proto.CommandReset)
	}
}

// Tick drives time-based transitions: Tx-side ack-timeout retries and
// periodic pings, Rx-side ping-monitor timeout. Call it from the poll loop
// on every pass.
func (p *ProbeState) Tick() {
	now := p.Now()
	switch p.State {
	case SendReset, Resetting:
		if p.Side == TxSide && now.Sub(p.lastAction) >= proto.TxCommandAckTimeoutMsec*time.Millisecond {
			p.retries++
			if p.retries > proto.TxCommandMaxRetries {
				p.State = EfaReset
				return
			}
			p.sendReset()
		}
	case SendProtocolVersion:
		if p.Side == TxSide && now.Sub(p.lastAction) >= proto.TxCommandAckTimeoutMsec*time.Millisecond {
			p.retries++
			if p.retries > proto.TxCommandMaxRetries {
				p.State = EfaReset
				return
			}
			p.lastAction = now
			if p.Hooks.SendCommand != nil {
				p.Hooks.SendCommand(proto.CommandProtocolVersion)
			}
		}
	case EfaConnected, EfaConnectedPing:
		if p.Side == TxSide {
			if p.State == EfaConnectedPing {
				// A ping is outstanding; if its ack hasn't landed within the
				// command ack timeout, count it missed (spec.md §4.2's "loss
				// of three consecutive ack ⇒ disconnection") and send
				// another rather than waiting out a full ping interval
				// before noticing.
				if now.Sub(p.lastAction) >= proto.TxCommandAckTimeoutMsec*time.Millisecond {
					p.OnPingAckTimeout()
					if p.State != EfaConnectedPing {
						return
					}
					p.lastAction = now
					if p.Hooks.SendCommand != nil {
						p.Hooks.SendCommand(proto.CommandPing)
					}
				}
				return
			}
			if now.Sub(p.lastAction) >= proto.SendPingCommandFrequencyMsec*time.Millisecond {
				p.lastAction = now
				p.State = EfaConnectedPing
				if p.Hooks.SendCommand != nil {
					p.Hooks.SendCommand(proto.CommandPing)
				}
			}
		} else {
			if now.Sub(p.lastAction) >= proto.RxPingMonitorTimeoutMsec*time.Millisecond {
				if p.recentData {
					// forgive: data still flowing on the data plane.
					p.lastAction = now
					p.recentData = false
					return
				}
				p.resetAttempts++
				if p.resetAttempts > proto.RxResetCommandMaxRetries {
					p.State = Destroy
					if p.Hooks.Destroy != nil {
						p.Hooks.Destroy()
					}
					return
				}
				if p.Hooks.NotifyDisconnected != nil {
					p.Hooks.NotifyDisconnected("ping monitor timeout")
				}
			}
		}
	}
}

// OnDataActivity marks that a data-plane packet has just arrived, used by
// the Rx side's ping-forgiveness rule (spec.md §4.2).
func (p *ProbeState) OnDataActivity() { p.recentData = true }

// OnAck handles a received Ack control packet (Tx side only): it advances
// SendReset→SendProtocolVersion, or (once a version >= MinNegotiatedVersion
// is confirmed) SendProtocolVersion→EfaProbe, sending the configured probe
// packets.
func (p *ProbeState) OnAck(acked proto.ControlCommand, negotiated proto.ProtocolVersion) {
	if p.Side != TxSide {
		return
	}
	switch {
	case p.State == SendReset && acked == proto.CommandReset:
		p.State = SendProtocolVersion
		p.retries = 0
		p.lastAction = p.Now()
		if p.Hooks.SendCommand != nil {
			p.Hooks.SendCommand(proto.CommandProtocolVersion)
		}
	case p.State == SendProtocolVersion && acked == proto.CommandProtocolVersion:
		if negotiated.ProbeVersionNum < proto.MinNegotiatedVersion {
			p.State = EfaReset
			return
		}
		p.version = negotiated
		p.State = EfaProbe
		p.probeCount = 0
		for i := 0; i < proto.EfaProbePacketCount; i++ {
			if p.Hooks.SendProbePacket != nil {
				p.Hooks.SendProbePacket()
			}
		}
	}
}

// OnReset handles a received Reset command (Rx side only): restarts the
// local fabric endpoint, then acks and waits for the Tx side's
// ProtocolVersion command (probe packets follow that exchange).
func (p *ProbeState) OnReset() {
	if p.Side != RxSide {
		return
	}
	p.State = Resetting
	if p.Hooks.RestartFabric != nil {
		p.Hooks.RestartFabric()
	}
	p.State = EfaReset
	p.State = ResetDone
	if p.Hooks.SendCommand != nil {
		p.Hooks.SendCommand(proto.CommandAck)
	}
	p.State = SendProtocolVersion // awaiting the Tx side's version command
	p.probeCount = 0
}

// OnProtocolVersion handles a received ProtocolVersion command (Rx side
// only): acks it and moves to expecting probe packets.
func (p *ProbeState) OnProtocolVersion(version proto.ProtocolVersion) {
	if p.Side != RxSide || p.State != SendProtocolVersion {
		return
	}
	p.version = version
	p.State = EfaProbe
	if p.Hooks.SendCommand != nil {
		p.Hooks.SendCommand(proto.CommandAck)
	}
}

// OnProbePacket handles one received data-plane probe packet (Rx side
// only): once EFA_PROBE_PACKET_COUNT have arrived, it announces Connected
// (no ack expected) and starts the ping monitor.
func (p *ProbeState) OnProbePacket() {
	if p.Side != RxSide || p.State != EfaProbe {
		return
	}
	p.probeCount++
	if p.probeCount >= proto.EfaProbePacketCount {
		p.State = EfaConnected
		p.lastAction = p.Now()
		p.resetAttempts = 0
		if p.Hooks.SendCommand != nil {
			p.Hooks.SendCommand(proto.CommandConnected)
		}
		if p.Hooks.NotifyConnected != nil {
			p.Hooks.NotifyConnected()
		}
	}
}

// OnConnected handles a received Connected command (Tx side only): the Rx
// side has finished receiving probe packets.
func (p *ProbeState) OnConnected() {
	if p.Side != TxSide || p.State != EfaProbe {
		return
	}
	p.State = EfaConnected
	p.lastAction = p.Now()
	if p.Hooks.NotifyConnected != nil {
		p.Hooks.NotifyConnected()
	}
}

// OnPing handles a received Ping command (Rx side only): resets the ping
// monitor deadline and forgives any pending reset-attempt count.
func (p *ProbeState) OnPing() {
	if p.Side != RxSide {
		return
	}
	p.lastAction = p.Now()
	p.resetAttempts = 0
	if p.Hooks.SendCommand != nil {
		p.Hooks.SendCommand(proto.CommandAck)
	}
}

// OnPingAckTimeout handles the Tx side missing 3 consecutive Ping acks,
// treated as disconnection (spec.md §4.2).
func (p *ProbeState) OnPingAckTimeout() {
	if p.Side != TxSide {
		return
	}
	p.missedPings++
	if p.missedPings >= 3 {
		p.State = EfaReset
		if p.Hooks.NotifyDisconnected != nil {
			p.Hooks.NotifyDisconnected("3 consecutive missed ping acks")
		}
	}
}

// OnPingAck clears the Tx side's missed-ping counter and, if a ping was
// outstanding, returns to EfaConnected so Tick schedules the next one a
// full ping interval out rather than immediately re-checking an ack
// timeout against a ping that has already landed.
func (p *ProbeState) OnPingAck() {
	p.missedPings = 0
	if p.Side == TxSide && p.State == EfaConnectedPing {
		p.State = EfaConnected
		p.lastAction = p.Now()
	}
}
