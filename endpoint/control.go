package endpoint

import (
	"github.com/meshfabric/transport/adapter"
	"github.com/meshfabric/transport/proto"
)

// controlHooks builds the Hooks wiring a ProbeState's SendCommand,
// SendProbePacket and RestartFabric side effects to real adapter I/O
// (spec.md §4.2/§6): commands are encoded as proto.ControlHeader packets
// (or proto.AckPacket for CommandAck) and handed to the adapter's Send,
// same path data packets use but flagged Control so the peer's
// DeliverControlPacket routes them back into a ProbeState instead of the
// Rx reassembly pipeline.
func (m *Manager) controlHooks(ep *Endpoint) Hooks {
	return Hooks{
		SendCommand:        func(cmd proto.ControlCommand) { m.sendCommand(ep, cmd) },
		SendProbePacket:    func() { m.sendProbePacket(ep) },
		RestartFabric:      func() { m.restartFabric(ep) },
		NotifyConnected:    func() { m.notifyState(ep, true, "") },
		NotifyDisconnected: func(reason string) { m.notifyState(ep, false, reason) },
		// Destroy fires from within ProbeState.Tick, which runs on the poll
		// loop's goroutine mid-iteration over Manager's endpoint list; run
		// the actual destroy asynchronously rather than submitting straight
		// into the command queue, so the current iteration finishes over a
		// stable slice instead of racing doDestroy's splice.
		Destroy: func() { go m.DestroyEndpoint(ep.Handle) },
	}
}

func (ep *Endpoint) nextControlPacketNum() uint32 {
	ep.controlPacketNum++
	return ep.controlPacketNum
}

// DefaultProtocolVersion is the version every endpoint declares during the
// SendProtocolVersion handshake step and echoes back in every Ack (spec.md
// §4.2 requires the negotiated ProbeVersionNum to be >= MinNegotiatedVersion;
// this module implements exactly one wire version, so negotiation always
// succeeds between two instances of this package).
var DefaultProtocolVersion = proto.ProtocolVersion{ProbeVersionNum: proto.MinNegotiatedVersion, Major: 1, Minor: 0}

// sendCommand transmits cmd as a control packet. CommandAck is special:
// the Rx side acks whatever command it just processed, so ackedCommand and
// ackedControlPacketNum (tracked on Endpoint as the last-seen peer command)
// ride along as the Ack-variant's extra fields.
func (m *Manager) sendCommand(ep *Endpoint, cmd proto.ControlCommand) {
	num := ep.nextControlPacketNum()
	var buf []byte
	if cmd == proto.CommandAck {
		buf = proto.EncodeAckPacket(proto.AckPacket{
			ControlHeader: proto.ControlHeader{
				ControlPacketNum: num,
				SendersVersion:   DefaultProtocolVersion,
			},
			AckedCommand:          ep.lastPeerCommand,
			AckedControlPacketNum: ep.lastPeerControlNum,
		})
	} else {
		buf = proto.EncodeControlHeader(proto.ControlHeader{
			Command:          cmd,
			ControlPacketNum: num,
			SendersVersion:   DefaultProtocolVersion,
		})
	}
	pkt := &proto.Packet{Control: true}
	pkt.SGL.Append(buf)

	// Sending failure from adapter.Send is not propagated to probe logic
	// (spec.md §4.1): a dropped control packet is recovered by the Tx
	// side's ack-timeout retry, same as a dropped data packet.
	_ = m.adapter.Send(ep.Handle, pkt, true)
}

// sendProbePacket transmits one data-plane probe packet: a minimal Num0
// packet with no payload, used only to exercise the data plane during the
// EfaProbe handshake step (spec.md §4.2).
func (m *Manager) sendProbePacket(ep *Endpoint) {
	pkt := &proto.Packet{
		Header:     proto.CommonHeader{PayloadType: proto.PayloadTypeNum0},
		Num0:       &proto.Num0Header{TotalPayloadSize: 0},
		LastPacket: true,
		Probe:      true,
	}
	_ = m.adapter.Send(ep.Handle, pkt, true)
}

// restartFabric implements the Rx side's OnReset effect: re-initialize the
// adapter-side endpoint state, mirroring doReset's reopen call.
func (m *Manager) restartFabric(ep *Endpoint) {
	_ = m.adapter.Reset(ep.Handle, true)
}

// DeliverControlPacket decodes a control-plane packet and dispatches it to
// handle's ProbeState, per spec.md §4.2's validation rules: a checksum
// failure or unknown endpoint silently drops the packet (no ack, no state
// change), same as a corrupted data packet is dropped by the Rx reorder
// stage.
func (m *Manager) DeliverControlPacket(handle adapter.EndpointHandle, raw []byte) {
	ep := m.lookup(handle)
	if ep == nil {
		return
	}

	if len(raw) == 0 {
		return
	}
	cmd := proto.ControlCommand(raw[0])

	if cmd == proto.CommandAck {
		ack, ok, err := proto.DecodeAckPacket(raw)
		if err != nil || !ok {
			return
		}
		if ack.AckedCommand == proto.CommandPing {
			ep.Probe.OnPingAck()
			return
		}
		ep.Probe.OnAck(ack.AckedCommand, ack.SendersVersion)
		return
	}

	h, _, ok, err := proto.DecodeControlHeader(raw)
	if err != nil || !ok {
		return
	}
	ep.lastPeerCommand = h.Command
	ep.lastPeerControlNum = h.ControlPacketNum

	switch h.Command {
	case proto.CommandReset:
		ep.Probe.OnReset()
	case proto.CommandProtocolVersion:
		ep.Probe.OnProtocolVersion(h.SendersVersion)
	case proto.CommandPing:
		ep.Probe.OnPing()
	case proto.CommandConnected:
		ep.Probe.OnConnected()
	}
}
