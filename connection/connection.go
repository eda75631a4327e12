// Package connection wires together the Adapter, Endpoint Manager, poll
// engine, Rx reassembly, and Tx accounting into spec.md §3's Connection —
// the single application-facing object a caller creates, starts, and tears
// down. It is the "glue" layer named in SPEC_FULL.md's component table.
package connection

import (
	"sync"

	"github.com/meshfabric/transport/adapter"
	"github.com/meshfabric/transport/config"
	"github.com/meshfabric/transport/endpoint"
	"github.com/meshfabric/transport/internal/logging"
	"github.com/meshfabric/transport/internal/signal"
	"github.com/meshfabric/transport/pollengine"
	"github.com/meshfabric/transport/proto"
	"github.com/meshfabric/transport/rxdelay"
	"github.com/meshfabric/transport/rxreorder"
	"github.com/meshfabric/transport/transporterr"
)

// txQueueDepth is passed to endpoint.NewManager as the depth of the
// Endpoint Manager's command channel. Each endpoint's Tx batch queue
// (spec.md §4.5's bounded, no-grow queue) is sized separately, to 256
// batches, inside endpoint.Manager; this constant does not affect it.
const txQueueDepth = 256

// PayloadHandler receives one emitted payload (or error) from an Rx
// endpoint, per spec.md §4.4's application delivery callback.
type PayloadHandler func(handle adapter.EndpointHandle, payload rxreorder.EmittedPayload)

// rxPipeline is the per-endpoint Rx reassembly state: packet assembler,
// ordered payload emitter, and an optional buffered-delay stage, all
// sharing one Window per spec.md §9's single-owner array design.
type rxPipeline struct {
	window   *rxreorder.Window
	packets  *rxreorder.PacketAssembler
	payloads *rxreorder.PayloadReorder
	delay    *rxdelay.Delayer // nil when buffer_delay_ms == 0 (off)
}

// Connection is spec.md §3's Connection: one application-facing endpoint
// pair, a direction, a data type, a shared log handle, and exactly one
// PollThread. It implements pollengine.Member so a poll thread can service
// it without depending on endpoint, adapter, or rxreorder directly.
type Connection struct {
	cfg    config.RxConnectionConfig
	log    *logging.Logger
	driver adapter.Adapter

	endpointConn *endpoint.Connection
	manager      *endpoint.Manager
	thread       *pollengine.PollThread

	onPayload PayloadHandler

	mu sync.Mutex
	rx map[adapter.EndpointHandle]*rxPipeline
}

// New constructs a Connection and its backing Endpoint Manager, but does
// not attach it to a PollThread or open any endpoints; call AttachThread
// and CreateEndpoint next. onStateChange and onPayload may be nil.
func New(cfg config.RxConnectionConfig, drv adapter.Adapter, log *logging.Logger,
	onStateChange func(ep *endpoint.Endpoint, connected bool, reason string),
	onPayload PayloadHandler,
) (*Connection, error) {
	cfg = cfg.Normalized()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = logging.Discard()
	}

	handle, err := drv.CreateConnection(adapter.ConnectionParams{Port: cfg.Port, DataType: int(cfg.DataType)})
	if err != nil {
		return nil, transporterr.Wrap(transporterr.AllocationFailed, "adapter create connection failed", err)
	}

	econn := &endpoint.Connection{
		Direction:      cfg.Direction,
		DataType:       cfg.DataType,
		Port:           cfg.Port,
		SharedThreadID: cfg.SharedThreadID,
		ThreadCore:     cfg.ThreadCore,
		Handle:         handle,
	}
	econn.Shutdown = signal.New()
	econn.TxWorkPending = signal.New()

	c := &Connection{
		cfg:          cfg,
		log:          logging.Named(log, "connection"),
		driver:       drv,
		endpointConn: econn,
		onPayload:    onPayload,
		rx:           make(map[adapter.EndpointHandle]*rxPipeline),
	}
	c.manager = endpoint.NewManager(econn, drv, txQueueDepth, onStateChange)
	return c, nil
}

// AttachThread registers c with pt, per spec.md §4.1's PollThreadConnectionAdd.
func (c *Connection) AttachThread(pt *pollengine.PollThread) {
	c.thread = pt
	pt.Add(c)
}

// DetachThread unregisters c from its PollThread, blocking until the poll
// loop acknowledges the removal (spec.md §4.1's add/remove handshake).
func (c *Connection) DetachThread() {
	if c.thread != nil {
		c.thread.Remove(c)
		c.thread = nil
	}
}

// CreateEndpoint opens a new remote peer on this Connection and, for Rx
// Connections, allocates its reassembly pipeline.
func (c *Connection) CreateEndpoint(remoteIP string, port int) (*endpoint.Endpoint, error) {
	ep, err := c.manager.CreateEndpoint(remoteIP, port)
	if err != nil {
		return nil, err
	}
	if c.cfg.Direction == config.DirectionReceive || c.cfg.Direction == config.DirectionBidirectional {
		c.mu.Lock()
		c.rx[ep.Handle] = c.newRxPipeline()
		c.mu.Unlock()
	}
	return ep, nil
}

func (c *Connection) newRxPipeline() *rxPipeline {
	window := rxreorder.NewWindow(c.cfg.MaxSimultaneousPayloads)
	packets := rxreorder.NewPacketAssembler(window, c.cfg.RxBufferType == config.RxBufferLinear, uint32(c.cfg.LinearBufferSize))
	p := &rxPipeline{
		window:   window,
		packets:  packets,
		payloads: rxreorder.NewPayloadReorder(window, packets),
	}
	if d := c.cfg.BufferDelay(); d > 0 {
		p.delay = rxdelay.NewDelayer(d, c.cfg.MaxSimultaneousPayloads, rxdelay.Clock{})
	}
	return p
}

// StartEndpoint begins the probe handshake for handle.
func (c *Connection) StartEndpoint(handle adapter.EndpointHandle) (*endpoint.Endpoint, error) {
	return c.manager.StartEndpoint(handle)
}

// ResetEndpoint forces Tx accounting to zero and restarts the probe
// handshake for handle; its Rx reassembly pipeline is discarded and
// recreated, since a reset invalidates any in-progress payload state.
func (c *Connection) ResetEndpoint(handle adapter.EndpointHandle) (*endpoint.Endpoint, error) {
	ep, err := c.manager.ResetEndpoint(handle)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	if _, ok := c.rx[handle]; ok {
		c.rx[handle] = c.newRxPipeline()
	}
	c.mu.Unlock()
	return ep, nil
}

// SetBackPressure implements spec.md §4.4's back-pressure edge case: while
// on, the Rx reassembly pipeline for handle stops emitting payloads (Tick
// still drains the fabric's completion queue, but onPayload is not
// invoked). Clearing it re-seeks the emitter forward (rxreorder.Seek) past
// any payload_num abandoned while paused, so a payload whose packets never
// arrive can't wedge delivery forever once the application is ready again.
func (c *Connection) SetBackPressure(handle adapter.EndpointHandle, on bool) {
	c.mu.Lock()
	pipe := c.rx[handle]
	c.mu.Unlock()
	if pipe == nil {
		return
	}
	wasOn := pipe.payloads.BackPressure
	pipe.payloads.BackPressure = on
	if wasOn && !on {
		pipe.payloads.Seek()
	}
}

// DestroyEndpoint tears down handle and its Rx reassembly pipeline, if any.
func (c *Connection) DestroyEndpoint(handle adapter.EndpointHandle) error {
	err := c.manager.DestroyEndpoint(handle)
	c.mu.Lock()
	delete(c.rx, handle)
	c.mu.Unlock()
	return err
}

// Close stops the Endpoint Manager and detaches from any PollThread. It
// does not destroy endpoints.
func (c *Connection) Close() {
	c.DetachThread()
	c.manager.Close()
}

// Tick implements pollengine.Member: one non-blocking service pass across
// every endpoint of this Connection, per spec.md §4.1's "for each endpoint:
// pop and send one Tx packet if permitted; process Rx free-buffer
// requests; and invoke adapter.Poll".
func (c *Connection) Tick() (busy bool) {
	notified, _ := c.manager.Poll()
	busy = notified

	for ep := c.manager.GetFirstEndpoint(); ep != nil; ep = c.manager.NextEndpoint() {
		ep.Probe.Tick()
		if c.tickEndpoint(ep) {
			busy = true
		}
	}
	return busy
}

func (c *Connection) tickEndpoint(ep *endpoint.Endpoint) (busy bool) {
	switch c.cfg.Direction {
	case config.DirectionReceive:
		busy = c.tickRx(ep)
	case config.DirectionSend:
		busy = c.tickTx(ep)
	default: // bidirectional
		if c.tickTx(ep) {
			busy = true
		}
		if c.tickRx(ep) {
			busy = true
		}
	}
	return busy
}

// tickTx pops and sends at most one Tx packet, per spec.md §4.1's
// at-most-one-packet-per-endpoint-per-pass rule, then drains the fabric's
// completion queue.
func (c *Connection) tickTx(ep *endpoint.Endpoint) (busy bool) {
	if c.driver.GetTransmitQueueLevel(ep.Handle) != adapter.QueueFull {
		if p := ep.TxQueue.PopOnePacket(); p != nil {
			// Sending failure from adapter.Send is not propagated to probe
			// logic (spec.md §4.1); the packet is simply not acked.
			_ = c.driver.Send(ep.Handle, p, true)
			ep.Stats.PacketsSent++
			busy = true
		}
	}
	result, err := c.driver.Poll(ep.Handle)
	if err == nil && result == adapter.PollOk {
		busy = true
	}
	return busy
}

// tickRx drains the fabric's completion queue and the ordered payload
// emitter (directly, or through the buffered-delay stage when configured).
func (c *Connection) tickRx(ep *endpoint.Endpoint) (busy bool) {
	result, err := c.driver.Poll(ep.Handle)
	if err == nil && result == adapter.PollOk {
		busy = true
	}

	c.mu.Lock()
	pipe := c.rx[ep.Handle]
	c.mu.Unlock()
	if pipe == nil {
		return busy
	}
	ep.Stats.BufferedPackets = pipe.window.BufferedPacketCount

	if err := pipe.payloads.FlushOverflow(); err != nil {
		// A full window wraparound without dropping below the bound means
		// every slot is stuck; the reassembly pipeline for this endpoint
		// cannot make further progress on its own.
		c.log.Err().Str("error", err.Error()).Log("rx reorder window overflow flush made no progress")
	}

	if pipe.delay != nil {
		// Error payloads bypass the delay stage entirely: there is no PTP
		// ordering to preserve for a payload that never completed, and
		// rxdelay.Payload has no field to carry the error through.
		for _, p := range pipe.drainReady() {
			if p.Err != nil {
				busy = true
				c.deliver(ep, p)
				continue
			}
			pipe.delay.Push(&rxdelay.Payload{OriginationPTP: p.OriginationPTP, Data: p.Data, UserData: p.UserData})
		}
		for {
			dp, ok := pipe.delay.Ready()
			if !ok {
				break
			}
			busy = true
			c.deliver(ep, rxreorder.EmittedPayload{Data: dp.Data, UserData: dp.UserData, OriginationPTP: dp.OriginationPTP})
		}
		return busy
	}

	for {
		p, ok := pipe.payloads.Next()
		if !ok {
			break
		}
		busy = true
		c.deliver(ep, p)
	}
	return busy
}

// drainReady drains every currently-ready payload from the ordered emitter,
// used ahead of the buffered-delay stage.
func (p *rxPipeline) drainReady() []rxreorder.EmittedPayload {
	var out []rxreorder.EmittedPayload
	for {
		v, ok := p.payloads.Next()
		if !ok {
			break
		}
		out = append(out, v)
	}
	return out
}

func (c *Connection) deliver(ep *endpoint.Endpoint, p rxreorder.EmittedPayload) {
	if p.Err != nil {
		ep.Stats.PayloadsError++
	} else {
		ep.Stats.PayloadsOK++
	}
	if c.onPayload != nil {
		c.onPayload(ep.Handle, p)
	}
}

// DeliverPacket feeds one fabric-delivered packet into the endpoint's Rx
// reassembly pipeline, per spec.md §2's "adapter delivers a packet via
// MessageFromEndpoint callback". Call this from the Adapter's message
// callback, registered separately (outside this module's scope — spec.md
// §6 leaves callback registration to the Adapter implementation).
//
// Control packets (proto.Packet.Control set) are routed to the Endpoint
// Manager's probe state machine instead of the Rx reassembly pipeline,
// since both data and control packets share the same adapter
// Send/MessageFunc path (spec.md §6).
func (c *Connection) DeliverPacket(handle adapter.EndpointHandle, p *proto.Packet) {
	if p.Control {
		c.manager.DeliverControlPacket(handle, p.SGL.Bytes())
		return
	}

	ep := c.manager.Endpoint(handle)
	if ep != nil {
		ep.Probe.OnDataActivity()
		if ep.Probe.Side == endpoint.RxSide && ep.Probe.State == endpoint.EfaProbe {
			ep.Probe.OnProbePacket()
		}
	}
	if p.Probe {
		// EfaProbe packets carry no real payload; they only exist to
		// exercise the data plane during the handshake (spec.md §4.2), so
		// they're never fed to Rx reassembly.
		return
	}

	c.mu.Lock()
	pipe := c.rx[handle]
	c.mu.Unlock()
	if pipe == nil {
		return
	}
	// Assembly errors transition the payload to Error state internally and
	// surface later through PayloadReorder.Next/rxdelay.Ready, not here.
	_, _ = pipe.packets.OnPacket(p)
}

// OnSendComplete feeds one adapter send-completion ack into the sending
// endpoint's Tx accounting, per spec.md §4.5's "adapter ack callback
// decrements tx_in_flight_ref_count". Call this from the Adapter's
// SendCompleteFunc, registered separately alongside DeliverPacket.
func (c *Connection) OnSendComplete(handle adapter.EndpointHandle, p *proto.Packet) {
	if p.Control || p.Probe {
		// control commands/acks and EfaProbe's data-plane probe packets
		// never pass through ep.TxQueue, so they have nothing to decrement
		// here.
		return
	}
	ep := c.manager.Endpoint(handle)
	if ep == nil {
		return
	}
	ep.TxQueue.Complete(p)
}

// IdleSignal implements pollengine.Member: the Connection wakes whenever
// its Endpoint Manager completes a command (create/start/reset/destroy),
// per spec.md §4.1. Per-endpoint Tx-work-pending wakeups are covered by the
// poll thread's bounded idle-wait timeout rather than a second signal here
// (see DESIGN.md for the rationale).
func (c *Connection) IdleSignal() *signal.Signal { return c.manager.Notify }

// IsPollStyleTransmitter implements pollengine.Member, per spec.md §4.1's
// "thread serves only transmitters AND the fabric is poll-style" idle
// condition.
func (c *Connection) IsPollStyleTransmitter() bool {
	return c.cfg.Direction == config.DirectionSend && c.driver.IsPollStyle()
}
