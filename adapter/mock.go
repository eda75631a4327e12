package adapter

import (
	"math/rand"
	"sync"

	"github.com/meshfabric/transport/proto"
	"github.com/meshfabric/transport/transporterr"
)

// Mock is a deterministic, in-memory Adapter standing in for the real
// fabric driver named as an external collaborator in spec.md §1/§6. It
// supports simulated packet loss and reordering so the test suite can
// exercise spec.md §8's testable properties without a real network.
//
// Mock is driven explicitly (via Pump), rather than by background
// goroutines sleeping on wall-clock time, so tests stay deterministic.
type Mock struct {
	mu sync.Mutex

	poll      bool
	onMessage MessageFunc
	onSend    SendCompleteFunc

	rng *rand.Rand

	// DropProbability drops a packet in Pump instead of delivering it.
	DropProbability float64
	// Shuffle randomizes in-flight packet order each Pump call.
	Shuffle bool

	inflight []inflightPacket
	nextConn ConnectionHandle
	nextEP   EndpointHandle
	queue    map[EndpointHandle]TransmitQueueLevel
	closed   bool
}

type inflightPacket struct {
	endpoint EndpointHandle
	packet   *proto.Packet
}

// NewMock constructs a Mock adapter. pollStyle selects whether Poll drains
// the simulated completion queue (true) or the adapter declares itself
// interrupt-like (false), mirroring spec.md §3's is_poll distinction.
func NewMock(pollStyle bool, onMessage MessageFunc, onSend SendCompleteFunc, seed int64) *Mock {
	return &Mock{
		poll:      pollStyle,
		onMessage: onMessage,
		onSend:    onSend,
		rng:       rand.New(rand.NewSource(seed)),
		queue:     make(map[EndpointHandle]TransmitQueueLevel),
	}
}

func (m *Mock) CreateConnection(ConnectionParams) (ConnectionHandle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextConn++
	return m.nextConn, nil
}

func (m *Mock) DestroyConnection(ConnectionHandle) error { return nil }

func (m *Mock) Open(conn ConnectionHandle, remoteIP string, port int) (EndpointHandle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextEP++
	m.queue[m.nextEP] = QueueEmpty
	return m.nextEP, nil
}

func (m *Mock) Close(ep EndpointHandle) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.queue, ep)
	return nil
}

func (m *Mock) Poll(EndpointHandle) (PollResult, error) {
	if m.poll {
		// The real poll-drain happens via Pump, which the test harness
		// calls explicitly; Poll itself is just the non-blocking "did anything happen"
		// probe, so it always reports Ok for a poll-style driver.
		return PollOk, nil
	}
	return PollInternalIdle, nil
}

func (m *Mock) GetTransmitQueueLevel(ep EndpointHandle) TransmitQueueLevel {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.queue[ep]
}

func (m *Mock) Send(ep EndpointHandle, packet *proto.Packet, flush bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return transporterr.New(transporterr.Fatal, "adapter shut down")
	}
	m.inflight = append(m.inflight, inflightPacket{endpoint: ep, packet: packet})
	return nil
}

func (m *Mock) RxBuffersFree(EndpointHandle, *proto.SGL) error { return nil }

func (m *Mock) GetPort(ConnectionHandle) (int, error) { return 0, nil }

func (m *Mock) Reset(EndpointHandle, bool) error { return nil }

func (m *Mock) Start(EndpointHandle) error { return nil }

func (m *Mock) Shutdown() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func (m *Mock) IsPollStyle() bool { return m.poll }

// Pump delivers every currently in-flight packet: it acks the sender side
// (via the configured SendCompleteFunc) and delivers the packet to the
// receiver side (via MessageFunc), applying DropProbability and Shuffle.
// It returns the number of packets delivered (acked packets that were
// dropped are still acked — Send succeeding is about enqueue, not
// delivery — but are not delivered to onMessage).
func (m *Mock) Pump() int {
	m.mu.Lock()
	batch := m.inflight
	m.inflight = nil
	m.mu.Unlock()

	if m.Shuffle {
		m.rng.Shuffle(len(batch), func(i, j int) { batch[i], batch[j] = batch[j], batch[i] })
	}

	delivered := 0
	for _, ip := range batch {
		if m.onSend != nil {
			m.onSend(ip.endpoint, ip.packet)
		}
		if m.DropProbability > 0 && m.rng.Float64() < m.DropProbability {
			continue
		}
		if m.onMessage != nil {
			m.onMessage(ip.endpoint, ip.packet)
			delivered++
		}
	}
	return delivered
}

// Pending reports how many packets are queued for the next Pump, without
// delivering them.
func (m *Mock) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.inflight)
}

// SetCallbacks rebinds the message and ack callbacks. A Connection is
// constructed from an already-existing Adapter (spec.md §3), so a test
// harness wiring two connections' Mocks together needs to construct each
// Mock first and attach the peer's DeliverPacket/TxQueue.Complete only once
// both Connections exist; SetCallbacks lets it do that without restarting
// the Mock.
func (m *Mock) SetCallbacks(onMessage MessageFunc, onSend SendCompleteFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onMessage = onMessage
	m.onSend = onSend
}
