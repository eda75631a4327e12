package endpoint

import (
	"context"
	"sort"
	"sync"

	"github.com/meshfabric/transport/adapter"
	"github.com/meshfabric/transport/config"
	"github.com/meshfabric/transport/internal/signal"
	"github.com/meshfabric/transport/proto"
	"github.com/meshfabric/transport/transporterr"
	"github.com/meshfabric/transport/txaccount"
)

// PollState is a Connection's lifecycle state (spec.md §3).
type PollState int

const (
	Start PollState = iota
	Running
	Stopping
	Stopped
)

// Connection is one application-facing endpoint pair, per spec.md §3.
type Connection struct {
	Direction      config.Direction
	DataType       config.DataType
	Port           int
	SharedThreadID int
	ThreadCore     int

	EndpointLock sync.Mutex
	Shutdown     *signal.Signal
	TxWorkPending *signal.Signal
	State        PollState

	// LoadState accumulates thread-utilization accounting (spec.md §4.1),
	// reset by the poll engine every snapshot period.
	LoadState struct {
		Busy  int64
		Total int64
	}

	Handle adapter.ConnectionHandle
}

// Endpoint is one remote peer participating in a Connection, per spec.md
// §3.
type Endpoint struct {
	Handle   adapter.EndpointHandle
	RemoteIP string
	Port     int

	Negotiated bool
	Probe      *ProbeState

	TxQueue   *txaccount.Queue
	TxWaiting int // count drained from the queue, awaiting send

	Stats Stats

	// controlPacketNum and lastPeer* track the control-plane sequencing and
	// most recent received command, for sendCommand's Ack variant and
	// DeliverControlPacket's dispatch (control.go).
	controlPacketNum   uint32
	lastPeerCommand    proto.ControlCommand
	lastPeerControlNum uint32
}

// Stats is the supplemented per-endpoint counter snapshot (SPEC_FULL.md §7
// item 1): not present in the distilled spec, added as ambient
// instrumentation for the statistics-publisher external collaborator.
type Stats struct {
	PacketsSent     uint64
	PacketsReceived uint64
	PacketsDropped  uint64
	PayloadsOK      uint64
	PayloadsError   uint64
	BufferedPackets int
}

// Snapshot returns a copy of ep's current counters, safe to hand to a
// statistics publisher running outside the poll thread that owns ep.
func (ep *Endpoint) Snapshot() Stats { return ep.Stats }

// command is one Manager actor command, per spec.md §4.2's "serialized
// command queue for create/start/reset/destroy".
type command struct {
	kind   commandKind
	params adapter.ConnectionParams
	ip     string
	port   int
	handle adapter.EndpointHandle
	result chan<- commandResult
}

type commandKind int

const (
	cmdCreate commandKind = iota
	cmdStart
	cmdReset
	cmdDestroy
)

type commandResult struct {
	endpoint *Endpoint
	err      error
}

// Manager is the per-Connection Endpoint Manager actor from spec.md §4.2:
// a serialized command queue for create/start/reset/destroy, draining on
// its own goroutine so commands run one at a time. The endpoint registry
// (endpoints, byHandle, cursor) is additionally guarded by mu, since the
// poll loop iterates and looks it up from another goroutine.
type Manager struct {
	conn    *Connection
	adapter adapter.Adapter

	cmds   chan command
	cancel context.CancelFunc

	mu        sync.Mutex
	endpoints []*Endpoint
	byHandle  map[adapter.EndpointHandle]*Endpoint
	cursor    int // get_first/next_endpoint iteration position

	// Notify is set whenever a command completes and the poll thread
	// should re-examine endpoint state (spec.md §4.2 "poll-thread
	// registration and notification signal").
	Notify *signal.Signal

	onStateChange func(ep *Endpoint, connected bool, reason string)
}

// NewManager constructs a Manager for conn, backed by drv, with queue
// depth for its command channel.
func NewManager(conn *Connection, drv adapter.Adapter, queueDepth int, onStateChange func(ep *Endpoint, connected bool, reason string)) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		conn:          conn,
		adapter:       drv,
		cmds:          make(chan command, queueDepth),
		cancel:        cancel,
		byHandle:      make(map[adapter.EndpointHandle]*Endpoint),
		Notify:        signal.New(),
		onStateChange: onStateChange,
	}
	go m.run(ctx)
	return m
}

func (m *Manager) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case c := <-m.cmds:
			m.process(c)
		}
	}
}

func (m *Manager) process(c command) {
	var ep *Endpoint
	var err error
	switch c.kind {
	case cmdCreate:
		ep, err = m.doCreate(c.ip, c.port)
	case cmdStart:
		ep, err = m.doStart(c.handle)
	case cmdReset:
		ep, err = m.doReset(c.handle)
	case cmdDestroy:
		err = m.doDestroy(c.handle)
	}
	m.Notify.Set()
	m.reply(c.result, ep, err)
}

func (m *Manager) reply(ch chan<- commandResult, ep *Endpoint, err error) {
	if ch != nil {
		ch <- commandResult{endpoint: ep, err: err}
	}
}

func (m *Manager) submit(c command) (*Endpoint, error) {
	result := make(chan commandResult, 1)
	c.result = result
	m.cmds <- c
	r := <-result
	return r.endpoint, r.err
}

// CreateEndpoint enqueues a create command and blocks for its result;
// spec.md §4.2's command queue is bounded but the caller is expected to
// wait for acknowledgement, same as EnqueueSendPackets's caller waits for
// QueueFull rather than silently dropping.
func (m *Manager) CreateEndpoint(remoteIP string, port int) (*Endpoint, error) {
	return m.submit(command{kind: cmdCreate, ip: remoteIP, port: port})
}

func (m *Manager) doCreate(remoteIP string, port int) (*Endpoint, error) {
	handle, err := m.adapter.Open(m.conn.Handle, remoteIP, port)
	if err != nil {
		return nil, transporterr.Wrap(transporterr.AllocationFailed, "adapter open failed", err)
	}
	side := TxSide
	if m.conn.Direction == config.DirectionReceive {
		side = RxSide
	}
	ep := &Endpoint{
		Handle:   handle,
		RemoteIP: remoteIP,
		Port:     port,
		TxQueue:  txaccount.NewQueue(256, nil),
	}
	ep.Probe = NewProbeState(side, nil, m.controlHooks(ep))

	m.mu.Lock()
	m.endpoints = append(m.endpoints, ep)
	m.byHandle[handle] = ep
	m.mu.Unlock()
	return ep, nil
}

func (m *Manager) notifyState(ep *Endpoint, connected bool, reason string) {
	if m.onStateChange != nil {
		m.onStateChange(ep, connected, reason)
	}
}

// StartEndpoint enqueues a start command: begins the probe handshake.
func (m *Manager) StartEndpoint(handle adapter.EndpointHandle) (*Endpoint, error) {
	return m.submit(command{kind: cmdStart, handle: handle})
}

func (m *Manager) doStart(handle adapter.EndpointHandle) (*Endpoint, error) {
	ep := m.lookup(handle)
	if ep == nil {
		return nil, transporterr.New(transporterr.InvalidHandle, "unknown endpoint handle")
	}
	if err := m.adapter.Start(handle); err != nil {
		return nil, transporterr.Wrap(transporterr.Fatal, "adapter start failed", err)
	}
	ep.Probe.Start()
	return ep, nil
}

// ResetEndpoint enqueues a reset command: forces Tx accounting to zero and
// restarts the probe handshake from EfaStart.
func (m *Manager) ResetEndpoint(handle adapter.EndpointHandle) (*Endpoint, error) {
	return m.submit(command{kind: cmdReset, handle: handle})
}

func (m *Manager) doReset(handle adapter.EndpointHandle) (*Endpoint, error) {
	ep := m.lookup(handle)
	if ep == nil {
		return nil, transporterr.New(transporterr.InvalidHandle, "unknown endpoint handle")
	}
	ep.TxQueue.Reset()
	if err := m.adapter.Reset(handle, true); err != nil {
		return nil, transporterr.Wrap(transporterr.Fatal, "adapter reset failed", err)
	}
	ep.Probe.State = EfaStart
	ep.Probe.Start()
	return ep, nil
}

// DestroyEndpoint enqueues a destroy command: closes the adapter-side
// endpoint and removes it from the manager's registry.
func (m *Manager) DestroyEndpoint(handle adapter.EndpointHandle) error {
	_, err := m.submit(command{kind: cmdDestroy, handle: handle})
	return err
}

func (m *Manager) doDestroy(handle adapter.EndpointHandle) error {
	if err := m.adapter.Close(handle); err != nil {
		return transporterr.Wrap(transporterr.Fatal, "adapter close failed", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.byHandle, handle)
	for i, ep := range m.endpoints {
		if ep.Handle == handle {
			m.endpoints = append(m.endpoints[:i], m.endpoints[i+1:]...)
			break
		}
	}
	return nil
}

func (m *Manager) lookup(handle adapter.EndpointHandle) *Endpoint {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.byHandle[handle]
}

// Endpoint looks up the Endpoint registered under handle, or nil if none.
func (m *Manager) Endpoint(handle adapter.EndpointHandle) *Endpoint {
	return m.lookup(handle)
}

// GetFirstEndpoint and NextEndpoint implement spec.md §4.2's
// get_first/next_endpoint iteration, used by the poll loop; the order is
// stable (sorted by handle) across calls that don't mutate the registry.
func (m *Manager) GetFirstEndpoint() *Endpoint {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sortedLocked()
	m.cursor = 0
	if len(m.endpoints) == 0 {
		return nil
	}
	return m.endpoints[0]
}

func (m *Manager) NextEndpoint() *Endpoint {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cursor++
	if m.cursor >= len(m.endpoints) {
		return nil
	}
	return m.endpoints[m.cursor]
}

func (m *Manager) sortedLocked() {
	sort.Slice(m.endpoints, func(i, j int) bool { return m.endpoints[i].Handle < m.endpoints[j].Handle })
}

// Poll is the cooperative, non-blocking step from spec.md §4.2: it reports
// whether the Notify signal is currently set (clearing it) and returns the
// endpoint the poll loop should service next, without itself blocking.
func (m *Manager) Poll() (notified bool, next *Endpoint) {
	notified = m.Notify.IsSet()
	m.Notify.Clear()
	return notified, m.GetFirstEndpoint()
}

// Close stops the Manager's goroutine. It does not destroy endpoints.
func (m *Manager) Close() { m.cancel() }

// Endpoints returns a snapshot of the currently registered endpoints, in
// stable handle order.
func (m *Manager) Endpoints() []*Endpoint {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sortedLocked()
	out := make([]*Endpoint, len(m.endpoints))
	copy(out, m.endpoints)
	return out
}
