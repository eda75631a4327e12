// Package adapter defines the fabric driver vtable (spec.md §6) that the
// rest of the core treats as an external collaborator, plus a reference
// in-memory implementation (Mock) used across the test suite in place of a
// real kernel-bypass fabric.
package adapter

import (
	"github.com/meshfabric/transport/proto"
)

// PollResult is returned from Adapter.Poll (spec.md §6).
type PollResult int

const (
	PollOk PollResult = iota
	PollInternalIdle
)

// TransmitQueueLevel reports fabric send-queue fullness (spec.md §6), used
// by the Poll Engine to decide whether it may pop another Tx packet.
type TransmitQueueLevel int

const (
	QueueEmpty TransmitQueueLevel = iota
	QueueIntermediate
	QueueFull
	QueueNA
)

// EndpointHandle opaquely identifies one Endpoint to an Adapter.
type EndpointHandle uintptr

// ConnectionHandle opaquely identifies one Connection to an Adapter.
type ConnectionHandle uintptr

// SendCompleteFunc is invoked by an Adapter when a previously-sent packet
// is acknowledged by the fabric (spec.md §4.5's "adapter ack callback").
type SendCompleteFunc func(endpoint EndpointHandle, packet *proto.Packet)

// MessageFunc is invoked by an Adapter when a packet arrives for an
// endpoint (spec.md §2 "adapter delivers a packet via MessageFromEndpoint
// callback").
type MessageFunc func(endpoint EndpointHandle, packet *proto.Packet)

// Adapter is the fabric driver vtable from spec.md §6. Exactly one
// implementation is owned by this module (Mock, for tests); production
// fabric drivers implement this interface outside the core.
type Adapter interface {
	// CreateConnection allocates fabric-side state for a Connection.
	CreateConnection(cfg ConnectionParams) (ConnectionHandle, error)
	DestroyConnection(ConnectionHandle) error

	// Open establishes fabric-side state for one Endpoint of a Connection.
	Open(conn ConnectionHandle, remoteIP string, port int) (EndpointHandle, error)
	Close(EndpointHandle) error

	// Poll services the fabric's completion queue for one endpoint. A
	// driver that implements Poll declares itself poll-style (non-blocking,
	// never sleeps); a driver that omits meaningful work here and instead
	// relies on queue-wait is "interrupt-like" per spec.md §4.1.
	Poll(EndpointHandle) (PollResult, error)

	// GetTransmitQueueLevel reports send-queue fullness, consulted by the
	// Poll Engine before popping another Tx packet (spec.md §4.1).
	GetTransmitQueueLevel(EndpointHandle) TransmitQueueLevel

	// Send transmits one packet, non-blocking. A send error is not
	// propagated to probe logic (spec.md §4.1: "Sending failure from
	// adapter.Send is not propagated").
	Send(endpoint EndpointHandle, packet *proto.Packet, flush bool) error

	// RxBuffersFree returns a batch of Rx free buffers to the adapter.
	RxBuffersFree(endpoint EndpointHandle, sgl *proto.SGL) error

	GetPort(ConnectionHandle) (int, error)

	// Reset restarts fabric-side endpoint state; reopen requests the
	// driver also reopen the underlying transport (spec.md §4.2, Rx side
	// "restarts the local fabric endpoint").
	Reset(endpoint EndpointHandle, reopen bool) error

	Start(EndpointHandle) error

	Shutdown() error

	// IsPollStyle reports whether this driver is polled (no blocking) or
	// interrupt-like (can sleep on a queue signal), per spec.md §3's
	// PollThread.is_poll field. Absence of a real Poll implementation
	// declares the driver non-polled (spec.md §6).
	IsPollStyle() bool
}

// ConnectionParams is the subset of config.ConnectionConfig an Adapter
// needs to allocate fabric-side Connection state.
type ConnectionParams struct {
	Port     int
	DataType int
}
