package connection

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meshfabric/transport/adapter"
	"github.com/meshfabric/transport/config"
	"github.com/meshfabric/transport/endpoint"
	"github.com/meshfabric/transport/proto"
	"github.com/meshfabric/transport/rxreorder"
)

// wirePeers cross-connects two Mock adapters' callbacks to two Connections'
// DeliverPacket/OnSendComplete, simulating one fabric link between a Tx and
// an Rx Connection. Each side must create exactly one endpoint, in the same
// call order, so the two Mocks' independent handle counters coincide
// (adapter.Mock has no cross-adapter addressing of its own — see
// DESIGN.md).
func wirePeers(tx, rx *Connection, mockTx, mockRx *adapter.Mock) {
	mockTx.SetCallbacks(rx.DeliverPacket, tx.OnSendComplete)
	mockRx.SetCallbacks(tx.DeliverPacket, rx.OnSendComplete)
}

func newTestPair(t *testing.T) (*Connection, *Connection, *adapter.Mock, *adapter.Mock) {
	t.Helper()
	mockTx := adapter.NewMock(true, nil, nil, 1)
	mockRx := adapter.NewMock(true, nil, nil, 2)

	txCfg := config.RxConnectionConfig{ConnectionConfig: config.ConnectionConfig{
		Direction: config.DirectionSend, Port: 4791, SharedThreadID: -1, ThreadCore: -1,
	}}
	rxCfg := config.RxConnectionConfig{ConnectionConfig: config.ConnectionConfig{
		Direction: config.DirectionReceive, Port: 4791, SharedThreadID: -1, ThreadCore: -1,
	}}

	tx, err := New(txCfg, mockTx, nil, nil, nil)
	require.NoError(t, err)
	rx, err := New(rxCfg, mockRx, nil, nil, nil)
	require.NoError(t, err)

	wirePeers(tx, rx, mockTx, mockRx)
	return tx, rx, mockTx, mockRx
}

func TestConnection_HandshakeReachesConnectedOnBothSides(t *testing.T) {
	tx, rx, mockTx, mockRx := newTestPair(t)
	defer tx.Close()
	defer rx.Close()

	epTx, err := tx.CreateEndpoint("10.0.0.2", 4791)
	require.NoError(t, err)
	epRx, err := rx.CreateEndpoint("10.0.0.1", 4791)
	require.NoError(t, err)

	_, err = rx.StartEndpoint(epRx.Handle)
	require.NoError(t, err)
	_, err = tx.StartEndpoint(epTx.Handle)
	require.NoError(t, err)
	assert.Equal(t, endpoint.SendReset, epTx.Probe.State, "Tx side immediately sends Reset on Start")

	// Reset -> Ack(Reset) -> ProtocolVersion -> Ack(ProtocolVersion) -> 10
	// probe packets -> Connected, pumping each hop of the handshake as it's
	// produced.
	require.Equal(t, 1, mockTx.Pump(), "Reset")
	require.Equal(t, 1, mockRx.Pump(), "Ack(Reset)")
	require.Equal(t, 1, mockTx.Pump(), "ProtocolVersion")
	require.Equal(t, 1, mockRx.Pump(), "Ack(ProtocolVersion)")
	require.Equal(t, proto.EfaProbePacketCount, mockTx.Pump(), "probe packets")
	require.Equal(t, 1, mockRx.Pump(), "Connected")

	assert.Equal(t, endpoint.EfaConnected, epTx.Probe.State)
	assert.Equal(t, endpoint.EfaConnected, epRx.Probe.State)
	assert.Equal(t, 0, mockTx.Pending())
	assert.Equal(t, 0, mockRx.Pending())
}

func connectPair(t *testing.T) (tx, rx *Connection, epTx, epRx *endpoint.Endpoint, mockTx, mockRx *adapter.Mock) {
	t.Helper()
	tx, rx, mockTx, mockRx = newTestPair(t)
	var err error
	epTx, err = tx.CreateEndpoint("10.0.0.2", 4791)
	require.NoError(t, err)
	epRx, err = rx.CreateEndpoint("10.0.0.1", 4791)
	require.NoError(t, err)
	_, err = rx.StartEndpoint(epRx.Handle)
	require.NoError(t, err)
	_, err = tx.StartEndpoint(epTx.Handle)
	require.NoError(t, err)

	mockTx.Pump()
	mockRx.Pump()
	mockTx.Pump()
	mockRx.Pump()
	mockTx.Pump()
	mockRx.Pump()
	require.Equal(t, endpoint.EfaConnected, epTx.Probe.State)
	require.Equal(t, endpoint.EfaConnected, epRx.Probe.State)
	return tx, rx, epTx, epRx, mockTx, mockRx
}

func TestConnection_DataPayloadDeliveredAfterHandshake(t *testing.T) {
	tx, rx, epTx, epRx, mockTx, _ := connectPair(t)
	defer tx.Close()
	defer rx.Close()

	var delivered []rxreorder.EmittedPayload
	rx.onPayload = func(handle adapter.EndpointHandle, p rxreorder.EmittedPayload) {
		delivered = append(delivered, p)
	}

	data := []byte("hello mesh")
	pkt := &proto.Packet{
		Header:     proto.CommonHeader{PayloadType: proto.PayloadTypeNum0},
		Num0:       &proto.Num0Header{TotalPayloadSize: uint32(len(data))},
		LastPacket: true,
	}
	pkt.SGL.Append(data)

	var list proto.List
	list.PushBack(pkt)
	require.NoError(t, epTx.TxQueue.Enqueue(&list))

	assert.True(t, tx.Tick(), "popping and sending the queued packet counts as busy")
	assert.Equal(t, 1, mockTx.Pump())

	assert.True(t, rx.Tick(), "draining the newly-assembled payload counts as busy")

	require.Len(t, delivered, 1)
	assert.Equal(t, data, delivered[0].Data)
	assert.NoError(t, delivered[0].Err)
	assert.Equal(t, uint64(1), epTx.Stats.PacketsSent)
	assert.Equal(t, uint64(1), epRx.Stats.PayloadsOK)
}

func TestConnection_BackPressureHoldsDeliveryUntilReleased(t *testing.T) {
	tx, rx, epTx, epRx, mockTx, _ := connectPair(t)
	defer tx.Close()
	defer rx.Close()

	var delivered []rxreorder.EmittedPayload
	rx.onPayload = func(handle adapter.EndpointHandle, p rxreorder.EmittedPayload) {
		delivered = append(delivered, p)
	}

	rx.SetBackPressure(epRx.Handle, true)

	data := []byte("held back")
	pkt := &proto.Packet{
		Header:     proto.CommonHeader{PayloadType: proto.PayloadTypeNum0},
		Num0:       &proto.Num0Header{TotalPayloadSize: uint32(len(data))},
		LastPacket: true,
	}
	pkt.SGL.Append(data)
	var list proto.List
	list.PushBack(pkt)
	require.NoError(t, epTx.TxQueue.Enqueue(&list))

	tx.Tick()
	mockTx.Pump()

	rx.Tick()
	assert.Empty(t, delivered, "back pressure holds the completed payload back from delivery")

	rx.SetBackPressure(epRx.Handle, false)
	rx.Tick()
	require.Len(t, delivered, 1, "releasing back pressure lets the held payload through")
	assert.Equal(t, data, delivered[0].Data)
}
