package proto

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChecksum16_RoundTrips(t *testing.T) {
	data := []byte("the quick brown fox jumps over the lazy dog")
	sum := Checksum16(data)
	assert.True(t, VerifyChecksum16(data, sum))
	assert.False(t, VerifyChecksum16(data, sum^0xFFFF))
}

func TestChecksum16_OddLength(t *testing.T) {
	// exercises the trailing-byte branch (odd-length input).
	data := []byte{0x01, 0x02, 0x03}
	sum := Checksum16(data)
	assert.True(t, VerifyChecksum16(data, sum))
}

func TestControlHeader_EncodeDecodeRoundTrips(t *testing.T) {
	h := ControlHeader{
		Command:          CommandProtocolVersion,
		ControlPacketNum: 42,
		SenderGID:        [32]byte{1, 2, 3},
		SenderIP:         "10.0.0.5",
		SenderStreamName: "stream-a",
		SenderStreamID:   7,
		SendersControlDestPort: 4791,
		SendersVersion:   ProtocolVersion{ProbeVersionNum: 3, Major: 1, Minor: 2},
	}

	buf := EncodeControlHeader(h)
	got, _, ok, err := DecodeControlHeader(buf)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, h.Command, got.Command)
	assert.Equal(t, h.ControlPacketNum, got.ControlPacketNum)
	assert.Equal(t, h.SenderGID, got.SenderGID)
	assert.Equal(t, h.SenderIP, got.SenderIP)
	assert.Equal(t, h.SenderStreamName, got.SenderStreamName)
	assert.Equal(t, h.SenderStreamID, got.SenderStreamID)
	assert.Equal(t, h.SendersControlDestPort, got.SendersControlDestPort)
	assert.Equal(t, h.SendersVersion, got.SendersVersion)
}

func TestControlHeader_CorruptedChecksumDetected(t *testing.T) {
	buf := EncodeControlHeader(ControlHeader{Command: CommandReset, SenderIP: "10.0.0.1"})
	// corrupt the last byte of the variable-length SenderIP field; the
	// encoding ends with the empty SenderStreamName's 2-byte length.
	buf[len(buf)-3] ^= 0xFF

	_, _, ok, err := DecodeControlHeader(buf)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestControlHeader_ShortBufferErrors(t *testing.T) {
	_, _, _, err := DecodeControlHeader([]byte{1, 2, 3})
	require.Error(t, err)
}

func TestAckPacket_EncodeDecodeRoundTrips(t *testing.T) {
	p := AckPacket{
		ControlHeader: ControlHeader{
			ControlPacketNum: 9,
			SenderIP:         "10.0.0.9",
			SenderStreamName: "s",
		},
		AckedCommand:          CommandReset,
		AckedControlPacketNum: 3,
	}

	buf := EncodeAckPacket(p)
	got, ok, err := DecodeAckPacket(buf)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, CommandAck, got.Command, "EncodeAckPacket forces the Ack command")
	assert.Equal(t, p.AckedCommand, got.AckedCommand)
	assert.Equal(t, p.AckedControlPacketNum, got.AckedControlPacketNum)
	assert.Equal(t, p.SenderIP, got.SenderIP)
}

func TestAckPacket_CorruptedChecksumDetected(t *testing.T) {
	buf := EncodeAckPacket(AckPacket{AckedCommand: CommandPing, AckedControlPacketNum: 1})
	buf[len(buf)-1] ^= 0xFF

	_, ok, err := DecodeAckPacket(buf)
	require.NoError(t, err)
	assert.False(t, ok)
}
