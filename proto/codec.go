package proto

import (
	"encoding/binary"
)

// Protocol-level constants from spec.md §4.2/§4.3/§4.6. Named exactly as
// spec.md names them (snake-ish -> Go constant names preserve the meaning).
const (
	SendResetCommandFrequencyMsec = 200
	TxCommandAckTimeoutMsec       = 100
	TxCommandMaxRetries           = 5
	EfaProbePacketCount           = 10
	SendPingCommandFrequencyMsec  = 1000
	RxPingMonitorTimeoutMsec      = 3500
	RxResetCommandMaxRetries      = 5

	MaxPacketOutOfOrderWindow = 1024

	ElapsedUTCTimeToleranceUs = 100
)

// Codec reports protocol-dependent sizing, mirroring the "Protocol codec
// (external)" collaborator named in spec.md §2: "report payload_num_max,
// header sizes, version negotiation". The core depends only on this
// interface, never on a concrete wire layout, so a real fabric SDK's codec
// can be substituted without touching the reassembly/probe logic.
type Codec interface {
	PayloadNumMax() uint16
	CommonHeaderSize() int
	Num0HeaderSize() int
	DataOffsetHeaderSize() int
	Encode(p *Packet) []byte
	Decode(buf []byte) (*Packet, error)
}

// controlFixedFields is the fixed-width part of the encoding used by
// EncodeControlHeader/DecodeControlHeader below (variable-length strings
// are length-prefixed).
const controlFixedFields = 1 + 4 + 2 + 32 + 4 + 2 + 2 + 2 + 2 // cmd, num, checksum, gid, streamid, destport, version(3x uint16)

// EncodeControlHeader serializes h, computing and embedding its checksum
// with the checksum field zeroed during the compute pass, per spec.md
// §4.2's validation rule (a).
func EncodeControlHeader(h ControlHeader) []byte {
	buf := encodeControlHeader(h, 0)
	sum := Checksum16(buf)
	return encodeControlHeader(h, sum)
}

func encodeControlHeader(h ControlHeader, checksum uint16) []byte {
	ip := []byte(h.SenderIP)
	name := []byte(h.SenderStreamName)

	buf := make([]byte, 0, controlFixedFields+2+len(ip)+2+len(name))
	var tmp [4]byte

	buf = append(buf, byte(h.Command))
	binary.BigEndian.PutUint32(tmp[:], h.ControlPacketNum)
	buf = append(buf, tmp[:]...)
	var tmp2 [2]byte
	binary.BigEndian.PutUint16(tmp2[:], checksum)
	buf = append(buf, tmp2[:]...)
	buf = append(buf, h.SenderGID[:]...)
	binary.BigEndian.PutUint32(tmp[:], h.SenderStreamID)
	buf = append(buf, tmp[:]...)
	binary.BigEndian.PutUint16(tmp2[:], h.SendersControlDestPort)
	buf = append(buf, tmp2[:]...)
	binary.BigEndian.PutUint16(tmp2[:], h.SendersVersion.ProbeVersionNum)
	buf = append(buf, tmp2[:]...)
	binary.BigEndian.PutUint16(tmp2[:], h.SendersVersion.Major)
	buf = append(buf, tmp2[:]...)
	binary.BigEndian.PutUint16(tmp2[:], h.SendersVersion.Minor)
	buf = append(buf, tmp2[:]...)

	binary.BigEndian.PutUint16(tmp2[:], uint16(len(ip)))
	buf = append(buf, tmp2[:]...)
	buf = append(buf, ip...)
	binary.BigEndian.PutUint16(tmp2[:], uint16(len(name)))
	buf = append(buf, tmp2[:]...)
	buf = append(buf, name...)

	return buf
}

// checksumOffset is the byte offset of the checksum field within the
// encoding produced by encodeControlHeader (command(1) + packetnum(4)).
const checksumOffset = 5

// DecodeControlHeader parses the encoding produced by EncodeControlHeader,
// returning the header, the number of bytes it consumed (so a caller can
// locate any command-specific trailer, e.g. EncodeAckPacket's fields), and
// whether its embedded checksum matches the recomputed one (spec.md §4.2
// validation rule (b)). The checksum is verified over the whole of buf, so
// callers that append a trailer before computing the checksum (as
// EncodeAckPacket does) must pass the full encoding, trailer included.
func DecodeControlHeader(buf []byte) (h ControlHeader, consumed int, checksumOK bool, err error) {
	if len(buf) < controlFixedFields+4 {
		return h, 0, false, errShortBuffer
	}

	wantChecksum := binary.BigEndian.Uint16(buf[checksumOffset : checksumOffset+2])

	zeroed := make([]byte, len(buf))
	copy(zeroed, buf)
	zeroed[checksumOffset] = 0
	zeroed[checksumOffset+1] = 0

	off := 0
	h.Command = ControlCommand(buf[off])
	off++
	h.ControlPacketNum = binary.BigEndian.Uint32(buf[off:])
	off += 4
	off += 2 // checksum field, already extracted
	copy(h.SenderGID[:], buf[off:off+32])
	off += 32
	h.SenderStreamID = binary.BigEndian.Uint32(buf[off:])
	off += 4
	h.SendersControlDestPort = binary.BigEndian.Uint16(buf[off:])
	off += 2
	h.SendersVersion.ProbeVersionNum = binary.BigEndian.Uint16(buf[off:])
	off += 2
	h.SendersVersion.Major = binary.BigEndian.Uint16(buf[off:])
	off += 2
	h.SendersVersion.Minor = binary.BigEndian.Uint16(buf[off:])
	off += 2

	if off+2 > len(buf) {
		return h, 0, false, errShortBuffer
	}
	ipLen := int(binary.BigEndian.Uint16(buf[off:]))
	off += 2
	if off+ipLen > len(buf) {
		return h, 0, false, errShortBuffer
	}
	h.SenderIP = string(buf[off : off+ipLen])
	off += ipLen

	if off+2 > len(buf) {
		return h, 0, false, errShortBuffer
	}
	nameLen := int(binary.BigEndian.Uint16(buf[off:]))
	off += 2
	if off+nameLen > len(buf) {
		return h, 0, false, errShortBuffer
	}
	h.SenderStreamName = string(buf[off : off+nameLen])
	off += nameLen

	gotChecksum := Checksum16(zeroed)
	return h, off, gotChecksum == wantChecksum, nil
}

// EncodeAckPacket serializes an Ack-variant control packet: the control
// header immediately followed by the acked command and its packet number,
// with the checksum computed over the whole encoding (header and trailer
// together) rather than just the header (spec.md §6's Ack variant).
func EncodeAckPacket(p AckPacket) []byte {
	p.ControlHeader.Command = CommandAck
	body := encodeControlHeader(p.ControlHeader, 0)
	var tmp [4]byte
	body = append(body, byte(p.AckedCommand))
	binary.BigEndian.PutUint32(tmp[:], p.AckedControlPacketNum)
	body = append(body, tmp[:]...)

	sum := Checksum16(body)
	buf := encodeControlHeader(p.ControlHeader, sum)
	buf = append(buf, byte(p.AckedCommand))
	buf = append(buf, tmp[:]...)
	return buf
}

// DecodeAckPacket parses the encoding produced by EncodeAckPacket.
func DecodeAckPacket(buf []byte) (p AckPacket, checksumOK bool, err error) {
	h, consumed, ok, err := DecodeControlHeader(buf)
	if err != nil {
		return p, false, err
	}
	if len(buf) < consumed+5 {
		return p, false, errShortBuffer
	}
	p.ControlHeader = h
	p.AckedCommand = ControlCommand(buf[consumed])
	p.AckedControlPacketNum = binary.BigEndian.Uint32(buf[consumed+1:])
	return p, ok, nil
}

var errShortBuffer = shortBufferError{}

type shortBufferError struct{}

func (shortBufferError) Error() string { return "proto: buffer too short to decode control header" }
