// Package proto implements the wire formats from spec.md §6: the data-plane
// packet header variants and the control-plane probe/ack header, plus the
// scatter/gather buffer list and intrusive packet list used to move packets
// between pipeline stages without per-packet allocation churn.
package proto

// PayloadType selects which data-plane header variant a packet carries
// (spec.md §6).
type PayloadType uint8

const (
	PayloadTypeNum0 PayloadType = iota
	PayloadTypeDataOffset
	PayloadTypeCommon
)

// PTPTimestamp is a media origination timestamp (spec.md glossary).
type PTPTimestamp struct {
	Seconds     uint32
	Nanoseconds uint32
}

// CommonHeader is present on every data-plane packet (spec.md §6).
type CommonHeader struct {
	PayloadType        PayloadType
	PayloadNum         uint16
	PacketSequenceNum  uint16
	EncodedHeaderSize  uint16
}

// Num0Header additionally carries the fields only packet 0 of a payload
// transmits (spec.md §4.3 "Packet-zero dependence").
type Num0Header struct {
	CommonHeader
	TotalPayloadSize        uint32
	MaxLatencyMicrosecs     uint32
	OriginationPTPTimestamp PTPTimestamp
	PayloadUserData         uint64
	TxStartTimeMicroseconds uint64
	ExtraData               []byte
}

// DataOffsetHeader carries an explicit byte offset for linear-mode gather
// (spec.md §4.3).
type DataOffsetHeader struct {
	CommonHeader
	PayloadDataOffset uint32
}

// Fragment is one scatter/gather buffer fragment.
type Fragment struct {
	Data []byte
}

// SGL is a scatter/gather list: an ordered set of buffer fragments plus a
// running byte total, per the glossary definition.
type SGL struct {
	Fragments []Fragment
	TotalSize int
}

// Append adds a fragment and updates TotalSize.
func (s *SGL) Append(data []byte) {
	s.Fragments = append(s.Fragments, Fragment{Data: data})
	s.TotalSize += len(data)
}

// Bytes flattens the SGL into a single contiguous slice, for test
// assertions and for adapters that require a linear send buffer.
func (s *SGL) Bytes() []byte {
	if s == nil {
		return nil
	}
	out := make([]byte, 0, s.TotalSize)
	for _, f := range s.Fragments {
		out = append(out, f.Data...)
	}
	return out
}

// AckStatus is the per-packet transmit acknowledgement state.
type AckStatus int

const (
	AckPending AckStatus = iota
	AckAcked
	AckFailed
)

// Packet is a fabric-sized fragment of a payload: spec.md §3's unit of
// transfer between adapter and core, and the element of the intrusive Tx
// batch/waiting lists.
type Packet struct {
	Header     CommonHeader
	Num0       *Num0Header // non-nil only for PayloadTypeNum0, packet 0
	DataOffset *DataOffsetHeader
	SGL        SGL
	LastPacket bool
	Ack        AckStatus
	RemoteAddr string // socket-based adapters only

	// Control marks a packet as carrying a control-plane payload (an
	// EncodeControlHeader/EncodeAckPacket encoding in SGL) rather than
	// data-plane fragments, per spec.md §6: control and data packets share
	// the same adapter Send/MessageFunc path, distinguished by this flag.
	Control bool

	// Probe marks a data-plane packet sent by the handshake's EfaProbe step
	// (spec.md §4.2) rather than enqueued through a Connection's Tx queue,
	// so its send-completion ack is not mistaken for a queued packet's.
	Probe bool

	// next links Packet into an intrusive singly-linked list (Tx queue
	// batches, waiting lists) without a separate allocation, per spec.md §9
	// "Intrusive linked lists".
	next *Packet
}

// List is a singly-linked list of Packets, used for the Tx batch queue and
// waiting list (spec.md §3 "Packets belong to an intrusive singly-linked
// list for batched transfer between stages").
type List struct {
	head, tail *Packet
	count      int
}

// PushBack appends p (and any packets already chained after it) to the
// list.
func (l *List) PushBack(p *Packet) {
	if p == nil {
		return
	}
	tail := p
	n := 1
	for tail.next != nil {
		tail = tail.next
		n++
	}
	if l.tail == nil {
		l.head = p
	} else {
		l.tail.next = p
	}
	l.tail = tail
	l.count += n
}

// PopFront removes and returns the first packet, or nil if empty.
func (l *List) PopFront() *Packet {
	if l.head == nil {
		return nil
	}
	p := l.head
	l.head = p.next
	if l.head == nil {
		l.tail = nil
	}
	p.next = nil
	l.count--
	return p
}

// Len returns the number of packets currently linked.
func (l *List) Len() int { return l.count }

// Empty reports whether the list has no packets.
func (l *List) Empty() bool { return l.head == nil }

// Drain detaches and returns the whole list as a single Packet chain head,
// leaving l empty. Used to move a whole batch between the Tx queue and an
// endpoint's waiting list without per-packet copies.
func (l *List) Drain() *Packet {
	head := l.head
	l.head, l.tail, l.count = nil, nil, 0
	return head
}
