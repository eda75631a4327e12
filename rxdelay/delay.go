// Package rxdelay implements spec.md §4.6: the optional Rx buffered-delay
// consumer that orders completed payloads by origination PTP timestamp and
// emits them after a configured delay, reconciling monotonic and UTC
// clocks.
package rxdelay

import (
	"time"

	"github.com/meshfabric/transport/internal/ring"
	"github.com/meshfabric/transport/proto"
)

// Payload is one payload queued for delayed delivery.
type Payload struct {
	OriginationPTP proto.PTPTimestamp
	Data           []byte
	UserData       uint64
}

// ptpNanos converts a PTPTimestamp to a single ordering key. The ring
// buffer sorts on this key directly (spec.md §9's design note: use the
// ring buffer's composite-key idiom, generalized here to one field since
// Go can represent the full PTP range in a 64-bit nanosecond count without
// needing to pack a tiebreak into spare bits).
func ptpNanos(ts proto.PTPTimestamp) int64 {
	return int64(ts.Seconds)*1e9 + int64(ts.Nanoseconds)
}

// Clock supplies the two time sources the delay consumer reconciles
// (spec.md §4.6): Monotonic for a jump-free elapsed-time measurement, UTC
// for comparison against the wall-clock-origin PTP timestamps. Both
// default to the real clock; tests inject a fake to stay deterministic.
type Clock struct {
	Monotonic func() time.Time
	UTC       func() time.Time
}

func defaultClock() Clock {
	return Clock{Monotonic: time.Now, UTC: time.Now}
}

// Delayer orders completed payloads by origination PTP timestamp and
// releases the head once the configured delay has elapsed, per spec.md
// §4.6. Endpoint-local; not safe for concurrent use (same single-owner
// discipline as rxreorder.Window).
type Delayer struct {
	buf     *ring.Sorted[int64]
	byKey   map[int64][]*Payload
	clock   Clock
	delay   time.Duration
	baseUTC time.Time // the PTP timestamp of the anchor payload
	wallUTC time.Time // real UTC clock reading when the base was set
	wallMono time.Time // real monotonic clock reading when the base was set
	baseSet bool
}

// NewDelayer constructs a Delayer with the given delay and ring capacity
// (rounded up to the next power of two by the caller's choice of size; see
// config.RxConnectionConfig.MaxSimultaneousPayloads for the usual
// source). clock may be zero-valued to use the real wall clock.
func NewDelayer(delay time.Duration, capacity int, clock Clock) *Delayer {
	if clock.Monotonic == nil || clock.UTC == nil {
		clock = defaultClock()
	}
	return &Delayer{
		buf:   ring.NewSorted[int64](capacity),
		byKey: make(map[int64][]*Payload),
		clock: clock,
		delay: delay,
	}
}

// Push inserts p into the delay-ordered buffer.
func (d *Delayer) Push(p *Payload) {
	key := ptpNanos(p.OriginationPTP)
	d.buf.Insert(key)
	d.byKey[key] = append(d.byKey[key], p)
}

// Len reports the number of buffered payloads.
func (d *Delayer) Len() int { return d.buf.Len() }

// Ready reports whether the head payload's delay has elapsed and, if so,
// pops and returns it. Call this periodically from the consumer thread
// (spec.md §4.6's "consumer thread pops the head when elapsed_time >=
// (timestamp - base_timestamp)").
func (d *Delayer) Ready() (*Payload, bool) {
	key, ok := d.buf.Peek()
	if !ok {
		return nil, false
	}

	ts := time.Unix(0, key)
	if !d.baseSet || d.outOfRange(ts) {
		d.resetBase(ts)
	}

	// target is how much further in real time this payload should be held
	// past the anchor's own release, expressed as its PTP offset from the
	// anchor plus the configured delay.
	target := d.delay + ts.Sub(d.baseUTC)
	if d.elapsedSinceBase() < target {
		return nil, false
	}
	return d.pop(key), true
}

// outOfRange reports whether ts is further than the configured delay in
// the future or past of the current base, per spec.md §4.6 ("if a
// payload's timestamp is further than buffer_delay_us in the future or
// past, the base times are reset").
func (d *Delayer) outOfRange(ts time.Time) bool {
	diff := ts.Sub(d.baseUTC)
	if diff < 0 {
		diff = -diff
	}
	return diff > d.delay
}

// resetBase anchors base_timestamp to ts (spec.md §4.6): the
// buffered-delay consumer re-bases whenever a payload's PTP timestamp
// drifts out of range of the running anchor.
func (d *Delayer) resetBase(ts time.Time) {
	d.baseUTC = ts
	d.wallUTC = d.clock.UTC()
	d.wallMono = d.clock.Monotonic()
	d.baseSet = true
}

// elapsedSinceBase returns real wall-clock time since the base was set,
// reconciling UTC and monotonic clocks: if they disagree by more than
// ElapsedUTCTimeTolerance, the monotonic reading is trusted (guards
// against wall-clock jumps), per spec.md §4.6.
func (d *Delayer) elapsedSinceBase() time.Duration {
	utcElapsed := d.clock.UTC().Sub(d.wallUTC)
	monoElapsed := d.clock.Monotonic().Sub(d.wallMono)
	diff := utcElapsed - monoElapsed
	if diff < 0 {
		diff = -diff
	}
	if diff > ElapsedUTCTimeTolerance {
		return monoElapsed
	}
	return utcElapsed
}

// ElapsedUTCTimeTolerance is the maximum UTC/monotonic disagreement before
// falling back to monotonic (spec.md §4.6's ELAPSED_UTC_TIME_TOLERANCE_US).
const ElapsedUTCTimeTolerance = 100 * time.Microsecond

// DrainBatch pops up to maxSize ready payloads in one call, a bounded-size
// drain of whatever is already due (SPEC_FULL.md §7 item 3's supplemented
// batch-drain helper; Delayer is polled rather than channel-fed, so there's
// no wait involved, just the cap). maxSize <= 0 drains everything currently
// ready.
func (d *Delayer) DrainBatch(maxSize int) []*Payload {
	var out []*Payload
	for maxSize <= 0 || len(out) < maxSize {
		p, ok := d.Ready()
		if !ok {
			break
		}
		out = append(out, p)
	}
	return out
}

func (d *Delayer) pop(key int64) *Payload {
	q := d.byKey[key]
	p := q[0]
	if len(q) == 1 {
		delete(d.byKey, key)
	} else {
		d.byKey[key] = q[1:]
	}
	d.buf.RemoveFront(1)
	return p
}
