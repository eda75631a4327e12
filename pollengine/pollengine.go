// Package pollengine implements spec.md §4.1: a PollThread services a
// dynamic list of Connections with one of two strategies (fabric-polling or
// interrupt/queue-wait), going idle only when every member reports no work
// and every member is a poll-style transmitter.
package pollengine

import (
	"context"
	"sync"
	"time"

	"github.com/meshfabric/transport/internal/signal"
)

// Member is one Connection's poll contribution, serviced once per pass.
// Connection implements this; PollThread is deliberately ignorant of
// adapters, endpoints, or Tx/Rx details, so it can service control and data
// connections alike without importing either package.
type Member interface {
	// Tick performs one non-blocking service pass and reports whether it
	// did any work.
	Tick() (busy bool)

	// IdleSignal is waited on, alongside the thread's own list-changed
	// signal, when every Member is idle. Connections with nothing
	// analogous to wait on may return nil.
	IdleSignal() *signal.Signal

	// IsPollStyleTransmitter reports whether this Member is a fabric-poll
	// style transmitter, per spec.md §4.1's "thread serves only
	// transmitters AND the fabric is poll-style" idle condition.
	IsPollStyleTransmitter() bool
}

// snapshotPeriod is the thread-utilization accounting window from spec.md
// §4.1 ("5-second snapshot, not running average").
const snapshotPeriod = 5 * time.Second

// idleWaitTimeout bounds how long a PollThread blocks on its idle wait
// before re-checking the member list, so Remove's processed-signal
// handshake and shutdown are never starved.
const idleWaitTimeout = 250 * time.Millisecond

// PollThread is spec.md §4.1's PollThread: identified by a shared-id,
// optionally pinned to a core, servicing a mutable list of Connections.
// Wakeups use a level-triggered signal (internal/signal.Signal) rather
// than an eventfd, so idle-wait works the same on every GOOS.
type PollThread struct {
	SharedID int
	Core     int // -1 == unpinned; Go has no portable core-pin primitive, so
	// this is recorded for stats/config parity only (see DESIGN.md).
	IsPoll bool

	now func() time.Time

	mu      sync.Mutex
	members []Member
	pending map[Member]bool // marked for removal, acknowledged next pass

	listChanged *signal.Signal
	processed   *signal.Signal
	shutdown    *signal.Signal

	everHadMembers bool // guards the initial empty list from triggering exit

	utilMu      sync.Mutex
	windowStart time.Time
	busyNs      int64
	totalNs     int64
	utilization int // (busy*10000)/total over the last closed snapshot

	cancel context.CancelFunc
	done   chan struct{}
}

// New constructs a PollThread and starts its service goroutine. now may be
// nil to use the real wall clock; tests inject a fake for deterministic
// utilization-accounting assertions.
func New(sharedID, core int, isPoll bool, now func() time.Time) *PollThread {
	if now == nil {
		now = time.Now
	}
	ctx, cancel := context.WithCancel(context.Background())
	pt := &PollThread{
		SharedID:    sharedID,
		Core:        core,
		IsPoll:      isPoll,
		now:         now,
		pending:     make(map[Member]bool),
		listChanged: signal.New(),
		processed:   signal.New(),
		shutdown:    signal.New(),
		cancel:      cancel,
		done:        make(chan struct{}),
	}
	go pt.run(ctx)
	return pt
}

// Add registers m with the thread, per spec.md §4.1's
// "PollThreadConnectionAdd, which sets the list-changed signal".
func (pt *PollThread) Add(m Member) {
	pt.mu.Lock()
	pt.members = append(pt.members, m)
	pt.mu.Unlock()
	pt.listChanged.Set()
}

// Remove unregisters m and blocks until the poll loop has re-read the
// member list with m excluded, per spec.md §4.1's add/remove handshake
// ("removal clears a processed signal, sets list-changed, and waits on the
// processed signal to ensure the poll loop has re-read the list before the
// Connection is destroyed").
func (pt *PollThread) Remove(m Member) {
	pt.mu.Lock()
	pt.pending[m] = true
	pt.mu.Unlock()

	pt.processed.Clear()
	pt.listChanged.Set()
	pt.processed.Wait()
}

// Len reports the current member count.
func (pt *PollThread) Len() int {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	return len(pt.members)
}

// Utilization returns the busy ratio over the last closed 5-second
// snapshot, scaled 0..10000 (spec.md §4.1's "(busy·10000 / total)").
func (pt *PollThread) Utilization() int {
	pt.utilMu.Lock()
	defer pt.utilMu.Unlock()
	return pt.utilization
}

// Close stops the service goroutine without waiting for members to drain;
// callers that want the "list becomes empty" exit should Remove every
// member first.
func (pt *PollThread) Close() {
	pt.shutdown.Set()
	pt.cancel()
}

// Done is closed once the service goroutine has returned.
func (pt *PollThread) Done() <-chan struct{} { return pt.done }

func (pt *PollThread) run(ctx context.Context) {
	defer close(pt.done)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		members, busy, empty := pt.servicePass()
		if empty {
			if !pt.everHadMembers {
				// no member has ever been added yet: wait for the first Add
				// instead of exiting, rather than racing New's caller.
				signal.WaitAny(idleWaitTimeout, pt.listChanged, pt.shutdown)
				pt.listChanged.Clear()
				continue
			}
			return
		}
		pt.everHadMembers = true

		if !busy && allPollStyleTransmitters(members) {
			pt.idleWait(members)
		}
	}
}

// servicePass runs one Tick across every current member, applies any
// pending removals first (acknowledging them via the processed signal),
// and records the pass's busy/idle duration into the utilization window.
func (pt *PollThread) servicePass() (members []Member, busy, empty bool) {
	top := pt.now()

	pt.mu.Lock()
	if len(pt.pending) > 0 {
		filtered := pt.members[:0:0]
		for _, m := range pt.members {
			if !pt.pending[m] {
				filtered = append(filtered, m)
			}
		}
		pt.members = filtered
		pt.pending = make(map[Member]bool)
		pt.mu.Unlock()
		pt.processed.Set()
		pt.mu.Lock()
	}
	members = append([]Member(nil), pt.members...)
	empty = len(members) == 0
	pt.mu.Unlock()

	for _, m := range members {
		if m.Tick() {
			busy = true
		}
	}
	pt.recordUtilization(top, busy)
	return members, busy, empty
}

func (pt *PollThread) recordUtilization(top time.Time, busy bool) {
	now := pt.now()
	elapsed := now.Sub(top).Nanoseconds()
	if elapsed < 0 {
		elapsed = 0
	}

	pt.utilMu.Lock()
	defer pt.utilMu.Unlock()
	if pt.windowStart.IsZero() {
		pt.windowStart = now
	}
	pt.totalNs += elapsed
	if busy {
		pt.busyNs += elapsed
	}
	if now.Sub(pt.windowStart) >= snapshotPeriod {
		if pt.totalNs > 0 {
			pt.utilization = int(pt.busyNs * 10000 / pt.totalNs)
		} else {
			pt.utilization = 0
		}
		pt.busyNs, pt.totalNs = 0, 0
		pt.windowStart = now
	}
}

// idleWait blocks on every member's idle signal plus the thread's own
// list-changed and shutdown signals, per spec.md §4.1's "blocks on a
// multi-signal wait including each endpoint's Endpoint-Manager notification
// signal and each Connection's tx_poll_do_work signal".
func (pt *PollThread) idleWait(members []Member) {
	sigs := make([]*signal.Signal, 0, len(members)+2)
	sigs = append(sigs, pt.listChanged, pt.shutdown)
	for _, m := range members {
		if s := m.IdleSignal(); s != nil {
			sigs = append(sigs, s)
		}
	}
	signal.WaitAny(idleWaitTimeout, sigs...)
	pt.listChanged.Clear()
}

func allPollStyleTransmitters(members []Member) bool {
	for _, m := range members {
		if !m.IsPollStyleTransmitter() {
			return false
		}
	}
	return true
}
