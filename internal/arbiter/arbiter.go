// Package arbiter serializes all outgoing frames onto the shared
// half-duplex channel: it never transmits while the medium is marked busy,
// randomizes send timing to avoid collisions, and drives the reliable-send
// retry loop that waits for acknowledgement.
package arbiter

import (
	"math/rand"
	"sync"
	"time"

	"meshchat/internal/packet"
	"meshchat/internal/packetlog"
)

// Sender is the arbiter's one external dependency: something that can put a
// frame onto the shared transport. Generalized from the teacher's direct
// *net.UDPConn.WriteToUDP call into an interface so the arbiter can be
// exercised against a loopback in tests.
type Sender interface {
	Send(p packet.Packet) error
}

type deferredFrame struct {
	packet packet.Packet
	delay  time.Duration
}

// Arbiter owns exclusive access to the transport's send path. busy tracks
// the shared channel's carrier-sense state as reported by the transport;
// cond is broadcast on every busy→free transition and on FinishSending, and
// waitFree blocks on it until the channel is free. awaitFinished does not
// wait on cond: it polls lastTransmitted (see its comment).
type Arbiter struct {
	mu   sync.Mutex
	cond *sync.Cond

	busy            bool
	lastBusyStart   time.Time
	lastBusyEnd     time.Time
	lastFreeToBusy  time.Time
	lastTransmitted time.Time

	buffer []deferredFrame

	sender Sender
	log    *packetlog.Log
	rng    *rand.Rand
}

func New(sender Sender, log *packetlog.Log) *Arbiter {
	a := &Arbiter{sender: sender, log: log, rng: rand.New(rand.NewSource(time.Now().UnixNano()))}
	a.cond = sync.NewCond(&a.mu)
	return a
}

// SetNetworkState flips the shared medium's busy flag and, on a busy→free
// transition, wakes anyone waiting to send.
func (a *Arbiter) SetNetworkState(isBusy bool, now time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()

	was := a.busy
	a.busy = isBusy
	if isBusy {
		a.lastBusyStart = now
		if !was {
			a.lastFreeToBusy = now
		}
	} else {
		a.lastBusyEnd = now
		if was {
			a.cond.Broadcast()
		}
	}
}

func (a *Arbiter) IsBusy() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.busy
}

// FinishSending records this node's own transmission and, if frames are
// queued behind it, dequeues and reschedules the head.
func (a *Arbiter) FinishSending(now time.Time) {
	a.mu.Lock()
	a.lastTransmitted = now
	a.cond.Broadcast()
	var next deferredFrame
	hasNext := false
	if len(a.buffer) > 0 {
		next = a.buffer[0]
		a.buffer = a.buffer[1:]
		hasNext = true
	}
	a.mu.Unlock()

	if hasNext {
		go a.sendSafe(next.packet, next.delay)
	}
}

// wasInterrupted reports whether a busy→free→busy cycle occurred within the
// last window, meaning a collision slot passed while we were waiting.
func (a *Arbiter) wasInterrupted(now time.Time, window time.Duration) bool {
	since := now.Add(-window)
	return a.lastBusyEnd.After(since) && a.lastFreeToBusy.After(a.lastBusyEnd)
}

// waitFree blocks until the channel is free, using the condition variable
// rather than polling.
func (a *Arbiter) waitFree() {
	for a.busy {
		a.cond.Wait()
	}
}

// sendSafe is the deferred-send task: wait for the channel, sleep delay,
// then put the frame only if nothing collided during the wait. On any
// failure (collision detected or transport error) it retries the whole
// sequence rather than dropping the frame.
func (a *Arbiter) sendSafe(p packet.Packet, delay time.Duration) {
	for {
		a.mu.Lock()
		a.waitFree()
		a.mu.Unlock()

		time.Sleep(delay)

		a.mu.Lock()
		interrupted := a.wasInterrupted(time.Now(), delay)
		stillFree := !a.busy
		a.mu.Unlock()

		if interrupted || !stillFree {
			continue
		}

		if err := a.sender.Send(p); err != nil {
			continue
		}
		a.log.RecordSent(p, time.Now())
		return
	}
}

// SendSafe schedules p for transmission after delay, honoring carrier
// sense. It returns immediately; the send happens on a background
// goroutine.
func (a *Arbiter) SendSafe(p packet.Packet, delay time.Duration) {
	go a.sendSafe(p, delay)
}

// Schedule picks a uniform random delay in [from, to) and calls SendSafe.
func (a *Arbiter) Schedule(p packet.Packet, from, to time.Duration) {
	delay := from
	if to > from {
		delay = from + time.Duration(a.rng.Int63n(int64(to-from)))
	}
	a.SendSafe(p, delay)
}

// Enqueue appends a frame to the deferred buffer, to be sent once the
// current transmission (and any already-queued ones) finish.
func (a *Arbiter) Enqueue(p packet.Packet, delay time.Duration) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.buffer = append(a.buffer, deferredFrame{packet: p, delay: delay})
}

// RepeatSend emits p once immediately with a fixed 200ms pacing delay, then
// enqueues n-1 further copies spaced by delay, draining through
// FinishSending as each prior send completes.
func (a *Arbiter) RepeatSend(p packet.Packet, delay time.Duration, n int) {
	if n <= 0 {
		return
	}
	a.SendSafe(p, 200*time.Millisecond)
	for i := 1; i < n; i++ {
		a.Enqueue(p, delay)
	}
}

// SendReliableAndWait schedules p, waits (up to a 10s cap) for the send to
// complete, sleeps timeout, then returns whichever of expectedAcks never
// acknowledged within the elapsed window. If the missing set is non-empty
// and attempts allow, it recurses with a shrunk expected set.
func (a *Arbiter) SendReliableAndWait(p packet.Packet, from, to, timeout time.Duration, attempts int, expectedAcks map[packet.NodeId]struct{}) map[packet.NodeId]struct{} {
	remaining := expectedAcks
	for attempt := 0; attempt < attempts; attempt++ {
		sendTime := time.Now()
		a.Schedule(p, from, to)
		a.awaitFinished(10 * time.Second)

		time.Sleep(timeout)

		remaining = a.log.MissingAcks(p, remaining, time.Now(), time.Since(sendTime))
		if len(remaining) == 0 {
			return remaining
		}
	}
	return remaining
}

// SendReliable is the backgrounded sibling of SendReliableAndWait: it runs
// the same retry loop on a goroutine and reports the final missing-ack set
// to onDone instead of returning it synchronously.
func (a *Arbiter) SendReliable(p packet.Packet, from, to, timeout time.Duration, attempts int, expectedAcks map[packet.NodeId]struct{}, onDone func(missing map[packet.NodeId]struct{})) {
	go func() {
		missing := a.SendReliableAndWait(p, from, to, timeout, attempts, expectedAcks)
		if onDone != nil {
			onDone(missing)
		}
	}()
}

// awaitFinished polls for a FinishSending call within cap, rather than
// blocking on the condition variable: a cond.Wait with no subsequent
// broadcast inside the deadline would otherwise never wake up and leak the
// waiting goroutine.
func (a *Arbiter) awaitFinished(maxWait time.Duration) {
	a.mu.Lock()
	last := a.lastTransmitted
	a.mu.Unlock()

	deadline := time.Now().Add(maxWait)
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	for time.Now().Before(deadline) {
		a.mu.Lock()
		changed := !a.lastTransmitted.Equal(last)
		a.mu.Unlock()
		if changed {
			return
		}
		<-ticker.C
	}
}
