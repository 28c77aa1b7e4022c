package tftp

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// watchdog is a single-shot, cancellable timer handle. Arming always
// cancels the previous handle first; a fire that lost the race with a
// cancel is discarded under the session lock, so timer fires and
// datagram arrivals never act on session state concurrently.
type watchdog struct {
	clk   clock.Clock
	mu    *sync.Mutex
	seq   int
	timer *clock.Timer
}

// arm schedules fire after d. Must be called with the session lock held;
// fire runs with the lock held too.
func (w *watchdog) arm(d time.Duration, fire func()) {
	w.cancel()
	seq := w.seq
	w.timer = w.clk.AfterFunc(d, func() {
		w.mu.Lock()
		defer w.mu.Unlock()
		if seq != w.seq {
			return
		}
		w.timer = nil
		fire()
	})
}

// cancel stops any pending fire. Must be called with the session lock
// held. Safe to call repeatedly.
func (w *watchdog) cancel() {
	w.seq++
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
}

// repeater retransmits a buffered datagram along a timeout policy: a
// policy of n entries yields n sends in total (the initial send plus
// n-1 retransmissions), each followed by the corresponding wait, and
// expire fires once the final wait lapses with no progress.
type repeater struct {
	wd     watchdog
	policy []time.Duration
	send   func([]byte)
	expire func()

	idx     int
	payload []byte
}

// start sends payload immediately and begins the retransmission cycle,
// resetting any cycle already in flight.
func (r *repeater) start(payload []byte) {
	r.payload = payload
	r.idx = 0
	r.send(payload)
	r.schedule()
}

func (r *repeater) schedule() {
	wait := r.policy[r.idx]
	if r.idx == len(r.policy)-1 {
		r.wd.arm(wait, r.expire)
		return
	}
	r.wd.arm(wait, func() {
		r.idx++
		r.send(r.payload)
		r.schedule()
	})
}

func (r *repeater) cancel() {
	r.wd.cancel()
}
