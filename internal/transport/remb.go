package transport

import (
	"sync"

	"github.com/relaywire/sfu-core/internal/clock"
)

// rembWindowMs is the receive-bitrate averaging window, matching the
// teacher's ion-sfu-derived buffer's one-second REMB cadence.
const rembWindowMs = 1000

// rembEstimator is the "plumbing" half of spec.md's REMB requirement:
// it tracks received bytes per window and reports an estimated
// receive-side bitrate, but does not implement a full GCC-style
// bandwidth-estimation algorithm (explicitly out of scope). Grounded
// on the windowed byte accounting in the teacher's
// `pkg/sfu/buffer.go` (`buildREMBPacket`), simplified from that
// file's step-down ramp to a plain windowed-average estimate.
type rembEstimator struct {
	mu    sync.Mutex
	clock clock.Clock

	windowStartMs int64
	windowBytes   int

	// OnValue is invoked once per window with the estimated receive
	// bitrate in bits per second.
	OnValue func(bitrateBps uint64)
}

func newRembEstimator(clk clock.Clock) *rembEstimator {
	return &rembEstimator{clock: clk, windowStartMs: clk.NowMs()}
}

// AddPacket folds one received RTP payload into the current window,
// flushing and reporting an estimate once the window elapses.
func (r *rembEstimator) AddPacket(payloadSize int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.clock.NowMs()
	elapsed := now - r.windowStartMs
	if elapsed >= rembWindowMs {
		bitrate := uint64(r.windowBytes) * 8 * 1000 / uint64(elapsed)
		r.windowStartMs = now
		r.windowBytes = 0
		if r.OnValue != nil {
			r.OnValue(bitrate)
		}
	}
	r.windowBytes += payloadSize
}
