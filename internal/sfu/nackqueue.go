package sfu

import "math"

// nackQueue tracks sequence numbers a Producer has asked to be
// retransmitted, with capped retries and exponential backoff between
// attempts for the same sequence number, grounded directly on the
// teacher's pkg/sfu/buffer/nack.go NackQueue.
type nackQueue struct {
	clockNowMs func() int64

	entries []*nackEntry
	rttMs   uint32
}

const (
	nackMaxTries      = 5
	nackCacheSize     = 100
	nackMinIntervalMs = 20
	nackMaxIntervalMs = 400
	nackBackoffFactor = 1.25
)

func newNackQueue(nowMs func() int64) *nackQueue {
	return &nackQueue{
		clockNowMs: nowMs,
		entries:    make([]*nackEntry, 0, nackCacheSize),
	}
}

func (q *nackQueue) SetRtt(rttMs uint32) {
	q.rttMs = rttMs
}

func (q *nackQueue) Remove(seq uint16) {
	for i, e := range q.entries {
		if e.seq != seq {
			continue
		}
		q.entries = append(q.entries[:i], q.entries[i+1:]...)
		return
	}
}

// Push records a gap at seq as needing a NACK.
func (q *nackQueue) Push(seq uint16) {
	if len(q.entries) >= nackCacheSize {
		q.entries = q.entries[1:]
	}
	q.entries = append(q.entries, &nackEntry{seq: seq, lastNackedAtMs: q.clockNowMs()})
}

// DueSequenceNumbers returns the sequence numbers that are due for a
// (re)transmitted NACK right now, purging any that exhausted their
// retry budget.
func (q *nackQueue) DueSequenceNumbers() []uint16 {
	if len(q.entries) == 0 {
		return nil
	}
	now := q.clockNowMs()
	due := make([]uint16, 0, len(q.entries))
	var purge []uint16
	for _, e := range q.entries {
		send, remove := e.evaluate(now, q.rttMs)
		if remove {
			purge = append(purge, e.seq)
			continue
		}
		if send {
			due = append(due, e.seq)
		}
	}
	for _, seq := range purge {
		q.Remove(seq)
	}
	return due
}

type nackEntry struct {
	seq            uint16
	tries          uint8
	lastNackedAtMs int64
}

func (e *nackEntry) evaluate(nowMs int64, rttMs uint32) (shouldSend, shouldRemove bool) {
	if e.tries >= nackMaxTries {
		return false, true
	}

	requiredInterval := int64(0)
	if e.tries > 0 {
		requiredInterval = nackMaxIntervalMs
		backoff := int64(float64(rttMs) * math.Pow(nackBackoffFactor, float64(e.tries-1)))
		if backoff < requiredInterval {
			requiredInterval = backoff
		}
	}
	if requiredInterval < nackMinIntervalMs {
		// always wait a short grace period for out-of-order delivery
		// before NACKing, even on the first try.
		requiredInterval = nackMinIntervalMs
	}

	if nowMs-e.lastNackedAtMs < requiredInterval {
		return false, false
	}

	e.tries++
	e.lastNackedAtMs = nowMs
	return true, false
}
