package sfu

// remapper is the generic base/offset bookkeeping behind spec.md
// §4.3's rtpSeqManager/rtpTimestampManager: maintains baseIn, baseOut,
// maxIn and a set of inputs dropped inside the current cycle, grounded
// on the offset-tracking shape of the teacher's RTPMunger but reduced
// to the base_in/base_out/dropped model the spec describes directly
// rather than RTPMunger's range-map cache.
//
// All arithmetic is carried out modulo `modulus` (1<<16 for sequence
// numbers, 1<<32 for timestamps) using uint64 so wraparound never
// truncates mid-computation.
type remapper struct {
	modulus uint64

	started bool
	baseIn  uint64
	baseOut uint64
	maxIn   uint64

	// dropped counts inputs that were skipped (via Drop) strictly
	// between baseIn and maxIn, so subsequent Input(y) for y > the
	// drop point is shifted down by one per drop.
	dropped map[uint64]struct{}
}

func newRemapper(modulus uint64) *remapper {
	return &remapper{
		modulus: modulus,
		dropped: make(map[uint64]struct{}),
	}
}

// Sync re-anchors the remapper so the next Input(newIn) continues the
// output sequence from lastOut+1, discontinuously if needed. A
// subsequent Offset call can push the output further still (used for
// timestamp continuation, spec.md §4.3 step 3).
func (r *remapper) Sync(newIn uint64) {
	lastOut := r.baseOut
	if r.started {
		lastOut = r.lastOut()
	}
	r.baseIn = newIn
	r.baseOut = (lastOut + 1) % r.modulus
	r.maxIn = newIn
	r.dropped = make(map[uint64]struct{})
	r.started = true
}

// Offset adds delta to the output base directly, without touching the
// input anchor. Used by timestamp continuation after a pause (§4.3
// scenario 4) once Sync has already been called for this resume.
func (r *remapper) Offset(delta uint64) {
	r.baseOut = (r.baseOut + delta) % r.modulus
}

// Drop records x as skipped so future Input(y) for y "after" x within
// the current cycle are shifted down by one.
func (r *remapper) Drop(x uint64) {
	r.dropped[x] = struct{}{}
	if r.extendedDelta(x) > r.extendedDelta(r.maxIn) {
		r.maxIn = x
	}
}

// Input maps one input value to its output value, advancing maxIn.
func (r *remapper) Input(x uint64) uint64 {
	if !r.started {
		r.baseIn = x
		r.baseOut = 0
		r.maxIn = x
		r.started = true
	}
	if r.extendedDelta(x) > r.extendedDelta(r.maxIn) {
		r.maxIn = x
	}

	droppedWithin := uint64(0)
	for d := range r.dropped {
		if r.extendedDelta(d) <= r.extendedDelta(x) {
			droppedWithin++
		}
	}

	delta := r.extendedDelta(x)
	out := (r.baseOut + delta - droppedWithin) % r.modulus
	return out
}

func (r *remapper) lastOut() uint64 {
	droppedWithin := uint64(0)
	for d := range r.dropped {
		if r.extendedDelta(d) <= r.extendedDelta(r.maxIn) {
			droppedWithin++
		}
	}
	return (r.baseOut + r.extendedDelta(r.maxIn) - droppedWithin) % r.modulus
}

// extendedDelta returns (x - baseIn) mod modulus, the distance of x
// ahead of the anchor within one cycle.
func (r *remapper) extendedDelta(x uint64) uint64 {
	return (x - r.baseIn + r.modulus) % r.modulus
}

// SeqRemapper remaps a 16-bit RTP sequence number space.
type SeqRemapper struct {
	r *remapper
}

func NewSeqRemapper() *SeqRemapper {
	return &SeqRemapper{r: newRemapper(1 << 16)}
}

func (s *SeqRemapper) Sync(seq uint16) { s.r.Sync(uint64(seq)) }
func (s *SeqRemapper) Drop(seq uint16) { s.r.Drop(uint64(seq)) }
func (s *SeqRemapper) Input(seq uint16) uint16 {
	return uint16(s.r.Input(uint64(seq)))
}

// TimestampRemapper remaps a 32-bit RTP timestamp space.
type TimestampRemapper struct {
	r *remapper
}

func NewTimestampRemapper() *TimestampRemapper {
	return &TimestampRemapper{r: newRemapper(1 << 32)}
}

func (t *TimestampRemapper) Sync(ts uint32)       { t.r.Sync(uint64(ts)) }
func (t *TimestampRemapper) Drop(ts uint32)       { t.r.Drop(uint64(ts)) }
func (t *TimestampRemapper) Offset(delta uint32)  { t.r.Offset(uint64(delta)) }
func (t *TimestampRemapper) Input(ts uint32) uint32 {
	return uint32(t.r.Input(uint64(ts)))
}
