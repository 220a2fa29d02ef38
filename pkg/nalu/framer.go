package nalu

// Framer reassembles Annex-B encoded NAL units out of a sequence of raw
// byte slices (UDP datagram payloads) that may split a NAL unit across
// multiple calls to Feed, or bundle more than one NAL unit into a single
// call.
//
// A NAL is only ever emitted once its trailing start code has been
// observed; the last NAL unit of a stream stays buffered on shutdown.
// Malformed input never produces an error — it simply delays emission
// until the next start code appears.
type Framer struct {
	carry []byte
}

// NewFramer returns a Framer with an empty carry buffer.
func NewFramer() *Framer {
	return &Framer{}
}

// Feed appends b to the internal carry buffer and returns every NAL unit
// that can now be fully bounded by a leading and trailing start code, in
// arrival order. The emulation-prevention bytes inside each NAL payload
// are left untouched.
func (f *Framer) Feed(b []byte) [][]byte {
	if len(b) > 0 {
		f.carry = append(f.carry, b...)
	}

	var units [][]byte

	pos, scLen, ok := findStartCode(f.carry, 0)
	if !ok {
		// Nothing resembling a start code yet; keep everything in case
		// it's the prefix of one spanning the next datagram.
		return units
	}

	for {
		payloadStart := pos + scLen
		nextPos, nextLen, ok := findStartCode(f.carry, payloadStart)
		if !ok {
			f.carry = f.carry[pos:]
			return units
		}

		nal := f.carry[payloadStart:nextPos]
		unit := make([]byte, len(nal))
		copy(unit, nal)
		units = append(units, unit)

		pos, scLen = nextPos, nextLen
	}
}

// Pending returns the bytes currently buffered without a confirmed
// trailing boundary, for diagnostics only. It is never auto-emitted.
func (f *Framer) Pending() []byte {
	return f.carry
}

// findStartCode locates the first Annex-B start code — 3-byte 00 00 01
// or 4-byte 00 00 00 01 — at or after from, returning its position and
// length.
func findStartCode(buf []byte, from int) (pos, length int, ok bool) {
	for i := from; i+2 < len(buf); i++ {
		if buf[i] == 0 && buf[i+1] == 0 && buf[i+2] == 1 {
			if i > 0 && buf[i-1] == 0 {
				return i - 1, 4, true
			}
			return i, 3, true
		}
	}
	return 0, 0, false
}
