// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package sackvec encodes and decodes the RUDP selective-ACK vector: a
// run-length bitmap over the state (received vs missing) of sequence
// numbers in (gsnfr, gsnr], capped at 127 bytes on the wire.
//
// The encoding discipline — walk a value, emit a length byte, and fall
// back to a zero-length "skip" run when a single state run would
// overflow one byte — mirrors the variable-length header phases in the
// framer teacher's internal.go (readStream/writeStream), generalized
// from "one length field" to "a sequence of alternating run lengths".
package sackvec

import "code.hybscloud.com/rudp/internal/seqnum"

// MaxVectorBytes is the wire cap on the encoded vector, per §6.
const MaxVectorBytes = 127

// Received reports whether seq was received, used by Encode to walk the
// (gsnfr, gsnr] range one sequence number at a time.
type Received func(seq uint64) bool

// Encode builds the run-length vector for (gsnfr, gsnr]. The first byte
// of the returned vector is 1 if seq=gsnfr+1 was received, else 0;
// subsequent bytes are alternating run lengths (capped at 255 each,
// with a zero-length run inserted to preserve alternation when a real
// run exceeds 255).
//
// If the range does not fit in MaxVectorBytes, encoding stops early and
// the returned effectiveGSNR reports the last sequence number actually
// covered — callers must report this reduced value as their outbound
// gsnr for this packet so "every seq implied by the vector has been
// received" remains true.
func Encode(gsnfr, gsnr uint64, received Received) (vector []byte, effectiveGSNR uint64) {
	total := seqnum.Diff(gsnfr, gsnr)
	if total <= 0 {
		return nil, gsnfr
	}

	start := seqnum.Add(gsnfr, 1)
	firstState := received(start)
	vector = make([]byte, 1, MaxVectorBytes)
	if firstState {
		vector[0] = 1
	}

	curState := firstState
	runLen := 0
	covered := uint64(0)
	seq := start

	flush := func() bool {
		for runLen > 255 {
			if len(vector) >= MaxVectorBytes {
				return false
			}
			vector = append(vector, 255)
			runLen -= 255
			if len(vector) >= MaxVectorBytes {
				return false
			}
			vector = append(vector, 0) // skip run to preserve alternation
		}
		if len(vector) >= MaxVectorBytes {
			return false
		}
		vector = append(vector, byte(runLen))
		runLen = 0
		return true
	}

	for i := int64(0); i < total; i++ {
		st := received(seq)
		if st == curState {
			runLen++
		} else {
			if !flush() {
				return vector, gsnrAt(gsnfr, covered-uint64(runLen))
			}
			curState = st
			runLen = 1
		}
		covered++
		if i+1 < total {
			seq = seqnum.Add(seq, 1)
		}
	}
	if !flush() {
		return vector, gsnrAt(gsnfr, covered-uint64(runLen))
	}
	return vector, gsnr
}

func gsnrAt(gsnfr uint64, covered uint64) uint64 {
	if covered == 0 {
		return gsnfr
	}
	return seqnum.Add(gsnfr, int64(covered))
}

// Decode expands vector into the set of sequence numbers in (gsnfr, gsnr]
// that it asserts were received. gsnr should be the effectiveGSNR Encode
// returned (or the peer-reported gsnr, which was reduced the same way on
// truncation), so the vector's run lengths exactly span (gsnfr, gsnr].
func Decode(gsnfr, gsnr uint64, vector []byte) map[uint64]bool {
	out := make(map[uint64]bool)
	if len(vector) == 0 {
		return out
	}
	total := seqnum.Diff(gsnfr, gsnr)
	state := vector[0] != 0
	seq := seqnum.Add(gsnfr, 1)
	covered := int64(0)
	for _, runLen := range vector[1:] {
		for n := 0; n < int(runLen) && covered < total; n++ {
			if state {
				out[seq] = true
			}
			seq = seqnum.Add(seq, 1)
			covered++
		}
		state = !state
	}
	return out
}
