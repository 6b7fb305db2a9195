// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package seqnum provides wraparound-aware arithmetic over the 48-bit
// RUDP sequence-number space, carried in a uint64 with the top 16 bits
// always zero.
//
// The bit-width discipline here (mask, compare-as-if-unsigned-mod-2^n)
// is the same one the framer teacher used for its 56-bit extended
// length field (see framer's internal.go: the <<8 / &mask dance around
// framePayloadMaxLen56), applied to a wrapping counter instead of a
// one-shot length value.
package seqnum

const (
	// Bits is the width of the RUDP sequence-number space.
	Bits = 48
	// Mask isolates the low 48 bits of a uint64.
	Mask uint64 = 1<<Bits - 1
	// half is used to decide which of two sequence numbers is "ahead"
	// when they are near the wrap boundary.
	half uint64 = 1 << (Bits - 1)
)

// Normalize masks n down to the 48-bit space.
func Normalize(n uint64) uint64 { return n & Mask }

// Add returns (a+delta) mod 2^48.
func Add(a uint64, delta int64) uint64 {
	return Normalize(uint64(int64(Normalize(a)) + delta))
}

// Less reports whether a precedes b in sequence-number order, accounting
// for wraparound: a is "less" than b if the forward distance from a to b
// is smaller than the backward distance (classic RFC1982-style compare).
func Less(a, b uint64) bool {
	a, b = Normalize(a), Normalize(b)
	if a == b {
		return false
	}
	diff := Normalize(b - a)
	return diff < half
}

// LessEq reports whether a precedes or equals b.
func LessEq(a, b uint64) bool { return a == b || Less(a, b) }

// Diff returns the signed forward distance from a to b, i.e. the number
// of increments needed to walk a to b going forward through the space.
// The result is in [-2^47, 2^47).
func Diff(a, b uint64) int64 {
	a, b = Normalize(a), Normalize(b)
	d := Normalize(b - a)
	if d >= half {
		return int64(d) - (1 << Bits)
	}
	return int64(d)
}

// Max returns whichever of a, b is sequence-ordered later.
func Max(a, b uint64) uint64 {
	if Less(a, b) {
		return b
	}
	return a
}
