// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package seqnum_test

import (
	"testing"

	"code.hybscloud.com/rudp/internal/seqnum"
)

func TestLess_Wraparound(t *testing.T) {
	cases := []struct {
		a, b uint64
		want bool
	}{
		{1, 2, true},
		{2, 1, false},
		{5, 5, false},
		{seqnum.Mask, 0, true},
		{seqnum.Mask - 1, seqnum.Mask, true},
		{0, seqnum.Mask, false},
	}
	for _, c := range cases {
		if got := seqnum.Less(c.a, c.b); got != c.want {
			t.Errorf("Less(%d, %d) = %v, want %v", c.a, c.b, got, c.want)
		}
	}
}

func TestAdd_WrapsAtMask(t *testing.T) {
	if got := seqnum.Add(seqnum.Mask, 1); got != 0 {
		t.Errorf("Add(Mask, 1) = %d, want 0", got)
	}
	if got := seqnum.Add(0, -1); got != seqnum.Mask {
		t.Errorf("Add(0, -1) = %d, want Mask", got)
	}
}

func TestDiff_RoundTripsWithAdd(t *testing.T) {
	a := seqnum.Mask - 3
	b := seqnum.Add(a, 10)
	if d := seqnum.Diff(a, b); d != 10 {
		t.Errorf("Diff(a, b) = %d, want 10", d)
	}
}

func TestMax_PicksLaterInSequenceOrder(t *testing.T) {
	if got := seqnum.Max(seqnum.Mask, 0); got != 0 {
		t.Errorf("Max(Mask, 0) = %d, want 0 (0 is ahead across the wrap)", got)
	}
	if got := seqnum.Max(3, 7); got != 7 {
		t.Errorf("Max(3, 7) = %d, want 7", got)
	}
}

func TestLessEq_Reflexive(t *testing.T) {
	if !seqnum.LessEq(42, 42) {
		t.Error("LessEq(42, 42) should be true")
	}
}
