// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package sackvec_test

import (
	"testing"

	"code.hybscloud.com/rudp/internal/sackvec"
	"code.hybscloud.com/rudp/internal/seqnum"
)

func TestEncodeDecode_RoundTrip(t *testing.T) {
	// (gsnfr=9, gsnr=15]: received = {10,11,12,13,15}, missing = {14}.
	received := map[uint64]bool{10: true, 11: true, 12: true, 13: true, 15: true}
	lookup := func(seq uint64) bool { return received[seq] }

	vector, effectiveGSNR := sackvec.Encode(9, 15, lookup)
	if effectiveGSNR != 15 {
		t.Fatalf("effectiveGSNR = %d, want 15 (no truncation expected)", effectiveGSNR)
	}

	got := sackvec.Decode(9, effectiveGSNR, vector)
	for seq, want := range received {
		if got[seq] != want {
			t.Errorf("Decode()[%d] = %v, want %v", seq, got[seq], want)
		}
	}
	if got[14] {
		t.Error("Decode()[14] should be false (never received)")
	}
}

func TestEncode_EmptyRange(t *testing.T) {
	vector, effectiveGSNR := sackvec.Encode(5, 5, func(uint64) bool { return true })
	if len(vector) != 0 {
		t.Errorf("Encode over an empty range should yield no vector, got %v", vector)
	}
	if effectiveGSNR != 5 {
		t.Errorf("effectiveGSNR = %d, want 5", effectiveGSNR)
	}
}

func TestEncode_AllReceived(t *testing.T) {
	vector, effectiveGSNR := sackvec.Encode(0, 5, func(uint64) bool { return true })
	if effectiveGSNR != 5 {
		t.Fatalf("effectiveGSNR = %d, want 5", effectiveGSNR)
	}
	got := sackvec.Decode(0, effectiveGSNR, vector)
	for seq := uint64(1); seq <= 5; seq++ {
		if !got[seq] {
			t.Errorf("Decode()[%d] = false, want true", seq)
		}
	}
}

func TestEncode_TruncatesAndReportsReducedGSNR(t *testing.T) {
	// A long alternating run forces many run-length bytes; verify the
	// encoder never exceeds MaxVectorBytes and effectiveGSNR tracks
	// exactly what the returned vector covers.
	const gsnfr = 0
	const gsnr = 100000
	toggle := func(seq uint64) bool { return seq%2 == 0 }

	vector, effectiveGSNR := sackvec.Encode(gsnfr, gsnr, toggle)
	if len(vector) > sackvec.MaxVectorBytes {
		t.Fatalf("vector length %d exceeds MaxVectorBytes %d", len(vector), sackvec.MaxVectorBytes)
	}
	if seqnum.Less(gsnr, effectiveGSNR) {
		t.Fatalf("effectiveGSNR %d must not exceed requested gsnr %d", effectiveGSNR, gsnr)
	}

	// Whatever the vector claims within (gsnfr, effectiveGSNR] must match
	// the oracle exactly; decode must never assert anything wasn't there.
	got := sackvec.Decode(gsnfr, effectiveGSNR, vector)
	total := seqnum.Diff(gsnfr, effectiveGSNR)
	seq := seqnum.Add(gsnfr, 1)
	for i := int64(0); i < total; i++ {
		if got[seq] != toggle(seq) {
			t.Fatalf("Decode()[%d] = %v, want %v", seq, got[seq], toggle(seq))
		}
		seq = seqnum.Add(seq, 1)
	}
}
