// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package rudp

import (
	"sync"
	"testing"
	"time"

	"code.hybscloud.com/iox"
	"code.hybscloud.com/rudp/internal/sackvec"
)

// recordingSender captures every EmitSegment/ExternalAckNow call a
// ChannelStream makes, standing in for Channel in these white-box tests.
type recordingSender struct {
	mu       sync.Mutex
	segments []Segment
	acks     int
}

func (r *recordingSender) EmitSegment(seg Segment) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.segments = append(r.segments, seg)
}

func (r *recordingSender) ExternalAckNow(bool, string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.acks++
}

func (r *recordingSender) snapshot() []Segment {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Segment, len(r.segments))
	copy(out, r.segments)
	return out
}

// TestChannelStream_WrapReassembly is §8 boundary scenario 2: packets
// delivered out of order must reassemble into one EQ-delimited buffer,
// and recv_next_expected must advance from 1 to 4.
func TestChannelStream_WrapReassembly(t *testing.T) {
	sendStream := NewStream()
	recvStream := NewStream()
	sender := &recordingSender{}
	cs := NewChannelStream(sendStream, recvStream, sender, 1, 30*time.Second)

	deliver := func(seq uint64, b byte, eq bool) {
		flags := uint8(0)
		if eq {
			flags = FlagEQ.set(flags)
		}
		if err := cs.HandleInboundPacket(seq, flags, []byte{b}, seq, 0, nil); err != nil {
			t.Fatalf("HandleInboundPacket(seq=%d): %v", seq, err)
		}
	}

	deliver(3, 'c', true)
	deliver(1, 'a', false)
	deliver(2, 'b', false)

	data, _, err := recvStream.Reader().ReadBuffer(0)
	if err != nil {
		t.Fatalf("ReadBuffer: %v", err)
	}
	if string(data) != "abc" {
		t.Fatalf("reassembled buffer = %q, want \"abc\"", data)
	}

	cs.mu.Lock()
	next := cs.recvNextExpected
	cs.mu.Unlock()
	if next != 4 {
		t.Fatalf("recvNextExpected = %d, want 4", next)
	}
}

// TestChannelStream_DuplicateAckTriggersFastRetransmit is §8 boundary
// scenario 3: three ACKs reporting the same gap candidate must
// retransmit the oldest unacked gap (seq 14) before anything beyond gsnr.
func TestChannelStream_DuplicateAckTriggersFastRetransmit(t *testing.T) {
	sendStream := NewStream()
	recvStream := NewStream()
	sender := &recordingSender{}
	cs := NewChannelStream(sendStream, recvStream, sender, 10, 30*time.Second, WithInitialCwnd(8))

	// Seed seqs 10..15 as in-flight: one 6-byte message, 1-byte segments.
	sendStream.Writer().Write([]byte("abcdef"), nil)
	WithMaxSegmentSize(1)(&cs.opts)
	if err := cs.PumpSend(); err != nil && err != iox.ErrWouldBlock {
		t.Fatalf("PumpSend: %v", err)
	}
	sent := sender.snapshot()
	if len(sent) != 6 {
		t.Fatalf("PumpSend emitted %d segments, want 6", len(sent))
	}

	received := map[uint64]bool{10: true, 11: true, 12: true, 13: true, 15: true}
	vector, effectiveGSNR := sackvec.Encode(9, 15, func(seq uint64) bool { return received[seq] })

	ackOnce := func() {
		cs.HandleInboundPacket(100, 0, nil, effectiveGSNR, 9, vector)
	}
	ackOnce()
	ackOnce()
	before := len(sender.snapshot())
	ackOnce()
	after := sender.snapshot()

	if len(after) <= before {
		t.Fatalf("expected a retransmit emitted on the third duplicate ack, before=%d after=%d", before, len(after))
	}
	last := after[len(after)-1]
	if last.Seq != 14 {
		t.Fatalf("retransmitted seq = %d, want 14", last.Seq)
	}
}
