// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package rudp_test

import (
	"testing"

	"code.hybscloud.com/iox"
	"code.hybscloud.com/rudp"
)

// TestStream_ZeroByteMessageWithHeader is §8 boundary scenario 1:
// a zero-byte write carrying a header must surface through a single
// read(_, 0) call and leave the stream empty.
func TestStream_ZeroByteMessageWithHeader(t *testing.T) {
	s := rudp.NewStream()
	hdr := rudp.ChannelHeader{ChannelID: 7}
	if _, err := s.Writer().Write(nil, hdr); err != nil {
		t.Fatalf("Write: %v", err)
	}

	n, gotHdr, err := s.Reader().Read(nil, 0)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if n != 0 {
		t.Fatalf("n = %d, want 0", n)
	}
	got, ok := gotHdr.(rudp.ChannelHeader)
	if !ok || got != hdr {
		t.Fatalf("header = %#v, want %#v", gotHdr, hdr)
	}

	if _, _, err := s.Reader().Read(make([]byte, 1), 1); err != iox.ErrWouldBlock {
		t.Fatalf("stream should be empty after the zero-byte read, got err=%v", err)
	}
}

func TestStream_ReadAcrossBufferBoundaries(t *testing.T) {
	s := rudp.NewStream()
	w := s.Writer()
	w.Write([]byte("ab"), nil)
	w.Write([]byte("cde"), nil)

	dst := make([]byte, 5)
	n, _, err := s.Reader().Read(dst, 5)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if n != 5 || string(dst) != "abcde" {
		t.Fatalf("Read() = (%d, %q), want (5, \"abcde\")", n, dst)
	}
}

func TestStream_BlockUnblockCoalescesIntoOneBuffer(t *testing.T) {
	s := rudp.NewStream()
	w := s.Writer()
	hdr := rudp.ChannelHeader{ChannelID: 3}
	w.Block()
	w.Write([]byte("ab"), hdr)
	w.Write([]byte("cd"), rudp.ChannelHeader{ChannelID: 99}) // header after first Write in block is ignored
	w.Unblock()

	data, gotHdr, err := s.Reader().ReadBuffer(0)
	if err != nil {
		t.Fatalf("ReadBuffer: %v", err)
	}
	if string(data) != "abcd" {
		t.Fatalf("data = %q, want \"abcd\"", data)
	}
	if gotHdr.(rudp.ChannelHeader) != hdr {
		t.Fatalf("header = %#v, want %#v", gotHdr, hdr)
	}
}

func TestStream_ReadBuffer_TooLong(t *testing.T) {
	s := rudp.NewStream()
	s.Writer().Write([]byte("0123456789"), nil)
	if _, _, err := s.Reader().ReadBuffer(4); err != rudp.ErrTooLong {
		t.Fatalf("ReadBuffer(4) err = %v, want ErrTooLong", err)
	}
	// The oversize buffer must remain untouched for a retry at a larger cap.
	data, _, err := s.Reader().ReadBuffer(0)
	if err != nil || string(data) != "0123456789" {
		t.Fatalf("ReadBuffer(0) = (%q, %v), want (\"0123456789\", nil)", data, err)
	}
}

func TestStream_ReadOnEmptyStreamWouldBlock(t *testing.T) {
	s := rudp.NewStream()
	if _, _, err := s.Reader().Read(make([]byte, 1), 1); err != iox.ErrWouldBlock {
		t.Fatalf("Read on empty stream: err = %v, want ErrWouldBlock", err)
	}
}

func TestStream_CancelIsIdempotentAndDrainsReads(t *testing.T) {
	s := rudp.NewStream()
	s.Writer().Write([]byte("x"), nil)
	s.Cancel()
	s.Cancel() // must not panic or change behavior

	n, _, err := s.Reader().Read(make([]byte, 1), 1)
	if n != 0 || err != nil {
		t.Fatalf("Read after Cancel = (%d, %v), want (0, nil)", n, err)
	}
}

func TestStream_ReadU16ReadU32(t *testing.T) {
	s := rudp.NewStream()
	s.Writer().Write([]byte{0x12, 0x34, 0x00, 0x00, 0x00, 0x01}, nil)
	v16, n, err := s.Reader().ReadU16()
	if err != nil || n != 2 || v16 != 0x1234 {
		t.Fatalf("ReadU16() = (%#x, %d, %v), want (0x1234, 2, nil)", v16, n, err)
	}
	v32, n, err := s.Reader().ReadU32()
	if err != nil || n != 4 || v32 != 1 {
		t.Fatalf("ReadU32() = (%d, %d, %v), want (1, 4, nil)", v32, n, err)
	}
}
