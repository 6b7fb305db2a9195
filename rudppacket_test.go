// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package rudp_test

import (
	"bytes"
	"testing"

	"code.hybscloud.com/rudp"
)

// TestPacket_EncodeDecodeRoundTrip is a §8 general invariant: decoding
// an encoded packet yields back the original fields, with or without a
// SACK vector attached.
func TestPacket_EncodeDecodeRoundTrip(t *testing.T) {
	cases := []*rudp.Packet{
		{ChannelNumber: 0x4001, Flags: 0, Seq: 7, GSNR: 7, GSNFR: 7, Data: []byte("hello")},
		{ChannelNumber: 0x4001, Flags: uint8(rudp.FlagEQ), Seq: 1 << 40, GSNR: 1 << 40, GSNFR: (1 << 40) - 1},
		{
			ChannelNumber: 0x4002,
			Flags:         uint8(rudp.FlagVP | rudp.FlagAR),
			Seq:           100,
			GSNR:          115,
			GSNFR:         99,
			Vector:        []byte{0x05, 0x03, 0x01},
			Data:          []byte("payload"),
		},
	}

	for i, want := range cases {
		got, err := rudp.DecodePacket(want.Encode())
		if err != nil {
			t.Fatalf("case %d: DecodePacket: %v", i, err)
		}
		if got.ChannelNumber != want.ChannelNumber || got.Flags != want.Flags ||
			got.Seq != want.Seq || got.GSNR != want.GSNR || got.GSNFR != want.GSNFR {
			t.Fatalf("case %d: round-trip mismatch: got %+v, want %+v", i, got, want)
		}
		if !bytes.Equal(got.Vector, want.Vector) {
			t.Fatalf("case %d: vector = %x, want %x", i, got.Vector, want.Vector)
		}
		if !bytes.Equal(got.Data, want.Data) && len(want.Data) > 0 {
			t.Fatalf("case %d: data = %q, want %q", i, got.Data, want.Data)
		}
	}
}

func TestPacket_DecodeTruncatedHeader(t *testing.T) {
	b := (&rudp.Packet{ChannelNumber: 1, Seq: 1, GSNR: 1, GSNFR: 1}).Encode()
	if _, err := rudp.DecodePacket(b[:len(b)-1]); err != rudp.ErrInvalidArgument {
		t.Fatalf("DecodePacket(truncated): %v, want ErrInvalidArgument", err)
	}
}

func TestPacket_DecodeOverlongVectorDeclaration(t *testing.T) {
	b := (&rudp.Packet{ChannelNumber: 1, Flags: uint8(rudp.FlagVP), Seq: 1, GSNR: 1, GSNFR: 1, Vector: []byte{1, 2, 3}}).Encode()
	// Overwrite the declared vector length byte to claim more bytes than
	// the buffer actually carries.
	vecLenOff := len(b) - len([]byte{1, 2, 3}) - 1
	b[vecLenOff] = 0xFF
	if _, err := rudp.DecodePacket(b); err != rudp.ErrTooLong {
		t.Fatalf("DecodePacket(overlong vector): %v, want ErrTooLong", err)
	}
}

func TestPacket_LooksLikeRUDPRejectsOtherMarkers(t *testing.T) {
	stunLike := []byte{0x00, 0x01, 0x02, 0x03}
	if rudp.LooksLikeRUDP(stunLike) {
		t.Fatal("LooksLikeRUDP: a STUN-marked buffer must not look like RUDP")
	}
	rudpLike := (&rudp.Packet{ChannelNumber: 1, Seq: 1, GSNR: 1, GSNFR: 1}).Encode()
	if !rudp.LooksLikeRUDP(rudpLike) {
		t.Fatal("LooksLikeRUDP: an encoded Packet must look like RUDP")
	}
}
