// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package rudp

import (
	"encoding/binary"

	"code.hybscloud.com/rudp/internal/sackvec"
)

// Flag is a bit in a Packet's flags byte, per §6/GLOSSARY.
type Flag uint8

const (
	// FlagPG marks parity of the GSNR (duplicate-path detection aid).
	FlagPG Flag = 1 << iota
	// FlagXP marks an XORed-parity payload (error-detection aid).
	FlagXP
	// FlagDP marks a duplicate-present condition observed by the sender.
	FlagDP
	// FlagEC is an ECN-echo.
	FlagEC
	// FlagEQ marks the end of a message quantum: the last segment of one
	// application write.
	FlagEQ
	// FlagAR requires the peer to acknowledge promptly.
	FlagAR
	// FlagVP marks that a selective-ACK vector is present.
	FlagVP
	// FlagPS marks a packet sent after a detected gap.
	FlagPS
)

func (f Flag) set(flags uint8) uint8   { return flags | uint8(f) }
func (f Flag) clear(flags uint8) uint8 { return flags &^ uint8(f) }
func (f Flag) has(flags uint8) bool    { return flags&uint8(f) != 0 }

// rudpMarker occupies the top two bits of the wire's first byte,
// distinguishing an RUDP packet from a STUN message (whose magic cookie
// keeps those bits at 00 per RFC 5389). The remaining six bits of the
// first byte are reserved and currently always zero.
const rudpMarker = 0b11 << 6

// minPacketLen is channel(2) + flags(1) marker-byte(1) + seq(6) + gsnr(6) + gsnfr(6).
const minPacketLen = 1 + 2 + 1 + 6 + 6 + 6

// Packet is one RUDP datagram: a sliding-window sequenced segment plus
// the peer's cumulative/selective ACK state, per §3/§6.
type Packet struct {
	ChannelNumber uint16
	Flags         uint8
	Seq           uint64 // 48-bit sequence number of this segment
	GSNR          uint64 // greatest sequence number received by the sender of this packet
	GSNFR         uint64 // greatest sequence number fully received (contiguous prefix end)
	Vector        []byte // optional selective-ACK run-length bitmap, <=127 bytes
	Data          []byte
}

// LooksLikeRUDP reports whether the wire's first byte carries the RUDP
// marker, letting Transport cheaply decide between the RUDP and STUN
// decode paths before committing to a full parse.
func LooksLikeRUDP(b []byte) bool {
	return len(b) >= 1 && b[0]&0b11000000 == rudpMarker
}

// Encode serializes p onto the wire. All multi-byte fields are
// big-endian, matching this module's network-byte-order policy for
// every wire-facing encoding (§6).
func (p *Packet) Encode() []byte {
	vecLen := 0
	if FlagVP.has(p.Flags) {
		vecLen = 1 + len(p.Vector)
	}
	out := make([]byte, minPacketLen+vecLen+len(p.Data))
	out[0] = rudpMarker
	binary.BigEndian.PutUint16(out[1:3], p.ChannelNumber)
	out[3] = p.Flags
	put48(out[4:10], p.Seq)
	put48(out[10:16], p.GSNR)
	put48(out[16:22], p.GSNFR)
	off := minPacketLen
	if vecLen > 0 {
		out[off] = byte(len(p.Vector))
		off++
		copy(out[off:], p.Vector)
		off += len(p.Vector)
	}
	copy(out[off:], p.Data)
	return out
}

// DecodePacket parses an RUDP wire packet. It returns ErrTooLong if a
// declared vector length exceeds sackvec.MaxVectorBytes or overruns the
// buffer, and ErrInvalidArgument for a truncated header.
func DecodePacket(b []byte) (*Packet, error) {
	if len(b) < minPacketLen {
		return nil, ErrInvalidArgument
	}
	if !LooksLikeRUDP(b) {
		return nil, ErrInvalidArgument
	}
	p := &Packet{
		ChannelNumber: binary.BigEndian.Uint16(b[1:3]),
		Flags:         b[3],
		Seq:           get48(b[4:10]),
		GSNR:          get48(b[10:16]),
		GSNFR:         get48(b[16:22]),
	}
	off := minPacketLen
	if FlagVP.has(p.Flags) {
		if off >= len(b) {
			return nil, ErrInvalidArgument
		}
		vecLen := int(b[off])
		off++
		if vecLen > sackvec.MaxVectorBytes || off+vecLen > len(b) {
			return nil, ErrTooLong
		}
		p.Vector = append([]byte(nil), b[off:off+vecLen]...)
		off += vecLen
	}
	if off < len(b) {
		p.Data = append([]byte(nil), b[off:]...)
	}
	return p, nil
}

func put48(dst []byte, v uint64) {
	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], v<<16)
	copy(dst, tmp[:6])
}

func get48(src []byte) uint64 {
	var tmp [8]byte
	copy(tmp[2:], src[:6])
	return binary.BigEndian.Uint64(tmp[:]) &^ (0xFFFF << 48)
}
