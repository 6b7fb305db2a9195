// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package rudp

import (
	"net"
	"testing"
)

// scriptedCrypto returns each entry of draws in turn from Random, for
// deterministic channel-number-probing tests.
type scriptedCrypto struct {
	draws [][]byte
	next  int
}

func (c *scriptedCrypto) HMAC(key, b []byte) []byte { return nil }

func (c *scriptedCrypto) Random(n int) []byte {
	if c.next >= len(c.draws) {
		return make([]byte, n)
	}
	d := c.draws[c.next]
	c.next++
	return d
}

type noopSubstrate struct{}

func (noopSubstrate) SendPacket(net.Addr, []byte) bool { return true }

type noopRequester struct{}

func (noopRequester) Request(net.Addr, *StunPacket, StunRequestCallback) {}

// TestTransport_AcceptCollision is §8 boundary scenario 5: with 0x4001
// and 0x4002 already occupied and a deterministic RNG producing
// 0x4001, 0x4002, 0x4005, the accepted channel's local number is 0x4005.
func TestTransport_AcceptCollision(t *testing.T) {
	crypto := &scriptedCrypto{draws: [][]byte{{0x00, 0x01}, {0x00, 0x02}, {0x00, 0x05}}}
	tr := NewTransport("local", "remote", noopSubstrate{}, noopRequester{}, crypto, nil, nil)
	tr.byLocalChannel[0x4001] = &Channel{}
	tr.byLocalChannel[0x4002] = &Channel{}

	got, ok := tr.probeFreeChannelNumber()
	if !ok {
		t.Fatal("probeFreeChannelNumber: want ok=true")
	}
	if got != 0x4005 {
		t.Fatalf("local channel number = %#x, want 0x4005", got)
	}
}

// TestTransport_AcceptCollision_ExhaustsAttempts confirms InsufficientCapacity
// after exactly 5 colliding draws.
func TestTransport_AcceptCollision_ExhaustsAttempts(t *testing.T) {
	crypto := &scriptedCrypto{draws: [][]byte{{0x00, 0x01}, {0x00, 0x01}, {0x00, 0x01}, {0x00, 0x01}, {0x00, 0x01}}}
	tr := NewTransport("local", "remote", noopSubstrate{}, noopRequester{}, crypto, nil, nil)
	tr.byLocalChannel[0x4001] = &Channel{}

	_, ok := tr.probeFreeChannelNumber()
	if ok {
		t.Fatal("probeFreeChannelNumber: want ok=false after 5 colliding draws")
	}
	if crypto.next != 5 {
		t.Fatalf("crypto.Random called %d times, want exactly 5", crypto.next)
	}
}
