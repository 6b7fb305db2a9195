// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package rudp_test

import (
	"bytes"
	"encoding/binary"
	"io"
	"sync"
	"testing"

	"code.hybscloud.com/rudp"
)

// scriptedConn feeds fixed Read responses and records every Write.
type scriptedConn struct {
	mu     sync.Mutex
	reads  [][]byte
	idx    int
	writes bytes.Buffer
}

func (c *scriptedConn) Read(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.idx >= len(c.reads) {
		return 0, io.EOF
	}
	b := c.reads[c.idx]
	c.idx++
	n := copy(p, b)
	return n, nil
}

func (c *scriptedConn) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.writes.Write(p)
}

type capturingNotifiee struct {
	mu    sync.Mutex
	state rudp.TCPMessagingState
	cause error
	fired bool
}

func (n *capturingNotifiee) OnTCPMessagingStateChange(state rudp.TCPMessagingState, cause error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.state = state
	n.cause = cause
	n.fired = true
}

// TestTCPMessaging_OversizeFrameIsFatalAndSilent is §8 boundary
// scenario 4: a mode-A header declaring a length over max_message_size
// terminates the session with PreconditionFailed and delivers nothing.
func TestTCPMessaging_OversizeFrameIsFatalAndSilent(t *testing.T) {
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], 1025)
	conn := &scriptedConn{reads: [][]byte{hdr[:]}}

	settings := rudp.NewInMemorySettings(map[string]int64{
		rudp.SettingMaxMessageSizeInBytes: 1024,
	})
	tm := rudp.NewTCPMessaging(conn, rudp.ModeA, settings)
	notifiee := &capturingNotifiee{}
	tm.SetStateNotifiee(notifiee)

	if _, err := tm.PumpRead(); !rudp.IsKind(err, rudp.KindPreconditionFailed) {
		t.Fatalf("PumpRead err = %v, want KindPreconditionFailed", err)
	}

	notifiee.mu.Lock()
	state, cause, fired := notifiee.state, notifiee.cause, notifiee.fired
	notifiee.mu.Unlock()
	if !fired || state != rudp.TCPMessagingShutdown {
		t.Fatalf("state = %v fired=%v, want Shutdown", state, fired)
	}
	if !rudp.IsKind(cause, rudp.KindPreconditionFailed) {
		t.Fatalf("cause = %v, want KindPreconditionFailed", cause)
	}

	data, _, err := tm.Recv().ReadBuffer(0)
	if err != nil || data != nil {
		t.Fatalf("Recv after fatal frame = (%q, %v), want (nil, nil): no bytes delivered", data, err)
	}
}

func TestTCPMessaging_ModeA_RoundTrip(t *testing.T) {
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], 3)
	conn := &scriptedConn{reads: [][]byte{append(hdr[:], []byte("xyz")...)}}
	tm := rudp.NewTCPMessaging(conn, rudp.ModeA, nil)

	if _, err := tm.PumpRead(); err != nil && err != io.EOF {
		t.Fatalf("PumpRead: %v", err)
	}
	data, _, err := tm.Recv().ReadBuffer(0)
	if err != nil || string(data) != "xyz" {
		t.Fatalf("Recv = (%q, %v), want (\"xyz\", nil)", data, err)
	}
}

func TestTCPMessaging_ModeB_RequiresChannelHeader(t *testing.T) {
	conn := &scriptedConn{}
	tm := rudp.NewTCPMessaging(conn, rudp.ModeB, nil)
	tm.Send().Write([]byte("hi"), nil) // no ChannelHeader: must fail, not hang

	if _, err := tm.PumpWrite(); !rudp.IsKind(err, rudp.KindExpectationFailed) {
		t.Fatalf("PumpWrite err = %v, want KindExpectationFailed", err)
	}
}

func TestTCPMessaging_ModeB_RoundTrip(t *testing.T) {
	conn := &scriptedConn{}
	tm := rudp.NewTCPMessaging(conn, rudp.ModeB, nil)
	tm.Send().Write([]byte("hi"), rudp.ChannelHeader{ChannelID: 42})

	if _, err := tm.PumpWrite(); err != nil {
		t.Fatalf("PumpWrite: %v", err)
	}

	written := conn.writes.Bytes()
	if len(written) != 10 {
		t.Fatalf("wrote %d bytes, want 10 (8-byte header + 2-byte payload)", len(written))
	}
	if got := binary.BigEndian.Uint32(written[0:4]); got != 42 {
		t.Fatalf("channel id = %d, want 42", got)
	}
	if got := binary.BigEndian.Uint32(written[4:8]); got != 2 {
		t.Fatalf("length = %d, want 2", got)
	}
	if string(written[8:]) != "hi" {
		t.Fatalf("payload = %q, want \"hi\"", written[8:])
	}
}
