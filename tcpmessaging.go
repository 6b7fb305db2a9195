// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package rudp

import (
	"encoding/binary"
	"io"
	"sync"
	"time"

	"code.hybscloud.com/iox"
)

// TCPMessagingMode fixes a TCPMessaging session's frame layout for its
// whole lifetime, per §4.5.
type TCPMessagingMode uint8

const (
	// ModeA frames as u32_be(length) || payload.
	ModeA TCPMessagingMode = iota
	// ModeB frames as u32_be(channel_id) || u32_be(length) || payload;
	// every outbound buffer must carry a ChannelHeader.
	ModeB
)

func (m TCPMessagingMode) headerLen() int {
	if m == ModeB {
		return 8
	}
	return 4
}

// TCPMessagingState is TCPMessaging's lifecycle, per §4.5.
type TCPMessagingState uint8

const (
	TCPMessagingPending TCPMessagingState = iota
	TCPMessagingConnected
	TCPMessagingShuttingDown
	TCPMessagingShutdown
)

// TCPMessagingStateNotifiee receives TCPMessaging lifecycle transitions.
// cause is non-nil only for the Shutdown transition reached via a fatal
// protocol error.
type TCPMessagingStateNotifiee interface {
	OnTCPMessagingStateChange(state TCPMessagingState, cause error)
}

// TCPMessaging is the length-prefixed framed transport over a TCP
// socket described in §4.5: it reuses TransportStream on both ends and
// adapts the teacher's framer state-machine discipline (resumable
// offset tracking across ErrWouldBlock boundaries, §4.1 of forward.go's
// two-phase relay) to a length-prefix ring buffer instead of the
// teacher's single in-flight message buffer.
type TCPMessaging struct {
	mu sync.Mutex

	conn           io.ReadWriter
	mode           TCPMessagingMode
	maxMessageSize uint32

	send *Stream // application writes land here; PumpWrite drains to conn
	recv *Stream // PumpRead delivers whole frames here

	ring    []byte
	ringLen int

	sendBuf []byte
	sendOff int

	state         TCPMessagingState
	notifiee      TCPMessagingStateNotifiee
	backgrounding Backgrounding
	lingerTimer   *time.Timer
}

// NewTCPMessaging constructs a Pending TCPMessaging session over conn.
// settings may be nil, in which case the built-in max-message-size
// default (16MiB, §6) applies.
func NewTCPMessaging(conn io.ReadWriter, mode TCPMessagingMode, settings Settings) *TCPMessaging {
	maxSize := uint32(16 * 1024 * 1024)
	if settings != nil {
		maxSize = settings.GetUint32(SettingMaxMessageSizeInBytes, maxSize)
	}
	return &TCPMessaging{
		conn:           conn,
		mode:           mode,
		maxMessageSize: maxSize,
		send:           NewStream(),
		recv:           NewStream(),
		ring:           make([]byte, 4096),
		backgrounding:  noBackgrounding{},
	}
}

// Send returns the Writer applications append outbound buffers to, one
// buffer per outbound frame.
func (t *TCPMessaging) Send() *Writer { return t.send.Writer() }

// Recv returns the Reader that surfaces whole inbound frames, tagged
// with a ChannelHeader in mode B.
func (t *TCPMessaging) Recv() *Reader { return t.recv.Reader() }

// SetStateNotifiee installs the lifecycle delegate.
func (t *TCPMessaging) SetStateNotifiee(n TCPMessagingStateNotifiee) {
	t.mu.Lock()
	t.notifiee = n
	t.mu.Unlock()
}

// SetBackgrounding stores the Backgrounding collaborator. TCPMessaging
// keeps it but does not call it; ResumeFromBackground does not consult it.
func (t *TCPMessaging) SetBackgrounding(b Backgrounding) {
	t.mu.Lock()
	if b == nil {
		b = noBackgrounding{}
	}
	t.backgrounding = b
	t.mu.Unlock()
}

// MarkConnected transitions Pending -> Connected: on accept (inbound)
// or on the first write-ready callback after connect (outbound), per
// §4.5.
func (t *TCPMessaging) MarkConnected() {
	t.mu.Lock()
	if t.state != TCPMessagingPending {
		t.mu.Unlock()
		return
	}
	t.state = TCPMessagingConnected
	t.mu.Unlock()
	t.notify(TCPMessagingConnected, nil)
}

func (t *TCPMessaging) notify(state TCPMessagingState, cause error) {
	t.mu.Lock()
	n := t.notifiee
	t.mu.Unlock()
	if n != nil {
		n.OnTCPMessagingStateChange(state, cause)
	}
}

func (t *TCPMessaging) fail(err *Error) {
	t.finalize(err)
}

// Shutdown starts the ShuttingDown -> Shutdown transition. A zero
// linger tears down immediately; otherwise teardown happens on timer
// fire or on an earlier substrate error, per §5.
func (t *TCPMessaging) Shutdown(linger time.Duration) {
	t.mu.Lock()
	if t.state == TCPMessagingShuttingDown || t.state == TCPMessagingShutdown {
		t.mu.Unlock()
		return
	}
	t.state = TCPMessagingShuttingDown
	t.mu.Unlock()
	t.notify(TCPMessagingShuttingDown, nil)

	if linger <= 0 {
		t.finalize(nil)
		return
	}
	t.mu.Lock()
	t.lingerTimer = time.AfterFunc(linger, func() { t.finalize(nil) })
	t.mu.Unlock()
}

func (t *TCPMessaging) finalize(cause error) {
	t.mu.Lock()
	if t.state == TCPMessagingShutdown {
		t.mu.Unlock()
		return
	}
	t.state = TCPMessagingShutdown
	if t.lingerTimer != nil {
		t.lingerTimer.Stop()
	}
	t.mu.Unlock()
	t.recv.Cancel()
	t.send.Cancel()
	t.notify(TCPMessagingShutdown, cause)
}

func (t *TCPMessaging) growRing() {
	maxCap := int(t.maxMessageSize) + t.mode.headerLen()
	newCap := len(t.ring) * 2
	if newCap > maxCap {
		newCap = maxCap
	}
	if newCap <= len(t.ring) {
		return
	}
	grown := make([]byte, newCap)
	copy(grown, t.ring[:t.ringLen])
	t.ring = grown
}

// PumpRead fills the ring from conn and emits every whole frame it can
// decode into the receive TransportStream. A frame is consumed only
// when available >= header+length; partial frames remain in the ring.
// A declared length exceeding max_message_size_in_bytes is a fatal
// protocol error (412) that terminates the session.
func (t *TCPMessaging) PumpRead() (int, error) {
	t.mu.Lock()
	if t.state == TCPMessagingShutdown {
		t.mu.Unlock()
		return 0, ErrClosed
	}
	if t.ringLen == len(t.ring) {
		t.growRing()
	}
	n, rerr := t.conn.Read(t.ring[t.ringLen:])
	t.ringLen += n

	delivered := 0
	for {
		consumed, payload, header, ok, perr := t.parseFrameLocked()
		if perr != nil {
			t.mu.Unlock()
			t.fail(perr)
			return n, perr
		}
		if !ok {
			break
		}
		copy(t.ring, t.ring[consumed:t.ringLen])
		t.ringLen -= consumed
		delivered++
		t.mu.Unlock()
		t.recv.Writer().Write(payload, header)
		t.mu.Lock()
	}
	t.mu.Unlock()

	if rerr != nil {
		if rerr == iox.ErrWouldBlock || rerr == iox.ErrMore {
			return n, rerr
		}
		if rerr == io.EOF {
			t.finalize(nil)
			return n, io.EOF
		}
		t.fail(wrapError(KindNetworkConnectTimeout, "tcp read failed", rerr))
		return n, rerr
	}
	return n, nil
}

// parseFrameLocked must be called with t.mu held. It returns ok=false
// when the ring does not yet hold a complete frame.
func (t *TCPMessaging) parseFrameLocked() (consumed int, payload []byte, header StreamHeader, ok bool, err *Error) {
	hdrLen := t.mode.headerLen()
	if t.ringLen < hdrLen {
		return 0, nil, nil, false, nil
	}

	var length uint32
	var channelID uint32
	switch t.mode {
	case ModeA:
		length = binary.BigEndian.Uint32(t.ring[0:4])
	case ModeB:
		channelID = binary.BigEndian.Uint32(t.ring[0:4])
		length = binary.BigEndian.Uint32(t.ring[4:8])
	}

	if length > t.maxMessageSize {
		return 0, nil, nil, false, newError(KindPreconditionFailed, "frame length exceeds max_message_size_in_bytes")
	}
	total := hdrLen + int(length)
	if t.ringLen < total {
		return 0, nil, nil, false, nil
	}

	payload = append([]byte(nil), t.ring[hdrLen:total]...)
	if t.mode == ModeB {
		header = ChannelHeader{ChannelID: channelID}
	}
	return total, payload, header, true, nil
}

// PumpWrite drains the send TransportStream into a pending frame buffer
// and that buffer to conn, one frame at a time, stopping on the first ErrWouldBlock from
// either the stream or the socket.
func (t *TCPMessaging) PumpWrite() (int, error) {
	t.mu.Lock()
	if t.state == TCPMessagingShutdown {
		t.mu.Unlock()
		return 0, ErrClosed
	}
	t.mu.Unlock()

	total := 0
	for {
		t.mu.Lock()
		haveFrame := len(t.sendBuf) > 0
		t.mu.Unlock()

		if !haveFrame {
			data, header, err := t.send.Reader().ReadBuffer(int(t.maxMessageSize))
			if err == iox.ErrWouldBlock {
				return total, nil
			}
			if err != nil {
				fe := wrapError(KindPreconditionFailed, "outbound buffer exceeds max_message_size_in_bytes", err)
				t.fail(fe)
				return total, fe
			}
			if data == nil && header == nil {
				return total, nil // stream closed, nothing more to send
			}

			frame, ferr := t.buildFrameLocked(data, header)
			if ferr != nil {
				t.fail(ferr)
				return total, ferr
			}
			t.mu.Lock()
			t.sendBuf = frame
			t.sendOff = 0
			t.mu.Unlock()
		}

		t.mu.Lock()
		buf := t.sendBuf[t.sendOff:]
		t.mu.Unlock()

		n, werr := t.conn.Write(buf)
		total += n
		t.mu.Lock()
		t.sendOff += n
		done := t.sendOff >= len(t.sendBuf)
		if done {
			t.sendBuf = nil
			t.sendOff = 0
		}
		t.mu.Unlock()

		if werr != nil {
			if werr == iox.ErrWouldBlock || werr == iox.ErrMore {
				return total, werr
			}
			t.fail(wrapError(KindNetworkConnectTimeout, "tcp write failed", werr))
			return total, werr
		}
		if !done {
			return total, nil
		}
	}
}

func (t *TCPMessaging) buildFrameLocked(data []byte, header StreamHeader) ([]byte, *Error) {
	hdrLen := t.mode.headerLen()
	frame := make([]byte, hdrLen+len(data))
	switch t.mode {
	case ModeA:
		binary.BigEndian.PutUint32(frame[0:4], uint32(len(data)))
	case ModeB:
		ch, ok := header.(ChannelHeader)
		if !ok {
			return nil, newError(KindExpectationFailed, "mode B write without ChannelHeader")
		}
		binary.BigEndian.PutUint32(frame[0:4], ch.ChannelID)
		binary.BigEndian.PutUint32(frame[4:8], uint32(len(data)))
	}
	copy(frame[hdrLen:], data)
	return frame, nil
}

// ResumeFromBackground force-reads once to detect a peer close that
// happened during suspension, per §4.5's backgrounding integration
// point.
func (t *TCPMessaging) ResumeFromBackground() {
	_, err := t.PumpRead()
	if err != nil && err != iox.ErrWouldBlock && err != iox.ErrMore && err != io.EOF {
		t.fail(wrapError(KindTimeout, "peer closed while backgrounded", err))
	}
}
