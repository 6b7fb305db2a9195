// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package rudp_test

import (
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"code.hybscloud.com/rudp"
)

// recordingRequester records every method it was asked to send and
// defers invoking the callback until releaseAll is called, so a test
// can install its notifiee before the timeout fires.
type recordingRequester struct {
	mu       sync.Mutex
	methods  []rudp.StunMethod
	pending  []func()
	autofire bool
}

func (r *recordingRequester) Request(dest net.Addr, req *rudp.StunPacket, cb rudp.StunRequestCallback) {
	r.mu.Lock()
	r.methods = append(r.methods, req.Method)
	fire := func() { cb(rudp.StunRequesterResult{Err: errors.New("request timed out")}) }
	auto := r.autofire
	if !auto {
		r.pending = append(r.pending, fire)
	}
	r.mu.Unlock()
	if auto {
		fire()
	}
}

func (r *recordingRequester) releaseAll() {
	r.mu.Lock()
	pending := r.pending
	r.pending = nil
	r.mu.Unlock()
	for _, fire := range pending {
		fire()
	}
}

func (r *recordingRequester) calls() []rudp.StunMethod {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]rudp.StunMethod, len(r.methods))
	copy(out, r.methods)
	return out
}

type fakeSendPacketer struct{}

func (fakeSendPacketer) NotifyChannelSendPacket(net.Addr, []byte)        {}
func (fakeSendPacketer) NotifyChannelSendSTUN(net.Addr, *rudp.StunPacket) {}

type capturingChannelNotifiee struct {
	mu    sync.Mutex
	state rudp.ChannelState
	cause error
	fired bool
}

func (n *capturingChannelNotifiee) OnChannelStateChange(state rudp.ChannelState, cause error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.state = state
	n.cause = cause
	n.fired = true
}

// TestChannel_OpenTimeoutIsFatalAndSilent is the silent half of §8
// boundary scenario 6: after a STUN request timeout on the open
// handshake, a later Shutdown sends no ReliableChannelClose goodbye.
// TestChannel_OpenTimeoutNotifiesShutdownWithTimeoutCause checks the
// transition to Shutdown and its Timeout cause.
func TestChannel_OpenTimeoutIsFatalAndSilent(t *testing.T) {
	requester := &recordingRequester{autofire: true}
	remote := &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 9000}

	ch := rudp.DialChannel(remote, "local", "remote", "password", 0x4001, 1,
		10*time.Millisecond, time.Second, rudp.CongestionControl{},
		fakeSendPacketer{}, requester, nil)

	// The channel is already fatally timed out; Shutdown must be a
	// silent no-op, not a second round of requests.
	ch.Shutdown()

	calls := requester.calls()
	if len(calls) != 1 || calls[0] != rudp.MethodReliableChannelOpen {
		t.Fatalf("requester calls = %v, want exactly one ReliableChannelOpen", calls)
	}
	for _, m := range calls {
		if m == rudp.MethodReliableChannelClose {
			t.Fatal("a goodbye must never be sent for a channel that timed out on open")
		}
	}
}

// TestChannel_OpenTimeoutNotifiesShutdownWithTimeoutCause installs the
// notifiee before dialing so it observes the Shutdown transition itself.
func TestChannel_OpenTimeoutNotifiesShutdownWithTimeoutCause(t *testing.T) {
	requester := &recordingRequester{}
	remote := &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 9000}

	id := uint16(0x4002)
	ch := rudp.DialChannel(remote, "local", "remote", "password", id, 1,
		10*time.Millisecond, time.Second, rudp.CongestionControl{},
		fakeSendPacketer{}, requester, nil)

	var notifiee capturingChannelNotifiee
	ch.SetStateNotifiee(&notifiee)
	requester.releaseAll() // now deliver the timeout

	notifiee.mu.Lock()
	state, cause, fired := notifiee.state, notifiee.cause, notifiee.fired
	notifiee.mu.Unlock()
	if !fired || state != rudp.ChannelShutdown {
		t.Fatalf("state = %v fired=%v, want Shutdown", state, fired)
	}
	if !rudp.IsKind(cause, rudp.KindTimeout) {
		t.Fatalf("cause = %v, want KindTimeout", cause)
	}

	if ch.LocalChannelNumber() != id {
		t.Fatalf("local channel number = %#x, want %#x", ch.LocalChannelNumber(), id)
	}
}
