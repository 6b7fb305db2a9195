// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package rudp

import (
	"net"
	"sync"
	"time"
)

// ChannelState is Channel's control-plane lifecycle, per §3.
type ChannelState uint8

const (
	ChannelConnecting ChannelState = iota
	ChannelConnected
	ChannelShuttingDown
	ChannelShutdown
)

// ChannelStateNotifiee receives Channel lifecycle and failure
// notifications.
type ChannelStateNotifiee interface {
	OnChannelStateChange(state ChannelState, cause error)
}

// ChannelSendPacketer is the upcall a Channel uses to put already-
// encoded RUDP bytes on the wire: it never writes directly, per §4.3.
type ChannelSendPacketer interface {
	NotifyChannelSendPacket(remote net.Addr, b []byte)
}

// ChannelSendSTUNer is the upcall a Channel uses to hand Transport a
// constructed STUN request, indication, or response for encoding and
// sending, mirroring ChannelSendPacketer's raw-bytes upcall for the
// control-plane side of §4.3.
type ChannelSendSTUNer interface {
	NotifyChannelSendSTUN(remote net.Addr, pkt *StunPacket)
}

// ChannelTransport is the full upcall surface Channel needs from its
// owning Transport.
type ChannelTransport interface {
	ChannelSendPacketer
	ChannelSendSTUNer
}

// channelIdentity is the tuple named in §3.
type channelIdentity struct {
	localChannelNumber  uint16
	remoteChannelNumber uint16
	remoteAddr          net.Addr
	localFrag           string
	remoteFrag          string
}

// Channel runs the STUN-authenticated control plane for one
// ChannelStream: the open/keep-alive/shutdown/credential-refresh
// handshakes described in §4.3. It owns the application-facing send
// and receive TransportStreams and starts a ChannelStream over them
// once Connected.
type Channel struct {
	mu sync.Mutex

	id    channelIdentity
	state ChannelState

	localPassword  string
	remotePassword string
	minRTT         time.Duration
	lifetime       time.Duration

	realm             string
	nonce             string
	staleNonceRetried bool
	anyRequestTimedOut bool

	keepaliveInterval time.Duration
	lastKeepaliveAt   time.Time

	sendApp *Stream
	recvApp *Stream
	stream  *ChannelStream

	transport ChannelTransport
	requester StunRequester
	crypto    Crypto

	notifiee ChannelStateNotifiee

	opts []Option
}

// newChannel is shared construction for both handshake directions.
func newChannel(id channelIdentity, minRTT, lifetime time.Duration, transport ChannelTransport, requester StunRequester, crypto Crypto, opts ...Option) *Channel {
	return &Channel{
		id:                id,
		state:             ChannelConnecting,
		minRTT:            minRTT,
		lifetime:          lifetime,
		sendApp:           NewStream(),
		recvApp:           NewStream(),
		transport:         transport,
		requester:         requester,
		crypto:            crypto,
		opts:              opts,
		keepaliveInterval: keepaliveInterval(lifetime, minRTT),
		lastKeepaliveAt:   time.Now(),
	}
}

func keepaliveInterval(lifetime, minRTT time.Duration) time.Duration {
	a := lifetime / 3
	b := minRTT * 8
	if b > a {
		return b
	}
	return a
}

// Send returns the Writer applications append outgoing message bytes
// to; one buffer per application write becomes one EQ-delimited
// message on the wire.
func (ch *Channel) Send() *Writer { return ch.sendApp.Writer() }

// Recv returns the Reader that surfaces reassembled inbound messages.
func (ch *Channel) Recv() *Reader { return ch.recvApp.Reader() }

// SetStateNotifiee installs the lifecycle/failure delegate.
func (ch *Channel) SetStateNotifiee(n ChannelStateNotifiee) {
	ch.mu.Lock()
	ch.notifiee = n
	ch.mu.Unlock()
}

func (ch *Channel) notify(state ChannelState, cause error) {
	ch.mu.Lock()
	n := ch.notifiee
	ch.mu.Unlock()
	if n != nil {
		n.OnChannelStateChange(state, cause)
	}
}

// DialChannel starts the outgoing open handshake described in §4.3:
// build the ReliableChannelOpen request and submit it via requester.
// On success, extract the peer's channel number and sequence start,
// transition to Connected, and start the ChannelStream.
func DialChannel(remote net.Addr, localFrag, remoteFrag, remotePassword string, localChannelNumber uint16, localSeqStart uint64, minRTT, lifetime time.Duration, cc CongestionControl, transport ChannelTransport, requester StunRequester, crypto Crypto, opts ...Option) *Channel {
	id := channelIdentity{
		localChannelNumber: localChannelNumber,
		remoteAddr:         remote,
		localFrag:          localFrag,
		remoteFrag:         remoteFrag,
	}
	ch := newChannel(id, minRTT, lifetime, transport, requester, crypto, opts...)
	ch.remotePassword = remotePassword
	ch.sendOpenRequest(localSeqStart, cc)
	return ch
}

func (ch *Channel) sendOpenRequest(localSeqStart uint64, cc CongestionControl) {
	ch.mu.Lock()
	req := &StunPacket{
		Method: MethodReliableChannelOpen,
		Class:  StunRequest,
		Attributes: map[Attribute]any{
			AttrUsername:          ch.id.localFrag + ":" + ch.id.remoteFrag,
			AttrChannelNumber:     ch.id.localChannelNumber,
			AttrNextSequenceNumber: localSeqStart,
			AttrMinimumRTT:        ch.minRTT,
			AttrCongestionControl: cc,
		},
	}
	if ch.crypto != nil {
		req.Attributes[AttrMessageIntegrity] = ch.crypto.HMAC([]byte(ch.remotePassword), nil)
	}
	if ch.nonce != "" {
		req.Attributes[AttrRealm] = ch.realm
		req.Attributes[AttrNonce] = ch.nonce
	}
	remote := ch.id.remoteAddr
	requester := ch.requester
	ch.mu.Unlock()

	requester.Request(remote, req, func(res StunRequesterResult) {
		ch.handleOpenResponse(localSeqStart, res)
	})
}

func (ch *Channel) handleOpenResponse(localSeqStart uint64, res StunRequesterResult) {
	if res.Err != nil {
		ch.mu.Lock()
		ch.anyRequestTimedOut = true
		ch.mu.Unlock()
		ch.finalize(newError(KindTimeout, "open request timed out"))
		return
	}
	if realm, nonce, stale := staleNonceChallenge(res.Response); stale {
		ch.mu.Lock()
		retried := ch.staleNonceRetried
		ch.realm, ch.nonce = realm, nonce
		ch.staleNonceRetried = true
		ch.mu.Unlock()
		if retried {
			ch.finalize(newError(KindUnauthorized, "persistent stale-nonce failure"))
			return
		}
		ch.sendOpenRequest(localSeqStart, CongestionControl{})
		return
	}

	remoteChannelNumber, _ := Attr[uint16](res.Response, AttrChannelNumber)
	remoteSeqStart, _ := Attr[uint64](res.Response, AttrNextSequenceNumber)

	ch.mu.Lock()
	ch.id.remoteChannelNumber = remoteChannelNumber
	ch.state = ChannelConnected
	ch.mu.Unlock()
	ch.startStream(remoteSeqStart)
	ch.notify(ChannelConnected, nil)
}

// AcceptChannel completes the incoming open handshake described in
// §4.3 for a ReliableChannelOpen request Transport has already
// validated (Username prefix, integrity) and allocated a free local
// channel number for (§4.4's bounded-retry probing lives in Transport).
func AcceptChannel(remote net.Addr, localFrag, remoteFrag string, localChannelNumber, remoteChannelNumber uint16, remoteSeqStart uint64, minRTT, lifetime time.Duration, localSeqStart uint64, localPassword string, transport ChannelTransport, requester StunRequester, crypto Crypto, opts ...Option) *Channel {
	id := channelIdentity{
		localChannelNumber:  localChannelNumber,
		remoteChannelNumber: remoteChannelNumber,
		remoteAddr:          remote,
		localFrag:           localFrag,
		remoteFrag:          remoteFrag,
	}
	ch := newChannel(id, minRTT, lifetime, transport, requester, crypto, opts...)
	ch.localPassword = localPassword
	ch.state = ChannelConnected
	ch.startStream(remoteSeqStart)
	return ch
}

func (ch *Channel) startStream(remoteSeqStart uint64) {
	ch.mu.Lock()
	stream := NewChannelStream(ch.sendApp, ch.recvApp, ch, remoteSeqStart, ch.lifetime, ch.opts...)
	ch.stream = stream
	ch.mu.Unlock()
	stream.SetStateNotifiee(channelStreamBridge{ch: ch})
}

// channelStreamBridge adapts ChannelStream's lifecycle notifications
// into Channel's own, per §5's "delegates invoked via a proxy".
type channelStreamBridge struct{ ch *Channel }

func (b channelStreamBridge) OnChannelStreamStateChange(state ChannelStreamState, cause error) {
	if state == ChannelStreamShutdown {
		b.ch.finalize(cause)
	}
}

// EmitSegment implements ChannelStreamSender: it fills the RUDP packet
// fields only Channel knows about (channel number, gsnr/gsnfr/vector)
// and hands the wire bytes to Transport.
func (ch *Channel) EmitSegment(seg Segment) {
	ch.mu.Lock()
	stream := ch.stream
	remoteChannelNumber := ch.id.remoteChannelNumber
	remote := ch.id.remoteAddr
	transport := ch.transport
	ch.mu.Unlock()
	if stream == nil {
		return
	}
	gsnfr, gsnr, vector := stream.AckState()
	pkt := &Packet{
		ChannelNumber: remoteChannelNumber,
		Flags:         seg.Flags,
		Seq:           seg.Seq,
		GSNR:          gsnr,
		GSNFR:         gsnfr,
		Vector:        vector,
		Data:          seg.Data,
	}
	if len(vector) > 0 {
		pkt.Flags = FlagVP.set(pkt.Flags)
	}
	transport.NotifyChannelSendPacket(remote, pkt.Encode())
}

// ExternalAckNow implements ChannelStreamSender: it satisfies a pure
// ack when the ChannelStream has no data segment to piggyback one on.
func (ch *Channel) ExternalAckNow(guaranteeDelivery bool, requestID string) {
	ch.mu.Lock()
	stream := ch.stream
	ch.mu.Unlock()
	if stream == nil {
		return
	}
	gsnfr, gsnr, vector := stream.AckState()

	if !guaranteeDelivery {
		ch.sendACKIndication(gsnfr, gsnr, vector)
		return
	}
	ch.sendACKRequest(gsnfr, gsnr, vector, requestID)
}

// ackAttributes builds the attribute set §4.3 requires on every
// ReliableChannelACK message: the peer's channel number, the ack state
// itself, and message integrity.
func (ch *Channel) ackAttributes(gsnfr, gsnr uint64, vector []byte) map[Attribute]any {
	attrs := map[Attribute]any{
		AttrChannelNumber:      ch.id.remoteChannelNumber,
		AttrNextSequenceNumber: gsnr,
		AttrGSNFR:              gsnfr,
	}
	if len(vector) > 0 {
		attrs[AttrSACKVector] = vector
	}
	if ch.crypto != nil {
		attrs[AttrMessageIntegrity] = ch.crypto.HMAC([]byte(ch.remotePassword), nil)
	}
	return attrs
}

// sendACKIndication satisfies a pure ack via a STUN ReliableChannelACK
// indication, per §4.3: no response is expected or retried.
func (ch *Channel) sendACKIndication(gsnfr, gsnr uint64, vector []byte) {
	ch.mu.Lock()
	remote := ch.id.remoteAddr
	transport := ch.transport
	attrs := ch.ackAttributes(gsnfr, gsnr, vector)
	ch.lastKeepaliveAt = time.Now()
	ch.mu.Unlock()

	pkt := &StunPacket{Method: MethodReliableChannelACK, Class: StunIndication, Attributes: attrs}
	transport.NotifyChannelSendSTUN(remote, pkt)
}

// sendACKRequest guarantees delivery of the current ack state via a
// STUN ReliableChannelACK request, per §4.3.
func (ch *Channel) sendACKRequest(gsnfr, gsnr uint64, vector []byte, requestID string) {
	ch.mu.Lock()
	remote := ch.id.remoteAddr
	requester := ch.requester
	req := &StunPacket{
		Method:     MethodReliableChannelACK,
		Class:      StunRequest,
		Attributes: ch.ackAttributes(gsnfr, gsnr, vector),
	}
	ch.mu.Unlock()
	_ = requestID
	requester.Request(remote, req, func(res StunRequesterResult) {
		if res.Err != nil {
			ch.mu.Lock()
			ch.anyRequestTimedOut = true
			ch.mu.Unlock()
		}
	})
}

// Keepalive fires on the channel's keepalive timer. If the
// ChannelStream hasn't emitted anything within the interval, it sends
// a ReliableChannelACK indication carrying the current ack state.
func (ch *Channel) Keepalive(now time.Time) {
	ch.mu.Lock()
	stream := ch.stream
	interval := ch.keepaliveInterval
	due := now.Sub(ch.lastKeepaliveAt) >= interval
	ch.mu.Unlock()
	if stream == nil || !due {
		return
	}
	if !stream.HasSentSince(now.Add(-interval)) {
		gsnfr, gsnr, vector := stream.AckState()
		ch.sendACKIndication(gsnfr, gsnr, vector)
	}
	ch.mu.Lock()
	ch.lastKeepaliveAt = now
	ch.mu.Unlock()
	stream.Tick(now)
}

// HandleRUDP processes a raw RUDP packet Transport demuxed to this
// channel.
func (ch *Channel) HandleRUDP(pkt *Packet) error {
	ch.mu.Lock()
	stream := ch.stream
	ch.mu.Unlock()
	if stream == nil {
		return ErrClosed
	}
	return stream.HandleInboundPacket(pkt.Seq, pkt.Flags, pkt.Data, pkt.GSNR, pkt.GSNFR, pkt.Vector)
}

// HandleSTUN processes an inbound STUN request or indication for this
// channel (open requests are routed to Transport's accept-new-channel
// flow instead; see §4.4).
func (ch *Channel) HandleSTUN(pkt *StunPacket) *StunPacket {
	switch {
	case pkt.Method == MethodReliableChannelACK && pkt.Class == StunIndication:
		ch.applyACKAttributes(pkt)
		return nil
	case pkt.Method == MethodReliableChannelACK && pkt.Class == StunRequest:
		ch.applyACKAttributes(pkt)
		return &StunPacket{Method: MethodReliableChannelACK, Class: StunSuccessResponse}
	case pkt.Method == MethodReliableChannelClose && pkt.Class == StunRequest:
		ch.beginShutdown(nil)
		return &StunPacket{Method: MethodReliableChannelClose, Class: StunSuccessResponse}
	default:
		return &StunPacket{Method: pkt.Method, Class: StunErrorResponse, ErrorCode: 400}
	}
}

func (ch *Channel) applyACKAttributes(pkt *StunPacket) {
	ch.mu.Lock()
	stream := ch.stream
	ch.mu.Unlock()
	if stream == nil {
		return
	}
	gsnr, _ := Attr[uint64](pkt, AttrNextSequenceNumber)
	gsnfr, hasGSNFR := Attr[uint64](pkt, AttrGSNFR)
	if !hasGSNFR {
		gsnfr = gsnr
	}
	vector, _ := Attr[[]byte](pkt, AttrSACKVector)
	stream.ApplyPeerAck(gsnfr, gsnr, vector)
}

// Shutdown starts the local shutdown handshake: a ReliableChannelClose
// request with Lifetime=0, then drains the ChannelStream.
func (ch *Channel) Shutdown() {
	ch.mu.Lock()
	if ch.state == ChannelShuttingDown || ch.state == ChannelShutdown {
		ch.mu.Unlock()
		return
	}
	ch.state = ChannelShuttingDown
	stream := ch.stream
	timedOut := ch.anyRequestTimedOut
	remote := ch.id.remoteAddr
	remoteChannelNumber := ch.id.remoteChannelNumber
	requester := ch.requester
	ch.mu.Unlock()
	ch.notify(ChannelShuttingDown, nil)

	if stream != nil {
		stream.Shutdown(ShutdownBoth)
	}

	if timedOut {
		return // dead peer: no goodbye, the closure timer cleans state
	}
	req := &StunPacket{
		Method: MethodReliableChannelClose,
		Class:  StunRequest,
		Attributes: map[Attribute]any{
			AttrChannelNumber: remoteChannelNumber,
			AttrLifetime:      0,
		},
	}
	requester.Request(remote, req, func(StunRequesterResult) {})
}

func (ch *Channel) beginShutdown(cause error) {
	ch.mu.Lock()
	if ch.state == ChannelShuttingDown || ch.state == ChannelShutdown {
		ch.mu.Unlock()
		return
	}
	ch.state = ChannelShuttingDown
	stream := ch.stream
	ch.mu.Unlock()
	ch.notify(ChannelShuttingDown, cause)
	if stream != nil {
		stream.Shutdown(ShutdownBoth)
	}
}

func (ch *Channel) finalize(cause error) {
	ch.mu.Lock()
	if ch.state == ChannelShutdown {
		ch.mu.Unlock()
		return
	}
	ch.state = ChannelShutdown
	ch.mu.Unlock()
	ch.sendApp.Cancel()
	ch.recvApp.Cancel()
	ch.notify(ChannelShutdown, cause)
}

// LocalChannelNumber returns this Channel's local identity.
func (ch *Channel) LocalChannelNumber() uint16 {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.id.localChannelNumber
}

// RemoteChannelNumber returns the peer's channel number, valid once Connected.
func (ch *Channel) RemoteChannelNumber() uint16 {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.id.remoteChannelNumber
}

func staleNonceChallenge(resp *StunPacket) (realm, nonce string, stale bool) {
	if resp == nil || resp.Class != StunErrorResponse {
		return "", "", false
	}
	if resp.ErrorCode != 401 && resp.ErrorCode != 438 {
		return "", "", false
	}
	realm, _ = Attr[string](resp, AttrRealm)
	nonce, _ = Attr[string](resp, AttrNonce)
	return realm, nonce, true
}
