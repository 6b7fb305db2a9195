// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package rudp

import (
	"net"
	"sync"
	"time"
)

// TransportState is Transport's lifecycle, per §4.4.
type TransportState uint8

const (
	TransportPending TransportState = iota
	TransportReady
	TransportShuttingDown
	TransportShutdown
)

// TransportStateNotifiee receives Transport lifecycle transitions.
type TransportStateNotifiee interface {
	OnTransportStateChange(state TransportState)
}

// PendingChannelNotifiee is told a new incoming Channel is waiting in
// pending_accepts, per §4.4's "notify the subscriber 'channel waiting'".
type PendingChannelNotifiee interface {
	OnChannelWaiting()
}

const (
	channelNumberLow  = 0x4000
	channelNumberHigh = 0x8000
	maxProbeAttempts  = 5
)

// Transport owns the set of Channels sharing one unreliable path: it
// demultiplexes inbound RUDP/STUN datagrams by channel number, runs
// the accept-new-channel handshake described in §4.4, and fans out
// send-ready notifications.
type Transport struct {
	mu sync.Mutex

	state TransportState

	localFrag  string
	remoteFrag string

	byLocalChannel  map[uint16]*Channel
	byRemoteChannel map[uint16]*Channel

	pendingAccepts []*Channel

	substrate Substrate
	requester StunRequester
	crypto    Crypto
	settings  Settings

	notifiee       TransportStateNotifiee
	pendingNotifiee PendingChannelNotifiee

	lifetime time.Duration
	minRTT   time.Duration
	opts     []Option

	collector *TransportCollector
}

// NewTransport constructs a Pending Transport riding substrate. If reg
// is non-nil, a TransportCollector observing this Transport's live
// channel set is registered on it, per §6's metrics collaborator.
func NewTransport(localFrag, remoteFrag string, substrate Substrate, requester StunRequester, crypto Crypto, settings Settings, reg MetricsRegisterer, opts ...Option) *Transport {
	if settings == nil {
		settings = NewInMemorySettings(nil)
	}
	lifetime := time.Duration(settings.GetUint32(SettingLifetimeDefaultSeconds, 30)) * time.Second
	minRTT := time.Duration(settings.GetUint32(SettingMinRTTFloorMillis, 50)) * time.Millisecond

	t := &Transport{
		state:           TransportPending,
		localFrag:       localFrag,
		remoteFrag:      remoteFrag,
		byLocalChannel:  make(map[uint16]*Channel),
		byRemoteChannel: make(map[uint16]*Channel),
		substrate:       substrate,
		requester:       requester,
		crypto:          crypto,
		settings:        settings,
		lifetime:        lifetime,
		minRTT:          minRTT,
		opts:            opts,
	}
	if reg != nil {
		t.collector = NewTransportCollector(t)
		reg.MustRegister(t.collector)
	}
	return t
}

// SetStateNotifiee installs the Transport lifecycle delegate.
func (t *Transport) SetStateNotifiee(n TransportStateNotifiee) {
	t.mu.Lock()
	t.notifiee = n
	t.mu.Unlock()
}

// SetPendingChannelNotifiee installs the "channel waiting" delegate.
func (t *Transport) SetPendingChannelNotifiee(n PendingChannelNotifiee) {
	t.mu.Lock()
	t.pendingNotifiee = n
	t.mu.Unlock()
}

func (t *Transport) notify(state TransportState) {
	t.mu.Lock()
	n := t.notifiee
	t.mu.Unlock()
	if n != nil {
		n.OnTransportStateChange(state)
	}
}

// OnSubstrateStateChange implements SubstrateStateNotifiee: Ready is
// entered once the substrate reports Nominated or Completed, per §4.4.
func (t *Transport) OnSubstrateStateChange(state SubstrateState) {
	if state != SubstrateNominated && state != SubstrateCompleted {
		return
	}
	t.mu.Lock()
	if t.state != TransportPending {
		t.mu.Unlock()
		return
	}
	t.state = TransportReady
	t.mu.Unlock()
	t.notify(TransportReady)
}

// NotifyChannelSendPacket implements ChannelSendPacketer: Channel's
// outbound path for already-encoded RUDP bytes, handed straight to the
// substrate.
func (t *Transport) NotifyChannelSendPacket(remote net.Addr, b []byte) {
	t.substrate.SendPacket(remote, b)
}

// NotifyChannelSendSTUN implements ChannelSendSTUNer: Channel's
// outbound path for STUN messages, encoded by the embedder's codec
// collaborator (§1/§6) and handed to the substrate.
func (t *Transport) NotifyChannelSendSTUN(remote net.Addr, pkt *StunPacket) {
	t.sendStunPacket(remote, pkt)
}

// stunEncoder is the encode-side counterpart of stunDecoder, optionally
// implemented by the embedder's StunRequester collaborator.
type stunEncoder interface {
	EncodeStun(pkt *StunPacket) []byte
}

func (t *Transport) sendStunPacket(remote net.Addr, pkt *StunPacket) {
	if pkt == nil {
		return
	}
	enc, ok := t.requester.(stunEncoder)
	if !ok {
		return
	}
	t.substrate.SendPacket(remote, enc.EncodeStun(pkt))
}

// HandleDatagram demultiplexes one inbound datagram from the
// substrate, per §4.4's two-branch dispatch.
func (t *Transport) HandleDatagram(remote net.Addr, b []byte) {
	if LooksLikeRUDP(b) {
		t.handleRUDPDatagram(b)
		return
	}
	t.handleStunDatagram(remote, b)
}

func (t *Transport) handleRUDPDatagram(b []byte) {
	pkt, err := DecodePacket(b)
	if err != nil {
		return
	}
	t.mu.Lock()
	ch := t.byLocalChannel[pkt.ChannelNumber]
	t.mu.Unlock()
	if ch == nil {
		return
	}
	_ = ch.HandleRUDP(pkt)
}

// stunDecoder is supplied by the embedder's STUN codec collaborator
// (§1/§6); Transport never parses STUN bytes itself.
type stunDecoder interface {
	DecodeStun(b []byte) (*StunPacket, bool)
}

func (t *Transport) handleStunDatagram(remote net.Addr, b []byte) {
	dec, _ := t.requester.(stunDecoder)
	if dec == nil {
		return
	}
	pkt, ok := dec.DecodeStun(b)
	if !ok {
		return
	}

	username, _ := Attr[string](pkt, AttrUsername)
	localFragMatches := username != "" && matchesLocalFrag(username, t.localFrag)

	if localFragMatches {
		chanNum, _ := Attr[uint16](pkt, AttrChannelNumber)
		t.mu.Lock()
		ch := t.byRemoteChannel[chanNum]
		t.mu.Unlock()
		if ch != nil {
			t.sendStunPacket(remote, ch.HandleSTUN(pkt))
			return
		}
	}

	if pkt.Method == MethodReliableChannelOpen && pkt.Class == StunRequest {
		t.acceptNewChannel(remote, pkt)
		return
	}

	if pkt.Class == StunRequest {
		t.sendStunPacket(remote, &StunPacket{Method: pkt.Method, Class: StunErrorResponse, ErrorCode: 400})
	}
}

func matchesLocalFrag(username, localFrag string) bool {
	for i := 0; i < len(username); i++ {
		if username[i] == ':' {
			return username[:i] == localFrag
		}
	}
	return false
}

// acceptNewChannel implements §4.4's accept-new-channel flow.
func (t *Transport) acceptNewChannel(remote net.Addr, req *StunPacket) {
	username, _ := Attr[string](req, AttrUsername)
	_, hasIntegrity := Attr[[]byte](req, AttrMessageIntegrity)
	remoteSeqStart, hasSeq := Attr[uint64](req, AttrNextSequenceNumber)
	cc, hasCC := Attr[CongestionControl](req, AttrCongestionControl)
	if username == "" || !hasIntegrity || !hasSeq || !hasCC || len(cc.Local) == 0 || len(cc.Remote) == 0 {
		t.sendStunPacket(remote, &StunPacket{Method: req.Method, Class: StunErrorResponse, ErrorCode: 400})
		return
	}
	remoteChannelNumber, _ := Attr[uint16](req, AttrChannelNumber)

	localChannelNumber, ok := t.probeFreeChannelNumber()
	if !ok {
		t.sendStunPacket(remote, &StunPacket{
			Method:    MethodReliableChannelOpen,
			Class:     StunErrorResponse,
			ErrorCode: insufficientCapacityErrorCode,
		})
		return
	}

	localFrag, remoteFrag := splitUsername(username)
	localSeqStart := uint64(0)
	ch := AcceptChannel(remote, localFrag, remoteFrag, localChannelNumber, remoteChannelNumber, remoteSeqStart, t.minRTT, t.lifetime, localSeqStart, "", t, t.requester, t.crypto, t.opts...)

	t.mu.Lock()
	t.byLocalChannel[localChannelNumber] = ch
	t.byRemoteChannel[remoteChannelNumber] = ch
	t.pendingAccepts = append(t.pendingAccepts, ch)
	notifiee := t.pendingNotifiee
	t.mu.Unlock()

	// §4.3's success response carries the responder's own channel
	// number and initial sequence number back to the dialer, symmetric
	// to the attributes the dialer sent in its ReliableChannelOpen.
	resp := &StunPacket{
		Method: MethodReliableChannelOpen,
		Class:  StunSuccessResponse,
		Attributes: map[Attribute]any{
			AttrChannelNumber:      localChannelNumber,
			AttrNextSequenceNumber: localSeqStart,
		},
	}
	if t.crypto != nil {
		resp.Attributes[AttrMessageIntegrity] = t.crypto.HMAC(nil, nil)
	}
	t.sendStunPacket(remote, resp)

	if notifiee != nil {
		notifiee.OnChannelWaiting()
	}
}

func splitUsername(username string) (localFrag, remoteFrag string) {
	for i := 0; i < len(username); i++ {
		if username[i] == ':' {
			return username[:i], username[i+1:]
		}
	}
	return username, ""
}

// probeFreeChannelNumber implements the bounded random-probing scheme:
// exactly 5 attempts within [0x4000, 0x8000) before giving up, per
// §8's deterministic-RNG boundary scenario.
func (t *Transport) probeFreeChannelNumber() (uint16, bool) {
	span := uint32(channelNumberHigh - channelNumberLow)
	for attempt := 0; attempt < maxProbeAttempts; attempt++ {
		raw := t.crypto.Random(2)
		v := uint16(channelNumberLow) + uint16((uint32(raw[0])<<8|uint32(raw[1]))%span)
		t.mu.Lock()
		_, taken := t.byLocalChannel[v]
		t.mu.Unlock()
		if !taken {
			return v, true
		}
	}
	return 0, false
}

// Accept pops the next waiting incoming Channel, or nil if none is
// ready.
func (t *Transport) Accept() *Channel {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.pendingAccepts) == 0 {
		return nil
	}
	ch := t.pendingAccepts[0]
	t.pendingAccepts = t.pendingAccepts[1:]
	return ch
}

// Dial starts an outgoing Channel open handshake and registers it
// under a local channel number picked by the same bounded random
// probing the accept path uses (the remote half is filled in on
// success). It returns nil if probing finds no free number.
func (t *Transport) Dial(remote net.Addr, remoteFrag, remotePassword string, localSeqStart uint64, cc CongestionControl) *Channel {
	localChannelNumber, ok := t.probeFreeChannelNumber()
	if !ok {
		return nil
	}
	ch := DialChannel(remote, t.localFrag, remoteFrag, remotePassword, localChannelNumber, localSeqStart, t.minRTT, t.lifetime, cc, t, t.requester, t.crypto, t.opts...)
	t.mu.Lock()
	t.byLocalChannel[localChannelNumber] = ch
	t.mu.Unlock()
	ch.SetStateNotifiee(dialRegistrationNotifiee{t: t, ch: ch, local: localChannelNumber})
	return ch
}

// dialRegistrationNotifiee registers the Channel under its remote
// channel number as soon as the open handshake completes, and removes
// both map entries on Shutdown.
type dialRegistrationNotifiee struct {
	t     *Transport
	ch    *Channel
	local uint16
}

func (d dialRegistrationNotifiee) OnChannelStateChange(state ChannelState, cause error) {
	switch state {
	case ChannelConnected:
		d.t.mu.Lock()
		d.t.byRemoteChannel[d.ch.RemoteChannelNumber()] = d.ch
		d.t.mu.Unlock()
	case ChannelShutdown:
		d.t.mu.Lock()
		delete(d.t.byLocalChannel, d.local)
		delete(d.t.byRemoteChannel, d.ch.RemoteChannelNumber())
		d.t.mu.Unlock()
	}
}

// Channels returns a snapshot of every live Channel, for send-ready
// fanout and for the metrics collector.
func (t *Transport) Channels() []*Channel {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*Channel, 0, len(t.byLocalChannel))
	for _, ch := range t.byLocalChannel {
		out = append(out, ch)
	}
	return out
}

// NotifyWritable implements send-ready fanout: every live Channel gets
// a chance to drain within its current cwnd.
func (t *Transport) NotifyWritable() {
	for _, ch := range t.Channels() {
		if ch.stream != nil {
			_ = ch.stream.PumpSend()
		}
	}
}

// Tick drives every live Channel's keepalive/RTO timer.
func (t *Transport) Tick(now time.Time) {
	for _, ch := range t.Channels() {
		ch.Keepalive(now)
	}
}

// Shutdown tears down every channel. Channels that failed due to the
// Transport's own substrate error are shut down via the timeout path
// (skipping the goodbye), per §4.4.
func (t *Transport) Shutdown(cause error) {
	t.mu.Lock()
	if t.state == TransportShuttingDown || t.state == TransportShutdown {
		t.mu.Unlock()
		return
	}
	t.state = TransportShuttingDown
	channels := make([]*Channel, 0, len(t.byLocalChannel))
	for _, ch := range t.byLocalChannel {
		channels = append(channels, ch)
	}
	t.mu.Unlock()
	t.notify(TransportShuttingDown)

	for _, ch := range channels {
		if cause != nil {
			ch.mu.Lock()
			ch.anyRequestTimedOut = true
			ch.mu.Unlock()
		}
		ch.Shutdown()
	}

	t.mu.Lock()
	t.state = TransportShutdown
	t.mu.Unlock()
	t.notify(TransportShutdown)
}
