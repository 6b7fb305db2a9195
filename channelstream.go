// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package rudp

import (
	"sync"
	"time"

	"code.hybscloud.com/iox"
	"code.hybscloud.com/rudp/internal/sackvec"
	"code.hybscloud.com/rudp/internal/seqnum"
)

// ChannelStreamState is ChannelStream's lifecycle, per §4.2.
type ChannelStreamState uint8

const (
	ChannelStreamReady ChannelStreamState = iota
	ChannelStreamShutting
	ChannelStreamShutdown
)

// ShutdownDirection selects which half of a ChannelStream a Shutdown
// request drains, per §4.2's two-phase shutdown.
type ShutdownDirection uint8

const (
	ShutdownSend ShutdownDirection = iota
	ShutdownReceive
	ShutdownBoth
)

// Segment is what ChannelStream hands up to Channel for one outbound
// RUDP payload: sequence, the EQ/AR bits it decided, and the bytes.
// Channel fills in the remaining header fields (channel number, gsnr,
// gsnfr, vector) that only it knows about, per §4.2/§4.3.
type Segment struct {
	Seq   uint64
	Flags uint8
	Data  []byte
}

// ChannelStreamSender is the narrow upcall surface into Channel: emit
// one data segment, or request an out-of-band ack when there is no
// data segment to piggyback one on.
type ChannelStreamSender interface {
	EmitSegment(seg Segment)
	ExternalAckNow(guaranteeDelivery bool, requestID string)
}

// ChannelStreamStateNotifiee receives ChannelStream lifecycle and
// failure notifications, per §4.2's failure table.
type ChannelStreamStateNotifiee interface {
	OnChannelStreamStateChange(state ChannelStreamState, cause error)
}

type sendEntry struct {
	seq              uint64
	data             []byte
	eq               bool
	xmitCount        int
	firstSentAt      time.Time
	lastSentAt       time.Time
	flaggedForResend bool
}

type recvEntry struct {
	data []byte
	eq   bool
}

// ChannelStream is the reliable, ordered, message-delimited pipe over
// one unreliable unicast path described in §4.2 — the module's hard
// core. It segments outgoing TransportStream bytes, tracks a send/recv
// sliding window keyed by 48-bit sequence number, reassembles on EQ
// boundaries, and runs a fixed windowed congestion scheme with Karn's
// rule RTT sampling and fast retransmit on repeated gap candidates.
type ChannelStream struct {
	mu sync.Mutex

	opts  Options
	state ChannelStreamState

	sendApp *Reader
	recvApp *Writer
	sender  ChannelStreamSender

	notifiee ChannelStreamStateNotifiee

	// send side
	localSeq    uint64
	sendBuf     map[uint64]*sendEntry
	sendOrder   []uint64 // ascending by seq, pruned as entries are released
	dupAckCount map[uint64]int
	gsnfrAcked  uint64

	pendingSendData []byte
	pendingSendHas  bool

	cwnd      int
	ssthresh  int
	caAccum   int
	rtoBack   int
	srtt      time.Duration
	rttvar    time.Duration
	lastARAt  time.Time
	lastSendAt time.Time

	// recv side
	remoteSeq        uint64
	recvNextExpected uint64
	recvBuf          map[uint64]*recvEntry
	recvBlocking     bool

	ackRequired   bool
	ackDeadline   time.Time
	lastRecvAt    time.Time

	lifetime     time.Duration
	shutdownDir  ShutdownDirection

	// cumulative counters, read by metrics.go's TransportCollector
	retransmitsTotal   uint64
	bytesAckedTotal    uint64
	bytesReceivedTotal uint64
	segsOutTotal       uint64
	segsInTotal        uint64
	duplicatesTotal    uint64
}

// ChannelStreamStats is a point-in-time snapshot for the metrics
// collector (§6 **[ADDED]**); it never leaks the live struct or its lock.
type ChannelStreamStats struct {
	Cwnd               int
	Ssthresh           int
	InFlight           int
	SmoothedRTT        time.Duration
	RTTVar             time.Duration
	RetransmitsTotal   uint64
	BytesAckedTotal    uint64
	BytesReceivedTotal uint64
	SegsOutTotal       uint64
	SegsInTotal        uint64
	Duplicates         uint64
}

// Stats returns a snapshot of this ChannelStream's counters.
func (cs *ChannelStream) Stats() ChannelStreamStats {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return ChannelStreamStats{
		Cwnd:               cs.cwnd,
		Ssthresh:           cs.ssthresh,
		InFlight:           len(cs.sendBuf),
		SmoothedRTT:        cs.srtt,
		RTTVar:             cs.rttvar,
		RetransmitsTotal:   cs.retransmitsTotal,
		BytesAckedTotal:    cs.bytesAckedTotal,
		BytesReceivedTotal: cs.bytesReceivedTotal,
		SegsOutTotal:       cs.segsOutTotal,
		SegsInTotal:        cs.segsInTotal,
		Duplicates:         cs.duplicatesTotal,
	}
}

// NewChannelStream constructs a Ready ChannelStream. sendApp is read
// for outbound application bytes (one TransportStream buffer per
// message, per the module's EQ convention); recvApp is written with
// reassembled inbound messages.
func NewChannelStream(sendApp *Stream, recvApp *Stream, sender ChannelStreamSender, startSeq uint64, lifetime time.Duration, opts ...Option) *ChannelStream {
	o := buildOptions(opts...)
	return &ChannelStream{
		opts:             o,
		state:            ChannelStreamReady,
		sendApp:          sendApp.Reader(),
		recvApp:          recvApp.Writer(),
		sender:           sender,
		sendBuf:          make(map[uint64]*sendEntry),
		dupAckCount:      make(map[uint64]int),
		recvBuf:          make(map[uint64]*recvEntry),
		localSeq:         startSeq,
		recvNextExpected: startSeq,
		cwnd:             o.InitialCwnd,
		ssthresh:         o.InitialCwnd * 4,
		lifetime:         lifetime,
		lastRecvAt:       time.Now(),
	}
}

// SetStateNotifiee installs the lifecycle/failure delegate.
func (cs *ChannelStream) SetStateNotifiee(n ChannelStreamStateNotifiee) {
	cs.mu.Lock()
	cs.notifiee = n
	cs.mu.Unlock()
}

func (cs *ChannelStream) notify(state ChannelStreamState, cause error) {
	cs.mu.Lock()
	n := cs.notifiee
	cs.mu.Unlock()
	if n != nil {
		n.OnChannelStreamStateChange(state, cause)
	}
}

// AckState returns the current (gsnfr, gsnr, vector) Channel should
// stamp on the next outbound packet, reduced per the truncation rule
// in §4.2 (the returned gsnr reflects what the vector actually covers).
func (cs *ChannelStream) AckState() (gsnfr, gsnr uint64, vector []byte) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	gsnfr = seqnum.Add(cs.recvNextExpected, -1)
	vector, effective := sackvec.Encode(gsnfr, cs.remoteSeq, cs.receivedLocked)
	return gsnfr, effective, vector
}

func (cs *ChannelStream) receivedLocked(seq uint64) bool {
	if seqnum.Less(seq, cs.recvNextExpected) {
		return true
	}
	_, ok := cs.recvBuf[seq]
	return ok
}

// PumpSend segments buffered outgoing bytes and emits as many as the
// congestion window admits. Returns iox.ErrWouldBlock when the outgoing
// TransportStream has nothing more ready right now.
func (cs *ChannelStream) PumpSend() error {
	for {
		cs.mu.Lock()
		if cs.state == ChannelStreamShutdown {
			cs.mu.Unlock()
			return ErrClosed
		}
		if len(cs.sendBuf) >= cs.cwnd {
			cs.mu.Unlock()
			return nil
		}
		if !cs.pendingSendHas {
			cs.mu.Unlock()
			data, _, err := cs.sendApp.ReadBuffer(0)
			if err == iox.ErrWouldBlock {
				return iox.ErrWouldBlock
			}
			if err != nil {
				return err
			}
			cs.mu.Lock()
			cs.pendingSendData = data
			cs.pendingSendHas = true
		}

		take := len(cs.pendingSendData)
		if take > cs.opts.MaxSegmentSize {
			take = cs.opts.MaxSegmentSize
		}
		segData := append([]byte(nil), cs.pendingSendData[:take]...)
		cs.pendingSendData = cs.pendingSendData[take:]
		isLast := len(cs.pendingSendData) == 0
		if isLast {
			cs.pendingSendHas = false
			cs.pendingSendData = nil
		}

		seq := cs.localSeq
		cs.localSeq = seqnum.Add(cs.localSeq, 1)
		entry := &sendEntry{seq: seq, data: segData, eq: isLast, firstSentAt: time.Now(), lastSentAt: time.Now(), xmitCount: 1}
		cs.sendBuf[seq] = entry
		cs.sendOrder = append(cs.sendOrder, seq)
		wasEmpty := len(cs.sendBuf) == 1

		flags := uint8(0)
		if isLast {
			flags = FlagEQ.set(flags)
		}
		if wasEmpty || time.Since(cs.lastARAt) >= cs.halfRTTLocked() {
			flags = FlagAR.set(flags)
			cs.lastARAt = time.Now()
		}
		cs.lastSendAt = time.Now()
		cs.segsOutTotal++
		cs.mu.Unlock()

		cs.sender.EmitSegment(Segment{Seq: seq, Flags: flags, Data: segData})
	}
}

func (cs *ChannelStream) halfRTTLocked() time.Duration {
	if cs.srtt > 0 {
		return cs.srtt / 2
	}
	return cs.opts.MinRTO / 2
}

// HandleInboundPacket processes one decoded RUDP packet: updates the
// receive window and delivers contiguous reassembled bytes, then
// applies peer ack feedback to the send window's congestion and
// retransmit state.
func (cs *ChannelStream) HandleInboundPacket(seq uint64, flags uint8, data []byte, peerGSNR, peerGSNFR uint64, peerVector []byte) error {
	cs.mu.Lock()
	if cs.state == ChannelStreamShutdown {
		cs.mu.Unlock()
		return ErrClosed
	}
	if seqnum.Less(peerGSNR, peerGSNFR) {
		cs.mu.Unlock()
		cs.finalize(ChannelStreamShutdown, newError(KindIllegalStreamState, "peer reported gsnfr > gsnr in the same packet"))
		return ErrClosed
	}

	cs.lastRecvAt = time.Now()

	switch {
	case seqnum.Less(seq, cs.recvNextExpected):
		// already delivered: the peer retransmitted a segment we acked.
		cs.duplicatesTotal++
	case cs.shutdownDir == ShutdownReceive || cs.shutdownDir == ShutdownBoth:
		// receive side draining: accept no further segments, in order or not.
	default:
		if _, exists := cs.recvBuf[seq]; exists {
			cs.duplicatesTotal++
		}
		cs.recvBuf[seq] = &recvEntry{data: append([]byte(nil), data...), eq: FlagEQ.has(flags)}
		if seq == cs.recvNextExpected {
			cs.deliverContiguousLocked()
		}
	}
	cs.remoteSeq = seqnum.Max(cs.remoteSeq, seq)
	cs.segsInTotal++
	cs.bytesReceivedTotal += uint64(len(data))

	if FlagAR.has(flags) {
		cs.ackRequired = true
		cs.ackDeadline = time.Now().Add(cs.ackDelayLocked())
	}

	emitSeg := cs.processAcksLocked(peerGSNFR, peerGSNR, peerVector)
	cs.mu.Unlock()
	if emitSeg != nil {
		cs.sender.EmitSegment(*emitSeg)
	}
	return nil
}

// ApplyPeerAck feeds a pure ack (a ReliableChannelACK indication, no
// data segment attached) into the send window's bookkeeping, for
// keepalive/ack-now traffic that carries no sequenced payload.
func (cs *ChannelStream) ApplyPeerAck(gsnfr, gsnr uint64, vector []byte) {
	cs.mu.Lock()
	if cs.state == ChannelStreamShutdown {
		cs.mu.Unlock()
		return
	}
	seg := cs.processAcksLocked(gsnfr, gsnr, vector)
	cs.mu.Unlock()
	if seg != nil {
		cs.sender.EmitSegment(*seg)
	}
}

// HasSentSince reports whether PumpSend/Tick emitted anything after t,
// used by Channel's keepalive timer to decide whether a standalone ack
// indication is needed this interval.
func (cs *ChannelStream) HasSentSince(t time.Time) bool {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return cs.lastSendAt.After(t)
}

func (cs *ChannelStream) ackDelayLocked() time.Duration {
	if cs.opts.AckDelay > 0 {
		return cs.opts.AckDelay
	}
	return cs.halfRTTLocked() / 2
}

// deliverContiguousLocked must be called with cs.mu held.
func (cs *ChannelStream) deliverContiguousLocked() {
	for {
		e, ok := cs.recvBuf[cs.recvNextExpected]
		if !ok {
			break
		}
		if !cs.recvBlocking {
			cs.recvApp.Block()
			cs.recvBlocking = true
		}
		cs.recvApp.Write(e.data, nil)
		if e.eq {
			cs.recvApp.Unblock()
			cs.recvBlocking = false
		}
		delete(cs.recvBuf, cs.recvNextExpected)
		cs.recvNextExpected = seqnum.Add(cs.recvNextExpected, 1)
	}
}

// processAcksLocked must be called with cs.mu held. It returns a
// segment to retransmit, if fast retransmit fired, for the caller to
// emit after releasing the lock.
func (cs *ChannelStream) processAcksLocked(gsnfr, gsnr uint64, vector []byte) *Segment {
	received := sackvec.Decode(gsnfr, gsnr, vector)

	acked := false
	for _, seq := range cs.sendOrder {
		if !seqnum.LessEq(seq, gsnfr) {
			continue
		}
		entry, ok := cs.sendBuf[seq]
		if !ok {
			continue
		}
		if entry.xmitCount == 1 {
			cs.sampleRTTLocked(time.Since(entry.firstSentAt))
		}
		cs.bytesAckedTotal += uint64(len(entry.data))
		delete(cs.sendBuf, seq)
		delete(cs.dupAckCount, seq)
		acked = true
	}
	if seqnum.Less(cs.gsnfrAcked, gsnfr) {
		cs.gsnfrAcked = gsnfr
	}
	cs.pruneSendOrderLocked()
	if acked {
		cs.onAckedSegmentsLocked()
	}

	foundCandidate := false
	var oldest uint64
	for _, seq := range cs.sendOrder {
		if !seqnum.LessEq(seq, gsnr) {
			break
		}
		if seqnum.LessEq(seq, gsnfr) {
			continue
		}
		if received[seq] {
			continue
		}
		cs.dupAckCount[seq]++
		if foundCandidate {
			continue
		}
		if cs.dupAckCount[seq] >= cs.fastRetransmitThresholdLocked() {
			if entry, ok := cs.sendBuf[seq]; ok && !entry.flaggedForResend {
				entry.flaggedForResend = true
				foundCandidate = true
				oldest = seq
			}
		}
	}
	if foundCandidate {
		seg := cs.retransmitLocked(oldest)
		cs.onLossLocked()
		return seg
	}
	return nil
}

func (cs *ChannelStream) fastRetransmitThresholdLocked() int {
	if cs.opts.FastRetransmitThreshold > 0 {
		return cs.opts.FastRetransmitThreshold
	}
	return 3
}

func (cs *ChannelStream) pruneSendOrderLocked() {
	kept := cs.sendOrder[:0]
	for _, seq := range cs.sendOrder {
		if _, ok := cs.sendBuf[seq]; ok {
			kept = append(kept, seq)
		}
	}
	cs.sendOrder = kept
}

func (cs *ChannelStream) retransmitLocked(seq uint64) *Segment {
	entry, ok := cs.sendBuf[seq]
	if !ok {
		return nil
	}
	entry.xmitCount++
	entry.lastSentAt = time.Now()
	entry.flaggedForResend = false
	cs.retransmitsTotal++
	cs.segsOutTotal++
	flags := uint8(0)
	if entry.eq {
		flags = FlagEQ.set(flags)
	}
	flags = FlagAR.set(flags)
	cs.lastARAt = time.Now()
	cs.lastSendAt = time.Now()
	return &Segment{Seq: entry.seq, Flags: flags, Data: entry.data}
}

func (cs *ChannelStream) sampleRTTLocked(sample time.Duration) {
	if cs.srtt == 0 {
		cs.srtt = sample
		cs.rttvar = sample / 2
	} else {
		delta := cs.srtt - sample
		if delta < 0 {
			delta = -delta
		}
		cs.rttvar = (3*cs.rttvar + delta) / 4
		cs.srtt = (7*cs.srtt + sample) / 8
	}
	cs.rtoBack = 1
}

func (cs *ChannelStream) onAckedSegmentsLocked() {
	if cs.cwnd < cs.ssthresh {
		cs.cwnd++
		return
	}
	cs.caAccum++
	if cs.caAccum >= cs.cwnd {
		cs.cwnd++
		cs.caAccum = 0
	}
}

func (cs *ChannelStream) onLossLocked() {
	cs.ssthresh = cs.cwnd / 2
	if cs.ssthresh < 2 {
		cs.ssthresh = 2
	}
	cs.cwnd = cs.ssthresh
	cs.caAccum = 0
}

func (cs *ChannelStream) currentRTOLocked() time.Duration {
	base := cs.srtt + 4*cs.rttvar
	if base < cs.opts.MinRTO {
		base = cs.opts.MinRTO
	}
	rto := base
	for i := 1; i < cs.rtoBack; i++ {
		rto *= 2
	}
	ceiling := time.Duration(cs.opts.MaxRTOMultiplier) * cs.srtt
	if cs.srtt == 0 {
		ceiling = time.Duration(cs.opts.MaxRTOMultiplier) * cs.opts.MinRTO
	}
	if rto > ceiling {
		rto = ceiling
	}
	if rto < cs.opts.MinRTO {
		rto = cs.opts.MinRTO
	}
	return rto
}

// Tick drives time-based work: RTO expiry scanning, the AAck-delay
// flush via the external-ack-now upcall, lifetime-timeout detection,
// and shutdown finalization. Callers (Channel) invoke this from their
// own timer.
func (cs *ChannelStream) Tick(now time.Time) {
	cs.mu.Lock()
	if cs.state == ChannelStreamShutdown {
		cs.mu.Unlock()
		return
	}

	if cs.lifetime > 0 && now.Sub(cs.lastRecvAt) > cs.lifetime {
		cs.mu.Unlock()
		cs.finalize(ChannelStreamShutdown, newError(KindTimeout, "no rudp packet received within lifetime_seconds"))
		return
	}

	rto := cs.currentRTOLocked()
	expired := false
	for _, seq := range cs.sendOrder {
		entry, ok := cs.sendBuf[seq]
		if !ok || entry.flaggedForResend {
			continue
		}
		if now.Sub(entry.lastSentAt) < rto {
			continue
		}
		entry.xmitCount++
		entry.lastSentAt = now
		flags := uint8(0)
		if entry.eq {
			flags = FlagEQ.set(flags)
		}
		flags = FlagAR.set(flags)
		cs.lastARAt = now
		cs.lastSendAt = now
		cs.retransmitsTotal++
		cs.segsOutTotal++
		expired = true
		seg := Segment{Seq: entry.seq, Flags: flags, Data: entry.data}
		cs.mu.Unlock()
		cs.sender.EmitSegment(seg)
		cs.mu.Lock()
	}
	if expired {
		cs.rtoBack *= 2
		if cs.rtoBack > cs.opts.MaxRTOMultiplier {
			cs.rtoBack = cs.opts.MaxRTOMultiplier
		}
		cs.onLossLocked()
	}

	var ackNow bool
	if cs.ackRequired && !now.Before(cs.ackDeadline) {
		cs.ackRequired = false
		ackNow = true
	}

	shuttingDown := cs.state == ChannelStreamShutting
	sendDone := len(cs.sendBuf) == 0 && !cs.pendingSendHas
	dir := cs.shutdownDir
	cs.mu.Unlock()

	if ackNow {
		cs.sender.ExternalAckNow(false, newRequestID())
	}
	if shuttingDown && (dir == ShutdownReceive || sendDone) {
		cs.finalize(ChannelStreamShutdown, ErrClosed)
	}
}

// Shutdown begins the two-phase drain described in §4.2: the send side
// keeps retransmitting already-buffered segments until they are acked
// or the lifetime deadline passes (driven by Tick); the receive side
// stops accepting new segments immediately, in order or not, so only
// what was already contiguous has been delivered and buffered
// out-of-order segments are never delivered.
func (cs *ChannelStream) Shutdown(dir ShutdownDirection) {
	cs.mu.Lock()
	if cs.state != ChannelStreamReady {
		cs.mu.Unlock()
		return
	}
	cs.state = ChannelStreamShutting
	cs.shutdownDir = dir
	cs.mu.Unlock()
	cs.notify(ChannelStreamShutting, nil)
}

func (cs *ChannelStream) finalize(state ChannelStreamState, cause error) {
	cs.mu.Lock()
	if cs.state == ChannelStreamShutdown {
		cs.mu.Unlock()
		return
	}
	cs.state = ChannelStreamShutdown
	cs.mu.Unlock()
	cs.notify(ChannelStreamShutdown, cause)
}
