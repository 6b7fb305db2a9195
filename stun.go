// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package rudp

import "net"

// StunMethod names the conceptual STUN method of a StunPacket. The
// wire codec itself is an external collaborator (§1); these are the
// names the core switches on.
type StunMethod string

const (
	MethodReliableChannelOpen  StunMethod = "ReliableChannelOpen"
	MethodReliableChannelACK   StunMethod = "ReliableChannelACK"
	MethodReliableChannelClose StunMethod = "ReliableChannelClose"
)

// StunClass distinguishes a request from a success/error response or
// an indication, mirroring RFC 5389's method/class split.
type StunClass uint8

const (
	StunRequest StunClass = iota
	StunIndication
	StunSuccessResponse
	StunErrorResponse
)

// Attribute names the core reads and writes on a StunPacket. The STUN
// codec collaborator owns their wire encoding.
type Attribute string

const (
	AttrUsername           Attribute = "USERNAME"
	AttrMessageIntegrity    Attribute = "MESSAGE-INTEGRITY"
	AttrChannelNumber       Attribute = "CHANNEL-NUMBER"
	AttrNextSequenceNumber  Attribute = "NEXT-SEQUENCE-NUMBER"
	AttrMinimumRTT          Attribute = "MINIMUM-RTT"
	AttrCongestionControl   Attribute = "CONGESTION-CONTROL"
	AttrConnectionInfo      Attribute = "CONNECTION-INFO"
	AttrLifetime            Attribute = "LIFETIME"
	AttrErrorCode           Attribute = "ERROR-CODE"
	AttrRealm               Attribute = "REALM"
	AttrNonce               Attribute = "NONCE"
	// AttrGSNFR and AttrSACKVector carry a ReliableChannelACK's full ack
	// state; AttrNextSequenceNumber doubles as the GSNR in this context.
	AttrGSNFR      Attribute = "GSNFR"
	AttrSACKVector Attribute = "SACK-VECTOR"
)

// insufficientCapacityErrorCode is TURN's (RFC 5766 §9) Insufficient
// Capacity error, reused here for §4.4's bounded channel-number probing
// exhaustion: the nearest real-world STUN/TURN analogue of "no room".
const insufficientCapacityErrorCode = 508

// CongestionControl is the attribute value carried by
// AttrCongestionControl: a pair of named congestion-control schemes
// the endpoint supports, matching §4.3's "non-empty local+remote CC
// vectors" validation rule.
type CongestionControl struct {
	Local  []string
	Remote []string
}

// StunPacket is the parsed value this core consumes and produces; a
// codec collaborator handles its wire serialization. Fields are a
// superset covering every method this core speaks.
type StunPacket struct {
	Method     StunMethod
	Class      StunClass
	ErrorCode  int
	Attributes map[Attribute]any
}

// Attr fetches a typed attribute, returning zero and false if absent
// or of the wrong type.
func Attr[T any](p *StunPacket, name Attribute) (T, bool) {
	var zero T
	if p == nil || p.Attributes == nil {
		return zero, false
	}
	v, ok := p.Attributes[name]
	if !ok {
		return zero, false
	}
	t, ok := v.(T)
	return t, ok
}

// StunRequesterResult is delivered to a StunRequestCallback on
// response or timeout. A stale-nonce challenge arrives as a Response of
// class StunErrorResponse with error code 401 or 438, and Err nil.
type StunRequesterResult struct {
	Response *StunPacket
	Err      error // non-nil on timeout; Channel treats any non-nil Err as a timeout
}

// StunRequestCallback receives the outcome of one ISTUNRequester call.
type StunRequestCallback func(StunRequesterResult)

// StunRequester is the external collaborator that owns backoff,
// retransmit, and long-term-credential stale-nonce handling for
// outbound STUN requests (§4.3/§6). The core never retries a request
// itself; it reissues once, with a fresh realm/nonce, if the
// requester reports a stale-nonce challenge.
type StunRequester interface {
	Request(dest net.Addr, req *StunPacket, cb StunRequestCallback)
}
