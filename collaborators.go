// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package rudp

import (
	"net"
	"sync"
)

// SubstrateState is the lifecycle state of the unreliable datagram path
// a Transport rides on (typically an ICE-nominated UDP pair).
type SubstrateState uint8

const (
	SubstratePending SubstrateState = iota
	SubstrateNominated
	SubstrateCompleted
	SubstrateShutdown
)

// Substrate is the unreliable datagram collaborator a Transport is built
// on. The core never dials or listens itself; it only sends through and
// is driven by this narrow capability trait (§9: "narrow capability trait
// containing only the callbacks actually used").
type Substrate interface {
	// SendPacket writes bytes to dest and reports whether the substrate
	// accepted them for transmission (not delivery).
	SendPacket(dest net.Addr, b []byte) bool
}

// SubstrateStateNotifiee receives substrate lifecycle transitions.
type SubstrateStateNotifiee interface {
	OnSubstrateStateChange(state SubstrateState)
}

// Crypto supplies the cryptographic primitives the core treats as an
// external collaborator: HMAC for STUN MessageIntegrity and a random
// source for channel-number probing and sequence-number initialization.
type Crypto interface {
	HMAC(key, b []byte) []byte
	Random(n int) []byte
}

// Backgrounding is the collaborator for the application's transition
// into the background. Phase is an opaque token the embedder's OS
// integration understands; Notify begins waiting and the returned
// channel is closed when the phase is over. TCPMessaging stores one
// (SetBackgrounding), but nothing in this package calls Notify, so no
// shutdown or linger timer is extended by a pending phase.
type Backgrounding interface {
	Notify(phase uint32) (done <-chan struct{})
}

// noBackgrounding is the default when no Backgrounding collaborator is
// supplied: phases complete immediately, i.e. no extension is granted.
type noBackgrounding struct{}

func (noBackgrounding) Notify(uint32) <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

// Settings is a typed key-value store supplying the numeric knobs and
// per-phase timeout templates named in §6. The core only reads; it
// never persists.
type Settings interface {
	GetUint32(key string, fallback uint32) uint32
	GetDuration(key string, fallback durationLike) durationLike
}

// durationLike keeps "time" out of the Settings interface signature; it
// is an int64 count of nanoseconds, time.Duration's underlying type.
type durationLike = int64 // nanoseconds, matches time.Duration's underlying type

// Settings keys named directly in spec §6.
const (
	SettingRUDPBackgroundingPhase        = "RUDP_BACKGROUNDING_PHASE"
	SettingTCPMessagingBackgroundingPhase = "TCPMESSAGING_BACKGROUNDING_PHASE"
	SettingDefaultHTTPTimeoutSeconds     = "DEFAULT_HTTP_TIMEOUT_SECONDS"
	SettingMaxMessageSizeInBytes         = "MAX_MESSAGE_SIZE_IN_BYTES"
	SettingMinRTTFloorMillis             = "MIN_RTT_FLOOR_MILLIS"
	SettingLifetimeDefaultSeconds        = "LIFETIME_DEFAULT_SECONDS"
)

// InMemorySettings is the default Settings implementation: a
// map[string]int64 behind a mutex, matching §6's "typed key-value store"
// without inventing a config file format the spec never asked for.
type InMemorySettings struct {
	mu     sync.RWMutex
	values map[string]int64
}

// NewInMemorySettings returns a Settings backed by defaultSettingsValues,
// overridden by any seed values supplied.
func NewInMemorySettings(seed map[string]int64) *InMemorySettings {
	s := &InMemorySettings{values: make(map[string]int64, len(defaultSettingsValues))}
	for k, v := range defaultSettingsValues {
		s.values[k] = v
	}
	for k, v := range seed {
		s.values[k] = v
	}
	return s
}

func (s *InMemorySettings) GetUint32(key string, fallback uint32) uint32 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if v, ok := s.values[key]; ok {
		return uint32(v)
	}
	return fallback
}

func (s *InMemorySettings) GetDuration(key string, fallback durationLike) durationLike {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if v, ok := s.values[key]; ok {
		return v
	}
	return fallback
}

// Set overrides a key at runtime; embedders may use this to thread a
// real settings store through without this module taking a position on
// persistence.
func (s *InMemorySettings) Set(key string, value int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[key] = value
}
