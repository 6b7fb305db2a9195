// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package rudp

import "time"

// Settings defaults.
//
// Single source of truth — settings key → default value, mirroring the
// teacher's defaultsFor(netKind) switch that mapped a transport kind to
// its (Protocol, ByteOrder) pair. Here the switch maps a component kind
// to its backgrounding-phase id and timeout template.

type backgroundingKind uint8

const (
	bgKindRUDP backgroundingKind = iota
	bgKindTCPMessaging
)

// phaseDefaultsFor returns (phase id, phase timeout) for a component kind.
// RUDP gets a longer phase timeout than TCPMessaging because draining a
// sliding-window retransmit tail takes longer than flushing a ring buffer.
func phaseDefaultsFor(kind backgroundingKind) (phase uint32, timeout time.Duration) {
	switch kind {
	case bgKindRUDP:
		return 1, 8 * time.Second
	case bgKindTCPMessaging:
		return 2, 3 * time.Second
	default:
		return 0, time.Second
	}
}

var defaultSettingsValues = map[string]int64{
	SettingRUDPBackgroundingPhase:         int64(mustPhase(bgKindRUDP)),
	SettingTCPMessagingBackgroundingPhase: int64(mustPhase(bgKindTCPMessaging)),
	SettingDefaultHTTPTimeoutSeconds:      30,
	SettingMaxMessageSizeInBytes:          16 * 1024 * 1024,
	SettingMinRTTFloorMillis:              20,
	SettingLifetimeDefaultSeconds:         60,
}

func mustPhase(kind backgroundingKind) uint32 {
	phase, _ := phaseDefaultsFor(kind)
	return phase
}

// backgroundingTimeout looks up the configured phase timeout for kind,
// falling back to phaseDefaultsFor's template when Settings has none.
func backgroundingTimeout(s Settings, kind backgroundingKind) time.Duration {
	_, template := phaseDefaultsFor(kind)
	if s == nil {
		return template
	}
	ns := s.GetDuration(phaseTimeoutKey(kind), int64(template))
	return time.Duration(ns)
}

func phaseTimeoutKey(kind backgroundingKind) string {
	switch kind {
	case bgKindRUDP:
		return "RUDP_BACKGROUNDING_PHASE_TIMEOUT"
	case bgKindTCPMessaging:
		return "TCPMESSAGING_BACKGROUNDING_PHASE_TIMEOUT"
	default:
		return "BACKGROUNDING_PHASE_TIMEOUT"
	}
}
