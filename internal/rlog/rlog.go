// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package rlog is a minimal logging seam. No third-party or ambient
// process-wide logger appears anywhere in the source corpus this module
// was grounded on, so this stays on the standard library: a narrow
// interface embedders can satisfy with whatever logger they already use,
// defaulting to silence.
package rlog

import "fmt"

// Logger is the narrow capability for warning/debug output. No other
// package in this module imports rlog. Fatal conditions are returned as
// *rudp.Error and surfaced via state-change notifications, per §7.
type Logger interface {
	Warnf(format string, args ...any)
	Debugf(format string, args ...any)
}

// Discard is the default Logger: it drops everything.
type Discard struct{}

func (Discard) Warnf(string, ...any)  {}
func (Discard) Debugf(string, ...any) {}

// Std adapts fmt.Printf for quick local debugging; not used by
// default, kept for embedders who want console output with zero setup.
type Std struct{ Prefix string }

func (s Std) Warnf(format string, args ...any) {
	fmt.Printf("[%s] WARN "+format+"\n", append([]any{s.Prefix}, args...)...)
}

func (s Std) Debugf(format string, args ...any) {
	fmt.Printf("[%s] DEBUG "+format+"\n", append([]any{s.Prefix}, args...)...)
}
