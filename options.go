// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package rudp

import "time"

// Options configures a ChannelStream's segmentation, congestion, and
// retransmission behavior. The zero value is never used directly;
// construct via DefaultOptions and layer Option funcs on top, matching
// the functional-options shape used throughout this module.
type Options struct {
	// MaxSegmentSize caps a single RUDP segment's payload in bytes
	// (path MTU minus header overhead).
	MaxSegmentSize int

	// InitialCwnd is the starting congestion window, in segments.
	InitialCwnd int

	// FastRetransmitThreshold is the number of out-of-order acks implying
	// a hole before the oldest unacked gap candidate is flagged for resend.
	FastRetransmitThreshold int

	// MinRTO floors the retransmission timeout before any RTT sample exists.
	MinRTO time.Duration

	// MaxRTOMultiplier caps RTO at MaxRTOMultiplier * smoothedRTT.
	MaxRTOMultiplier int

	// AckDelay bounds how long a receiver may hold an AR-required ACK
	// before emitting an ACK-only packet. A value of zero or less falls
	// back to a quarter of the smoothed RTT (of MinRTO before any sample).
	AckDelay time.Duration

	// RetryDelay records a retry/wait policy for iox.ErrWouldBlock
	// (negative: nonblock, zero: yield, positive: sleep). No loop in this
	// package reads it: ErrWouldBlock is always returned to the caller.
	RetryDelay time.Duration
}

// DefaultOptions returns the spec's fixed windowed-scheme defaults.
func DefaultOptions() Options {
	return Options{
		MaxSegmentSize:          1200,
		InitialCwnd:             2,
		FastRetransmitThreshold: 3,
		MinRTO:                  200 * time.Millisecond,
		MaxRTOMultiplier:        8,
		AckDelay:                25 * time.Millisecond,
		RetryDelay:              -1,
	}
}

// Option mutates an Options value under construction.
type Option func(*Options)

// WithMaxSegmentSize overrides the default 1200-byte segment cap.
func WithMaxSegmentSize(n int) Option {
	return func(o *Options) { o.MaxSegmentSize = n }
}

// WithInitialCwnd overrides the starting congestion window (floored at 2).
func WithInitialCwnd(n int) Option {
	return func(o *Options) {
		if n < 2 {
			n = 2
		}
		o.InitialCwnd = n
	}
}

// WithFastRetransmitThreshold overrides the duplicate-ack count that
// triggers a fast retransmit (spec default: 3).
func WithFastRetransmitThreshold(n int) Option {
	return func(o *Options) { o.FastRetransmitThreshold = n }
}

// WithMinRTO overrides the RTO floor used before any RTT sample exists.
func WithMinRTO(d time.Duration) Option {
	return func(o *Options) { o.MinRTO = d }
}

// WithMaxRTOMultiplier overrides the RTO cap expressed as a multiple of
// smoothed RTT.
func WithMaxRTOMultiplier(n int) Option {
	return func(o *Options) { o.MaxRTOMultiplier = n }
}

// WithAckDelay overrides how long an AR-required ACK may be held before
// being flushed on its own.
func WithAckDelay(d time.Duration) Option {
	return func(o *Options) { o.AckDelay = d }
}

// WithRetryDelay sets Options.RetryDelay.
func WithRetryDelay(d time.Duration) Option {
	return func(o *Options) { o.RetryDelay = d }
}

// WithBlock sets Options.RetryDelay to zero (the yield policy).
func WithBlock() Option {
	return func(o *Options) { o.RetryDelay = 0 }
}

// WithNonblock sets Options.RetryDelay to -1 (the nonblock policy).
func WithNonblock() Option {
	return func(o *Options) { o.RetryDelay = -1 }
}

func buildOptions(opts ...Option) Options {
	o := DefaultOptions()
	for _, fn := range opts {
		fn(&o)
	}
	return o
}
