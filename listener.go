// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package rudp

import (
	"sync"

	"code.hybscloud.com/iox"
)

// Listener surfaces incoming Channels as they finish the accept
// handshake, draining Transport's pending_accepts backlog. Grounded on
// the accept-backlog channel pattern used by real ARQ-over-UDP session
// listeners in the pack (kcp-go's Listener).
type Listener struct {
	mu        sync.Mutex
	transport *Transport
	ready     chan struct{}
	closed    bool
}

// NewListener wraps t, subscribing to its "channel waiting" notification.
func NewListener(t *Transport) *Listener {
	l := &Listener{transport: t, ready: make(chan struct{}, 1)}
	t.SetPendingChannelNotifiee(l)
	return l
}

// OnChannelWaiting implements PendingChannelNotifiee.
func (l *Listener) OnChannelWaiting() {
	select {
	case l.ready <- struct{}{}:
	default:
	}
}

// Accept returns the next incoming Channel, blocking until one is
// ready, or ErrClosed after Close. AcceptNonblock is the variant that
// returns iox.ErrWouldBlock instead of blocking.
func (l *Listener) Accept() (*Channel, error) {
	for {
		if ch := l.transport.Accept(); ch != nil {
			return ch, nil
		}
		l.mu.Lock()
		closed := l.closed
		l.mu.Unlock()
		if closed {
			return nil, ErrClosed
		}
		<-l.ready
	}
}

// AcceptNonblock returns immediately with iox.ErrWouldBlock if no
// Channel is waiting, instead of blocking.
func (l *Listener) AcceptNonblock() (*Channel, error) {
	if ch := l.transport.Accept(); ch != nil {
		return ch, nil
	}
	l.mu.Lock()
	closed := l.closed
	l.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}
	return nil, iox.ErrWouldBlock
}

// Close unblocks any pending Accept call.
func (l *Listener) Close() {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.closed = true
	l.mu.Unlock()
	select {
	case l.ready <- struct{}{}:
	default:
	}
}
