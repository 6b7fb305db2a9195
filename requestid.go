// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package rudp

import "github.com/rs/xid"

// newRequestID mints the correlation token ChannelStream passes with
// each external-ACK-now upcall. Channel does not put it on the ACK
// message it sends, and outbound STUN requests carry no such token, so
// no response or delivery confirmation is matched back by it.
func newRequestID() string {
	return xid.New().String()
}
