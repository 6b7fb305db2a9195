// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package rudp implements the reliable-messaging transport stack
// described by the module's design notes: TransportStream, ChannelStream,
// Channel, Transport and Listener for the RUDP path, and TCPMessaging
// for the TCP-framed path.
//
// Non-blocking first: iox.ErrWouldBlock is returned whenever a read or
// write cannot make progress right now. Every suspension point named in
// the concurrency model surfaces this same sentinel; there is no
// blocking I/O and no spinning anywhere in this package.
package rudp

import (
	"sync"

	"code.hybscloud.com/iox"
)

// StreamHeader is an opaque per-buffer marker (e.g. a ChannelHeader
// carrying a channel id) attached to the first byte of the buffer that
// introduced it and returned exactly once, on the read that first
// touches that buffer.
type StreamHeader any

// ChannelHeader tags a TransportStream buffer with the RUDP/TCPMessaging
// channel it belongs to; TCPMessaging mode B requires one on every
// outbound write.
type ChannelHeader struct {
	ChannelID uint32
}

type bufferRecord struct {
	data     []byte
	header   StreamHeader
	offset   int
	hdrGiven bool
}

func (b *bufferRecord) remaining() int { return len(b.data) - b.offset }
func (b *bufferRecord) exhausted() bool {
	return b.offset >= len(b.data)
}

// ReaderReadyNotifiee is notified when a TransportStream transitions
// from empty to non-empty while armed to read.
type ReaderReadyNotifiee interface {
	OnReaderReady()
}

// WriterReadyNotifiee is notified when a TransportStream drains to empty
// after the reader has armed itself via NotifyReaderReadyToRead.
type WriterReadyNotifiee interface {
	OnWriterReady()
}

// Stream is the back-pressured, in-memory byte pipe described in §4.1:
// an ordered FIFO of Buffer records, each with an optional header
// delivered exactly once. Reader and Writer are thin capability views
// over one shared Stream, the same shape the teacher's framer.Reader/
// framer.Writer take over one shared *framer.
type Stream struct {
	mu sync.Mutex

	buffers []*bufferRecord

	blocking    bool
	staging     *bufferRecord
	stagingSet  bool

	readerArmed        bool
	readReadyNotified  bool
	writeReadyNotified bool

	readerNotifiee ReaderReadyNotifiee
	writerNotifiee WriterReadyNotifiee

	closed bool
}

// NewStream constructs an empty TransportStream.
func NewStream() *Stream { return &Stream{} }

// Reader returns the read/peek/skip capability view over s.
func (s *Stream) Reader() *Reader { return &Reader{s: s} }

// Writer returns the write/block capability view over s.
func (s *Stream) Writer() *Writer { return &Writer{s: s} }

// SetReaderNotifiee installs the delegate notified on OnReaderReady.
func (s *Stream) SetReaderNotifiee(n ReaderReadyNotifiee) {
	s.mu.Lock()
	s.readerNotifiee = n
	s.mu.Unlock()
}

// SetWriterNotifiee installs the delegate notified on OnWriterReady.
func (s *Stream) SetWriterNotifiee(n WriterReadyNotifiee) {
	s.mu.Lock()
	s.writerNotifiee = n
	s.mu.Unlock()
}

// Cancel tears the stream down: subsequent reads return 0 and writes are
// dropped silently. Idempotent.
func (s *Stream) Cancel() {
	s.mu.Lock()
	s.closed = true
	s.buffers = nil
	s.staging = nil
	s.stagingSet = false
	s.mu.Unlock()
}

// notifyLocked fires at most one notification per latch transition.
// Callers must hold s.mu; delegates are invoked after unlocking to keep
// cross-component calls outside the local lock per §5.
func (s *Stream) notifyLocked() (fireReader, fireWriter bool) {
	if len(s.buffers) > 0 && !s.readReadyNotified {
		s.readReadyNotified = true
		fireReader = true
	}
	if len(s.buffers) == 0 && s.readerArmed && !s.writeReadyNotified {
		s.writeReadyNotified = true
		fireWriter = true
	}
	return fireReader, fireWriter
}

func (s *Stream) deliver(fireReader, fireWriter bool) {
	if fireReader && s.readerNotifiee != nil {
		s.readerNotifiee.OnReaderReady()
	}
	if fireWriter && s.writerNotifiee != nil {
		s.writerNotifiee.OnWriterReady()
	}
}

// Writer is the write-side capability view over a Stream.
type Writer struct{ s *Stream }

// Block begins accumulating subsequent Write calls into one staging
// buffer, whose header is that of the first Write in the block.
func (w *Writer) Block() {
	w.s.mu.Lock()
	w.s.blocking = true
	w.s.mu.Unlock()
}

// Unblock ends accumulation and flushes the staged bytes as one buffer.
func (w *Writer) Unblock() {
	s := w.s
	s.mu.Lock()
	s.blocking = false
	var fr, fw bool
	if s.stagingSet {
		s.buffers = append(s.buffers, s.staging)
		s.staging = nil
		s.stagingSet = false
		fr, fw = s.notifyLocked()
	}
	s.mu.Unlock()
	s.deliver(fr, fw)
}

// Write appends one logical buffer (or, while blocking, accumulates
// into the pending staged buffer). A nil/empty b with a non-nil header
// is a valid zero-byte record per §4.1 scenario 1.
func (w *Writer) Write(b []byte, header StreamHeader) (int, error) {
	s := w.s
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return len(b), nil // post-shutdown writes are dropped silently
	}

	cp := append([]byte(nil), b...)

	if s.blocking {
		if !s.stagingSet {
			s.staging = &bufferRecord{header: header}
			s.stagingSet = true
		}
		s.staging.data = append(s.staging.data, cp...)
		s.mu.Unlock()
		return len(b), nil
	}

	s.buffers = append(s.buffers, &bufferRecord{data: cp, header: header})
	fr, fw := s.notifyLocked()
	s.mu.Unlock()
	s.deliver(fr, fw)
	return len(b), nil
}

// Reader is the read-side capability view over a Stream.
type Reader struct{ s *Stream }

// NotifyReaderReadyToRead is the one-shot arming signal: until called,
// the Writer delegate is never told the stream is writable.
func (r *Reader) NotifyReaderReadyToRead() {
	s := r.s
	s.mu.Lock()
	s.readerArmed = true
	fr, fw := s.notifyLocked()
	s.mu.Unlock()
	s.deliver(fr, fw)
}

// Read copies up to n bytes across buffer boundaries into dst[:n]'s
// capacity (dst must have length >= n), returning the header of the
// first buffer touched, if any. A request of n==0 touches at most one
// buffer (consuming it if it is itself zero-length) without crossing
// into the next.
func (r *Reader) Read(dst []byte, n int) (int, StreamHeader, error) {
	return r.consume(dst, n, true)
}

// Peek behaves like Read but does not advance past the bytes returned.
func (r *Reader) Peek(dst []byte, n int) (int, StreamHeader, error) {
	return r.consume(dst, n, false)
}

// Skip discards up to n bytes, mirroring Read without copying out.
func (r *Reader) Skip(n int) (int, StreamHeader, error) {
	return r.consume(nil, n, true)
}

func (r *Reader) consume(dst []byte, n int, advance bool) (int, StreamHeader, error) {
	s := r.s
	s.mu.Lock()

	if s.closed {
		s.mu.Unlock()
		return 0, nil, nil
	}
	if len(s.buffers) == 0 {
		s.mu.Unlock()
		return 0, nil, iox.ErrWouldBlock
	}

	var header StreamHeader
	headerSet := false
	total := 0

	// Snapshot offsets so Peek can roll back on "advance=false" without
	// mutating shared buffer state.
	savedOffsets := make([]int, 0, len(s.buffers))

	idx := 0
	for total < n || (n == 0 && total == 0) {
		if idx >= len(s.buffers) {
			break
		}
		head := s.buffers[idx]
		if !headerSet {
			header = head.header
			headerSet = true
		}
		savedOffsets = append(savedOffsets, head.offset)

		want := n - total
		avail := head.remaining()
		take := want
		if take > avail {
			take = avail
		}
		if dst != nil && take > 0 {
			copy(dst[total:total+take], head.data[head.offset:head.offset+take])
		}
		if advance {
			head.offset += take
		}
		total += take

		fullyTouched := take == avail
		if n == 0 {
			// read(_, 0): touch exactly one buffer; consume it only if
			// it was already empty.
			if advance && fullyTouched {
				s.buffers = s.buffers[1:]
			}
			break
		}
		if !fullyTouched {
			break // partial read leaves the buffer at the head
		}
		if advance {
			s.buffers = s.buffers[1:]
		} else {
			idx++ // Peek moves on to the next buffer without consuming this one
		}
		if total >= n {
			break
		}
	}

	if !advance {
		// Roll back offsets mutated only for bookkeeping; consume() never
		// mutates head.offset when advance is false, so nothing to undo.
		_ = savedOffsets
	}

	var fr, fw bool
	if advance {
		s.readReadyNotified = false
		fr, fw = s.notifyLocked()
	}
	s.mu.Unlock()
	if advance {
		s.deliver(fr, fw)
	}
	return total, header, nil
}

// ReadBuffer pops and returns the entire head buffer's remaining bytes
// in one call along with its header, for callers that frame whole
// buffers rather than a caller-supplied byte count (TCPMessaging's
// send path). maxLen <= 0 means unbounded; otherwise a head buffer
// longer than maxLen is left untouched and ErrTooLong is returned.
func (r *Reader) ReadBuffer(maxLen int) ([]byte, StreamHeader, error) {
	s := r.s
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, nil, nil
	}
	if len(s.buffers) == 0 {
		s.mu.Unlock()
		return nil, nil, iox.ErrWouldBlock
	}
	head := s.buffers[0]
	remaining := head.remaining()
	if maxLen > 0 && remaining > maxLen {
		s.mu.Unlock()
		return nil, nil, ErrTooLong
	}
	data := append([]byte(nil), head.data[head.offset:]...)
	header := head.header
	s.buffers = s.buffers[1:]
	s.readReadyNotified = false
	fr, fw := s.notifyLocked()
	s.mu.Unlock()
	s.deliver(fr, fw)
	return data, header, nil
}

// ReadU16 reads a big-endian uint16. A short result (count < 2) means
// fewer bytes were available; the caller must check the count and never
// interpret a partial result as a valid integer.
func (r *Reader) ReadU16() (uint16, int, error) {
	var buf [2]byte
	n, _, err := r.Read(buf[:], 2)
	if n < 2 {
		return 0, n, err
	}
	return uint16(buf[0])<<8 | uint16(buf[1]), n, err
}

// ReadU32 reads a big-endian uint32, with the same short-read contract
// as ReadU16.
func (r *Reader) ReadU32() (uint32, int, error) {
	var buf [4]byte
	n, _, err := r.Read(buf[:], 4)
	if n < 4 {
		return 0, n, err
	}
	v := uint32(buf[0])<<24 | uint32(buf[1])<<16 | uint32(buf[2])<<8 | uint32(buf[3])
	return v, n, err
}
