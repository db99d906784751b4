package server

import (
	"io"

	"github.com/dropbox/godropbox/math2"

	"github.com/dropbox/gomemcached/store"
)

//
// Read buffer
//

// An append-only byte container with an independent read cursor: the
// valid region is data[cur:].  Replaces the C rbuf/rcurr/rbytes
// pointer arithmetic.
type readBuffer struct {
	data []byte
	cur  int
}

func newReadBuffer(size int) *readBuffer {
	return &readBuffer{data: make([]byte, 0, size)}
}

// remaining returns the unconsumed bytes.  The returned slice aliases
// the buffer and is invalidated by the next fill or compact.
func (b *readBuffer) remaining() []byte {
	return b.data[b.cur:]
}

func (b *readBuffer) len() int {
	return len(b.data) - b.cur
}

func (b *readBuffer) advance(n int) {
	b.cur += n
}

// compact slides the unconsumed tail to the front so the next fill
// appends after it.
func (b *readBuffer) compact() {
	if b.cur == 0 {
		return
	}
	n := copy(b.data[:cap(b.data)], b.data[b.cur:])
	b.data = b.data[:n]
	b.cur = 0
}

// fill reads once from r into the spare capacity, doubling the backing
// array when full.  Returns the byte count from the read.
func (b *readBuffer) fill(r io.Reader) (int, error) {
	b.compact()

	if len(b.data) == cap(b.data) {
		grown := make([]byte, len(b.data), math2.MaxInt(cap(b.data)*2, readBufferSize))
		copy(grown, b.data)
		b.data = grown
	}

	n, err := r.Read(b.data[len(b.data):cap(b.data)])
	if n > 0 {
		b.data = b.data[:len(b.data)+n]
	}
	return n, err
}

// shrink reallocs an overgrown buffer back to baseline between
// requests.  Skipped when the pending bytes would not fit; a failed
// shrink is never an error.
func (b *readBuffer) shrink() {
	if cap(b.data) <= readBufferHighWat || b.len() > readBufferSize {
		return
	}
	fresh := make([]byte, b.len(), readBufferSize)
	copy(fresh, b.remaining())
	b.data = fresh
	b.cur = 0
}

func (b *readBuffer) reset() {
	b.data = b.data[:0]
	b.cur = 0
}

//
// Reply assembly
//

// One scatter/gather entry of the outbound reply.  When item is
// non-nil the bytes alias that item's value and the connection holds a
// reference that must be released once the fragment drains.
type fragment struct {
	data []byte
	item *store.Item
}

// The assembled reply: a typed fragment list drained with vectored
// sends.  TCP sends the whole list as one net.Buffers; UDP packs it
// into 1400-byte datagrams.
type reply struct {
	frags []fragment
	bytes int
}

func (r *reply) add(data []byte, it *store.Item) {
	r.frags = append(r.frags, fragment{data: data, item: it})
	r.bytes += len(data)
}

func (r *reply) addString(s string) {
	r.add([]byte(s), nil)
}

func (r *reply) empty() bool {
	return len(r.frags) == 0
}

// release drops every item reference the reply holds and resets the
// fragment list, shedding an overgrown backing array.
func (r *reply) release(s *store.Store) {
	for i := range r.frags {
		if r.frags[i].item != nil {
			s.Remove(r.frags[i].item)
			r.frags[i].item = nil
		}
		r.frags[i].data = nil
	}
	if cap(r.frags) > fragmentHighWat {
		r.frags = make([]fragment, 0, fragmentListSize)
	} else {
		r.frags = r.frags[:0]
	}
	r.bytes = 0
}
