package store

import (
	"sync/atomic"

	"github.com/dropbox/gomemcached/clock"
)

// A cache item.  The value is held without its text-protocol CRLF
// trailer; the protocol engines frame values themselves.
//
// Items are reference counted: the store holds one reference while the
// item is linked, and every Get hands the caller a reference that must
// be returned through Remove.  An item whose reply is still in flight
// therefore cannot be reclaimed by the eviction path.
type Item struct {
	key       string
	value     []byte
	flags     uint32
	exptime   clock.Rel
	casId     uint64
	slabClass int

	refcount int32

	// LRU links and bookkeeping, all guarded by the store mutex.
	prev, next *Item
	linked     bool
	linkTime   clock.Rel
}

func (it *Item) Key() string {
	return it.key
}

func (it *Item) Value() []byte {
	return it.value
}

func (it *Item) Flags() uint32 {
	return it.flags
}

func (it *Item) Exptime() clock.Rel {
	return it.exptime
}

// CasId returns the item's compare-and-swap id.  Zero when CAS is
// disabled.
func (it *Item) CasId() uint64 {
	return it.casId
}

func (it *Item) SlabClass() int {
	return it.slabClass
}

// Size is the number of bytes the item is accounted for: key, value,
// and a fixed per-item overhead approximating the C item header.
func (it *Item) Size() uint64 {
	return uint64(len(it.key) + len(it.value) + itemOverhead)
}

func (it *Item) incref() {
	atomic.AddInt32(&it.refcount, 1)
}

func (it *Item) decref() int32 {
	return atomic.AddInt32(&it.refcount, -1)
}

// Refcount is exposed for tests; the store's eviction walk and
// in-place arithmetic read it to detect pinned items.
func (it *Item) Refcount() int32 {
	return atomic.LoadInt32(&it.refcount)
}
