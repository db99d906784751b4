package store

import (
	"github.com/dropbox/gomemcached/protocol"
	"github.com/dropbox/gomemcached/stats"
)

// Per-item accounting overhead, standing in for the C item header plus
// suffix.
const itemOverhead = 48

// A size-bucketed LRU.  Items whose accounted size fits under
// maxSize share the class and its LRU ordering; eviction walks the
// class tail first.
type slabClass struct {
	maxSize uint64

	// Doubly-linked LRU, head = most recently used.
	head, tail *Item

	bytes uint64
	count uint32
}

// buildClasses grows bucket ceilings geometrically from chunkSize by
// factor, capping at maxItemSize.  Mirrors the classic slab class
// table; the final class always admits a maximum-sized item.
func buildClasses(chunkSize uint64, factor float64, maxItemSize uint64) []*slabClass {
	classes := make([]*slabClass, 0, stats.NumSlabClasses)

	size := chunkSize
	for len(classes) < stats.NumSlabClasses-1 && size < maxItemSize {
		classes = append(classes, &slabClass{maxSize: size})
		size = uint64(float64(size) * factor)
		if next := classes[len(classes)-1].maxSize + 1; size < next {
			size = next
		}
	}
	classes = append(classes, &slabClass{
		maxSize: maxItemSize + protocol.MaxKeyLength + itemOverhead})

	return classes
}

// classFor maps an accounted item size to its slab class index, or -1
// when the item exceeds every class.
func classFor(classes []*slabClass, size uint64) int {
	for i, class := range classes {
		if size <= class.maxSize {
			return i
		}
	}
	return -1
}

//
// LRU list manipulation.  All guarded by the store mutex.
//

func (class *slabClass) pushHead(it *Item) {
	it.prev = nil
	it.next = class.head
	if class.head != nil {
		class.head.prev = it
	}
	class.head = it
	if class.tail == nil {
		class.tail = it
	}
	class.bytes += it.Size()
	class.count++
}

func (class *slabClass) unlink(it *Item) {
	if it.prev != nil {
		it.prev.next = it.next
	} else {
		class.head = it.next
	}
	if it.next != nil {
		it.next.prev = it.prev
	} else {
		class.tail = it.prev
	}
	it.prev = nil
	it.next = nil
	class.bytes -= it.Size()
	class.count--
}
