// In-memory item store: a hash table plus size-bucketed LRU lists
// under a single cache mutex.  The protocol engine consumes this
// interface; the Do* forms are the unlocked primitives so batched
// operations can hold the mutex once.
package store

import (
	"strconv"
	"sync"

	"github.com/dropbox/godropbox/errors"
	"github.com/dropbox/godropbox/sync2"

	"github.com/dropbox/gomemcached/clock"
	"github.com/dropbox/gomemcached/stats"
)

var (
	ErrTooLarge    = errors.New("object too large for cache")
	ErrOutOfMemory = errors.New("out of memory storing object")
	ErrNonNumeric  = errors.New(
		"cannot increment or decrement non-numeric value")
)

// Outcome of a conditional store.  The protocol engines map these onto
// their reply tokens / status codes.
type Verdict int

const (
	Stored Verdict = iota
	NotStored
	Exists
	NotFound
)

// Which conditional semantics a store operation carries.
type CommandKind int

const (
	CmdSet CommandKind = iota
	CmdAdd
	CmdReplace
	CmdAppend
	CmdPrepend
	CmdCas
)

type Options struct {
	// Memory ceiling over all linked items.  Zero means 64 MiB.
	MaxBytes uint64

	// When true, a full cache fails allocations instead of evicting.
	DisableEvictions bool

	// When true, items carry a zero CAS id, so a CAS store succeeds
	// only when the client's id is also zero.
	DisableCas bool

	// Largest accepted value size.  Zero means 1 MiB.
	MaxItemSize uint64

	// Slab class growth factor and smallest bucket, for the classic
	// size table.  Zero means 1.25 / 48 bytes.
	GrowthFactor float64
	ChunkSize    uint64
}

type Store struct {
	mutex sync.Mutex

	clock  *clock.Source
	global *stats.Global
	opts   Options

	items   map[string]*Item
	classes []*slabClass

	casCounter sync2.AtomicInt64

	currBytes uint64

	// Relative time; any item linked at or before this is expired.
	// Zero means flush_all has never run.
	oldestLive clock.Rel
}

func New(source *clock.Source, global *stats.Global, opts Options) *Store {
	if opts.MaxBytes == 0 {
		opts.MaxBytes = 64 * 1024 * 1024
	}
	if opts.MaxItemSize == 0 {
		opts.MaxItemSize = 1024 * 1024
	}
	if opts.GrowthFactor == 0 {
		opts.GrowthFactor = 1.25
	}
	if opts.ChunkSize == 0 {
		opts.ChunkSize = 48
	}

	return &Store{
		clock:   source,
		global:  global,
		opts:    opts,
		items:   make(map[string]*Item),
		classes: buildClasses(opts.ChunkSize, opts.GrowthFactor, opts.MaxItemSize),
	}
}

func (s *Store) MaxBytes() uint64 {
	return s.opts.MaxBytes
}

func (s *Store) nextCas() uint64 {
	if s.opts.DisableCas {
		return 0
	}
	return uint64(s.casCounter.Add(1))
}

//
// Allocation
//

// Alloc builds an unlinked item with refcount one.  The value slice is
// sized but unfilled; the caller reads the payload directly into it.
func (s *Store) Alloc(
	key []byte,
	flags uint32,
	exptime clock.Rel,
	valueLen int) (*Item, error) {

	size := uint64(len(key)+valueLen) + itemOverhead
	if uint64(valueLen) > s.opts.MaxItemSize {
		return nil, ErrTooLarge
	}

	slabClass := classFor(s.classes, size)
	if slabClass < 0 {
		return nil, ErrTooLarge
	}

	it := &Item{
		key:       string(key),
		value:     make([]byte, valueLen),
		flags:     flags,
		exptime:   exptime,
		slabClass: slabClass,
		refcount:  1,
	}
	return it, nil
}

//
// Lookup
//

func (s *Store) expired(it *Item) bool {
	now := s.clock.Rel()
	if s.oldestLive != 0 && s.oldestLive <= now && it.linkTime <= s.oldestLive {
		return true
	}
	return it.exptime != 0 && it.exptime <= now
}

// DoGet is the unlocked lookup.  A hit increments the item's refcount
// and promotes it in its LRU; expired items are unlinked lazily.
func (s *Store) DoGet(key []byte) *Item {
	it, ok := s.items[string(key)]
	if !ok {
		return nil
	}

	if s.expired(it) {
		s.doUnlink(it)
		return nil
	}

	it.incref()
	s.doUpdate(it)
	return it
}

func (s *Store) Get(key []byte) *Item {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.DoGet(key)
}

//
// Link / unlink / replace
//

func (s *Store) doLink(it *Item) error {
	if err := s.makeRoom(it); err != nil {
		return err
	}

	it.casId = s.nextCas()
	it.linked = true
	it.linkTime = s.clock.Rel()
	it.incref() // the store's own reference

	s.items[it.key] = it
	s.classes[it.slabClass].pushHead(it)
	s.currBytes += it.Size()
	s.global.ItemLinked(it.Size())
	return nil
}

func (s *Store) doUnlink(it *Item) {
	if !it.linked {
		return
	}
	it.linked = false

	if s.items[it.key] == it {
		delete(s.items, it.key)
	}
	s.classes[it.slabClass].unlink(it)
	s.currBytes -= it.Size()
	s.global.ItemUnlinked(it.Size())

	s.doRemove(it)
}

// doRemove releases one reference.
func (s *Store) doRemove(it *Item) {
	it.decref()
}

func (s *Store) Link(it *Item) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.doLink(it)
}

func (s *Store) Unlink(it *Item) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.doUnlink(it)
}

func (s *Store) Remove(it *Item) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.doRemove(it)
}

func (s *Store) doReplace(old, new *Item) error {
	s.doUnlink(old)
	return s.doLink(new)
}

// Update promotes the item within its LRU.
func (s *Store) doUpdate(it *Item) {
	if !it.linked {
		return
	}
	class := s.classes[it.slabClass]
	class.unlink(it)
	class.pushHead(it)
}

func (s *Store) Update(it *Item) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.doUpdate(it)
}

// Delete unlinks the item stored under key, if any.  The returned slab
// class feeds the per-class delete_hits counter.
func (s *Store) Delete(key []byte) (hit bool, slabClass int) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	it, ok := s.items[string(key)]
	if !ok || s.expired(it) {
		if ok {
			s.doUnlink(it)
		}
		return false, 0
	}

	slabClass = it.slabClass
	s.doUnlink(it)
	return true, slabClass
}

//
// Eviction
//

// makeRoom frees space for it, evicting from the tail of its slab
// class.  Items still referenced by an in-flight reply are skipped;
// the walk gives up after a bounded number of pinned items rather than
// spin.
func (s *Store) makeRoom(it *Item) error {
	const maxPinnedSkips = 50

	need := it.Size()
	if s.currBytes+need <= s.opts.MaxBytes {
		return nil
	}
	if s.opts.DisableEvictions {
		return ErrOutOfMemory
	}

	class := s.classes[it.slabClass]
	skips := 0
	victim := class.tail
	for s.currBytes+need > s.opts.MaxBytes && victim != nil {
		prev := victim.prev
		if victim.Refcount() > 1 {
			skips++
			if skips > maxPinnedSkips {
				break
			}
		} else {
			s.global.Evicted()
			s.doUnlink(victim)
		}
		victim = prev
	}

	if s.currBytes+need > s.opts.MaxBytes {
		return ErrOutOfMemory
	}
	return nil
}

//
// Conditional stores
//

// doStore applies the command's conditional semantics.  For CmdCas,
// casId carries the client's id.  On Stored the new item is linked
// (for append/prepend a merged copy is linked in its place) and the
// caller's reference on it remains valid.
func (s *Store) doStore(it *Item, kind CommandKind, casId uint64) (Verdict, error) {
	old, ok := s.items[it.key]
	if ok && s.expired(old) {
		s.doUnlink(old)
		old = nil
		ok = false
	}

	switch kind {
	case CmdAdd:
		if ok {
			// The key exists; freshen it so a hot add target is not
			// the next eviction victim.
			s.doUpdate(old)
			return NotStored, nil
		}
		return Stored, s.doLink(it)

	case CmdReplace:
		if !ok {
			return NotStored, nil
		}
		return Stored, s.doReplace(old, it)

	case CmdAppend, CmdPrepend:
		if !ok {
			return NotStored, nil
		}

		merged, err := s.Alloc(
			[]byte(it.key),
			old.flags,
			old.exptime,
			len(old.value)+len(it.value))
		if err != nil {
			return NotStored, err
		}
		if kind == CmdAppend {
			copy(merged.value, old.value)
			copy(merged.value[len(old.value):], it.value)
		} else {
			copy(merged.value, it.value)
			copy(merged.value[len(it.value):], old.value)
		}
		err = s.doReplace(old, merged)
		s.doRemove(merged) // drop the allocation reference
		return Stored, err

	case CmdCas:
		if !ok {
			return NotFound, nil
		}
		if old.casId != casId {
			return Exists, nil
		}
		return Stored, s.doReplace(old, it)

	default: // CmdSet
		if ok {
			return Stored, s.doReplace(old, it)
		}
		return Stored, s.doLink(it)
	}
}

func (s *Store) Store(it *Item, kind CommandKind, casId uint64) (Verdict, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.doStore(it, kind, casId)
}

//
// Arithmetic
//

// AddDelta parses the item under key as an unsigned decimal and adds
// or subtracts delta.  Decrement saturates at zero; increment wraps
// per uint64 arithmetic.  The mutation replaces the stored value and
// assigns a fresh CAS id.  Returns found=false on miss and
// ErrNonNumeric when the current value does not parse.
func (s *Store) AddDelta(
	key []byte,
	incr bool,
	delta uint64) (newValue uint64, slabClass int, found bool, err error) {

	s.mutex.Lock()
	defer s.mutex.Unlock()

	it, ok := s.items[string(key)]
	if !ok || s.expired(it) {
		if ok {
			s.doUnlink(it)
		}
		return 0, 0, false, nil
	}

	current, perr := strconv.ParseUint(string(it.value), 10, 64)
	if perr != nil {
		return 0, it.slabClass, true, ErrNonNumeric
	}

	if incr {
		current += delta
	} else if delta > current {
		current = 0
	} else {
		current -= delta
	}

	rendered := strconv.AppendUint(nil, current, 10)
	if len(rendered) == len(it.value) && it.Refcount() == 1 {
		// Same width and nobody else can observe the bytes: mutate in
		// place and refresh the CAS id.
		copy(it.value, rendered)
		it.casId = s.nextCas()
		s.doUpdate(it)
		return current, it.slabClass, true, nil
	}

	grown, aerr := s.Alloc([]byte(it.key), it.flags, it.exptime, len(rendered))
	if aerr != nil {
		return 0, it.slabClass, true, aerr
	}
	copy(grown.value, rendered)
	rerr := s.doReplace(it, grown)
	s.doRemove(grown) // drop the allocation reference
	if rerr != nil {
		return 0, it.slabClass, true, rerr
	}
	return current, grown.slabClass, true, nil
}

//
// Flush
//

// SetOldestLive marks every item linked at or before t as expired.
func (s *Store) SetOldestLive(t clock.Rel) {
	s.mutex.Lock()
	s.oldestLive = t
	s.mutex.Unlock()
}

func (s *Store) OldestLive() clock.Rel {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.oldestLive
}

// FlushExpired batch-unlinks items linked at or after the oldest_live
// mark, holding the mutex once.  Runs right after the mark is set:
// together with the lazy <= check on lookup this covers everything
// that existed when the flush was issued, including items stored
// within the same second.
func (s *Store) FlushExpired() int {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.oldestLive == 0 {
		return 0
	}

	unlinked := 0
	for _, it := range s.items {
		if it.linkTime >= s.oldestLive || s.expired(it) {
			s.doUnlink(it)
			unlinked++
		}
	}
	return unlinked
}

//
// Introspection
//

type DumpEntry struct {
	Key     string
	Size    int
	Exptime clock.Rel
}

// CacheDump lists up to limit items from a slab class's LRU, most
// recently used first, for "stats cachedump".
func (s *Store) CacheDump(slabClass int, limit int) []DumpEntry {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if slabClass < 0 || slabClass >= len(s.classes) {
		return nil
	}

	entries := make([]DumpEntry, 0, limit)
	for it := s.classes[slabClass].head; it != nil && len(entries) < limit; it = it.next {
		entries = append(entries, DumpEntry{
			Key:     it.key,
			Size:    len(it.value),
			Exptime: it.exptime,
		})
	}
	return entries
}

func (s *Store) CurrBytes() uint64 {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.currBytes
}
