// Server statistics.  Hot-path counters live on the worker that owns
// the connection, each under its own mutex; the handful of global
// counters share one mutex.  Aggregation is an element-wise sum and is
// only consistent per counter, not across counters.
package stats

import (
	"sync"
)

// Upper bound on slab classes tracked per worker.  The item store
// never sizes more classes than this.
const NumSlabClasses = 64

//
// Global counters
//

type GlobalCounters struct {
	CurrConns   uint32
	TotalConns  uint32
	ConnStructs uint32
	CurrBytes   uint64
	TotalItems  uint32
	CurrItems   uint32
	Evictions   uint64
}

type Global struct {
	mutex    sync.Mutex
	counters GlobalCounters
}

func NewGlobal() *Global {
	return &Global{}
}

func (g *Global) ConnOpened() {
	g.mutex.Lock()
	g.counters.CurrConns++
	g.counters.TotalConns++
	g.mutex.Unlock()
}

func (g *Global) ConnClosed() {
	g.mutex.Lock()
	g.counters.CurrConns--
	g.mutex.Unlock()
}

func (g *Global) ConnStructAllocated() {
	g.mutex.Lock()
	g.counters.ConnStructs++
	g.mutex.Unlock()
}

func (g *Global) ItemLinked(sizeBytes uint64) {
	g.mutex.Lock()
	g.counters.CurrBytes += sizeBytes
	g.counters.TotalItems++
	g.counters.CurrItems++
	g.mutex.Unlock()
}

func (g *Global) ItemUnlinked(sizeBytes uint64) {
	g.mutex.Lock()
	g.counters.CurrBytes -= sizeBytes
	g.counters.CurrItems--
	g.mutex.Unlock()
}

func (g *Global) Evicted() {
	g.mutex.Lock()
	g.counters.Evictions++
	g.mutex.Unlock()
}

// Snapshot returns a consistent copy of the global counters.
func (g *Global) Snapshot() GlobalCounters {
	g.mutex.Lock()
	defer g.mutex.Unlock()
	return g.counters
}

// Reset zeroes the cumulative global counters.  Gauges (current
// connections, current bytes/items, connection structures) keep their
// values.
func (g *Global) Reset() {
	g.mutex.Lock()
	g.counters.TotalConns = 0
	g.counters.TotalItems = 0
	g.counters.Evictions = 0
	g.mutex.Unlock()
}

//
// Per-worker counters
//

type SlabCounters struct {
	SetCmds    uint64
	GetHits    uint64
	DeleteHits uint64
	IncrHits   uint64
	DecrHits   uint64
}

type WorkerCounters struct {
	GetCmds      uint64
	GetMisses    uint64
	DeleteMisses uint64
	IncrMisses   uint64
	DecrMisses   uint64
	BytesRead    uint64
	BytesWritten uint64

	Slabs [NumSlabClasses]SlabCounters
}

// Worker counters are mutated only by the owning worker; the mutex
// exists because aggregation and reset run cross-thread.
type Worker struct {
	mutex    sync.Mutex
	counters WorkerCounters
}

func NewWorker() *Worker {
	return &Worker{}
}

func (w *Worker) RecordGet(hit bool, slabClass int) {
	w.mutex.Lock()
	w.counters.GetCmds++
	if hit {
		w.counters.Slabs[slabClass].GetHits++
	} else {
		w.counters.GetMisses++
	}
	w.mutex.Unlock()
}

func (w *Worker) RecordSet(slabClass int) {
	w.mutex.Lock()
	w.counters.Slabs[slabClass].SetCmds++
	w.mutex.Unlock()
}

func (w *Worker) RecordDelete(hit bool, slabClass int) {
	w.mutex.Lock()
	if hit {
		w.counters.Slabs[slabClass].DeleteHits++
	} else {
		w.counters.DeleteMisses++
	}
	w.mutex.Unlock()
}

func (w *Worker) RecordIncr(hit bool, slabClass int) {
	w.mutex.Lock()
	if hit {
		w.counters.Slabs[slabClass].IncrHits++
	} else {
		w.counters.IncrMisses++
	}
	w.mutex.Unlock()
}

func (w *Worker) RecordDecr(hit bool, slabClass int) {
	w.mutex.Lock()
	if hit {
		w.counters.Slabs[slabClass].DecrHits++
	} else {
		w.counters.DecrMisses++
	}
	w.mutex.Unlock()
}

func (w *Worker) AddBytesRead(n uint64) {
	w.mutex.Lock()
	w.counters.BytesRead += n
	w.mutex.Unlock()
}

func (w *Worker) AddBytesWritten(n uint64) {
	w.mutex.Lock()
	w.counters.BytesWritten += n
	w.mutex.Unlock()
}

func (w *Worker) Reset() {
	w.mutex.Lock()
	w.counters = WorkerCounters{}
	w.mutex.Unlock()
}

func (w *Worker) snapshot() WorkerCounters {
	w.mutex.Lock()
	defer w.mutex.Unlock()
	return w.counters
}

//
// Aggregation
//

// Element-wise sum across all workers, with the per-class sub-arrays
// additionally folded into the flat totals the stats command reports.
type Totals struct {
	GetCmds      uint64
	GetHits      uint64
	GetMisses    uint64
	SetCmds      uint64
	DeleteHits   uint64
	DeleteMisses uint64
	IncrHits     uint64
	IncrMisses   uint64
	DecrHits     uint64
	DecrMisses   uint64
	BytesRead    uint64
	BytesWritten uint64

	Slabs [NumSlabClasses]SlabCounters
}

func Aggregate(workers []*Worker) Totals {
	totals := Totals{}
	for _, w := range workers {
		counters := w.snapshot()
		totals.GetCmds += counters.GetCmds
		totals.GetMisses += counters.GetMisses
		totals.DeleteMisses += counters.DeleteMisses
		totals.IncrMisses += counters.IncrMisses
		totals.DecrMisses += counters.DecrMisses
		totals.BytesRead += counters.BytesRead
		totals.BytesWritten += counters.BytesWritten

		for i, slab := range counters.Slabs {
			totals.Slabs[i].SetCmds += slab.SetCmds
			totals.Slabs[i].GetHits += slab.GetHits
			totals.Slabs[i].DeleteHits += slab.DeleteHits
			totals.Slabs[i].IncrHits += slab.IncrHits
			totals.Slabs[i].DecrHits += slab.DecrHits
		}
	}

	for _, slab := range totals.Slabs {
		totals.SetCmds += slab.SetCmds
		totals.GetHits += slab.GetHits
		totals.DeleteHits += slab.DeleteHits
		totals.IncrHits += slab.IncrHits
		totals.DecrHits += slab.DecrHits
	}

	return totals
}

// ResetAll zeroes the cumulative counters everywhere, for the
// "stats reset" command.
func ResetAll(global *Global, workers []*Worker) {
	global.Reset()
	for _, w := range workers {
		w.Reset()
	}
}
