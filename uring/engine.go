//go:build linux

package uring

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/eapache/queue"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/romshark/uring-bench-go/affinity"
)

// Config controls the engine run: per-worker ring pool size, ring
// capacity, fill depth and the CPU assignment for ring setup.
type Config struct {
	// Capacity is the SQ entry count per ring. 0 means MaxEntries.
	// The kernel rounds it up to a power of two.
	Capacity uint32
	// Depth is the target number of in-flight entries per ring.
	// 0 means fill to ring capacity. Values above capacity are clamped
	// at fill time (not backlogged).
	Depth uint32
	// Rings per worker thread.
	Rings int
	// Threads is the number of fully independent engine instances,
	// each on its own OS thread with its own ring pool.
	Threads int
	// MaxUnboundedWorkers bounds the kernel's unbounded io-wq pool per
	// ring. 0 keeps the kernel default.
	MaxUnboundedWorkers uint32
	// Async sets IOSQE_ASYNC on every submitted entry.
	Async bool
	// CPUs lists the target CPU per ring, cycled when shorter than
	// Rings. Empty means CPU 0.
	CPUs []int
	// Log receives setup-time diagnostics. nil means the logrus
	// standard logger. The steady loop never logs.
	Log *logrus.Logger
}

func (c *Config) ValidateAndSetDefaults() error {
	if c.Capacity == 0 {
		c.Capacity = MaxEntries
	}
	if c.Rings < 1 {
		return ErrNoRings
	}
	if c.Threads < 1 {
		return ErrNoThreads
	}
	if c.Log == nil {
		c.Log = logrus.StandardLogger()
	}
	return nil
}

// Template describes the one operation the engine resubmits indefinitely:
// a read of len(Buf) bytes from Fd into Buf. Tag is echoed back on every
// completion of a copy of this template.
//
// Buf is handed to the kernel by address. It must stay alive and pinned
// for as long as any copy of the template is in flight, and it is
// overwritten in place by every completed read: a handler that wants the
// payload must copy it out before the next drain pass.
type Template struct {
	Fd  int
	Buf []byte
	Tag uint64
}

// sqe builds the submission entry this template stamps into the queue.
func (t Template) sqe(async bool) SQEntry {
	var flags uint8
	if async {
		flags = SQEAsync
	}
	return SQEntry{
		Opcode:   OpRead,
		Flags:    flags,
		Fd:       int32(t.Fd),
		Addr:     uint64(uintptr(unsafe.Pointer(&t.Buf[0]))),
		Len:      uint32(len(t.Buf)),
		UserData: t.Tag,
	}
}

// Handler receives one completion: res is negative -errno on failure and
// operation-defined otherwise (bytes read, for the read template); tag is
// the correlation value from the matching submission. A non-nil error
// aborts the owning worker.
type Handler func(res int32, tag uint64) error

// SetupFunc supplies each worker with its own work source and result
// sink. Workers share nothing, so the setup must return a distinct
// buffer (and normally a distinct descriptor) per worker.
type SetupFunc func(worker int) (Template, Handler, error)

// Stats aggregates counters across all workers. All fields are atomics;
// Stats is the only state workers share.
type Stats struct {
	Filled          atomic.Uint64 // entries stamped into SQs
	Submitted       atomic.Uint64 // entries consumed by the kernel
	Backlogged      atomic.Uint64 // entries that waited in a backlog
	Completions     atomic.Uint64 // CQEs drained
	CompletionBytes atomic.Uint64 // sum of positive results
}

// ringQueue is the submission/completion surface the engine drives.
// *Ring implements it; tests drive the engine with a mock.
type ringQueue interface {
	SQFull() bool
	TryPush(*SQEntry) bool
	SQSync()
	Submit() (int, error)
	SubmitAndWait(waitNr uint32) (int, error)
	DrainCQ(fn func(CQEvent)) int
	Capacity() uint32
	Close() error
}

// Run drives the engine until a fatal error or ctx cancellation. With
// Threads == 1 it runs inline on the calling goroutine; otherwise it
// spawns Threads fully independent workers, each owning its rings,
// backlog and template, and returns the first error in join order.
//
// There is no normal termination: the closed loop resubmits the template
// forever. Cancellation is best-effort and checked once per pool pass;
// a worker blocked waiting for a completion that never arrives does not
// observe it.
func Run(ctx context.Context, conf Config, setup SetupFunc, stats *Stats) error {
	if err := conf.ValidateAndSetDefaults(); err != nil {
		return err
	}
	if stats == nil {
		stats = &Stats{}
	}

	if conf.Threads == 1 {
		return runWorker(ctx, 0, &conf, setup, stats)
	}

	errs := make([]error, conf.Threads)
	var wg sync.WaitGroup
	for i := 0; i < conf.Threads; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			errs[worker] = runWorker(ctx, worker, &conf, setup, stats)
		}(i)
	}
	wg.Wait()

	// First error in join order, not failure order.
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

// runWorker constructs one full engine instance (ring pool, backlog,
// template) and drives it to completion of ctx or a fatal error.
func runWorker(ctx context.Context, id int, conf *Config, setup SetupFunc, stats *Stats) error {
	// The worker stays on one OS thread: ring ownership is per-thread
	// and the setup-time affinity mutation must be thread-local.
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	tmpl, handler, err := setup(id)
	if err != nil {
		return fmt.Errorf("worker %d setup: %w", id, err)
	}
	if len(tmpl.Buf) == 0 {
		return ErrEmptyBuffer
	}

	w := &worker{
		backlog: queue.New(),
		sqe:     tmpl.sqe(conf.Async),
		depth:   conf.Depth,
		handler: handler,
		stats:   stats,
		log: conf.Log.WithFields(logrus.Fields{
			"worker": id,
			"fd":     tmpl.Fd,
		}),
	}

	for i := 0; i < conf.Rings; i++ {
		r, err := NewRing(conf.Capacity, conf.MaxUnboundedWorkers)
		if err != nil {
			w.closeRings()
			return fmt.Errorf("worker %d: %w", id, err)
		}
		w.rings = append(w.rings, r)
	}
	defer w.closeRings()

	// Each worker restarts the assignment cycle from the head of the
	// configured list.
	cycle := affinity.NewCycle(conf.CPUs)
	for i, r := range w.rings {
		cpu := cycle.Next()
		err := affinity.Pinned(cpu, func() error {
			n := fill(r, &w.sqe, w.effDepth(r))
			w.stats.Filled.Add(uint64(n))
			submitted, err := r.Submit()
			w.stats.Submitted.Add(uint64(submitted))
			return err
		})
		if err != nil {
			return fmt.Errorf("worker %d ring %d setup: %w", id, i, err)
		}
		w.log.WithFields(logrus.Fields{
			"ring":     i,
			"cpu":      cpu,
			"capacity": r.Capacity(),
		}).Debug("ring initialized")
	}

	return w.loop(ctx)
}

type worker struct {
	rings   []ringQueue
	backlog *queue.Queue
	sqe     SQEntry
	depth   uint32
	handler Handler
	stats   *Stats
	log     *logrus.Entry
}

// effDepth resolves the configured target depth against a ring:
// 0 means fill to capacity.
func (w *worker) effDepth(r ringQueue) uint32 {
	if w.depth == 0 {
		return r.Capacity()
	}
	return w.depth
}

func (w *worker) closeRings() {
	for _, r := range w.rings {
		_ = r.Close()
	}
	w.rings = nil
}

// loop is the steady state: round robin over the pool, one service pass
// per ring, forever. No ring is ever starved of a pass; each ring's
// in-flight depth stays pinned near the target continuously.
func (w *worker) loop(ctx context.Context) error {
	for {
		for _, r := range w.rings {
			if err := w.pass(r); err != nil {
				return err
			}
		}
		if err := ctx.Err(); err != nil {
			return err
		}
	}
}

// pass performs one service pass: submit what is pending and wait for at
// least one completion, drain the backlog ahead of any fresh work, top
// the queue back up to the target depth, then hand every available
// completion to the handler.
func (w *worker) pass(r ringQueue) error {
	n, err := r.SubmitAndWait(1)
	if err != nil {
		if errors.Is(err, unix.EINTR) {
			// Interrupted wait: no state changed, retry next pass.
			return nil
		}
		return err
	}
	w.stats.Submitted.Add(uint64(n))

	if err := w.drainBacklog(r); err != nil {
		return err
	}
	w.stats.Filled.Add(uint64(fill(r, &w.sqe, w.effDepth(r))))

	var herr error
	r.DrainCQ(func(c CQEvent) {
		w.stats.Completions.Add(1)
		if c.Res > 0 {
			w.stats.CompletionBytes.Add(uint64(c.Res))
		}
		if herr == nil {
			herr = w.handler(c.Res, c.UserData)
		}
	})
	return herr
}

// pushEntry places sqe into the live queue, or into the backlog when the
// queue reports full. The backlog is the only overflow path: an entry
// never moves there for any other reason.
func (w *worker) pushEntry(r ringQueue, sqe *SQEntry) {
	if r.TryPush(sqe) {
		return
	}
	w.backlog.Add(*sqe)
	w.stats.Backlogged.Add(1)
}

// drainBacklog moves backlogged entries into the live queue, strictly
// FIFO and one at a time, each reattempt guarded by a full check and a
// sync immediately before the pop. A full queue triggers a submit to
// free slots; EBUSY from that submit ends the drain for this pass (the
// remaining entries keep their order for the next one).
func (w *worker) drainBacklog(r ringQueue) error {
	for {
		if r.SQFull() {
			n, err := r.Submit()
			if err != nil {
				if errors.Is(err, unix.EBUSY) {
					return nil
				}
				return err
			}
			w.stats.Submitted.Add(uint64(n))
		}
		r.SQSync()
		if w.backlog.Length() == 0 {
			return nil
		}
		if r.SQFull() {
			// Still no free slot after syncing: the head entry stays
			// queued rather than being dropped into a full queue.
			return nil
		}
		sqe := w.backlog.Remove().(SQEntry)
		r.TryPush(&sqe)
	}
}

// fill stamps copies of sqe into free SQ slots until the queue is full
// or depth copies are placed, then publishes them. The closed loop tops
// the queue back up with this after every drain pass. A depth beyond
// capacity clamps here; fill-time shortfall is not backlogged.
func fill(r ringQueue, sqe *SQEntry, depth uint32) uint32 {
	r.SQSync()
	var n uint32
	for n < depth && !r.SQFull() {
		if !r.TryPush(sqe) {
			break
		}
		n++
	}
	r.SQSync()
	return n
}
