//go:build linux

// Package uring implements a closed-loop io_uring submission/completion
// engine. Ring owns one kernel ring pair; the engine (engine.go) drives a
// pool of rings per worker thread.
//
// Terminology mapping (kernel ↔ userspace):
//
//   - SQ ring: request descriptors userspace publishes to the kernel.
//   - SQE array: the descriptor slots themselves, mapped separately.
//   - CQ ring: result descriptors the kernel publishes back.
//   - user_data: opaque correlation tag echoed from SQE to CQE.
package uring

import (
	"errors"
	"fmt"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"
)

var (
	ErrRingCreation = errors.New("io_uring setup failed")
	ErrRegistration = errors.New("io-wq worker limit registration failed")
	ErrCapacityZero = errors.New("ring capacity must be > 0")
	ErrEmptyBuffer  = errors.New("template buffer is empty")
	ErrNoRings      = errors.New("ring count must be >= 1")
	ErrNoThreads    = errors.New("thread count must be >= 1")
)

const (
	// MaxEntries is the default and maximum SQ capacity per ring.
	MaxEntries = 4096

	// Mmap offsets into the ring fd.
	// See https://elixir.bootlin.com/linux/v6.6/source/include/uapi/linux/io_uring.h#L416
	offSQRing = 0
	offCQRing = 0x8000000
	offSQEs   = 0x10000000

	// io_uring_enter flags.
	enterGetEvents = 1 << 0

	// io_uring_register opcode bounding io-wq worker counts.
	// See https://elixir.bootlin.com/linux/v6.6/source/include/uapi/linux/io_uring.h#L518
	registerIOWQMaxWorkers = 19

	// OpRead is IORING_OP_READ.
	OpRead = 22

	// SQEAsync is IOSQE_ASYNC: hand the request to io-wq immediately
	// instead of attempting inline non-blocking execution first.
	SQEAsync = 1 << 4

	sqeSize = 64
	cqeSize = 16
)

/*---- Kernel structs ----*/

// SQEntry is struct io_uring_sqe.
// See https://elixir.bootlin.com/linux/v6.6/source/include/uapi/linux/io_uring.h#L30
type SQEntry struct {
	Opcode      uint8
	Flags       uint8
	Ioprio      uint16
	Fd          int32
	Off         uint64
	Addr        uint64
	Len         uint32
	OpFlags     uint32
	UserData    uint64
	BufIndex    uint16
	Personality uint16
	SpliceFdIn  int32
	Addr3       uint64
	_           uint64
}

// CQEvent is struct io_uring_cqe. Res is negative -errno on failure,
// operation-defined (typically bytes transferred) otherwise.
// See https://elixir.bootlin.com/linux/v6.6/source/include/uapi/linux/io_uring.h#L392
type CQEvent struct {
	UserData uint64
	Res      int32
	Flags    uint32
}

// sqRingOffsets is struct io_sqring_offsets.
// See https://elixir.bootlin.com/linux/v6.6/source/include/uapi/linux/io_uring.h#L434
type sqRingOffsets struct {
	Head        uint32
	Tail        uint32
	RingMask    uint32
	RingEntries uint32
	Flags       uint32
	Dropped     uint32
	Array       uint32
	Resv1       uint32
	Resv2       uint64
}

// cqRingOffsets is struct io_cqring_offsets.
// See https://elixir.bootlin.com/linux/v6.6/source/include/uapi/linux/io_uring.h#L453
type cqRingOffsets struct {
	Head        uint32
	Tail        uint32
	RingMask    uint32
	RingEntries uint32
	Overflow    uint32
	Cqes        uint32
	Flags       uint32
	Resv1       uint32
	Resv2       uint64
}

// ringParams is struct io_uring_params, filled in by the kernel on setup.
// See https://elixir.bootlin.com/linux/v6.6/source/include/uapi/linux/io_uring.h#L472
type ringParams struct {
	SqEntries    uint32
	CqEntries    uint32
	Flags        uint32
	SqThreadCPU  uint32
	SqThreadIdle uint32
	Features     uint32
	WqFd         uint32
	Resv         [3]uint32
	SqOff        sqRingOffsets
	CqOff        cqRingOffsets
}

func init() {
	// The kernel ABI fixes these sizes. A mismatch means the structs above
	// are wrong and every slot write would corrupt the ring.
	if sz := unsafe.Sizeof(SQEntry{}); sz != sqeSize {
		panic(fmt.Sprintf("SQEntry size %d, kernel ABI requires %d", sz, sqeSize))
	}
	if sz := unsafe.Sizeof(CQEvent{}); sz != cqeSize {
		panic(fmt.Sprintf("CQEvent size %d, kernel ABI requires %d", sz, cqeSize))
	}
}

/*---- Ring lifecycle ----*/

// Ring is one io_uring instance: the ring fd plus the mmap'd submission
// and completion queue views and the registered io-wq worker bounds.
//
// WARNING: Ring is not safe for concurrent use. Exactly one worker owns it.
type Ring struct {
	fd int

	sqRegion  []byte
	cqRegion  []byte
	sqeRegion []byte

	sqKHead   *uint32
	sqKTail   *uint32
	sqMask    uint32
	sqEntries uint32
	sqArray   []uint32
	sqes      []SQEntry

	// sqeTail is the local unpublished tail; sqHeadCache is the kernel
	// head as of the last sync. Free space is judged against the cache,
	// so TryPush never reads kernel-shared memory.
	sqeTail     uint32
	sqHeadCache uint32

	cqKHead *uint32
	cqKTail *uint32
	cqMask  uint32
	cqes    []CQEvent

	maxWorkers [2]uint32
}

// NewRing allocates an io_uring of the given SQ capacity and registers
// maxUnboundedWorkers as the upper bound on unbounded io-wq workers
// (0 keeps the kernel default). The bounded-worker limit is left at 0
// (unchanged); this engine submits no bounded-context operations.
func NewRing(capacity, maxUnboundedWorkers uint32) (*Ring, error) {
	if capacity == 0 {
		return nil, ErrCapacityZero
	}

	var params ringParams
	fd, _, errno := unix.Syscall(
		unix.SYS_IO_URING_SETUP,
		uintptr(capacity),
		uintptr(unsafe.Pointer(&params)),
		0,
	)
	if errno != 0 {
		return nil, fmt.Errorf("%w: io_uring_setup: %v", ErrRingCreation, errno)
	}

	r := &Ring{fd: int(fd)}
	if err := r.mapRings(&params); err != nil {
		_ = unix.Close(r.fd)
		return nil, fmt.Errorf("%w: %v", ErrRingCreation, err)
	}

	// [0] = bounded workers (unchanged), [1] = unbounded workers.
	r.maxWorkers = [2]uint32{0, maxUnboundedWorkers}
	_, _, errno = unix.Syscall6(
		unix.SYS_IO_URING_REGISTER,
		uintptr(r.fd),
		registerIOWQMaxWorkers,
		uintptr(unsafe.Pointer(&r.maxWorkers[0])),
		2,
		0, 0,
	)
	if errno != 0 {
		_ = r.Close()
		return nil, fmt.Errorf("%w: %v", ErrRegistration, errno)
	}

	return r, nil
}

// mapRings maps the SQ ring, CQ ring and SQE array and resolves the
// kernel-shared index pointers from the offsets the kernel reported.
func (r *Ring) mapRings(params *ringParams) error {
	sqSize := int(params.SqOff.Array + params.SqEntries*4)
	cqSize := int(params.CqOff.Cqes + params.CqEntries*cqeSize)
	sqesSize := int(params.SqEntries) * sqeSize

	sqRegion, err := unix.Mmap(r.fd, offSQRing, sqSize,
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_POPULATE)
	if err != nil {
		return fmt.Errorf("mmap SQ ring: %w", err)
	}
	cqRegion, err := unix.Mmap(r.fd, offCQRing, cqSize,
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_POPULATE)
	if err != nil {
		_ = unix.Munmap(sqRegion)
		return fmt.Errorf("mmap CQ ring: %w", err)
	}
	sqeRegion, err := unix.Mmap(r.fd, offSQEs, sqesSize,
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_POPULATE)
	if err != nil {
		_ = unix.Munmap(cqRegion)
		_ = unix.Munmap(sqRegion)
		return fmt.Errorf("mmap SQE array: %w", err)
	}

	r.sqRegion = sqRegion
	r.cqRegion = cqRegion
	r.sqeRegion = sqeRegion

	sqBase := unsafe.Pointer(&sqRegion[0])
	r.sqKHead = (*uint32)(unsafe.Add(sqBase, params.SqOff.Head))
	r.sqKTail = (*uint32)(unsafe.Add(sqBase, params.SqOff.Tail))
	r.sqMask = *(*uint32)(unsafe.Add(sqBase, params.SqOff.RingMask))
	r.sqEntries = *(*uint32)(unsafe.Add(sqBase, params.SqOff.RingEntries))
	r.sqArray = unsafe.Slice(
		(*uint32)(unsafe.Add(sqBase, params.SqOff.Array)), params.SqEntries)
	r.sqes = unsafe.Slice(
		(*SQEntry)(unsafe.Pointer(&sqeRegion[0])), params.SqEntries)

	cqBase := unsafe.Pointer(&cqRegion[0])
	r.cqKHead = (*uint32)(unsafe.Add(cqBase, params.CqOff.Head))
	r.cqKTail = (*uint32)(unsafe.Add(cqBase, params.CqOff.Tail))
	r.cqMask = *(*uint32)(unsafe.Add(cqBase, params.CqOff.RingMask))
	r.cqes = unsafe.Slice(
		(*CQEvent)(unsafe.Add(cqBase, params.CqOff.Cqes)), params.CqEntries)

	r.sqeTail = atomic.LoadUint32(r.sqKTail)
	r.sqHeadCache = atomic.LoadUint32(r.sqKHead)
	return nil
}

// Capacity returns the SQ entry count the kernel actually allocated
// (the requested capacity rounded up to a power of two).
func (r *Ring) Capacity() uint32 { return r.sqEntries }

// Close releases the ring mappings and the ring fd. The kernel reaps any
// operations still in flight when the fd closes.
func (r *Ring) Close() error {
	var errs []error
	for _, region := range []*[]byte{&r.sqeRegion, &r.cqRegion, &r.sqRegion} {
		if *region != nil {
			if err := unix.Munmap(*region); err != nil {
				errs = append(errs, err)
			}
			*region = nil
		}
	}
	if r.fd >= 0 {
		if err := unix.Close(r.fd); err != nil {
			errs = append(errs, fmt.Errorf("closing ring fd: %w", err))
		}
		r.fd = -1
	}
	return errors.Join(errs...)
}

/*---- Submission queue operations ----*/

// SQFull reports whether the submission queue has no free slot, judged
// against the head cached by the last SQSync.
func (r *Ring) SQFull() bool {
	return r.sqeTail-r.sqHeadCache >= r.sqEntries
}

// TryPush copies sqe into the next free SQ slot and reports whether it
// was placed. This is the single point where kernel-visible slot memory
// is written; the not-full re-check immediately before the write is the
// invariant that keeps it sound. The entry is not visible to the kernel
// until SQSync publishes it.
func (r *Ring) TryPush(sqe *SQEntry) bool {
	if r.sqeTail-r.sqHeadCache >= r.sqEntries {
		return false
	}
	r.sqes[r.sqeTail&r.sqMask] = *sqe
	r.sqeTail++
	return true
}

// SQSync publishes locally pushed entries to the kernel (fills the index
// array, then store-releases the tail) and refreshes the cached head so
// free-space checks see slots the kernel has consumed since.
func (r *Ring) SQSync() {
	tail := atomic.LoadUint32(r.sqKTail)
	for ; tail != r.sqeTail; tail++ {
		r.sqArray[tail&r.sqMask] = tail & r.sqMask
	}
	atomic.StoreUint32(r.sqKTail, r.sqeTail)
	r.sqHeadCache = atomic.LoadUint32(r.sqKHead)
}

// pending returns the number of published entries the kernel has not yet
// consumed, which is what io_uring_enter expects as to_submit.
func (r *Ring) pending() uint32 {
	return atomic.LoadUint32(r.sqKTail) - atomic.LoadUint32(r.sqKHead)
}

// Submit hands all published entries to the kernel without waiting.
func (r *Ring) Submit() (int, error) {
	return r.enter(r.pending(), 0, 0)
}

// SubmitAndWait hands all published entries to the kernel and blocks
// until at least waitNr completions are available. An interrupted wait
// surfaces as unix.EINTR; callers treat it as retry, not failure.
func (r *Ring) SubmitAndWait(waitNr uint32) (int, error) {
	return r.enter(r.pending(), waitNr, enterGetEvents)
}

func (r *Ring) enter(toSubmit, minComplete, flags uint32) (int, error) {
	n, _, errno := unix.Syscall6(
		unix.SYS_IO_URING_ENTER,
		uintptr(r.fd),
		uintptr(toSubmit),
		uintptr(minComplete),
		uintptr(flags),
		0, 0,
	)
	if errno != 0 {
		return 0, fmt.Errorf("io_uring_enter: %w", errno)
	}
	return int(n), nil
}

/*---- Completion queue operations ----*/

// DrainCQ yields every available completion in arrival order, then
// advances the CQ head once past all of them. Records are ephemeral:
// fn must copy anything it wants to keep.
func (r *Ring) DrainCQ(fn func(CQEvent)) int {
	head := atomic.LoadUint32(r.cqKHead)
	tail := atomic.LoadUint32(r.cqKTail)

	n := 0
	for ; head != tail; head++ {
		fn(r.cqes[head&r.cqMask])
		n++
	}
	if n > 0 {
		atomic.StoreUint32(r.cqKHead, head)
	}
	return n
}
