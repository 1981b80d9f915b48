//go:build linux

package uring

import (
	"context"
	"errors"
	"testing"

	"github.com/eapache/queue"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

// fakeRing drives the engine without a kernel. Submitted entries park
// in inFlight until complete() turns them into completion events.
type fakeRing struct {
	capacity    uint32
	queued      []SQEntry
	inFlight    []SQEntry
	completions []CQEvent
	pushOrder   []uint64
	submitErr   error // returned once by the next Submit
	waitErr     error // returned once by the next SubmitAndWait
	closed      bool
}

func (f *fakeRing) SQFull() bool { return uint32(len(f.queued)) >= f.capacity }

func (f *fakeRing) TryPush(e *SQEntry) bool {
	if f.SQFull() {
		return false
	}
	f.queued = append(f.queued, *e)
	f.pushOrder = append(f.pushOrder, e.UserData)
	return true
}

func (f *fakeRing) SQSync() {}

func (f *fakeRing) Submit() (int, error) {
	if f.submitErr != nil {
		err := f.submitErr
		f.submitErr = nil
		return 0, err
	}
	n := len(f.queued)
	f.inFlight = append(f.inFlight, f.queued...)
	f.queued = f.queued[:0]
	return n, nil
}

func (f *fakeRing) SubmitAndWait(uint32) (int, error) {
	if f.waitErr != nil {
		err := f.waitErr
		f.waitErr = nil
		return 0, err
	}
	return f.Submit()
}

func (f *fakeRing) DrainCQ(fn func(CQEvent)) int {
	n := len(f.completions)
	for _, c := range f.completions {
		fn(c)
	}
	f.completions = f.completions[:0]
	return n
}

func (f *fakeRing) Capacity() uint32 { return f.capacity }

func (f *fakeRing) Close() error {
	f.closed = true
	return nil
}

// complete finishes the n oldest in-flight entries with result res.
func (f *fakeRing) complete(n int, res int32) {
	for i := 0; i < n; i++ {
		e := f.inFlight[0]
		f.inFlight = f.inFlight[1:]
		f.completions = append(f.completions, CQEvent{UserData: e.UserData, Res: res})
	}
}

func newTestWorker(depth uint32, rings ...ringQueue) *worker {
	return &worker{
		rings:   rings,
		backlog: queue.New(),
		sqe:     SQEntry{Opcode: OpRead, UserData: 7},
		depth:   depth,
		handler: func(int32, uint64) error { return nil },
		stats:   &Stats{},
		log:     logrus.NewEntry(logrus.New()),
	}
}

func TestFill_StopsAtTargetDepth(t *testing.T) {
	r := &fakeRing{capacity: 8}
	sqe := SQEntry{Opcode: OpRead}
	assert.Equal(t, uint32(4), fill(r, &sqe, 4))
	assert.Len(t, r.queued, 4)
}

func TestFill_ClampsAtCapacity(t *testing.T) {
	r := &fakeRing{capacity: 2}
	sqe := SQEntry{Opcode: OpRead}
	assert.Equal(t, uint32(2), fill(r, &sqe, 4))
	assert.True(t, r.SQFull())
}

func TestEffDepth_ZeroMeansCapacity(t *testing.T) {
	r := &fakeRing{capacity: 16}
	w := newTestWorker(0, r)
	assert.Equal(t, uint32(16), w.effDepth(r))

	w = newTestWorker(5, r)
	assert.Equal(t, uint32(5), w.effDepth(r))
}

func TestPushEntry_BacklogsOnlyWhenFull(t *testing.T) {
	r := &fakeRing{capacity: 2}
	w := newTestWorker(2, r)

	for tag := uint64(1); tag <= 4; tag++ {
		sqe := SQEntry{Opcode: OpRead, UserData: tag}
		w.pushEntry(r, &sqe)
	}

	assert.Len(t, r.queued, 2)
	assert.Equal(t, 2, w.backlog.Length())
	assert.Equal(t, uint64(2), w.stats.Backlogged.Load())
}

func TestDrainBacklog_PreservesFIFOAcrossFullQueue(t *testing.T) {
	r := &fakeRing{capacity: 2}
	w := newTestWorker(2, r)

	for tag := uint64(1); tag <= 5; tag++ {
		w.backlog.Add(SQEntry{Opcode: OpRead, UserData: tag})
	}

	require.NoError(t, w.drainBacklog(r))

	// The queue filled up mid-drain and was flushed to make room;
	// order must survive the flush.
	assert.Equal(t, []uint64{1, 2, 3, 4, 5}, r.pushOrder)
	assert.Zero(t, w.backlog.Length())
}

func TestDrainBacklog_EBUSYStopsWithoutLoss(t *testing.T) {
	r := &fakeRing{capacity: 1}
	w := newTestWorker(1, r)

	sqe := SQEntry{Opcode: OpRead, UserData: 1}
	require.True(t, r.TryPush(&sqe))
	w.backlog.Add(SQEntry{Opcode: OpRead, UserData: 2})
	r.submitErr = unix.EBUSY

	require.NoError(t, w.drainBacklog(r))

	// Head entry stays queued for the next pass.
	assert.Equal(t, 1, w.backlog.Length())
	head := w.backlog.Peek().(SQEntry)
	assert.Equal(t, uint64(2), head.UserData)
}

func TestDrainBacklog_FatalSubmitErrorPropagates(t *testing.T) {
	r := &fakeRing{capacity: 1}
	w := newTestWorker(1, r)

	sqe := SQEntry{Opcode: OpRead}
	require.True(t, r.TryPush(&sqe))
	w.backlog.Add(SQEntry{Opcode: OpRead})
	r.submitErr = unix.EBADF

	assert.ErrorIs(t, w.drainBacklog(r), unix.EBADF)
}

func TestPass_EINTRIsRetriedNextPass(t *testing.T) {
	r := &fakeRing{capacity: 4}
	w := newTestWorker(4, r)
	r.waitErr = unix.EINTR

	require.NoError(t, w.pass(r))

	// Nothing submitted, filled or completed.
	assert.Zero(t, w.stats.Submitted.Load())
	assert.Zero(t, w.stats.Filled.Load())
	assert.Empty(t, r.queued)
}

func TestPass_RefillsAndHandlesCompletions(t *testing.T) {
	r := &fakeRing{capacity: 4}
	w := newTestWorker(4, r)

	// Steady state entering a pass: 4 in flight, all completed.
	fill(r, &w.sqe, 4)
	_, err := r.Submit()
	require.NoError(t, err)
	r.complete(4, 64)

	type completion struct {
		res int32
		tag uint64
	}
	var got []completion
	w.handler = func(res int32, tag uint64) error {
		got = append(got, completion{res, tag})
		return nil
	}

	require.NoError(t, w.pass(r))

	assert.Len(t, got, 4)
	for _, c := range got {
		assert.Equal(t, int32(64), c.res)
		assert.Equal(t, uint64(7), c.tag)
	}
	assert.Equal(t, uint64(4), w.stats.Completions.Load())
	assert.Equal(t, uint64(4*64), w.stats.CompletionBytes.Load())
	// The queue is topped back up to depth.
	assert.Len(t, r.queued, 4)
}

func TestPass_NegativeResultSkipsByteCount(t *testing.T) {
	r := &fakeRing{capacity: 1}
	w := newTestWorker(1, r)

	fill(r, &w.sqe, 1)
	_, err := r.Submit()
	require.NoError(t, err)
	r.complete(1, -int32(unix.EBADF))

	require.NoError(t, w.pass(r))

	assert.Equal(t, uint64(1), w.stats.Completions.Load())
	assert.Zero(t, w.stats.CompletionBytes.Load())
}

func TestPass_HandlerErrorAborts(t *testing.T) {
	r := &fakeRing{capacity: 1}
	w := newTestWorker(1, r)

	fill(r, &w.sqe, 1)
	_, err := r.Submit()
	require.NoError(t, err)
	r.complete(1, 8)

	errBoom := errors.New("boom")
	w.handler = func(int32, uint64) error { return errBoom }

	assert.ErrorIs(t, w.pass(r), errBoom)
}

func TestBacklogAndQueue_ConserveEntries(t *testing.T) {
	r := &fakeRing{capacity: 3}
	w := newTestWorker(3, r)

	const total = 10
	for tag := uint64(1); tag <= total; tag++ {
		sqe := SQEntry{Opcode: OpRead, UserData: tag}
		w.pushEntry(r, &sqe)
	}

	inSystem := func() int {
		return len(r.queued) + len(r.inFlight) + len(r.completions) +
			w.backlog.Length()
	}
	assert.Equal(t, total, inSystem())

	_, err := r.Submit()
	require.NoError(t, err)
	r.complete(2, 8)
	assert.Equal(t, total, inSystem())

	require.NoError(t, w.drainBacklog(r))
	assert.Equal(t, total, inSystem())

	drained := r.DrainCQ(func(CQEvent) {})
	assert.Equal(t, total-2, inSystem())
	assert.Equal(t, 2, drained)
}

func TestTemplateSQE_FieldMapping(t *testing.T) {
	buf := make([]byte, 512)
	tmpl := Template{Fd: 9, Buf: buf, Tag: 42}

	sqe := tmpl.sqe(false)
	assert.Equal(t, uint8(OpRead), sqe.Opcode)
	assert.Zero(t, sqe.Flags)
	assert.Equal(t, int32(9), sqe.Fd)
	assert.Equal(t, uint32(512), sqe.Len)
	assert.Equal(t, uint64(42), sqe.UserData)
	assert.NotZero(t, sqe.Addr)

	assert.Equal(t, uint8(SQEAsync), tmpl.sqe(true).Flags)
}

func TestRun_ValidatesConfig(t *testing.T) {
	setup := func(int) (Template, Handler, error) {
		return Template{}, nil, errors.New("unreachable")
	}
	err := Run(context.Background(), Config{Rings: 0, Threads: 1}, setup, nil)
	assert.ErrorIs(t, err, ErrNoRings)

	err = Run(context.Background(), Config{Rings: 1, Threads: 0}, setup, nil)
	assert.ErrorIs(t, err, ErrNoThreads)
}

func TestRun_EmptyTemplateBufferRejected(t *testing.T) {
	setup := func(int) (Template, Handler, error) {
		return Template{Fd: 1}, func(int32, uint64) error { return nil }, nil
	}
	err := Run(context.Background(), Config{Rings: 1, Threads: 1}, setup, nil)
	assert.ErrorIs(t, err, ErrEmptyBuffer)
}

func TestRun_FirstErrorInJoinOrder(t *testing.T) {
	workerErrs := []error{
		errors.New("worker zero failed"),
		errors.New("worker one failed"),
		errors.New("worker two failed"),
	}
	setup := func(worker int) (Template, Handler, error) {
		return Template{}, nil, workerErrs[worker]
	}

	err := Run(context.Background(), Config{Rings: 1, Threads: 3}, setup, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, workerErrs[0])
}
