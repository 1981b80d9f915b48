//go:build linux

package affinity

import (
	"errors"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

// anyAllowedCPU returns one CPU from the calling thread's current mask.
func anyAllowedCPU(t *testing.T) int {
	t.Helper()
	var set unix.CPUSet
	require.NoError(t, unix.SchedGetaffinity(0, &set))
	for cpu := 0; cpu < runtime.NumCPU(); cpu++ {
		if set.IsSet(cpu) {
			return cpu
		}
	}
	t.Fatal("empty affinity mask")
	return -1
}

func TestPinned_BodyRunsOnTargetCPU(t *testing.T) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	cpu := anyAllowedCPU(t)

	var before unix.CPUSet
	require.NoError(t, unix.SchedGetaffinity(0, &before))

	err := Pinned(cpu, func() error {
		var during unix.CPUSet
		require.NoError(t, unix.SchedGetaffinity(0, &during))
		assert.Equal(t, 1, during.Count())
		assert.True(t, during.IsSet(cpu))
		return nil
	})
	require.NoError(t, err)

	var after unix.CPUSet
	require.NoError(t, unix.SchedGetaffinity(0, &after))
	assert.Equal(t, before, after)
}

func TestPinned_RestoresMaskOnBodyError(t *testing.T) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	cpu := anyAllowedCPU(t)

	var before unix.CPUSet
	require.NoError(t, unix.SchedGetaffinity(0, &before))

	errBody := errors.New("body failed")
	err := Pinned(cpu, func() error { return errBody })
	assert.ErrorIs(t, err, errBody)

	var after unix.CPUSet
	require.NoError(t, unix.SchedGetaffinity(0, &after))
	assert.Equal(t, before, after)
}

func TestPinned_InvalidCPU(t *testing.T) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	err := Pinned(1 << 15, func() error {
		t.Fatal("body must not run")
		return nil
	})
	assert.ErrorIs(t, err, ErrAffinity)
}

func TestCycle_WrapsAround(t *testing.T) {
	c := NewCycle([]int{3, 1, 4})
	got := []int{c.Next(), c.Next(), c.Next(), c.Next(), c.Next()}
	assert.Equal(t, []int{3, 1, 4, 3, 1}, got)
}

func TestCycle_EmptyDefaultsToCPUZero(t *testing.T) {
	c := NewCycle(nil)
	assert.Equal(t, 0, c.Next())
	assert.Equal(t, 0, c.Next())
}

func TestCycle_CopiesInput(t *testing.T) {
	cpus := []int{1, 2}
	c := NewCycle(cpus)
	cpus[0] = 9
	assert.Equal(t, 1, c.Next())
}
