package fdtable_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gokernel/core/errno"
	"github.com/gokernel/core/fdtable"
	"github.com/gokernel/core/vfs/eventfd"
)

func TestInsertUsesLowestFreeSlot(t *testing.T) {
	tb := fdtable.New()
	a, err := tb.Insert(eventfd.New(0, false), false)
	require.NoError(t, err)
	assert.Equal(t, 0, a)

	b, err := tb.Insert(eventfd.New(0, false), false)
	require.NoError(t, err)
	assert.Equal(t, 1, b)

	_, err = tb.Remove(a)
	require.NoError(t, err)

	c, err := tb.Insert(eventfd.New(0, false), false)
	require.NoError(t, err)
	assert.Equal(t, 0, c, "freed slot should be reused before growing")
}

func TestGetOnEmptySlotIsEBADF(t *testing.T) {
	tb := fdtable.New()
	_, err := tb.Get(5)
	assert.ErrorIs(t, err, errno.EBADF)
}

func TestInsertAtDisplacesExistingFile(t *testing.T) {
	tb := fdtable.New()
	first := eventfd.New(0, false)
	require.NoError(t, tb.InsertAt(3, first, false))

	second := eventfd.New(0, false)
	require.NoError(t, tb.InsertAt(3, second, false))

	got, err := tb.Get(3)
	require.NoError(t, err)
	assert.Same(t, second, got)
}

func TestDupClearsCloexecAndSharesFile(t *testing.T) {
	tb := fdtable.New()
	f := eventfd.New(0, false)
	orig, err := tb.Insert(f, true)
	require.NoError(t, err)

	dup, err := tb.Dup(orig)
	require.NoError(t, err)
	assert.NotEqual(t, orig, dup)

	cloexec, err := tb.Cloexec(dup)
	require.NoError(t, err)
	assert.False(t, cloexec)

	got, err := tb.Get(dup)
	require.NoError(t, err)
	assert.Same(t, f, got)
}

func TestDup2SameFdIsNoop(t *testing.T) {
	tb := fdtable.New()
	f := eventfd.New(0, false)
	fd, err := tb.Insert(f, false)
	require.NoError(t, err)

	got, displaced, err := tb.Dup2(fd, fd, false)
	require.NoError(t, err)
	assert.Equal(t, fd, got)
	assert.Nil(t, displaced)
}

func TestDup2ReplacesTargetSlot(t *testing.T) {
	tb := fdtable.New()
	oldFd, err := tb.Insert(eventfd.New(0, false), false)
	require.NoError(t, err)
	victim := eventfd.New(0, false)
	newFd, err := tb.Insert(victim, false)
	require.NoError(t, err)

	_, displaced, err := tb.Dup2(oldFd, newFd, true)
	require.NoError(t, err)
	assert.Same(t, victim, displaced)

	cloexec, err := tb.Cloexec(newFd)
	require.NoError(t, err)
	assert.True(t, cloexec)
}

func TestCloseOnExecRemovesOnlyMarkedSlots(t *testing.T) {
	tb := fdtable.New()
	keep, err := tb.Insert(eventfd.New(0, false), false)
	require.NoError(t, err)
	drop, err := tb.Insert(eventfd.New(0, false), true)
	require.NoError(t, err)

	tb.CloseOnExec()

	_, err = tb.Get(keep)
	assert.NoError(t, err)
	_, err = tb.Get(drop)
	assert.ErrorIs(t, err, errno.EBADF)
}

func TestCloneIsIndependentOfOriginal(t *testing.T) {
	tb := fdtable.New()
	fd, err := tb.Insert(eventfd.New(0, false), false)
	require.NoError(t, err)

	clone := tb.Clone()
	_, err = clone.Remove(fd)
	require.NoError(t, err)

	_, err = tb.Get(fd)
	assert.NoError(t, err, "removing from the clone must not affect the original table")
}

func TestIDsAreSortedAscending(t *testing.T) {
	tb := fdtable.New()
	require.NoError(t, tb.InsertAt(5, eventfd.New(0, false), false))
	require.NoError(t, tb.InsertAt(1, eventfd.New(0, false), false))
	require.NoError(t, tb.InsertAt(3, eventfd.New(0, false), false))

	assert.Equal(t, []int{1, 3, 5}, tb.IDs())
	assert.Equal(t, 3, tb.Len())
}

func TestCloseAllReturnsEveryOpenFileAndEmptiesTable(t *testing.T) {
	tb := fdtable.New()
	a, err := tb.Insert(eventfd.New(0, false), false)
	require.NoError(t, err)
	b, err := tb.Insert(eventfd.New(0, false), false)
	require.NoError(t, err)

	files := tb.CloseAll()
	assert.Len(t, files, 2)
	assert.Equal(t, 0, tb.Len())

	_, err = tb.Get(a)
	assert.ErrorIs(t, err, errno.EBADF)
	_, err = tb.Get(b)
	assert.ErrorIs(t, err, errno.EBADF)
}
