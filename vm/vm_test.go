package vm_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gokernel/core/errno"
	"github.com/gokernel/core/vm"
)

const base = 0x1000_0000
const spaceEnd = 0x2000_0000

func newSpace() *vm.AddressSpace {
	return vm.New(base, spaceEnd, base)
}

func anonRegion(start, length uint64, prot vm.Prot) *vm.Region {
	return &vm.Region{Start: start, Len: length, Prot: prot,
		Flags: vm.FlagPrivate | vm.FlagAnonymous, Backend: vm.NewAnonymous(int(length))}
}

func TestMapThenCanAccessRange(t *testing.T) {
	a := newSpace()
	require.NoError(t, a.Map(anonRegion(base, vm.PageSize, vm.ProtRead|vm.ProtWrite), false))
	assert.True(t, a.CanAccessRange(base, vm.PageSize, vm.ProtRead|vm.ProtWrite))
	assert.False(t, a.CanAccessRange(base, vm.PageSize, vm.ProtExec))
}

func TestMapRejectsOverlapWithoutReplace(t *testing.T) {
	a := newSpace()
	require.NoError(t, a.Map(anonRegion(base, vm.PageSize, vm.ProtRead), false))
	err := a.Map(anonRegion(base, vm.PageSize, vm.ProtRead), false)
	assert.ErrorIs(t, err, errno.EEXIST)
}

func TestMapFixedReplacesOverlap(t *testing.T) {
	a := newSpace()
	require.NoError(t, a.Map(anonRegion(base, 2*vm.PageSize, vm.ProtRead), false))
	require.NoError(t, a.Map(anonRegion(base, vm.PageSize, vm.ProtRead|vm.ProtWrite), true))
	assert.True(t, a.CanAccessRange(base, vm.PageSize, vm.ProtWrite))
}

func TestUnmapSplitsMiddleOfRegion(t *testing.T) {
	a := newSpace()
	require.NoError(t, a.Map(anonRegion(base, 3*vm.PageSize, vm.ProtRead), false))
	require.NoError(t, a.Unmap(base+vm.PageSize, vm.PageSize))

	assert.True(t, a.CanAccessRange(base, vm.PageSize, vm.ProtRead))
	assert.False(t, a.CanAccessRange(base+vm.PageSize, vm.PageSize, vm.ProtRead))
	assert.True(t, a.CanAccessRange(base+2*vm.PageSize, vm.PageSize, vm.ProtRead))
}

func TestProtectNarrowsPermissionOnSubrange(t *testing.T) {
	a := newSpace()
	require.NoError(t, a.Map(anonRegion(base, 2*vm.PageSize, vm.ProtRead|vm.ProtWrite), false))
	require.NoError(t, a.Protect(base, vm.PageSize, vm.ProtRead))

	assert.False(t, a.CanAccessRange(base, vm.PageSize, vm.ProtWrite))
	assert.True(t, a.CanAccessRange(base+vm.PageSize, vm.PageSize, vm.ProtWrite))
}

func TestProtectOnUnmappedRangeIsENOMEM(t *testing.T) {
	a := newSpace()
	err := a.Protect(base, vm.PageSize, vm.ProtRead)
	assert.ErrorIs(t, err, errno.ENOMEM)
}

func TestFindFreeAreaSkipsExistingMapping(t *testing.T) {
	a := newSpace()
	require.NoError(t, a.Map(anonRegion(base, vm.PageSize, vm.ProtRead), false))
	addr, ok := a.FindFreeArea(base, vm.PageSize, base, spaceEnd)
	require.True(t, ok)
	assert.Equal(t, uint64(base+vm.PageSize), addr)
}

func TestHandlePageFaultFailsOutsideAnyRegion(t *testing.T) {
	a := newSpace()
	assert.False(t, a.HandlePageFault(base, vm.ProtRead))
}

func TestHandlePageFaultFailsOnPermissionMismatch(t *testing.T) {
	a := newSpace()
	require.NoError(t, a.Map(anonRegion(base, vm.PageSize, vm.ProtRead), false))
	assert.False(t, a.HandlePageFault(base, vm.ProtWrite))
}

func TestHandlePageFaultSucceedsWithinRegion(t *testing.T) {
	a := newSpace()
	require.NoError(t, a.Map(anonRegion(base, vm.PageSize, vm.ProtRead|vm.ProtWrite), false))
	assert.True(t, a.HandlePageFault(base, vm.ProtWrite))
}

func TestBrkGrowsAndShrinksHeap(t *testing.T) {
	a := newSpace()
	got, err := a.SetBrk(base + vm.PageSize)
	require.NoError(t, err)
	assert.Equal(t, uint64(base+vm.PageSize), got)
	assert.True(t, a.CanAccessRange(base, vm.PageSize, vm.ProtWrite))

	got, err = a.SetBrk(base)
	require.NoError(t, err)
	assert.Equal(t, uint64(base), got)
	assert.False(t, a.CanAccessRange(base, vm.PageSize, vm.ProtRead))
}

func TestBrkBelowBaseIsEINVAL(t *testing.T) {
	a := newSpace()
	_, err := a.SetBrk(base - 1)
	assert.ErrorIs(t, err, errno.EINVAL)
}

func TestForkGivesChildIndependentPrivateWrites(t *testing.T) {
	a := newSpace()
	require.NoError(t, a.Map(anonRegion(base, vm.PageSize, vm.ProtRead|vm.ProtWrite), false))

	r, ok := a.RegionAt(base)
	require.True(t, ok)
	buf, err := r.Backend.Fault(0, true)
	require.NoError(t, err)
	buf[0] = 0xAA

	child := a.Fork()

	cr, ok := child.RegionAt(base)
	require.True(t, ok)
	cbuf, err := cr.Backend.Fault(0, true)
	require.NoError(t, err)
	assert.Equal(t, byte(0xAA), cbuf[0], "child must see the parent's pre-fork contents")

	cbuf[0] = 0xBB

	pbuf, err := r.Backend.Fault(0, false)
	require.NoError(t, err)
	assert.Equal(t, byte(0xAA), pbuf[0], "parent's page must be unaffected by the child's post-fork write")
}

func TestForkSharesSharedRegions(t *testing.T) {
	a := newSpace()
	shared := vm.NewShared(vm.PageSize)
	require.NoError(t, a.Map(&vm.Region{Start: base, Len: vm.PageSize, Prot: vm.ProtRead | vm.ProtWrite,
		Flags: vm.FlagShared, Backend: shared}, false))

	child := a.Fork()
	cr, ok := child.RegionAt(base)
	require.True(t, ok)
	assert.Same(t, shared, cr.Backend, "shared regions must keep pointing at the same backend after fork")
}
