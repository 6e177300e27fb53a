package shm_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gokernel/core/errno"
	"github.com/gokernel/core/shm"
	"github.com/gokernel/core/vm"
)

func newAspace() *vm.AddressSpace {
	return vm.New(0x4000_0000, 0x5000_0000, 0x4000_0000)
}

func TestGetWithSameKeyReturnsTheSameSegment(t *testing.T) {
	m := shm.NewManager()
	id1, err := m.Get(42, 4096, shm.GetCreate, 1)
	require.NoError(t, err)
	id2, err := m.Get(42, 0, 0, 1)
	require.NoError(t, err)
	assert.Equal(t, id1, id2)
}

func TestGetExclusiveFailsIfKeyAlreadyExists(t *testing.T) {
	m := shm.NewManager()
	_, err := m.Get(7, 4096, shm.GetCreate, 1)
	require.NoError(t, err)
	_, err = m.Get(7, 4096, shm.GetCreate|shm.GetExclusive, 1)
	assert.ErrorIs(t, err, errno.EEXIST)
}

func TestGetWithoutCreateOnUnknownKeyFails(t *testing.T) {
	m := shm.NewManager()
	_, err := m.Get(9, 4096, 0, 1)
	assert.Error(t, err)
}

func TestGetPrivateKeyAlwaysCreatesANewSegment(t *testing.T) {
	m := shm.NewManager()
	id1, err := m.Get(shm.IPCPrivate, 4096, shm.GetCreate, 1)
	require.NoError(t, err)
	id2, err := m.Get(shm.IPCPrivate, 4096, shm.GetCreate, 1)
	require.NoError(t, err)
	assert.NotEqual(t, id1, id2)
}

func TestAttachMapsTheSegmentIntoTheAddressSpace(t *testing.T) {
	m := shm.NewManager()
	id, err := m.Get(shm.IPCPrivate, 4096, shm.GetCreate, 1)
	require.NoError(t, err)

	aspace := newAspace()
	addr, err := m.Attach(id, 0, 0, 1, aspace)
	require.NoError(t, err)
	assert.NotZero(t, addr)

	r, ok := aspace.RegionAt(addr)
	require.True(t, ok)
	assert.Equal(t, uint64(4096), r.Len)
	assert.NotZero(t, r.Prot&vm.ProtWrite)
}

func TestAttachReadOnlyStripsWritePermission(t *testing.T) {
	m := shm.NewManager()
	id, err := m.Get(shm.IPCPrivate, 4096, shm.GetCreate, 1)
	require.NoError(t, err)

	aspace := newAspace()
	addr, err := m.Attach(id, 0, shm.AtReadOnly, 1, aspace)
	require.NoError(t, err)
	r, _ := aspace.RegionAt(addr)
	assert.Zero(t, r.Prot&vm.ProtWrite)
}

func TestTwoProcessesAttachingSeeEachOthersWrites(t *testing.T) {
	m := shm.NewManager()
	id, err := m.Get(shm.IPCPrivate, 4096, shm.GetCreate, 1)
	require.NoError(t, err)

	aspaceA := newAspace()
	aspaceB := newAspace()
	addrA, err := m.Attach(id, 0, 0, 1, aspaceA)
	require.NoError(t, err)
	addrB, err := m.Attach(id, 0, 0, 2, aspaceB)
	require.NoError(t, err)

	assert.True(t, aspaceA.HandlePageFault(addrA, vm.ProtWrite))
	rA, _ := aspaceA.RegionAt(addrA)
	buf, err := rA.Backend.Fault(0, true)
	require.NoError(t, err)
	copy(buf, []byte("hello"))

	rB, _ := aspaceB.RegionAt(addrB)
	bufB, err := rB.Backend.Fault(0, false)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), bufB[:5])
}

func TestDetachUnmapsAndLeavesTheSegmentAliveWithoutRmid(t *testing.T) {
	m := shm.NewManager()
	id, err := m.Get(shm.IPCPrivate, 4096, shm.GetCreate, 1)
	require.NoError(t, err)

	aspace := newAspace()
	addr, err := m.Attach(id, 0, 0, 1, aspace)
	require.NoError(t, err)

	require.NoError(t, m.Detach(addr, 1, aspace))
	_, ok := aspace.RegionAt(addr)
	assert.False(t, ok)

	stat, err := m.Ctl(id, shm.IPCStat, nil)
	require.NoError(t, err)
	assert.Equal(t, 0, stat.NAttach)
}

func TestRmidDestroysOnlyAfterLastDetach(t *testing.T) {
	m := shm.NewManager()
	id, err := m.Get(shm.IPCPrivate, 4096, shm.GetCreate, 1)
	require.NoError(t, err)

	aspace := newAspace()
	addr, err := m.Attach(id, 0, 0, 1, aspace)
	require.NoError(t, err)

	_, err = m.Ctl(id, shm.IPCRmid, nil)
	require.NoError(t, err)

	// Still attached: a fresh Get by key must fail, the segment is gone
	// from the key table even though the mapping is still live.
	_, err = m.Get(id, 0, 0, 1)
	assert.Error(t, err)

	require.NoError(t, m.Detach(addr, 1, aspace))

	_, err = m.Ctl(id, shm.IPCStat, nil)
	assert.ErrorIs(t, err, errno.EINVAL, "segment must be destroyed once the last attachment detaches")
}

func TestExitProcessDetachesAllOfAProcesssSegments(t *testing.T) {
	m := shm.NewManager()
	id, err := m.Get(shm.IPCPrivate, 4096, shm.GetCreate, 1)
	require.NoError(t, err)

	aspace := newAspace()
	_, err = m.Attach(id, 0, 0, 1, aspace)
	require.NoError(t, err)
	_, err = m.Ctl(id, shm.IPCRmid, nil)
	require.NoError(t, err)

	m.ExitProcess(1)

	_, err = m.Ctl(id, shm.IPCStat, nil)
	assert.ErrorIs(t, err, errno.EINVAL, "exit must detach and trigger rmid destruction")
}
