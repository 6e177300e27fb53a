package devfs_test

import (
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gokernel/core/errno"
	"github.com/gokernel/core/vfs/devfs"
	"github.com/gokernel/core/vfs/tmpfs"
)

func consoleStub() *tmpfs.File { return tmpfs.NewFile(tmpfs.NewInode(0o666), false) }

func TestNullReadsEOFAndSwallowsWrites(t *testing.T) {
	dir := devfs.New(consoleStub(), consoleStub())
	f, err := dir.Lookup("null")
	require.NoError(t, err)

	buf := make([]byte, 8)
	n, err := f.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	n, err = f.Write([]byte("discarded"))
	require.NoError(t, err)
	assert.Equal(t, 9, n)
}

func TestZeroFillsReadsWithZeroBytes(t *testing.T) {
	dir := devfs.New(consoleStub(), consoleStub())
	f, err := dir.Lookup("zero")
	require.NoError(t, err)

	buf := make([]byte, 8)
	for i := range buf {
		buf[i] = 0xFF
	}
	n, err := f.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, 8, n)
	for _, b := range buf {
		assert.Equal(t, byte(0), b)
	}
}

func TestFullReturnsENOSPCOnWrite(t *testing.T) {
	dir := devfs.New(consoleStub(), consoleStub())
	f, err := dir.Lookup("full")
	require.NoError(t, err)

	_, err = f.Write([]byte("x"))
	assert.ErrorIs(t, err, errno.ENOSPC)

	buf := make([]byte, 4)
	n, err := f.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, 4, n)
}

func TestRandomAndUrandomProduceBytes(t *testing.T) {
	dir := devfs.New(consoleStub(), consoleStub())
	for _, name := range []string{"random", "urandom"} {
		f, err := dir.Lookup(name)
		require.NoError(t, err)
		buf := make([]byte, 16)
		n, err := f.Read(buf)
		require.NoError(t, err)
		assert.Equal(t, 16, n)
	}
}

func TestAllSpecMandatedNodesExist(t *testing.T) {
	dir := devfs.New(consoleStub(), consoleStub())
	names := []string{
		"null", "zero", "full", "random", "urandom",
		"tty", "console", "ptmx", "pts", "rtc0", "fb0",
	}
	for i := 0; i < 16; i++ {
		names = append(names, "loop"+strconv.Itoa(i))
	}
	for _, name := range names {
		_, err := dir.Lookup(name)
		require.NoErrorf(t, err, "missing /dev/%s", name)
	}
}
