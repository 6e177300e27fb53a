package procfs_test

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gokernel/core/errno"
	"github.com/gokernel/core/proc"
	"github.com/gokernel/core/vfs"
	"github.com/gokernel/core/vfs/procfs"
	"github.com/gokernel/core/vm"
)

type fakeThread struct {
	pid, tid int
	comm     string
	cmdline  []string
	exe      string
	fds      map[int]string
}

func (f *fakeThread) Pid() int          { return f.pid }
func (f *fakeThread) Tid() int          { return f.tid }
func (f *fakeThread) Comm() string      { return f.comm }
func (f *fakeThread) Cmdline() []string { return f.cmdline }
func (f *fakeThread) ExePath() string   { return f.exe }
func (f *fakeThread) OpenFDs() []int {
	out := make([]int, 0, len(f.fds))
	for fd := range f.fds {
		out = append(out, fd)
	}
	return out
}
func (f *fakeThread) FDPath(fd int) (string, bool) {
	p, ok := f.fds[fd]
	return p, ok
}

type fakeRegistry struct {
	threads map[int]*fakeThread
	self    int
}

func (r *fakeRegistry) Lookup(tid int) (procfs.ThreadInfo, bool) {
	t, ok := r.threads[tid]
	return t, ok
}
func (r *fakeRegistry) Self() (procfs.ThreadInfo, bool) {
	return r.Lookup(r.self)
}
func (r *fakeRegistry) All() []procfs.ThreadInfo {
	out := make([]procfs.ThreadInfo, 0, len(r.threads))
	for _, t := range r.threads {
		out = append(out, t)
	}
	return out
}
func (r *fakeRegistry) ThreadsInProcess(pid int) []int {
	var out []int
	for tid, t := range r.threads {
		if t.pid == pid {
			out = append(out, tid)
		}
	}
	return out
}

// lookupable is the duck-typed directory contract both the /proc root
// and every synthesized subdirectory satisfy.
type lookupable interface {
	Lookup(name string) (vfs.FileLike, error)
	List() []string
}

func newFixture() *fakeRegistry {
	return &fakeRegistry{
		self: 1,
		threads: map[int]*fakeThread{
			1: {pid: 1, tid: 1, comm: "init", cmdline: []string{"/sbin/init"}, exe: "/sbin/init",
				fds: map[int]string{0: "/dev/tty", 3: "pipe:[123]"}},
		},
	}
}

func TestProcSelfResolvesToThreadOne(t *testing.T) {
	root := procfs.New(newFixture())
	selfDirFile, err := root.Lookup("self")
	require.NoError(t, err)
	selfDir, ok := selfDirFile.(lookupable)
	require.True(t, ok)

	comm, err := selfDir.Lookup("comm")
	require.NoError(t, err)
	buf := make([]byte, 32)
	n, err := comm.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "init\n", string(buf[:n]))
}

// TestProcSelfResolvesThroughARealRegistry exercises proc.Registry
// itself (not fakeRegistry's hardcoded self field) to guard against
// /proc/self silently going dark if a dispatch entry point ever stops
// binding its calling thread.
func TestProcSelfResolvesThroughARealRegistry(t *testing.T) {
	reg := proc.NewRegistry()
	aspace := vm.New(0x1000_0000, 0x2000_0000, 0x1000_0000)
	_, th := reg.Bootstrap(aspace, "/sbin/init", []string{"/sbin/init"})

	unbind := reg.BindCurrent(th)
	defer unbind()

	root := procfs.New(reg)
	selfDirFile, err := root.Lookup("self")
	require.NoError(t, err)
	selfDir, ok := selfDirFile.(lookupable)
	require.True(t, ok)

	comm, err := selfDir.Lookup("comm")
	require.NoError(t, err)
	buf := make([]byte, 32)
	n, err := comm.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "init\n", string(buf[:n]))
}

// TestProcSelfIsENOENTWithoutABoundThread documents the other half of
// the same contract: a goroutine that never called BindCurrent has no
// "current" thread, so /proc/self must behave exactly like the real
// kernel's self-lookup failing outside of task context, not silently
// resolve to whichever thread happens to exist.
func TestProcSelfIsENOENTWithoutABoundThread(t *testing.T) {
	reg := proc.NewRegistry()
	aspace := vm.New(0x1000_0000, 0x2000_0000, 0x1000_0000)
	reg.Bootstrap(aspace, "/sbin/init", []string{"/sbin/init"})

	root := procfs.New(reg)
	_, err := root.Lookup("self")
	assert.ErrorIs(t, err, errno.ENOENT)
}

func TestProcMeminfoReadable(t *testing.T) {
	root := procfs.New(newFixture())
	f, err := root.Lookup("meminfo")
	require.NoError(t, err)
	buf := make([]byte, 4096)
	n, err := f.Read(buf)
	require.NoError(t, err)
	assert.Contains(t, string(buf[:n]), "MemTotal")
}

func TestProcSysKernelPidMax(t *testing.T) {
	root := procfs.New(newFixture())
	sysFile, err := root.Lookup("sys")
	require.NoError(t, err)
	sysDir := sysFile.(lookupable)

	kernelFile, err := sysDir.Lookup("kernel")
	require.NoError(t, err)
	kernelDir := kernelFile.(lookupable)

	pidMax, err := kernelDir.Lookup("pid_max")
	require.NoError(t, err)
	buf := make([]byte, 16)
	n, err := pidMax.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "32768\n", string(buf[:n]))
}

func TestThreadCmdlineIsNulSeparated(t *testing.T) {
	reg := newFixture()
	reg.threads[1].cmdline = []string{"/bin/sh", "-c", "echo hi"}
	root := procfs.New(reg)
	tdirFile, err := root.Lookup("1")
	require.NoError(t, err)
	tdir := tdirFile.(lookupable)

	cmdline, err := tdir.Lookup("cmdline")
	require.NoError(t, err)
	buf := make([]byte, 64)
	n, err := cmdline.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "/bin/sh\x00-c\x00echo hi\x00", string(buf[:n]))
}

func TestThreadExeIsASymlinkTarget(t *testing.T) {
	root := procfs.New(newFixture())
	tdirFile, err := root.Lookup("1")
	require.NoError(t, err)
	tdir := tdirFile.(lookupable)

	exe, err := tdir.Lookup("exe")
	require.NoError(t, err)
	buf := make([]byte, 64)
	n, err := exe.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "/sbin/init", string(buf[:n]))
}

func TestThreadFdListsOpenDescriptors(t *testing.T) {
	root := procfs.New(newFixture())
	tdirFile, err := root.Lookup("1")
	require.NoError(t, err)
	tdir := tdirFile.(lookupable)

	fdDirFile, err := tdir.Lookup("fd")
	require.NoError(t, err)
	fdDir := fdDirFile.(lookupable)

	target, err := fdDir.Lookup("3")
	require.NoError(t, err)
	buf := make([]byte, 32)
	n, err := target.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "pipe:[123]", string(buf[:n]))

	_, err = fdDir.Lookup("99")
	assert.ErrorIs(t, err, errno.ENOENT)
}

func TestUnknownThreadIsENOENT(t *testing.T) {
	root := procfs.New(newFixture())
	_, err := root.Lookup("999")
	assert.ErrorIs(t, err, errno.ENOENT)
}

func TestRootListingIncludesKnownEntries(t *testing.T) {
	root := procfs.New(newFixture())
	names := strings.Join(root.List(), ",")
	assert.Contains(t, names, "self")
	assert.Contains(t, names, "meminfo")
	assert.Contains(t, names, "1")
}
