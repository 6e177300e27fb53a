// Copyright 2024 The Gokernel Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package shm implements SysV shared memory: shmget/shmat/shmdt/shmctl
// over one process-wide Manager, with each attached region backed by a
// vm.SharedBackend mapped into the attaching process's vm.AddressSpace.
// Grounded on original_source/core/src/shm.rs's ShmManager/ShmInner (the
// key/shmid/per-process-vaddr bookkeeping) and
// original_source/api/src/imp/ipc/shm.rs's sys_shmget/sys_shmat/
// sys_shmctl/sys_shmdt (the exact flag and errno semantics).
package shm

import (
	"sync"
	"time"

	"github.com/gokernel/core/errno"
	"github.com/gokernel/core/vm"
)

// IPCPrivate is the key value that always allocates a fresh segment
// rather than looking one up, matching IPC_PRIVATE.
const IPCPrivate int32 = 0

// ctl commands for Manager.Ctl, matching shmctl(2)'s IPC_RMID/IPC_SET/
// IPC_STAT.
const (
	IPCRmid uint32 = 0
	IPCSet  uint32 = 1
	IPCStat uint32 = 2
)

// AtFlags are the flags accepted by Manager.Attach, matching shmat(2)'s
// SHM_RDONLY/SHM_RND/SHM_REMAP.
type AtFlags uint32

const (
	AtReadOnly AtFlags = 0o10000
	AtRound    AtFlags = 0o20000
	AtRemap    AtFlags = 0o40000
)

// GetFlags are the creation/permission bits accepted by Manager.Get,
// matching shmget(2)'s IPC_CREAT/IPC_EXCL plus the low 9 permission
// bits (only the owner-read/write/execute bits affect this
// implementation, which has no multi-user permission model).
type GetFlags uint32

const (
	GetCreate    GetFlags = 0o1000
	GetExclusive GetFlags = 0o2000
	permRead     GetFlags = 0o400
	permWrite    GetFlags = 0o200
	permExec     GetFlags = 0o100
)

// Stat mirrors the subset of struct shmid_ds that Manager.Ctl's
// IPC_STAT/IPC_SET exchange with user space; the dispatch layer is
// responsible for marshalling it into the real C layout.
type Stat struct {
	Key       int32
	Size      uint64
	CPid      int // creator pid
	LPid      int // last shmat/shmdt pid
	NAttach   int
	CTime     time.Time
	ATime     time.Time
	DTime     time.Time
	Perm      GetFlags
	MarkedRmid bool
}

// segment is one shared memory region, identified by its shmid. A
// segment's backend is created once, on first Get, and lives until the
// segment is destroyed — every subsequent Attach across every process
// maps the same *vm.SharedBackend, which is how writes become visible
// across processes without this core having a real physical page
// allocator to share frames through.
type segment struct {
	mu      sync.Mutex
	shmid   int32
	key     int32
	size    uint64
	perm    GetFlags
	backend *vm.SharedBackend

	cpid, lpid int
	ctime      time.Time
	atime      time.Time
	dtime      time.Time

	rmidPending bool
	attached    map[int]uint64 // pid -> vaddr, the live attach set
}

// detach removes pid's attachment and destroys the segment if it was
// marked for removal and nobody is attached anymore. Both Manager.Detach
// (the explicit shmdt path) and Manager.ExitProcess (the process-exit
// cleanup path) route through this one method, so the "destroy when
// rmid-pending and attachment count reaches zero" check cannot diverge
// between the two callers.
func (s *segment) detach(pid int) (destroy bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.attached, pid)
	s.dtime = now()
	destroy = s.rmidPending && len(s.attached) == 0
	return destroy
}

// Manager owns every SysV shared memory segment in the kernel, keyed by
// shmid, plus the key->shmid lookup shmget(2) uses to let unrelated
// processes rendezvous on the same segment, and the per-process set of
// attached shmids needed to unwind a process's attachments on exit.
// Grounded on ShmManager's three BiBTreeMaps, collapsed to plain Go
// maps since this core needs none of their range-query operations.
type Manager struct {
	mu sync.Mutex

	nextID    int32
	byKey     map[int32]int32
	segments  map[int32]*segment
	procAttach map[int][]int32 // pid -> shmids it has attached
}

// NewManager returns an empty shared memory manager.
func NewManager() *Manager {
	return &Manager{
		byKey:      make(map[int32]int32),
		segments:   make(map[int32]*segment),
		procAttach: make(map[int][]int32),
	}
}

func (m *Manager) allocID() int32 {
	m.nextID++
	return m.nextID
}

// now is a seam over time.Now so the timestamp fields have a single
// call site; this core stamps wall-clock time for shmid_ds's *time
// fields since it has no monotonic clock source of its own (ktime
// covers CLOCK_MONOTONIC for timekeeping syscalls, not this).
func now() time.Time { return time.Now() }

// Get implements shmget(2): look up an existing segment by key, or
// create a new one. A size of 0 with an existing key returns that
// segment regardless of size (matching shmget's "size is ignored
// unless creating"); a size of 0 while creating is EINVAL. key ==
// IPCPrivate always creates a fresh segment, bypassing the key table
// entirely, matching IPC_PRIVATE.
func (m *Manager) Get(key int32, size uint64, flags GetFlags, pid int) (int32, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if key != IPCPrivate {
		if id, ok := m.byKey[key]; ok {
			if flags&GetCreate != 0 && flags&GetExclusive != 0 {
				return 0, errno.EEXIST
			}
			seg := m.segments[id]
			seg.mu.Lock()
			tooSmall := size > seg.size
			seg.mu.Unlock()
			if tooSmall {
				return 0, errno.EINVAL
			}
			return id, nil
		}
		if flags&GetCreate == 0 {
			return 0, errno.ENOENT
		}
	}
	if size == 0 {
		return 0, errno.EINVAL
	}

	id := m.allocID()
	pages := vm.PageSize
	aligned := (size + uint64(pages) - 1) &^ (uint64(pages) - 1)
	seg := &segment{
		shmid:    id,
		key:      key,
		size:     aligned,
		perm:     flags & (permRead | permWrite | permExec),
		backend:  vm.NewShared(int(aligned)),
		cpid:     pid,
		lpid:     pid,
		ctime:    now(),
		attached: make(map[int]uint64),
	}
	m.segments[id] = seg
	if key != IPCPrivate {
		m.byKey[key] = id
	}
	return id, nil
}

// Attach implements shmat(2): map shmid's backend into aspace at addr
// (or wherever FindFreeArea picks, if addr is 0), honoring AtReadOnly.
// AtRound and AtRemap are accepted but not implemented beyond the
// caller already page-aligning addr — this core's address space has no
// SHMLBA-sized alignment constant narrower than PageSize and no
// existing-mapping takeover path to remap over, matching the note left
// in the source this is grounded on.
func (m *Manager) Attach(shmid int32, addr uint64, flags AtFlags, pid int, aspace *vm.AddressSpace) (uint64, error) {
	m.mu.Lock()
	seg, ok := m.segments[shmid]
	m.mu.Unlock()
	if !ok {
		return 0, errno.EINVAL
	}

	seg.mu.Lock()
	size := seg.size
	prot := vm.ProtRead | vm.ProtWrite | vm.ProtExec
	if flags&AtReadOnly != 0 {
		prot = vm.ProtRead | vm.ProtExec
	}
	backend := seg.backend
	_, already := seg.attached[pid]
	seg.mu.Unlock()
	if already {
		return 0, errno.EINVAL
	}

	start, ok := aspace.FindFreeArea(addr, size, aspace.Base(), aspace.End())
	if !ok {
		return 0, errno.ENOMEM
	}
	region := &vm.Region{
		Start: start, Len: size, Prot: prot,
		Flags: vm.FlagShared, Name: "[shm]", Backend: backend,
	}
	if err := aspace.Map(region, false); err != nil {
		return 0, err
	}

	seg.mu.Lock()
	seg.attached[pid] = start
	seg.lpid = pid
	seg.atime = now()
	seg.mu.Unlock()

	m.mu.Lock()
	m.procAttach[pid] = append(m.procAttach[pid], shmid)
	m.mu.Unlock()

	return start, nil
}

// Detach implements shmdt(2): unmap whichever segment pid has attached
// at shmaddr and drop the attachment, destroying the segment if it was
// already marked IPC_RMID and this was the last attachment.
func (m *Manager) Detach(shmaddr uint64, pid int, aspace *vm.AddressSpace) error {
	m.mu.Lock()
	var found *segment
	for _, id := range m.procAttach[pid] {
		seg := m.segments[id]
		if seg == nil {
			continue
		}
		seg.mu.Lock()
		vaddr, ok := seg.attached[pid]
		seg.mu.Unlock()
		if ok && vaddr == shmaddr {
			found = seg
			break
		}
	}
	m.mu.Unlock()
	if found == nil {
		return errno.EINVAL
	}

	if err := aspace.Unmap(shmaddr, found.size); err != nil {
		return err
	}
	m.finishDetach(found, pid)
	return nil
}

func (m *Manager) finishDetach(seg *segment, pid int) {
	destroy := seg.detach(pid)

	m.mu.Lock()
	rest := m.procAttach[pid][:0]
	for _, id := range m.procAttach[pid] {
		if id != seg.shmid {
			rest = append(rest, id)
		}
	}
	m.procAttach[pid] = rest
	if destroy {
		delete(m.segments, seg.shmid)
		delete(m.byKey, seg.key)
	}
	m.mu.Unlock()
}

// Ctl implements shmctl(2)'s IPC_STAT/IPC_SET/IPC_RMID. IPC_RMID marks
// the segment for destruction once its last attachment goes away
// (immediately, if it has none left already) rather than destroying it
// synchronously, matching shmctl(2)'s documented "marked as destroyed"
// semantics.
func (m *Manager) Ctl(shmid int32, cmd uint32, stat *Stat) (Stat, error) {
	m.mu.Lock()
	seg, ok := m.segments[shmid]
	m.mu.Unlock()
	if !ok {
		return Stat{}, errno.EINVAL
	}

	seg.mu.Lock()
	destroy := false
	switch cmd {
	case IPCSet:
		if stat != nil {
			seg.perm = stat.Perm
		}
		seg.ctime = now()
	case IPCStat:
		// no mutation; read path below
	case IPCRmid:
		seg.rmidPending = true
		seg.ctime = now()
		destroy = len(seg.attached) == 0
	default:
		seg.mu.Unlock()
		return Stat{}, errno.EINVAL
	}
	out := Stat{
		Key: seg.key, Size: seg.size, CPid: seg.cpid, LPid: seg.lpid,
		NAttach: len(seg.attached), CTime: seg.ctime, ATime: seg.atime,
		DTime: seg.dtime, Perm: seg.perm, MarkedRmid: seg.rmidPending,
	}
	seg.mu.Unlock()

	// Lock order is always Manager.mu before segment.mu elsewhere in this
	// package; dropping seg.mu before taking m.mu here keeps that order
	// instead of reversing it under IPC_RMID.
	if destroy {
		m.mu.Lock()
		delete(m.segments, seg.shmid)
		delete(m.byKey, seg.key)
		m.mu.Unlock()
	}
	return out, nil
}

// ExitProcess detaches every segment pid still holds, destroying any
// that were rmid-pending and now have no attachments left. It is the
// process-exit counterpart of Detach and calls the same segment.detach
// predicate, so the two cleanup paths can never disagree about when a
// segment is destroyed. The caller (proc.Registry.Exit) is responsible
// for unmapping pid's address space separately; ExitProcess only
// updates shm bookkeeping, since a process that is exiting is about to
// discard its whole AddressSpace anyway.
func (m *Manager) ExitProcess(pid int) {
	m.mu.Lock()
	shmids := append([]int32(nil), m.procAttach[pid]...)
	delete(m.procAttach, pid)
	m.mu.Unlock()

	for _, id := range shmids {
		m.mu.Lock()
		seg := m.segments[id]
		m.mu.Unlock()
		if seg == nil {
			continue
		}
		if destroy := seg.detach(pid); destroy {
			m.mu.Lock()
			delete(m.segments, seg.shmid)
			delete(m.byKey, seg.key)
			m.mu.Unlock()
		}
	}
}
