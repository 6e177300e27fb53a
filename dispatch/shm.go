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

// Shared-memory family: shmget, shmat, shmdt, shmctl. Thin argument
// marshalling over shm.Manager, which already holds every bit of
// System V shm state this core tracks; dispatch only supplies the
// calling process's pid and address space. Grounded on
// original_source/api/src/imp/ipc/shm.rs's sys_shmget/sys_shmat/
// sys_shmdt/sys_shmctl.
package dispatch

import (
	"github.com/gokernel/core/proc"
	"github.com/gokernel/core/shm"
)

func (d *Dispatcher) Shmget(key int32, size uint64, flags shm.GetFlags, cur *proc.Thread) (int32, error) {
	defer d.bindCurrent(cur)()
	return d.Shm.Get(key, size, flags, cur.Pid())
}

func (d *Dispatcher) Shmat(cur *proc.Thread, shmid int32, addr uint64, flags shm.AtFlags) (uint64, error) {
	defer d.bindCurrent(cur)()
	return d.Shm.Attach(shmid, addr, flags, cur.Pid(), cur.Process().AddressSpace())
}

func (d *Dispatcher) Shmdt(cur *proc.Thread, shmaddr uint64) error {
	defer d.bindCurrent(cur)()
	return d.Shm.Detach(shmaddr, cur.Pid(), cur.Process().AddressSpace())
}

func (d *Dispatcher) Shmctl(shmid int32, cmd uint32, stat *shm.Stat) (shm.Stat, error) {
	return d.Shm.Ctl(shmid, cmd, stat)
}
