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

// Package rlimit implements per-process resource limits (prlimit64,
// §6 "Misc" of spec.md), supplementing the distilled spec's bare
// mention of resource limits as a Process attribute. Grounded on
// original_source/core/src/resources.rs's Rlimits fixed-size array and
// original_source/api/src/imp/resources.rs's sys_prlimit64.
package rlimit

import (
	"sync"

	"github.com/gokernel/core/errno"
)

// Resource kind indices, matching Linux's RLIMIT_* numbering exactly
// (the order sys_prlimit64's resource argument expects).
const (
	CPU = iota
	FSIZE
	DATA
	STACK
	CORE
	RSS
	NPROC
	NOFILE
	MEMLOCK
	AS
	LOCKS
	SIGPENDING
	MSGQUEUE
	NICE
	RTPRIO
	RTTIME
	NLimits // RLIM_NLIMITS: not a real resource, the bound on the array above
)

// Infinity is RLIM_INFINITY: no limit.
const Infinity uint64 = ^uint64(0)

// defaultNofile and defaultStack match AX_FILE_LIMIT and
// USER_STACK_SIZE in the grounding source's Default impl for Rlimits.
const (
	defaultNofile = 1024
	defaultStack  = 8 << 20
)

// Limit is one resource's (soft, hard) pair.
type Limit struct {
	Cur uint64
	Max uint64
}

// Table is one process's full RLIMIT_* array, grounded on Rlimits.
type Table struct {
	mu     sync.Mutex
	limits [NLimits]Limit
}

// NewTable returns a table with every resource unlimited except
// RLIMIT_NOFILE and RLIMIT_STACK, matching Rlimits::default().
func NewTable() *Table {
	t := &Table{}
	for i := range t.limits {
		t.limits[i] = Limit{Cur: Infinity, Max: Infinity}
	}
	t.limits[NOFILE] = Limit{Cur: defaultNofile, Max: defaultNofile}
	t.limits[STACK] = Limit{Cur: defaultStack, Max: defaultStack}
	return t
}

// Clone returns an independent copy, for fork's "child inherits
// parent's rlimits" semantics.
func (t *Table) Clone() *Table {
	t.mu.Lock()
	defer t.mu.Unlock()
	c := &Table{limits: t.limits}
	return c
}

// Get reports resource's current limit pair.
func (t *Table) Get(resource int) (Limit, error) {
	if resource < 0 || resource >= NLimits {
		return Limit{}, errno.EINVAL
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.limits[resource], nil
}

// Set installs a new limit pair for resource. Unlike the grounding
// source's sys_prlimit64 (which has a `// TODO: patch resources` that
// silently no-ops instead of rejecting a hard-limit raise), this
// enforces the documented rule exactly: cur must never exceed max, and
// max may only be lowered, never raised — this core has no capability
// or privilege model to grant CAP_SYS_RESOURCE's exemption (spec.md §1
// excludes a capability/LSM model), so every caller is the
// unprivileged case.
func (t *Table) Set(resource int, newLimit Limit) error {
	if resource < 0 || resource >= NLimits {
		return errno.EINVAL
	}
	if newLimit.Cur > newLimit.Max {
		return errno.EINVAL
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	cur := t.limits[resource]
	if newLimit.Max > cur.Max {
		return errno.EPERM
	}
	t.limits[resource] = newLimit
	return nil
}
