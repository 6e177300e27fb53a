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

package kerninfo_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/gokernel/core/kerninfo"
)

func TestUnameFallsBackToDefaultNodename(t *testing.T) {
	u := kerninfo.Uname("", "v0.1.0")
	assert.Equal(t, "Linux", u.Sysname)
	assert.Equal(t, "gokernel", u.Nodename)
	assert.Equal(t, "v0.1.0", u.Version)
	assert.NotEmpty(t, u.Machine)
}

func TestUnameHonorsExplicitNodename(t *testing.T) {
	u := kerninfo.Uname("custom-host", "v0.1.0")
	assert.Equal(t, "custom-host", u.Nodename)
}

func TestCurrentCPUReportsNonEmptyVendor(t *testing.T) {
	info := kerninfo.CurrentCPU()
	assert.NotEmpty(t, info.BrandName)
	assert.GreaterOrEqual(t, info.LogicalCores, 1)
}

func TestCollectSysinfoReportsLiveProcessCount(t *testing.T) {
	info := kerninfo.CollectSysinfo(120, 7)
	assert.Equal(t, int64(120), info.UptimeSeconds)
	assert.Equal(t, uint16(7), info.Procs)
}
