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

// Package kerninfo backs uname(2), sysinfo(2), and /proc/cpuinfo's
// vendor/feature fields (§6 "Misc" of spec.md, supplemented per
// SPEC_FULL.md's "uname / sysinfo / time" section). Grounded on
// original_source/api/src/imp/sys.rs's sys_uname/sys_sysinfo, with the
// placeholder "10.0.0" machine/vendor strings replaced by real values
// read from klauspost/cpuid/v2.
package kerninfo

import (
	"runtime"

	"github.com/klauspost/cpuid/v2"
)

// Utsname mirrors struct utsname's six fields as plain Go strings;
// dispatch owns packing these into the fixed 65-byte C layout at the
// syscall boundary, the same split tty.Termios uses for its C-layout
// fields.
type Utsname struct {
	Sysname    string
	Nodename   string
	Release    string
	Version    string
	Machine    string
	Domainname string
}

// Release is this kernel core's self-reported uname release string.
const Release = "6.6.0-gokernel"

// Nodename is the hostname uname() reports absent any sethostname(2)
// call; dispatch's sethostname/gethostname handlers mutate a copy of
// this held on the boot-time kernel object, not this constant.
const defaultNodename = "gokernel"

// Uname returns the uts namespace's current values. nodename is the
// caller's current hostname (sethostname(2) may have changed it since
// boot); buildVersion is the boot-time build/version string dispatch
// was configured with.
func Uname(nodename, buildVersion string) Utsname {
	if nodename == "" {
		nodename = defaultNodename
	}
	return Utsname{
		Sysname:    "Linux",
		Nodename:   nodename,
		Release:    Release,
		Version:    buildVersion,
		Machine:    machineName(),
		Domainname: "(none)",
	}
}

func machineName() string {
	switch runtime.GOARCH {
	case "amd64":
		return "x86_64"
	case "arm64":
		return "aarch64"
	default:
		return runtime.GOARCH
	}
}

// CPUInfo is the subset of /proc/cpuinfo fields this core synthesizes,
// grounded on cpuid.CPU's detected host capabilities rather than the
// grounding source's hardcoded placeholder strings.
type CPUInfo struct {
	VendorID      string
	BrandName     string
	PhysicalCores int
	LogicalCores  int
	Features      []string
}

// CurrentCPU reports the host CPU's real vendor/brand/feature strings,
// read once at boot via cpuid and cached for subsequent /proc/cpuinfo
// reads (cpuid.CPU itself is already a package-level singleton the
// library populates at init).
func CurrentCPU() CPUInfo {
	return CPUInfo{
		VendorID:      cpuid.CPU.VendorString,
		BrandName:     cpuid.CPU.BrandName,
		PhysicalCores: cpuid.CPU.PhysicalCores,
		LogicalCores:  cpuid.CPU.LogicalCores,
		Features:      cpuid.CPU.FeatureSet(),
	}
}

// Sysinfo mirrors struct sysinfo's fields this core has real values
// for; memory totals are left at zero exactly as sys_sysinfo does,
// since this core has no physical allocator to report against
// (spec.md §1 Non-goals).
type Sysinfo struct {
	UptimeSeconds int64
	Procs         uint16
}

// CollectSysinfo reports uptime since boot and the live process count,
// the two fields sys_sysinfo computes from something other than a
// zeroed placeholder.
func CollectSysinfo(uptimeSeconds int64, procs int) Sysinfo {
	return Sysinfo{UptimeSeconds: uptimeSeconds, Procs: uint16(procs)}
}
