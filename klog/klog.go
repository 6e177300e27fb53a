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

// Package klog owns this kernel core's one *zap.Logger per boot,
// grounded on logging.go's Log()/Context.Logger() pair: a single
// named "core" logger is provisioned once at boot, and every
// subsystem (vm, futex, signal, dispatch, admin, ...) derives its own
// child via Named instead of constructing a logger of its own.
package klog

import (
	"sync"

	"go.uber.org/zap"
)

var (
	mu   sync.Mutex
	core *zap.Logger = zap.NewNop()
)

// Init installs the kernel-wide logger. debug selects a development
// (colorized, caller-annotated) encoder config over the default
// production JSON one, matching the verbosity toggle caddy's
// -environ/--debug run flag exposes.
func Init(debug bool) (*zap.Logger, error) {
	var l *zap.Logger
	var err error
	if debug {
		l, err = zap.NewDevelopment()
	} else {
		l, err = zap.NewProduction()
	}
	if err != nil {
		return nil, err
	}
	mu.Lock()
	core = l
	mu.Unlock()
	return l, nil
}

// Core returns the kernel-wide logger (a no-op logger before Init is
// called, so packages can log unconditionally during early boot
// sequencing without a nil check).
func Core() *zap.Logger {
	mu.Lock()
	defer mu.Unlock()
	return core
}

// Named returns a child of Core scoped to one subsystem, the same
// "one Named logger per concern" shape logging.go's per-module loggers
// follow.
func Named(subsystem string) *zap.Logger {
	return Core().Named(subsystem)
}

// Sync flushes any buffered log entries; call once at shutdown, right
// before process exit, the way Caddy's main() defers logger.Sync().
func Sync() {
	_ = Core().Sync()
}
