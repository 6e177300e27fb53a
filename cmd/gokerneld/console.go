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

package main

import (
	"os"

	"golang.org/x/term"
)

// stdioWriter adapts os.Stdout to tty.Writer for the kernel-wide
// /dev/console device.
type stdioWriter struct{}

func (stdioWriter) WriteOutput(buf []byte) (int, error) { return os.Stdout.Write(buf) }

// hostConsole puts the host terminal attached to stdin into raw mode
// for the duration of a "gokerneld run" foreground session, so the
// line discipline this core implements (tty package) owns character
// echo and signal generation instead of the host tty driver doing it
// twice. restore must be called before process exit.
func hostConsole() (restore func(), err error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return func() {}, nil
	}
	state, err := term.MakeRaw(fd)
	if err != nil {
		return nil, err
	}
	return func() { _ = term.Restore(fd, state) }, nil
}
