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

package tty_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gokernel/core/errno"
	"github.com/gokernel/core/signal"
	"github.com/gokernel/core/tty"
)

type fakeRaiser struct {
	pgid, signo int
}

func (f *fakeRaiser) RaiseToGroup(pgid, signo int) { f.pgid, f.signo = pgid, signo }

func TestGetSetTermiosRoundTrips(t *testing.T) {
	term := tty.New(nil, nil, 0, false, "console")
	got := term.GetTermios()
	got.Cc[2] = 'H' - 0x40
	term.SetTermios(got, false)
	assert.Equal(t, byte('H'-0x40), term.GetTermios().Cc[2])
}

func TestCanonicalEraseDropsLastChar(t *testing.T) {
	term := tty.New(nil, nil, 0, false, "console")
	term.Feed([]byte{'a', 'b', 0x7f, 'c', '\n'})

	buf := make([]byte, 16)
	n, err := term.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "ac\n", string(buf[:n]))
}

func TestEOFTerminatesLineWithoutAppendingIt(t *testing.T) {
	term := tty.New(nil, nil, 0, false, "console")
	term.Feed([]byte{'h', 'i', 4}) // Ctrl-D

	buf := make([]byte, 16)
	n, err := term.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "hi", string(buf[:n]))
}

func TestISIGRaisesSignalToForegroundGroup(t *testing.T) {
	raiser := &fakeRaiser{}
	term := tty.New(nil, raiser, 0, false, "console")

	require.NoError(t, term.BindController(100, 100))
	term.Feed([]byte{3}) // Ctrl-C

	assert.Equal(t, 100, raiser.pgid)
	assert.Equal(t, signal.SIGINT, raiser.signo)
}

func TestBackgroundReaderGetsEAGAIN(t *testing.T) {
	term := tty.New(nil, nil, 0, false, "console")
	require.NoError(t, term.BindController(100, 100))

	buf := make([]byte, 16)
	_, err := term.ReadForGroup(context.Background(), buf, 200)
	assert.ErrorIs(t, err, errno.EAGAIN)
}

func TestSetForegroundRejectsWrongSession(t *testing.T) {
	term := tty.New(nil, nil, 0, false, "console")
	require.NoError(t, term.BindController(10, 10))

	err := term.SetForegroundFor(20, 999)
	assert.ErrorIs(t, err, errno.EPERM)
}

func TestBindControllerRequiresSessionLeader(t *testing.T) {
	term := tty.New(nil, nil, 0, false, "console")
	err := term.BindController(10, 11)
	assert.ErrorIs(t, err, errno.EPERM)
}

func TestUnbindControllerClearsForeground(t *testing.T) {
	term := tty.New(nil, nil, 0, false, "console")
	require.NoError(t, term.BindController(10, 10))
	term.UnbindController()

	_, sidSet := term.JobControl().Session()
	assert.False(t, sidSet)
}

func TestWindowSizeRoundTrips(t *testing.T) {
	term := tty.New(nil, nil, 0, false, "console")
	term.SetWindowSize(tty.WindowSize{Row: 50, Col: 200})
	assert.Equal(t, tty.WindowSize{Row: 50, Col: 200}, term.GetWindowSize())
}

func TestPtyMasterWriteArrivesAsSlaveInput(t *testing.T) {
	pair := tty.NewPtyPair(1, nil)

	_, err := pair.Master.Write([]byte("hello\n"))
	require.NoError(t, err)

	buf := make([]byte, 32)
	n, err := pair.Slave.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "hello\n", string(buf[:n]))
}

func TestPtySlaveEchoArrivesAtMasterUnprocessed(t *testing.T) {
	pair := tty.NewPtyPair(2, nil)

	_, err := pair.Master.Write([]byte("hi\n"))
	require.NoError(t, err)

	buf := make([]byte, 32)
	n, err := pair.Master.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "hi\n", string(buf[:n]))
}

func TestPtySlaveDirectWriteArrivesAtMaster(t *testing.T) {
	pair := tty.NewPtyPair(3, nil)

	_, err := pair.Slave.Write([]byte("prompt$ "))
	require.NoError(t, err)

	buf := make([]byte, 32)
	n, err := pair.Master.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "prompt$ ", string(buf[:n]))
}

func TestPtmxOpenMasterAllocatesDistinctPtsNumbers(t *testing.T) {
	ptmx := tty.NewPtmx(nil)

	master0, n0, err := ptmx.OpenMaster()
	require.NoError(t, err)
	master1, n1, err := ptmx.OpenMaster()
	require.NoError(t, err)

	assert.NotEqual(t, n0, n1)
	assert.NotSame(t, master0, master1)

	slave0, ok := ptmx.Slave(n0)
	require.True(t, ok)
	assert.NotNil(t, slave0)
}

func TestPtmxReleaseFreesPtsNumberForReuse(t *testing.T) {
	ptmx := tty.NewPtmx(nil)

	_, n, err := ptmx.OpenMaster()
	require.NoError(t, err)
	ptmx.Release(n)

	_, ok := ptmx.Slave(n)
	assert.False(t, ok)
}

func TestPtmxExhaustionReturnsEMFILE(t *testing.T) {
	ptmx := tty.NewPtmx(nil)
	for i := 0; i < 16; i++ {
		_, _, err := ptmx.OpenMaster()
		require.NoError(t, err)
	}

	_, _, err := ptmx.OpenMaster()
	assert.ErrorIs(t, err, errno.EMFILE)
}

func TestPtyMasterReadIsUnconditionalOnJobControl(t *testing.T) {
	pair := tty.NewPtyPair(4, nil)
	require.NoError(t, pair.Slave.BindController(500, 500))
	require.NoError(t, pair.Slave.SetForegroundFor(999, 500))

	_, err := pair.Slave.Write([]byte("x"))
	require.NoError(t, err)

	buf := make([]byte, 4)
	n, err := pair.Master.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "x", string(buf[:n]))
}
