package errno_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"golang.org/x/sys/unix"

	"github.com/gokernel/core/errno"
)

func TestErrorMessage(t *testing.T) {
	err := errno.Op("fdtable.Get", unix.EBADF)
	assert.Equal(t, "fdtable.Get: bad file descriptor", err.Error())

	bare := errno.New(unix.EAGAIN)
	assert.Equal(t, unix.EAGAIN.Error(), bare.Error())
}

func TestIsMatchesAcrossWrapping(t *testing.T) {
	wrapped := fmt.Errorf("read failed: %w", errno.EAGAIN)
	assert.True(t, errors.Is(wrapped, errno.EAGAIN))
	assert.False(t, errors.Is(wrapped, errno.EPIPE))
}

func TestAsRecoversErrno(t *testing.T) {
	wrapped := fmt.Errorf("write failed: %w", errno.EPIPE)
	e, ok := errno.As(wrapped)
	assert.True(t, ok)
	assert.Equal(t, unix.EPIPE, e)

	_, ok = errno.As(errors.New("not tagged"))
	assert.False(t, ok)

	_, ok = errno.As(nil)
	assert.False(t, ok)
}

func TestToIsize(t *testing.T) {
	assert.EqualValues(t, 0, errno.ToIsize(nil))
	assert.EqualValues(t, -int64(unix.EPIPE), errno.ToIsize(errno.EPIPE))
	assert.EqualValues(t, -int64(unix.EINVAL), errno.ToIsize(errors.New("untagged")))
}
