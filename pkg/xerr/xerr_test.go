package xerr

import (
	"errors"
	"fmt"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestWireRoundTrip(t *testing.T) {
	assert.Equal(t, int32(-28), ENOSPC.Wire())
	assert.Equal(t, ENOSPC, FromWire(-28))
	assert.Equal(t, OK, FromWire(0))
	assert.Equal(t, OK, FromWire(12))
}

func TestCodeThroughWrapping(t *testing.T) {
	base := Wrapf(EBUSY, "drive %s busy", "drv0")
	wrapped := fmt.Errorf("submit failed: %w", base)

	assert.Equal(t, EBUSY, Code(wrapped))
	assert.True(t, errors.Is(wrapped, EBUSY))
	assert.False(t, errors.Is(wrapped, ENODEV))
}

func TestCodeFromSyscallErrno(t *testing.T) {
	err := fmt.Errorf("statfs: %w", syscall.ENOSPC)
	assert.Equal(t, ENOSPC, Code(err))
}

func TestCodeDefaults(t *testing.T) {
	assert.Equal(t, OK, Code(nil))
	assert.Equal(t, EIO, Code(errors.New("opaque failure")))
}

func TestWrapNilError(t *testing.T) {
	err := Wrap(ECANCELED, nil)
	assert.Equal(t, ECANCELED, Code(err))
}
