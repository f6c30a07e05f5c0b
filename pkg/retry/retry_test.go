package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tapeworks/shelf/pkg/xerr"
)

func fastPolicy() Policy {
	return Policy{Count: 3, ShortDelay: time.Millisecond, LongDelay: 2 * time.Millisecond}
}

func TestDoSucceedsFirstTry(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fastPolicy(), nil, func() error {
		calls++
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestDoRetriesTransientThenSucceeds(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fastPolicy(), nil, func() error {
		calls++
		if calls < 3 {
			return xerr.Wrapf(xerr.EBUSY, "drive busy")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestDoFatalStopsImmediately(t *testing.T) {
	calls := 0
	sentinel := xerr.Wrapf(xerr.ENODEV, "no such drive")
	err := Do(context.Background(), fastPolicy(), nil, func() error {
		calls++
		return sentinel
	})
	assert.Equal(t, 1, calls)
	assert.True(t, errors.Is(err, xerr.ENODEV))
}

func TestDoExhaustsRetryBudget(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fastPolicy(), nil, func() error {
		calls++
		return xerr.Wrapf(xerr.ETIMEDOUT, "library move timed out")
	})
	// first attempt plus Count retries
	assert.Equal(t, 4, calls)
	assert.True(t, errors.Is(err, xerr.ETIMEDOUT))
}

func TestDoHonorsContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := Do(ctx, Policy{Count: 5, ShortDelay: time.Minute}, nil, func() error {
		return xerr.Wrapf(xerr.EBUSY, "busy")
	})
	assert.True(t, errors.Is(err, xerr.EINTR))
}

func TestDoCustomClassifier(t *testing.T) {
	calls := 0
	always := func(error) Verdict {
		if calls >= 2 {
			return Fatal
		}
		return RetryShort
	}
	err := Do(context.Background(), fastPolicy(), always, func() error {
		calls++
		return errors.New("opaque")
	})
	assert.Error(t, err)
	assert.Equal(t, 2, calls)
}

func TestErrnoClassifier(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		verdict Verdict
	}{
		{"nil is success", nil, Success},
		{"busy retries short", xerr.Wrapf(xerr.EBUSY, "x"), RetryShort},
		{"again retries short", xerr.Wrapf(xerr.EAGAIN, "x"), RetryShort},
		{"timeout retries long", xerr.Wrapf(xerr.ETIMEDOUT, "x"), RetryLong},
		{"io retries long", xerr.Wrapf(xerr.EIO, "x"), RetryLong},
		{"nodev is fatal", xerr.Wrapf(xerr.ENODEV, "x"), Fatal},
		{"plain error retries long", errors.New("boom"), RetryLong}, // unclassified maps to EIO
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.verdict, Errno(tt.err))
		})
	}
}
