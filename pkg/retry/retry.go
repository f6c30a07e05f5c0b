package retry

import (
	"context"
	"time"

	"github.com/tapeworks/shelf/pkg/xerr"
)

// Verdict classifies the outcome of one attempt
type Verdict int

const (
	Success Verdict = iota
	Fatal
	RetryShort
	RetryLong
)

// Classifier maps an attempt error to a verdict. It is called with nil
// on success so implementations can normalize; the default treats nil
// as Success.
type Classifier func(err error) Verdict

// Policy bounds a retry loop
type Policy struct {
	Count      int           // attempts after the first one
	ShortDelay time.Duration // sleep before retrying a RetryShort verdict
	LongDelay  time.Duration // sleep before retrying a RetryLong verdict
}

// DefaultPolicy retries three times with the usual SCSI short (1 s) and
// long (5 s) delays
func DefaultPolicy() Policy {
	return Policy{Count: 3, ShortDelay: time.Second, LongDelay: 5 * time.Second}
}

// Errno classifies by errno code: EBUSY and EAGAIN retry short,
// ETIMEDOUT, EINTR and EIO retry long, anything else is fatal.
func Errno(err error) Verdict {
	if err == nil {
		return Success
	}
	switch xerr.Code(err) {
	case xerr.EBUSY, xerr.EAGAIN:
		return RetryShort
	case xerr.ETIMEDOUT, xerr.EINTR, xerr.EIO:
		return RetryLong
	default:
		return Fatal
	}
}

// Do runs fn until it succeeds, the classifier returns Fatal, the
// retry budget is exhausted, or ctx is done. The returned error is the
// last attempt's error, or ctx.Err() wrapped as EINTR when cancelled
// mid-wait.
func Do(ctx context.Context, pol Policy, classify Classifier, fn func() error) error {
	if classify == nil {
		classify = Errno
	}
	var err error
	for attempt := 0; ; attempt++ {
		err = fn()
		switch classify(err) {
		case Success:
			return nil
		case Fatal:
			return err
		case RetryShort:
			if attempt >= pol.Count {
				return err
			}
			if werr := wait(ctx, pol.ShortDelay); werr != nil {
				return werr
			}
		case RetryLong:
			if attempt >= pol.Count {
				return err
			}
			if werr := wait(ctx, pol.LongDelay); werr != nil {
				return werr
			}
		}
	}
}

func wait(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return xerr.Wrap(xerr.EINTR, ctx.Err())
	case <-t.C:
		return nil
	}
}
