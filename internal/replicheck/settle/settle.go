// Package settle delays verification until asynchronous replication has had
// a chance to catch up, either for a fixed interval or by polling lag.
package settle

import (
	"context"
	"time"

	"github.com/avast/retry-go"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/replicheck/replicheck/internal/common/checkerrors"
)

// Strategy blocks between the write and read stages. Implementations must
// honour ctx cancellation.
type Strategy interface {
	Settle(ctx context.Context) error
}

// FixedDelay blocks for a fixed duration. This matches the original harness;
// it either wastes time or under-waits depending on actual lag, which is why
// LagPoll is the default.
type FixedDelay struct {
	Wait time.Duration
}

func (s FixedDelay) Settle(ctx context.Context) error {
	if s.Wait <= 0 {
		return nil
	}
	log.Infof("waiting %s for replication to propagate", s.Wait)
	timer := time.NewTimer(s.Wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// LagFunc reports the largest current replica lag. known is false while any
// replica has no lag measurement yet, which counts as not caught up.
type LagFunc func(ctx context.Context) (lag time.Duration, known bool, err error)

// LagPoll polls replica lag until it drops below Threshold or Timeout
// elapses. Exceeding the budget yields an ErrSettleTimeout, which the run
// records as a lag warning and proceeds.
type LagPoll struct {
	Lag       LagFunc
	Threshold time.Duration
	Interval  time.Duration
	Timeout   time.Duration
}

func (s LagPoll) Settle(ctx context.Context) error {
	attempts := uint(s.Timeout/s.Interval) + 1
	lastLag := time.Duration(-1)
	var probeErr error

	log.Infof("polling replication lag until below %s (timeout %s)", s.Threshold, s.Timeout)
	err := retry.Do(
		func() error {
			lag, known, err := s.Lag(ctx)
			if err != nil {
				probeErr = err
				return retry.Unrecoverable(err)
			}
			if !known {
				lastLag = -1
				return errors.New("replication lag unavailable")
			}
			lastLag = lag
			if lag >= s.Threshold {
				return errors.Errorf("replication lag %s above threshold", lag)
			}
			return nil
		},
		retry.Context(ctx),
		retry.Attempts(attempts),
		retry.Delay(s.Interval),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
	)
	if err == nil {
		log.Infof("replication caught up, lag %s", lastLag)
		return nil
	}
	if probeErr != nil {
		return probeErr
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return errors.WithStack(&checkerrors.ErrSettleTimeout{Timeout: s.Timeout, LastLag: lastLag})
}
