package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/amyangfei/redlock-go/v3/redlock"
	"go.uber.org/zap"

	"github.com/selivandex/autopilot-runner/pkg/logger"
)

// LeaderLock is a Redlock-backed mutex taken per work iteration: the
// signal-sync worker acquires it at the top of each run so only one pod
// syncs. The TTL covers a crashed leader, no renewal is needed because an
// iteration is far shorter than the TTL.
type LeaderLock struct {
	manager *redlock.RedLock
	name    string
	ttl     time.Duration
}

// TryAcquire attempts to take the lock. false means another pod holds it.
func (l *LeaderLock) TryAcquire(ctx context.Context) (bool, error) {
	expiry, err := l.manager.Lock(ctx, l.name, l.ttl)
	if err != nil {
		// redlock reports contention as an error
		logger.Debug("leader lock held elsewhere",
			zap.String("lock", l.name),
			zap.Error(err),
		)
		return false, nil
	}
	if expiry <= 0 {
		return false, fmt.Errorf("failed to acquire leader lock %s: invalid expiry %v", l.name, expiry)
	}

	return true, nil
}

// Release gives the lock up early. Errors are logged, an expired lock is
// not a failure.
func (l *LeaderLock) Release(ctx context.Context) {
	if err := l.manager.UnLock(ctx, l.name); err != nil {
		logger.Warn("failed to release leader lock",
			zap.String("lock", l.name),
			zap.Error(err),
		)
	}
}
