package registry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-redsync/redsync/v4"
	"go.uber.org/zap"

	"yqhp/cluster-registry/pkg/logger"
	"yqhp/cluster-registry/pkg/utils"
)

const lockRetryDelay = 100 * time.Millisecond

// redisLock is a held redsync mutex kept alive by a watchdog until released.
type redisLock struct {
	path  string
	mutex *redsync.Mutex

	stop chan struct{}
	done chan struct{}
	once sync.Once
}

func newRedisLock(path string, mutex *redsync.Mutex, expiry time.Duration) *redisLock {
	l := &redisLock{
		path:  path,
		mutex: mutex,
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
	}
	utils.SafeGoWithName("registry-lock-watchdog", func() { l.watchdog(expiry / 3) })
	return l
}

func (l *redisLock) Path() string {
	return l.path
}

func (l *redisLock) watchdog(interval time.Duration) {
	defer close(l.done)
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-l.stop:
			return
		case <-ticker.C:
			ok, err := l.mutex.ExtendContext(context.Background())
			if err != nil || !ok {
				logger.Named("registry").Warn("extend lock failed",
					zap.String("path", l.path), zap.Bool("extended", ok), zap.Error(err))
			}
		}
	}
}

// Release implements Lock.
func (l *redisLock) Release(ctx context.Context) error {
	var err error
	l.once.Do(func() {
		close(l.stop)
		<-l.done

		ok, uerr := l.mutex.UnlockContext(ctx)
		switch {
		case uerr != nil:
			err = uerr
		case !ok:
			err = fmt.Errorf("lock %s was no longer held", l.path)
		}
	})
	return err
}
