package worker

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
)

// loop calls fn every interval until ctx is cancelled. A panic in fn is
// logged and the loop carries on at the next tick.
func loop(ctx context.Context, log *logrus.Entry, interval time.Duration, fn func(ctx context.Context)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	log.WithField("interval", interval.String()).Info("worker started")
	for {
		select {
		case <-ctx.Done():
			log.Info("worker stopped")
			return
		case <-ticker.C:
			func() {
				defer func() {
					if r := recover(); r != nil {
						log.WithField("panic", r).Error("worker tick panicked, retrying next tick")
					}
				}()
				fn(ctx)
			}()
		}
	}
}
