package worker

import (
	"context"
	"time"

	"github.com/kiwari-pos/till/internal/logger"
	"github.com/sirupsen/logrus"
)

// Cleaner deletes synced orders older than the retention window.
type Cleaner interface {
	CleanupSynced(ctx context.Context, retention time.Duration) (int64, error)
}

type RetentionWorker struct {
	cleaner   Cleaner
	retention time.Duration
	interval  time.Duration
	log       *logrus.Entry
}

func NewRetentionWorker(cleaner Cleaner, retention, interval time.Duration) *RetentionWorker {
	if interval <= 0 {
		interval = time.Hour
	}
	return &RetentionWorker{cleaner: cleaner, retention: retention, interval: interval, log: logger.For("retention")}
}

func (w *RetentionWorker) Run(ctx context.Context) {
	if w.retention <= 0 {
		return
	}
	n, err := w.cleaner.CleanupSynced(ctx, w.retention)
	if err != nil {
		w.log.WithError(err).Error("cleanup synced orders")
		return
	}
	// only log when something was removed
	if n > 0 {
		w.log.WithFields(logrus.Fields{
			"deleted":   n,
			"retention": w.retention.String(),
		}).Info("synced orders cleaned up")
	}
}

func (w *RetentionWorker) Start(ctx context.Context) {
	loop(ctx, w.log, w.interval, w.Run)
}
