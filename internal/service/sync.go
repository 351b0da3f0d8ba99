package service

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kiwari-pos/till/internal/enum"
	"github.com/kiwari-pos/till/internal/logger"
	"github.com/kiwari-pos/till/internal/model"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// Pusher sends a completed order to the backend and returns the backend's id.
type Pusher interface {
	PushOrder(ctx context.Context, o model.Overlay) (string, error)
}

// SyncStore tracks sync state on overlays. Satisfied by *OverlayService.
type SyncStore interface {
	ListUnsynced(ctx context.Context, staleAfter time.Duration, limit int32) ([]model.Overlay, error)
	MarkSyncing(ctx context.Context, id string) (*model.Overlay, error)
	MarkSynced(ctx context.Context, id, backendOrderID string) (*model.Overlay, error)
	MarkSyncFailed(ctx context.Context, id string) (*model.Overlay, error)
}

// RetryReport summarizes one RetryPending run.
type RetryReport struct {
	Attempted int `json:"attempted"`
	Synced    int `json:"synced"`
	Failed    int `json:"failed"`
}

const (
	retryBatch       = 100
	retryConcurrency = 4
)

// SyncService pushes completed orders to the backend. A failed push leaves
// the overlay marked failed; it is only retried through RetryPending.
type SyncService struct {
	store   SyncStore
	pusher  Pusher
	timeout time.Duration
	log     *logrus.Entry

	mu       sync.Mutex
	inflight map[string]bool
	wg       sync.WaitGroup
}

// NewSyncService creates a new SyncService. timeout bounds each push.
func NewSyncService(store SyncStore, pusher Pusher, timeout time.Duration) *SyncService {
	return &SyncService{
		store:    store,
		pusher:   pusher,
		timeout:  timeout,
		log:      logger.For("sync"),
		inflight: make(map[string]bool),
	}
}

func (s *SyncService) claim(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inflight[id] {
		return false
	}
	s.inflight[id] = true
	return true
}

func (s *SyncService) done(id string) {
	s.mu.Lock()
	delete(s.inflight, id)
	s.mu.Unlock()
}

// Push sends one completed overlay. Already synced overlays and overlays
// being pushed by another call are skipped.
func (s *SyncService) Push(ctx context.Context, o model.Overlay) error {
	if o.Status != enum.OverlayCompleted {
		return fmt.Errorf("order %s: %w", o.ID, ErrOrderNotCompleted)
	}
	if o.SyncStatus == enum.SyncSynced {
		return nil
	}
	if !s.claim(o.ID) {
		return nil
	}
	defer s.done(o.ID)

	entry := s.log.WithField("order_id", o.ID)
	if _, err := s.store.MarkSyncing(ctx, o.ID); err != nil {
		return err
	}

	pushCtx, cancel := context.WithTimeout(ctx, s.timeout)
	backendID, err := s.pusher.PushOrder(pushCtx, o)
	cancel()
	if err != nil {
		entry.WithError(err).Warn("order sync failed")
		if _, merr := s.store.MarkSyncFailed(ctx, o.ID); merr != nil {
			entry.WithError(merr).Error("could not record sync failure")
		}
		return fmt.Errorf("push order %s: %w: %w", o.ID, ErrSyncFailed, err)
	}

	if _, err := s.store.MarkSynced(ctx, o.ID, backendID); err != nil {
		return err
	}
	entry.WithField("backend_order_id", backendID).Info("order synced")
	return nil
}

// PushAsync pushes in the background, detached from the caller's context.
func (s *SyncService) PushAsync(o model.Overlay) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				s.log.WithField("order_id", o.ID).Errorf("panic during sync: %v", r)
			}
		}()
		if err := s.Push(context.Background(), o); err != nil {
			s.log.WithError(err).WithField("order_id", o.ID).Debug("async push ended with error")
		}
	}()
}

// RetryPending pushes every completed overlay that is pending, failed or
// stuck in syncing.
func (s *SyncService) RetryPending(ctx context.Context) (RetryReport, error) {
	list, err := s.store.ListUnsynced(ctx, 2*s.timeout, retryBatch)
	if err != nil {
		return RetryReport{}, err
	}

	var synced, failed atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(retryConcurrency)
	for _, o := range list {
		g.Go(func() error {
			if err := s.Push(gctx, o); err != nil {
				failed.Add(1)
				return nil
			}
			synced.Add(1)
			return nil
		})
	}
	_ = g.Wait()

	rep := RetryReport{Attempted: len(list), Synced: int(synced.Load()), Failed: int(failed.Load())}
	if rep.Attempted > 0 {
		s.log.WithFields(logrus.Fields{
			"attempted": rep.Attempted,
			"synced":    rep.Synced,
			"failed":    rep.Failed,
		}).Info("sync retry finished")
	}
	return rep, nil
}

// Wait blocks until background pushes finish.
func (s *SyncService) Wait() { s.wg.Wait() }
