package transfer

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/dropgate/dropgate/internal/blob"
	"github.com/dropgate/dropgate/internal/errdefs"
	"github.com/dropgate/dropgate/internal/meta"
)

// deleteTimeout bounds the backend calls of a deferred deletion, which runs
// outside any request scope.
const deleteTimeout = 30 * time.Second

// Lifecycle deletes records and their blobs, immediately for owner actions
// and after a grace window when the download limit is reached. Missed grace
// deletions (process restart) are tolerated: the record TTL still applies and
// deletion is idempotent.
type Lifecycle struct {
	store  meta.Store
	broker blob.Broker
	grace  time.Duration
	logger *logrus.Entry

	mu     sync.Mutex
	timers map[string]*time.Timer
	closed bool
}

// NewLifecycle creates a lifecycle policy with the given grace window.
func NewLifecycle(store meta.Store, broker blob.Broker, grace time.Duration) *Lifecycle {
	return &Lifecycle{
		store:  store,
		broker: broker,
		grace:  grace,
		logger: logrus.WithField("component", "lifecycle"),
		timers: make(map[string]*time.Timer),
	}
}

// ScheduleDelete arranges deletion of id after the grace window, so an
// in-flight download can finish. Scheduling the same id twice is a no-op.
func (l *Lifecycle) ScheduleDelete(id string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	if _, ok := l.timers[id]; ok {
		return
	}
	l.logger.WithFields(logrus.Fields{
		"id":    id,
		"grace": l.grace,
	}).Info("Download limit reached, scheduling deletion")
	l.timers[id] = time.AfterFunc(l.grace, func() {
		ctx, cancel := context.WithTimeout(context.Background(), deleteTimeout)
		defer cancel()
		if err := l.Delete(ctx, id); err != nil {
			l.logger.WithError(err).WithField("id", id).Warn("Deferred deletion failed")
		}
		l.mu.Lock()
		delete(l.timers, id)
		l.mu.Unlock()
	})
}

// Delete removes the record, its blob and any outstanding multipart session.
// Each step is best-effort and idempotent; a missing record or object is not
// an error.
func (l *Lifecycle) Delete(ctx context.Context, id string) error {
	fields, err := l.store.GetAll(ctx, id)
	if err != nil && !errors.Is(err, meta.ErrNotFound) {
		return err
	}

	if uploadID := fields[fieldUploadID]; uploadID != "" {
		if err := l.broker.AbortMultipart(ctx, id, uploadID); err != nil {
			l.logger.WithError(err).WithField("id", id).Warn("Failed to abort multipart session during delete")
		}
	}
	if err := l.broker.Delete(ctx, id); err != nil && !errdefs.IsNotFound(err) {
		l.logger.WithError(err).WithField("id", id).Warn("Failed to delete blob object")
	}
	if err := l.store.Del(ctx, id); err != nil {
		return err
	}
	l.logger.WithField("id", id).Info("Deleted file record")
	return nil
}

// Close cancels pending grace timers. Deletions they would have performed are
// left to the record TTL.
func (l *Lifecycle) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	for id, t := range l.timers {
		t.Stop()
		delete(l.timers, id)
	}
}
