package service

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/ericyarmo/buds-relay/internal/blob"
	"github.com/ericyarmo/buds-relay/internal/observability/metrics"
	"github.com/ericyarmo/buds-relay/internal/store"
)

// DeviceIdleTTL is how long an unseen device survives before the sweep
// removes it.
const DeviceIdleTTL = 90 * 24 * time.Hour

// CleanupService removes expired messages with their blobs and delivery
// rows, orphaned blobs, and long-idle active devices. Every pass is
// idempotent: a rerun on a clean database is a no-op.
type CleanupService struct {
	store *store.Store
	blobs blob.Store
	now   func() time.Time
}

func NewCleanup(st *store.Store, blobs blob.Store) *CleanupService {
	return &CleanupService{store: st, blobs: blobs, now: time.Now}
}

// Run performs one full sweep.
func (c *CleanupService) Run(ctx context.Context) error {
	nowMillis := c.now().UnixMilli()

	expired, err := c.store.Messages().ExpiredBefore(ctx, nowMillis)
	if err != nil {
		return err
	}
	for _, msg := range expired {
		if msg.BlobKey != nil {
			if err := c.blobs.Delete(ctx, *msg.BlobKey); err != nil {
				slog.Warn("cleanup: blob delete failed", "key", *msg.BlobKey, "error", err)
			} else {
				metrics.CleanupDeletedTotal.WithLabelValues("blob").Inc()
			}
		}
		if err := c.store.Messages().Delete(ctx, msg.MessageID); err != nil {
			return err
		}
		metrics.CleanupDeletedTotal.WithLabelValues("message").Inc()
	}

	orphans, err := c.store.Messages().DeleteOrphanDeliveries(ctx)
	if err != nil {
		return err
	}
	if orphans > 0 {
		metrics.CleanupDeletedTotal.WithLabelValues("delivery").Add(float64(orphans))
	}

	if err := c.sweepOrphanBlobs(ctx); err != nil {
		slog.Warn("cleanup: orphan blob sweep failed", "error", err)
	}

	cutoff := c.now().Add(-DeviceIdleTTL).UnixMilli()
	idle, err := c.store.Devices().DeleteIdleBefore(ctx, cutoff)
	if err != nil {
		return err
	}
	if idle > 0 {
		metrics.CleanupDeletedTotal.WithLabelValues("device").Add(float64(idle))
	}

	slog.Info("cleanup pass finished",
		"expired_messages", len(expired), "orphan_deliveries", orphans, "idle_devices", idle)
	return nil
}

// sweepOrphanBlobs removes objects whose metadata row no longer exists.
// Such objects appear when an ingest is cancelled between the blob write
// and the metadata insert.
func (c *CleanupService) sweepOrphanBlobs(ctx context.Context) error {
	keys, err := c.blobs.ListKeys(ctx, "messages/")
	if err != nil {
		return err
	}
	for _, key := range keys {
		msgID, ok := blob.MessageIDFromKey(key)
		if !ok {
			continue
		}
		id, err := uuid.Parse(msgID)
		if err != nil {
			continue
		}
		exists, err := c.store.Messages().Exists(ctx, id)
		if err != nil {
			return err
		}
		if !exists {
			if err := c.blobs.Delete(ctx, key); err != nil {
				slog.Warn("cleanup: orphan blob delete failed", "key", key, "error", err)
				continue
			}
			metrics.CleanupDeletedTotal.WithLabelValues("orphan_blob").Inc()
		}
	}
	return nil
}

// Start runs Run on a fixed interval until ctx is cancelled. Errors are
// logged; the loop keeps going.
func (c *CleanupService) Start(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.Run(ctx); err != nil {
				slog.Error("cleanup pass failed", "error", err)
			}
		}
	}
}
