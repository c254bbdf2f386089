package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/ericyarmo/buds-relay/internal/blob"
	"github.com/ericyarmo/buds-relay/internal/store"
)

func TestCleanupRemovesExpiredMessages(t *testing.T) {
	st := newTestStore(t)
	blobs := newMemBlob()
	msgs := NewMessages(st, blobs, nil)
	cleanup := NewCleanup(st, blobs)
	ctx := context.Background()
	sg := registerSigner(t, st, 50)

	fresh := validSend(t, sg, []string{recipientDID('a')})
	if _, err := msgs.Send(ctx, fresh); err != nil {
		t.Fatal(err)
	}

	msgs.now = func() time.Time { return time.Now().Add(-MessageTTL - time.Hour) }
	stale := validSend(t, sg, []string{recipientDID('b')})
	if _, err := msgs.Send(ctx, stale); err != nil {
		t.Fatal(err)
	}
	msgs.now = time.Now

	if err := cleanup.Run(ctx); err != nil {
		t.Fatal(err)
	}

	if _, err := st.Messages().Get(ctx, uuid.MustParse(stale.MessageID)); !errors.Is(err, store.ErrRecordNotFound) {
		t.Fatal("expired message row survived the sweep")
	}
	if _, err := blobs.Get(ctx, blob.Key(stale.MessageID)); err == nil {
		t.Fatal("expired message blob survived the sweep")
	}
	if _, err := st.Messages().Get(ctx, uuid.MustParse(fresh.MessageID)); err != nil {
		t.Fatalf("live message removed: %v", err)
	}

	// the expired recipient's inbox is empty now
	inbox, _, err := msgs.Inbox(ctx, recipientDID('b'), 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(inbox) != 0 {
		t.Fatalf("inbox still shows %d expired messages", len(inbox))
	}

	// rerun on a clean state is a no-op
	if err := cleanup.Run(ctx); err != nil {
		t.Fatalf("second sweep: %v", err)
	}
}

func TestCleanupSweepsOrphanBlobs(t *testing.T) {
	st := newTestStore(t)
	blobs := newMemBlob()
	cleanup := NewCleanup(st, blobs)
	ctx := context.Background()

	orphanID := uuid.New().String()
	if err := blobs.Put(ctx, blob.Key(orphanID), []byte("abandoned"), blob.Metadata{MessageID: orphanID}); err != nil {
		t.Fatal(err)
	}
	if err := cleanup.Run(ctx); err != nil {
		t.Fatal(err)
	}
	if blobs.len() != 0 {
		t.Fatal("orphan blob survived the sweep")
	}
}

func TestCleanupRemovesIdleDevices(t *testing.T) {
	st := newTestStore(t)
	cleanup := NewCleanup(st, newMemBlob())
	ctx := context.Background()

	idle := registerSigner(t, st, 51)
	active := registerSigner(t, st, 52)
	idleInactive := registerSigner(t, st, 53)
	if err := st.Devices().Deactivate(ctx, idleInactive.deviceID); err != nil {
		t.Fatal(err)
	}

	past := time.Now().Add(-DeviceIdleTTL - 24*time.Hour).UnixMilli()
	for _, id := range []string{idle.deviceID.String(), idleInactive.deviceID.String()} {
		if err := st.DB.Table("devices").
			Where("device_id = ?", id).
			Update("last_seen_at", past).Error; err != nil {
			t.Fatal(err)
		}
	}

	if err := cleanup.Run(ctx); err != nil {
		t.Fatal(err)
	}

	if _, err := st.Devices().Get(ctx, idle.deviceID); !errors.Is(err, store.ErrRecordNotFound) {
		t.Fatal("idle active device survived the sweep")
	}
	if _, err := st.Devices().Get(ctx, active.deviceID); err != nil {
		t.Fatalf("recently seen device removed: %v", err)
	}
	// the sweep targets active devices only
	if _, err := st.Devices().Get(ctx, idleInactive.deviceID); err != nil {
		t.Fatalf("inactive device removed by the idle sweep: %v", err)
	}
}
