package service

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ericyarmo/buds-relay/internal/domain"
	"github.com/ericyarmo/buds-relay/internal/observability/metrics"
	"github.com/ericyarmo/buds-relay/internal/push"
	"github.com/ericyarmo/buds-relay/internal/store"
)

// PushTransport is the provider surface the dispatcher needs; push.Client
// implements it.
type PushTransport interface {
	Send(ctx context.Context, deviceToken string) error
}

// PushDispatcher resolves recipients to push-capable devices and fans the
// silent wakeup out in parallel. Failures never propagate to the send
// path: a gone token deactivates the device, everything else is logged.
type PushDispatcher struct {
	transport PushTransport
	store     *store.Store
}

func NewPushDispatcher(transport PushTransport, st *store.Store) *PushDispatcher {
	return &PushDispatcher{transport: transport, store: st}
}

const fanOutTimeout = 30 * time.Second

func (d *PushDispatcher) Fan(ctx context.Context, recipientDIDs []string) {
	ctx, cancel := context.WithTimeout(ctx, fanOutTimeout)
	defer cancel()

	devices, err := d.store.Devices().ActivePushTargets(ctx, recipientDIDs)
	if err != nil {
		slog.Warn("push fan-out: target resolution failed", "error", err)
		return
	}
	if len(devices) == 0 {
		return
	}

	g, ctx := errgroup.WithContext(ctx)
	for _, device := range devices {
		device := device
		g.Go(func() error {
			d.sendOne(ctx, device)
			return nil
		})
	}
	_ = g.Wait()
}

func (d *PushDispatcher) sendOne(ctx context.Context, device domain.Device) {
	err := d.transport.Send(ctx, *device.PushToken)
	switch {
	case err == nil:
		metrics.PushNotificationsTotal.WithLabelValues("sent").Inc()
	case errors.Is(err, push.ErrTokenGone):
		metrics.PushNotificationsTotal.WithLabelValues("token_gone").Inc()
		if err := d.store.Devices().Deactivate(ctx, device.DeviceID); err != nil {
			slog.Warn("push fan-out: deactivate failed", "device_id", device.DeviceID, "error", err)
		} else {
			slog.Info("push fan-out: device deactivated on gone token", "device_id", device.DeviceID)
		}
	case errors.Is(err, push.ErrThrottled):
		metrics.PushNotificationsTotal.WithLabelValues("throttled").Inc()
		slog.Warn("push fan-out: provider throttled", "device_id", device.DeviceID)
	default:
		metrics.PushNotificationsTotal.WithLabelValues("error").Inc()
		slog.Warn("push fan-out: send failed", "device_id", device.DeviceID, "error", err)
	}
}
