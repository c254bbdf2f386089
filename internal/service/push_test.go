package service

import (
	"context"
	"sync"
	"testing"

	"github.com/ericyarmo/buds-relay/internal/domain"
	"github.com/ericyarmo/buds-relay/internal/push"
)

type stubTransport struct {
	mu     sync.Mutex
	sent   []string
	errFor map[string]error
}

func (s *stubTransport) Send(_ context.Context, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, token)
	if s.errFor != nil {
		return s.errFor[token]
	}
	return nil
}

func (s *stubTransport) tokens() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.sent...)
}

func TestFanTargetsOnlyActiveTokenedDevices(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	withToken := registerSignerWithToken(t, st, 20, "token-20")
	noToken := registerSigner(t, st, 21)
	inactive := registerSignerWithToken(t, st, 22, "token-22")
	if err := st.Devices().Deactivate(ctx, inactive.deviceID); err != nil {
		t.Fatal(err)
	}

	transport := &stubTransport{}
	d := NewPushDispatcher(transport, st)
	d.Fan(ctx, []string{withToken.did, noToken.did, inactive.did})

	got := transport.tokens()
	if len(got) != 1 || got[0] != "token-20" {
		t.Fatalf("pushed to %v, want [token-20]", got)
	}
}

func TestFanDeactivatesGoneTokens(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	sg := registerSignerWithToken(t, st, 23, "token-23")

	transport := &stubTransport{errFor: map[string]error{"token-23": push.ErrTokenGone}}
	d := NewPushDispatcher(transport, st)
	d.Fan(ctx, []string{sg.did})

	device, err := st.Devices().Get(ctx, sg.deviceID)
	if err != nil {
		t.Fatal(err)
	}
	if device.Status != domain.DeviceInactive {
		t.Fatalf("device status = %q, want inactive", device.Status)
	}
	if device.PushToken != nil {
		t.Fatal("push token survived a gone response")
	}
}

func TestFanSurvivesProviderErrors(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	throttled := registerSignerWithToken(t, st, 24, "token-24")
	healthy := registerSignerWithToken(t, st, 25, "token-25")

	transport := &stubTransport{errFor: map[string]error{"token-24": push.ErrThrottled}}
	d := NewPushDispatcher(transport, st)
	d.Fan(ctx, []string{throttled.did, healthy.did})

	if got := transport.tokens(); len(got) != 2 {
		t.Fatalf("pushed to %v, want both devices", got)
	}
	// the throttled device stays active
	device, err := st.Devices().Get(ctx, throttled.deviceID)
	if err != nil {
		t.Fatal(err)
	}
	if device.Status != domain.DeviceActive {
		t.Fatalf("throttled device status = %q, want active", device.Status)
	}
}
