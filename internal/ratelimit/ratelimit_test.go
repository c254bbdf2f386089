package ratelimit

import (
	"testing"
	"time"
)

func newTestLimiter(start time.Time) (*Limiter, *time.Time) {
	clock := start
	l := &Limiter{
		buckets: make(map[string]*bucket),
		now:     func() time.Time { return clock },
	}
	return l, &clock
}

func TestFixedWindow(t *testing.T) {
	l, clock := newTestLimiter(time.Unix(1_700_000_000, 0))
	limit := Limit{Requests: 3, Window: time.Minute}

	for i, wantRemaining := range []int{2, 1, 0} {
		d := l.Allow("/api/lookup/did", "did:phone:aa", limit)
		if !d.Allowed {
			t.Fatalf("request %d rejected", i+1)
		}
		if d.Remaining != wantRemaining {
			t.Fatalf("request %d remaining = %d, want %d", i+1, d.Remaining, wantRemaining)
		}
	}

	d := l.Allow("/api/lookup/did", "did:phone:aa", limit)
	if d.Allowed {
		t.Fatal("fourth request allowed")
	}
	if d.RetryAfter < 1 || d.RetryAfter > 60 {
		t.Fatalf("RetryAfter = %d, want within (0, 60]", d.RetryAfter)
	}

	// the window resets and requests flow again
	*clock = clock.Add(61 * time.Second)
	if d := l.Allow("/api/lookup/did", "did:phone:aa", limit); !d.Allowed {
		t.Fatal("request after reset rejected")
	}
}

func TestBucketsAreIndependent(t *testing.T) {
	l, _ := newTestLimiter(time.Unix(1_700_000_000, 0))
	limit := Limit{Requests: 1, Window: time.Minute}

	if d := l.Allow("/api/lookup/did", "did:phone:aa", limit); !d.Allowed {
		t.Fatal("first principal rejected")
	}
	if d := l.Allow("/api/lookup/did", "did:phone:aa", limit); d.Allowed {
		t.Fatal("same bucket not exhausted")
	}
	if d := l.Allow("/api/lookup/did", "did:phone:bb", limit); !d.Allowed {
		t.Fatal("other principal shared the bucket")
	}
	if d := l.Allow("/api/messages/send", "did:phone:aa", limit); !d.Allowed {
		t.Fatal("other endpoint shared the bucket")
	}
}

func TestRetryAfterRoundsUp(t *testing.T) {
	l, clock := newTestLimiter(time.Unix(1_700_000_000, 0))
	limit := Limit{Requests: 1, Window: time.Minute}

	l.Allow("/e", "p", limit)
	*clock = clock.Add(59*time.Second + 500*time.Millisecond)
	d := l.Allow("/e", "p", limit)
	if d.Allowed {
		t.Fatal("request inside window allowed")
	}
	if d.RetryAfter != 1 {
		t.Fatalf("RetryAfter = %d, want 1", d.RetryAfter)
	}
}
