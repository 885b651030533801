package dhcp

import (
	"testing"
	"time"
)

func TestThrottleDisabled(t *testing.T) {
	th := NewThrottle(false, 10, 5)
	for i := 0; i < 100; i++ {
		if !th.Allow("00:11:22:33:44:55") {
			t.Fatalf("disabled throttle rejected message %d", i)
		}
	}
}

func TestThrottleNil(t *testing.T) {
	var th *Throttle
	if !th.Allow("00:11:22:33:44:55") {
		t.Error("nil throttle should allow everything")
	}
}

func TestThrottleGlobalLimit(t *testing.T) {
	th := NewThrottle(true, 5, 100)
	for i := 0; i < 5; i++ {
		if !th.Allow("00:11:22:33:44:55") {
			t.Fatalf("message %d should be allowed", i)
		}
	}
	if th.Allow("aa:bb:cc:dd:ee:ff") {
		t.Error("6th message should be rejected by the global limit")
	}
}

func TestThrottlePerClientLimit(t *testing.T) {
	th := NewThrottle(true, 100, 3)
	for i := 0; i < 3; i++ {
		if !th.Allow("00:11:22:33:44:55") {
			t.Fatalf("message %d should be allowed", i)
		}
	}
	if th.Allow("00:11:22:33:44:55") {
		t.Error("4th message from the same client should be rejected")
	}
	if !th.Allow("aa:bb:cc:dd:ee:ff") {
		t.Error("different client should still be allowed")
	}
}

func TestThrottleRefill(t *testing.T) {
	th := NewThrottle(true, 3, 3)
	th.refillInterval = 50 * time.Millisecond

	for i := 0; i < 3; i++ {
		th.Allow("00:11:22:33:44:55")
	}
	if th.Allow("00:11:22:33:44:55") {
		t.Error("should be throttled after exhausting tokens")
	}

	time.Sleep(60 * time.Millisecond)

	if !th.Allow("00:11:22:33:44:55") {
		t.Error("should be allowed after refill")
	}
}

func TestThrottleForgetsIdleClients(t *testing.T) {
	th := NewThrottle(true, 10, 5)
	th.refillInterval = 10 * time.Millisecond
	th.staleAfter = 20 * time.Millisecond

	th.Allow("00:11:22:33:44:55")
	time.Sleep(40 * time.Millisecond)
	th.Allow("aa:bb:cc:dd:ee:ff")

	if _, clients := th.Stats(); clients != 1 {
		t.Errorf("trackedClients = %d, want 1", clients)
	}
}

func TestThrottleStats(t *testing.T) {
	th := NewThrottle(true, 10, 5)
	th.Allow("00:11:22:33:44:55")
	th.Allow("aa:bb:cc:dd:ee:ff")

	tokens, clients := th.Stats()
	if tokens != 8 {
		t.Errorf("globalTokens = %d, want 8", tokens)
	}
	if clients != 2 {
		t.Errorf("trackedClients = %d, want 2", clients)
	}
}
