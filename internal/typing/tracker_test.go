package typing

import (
	"testing"
	"time"

	"github.com/fleetdesk/convsync/internal/bus"
)

func TestStartExpires(t *testing.T) {
	b := bus.New()
	ch, unsub := b.Subscribe("typing.", 10)
	defer unsub()
	tr := NewTracker(50*time.Millisecond, b)
	defer tr.Close()

	tr.Start("c1")
	if !tr.IsTyping("c1") {
		t.Fatal("IsTyping() = false after Start")
	}
	expectChange(t, ch, true)
	expectChange(t, ch, false)
	if tr.IsTyping("c1") {
		t.Error("typing flag outlived its timeout")
	}
}

func TestRefreshExtendsLifetime(t *testing.T) {
	tr := NewTracker(80*time.Millisecond, nil)
	defer tr.Close()

	tr.Start("c1")
	time.Sleep(50 * time.Millisecond)
	tr.Start("c1")
	time.Sleep(50 * time.Millisecond)
	if !tr.IsTyping("c1") {
		t.Error("refreshed signal expired early")
	}
	time.Sleep(80 * time.Millisecond)
	if tr.IsTyping("c1") {
		t.Error("refreshed signal never expired")
	}
}

func TestStopClearsImmediately(t *testing.T) {
	b := bus.New()
	ch, unsub := b.Subscribe("typing.", 10)
	defer unsub()
	tr := NewTracker(time.Minute, b)
	defer tr.Close()

	tr.Start("c1")
	tr.Start("c1")
	tr.Stop("c1")
	if tr.IsTyping("c1") {
		t.Error("IsTyping() = true after Stop")
	}
	expectChange(t, ch, true)
	expectChange(t, ch, false)

	// Stopping an idle conversation publishes nothing.
	tr.Stop("c1")
	select {
	case evt := <-ch:
		t.Errorf("unexpected event %+v", evt)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestConversationsAreIndependent(t *testing.T) {
	tr := NewTracker(time.Minute, nil)
	defer tr.Close()
	tr.Start("c1")
	if tr.IsTyping("c2") {
		t.Error("c2 typing after c1 started")
	}
	tr.Stop("c2")
	if !tr.IsTyping("c1") {
		t.Error("stopping c2 cleared c1")
	}
}

func expectChange(t *testing.T, ch <-chan bus.Event, typing bool) {
	t.Helper()
	select {
	case evt := <-ch:
		change, ok := evt.Payload.(Change)
		if !ok || change.Typing != typing || change.ConversationID != "c1" {
			t.Fatalf("event = %+v, want typing=%v for c1", evt, typing)
		}
	case <-time.After(time.Second):
		t.Fatalf("timeout waiting for typing=%v", typing)
	}
}

func TestClearOnMessage(t *testing.T) {
	tr := NewTracker(time.Minute, nil)
	defer tr.Close()
	tr.Start("c1")
	tr.Clear("c1")
	if tr.IsTyping("c1") {
		t.Error("Clear left the flag set")
	}
}

func TestLateTimerAfterRestartIgnored(t *testing.T) {
	tr := NewTracker(time.Minute, nil)
	defer tr.Close()

	tr.Start("c1")
	tr.mu.Lock()
	stale := tr.timers["c1"].gen
	tr.mu.Unlock()
	tr.Stop("c1")
	tr.Start("c1")

	// The first signal's timer fires after the restart took the lock.
	tr.expire("c1", stale)
	if !tr.IsTyping("c1") {
		t.Error("expired timer of an earlier signal cleared the new one")
	}
}
