package jobs

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

// stubSubscriber はテスト用の購読者です。
type stubSubscriber struct {
	mu      sync.Mutex
	sent    []Snapshot
	closed  bool
	sendErr error
}

func (s *stubSubscriber) Send(snap Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sendErr != nil {
		return s.sendErr
	}
	s.sent = append(s.sent, snap)
	return nil
}

func (s *stubSubscriber) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *stubSubscriber) sentCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sent)
}

func (s *stubSubscriber) lastSent() (Snapshot, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.sent) == 0 {
		return Snapshot{}, false
	}
	return s.sent[len(s.sent)-1], true
}

func (s *stubSubscriber) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met before deadline")
}

func TestNotifierDeliversToSubscribers(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	r := NewRegistry(nil)
	n := NewNotifier(r, nil)
	n.Start(ctx)

	r.Create("job-1", "src")
	sub := &stubSubscriber{}
	r.Register("job-1", sub)

	r.UpdateStatus("job-1", StageDownload, 25, "downloading", "1.2MiB/s", "00:30")

	waitFor(t, func() bool { return sub.sentCount() >= 1 })
	snap, _ := sub.lastSent()
	if snap.Stage != StageDownload || snap.Percent != 25 {
		t.Fatalf("unexpected snapshot delivered: stage=%s percent=%f", snap.Stage, snap.Percent)
	}
	if snap.Speed != "1.2MiB/s" || snap.ETA != "00:30" {
		t.Fatalf("speed/eta not delivered: %q %q", snap.Speed, snap.ETA)
	}
}

func TestNotifyWithoutRunningNotifierDoesNotBlock(t *testing.T) {
	r := NewRegistry(nil)
	n := NewNotifier(r, nil)
	// Start は呼ばない

	r.Create("job-1", "src")
	done := make(chan struct{})
	go func() {
		for i := 0; i < notifyBufferSize*4; i++ {
			n.Notify("job-1")
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("notify blocked without a running notifier")
	}
}

func TestRegistryUpdateWithoutNotifierIsSafe(t *testing.T) {
	r := NewRegistry(nil)
	r.Create("job-1", "src")
	r.UpdateStatus("job-1", StageDownload, 10, "", "", "")
	r.Complete("job-1", "url", nil)

	snap, _ := r.Snapshot("job-1")
	if snap.Stage != StageComplete {
		t.Fatalf("registry without notifier should still apply updates")
	}
}

func TestFailedSubscriberIsDroppedAndClosed(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	r := NewRegistry(nil)
	n := NewNotifier(r, nil)
	n.Start(ctx)

	r.Create("job-1", "src")
	bad := &stubSubscriber{sendErr: errors.New("connection reset")}
	good := &stubSubscriber{}
	r.Register("job-1", bad)
	r.Register("job-1", good)

	r.UpdateStatus("job-1", StageDownload, 10, "", "", "")

	waitFor(t, func() bool { return bad.isClosed() && good.sentCount() >= 1 })

	// 切り離された購読者には以後配送されない
	r.UpdateStatus("job-1", StageDownload, 20, "", "", "")
	waitFor(t, func() bool { return good.sentCount() >= 2 })
	if got := len(r.subscribersOf("job-1")); got != 1 {
		t.Fatalf("expected only healthy subscriber to remain, got %d", got)
	}
}

func TestUnregisterStopsDelivery(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	r := NewRegistry(nil)
	n := NewNotifier(r, nil)
	n.Start(ctx)

	r.Create("job-1", "src")
	sub := &stubSubscriber{}
	r.Register("job-1", sub)

	r.UpdateStatus("job-1", StageDownload, 10, "", "", "")
	waitFor(t, func() bool { return sub.sentCount() >= 1 })

	r.Unregister("job-1", sub)
	before := sub.sentCount()
	r.UpdateStatus("job-1", StageDownload, 20, "", "", "")

	// 配送ゴルーチンが追いつく猶予を与えてから件数が増えていないことを確認
	time.Sleep(50 * time.Millisecond)
	if sub.sentCount() != before {
		t.Fatalf("unregistered subscriber still received updates")
	}
}

func TestCancelNotifiesSubscribers(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	r := NewRegistry(nil)
	n := NewNotifier(r, nil)
	n.Start(ctx)

	r.Create("job-1", "src")
	sub := &stubSubscriber{}
	r.Register("job-1", sub)

	if !r.Cancel("job-1") {
		t.Fatalf("cancel should succeed")
	}

	waitFor(t, func() bool {
		snap, ok := sub.lastSent()
		return ok && snap.Stage == StageCancelled
	})
}
