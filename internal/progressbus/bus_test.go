package progressbus

import (
	"testing"
	"time"
)

func TestSubscribeReceivesPublishedEvent(t *testing.T) {
	b := New(nil)
	ch, cancel := b.Subscribe()
	defer cancel()

	b.Publish(Event{Type: TypeJobProgress, JobID: "job1", Progress: 1, Total: 3})

	select {
	case ev := <-ch:
		if ev.JobID != "job1" || ev.Progress != 1 {
			t.Fatalf("unexpected event: %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestPublishDropsForFullSlowSubscriber(t *testing.T) {
	b := New(nil)
	ch, cancel := b.Subscribe()
	defer cancel()

	// Fill the one-slot inbox without draining it.
	b.Publish(Event{Type: TypeJobProgress, Progress: 1})
	// This publish must not block even though nobody read the first event.
	done := make(chan struct{})
	go func() {
		b.Publish(Event{Type: TypeJobProgress, Progress: 2})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on a full subscriber inbox")
	}

	ev := <-ch
	if ev.Progress != 1 {
		t.Fatalf("expected first buffered event to survive, got %+v", ev)
	}
}

func TestCancelRemovesSubscriberAndClosesChannel(t *testing.T) {
	b := New(nil)
	ch, cancel := b.Subscribe()
	if b.Count() != 1 {
		t.Fatalf("expected 1 subscriber, got %d", b.Count())
	}
	cancel()
	if b.Count() != 0 {
		t.Fatalf("expected 0 subscribers after cancel, got %d", b.Count())
	}
	if _, open := <-ch; open {
		t.Fatal("expected channel to be closed after cancel")
	}
}
