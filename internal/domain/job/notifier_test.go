package job

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type stubWaiter struct {
	calls chan string
	err   error
}

func (s *stubWaiter) WaitForNotification(ctx context.Context, topic string) error {
	select {
	case s.calls <- topic:
	default:
	}

	if s.err != nil {
		return s.err
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	return nil
}

func TestNotifier_SubscribeReceivesNotifications(t *testing.T) {
	waiter := &stubWaiter{
		calls: make(chan string, 4),
	}
	notifier := NewNotifier(NotifierOptions{
		Waiter: waiter,
	})

	unsub, ch := notifier.Subscribe("generation")
	defer unsub()

	select {
	case <-waiter.calls:
	case <-time.After(200 * time.Millisecond):
		t.Fatal("expected waiter to be invoked")
	}

	select {
	case <-ch:
	case <-time.After(200 * time.Millisecond):
		t.Fatal("expected notification to be delivered")
	}
}

func TestNotifier_WakeWithoutWaiter(t *testing.T) {
	notifier := NewNotifier(NotifierOptions{})

	unsub, ch := notifier.Subscribe("database-ops")
	defer unsub()

	notifier.Wake("database-ops")

	select {
	case <-ch:
	case <-time.After(200 * time.Millisecond):
		t.Fatal("expected wake to be delivered")
	}

	// Wake on an unrelated topic delivers nothing.
	notifier.Wake("rendering")
	select {
	case <-ch:
		t.Fatal("unexpected delivery for unrelated topic")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestNotifier_UnsubscribeClosesChannel(t *testing.T) {
	waiter := &stubWaiter{
		calls: make(chan string, 1),
	}
	notifier := NewNotifier(NotifierOptions{
		Waiter: waiter,
	})

	unsub, ch := notifier.Subscribe("scheduled-misc")

	// Allow goroutine to start
	select {
	case <-waiter.calls:
	case <-time.After(200 * time.Millisecond):
		t.Fatal("expected waiter to be invoked")
	}

	unsub()

	select {
	case _, ok := <-ch:
		assert.False(t, ok, "channel should be closed after unsubscribe")
	case <-time.After(200 * time.Millisecond):
		t.Fatal("expected channel to close after unsubscribe")
	}
}

func TestNotifier_StopAllClosesChannels(t *testing.T) {
	waiter := &stubWaiter{
		calls: make(chan string, 2),
		err:   errors.New("boom"),
	}
	notifier := NewNotifier(NotifierOptions{
		Waiter: waiter,
	})

	unsubGen, chGen := notifier.Subscribe("generation")
	unsubOps, chOps := notifier.Subscribe("file-ops")

	// Ensure listeners have started.
	for n := 0; n < 2; n++ {
		select {
		case <-waiter.calls:
		case <-time.After(200 * time.Millisecond):
			t.Fatal("expected waiter to be invoked")
		}
	}

	notifier.StopAll()

	for _, ch := range []<-chan struct{}{chGen, chOps} {
		select {
		case _, ok := <-ch:
			assert.False(t, ok, "channels should be closed after StopAll")
		case <-time.After(200 * time.Millisecond):
			t.Fatal("expected channel to close after StopAll")
		}
	}

	// Unsubscribes should remain safe post-stop.
	unsubGen()
	unsubOps()
}
