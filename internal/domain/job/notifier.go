package job

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrWaiterRequired indicates a notifier cannot be constructed without a waiter.
var ErrWaiterRequired = errors.New("notifier waiter is required")

// Waiter blocks until work may be available on a topic. The Postgres job
// store backs this with LISTEN/NOTIFY; in-memory stores wake subscribers
// directly through Wake.
type Waiter interface {
	WaitForNotification(ctx context.Context, topic string) error
}

// Notifier fans job-availability wakeups out to lane workers. Topics are lane
// names; a worker subscribes to the lane it pulls from.
type Notifier interface {
	Subscribe(topic string) (func(), <-chan struct{})
	Wake(topic string)
	StopAll()
}

// NotifierOptions configure the behaviour of the default notifier implementation.
type NotifierOptions struct {
	// Waiter is optional. Without one, only Wake delivers notifications.
	Waiter     Waiter
	WaitWindow time.Duration
	Backoff    time.Duration
}

// DefaultNotifier is the default implementation of Notifier.
type DefaultNotifier struct {
	waiter     Waiter
	waitWindow time.Duration
	backoff    time.Duration

	mu        sync.Mutex
	subs      map[string]map[chan struct{}]struct{}
	listeners map[string]context.CancelFunc
}

// NewNotifier constructs the default notifier implementation.
func NewNotifier(opts NotifierOptions) *DefaultNotifier {
	waitWindow := opts.WaitWindow
	if waitWindow <= 0 {
		waitWindow = time.Minute
	}

	backoff := opts.Backoff
	if backoff <= 0 {
		backoff = 250 * time.Millisecond
	}

	return &DefaultNotifier{
		waiter:     opts.Waiter,
		waitWindow: waitWindow,
		backoff:    backoff,
		subs:       make(map[string]map[chan struct{}]struct{}),
		listeners:  make(map[string]context.CancelFunc),
	}
}

func (n *DefaultNotifier) Subscribe(topic string) (func(), <-chan struct{}) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if _, ok := n.listeners[topic]; !ok && n.waiter != nil {
		ctx, cancel := context.WithCancel(context.Background())
		n.listeners[topic] = cancel
		go n.listenLoop(ctx, topic)
	}

	ch := make(chan struct{}, 1)
	if n.subs[topic] == nil {
		n.subs[topic] = make(map[chan struct{}]struct{})
	}
	n.subs[topic][ch] = struct{}{}

	unsub := func() {
		n.mu.Lock()
		defer n.mu.Unlock()
		subscribers := n.subs[topic]
		if subscribers == nil {
			return
		}

		if _, ok := subscribers[ch]; !ok {
			return
		}
		delete(subscribers, ch)
		drainAndClose(ch)
		if len(subscribers) == 0 {
			n.stopListener(topic)
			delete(n.subs, topic)
		}
	}

	return unsub, ch
}

// Wake delivers a non-blocking notification to every subscriber of the topic.
func (n *DefaultNotifier) Wake(topic string) {
	n.broadcast(topic)
}

func (n *DefaultNotifier) StopAll() {
	n.mu.Lock()
	defer n.mu.Unlock()

	for topic, cancel := range n.listeners {
		cancel()
		delete(n.listeners, topic)
	}
	for topic, subscribers := range n.subs {
		for ch := range subscribers {
			drainAndClose(ch)
		}
		delete(n.subs, topic)
	}
}

func (n *DefaultNotifier) stopListener(topic string) {
	cancel, ok := n.listeners[topic]
	if !ok {
		return
	}
	cancel()
	delete(n.listeners, topic)
}

func (n *DefaultNotifier) listenLoop(ctx context.Context, topic string) {
	for ctx.Err() == nil {
		waitCtx, cancel := context.WithTimeout(ctx, n.waitWindow)
		err := n.waiter.WaitForNotification(waitCtx, topic)
		cancel()

		n.broadcast(topic)

		if err != nil && ctx.Err() == nil {
			timer := time.NewTimer(n.backoff)
			select {
			case <-ctx.Done():
				if !timer.Stop() {
					<-timer.C
				}
				return
			case <-timer.C:
			}
		}
	}
}

func (n *DefaultNotifier) broadcast(topic string) {
	n.mu.Lock()
	defer n.mu.Unlock()

	subscribers := n.subs[topic]
	for ch := range subscribers {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// drainAndClose removes any buffered notifications before closing the channel so
// receivers observe a closed channel immediately.
func drainAndClose(ch chan struct{}) {
	for {
		select {
		case <-ch:
		default:
			close(ch)
			return
		}
	}
}

var _ Notifier = (*DefaultNotifier)(nil)
