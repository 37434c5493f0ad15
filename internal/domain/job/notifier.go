package job

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/pagesentry/pagesentry/internal/domain/model"
)

// ErrWaiterRequired indicates a notifier cannot be constructed without a waiter.
var ErrWaiterRequired = errors.New("notifier waiter is required")

// Waiter blocks until a job-availability notification for the given type
// arrives or the context is canceled. Implementations bridge a transport
// (Postgres LISTEN in production, an in-memory signal in tests).
type Waiter interface {
	WaitForNotification(ctx context.Context, jobType model.JobType) error
}

// Notifier manages per-type subscriptions for job availability signals.
// Notifications are advisory: correctness never depends on them, runners
// keep a periodic poll as a safety net.
type Notifier interface {
	Subscribe(jobType model.JobType) (func(), <-chan struct{})
	StopAll()
}

// NotifierOptions configure the bridge notifier.
type NotifierOptions struct {
	Waiter Waiter
	// WaitWindow bounds a single waiter call so a dead listen connection is
	// re-established periodically. Defaults to one minute.
	WaitWindow time.Duration
	// Backoff is the pause after a waiter error before retrying. Defaults to 250ms.
	Backoff time.Duration
}

// BridgeNotifier runs one listen goroutine per subscribed job type and fans
// notifications out to subscribers over coalescing capacity-1 channels.
type BridgeNotifier struct {
	waiter     Waiter
	waitWindow time.Duration
	backoff    time.Duration

	mu        sync.Mutex
	stopped   bool
	subs      map[model.JobType]map[chan struct{}]struct{}
	listeners map[model.JobType]context.CancelFunc
}

var _ Notifier = (*BridgeNotifier)(nil)

// NewNotifier constructs a BridgeNotifier.
func NewNotifier(opts NotifierOptions) (*BridgeNotifier, error) {
	if opts.Waiter == nil {
		return nil, ErrWaiterRequired
	}

	waitWindow := opts.WaitWindow
	if waitWindow <= 0 {
		waitWindow = time.Minute
	}
	backoff := opts.Backoff
	if backoff <= 0 {
		backoff = 250 * time.Millisecond
	}

	return &BridgeNotifier{
		waiter:     opts.Waiter,
		waitWindow: waitWindow,
		backoff:    backoff,
		subs:       make(map[model.JobType]map[chan struct{}]struct{}),
		listeners:  make(map[model.JobType]context.CancelFunc),
	}, nil
}

// Subscribe registers interest in jobType and returns an idempotent
// unsubscribe closure plus the delivery channel. The channel has capacity 1
// and coalesces: a pending signal already means "check again", so further
// signals are dropped rather than queued. After StopAll the returned channel
// is already closed, which callers observe as an immediate wakeup.
func (n *BridgeNotifier) Subscribe(jobType model.JobType) (func(), <-chan struct{}) {
	n.mu.Lock()
	defer n.mu.Unlock()

	ch := make(chan struct{}, 1)
	if n.stopped {
		close(ch)
		return func() {}, ch
	}

	if _, ok := n.listeners[jobType]; !ok {
		ctx, cancel := context.WithCancel(context.Background())
		n.listeners[jobType] = cancel
		go n.listenLoop(ctx, jobType)
	}

	if n.subs[jobType] == nil {
		n.subs[jobType] = make(map[chan struct{}]struct{})
	}
	n.subs[jobType][ch] = struct{}{}

	unsub := func() {
		n.mu.Lock()
		defer n.mu.Unlock()

		subscribers := n.subs[jobType]
		if subscribers == nil {
			return
		}
		if _, ok := subscribers[ch]; !ok {
			return
		}
		delete(subscribers, ch)
		drainAndClose(ch)
		if len(subscribers) == 0 {
			n.stopListener(jobType)
			delete(n.subs, jobType)
		}
	}

	return unsub, ch
}

// StopAll stops every listen goroutine and closes all subscriber channels.
// The notifier refuses live subscriptions afterwards.
func (n *BridgeNotifier) StopAll() {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.stopped = true
	for jobType, cancel := range n.listeners {
		cancel()
		delete(n.listeners, jobType)
	}
	for jobType, subscribers := range n.subs {
		for ch := range subscribers {
			drainAndClose(ch)
		}
		delete(n.subs, jobType)
	}
}

func (n *BridgeNotifier) stopListener(jobType model.JobType) {
	cancel, ok := n.listeners[jobType]
	if !ok {
		return
	}
	cancel()
	delete(n.listeners, jobType)
}

func (n *BridgeNotifier) listenLoop(ctx context.Context, jobType model.JobType) {
	for ctx.Err() == nil {
		waitCtx, cancel := context.WithTimeout(ctx, n.waitWindow)
		err := n.waiter.WaitForNotification(waitCtx, jobType)
		cancel()

		// Broadcast on every return, including the wait-window timeout: a
		// spurious wakeup is harmless, a missed one costs a poll interval.
		n.broadcast(jobType)

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

func (n *BridgeNotifier) broadcast(jobType model.JobType) {
	n.mu.Lock()
	defer n.mu.Unlock()

	for ch := range n.subs[jobType] {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// drainAndClose empties any buffered signal before closing so receivers
// observe the close immediately rather than a stale notification.
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
