package terminal

import (
	"context"
	"sync"
	"time"

	"github.com/registerlabs/posbridge/internal/metrics"
	"github.com/registerlabs/posbridge/pkg/logger"
)

// poller polls one payment intent's status on a fixed interval, starting
// immediately. It has no timeout of its own; it runs until the intent reaches
// a terminal state, the handler stops it, or the orchestrator tears it down.
type poller struct {
	api      API
	intentID string
	interval time.Duration
	log      *logger.Logger

	// current returns the orchestrator's active intent id. A tick that
	// discovers it is polling a superseded intent self-terminates without
	// acting on the result.
	current func() string

	// handle consumes a poll result and reports whether polling must stop.
	handle func(ctx context.Context, intent Intent) bool

	ctx       context.Context
	cancel    context.CancelFunc
	started   chan struct{}
	done      chan struct{}
	startOnce sync.Once
	stopOnce  sync.Once
}

func newPoller(api API, intentID string, interval time.Duration, log *logger.Logger, current func() string, handle func(context.Context, Intent) bool) *poller {
	ctx, cancel := context.WithCancel(context.Background())
	return &poller{
		api:      api,
		intentID: intentID,
		interval: interval,
		log:      log,
		current:  current,
		handle:   handle,
		ctx:      ctx,
		cancel:   cancel,
		started:  make(chan struct{}),
		done:     make(chan struct{}),
	}
}

func (p *poller) start() {
	p.startOnce.Do(func() {
		close(p.started)
		go p.run(p.ctx)
	})
}

// stop halts polling. The context exists from construction, so stop works
// before start, more than once, and after the loop has already finished; it
// waits for loop exit only when the loop actually ran.
func (p *poller) stop() {
	p.stopOnce.Do(p.cancel)
	select {
	case <-p.started:
		<-p.done
	default:
	}
}

func (p *poller) run(ctx context.Context) {
	defer close(p.done)

	if ctx.Err() != nil {
		// Stopped before the loop ever ran.
		return
	}

	// First poll fires immediately; card taps often settle inside the first
	// interval.
	if p.tick(ctx) {
		return
	}

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if p.tick(ctx) {
				return
			}
		}
	}
}

// tick performs one status poll. It returns true when the loop must stop.
func (p *poller) tick(ctx context.Context) bool {
	if p.current() != p.intentID {
		// The orchestrator moved on to a different intent.
		return true
	}

	metrics.PollTick()
	intent, err := p.api.IntentStatus(ctx, p.intentID)
	if err != nil {
		if ctx.Err() != nil {
			return true
		}
		// Transient gateway errors don't end the session; the next tick
		// retries.
		p.log.WithError(err).WithField("intent_id", p.intentID).Warn("status poll failed")
		return false
	}
	return p.handle(ctx, intent)
}
