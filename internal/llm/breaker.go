package llm

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// ErrBreakerOpen is returned without calling the provider while the
// breaker is open.
var ErrBreakerOpen = eris.New("llm: provider unavailable, circuit open")

// BreakerState is the state of a Breaker.
type BreakerState int

const (
	BreakerClosed BreakerState = iota
	BreakerOpen
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Breaker wraps a ChatClient and fails fast after Threshold consecutive
// transport failures. After Reset it lets one trial call through; a successful
// trial closes it again. Cancelled requests do not count as failures.
type Breaker struct {
	next      ChatClient
	threshold int
	reset     time.Duration

	mu       sync.Mutex
	state    BreakerState
	failures int
	openedAt time.Time
	probing  bool
	now      func() time.Time
}

// NewBreaker creates a Breaker. A non-positive threshold defaults to 5 and
// a non-positive reset to 30 seconds.
func NewBreaker(next ChatClient, threshold int, reset time.Duration) *Breaker {
	if threshold <= 0 {
		threshold = 5
	}
	if reset <= 0 {
		reset = 30 * time.Second
	}
	return &Breaker{next: next, threshold: threshold, reset: reset, now: time.Now}
}

// Chat implements ChatClient.
func (b *Breaker) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	if err := b.acquire(); err != nil {
		return nil, err
	}
	resp, err := b.next.Chat(ctx, req)
	b.record(err)
	return resp, err
}

// State returns the current state.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *Breaker) acquire() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerOpen:
		if b.now().Sub(b.openedAt) < b.reset {
			return ErrBreakerOpen
		}
		b.setState(BreakerHalfOpen)
		b.probing = true
		return nil
	case BreakerHalfOpen:
		if b.probing {
			return ErrBreakerOpen
		}
		b.probing = true
		return nil
	default:
		return nil
	}
}

func (b *Breaker) record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.probing = false

	if err != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)) {
		if b.state == BreakerHalfOpen {
			b.setState(BreakerOpen)
			b.openedAt = b.now()
		}
		return
	}

	if err == nil {
		b.failures = 0
		if b.state != BreakerClosed {
			b.setState(BreakerClosed)
		}
		return
	}

	b.failures++
	if b.state == BreakerHalfOpen || b.failures >= b.threshold {
		if b.state != BreakerOpen {
			b.setState(BreakerOpen)
		}
		b.openedAt = b.now()
	}
}

func (b *Breaker) setState(to BreakerState) {
	zap.L().Warn("llm: circuit state change",
		zap.String("from", b.state.String()),
		zap.String("to", to.String()),
		zap.Int("consecutive_failures", b.failures),
	)
	b.state = to
}
