package chanpool

import (
	"context"
	"errors"
	"sync"

	"github.com/joeycumines/go-dirmi/transport"
)

// Standard errors.
var (
	// ErrIllegalBatchState is raised (as a panic, per spec.md §7's "local
	// programming error" policy) when Release is called on a channel that
	// is in StateBatched outside of the batch's own Unbatch/flush path.
	ErrIllegalBatchState = errors.New("chanpool: illegal operation on a batched channel")

	// ErrPoolClosed is returned by Acquire once the pool has been closed.
	ErrPoolClosed = errors.New("chanpool: closed")

	// ErrChannelLimitExceeded is returned by Acquire when MaxChannels is
	// set and the pool is at its cap with no idle channel available.
	ErrChannelLimitExceeded = errors.New("chanpool: channel limit exceeded")
)

// Opener opens a fresh transport-backed channel on demand, e.g. the
// session's handshake-side channel opener.
type Opener func(ctx context.Context) (transport.Transport, error)

// Logger is the narrow structured-logging seam chanpool needs, satisfied by
// the same adapter scheduler.Logger is.
type Logger interface {
	Warnf(format string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Warnf(string, ...any) {}

// Option configures a Pool, resolved once by New.
type Option func(*config)

type config struct {
	maxChannels   int
	highWaterMark int
	logger        Logger
}

// WithMaxChannels bounds the pool. <=0 (the default) means unbounded,
// growing on demand.
func WithMaxChannels(n int) Option { return func(c *config) { c.maxChannels = n } }

// WithHighWaterMark sets the channel count past which Acquire logs a
// warning even though it still succeeds (no cap enforced). Defaults to 64.
func WithHighWaterMark(n int) Option { return func(c *config) { c.highWaterMark = n } }

// WithLogger sets the logger used for high-water-mark warnings.
func WithLogger(l Logger) Option { return func(c *config) { c.logger = l } }

func resolveOptions(opts []Option) config {
	c := config{highWaterMark: 64, logger: noopLogger{}}
	for _, o := range opts {
		o(&c)
	}
	if c.logger == nil {
		c.logger = noopLogger{}
	}
	return c
}

// Pool manages a session's set of duplex channels: an idle free-list plus
// an open function for minting new ones on demand, per spec.md §4.2.
type Pool struct {
	open          Opener
	maxChannels   int
	highWaterMark int
	logger        Logger

	mu     sync.Mutex
	idle   []*Channel
	total  int
	closed bool
}

// New constructs a Pool that opens fresh channels via open.
func New(open Opener, opts ...Option) *Pool {
	c := resolveOptions(opts)
	return &Pool{
		open:          open,
		maxChannels:   c.maxChannels,
		highWaterMark: c.highWaterMark,
		logger:        c.logger,
	}
}

// Acquire returns an idle channel, or opens a new one via Opener if none is
// idle. Returns ErrPoolClosed if the pool has been closed.
func (p *Pool) Acquire(ctx context.Context) (*Channel, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrPoolClosed
	}
	if n := len(p.idle); n > 0 {
		ch := p.idle[n-1]
		p.idle = p.idle[:n-1]
		p.mu.Unlock()
		ch.setState(StateLent)
		return ch, nil
	}
	total := p.total
	p.mu.Unlock()

	if p.maxChannels > 0 && total >= p.maxChannels {
		return nil, ErrChannelLimitExceeded
	}

	t, err := p.open(ctx)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		_ = t.Close()
		return nil, ErrPoolClosed
	}
	p.total++
	newTotal := p.total
	p.mu.Unlock()

	if p.highWaterMark > 0 && newTotal > p.highWaterMark {
		p.logger.Warnf("chanpool: channel count %d exceeds high-water mark %d", newTotal, p.highWaterMark)
	}

	ch := newChannel(t)
	ch.setState(StateLent)
	return ch, nil
}

// AdoptAccepted wraps a transport that arrived via an incoming accept
// (rather than an outgoing Acquire) as a Channel counted in the pool's
// total, and hands it straight back to the caller (the accept loop); it
// is not placed in the idle set until the caller releases it.
func (p *Pool) AdoptAccepted(t transport.Transport) *Channel {
	ch := newChannel(t)
	p.mu.Lock()
	p.total++
	p.mu.Unlock()
	return ch
}

// Release returns ch to the idle set. If reset is true, ResetOutput is
// called first so the next Acquire starts a fresh frame. Release on a
// batched channel is a programming error (spec.md §7) and panics with
// ErrIllegalBatchState; the batch flush/abort path uses ReleaseBatched.
func (p *Pool) Release(ch *Channel, reset bool) {
	if ch.State() == StateBatched {
		panic(ErrIllegalBatchState)
	}
	p.releaseInternal(ch, reset)
}

// ReleaseBatched is Release's internal counterpart used once a batch
// sequence has actually flushed or aborted, when the channel legitimately
// is in StateBatched and must be returned without the programming-error
// panic.
func (p *Pool) ReleaseBatched(ch *Channel, reset bool) {
	p.releaseInternal(ch, reset)
}

func (p *Pool) releaseInternal(ch *Channel, reset bool) {
	if reset {
		ch.ResetOutput()
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		_ = ch.Close()
		return
	}
	ch.setState(StateIdle)
	p.idle = append(p.idle, ch)
	p.mu.Unlock()
}

// Close closes every idle channel and marks the pool closed; in-flight
// (lent/batched/suspended) channels are closed as they're eventually
// released or explicitly closed by their owner.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	idle := p.idle
	p.idle = nil
	p.mu.Unlock()

	var firstErr error
	for _, ch := range idle {
		if err := ch.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Len reports the number of channels currently idle and the total opened
// (idle + lent/batched/suspended), for diagnostics and tests.
func (p *Pool) Len() (idleLen, total int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.idle), p.total
}
