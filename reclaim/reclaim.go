// Package reclaim implements the distributed-reclamation background task
// described in spec.md §4.8: draining the object registry's weak-reference
// cleanup queue, batching collected identifiers, and notifying the peer so
// it can drop its matching skeletons.
package reclaim

import (
	"context"
	"errors"
	"io"
	"time"

	longpoll "github.com/joeycumines/go-longpoll"

	"github.com/joeycumines/go-dirmi/ident"
)

// DefaultBatchSize is B from spec.md §4.8: the collected-identifier count
// that forces an immediate DisposedBatch call even before the partial
// timeout elapses.
const DefaultBatchSize = 100

// Sender invokes the peer's Admin.DisposedBatch with the given identifiers.
// Supplied by the dirmi package (an external collaborator, per spec.md §1),
// since reclaim has no knowledge of the session/admin-channel plumbing.
type Sender func(ids []ident.Identifier) error

// Logger is the narrow structured-logging seam reclaim needs.
type Logger interface {
	Warnf(format string, args ...any)
	Debugf(format string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Warnf(string, ...any)  {}
func (noopLogger) Debugf(string, ...any) {}

// Drain continuously batches identifiers arriving on queue and forwards
// them to send, until ctx is cancelled or queue is closed.
type Drain struct {
	queue          <-chan ident.Identifier
	send           Sender
	batchSize      int
	partialTimeout time.Duration
	logger         Logger
}

// Option configures a Drain, resolved once by New.
type Option func(*config)

type config struct {
	batchSize      int
	partialTimeout time.Duration
	logger         Logger
}

// WithBatchSize overrides DefaultBatchSize.
func WithBatchSize(n int) Option { return func(c *config) { c.batchSize = n } }

// WithPartialTimeout overrides the partial-batch deadline. Defaults to 15s,
// the heartbeat half-interval per spec.md §4.5/§4.8 (H=30s).
func WithPartialTimeout(d time.Duration) Option { return func(c *config) { c.partialTimeout = d } }

// WithLogger sets the logger used to report send failures.
func WithLogger(l Logger) Option { return func(c *config) { c.logger = l } }

func resolveOptions(opts []Option) config {
	c := config{batchSize: DefaultBatchSize, partialTimeout: 15 * time.Second, logger: noopLogger{}}
	for _, o := range opts {
		o(&c)
	}
	if c.logger == nil {
		c.logger = noopLogger{}
	}
	return c
}

// New constructs a Drain reading from queue (typically an
// ident.ObjectRegistry's ReclaimQueue) and forwarding batches via send.
func New(queue <-chan ident.Identifier, send Sender, opts ...Option) *Drain {
	c := resolveOptions(opts)
	return &Drain{
		queue:          queue,
		send:           send,
		batchSize:      c.batchSize,
		partialTimeout: c.partialTimeout,
		logger:         c.logger,
	}
}

// Run drains until ctx is cancelled or the queue is closed. Intended to be
// run as a single long-lived goroutine (e.g. via scheduler.Execute) for the
// lifetime of a Session.
func (d *Drain) Run(ctx context.Context) error {
	cfg := &longpoll.ChannelConfig{
		MaxSize:        d.batchSize,
		MinSize:        -1, // start the partial timeout immediately, per spec.md §4.8
		PartialTimeout: d.partialTimeout,
	}

	for {
		var batch []ident.Identifier
		err := longpoll.Channel(ctx, cfg, d.queue, func(id ident.Identifier) error {
			batch = append(batch, id)
			return nil
		})

		if len(batch) > 0 {
			if sendErr := d.send(batch); sendErr != nil {
				d.logger.Warnf("reclaim: DisposedBatch of %d ids failed: %v", len(batch), sendErr)
			} else {
				d.logger.Debugf("reclaim: disposed batch of %d ids", len(batch))
			}
		}

		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
	}
}

// HandlePeerDisposedBatch applies an inbound DisposedBatch notification
// (spec.md §4.8's "peer receipt"): for each id, it removes the local
// skeleton and decrements the owning type's live-instance counter, evicting
// the cached RemoteInfo once that counter reaches zero so the next first-use
// of the type requests it fresh. Called from the dirmi package's Admin
// dispatch handler for DisposedBatch.
func HandlePeerDisposedBatch(registry *ident.ObjectRegistry, ids []ident.Identifier, logger Logger) {
	if logger == nil {
		logger = noopLogger{}
	}
	for _, id := range ids {
		if _, evicted := registry.ReleaseSkeletonType(id); evicted {
			logger.Debugf("reclaim: evicted cached type info after last skeleton of its type disposed")
		}
	}
}
