package stubsupport

import (
	"io"

	"github.com/joeycumines/go-dirmi/chanpool"
)

// pipeSuspendMarker is the reserved 1-byte frame delimiter (spec.md §6's
// wire frame #4) a Pipe writes once its owner is done sending: the peer's
// Read sees it in place of further payload bytes and surfaces io.EOF, same
// as a protocol byte like Telnet's IAC reserves a value out of the data
// stream rather than escaping it. Pipe payloads must not contain this byte
// literally; that tradeoff is spec's, not an oversight here.
const pipeSuspendMarker byte = 0xFF

// Pipe is a raw duplex byte stream handed to user code once a channel has
// been explicitly released from ordinary invocation framing (spec.md §4.6's
// RequestReply), e.g. for a remote method the caller treats as a bulk data
// stream rather than a single request/response pair.
type Pipe struct {
	ch     *chanpool.Channel
	pool   *chanpool.Pool
	eof    bool
	closed bool
}

// NewPipe wraps ch as a user-facing Pipe, backed by pool for eventual
// release once the caller is done.
func NewPipe(ch *chanpool.Channel, pool *chanpool.Pool) *Pipe {
	return &Pipe{ch: ch, pool: pool}
}

// Read reads raw bytes from the peer until it emits the suspend marker, at
// which point Read returns io.EOF and resynchronizes this channel's reader
// via InputResume so it can rejoin ordinary invocation framing once
// released.
func (p *Pipe) Read(b []byte) (int, error) {
	if p.eof {
		return 0, io.EOF
	}
	if len(b) == 0 {
		return 0, nil
	}
	var marker [1]byte
	if _, err := io.ReadFull(p.ch.Transport(), marker[:]); err != nil {
		return 0, err
	}
	if marker[0] == pipeSuspendMarker {
		p.eof = true
		p.ch.InputResume()
		return 0, io.EOF
	}
	// One byte per call, so a marker that follows payload bytes is always
	// checked here instead of being copied into b as data.
	b[0] = marker[0]
	return 1, nil
}

func (p *Pipe) Write(b []byte) (int, error) { return p.ch.Transport().Write(b) }
func (p *Pipe) Flush() error                { return p.ch.Transport().Flush() }

// Close signals end-of-stream to the peer (the suspend marker, per spec.md
// §6 wire frame #4), resynchronizes this side's own reader if Read never
// ran it into the marker itself, and releases the channel back to the pool
// with a fresh output frame, since the pipe may have left it mid-stream.
func (p *Pipe) Close() error {
	if p.closed {
		return nil
	}
	p.closed = true
	_, err := p.ch.Transport().Write([]byte{pipeSuspendMarker})
	if err == nil {
		err = p.ch.Transport().Flush()
	}
	if !p.eof {
		p.ch.InputResume()
	}
	p.pool.ReleaseBatched(p.ch, true)
	return err
}
