package codec

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"runtime"
	"strings"

	"github.com/joeycumines/go-dirmi/wire"
)

// PruneServerStackTraces controls whether WriteThrowable truncates captured
// stack frames at the dispatch boundary before sending them to the peer,
// per spec.md §6/§9. It is read each time WriteThrowable captures a stack;
// sessions do not snapshot it, so a change applies to the next Throwable
// written by any session.
var PruneServerStackTraces = true

// dispatchFrameMarker is the file-path suffix WriteThrowable's stack capture
// truncates at: the stubsupport package's own dispatch entrypoint. Frames
// below dispatch (the skeleton body that actually threw) are kept; frames
// above it (channel-pool plumbing, the scheduler's worker loop) are pruned,
// per spec.md §4.4.
var dispatchFrameMarker = "stubsupport/skeleton.go"

// SetDispatchFrameMarker overrides the file suffix used for stack pruning.
// Exercised by stubsupport at init so codec doesn't import it directly (it
// would be a cyclic import: stubsupport depends on codec for marshalling).
func SetDispatchFrameMarker(suffix string) { dispatchFrameMarker = suffix }

// CauseFrame is one entry in a decoded Throwable's cause chain, nearest
// cause first, per spec.md §4.4.
type CauseFrame struct {
	ClassName string
	Message   string
	Stack     []string
}

// Throwable is the decoded form of a peer failure, carrying the full cause
// chain plus the locally reconstructed head cause via the object graph.
type Throwable struct {
	LocalAddr  string
	RemoteAddr string
	Chain      []CauseFrame
	Cause      any // object-graph-deserialized head throwable, may be nil
}

func (t *Throwable) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "remote error (local=%s remote=%s)", t.LocalAddr, t.RemoteAddr)
	for _, c := range t.Chain {
		fmt.Fprintf(&b, ": %s: %s", c.ClassName, c.Message)
	}
	return b.String()
}

// WriteThrowable encodes err's cause chain (via errors.Unwrap) plus a final
// object-graph serialization of err itself, per spec.md §4.4's Throwable
// transport.
func WriteThrowable(w *wire.Writer, localAddr, remoteAddr string, err error) error {
	if err := w.PutByte(1); err != nil { // NOT_NULL tag
		return err
	}
	if err := w.PutString(localAddr); err != nil {
		return err
	}
	if err := w.PutString(remoteAddr); err != nil {
		return err
	}

	chain := unwindChain(err)
	if err := w.PutVarUint(uint32(len(chain))); err != nil {
		return err
	}
	for _, c := range chain {
		if err := w.PutString(c.ClassName); err != nil {
			return err
		}
		if err := w.PutString(c.Message); err != nil {
			return err
		}
		if err := w.PutVarUint(uint32(len(c.Stack))); err != nil {
			return err
		}
		for _, frame := range c.Stack {
			if err := w.PutString(frame); err != nil {
				return err
			}
		}
	}

	var buf bytes.Buffer
	if gobErr := gob.NewEncoder(&buf).Encode(&err); gobErr != nil {
		// The head throwable isn't gob-registered/encodable: fall back to a
		// nil payload rather than failing the whole failure report.
		return w.PutNullBytes()
	}
	return w.PutBytes(buf.Bytes())
}

// WriteNullThrowable writes the NULL sentinel, for a response frame that
// completed normally.
func WriteNullThrowable(w *wire.Writer) error { return w.PutByte(0) }

// ReadThrowable decodes a Throwable frame previously written by
// WriteThrowable, or reports ok=false for a NULL sentinel.
func ReadThrowable(r *wire.Reader) (t *Throwable, ok bool, err error) {
	tag, err := r.GetByte()
	if err != nil {
		return nil, false, err
	}
	if tag == 0 {
		return nil, false, nil
	}

	localAddr, _, err := r.GetString()
	if err != nil {
		return nil, false, err
	}
	remoteAddr, _, err := r.GetString()
	if err != nil {
		return nil, false, err
	}

	n, err := r.GetVarUint()
	if err != nil {
		return nil, false, err
	}
	chain := make([]CauseFrame, 0, n)
	for i := uint32(0); i < n; i++ {
		className, _, err := r.GetString()
		if err != nil {
			return nil, false, err
		}
		message, _, err := r.GetString()
		if err != nil {
			return nil, false, err
		}
		nf, err := r.GetVarUint()
		if err != nil {
			return nil, false, err
		}
		stack := make([]string, 0, nf)
		for j := uint32(0); j < nf; j++ {
			frame, _, err := r.GetString()
			if err != nil {
				return nil, false, err
			}
			stack = append(stack, frame)
		}
		chain = append(chain, CauseFrame{ClassName: className, Message: message, Stack: stack})
	}

	raw, hasCause, err := r.GetBytes()
	if err != nil {
		return nil, false, err
	}
	var cause any
	if hasCause {
		if decErr := gob.NewDecoder(bytes.NewReader(raw)).Decode(&cause); decErr != nil {
			cause = nil
		}
	}

	return &Throwable{LocalAddr: localAddr, RemoteAddr: remoteAddr, Chain: chain, Cause: cause}, true, nil
}

func unwindChain(err error) []CauseFrame {
	var chain []CauseFrame
	stack := captureStack()
	for err != nil {
		chain = append(chain, CauseFrame{
			ClassName: classNameOf(err),
			Message:   err.Error(),
			Stack:     stack,
		})
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			break
		}
		err = u.Unwrap()
		stack = nil // only the deepest frame's dispatch-local stack is meaningful
	}
	return chain
}

func classNameOf(err error) string {
	return fmt.Sprintf("%T", err)
}

// captureStack walks the caller's stack, pruning everything at or above the
// dispatch boundary when PruneServerStackTraces is set.
func captureStack() []string {
	pc := make([]uintptr, 64)
	n := runtime.Callers(3, pc)
	frames := runtime.CallersFrames(pc[:n])
	var out []string
	for {
		f, more := frames.Next()
		if PruneServerStackTraces && strings.HasSuffix(f.File, dispatchFrameMarker) {
			break
		}
		out = append(out, fmt.Sprintf("%s (%s:%d)", f.Function, f.File, f.Line))
		if !more {
			break
		}
	}
	return out
}
