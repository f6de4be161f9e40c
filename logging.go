package dirmi

import (
	"io"

	"github.com/joeycumines/logiface"
	stumpy "github.com/joeycumines/logiface-stumpy"
)

// Logger adapts a *logiface.Logger[*stumpy.Event] to the narrow Debugf/
// Warnf/Errorf interfaces each internal package (scheduler, chanpool,
// reclaim) declares for itself, so none of them need to depend on logiface's
// generic Event type parameter directly.
type Logger struct {
	*logiface.Logger[*stumpy.Event]
}

// NewLogger builds a Logger writing newline-delimited JSON to w via
// logiface-stumpy, at the given minimum level. A nil w defaults to os.Stderr
// (stumpy's own default).
func NewLogger(w io.Writer, level logiface.Level) Logger {
	opts := []logiface.Option[*stumpy.Event]{
		logiface.WithLevel(level),
	}
	if w != nil {
		opts = append(opts, stumpy.WithStumpy(stumpy.WithWriter(w)))
	} else {
		opts = append(opts, stumpy.WithStumpy())
	}
	return Logger{stumpy.L.New(opts...)}
}

func (l Logger) Debugf(format string, args ...any) { l.Logger.Debug().Logf(format, args...) }
func (l Logger) Warnf(format string, args ...any)  { l.Logger.Warning().Logf(format, args...) }
func (l Logger) Errorf(format string, args ...any) { l.Logger.Err().Logf(format, args...) }
