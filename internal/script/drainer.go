package script

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/srg/blehil/internal/groutine"
)

// OutputDrainer copies engine output to writers in the background.
type OutputDrainer struct {
	cancelOnce sync.Once
	stop       chan struct{}
	done       <-chan struct{}
}

// Cancel stops the drainer after it copied what is already buffered.
func (d *OutputDrainer) Cancel() {
	d.cancelOnce.Do(func() { close(d.stop) })
}

// Wait blocks until the drainer exited.
func (d *OutputDrainer) Wait() {
	<-d.done
}

// NewOutputDrainer starts copying records from output: stdout records to
// stdout, stderr records to stderr. Nil writers discard.
func NewOutputDrainer(ctx context.Context, output <-chan OutputRecord, logger *logrus.Logger, stdout, stderr io.Writer) *OutputDrainer {
	if stdout == nil {
		stdout = io.Discard
	}
	if stderr == nil {
		stderr = io.Discard
	}
	if logger == nil {
		logger = noopLogger
	}

	write := func(r OutputRecord) {
		w := stdout
		if r.Source == SourceStderr {
			w = stderr
		}
		if _, err := fmt.Fprint(w, r.Content); err != nil {
			logger.WithFields(logrus.Fields{"source": r.Source, "error": err}).Warn("Output drainer: write failed")
		}
	}

	// drain copies what is buffered right now; producers are done by then
	drain := func(reason string) {
		n := 0
		for {
			select {
			case r, ok := <-output:
				if !ok {
					return
				}
				write(r)
				n++
			default:
				logger.WithFields(logrus.Fields{"reason": reason, "drained": n}).Debug("Output drainer finished")
				return
			}
		}
	}

	d := &OutputDrainer{stop: make(chan struct{})}
	d.done = groutine.GoDone(ctx, "lua-output-drainer", func(ctx context.Context) {
		for {
			select {
			case r, ok := <-output:
				if !ok {
					return
				}
				write(r)
			case <-d.stop:
				drain("stop")
				return
			case <-ctx.Done():
				drain("context-done")
				return
			}
		}
	})
	return d
}
