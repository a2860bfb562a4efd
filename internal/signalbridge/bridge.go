// Package signalbridge turns the first interrupt received by an attached
// supervisor into exactly one process-tree termination.
package signalbridge

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/loykin/srvctl/internal/proctree"
)

// ErrInterrupted is returned after a signal led to a successful tree termination.
var ErrInterrupted = errors.New("interrupted")

// Terminator kills a process tree.
type Terminator interface {
	TerminateTree(ctx context.Context, pid int) error
}

// Bridge relays SIGINT/SIGTERM to a Terminator.
type Bridge struct {
	Terminator Terminator
	Out        io.Writer // receives the manual kill hint on permission failure
	Logger     *slog.Logger

	notify func(chan<- os.Signal, ...os.Signal)
	stop   func(chan<- os.Signal)
}

// New returns a Bridge subscribed to the process signals.
func New(t Terminator, logger *slog.Logger) *Bridge {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bridge{Terminator: t, Out: os.Stderr, Logger: logger}
}

// Watch is a live signal subscription. Signals that arrive before Run is
// called are buffered and acted on once Run knows the pid.
type Watch struct {
	b     *Bridge
	sigCh chan os.Signal
	quit  chan struct{}
	drain sync.WaitGroup
	once  sync.Once
}

// Arm subscribes to SIGINT and SIGTERM. It must be called before the child
// is spawned so no interrupt falls through to the default handler; the
// returned Watch must be disarmed.
func (b *Bridge) Arm() *Watch {
	notify := b.notify
	if notify == nil {
		notify = signal.Notify
	}
	w := &Watch{b: b, sigCh: make(chan os.Signal, 4), quit: make(chan struct{})}
	notify(w.sigCh, os.Interrupt, syscall.SIGTERM)
	return w
}

// Disarm releases the subscription. It is safe to call more than once.
func (w *Watch) Disarm() {
	w.once.Do(func() {
		stop := w.b.stop
		if stop == nil {
			stop = signal.Stop
		}
		stop(w.sigCh)
		close(w.quit)
		w.drain.Wait()
	})
}

// Run waits until done is closed or a signal arrives. It returns nil when the
// child finished on its own, ErrInterrupted when the first signal terminated
// the tree, or the terminator's error. Signals after the first are swallowed
// until Disarm.
func (w *Watch) Run(ctx context.Context, pid int, done <-chan struct{}) error {
	b := w.b
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case sig := <-w.sigCh:
		w.drain.Add(1)
		go func() {
			defer w.drain.Done()
			for {
				select {
				case s := <-w.sigCh:
					b.logger().Debug("ignoring repeated signal", "signal", s.String())
				case <-w.quit:
					return
				}
			}
		}()
		b.logger().Info("received signal, terminating server tree", "signal", sig.String(), "pid", pid)
		err := b.Terminator.TerminateTree(context.WithoutCancel(ctx), pid)
		if err != nil {
			if errors.Is(err, proctree.ErrPermissionDenied) {
				_, _ = fmt.Fprintf(b.out(), "insufficient permission to stop process tree %d; run manually:\n  %s\n",
					pid, proctree.ManualCommand(pid))
			}
			return fmt.Errorf("terminate tree %d: %w", pid, err)
		}
		return ErrInterrupted
	}
}

// Run arms the bridge and waits on it; see Watch.Run.
func (b *Bridge) Run(ctx context.Context, pid int, done <-chan struct{}) error {
	w := b.Arm()
	defer w.Disarm()
	return w.Run(ctx, pid, done)
}

func (b *Bridge) logger() *slog.Logger {
	if b.Logger == nil {
		return slog.Default()
	}
	return b.Logger
}

func (b *Bridge) out() io.Writer {
	if b.Out == nil {
		return os.Stderr
	}
	return b.Out
}
