package proctree

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// Default termination timings.
const (
	DefaultGrace    = 5 * time.Second
	DefaultKillWait = 2 * time.Second
	DefaultPoll     = 50 * time.Millisecond
)

// Terminator signals a whole process tree: TERM first, KILL for anything
// still alive once the grace period is over.
type Terminator struct {
	Provider Provider
	Grace    time.Duration
	KillWait time.Duration
	Poll     time.Duration
	Logger   *slog.Logger
}

// NewTerminator returns a Terminator with default timings.
func NewTerminator(p Provider) *Terminator {
	return &Terminator{Provider: p, Grace: DefaultGrace, KillWait: DefaultKillWait, Poll: DefaultPoll}
}

// TerminateTree terminates root and every descendant. A tree that is
// already gone is a success, so the call is idempotent.
func (t *Terminator) TerminateTree(ctx context.Context, root int) error {
	if root <= 0 {
		return fmt.Errorf("%w: %d", ErrInvalidPID, root)
	}
	log := t.logger()

	members, err := t.snapshot(ctx, []int{root})
	if err != nil {
		return err
	}
	live := t.alive(members)
	if len(live) == 0 {
		log.Info("Process tree already gone", "root", root)
		return nil
	}
	log.Info("Terminating process tree", "root", root, "members", live)

	if err := t.signalAll(live, SignalTerm); err != nil {
		return err
	}
	remaining, err := t.waitGone(ctx, live, valOr(t.Grace, DefaultGrace))
	if err != nil {
		return err
	}

	// children forked while the tree was shutting down
	if extra, err := t.snapshot(ctx, live); err == nil {
		remaining = union(remaining, t.alive(extra))
	} else {
		log.Debug("Failed to rescan process table", "error", err)
	}
	if len(remaining) == 0 {
		return nil
	}

	log.Warn("Grace period elapsed, killing survivors", "root", root, "pids", remaining)
	if err := t.signalAll(remaining, SignalKill); err != nil {
		return err
	}
	remaining, err = t.waitGone(ctx, remaining, valOr(t.KillWait, DefaultKillWait))
	if err != nil {
		return err
	}
	if len(remaining) > 0 {
		return fmt.Errorf("%w: %v", ErrSurvivors, remaining)
	}
	return nil
}

func (t *Terminator) snapshot(ctx context.Context, roots []int) ([]int, error) {
	procs, err := t.Provider.Processes(ctx)
	if err != nil {
		return nil, fmt.Errorf("list processes: %w", err)
	}
	return collect(children(procs), roots), nil
}

func (t *Terminator) alive(pids []int) []int {
	out := make([]int, 0, len(pids))
	for _, pid := range pids {
		if t.Provider.Alive(pid) {
			out = append(out, pid)
		}
	}
	return out
}

// signalAll signals every pid, root first. Vanished processes are skipped;
// a refused signal fails the call after the remaining pids were tried.
func (t *Terminator) signalAll(pids []int, sig Signal) error {
	var denied []int
	var other error
	for _, pid := range pids {
		err := t.Provider.Signal(pid, sig)
		switch {
		case err == nil, errors.Is(err, ErrProcessNotFound):
		case errors.Is(err, ErrPermissionDenied):
			denied = append(denied, pid)
		default:
			if other == nil {
				other = fmt.Errorf("signal %s to %d: %w", sig, pid, err)
			}
		}
	}
	if len(denied) > 0 {
		return fmt.Errorf("%w: signal %s to %v", ErrPermissionDenied, sig, denied)
	}
	return other
}

func (t *Terminator) waitGone(ctx context.Context, pids []int, d time.Duration) ([]int, error) {
	poll := valOr(t.Poll, DefaultPoll)
	deadline := time.Now().Add(d)
	remaining := t.alive(pids)
	for len(remaining) > 0 && time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return remaining, ctx.Err()
		case <-time.After(poll):
		}
		remaining = t.alive(remaining)
	}
	return remaining, nil
}

func (t *Terminator) logger() *slog.Logger {
	if t.Logger != nil {
		return t.Logger
	}
	return slog.Default()
}

func union(a, b []int) []int {
	seen := make(map[int]bool, len(a)+len(b))
	out := make([]int, 0, len(a)+len(b))
	for _, s := range [][]int{a, b} {
		for _, v := range s {
			if !seen[v] {
				seen[v] = true
				out = append(out, v)
			}
		}
	}
	return out
}

func valOr(v, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}
