// Package proctree terminates a process together with every process it
// transitively spawned.
//
// Process-table access sits behind Provider so the traversal and the
// TERM → grace → KILL policy can be exercised against a synthetic tree.
package proctree

import (
	"context"
	"errors"
	"sort"
	"strconv"
)

var (
	// ErrProcessNotFound reports that a process no longer exists.
	// TerminateTree treats it as success.
	ErrProcessNotFound = errors.New("process not found")
	// ErrPermissionDenied reports that a signal was refused by the OS.
	ErrPermissionDenied = errors.New("permission denied")
	// ErrSurvivors is returned when members of the tree outlive the kill wait.
	ErrSurvivors = errors.New("processes survived termination")
	// ErrInvalidPID is returned for non-positive root PIDs.
	ErrInvalidPID = errors.New("invalid pid")
)

// Signal is the platform independent termination signal.
type Signal int

const (
	// SignalTerm asks a process to exit.
	SignalTerm Signal = iota
	// SignalKill forces a process to exit.
	SignalKill
)

func (s Signal) String() string {
	switch s {
	case SignalTerm:
		return "TERM"
	case SignalKill:
		return "KILL"
	default:
		return "SIG(" + strconv.Itoa(int(s)) + ")"
	}
}

// Proc is one entry of the process table.
type Proc struct {
	PID  int
	PPID int
}

// Provider is the process-table capability used by Terminator.
type Provider interface {
	// Processes returns a snapshot of the live process table.
	Processes(ctx context.Context) ([]Proc, error)
	// Signal delivers sig to pid. It returns ErrProcessNotFound or
	// ErrPermissionDenied (possibly wrapped) for those conditions.
	Signal(pid int, sig Signal) error
	// Alive reports whether pid is still running. Zombies are not alive.
	Alive(pid int) bool
}

// Tree returns root followed by all of its descendants in breadth-first
// order. root is included even when it is absent from procs.
func Tree(procs []Proc, root int) []int {
	return collect(children(procs), []int{root})
}

// Descendants returns the descendants of root, excluding root itself.
func Descendants(procs []Proc, root int) []int {
	t := Tree(procs, root)
	return t[1:]
}

// ManualCommand is the command an operator can run when automatic
// termination is refused.
func ManualCommand(pid int) string {
	return "sudo kill -TERM -" + strconv.Itoa(pid)
}

func children(procs []Proc) map[int][]int {
	m := make(map[int][]int, len(procs))
	for _, p := range procs {
		if p.PID <= 0 || p.PID == p.PPID {
			continue
		}
		m[p.PPID] = append(m[p.PPID], p.PID)
	}
	for k := range m {
		sort.Ints(m[k])
	}
	return m
}

func collect(adj map[int][]int, roots []int) []int {
	seen := make(map[int]bool, len(roots))
	out := make([]int, 0, len(roots))
	queue := make([]int, 0, len(roots))
	for _, r := range roots {
		if !seen[r] {
			seen[r] = true
			queue = append(queue, r)
		}
	}
	for len(queue) > 0 {
		pid := queue[0]
		queue = queue[1:]
		out = append(out, pid)
		for _, c := range adj[pid] {
			if !seen[c] {
				seen[c] = true
				queue = append(queue, c)
			}
		}
	}
	return out
}
