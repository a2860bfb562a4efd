package proctree

import (
	"context"
	"slices"

	gopsproc "github.com/shirou/gopsutil/v4/process"
)

// SystemProvider reads the live OS process table through gopsutil.
type SystemProvider struct{}

// Processes lists every visible process with its parent.
// Processes that exit while being inspected are skipped.
func (SystemProvider) Processes(ctx context.Context) ([]Proc, error) {
	ps, err := gopsproc.ProcessesWithContext(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]Proc, 0, len(ps))
	for _, p := range ps {
		ppid, err := p.PpidWithContext(ctx)
		if err != nil {
			continue
		}
		out = append(out, Proc{PID: int(p.Pid), PPID: int(ppid)})
	}
	return out, nil
}

// Signal delivers sig to pid.
func (SystemProvider) Signal(pid int, sig Signal) error {
	return sendSignal(pid, sig)
}

// Alive reports whether pid exists and is not a zombie.
func (SystemProvider) Alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	ctx := context.Background()
	ok, err := gopsproc.PidExistsWithContext(ctx, int32(pid))
	if err != nil || !ok {
		return false
	}
	p, err := gopsproc.NewProcessWithContext(ctx, int32(pid))
	if err != nil {
		return false
	}
	st, err := p.StatusWithContext(ctx)
	if err != nil {
		// exists but status unreadable (e.g. another user's process on darwin)
		return true
	}
	return !slices.Contains(st, gopsproc.Zombie)
}
