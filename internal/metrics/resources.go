package metrics

import (
	"context"

	"github.com/shirou/gopsutil/v4/process"
)

// Usage is the aggregated resource usage of a set of processes.
type Usage struct {
	Processes  int
	RSSBytes   uint64
	CPUPercent float64
	NumThreads int32
}

// TreeUsage sums memory, CPU and threads over pids. Processes that vanish
// while being inspected are skipped.
func TreeUsage(ctx context.Context, pids []int) Usage {
	var u Usage
	for _, pid := range pids {
		p, err := process.NewProcessWithContext(ctx, int32(pid))
		if err != nil {
			continue
		}
		mem, err := p.MemoryInfoWithContext(ctx)
		if err != nil {
			continue
		}
		u.Processes++
		u.RSSBytes += mem.RSS
		if cpu, err := p.CPUPercentWithContext(ctx); err == nil {
			u.CPUPercent += cpu
		}
		if n, err := p.NumThreadsWithContext(ctx); err == nil {
			u.NumThreads += n
		}
	}
	return u
}
