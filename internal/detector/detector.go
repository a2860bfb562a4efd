// Package detector answers whether a recorded server process is still
// running and reports basic facts about it.
package detector

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	gopsproc "github.com/shirou/gopsutil/v4/process"

	"github.com/loykin/srvctl/internal/pidfile"
)

// Detector is a strategy that determines if a process is running.
// It must be safe for concurrent use.
type Detector interface {
	// Alive returns true if the process is detected as running.
	Alive() (bool, error)
	// Describe returns a human-readable description of the detection method.
	Describe() string
}

// PIDDetector detects by a provided PID number.
type PIDDetector struct{ PID int }

func (d PIDDetector) Alive() (bool, error) { return pidAlive(d.PID), nil }
func (d PIDDetector) Describe() string     { return fmt.Sprintf("pid:%d", d.PID) }

// PIDFileDetector detects a process via a PID file.
// A missing or unparsable file means "not running", not an error.
type PIDFileDetector struct {
	PIDFile string
}

func (d PIDFileDetector) Alive() (bool, error) {
	pid, err := pidfile.Read(d.PIDFile)
	if err != nil {
		if errors.Is(err, pidfile.ErrNoPIDFile) || errors.Is(err, pidfile.ErrInvalidPID) {
			return false, nil
		}
		return false, err
	}
	return pidAlive(pid), nil
}

func (d PIDFileDetector) Describe() string { return "pidfile:" + d.PIDFile }

// Info describes a live process.
type Info struct {
	PID       int
	StartedAt time.Time
	Command   string
}

// Inspect returns Info for pid. StartedAt is zero when unavailable.
func Inspect(ctx context.Context, pid int) (Info, error) {
	if !pidAlive(pid) {
		return Info{}, fmt.Errorf("process %d not running", pid)
	}
	info := Info{PID: pid}
	if ts := getProcStartUnix(pid); ts > 0 {
		info.StartedAt = time.Unix(ts, 0)
	}
	p, err := gopsproc.NewProcessWithContext(ctx, int32(pid))
	if err != nil {
		return info, nil
	}
	if args, err := p.CmdlineSliceWithContext(ctx); err == nil && len(args) > 0 {
		info.Command = strings.Join(args, " ")
	} else if name, err := p.NameWithContext(ctx); err == nil {
		info.Command = name
	}
	return info, nil
}
