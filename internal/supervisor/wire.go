package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/loykin/srvctl/internal/config"
	"github.com/loykin/srvctl/internal/history/factory"
	"github.com/loykin/srvctl/internal/launcher"
	"github.com/loykin/srvctl/internal/privilege"
	"github.com/loykin/srvctl/internal/proctree"
	"github.com/loykin/srvctl/internal/render"
	"github.com/loykin/srvctl/internal/signalbridge"
)

// NewGate returns the privilege gate configured by o.
func NewGate(o config.Options) privilege.Gate {
	if !o.Privilege.Enabled {
		return privilege.None{}
	}
	return privilege.NewSudo(o.Privilege.Command, o.Privilege.Probe)
}

// New wires a Supervisor from resolved options using the live process
// table. A configured history sink that cannot be opened is logged and
// skipped.
func New(ctx context.Context, o config.Options, logger *slog.Logger) (*Supervisor, error) {
	if logger == nil {
		logger = slog.Default()
	}
	gate := NewGate(o)

	provider := proctree.SystemProvider{}
	term := proctree.NewTerminator(provider)
	term.Grace = o.GracePeriod
	term.KillWait = o.KillWait
	term.Logger = logger

	self, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("locate srvctl executable: %w", err)
	}
	killer := SelectKiller(gate, term, &ExecKiller{Gate: gate, Self: self, Grace: o.GracePeriod, KillWait: o.KillWait})

	bridge := NewSignalBridge(signalbridge.New(killer, logger))

	s := &Supervisor{
		Gate:       gate,
		Launcher:   launcher.New(gate, o.Runtime, logger),
		Killer:     killer,
		Terminator: term,
		Bridge:     bridge,
		Provider:   provider,
		Renderer:   render.Renderer{ConfigDir: o.Render.ConfigDir, TemplatesDir: o.Render.TemplatesDir},
		RenderSets: RenderSets(o.Render),
		Out:        os.Stderr,
		Logger:     logger,
	}
	if o.HistoryDSN != "" {
		sink, err := factory.NewSinkFromDSN(ctx, o.HistoryDSN)
		if err != nil {
			logger.Warn("history disabled", "error", err)
		} else {
			s.History = sink
		}
	}
	return s, nil
}

type signalBridge struct{ b *signalbridge.Bridge }

// NewSignalBridge adapts b to the Bridge interface.
func NewSignalBridge(b *signalbridge.Bridge) Bridge { return signalBridge{b: b} }

func (s signalBridge) Arm() SignalWatch { return s.b.Arm() }

// RenderSets groups the configured render files by set name.
func RenderSets(rc config.RenderConfig) map[string][]render.File {
	sets := make(map[string][]render.File)
	for _, f := range rc.Files {
		sets[f.Set] = append(sets[f.Set], render.File{Name: f.Name, Vars: f.Vars})
	}
	return sets
}
