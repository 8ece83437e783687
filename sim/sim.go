// Package sim runs port controllers against simulated hardware and partners.
// Each port gets a board modelling VBUS and the sense amplifiers, the
// periphhal HAL on top of the board's pins and an engine standing in for
// the protocol engine and the device on the other end of the cable.
package sim

import (
	"fmt"
	"log/slog"

	"github.com/oxplot/go-pdport"
	"github.com/oxplot/go-pdport/app"
	"github.com/oxplot/go-pdport/config"
	"github.com/oxplot/go-pdport/internal/logging"
	"github.com/oxplot/go-pdport/pdmsg"
	"github.com/oxplot/go-pdport/periphhal"
	"github.com/oxplot/go-pdport/swtimer"
)

// Sim is a set of simulated ports on one control loop.
type Sim struct {
	Timers  *swtimer.Service
	Manager *app.Manager

	engines []*Engine
	hals    []*periphhal.HAL
}

// New builds the simulation described by cfg, which must be validated and
// normalized. sol receives the forwarded events of every port and may be
// nil.
func New(cfg *config.Config, clock swtimer.Clock, sol pdport.Solution) (*Sim, error) {
	if clock == nil {
		clock = swtimer.SystemClock{}
	}
	s := &Sim{Timers: swtimer.New(clock)}

	var ports []*app.Port
	var tasks []app.Tasker
	for i := range cfg.Ports {
		pc := &cfg.Ports[i]
		ac := pc.App()

		pdos, err := sourcePDOs(pc.SourcePDOs, ac.Caps)
		if err != nil {
			return nil, fmt.Errorf("sim: port %d: %w", pc.Index, err)
		}

		board := NewBoard(clock, DefaultBoardConfig())
		hal := periphhal.New(board.Pins(), HALConfig())
		eng := NewEngine(pc.Index, ac.Caps, pdos, partner(pc.Partner), board, clock)
		if pc.Partner == nil {
			eng.Unplug()
		}
		port := app.NewPort(pc.Index, ac, hal, eng, s.Timers, sol)
		eng.SetPort(port)

		ports = append(ports, port)
		tasks = append(tasks, board, hal, eng)
		s.engines = append(s.engines, eng)
		s.hals = append(s.hals, hal)
	}

	s.Manager = app.NewManager(s.Timers, ports...)
	for _, t := range tasks {
		s.Manager.AddTask(t)
	}
	return s, nil
}

// SetLogger sets the logger of every component. nil disables logging.
func (s *Sim) SetLogger(l *slog.Logger) {
	l = logging.OrNop(l)
	s.Manager.SetLogger(l)
	for i, p := range s.Manager.Ports() {
		p.SetLogger(l)
		s.engines[i].SetLogger(l)
		s.hals[i].SetLogger(l.With("port", p.Index()))
	}
}

// SetObserver sets the observer of every port.
func (s *Sim) SetObserver(o pdport.Observer) {
	for _, p := range s.Manager.Ports() {
		p.SetObserver(o)
	}
}

// Engine returns the engine of port i or nil.
func (s *Sim) Engine(i uint8) *Engine {
	for _, e := range s.engines {
		if e.index == i {
			return e
		}
	}
	return nil
}

// Engines returns the engines in port order.
func (s *Sim) Engines() []*Engine {
	return s.engines
}

// Err returns the first pin error of any port.
func (s *Sim) Err() error {
	for _, h := range s.hals {
		if err := h.Err(); err != nil {
			return err
		}
	}
	return nil
}

// sourcePDOs returns the fixed supplies of cfg. The first one carries the
// role flags of the port.
func sourcePDOs(cfg []config.PDOConfig, caps pdport.Capabilities) ([]pdmsg.PDO, error) {
	if len(cfg) > pdmsg.MaxDataObjects {
		return nil, fmt.Errorf("%d source PDOs, at most %d fit in a message", len(cfg), pdmsg.MaxDataObjects)
	}
	pdos := make([]pdmsg.PDO, 0, len(cfg))
	for i, c := range cfg {
		fs := pdmsg.FixedSupply(c.VoltageMV, c.MaxCurrentMA)
		if i == 0 {
			fs.SetDualRolePower(caps.Source && caps.Sink)
			fs.SetDualRoleData(caps.RoleSwaps)
			fs.SetUnconstrainedPower(true)
		}
		pdos = append(pdos, pdmsg.PDO(fs))
	}
	return pdos, nil
}

func partner(c *config.PartnerConfig) Partner {
	if c == nil {
		return Partner{}
	}
	p := Partner{
		Source:      c.Role == "source",
		Voltage:     c.VoltageMV,
		Current:     c.CurrentMA,
		EMCA:        c.EMCA,
		AttachAfter: c.AttachAfter,
	}
	switch c.DataRole {
	case "dfp":
		p.DataRole = pdport.PreferDFP
	case "ufp":
		p.DataRole = pdport.PreferUFP
	}
	return p
}
