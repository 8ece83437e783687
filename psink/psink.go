// Package psink controls the VBUS power path of a sink port.
package psink

import (
	"log/slog"
	"time"

	"github.com/oxplot/go-pdport"
	"github.com/oxplot/go-pdport/internal/logging"
)

// Config holds the discharge timings of a sink.
type Config struct {
	// Discharge enables discharging VBUS to vSafe0V after the sink FET is
	// turned off.
	Discharge        bool
	DischargePoll    time.Duration
	DischargeTimeout time.Duration
}

// DefaultConfig returns the default sink configuration.
func DefaultConfig() Config {
	return Config{
		Discharge:        true,
		DischargePoll:    time.Millisecond,
		DischargeTimeout: 600 * time.Millisecond,
	}
}

// Sink is the power path controller of a sink port.
type Sink struct {
	port   uint8
	cfg    Config
	hal    pdport.PowerHAL
	engine pdport.ProtocolEngine
	timers pdport.TimerService
	status *pdport.PortStatus
	log    *slog.Logger

	ready func()
}

var _ pdport.PowerPathController = (*Sink)(nil)

// New returns the sink power path of port.
func New(port uint8, cfg Config, hal pdport.PowerHAL, engine pdport.ProtocolEngine, timers pdport.TimerService, status *pdport.PortStatus) *Sink {
	return &Sink{
		port:   port,
		cfg:    cfg,
		hal:    hal,
		engine: engine,
		timers: timers,
		status: status,
		log:    logging.NewNop(),
	}
}

// SetLogger sets the logger. nil disables logging.
func (s *Sink) SetLogger(l *slog.Logger) {
	s.log = logging.OrNop(l).With("port", s.port, "path", "sink")
}

func (s *Sink) key(id pdport.TimerID) pdport.TimerKey {
	return pdport.Key(s.port, id)
}

// Enable implements pdport.PowerPathController interface. mV is the
// negotiated voltage and only logged; the sink does not regulate.
func (s *Sink) Enable(mV uint16, ready func()) {
	if !s.engine.Status().DPMEnabled || s.status.FaultActive {
		s.log.Debug("sink enable rejected", "mv", mV)
		return
	}
	s.stop()
	s.hal.SetDischarge(false)
	s.hal.SetSinkFET(true)
	if ready != nil {
		ready()
	}
}

// Disable implements pdport.PowerPathController interface.
func (s *Sink) Disable(ready func()) {
	s.stop()
	s.hal.SetSinkFET(false)
	if !s.cfg.Discharge || ready == nil {
		if ready != nil {
			ready()
		}
		return
	}
	s.ready = ready
	s.hal.SetDischarge(true)
	s.timers.Start(s.key(pdport.TimerSinkDischargeTimeout), s.cfg.DischargeTimeout, s.onTimeout)
	s.timers.Start(s.key(pdport.TimerSinkDischarge), s.cfg.DischargePoll, s.onPoll)
}

// SetCurrentLimit implements pdport.PowerPathController interface. A sink
// has no current protection of its own.
func (s *Sink) SetCurrentLimit() {}

func (s *Sink) stop() {
	s.timers.StopRange(s.key(pdport.TimerSinkDischarge), s.key(pdport.TimerSinkDischargeTimeout))
	if r := s.ready; r != nil {
		s.ready = nil
		s.hal.SetDischarge(false)
		r()
	}
}

func (s *Sink) onPoll(pdport.TimerKey) {
	if s.hal.VBusPresent(pdport.VSafe0, 0) {
		s.timers.Start(s.key(pdport.TimerSinkDischarge), s.cfg.DischargePoll, s.onPoll)
		return
	}
	s.timers.Stop(s.key(pdport.TimerSinkDischargeTimeout))
	s.finish()
}

func (s *Sink) onTimeout(pdport.TimerKey) {
	s.timers.Stop(s.key(pdport.TimerSinkDischarge))
	s.log.Warn("sink discharge timed out", "measured", s.hal.MeasureVBus())
	s.finish()
}

func (s *Sink) finish() {
	s.hal.SetDischarge(false)
	if r := s.ready; r != nil {
		s.ready = nil
		r()
	}
}
