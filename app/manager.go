package app

import (
	"context"
	"log/slog"
	"time"

	"github.com/oxplot/go-pdport"
	"github.com/oxplot/go-pdport/internal/logging"
)

// TimerDispatcher is a timer service driven by the control loop.
type TimerDispatcher interface {
	pdport.TimerService

	// Dispatch runs the callbacks of expired timers and returns how many ran.
	Dispatch() int
}

// Tasker is implemented by anything else that must run on the control loop,
// such as a protocol engine or a polled HAL.
type Tasker interface {
	Task()
}

// TaskerFunc is an adapter to allow the use of ordinary functions as Tasker.
type TaskerFunc func()

// Task implements Tasker interface.
func (f TaskerFunc) Task() {
	f()
}

// Manager runs the control loop of a set of ports sharing one timer
// service.
type Manager struct {
	timers TimerDispatcher
	ports  []*Port
	tasks  []Tasker
	log    *slog.Logger
}

// NewManager creates a manager for ports. The ports must have been created
// with timers as their timer service.
func NewManager(timers TimerDispatcher, ports ...*Port) *Manager {
	return &Manager{
		timers: timers,
		ports:  ports,
		log:    logging.NewNop(),
	}
}

// SetLogger sets the logger. nil disables logging.
func (m *Manager) SetLogger(l *slog.Logger) {
	m.log = logging.OrNop(l)
}

// AddTask registers t to run on every loop iteration before the ports.
func (m *Manager) AddTask(t Tasker) {
	m.tasks = append(m.tasks, t)
}

// Ports returns the managed ports.
func (m *Manager) Ports() []*Port {
	return m.ports
}

// Port returns port i or nil if there is no such port.
func (m *Manager) Port(i uint8) *Port {
	for _, p := range m.ports {
		if p.Index() == i {
			return p
		}
	}
	return nil
}

// Task runs one iteration of the control loop: the registered tasks, the
// expired timers and then every port. It never blocks.
func (m *Manager) Task() {
	for _, t := range m.tasks {
		t.Task()
	}
	m.timers.Dispatch()
	for _, p := range m.ports {
		p.Task()
	}
}

// SleepAllowed returns false while any port still has a port disable to
// issue.
func (m *Manager) SleepAllowed() bool {
	for _, p := range m.ports {
		if p.status.Fault.Has(pdport.FaultSinkActive) {
			return false
		}
	}
	return true
}

// Run runs the control loop until ctx is done. Only one call to Run must be
// in progress at any given time.
func (m *Manager) Run(ctx context.Context) {
	const loopSleepDuration = 3 * time.Millisecond
	m.log.Info("control loop started", "ports", len(m.ports))
	for {
		select {
		case <-ctx.Done():
			m.log.Info("control loop stopped")
			return
		default:
		}
		m.Task()
		time.Sleep(loopSleepDuration)
	}
}
