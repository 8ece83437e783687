package pdport

import "time"

// TimerID is a logical timer of a port. The source sequencer timers are
// contiguous so that a phase can stop all of them with one StopRange.
type TimerID uint8

// Logical timers.
const (
	TimerSourceEnable TimerID = iota + 1
	TimerSourceMonitor
	TimerSourceHysteresis
	TimerSourceDisable
	TimerSourceDisableMonitor
	TimerSourceExtraDischarge
	TimerSinkDischarge
	TimerSinkDischargeTimeout
	TimerFaultRecovery
	TimerVConnRecovery
	TimerVConnOCPDebounce
	TimerInitiateSwap
	TimerCableDiscovery
	TimerDebugAccessory
)

// TimerKey identifies a timer across ports.
type TimerKey uint16

// Key returns the timer key of id on port.
func Key(port uint8, id TimerID) TimerKey {
	return TimerKey(port)<<8 | TimerKey(id)
}

// Port returns the port part of the key.
func (k TimerKey) Port() uint8 {
	return uint8(k >> 8)
}

// ID returns the logical timer part of the key.
func (k TimerKey) ID() TimerID {
	return TimerID(k & 0xff)
}

// TimerFunc is called when a timer expires.
type TimerFunc func(key TimerKey)

// TimerService schedules single shot callbacks. Starting a running timer
// restarts it with the new period and callback. Callbacks run from the
// control loop, never concurrently with each other.
type TimerService interface {
	Start(key TimerKey, period time.Duration, fn TimerFunc)
	Stop(key TimerKey)

	// StopRange stops every timer with lo <= key <= hi.
	StopRange(lo, hi TimerKey)
	IsRunning(key TimerKey) bool
}
