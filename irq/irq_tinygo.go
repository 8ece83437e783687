//go:build tinygo

package irq

import "runtime/interrupt"

// State is the interrupt state saved by Disable.
type State = interrupt.State

// Disable disables interrupts and returns the previous state.
func Disable() State {
	return interrupt.Disable()
}

// Restore restores the interrupt state.
func Restore(s State) {
	interrupt.Restore(s)
}
