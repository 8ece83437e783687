// Package irq provides the critical sections the controller uses around
// state shared with edge handlers. On bare metal targets edge handlers run in
// interrupt context and a critical section masks interrupts. On regular Go
// the control loop is the only writer and a critical section is free.
package irq

// Critical runs fn with interrupts disabled.
func Critical(fn func()) {
	s := Disable()
	defer Restore(s)
	fn()
}
