package pdport

// Observer is notified of controller activity worth monitoring. Calls are
// made from the control loop and must not block.
type Observer interface {
	FaultCounted(port uint8, t FaultType, count uint8)
	FaultEscalated(port uint8, t FaultType)
	PortDisabled(port uint8)
	SwapResolved(port uint8, s Swap, r Response)
	EventDispatched(port uint8, e Event, forwarded bool)
}

// NopObserver ignores every notification.
type NopObserver struct{}

// FaultCounted implements Observer interface.
func (NopObserver) FaultCounted(uint8, FaultType, uint8) {}

// FaultEscalated implements Observer interface.
func (NopObserver) FaultEscalated(uint8, FaultType) {}

// PortDisabled implements Observer interface.
func (NopObserver) PortDisabled(uint8) {}

// SwapResolved implements Observer interface.
func (NopObserver) SwapResolved(uint8, Swap, Response) {}

// EventDispatched implements Observer interface.
func (NopObserver) EventDispatched(uint8, Event, bool) {}
