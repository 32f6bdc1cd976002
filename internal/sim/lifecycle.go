package sim

import "time"

// Step is one automatic lifecycle transition.
type Step struct {
	Next  MachineStatus
	Delay time.Duration
}

// Lifecycle maps a status to the step that follows it. Statuses without an
// entry are stable.
type Lifecycle map[MachineStatus]Step

// removal is the pseudo status that deletes a machine from the map.
const removal MachineStatus = ""

// DefaultLifecycle returns the fixed transition table. A destroyed machine is
// removed 200ms after it reaches destroyed, 1s after the destroy call.
func DefaultLifecycle() Lifecycle {
	return Lifecycle{
		MachineCreated:    {Next: MachinePreparing, Delay: 500 * time.Millisecond},
		MachinePreparing:  {Next: MachineStarting, Delay: 1000 * time.Millisecond},
		MachineStarting:   {Next: MachineRunning, Delay: 1500 * time.Millisecond},
		MachineStopping:   {Next: MachineStopped, Delay: 1000 * time.Millisecond},
		MachineDestroying: {Next: MachineDestroyed, Delay: 800 * time.Millisecond},
		MachineDestroyed:  {Next: removal, Delay: 200 * time.Millisecond},
	}
}

// Stable reports whether s has no automatic follow-up.
func (l Lifecycle) Stable(s MachineStatus) bool {
	_, ok := l[s]
	return !ok
}

// eventFor is the event emitted when a machine enters s, if any.
func eventFor(s MachineStatus) (EventType, bool) {
	switch s {
	case MachineCreated:
		return EventMachineCreated, true
	case MachineStarting:
		return EventMachineStarting, true
	case MachineRunning:
		return EventMachineStarted, true
	case MachineStopping:
		return EventMachineStopping, true
	case MachineStopped:
		return EventMachineStopped, true
	case MachineDestroying:
		return EventMachineDestroying, true
	case MachineDestroyed:
		return EventMachineDestroyed, true
	}
	return "", false
}
