package model

import "time"

// ClassMachine is the registered class name of Machine.
const ClassMachine = "machine"

func init() {
	Register(ClassMachine, func() Object { return &Machine{} })
}

// MachineState is the lifecycle state of a managed compute instance.
type MachineState string

const (
	MachineStateStopped   MachineState = "stopped"
	MachineStateRunning   MachineState = "running"
	MachineStateSuspended MachineState = "suspended"
)

// Valid reports whether the state is one of the known lifecycle states.
func (s MachineState) Valid() bool {
	switch s {
	case MachineStateStopped, MachineStateRunning, MachineStateSuspended:
		return true
	default:
		return false
	}
}

// Machine is a managed compute instance in the object graph.
type Machine struct {
	Persistent

	Hostname  string       `json:"hostname"`
	State     MachineState `json:"state"`
	CPUs      int          `json:"cpus"`
	MemoryMB  int64        `json:"memory_mb"`
	Tags      []string     `json:"tags,omitempty"`
	CreatedAt time.Time    `json:"created_at"`
}

// NewMachine returns a stopped machine with the given shape.
func NewMachine(hostname string, cpus int, memoryMB int64) *Machine {
	return &Machine{
		Hostname:  hostname,
		State:     MachineStateStopped,
		CPUs:      cpus,
		MemoryMB:  memoryMB,
		CreatedAt: time.Now().UTC(),
	}
}

// Class implements Object.
func (m *Machine) Class() string {
	return ClassMachine
}
