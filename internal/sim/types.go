package sim

import "time"

// Resources is a CPU/memory/network triple. It is used both for node capacity
// and for machine requests.
type Resources struct {
	CPU     int `json:"cpu_mhz" yaml:"cpu_mhz"`
	Memory  int `json:"memory_mb" yaml:"memory_mb"`
	Network int `json:"network_interfaces" yaml:"network_interfaces"`
}

// Fits reports whether r fits inside avail in all three dimensions.
func (r Resources) Fits(avail Resources) bool {
	return r.CPU <= avail.CPU && r.Memory <= avail.Memory && r.Network <= avail.Network
}

func (r Resources) Add(o Resources) Resources {
	return Resources{CPU: r.CPU + o.CPU, Memory: r.Memory + o.Memory, Network: r.Network + o.Network}
}

func (r Resources) Sub(o Resources) Resources {
	return Resources{CPU: r.CPU - o.CPU, Memory: r.Memory - o.Memory, Network: r.Network - o.Network}
}

// Vec3 is a render position. The simulator computes it, it never reads it.
type Vec3 struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

type NodeStatus string

const (
	NodeHealthy   NodeStatus = "healthy"
	NodeLimited   NodeStatus = "limited"
	NodeExhausted NodeStatus = "exhausted"
	NodeOffline   NodeStatus = "offline"
)

type MachineStatus string

const (
	MachineCreated    MachineStatus = "created"
	MachinePreparing  MachineStatus = "preparing"
	MachineStarting   MachineStatus = "starting"
	MachineRunning    MachineStatus = "running"
	MachineStopping   MachineStatus = "stopping"
	MachineStopped    MachineStatus = "stopped"
	MachineDestroying MachineStatus = "destroying"
	MachineDestroyed  MachineStatus = "destroyed"
)

// MachineStatuses lists every lifecycle status in lifecycle order.
var MachineStatuses = []MachineStatus{
	MachineCreated, MachinePreparing, MachineStarting, MachineRunning,
	MachineStopping, MachineStopped, MachineDestroying, MachineDestroyed,
}

// Holds reports whether a machine in status s still reserves node resources.
func (s MachineStatus) Holds() bool {
	return s != MachineDestroying && s != MachineDestroyed
}

type EventType string

const (
	EventMachineCreated    EventType = "machine_created"
	EventMachineStarting   EventType = "machine_starting"
	EventMachineStarted    EventType = "machine_started"
	EventMachineStopping   EventType = "machine_stopping"
	EventMachineStopped    EventType = "machine_stopped"
	EventMachineDestroying EventType = "machine_destroying"
	EventMachineDestroyed  EventType = "machine_destroyed"
)

// Region is a static grouping of nodes.
type Region struct {
	ID       string   `json:"id"`
	Name     string   `json:"name"`
	Position Vec3     `json:"position"`
	NodeIDs  []string `json:"node_ids"`
}

// Node is a simulated compute host.
type Node struct {
	ID        string     `json:"id"`
	Name      string     `json:"name"`
	Region    string     `json:"region"`
	Total     Resources  `json:"total"`
	Available Resources  `json:"available"`
	Used      Resources  `json:"used"`
	Status    NodeStatus `json:"status"`
	Offline   bool       `json:"offline"`
	Machines  int        `json:"machines"`
	Position  Vec3       `json:"position"`
}

// Usage returns max(cpuUsed/cpuTotal, memUsed/memTotal).
func (n *Node) Usage() float64 {
	var cpu, mem float64
	if n.Total.CPU > 0 {
		cpu = float64(n.Used.CPU) / float64(n.Total.CPU)
	}
	if n.Total.Memory > 0 {
		mem = float64(n.Used.Memory) / float64(n.Total.Memory)
	}
	if cpu > mem {
		return cpu
	}
	return mem
}

// Machine is a simulated workload placed on a node.
type Machine struct {
	ID        string        `json:"id"`
	Name      string        `json:"name"`
	Namespace string        `json:"namespace"`
	Fleet     string        `json:"fleet"`
	NodeID    string        `json:"node_id"`
	Region    string        `json:"region"`
	Status    MachineStatus `json:"status"`
	Image     string        `json:"image"`
	Resources Resources     `json:"resources"`
	CreatedAt time.Time     `json:"created_at"`
	UpdatedAt time.Time     `json:"updated_at"`
	Position  Vec3          `json:"position"`
}

// MachineEvent is an immutable log record.
type MachineEvent struct {
	ID        string    `json:"id"`
	MachineID string    `json:"machine_id"`
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Message   string    `json:"message"`
}

// ClusterStats is a reduction over all nodes and machines.
type ClusterStats struct {
	Regions         int                   `json:"regions"`
	Nodes           int                   `json:"nodes"`
	Machines        int                   `json:"machines"`
	RunningMachines int                   `json:"running_machines"`
	TotalCPU        int                   `json:"total_cpu_mhz"`
	UsedCPU         int                   `json:"used_cpu_mhz"`
	TotalMemory     int                   `json:"total_memory_mb"`
	UsedMemory      int                   `json:"used_memory_mb"`
	CPUUsage        float64               `json:"cpu_usage"`
	MemoryUsage     float64               `json:"memory_usage"`
	NodesByStatus   map[NodeStatus]int    `json:"nodes_by_status"`
	ByStatus        map[MachineStatus]int `json:"machines_by_status"`
}

// MachineFilter selects machines. Empty fields match everything.
type MachineFilter struct {
	Namespace string
	Fleet     string
	NodeID    string
	Status    MachineStatus
}

func (f MachineFilter) match(m *Machine) bool {
	if f.Namespace != "" && m.Namespace != f.Namespace {
		return false
	}
	if f.Fleet != "" && m.Fleet != f.Fleet {
		return false
	}
	if f.NodeID != "" && m.NodeID != f.NodeID {
		return false
	}
	if f.Status != "" && m.Status != f.Status {
		return false
	}
	return true
}
