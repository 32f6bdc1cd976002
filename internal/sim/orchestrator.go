// Package sim holds the in-memory cluster simulation: regions, nodes and
// machines, greedy placement, and timer-driven machine lifecycles.
package sim

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// DefaultEventLogSize is how many events the in-memory log keeps.
const DefaultEventLogSize = 100

// Listener receives every machine event, in emission order.
type Listener func(MachineEvent)

type Option func(*Orchestrator)

func WithClock(c Clock) Option { return func(o *Orchestrator) { o.clock = c } }

func WithLogger(l zerolog.Logger) Option { return func(o *Orchestrator) { o.log = l } }

func WithStrategy(s Strategy) Option { return func(o *Orchestrator) { o.strategy = s } }

func WithLifecycle(l Lifecycle) Option { return func(o *Orchestrator) { o.lifecycle = l } }

func WithEventLogSize(n int) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.eventCap = n
		}
	}
}

// WithTimeScale multiplies every lifecycle delay by f.
func WithTimeScale(f float64) Option {
	return func(o *Orchestrator) {
		if f > 0 {
			o.scale = f
		}
	}
}

// TransitionListener receives a copy of a machine each time its status
// changes, including steps that emit no event.
type TransitionListener func(Machine)

// PlacementFailureListener receives create requests no node could take.
type PlacementFailureListener func(CreateRequest)

type listenerEntry struct {
	id         int
	event      Listener
	transition TransitionListener
	failure    PlacementFailureListener
}

// notice is one queued delivery. Exactly the fields that apply are set.
type notice struct {
	event   *MachineEvent
	machine *Machine
	failed  *CreateRequest
}

// Orchestrator owns the simulated cluster state.
type Orchestrator struct {
	mu        sync.Mutex
	clock     Clock
	log       zerolog.Logger
	strategy  Strategy
	lifecycle Lifecycle
	scale     float64
	eventCap  int

	regions  []*Region
	nodes    []*Node
	nodeByID map[string]*Node
	machines map[string]*Machine
	// one pending lifecycle timer per machine; gen invalidates callbacks
	// that already fired but have not taken the lock yet.
	timers map[string]Timer
	gen    map[string]uint64
	events []MachineEvent
	outbox []notice

	lmu       sync.Mutex
	listeners []listenerEntry
	nextLID   int
	dmu       sync.Mutex
}

// New builds the cluster described by topo.
func New(topo Topology, opts ...Option) (*Orchestrator, error) {
	if err := topo.Validate(); err != nil {
		return nil, err
	}
	o := &Orchestrator{
		clock:     RealClock(),
		log:       log.Logger.With().Str("component", "sim").Logger(),
		strategy:  BestFit{},
		lifecycle: DefaultLifecycle(),
		scale:     1,
		eventCap:  DefaultEventLogSize,
		nodeByID:  map[string]*Node{},
		machines:  map[string]*Machine{},
		timers:    map[string]Timer{},
		gen:       map[string]uint64{},
	}
	for _, opt := range opts {
		opt(o)
	}
	o.regions, o.nodes = topo.build()
	for _, n := range o.nodes {
		o.nodeByID[n.ID] = n
	}
	o.log.Info().
		Int("regions", len(o.regions)).
		Int("nodes", len(o.nodes)).
		Str("strategy", o.strategy.Name()).
		Msg("Cluster initialized")
	return o, nil
}

// OnEvent subscribes l to machine events. The returned func unsubscribes.
func (o *Orchestrator) OnEvent(l Listener) func() {
	return o.subscribe(listenerEntry{event: l})
}

// OnTransition subscribes l to every status change. The returned func
// unsubscribes.
func (o *Orchestrator) OnTransition(l TransitionListener) func() {
	return o.subscribe(listenerEntry{transition: l})
}

// OnPlacementFailure subscribes l to create requests rejected with
// ErrNoCapacity, whoever made them. The returned func unsubscribes.
func (o *Orchestrator) OnPlacementFailure(l PlacementFailureListener) func() {
	return o.subscribe(listenerEntry{failure: l})
}

func (o *Orchestrator) subscribe(e listenerEntry) func() {
	o.lmu.Lock()
	defer o.lmu.Unlock()
	o.nextLID++
	id := o.nextLID
	e.id = id
	o.listeners = append(o.listeners, e)
	return func() {
		o.lmu.Lock()
		defer o.lmu.Unlock()
		for i, e := range o.listeners {
			if e.id == id {
				o.listeners = append(o.listeners[:i], o.listeners[i+1:]...)
				return
			}
		}
	}
}

// CreateMachine places a new machine and starts its boot chain. It returns
// ErrNoCapacity when no node has headroom for the request.
func (o *Orchestrator) CreateMachine(req CreateRequest) (*Machine, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	o.mu.Lock()
	node := selectNode(o.strategy, o.nodes, req.Resources)
	if node == nil {
		failed := req
		o.outbox = append(o.outbox, notice{failed: &failed})
		o.mu.Unlock()
		o.log.Warn().
			Str("namespace", req.Namespace).
			Str("fleet", req.Fleet).
			Int("cpu_mhz", req.Resources.CPU).
			Int("memory_mb", req.Resources.Memory).
			Int("network_interfaces", req.Resources.Network).
			Msg("No node available for machine")
		o.flush()
		return nil, ErrNoCapacity
	}

	now := o.clock.Now()
	id := newMachineID()
	name := req.Name
	if name == "" {
		name = fmt.Sprintf("%s-%s", req.Fleet, id[:6])
	}
	m := &Machine{
		ID:        id,
		Name:      name,
		Namespace: req.Namespace,
		Fleet:     req.Fleet,
		NodeID:    node.ID,
		Region:    node.Region,
		Image:     req.Image,
		Resources: req.Resources,
		CreatedAt: now,
		Position:  machinePosition(node.Position, node.Machines),
	}
	o.allocate(node, m.Resources)
	o.machines[id] = m
	o.enter(m, MachineCreated)
	out := *m
	o.mu.Unlock()

	o.log.Info().
		Str("machine", out.ID).
		Str("name", out.Name).
		Str("node", out.NodeID).
		Msg("Machine placed")
	o.flush()
	return &out, nil
}

// StartMachine boots a stopped machine.
func (o *Orchestrator) StartMachine(id string) (*Machine, error) {
	return o.request(id, MachineStopped, MachineStarting)
}

// StopMachine stops a running machine. Its reservation is kept.
func (o *Orchestrator) StopMachine(id string) (*Machine, error) {
	return o.request(id, MachineRunning, MachineStopping)
}

func (o *Orchestrator) request(id string, from, to MachineStatus) (*Machine, error) {
	o.mu.Lock()
	m, ok := o.machines[id]
	if !ok {
		o.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrMachineNotFound, id)
	}
	if m.Status != from {
		status := m.Status
		o.mu.Unlock()
		return nil, fmt.Errorf("%w: machine %s is %s, want %s", ErrInvalidState, id, status, from)
	}
	o.enter(m, to)
	out := *m
	o.mu.Unlock()
	o.flush()
	return &out, nil
}

// DestroyMachine releases the machine's resources immediately and starts its
// teardown chain. Any pending transition of the machine is cancelled.
func (o *Orchestrator) DestroyMachine(id string) (*Machine, error) {
	o.mu.Lock()
	m, ok := o.machines[id]
	if !ok {
		o.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrMachineNotFound, id)
	}
	if !m.Status.Holds() {
		status := m.Status
		o.mu.Unlock()
		return nil, fmt.Errorf("%w: machine %s is already %s", ErrInvalidState, id, status)
	}
	if node, ok := o.nodeByID[m.NodeID]; ok {
		o.release(node, m.Resources)
	}
	o.enter(m, MachineDestroying)
	out := *m
	o.mu.Unlock()

	o.log.Info().Str("machine", id).Str("node", out.NodeID).Msg("Machine destroy requested")
	o.flush()
	return &out, nil
}

// SetNodeOffline marks a node offline (skipped by placement) or brings it
// back, in which case its status is derived from usage again.
func (o *Orchestrator) SetNodeOffline(id string, offline bool) (*Node, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	n, ok := o.nodeByID[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNodeNotFound, id)
	}
	n.Offline = offline
	refreshStatus(n)
	out := *n
	return &out, nil
}

// Restore re-places persisted machines onto their original nodes. Machines in
// a transient status resume their lifecycle chain. Machines being destroyed,
// on unknown nodes, or that no longer fit are skipped.
func (o *Orchestrator) Restore(ms []Machine) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	restored := 0
	for i := range ms {
		src := ms[i]
		if !src.Status.Holds() {
			continue
		}
		if _, exists := o.machines[src.ID]; exists {
			continue
		}
		node, ok := o.nodeByID[src.NodeID]
		if !ok || !src.Resources.Fits(node.Available) {
			o.log.Warn().Str("machine", src.ID).Str("node", src.NodeID).Msg("Skipping machine restore")
			continue
		}
		m := src
		m.Region = node.Region
		o.allocate(node, m.Resources)
		o.machines[m.ID] = &m
		o.schedule(m.ID, m.Status)
		restored++
	}
	return restored
}

// Close cancels every pending lifecycle timer.
func (o *Orchestrator) Close() {
	o.mu.Lock()
	defer o.mu.Unlock()
	for id := range o.timers {
		o.cancel(id)
	}
}

// enter moves m into status s, records the status event if any and
// schedules the follow-up step. Caller holds o.mu.
func (o *Orchestrator) enter(m *Machine, s MachineStatus) {
	m.Status = s
	m.UpdatedAt = o.clock.Now()
	snapshot := *m
	n := notice{machine: &snapshot}
	if et, ok := eventFor(s); ok {
		e := o.record(m.ID, et, eventMessage(m, et))
		n.event = &e
	}
	o.outbox = append(o.outbox, n)
	o.log.Debug().Str("machine", m.ID).Str("status", string(s)).Msg("Machine transition")
	o.schedule(m.ID, s)
}

func (o *Orchestrator) schedule(id string, from MachineStatus) {
	o.cancel(id)
	step, ok := o.lifecycle[from]
	if !ok {
		return
	}
	token := o.gen[id]
	delay := time.Duration(float64(step.Delay) * o.scale)
	o.timers[id] = o.clock.AfterFunc(delay, func() { o.advance(id, token, step.Next) })
}

func (o *Orchestrator) cancel(id string) {
	if t, ok := o.timers[id]; ok {
		t.Stop()
		delete(o.timers, id)
	}
	o.gen[id]++
}

// advance is the timer callback. Stale callbacks are no-ops.
func (o *Orchestrator) advance(id string, token uint64, next MachineStatus) {
	o.mu.Lock()
	m, ok := o.machines[id]
	if !ok || o.gen[id] != token {
		o.mu.Unlock()
		return
	}
	delete(o.timers, id)
	if next == removal {
		o.cancel(id)
		delete(o.machines, id)
		delete(o.gen, id)
		o.log.Debug().Str("machine", id).Msg("Machine removed")
	} else {
		o.enter(m, next)
	}
	o.mu.Unlock()
	o.flush()
}

func (o *Orchestrator) allocate(n *Node, r Resources) {
	n.Used = n.Used.Add(r)
	n.Available = n.Available.Sub(r)
	n.Machines++
	refreshStatus(n)
}

func (o *Orchestrator) release(n *Node, r Resources) {
	n.Used = n.Used.Sub(r)
	n.Available = n.Available.Add(r)
	n.Machines--
	refreshStatus(n)
}

// refreshStatus derives a node's status from its usage ratio.
func refreshStatus(n *Node) {
	if n.Offline {
		n.Status = NodeOffline
		return
	}
	switch u := n.Usage(); {
	case u >= 0.9:
		n.Status = NodeExhausted
	case u >= 0.7:
		n.Status = NodeLimited
	default:
		n.Status = NodeHealthy
	}
}

// record appends to the bounded event log. Caller holds o.mu.
func (o *Orchestrator) record(machineID string, t EventType, msg string) MachineEvent {
	e := MachineEvent{
		ID:        uuid.NewString(),
		MachineID: machineID,
		Type:      t,
		Timestamp: o.clock.Now(),
		Message:   msg,
	}
	if len(o.events) >= o.eventCap {
		copy(o.events, o.events[len(o.events)-o.eventCap+1:])
		o.events = o.events[:o.eventCap-1]
	}
	o.events = append(o.events, e)
	return e
}

// flush delivers queued events outside the state lock. Only one goroutine
// delivers at a time; a listener that triggers new events has them picked
// up by the delivering loop.
func (o *Orchestrator) flush() {
	for {
		if !o.dmu.TryLock() {
			return
		}
		for {
			o.mu.Lock()
			batch := o.outbox
			o.outbox = nil
			o.mu.Unlock()
			if len(batch) == 0 {
				break
			}
			o.lmu.Lock()
			ls := make([]listenerEntry, len(o.listeners))
			copy(ls, o.listeners)
			o.lmu.Unlock()
			for _, n := range batch {
				for _, l := range ls {
					deliver(l, n)
				}
			}
		}
		o.dmu.Unlock()

		o.mu.Lock()
		pending := len(o.outbox) > 0
		o.mu.Unlock()
		if !pending {
			return
		}
	}
}

func deliver(l listenerEntry, n notice) {
	switch {
	case n.failed != nil:
		if l.failure != nil {
			l.failure(*n.failed)
		}
	default:
		if n.event != nil && l.event != nil {
			l.event(*n.event)
		}
		if n.machine != nil && l.transition != nil {
			l.transition(*n.machine)
		}
	}
}

func eventMessage(m *Machine, t EventType) string {
	switch t {
	case EventMachineCreated:
		return fmt.Sprintf("Machine %s created on %s", m.Name, m.NodeID)
	case EventMachineStarting:
		return fmt.Sprintf("Machine %s starting", m.Name)
	case EventMachineStarted:
		return fmt.Sprintf("Machine %s is running", m.Name)
	case EventMachineStopping:
		return fmt.Sprintf("Machine %s stopping", m.Name)
	case EventMachineStopped:
		return fmt.Sprintf("Machine %s stopped", m.Name)
	case EventMachineDestroying:
		return fmt.Sprintf("Machine %s destroying", m.Name)
	case EventMachineDestroyed:
		return fmt.Sprintf("Machine %s destroyed", m.Name)
	}
	return string(t)
}

func newMachineID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:14]
}

// Regions returns a copy of every region.
func (o *Orchestrator) Regions() []Region {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]Region, 0, len(o.regions))
	for _, r := range o.regions {
		c := *r
		c.NodeIDs = append([]string(nil), r.NodeIDs...)
		out = append(out, c)
	}
	return out
}

// Nodes returns a copy of every node in topology order.
func (o *Orchestrator) Nodes() []Node {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]Node, 0, len(o.nodes))
	for _, n := range o.nodes {
		out = append(out, *n)
	}
	return out
}

func (o *Orchestrator) Node(id string) (Node, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	n, ok := o.nodeByID[id]
	if !ok {
		return Node{}, false
	}
	return *n, true
}

func (o *Orchestrator) Machine(id string) (Machine, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	m, ok := o.machines[id]
	if !ok {
		return Machine{}, false
	}
	return *m, true
}

// Machines returns the machines matching f, oldest first.
func (o *Orchestrator) Machines(f MachineFilter) []Machine {
	o.mu.Lock()
	out := make([]Machine, 0, len(o.machines))
	for _, m := range o.machines {
		if f.match(m) {
			out = append(out, *m)
		}
	}
	o.mu.Unlock()
	sortMachines(out)
	return out
}

func sortMachines(ms []Machine) {
	sort.Slice(ms, func(i, j int) bool {
		if !ms[i].CreatedAt.Equal(ms[j].CreatedAt) {
			return ms[i].CreatedAt.Before(ms[j].CreatedAt)
		}
		return ms[i].ID < ms[j].ID
	})
}

// Events returns the retained event log, oldest first.
func (o *Orchestrator) Events() []MachineEvent {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]MachineEvent(nil), o.events...)
}

// ClusterStats sums capacity and usage over all nodes.
func (o *Orchestrator) ClusterStats() ClusterStats {
	o.mu.Lock()
	nodes := make([]Node, 0, len(o.nodes))
	for _, n := range o.nodes {
		nodes = append(nodes, *n)
	}
	machines := make([]Machine, 0, len(o.machines))
	for _, m := range o.machines {
		machines = append(machines, *m)
	}
	regions := len(o.regions)
	o.mu.Unlock()
	s := statsOf(nil, nodes, machines)
	s.Regions = regions
	return s
}

func statsOf(regions []Region, nodes []Node, machines []Machine) ClusterStats {
	s := ClusterStats{
		Regions:       len(regions),
		Nodes:         len(nodes),
		Machines:      len(machines),
		NodesByStatus: map[NodeStatus]int{},
		ByStatus:      map[MachineStatus]int{},
	}
	for _, n := range nodes {
		s.TotalCPU += n.Total.CPU
		s.UsedCPU += n.Used.CPU
		s.TotalMemory += n.Total.Memory
		s.UsedMemory += n.Used.Memory
		s.NodesByStatus[n.Status]++
	}
	for _, m := range machines {
		s.ByStatus[m.Status]++
	}
	s.RunningMachines = s.ByStatus[MachineRunning]
	if s.TotalCPU > 0 {
		s.CPUUsage = 100 * float64(s.UsedCPU) / float64(s.TotalCPU)
	}
	if s.TotalMemory > 0 {
		s.MemoryUsage = 100 * float64(s.UsedMemory) / float64(s.TotalMemory)
	}
	return s
}

// Strategy returns the name of the active placement strategy.
func (o *Orchestrator) Strategy() string { return o.strategy.Name() }

// Snapshot is a consistent copy of the whole cluster.
type Snapshot struct {
	TakenAt  time.Time      `json:"taken_at"`
	Strategy string         `json:"strategy"`
	Regions  []Region       `json:"regions"`
	Nodes    []Node         `json:"nodes"`
	Machines []Machine      `json:"machines"`
	Events   []MachineEvent `json:"events"`
	Stats    ClusterStats   `json:"stats"`
}

// Snapshot copies every region, node, machine and retained event under a
// single lock acquisition.
func (o *Orchestrator) Snapshot() Snapshot {
	o.mu.Lock()
	s := Snapshot{TakenAt: o.clock.Now(), Strategy: o.strategy.Name()}
	for _, r := range o.regions {
		c := *r
		c.NodeIDs = append([]string(nil), r.NodeIDs...)
		s.Regions = append(s.Regions, c)
	}
	for _, n := range o.nodes {
		s.Nodes = append(s.Nodes, *n)
	}
	for _, m := range o.machines {
		s.Machines = append(s.Machines, *m)
	}
	s.Events = append([]MachineEvent(nil), o.events...)
	o.mu.Unlock()

	sortMachines(s.Machines)
	s.Stats = statsOf(s.Regions, s.Nodes, s.Machines)
	return s
}
