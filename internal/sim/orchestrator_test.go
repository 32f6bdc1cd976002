package sim

import (
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func newTestOrchestrator(t *testing.T, topo Topology, opts ...Option) (*Orchestrator, *fakeClock) {
	t.Helper()
	clock := newFakeClock()
	opts = append([]Option{WithClock(clock), WithLogger(zerolog.Nop())}, opts...)
	o, err := New(topo, opts...)
	if err != nil {
		t.Fatalf("new orchestrator: %v", err)
	}
	t.Cleanup(o.Close)
	return o, clock
}

func singleRegion(nodes int, capacity Resources) Topology {
	return Topology{Regions: []RegionSpec{{ID: "iad", Name: "Ashburn", Nodes: nodes, Capacity: capacity}}}
}

func request(cpu, mem, net int) CreateRequest {
	return CreateRequest{
		Namespace: "default",
		Fleet:     "web",
		Image:     "nginx:latest",
		Resources: Resources{CPU: cpu, Memory: mem, Network: net},
	}
}

func mustNode(t *testing.T, o *Orchestrator, id string) Node {
	t.Helper()
	n, ok := o.Node(id)
	if !ok {
		t.Fatalf("node %s not found", id)
	}
	return n
}

func mustStatus(t *testing.T, o *Orchestrator, id string, want MachineStatus) {
	t.Helper()
	m, ok := o.Machine(id)
	if !ok {
		t.Fatalf("machine %s not found, want status %s", id, want)
	}
	if m.Status != want {
		t.Fatalf("machine %s status = %s, want %s", id, m.Status, want)
	}
}

func eventTypes(evs []MachineEvent) []EventType {
	out := make([]EventType, 0, len(evs))
	for _, e := range evs {
		out = append(out, e.Type)
	}
	return out
}

func TestCreateMachineAllocatesOnNode(t *testing.T) {
	o, _ := newTestOrchestrator(t, singleRegion(2, Resources{CPU: 4000, Memory: 8192, Network: 4}))

	m, err := o.CreateMachine(request(1000, 2048, 1))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if m.Status != MachineCreated {
		t.Fatalf("status = %s, want created", m.Status)
	}
	if m.NodeID != "iad-node-01" {
		t.Fatalf("node = %s, want first node on tie", m.NodeID)
	}
	n := mustNode(t, o, m.NodeID)
	if n.Used != (Resources{CPU: 1000, Memory: 2048, Network: 1}) {
		t.Errorf("used = %+v", n.Used)
	}
	if n.Available != (Resources{CPU: 3000, Memory: 6144, Network: 3}) {
		t.Errorf("available = %+v", n.Available)
	}
	if n.Machines != 1 {
		t.Errorf("machines on node = %d, want 1", n.Machines)
	}
	other := mustNode(t, o, "iad-node-02")
	if other.Used != (Resources{}) {
		t.Errorf("untouched node used = %+v", other.Used)
	}
}

func TestBootChainTimings(t *testing.T) {
	o, clock := newTestOrchestrator(t, DefaultTopology())
	m, err := o.CreateMachine(request(1000, 1024, 1))
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	clock.Advance(499 * time.Millisecond)
	mustStatus(t, o, m.ID, MachineCreated)
	clock.Advance(1 * time.Millisecond)
	mustStatus(t, o, m.ID, MachinePreparing)
	clock.Advance(1000 * time.Millisecond)
	mustStatus(t, o, m.ID, MachineStarting)
	clock.Advance(1499 * time.Millisecond)
	mustStatus(t, o, m.ID, MachineStarting)
	clock.Advance(1 * time.Millisecond)
	mustStatus(t, o, m.ID, MachineRunning)

	if n := clock.pending(); n != 0 {
		t.Fatalf("pending timers after running = %d, want 0", n)
	}
	got := eventTypes(o.Events())
	want := []EventType{EventMachineCreated, EventMachineStarting, EventMachineStarted}
	if len(got) != len(want) {
		t.Fatalf("events = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("events = %v, want %v", got, want)
		}
	}
}

func TestTimeScaleShortensDelays(t *testing.T) {
	o, clock := newTestOrchestrator(t, DefaultTopology(), WithTimeScale(0.1))
	m, err := o.CreateMachine(request(1000, 1024, 1))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	clock.Advance(300 * time.Millisecond)
	mustStatus(t, o, m.ID, MachineRunning)
}

func TestDestroyRemovesMachine(t *testing.T) {
	o, clock := newTestOrchestrator(t, singleRegion(1, Resources{CPU: 4000, Memory: 4096, Network: 2}))
	m, err := o.CreateMachine(request(1000, 1024, 1))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	clock.Advance(3 * time.Second)
	mustStatus(t, o, m.ID, MachineRunning)

	d, err := o.DestroyMachine(m.ID)
	if err != nil {
		t.Fatalf("destroy: %v", err)
	}
	if d.Status != MachineDestroying {
		t.Fatalf("status = %s, want destroying", d.Status)
	}
	n := mustNode(t, o, m.NodeID)
	if n.Used != (Resources{}) || n.Available != n.Total || n.Machines != 0 {
		t.Fatalf("node not released: %+v", n)
	}

	clock.Advance(799 * time.Millisecond)
	mustStatus(t, o, m.ID, MachineDestroying)
	clock.Advance(1 * time.Millisecond)
	mustStatus(t, o, m.ID, MachineDestroyed)
	clock.Advance(199 * time.Millisecond)
	mustStatus(t, o, m.ID, MachineDestroyed)
	clock.Advance(1 * time.Millisecond)
	if _, ok := o.Machine(m.ID); ok {
		t.Fatalf("machine still present 1s after destroy")
	}
	if got := o.Machines(MachineFilter{}); len(got) != 0 {
		t.Fatalf("machines = %d, want 0", len(got))
	}
	if n := clock.pending(); n != 0 {
		t.Fatalf("pending timers = %d, want 0", n)
	}
}

func TestDestroyCancelsPendingBoot(t *testing.T) {
	o, clock := newTestOrchestrator(t, DefaultTopology())
	m, err := o.CreateMachine(request(1000, 1024, 1))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	clock.Advance(600 * time.Millisecond)
	mustStatus(t, o, m.ID, MachinePreparing)

	if _, err := o.DestroyMachine(m.ID); err != nil {
		t.Fatalf("destroy: %v", err)
	}
	clock.Advance(1000 * time.Millisecond)
	if _, ok := o.Machine(m.ID); ok {
		t.Fatalf("machine not removed")
	}
	for _, e := range o.Events() {
		if e.Type == EventMachineStarting || e.Type == EventMachineStarted {
			t.Fatalf("boot event %s fired after destroy", e.Type)
		}
	}
	if n := clock.pending(); n != 0 {
		t.Fatalf("pending timers = %d, want 0", n)
	}
}

func TestStartStopTransitions(t *testing.T) {
	o, clock := newTestOrchestrator(t, singleRegion(1, Resources{CPU: 4000, Memory: 4096, Network: 2}))
	m, err := o.CreateMachine(request(1000, 1024, 1))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := o.StopMachine(m.ID); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("stop while booting err = %v, want ErrInvalidState", err)
	}
	clock.Advance(3 * time.Second)

	if _, err := o.StartMachine(m.ID); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("start while running err = %v, want ErrInvalidState", err)
	}
	s, err := o.StopMachine(m.ID)
	if err != nil {
		t.Fatalf("stop: %v", err)
	}
	if s.Status != MachineStopping {
		t.Fatalf("status = %s, want stopping", s.Status)
	}
	clock.Advance(1 * time.Second)
	mustStatus(t, o, m.ID, MachineStopped)
	if n := mustNode(t, o, m.NodeID); n.Used.CPU != 1000 {
		t.Fatalf("stopped machine released its reservation: %+v", n.Used)
	}

	if _, err := o.StartMachine(m.ID); err != nil {
		t.Fatalf("start: %v", err)
	}
	mustStatus(t, o, m.ID, MachineStarting)
	clock.Advance(1500 * time.Millisecond)
	mustStatus(t, o, m.ID, MachineRunning)

	if _, err := o.StartMachine("missing"); !errors.Is(err, ErrMachineNotFound) {
		t.Fatalf("start unknown err = %v, want ErrMachineNotFound", err)
	}
	if _, err := o.DestroyMachine(m.ID); err != nil {
		t.Fatalf("destroy: %v", err)
	}
	if _, err := o.DestroyMachine(m.ID); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("second destroy err = %v, want ErrInvalidState", err)
	}
}

func TestClusterStatsUsage(t *testing.T) {
	o, clock := newTestOrchestrator(t, singleRegion(2, Resources{CPU: 4000, Memory: 8000, Network: 4}))
	if _, err := o.CreateMachine(request(1000, 2000, 1)); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := o.CreateMachine(request(500, 3000, 1)); err != nil {
		t.Fatalf("create: %v", err)
	}
	clock.Advance(3 * time.Second)

	s := o.ClusterStats()
	if s.TotalCPU != 8000 || s.UsedCPU != 1500 {
		t.Fatalf("cpu total/used = %d/%d", s.TotalCPU, s.UsedCPU)
	}
	if want := 100 * float64(1500) / float64(8000); s.CPUUsage != want {
		t.Errorf("cpu usage = %v, want %v", s.CPUUsage, want)
	}
	if want := 100 * float64(5000) / float64(16000); s.MemoryUsage != want {
		t.Errorf("memory usage = %v, want %v", s.MemoryUsage, want)
	}
	if s.Machines != 2 || s.RunningMachines != 2 || s.ByStatus[MachineRunning] != 2 {
		t.Errorf("machine counts = %+v", s)
	}
	if s.Nodes != 2 || s.Regions != 1 || s.NodesByStatus[NodeHealthy] != 2 {
		t.Errorf("node counts = %+v", s)
	}
}

func TestNodeStatusThresholds(t *testing.T) {
	total := Resources{CPU: 1000, Memory: 1000, Network: 1}
	tests := []struct {
		name    string
		used    Resources
		offline bool
		want    NodeStatus
	}{
		{"idle", Resources{}, false, NodeHealthy},
		{"below limited", Resources{CPU: 699}, false, NodeHealthy},
		{"cpu limited", Resources{CPU: 700}, false, NodeLimited},
		{"memory limited", Resources{Memory: 899}, false, NodeLimited},
		{"memory exhausted", Resources{Memory: 900}, false, NodeExhausted},
		{"cpu exhausted", Resources{CPU: 950, Memory: 100}, false, NodeExhausted},
		{"offline wins", Resources{CPU: 950}, true, NodeOffline},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n := &Node{Total: total, Used: tt.used, Offline: tt.offline}
			refreshStatus(n)
			if n.Status != tt.want {
				t.Fatalf("status = %s, want %s", n.Status, tt.want)
			}
		})
	}
}

func TestNodeStatusFollowsAllocations(t *testing.T) {
	o, _ := newTestOrchestrator(t, singleRegion(1, Resources{CPU: 1000, Memory: 1000, Network: 10}))
	if _, err := o.CreateMachine(request(700, 100, 1)); err != nil {
		t.Fatalf("create: %v", err)
	}
	if n := mustNode(t, o, "iad-node-01"); n.Status != NodeLimited {
		t.Fatalf("status = %s, want limited", n.Status)
	}
	second, err := o.CreateMachine(request(200, 100, 1))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if n := mustNode(t, o, "iad-node-01"); n.Status != NodeExhausted {
		t.Fatalf("status = %s, want exhausted", n.Status)
	}
	if _, err := o.DestroyMachine(second.ID); err != nil {
		t.Fatalf("destroy: %v", err)
	}
	if n := mustNode(t, o, "iad-node-01"); n.Status != NodeLimited {
		t.Fatalf("status after destroy = %s, want limited", n.Status)
	}
}

func TestPlacementFailsWithoutHeadroom(t *testing.T) {
	o, _ := newTestOrchestrator(t, singleRegion(1, Resources{CPU: 1000, Memory: 1000, Network: 1}))
	tests := []struct {
		name string
		req  CreateRequest
	}{
		{"cpu", request(1001, 100, 1)},
		{"memory", request(100, 1001, 1)},
		{"network", request(100, 100, 2)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, err := o.CreateMachine(tt.req)
			if !errors.Is(err, ErrNoCapacity) {
				t.Fatalf("err = %v, want ErrNoCapacity", err)
			}
			if m != nil {
				t.Fatalf("expected no machine, got %+v", m)
			}
		})
	}
	if got := o.Machines(MachineFilter{}); len(got) != 0 {
		t.Fatalf("machines = %d, want 0", len(got))
	}
	if n := mustNode(t, o, "iad-node-01"); n.Used != (Resources{}) {
		t.Fatalf("node touched by failed placement: %+v", n.Used)
	}
}

func TestBestFitSpreadsAcrossNodes(t *testing.T) {
	o, _ := newTestOrchestrator(t, singleRegion(3, Resources{CPU: 4000, Memory: 4000, Network: 4}))
	want := []string{"iad-node-01", "iad-node-02", "iad-node-03", "iad-node-01"}
	for i, w := range want {
		m, err := o.CreateMachine(request(1000, 1000, 1))
		if err != nil {
			t.Fatalf("create %d: %v", i, err)
		}
		if m.NodeID != w {
			t.Fatalf("placement %d on %s, want %s", i, m.NodeID, w)
		}
	}
}

func TestBinPackFillsFirstNode(t *testing.T) {
	o, _ := newTestOrchestrator(t, singleRegion(3, Resources{CPU: 4000, Memory: 4000, Network: 4}), WithStrategy(BinPack{}))
	for i := 0; i < 4; i++ {
		m, err := o.CreateMachine(request(1000, 1000, 1))
		if err != nil {
			t.Fatalf("create %d: %v", i, err)
		}
		if m.NodeID != "iad-node-01" {
			t.Fatalf("placement %d on %s, want iad-node-01", i, m.NodeID)
		}
	}
	m, err := o.CreateMachine(request(1000, 1000, 1))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if m.NodeID != "iad-node-02" {
		t.Fatalf("overflow placed on %s, want iad-node-02", m.NodeID)
	}
}

func TestOfflineNodeSkipped(t *testing.T) {
	o, _ := newTestOrchestrator(t, singleRegion(2, Resources{CPU: 4000, Memory: 4000, Network: 4}))
	n, err := o.SetNodeOffline("iad-node-01", true)
	if err != nil {
		t.Fatalf("offline: %v", err)
	}
	if n.Status != NodeOffline {
		t.Fatalf("status = %s, want offline", n.Status)
	}
	m, err := o.CreateMachine(request(1000, 1000, 1))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if m.NodeID != "iad-node-02" {
		t.Fatalf("placed on %s, want iad-node-02", m.NodeID)
	}
	n, err = o.SetNodeOffline("iad-node-01", false)
	if err != nil {
		t.Fatalf("online: %v", err)
	}
	if n.Status != NodeHealthy {
		t.Fatalf("status = %s, want healthy", n.Status)
	}
	if _, err := o.SetNodeOffline("nope", true); !errors.Is(err, ErrNodeNotFound) {
		t.Fatalf("err = %v, want ErrNodeNotFound", err)
	}
}

func TestEventLogIsBounded(t *testing.T) {
	o, _ := newTestOrchestrator(t, DefaultTopology(), WithEventLogSize(5))
	var ids []string
	for i := 0; i < 10; i++ {
		m, err := o.CreateMachine(request(100, 100, 0))
		if err != nil {
			t.Fatalf("create: %v", err)
		}
		ids = append(ids, m.ID)
	}
	evs := o.Events()
	if len(evs) != 5 {
		t.Fatalf("events = %d, want 5", len(evs))
	}
	if evs[0].MachineID != ids[5] || evs[4].MachineID != ids[9] {
		t.Fatalf("retained wrong events: first=%s last=%s", evs[0].MachineID, evs[4].MachineID)
	}
}

func TestDefaultEventLogCap(t *testing.T) {
	o, _ := newTestOrchestrator(t, DefaultTopology())
	for i := 0; i < DefaultEventLogSize+20; i++ {
		if _, err := o.CreateMachine(request(10, 10, 0)); err != nil {
			t.Fatalf("create: %v", err)
		}
	}
	if n := len(o.Events()); n != DefaultEventLogSize {
		t.Fatalf("events = %d, want %d", n, DefaultEventLogSize)
	}
}

func TestListenersReceiveEventsInOrder(t *testing.T) {
	o, clock := newTestOrchestrator(t, DefaultTopology())
	var got []EventType
	unsubscribe := o.OnEvent(func(e MachineEvent) {
		// reading state from a listener must not deadlock
		if _, ok := o.Machine(e.MachineID); !ok {
			t.Errorf("machine %s missing during %s", e.MachineID, e.Type)
		}
		got = append(got, e.Type)
	})
	m, err := o.CreateMachine(request(1000, 1000, 1))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	clock.Advance(3 * time.Second)
	unsubscribe()
	if _, err := o.StopMachine(m.ID); err != nil {
		t.Fatalf("stop: %v", err)
	}
	want := []EventType{EventMachineCreated, EventMachineStarting, EventMachineStarted}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
}

func TestListenerMayCreateMachines(t *testing.T) {
	o, _ := newTestOrchestrator(t, DefaultTopology())
	var created []string
	o.OnEvent(func(e MachineEvent) {
		if e.Type != EventMachineCreated {
			return
		}
		created = append(created, e.MachineID)
		m, _ := o.Machine(e.MachineID)
		if m.Fleet == "web" {
			sidecar := request(100, 100, 0)
			sidecar.Fleet = "sidecar"
			if _, err := o.CreateMachine(sidecar); err != nil {
				t.Errorf("sidecar create: %v", err)
			}
		}
	})
	if _, err := o.CreateMachine(request(1000, 1000, 1)); err != nil {
		t.Fatalf("create: %v", err)
	}
	if len(created) != 2 {
		t.Fatalf("created events = %d, want 2", len(created))
	}
	if got := o.Machines(MachineFilter{Fleet: "sidecar"}); len(got) != 1 {
		t.Fatalf("sidecars = %d, want 1", len(got))
	}
}

func TestTransitionListenerSeesSilentSteps(t *testing.T) {
	o, clock := newTestOrchestrator(t, DefaultTopology())
	var statuses []MachineStatus
	var events int
	o.OnEvent(func(MachineEvent) { events++ })
	o.OnTransition(func(m Machine) {
		// the copy must already carry the new status
		statuses = append(statuses, m.Status)
	})
	m, err := o.CreateMachine(request(1000, 1000, 1))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	clock.Advance(3 * time.Second)
	if _, err := o.DestroyMachine(m.ID); err != nil {
		t.Fatalf("destroy: %v", err)
	}
	clock.Advance(time.Second)

	want := []MachineStatus{MachineCreated, MachinePreparing, MachineStarting, MachineRunning, MachineDestroying, MachineDestroyed}
	if len(statuses) != len(want) {
		t.Fatalf("transitions = %v, want %v", statuses, want)
	}
	for i := range want {
		if statuses[i] != want[i] {
			t.Fatalf("transitions = %v, want %v", statuses, want)
		}
	}
	// preparing is the only step without an event
	if events != len(want)-1 {
		t.Fatalf("events = %d, want %d", events, len(want)-1)
	}
}

func TestPlacementFailureListener(t *testing.T) {
	o, _ := newTestOrchestrator(t, singleRegion(1, Resources{CPU: 100, Memory: 100, Network: 1}))
	var failed []CreateRequest
	var events int
	o.OnEvent(func(MachineEvent) { events++ })
	unsubscribe := o.OnPlacementFailure(func(r CreateRequest) { failed = append(failed, r) })

	if _, err := o.CreateMachine(request(500, 50, 0)); !errors.Is(err, ErrNoCapacity) {
		t.Fatalf("err = %v, want ErrNoCapacity", err)
	}
	if _, err := o.CreateMachine(request(50, 50, 0)); err != nil {
		t.Fatalf("create: %v", err)
	}
	// validation errors are not placement failures
	if _, err := o.CreateMachine(CreateRequest{}); err == nil {
		t.Fatal("expected validation error")
	}
	if len(failed) != 1 || failed[0].Resources.CPU != 500 {
		t.Fatalf("failures = %+v, want the 500 MHz request", failed)
	}
	if events != 1 {
		t.Fatalf("events = %d, want 1", events)
	}

	unsubscribe()
	if _, err := o.CreateMachine(request(500, 50, 0)); !errors.Is(err, ErrNoCapacity) {
		t.Fatalf("err = %v, want ErrNoCapacity", err)
	}
	if len(failed) != 1 {
		t.Fatalf("failures after unsubscribe = %d", len(failed))
	}
}

func TestMachinesFilter(t *testing.T) {
	o, clock := newTestOrchestrator(t, DefaultTopology())
	a, _ := o.CreateMachine(request(100, 100, 0))
	clock.Advance(time.Millisecond)
	b := request(100, 100, 0)
	b.Namespace = "staging"
	b.Fleet = "api"
	if _, err := o.CreateMachine(b); err != nil {
		t.Fatalf("create: %v", err)
	}
	if got := o.Machines(MachineFilter{Namespace: "staging"}); len(got) != 1 || got[0].Fleet != "api" {
		t.Fatalf("namespace filter = %+v", got)
	}
	if got := o.Machines(MachineFilter{NodeID: a.NodeID, Fleet: "web"}); len(got) != 1 || got[0].ID != a.ID {
		t.Fatalf("node filter = %+v", got)
	}
	all := o.Machines(MachineFilter{})
	if len(all) != 2 || all[0].ID != a.ID {
		t.Fatalf("expected oldest first, got %+v", all)
	}
	if got := o.Machines(MachineFilter{Status: MachineRunning}); len(got) != 0 {
		t.Fatalf("status filter = %d, want 0", len(got))
	}
}

func TestRestoreReplacesMachines(t *testing.T) {
	o, clock := newTestOrchestrator(t, singleRegion(1, Resources{CPU: 4000, Memory: 4000, Network: 4}))
	res := Resources{CPU: 1000, Memory: 1000, Network: 1}
	restored := o.Restore([]Machine{
		{ID: "m1", NodeID: "iad-node-01", Status: MachineRunning, Resources: res},
		{ID: "m2", NodeID: "iad-node-01", Status: MachineStarting, Resources: res},
		{ID: "m3", NodeID: "iad-node-01", Status: MachineDestroying, Resources: res},
		{ID: "m4", NodeID: "nope", Status: MachineRunning, Resources: res},
		{ID: "m5", NodeID: "iad-node-01", Status: MachineStopped, Resources: Resources{CPU: 9000}},
	})
	if restored != 2 {
		t.Fatalf("restored = %d, want 2", restored)
	}
	n := mustNode(t, o, "iad-node-01")
	if n.Used.CPU != 2000 || n.Machines != 2 {
		t.Fatalf("node after restore = %+v", n)
	}
	clock.Advance(1500 * time.Millisecond)
	mustStatus(t, o, "m2", MachineRunning)
	mustStatus(t, o, "m1", MachineRunning)
	if _, ok := o.Machine("m3"); ok {
		t.Fatalf("destroying machine restored")
	}
}

func TestCreateRequestValidation(t *testing.T) {
	o, _ := newTestOrchestrator(t, DefaultTopology())
	tests := []struct {
		name  string
		mut   func(r *CreateRequest)
		field string
	}{
		{"namespace", func(r *CreateRequest) { r.Namespace = "" }, "namespace"},
		{"fleet", func(r *CreateRequest) { r.Fleet = "" }, "fleet"},
		{"image", func(r *CreateRequest) { r.Image = "" }, "image"},
		{"cpu", func(r *CreateRequest) { r.Resources.CPU = 0 }, "resources.cpu_mhz"},
		{"memory", func(r *CreateRequest) { r.Resources.Memory = -1 }, "resources.memory_mb"},
		{"network", func(r *CreateRequest) { r.Resources.Network = -1 }, "resources.network_interfaces"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := request(100, 100, 1)
			tt.mut(&r)
			_, err := o.CreateMachine(r)
			var ve *ValidationError
			if !errors.As(err, &ve) {
				t.Fatalf("err = %v, want ValidationError", err)
			}
			if ve.Field != tt.field {
				t.Fatalf("field = %s, want %s", ve.Field, tt.field)
			}
		})
	}
}

func TestMachinePositionsStackOnNode(t *testing.T) {
	o, _ := newTestOrchestrator(t, singleRegion(1, Resources{CPU: 4000, Memory: 4000, Network: 4}))
	a, _ := o.CreateMachine(request(100, 100, 0))
	b, _ := o.CreateMachine(request(100, 100, 0))
	n := mustNode(t, o, "iad-node-01")
	if a.Position.X != n.Position.X || a.Position.Z != n.Position.Z {
		t.Fatalf("machine not above node: %+v vs %+v", a.Position, n.Position)
	}
	if b.Position.Y <= a.Position.Y {
		t.Fatalf("second machine not stacked: %v <= %v", b.Position.Y, a.Position.Y)
	}
}

func BenchmarkCreateMachine(b *testing.B) {
	topo := Topology{Regions: []RegionSpec{{ID: "iad", Nodes: 64, Capacity: Resources{CPU: 1 << 30, Memory: 1 << 30, Network: 1 << 30}}}}
	o, err := New(topo, WithClock(newFakeClock()), WithLogger(zerolog.Nop()))
	if err != nil {
		b.Fatalf("new: %v", err)
	}
	req := request(100, 100, 1)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := o.CreateMachine(req); err != nil {
			b.Fatalf("create: %v", err)
		}
	}
}

func TestSnapshotIsConsistent(t *testing.T) {
	o, clock := newTestOrchestrator(t, DefaultTopology(), WithStrategy(BinPack{}))
	m, err := o.CreateMachine(request(1000, 1000, 1))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	clock.Advance(3 * time.Second)

	s := o.Snapshot()
	if s.Strategy != "bin-pack" || !s.TakenAt.Equal(clock.Now()) {
		t.Fatalf("snapshot header = %s %v", s.Strategy, s.TakenAt)
	}
	if len(s.Regions) != 4 || len(s.Nodes) != 16 || len(s.Machines) != 1 || len(s.Events) != 3 {
		t.Fatalf("snapshot sizes = %d/%d/%d/%d", len(s.Regions), len(s.Nodes), len(s.Machines), len(s.Events))
	}
	if s.Machines[0].ID != m.ID || s.Stats.RunningMachines != 1 || s.Stats.Regions != 4 {
		t.Fatalf("snapshot = %+v", s.Stats)
	}
	if s.Stats.UsedCPU != o.ClusterStats().UsedCPU {
		t.Fatalf("snapshot stats disagree with ClusterStats")
	}
}
