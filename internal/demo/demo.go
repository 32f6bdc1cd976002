// Package demo drives a simulator with a random workload so dashboards have
// something to show.
package demo

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"github.com/3cpo-dev/fleetsim/internal/sim"
	"github.com/rs/zerolog/log"
)

// Orchestrator is the part of *sim.Orchestrator the generator drives.
type Orchestrator interface {
	CreateMachine(req sim.CreateRequest) (*sim.Machine, error)
	StartMachine(id string) (*sim.Machine, error)
	StopMachine(id string) (*sim.Machine, error)
	DestroyMachine(id string) (*sim.Machine, error)
	Machines(f sim.MachineFilter) []sim.Machine
}

type Config struct {
	Interval    time.Duration
	MaxMachines int
	// Seed makes runs reproducible. Zero seeds from the clock.
	Seed int64
}

type ActionKind string

const (
	ActionCreate  ActionKind = "create"
	ActionStart   ActionKind = "start"
	ActionStop    ActionKind = "stop"
	ActionDestroy ActionKind = "destroy"
	ActionIdle    ActionKind = "idle"
)

// Action is what one Step did.
type Action struct {
	Kind      ActionKind
	MachineID string
	Err       error
}

var (
	namespaces = []string{"default", "staging", "production"}
	fleets     = []string{"web", "api", "worker", "cron"}
	images     = []string{"nginx:1.27", "redis:7", "postgres:16", "registry.local/app:latest"}
	sizes      = []sim.Resources{
		{CPU: 500, Memory: 256, Network: 1},
		{CPU: 1000, Memory: 1024, Network: 1},
		{CPU: 2000, Memory: 4096, Network: 2},
		{CPU: 4000, Memory: 8192, Network: 2},
	}
)

type Generator struct {
	orch Orchestrator
	cfg  Config
	rng  *rand.Rand
}

func New(o Orchestrator, cfg Config) *Generator {
	if cfg.Interval <= 0 {
		cfg.Interval = 2 * time.Second
	}
	if cfg.MaxMachines <= 0 {
		cfg.MaxMachines = 24
	}
	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &Generator{orch: o, cfg: cfg, rng: rand.New(rand.NewSource(seed))}
}

// Run steps the workload every interval until ctx is done.
func (g *Generator) Run(ctx context.Context) error {
	log.Info().Dur("interval", g.cfg.Interval).Int("max_machines", g.cfg.MaxMachines).Msg("Starting demo workload")
	ticker := time.NewTicker(g.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Demo workload stopped")
			return nil
		case <-ticker.C:
			a := g.Step()
			ev := log.Debug()
			if a.Err != nil && !errors.Is(a.Err, sim.ErrNoCapacity) {
				ev = log.Warn().Err(a.Err)
			}
			ev.Str("action", string(a.Kind)).Str("machine", a.MachineID).Msg("Demo step")
		}
	}
}

// Step performs one random action. Below half the target population it
// always creates; at the target it never does.
func (g *Generator) Step() Action {
	var running, stopped []sim.Machine
	live := 0
	for _, m := range g.orch.Machines(sim.MachineFilter{}) {
		if !m.Status.Holds() {
			continue
		}
		live++
		switch m.Status {
		case sim.MachineRunning:
			running = append(running, m)
		case sim.MachineStopped:
			stopped = append(stopped, m)
		}
	}

	roll := g.rng.Float64()
	switch {
	case live < g.cfg.MaxMachines/2 || (live < g.cfg.MaxMachines && roll < 0.45):
		return g.create()
	case len(stopped) > 0 && roll < 0.6:
		m := stopped[g.rng.Intn(len(stopped))]
		_, err := g.orch.StartMachine(m.ID)
		return Action{Kind: ActionStart, MachineID: m.ID, Err: err}
	case len(running) > 0 && roll < 0.8:
		m := running[g.rng.Intn(len(running))]
		_, err := g.orch.StopMachine(m.ID)
		return Action{Kind: ActionStop, MachineID: m.ID, Err: err}
	case len(running)+len(stopped) > 0:
		// oldest settled machine goes first
		pool := append(running, stopped...)
		oldest := pool[0]
		for _, m := range pool[1:] {
			if m.CreatedAt.Before(oldest.CreatedAt) {
				oldest = m
			}
		}
		_, err := g.orch.DestroyMachine(oldest.ID)
		return Action{Kind: ActionDestroy, MachineID: oldest.ID, Err: err}
	}
	return Action{Kind: ActionIdle}
}

func (g *Generator) create() Action {
	req := sim.CreateRequest{
		Namespace: pick(g.rng, namespaces),
		Fleet:     pick(g.rng, fleets),
		Image:     pick(g.rng, images),
		Resources: pick(g.rng, sizes),
	}
	m, err := g.orch.CreateMachine(req)
	if err != nil {
		return Action{Kind: ActionCreate, Err: err}
	}
	return Action{Kind: ActionCreate, MachineID: m.ID}
}

func pick[T any](rng *rand.Rand, xs []T) T {
	return xs[rng.Intn(len(xs))]
}
