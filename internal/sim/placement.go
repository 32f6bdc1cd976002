package sim

import (
	"fmt"
	"sort"
)

// Strategy picks a node for a resource request.
type Strategy interface {
	Name() string
	// Score rates a candidate that already has enough headroom. Higher wins.
	Score(n *Node, req Resources) float64
}

// BestFit prefers the node with the most free CPU plus memory.
type BestFit struct{}

func (BestFit) Name() string { return "best-fit" }

func (BestFit) Score(n *Node, _ Resources) float64 {
	return float64(n.Available.CPU + n.Available.Memory)
}

// BinPack prefers the node that ends up most utilised after placement, so
// large free blocks survive for bigger requests.
type BinPack struct{}

func (BinPack) Name() string { return "bin-pack" }

func (BinPack) Score(n *Node, req Resources) float64 {
	var cpu, mem float64
	if n.Total.CPU > 0 {
		cpu = float64(n.Used.CPU+req.CPU) / float64(n.Total.CPU)
	}
	if n.Total.Memory > 0 {
		mem = float64(n.Used.Memory+req.Memory) / float64(n.Total.Memory)
	}
	return cpu + mem
}

// candidate reports whether n can take req at all.
func candidate(n *Node, req Resources) bool {
	return !n.Offline && req.Fits(n.Available)
}

// selectNode runs a linear scan over nodes and returns the highest scoring
// candidate. The first node wins ties. It returns nil if nothing fits.
func selectNode(s Strategy, nodes []*Node, req Resources) *Node {
	var best *Node
	var bestScore float64
	for _, n := range nodes {
		if !candidate(n, req) {
			continue
		}
		score := s.Score(n, req)
		if best == nil || score > bestScore {
			best = n
			bestScore = score
		}
	}
	return best
}

// Registry holds the available placement strategies by name.
type Registry struct {
	strategies map[string]Strategy
}

// NewRegistry returns a registry with the built-in strategies registered.
func NewRegistry() *Registry {
	r := &Registry{strategies: map[string]Strategy{}}
	r.Register(BestFit{})
	r.Register(BinPack{})
	return r
}

func (r *Registry) Register(s Strategy) {
	r.strategies[s.Name()] = s
}

func (r *Registry) Get(name string) (Strategy, error) {
	if name == "" {
		return BestFit{}, nil
	}
	s, ok := r.strategies[name]
	if !ok {
		return nil, fmt.Errorf("placement strategy not registered: %s", name)
	}
	return s, nil
}

// Names returns the registered strategy names, sorted.
func (r *Registry) Names() []string {
	out := make([]string, 0, len(r.strategies))
	for name := range r.strategies {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
