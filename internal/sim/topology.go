package sim

import (
	"fmt"
	"math"
)

// RegionSpec describes one region of the synthetic cluster.
type RegionSpec struct {
	ID       string    `yaml:"id" json:"id"`
	Name     string    `yaml:"name" json:"name"`
	Nodes    int       `yaml:"nodes" json:"nodes"`
	Capacity Resources `yaml:"capacity" json:"capacity"`
}

// Topology is the cluster layout built once at startup.
type Topology struct {
	Regions []RegionSpec `yaml:"regions" json:"regions"`
}

// DefaultCapacity is the per-node capacity used when a region spec omits it.
var DefaultCapacity = Resources{CPU: 16000, Memory: 32768, Network: 8}

// DefaultTopology returns four regions with four nodes each.
func DefaultTopology() Topology {
	return Topology{Regions: []RegionSpec{
		{ID: "iad", Name: "Ashburn, Virginia (US)", Nodes: 4, Capacity: DefaultCapacity},
		{ID: "lhr", Name: "London, United Kingdom", Nodes: 4, Capacity: DefaultCapacity},
		{ID: "nrt", Name: "Tokyo, Japan", Nodes: 4, Capacity: DefaultCapacity},
		{ID: "syd", Name: "Sydney, Australia", Nodes: 4, Capacity: DefaultCapacity},
	}}
}

// Validate checks region ids are unique and node counts are positive.
func (t Topology) Validate() error {
	if len(t.Regions) == 0 {
		return &ValidationError{Field: "topology.regions", Message: "at least one region is required"}
	}
	seen := map[string]bool{}
	for i, r := range t.Regions {
		if r.ID == "" {
			return &ValidationError{Field: fmt.Sprintf("topology.regions[%d].id", i), Message: "region id is required"}
		}
		if seen[r.ID] {
			return &ValidationError{Field: "topology.regions.id", Value: r.ID, Message: "duplicate region id"}
		}
		seen[r.ID] = true
		if r.Nodes <= 0 {
			return &ValidationError{Field: "topology.regions.nodes", Value: fmt.Sprint(r.Nodes), Message: "node count must be positive"}
		}
	}
	return nil
}

const (
	regionRadius = 40.0
	nodeSpacing  = 6.0
	machineLift  = 1.5
	machineStep  = 0.8
)

// regionPosition spreads regions evenly on a ring.
func regionPosition(i, total int) Vec3 {
	if total <= 1 {
		return Vec3{}
	}
	angle := 2 * math.Pi * float64(i) / float64(total)
	return Vec3{X: math.Round(regionRadius*math.Cos(angle)*100) / 100, Z: math.Round(regionRadius*math.Sin(angle)*100) / 100}
}

// nodePosition lays nodes out on a square grid centred on their region.
func nodePosition(center Vec3, i, total int) Vec3 {
	cols := int(math.Ceil(math.Sqrt(float64(total))))
	row, col := i/cols, i%cols
	offset := float64(cols-1) * nodeSpacing / 2
	return Vec3{
		X: center.X + float64(col)*nodeSpacing - offset,
		Y: 0,
		Z: center.Z + float64(row)*nodeSpacing - offset,
	}
}

// machinePosition stacks machines above their node.
func machinePosition(node Vec3, slot int) Vec3 {
	return Vec3{X: node.X, Y: machineLift + float64(slot)*machineStep, Z: node.Z}
}

// build creates the region and node records described by t.
func (t Topology) build() ([]*Region, []*Node) {
	regions := make([]*Region, 0, len(t.Regions))
	var nodes []*Node
	for i, spec := range t.Regions {
		capacity := spec.Capacity
		if capacity == (Resources{}) {
			capacity = DefaultCapacity
		}
		name := spec.Name
		if name == "" {
			name = spec.ID
		}
		r := &Region{ID: spec.ID, Name: name, Position: regionPosition(i, len(t.Regions))}
		for j := 0; j < spec.Nodes; j++ {
			n := &Node{
				ID:        fmt.Sprintf("%s-node-%02d", spec.ID, j+1),
				Name:      fmt.Sprintf("%s%d", spec.ID, j+1),
				Region:    spec.ID,
				Total:     capacity,
				Available: capacity,
				Status:    NodeHealthy,
				Position:  nodePosition(r.Position, j, spec.Nodes),
			}
			r.NodeIDs = append(r.NodeIDs, n.ID)
			nodes = append(nodes, n)
		}
		regions = append(regions, r)
	}
	return regions, nodes
}
