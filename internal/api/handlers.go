package api

import (
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/3cpo-dev/fleetsim/internal/sim"
	"github.com/3cpo-dev/fleetsim/internal/telemetry"
	wire "github.com/3cpo-dev/fleetsim/pkg/api"
	"github.com/gin-gonic/gin"
)

// getHealth answers 503 only when a check is unhealthy. A degraded report,
// such as a full cluster, is still a live server.
func (s *Server) getHealth(c *gin.Context) {
	report := s.health.Run(c.Request.Context())
	code := http.StatusOK
	if report.Status == telemetry.HealthStatusUnhealthy {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, report)
}

func (s *Server) getVersion(c *gin.Context) {
	c.JSON(http.StatusOK, wire.VersionResponse{Version: s.version, Strategy: s.orch.Strategy()})
}

func (s *Server) listRegions(c *gin.Context) {
	c.JSON(http.StatusOK, wire.NewList(s.orch.Regions()))
}

func (s *Server) listNodes(c *gin.Context) {
	nodes := s.orch.Nodes()
	if region := c.Query("region"); region != "" {
		filtered := nodes[:0]
		for _, n := range nodes {
			if n.Region == region {
				filtered = append(filtered, n)
			}
		}
		nodes = filtered
	}
	c.JSON(http.StatusOK, wire.NewList(nodes))
}

func (s *Server) getNode(c *gin.Context) {
	n, ok := s.orch.Node(c.Param("id"))
	if !ok {
		s.fail(c, fmt.Errorf("%w: %s", sim.ErrNodeNotFound, c.Param("id")))
		return
	}
	c.JSON(http.StatusOK, n)
}

func (s *Server) setNodeOffline(offline bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		n, err := s.orch.SetNodeOffline(c.Param("id"), offline)
		if err != nil {
			s.fail(c, err)
			return
		}
		c.JSON(http.StatusOK, n)
	}
}

func (s *Server) listMachines(c *gin.Context) {
	f := sim.MachineFilter{
		Namespace: c.Query("namespace"),
		Fleet:     c.Query("fleet"),
		NodeID:    c.Query("node"),
		Status:    sim.MachineStatus(c.Query("status")),
	}
	if f.Status != "" && !knownStatus(f.Status) {
		s.fail(c, &sim.ValidationError{Field: "status", Value: string(f.Status), Message: "unknown machine status"})
		return
	}
	c.JSON(http.StatusOK, wire.NewList(s.orch.Machines(f)))
}

func knownStatus(st sim.MachineStatus) bool {
	for _, known := range sim.MachineStatuses {
		if st == known {
			return true
		}
	}
	return false
}

func (s *Server) getMachine(c *gin.Context) {
	m, ok := s.orch.Machine(c.Param("id"))
	if !ok {
		s.fail(c, fmt.Errorf("%w: %s", sim.ErrMachineNotFound, c.Param("id")))
		return
	}
	c.JSON(http.StatusOK, m)
}

func (s *Server) createMachine(c *gin.Context) {
	var req sim.CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.fail(c, &sim.ValidationError{Field: "body", Message: err.Error()})
		return
	}
	m, err := s.orch.CreateMachine(req)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, m)
}

func (s *Server) startMachine(c *gin.Context) {
	s.transition(c, s.orch.StartMachine)
}

func (s *Server) stopMachine(c *gin.Context) {
	s.transition(c, s.orch.StopMachine)
}

func (s *Server) destroyMachine(c *gin.Context) {
	s.transition(c, s.orch.DestroyMachine)
}

func (s *Server) transition(c *gin.Context, op func(string) (*sim.Machine, error)) {
	m, err := op(c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, m)
}

// machineEvents prefers the journal, which still holds events of removed
// machines and is not capped.
func (s *Server) machineEvents(c *gin.Context) {
	id := c.Param("id")
	var evs []sim.MachineEvent
	if s.journal != nil {
		var err error
		if evs, err = s.journal.ForMachine(c.Request.Context(), id); err != nil {
			s.fail(c, err)
			return
		}
	} else {
		for _, e := range s.orch.Events() {
			if e.MachineID == id {
				evs = append(evs, e)
			}
		}
	}
	if len(evs) == 0 {
		if _, ok := s.orch.Machine(id); !ok {
			s.fail(c, fmt.Errorf("%w: %s", sim.ErrMachineNotFound, id))
			return
		}
	}
	c.JSON(http.StatusOK, wire.NewList(evs))
}

func (s *Server) getStats(c *gin.Context) {
	c.JSON(http.StatusOK, s.orch.ClusterStats())
}

// listEvents returns the newest events, oldest first. source=journal reads
// the SQLite journal instead of the in-memory log.
func (s *Server) listEvents(c *gin.Context) {
	limit := sim.DefaultEventLogSize
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			s.fail(c, &sim.ValidationError{Field: "limit", Value: v, Message: "must be a positive integer"})
			return
		}
		limit = n
	}
	var evs []sim.MachineEvent
	switch c.DefaultQuery("source", "memory") {
	case "memory":
		evs = s.orch.Events()
		if len(evs) > limit {
			evs = evs[len(evs)-limit:]
		}
	case "journal":
		if s.journal == nil {
			s.fail(c, &sim.ValidationError{Field: "source", Value: "journal", Message: "journal is not enabled"})
			return
		}
		var err error
		if evs, err = s.journal.Recent(c.Request.Context(), limit); err != nil {
			s.fail(c, err)
			return
		}
	default:
		s.fail(c, &sim.ValidationError{Field: "source", Value: c.Query("source"), Message: "must be memory or journal"})
		return
	}
	c.JSON(http.StatusOK, wire.NewList(evs))
}

// streamEvents sends machine events as server-sent events until the client
// goes away. replay=true first sends the retained in-memory log.
func (s *Server) streamEvents(c *gin.Context) {
	ch, cancel := s.broker.Subscribe()
	defer cancel()
	var backlog []sim.MachineEvent
	// Events recorded before Subscribe may still be in flight to the
	// broker; the backlog already carries them.
	replayed := map[string]bool{}
	if replay, _ := strconv.ParseBool(c.Query("replay")); replay {
		backlog = s.orch.Events()
		for _, e := range backlog {
			replayed[e.ID] = true
		}
	}
	c.Header("Cache-Control", "no-cache")
	c.Header("X-Accel-Buffering", "no")
	c.Stream(func(w io.Writer) bool {
		if len(backlog) > 0 {
			c.SSEvent(wire.StreamEvent, backlog[0])
			backlog = backlog[1:]
			return true
		}
		select {
		case e, ok := <-ch:
			if !ok {
				return false
			}
			if replayed[e.ID] {
				delete(replayed, e.ID)
				return true
			}
			c.SSEvent(wire.StreamEvent, e)
			return true
		case <-c.Request.Context().Done():
			return false
		}
	})
}

func (s *Server) getSnapshot(c *gin.Context) {
	c.JSON(http.StatusOK, s.orch.Snapshot())
}
