package api

import (
	"errors"
	"net/http"

	"github.com/3cpo-dev/fleetsim/internal/sim"
	wire "github.com/3cpo-dev/fleetsim/pkg/api"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

// statusFor maps simulator errors onto HTTP status codes.
func statusFor(err error) int {
	var ve *sim.ValidationError
	switch {
	case errors.As(err, &ve):
		return http.StatusBadRequest
	case errors.Is(err, sim.ErrMachineNotFound), errors.Is(err, sim.ErrNodeNotFound):
		return http.StatusNotFound
	case errors.Is(err, sim.ErrInvalidState):
		return http.StatusConflict
	case errors.Is(err, sim.ErrNoCapacity):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func (s *Server) fail(c *gin.Context, err error) {
	code := statusFor(err)
	if code == http.StatusInternalServerError {
		log.Error().Err(err).Str("path", c.Request.URL.Path).Msg("Request failed")
	}
	c.JSON(code, wire.ErrorResponse{Detail: err.Error()})
}
