package sim

import (
	"errors"
	"fmt"
)

var (
	ErrMachineNotFound = errors.New("machine not found")
	ErrNodeNotFound    = errors.New("node not found")
	ErrInvalidState    = errors.New("invalid machine state")
	ErrNoCapacity      = errors.New("no node has capacity for request")
)

// ValidationError reports a rejected field of a request.
type ValidationError struct {
	Field   string
	Value   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error: %s=%s: %s", e.Field, e.Value, e.Message)
}

// CreateRequest is the input of CreateMachine.
type CreateRequest struct {
	Namespace string    `json:"namespace"`
	Fleet     string    `json:"fleet"`
	Image     string    `json:"image"`
	Name      string    `json:"name,omitempty"`
	Resources Resources `json:"resources"`
}

// Validate checks the request before placement.
func (r CreateRequest) Validate() error {
	if r.Namespace == "" {
		return &ValidationError{Field: "namespace", Message: "namespace is required"}
	}
	if r.Fleet == "" {
		return &ValidationError{Field: "fleet", Message: "fleet is required"}
	}
	if r.Image == "" {
		return &ValidationError{Field: "image", Message: "image is required"}
	}
	if r.Resources.CPU <= 0 {
		return &ValidationError{Field: "resources.cpu_mhz", Value: fmt.Sprint(r.Resources.CPU), Message: "must be positive"}
	}
	if r.Resources.Memory <= 0 {
		return &ValidationError{Field: "resources.memory_mb", Value: fmt.Sprint(r.Resources.Memory), Message: "must be positive"}
	}
	if r.Resources.Network < 0 {
		return &ValidationError{Field: "resources.network_interfaces", Value: fmt.Sprint(r.Resources.Network), Message: "must not be negative"}
	}
	return nil
}
