// Package api holds the JSON envelopes shared by the fleetsim HTTP server
// and its clients.
package api

// List wraps every collection response.
type List[T any] struct {
	Count   int    `json:"count"`
	Results []T    `json:"results"`
	Detail  string `json:"detail,omitempty"`
}

// NewList builds a List, never encoding a null results array.
func NewList[T any](items []T) List[T] {
	if items == nil {
		items = []T{}
	}
	return List[T]{Count: len(items), Results: items}
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Detail string `json:"detail"`
}

type VersionResponse struct {
	Version  string `json:"version"`
	Strategy string `json:"strategy"`
}

// StreamEvent is the SSE event name used for machine events.
const StreamEvent = "machine_event"
