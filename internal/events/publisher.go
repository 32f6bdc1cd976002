// Package events forwards machine events to NATS.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/3cpo-dev/fleetsim/internal/sim"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"
)

var ErrNotConnected = errors.New("nats not connected")

// Conn is the part of *nats.Conn the publisher needs.
type Conn interface {
	Publish(subject string, data []byte) error
	IsClosed() bool
	Drain() error
	Close()
}

type Publisher struct {
	nc      Conn
	subject string
}

// NewPublisher connects to url and reconnects forever in the background.
func NewPublisher(url, subject string) (*Publisher, error) {
	opts := []nats.Option{
		nats.Name("fleetsim"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			log.Warn().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
	}
	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect nats %s: %w", url, err)
	}
	return NewPublisherWithConn(nc, subject), nil
}

// NewPublisherWithConn wraps an existing connection.
func NewPublisherWithConn(nc Conn, subject string) *Publisher {
	return &Publisher{nc: nc, subject: subject}
}

func (p *Publisher) Subject() string { return p.subject }

// Publish sends e as JSON on the publisher's subject.
func (p *Publisher) Publish(ctx context.Context, e sim.MachineEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if p.nc == nil || p.nc.IsClosed() {
		return ErrNotConnected
	}
	payload, err := Encode(e)
	if err != nil {
		return err
	}
	return p.nc.Publish(p.subject, payload)
}

// Listener publishes every event. Failures are logged.
func (p *Publisher) Listener() sim.Listener {
	return func(e sim.MachineEvent) {
		if err := p.Publish(context.Background(), e); err != nil {
			log.Warn().Err(err).Str("subject", p.subject).Str("machine", e.MachineID).Msg("Failed to publish event")
		}
	}
}

func (p *Publisher) Close() {
	if p.nc != nil {
		p.nc.Drain()
		p.nc.Close()
	}
}

func Encode(e sim.MachineEvent) ([]byte, error) {
	b, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("encode event: %w", err)
	}
	return b, nil
}

func Decode(b []byte) (sim.MachineEvent, error) {
	var e sim.MachineEvent
	if err := json.Unmarshal(b, &e); err != nil {
		return e, fmt.Errorf("decode event: %w", err)
	}
	return e, nil
}
