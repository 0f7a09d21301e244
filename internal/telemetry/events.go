package telemetry

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// EventStatusChanged is the type of the event published after every
// reconcile write.
const EventStatusChanged = "server.status_changed"

// StatusChanged describes a server leaving a transient status.
type StatusChanged struct {
	Type      string    `json:"type"`
	ServerID  string    `json:"server_id"`
	JobID     string    `json:"job_id"`
	Action    string    `json:"action"`
	From      string    `json:"from"`
	To        string    `json:"to"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Publisher delivers status-change events to subscribers outside the
// process. Publishing is best effort.
type Publisher interface {
	PublishStatusChanged(ctx context.Context, event StatusChanged) error
	Close()
}

// Subject returns the NATS subject for events about one server.
func Subject(serverID string) string {
	return "vpsd.servers." + serverID
}

// NewPublisher connects to NATS at url, or returns a NopPublisher when
// url is empty.
func NewPublisher(url string, logger zerolog.Logger) (Publisher, error) {
	if url == "" {
		return NopPublisher{}, nil
	}
	return NewNATSPublisher(url, logger)
}

// NATSPublisher publishes events as JSON on core NATS.
type NATSPublisher struct {
	nc *nats.Conn
}

func NewNATSPublisher(url string, logger zerolog.Logger) (*NATSPublisher, error) {
	log := Component(logger, "events")
	opts := []nats.Option{
		nats.Name("vpsd"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn().Err(err).Msg("nats disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("nats reconnected")
		}),
	}
	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("telemetry: connect to nats: %w", err)
	}
	return &NATSPublisher{nc: nc}, nil
}

func (p *NATSPublisher) PublishStatusChanged(_ context.Context, event StatusChanged) error {
	if p.nc == nil || p.nc.IsClosed() {
		return fmt.Errorf("telemetry: nats not connected")
	}
	payload, err := encodeEvent(event)
	if err != nil {
		return err
	}
	return p.nc.Publish(Subject(event.ServerID), payload)
}

func (p *NATSPublisher) Close() {
	if p.nc != nil {
		_ = p.nc.Drain()
	}
}

// NopPublisher discards events.
type NopPublisher struct{}

func (NopPublisher) PublishStatusChanged(context.Context, StatusChanged) error { return nil }
func (NopPublisher) Close() {}

func encodeEvent(event StatusChanged) ([]byte, error) {
	if event.Type == "" {
		event.Type = EventStatusChanged
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("telemetry: encode event: %w", err)
	}
	return payload, nil
}
