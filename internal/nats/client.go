// Package nats carries scheduling traffic over JetStream: flight updates
// produced by the engine and admission requests consumed by it.
package nats

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/herver/vacdm-server/internal/types"
)

const (
	StreamCDM            = "CDM"
	SubjectFlightUpdated = "cdm.flights.updated"
	SubjectAdmit         = "cdm.flights.admit"
)

// AdmissionRequest asks the scheduler to (re)admit a stored flight
type AdmissionRequest struct {
	Callsign string `json:"callsign"`
}

// Client represents a NATS client
type Client struct {
	conn   *nats.Conn
	js     nats.JetStreamContext
	logger *slog.Logger
}

// New creates a new NATS client
func New(url string) (*Client, error) {
	nc, err := nats.Connect(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to get JetStream context: %w", err)
	}

	// Create stream if it doesn't exist
	_, err = js.AddStream(&nats.StreamConfig{
		Name:     StreamCDM,
		Subjects: []string{SubjectFlightUpdated, SubjectAdmit},
		Storage:  nats.FileStorage,
		MaxAge:   24 * time.Hour,
	})
	if err != nil && !strings.Contains(err.Error(), "stream name already in use") {
		nc.Close()
		return nil, fmt.Errorf("failed to create stream: %w", err)
	}

	return &Client{
		conn:   nc,
		js:     js,
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}, nil
}

// WithLogger sets the logger used for subscription errors
func (c *Client) WithLogger(l *slog.Logger) *Client {
	c.logger = l
	return c
}

// PublishFlightUpdate publishes the scheduled state of a flight
func (c *Client) PublishFlightUpdate(flight *types.Flight) error {
	data, err := json.Marshal(flight)
	if err != nil {
		return fmt.Errorf("failed to marshal flight: %w", err)
	}

	if _, err := c.js.Publish(SubjectFlightUpdated, data); err != nil {
		return fmt.Errorf("failed to publish flight update: %w", err)
	}
	return nil
}

// FlightUpdated publishes every flight the engine persisted
func (c *Client) FlightUpdated(ctx context.Context, flight *types.Flight) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return c.PublishFlightUpdate(flight)
}

// SubscribeFlightUpdates subscribes to flight updates published from now on
func (c *Client) SubscribeFlightUpdates(handler func(*types.Flight)) error {
	_, err := c.js.Subscribe(SubjectFlightUpdated, func(msg *nats.Msg) {
		var flight types.Flight
		if err := json.Unmarshal(msg.Data, &flight); err != nil {
			c.logger.Error("failed to decode flight update", slog.String("error", err.Error()))
			return
		}
		handler(&flight)
	}, nats.DeliverNew())
	if err != nil {
		return fmt.Errorf("failed to subscribe: %w", err)
	}
	return nil
}

// RequestAdmission queues an admission request for a flight
func (c *Client) RequestAdmission(callsign string) error {
	data, err := encodeAdmission(callsign)
	if err != nil {
		return err
	}
	if _, err := c.js.Publish(SubjectAdmit, data); err != nil {
		return fmt.Errorf("failed to publish admission request: %w", err)
	}
	return nil
}

// SubscribeAdmissions subscribes to admission requests published from now on
func (c *Client) SubscribeAdmissions(handler func(callsign string)) error {
	_, err := c.js.Subscribe(SubjectAdmit, func(msg *nats.Msg) {
		callsign, err := decodeAdmission(msg.Data)
		if err != nil {
			c.logger.Warn("dropping admission request", slog.String("error", err.Error()))
			return
		}
		handler(callsign)
	}, nats.DeliverNew())
	if err != nil {
		return fmt.Errorf("failed to subscribe: %w", err)
	}
	return nil
}

// Close closes the NATS connection
func (c *Client) Close() {
	if c.conn != nil {
		c.conn.Close()
	}
}

func encodeAdmission(callsign string) ([]byte, error) {
	if callsign == "" {
		return nil, fmt.Errorf("admission request without callsign")
	}
	data, err := json.Marshal(AdmissionRequest{Callsign: callsign})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal admission request: %w", err)
	}
	return data, nil
}

func decodeAdmission(data []byte) (string, error) {
	var req AdmissionRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return "", fmt.Errorf("failed to unmarshal admission request: %w", err)
	}
	callsign := strings.ToUpper(strings.TrimSpace(req.Callsign))
	if callsign == "" {
		return "", fmt.Errorf("admission request without callsign")
	}
	return callsign, nil
}
