package audit

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"

	"github.com/pureboot/pureboot/pkg/data"
)

// DefaultSubject is the NATS subject audit events are published on.
const DefaultSubject = "pureboot.audit"

// NATSPublisher publishes audit events as JSON to a NATS subject.
type NATSPublisher struct {
	conn    *nats.Conn
	subject string
}

// NewNATSPublisher connects to the NATS server at url.
func NewNATSPublisher(url, subject string) (*NATSPublisher, error) {
	if subject == "" {
		subject = DefaultSubject
	}
	conn, err := nats.Connect(url, nats.Name("pureboot-audit"))
	if err != nil {
		return nil, fmt.Errorf("connecting to nats %s: %w", url, err)
	}
	return &NATSPublisher{conn: conn, subject: subject}, nil
}

// Publish implements Publisher.
func (p *NATSPublisher) Publish(_ context.Context, event data.AuditEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encoding audit event: %w", err)
	}
	return p.conn.Publish(p.subject, payload)
}

// Close drains and closes the connection.
func (p *NATSPublisher) Close() {
	p.conn.Drain() //nolint:errcheck
}
