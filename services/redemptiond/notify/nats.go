package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
)

// DefaultSubjectPrefix roots the published subjects: <prefix>.<status>.
const DefaultSubjectPrefix = "repaircoin.redemption"

type natsConn interface {
	Publish(subject string, data []byte) error
}

// NATSPublisher publishes events for the external push-notification service.
type NATSPublisher struct {
	conn   natsConn
	nc     *nats.Conn
	prefix string
}

// DialNATS connects to url and returns a publisher owning the connection.
func DialNATS(url, name, prefix string) (*NATSPublisher, error) {
	nc, err := nats.Connect(url,
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.Timeout(5*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}
	p := NewNATSPublisher(nc, prefix)
	p.nc = nc
	return p, nil
}

// NewNATSPublisher publishes over an existing connection.
func NewNATSPublisher(conn natsConn, prefix string) *NATSPublisher {
	prefix = strings.Trim(strings.TrimSpace(prefix), ".")
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	return &NATSPublisher{conn: conn, prefix: prefix}
}

// Subject returns the subject an event is published on.
func (p *NATSPublisher) Subject(event Event) string {
	return p.prefix + "." + string(event.Status)
}

func (p *NATSPublisher) Publish(_ context.Context, event Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	if err := p.conn.Publish(p.Subject(event), data); err != nil {
		return fmt.Errorf("publish event: %w", err)
	}
	return nil
}

// Close drains the owned connection, if any.
func (p *NATSPublisher) Close() {
	if p == nil || p.nc == nil {
		return
	}
	_ = p.nc.Drain()
	p.nc.Close()
}
