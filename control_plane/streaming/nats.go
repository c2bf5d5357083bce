package streaming

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/nats-io/nats.go"
)

// natsConn is the subset of *nats.Conn used by NATSPublisher.
type natsConn interface {
	Publish(subj string, data []byte) error
	FlushWithContext(ctx context.Context) error
	Drain() error
}

// NATSPublisher bridges broadcast events to NATS subjects so consumers
// outside the control plane can follow execution progress. Topic
// "task:abc" is published on "<prefix>.task.abc".
type NATSPublisher struct {
	nc     natsConn
	prefix string
}

// NewNATSPublisher connects to url and publishes under prefix.
func NewNATSPublisher(url, prefix string) (*NATSPublisher, error) {
	nc, err := nats.Connect(url, nats.Name("agentforge-control-plane"))
	if err != nil {
		return nil, err
	}
	return newNATSPublisher(nc, prefix), nil
}

func newNATSPublisher(nc natsConn, prefix string) *NATSPublisher {
	if prefix == "" {
		prefix = "agentforge.events"
	}
	return &NATSPublisher{nc: nc, prefix: prefix}
}

// Subject maps a broadcast topic to a NATS subject.
func (p *NATSPublisher) Subject(topic string) string {
	return p.prefix + "." + strings.ReplaceAll(topic, ":", ".")
}

func (p *NATSPublisher) Publish(ctx context.Context, topic string, event Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	return p.nc.Publish(p.Subject(topic), data)
}

func (p *NATSPublisher) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	_ = p.nc.FlushWithContext(ctx)
	return p.nc.Drain()
}
