package streaming

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/itskum47/agentforge/control_plane/logging"
)

// LogPublisher traces every broadcast at debug level. It is attached only
// when debug logging is on.
type LogPublisher struct {
	log *logrus.Entry
}

func NewLogPublisher() *LogPublisher {
	return &LogPublisher{log: logging.For("events")}
}

func (p *LogPublisher) Publish(_ context.Context, topic string, event Event) error {
	p.log.WithFields(logrus.Fields{
		"topic":      topic,
		"event_type": event.Type,
		"event_id":   event.ID,
		"source":     event.Source,
	}).Debug("event broadcast")
	return nil
}

func (p *LogPublisher) Close() error { return nil }
