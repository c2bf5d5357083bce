package streaming

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/itskum47/agentforge/control_plane/logging"
	"github.com/itskum47/agentforge/control_plane/observability"
)

const (
	defaultSubscriberBuffer = 256
	publishQueueSize        = 1024
	publishTimeout          = 2 * time.Second
)

// Subscription receives events for the topics it holds. Events are dropped
// when the buffer is full.
type Subscription struct {
	b      *Broadcaster
	ch     chan Event
	topics map[string]struct{}
	closed bool
}

// C returns the event channel. It is closed by Close.
func (s *Subscription) C() <-chan Event { return s.ch }

// Subscribe adds topics to the subscription.
func (s *Subscription) Subscribe(topics ...string) {
	s.b.mu.Lock()
	defer s.b.mu.Unlock()
	if s.closed {
		return
	}
	for _, t := range topics {
		s.topics[t] = struct{}{}
		subs, ok := s.b.topics[t]
		if !ok {
			subs = make(map[*Subscription]struct{})
			s.b.topics[t] = subs
		}
		subs[s] = struct{}{}
	}
}

// Unsubscribe removes topics from the subscription.
func (s *Subscription) Unsubscribe(topics ...string) {
	s.b.mu.Lock()
	defer s.b.mu.Unlock()
	for _, t := range topics {
		s.b.removeLocked(s, t)
	}
}

// Topics returns the currently subscribed topics.
func (s *Subscription) Topics() []string {
	s.b.mu.RLock()
	defer s.b.mu.RUnlock()
	out := make([]string, 0, len(s.topics))
	for t := range s.topics {
		out = append(out, t)
	}
	return out
}

// Close detaches the subscription and closes its channel.
func (s *Subscription) Close() {
	s.b.mu.Lock()
	defer s.b.mu.Unlock()
	if s.closed {
		return
	}
	for t := range s.topics {
		s.b.removeLocked(s, t)
	}
	delete(s.b.subscribers, s)
	s.closed = true
	close(s.ch)
}

// Broadcaster fans events out to in-process subscribers by topic and
// forwards every event to the configured publishers in broadcast order.
// Delivery is best-effort: no subscribers is not an error.
type Broadcaster struct {
	mu          sync.RWMutex
	topics      map[string]map[*Subscription]struct{}
	subscribers map[*Subscription]struct{}
	bufferSize  int

	publishers []Publisher
	pubMu      sync.RWMutex
	pubQueue   chan Event
	pubClosed  bool
	pubDone    chan struct{}
	closeOnce  sync.Once

	log *logrus.Entry
}

// NewBroadcaster creates a broadcaster. Publishers are optional.
func NewBroadcaster(publishers ...Publisher) *Broadcaster {
	b := &Broadcaster{
		topics:      make(map[string]map[*Subscription]struct{}),
		subscribers: make(map[*Subscription]struct{}),
		bufferSize:  defaultSubscriberBuffer,
		publishers:  publishers,
		log:         logging.For("broadcaster"),
	}
	if len(publishers) > 0 {
		b.pubQueue = make(chan Event, publishQueueSize)
		b.pubDone = make(chan struct{})
		go b.publishLoop()
	}
	return b
}

// NewSubscription registers a subscriber holding the given topics.
func (b *Broadcaster) NewSubscription(topics ...string) *Subscription {
	s := &Subscription{
		b:      b,
		ch:     make(chan Event, b.bufferSize),
		topics: make(map[string]struct{}),
	}
	b.mu.Lock()
	b.subscribers[s] = struct{}{}
	b.mu.Unlock()
	s.Subscribe(topics...)
	return s
}

func (b *Broadcaster) removeLocked(s *Subscription, topic string) {
	delete(s.topics, topic)
	if subs, ok := b.topics[topic]; ok {
		delete(subs, s)
		if len(subs) == 0 {
			delete(b.topics, topic)
		}
	}
}

// SubscriberCount returns the number of live subscriptions.
func (b *Broadcaster) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

func newEvent(topic, eventType string, payload interface{}) Event {
	return Event{
		ID:        uuid.NewString(),
		Topic:     topic,
		Type:      eventType,
		Payload:   payload,
		Timestamp: time.Now().UTC(),
		Source:    "control-plane",
	}
}

// emit delivers ev to every subscriber of any of the topics once.
func (b *Broadcaster) emit(ev Event, topics ...string) {
	b.mu.RLock()
	seen := make(map[*Subscription]struct{})
	for _, t := range topics {
		for s := range b.topics[t] {
			if _, dup := seen[s]; dup {
				continue
			}
			seen[s] = struct{}{}
			b.deliver(s, ev)
		}
	}
	b.mu.RUnlock()

	observability.BroadcastEvents.WithLabelValues(topicKind(ev.Topic)).Inc()
	b.enqueuePublish(ev)
}

// deliver must be called with mu held.
func (b *Broadcaster) deliver(s *Subscription, ev Event) {
	if s.closed {
		return
	}
	select {
	case s.ch <- ev:
	default:
		observability.BroadcastDropped.Inc()
	}
}

func topicKind(topic string) string {
	if i := strings.IndexByte(topic, ':'); i > 0 {
		return topic[:i]
	}
	return topic
}

// BroadcastAgentStatus notifies the agents topic and the agent's own topic.
func (b *Broadcaster) BroadcastAgentStatus(agentID, newStatus, prevStatus, reason string) {
	ev := newEvent(AgentTopic(agentID), "agent.status", AgentStatusUpdate{
		AgentID:        agentID,
		Status:         newStatus,
		PreviousStatus: prevStatus,
		Reason:         reason,
	})
	b.emit(ev, TopicAgents, AgentTopic(agentID))
}

// BroadcastExecution notifies the tasks topic, the task's topic and the
// agent's topic.
func (b *Broadcaster) BroadcastExecution(u ExecutionUpdate) {
	eventType := "execution." + string(u.Phase)
	if u.Kind != "" {
		eventType = "execution." + u.Kind
	}
	ev := newEvent(TaskTopic(u.TaskID), eventType, u)
	b.emit(ev, TopicTasks, TaskTopic(u.TaskID), AgentTopic(u.AgentID))
}

func (b *Broadcaster) BroadcastToAgent(agentID, eventType string, payload interface{}) {
	topic := AgentTopic(agentID)
	b.emit(newEvent(topic, eventType, payload), topic)
}

func (b *Broadcaster) BroadcastToServer(serverID, eventType string, payload interface{}) {
	topic := ServerTopic(serverID)
	b.emit(newEvent(topic, eventType, payload), topic)
}

// BroadcastAll reaches every subscriber regardless of topics.
func (b *Broadcaster) BroadcastAll(eventType string, payload interface{}) {
	ev := newEvent("all", eventType, payload)
	b.mu.RLock()
	for s := range b.subscribers {
		b.deliver(s, ev)
	}
	b.mu.RUnlock()

	observability.BroadcastEvents.WithLabelValues("all").Inc()
	b.enqueuePublish(ev)
}

func (b *Broadcaster) enqueuePublish(ev Event) {
	if b.pubQueue == nil {
		return
	}
	b.pubMu.RLock()
	defer b.pubMu.RUnlock()
	if b.pubClosed {
		return
	}
	select {
	case b.pubQueue <- ev:
	default:
		observability.EventPublishFailures.WithLabelValues("all", "queue_full").Inc()
	}
}

// publishLoop forwards events one at a time so publishers observe broadcast
// order. Failures are logged and metered, never raised.
func (b *Broadcaster) publishLoop() {
	defer close(b.pubDone)
	for ev := range b.pubQueue {
		for _, p := range b.publishers {
			ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
			if err := p.Publish(ctx, ev.Topic, ev); err != nil {
				b.log.WithError(err).WithField("topic", ev.Topic).Warn("event publish failed (non-critical)")
				observability.EventPublishFailures.WithLabelValues(publisherName(p), "error").Inc()
			}
			cancel()
		}
	}
}

func publisherName(p Publisher) string {
	switch p.(type) {
	case *NATSPublisher:
		return "nats"
	case *LogPublisher:
		return "log"
	default:
		return "other"
	}
}

// Close drains pending publishes, closes publishers and detaches every
// subscriber.
func (b *Broadcaster) Close() error {
	b.closeOnce.Do(func() {
		if b.pubQueue != nil {
			b.pubMu.Lock()
			b.pubClosed = true
			close(b.pubQueue)
			b.pubMu.Unlock()
			<-b.pubDone
			for _, p := range b.publishers {
				if err := p.Close(); err != nil {
					b.log.WithError(err).Warn("publisher close failed")
				}
			}
		}
		b.mu.Lock()
		subs := make([]*Subscription, 0, len(b.subscribers))
		for s := range b.subscribers {
			subs = append(subs, s)
		}
		b.mu.Unlock()
		for _, s := range subs {
			s.Close()
		}
	})
	return nil
}
