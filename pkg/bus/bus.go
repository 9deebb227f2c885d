// Package bus implements the single-producer-many-consumer in-process
// broker spec §9 calls for: message passing between the executor loop and
// its consumers (REST/WebSocket fan-out, devnet wiring) rather than shared
// mutable state behind locks. A bounded channel per subscriber, with
// non-blocking sends, prevents a slow consumer from stalling the executor
// loop.
package bus

import (
	"sync"

	"github.com/hyli-rollup/orderbook/pkg/ome"
)

// Topic is a fan-out routing key: "user" for BalanceUpdated, or
// "{base}-{quote}" for every other event, per spec §6.
type Topic string

const UserTopic Topic = "user"

// PairTopic returns the topic name for a pair's non-balance events.
func PairTopic(pair ome.TokenPair) Topic {
	return Topic(pair.Base + "-" + pair.Quote)
}

// Message is one routed event plus the topic it was published under.
type Message struct {
	Topic Topic
	Event ome.Event
}

// Bus fans out published messages to any number of subscribers. Each
// subscriber gets its own bounded channel; a full channel drops the
// message for that subscriber rather than blocking the publisher.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[int]*subscriber
	nextID      int
	bufferSize  int
}

type subscriber struct {
	ch     chan Message
	topics map[Topic]struct{} // empty means "all topics"
}

// New returns a Bus whose per-subscriber channels have the given buffer
// size.
func New(bufferSize int) *Bus {
	if bufferSize <= 0 {
		bufferSize = 256
	}
	return &Bus{subscribers: make(map[int]*subscriber), bufferSize: bufferSize}
}

// Subscription is a handle a consumer uses to receive messages and to
// unsubscribe when done.
type Subscription struct {
	id  int
	bus *Bus
	ch  chan Message
}

// Messages returns the channel to range over.
func (s *Subscription) Messages() <-chan Message { return s.ch }

// Close unsubscribes and releases the channel.
func (s *Subscription) Close() {
	s.bus.mu.Lock()
	delete(s.bus.subscribers, s.id)
	s.bus.mu.Unlock()
	close(s.ch)
}

// Subscribe registers a new consumer. If topics is empty, the consumer
// receives every topic.
func (b *Bus) Subscribe(topics ...Topic) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextID
	b.nextID++
	set := make(map[Topic]struct{}, len(topics))
	for _, t := range topics {
		set[t] = struct{}{}
	}
	sub := &subscriber{ch: make(chan Message, b.bufferSize), topics: set}
	b.subscribers[id] = sub
	return &Subscription{id: id, bus: b, ch: sub.ch}
}

// Publish routes one event to every subscriber interested in topic. A
// subscriber whose channel is full has the message dropped for it — the
// executor loop is never blocked by a slow consumer.
func (b *Bus) Publish(topic Topic, event ome.Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	msg := Message{Topic: topic, Event: event}
	for _, sub := range b.subscribers {
		if len(sub.topics) > 0 {
			if _, ok := sub.topics[topic]; !ok {
				continue
			}
		}
		select {
		case sub.ch <- msg:
		default:
		}
	}
}

// PublishAll routes a batch of events emitted by one OME action,
// preserving generation order per subscriber and choosing each event's
// topic per spec §6 (BalanceUpdated -> "user", everything else ->
// "{base}-{quote}").
func (b *Bus) PublishAll(events []ome.Event) {
	for _, e := range events {
		if e.Kind == ome.EventBalanceUpdated {
			b.Publish(UserTopic, e)
			continue
		}
		pair := e.Pair
		if e.Kind == ome.EventOrderCreated && e.Order != nil {
			pair = e.Order.Pair
		}
		b.Publish(PairTopic(pair), e)
	}
}
