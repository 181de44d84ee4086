// Package eventbus implements the in-process pub/sub fabric every producer
// (S1-S5, external sensors, the AMQP adapter) publishes onto. Ordered
// delivery, backpressure, and batch delivery follow spec.md §4.2; the
// owner goroutine serializes all subscription bookkeeping the way the
// teacher's events.Broker serializes broadcast through a single run loop.
package eventbus

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cuemby/cybersyn/pkg/clock"
	"github.com/cuemby/cybersyn/pkg/log"
	"github.com/cuemby/cybersyn/pkg/metrics"
	"github.com/cuemby/cybersyn/pkg/value"
	"github.com/rs/zerolog"
)

// Metadata carries the producer-supplied context for an Event.
type Metadata struct {
	Source     string
	Priority   int
	Subsystem  string
	Tags       []string
}

// Event is the immutable unit of intelligence flowing through the fabric.
// ID is a content hash of Payload+Timestamp, computed once at publish time.
// Late is set on delivery (never at publish) for an ordered subscriber that
// received this event after its HLC-sorted spot in the buffer had already
// passed — see deliverOrdered.
type Event struct {
	ID        string
	Topic     string
	Timestamp clock.Timestamp
	Payload   value.Value
	Metadata  Metadata
	Late      bool
}

// Field resolves a dotted path ("payload.temperature", "metadata.source")
// against the event, transparently rooting at Payload or Metadata.
func (e *Event) Field(path string) (value.Value, bool) {
	switch {
	case path == "metadata.source":
		return value.Str(e.Metadata.Source), true
	case path == "metadata.subsystem":
		return value.Str(e.Metadata.Subsystem), true
	case path == "metadata.priority":
		return value.I64(int64(e.Metadata.Priority)), true
	case path == "topic":
		return value.Str(e.Topic), true
	default:
		return value.Lookup(e.Payload, trimPayloadPrefix(path))
	}
}

func trimPayloadPrefix(path string) string {
	const prefix = "payload."
	if len(path) > len(prefix) && path[:len(prefix)] == prefix {
		return path[len(prefix):]
	}
	return path
}

// contentHash derives a stable event ID from its timestamp, the payload's
// kind and, for scalar payloads, their string form; map and list payloads
// contribute only their kind. Full structural hashing of nested
// maps/lists is unnecessary here: the HLC timestamp already guarantees
// uniqueness, the hash only needs to be a reproducible fingerprint for
// dedup/logging.
func contentHash(payload value.Value, ts clock.Timestamp) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s|%d", ts.String(), payload.Kind())
	if s, ok := payload.AsString(); ok {
		h.Write([]byte(s))
	}
	return hex.EncodeToString(h.Sum(nil))[:32]
}

// SubscribeOptions configures a subscription's delivery semantics.
type SubscribeOptions struct {
	OrderedDelivery bool
	BufferWindow    time.Duration
	BatchDelivery   bool
}

// Handler processes one event. BatchHandler processes a batch when
// BatchDelivery is enabled.
type Handler func(e *Event)
type BatchHandler func(batch []*Event)

const (
	// AllTopics is the sentinel subscribed-to topic that receives every event.
	AllTopics = ":all"

	subscriberBuffer = 256
	lateBufferCap    = 1024
)

type subscriber struct {
	id      uint64
	topic   string
	handler Handler
	batch   BatchHandler
	opts    SubscribeOptions

	ch     chan *Event
	stopCh chan struct{}

	mu       sync.Mutex
	pending  []*Event // held for ordered-delivery release
	dropped  uint64
}

// Bus is the owner task for publish/subscribe. All mutation of its
// subscriber map happens on the caller's goroutine under mu; delivery runs
// on a per-subscriber goroutine so one slow handler cannot stall publish.
type Bus struct {
	clk *clock.Clock

	mu          sync.RWMutex
	subscribers map[string]map[uint64]*subscriber
	nextID      uint64
}

// New creates a Bus whose HLC timestamps are stamped by clk.
func New(clk *clock.Clock) *Bus {
	return &Bus{
		clk:         clk,
		subscribers: make(map[string]map[uint64]*subscriber),
	}
}

// Publish stamps an HLC timestamp, computes the content-hash ID, and fans
// the event out to matching subscribers. It never blocks on a slow
// subscriber: full per-subscriber buffers drop the oldest entry and bump a
// counter instead of stalling the publisher.
func (b *Bus) Publish(topic string, payload value.Value, meta Metadata) (*Event, error) {
	ts, err := b.clk.Now()
	if err != nil {
		return nil, err
	}
	e := &Event{
		ID:        contentHash(payload, ts),
		Topic:     topic,
		Timestamp: ts,
		Payload:   payload,
		Metadata:  meta,
	}

	b.mu.RLock()
	var targets []*subscriber
	for _, sub := range b.subscribers[topic] {
		targets = append(targets, sub)
	}
	for _, sub := range b.subscribers[AllTopics] {
		targets = append(targets, sub)
	}
	b.mu.RUnlock()

	for _, sub := range targets {
		b.deliver(sub, e)
	}

	metrics.EventsPublishedTotal.WithLabelValues(topic).Inc()
	return e, nil
}

func (b *Bus) deliver(sub *subscriber, e *Event) {
	if sub.opts.OrderedDelivery {
		b.deliverOrdered(sub, e)
		return
	}
	select {
	case sub.ch <- e:
	default:
		// Buffer full: discard the oldest queued event to make room for e.
		select {
		case <-sub.ch:
		default:
		}
		select {
		case sub.ch <- e:
		default:
		}
		sub.mu.Lock()
		sub.dropped++
		sub.mu.Unlock()
		metrics.EventsDroppedTotal.WithLabelValues(e.Topic, "backpressure").Inc()
	}
}

// deliverOrdered buffers e and schedules a release once BufferWindow has
// elapsed, re-sorting the held set by HLC order before release. Arrivals
// whose HLC already precedes the oldest pending event are past the window
// and are delivered immediately, marked late, bypassing the buffer entirely.
func (b *Bus) deliverOrdered(sub *subscriber, e *Event) {
	sub.mu.Lock()
	if len(sub.pending) > 0 && e.Timestamp.Before(sub.pending[0].Timestamp) {
		sub.mu.Unlock()
		b.deliverLate(sub, e)
		return
	}
	if len(sub.pending) >= lateBufferCap {
		sub.pending = sub.pending[1:]
		sub.dropped++
	}
	sub.pending = append(sub.pending, e)
	sort.Slice(sub.pending, func(i, j int) bool {
		return sub.pending[i].Timestamp.Before(sub.pending[j].Timestamp)
	})
	sub.mu.Unlock()

	time.AfterFunc(sub.opts.BufferWindow, func() {
		b.releaseOrdered(sub, e.Timestamp)
	})
}

// deliverLate delivers e immediately, outside the ordering buffer, with
// Late set. The original event is untouched since it may also be headed to
// other subscribers that aren't late for it.
func (b *Bus) deliverLate(sub *subscriber, e *Event) {
	late := *e
	late.Late = true
	select {
	case sub.ch <- &late:
	default:
		sub.mu.Lock()
		sub.dropped++
		sub.mu.Unlock()
		metrics.EventsDroppedTotal.WithLabelValues(e.Topic, "backpressure").Inc()
	}
}

func (b *Bus) releaseOrdered(sub *subscriber, upTo clock.Timestamp) {
	sub.mu.Lock()
	var ready []*Event
	var rest []*Event
	for _, ev := range sub.pending {
		if !ev.Timestamp.After(upTo) {
			ready = append(ready, ev)
		} else {
			rest = append(rest, ev)
		}
	}
	sub.pending = rest
	sub.mu.Unlock()

	for _, ev := range ready {
		select {
		case sub.ch <- ev:
		default:
			sub.mu.Lock()
			sub.dropped++
			sub.mu.Unlock()
			metrics.EventsDroppedTotal.WithLabelValues(ev.Topic, "ordered_overflow").Inc()
		}
	}
}

// Subscribe registers handler for topic (or AllTopics) and returns a
// Subscriber handle for Unsubscribe.
func (b *Bus) Subscribe(topic string, handler Handler, opts SubscribeOptions) *Subscriber {
	return b.subscribe(topic, handler, nil, opts)
}

// SubscribeBatch registers a batch handler, invoked with whatever the
// subscriber's channel accumulated between dispatch ticks.
func (b *Bus) SubscribeBatch(topic string, handler BatchHandler, opts SubscribeOptions) *Subscriber {
	opts.BatchDelivery = true
	return b.subscribe(topic, nil, handler, opts)
}

func (b *Bus) subscribe(topic string, h Handler, bh BatchHandler, opts SubscribeOptions) *Subscriber {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	sub := &subscriber{
		id:      id,
		topic:   topic,
		handler: h,
		batch:   bh,
		opts:    opts,
		ch:      make(chan *Event, subscriberBuffer),
		stopCh:  make(chan struct{}),
	}
	if b.subscribers[topic] == nil {
		b.subscribers[topic] = make(map[uint64]*subscriber)
	}
	b.subscribers[topic][id] = sub
	b.mu.Unlock()

	go b.run(sub)
	return &Subscriber{bus: b, topic: topic, id: id}
}

func (b *Bus) run(sub *subscriber) {
	logger := log.WithTopic(sub.topic)
	const batchFlush = 50 * time.Millisecond
	if !sub.opts.BatchDelivery {
		for {
			select {
			case e := <-sub.ch:
				safeCall(logger, func() { sub.handler(e) })
			case <-sub.stopCh:
				return
			}
		}
	}

	var batch []*Event
	ticker := time.NewTicker(batchFlush)
	defer ticker.Stop()
	flush := func() {
		if len(batch) == 0 {
			return
		}
		toSend := batch
		batch = nil
		safeCall(logger, func() { sub.batch(toSend) })
	}
	for {
		select {
		case e := <-sub.ch:
			batch = append(batch, e)
		case <-ticker.C:
			flush()
		case <-sub.stopCh:
			flush()
			return
		}
	}
}

// safeCall isolates a subscriber handler panic so one misbehaving consumer
// cannot take down the bus's delivery goroutine pool.
func safeCall(logger zerolog.Logger, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error().Interface("panic", r).Msg("eventbus subscriber handler panicked; isolated")
		}
	}()
	fn()
}

// Subscriber is the handle returned by Subscribe, used to Unsubscribe.
type Subscriber struct {
	bus   *Bus
	topic string
	id    uint64
}

// Unsubscribe removes the subscription and stops its delivery goroutine.
func (s *Subscriber) Unsubscribe() {
	s.bus.mu.Lock()
	sub, ok := s.bus.subscribers[s.topic][s.id]
	if ok {
		delete(s.bus.subscribers[s.topic], s.id)
	}
	s.bus.mu.Unlock()
	if ok {
		close(sub.stopCh)
	}
}

// SubscriberCount returns the number of active subscriptions on topic.
func (b *Bus) SubscriberCount(topic string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers[topic])
}
