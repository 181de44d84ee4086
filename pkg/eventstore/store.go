// Package eventstore implements the bounded, time-indexed retention layer
// events land in after publication. Queries are windowed by HLC range; the
// owner goroutine runs a ticker-driven retention sweep rather than a
// reconciliation pass.
package eventstore

import (
	"sort"
	"sync"
	"time"

	"github.com/cuemby/cybersyn/pkg/clock"
	"github.com/cuemby/cybersyn/pkg/eventbus"
	"github.com/cuemby/cybersyn/pkg/metrics"
)

// DefaultRetention is the rolling wall-clock window events are kept for.
const DefaultRetention = time.Hour

// DefaultTopicCap is the hard per-topic size cap enforced on append.
const DefaultTopicCap = 10000

// Filter optionally narrows a window query.
type Filter func(e *eventbus.Event) bool

// Store is the single-owner, time-indexed event container. All mutation
// happens under mu; reads take the read lock so concurrent window queries
// don't serialize behind each other.
type Store struct {
	mu        sync.RWMutex
	retention time.Duration
	topicCap  int

	byTopic map[string][]*eventbus.Event // kept sorted by HLC ascending

	stopCh chan struct{}
	doneCh chan struct{}
}

// New creates a Store with the given retention window and per-topic cap.
// Zero values fall back to the documented defaults.
func New(retention time.Duration, topicCap int) *Store {
	if retention <= 0 {
		retention = DefaultRetention
	}
	if topicCap <= 0 {
		topicCap = DefaultTopicCap
	}
	return &Store{
		retention: retention,
		topicCap:  topicCap,
		byTopic:   make(map[string][]*eventbus.Event),
	}
}

// Attach subscribes the store to every topic on bus so it retains a copy
// of each published event.
func (s *Store) Attach(bus *eventbus.Bus) *eventbus.Subscriber {
	return bus.Subscribe(eventbus.AllTopics, func(e *eventbus.Event) {
		s.Append(e)
	}, eventbus.SubscribeOptions{})
}

// Append inserts e into its topic's series, keeping HLC order, and enforces
// the per-topic size cap by dropping the oldest entry on breach.
func (s *Store) Append(e *eventbus.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()

	series := s.byTopic[e.Topic]
	idx := sort.Search(len(series), func(i int) bool {
		return !series[i].Timestamp.Before(e.Timestamp)
	})
	series = append(series, nil)
	copy(series[idx+1:], series[idx:])
	series[idx] = e

	if len(series) > s.topicCap {
		series = series[len(series)-s.topicCap:]
		metrics.EventStoreEvictionsTotal.WithLabelValues(e.Topic).Inc()
	}
	s.byTopic[e.Topic] = series
	metrics.EventStoreSizeTotal.WithLabelValues(e.Topic).Set(float64(len(series)))
}

// EventsInWindow returns events with start <= ts < end, restricted to topic
// when non-empty, in HLC ascending order.
func (s *Store) EventsInWindow(start, end clock.Timestamp, topic string, filter Filter) []*eventbus.Event {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if topic != "" {
		return windowSlice(s.byTopic[topic], start, end, filter)
	}

	var out []*eventbus.Event
	for _, series := range s.byTopic {
		out = append(out, windowSlice(series, start, end, filter)...)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out
}

// Recent returns the last k events on topic, oldest first.
func (s *Store) Recent(topic string, k int) []*eventbus.Event {
	s.mu.RLock()
	defer s.mu.RUnlock()

	series := s.byTopic[topic]
	if k >= len(series) {
		out := make([]*eventbus.Event, len(series))
		copy(out, series)
		return out
	}
	out := make([]*eventbus.Event, k)
	copy(out, series[len(series)-k:])
	return out
}

func windowSlice(series []*eventbus.Event, start, end clock.Timestamp, filter Filter) []*eventbus.Event {
	var out []*eventbus.Event
	lo := sort.Search(len(series), func(i int) bool { return !series[i].Timestamp.Before(start) })
	for _, e := range series[lo:] {
		if !e.Timestamp.Before(end) {
			break
		}
		if filter == nil || filter(e) {
			out = append(out, e)
		}
	}
	return out
}

// StartRetentionSweep launches the owner goroutine that evicts events older
// than the configured wall-clock retention window, checking every interval.
func (s *Store) StartRetentionSweep(interval time.Duration) {
	if s.stopCh != nil {
		return
	}
	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})
	go s.sweepLoop(interval)
}

// Stop halts the retention sweep goroutine and waits for it to exit.
func (s *Store) Stop() {
	if s.stopCh == nil {
		return
	}
	close(s.stopCh)
	<-s.doneCh
}

func (s *Store) sweepLoop(interval time.Duration) {
	defer close(s.doneCh)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.sweep()
		case <-s.stopCh:
			return
		}
	}
}

func (s *Store) sweep() {
	cutoff := uint64(time.Now().Add(-s.retention).UnixMilli())
	s.mu.Lock()
	defer s.mu.Unlock()
	for topic, series := range s.byTopic {
		idx := sort.Search(len(series), func(i int) bool { return series[i].Timestamp.Physical >= cutoff })
		if idx == 0 {
			continue
		}
		s.byTopic[topic] = series[idx:]
		metrics.EventStoreEvictionsTotal.WithLabelValues(topic).Add(float64(idx))
		metrics.EventStoreSizeTotal.WithLabelValues(topic).Set(float64(len(s.byTopic[topic])))
	}
}
