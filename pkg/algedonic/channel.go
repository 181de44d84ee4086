// Package algedonic implements the pain/pleasure signal bus: a
// priority-ordered queue with debouncing and a critical bypass path that
// routes straight to S5/S3 targets instead of the normal subscriber chain.
// The single-owner-goroutine shape mirrors pkg/eventbus; what differs is
// the severity-first ordering and the bypass short-circuit.
package algedonic

import (
	"container/heap"
	"sync"
	"time"

	"github.com/cuemby/cybersyn/pkg/log"
	"github.com/cuemby/cybersyn/pkg/metrics"
)

// Target names a VSM destination a signal is routed to.
type Target string

const (
	TargetS5 Target = "S5"
	TargetS3 Target = "S3"
)

// BypassIntensity and BypassPain are the thresholds past which a signal
// bypasses the normal hierarchy and routes directly to S5/S3.
const (
	BypassIntensity = 0.9
	BypassPain      = 0.8
)

// DefaultDebounceWindow coalesces repeat signals of the same (source, kind)
// within this window by keeping the maximum intensity.
const DefaultDebounceWindow = 5 * time.Second

// Signal is one algedonic event: valence in [-1,+1] (negative is pain),
// intensity in [0,1].
type Signal struct {
	Valence         float64
	Intensity       float64
	Source          string
	Kind            string
	Subsystem       string
	Urgency         int
	BypassHierarchy bool
	Target          Target
	Metadata        map[string]string
	Timestamp       time.Time
}

func (s Signal) pain() float64 {
	if s.Valence >= 0 {
		return 0
	}
	return -s.Valence
}

// severity ranks urgency then intensity, highest first.
func (s Signal) severity() float64 {
	return float64(s.Urgency)*10 + s.Intensity
}

// Handler receives a dispatched signal.
type Handler func(Signal)

type signalHeap []Signal

func (h signalHeap) Len() int            { return len(h) }
func (h signalHeap) Less(i, j int) bool  { return h[i].severity() > h[j].severity() }
func (h signalHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *signalHeap) Push(x any)         { *h = append(*h, x.(Signal)) }
func (h *signalHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

type debounceKey struct {
	source string
	kind   string
}

// Channel is the single-owner algedonic signal bus.
type Channel struct {
	mu sync.Mutex

	pq             signalHeap
	debounceWindow time.Duration
	lastEmit       map[debounceKey]time.Time
	pending        map[debounceKey]*Signal

	subscribers []Handler
	bypassSubs  map[Target][]Handler

	notifyCh chan struct{}
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// New creates a Channel with the given debounce window (defaults applied
// when <= 0).
func New(debounceWindow time.Duration) *Channel {
	if debounceWindow <= 0 {
		debounceWindow = DefaultDebounceWindow
	}
	return &Channel{
		debounceWindow: debounceWindow,
		lastEmit:       make(map[debounceKey]time.Time),
		pending:        make(map[debounceKey]*Signal),
		bypassSubs:     make(map[Target][]Handler),
		notifyCh:       make(chan struct{}, 1),
	}
}

// Subscribe registers a handler invoked for every dispatched signal that
// did not bypass the hierarchy.
func (c *Channel) Subscribe(h Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subscribers = append(c.subscribers, h)
}

// SubscribeBypass registers a handler invoked when a critical signal
// bypasses directly to target.
func (c *Channel) SubscribeBypass(target Target, h Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.bypassSubs[target] = append(c.bypassSubs[target], h)
}

// Emit submits a signal. Critical signals (intensity >= 0.9 or pain >=
// 0.8) bypass debouncing and the priority queue entirely, dispatching
// straight to the signal's target. Non-critical signals of the same
// (source, kind) within the debounce window are coalesced, keeping the
// maximum intensity; the coalesced signal is flushed into the queue once
// the window elapses.
func (c *Channel) Emit(s Signal) {
	if s.Timestamp.IsZero() {
		s.Timestamp = time.Now()
	}
	valence := "pleasure"
	if s.Valence < 0 {
		valence = "pain"
	}
	metrics.AlgedonicSignalsTotal.WithLabelValues(valence, string(s.Target)).Inc()

	if s.Intensity >= BypassIntensity || s.pain() >= BypassPain {
		s.BypassHierarchy = true
		metrics.AlgedonicBypassTotal.Inc()
		c.dispatchBypass(s)
		return
	}

	key := debounceKey{s.Source, s.Kind}
	c.mu.Lock()
	last, seen := c.lastEmit[key]
	if seen && time.Since(last) < c.debounceWindow {
		if pending, ok := c.pending[key]; ok && s.Intensity > pending.Intensity {
			c.pending[key] = &s
		} else if !ok {
			c.pending[key] = &s
		}
		c.mu.Unlock()
		return
	}
	c.lastEmit[key] = time.Now()
	heap.Push(&c.pq, s)
	c.mu.Unlock()

	select {
	case c.notifyCh <- struct{}{}:
	default:
	}
}

func (c *Channel) dispatchBypass(s Signal) {
	c.mu.Lock()
	handlers := append([]Handler(nil), c.bypassSubs[s.Target]...)
	c.mu.Unlock()
	for _, h := range handlers {
		safeDispatch(h, s)
	}
}

func safeDispatch(h Handler, s Signal) {
	defer func() {
		if r := recover(); r != nil {
			log.Logger.Error().Interface("panic", r).Msg("algedonic handler panicked; isolated")
		}
	}()
	h(s)
}

// Start launches the owner goroutine draining the priority queue in
// severity order.
func (c *Channel) Start() {
	c.stopCh = make(chan struct{})
	c.doneCh = make(chan struct{})
	go c.run()
}

// Stop halts the owner goroutine.
func (c *Channel) Stop() {
	if c.stopCh == nil {
		return
	}
	close(c.stopCh)
	<-c.doneCh
}

func (c *Channel) run() {
	defer close(c.doneCh)
	ticker := time.NewTicker(c.debounceWindow)
	defer ticker.Stop()
	for {
		select {
		case <-c.notifyCh:
			c.drain()
		case <-ticker.C:
			c.flushPending()
			c.drain()
		case <-c.stopCh:
			return
		}
	}
}

func (c *Channel) flushPending() {
	c.mu.Lock()
	for key, s := range c.pending {
		heap.Push(&c.pq, *s)
		delete(c.pending, key)
		c.lastEmit[key] = time.Now()
	}
	c.mu.Unlock()
}

func (c *Channel) drain() {
	for {
		c.mu.Lock()
		if c.pq.Len() == 0 {
			c.mu.Unlock()
			return
		}
		s := heap.Pop(&c.pq).(Signal)
		handlers := append([]Handler(nil), c.subscribers...)
		c.mu.Unlock()

		for _, h := range handlers {
			safeDispatch(h, s)
		}
	}
}

// Len reports the number of signals currently queued (excludes pending
// debounced entries).
func (c *Channel) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pq.Len()
}
