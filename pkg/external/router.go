// Package external specifies the boundary contracts the fabric crosses to
// reach collaborators that are never given a full implementation here: the
// AMQP-like broker and the LLM enricher. Only their Go interfaces and the
// retry/circuit-breaker/fallback policy around them are built; the actual
// wire transport and model call are left as injectable collaborators,
// matching spec.md's "only contracts are specified here" instruction.
package external

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	cloudevents "github.com/cloudevents/sdk-go/v2"
	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/cuemby/cybersyn/pkg/cyberr"
	"github.com/cuemby/cybersyn/pkg/eventbus"
	"github.com/cuemby/cybersyn/pkg/log"
	"github.com/cuemby/cybersyn/pkg/metrics"
	"github.com/cuemby/cybersyn/pkg/value"
)

// Transport is the broker collaborator the Message Router drives. A real
// implementation speaks AMQP (or any exchange/routing-key broker); it is
// never implemented in this module.
type Transport interface {
	Publish(ctx context.Context, exchange, routingKey string, body []byte) error
	Consume(ctx context.Context, exchange, routingKey string) (<-chan Delivery, error)
}

// Delivery is one message handed back from a Transport consumer.
type Delivery struct {
	Exchange   string
	RoutingKey string
	Body       []byte
}

// PublishOptions configures one publish call.
type PublishOptions struct {
	ContentType string // defaults to cloudevents.ApplicationJSON
}

// Consumer is a handler invoked for each delivered message.
type Consumer func(Delivery)

// Subscription is the cancellable handle returned by consumer registration.
type Subscription struct {
	cancel context.CancelFunc
}

// Cancel stops the consumer's delivery loop.
func (s *Subscription) Cancel() {
	if s.cancel != nil {
		s.cancel()
	}
}

const (
	backoffBase       = 1 * time.Second
	backoffCap        = 60 * time.Second
	maxRetries        = 5
	stubTopicPrefix   = "stub_"
	circuitThreshold  = 5
	circuitResetAfter = 10 * time.Second
)

// circuitState mirrors the closed/open/half-open shape used for the HTTP
// reverse-proxy backends elsewhere in the corpus, generalized to a broker
// exchange instead of an HTTP backend.
type circuitState int

const (
	circuitClosed circuitState = iota
	circuitOpen
	circuitHalfOpen
)

type circuitBreaker struct {
	mu           sync.Mutex
	state        circuitState
	failureCount int
	lastFailure  time.Time
}

func (cb *circuitBreaker) allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == circuitOpen {
		if time.Since(cb.lastFailure) > circuitResetAfter {
			cb.state = circuitHalfOpen
			return true
		}
		return false
	}
	return true
}

func (cb *circuitBreaker) recordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.state = circuitClosed
	cb.failureCount = 0
}

func (cb *circuitBreaker) recordFailure(exchange string) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.failureCount++
	cb.lastFailure = time.Now()
	if cb.failureCount >= circuitThreshold && cb.state != circuitOpen {
		cb.state = circuitOpen
		metrics.RouterCircuitOpenTotal.WithLabelValues(exchange).Inc()
	}
}

// Router is the Message Router: publish with exponential backoff and a
// per-exchange circuit breaker, falling back to the local EventBus under a
// stub_ topic prefix when the transport is unavailable or its circuit is
// open.
type Router struct {
	transport Transport
	bus       *eventbus.Bus

	mu       sync.Mutex
	breakers map[string]*circuitBreaker
}

// New builds a Router. transport may be nil, in which case every publish
// falls back to the stub path immediately.
func New(transport Transport, bus *eventbus.Bus) *Router {
	return &Router{
		transport: transport,
		bus:       bus,
		breakers:  make(map[string]*circuitBreaker),
	}
}

func (r *Router) breakerFor(exchange string) *circuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	cb, ok := r.breakers[exchange]
	if !ok {
		cb = &circuitBreaker{}
		r.breakers[exchange] = cb
	}
	return cb
}

// Publish sends message to exchange/routingKey through the transport with
// retry and circuit-breaker protection. When the transport is nil or the
// exchange's circuit is open, it routes through the local EventBus under
// "stub_<exchange>.<routingKey>" instead and increments a fallback counter.
func (r *Router) Publish(ctx context.Context, exchange, routingKey string, message value.Value, opts PublishOptions) error {
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.RouterPublishDuration, exchange)

	cb := r.breakerFor(exchange)
	if r.transport == nil || !cb.allow() {
		return r.publishStub(exchange, routingKey, message)
	}

	body, err := encodeEnvelope(exchange, routingKey, message, opts)
	if err != nil {
		return cyberr.Wrap(cyberr.InvalidInput, "encode message envelope", err)
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = backoffBase
	bo.MaxInterval = backoffCap
	bounded := backoff.WithMaxRetries(bo, maxRetries)

	attempt := 0
	err = backoff.Retry(func() error {
		if attempt > 0 {
			metrics.RouterRetriesTotal.WithLabelValues(exchange).Inc()
		}
		attempt++
		pubErr := r.transport.Publish(ctx, exchange, routingKey, body)
		if pubErr == nil {
			cb.recordSuccess()
			return nil
		}
		cb.recordFailure(exchange)
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		return pubErr
	}, backoff.WithContext(bounded, ctx))

	if err != nil {
		log.Logger.Warn().Err(err).Str("exchange", exchange).Str("routing_key", routingKey).Msg("transport publish exhausted retries, falling back to stub")
		return r.publishStub(exchange, routingKey, message)
	}
	return nil
}

func (r *Router) publishStub(exchange, routingKey string, message value.Value) error {
	metrics.RouterStubFallbackTotal.WithLabelValues(exchange).Inc()
	if r.bus == nil {
		return cyberr.New(cyberr.Transient, "no transport and no stub bus configured")
	}
	topic := stubTopicPrefix + exchange + "." + routingKey
	_, err := r.bus.Publish(topic, message, eventbus.Metadata{Source: "router", Subsystem: exchange})
	return err
}

// Subscribe registers a consumer for exchange/routingKey and returns a
// cancellable handle. The delivery loop runs in its own goroutine and
// isolates consumer panics so one bad handler cannot kill the loop.
func (r *Router) Subscribe(ctx context.Context, exchange, routingKey string, consumer Consumer) (*Subscription, error) {
	if r.transport == nil {
		return nil, cyberr.New(cyberr.Transient, "no transport configured for consumer registration")
	}
	cctx, cancel := context.WithCancel(ctx)
	deliveries, err := r.transport.Consume(cctx, exchange, routingKey)
	if err != nil {
		cancel()
		return nil, cyberr.Wrap(cyberr.Transient, "register consumer", err)
	}
	go func() {
		for {
			select {
			case <-cctx.Done():
				return
			case d, ok := <-deliveries:
				if !ok {
					return
				}
				safeConsume(consumer, d)
			}
		}
	}()
	return &Subscription{cancel: cancel}, nil
}

func safeConsume(consumer Consumer, d Delivery) {
	defer func() {
		if rec := recover(); rec != nil {
			log.Logger.Error().Interface("panic", rec).Str("exchange", d.Exchange).Msg("router consumer panicked; isolated")
		}
	}()
	consumer(d)
}

func encodeEnvelope(exchange, routingKey string, message value.Value, opts PublishOptions) ([]byte, error) {
	contentType := opts.ContentType
	if contentType == "" {
		contentType = cloudevents.ApplicationJSON
	}
	ev := cloudevents.NewEvent()
	ev.SetID(uuid.NewString())
	ev.SetSource("cybersyn/" + exchange)
	ev.SetType(routingKey)
	ev.SetTime(time.Now())
	if err := ev.SetData(contentType, message.Native()); err != nil {
		return nil, err
	}
	return json.Marshal(ev)
}
