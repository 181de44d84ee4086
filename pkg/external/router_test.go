package external

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/cybersyn/pkg/clock"
	"github.com/cuemby/cybersyn/pkg/eventbus"
	"github.com/cuemby/cybersyn/pkg/value"
)

type fakeTransport struct {
	publishErr error
	calls      int32
}

func (f *fakeTransport) Publish(ctx context.Context, exchange, routingKey string, body []byte) error {
	atomic.AddInt32(&f.calls, 1)
	return f.publishErr
}

func (f *fakeTransport) Consume(ctx context.Context, exchange, routingKey string) (<-chan Delivery, error) {
	ch := make(chan Delivery, 1)
	ch <- Delivery{Exchange: exchange, RoutingKey: routingKey, Body: []byte("hi")}
	return ch, nil
}

func TestPublishSucceedsThroughTransport(t *testing.T) {
	ft := &fakeTransport{}
	r := New(ft, nil)
	err := r.Publish(context.Background(), "sensors", "temp.update", value.Str("27C"), PublishOptions{})
	require.NoError(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&ft.calls))
}

func TestPublishFallsBackToStubWhenNoTransport(t *testing.T) {
	clk := clock.New("n")
	bus := eventbus.New(clk)
	received := make(chan *eventbus.Event, 1)
	bus.Subscribe(eventbus.AllTopics, func(e *eventbus.Event) { received <- e }, eventbus.SubscribeOptions{})

	r := New(nil, bus)
	err := r.Publish(context.Background(), "sensors", "temp.update", value.Str("27C"), PublishOptions{})
	require.NoError(t, err)

	select {
	case e := <-received:
		assert.Equal(t, "stub_sensors.temp.update", e.Topic)
	case <-time.After(time.Second):
		t.Fatal("expected stub fallback publish")
	}
}

func TestPublishFallsBackAfterCircuitOpens(t *testing.T) {
	ft := &fakeTransport{publishErr: errors.New("broker down")}
	clk := clock.New("n")
	bus := eventbus.New(clk)
	received := make(chan *eventbus.Event, 1)
	bus.Subscribe(eventbus.AllTopics, func(e *eventbus.Event) { received <- e }, eventbus.SubscribeOptions{})

	r := New(ft, bus)
	cb := r.breakerFor("sensors")
	for i := 0; i < circuitThreshold; i++ {
		cb.recordFailure("sensors")
	}

	err := r.Publish(context.Background(), "sensors", "temp.update", value.Str("27C"), PublishOptions{})
	require.NoError(t, err)
	select {
	case e := <-received:
		assert.Equal(t, "stub_sensors.temp.update", e.Topic)
	case <-time.After(time.Second):
		t.Fatal("expected stub fallback publish once circuit is open")
	}
}

func TestSubscribeDeliversAndCancelStopsLoop(t *testing.T) {
	ft := &fakeTransport{}
	r := New(ft, nil)
	done := make(chan Delivery, 1)
	sub, err := r.Subscribe(context.Background(), "sensors", "temp.update", func(d Delivery) { done <- d })
	require.NoError(t, err)
	defer sub.Cancel()

	select {
	case d := <-done:
		assert.Equal(t, "sensors", d.Exchange)
	case <-time.After(time.Second):
		t.Fatal("expected delivery")
	}
}
