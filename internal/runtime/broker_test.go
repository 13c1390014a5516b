package runtime

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	configpkg "github.com/drblury/servicebus/internal/runtime/config"
	errspkg "github.com/drblury/servicebus/internal/runtime/errors"
	metadatapkg "github.com/drblury/servicebus/internal/runtime/metadata"
	"github.com/drblury/servicebus/transport"
	channeltransport "github.com/drblury/servicebus/transport/channel"
	"github.com/drblury/servicebus/transport/transporttest"
)

func newTestBroker(t *testing.T, receiver ReceiverAdapter) *Broker {
	t.Helper()
	b, err := NewBroker(context.Background(), &configpkg.Config{PubSubSystem: channeltransport.TransportName}, newTestLogger(), BrokerDependencies{Receiver: receiver})
	require.NoError(t, err)
	return b
}

func TestNewBrokerRequiresConfig(t *testing.T) {
	_, err := NewBroker(context.Background(), nil, newTestLogger(), BrokerDependencies{})
	assert.ErrorIs(t, err, errspkg.ErrConfigRequired)
}

func TestNewBrokerRejectsInvalidConfig(t *testing.T) {
	_, err := NewBroker(context.Background(), &configpkg.Config{PubSubSystem: "kafka"}, newTestLogger(), BrokerDependencies{})

	var cfgErr errspkg.ConfigValidationError
	require.ErrorAs(t, err, &cfgErr)
	assert.Contains(t, err.Error(), "kafka: brokers are required")
}

func TestNewBrokerFailsForUnknownTransport(t *testing.T) {
	registry := transport.NewRegistry()
	_, err := NewBroker(context.Background(), &configpkg.Config{PubSubSystem: "carrier-pigeon"}, newTestLogger(), BrokerDependencies{TransportRegistry: registry})
	assert.Error(t, err)
}

func TestBrokerRejectsDuplicateEndpoints(t *testing.T) {
	receiver := newFakeReceiver()
	b := newTestBroker(t, receiver)

	first := newTestUnit(t, "orders", nil, nil)
	second := newTestUnit(t, "orders", nil, nil)

	require.NoError(t, b.Register(first))
	err := b.Register(second)
	assert.ErrorIs(t, err, errspkg.ErrDuplicateEndpoint)
	var cfgErr *errspkg.ConfigurationError
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, "orders", cfgErr.Endpoint)

	assert.ErrorIs(t, b.Register(first), errspkg.ErrDuplicateEndpoint, "registering the same unit twice is rejected")
	assert.ErrorIs(t, b.RegisterSubscriber(second, "orders.events"), errspkg.ErrDuplicateEndpoint)

	require.Len(t, b.Units(), 1)
	assert.Same(t, first, b.Units()[0])
	assert.Empty(t, b.Destinations())
}

func TestBrokerRegisterValidation(t *testing.T) {
	b := newTestBroker(t, newFakeReceiver())

	assert.ErrorIs(t, b.Register(nil), errspkg.ErrUnitRequired)
	assert.ErrorIs(t, b.RegisterSubscriber(nil, "x"), errspkg.ErrUnitRequired)
	assert.ErrorIs(t, b.RegisterSubscriber(newTestUnit(t, "orders", nil, nil), ""), errspkg.ErrDestinationRequired)

	stopped := newTestUnit(t, "stopped", newFakeReceiver(), nil)
	require.NoError(t, stopped.Stop(context.Background()))
	assert.ErrorIs(t, b.Register(stopped), errspkg.ErrInvalidState)
}

func TestBrokerRejectsUnitsWithBuiltPipelines(t *testing.T) {
	b, err := NewBroker(context.Background(), &configpkg.Config{
		PubSubSystem: channeltransport.TransportName,
		RetryEnabled: true,
	}, newTestLogger(), BrokerDependencies{Receiver: newFakeReceiver()})
	require.NoError(t, err)

	own := newFakeReceiver()
	unit := newTestUnit(t, "orders", own, nil)
	require.NoError(t, unit.Publish(context.Background(), orderPlaced{}, PublishOptions{Destination: "x"}))

	err = b.Register(unit)
	var cfgErr *errspkg.ConfigurationError
	require.ErrorAs(t, err, &cfgErr)
	assert.ErrorIs(t, err, errspkg.ErrPipelinesBuilt)
	assert.Empty(t, b.Units())

	// The unit is untouched and keeps publishing through its own receiver.
	require.NoError(t, unit.Publish(context.Background(), orderPlaced{}, PublishOptions{Destination: "x"}))
	assert.Len(t, own.Sent(), 2)
}

func TestBrokerAttachesItsReceiver(t *testing.T) {
	receiver := newFakeReceiver()
	b := newTestBroker(t, receiver)
	unit := newTestUnit(t, "orders", nil, nil)
	require.NoError(t, b.Register(unit))

	require.NoError(t, unit.Publish(context.Background(), orderPlaced{}, PublishOptions{Destination: "x"}))
	assert.Len(t, receiver.Sent(), 1)
}

func TestBrokerKeepsUnitsOwnReceiver(t *testing.T) {
	brokerReceiver := newFakeReceiver()
	unitReceiver := newFakeReceiver()
	b := newTestBroker(t, brokerReceiver)
	unit := newTestUnit(t, "orders", unitReceiver, nil)
	require.NoError(t, b.Register(unit))

	require.NoError(t, unit.Publish(context.Background(), orderPlaced{}, PublishOptions{Destination: "x"}))
	assert.Empty(t, brokerReceiver.Sent())
	assert.Len(t, unitReceiver.Sent(), 1)
}

func TestBrokerSubscriptions(t *testing.T) {
	b := newTestBroker(t, newFakeReceiver())
	billing := newTestUnit(t, "billing", nil, nil)
	shipping := newTestUnit(t, "shipping", nil, nil)
	audit := newTestUnit(t, "audit", nil, nil)

	require.NoError(t, b.RegisterSubscriber(billing, "orders.placed"))
	require.NoError(t, b.RegisterSubscriber(shipping, "orders.placed"))
	require.NoError(t, b.RegisterSubscriber(billing, "orders.placed"), "resubscribing is a no-op")
	require.NoError(t, b.RegisterSubscriber(audit, "orders.shipped"))
	require.NoError(t, b.RegisterSubscriber(audit, "orders.placed"))

	subscribers := b.SubscribersOf("orders.placed")
	require.Len(t, subscribers, 3)
	assert.Same(t, billing, subscribers[0])
	assert.Same(t, shipping, subscribers[1])
	assert.Same(t, audit, subscribers[2])

	assert.Equal(t, []Destination{"orders.placed", "orders.shipped"}, b.Destinations())
	assert.Empty(t, b.SubscribersOf("unknown"))

	names := make([]string, 0, 3)
	for _, u := range b.Units() {
		names = append(names, u.Name())
	}
	assert.Equal(t, []string{"billing", "shipping", "audit"}, names)

	unit, ok := b.Unit("audit")
	assert.True(t, ok)
	assert.Same(t, audit, unit)
	_, ok = b.Unit("missing")
	assert.False(t, ok)
}

func TestBrokerProvisionsSubscriptionsOnStart(t *testing.T) {
	ctx := context.Background()
	receiver := newFakeReceiver()
	b := newTestBroker(t, receiver)
	billing := newTestUnit(t, "billing", nil, nil)
	audit := newTestUnit(t, "audit", nil, nil)

	require.NoError(t, b.RegisterSubscriber(billing, "orders.placed"))
	require.NoError(t, b.RegisterSubscriber(audit, "orders.shipped"))
	require.NoError(t, b.RegisterSubscriber(audit, "orders.placed"))
	require.NoError(t, b.Start(ctx))
	t.Cleanup(func() { _ = b.Stop(ctx) })

	started := receiver.Started()
	require.Len(t, started, 2)
	assert.Equal(t, "billing", started[0].EndpointName())
	assert.Equal(t, []string{"orders.placed"}, started[0].Subscriptions())
	assert.Equal(t, "audit", started[1].EndpointName())
	assert.ElementsMatch(t, []string{"orders.placed", "orders.shipped"}, started[1].Subscriptions())

	assert.Equal(t, UnitRunning, billing.State())
	assert.Equal(t, UnitRunning, audit.State())

	infos := b.UnitInfos()
	require.Len(t, infos, 2)
	assert.Equal(t, "Running", infos[0].State)
}

func TestBrokerRejectsChangesAfterStart(t *testing.T) {
	ctx := context.Background()
	b := newTestBroker(t, newFakeReceiver())
	require.NoError(t, b.Register(newTestUnit(t, "orders", nil, nil)))
	require.NoError(t, b.Start(ctx))
	t.Cleanup(func() { _ = b.Stop(ctx) })

	assert.ErrorIs(t, b.Register(newTestUnit(t, "late", nil, nil)), errspkg.ErrInvalidState)
	assert.ErrorIs(t, b.RegisterSubscriber(newTestUnit(t, "late", nil, nil), "x"), errspkg.ErrInvalidState)
	assert.ErrorIs(t, b.Start(ctx), errspkg.ErrInvalidState)
}

func TestBrokerStartFailureStopsStartedUnitsInReverse(t *testing.T) {
	ctx := context.Background()
	boom := errors.New("queue missing")
	receiver := newFakeReceiver()
	receiver.startErr["c"] = boom
	b := newTestBroker(t, receiver)

	a := newTestUnit(t, "a", nil, nil)
	bu := newTestUnit(t, "b", nil, nil)
	c := newTestUnit(t, "c", nil, nil)
	d := newTestUnit(t, "d", nil, nil)
	for _, u := range []*MessageUnit{a, bu, c, d} {
		require.NoError(t, b.Register(u))
	}

	err := b.Start(ctx)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, []string{"b", "a"}, receiver.Closed())
	assert.Equal(t, UnitStopped, a.State())
	assert.Equal(t, UnitStopped, bu.State())
	assert.Equal(t, UnitStopped, c.State())
	assert.Equal(t, UnitCreated, d.State())
}

func TestBrokerStopIsReverseOrderAndAggregatesErrors(t *testing.T) {
	ctx := context.Background()
	errA := errors.New("a close failed")
	errC := errors.New("c close failed")
	receiver := newFakeReceiver()
	receiver.closeErr["a"] = errA
	receiver.closeErr["c"] = errC
	b := newTestBroker(t, receiver)

	units := []*MessageUnit{
		newTestUnit(t, "a", nil, nil),
		newTestUnit(t, "b", nil, nil),
		newTestUnit(t, "c", nil, nil),
	}
	for _, u := range units {
		require.NoError(t, b.Register(u))
	}
	require.NoError(t, b.Start(ctx))

	err := b.Stop(ctx)
	assert.ErrorIs(t, err, errA)
	assert.ErrorIs(t, err, errC)
	assert.Equal(t, []string{"c", "b", "a"}, receiver.Closed())
	for _, u := range units {
		assert.Equal(t, UnitStopped, u.State(), u.Name())
	}

	assert.ErrorIs(t, b.Start(ctx), errspkg.ErrInvalidState)
}

func TestBrokerRunStopsOnCancel(t *testing.T) {
	receiver := newFakeReceiver()
	b := newTestBroker(t, receiver)
	unit := newTestUnit(t, "orders", nil, nil)
	require.NoError(t, b.Register(unit))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- b.Run(ctx) }()

	assert.Eventually(t, func() bool { return unit.State() == UnitRunning }, time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
	assert.Equal(t, UnitStopped, unit.State())
}

func TestBrokerClosesTransportItBuilt(t *testing.T) {
	pub := &transporttest.Publisher{}
	sub := &transporttest.Subscriber{}
	registry := transport.NewRegistry()
	registry.Register("recording", func(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
		return transport.Transport{Publisher: pub, Subscriber: sub}, nil
	})

	ctx := context.Background()
	b, err := NewBroker(ctx, &configpkg.Config{PubSubSystem: "recording"}, newTestLogger(), BrokerDependencies{TransportRegistry: registry})
	require.NoError(t, err)

	unit := newTestUnit(t, "orders", nil, nil)
	require.NoError(t, b.RegisterSubscriber(unit, "orders.events"))
	require.NoError(t, b.Start(ctx))

	require.NoError(t, unit.Publish(ctx, orderPlaced{}, PublishOptions{Destination: "billing"}))
	assert.Equal(t, []string{"billing"}, pub.Topics())
	assert.Equal(t, []string{"orders", "orders.events"}, sub.Topics())

	require.NoError(t, b.Stop(ctx))
	assert.True(t, pub.Closed())
	assert.True(t, sub.Closed())
}

func TestBrokerLeavesProvidedTransportOpen(t *testing.T) {
	pub := &transporttest.Publisher{}
	sub := &transporttest.Subscriber{}
	ctx := context.Background()
	b, err := NewBroker(ctx, &configpkg.Config{PubSubSystem: "recording"}, newTestLogger(), BrokerDependencies{
		Transport: &transport.Transport{Publisher: pub, Subscriber: sub},
	})
	require.NoError(t, err)

	require.NoError(t, b.Register(newTestUnit(t, "orders", nil, nil)))
	require.NoError(t, b.Start(ctx))
	require.NoError(t, b.Stop(ctx))

	assert.False(t, pub.Closed())
	assert.False(t, sub.Closed())
}

func TestBrokerPublishSubscribeOverChannelTransport(t *testing.T) {
	ctx := context.Background()
	metricsRegistry := prometheus.NewRegistry()
	b, err := NewBroker(ctx, &configpkg.Config{
		PubSubSystem:   channeltransport.TransportName,
		MetricsEnabled: true,
	}, newTestLogger(), BrokerDependencies{MetricsRegistry: metricsRegistry})
	require.NoError(t, err)

	var (
		mu           sync.Mutex
		seenHeaders  []string
		asyncHeaders []string
		seenIDs      []string
		syncCalls    atomic.Int32
		asyncCalls   atomic.Int32
		shippedCalls atomic.Int32
	)

	table := NewHandlerTable().Add(
		HandleFunc(func(ctx context.Context, msg orderPlaced, hc HandlerContext) error {
			mu.Lock()
			seenHeaders = append(seenHeaders, hc.Header("MyHeader"))
			seenIDs = append(seenIDs, msg.ID)
			mu.Unlock()
			syncCalls.Add(1)
			return nil
		}),
		HandleAsyncFunc(func(ctx context.Context, msg orderPlaced, hc HandlerContext) Completion {
			return Go(func() error {
				mu.Lock()
				asyncHeaders = append(asyncHeaders, hc.Header("MyHeader"))
				mu.Unlock()
				asyncCalls.Add(1)
				return hc.Send(ctx, orderShipped{ID: msg.ID}, SendOptions{Destination: "shipping"})
			})
		}),
	)
	shippingTable := NewHandlerTable().Add(HandleFunc(func(ctx context.Context, msg orderShipped, hc HandlerContext) error {
		if hc.CorrelationID() == "" {
			return errors.New("missing correlation id")
		}
		shippedCalls.Add(1)
		return nil
	}))

	publisher := newTestUnit(t, "publisher", nil, nil)
	require.NoError(t, publisher.Use(AlwaysRouteToDestination("orders.placed")))
	subscriber := newTestUnit(t, "subscriber", nil, table)
	shipping := newTestUnit(t, "shipping", nil, shippingTable)

	require.NoError(t, b.Register(publisher))
	require.NoError(t, b.RegisterSubscriber(subscriber, "orders.placed"))
	require.NoError(t, b.Register(shipping))
	require.NoError(t, b.Start(ctx))
	t.Cleanup(func() { _ = b.Stop(ctx) })

	err = publisher.Publish(ctx, orderPlaced{ID: "o-1", Amount: 42}, PublishOptions{
		Headers: metadatapkg.New("MyHeader", "MyValue"),
	})
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		return syncCalls.Load() == 1 && asyncCalls.Load() == 1 && shippedCalls.Load() == 1
	}, 2*time.Second, 10*time.Millisecond)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(1), syncCalls.Load(), "one publish is handled once")
	assert.Equal(t, int32(1), asyncCalls.Load())

	mu.Lock()
	assert.Equal(t, []string{"MyValue"}, seenHeaders)
	assert.Equal(t, []string{"MyValue"}, asyncHeaders)
	assert.Equal(t, []string{"o-1"}, seenIDs)
	mu.Unlock()

	assert.Eventually(t, func() bool {
		return testutil.ToFloat64(b.unitMetrics.messagesTotal.WithLabelValues("subscriber", DirectionInbound, outcomeSuccess)) == 1
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, float64(1), testutil.ToFloat64(b.unitMetrics.messagesTotal.WithLabelValues("publisher", DirectionOutbound, outcomeSuccess)))

	require.NoError(t, b.Stop(ctx))
	assert.Equal(t, UnitStopped, subscriber.State())
}

type fooEvent struct {
	Bar int `json:"bar"`
}

func TestBrokerEveryHandlerKindSeesEachPublishOnce(t *testing.T) {
	ctx := context.Background()
	b := newTestBroker(t, nil)

	var (
		mu          sync.Mutex
		headers     = map[string][]string{}
		bars        []int
		syncCalls   atomic.Int32
		asyncCalls  atomic.Int32
		wrappedCall atomic.Int32
	)
	record := func(kind string, hc HandlerContext) {
		mu.Lock()
		defer mu.Unlock()
		headers[kind] = append(headers[kind], hc.Header("MyHeader"))
	}

	table := NewHandlerTable().Add(
		HandleFunc(func(ctx context.Context, msg fooEvent, hc HandlerContext) error {
			record("sync", hc)
			mu.Lock()
			bars = append(bars, msg.Bar)
			mu.Unlock()
			syncCalls.Add(1)
			return nil
		}),
		HandleAsyncFunc(func(ctx context.Context, msg fooEvent, hc HandlerContext) Completion {
			return Go(func() error {
				record("async", hc)
				asyncCalls.Add(1)
				return nil
			})
		}),
		AsAsync(HandleFunc(func(ctx context.Context, msg fooEvent, hc HandlerContext) error {
			record("wrapped", hc)
			wrappedCall.Add(1)
			return nil
		})),
	)

	publisher := newTestUnit(t, "publisher", nil, nil)
	subscriber := newTestUnit(t, "subscriber", nil, table)
	require.NoError(t, b.Register(publisher))
	require.NoError(t, b.RegisterSubscriber(subscriber, "foo.events"))
	require.NoError(t, b.Start(ctx))
	t.Cleanup(func() { _ = b.Stop(ctx) })

	for range 2 {
		require.NoError(t, publisher.Publish(ctx, fooEvent{Bar: 42}, PublishOptions{
			Destination: "foo.events",
			Headers:     metadatapkg.New("MyHeader", "MyValue"),
		}))
	}

	assert.Eventually(t, func() bool {
		return syncCalls.Load() == 2 && asyncCalls.Load() == 2 && wrappedCall.Load() == 2
	}, 2*time.Second, 10*time.Millisecond)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(2), syncCalls.Load())
	assert.Equal(t, int32(2), asyncCalls.Load())
	assert.Equal(t, int32(2), wrappedCall.Load())

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int{42, 42}, bars)
	for _, kind := range []string{"sync", "async", "wrapped"} {
		assert.Equal(t, []string{"MyValue", "MyValue"}, headers[kind], kind)
	}
}

func TestBrokerStopTimeoutKeepsTransportOpen(t *testing.T) {
	pub := &transporttest.Publisher{}
	sub := &transporttest.Subscriber{}
	registry := transport.NewRegistry()
	registry.Register("recording", func(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
		return transport.Transport{Publisher: pub, Subscriber: sub}, nil
	})

	ctx := context.Background()
	b, err := NewBroker(ctx, &configpkg.Config{PubSubSystem: "recording"}, newTestLogger(), BrokerDependencies{TransportRegistry: registry})
	require.NoError(t, err)

	entered := make(chan struct{})
	release := make(chan struct{})
	receiver := newFakeReceiver()
	unit := newTestUnit(t, "orders", receiver, NewHandlerTable().Add(HandleFunc(func(context.Context, orderPlaced, HandlerContext) error {
		close(entered)
		<-release
		return nil
	})))
	require.NoError(t, b.Register(unit))
	require.NoError(t, b.Start(ctx))

	delivered := make(chan error, 1)
	go func() { delivered <- receiver.deliver(ctx, "orders", typedMessage(t, orderPlaced{ID: "o-1"})) }()
	<-entered

	timeout, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, b.Stop(timeout), context.DeadlineExceeded)
	assert.Equal(t, UnitStopping, unit.State())
	assert.False(t, pub.Closed())
	assert.False(t, sub.Closed())

	close(release)
	require.NoError(t, <-delivered)
	require.NoError(t, b.Stop(ctx))
	assert.Equal(t, UnitStopped, unit.State())
	assert.True(t, pub.Closed())
	assert.True(t, sub.Closed())
}
