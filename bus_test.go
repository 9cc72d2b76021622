package hftbus

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/multierr"
	"syreclabs.com/go/faker"
)

func init() {
	faker.Seed(time.Now().UnixNano())
}

type tick struct {
	Symbol string
	Price  float64
	N      int
}

func (tick) EventType() TypeTag { return TagMarketData }

type feature struct {
	Name  string
	Value float64
}

func (feature) EventType() TypeTag { return TagFeature }

type alert struct {
	Msg   string
	Level Priority
}

func (alert) EventType() TypeTag  { return TagHealth }
func (a alert) Priority() Priority { return a.Level }

type bookLevel struct {
	Price float64
	Size  float64
}

func (bookLevel) EventType() TypeTag { return TagOrderBook }

type rivalBook struct {
	Levels int
}

func (rivalBook) EventType() TypeTag { return TagOrderBook }

func newTestBus(t *testing.T, opts ...BusOption) *Bus {
	t.Helper()
	bus, err := NewBus(t.Name(), append([]BusOption{WithMetrics(false)}, opts...)...)
	if err != nil {
		t.Fatalf("NewBus failed: %v", err)
	}
	t.Cleanup(func() { bus.Shutdown() })
	return bus
}

// drain reads until ErrWouldBlock and returns the payloads and total lag.
func drain[T any](t *testing.T, s *Subscription[T]) ([]T, uint64) {
	t.Helper()
	var got []T
	var lagged uint64
	for {
		env, err := s.TryRecv()
		if errors.Is(err, ErrWouldBlock) {
			return got, lagged
		}
		if n, ok := IsLagged(err); ok {
			lagged += n
			continue
		}
		if err != nil {
			t.Fatalf("TryRecv failed: %v", err)
		}
		got = append(got, env.Payload)
	}
}

func ticks(events []Event) []int {
	out := make([]int, 0, len(events))
	for _, ev := range events {
		out = append(out, ev.(tick).N)
	}
	return out
}

func TestNewBus(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		bus, err := NewBus("", WithMetrics(false))
		if err != nil {
			t.Fatalf("NewBus failed: %v", err)
		}
		defer bus.Shutdown()
		if bus.Name() != DefaultBusName {
			t.Errorf("expected name %q, got %q", DefaultBusName, bus.Name())
		}
		if bus.ID() == "" {
			t.Error("expected bus ID")
		}
		if !bus.Running() {
			t.Error("expected bus to be running")
		}
		if bus.Recorder() != nil {
			t.Error("expected no recorder without WithRecording")
		}
		if bus.Logger() == nil {
			t.Error("expected logger")
		}
	})

	t.Run("invalid options are reported together", func(t *testing.T) {
		_, err := NewBus("bad", WithCapacity(0), WithRecording(-1), WithTypeCapacity(TagFill, -3))
		if !errors.Is(err, ErrInvalidCapacity) {
			t.Fatalf("expected ErrInvalidCapacity, got %v", err)
		}
		if n := len(multierr.Errors(err)); n != 3 {
			t.Errorf("expected 3 aggregated errors, got %d: %v", n, err)
		}
	})

	t.Run("conflicting fast path declarations", func(t *testing.T) {
		_, err := NewBus("conflict", WithMetrics(false), WithFastPath[bookLevel](), WithFastPath[rivalBook]())
		if !IsTypeConflict(err) {
			t.Errorf("expected ErrTypeConflict, got %v", err)
		}
	})

	t.Run("metrics with meter provider", func(t *testing.T) {
		bus, err := NewBus("metered", WithMeterProvider(noop.NewMeterProvider()))
		if err != nil {
			t.Fatalf("NewBus failed: %v", err)
		}
		bus.Publish(tick{})
		if err := bus.Shutdown(); err != nil {
			t.Errorf("Shutdown failed: %v", err)
		}
	})
}

func TestGenericPublishSubscribe(t *testing.T) {
	bus := newTestBus(t)
	sub, err := bus.SubscribeMarketData()
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	want := tick{Symbol: faker.Lorem().String(), Price: 101.5, N: 1}
	if err := bus.Publish(want); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	env, err := sub.Recv(ctx)
	if err != nil {
		t.Fatalf("Recv failed: %v", err)
	}
	if diff := cmp.Diff(want, env.Payload); diff != "" {
		t.Errorf("unexpected payload (-want +got):\n%s", diff)
	}
	if env.Seq != 1 || env.Type != TagMarketData || env.Priority != PriorityNormal {
		t.Errorf("unexpected envelope metadata %+v", env)
	}

	if err := bus.Publish(nil); !errors.Is(err, ErrNilEvent) {
		t.Errorf("expected ErrNilEvent, got %v", err)
	}
}

func TestConvenienceSubscriptions(t *testing.T) {
	bus := newTestBus(t)
	subs := map[TypeTag]func() (*Subscription[Event], error){
		TagMarketData: bus.SubscribeMarketData,
		TagFeature:    bus.SubscribeFeatures,
		TagSignal:     bus.SubscribeSignals,
		TagOrder:      bus.SubscribeOrders,
		TagFill:       bus.SubscribeFills,
	}
	for tag, subscribe := range subs {
		sub, err := subscribe()
		if err != nil {
			t.Fatalf("subscribe %s failed: %v", tag, err)
		}
		if sub.Tag() != tag {
			t.Errorf("expected tag %s, got %s", tag, sub.Tag())
		}
	}
	if n := len(bus.Stats()); n != len(subs) {
		t.Errorf("expected %d channels, got %d", len(subs), n)
	}
}

func TestLaggedSubscriberScenario(t *testing.T) {
	bus := newTestBus(t, WithTypeCapacity(TagMarketData, 4))
	sub, _ := bus.SubscribeMarketData()

	for i := 1; i <= 6; i++ {
		bus.Publish(tick{N: i})
	}

	_, err := sub.TryRecv()
	if n, ok := IsLagged(err); !ok || n != 2 {
		t.Fatalf("expected Lagged(2), got %v", err)
	}
	got, lagged := drain(t, sub)
	if diff := cmp.Diff([]int{3, 4, 5, 6}, ticks(got)); diff != "" {
		t.Errorf("unexpected events (-want +got):\n%s", diff)
	}
	if lagged != 0 {
		t.Errorf("unexpected further lag %d", lagged)
	}
	if got := bus.Stats()[TagMarketData].Dropped; got != 2 {
		t.Errorf("expected 2 dropped, got %d", got)
	}
}

func TestPriorityScenario(t *testing.T) {
	bus := newTestBus(t)
	sub, _ := bus.Subscribe(TagHealth)

	bus.Publish(alert{Msg: "1", Level: PriorityNormal})
	bus.Publish(alert{Msg: "2", Level: PriorityNormal})
	bus.Publish(alert{Msg: "3", Level: PriorityCritical})

	got, _ := drain(t, sub)
	var msgs []string
	for _, ev := range got {
		msgs = append(msgs, ev.(alert).Msg)
	}
	if diff := cmp.Diff([]string{"3", "1", "2"}, msgs); diff != "" {
		t.Errorf("unexpected order (-want +got):\n%s", diff)
	}
}

func TestExplicitPriority(t *testing.T) {
	bus := newTestBus(t)
	sub, _ := bus.SubscribeFeatures()

	bus.Publish(feature{Name: "a"})
	bus.PublishWithPriority(feature{Name: "b"}, PriorityCritical)

	got, _ := drain(t, sub)
	if diff := cmp.Diff([]Event{feature{Name: "b"}, feature{Name: "a"}}, got); diff != "" {
		t.Errorf("unexpected order (-want +got):\n%s", diff)
	}
}

func TestTwoSubscribersScenario(t *testing.T) {
	bus := newTestBus(t, WithCapacity(3))
	a, _ := bus.SubscribeMarketData()
	b, _ := bus.SubscribeMarketData()

	var gotA []int
	for i := 1; i <= 5; i++ {
		bus.Publish(tick{N: i})
		got, _ := drain(t, a)
		gotA = append(gotA, ticks(got)...)
	}
	gotB, laggedB := drain(t, b)

	if diff := cmp.Diff([]int{1, 2, 3, 4, 5}, gotA); diff != "" {
		t.Errorf("subscriber A (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]int{3, 4, 5}, ticks(gotB)); diff != "" {
		t.Errorf("subscriber B (-want +got):\n%s", diff)
	}
	if laggedB != 2 {
		t.Errorf("expected B Lagged(2), got %d", laggedB)
	}

	want := map[TypeTag]StatsSnapshot{TagMarketData: {Published: 5, Received: 8, Dropped: 2, Subscribers: 2}}
	if diff := cmp.Diff(want, bus.Stats()); diff != "" {
		t.Errorf("unexpected stats (-want +got):\n%s", diff)
	}
}

func TestPublishedCountsWithoutSubscribers(t *testing.T) {
	bus := newTestBus(t, WithCapacity(2))
	for i := 0; i < 7; i++ {
		if err := bus.Publish(feature{}); err != nil {
			t.Fatalf("Publish failed: %v", err)
		}
	}
	want := StatsSnapshot{Published: 7}
	if diff := cmp.Diff(want, bus.Stats()[TagFeature]); diff != "" {
		t.Errorf("unexpected stats (-want +got):\n%s", diff)
	}
}

func TestUnsubscribe(t *testing.T) {
	bus := newTestBus(t, WithCapacity(2))
	keep, _ := bus.SubscribeMarketData()
	gone, _ := bus.SubscribeMarketData()

	bus.Publish(tick{N: 1})
	bus.Publish(tick{N: 2})
	bus.Publish(tick{N: 3})
	before := bus.Stats()[TagMarketData]

	if err := bus.Unsubscribe(gone); err != nil {
		t.Fatalf("Unsubscribe failed: %v", err)
	}
	if err := bus.Unsubscribe(nil); err != nil {
		t.Fatalf("Unsubscribe(nil) failed: %v", err)
	}

	after := bus.Stats()[TagMarketData]
	if after.Published != before.Published || after.Dropped != before.Dropped {
		t.Errorf("unsubscribe changed counters: before %+v after %+v", before, after)
	}
	if after.Subscribers != 1 {
		t.Errorf("expected 1 subscriber, got %d", after.Subscribers)
	}

	got, lagged := drain(t, keep)
	if diff := cmp.Diff([]int{2, 3}, ticks(got)); diff != "" || lagged != 1 {
		t.Errorf("unexpected events %v lag %d", ticks(got), lagged)
	}
}

func TestRegistryInsertOnce(t *testing.T) {
	bus := newTestBus(t)

	const racers = 32
	handles := make([]*Typed[bookLevel], racers)
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			h, err := Register[bookLevel](bus, 64+i)
			if err != nil {
				t.Errorf("Register failed: %v", err)
				return
			}
			handles[i] = h
		}(i)
	}
	close(start)
	wg.Wait()

	first := handles[0].Channel()
	for i, h := range handles {
		if h == nil {
			continue
		}
		if h.Channel() != first {
			t.Fatalf("racer %d observed a different channel", i)
		}
	}
	capacity := first.Capacity()
	if capacity < 64 || capacity >= 64+racers {
		t.Errorf("capacity %d was not taken from one of the racers", capacity)
	}

	again, err := Register[bookLevel](bus, 1)
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if again.Capacity() != capacity {
		t.Errorf("later capacity request changed the channel: %d != %d", again.Capacity(), capacity)
	}
	if bus.Capacity(TagOrderBook) != capacity {
		t.Errorf("bus reports capacity %d, want %d", bus.Capacity(TagOrderBook), capacity)
	}
	if bus.Capacity(TagResearch) != 0 {
		t.Errorf("expected zero capacity for unknown tag")
	}
}

func TestConcurrentFirstPublish(t *testing.T) {
	bus := newTestBus(t)

	const (
		publishers = 8
		perPub     = 200
	)
	var wg sync.WaitGroup
	start := make(chan struct{})
	for p := 0; p < publishers; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			for i := 0; i < perPub; i++ {
				if err := bus.Publish(feature{Value: float64(i)}); err != nil {
					t.Errorf("Publish failed: %v", err)
					return
				}
			}
		}()
	}
	close(start)
	wg.Wait()

	stats := bus.Stats()
	if len(stats) != 1 {
		t.Fatalf("expected one channel, got %d", len(stats))
	}
	if got := stats[TagFeature].Published; got != publishers*perPub {
		t.Errorf("expected %d published, got %d", publishers*perPub, got)
	}
}

func TestTypeConflict(t *testing.T) {
	t.Run("generic publish of fast path type", func(t *testing.T) {
		bus := newTestBus(t, WithFastPath[tick]())
		if err := bus.Publish(tick{}); !errors.Is(err, ErrTypeConflict) {
			t.Errorf("expected ErrTypeConflict, got %v", err)
		}
		if _, err := bus.SubscribeMarketData(); !errors.Is(err, ErrTypeConflict) {
			t.Errorf("expected ErrTypeConflict from Subscribe, got %v", err)
		}
		if err := Publish(bus, tick{N: 1}); err != nil {
			t.Errorf("typed publish failed: %v", err)
		}
	})

	t.Run("typed bind of generic type", func(t *testing.T) {
		bus := newTestBus(t)
		bus.Publish(feature{})
		if _, err := Bind[feature](bus); !errors.Is(err, ErrTypeConflict) {
			t.Errorf("expected ErrTypeConflict, got %v", err)
		}
		if _, err := Subscribe[feature](bus); !errors.Is(err, ErrTypeConflict) {
			t.Errorf("expected ErrTypeConflict from Subscribe, got %v", err)
		}
	})

	t.Run("two types on one tag", func(t *testing.T) {
		bus := newTestBus(t)
		if _, err := Bind[bookLevel](bus); err != nil {
			t.Fatalf("Bind failed: %v", err)
		}
		_, err := Bind[rivalBook](bus)
		if !IsTypeConflict(err) {
			t.Fatalf("expected ErrTypeConflict, got %v", err)
		}
		if want := `event type conflict: "order_book" is bound to hftbus.bookLevel, requested hftbus.rivalBook`; err.Error() != want {
			t.Errorf("unexpected message:\n got %s\nwant %s", err, want)
		}
	})
}

func TestShutdown(t *testing.T) {
	bus := newTestBus(t, WithFastPath[bookLevel]())
	generic, _ := bus.SubscribeMarketData()
	typed, _ := Subscribe[bookLevel](bus)

	errs := make(chan error, 2)
	go func() {
		_, err := generic.Recv(context.Background())
		errs <- err
	}()
	go func() {
		_, err := typed.Recv(context.Background())
		errs <- err
	}()

	time.Sleep(10 * time.Millisecond)
	if err := bus.Shutdown(); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}
	if err := bus.Shutdown(); err != nil {
		t.Fatalf("second Shutdown failed: %v", err)
	}

	for i := 0; i < 2; i++ {
		select {
		case err := <-errs:
			if !errors.Is(err, ErrClosed) {
				t.Errorf("expected ErrClosed, got %v", err)
			}
		case <-time.After(time.Second):
			t.Fatal("blocked receive did not wake on shutdown")
		}
	}

	if bus.Running() {
		t.Error("expected bus to be stopped")
	}
	if err := bus.Publish(tick{}); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed from Publish, got %v", err)
	}
	if err := Publish(bus, bookLevel{}); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed from typed Publish, got %v", err)
	}
	if _, err := bus.Subscribe(TagSignal); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed from Subscribe, got %v", err)
	}
	if _, err := Bind[feature](bus); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed from Bind, got %v", err)
	}
}

func TestShutdownClosesCachedTyped(t *testing.T) {
	bus := newTestBus(t)
	h, err := Bind[bookLevel](bus)
	if err != nil {
		t.Fatalf("Bind failed: %v", err)
	}
	bus.Shutdown()
	if err := h.Publish(bookLevel{}); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed, got %v", err)
	}
}

func TestRecording(t *testing.T) {
	bus := newTestBus(t, WithRecording(3), WithFastPath[bookLevel]())

	bus.Publish(tick{N: 1})
	bus.Publish(feature{Name: "f"})
	Publish(bus, bookLevel{Price: 1})
	bus.Publish(tick{N: 2})
	bus.Publish(alert{Msg: "a"})

	rec := bus.Recorder()
	if rec == nil {
		t.Fatal("expected recorder")
	}
	var got []Event
	for r := range rec.Replay() {
		got = append(got, r.Payload.(Event))
	}
	want := []Event{bookLevel{Price: 1}, tick{N: 2}, alert{Msg: "a"}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("unexpected recorded events (-want +got):\n%s", diff)
	}

	// recording never counts as a subscriber
	for tag, s := range bus.Stats() {
		if s.Dropped != 0 || s.Received != 0 || s.Subscribers != 0 {
			t.Errorf("%s: recorder affected stats %+v", tag, s)
		}
	}
}

func TestPublishContextCarriesSpan(t *testing.T) {
	bus := newTestBus(t, WithFastPath[bookLevel]())
	generic, _ := bus.SubscribeFeatures()
	typed, _ := Subscribe[bookLevel](bus)

	sc := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    trace.TraceID{1, 2, 3},
		SpanID:     trace.SpanID{4, 5, 6},
		TraceFlags: trace.FlagsSampled,
	})
	ctx := trace.ContextWithSpanContext(context.Background(), sc)

	if err := bus.PublishContext(ctx, feature{}); err != nil {
		t.Fatalf("PublishContext failed: %v", err)
	}
	if err := PublishContext(ctx, bus, bookLevel{}); err != nil {
		t.Fatalf("typed PublishContext failed: %v", err)
	}

	ge, err := generic.TryRecv()
	if err != nil {
		t.Fatalf("TryRecv failed: %v", err)
	}
	te, err := typed.TryRecv()
	if err != nil {
		t.Fatalf("TryRecv failed: %v", err)
	}
	for _, got := range []trace.SpanContext{ge.Span, te.Span} {
		if got.TraceID() != sc.TraceID() || got.SpanID() != sc.SpanID() {
			t.Errorf("span context not carried: %v", got)
		}
	}
	if got := trace.SpanContextFromContext(te.Context()); got.TraceID() != sc.TraceID() || !got.IsRemote() {
		t.Errorf("envelope context lost span: %v", got)
	}
}

func TestTagOf(t *testing.T) {
	if got := TagOf[tick](); got != TagMarketData {
		t.Errorf("TagOf[tick] = %s", got)
	}
	if got := TagOf[bookLevel](); got != TagOrderBook {
		t.Errorf("TagOf[bookLevel] = %s", got)
	}
}

func TestRepublish(t *testing.T) {
	bus := newTestBus(t, WithFastPath[bookLevel]())
	levels, _ := Subscribe[bookLevel](bus)
	generic, _ := bus.SubscribeMarketData()

	sc := trace.NewSpanContext(trace.SpanContextConfig{TraceID: trace.TraceID{9}, SpanID: trace.SpanID{9}})
	if err := bus.Republish(Envelope[Event]{Payload: bookLevel{Price: 7}, Priority: PriorityCritical, Span: sc}); err != nil {
		t.Fatalf("Republish of fast-path event failed: %v", err)
	}
	if err := bus.Republish(Envelope[Event]{Payload: tick{N: 3}}); err != nil {
		t.Fatalf("Republish of generic event failed: %v", err)
	}

	env, err := levels.TryRecv()
	if err != nil {
		t.Fatalf("TryRecv failed: %v", err)
	}
	if env.Payload.Price != 7 || env.Priority != PriorityCritical || env.Span.TraceID() != sc.TraceID() {
		t.Errorf("unexpected republished envelope %+v", env)
	}
	if ge, err := generic.TryRecv(); err != nil || ge.Payload.(tick).N != 3 {
		t.Errorf("expected tick 3, got %+v %v", ge, err)
	}

	err = bus.Republish(Envelope[Event]{Payload: rivalBook{Levels: 1}})
	if !IsTypeConflict(err) {
		t.Fatalf("expected ErrTypeConflict, got %v", err)
	}
	if want := `event type conflict: "order_book" is bound to hftbus.bookLevel, got hftbus.rivalBook`; err.Error() != want {
		t.Errorf("unexpected message:\n got %s\nwant %s", err, want)
	}
	if err := bus.Republish(Envelope[Event]{}); !errors.Is(err, ErrNilEvent) {
		t.Errorf("expected ErrNilEvent, got %v", err)
	}

	bus.Shutdown()
	if err := bus.Republish(Envelope[Event]{Payload: bookLevel{}}); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed, got %v", err)
	}
}

// venueEvent is an interface event type; only the exact Event interface is
// the generic path.
type venueEvent interface {
	Event
	Venue() string
}

func TestConflictNamesInterfacePath(t *testing.T) {
	bus := newTestBus(t)

	bus.Publish(tick{})
	_, err := bind[venueEvent](bus, TagMarketData, 0)
	if want := `event type conflict: "market_data" is bound to generic path, requested hftbus.venueEvent`; err == nil || err.Error() != want {
		t.Errorf("unexpected error:\n got %v\nwant %s", err, want)
	}

	if _, err := bind[venueEvent](bus, TagResearch, 0); err != nil {
		t.Fatalf("bind failed: %v", err)
	}
	_, err = bus.Subscribe(TagResearch)
	if want := `event type conflict: "research" is bound to hftbus.venueEvent, requested generic path`; err == nil || err.Error() != want {
		t.Errorf("unexpected error:\n got %v\nwant %s", err, want)
	}
}
