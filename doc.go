// Package hftbus provides an in-process, multi-type publish/subscribe event
// bus for latency-sensitive trading pipelines.
//
// Every event type gets one bounded ring buffer, created on first use. Any
// number of subscribers read it independently, each with a private cursor.
// Publishing never blocks: when a ring is full the oldest event is
// overwritten, subscribers still positioned on it are moved past it, and
// their next receive reports the gap as a LaggedError.
//
// Basic example on the generic path:
//
//	type Tick struct {
//	    Symbol string
//	    Price  float64
//	}
//
//	func (Tick) EventType() hftbus.TypeTag { return hftbus.TagMarketData }
//
//	bus, err := hftbus.NewBus("trading", hftbus.WithRecording(100_000))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer bus.Shutdown()
//
//	sub, _ := bus.SubscribeMarketData()
//	bus.Publish(Tick{Symbol: "ES", Price: 4321.25})
//
//	env, err := sub.Recv(ctx)
//	if n, ok := hftbus.IsLagged(err); ok {
//	    log.Printf("missed %d ticks", n)
//	}
//
// Typed fast path, for the highest-volume types. The payload is stored inline
// in the ring and neither publish nor receive allocates:
//
//	bus, _ := hftbus.NewBus("trading", hftbus.WithFastPath[Tick]())
//	ticks, _ := hftbus.Bind[Tick](bus)
//	sub, _ := ticks.Subscribe()
//	ticks.Publish(Tick{Symbol: "ES", Price: 4321.25})
//	env, _ := sub.TryRecv() // env.Payload is a Tick
//
// A tag belongs to exactly one path. Publishing a fast-path type on the
// generic path, or binding a generic tag on the typed path, fails with
// ErrTypeConflict.
//
// Bus Options:
//   - WithCapacity: default ring size per type. Default is 10,000.
//   - WithTypeCapacity: ring size for one tag.
//   - WithRecording: enable the bounded recorder.
//   - WithFastPath: declare a typed fast-path event.
//   - WithMetrics: enable/disable OpenTelemetry metrics. Default is true.
//   - WithMeterProvider: set the OpenTelemetry meter provider.
//   - WithLogger: set logger for the bus.
//   - WithClock: set the envelope timestamp source.
//
// Priority: envelopes published as PriorityCritical are received before
// older PriorityNormal envelopes still pending for the same subscriber.
// Both tiers share the ring and its drop accounting.
package hftbus
