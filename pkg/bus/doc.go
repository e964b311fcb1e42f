/*
Package bus provides an in-memory notice broker for docflow's internal
pub/sub messaging.

The bus package implements a lightweight message bus for broadcasting
notifications between daemon components. It supports topic-filtered
subscriptions with asynchronous delivery, keeping the watcher, reconciler,
and dispatcher loosely coupled.

# Architecture

The broker provides non-blocking pub/sub messaging with buffered channels:

	┌──────────────────── NOTICE BROKER ───────────────────────┐
	│                                                            │
	│  ┌────────────────────────────────────────────┐          │
	│  │              Notice Broker                  │          │
	│  │  - In-memory message bus                    │          │
	│  │  - Topic-filtered subscriptions             │          │
	│  │  - Non-blocking publish                     │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │          Notice Distribution                │          │
	│  │                                              │          │
	│  │  Publisher → Notice Channel (buffer: 100)   │          │
	│  │       ↓                                      │          │
	│  │  Broadcast Loop                              │          │
	│  │       ↓                                      │          │
	│  │  Subscriber Channels (buffer: 50 each)      │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │              Topics                         │          │
	│  │                                              │          │
	│  │  event.appended:                            │          │
	│  │    Published after a durable append.        │          │
	│  │    Wakes the dispatcher claim loop.         │          │
	│  │                                              │          │
	│  │  reconcile.requested:                       │          │
	│  │    Published on watcher overflow and by     │          │
	│  │    the reconcile endpoint. Triggers an      │          │
	│  │    immediate reconciliation pass.           │          │
	│  └────────────────────────────────────────────┘           │
	└────────────────────────────────────────────────────────┘

# Delivery Semantics

Publish never blocks the producer. Notices flow through a buffered channel
into a broadcast loop, and each subscriber has its own buffered channel. A
subscriber that falls behind loses notices rather than stalling the bus.

That makes notices wakeup hints, not a source of truth. Every consumer also
operates on a schedule: the dispatcher polls the event store with backoff,
and the reconciler runs periodic passes. A lost notice delays work until the
next tick, it never loses work.

# Usage

Publishing:

	broker.Publish(&bus.Notice{
		Topic:    bus.TopicReconcileRequested,
		Message:  "watcher overflow",
		Metadata: map[string]string{"reason": "overflow"},
	})

Subscribing:

	sub := broker.SubscribeTopics(bus.TopicReconcileRequested)
	defer broker.Unsubscribe(sub)
	for notice := range sub {
		// handle notice
	}
*/
package bus
