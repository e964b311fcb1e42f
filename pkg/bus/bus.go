package bus

import (
	"sync"
	"time"
)

// Topic identifies a class of internal notifications.
type Topic string

const (
	// TopicEventAppended fires after a file event is durably appended.
	// The dispatcher subscribes to wake its claim loop early.
	TopicEventAppended Topic = "event.appended"

	// TopicReconcileRequested asks the reconciler for an immediate pass,
	// outside its periodic schedule. Published on watcher overflow and by
	// the reconcile API endpoint.
	TopicReconcileRequested Topic = "reconcile.requested"

	// TopicRunFinished fires when a workflow run reaches a terminal
	// status. Metadata carries run_id, workflow_id and status.
	TopicRunFinished Topic = "run.finished"
)

// Notice is a broadcast notification between daemon components.
type Notice struct {
	Topic     Topic
	Timestamp time.Time
	Message   string
	Metadata  map[string]string
}

// Subscriber is a channel that receives notices
type Subscriber chan *Notice

// Broker manages notice subscriptions and distribution
type Broker struct {
	subscribers map[Subscriber]map[Topic]bool // nil set means all topics
	mu          sync.RWMutex
	noticeCh    chan *Notice
	stopCh      chan struct{}
}

// NewBroker creates a new notice broker
func NewBroker() *Broker {
	return &Broker{
		subscribers: make(map[Subscriber]map[Topic]bool),
		noticeCh:    make(chan *Notice, 100), // Buffer up to 100 notices
		stopCh:      make(chan struct{}),
	}
}

// Start begins the broker's distribution loop
func (b *Broker) Start() {
	go b.run()
}

// Stop stops the broker
func (b *Broker) Stop() {
	close(b.stopCh)
}

// Subscribe creates a subscription receiving every topic
func (b *Broker) Subscribe() Subscriber {
	return b.SubscribeTopics()
}

// SubscribeTopics creates a subscription filtered to the given topics. With
// no topics it receives everything.
func (b *Broker) SubscribeTopics(topics ...Topic) Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := make(Subscriber, 50) // Buffer per subscriber
	if len(topics) == 0 {
		b.subscribers[sub] = nil
	} else {
		set := make(map[Topic]bool, len(topics))
		for _, t := range topics {
			set[t] = true
		}
		b.subscribers[sub] = set
	}
	return sub
}

// Unsubscribe removes a subscription
func (b *Broker) Unsubscribe(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subscribers[sub]; !ok {
		return
	}
	delete(b.subscribers, sub)
	close(sub)
}

// Publish publishes a notice to all matching subscribers
func (b *Broker) Publish(notice *Notice) {
	// Set timestamp if not set
	if notice.Timestamp.IsZero() {
		notice.Timestamp = time.Now()
	}

	select {
	case b.noticeCh <- notice:
	case <-b.stopCh:
	}
}

func (b *Broker) run() {
	for {
		select {
		case notice := <-b.noticeCh:
			b.broadcast(notice)
		case <-b.stopCh:
			return
		}
	}
}

func (b *Broker) broadcast(notice *Notice) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub, topics := range b.subscribers {
		if topics != nil && !topics[notice.Topic] {
			continue
		}
		select {
		case sub <- notice:
		default:
			// Subscriber buffer full, skip
		}
	}
}

// SubscriberCount returns the number of active subscribers
func (b *Broker) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
