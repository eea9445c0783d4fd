package transport

import (
	"fmt"
	"slices"
	"sync"

	"github.com/nerrad567/instrumentd/internal/protocol"
)

// deliveryQueueSize bounds the events waiting for local handlers.
const deliveryQueueSize = 1024

type subscriber struct {
	topic   string
	handler EventHandler
}

// dispatcher holds the local subscriptions of a transport and runs their
// handlers on one delivery goroutine, off the network read path.
type dispatcher struct {
	mu      sync.RWMutex
	next    SubscriptionID
	subs    map[SubscriptionID]subscriber
	byTopic map[string][]SubscriptionID

	queue     chan *protocol.Event
	done      chan struct{}
	closeOnce sync.Once
	log       Logger
}

func newDispatcher(log Logger) *dispatcher {
	d := &dispatcher{
		subs:    make(map[SubscriptionID]subscriber),
		byTopic: make(map[string][]SubscriptionID),
		queue:   make(chan *protocol.Event, deliveryQueueSize),
		done:    make(chan struct{}),
		log:     log,
	}
	go d.run()
	return d
}

// add registers h and reports whether it is the first handler of topic.
func (d *dispatcher) add(topic string, h EventHandler) (SubscriptionID, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.next++
	id := d.next
	d.subs[id] = subscriber{topic: topic, handler: h}
	first := len(d.byTopic[topic]) == 0
	d.byTopic[topic] = append(d.byTopic[topic], id)
	return id, first
}

// remove drops a subscription. It returns its topic and whether that topic
// has no handlers left; ok is false for unknown ids.
func (d *dispatcher) remove(id SubscriptionID) (topic string, last, ok bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	sub, ok := d.subs[id]
	if !ok {
		return "", false, false
	}
	delete(d.subs, id)
	ids := slices.DeleteFunc(d.byTopic[sub.topic], func(x SubscriptionID) bool { return x == id })
	if len(ids) == 0 {
		delete(d.byTopic, sub.topic)
		return sub.topic, true, true
	}
	d.byTopic[sub.topic] = ids
	return sub.topic, false, true
}

// topics returns every topic with at least one handler.
func (d *dispatcher) topics() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]string, 0, len(d.byTopic))
	for t := range d.byTopic {
		out = append(out, t)
	}
	slices.Sort(out)
	return out
}

// has reports whether topic has local handlers.
func (d *dispatcher) has(topic string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.byTopic[topic]) > 0
}

// enqueue schedules ev for delivery. Events are dropped, with a warning,
// when the queue is full or the dispatcher is closed.
func (d *dispatcher) enqueue(ev *protocol.Event) {
	select {
	case <-d.done:
		return
	default:
	}
	select {
	case d.queue <- ev:
	default:
		d.log.Warn("event dropped, delivery queue full", "topic", ev.Topic)
	}
}

func (d *dispatcher) run() {
	for {
		select {
		case <-d.done:
			return
		case ev := <-d.queue:
			d.deliver(ev)
		}
	}
}

func (d *dispatcher) deliver(ev *protocol.Event) {
	d.mu.RLock()
	handlers := make([]EventHandler, 0, len(d.byTopic[ev.Topic]))
	for _, id := range d.byTopic[ev.Topic] {
		handlers = append(handlers, d.subs[id].handler)
	}
	d.mu.RUnlock()

	for _, h := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					d.log.Error("event handler panicked",
						"topic", ev.Topic,
						"panic", fmt.Sprint(r),
					)
				}
			}()
			h(ev)
		}()
	}
}

// close stops the delivery goroutine once the running handler returns.
// Queued events are discarded.
func (d *dispatcher) close() {
	d.closeOnce.Do(func() { close(d.done) })
}
