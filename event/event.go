// Copyright 2025 Blink Labs Software
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package event

import (
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	EventQueueSize      = 20
	AsyncQueueSize      = 1000
	AsyncWorkerPoolSize = 4
)

type EventType string

type EventSubscriberId int

type EventHandlerFunc func(Event)

type Event struct {
	Timestamp time.Time
	Data      any
	Type      EventType
}

func NewEvent(eventType EventType, eventData any) Event {
	return Event{
		Type:      eventType,
		Timestamp: time.Now(),
		Data:      eventData,
	}
}

// Subscriber receives events from the bus. Close must be idempotent
type Subscriber interface {
	Deliver(Event) error
	Close()
}

type asyncEvent struct {
	eventType EventType
	event     Event
}

type EventBus struct {
	subscribers map[EventType]map[EventSubscriberId]Subscriber
	metrics     *eventMetrics
	logger      *slog.Logger
	asyncQueue  chan asyncEvent
	stopCh      chan struct{}
	asyncWg     sync.WaitGroup
	lastSubId   EventSubscriberId
	mu          sync.RWMutex
	stopOnce    sync.Once
	stopped     atomic.Bool
}

// NewEventBus creates a new EventBus and starts its async delivery workers
func NewEventBus(
	promRegistry prometheus.Registerer,
	logger *slog.Logger,
) *EventBus {
	if logger == nil {
		// Create logger to throw away logs
		// We do this so we don't have to add guards around every log operation
		logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	e := &EventBus{
		subscribers: make(map[EventType]map[EventSubscriberId]Subscriber),
		logger:      logger.With("component", "event"),
		asyncQueue:  make(chan asyncEvent, AsyncQueueSize),
		stopCh:      make(chan struct{}),
	}
	if promRegistry != nil {
		e.metrics = newEventMetrics(promRegistry)
	}
	for range AsyncWorkerPoolSize {
		e.asyncWg.Add(1)
		go e.asyncWorker()
	}
	return e
}

func (e *EventBus) asyncWorker() {
	defer e.asyncWg.Done()
	for {
		select {
		case <-e.stopCh:
			return
		case ae := <-e.asyncQueue:
			e.Publish(ae.eventType, ae.event)
		}
	}
}

func (e *EventBus) addSubscriber(
	eventType EventType,
	sub Subscriber,
	kind string,
) EventSubscriberId {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.lastSubId++
	subId := e.lastSubId
	if _, ok := e.subscribers[eventType]; !ok {
		e.subscribers[eventType] = make(map[EventSubscriberId]Subscriber)
	}
	e.subscribers[eventType][subId] = sub
	if e.metrics != nil {
		e.metrics.subscribers.WithLabelValues(string(eventType), kind).Inc()
	}
	return subId
}

// Subscribe returns a channel receiving events of the given type. Delivery
// blocks the publisher while the channel buffer is full
func (e *EventBus) Subscribe(
	eventType EventType,
) (EventSubscriberId, <-chan Event) {
	sub := newChannelSubscriber(EventQueueSize)
	return e.addSubscriber(eventType, sub, kindChannel), sub.ch
}

// SubscribeLossy returns a channel receiving events of the given type that
// never blocks the publisher. When the buffer is full the event is dropped
// and the returned overflow channel is signalled, so the consumer can
// recover the lost state from elsewhere
func (e *EventBus) SubscribeLossy(
	eventType EventType,
	bufferSize int,
) (EventSubscriberId, <-chan Event, <-chan struct{}) {
	if bufferSize <= 0 {
		bufferSize = EventQueueSize
	}
	sub := newLossySubscriber(bufferSize)
	return e.addSubscriber(eventType, sub, kindLossy), sub.ch, sub.overflow
}

// SubscribeFunc calls handlerFunc for each event of the given type from a
// dedicated goroutine
func (e *EventBus) SubscribeFunc(
	eventType EventType,
	handlerFunc EventHandlerFunc,
) EventSubscriberId {
	subId, evtCh := e.Subscribe(eventType)
	go func() {
		for evt := range evtCh {
			handlerFunc(evt)
		}
	}()
	return subId
}

// Unsubscribe removes a subscriber and closes its channel
func (e *EventBus) Unsubscribe(eventType EventType, subId EventSubscriberId) {
	e.mu.Lock()
	sub, ok := e.subscribers[eventType][subId]
	if ok {
		delete(e.subscribers[eventType], subId)
		if len(e.subscribers[eventType]) == 0 {
			delete(e.subscribers, eventType)
		}
		if e.metrics != nil {
			e.metrics.subscribers.WithLabelValues(string(eventType), subscriberKind(sub)).
				Dec()
		}
	}
	e.mu.Unlock()
	if ok {
		sub.Close()
	}
}

// Publish delivers an event to all current subscribers of its type
func (e *EventBus) Publish(eventType EventType, evt Event) {
	e.mu.RLock()
	subs := make(map[EventSubscriberId]Subscriber, len(e.subscribers[eventType]))
	for id, sub := range e.subscribers[eventType] {
		subs[id] = sub
	}
	e.mu.RUnlock()
	for id, sub := range subs {
		if err := deliver(sub, evt); err != nil {
			e.logger.Debug(
				"event delivery error",
				"type", eventType,
				"error", err,
			)
			if e.metrics != nil {
				e.metrics.deliveryErrors.WithLabelValues(string(eventType), subscriberKind(sub)).
					Inc()
			}
			e.Unsubscribe(eventType, id)
		}
	}
	if e.metrics != nil {
		e.metrics.eventsTotal.WithLabelValues(string(eventType)).Inc()
	}
}

func deliver(sub Subscriber, evt Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("subscriber deliver panic: %v", r)
		}
	}()
	return sub.Deliver(evt)
}

// PublishAsync queues an event for delivery by the worker pool. It returns
// false when the bus is stopped or the queue is full
func (e *EventBus) PublishAsync(eventType EventType, evt Event) bool {
	if e.stopped.Load() {
		return false
	}
	select {
	case e.asyncQueue <- asyncEvent{eventType: eventType, event: evt}:
		return true
	default:
		e.logger.Warn(
			"async event queue full, dropping event",
			"type", eventType,
		)
		if e.metrics != nil {
			e.metrics.deliveryErrors.WithLabelValues(string(eventType), "async-dropped").
				Inc()
		}
		return false
	}
}

// Stop halts the async workers and closes all subscribers
func (e *EventBus) Stop() {
	e.stopOnce.Do(func() {
		e.stopped.Store(true)
		close(e.stopCh)
		e.asyncWg.Wait()
		e.mu.Lock()
		subs := e.subscribers
		e.subscribers = make(map[EventType]map[EventSubscriberId]Subscriber)
		e.mu.Unlock()
		for _, evtTypeSubs := range subs {
			for _, sub := range evtTypeSubs {
				sub.Close()
			}
		}
		if e.metrics != nil {
			e.metrics.subscribers.Reset()
		}
	})
}
