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
	"sync"
	"sync/atomic"
)

const (
	kindChannel = "in-memory"
	kindLossy   = "lossy"
	kindRemote  = "remote"
)

func subscriberKind(sub Subscriber) string {
	switch sub.(type) {
	case *channelSubscriber:
		return kindChannel
	case *lossySubscriber:
		return kindLossy
	default:
		return kindRemote
	}
}

// channelSubscriber delivers with a blocking send. The read lock is held for
// the duration of the send so Close waits for in-flight deliveries
type channelSubscriber struct {
	ch     chan Event
	mu     sync.RWMutex
	closed bool
}

func newChannelSubscriber(buffer int) *channelSubscriber {
	return &channelSubscriber{
		ch: make(chan Event, buffer),
	}
}

func (c *channelSubscriber) Deliver(evt Event) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return nil
	}
	c.ch <- evt
	return nil
}

func (c *channelSubscriber) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.ch)
}

type lossySubscriber struct {
	ch       chan Event
	overflow chan struct{}
	dropped  atomic.Uint64
	mu       sync.RWMutex
	closed   bool
}

func newLossySubscriber(buffer int) *lossySubscriber {
	return &lossySubscriber{
		ch:       make(chan Event, buffer),
		overflow: make(chan struct{}, 1),
	}
}

func (l *lossySubscriber) Deliver(evt Event) error {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		return nil
	}
	select {
	case l.ch <- evt:
	default:
		l.dropped.Add(1)
		select {
		case l.overflow <- struct{}{}:
		default:
		}
	}
	return nil
}

func (l *lossySubscriber) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	l.closed = true
	close(l.ch)
}
