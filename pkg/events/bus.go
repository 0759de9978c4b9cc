// Copyright (c) 2025 AUTHORS All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package events carries one well-formed event per committed mutation
// (metadata put, blob put, index upsert) to in-process subscribers. The
// replication collaborator consumes this stream; the engine's only
// obligation is to publish each committed mutation exactly once, in commit
// order.
package events

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Type classifies a mutation event.
type Type string

// Event types, one per mutating step kind.
const (
	TypeKVPut       Type = "kv-put"
	TypeBlobPut     Type = "blob-put"
	TypeIndexUpsert Type = "index-upsert"
)

// Event describes one committed mutation.
type Event struct {
	ID     string    `json:"id"`
	Seq    uint64    `json:"seq"`
	Type   Type      `json:"type"`
	Route  string    `json:"route"`
	Key    string    `json:"key,omitempty"`
	Digest string    `json:"digest,omitempty"`
	At     time.Time `json:"at"`
}

// Bus fans events out to subscribers. Publish assigns a monotonically
// increasing sequence number under the bus lock, so every subscriber
// observes the same order. A subscriber that cannot keep up loses events
// rather than blocking the publisher; the sequence numbers make the gap
// visible downstream.
type Bus struct {
	mu   sync.Mutex
	seq  uint64
	subs map[*Subscriber]struct{}
}

// Subscriber receives events on C until Close.
type Subscriber struct {
	C   chan Event
	bus *Bus
}

// NewBus returns an empty bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[*Subscriber]struct{})}
}

// Publish stamps and delivers e to all current subscribers.
func (b *Bus) Publish(e Event) {
	e.ID = uuid.New().String()
	e.At = time.Now().UTC()

	b.mu.Lock()
	defer b.mu.Unlock()
	b.seq++
	e.Seq = b.seq
	for sub := range b.subs {
		select {
		case sub.C <- e:
		default:
		}
	}
}

// Subscribe registers a new subscriber with the given channel buffer.
func (b *Bus) Subscribe(buffer int) *Subscriber {
	sub := &Subscriber{C: make(chan Event, buffer), bus: b}
	b.mu.Lock()
	b.subs[sub] = struct{}{}
	b.mu.Unlock()
	return sub
}

// Close unregisters the subscriber and closes its channel.
func (s *Subscriber) Close() {
	s.bus.mu.Lock()
	delete(s.bus.subs, s)
	s.bus.mu.Unlock()
	close(s.C)
}
