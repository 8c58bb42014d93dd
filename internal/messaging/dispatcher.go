package messaging

import (
	"context"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/MarcoPoloResearchLab/datastore/backend/internal/datastore"
	"github.com/puzpuzpuz/xsync/v3"
)

const defaultSubscriberBuffer = 16

// Message is one committed position as seen by a subscriber.
type Message struct {
	Position int64
	Fields   map[datastore.Fqid]map[string]any
}

// Dispatcher fans committed positions out to in-process subscribers. Slow subscribers miss
// messages instead of blocking the writer.
type Dispatcher struct {
	subscribers *xsync.MapOf[int64, *subscriber]
	nextID      atomic.Int64
	bufferSize  int
}

type subscriber struct {
	collections map[string]struct{}
	stream      chan Message
	mu          sync.Mutex
	closed      bool
}

// NewDispatcher builds an empty dispatcher.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{
		subscribers: xsync.NewMapOf[int64, *subscriber](),
		bufferSize:  defaultSubscriberBuffer,
	}
}

// Subscribe registers a subscriber for the given collections, or for everything when none
// are given. The stream is closed once ctx ends or the returned cleanup runs.
func (d *Dispatcher) Subscribe(ctx context.Context, collections ...string) (<-chan Message, func()) {
	entry := &subscriber{
		collections: make(map[string]struct{}, len(collections)),
		stream:      make(chan Message, d.bufferSize),
	}
	for _, collection := range collections {
		entry.collections[collection] = struct{}{}
	}
	id := d.nextID.Add(1)
	d.subscribers.Store(id, entry)

	cleanup := func() {
		if removed, ok := d.subscribers.LoadAndDelete(id); ok {
			removed.close()
		}
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return entry.stream, cleanup
}

// HandleEvents implements Publisher.
func (d *Dispatcher) HandleEvents(_ context.Context, events EventsByPosition) error {
	positions := make([]int64, 0, len(events))
	for position := range events {
		positions = append(positions, position)
	}
	slices.Sort(positions)
	for _, position := range positions {
		d.publish(position, events[position])
	}
	return nil
}

// SubscriberCount reports the number of live subscribers.
func (d *Dispatcher) SubscriberCount() int {
	return d.subscribers.Size()
}

func (d *Dispatcher) publish(position int64, fields map[datastore.Fqid]map[string]any) {
	d.subscribers.Range(func(_ int64, entry *subscriber) bool {
		selected := entry.selectFields(fields)
		if len(selected) == 0 {
			return true
		}
		entry.offer(Message{Position: position, Fields: selected})
		return true
	})
}

func (s *subscriber) offer(message Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.stream <- message:
	default:
	}
}

func (s *subscriber) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.stream)
	}
}

func (s *subscriber) selectFields(fields map[datastore.Fqid]map[string]any) map[datastore.Fqid]map[string]any {
	if len(s.collections) == 0 {
		return fields
	}
	selected := make(map[datastore.Fqid]map[string]any)
	for fqid, values := range fields {
		if _, ok := s.collections[fqid.Collection()]; ok {
			selected[fqid] = values
		}
	}
	return selected
}
