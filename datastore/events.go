package datastore

import (
	"context"
	"time"

	ds "github.com/ipfs/go-datastore"
)

// EventType identifies the mutation that produced an Event.
type EventType int

const (
	EventPut EventType = iota
	EventDelete
	EventBatch
)

func (t EventType) String() string {
	switch t {
	case EventPut:
		return "put"
	case EventDelete:
		return "delete"
	case EventBatch:
		return "batch"
	default:
		return "unknown"
	}
}

// Event describes a single committed mutation. Batch commits publish
// one Event per operation followed by a trailing EventBatch marker, so
// subscribers never observe uncommitted writes.
type Event struct {
	Type      EventType
	Key       ds.Key
	Value     []byte
	Timestamp time.Time
}

// Subscriber receives events from the dispatcher. OnEvent runs on its
// own goroutine per event and must not assume ordering across events.
type Subscriber interface {
	OnEvent(ctx context.Context, event Event)
	ID() string
}

// EventHandler adapts a plain function into a Subscriber via
// NewFuncSubscriber.
type EventHandler func(Event)

type FuncSubscriber struct {
	id      string
	handler EventHandler
}

var _ Subscriber = (*FuncSubscriber)(nil)
var _ Subscriber = (*ChannelSubscriber)(nil)

func NewFuncSubscriber(id string, handler EventHandler) *FuncSubscriber {
	return &FuncSubscriber{
		id:      id,
		handler: handler,
	}
}

func (fs *FuncSubscriber) OnEvent(ctx context.Context, event Event) {
	fs.handler(event)
}

func (fs *FuncSubscriber) ID() string {
	return fs.id
}

// ChannelSubscriber buffers events on a channel. When the buffer is
// full new events are dropped, never blocking the dispatcher.
type ChannelSubscriber struct {
	id     string
	events chan Event
}

func NewChannelSubscriber(id string, buffer int) *ChannelSubscriber {
	return &ChannelSubscriber{
		id:     id,
		events: make(chan Event, buffer),
	}
}

func (cs *ChannelSubscriber) OnEvent(ctx context.Context, event Event) {
	select {
	case cs.events <- event:
	default:
		// Buffer full: drop instead of blocking the dispatcher.
	}
}

func (cs *ChannelSubscriber) ID() string {
	return cs.id
}

func (cs *ChannelSubscriber) Events() <-chan Event {
	return cs.events
}

// Close closes the event channel. Only the datastore calls this, after
// the dispatcher has stopped.
func (cs *ChannelSubscriber) Close() {
	close(cs.events)
}
