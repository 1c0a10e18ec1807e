// Package datastore wraps a Badger-backed go-datastore with the
// features the engine relies on: TTL, transactions, channel-based
// iteration, TTL bookkeeping, jq queries over stored values, and a
// small event bus publishing every mutation to subscribers.
package datastore

import (
	"context"
	"sync"
	"time"

	ds "github.com/ipfs/go-datastore"
	"github.com/ipfs/go-datastore/query"
	badger4 "github.com/ipfs/go-ds-badger4"
	"github.com/rs/zerolog"
)

type Datastore interface {
	ds.Datastore
	ds.BatchingFeature
	ds.TxnFeature
	ds.GCFeature
	ds.PersistentFeature
	ds.TTL

	Iterator(ctx context.Context, prefix ds.Key, keysOnly bool) (<-chan KeyValue, <-chan error, error)
	Keys(ctx context.Context, prefix ds.Key) (<-chan ds.Key, <-chan error, error)
	Clear(ctx context.Context) error

	GetTTLStats(ctx context.Context, prefix ds.Key) (*TTLStats, error)
	ListTTLKeys(ctx context.Context, prefix ds.Key, onlyWithTTL bool) ([]TTLKeyStatus, error)
	ExtendTTL(ctx context.Context, key ds.Key, extension time.Duration) error
	CleanupExpiredKeys(ctx context.Context, prefix ds.Key) (int, error)

	QueryJQSingle(ctx context.Context, key ds.Key, jqQuery string) (any, error)
	QueryJQ(ctx context.Context, jqQuery string, opts *JQQueryOptions) (<-chan JQResult, <-chan error, error)

	Subscribe(subscriber Subscriber)
	Unsubscribe(subscriberID string)
	SubscribeFunc(id string, handler EventHandler)
	SubscribeChannel(id string, buffer int) *ChannelSubscriber

	Close() error
}

type KeyValue struct {
	Key   ds.Key
	Value []byte
}

var _ ds.Datastore = (*storage)(nil)
var _ ds.PersistentDatastore = (*storage)(nil)
var _ ds.TxnDatastore = (*storage)(nil)
var _ ds.TTLDatastore = (*storage)(nil)
var _ ds.GCDatastore = (*storage)(nil)
var _ ds.Batching = (*storage)(nil)

type storage struct {
	*badger4.Datastore
	log         zerolog.Logger
	subscribers map[string]Subscriber
	mu          sync.RWMutex
	eventQueue  chan Event
	dispatchCtx context.Context
	cancel      context.CancelFunc
	wg          sync.WaitGroup
	jqCache     *jqQueryCache
}

func New(path string, opts *badger4.Options, log zerolog.Logger) (Datastore, error) {
	badgerDS, err := badger4.NewDatastore(path, opts)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &storage{
		Datastore:   badgerDS,
		log:         log.With().Str("component", "datastore").Logger(),
		subscribers: make(map[string]Subscriber),
		eventQueue:  make(chan Event, 1000),
		dispatchCtx: ctx,
		cancel:      cancel,
		jqCache:     newJQQueryCache(),
	}
	s.wg.Add(1)
	go s.eventDispatcher()
	return s, nil
}

func (s *storage) eventDispatcher() {
	defer s.wg.Done()
	for {
		select {
		case <-s.dispatchCtx.Done():
			return
		case event := <-s.eventQueue:
			s.mu.RLock()
			subscribers := make(map[string]Subscriber, len(s.subscribers))
			for id, sub := range s.subscribers {
				subscribers[id] = sub
			}
			s.mu.RUnlock()

			for id, sub := range subscribers {
				s.wg.Add(1)
				go func(subID string, sub Subscriber, evt Event) {
					defer s.wg.Done()
					defer func() {
						if r := recover(); r != nil {
							s.log.Error().Str("subscriber", subID).Any("panic", r).Msg("subscriber panicked")
						}
					}()
					sub.OnEvent(s.dispatchCtx, evt)
				}(id, sub, event)
			}
		}
	}
}

func (s *storage) publishEvent(eventType EventType, key ds.Key, value []byte) {
	event := Event{
		Type:      eventType,
		Key:       key,
		Value:     value,
		Timestamp: time.Now(),
	}
	select {
	case s.eventQueue <- event:
	default:
		// Queue full: drop rather than block the write path.
	}
}

func (s *storage) Subscribe(subscriber Subscriber) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subscribers[subscriber.ID()] = subscriber
}

func (s *storage) Unsubscribe(subscriberID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.subscribers, subscriberID)
}

func (s *storage) SubscribeFunc(id string, handler EventHandler) {
	s.Subscribe(NewFuncSubscriber(id, handler))
}

func (s *storage) SubscribeChannel(id string, buffer int) *ChannelSubscriber {
	sub := NewChannelSubscriber(id, buffer)
	s.Subscribe(sub)
	return sub
}

func (s *storage) Put(ctx context.Context, key ds.Key, value []byte) error {
	err := s.Datastore.Put(ctx, key, value)
	if err == nil {
		s.publishEvent(EventPut, key, value)
	}
	return err
}

func (s *storage) PutWithTTL(ctx context.Context, key ds.Key, value []byte, ttl time.Duration) error {
	err := s.Datastore.PutWithTTL(ctx, key, value, ttl)
	if err == nil {
		s.publishEvent(EventPut, key, value)
	}
	return err
}

func (s *storage) Delete(ctx context.Context, key ds.Key) error {
	err := s.Datastore.Delete(ctx, key)
	if err == nil {
		s.publishEvent(EventDelete, key, nil)
	}
	return err
}

func (s *storage) Iterator(ctx context.Context, prefix ds.Key, keysOnly bool) (<-chan KeyValue, <-chan error, error) {
	q := query.Query{
		Prefix:   prefix.String(),
		KeysOnly: keysOnly,
	}
	result, err := s.Datastore.Query(ctx, q)
	if err != nil {
		return nil, nil, err
	}
	out := make(chan KeyValue)
	errc := make(chan error, 1)
	go func() {
		defer close(out)
		defer close(errc)
		defer result.Close()
		for {
			select {
			case <-ctx.Done():
				errc <- ctx.Err()
				return
			case res, ok := <-result.Next():
				if !ok {
					return
				}
				if res.Error != nil {
					errc <- res.Error
					return
				}
				select {
				case out <- KeyValue{Key: ds.NewKey(res.Key), Value: res.Value}:
				case <-ctx.Done():
					errc <- ctx.Err()
					return
				}
			}
		}
	}()
	return out, errc, nil
}

func (s *storage) Keys(ctx context.Context, prefix ds.Key) (<-chan ds.Key, <-chan error, error) {
	kvs, errc, err := s.Iterator(ctx, prefix, true)
	if err != nil {
		return nil, nil, err
	}
	out := make(chan ds.Key)
	go func() {
		defer close(out)
		for kv := range kvs {
			select {
			case out <- kv.Key:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, errc, nil
}

func (s *storage) Clear(ctx context.Context) error {
	q, err := s.Datastore.Query(ctx, query.Query{KeysOnly: true})
	if err != nil {
		return err
	}
	defer q.Close()
	b, err := s.Batch(ctx)
	if err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case res, ok := <-q.Next():
			if !ok {
				return b.Commit(ctx)
			}
			if res.Error != nil {
				return res.Error
			}
			if err := b.Delete(ctx, ds.NewKey(res.Key)); err != nil {
				return err
			}
		}
	}
}

func (s *storage) Close() error {
	s.cancel()
	s.wg.Wait()

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, subscriber := range s.subscribers {
		if chSub, ok := subscriber.(*ChannelSubscriber); ok {
			chSub.Close()
		}
	}
	return s.Datastore.Close()
}

// pubsubBatch defers event publication until the batch commits, then
// replays one event per operation plus a trailing batch marker.
type pubsubBatch struct {
	ds.Batch
	parent *storage
	ops    []batchOp
}

type batchOp struct {
	isDelete bool
	key      ds.Key
	value    []byte
}

func (s *storage) Batch(ctx context.Context) (ds.Batch, error) {
	batch, err := s.Datastore.Batch(ctx)
	if err != nil {
		return nil, err
	}
	return &pubsubBatch{Batch: batch, parent: s}, nil
}

func (b *pubsubBatch) Put(ctx context.Context, key ds.Key, value []byte) error {
	err := b.Batch.Put(ctx, key, value)
	if err == nil {
		b.ops = append(b.ops, batchOp{key: key, value: value})
	}
	return err
}

func (b *pubsubBatch) Delete(ctx context.Context, key ds.Key) error {
	err := b.Batch.Delete(ctx, key)
	if err == nil {
		b.ops = append(b.ops, batchOp{isDelete: true, key: key})
	}
	return err
}

func (b *pubsubBatch) Commit(ctx context.Context) error {
	err := b.Batch.Commit(ctx)
	if err == nil {
		for _, op := range b.ops {
			if op.isDelete {
				b.parent.publishEvent(EventDelete, op.key, nil)
			} else {
				b.parent.publishEvent(EventPut, op.key, op.value)
			}
		}
		b.parent.publishEvent(EventBatch, ds.NewKey("/batch"), nil)
	}
	return err
}
