// Package memory is an in-process DocumentStore. It is used for local
// replays and tests; semantics follow the NATS backed store.
package memory

import (
	"context"
	"maps"
	"sync"

	"github.com/mpapenbr/runsession/log"
	"github.com/mpapenbr/runsession/pkg/store"
)

type (
	Store struct {
		mu   sync.Mutex
		docs map[string]map[string]store.Document
		rev  uint64
		subs map[*subscription]struct{}
		l    *log.Logger
	}
	Option func(*Store)

	subscription struct {
		owner *Store
		q     store.Query
		ch    chan store.ResultSet
		stop  chan struct{}
		mu    sync.Mutex
		done  bool
		once  sync.Once
	}
)

var _ store.DocumentStore = (*Store)(nil)

func WithLogger(l *log.Logger) Option {
	return func(s *Store) {
		s.l = l
	}
}

func New(opts ...Option) *Store {
	ret := &Store{
		docs: make(map[string]map[string]store.Document),
		subs: make(map[*subscription]struct{}),
		l:    log.Default().Named("store.memory"),
	}
	for _, opt := range opts {
		opt(ret)
	}
	return ret
}

//nolint:whitespace // editor/linter issue
func (s *Store) Upsert(
	ctx context.Context, collection, key string, fields map[string]any,
) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.docs[collection] == nil {
		s.docs[collection] = make(map[string]store.Document)
	}
	s.rev++
	s.docs[collection][key] = store.Document{
		Collection: collection,
		Key:        key,
		Fields:     maps.Clone(fields),
		Revision:   s.rev,
	}
	s.l.Debug("upsert", log.String("collection", collection), log.String("key", key))
	for sub := range s.subs {
		if sub.q.Collection == collection {
			sub.push(s.resultLocked(sub.q))
		}
	}
	return nil
}

func (s *Store) Get(ctx context.Context, collection, key string) (store.Document, error) {
	if err := ctx.Err(); err != nil {
		return store.Document{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.docs[collection][key]
	if !ok {
		return store.Document{}, store.ErrNotFound
	}
	doc.Fields = maps.Clone(doc.Fields)
	return doc, nil
}

// Subscribe delivers the current result set immediately and a new one after
// every change in the queried collection. Unread result sets are replaced by
// newer ones.
func (s *Store) Subscribe(ctx context.Context, q store.Query) (store.Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	sub := &subscription{
		owner: s,
		q:     q,
		ch:    make(chan store.ResultSet, 1),
		stop:  make(chan struct{}),
	}
	s.mu.Lock()
	s.subs[sub] = struct{}{}
	sub.push(s.resultLocked(q))
	s.mu.Unlock()
	go func() {
		select {
		case <-ctx.Done():
			sub.Cancel()
		case <-sub.stop:
		}
	}()
	return sub, nil
}

// Subscribers returns the number of live subscriptions
func (s *Store) Subscribers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs)
}

func (s *Store) resultLocked(q store.Query) store.ResultSet {
	docs := make([]store.Document, 0, len(s.docs[q.Collection]))
	for _, d := range s.docs[q.Collection] {
		d.Fields = maps.Clone(d.Fields)
		docs = append(docs, d)
	}
	return q.Select(docs)
}

func (sub *subscription) Updates() <-chan store.ResultSet {
	return sub.ch
}

func (sub *subscription) Cancel() {
	sub.once.Do(func() {
		sub.owner.mu.Lock()
		delete(sub.owner.subs, sub)
		sub.owner.mu.Unlock()

		sub.mu.Lock()
		sub.done = true
		close(sub.ch)
		sub.mu.Unlock()
		close(sub.stop)
	})
}

func (sub *subscription) push(rs store.ResultSet) {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	if sub.done {
		return
	}
	select {
	case <-sub.ch:
	default:
	}
	sub.ch <- rs
}
