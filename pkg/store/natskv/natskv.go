// Package natskv implements the document store on top of a NATS JetStream
// key value bucket. Keys are "<collection>.<escaped key>", values hold the
// JSON encoded document.
package natskv

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/mpapenbr/runsession/log"
	"github.com/mpapenbr/runsession/pkg/store"
)

type (
	Store struct {
		kv jetstream.KeyValue
		l  *log.Logger
	}
	Option func(*config)
	config struct {
		bucket string
		ttl    time.Duration
		l      *log.Logger
	}
	payload struct {
		Collection string         `json:"collection"`
		Key        string         `json:"key"`
		Fields     map[string]any `json:"fields"`
	}
)

var _ store.DocumentStore = (*Store)(nil)

const DefaultBucket = "runsession"

func WithBucket(bucket string) Option {
	return func(c *config) {
		c.bucket = bucket
	}
}

// WithTTL lets the bucket expire documents which are not updated
func WithTTL(ttl time.Duration) Option {
	return func(c *config) {
		c.ttl = ttl
	}
}

func WithLogger(l *log.Logger) Option {
	return func(c *config) {
		c.l = l
	}
}

func New(ctx context.Context, nc *nats.Conn, opts ...Option) (*Store, error) {
	cfg := &config{bucket: DefaultBucket, l: log.Default().Named("store.nats")}
	for _, opt := range opts {
		opt(cfg)
	}
	js, err := jetstream.New(nc)
	if err != nil {
		return nil, err
	}
	kv, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:  cfg.bucket,
		History: 1,
		TTL:     cfg.ttl,
	})
	if err != nil {
		return nil, err
	}
	cfg.l.Debug("key value bucket ready", log.String("bucket", cfg.bucket))
	return &Store{kv: kv, l: cfg.l}, nil
}

//nolint:whitespace // editor/linter issue
func (s *Store) Upsert(
	ctx context.Context, collection, key string, fields map[string]any,
) error {
	data, err := json.Marshal(payload{Collection: collection, Key: key, Fields: fields})
	if err != nil {
		return err
	}
	rev, err := s.kv.Put(ctx, kvKey(collection, key), data)
	if err != nil {
		return fmt.Errorf("put %s/%s: %w", collection, key, err)
	}
	s.l.Debug("upsert",
		log.String("collection", collection),
		log.String("key", key),
		log.Uint64("rev", rev))
	return nil
}

func (s *Store) Get(ctx context.Context, collection, key string) (store.Document, error) {
	kve, err := s.kv.Get(ctx, kvKey(collection, key))
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return store.Document{}, store.ErrNotFound
		}
		return store.Document{}, err
	}
	return toDocument(kve)
}

// Subscribe watches all keys of the queried collection. The first result set
// is emitted once the watcher has delivered the initial values.
func (s *Store) Subscribe(ctx context.Context, q store.Query) (store.Subscription, error) {
	wctx, cancel := context.WithCancel(ctx)
	w, err := s.kv.Watch(wctx, escape(q.Collection)+".>")
	if err != nil {
		cancel()
		return nil, err
	}
	sub := &subscription{
		q:      q,
		w:      w,
		cancel: cancel,
		ch:     make(chan store.ResultSet, 1),
		docs:   make(map[string]store.Document),
		l:      s.l,
	}
	go sub.run(wctx)
	return sub, nil
}

type subscription struct {
	q      store.Query
	w      jetstream.KeyWatcher
	cancel context.CancelFunc
	ch     chan store.ResultSet
	docs   map[string]store.Document
	l      *log.Logger
	once   sync.Once
}

func (sub *subscription) Updates() <-chan store.ResultSet {
	return sub.ch
}

func (sub *subscription) Cancel() {
	sub.once.Do(func() {
		sub.cancel()
	})
}

//nolint:cyclop // watch loop
func (sub *subscription) run(ctx context.Context) {
	defer func() {
		if err := sub.w.Stop(); err != nil {
			sub.l.Debug("watcher stop", log.ErrorField(err))
		}
		close(sub.ch)
		sub.l.Debug("watch done", log.String("collection", sub.q.Collection))
	}()
	initialized := false
	for {
		select {
		case <-ctx.Done():
			return
		case kve, ok := <-sub.w.Updates():
			if !ok {
				return
			}
			if kve == nil {
				initialized = true
				sub.emit(ctx)
				continue
			}
			switch kve.Operation() {
			case jetstream.KeyValueDelete, jetstream.KeyValuePurge:
				delete(sub.docs, kve.Key())
			case jetstream.KeyValuePut:
				doc, err := toDocument(kve)
				if err != nil {
					sub.l.Error("error decoding document",
						log.String("key", kve.Key()), log.ErrorField(err))
					continue
				}
				sub.docs[kve.Key()] = doc
			}
			if initialized {
				sub.emit(ctx)
			}
		}
	}
}

// emit replaces an unread result set with the current one
func (sub *subscription) emit(ctx context.Context) {
	docs := make([]store.Document, 0, len(sub.docs))
	for _, d := range sub.docs {
		docs = append(docs, d)
	}
	rs := sub.q.Select(docs)
	select {
	case <-sub.ch:
	default:
	}
	select {
	case sub.ch <- rs:
	case <-ctx.Done():
	}
}

func toDocument(kve jetstream.KeyValueEntry) (store.Document, error) {
	var p payload
	if err := json.Unmarshal(kve.Value(), &p); err != nil {
		return store.Document{}, err
	}
	return store.Document{
		Collection: p.Collection,
		Key:        p.Key,
		Fields:     p.Fields,
		Revision:   kve.Revision(),
	}, nil
}

func kvKey(collection, key string) string {
	return escape(collection) + "." + escape(key)
}

// escape keeps the characters NATS allows in key tokens and encodes every
// other byte as =XX
func escape(s string) string {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9',
			c == '-', c == '_':
			b.WriteByte(c)
		default:
			fmt.Fprintf(&b, "=%02X", c)
		}
	}
	if b.Len() == 0 {
		return "=00"
	}
	return b.String()
}
