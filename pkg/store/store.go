// Package store defines the document store collaborator used for the
// shared session state and the realtime presence feed.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
)

const (
	CollectionPresence = "presence"
	CollectionRoutes   = "routes"
	CollectionSessions = "sessions"
)

var ErrNotFound = errors.New("document not found")

type (
	Document struct {
		Collection string
		Key        string
		Fields     map[string]any
		Revision   uint64
	}
	// Query selects all documents of a collection whose fields equal the
	// given values (compared by their string representation).
	Query struct {
		Collection string
		Where      map[string]string
	}
	ResultSet []Document

	// Subscription is a cancellable realtime feed. Each value on Updates is
	// the complete current result set. Cancel releases the underlying
	// watcher and closes Updates; calling it more than once is fine.
	Subscription interface {
		Updates() <-chan ResultSet
		Cancel()
	}

	DocumentStore interface {
		// Upsert replaces the document stored under (collection, key)
		Upsert(ctx context.Context, collection, key string, fields map[string]any) error
		// Get returns ErrNotFound if no document exists
		Get(ctx context.Context, collection, key string) (Document, error)
		Subscribe(ctx context.Context, q Query) (Subscription, error)
	}
)

func (q Query) Matches(d Document) bool {
	if d.Collection != q.Collection {
		return false
	}
	for k, want := range q.Where {
		v, ok := d.Fields[k]
		if !ok || fmt.Sprint(v) != want {
			return false
		}
	}
	return true
}

// Select filters and orders docs by key
func (q Query) Select(docs []Document) ResultSet {
	ret := ResultSet{}
	for _, d := range docs {
		if q.Matches(d) {
			ret = append(ret, d)
		}
	}
	sort.Slice(ret, func(i, j int) bool { return ret[i].Key < ret[j].Key })
	return ret
}

// Encode converts a struct into document fields using its json tags
func Encode(v any) (map[string]any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var fields map[string]any
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, err
	}
	return fields, nil
}

// Decode fills v from document fields
func Decode(fields map[string]any, v any) error {
	data, err := json.Marshal(fields)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}
