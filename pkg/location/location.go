// Package location turns a device location source into a cancellable stream
// of positions.
package location

import (
	"context"
	"errors"
	"sync"

	"github.com/mpapenbr/runsession/log"
	"github.com/mpapenbr/runsession/pkg/model"
)

var (
	ErrAuthorizationDenied = errors.New("location authorization denied")
	ErrAuthorizationLost   = errors.New("location authorization revoked")
)

type Authorization int

const (
	AuthorizationGranted Authorization = iota
	AuthorizationDenied
)

func (a Authorization) String() string {
	if a == AuthorizationGranted {
		return "granted"
	}
	return "denied"
}

type (
	// Update is delivered by a Source. Either Position is set or Revoked is true.
	Update struct {
		Position *model.Position
		Revoked  bool
	}

	Authorizer interface {
		RequestAuthorization(ctx context.Context) (Authorization, error)
	}

	// Source is the platform location service. The callback may be invoked
	// from any goroutine; the returned function unregisters it.
	Source interface {
		Authorizer
		Subscribe(cb func(Update)) (cancel func())
	}

	// StaticAuthorization answers every authorization request with itself
	StaticAuthorization Authorization
)

func (a StaticAuthorization) RequestAuthorization(ctx context.Context) (
	Authorization, error,
) {
	return Authorization(a), nil
}

type (
	Stream struct {
		src    Source
		buffer int
		l      *log.Logger
	}
	Option func(*Stream)
)

func WithLogger(l *log.Logger) Option {
	return func(s *Stream) {
		s.l = l
	}
}

// WithBuffer sets the number of positions queued for a slow consumer
func WithBuffer(n int) Option {
	return func(s *Stream) {
		s.buffer = n
	}
}

func NewStream(src Source, opts ...Option) *Stream {
	s := &Stream{src: src, buffer: 64, l: log.Default().Named("location")}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Observe requests authorization and starts delivering positions. Each call
// returns a new, independent observation.
func (s *Stream) Observe(ctx context.Context) (*Observation, error) {
	auth, err := s.src.RequestAuthorization(ctx)
	if err != nil {
		return nil, err
	}
	if auth != AuthorizationGranted {
		return nil, ErrAuthorizationDenied
	}
	o := &Observation{
		in:   make(chan Update, s.buffer),
		out:  make(chan model.Position),
		done: make(chan struct{}),
		l:    s.l,
	}
	o.cancelSrc = s.src.Subscribe(o.deliver)
	go o.forward(ctx)
	s.l.Debug("observation started")
	return o, nil
}

// Observation is a running location subscription. C is closed once the
// observation ends; Err then reports why.
type Observation struct {
	in        chan Update
	out       chan model.Position
	done      chan struct{}
	cancelSrc func()
	once      sync.Once
	mu        sync.Mutex
	err       error
	l         *log.Logger
}

func (o *Observation) C() <-chan model.Position {
	return o.out
}

// Err returns ErrAuthorizationLost if the authorization was revoked while
// observing, otherwise nil.
func (o *Observation) Err() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.err
}

// Stop ends the observation. It may be called any number of times.
func (o *Observation) Stop() {
	o.finish(nil)
}

func (o *Observation) finish(err error) {
	o.once.Do(func() {
		o.mu.Lock()
		o.err = err
		o.mu.Unlock()
		close(o.done)
	})
}

func (o *Observation) deliver(u Update) {
	if !u.Revoked && u.Position == nil {
		return
	}
	select {
	case o.in <- u:
	case <-o.done:
	}
}

func (o *Observation) forward(ctx context.Context) {
	defer func() {
		if o.cancelSrc != nil {
			o.cancelSrc()
		}
		close(o.out)
		o.l.Debug("observation ended", log.ErrorField(o.Err()))
	}()
	for {
		select {
		case <-ctx.Done():
			o.finish(nil)
			return
		case <-o.done:
			return
		case u := <-o.in:
			if u.Revoked {
				o.l.Warn("authorization revoked while observing")
				o.finish(ErrAuthorizationLost)
				return
			}
			select {
			case o.out <- *u.Position:
			case <-o.done:
				return
			case <-ctx.Done():
				o.finish(nil)
				return
			}
		}
	}
}
