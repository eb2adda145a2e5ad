// Package recorder buffers the route of the local participant and persists
// it as a whole, overwriting the previous snapshot.
package recorder

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/mpapenbr/runsession/log"
	"github.com/mpapenbr/runsession/pkg/model"
)

var ErrPersistenceFailure = errors.New("route persistence failed")

const (
	DefaultCheckpointEvery = 10
	DefaultRetries         = 3
)

type (
	// Gate decides whether points are accepted
	Gate interface {
		Recording() bool
	}
	RouteStore interface {
		SaveRoute(ctx context.Context, sessionID, participantID string,
			points []model.Position) error
	}
	Option func(*Recorder)
)

// Recorder is not safe for concurrent use. Checkpoints are written by a
// background persister, so AddPoint never waits for the store.
type Recorder struct {
	gate          Gate
	store         RouteStore
	sessionID     string
	participantID string
	every         int
	retries       uint
	newBackOff    func() backoff.BackOff
	points        []model.Position
	sinceSave     int
	gen           uint64
	p             *persister
	l             *log.Logger
	mAccepted     metric.Int64Counter
	mRejected     metric.Int64Counter
	attrs         metric.MeasurementOption
}

func WithCheckpointEvery(n int) Option {
	return func(r *Recorder) {
		r.every = n
	}
}

// WithRetries sets the number of attempts per save
func WithRetries(n uint) Option {
	return func(r *Recorder) {
		r.retries = n
	}
}

// WithBackOff sets the delay policy between save attempts
func WithBackOff(f func() backoff.BackOff) Option {
	return func(r *Recorder) {
		r.newBackOff = f
	}
}

func WithLogger(l *log.Logger) Option {
	return func(r *Recorder) {
		r.l = l
	}
}

//nolint:whitespace // editor/linter issue
func New(
	gate Gate, store RouteStore, sessionID, participantID string, opts ...Option,
) *Recorder {
	r := &Recorder{
		gate:          gate,
		store:         store,
		sessionID:     sessionID,
		participantID: participantID,
		every:         DefaultCheckpointEvery,
		retries:       DefaultRetries,
		newBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 200 * time.Millisecond
			b.MaxInterval = 5 * time.Second
			return b
		},
		l: log.Default().Named("recorder"),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.setupMetrics()
	r.p = newPersister(r.save, r.l)
	return r
}

func (r *Recorder) setupMetrics() {
	meter := otel.GetMeterProvider().Meter("rsm.recorder")
	var err error
	if r.mAccepted, err = meter.Int64Counter("rsm.recorder.points.accepted",
		metric.WithDescription("Number of accepted route points"),
		metric.WithUnit("{count}")); err != nil {
		r.l.Error("failed to register metric", log.ErrorField(err))
	}
	if r.mRejected, err = meter.Int64Counter("rsm.recorder.points.rejected",
		metric.WithDescription("Number of points offered while not recording"),
		metric.WithUnit("{count}")); err != nil {
		r.l.Error("failed to register metric", log.ErrorField(err))
	}
	r.attrs = metric.WithAttributes(attribute.String("participant", r.participantID))
}

// AddPoint appends pos if the gate reports recording. Every n-th accepted
// point schedules a checkpoint.
func (r *Recorder) AddPoint(pos model.Position) bool {
	if !r.gate.Recording() {
		if r.mRejected != nil {
			r.mRejected.Add(context.Background(), 1, r.attrs)
		}
		return false
	}
	r.points = append(r.points, pos)
	r.gen++
	r.sinceSave++
	if r.mAccepted != nil {
		r.mAccepted.Add(context.Background(), 1, r.attrs)
	}
	if r.every > 0 && r.sinceSave >= r.every {
		r.sinceSave = 0
		r.p.schedule(snapshot{gen: r.gen, points: r.CurrentRoute()})
	}
	return true
}

// CurrentRoute returns a copy of the buffered points
func (r *Recorder) CurrentRoute() []model.Position {
	ret := make([]model.Position, len(r.points))
	copy(ret, r.points)
	return ret
}

func (r *Recorder) Len() int {
	return len(r.points)
}

// Persist writes the complete buffer and waits for the result. Pending
// checkpoints are superseded.
//
//nolint:whitespace // editor/linter issue
func (r *Recorder) Persist(
	ctx context.Context, sessionID, participantID string,
) error {
	return r.PersistLater(sessionID, participantID)(ctx)
}

// PersistLater captures the current buffer and returns a function writing
// it. The function may be called from any goroutine.
//
//nolint:whitespace // editor/linter issue
func (r *Recorder) PersistLater(
	sessionID, participantID string,
) func(ctx context.Context) error {
	snap := snapshot{
		gen:           r.gen,
		sessionID:     sessionID,
		participantID: participantID,
		points:        r.CurrentRoute(),
	}
	r.sinceSave = 0
	return func(ctx context.Context) error {
		return r.p.persistNow(ctx, snap)
	}
}

// Clear drops the buffer. Already persisted snapshots are kept in the store.
func (r *Recorder) Clear() {
	r.points = nil
	r.sinceSave = 0
	r.gen++
	r.p.reset(r.gen)
}

// Unsaved reports whether the latest save attempt gave up
func (r *Recorder) Unsaved() bool {
	return r.p.unsaved()
}

// Close waits for a running checkpoint and stops the persister
func (r *Recorder) Close() {
	r.p.close()
}

func (r *Recorder) save(ctx context.Context, s snapshot) error {
	sessionID, participantID := s.sessionID, s.participantID
	if sessionID == "" {
		sessionID, participantID = r.sessionID, r.participantID
	}
	attempt := 0
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		attempt++
		return struct{}{}, r.store.SaveRoute(ctx, sessionID, participantID, s.points)
	},
		backoff.WithBackOff(r.newBackOff()),
		backoff.WithMaxTries(r.retries),
		backoff.WithNotify(func(err error, d time.Duration) {
			r.l.Warn("save route failed, retrying",
				log.Int("attempt", attempt),
				log.Duration("delay", d),
				log.ErrorField(err))
		}))
	if err != nil {
		return fmt.Errorf("%w: session %s participant %s: %w",
			ErrPersistenceFailure, sessionID, participantID, err)
	}
	r.l.Debug("route saved",
		log.String("session", sessionID),
		log.String("participant", participantID),
		log.Int("points", len(s.points)))
	return nil
}
