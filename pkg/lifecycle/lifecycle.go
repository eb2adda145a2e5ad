// Package lifecycle decides when a shared session ends: once every known
// participant is stale the session is ended exactly once.
package lifecycle

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/samber/lo"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/mpapenbr/runsession/log"
	"github.com/mpapenbr/runsession/pkg/model"
	"github.com/mpapenbr/runsession/pkg/utils/clock"
)

const DefaultRecheckInterval = 10 * time.Second

type Decision int

const (
	KeepAlive Decision = iota
	Terminate
)

func (d Decision) String() string {
	if d == Terminate {
		return "terminate"
	}
	return "keepAlive"
}

// Evaluate returns Terminate if the snapshot is not empty and no participant
// in it is active. An empty snapshot keeps the session alive.
func Evaluate(snapshot []model.ParticipantPresence) Decision {
	if len(snapshot) == 0 {
		return KeepAlive
	}
	if lo.SomeBy(snapshot, func(p model.ParticipantPresence) bool { return p.IsActive }) {
		return KeepAlive
	}
	return Terminate
}

type (
	// SessionEnder must treat ending an ended session as success
	SessionEnder interface {
		EndSession(ctx context.Context, sessionID string) error
	}
	Snapshotter interface {
		Snapshot(now time.Time) []model.ParticipantPresence
	}
	Option func(*Monitor)
)

// Monitor re-evaluates on every Notify and on a periodic re-check.
type Monitor struct {
	sessionID  string
	snap       Snapshotter
	ender      SessionEnder
	clk        clock.Clock
	interval   time.Duration
	endTries   uint
	newBackOff func() backoff.BackOff
	notify     chan struct{}
	mu         sync.Mutex
	inFlight   bool
	ended      bool
	done       chan struct{}
	l          *log.Logger
	mEnd       metric.Int64Counter
}

func WithClock(c clock.Clock) Option {
	return func(m *Monitor) {
		m.clk = c
	}
}

func WithRecheckInterval(d time.Duration) Option {
	return func(m *Monitor) {
		m.interval = d
	}
}

// WithEndTries sets the attempts per evaluation before giving up until the
// next evaluation
func WithEndTries(n uint) Option {
	return func(m *Monitor) {
		m.endTries = n
	}
}

func WithBackOff(f func() backoff.BackOff) Option {
	return func(m *Monitor) {
		m.newBackOff = f
	}
}

func WithLogger(l *log.Logger) Option {
	return func(m *Monitor) {
		m.l = l
	}
}

//nolint:whitespace // editor/linter issue
func NewMonitor(
	sessionID string, snap Snapshotter, ender SessionEnder, opts ...Option,
) *Monitor {
	m := &Monitor{
		sessionID: sessionID,
		snap:      snap,
		ender:     ender,
		clk:       clock.Real{},
		interval:  DefaultRecheckInterval,
		endTries:  2,
		newBackOff: func() backoff.BackOff {
			return backoff.NewConstantBackOff(500 * time.Millisecond)
		},
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
		l:      log.Default().Named("lifecycle"),
	}
	for _, opt := range opts {
		opt(m)
	}
	if c, err := otel.GetMeterProvider().Meter("rsm.lifecycle").Int64Counter(
		"rsm.lifecycle.end",
		metric.WithDescription("Number of end session requests"),
		metric.WithUnit("{count}")); err == nil {
		m.mEnd = c
	} else {
		m.l.Error("failed to register metric", log.ErrorField(err))
	}
	return m
}

// Notify requests an evaluation. It never blocks.
func (m *Monitor) Notify() {
	select {
	case m.notify <- struct{}{}:
	default:
	}
}

// Done is closed once the session was ended
func (m *Monitor) Done() <-chan struct{} {
	return m.done
}

func (m *Monitor) Ended() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ended
}

// Run evaluates until ctx is done or the session has been ended
func (m *Monitor) Run(ctx context.Context) error {
	ticker := m.clk.NewTicker(m.interval)
	defer ticker.Stop()
	m.l.Debug("monitor started",
		log.String("session", m.sessionID),
		log.Duration("interval", m.interval))
	m.Check(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-m.done:
			return nil
		case <-m.notify:
		case <-ticker.C():
		}
		m.Check(ctx)
	}
}

// Check evaluates the current snapshot and ends the session if required.
// Concurrent calls issue at most one end request at a time; once ended no
// further requests are made.
func (m *Monitor) Check(ctx context.Context) Decision {
	now := m.clk.Now()
	snapshot := m.snap.Snapshot(now)
	d := Evaluate(snapshot)
	if d != Terminate {
		return d
	}
	m.mu.Lock()
	if m.ended || m.inFlight {
		m.mu.Unlock()
		return d
	}
	m.inFlight = true
	m.mu.Unlock()

	m.l.Info("all participants stale, ending session",
		log.String("session", m.sessionID),
		log.Int("participants", len(snapshot)))
	err := m.end(ctx)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.inFlight = false
	if err != nil {
		m.l.Error("end session failed, retrying on next evaluation",
			log.String("session", m.sessionID), log.ErrorField(err))
		return d
	}
	m.ended = true
	close(m.done)
	m.l.Info("session ended", log.String("session", m.sessionID))
	return d
}

func (m *Monitor) end(ctx context.Context) error {
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		err := m.ender.EndSession(ctx, m.sessionID)
		if m.mEnd != nil {
			m.mEnd.Add(ctx, 1, metric.WithAttributes(
				attribute.Bool("success", err == nil)))
		}
		return struct{}{}, err
	},
		backoff.WithBackOff(m.newBackOff()),
		backoff.WithMaxTries(m.endTries))
	return err
}
