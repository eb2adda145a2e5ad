// Package participant runs the local participant of a session. A single
// goroutine owns the tracking state machine and the route recorder; all
// commands, positions and heartbeat ticks are serialized through it.
package participant

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mpapenbr/runsession/log"
	"github.com/mpapenbr/runsession/pkg/location"
	"github.com/mpapenbr/runsession/pkg/model"
	"github.com/mpapenbr/runsession/pkg/recorder"
	"github.com/mpapenbr/runsession/pkg/stats"
	"github.com/mpapenbr/runsession/pkg/tracking"
	"github.com/mpapenbr/runsession/pkg/utils/broadcast"
	"github.com/mpapenbr/runsession/pkg/utils/clock"
)

const DefaultHeartbeatInterval = 5 * time.Second

var ErrClosed = errors.New("participant runtime closed")

type (
	PresencePublisher interface {
		PublishPresence(ctx context.Context, doc *model.PresenceDoc) error
	}
	Option func(*Runtime)
)

func WithHeartbeatInterval(d time.Duration) Option {
	return func(r *Runtime) {
		r.hbInterval = d
	}
}

func WithClock(c clock.Clock) Option {
	return func(r *Runtime) {
		r.clk = c
	}
}

func WithRecorderOptions(opts ...recorder.Option) Option {
	return func(r *Runtime) {
		r.recOpts = append(r.recOpts, opts...)
	}
}

func WithPublishTimeout(d time.Duration) Option {
	return func(r *Runtime) {
		r.publishTimeout = d
	}
}

func WithLogger(l *log.Logger) Option {
	return func(r *Runtime) {
		r.l = l
	}
}

type Runtime struct {
	sessionID      string
	participantID  string
	stream         *location.Stream
	clk            clock.Clock
	hbInterval     time.Duration
	publishTimeout time.Duration
	recOpts        []recorder.Option
	l              *log.Logger

	ctx    context.Context
	cancel context.CancelFunc
	cmds   chan func()
	done   chan struct{}

	transitions chan tracking.Transition
	events      broadcast.BroadcastServer[tracking.Transition]
	hb          *heartbeat

	// owned by the run goroutine
	machine     *tracking.Machine
	rec         *recorder.Recorder
	obs         *location.Observation
	ticker      clock.Ticker
	lastPos     *model.Position
	lastPublish time.Time
	lastErr     error
}

//nolint:whitespace // editor/linter issue
func New(
	sessionID, participantID string,
	stream *location.Stream,
	routes recorder.RouteStore,
	pub PresencePublisher,
	opts ...Option,
) *Runtime {
	r := &Runtime{
		sessionID:      sessionID,
		participantID:  participantID,
		stream:         stream,
		clk:            clock.Real{},
		hbInterval:     DefaultHeartbeatInterval,
		publishTimeout: 2 * time.Second,
		cmds:           make(chan func()),
		done:           make(chan struct{}),
		transitions:    make(chan tracking.Transition, 16),
		machine:        tracking.NewMachine(),
		l:              log.Default().Named("participant"),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.l = r.l.With(log.String("session", sessionID), log.String("participant", participantID))
	r.rec = recorder.New(r.machine, routes, sessionID, participantID,
		append([]recorder.Option{recorder.WithLogger(r.l.Named("recorder"))}, r.recOpts...)...)
	r.hb = newHeartbeat(pub, r.publishTimeout, r.l.Named("heartbeat"))
	r.events = broadcast.NewBroadcastServer("transitions", r.transitions,
		broadcast.WithLogger[tracking.Transition](r.l))
	r.ctx, r.cancel = context.WithCancel(context.Background())
	go r.run()
	return r
}

// Transitions returns a channel receiving every state change
func (r *Runtime) Transitions() <-chan tracking.Transition {
	return r.events.Subscribe()
}

func (r *Runtime) CancelTransitions(ch <-chan tracking.Transition) {
	r.events.CancelSubscription(ch)
}

// Close stops observing and ends the run goroutine. A running stop is not
// waited for.
func (r *Runtime) Close() {
	r.cancel()
	<-r.done
}

// Start requests location authorization and begins recording. A denied
// authorization is returned and the state stays idle.
func (r *Runtime) Start(ctx context.Context) error {
	var err error
	if doErr := r.do(ctx, func() { err = r.start() }); doErr != nil {
		return doErr
	}
	return err
}

func (r *Runtime) Pause(ctx context.Context) error {
	var err error
	if doErr := r.do(ctx, func() { err = r.fire(tracking.EventPause) }); doErr != nil {
		return doErr
	}
	return err
}

func (r *Runtime) Resume(ctx context.Context) error {
	var err error
	if doErr := r.do(ctx, func() { err = r.fire(tracking.EventResume) }); doErr != nil {
		return doErr
	}
	return err
}

// Stop ends recording and waits for the final persist. The runtime is idle
// afterwards; a failed persist keeps the route in memory and is reported by
// Unsaved.
func (r *Runtime) Stop(ctx context.Context) error {
	var (
		wait <-chan error
		err  error
	)
	if doErr := r.do(ctx, func() { wait, err = r.beginStop() }); doErr != nil {
		return doErr
	}
	if err != nil {
		return err
	}
	select {
	case err := <-wait:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Flush retries persisting a route kept after a failed final persist
func (r *Runtime) Flush(ctx context.Context) error {
	var persist func(context.Context) error
	if err := r.do(ctx, func() {
		if r.machine.State() == tracking.Idle && r.rec.Len() > 0 {
			persist = r.rec.PersistLater(r.sessionID, r.participantID)
		}
	}); err != nil {
		return err
	}
	if persist == nil {
		return nil
	}
	if err := persist(ctx); err != nil {
		return err
	}
	return r.do(ctx, func() {
		if r.machine.State() == tracking.Idle {
			r.rec.Clear()
		}
	})
}

func (r *Runtime) State() tracking.State {
	var s tracking.State
	//nolint:errcheck // zero value on closed runtime
	r.do(context.Background(), func() { s = r.machine.State() })
	return s
}

// Route returns a copy of the recorded points
func (r *Runtime) Route() []model.Position {
	var ret []model.Position
	//nolint:errcheck // empty route on closed runtime
	r.do(context.Background(), func() { ret = r.rec.CurrentRoute() })
	return ret
}

func (r *Runtime) Stats() stats.Summary {
	return stats.Summarize(r.Route())
}

func (r *Runtime) Unsaved() bool {
	return r.rec.Unsaved()
}

// Err returns the reason of the last stop not requested by the caller
func (r *Runtime) Err() error {
	var err error
	//nolint:errcheck // no error on closed runtime
	r.do(context.Background(), func() { err = r.lastErr })
	return err
}

func (r *Runtime) do(ctx context.Context, f func()) error {
	finished := make(chan struct{})
	cmd := func() {
		defer close(finished)
		f()
	}
	select {
	case r.cmds <- cmd:
	case <-r.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-finished:
		return nil
	case <-r.done:
		return ErrClosed
	}
}

//nolint:cyclop // event loop
func (r *Runtime) run() {
	defer func() {
		if r.obs != nil {
			r.obs.Stop()
		}
		r.stopTicker()
		r.rec.Close()
		r.hb.close()
		r.events.Close()
		close(r.done)
		r.l.Debug("runtime closed")
	}()
	for {
		var (
			posC  <-chan model.Position
			tickC <-chan time.Time
		)
		if r.obs != nil {
			posC = r.obs.C()
		}
		if r.ticker != nil {
			tickC = r.ticker.C()
		}
		select {
		case <-r.ctx.Done():
			return
		case f := <-r.cmds:
			f()
		case pos, ok := <-posC:
			if !ok {
				r.observationEnded()
				continue
			}
			r.handlePosition(pos)
		case <-tickC:
			r.publish()
		}
	}
}

func (r *Runtime) start() error {
	if r.machine.State() != tracking.Idle {
		_, err := r.machine.Fire(tracking.EventStart)
		r.l.Warn("start rejected", log.ErrorField(err))
		return err
	}
	obs, err := r.stream.Observe(r.ctx)
	if err != nil {
		r.l.Warn("cannot observe location", log.ErrorField(err))
		return fmt.Errorf("start tracking: %w", err)
	}
	if r.rec.Len() > 0 {
		r.l.Warn("discarding unsaved route", log.Int("points", r.rec.Len()))
		r.rec.Clear()
	}
	if err := r.fire(tracking.EventStart); err != nil {
		obs.Stop()
		return err
	}
	r.obs = obs
	r.lastErr = nil
	r.lastPos = nil
	r.ticker = r.clk.NewTicker(r.hbInterval)
	r.publish()
	return nil
}

func (r *Runtime) fire(ev tracking.Event) error {
	t, err := r.machine.Fire(ev)
	if err != nil {
		r.l.Warn("transition rejected", log.ErrorField(err))
		return err
	}
	r.l.Info("state changed", log.String("transition", t.String()))
	select {
	case r.transitions <- t:
	case <-r.ctx.Done():
	}
	return nil
}

func (r *Runtime) beginStop() (<-chan error, error) {
	if err := r.fire(tracking.EventStop); err != nil {
		return nil, err
	}
	if r.obs != nil {
		r.obs.Stop()
		r.obs = nil
	}
	r.stopTicker()
	persist := r.rec.PersistLater(r.sessionID, r.participantID)
	res := make(chan error, 1)
	go func() {
		err := persist(r.ctx)
		if doErr := r.do(r.ctx, func() { r.finishStop(err) }); doErr != nil {
			err = errors.Join(err, doErr)
		}
		res <- err
	}()
	return res, nil
}

func (r *Runtime) finishStop(persistErr error) {
	if persistErr != nil {
		r.l.Error("final persist failed, route kept in memory",
			log.Int("points", r.rec.Len()), log.ErrorField(persistErr))
	} else {
		r.rec.Clear()
	}
	//nolint:errcheck // logged in fire
	r.fire(tracking.EventPersisted)
}

func (r *Runtime) observationEnded() {
	err := r.obs.Err()
	r.obs = nil
	if !r.machine.Present() {
		return
	}
	r.l.Warn("location observation ended while tracking", log.ErrorField(err))
	r.lastErr = err
	//nolint:errcheck // result is logged by the stop itself
	r.beginStop()
}

func (r *Runtime) handlePosition(pos model.Position) {
	if !r.machine.Present() {
		return
	}
	p := pos
	r.lastPos = &p
	if !r.rec.AddPoint(pos) {
		return
	}
	if r.clk.Now().Sub(r.lastPublish) >= r.hbInterval {
		r.publish()
	}
}

// publish hands the current presence to the heartbeat worker. The attempt
// counts as a publish whether or not the backend is reachable.
func (r *Runtime) publish() {
	if !r.machine.Present() {
		return
	}
	now := r.clk.Now()
	doc := &model.PresenceDoc{
		SessionID:     r.sessionID,
		ParticipantID: r.participantID,
		LastSeenAt:    now,
		State:         r.machine.State().String(),
	}
	if r.lastPos != nil {
		doc.Lat, doc.Lon, doc.HasPosition = r.lastPos.Latitude, r.lastPos.Longitude, true
	}
	r.hb.schedule(doc)
	r.lastPublish = now
}

func (r *Runtime) stopTicker() {
	if r.ticker != nil {
		r.ticker.Stop()
		r.ticker = nil
	}
}
