// Package session mirrors the shared state of one session: presence of all
// participants and their routes, fed by the document store's realtime feed.
package session

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/samber/lo"

	"github.com/mpapenbr/runsession/log"
	"github.com/mpapenbr/runsession/pkg/model"
	"github.com/mpapenbr/runsession/pkg/presence"
	"github.com/mpapenbr/runsession/pkg/stats"
	"github.com/mpapenbr/runsession/pkg/store"
	"github.com/mpapenbr/runsession/pkg/utils/broadcast"
	"github.com/mpapenbr/runsession/pkg/utils/clock"
)

type (
	// Notifier is told about every accepted presence change
	Notifier interface {
		Notify()
	}
	Option func(*Aggregate)
)

func WithTracker(t *presence.Tracker) Option {
	return func(a *Aggregate) {
		a.tracker = t
	}
}

func WithNotifier(n Notifier) Option {
	return func(a *Aggregate) {
		a.notifiers = append(a.notifiers, n)
	}
}

// WithMembers registers known session members so that they can turn stale
// without ever sending data
func WithMembers(ids ...string) Option {
	return func(a *Aggregate) {
		a.members = append(a.members, ids...)
	}
}

func WithClock(c clock.Clock) Option {
	return func(a *Aggregate) {
		a.clk = c
	}
}

func WithLogger(l *log.Logger) Option {
	return func(a *Aggregate) {
		a.l = l
	}
}

type Aggregate struct {
	sessionID string
	tracker   *presence.Tracker
	notifiers []Notifier
	members   []string
	clk       clock.Clock
	l         *log.Logger

	mu     sync.RWMutex
	routes map[string][]model.RoutePoint

	presenceSub store.Subscription
	routesSub   store.Subscription
	snapshots   chan []model.ParticipantPresence
	events      broadcast.BroadcastServer[[]model.ParticipantPresence]
	ctx         context.Context
	cancel      context.CancelFunc
	done        chan struct{}
	closeOnce   sync.Once
}

// Open subscribes to the presence and route feeds of sessionID
//
//nolint:whitespace // editor/linter issue
func Open(
	ctx context.Context, sessionID string, ds store.DocumentStore, opts ...Option,
) (*Aggregate, error) {
	a := &Aggregate{
		sessionID: sessionID,
		clk:       clock.Real{},
		l:         log.Default().Named("session"),
		routes:    make(map[string][]model.RoutePoint),
		snapshots: make(chan []model.ParticipantPresence, 1),
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.tracker == nil {
		a.tracker = presence.NewTracker()
	}
	a.l = a.l.With(log.String("session", sessionID))
	now := a.clk.Now()
	for _, id := range a.members {
		a.tracker.Register(id, now)
	}
	a.ctx, a.cancel = context.WithCancel(ctx)
	var err error
	if a.presenceSub, err = ds.Subscribe(a.ctx, store.PresenceQuery(sessionID)); err != nil {
		a.cancel()
		return nil, err
	}
	if a.routesSub, err = ds.Subscribe(a.ctx, store.RoutesQuery(sessionID)); err != nil {
		a.presenceSub.Cancel()
		a.cancel()
		return nil, err
	}
	a.events = broadcast.NewBroadcastServer("presence", a.snapshots,
		broadcast.WithLogger[[]model.ParticipantPresence](a.l))
	go a.run()
	return a, nil
}

func (a *Aggregate) SessionID() string {
	return a.sessionID
}

func (a *Aggregate) Tracker() *presence.Tracker {
	return a.tracker
}

// Snapshot classifies all known participants at the current time
func (a *Aggregate) Snapshot() []model.ParticipantPresence {
	return a.tracker.Snapshot(a.clk.Now())
}

// Snapshots returns a channel receiving the presence snapshot after every
// accepted presence change
func (a *Aggregate) Snapshots() <-chan []model.ParticipantPresence {
	return a.events.Subscribe()
}

func (a *Aggregate) CancelSnapshots(ch <-chan []model.ParticipantPresence) {
	a.events.CancelSubscription(ch)
}

// Route returns a copy of the mirrored route of participantID
func (a *Aggregate) Route(participantID string) []model.RoutePoint {
	a.mu.RLock()
	defer a.mu.RUnlock()
	r := a.routes[participantID]
	ret := make([]model.RoutePoint, len(r))
	copy(ret, r)
	return ret
}

func (a *Aggregate) Participants() []string {
	a.mu.RLock()
	ids := lo.Keys(a.routes)
	a.mu.RUnlock()
	for _, p := range a.tracker.Snapshot(a.clk.Now()) {
		ids = append(ids, p.ParticipantID)
	}
	ids = lo.Uniq(ids)
	sort.Strings(ids)
	return ids
}

// RouteStats summarizes the mirrored route. Persisted routes carry no
// timestamps, so only the distance is available for them.
func (a *Aggregate) RouteStats(participantID string) (stats.Summary, bool) {
	r := a.Route(participantID)
	if len(r) == 0 {
		return stats.Summary{}, false
	}
	return stats.Summarize(model.Positions(r)), true
}

// Close cancels the feed subscriptions and waits for the consumer to finish
func (a *Aggregate) Close() {
	a.closeOnce.Do(func() {
		a.presenceSub.Cancel()
		a.routesSub.Cancel()
		a.cancel()
		<-a.done
		a.events.Close()
		a.l.Debug("session aggregate closed")
	})
}

// Done is closed once both feeds have ended
func (a *Aggregate) Done() <-chan struct{} {
	return a.done
}

func (a *Aggregate) run() {
	defer close(a.done)
	presenceC := a.presenceSub.Updates()
	routesC := a.routesSub.Updates()
	for presenceC != nil || routesC != nil {
		select {
		case rs, ok := <-presenceC:
			if !ok {
				presenceC = nil
				continue
			}
			a.applyPresence(rs)
		case rs, ok := <-routesC:
			if !ok {
				routesC = nil
				continue
			}
			a.applyRoutes(rs)
		}
	}
}

func (a *Aggregate) applyPresence(rs store.ResultSet) {
	changed := 0
	for i := range rs {
		var doc model.PresenceDoc
		if err := store.Decode(rs[i].Fields, &doc); err != nil {
			a.l.Warn("skipping presence document",
				log.String("key", rs[i].Key), log.ErrorField(err))
			continue
		}
		var pos *model.Position
		if doc.HasPosition {
			pos = &model.Position{
				Latitude:  doc.Lat,
				Longitude: doc.Lon,
				Timestamp: doc.LastSeenAt,
			}
		}
		// every emission carries the full result set, only an advanced
		// lastSeenAt is a change
		prev, known := a.tracker.LastSeen(doc.ParticipantID)
		if a.tracker.Ingest(doc.ParticipantID, pos, doc.LastSeenAt) &&
			(!known || doc.LastSeenAt.After(prev)) {
			changed++
		}
	}
	if changed == 0 {
		return
	}
	a.l.Debug("presence updated", log.Int("changed", changed))
	for _, n := range a.notifiers {
		n.Notify()
	}
	a.publish(a.Snapshot())
}

func (a *Aggregate) applyRoutes(rs store.ResultSet) {
	for i := range rs {
		var doc model.RouteDoc
		if err := store.Decode(rs[i].Fields, &doc); err != nil {
			a.l.Warn("skipping route document",
				log.String("key", rs[i].Key), log.ErrorField(err))
			continue
		}
		points := make([]model.Position, len(doc.Points))
		for j, c := range doc.Points {
			points[j] = model.Position{Latitude: c.Lat, Longitude: c.Lon}
		}
		a.mu.Lock()
		a.routes[doc.ParticipantID] = model.ToRoutePoints(doc.ParticipantID, points)
		a.mu.Unlock()
	}
}

// publish replaces an undelivered snapshot with the newer one
func (a *Aggregate) publish(s []model.ParticipantPresence) {
	select {
	case <-a.snapshots:
	default:
	}
	select {
	case a.snapshots <- s:
	case <-a.ctx.Done():
	case <-time.After(time.Second):
		a.l.Warn("presence snapshot dropped")
	}
}
