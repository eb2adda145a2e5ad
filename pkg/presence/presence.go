// Package presence derives participant liveness from data freshness.
package presence

import (
	"context"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/samber/lo"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/mpapenbr/runsession/log"
	"github.com/mpapenbr/runsession/pkg/model"
)

const DefaultThreshold = 30 * time.Second

type Classification int

const (
	Stale Classification = iota
	Active
)

func (c Classification) String() string {
	if c == Active {
		return "active"
	}
	return "stale"
}

type entry struct {
	lastSeen time.Time
	pos      *model.Position
}

// Tracker keeps the last-seen time per participant. A participant is active
// while now - lastSeen is below the threshold.
type Tracker struct {
	mu        sync.RWMutex
	threshold time.Duration
	entries   map[string]*entry
	l         *log.Logger
	mIngest   metric.Int64Counter
	mIgnored  metric.Int64Counter
}

type Option func(*Tracker)

func WithThreshold(d time.Duration) Option {
	return func(t *Tracker) {
		t.threshold = d
	}
}

func WithLogger(l *log.Logger) Option {
	return func(t *Tracker) {
		t.l = l
	}
}

func NewTracker(opts ...Option) *Tracker {
	t := &Tracker{
		threshold: DefaultThreshold,
		entries:   make(map[string]*entry),
		l:         log.Default().Named("presence"),
	}
	for _, opt := range opts {
		opt(t)
	}
	meter := otel.GetMeterProvider().Meter("rsm.presence")
	var err error
	if t.mIngest, err = meter.Int64Counter("rsm.presence.ingest",
		metric.WithDescription("Number of accepted presence updates"),
		metric.WithUnit("{count}")); err != nil {
		t.l.Error("failed to register metric", log.ErrorField(err))
	}
	if t.mIgnored, err = meter.Int64Counter("rsm.presence.ignored",
		metric.WithDescription("Number of out-of-order presence updates"),
		metric.WithUnit("{count}")); err != nil {
		t.l.Error("failed to register metric", log.ErrorField(err))
	}
	return t
}

func (t *Tracker) Threshold() time.Duration {
	return t.threshold
}

// Ingest sets lastSeenAt of the participant to observedAt. An update older
// than the current lastSeenAt is ignored and false is returned. pos may be
// nil for updates without a fix.
//
//nolint:whitespace // editor/linter issue
func (t *Tracker) Ingest(
	participantID string, pos *model.Position, observedAt time.Time,
) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[participantID]
	if ok && observedAt.Before(e.lastSeen) {
		t.l.Debug("ignoring stale update",
			log.String("participant", participantID),
			log.Time("observedAt", observedAt),
			log.Time("lastSeen", e.lastSeen))
		if t.mIgnored != nil {
			t.mIgnored.Add(context.Background(), 1)
		}
		return false
	}
	if !ok {
		e = &entry{}
		t.entries[participantID] = e
	}
	e.lastSeen = observedAt
	if pos != nil {
		p := *pos
		e.pos = &p
	}
	if t.mIngest != nil {
		t.mIngest.Add(context.Background(), 1)
	}
	return true
}

// Register makes a session member known without data. Known participants
// are left untouched.
func (t *Tracker) Register(participantID string, joinedAt time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.entries[participantID]; !ok {
		t.entries[participantID] = &entry{lastSeen: joinedAt}
	}
}

func (t *Tracker) Remove(participantID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.entries, participantID)
}

// Classify is a pure read. Unknown participants are stale.
func (t *Tracker) Classify(participantID string, now time.Time) Classification {
	t.mu.RLock()
	defer t.mu.RUnlock()
	e, ok := t.entries[participantID]
	if !ok {
		return Stale
	}
	return t.classify(e, now)
}

func (t *Tracker) classify(e *entry, now time.Time) Classification {
	if now.Sub(e.lastSeen) < t.threshold {
		return Active
	}
	return Stale
}

// Snapshot classifies all known participants, ordered by participant id
func (t *Tracker) Snapshot(now time.Time) []model.ParticipantPresence {
	t.mu.RLock()
	ret := lo.MapToSlice(t.entries,
		func(id string, e *entry) model.ParticipantPresence {
			return model.ParticipantPresence{
				ParticipantID: id,
				LastSeenAt:    e.lastSeen,
				IsActive:      t.classify(e, now) == Active,
			}
		})
	t.mu.RUnlock()
	slices.SortFunc(ret, func(a, b model.ParticipantPresence) int {
		return strings.Compare(a.ParticipantID, b.ParticipantID)
	})
	return ret
}

func (t *Tracker) LastSeen(participantID string) (time.Time, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	e, ok := t.entries[participantID]
	if !ok {
		return time.Time{}, false
	}
	return e.lastSeen, true
}

func (t *Tracker) LastPosition(participantID string) (model.Position, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	e, ok := t.entries[participantID]
	if !ok || e.pos == nil {
		return model.Position{}, false
	}
	return *e.pos, true
}

func (t *Tracker) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.entries)
}
