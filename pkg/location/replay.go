package location

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/mpapenbr/runsession/log"
	"github.com/mpapenbr/runsession/pkg/model"
)

// RouteFile is a recorded route as stored on disk
//
//	participant: runner-a
//	points:
//	  - lat: 48.8566
//	    lon: 2.3522
//	    ts: 2024-01-01T10:00:00Z
type RouteFile struct {
	Participant string           `yaml:"participant"`
	Points      []model.Position `yaml:"points"`
}

func ParseRouteFile(r io.Reader) (*RouteFile, error) {
	var rf RouteFile
	if err := yaml.NewDecoder(r).Decode(&rf); err != nil {
		return nil, fmt.Errorf("parse route file: %w", err)
	}
	for i := 1; i < len(rf.Points); i++ {
		if rf.Points[i].Timestamp.Before(rf.Points[i-1].Timestamp) {
			return nil, fmt.Errorf("point %d: timestamp before previous point", i)
		}
	}
	return &rf, nil
}

func LoadRouteFile(path string) (*RouteFile, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return ParseRouteFile(f)
}

type (
	// ReplaySource emits the points of a recorded route. Timestamps are
	// rebased to the moment of subscription unless original timestamps are
	// requested.
	ReplaySource struct {
		Authorizer
		points      []model.Position
		speedup     float64
		keepStamps  bool
		revokeAfter int
		now         func() time.Time
		l           *log.Logger
		finished    chan struct{}
		finishOnce  sync.Once
	}
	ReplayOption func(*ReplaySource)
)

var _ Source = (*ReplaySource)(nil)

// WithSpeedup divides the delay between points by f. A value <= 0 replays
// without any delay.
func WithSpeedup(f float64) ReplayOption {
	return func(r *ReplaySource) {
		r.speedup = f
	}
}

func WithOriginalTimestamps() ReplayOption {
	return func(r *ReplaySource) {
		r.keepStamps = true
	}
}

// WithRevokeAfter revokes the authorization after n delivered points
func WithRevokeAfter(n int) ReplayOption {
	return func(r *ReplaySource) {
		r.revokeAfter = n
	}
}

func WithAuthorizer(a Authorizer) ReplayOption {
	return func(r *ReplaySource) {
		r.Authorizer = a
	}
}

func WithReplayLogger(l *log.Logger) ReplayOption {
	return func(r *ReplaySource) {
		r.l = l
	}
}

func NewReplaySource(points []model.Position, opts ...ReplayOption) *ReplaySource {
	r := &ReplaySource{
		Authorizer: StaticAuthorization(AuthorizationGranted),
		points:     points,
		speedup:    1,
		now:        time.Now,
		l:          log.Default().Named("location.replay"),
		finished:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Finished is closed once a replay run has delivered all points
func (r *ReplaySource) Finished() <-chan struct{} {
	return r.finished
}

func (r *ReplaySource) Len() int {
	return len(r.points)
}

// Subscribe starts a replay run. Each subscription replays from the start.
func (r *ReplaySource) Subscribe(cb func(Update)) func() {
	ctx, cancel := context.WithCancel(context.Background())
	go r.run(ctx, cb)
	return cancel
}

func (r *ReplaySource) run(ctx context.Context, cb func(Update)) {
	if len(r.points) == 0 {
		r.finishOnce.Do(func() { close(r.finished) })
		return
	}
	base := r.now()
	first := r.points[0].Timestamp
	for i, p := range r.points {
		if i > 0 && r.speedup > 0 {
			gap := p.Timestamp.Sub(r.points[i-1].Timestamp)
			wait := time.Duration(float64(gap) / r.speedup)
			select {
			case <-ctx.Done():
				return
			case <-time.After(wait):
			}
		}
		if ctx.Err() != nil {
			return
		}
		if r.revokeAfter > 0 && i == r.revokeAfter {
			r.l.Debug("revoking authorization", log.Int("after", i))
			cb(Update{Revoked: true})
			return
		}
		pos := p
		if !r.keepStamps {
			pos.Timestamp = base.Add(p.Timestamp.Sub(first))
		}
		cb(Update{Position: &pos})
	}
	r.l.Debug("replay done", log.Int("points", len(r.points)))
	r.finishOnce.Do(func() { close(r.finished) })
}
