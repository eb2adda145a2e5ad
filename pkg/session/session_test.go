package session

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mpapenbr/runsession/pkg/lifecycle"
	"github.com/mpapenbr/runsession/pkg/model"
	"github.com/mpapenbr/runsession/pkg/presence"
	"github.com/mpapenbr/runsession/pkg/store"
	"github.com/mpapenbr/runsession/pkg/store/memory"
	"github.com/mpapenbr/runsession/pkg/utils/clock"
)

var t0 = time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

func at(sec int) time.Time {
	return t0.Add(time.Duration(sec) * time.Second)
}

type countingNotifier struct {
	n atomic.Int32
}

func (c *countingNotifier) Notify() { c.n.Add(1) }

func heartbeat(t *testing.T, b *store.Backend, session, participant string, sec int) {
	t.Helper()
	require.NoError(t, b.PublishPresence(context.Background(), &model.PresenceDoc{
		SessionID:     session,
		ParticipantID: participant,
		LastSeenAt:    at(sec),
		State:         "active",
	}))
}

func TestPresenceFeed(t *testing.T) {
	ms := memory.New()
	b := store.NewBackend(ms)
	clk := clock.NewMock(at(40))
	n := &countingNotifier{}

	a, err := Open(context.Background(), "s1", ms, WithClock(clk), WithNotifier(n))
	require.NoError(t, err)
	defer a.Close()

	heartbeat(t, b, "s1", "A", 0)
	heartbeat(t, b, "s1", "B", 5)
	heartbeat(t, b, "s1", "C", 40)
	heartbeat(t, b, "other", "Z", 40)

	require.Eventually(t, func() bool { return a.Tracker().Len() == 3 },
		time.Second, time.Millisecond)
	assert.Positive(t, n.n.Load())

	snap := a.Snapshot()
	require.Len(t, snap, 3)
	assert.False(t, snap[0].IsActive)
	assert.False(t, snap[1].IsActive)
	assert.True(t, snap[2].IsActive)

	clk.Set(at(75))
	for _, p := range a.Snapshot() {
		assert.False(t, p.IsActive, p.ParticipantID)
	}
	assert.Equal(t, []string{"A", "B", "C"}, a.Participants())
}

func TestPresencePosition(t *testing.T) {
	ms := memory.New()
	b := store.NewBackend(ms)
	a, err := Open(context.Background(), "s1", ms, WithClock(clock.NewMock(at(0))))
	require.NoError(t, err)
	defer a.Close()

	require.NoError(t, b.PublishPresence(context.Background(), &model.PresenceDoc{
		SessionID: "s1", ParticipantID: "A", LastSeenAt: at(1),
		Lat: 48.8566, Lon: 2.3522, HasPosition: true,
	}))
	require.Eventually(t, func() bool {
		_, ok := a.Tracker().LastPosition("A")
		return ok
	}, time.Second, time.Millisecond)
	p, _ := a.Tracker().LastPosition("A")
	assert.Equal(t, 48.8566, p.Latitude)
	assert.True(t, at(1).Equal(p.Timestamp))
}

func TestSnapshots(t *testing.T) {
	ms := memory.New()
	b := store.NewBackend(ms)
	a, err := Open(context.Background(), "s1", ms, WithClock(clock.NewMock(at(10))))
	require.NoError(t, err)
	defer a.Close()

	ch := a.Snapshots()
	defer a.CancelSnapshots(ch)
	heartbeat(t, b, "s1", "A", 9)
	select {
	case snap := <-ch:
		require.Len(t, snap, 1)
		assert.Equal(t, "A", snap[0].ParticipantID)
		assert.True(t, snap[0].IsActive)
	case <-time.After(time.Second):
		t.Fatal("no snapshot")
	}
}

func TestRoutes(t *testing.T) {
	ms := memory.New()
	b := store.NewBackend(ms)
	a, err := Open(context.Background(), "s1", ms)
	require.NoError(t, err)
	defer a.Close()

	_, ok := a.RouteStats("A")
	assert.False(t, ok)

	points := []model.Position{
		{Latitude: 48.8566, Longitude: 2.3522, Timestamp: t0},
		{Latitude: 48.8576, Longitude: 2.3532, Timestamp: at(300)},
	}
	require.NoError(t, b.SaveRoute(context.Background(), "s1", "A", points))
	require.NoError(t, b.SaveRoute(context.Background(), "s2", "A", points[:1]))

	require.Eventually(t, func() bool { return len(a.Route("A")) == 2 },
		time.Second, time.Millisecond)
	r := a.Route("A")
	assert.Equal(t, "A", r[1].ParticipantID)
	assert.Equal(t, 1, r[1].Seq)

	sum, ok := a.RouteStats("A")
	require.True(t, ok)
	assert.InEpsilon(t, 140.0, sum.Distance, 0.06)
	assert.False(t, sum.HasPace, "persisted routes carry no timestamps")
}

func TestMembersGoStale(t *testing.T) {
	ms := memory.New()
	clk := clock.NewMock(at(0))
	a, err := Open(context.Background(), "s1", ms, WithClock(clk), WithMembers("A", "B"))
	require.NoError(t, err)
	defer a.Close()

	snap := a.Snapshot()
	require.Len(t, snap, 2)
	assert.True(t, snap[0].IsActive)
	clk.Advance(31 * time.Second)
	assert.Equal(t, lifecycle.Terminate, lifecycle.Evaluate(a.Snapshot()))
}

func TestCloseReleasesSubscriptions(t *testing.T) {
	ms := memory.New()
	a, err := Open(context.Background(), "s1", ms)
	require.NoError(t, err)
	assert.Equal(t, 2, ms.Subscribers())
	a.Close()
	a.Close()
	assert.Equal(t, 0, ms.Subscribers())
	select {
	case <-a.Done():
	default:
		t.Fatal("consumer still running")
	}
}

func TestAutoTerminate(t *testing.T) {
	ms := memory.New()
	b := store.NewBackend(ms)
	ctx := context.Background()
	require.NoError(t, b.CreateSession(ctx, "s1"))
	clk := clock.NewMock(at(40))

	tr := presence.NewTracker()
	m := lifecycle.NewMonitor("s1", tr, b, lifecycle.WithClock(clk))
	a, err := Open(ctx, "s1", ms, WithClock(clk), WithTracker(tr), WithNotifier(m))
	require.NoError(t, err)
	defer a.Close()

	errCh := make(chan error, 1)
	go func() { errCh <- m.Run(ctx) }()

	heartbeat(t, b, "s1", "A", 0)
	heartbeat(t, b, "s1", "B", 5)
	heartbeat(t, b, "s1", "C", 40)
	require.Eventually(t, func() bool { return a.Tracker().Len() == 3 },
		time.Second, time.Millisecond)
	require.Eventually(t, func() bool { return clk.Tickers() == 1 },
		time.Second, time.Millisecond)
	assert.Equal(t, lifecycle.KeepAlive, m.Check(ctx))

	status, err := b.SessionStatus(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, model.SessionStatusActive, status)

	clk.Advance(35 * time.Second)
	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("session not ended")
	}
	status, err = b.SessionStatus(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, model.SessionStatusEnded, status)
}

func TestUnchangedPresenceIsNoChange(t *testing.T) {
	ms := memory.New()
	b := store.NewBackend(ms)
	n := &countingNotifier{}
	a, err := Open(context.Background(), "s1", ms,
		WithClock(clock.NewMock(at(10))), WithNotifier(n))
	require.NoError(t, err)
	defer a.Close()

	heartbeat(t, b, "s1", "A", 0)
	require.Eventually(t, func() bool { return n.n.Load() == 1 },
		time.Second, time.Millisecond)

	// same lastSeenAt again and a change in another session re-emit the
	// unchanged result set
	heartbeat(t, b, "s1", "A", 0)
	heartbeat(t, b, "other", "Z", 5)
	heartbeat(t, b, "s1", "B", 5)
	require.Eventually(t, func() bool { return a.Tracker().Len() == 2 },
		time.Second, time.Millisecond)
	require.Eventually(t, func() bool { return n.n.Load() == 2 },
		time.Second, time.Millisecond)
	assert.Never(t, func() bool { return n.n.Load() > 2 },
		100*time.Millisecond, 5*time.Millisecond)
}
