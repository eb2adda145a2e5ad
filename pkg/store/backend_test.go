package store_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mpapenbr/runsession/pkg/model"
	"github.com/mpapenbr/runsession/pkg/store"
	"github.com/mpapenbr/runsession/pkg/store/memory"
)

func TestSaveRouteIdempotent(t *testing.T) {
	ctx := context.Background()
	b := store.NewBackend(memory.New())
	ts := time.Date(2024, 5, 4, 8, 0, 0, 0, time.UTC)
	points := []model.Position{
		{Latitude: 48.8566, Longitude: 2.3522, Timestamp: ts},
		{Latitude: 48.8576, Longitude: 2.3532, Timestamp: ts.Add(time.Minute)},
	}
	require.NoError(t, b.SaveRoute(ctx, "s1", "a", points))
	first, err := b.LoadRoute(ctx, "s1", "a")
	require.NoError(t, err)
	require.NoError(t, b.SaveRoute(ctx, "s1", "a", points))
	second, err := b.LoadRoute(ctx, "s1", "a")
	require.NoError(t, err)

	if diff := cmp.Diff(first.Points, second.Points); diff != "" {
		t.Errorf("route changed on retry: %s", diff)
	}
	assert.Equal(t, []model.Coordinate{{Lat: 48.8566, Lon: 2.3522}, {Lat: 48.8576, Lon: 2.3532}},
		second.Points)

	// overwrite, not append
	require.NoError(t, b.SaveRoute(ctx, "s1", "a", points[:1]))
	third, err := b.LoadRoute(ctx, "s1", "a")
	require.NoError(t, err)
	assert.Len(t, third.Points, 1)
}

func TestEndSessionIdempotent(t *testing.T) {
	ctx := context.Background()
	b := store.NewBackend(memory.New())
	require.NoError(t, b.CreateSession(ctx, "s1"))
	status, err := b.SessionStatus(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, model.SessionStatusActive, status)

	require.NoError(t, b.EndSession(ctx, "s1"))
	require.NoError(t, b.EndSession(ctx, "s1"))
	status, err = b.SessionStatus(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, model.SessionStatusEnded, status)

	// creating again keeps the ended state
	require.NoError(t, b.CreateSession(ctx, "s1"))
	status, _ = b.SessionStatus(ctx, "s1")
	assert.Equal(t, model.SessionStatusEnded, status)

	// unknown sessions can be ended as well
	require.NoError(t, b.EndSession(ctx, "unknown"))
}

func TestPublishPresence(t *testing.T) {
	ctx := context.Background()
	ds := memory.New()
	b := store.NewBackend(ds)
	ts := time.Date(2024, 5, 4, 8, 0, 0, 0, time.UTC)
	require.NoError(t, b.PublishPresence(ctx, &model.PresenceDoc{
		SessionID: "s1", ParticipantID: "a", LastSeenAt: ts, State: "active",
	}))
	sub, err := ds.Subscribe(ctx, store.PresenceQuery("s1"))
	require.NoError(t, err)
	defer sub.Cancel()
	rs := <-sub.Updates()
	require.Len(t, rs, 1)
	var doc model.PresenceDoc
	require.NoError(t, store.Decode(rs[0].Fields, &doc))
	assert.Equal(t, "a", doc.ParticipantID)
	assert.True(t, ts.Equal(doc.LastSeenAt))
}

func TestQueryMatches(t *testing.T) {
	q := store.Query{Collection: "c", Where: map[string]string{"n": "3", "s": "x"}}
	assert.True(t, q.Matches(store.Document{Collection: "c", Fields: map[string]any{"n": 3.0, "s": "x"}}))
	assert.False(t, q.Matches(store.Document{Collection: "d", Fields: map[string]any{"n": 3.0, "s": "x"}}))
	assert.False(t, q.Matches(store.Document{Collection: "c", Fields: map[string]any{"s": "x"}}))
	assert.False(t, q.Matches(store.Document{Collection: "c", Fields: map[string]any{"n": 4, "s": "x"}}))
}
