package monitor

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mpapenbr/runsession/pkg/model"
	"github.com/mpapenbr/runsession/pkg/stats"
	"github.com/mpapenbr/runsession/pkg/store"
	"github.com/mpapenbr/runsession/pkg/store/memory"
)

var t0 = time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)

type fakeView struct {
	snap   []model.ParticipantPresence
	routes map[string]stats.Summary
}

func (f *fakeView) SessionID() string { return "s1" }

func (f *fakeView) Snapshot() []model.ParticipantPresence { return f.snap }

func (f *fakeView) RouteStats(pid string) (stats.Summary, bool) {
	s, ok := f.routes[pid]
	return s, ok
}

//nolint:whitespace // editor/linter issue
func newTestServer(
	t *testing.T, view sessionView, status model.SessionStatus,
) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(newHTTPServer("", view,
		func(context.Context) model.SessionStatus { return status }).Handler)
	t.Cleanup(srv.Close)
	return srv
}

func TestHealthz(t *testing.T) {
	srv := newTestServer(t, &fakeView{}, "")
	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestPresence(t *testing.T) {
	view := &fakeView{snap: []model.ParticipantPresence{
		{ParticipantID: "a", LastSeenAt: t0, IsActive: true},
		{ParticipantID: "b", LastSeenAt: t0.Add(-time.Minute), IsActive: false},
	}}
	srv := newTestServer(t, view, model.SessionStatusEnded)
	resp, err := http.Get(srv.URL + "/presence")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))

	var got presenceResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
	assert.Equal(t, "s1", got.SessionID)
	assert.Equal(t, model.SessionStatusEnded, got.Status)
	require.Len(t, got.Participants, 2)
	assert.Equal(t, "a", got.Participants[0].ParticipantID)
	assert.True(t, got.Participants[0].IsActive)
	assert.False(t, got.Participants[1].IsActive)
}

func TestPresenceEmpty(t *testing.T) {
	srv := newTestServer(t, &fakeView{}, "")
	resp, err := http.Get(srv.URL + "/presence")
	require.NoError(t, err)
	defer resp.Body.Close()
	var raw map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&raw))
	assert.Equal(t, []any{}, raw["participants"])
}

func TestRoutes(t *testing.T) {
	view := &fakeView{routes: map[string]stats.Summary{
		"a": {Points: 3, Distance: 1000, Duration: 5 * time.Minute, Pace: 300, HasPace: true},
	}}
	srv := newTestServer(t, view, "")

	resp, err := http.Get(srv.URL + "/routes/a")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var got routeResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
	assert.Equal(t, routeResponse{
		ParticipantID: "a", Points: 3, DistanceM: 1000, DurationS: 300, Pace: "5:00/km",
	}, got)

	resp2, err := http.Get(srv.URL + "/routes/unknown")
	require.NoError(t, err)
	defer resp2.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp2.StatusCode)
}

func TestMethodNotAllowed(t *testing.T) {
	srv := newTestServer(t, &fakeView{}, "")
	resp, err := http.Post(srv.URL+"/presence", "application/json", strings.NewReader("{}"))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestCORS(t *testing.T) {
	srv := newTestServer(t, &fakeView{}, "")
	req, err := http.NewRequest(http.MethodGet, srv.URL+"/presence", http.NoBody)
	require.NoError(t, err)
	req.Header.Set("Origin", "http://example.com")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "http://example.com", resp.Header.Get("Access-Control-Allow-Origin"))
}

func TestFormatSnapshot(t *testing.T) {
	now := t0.Add(40 * time.Second)
	got := formatSnapshot(now, []model.ParticipantPresence{
		{ParticipantID: "a", LastSeenAt: t0.Add(35 * time.Second), IsActive: true},
		{ParticipantID: "b", LastSeenAt: t0, IsActive: false},
	})
	assert.Equal(t, "10:00:40 a=active(5s) b=stale(40s)", got)
	assert.Equal(t, "10:00:40 no participants", formatSnapshot(now, nil))
}

func TestCachedStatus(t *testing.T) {
	b := store.NewBackend(memory.New())
	status := cachedStatus(b, "s1")
	assert.Equal(t, model.SessionStatus(""), status(context.Background()))

	require.NoError(t, b.CreateSession(context.Background(), "s1"))
	assert.Equal(t, model.SessionStatusActive, status(context.Background()))
}
