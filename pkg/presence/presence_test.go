package presence

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mpapenbr/runsession/pkg/model"
)

var t0 = time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

func at(sec int) time.Time {
	return t0.Add(time.Duration(sec) * time.Second)
}

func TestThreeParticipants(t *testing.T) {
	tr := NewTracker()
	tr.Ingest("A", nil, at(0))
	tr.Ingest("B", nil, at(5))
	tr.Ingest("C", nil, at(40))

	assert.Equal(t, Stale, tr.Classify("A", at(40)))
	assert.Equal(t, Stale, tr.Classify("B", at(40)))
	assert.Equal(t, Active, tr.Classify("C", at(40)))

	snap := tr.Snapshot(at(40))
	assert.Equal(t, []model.ParticipantPresence{
		{ParticipantID: "A", LastSeenAt: at(0), IsActive: false},
		{ParticipantID: "B", LastSeenAt: at(5), IsActive: false},
		{ParticipantID: "C", LastSeenAt: at(40), IsActive: true},
	}, snap)

	for _, p := range tr.Snapshot(at(75)) {
		assert.False(t, p.IsActive, p.ParticipantID)
	}
}

func TestThresholdBoundary(t *testing.T) {
	tr := NewTracker(WithThreshold(30 * time.Second))
	tr.Ingest("A", nil, at(0))
	assert.Equal(t, Active, tr.Classify("A", at(29)))
	assert.Equal(t, Stale, tr.Classify("A", at(30)))
}

func TestIngestMonotonic(t *testing.T) {
	tr := NewTracker()
	p1 := model.Position{Latitude: 1, Longitude: 1, Timestamp: at(10)}
	p2 := model.Position{Latitude: 2, Longitude: 2, Timestamp: at(5)}
	require.True(t, tr.Ingest("A", &p1, at(10)))
	assert.False(t, tr.Ingest("A", &p2, at(5)))

	seen, ok := tr.LastSeen("A")
	require.True(t, ok)
	assert.Equal(t, at(10), seen)
	last, ok := tr.LastPosition("A")
	require.True(t, ok)
	assert.Equal(t, p1, last)

	assert.True(t, tr.Ingest("A", nil, at(10)), "equal timestamp is accepted")
	last, _ = tr.LastPosition("A")
	assert.Equal(t, p1, last, "update without fix keeps last position")
}

func TestUnknownIsStale(t *testing.T) {
	tr := NewTracker()
	assert.Equal(t, Stale, tr.Classify("nobody", at(0)))
	_, ok := tr.LastPosition("nobody")
	assert.False(t, ok)
	assert.Empty(t, tr.Snapshot(at(0)))
}

func TestRegisterAndRemove(t *testing.T) {
	tr := NewTracker()
	tr.Register("A", at(0))
	assert.Equal(t, Active, tr.Classify("A", at(10)))
	assert.Equal(t, Stale, tr.Classify("A", at(31)))

	tr.Ingest("A", nil, at(50))
	tr.Register("A", at(0))
	seen, _ := tr.LastSeen("A")
	assert.Equal(t, at(50), seen, "register keeps known participants")

	tr.Remove("A")
	assert.Equal(t, 0, tr.Len())
}

func TestConcurrentIngest(t *testing.T) {
	tr := NewTracker()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				tr.Ingest("A", nil, at(j))
				tr.Snapshot(at(j))
			}
		}(i)
	}
	wg.Wait()
	seen, _ := tr.LastSeen("A")
	assert.Equal(t, at(99), seen)
}
