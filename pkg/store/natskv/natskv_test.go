package natskv

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mpapenbr/runsession/pkg/store"
	"github.com/mpapenbr/runsession/testsupport/tcnats"
)

func TestEscape(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"presence", "presence"},
		{"s1/runner-a", "s1=2Frunner-a"},
		{"a.b c", "a=2Eb=20c"},
		{"", "=00"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, escape(tt.in))
	}
	assert.Equal(t, "presence.s1=2Fa", kvKey("presence", "s1/a"))
}

func nextSet(t *testing.T, sub store.Subscription) store.ResultSet {
	t.Helper()
	select {
	case rs, ok := <-sub.Updates():
		require.True(t, ok)
		return rs
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for result set")
	}
	return nil
}

func TestStoreRoundTrip(t *testing.T) {
	nc := tcnats.SetupTestNats(t)
	ctx := context.Background()
	s, err := New(ctx, nc, WithBucket("test_roundtrip"))
	require.NoError(t, err)

	_, err = s.Get(ctx, "sessions", "s1")
	require.ErrorIs(t, err, store.ErrNotFound)

	require.NoError(t, s.Upsert(ctx, "sessions", "s1", map[string]any{"status": "active"}))
	doc, err := s.Get(ctx, "sessions", "s1")
	require.NoError(t, err)
	assert.Equal(t, "s1", doc.Key)
	assert.Equal(t, "active", doc.Fields["status"])
}

func TestStoreSubscribe(t *testing.T) {
	nc := tcnats.SetupTestNats(t)
	ctx := context.Background()
	s, err := New(ctx, nc, WithBucket("test_subscribe"))
	require.NoError(t, err)

	require.NoError(t, s.Upsert(ctx, "presence", "s1/a", map[string]any{"sessionId": "s1"}))
	require.NoError(t, s.Upsert(ctx, "presence", "s2/z", map[string]any{"sessionId": "s2"}))

	sub, err := s.Subscribe(ctx, store.PresenceQuery("s1"))
	require.NoError(t, err)

	rs := nextSet(t, sub)
	require.Len(t, rs, 1)
	assert.Equal(t, "s1/a", rs[0].Key)

	require.NoError(t, s.Upsert(ctx, "presence", "s1/b", map[string]any{"sessionId": "s1"}))
	assert.Eventually(t, func() bool {
		select {
		case rs := <-sub.Updates():
			return len(rs) == 2
		default:
			return false
		}
	}, 5*time.Second, 10*time.Millisecond)

	sub.Cancel()
	sub.Cancel()
	assert.Eventually(t, func() bool {
		select {
		case _, ok := <-sub.Updates():
			return !ok
		default:
			return false
		}
	}, 5*time.Second, 10*time.Millisecond)
}
