package log

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewWritesJSON(t *testing.T) {
	buf := &bytes.Buffer{}
	l := New(buf, InfoLevel).Named("presence")
	l.Debug("not written")
	l.Info("ingest", String("participant", "a"), Int("points", 3))

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "ingest", entry["msg"])
	assert.Equal(t, "presence", entry["logger"])
	assert.Equal(t, "a", entry["participant"])
	assert.InDelta(t, 3.0, entry["points"], 0)
}

func TestSetLevel(t *testing.T) {
	buf := &bytes.Buffer{}
	l := New(buf, WarnLevel)
	l.Info("skipped")
	assert.Zero(t, buf.Len())
	l.SetLevel(DebugLevel)
	l.Debug("written")
	assert.NotZero(t, buf.Len())
	assert.Equal(t, DebugLevel, l.Level())
}

func TestWithFilter(t *testing.T) {
	opt, err := WithFilter("info+:lifecycle")
	require.NoError(t, err)

	buf := &bytes.Buffer{}
	root := New(buf, DebugLevel, opt)
	root.Named("presence").Info("filtered out")
	assert.Zero(t, buf.Len())
	root.Named("lifecycle").Info("kept")
	assert.Contains(t, buf.String(), "kept")

	_, err = WithFilter("bogus:lifecycle")
	assert.Error(t, err)
}

func TestParseLevel(t *testing.T) {
	lvl, err := ParseLevel("warn")
	require.NoError(t, err)
	assert.Equal(t, WarnLevel, lvl)
	_, err = ParseLevel("verbose")
	assert.Error(t, err)
}

func TestContext(t *testing.T) {
	assert.Same(t, Default(), GetFromContext(context.Background()))
	l := DevLogger(&bytes.Buffer{}, DebugLevel)
	ctx := AddToContext(context.Background(), l)
	assert.Same(t, l, GetFromContext(ctx))
}
