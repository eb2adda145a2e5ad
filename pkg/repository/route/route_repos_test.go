//nolint:funlen,errcheck //ok for this test code
package route

import (
	"context"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"gotest.tools/v3/assert"

	"github.com/mpapenbr/runsession/pkg/model"
	"github.com/mpapenbr/runsession/pkg/repository"
	"github.com/mpapenbr/runsession/pkg/repository/session"
	"github.com/mpapenbr/runsession/testsupport/testdb"
)

var t0 = time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

var samplePoints = []model.Position{
	{Latitude: 48.8566, Longitude: 2.3522, Timestamp: t0},
	{Latitude: 48.8576, Longitude: 2.3532, Timestamp: t0.Add(300 * time.Second)},
}

func TestUpsertAndLoad(t *testing.T) {
	pool := testdb.InitTestDb(t)
	ctx := context.Background()
	assert.NilError(t, session.Create(ctx, pool, "s1"))

	_, err := Load(ctx, pool, "s1", "runner-a")
	assert.ErrorIs(t, err, repository.ErrNoRows)

	assert.NilError(t, Upsert(ctx, pool, "s1", "runner-a",
		model.Coordinates(samplePoints[:1])))
	assert.NilError(t, Upsert(ctx, pool, "s1", "runner-a",
		model.Coordinates(samplePoints)))

	got, err := Load(ctx, pool, "s1", "runner-a")
	assert.NilError(t, err)
	assert.Equal(t, "", cmp.Diff(model.Coordinates(samplePoints), got.Points))
}

func TestStoreIdempotent(t *testing.T) {
	pool := testdb.InitTestDb(t)
	ctx := context.Background()
	s := NewStore(pool)

	assert.NilError(t, s.SaveRoute(ctx, "s2", "runner-a", samplePoints))
	first, err := Load(ctx, pool, "s2", "runner-a")
	assert.NilError(t, err)
	assert.NilError(t, s.SaveRoute(ctx, "s2", "runner-a", samplePoints))
	second, err := Load(ctx, pool, "s2", "runner-a")
	assert.NilError(t, err)
	assert.DeepEqual(t, first.Points, second.Points)

	sess, err := session.LoadByID(ctx, pool, "s2")
	assert.NilError(t, err)
	assert.Equal(t, model.SessionStatusActive, sess.Status)
}

func TestLoadBySessionAndDelete(t *testing.T) {
	pool := testdb.InitTestDb(t)
	ctx := context.Background()
	s := NewStore(pool)
	assert.NilError(t, s.SaveRoute(ctx, "s3", "runner-b", samplePoints))
	assert.NilError(t, s.SaveRoute(ctx, "s3", "runner-a", nil))

	routes, err := LoadBySession(ctx, pool, "s3")
	assert.NilError(t, err)
	assert.Equal(t, 2, len(routes))
	assert.Equal(t, "runner-a", routes[0].ParticipantID)
	assert.Equal(t, 0, len(routes[0].Points))
	assert.Equal(t, 2, len(routes[1].Points))

	n, err := DeleteBySessionID(ctx, pool, "s3")
	assert.NilError(t, err)
	assert.Equal(t, 2, n)
}
