//nolint:whitespace //can't make both the linter and editor happy :(
package route

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/mpapenbr/runsession/pkg/model"
	"github.com/mpapenbr/runsession/pkg/repository"
)

// Upsert stores the complete route of a participant, replacing a previously
// stored one.
func Upsert(
	ctx context.Context,
	conn repository.Querier,
	sessionID, participantID string,
	points []model.Coordinate,
) error {
	if points == nil {
		points = []model.Coordinate{}
	}
	_, err := conn.Exec(ctx, `
insert into route (session_id, participant_id, points, num_points, updated_at)
values ($1,$2,$3,$4,now())
on conflict (session_id, participant_id)
do update set points=excluded.points, num_points=excluded.num_points,
updated_at=excluded.updated_at`,
		sessionID, participantID, points, len(points))
	return err
}

func Load(
	ctx context.Context,
	conn repository.Querier,
	sessionID, participantID string,
) (*model.RouteDoc, error) {
	row := conn.QueryRow(ctx,
		selector+" where session_id=$1 and participant_id=$2",
		sessionID, participantID)
	var item model.RouteDoc
	if err := scan(&item, row); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNoRows
		}
		return nil, err
	}
	return &item, nil
}

func LoadBySession(
	ctx context.Context,
	conn repository.Querier,
	sessionID string,
) ([]*model.RouteDoc, error) {
	rows, err := conn.Query(ctx,
		selector+" where session_id=$1 order by participant_id", sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	ret := make([]*model.RouteDoc, 0)
	for rows.Next() {
		var item model.RouteDoc
		if err := scan(&item, rows); err != nil {
			return nil, err
		}
		ret = append(ret, &item)
	}
	return ret, rows.Err()
}

// deletes all routes of a session, returns number of rows deleted.
func DeleteBySessionID(ctx context.Context, conn repository.Querier, sessionID string) (
	int, error,
) {
	cmdTag, err := conn.Exec(ctx, "delete from route where session_id=$1", sessionID)
	if err != nil {
		return 0, err
	}
	return int(cmdTag.RowsAffected()), nil
}

// little helper
const selector = string(
	`select session_id,participant_id,points,updated_at from route`)

func scan(e *model.RouteDoc, row pgx.Row) error {
	var updated time.Time
	if err := row.Scan(&e.SessionID, &e.ParticipantID, &e.Points, &updated); err != nil {
		return err
	}
	e.UpdatedAt = updated
	return nil
}

// Store persists recorded routes. It creates the session row on demand.
type Store struct {
	conn repository.Querier
}

func NewStore(conn repository.Querier) *Store {
	return &Store{conn: conn}
}

func (s *Store) SaveRoute(
	ctx context.Context, sessionID, participantID string, points []model.Position,
) error {
	if _, err := s.conn.Exec(ctx,
		"insert into session (id) values ($1) on conflict (id) do nothing",
		sessionID); err != nil {
		return fmt.Errorf("ensure session: %w", err)
	}
	return Upsert(ctx, s.conn, sessionID, participantID, model.Coordinates(points))
}
