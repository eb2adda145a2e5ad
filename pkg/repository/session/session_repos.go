//nolint:whitespace //can't make both the linter and editor happy :(
package session

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/mpapenbr/runsession/pkg/model"
	"github.com/mpapenbr/runsession/pkg/repository"
)

type DbSession struct {
	ID        string
	Status    model.SessionStatus
	CreatedAt time.Time
	EndedAt   *time.Time
}

// Create inserts an active session. An existing session is left untouched.
func Create(ctx context.Context, conn repository.Querier, id string) error {
	_, err := conn.Exec(ctx,
		"insert into session (id, status) values ($1,$2) on conflict (id) do nothing",
		id, model.SessionStatusActive)
	return err
}

func LoadByID(ctx context.Context, conn repository.Querier, id string) (
	*DbSession, error,
) {
	row := conn.QueryRow(ctx, selector+" where id=$1", id)
	var item DbSession
	if err := scan(&item, row); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNoRows
		}
		return nil, err
	}
	return &item, nil
}

func LoadActive(ctx context.Context, conn repository.Querier) ([]*DbSession, error) {
	rows, err := conn.Query(ctx, selector+" where status=$1 order by created_at",
		model.SessionStatusActive)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	ret := make([]*DbSession, 0)
	for rows.Next() {
		var item DbSession
		if err := scan(&item, rows); err != nil {
			return nil, err
		}
		ret = append(ret, &item)
	}
	return ret, rows.Err()
}

// EndSession marks the session as ended. Ending an ended or unknown session
// is not an error; the number of changed rows is returned.
func EndSession(ctx context.Context, conn repository.Querier, id string) (int, error) {
	cmdTag, err := conn.Exec(ctx,
		"update session set status=$1, ended_at=now() where id=$2 and status<>$1",
		model.SessionStatusEnded, id)
	if err != nil {
		return 0, err
	}
	return int(cmdTag.RowsAffected()), nil
}

// deletes an entry from the database, returns number of rows deleted.
func DeleteByID(ctx context.Context, conn repository.Querier, id string) (int, error) {
	cmdTag, err := conn.Exec(ctx, "delete from session where id=$1", id)
	if err != nil {
		return 0, err
	}
	return int(cmdTag.RowsAffected()), nil
}

// little helper
const selector = string(`select id,status,created_at,ended_at from session`)

func scan(e *DbSession, row pgx.Row) error {
	return row.Scan(&e.ID, &e.Status, &e.CreatedAt, &e.EndedAt)
}

// Ender ends sessions in the database
type Ender struct {
	conn repository.Querier
}

func NewEnder(conn repository.Querier) *Ender {
	return &Ender{conn: conn}
}

func (e *Ender) EndSession(ctx context.Context, sessionID string) error {
	_, err := EndSession(ctx, e.conn, sessionID)
	return err
}
