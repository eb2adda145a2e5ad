package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mpapenbr/runsession/pkg/model"
)

// Backend maps the domain operations of a session onto a DocumentStore.
// It serves as route store, presence publisher and session command surface.
type Backend struct {
	ds  DocumentStore
	now func() time.Time
}

func NewBackend(ds DocumentStore) *Backend {
	return &Backend{ds: ds, now: time.Now}
}

func (b *Backend) Store() DocumentStore {
	return b.ds
}

func MemberKey(sessionID, participantID string) string {
	return sessionID + "/" + participantID
}

// SaveRoute overwrites the persisted route of (sessionID, participantID)
//
//nolint:whitespace // editor/linter issue
func (b *Backend) SaveRoute(
	ctx context.Context, sessionID, participantID string, points []model.Position,
) error {
	fields, err := Encode(model.RouteDoc{
		SessionID:     sessionID,
		ParticipantID: participantID,
		Points:        model.Coordinates(points),
		UpdatedAt:     b.now(),
	})
	if err != nil {
		return err
	}
	return b.ds.Upsert(ctx, CollectionRoutes, MemberKey(sessionID, participantID), fields)
}

func (b *Backend) LoadRoute(ctx context.Context, sessionID, participantID string) (
	*model.RouteDoc, error,
) {
	doc, err := b.ds.Get(ctx, CollectionRoutes, MemberKey(sessionID, participantID))
	if err != nil {
		return nil, err
	}
	var ret model.RouteDoc
	if err := Decode(doc.Fields, &ret); err != nil {
		return nil, err
	}
	return &ret, nil
}

func (b *Backend) PublishPresence(ctx context.Context, p *model.PresenceDoc) error {
	fields, err := Encode(p)
	if err != nil {
		return err
	}
	return b.ds.Upsert(ctx, CollectionPresence,
		MemberKey(p.SessionID, p.ParticipantID), fields)
}

type sessionDoc struct {
	ID      string              `json:"id"`
	Status  model.SessionStatus `json:"status"`
	EndedAt *time.Time          `json:"endedAt,omitempty"`
}

// CreateSession registers an active session. An existing session is kept.
func (b *Backend) CreateSession(ctx context.Context, sessionID string) error {
	_, err := b.ds.Get(ctx, CollectionSessions, sessionID)
	if err == nil {
		return nil
	}
	if !errors.Is(err, ErrNotFound) {
		return err
	}
	fields, err := Encode(sessionDoc{ID: sessionID, Status: model.SessionStatusActive})
	if err != nil {
		return err
	}
	return b.ds.Upsert(ctx, CollectionSessions, sessionID, fields)
}

func (b *Backend) SessionStatus(ctx context.Context, sessionID string) (
	model.SessionStatus, error,
) {
	doc, err := b.ds.Get(ctx, CollectionSessions, sessionID)
	if err != nil {
		return "", err
	}
	var s sessionDoc
	if err := Decode(doc.Fields, &s); err != nil {
		return "", err
	}
	return s.Status, nil
}

// EndSession marks the session as ended. Ending an ended session is a no-op.
func (b *Backend) EndSession(ctx context.Context, sessionID string) error {
	status, err := b.SessionStatus(ctx, sessionID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return fmt.Errorf("end session %s: %w", sessionID, err)
	}
	if status == model.SessionStatusEnded {
		return nil
	}
	now := b.now()
	fields, err := Encode(sessionDoc{
		ID: sessionID, Status: model.SessionStatusEnded, EndedAt: &now,
	})
	if err != nil {
		return err
	}
	return b.ds.Upsert(ctx, CollectionSessions, sessionID, fields)
}

// PresenceQuery selects the presence documents of one session
func PresenceQuery(sessionID string) Query {
	return Query{Collection: CollectionPresence, Where: map[string]string{"sessionId": sessionID}}
}

func RoutesQuery(sessionID string) Query {
	return Query{Collection: CollectionRoutes, Where: map[string]string{"sessionId": sessionID}}
}
