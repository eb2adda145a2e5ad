package location

import (
	"context"
	"sync"

	"github.com/mpapenbr/runsession/pkg/model"
)

// ManualSource is a Source whose updates are pushed by the caller. It is
// used where positions arrive from outside, e.g. from tests or a bridge.
type ManualSource struct {
	mu     sync.Mutex
	auth   Authorization
	nextID int
	subs   map[int]func(Update)
}

var _ Source = (*ManualSource)(nil)

func NewManualSource(auth Authorization) *ManualSource {
	return &ManualSource{auth: auth, subs: make(map[int]func(Update))}
}

func (m *ManualSource) SetAuthorization(auth Authorization) {
	m.mu.Lock()
	m.auth = auth
	m.mu.Unlock()
}

func (m *ManualSource) RequestAuthorization(ctx context.Context) (Authorization, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.auth, nil
}

func (m *ManualSource) Subscribe(cb func(Update)) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextID
	m.nextID++
	m.subs[id] = cb
	return func() {
		m.mu.Lock()
		delete(m.subs, id)
		m.mu.Unlock()
	}
}

// Subscribers returns the number of registered callbacks
func (m *ManualSource) Subscribers() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.subs)
}

func (m *ManualSource) Push(pos model.Position) {
	m.send(Update{Position: &pos})
}

// Revoke withdraws the authorization and notifies all subscribers
func (m *ManualSource) Revoke() {
	m.SetAuthorization(AuthorizationDenied)
	m.send(Update{Revoked: true})
}

func (m *ManualSource) send(u Update) {
	m.mu.Lock()
	cbs := make([]func(Update), 0, len(m.subs))
	for _, cb := range m.subs {
		cbs = append(cbs, cb)
	}
	m.mu.Unlock()
	for _, cb := range cbs {
		cb(u)
	}
}
