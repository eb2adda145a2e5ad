package recorder

import (
	"context"
	"sync"

	"github.com/mpapenbr/runsession/log"
	"github.com/mpapenbr/runsession/pkg/model"
)

type snapshot struct {
	gen           uint64
	sessionID     string
	participantID string
	points        []model.Position
}

// persister writes snapshots on a single worker. Only the latest scheduled
// snapshot is kept and a snapshot older than the last written one is
// discarded, so the store never goes back in time.
type persister struct {
	save    func(context.Context, snapshot) error
	l       *log.Logger
	mu      sync.Mutex
	pending *snapshot
	failed  bool
	written uint64     // guarded by mu
	writeMu sync.Mutex // serializes saves
	wake    chan struct{}
	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{}
}

//nolint:whitespace // editor/linter issue
func newPersister(
	save func(context.Context, snapshot) error, l *log.Logger,
) *persister {
	ctx, cancel := context.WithCancel(context.Background())
	p := &persister{
		save:   save,
		l:      l,
		wake:   make(chan struct{}, 1),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go p.run()
	return p
}

func (p *persister) schedule(s snapshot) {
	p.mu.Lock()
	p.pending = &s
	p.mu.Unlock()
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

func (p *persister) run() {
	defer close(p.done)
	for {
		select {
		case <-p.ctx.Done():
			return
		case <-p.wake:
		}
		p.mu.Lock()
		s := p.pending
		p.pending = nil
		p.mu.Unlock()
		if s == nil {
			continue
		}
		if err := p.write(p.ctx, *s); err != nil {
			p.l.Error("checkpoint not saved, route kept in memory",
				log.Int("points", len(s.points)), log.ErrorField(err))
		}
	}
}

func (p *persister) write(ctx context.Context, s snapshot) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	if p.outdated(s) {
		return nil
	}
	err := p.save(ctx, s)
	p.mu.Lock()
	defer p.mu.Unlock()
	// a reset while saving makes the result irrelevant
	if s.gen < p.written {
		return err
	}
	p.failed = err != nil
	if err == nil {
		p.written = s.gen
	}
	return err
}

func (p *persister) outdated(s snapshot) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return s.gen < p.written
}

// persistNow drops a pending checkpoint and writes s synchronously
func (p *persister) persistNow(ctx context.Context, s snapshot) error {
	p.mu.Lock()
	if p.pending != nil && p.pending.gen <= s.gen {
		p.pending = nil
	}
	p.mu.Unlock()
	return p.write(ctx, s)
}

// reset discards pending and running work older than gen without waiting
// for a running save
func (p *persister) reset(gen uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pending = nil
	p.failed = false
	p.written = gen
}

func (p *persister) unsaved() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.failed
}

func (p *persister) close() {
	p.cancel()
	<-p.done
}
