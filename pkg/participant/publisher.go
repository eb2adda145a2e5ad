package participant

import (
	"context"
	"sync"
	"time"

	"github.com/mpapenbr/runsession/log"
	"github.com/mpapenbr/runsession/pkg/model"
)

// heartbeat publishes presence documents on a single worker. Only the
// latest scheduled document is kept, so a slow or unreachable backend never
// delays the caller and never receives an outdated document after a newer
// one.
type heartbeat struct {
	pub     PresencePublisher
	timeout time.Duration
	l       *log.Logger
	mu      sync.Mutex
	pending *model.PresenceDoc
	wake    chan struct{}
	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{}
}

//nolint:whitespace // editor/linter issue
func newHeartbeat(
	pub PresencePublisher, timeout time.Duration, l *log.Logger,
) *heartbeat {
	ctx, cancel := context.WithCancel(context.Background())
	h := &heartbeat{
		pub:     pub,
		timeout: timeout,
		l:       l,
		wake:    make(chan struct{}, 1),
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	go h.run()
	return h
}

func (h *heartbeat) schedule(doc *model.PresenceDoc) {
	h.mu.Lock()
	h.pending = doc
	h.mu.Unlock()
	select {
	case h.wake <- struct{}{}:
	default:
	}
}

func (h *heartbeat) run() {
	defer close(h.done)
	for {
		select {
		case <-h.ctx.Done():
			return
		case <-h.wake:
		}
		h.mu.Lock()
		doc := h.pending
		h.pending = nil
		h.mu.Unlock()
		if doc == nil {
			continue
		}
		ctx, cancel := context.WithTimeout(h.ctx, h.timeout)
		err := h.pub.PublishPresence(ctx, doc)
		cancel()
		if err != nil {
			h.l.Warn("heartbeat not published", log.ErrorField(err))
		}
	}
}

// close drops a pending document and waits for a running publish
func (h *heartbeat) close() {
	h.cancel()
	<-h.done
}
