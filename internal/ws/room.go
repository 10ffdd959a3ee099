package ws

import (
	"time"

	"github.com/sirupsen/logrus"
)

const roomQueueSize = 256

// roomWorker serializes every state change for one room on a single
// goroutine. It lives while at least one local session holds a reference.
type roomWorker struct {
	id     string
	server *Server
	tasks  chan func()
	quit   chan struct{}
	done   chan struct{}

	// Guarded by Server.roomsMu.
	refs int

	// Owned by the worker goroutine.
	latest     string
	latestFrom string
	hasLatest  bool
	dirty      bool
}

func newRoomWorker(id string, server *Server) *roomWorker {
	return &roomWorker{
		id:     id,
		server: server,
		tasks:  make(chan func(), roomQueueSize),
		quit:   make(chan struct{}),
		done:   make(chan struct{}),
	}
}

func (w *roomWorker) run(flushEvery time.Duration) {
	defer close(w.done)

	ticker := time.NewTicker(flushEvery)
	defer ticker.Stop()

	for {
		select {
		case fn := <-w.tasks:
			fn()
		case <-ticker.C:
			w.flush()
		case <-w.quit:
			for {
				select {
				case fn := <-w.tasks:
					fn()
				default:
					w.flush()
					return
				}
			}
		}
	}
}

// submit queues fn. It blocks while the queue is full and reports false if
// the worker already exited.
func (w *roomWorker) submit(fn func()) bool {
	select {
	case <-w.done:
		return false
	default:
	}

	select {
	case w.tasks <- fn:
		return true
	case <-w.done:
		return false
	}
}

// do runs fn on the worker and waits for it to finish.
func (w *roomWorker) do(fn func()) bool {
	finished := make(chan struct{})
	if !w.submit(func() {
		defer close(finished)
		fn()
	}) {
		return false
	}

	select {
	case <-finished:
		return true
	case <-w.done:
		// A task queued after the final drain never runs.
		select {
		case <-finished:
			return true
		default:
			return false
		}
	}
}

// record notes the newest buffer seen in the room. from is the local session
// that produced it, or "" for a buffer relayed from another instance.
func (w *roomWorker) record(code, from string, dirty bool) {
	w.latest = code
	w.latestFrom = from
	w.hasLatest = true
	w.dirty = dirty
}

func (w *roomWorker) flush() {
	if !w.dirty {
		return
	}

	ctx, cancel := w.server.storeContext()
	defer cancel()

	if err := w.server.store.SetCode(ctx, w.id, w.latest); err != nil {
		w.server.log.WithFields(logrus.Fields{
			"room": w.id,
		}).WithError(err).Warn("Failed to flush room buffer")
		return
	}
	w.dirty = false
}
