package ws

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/manpreetbhatti/codepair/internal/protocol"
	"github.com/manpreetbhatti/codepair/internal/ratelimit"
	"github.com/manpreetbhatti/codepair/internal/relay"
	"github.com/manpreetbhatti/codepair/internal/state"
)

type Options struct {
	Capacity       int
	FlushInterval  time.Duration
	StoreTimeout   time.Duration
	AllowedOrigins []string
}

func (o *Options) setDefaults() {
	if o.Capacity <= 0 {
		o.Capacity = 2
	}
	if o.FlushInterval <= 0 {
		o.FlushInterval = 2 * time.Second
	}
	if o.StoreTimeout <= 0 {
		o.StoreTimeout = 5 * time.Second
	}
}

// Server runs the connection lifecycle for every room on this instance:
// join, edits and cursor moves, and disconnect with buffer persistence.
type Server struct {
	opts        Options
	store       state.Store
	limiter     ratelimit.Limiter
	relay       relay.Relay
	registry    *Registry
	broadcaster *Broadcaster
	upgrader    websocket.Upgrader
	log         *logrus.Entry

	roomsMu sync.Mutex
	rooms   map[string]*roomWorker
	closing bool
	workers sync.WaitGroup

	// Every live connection, bound or not.
	peersMu sync.Mutex
	peers   map[string]Peer
}

// NewServer wires the engine. limiter may be nil to disable frame rate
// limiting and rl may be nil for a single instance.
func NewServer(opts Options, store state.Store, limiter ratelimit.Limiter, rl relay.Relay, registry *Registry, log *logrus.Entry) *Server {
	opts.setDefaults()
	if rl == nil {
		rl = relay.Nop{}
	}
	if registry == nil {
		registry = NewRegistry()
	}

	s := &Server{
		opts:        opts,
		store:       store,
		limiter:     limiter,
		relay:       rl,
		registry:    registry,
		broadcaster: NewBroadcaster(registry, log),
		log:         log,
		rooms:       make(map[string]*roomWorker),
		peers:       make(map[string]Peer),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     originChecker(opts.AllowedOrigins),
	}
	return s
}

// Start subscribes to broadcasts from other instances.
func (s *Server) Start(ctx context.Context) error {
	return s.relay.Start(ctx, s.handleRemote)
}

func (s *Server) Registry() *Registry {
	return s.registry
}

func (s *Server) storeContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), s.opts.StoreTimeout)
}

// Dispatch handles one inbound frame for session. Malformed frames are
// logged and dropped; the connection stays open.
func (s *Server) Dispatch(sess *Session, data []byte) {
	frame, err := protocol.Decode(data)
	if err != nil {
		s.log.WithField("conn", sess.ID()).WithError(err).Warn("Dropping malformed frame")
		return
	}

	switch f := frame.(type) {
	case protocol.Join:
		s.handleJoin(sess, f)
	case protocol.Edit:
		s.handleEdit(sess, f)
	case protocol.Cursor:
		s.handleCursor(sess, f)
	case protocol.Unknown:
		s.log.WithFields(logrus.Fields{
			"conn": sess.ID(),
			"type": f.Type,
		}).Debug("Ignoring unknown frame type")
	}
}

func (s *Server) handleJoin(sess *Session, f protocol.Join) {
	log := s.log.WithFields(logrus.Fields{
		"conn":     sess.ID(),
		"room":     f.RoomID,
		"username": f.Username,
	})

	if sess.Bound() {
		log.Debug("Ignoring join on bound connection")
		return
	}
	if f.RoomID == "" || f.Username == "" {
		sess.peer.Send(protocol.ErrorFrame("roomId and username are required"))
		return
	}

	w := s.acquireRoom(f.RoomID)
	if w == nil {
		log.Info("Join rejected, server shutting down")
		sess.peer.Send(protocol.ErrorFrame("server is shutting down"))
		return
	}

	var joinErr error
	ran := w.do(func() {
		ctx, cancel := s.storeContext()
		defer cancel()

		added, err := s.store.TryJoin(ctx, f.RoomID, f.Username, s.opts.Capacity)
		if err != nil {
			joinErr = err
			return
		}

		code := w.latest
		if !w.hasLatest {
			code, err = s.store.GetCode(ctx, f.RoomID)
			if err != nil {
				joinErr = err
				if added {
					if rerr := s.store.RemoveMember(ctx, f.RoomID, f.Username); rerr != nil {
						log.WithError(rerr).Warn("Failed to release seat after failed join")
					}
				}
				return
			}
		}

		language, err := s.store.GetLanguage(ctx, f.RoomID)
		if err != nil {
			log.WithError(err).Debug("Language unavailable for load_code")
		}

		sess.room = w
		sess.roomID = f.RoomID
		sess.username = f.Username
		sess.bound.Store(true)
		s.registry.Bind(sess)

		sess.peer.Send(protocol.LoadCodeFrame(code, language))
		s.broadcast(w, protocol.UserJoinedFrame(f.Username), sess.ID())
	})
	if !ran {
		joinErr = state.ErrStoreUnavailable
	}

	if joinErr != nil {
		s.releaseRoom(w)
		log.WithError(joinErr).Info("Join rejected")
		sess.peer.Send(protocol.ErrorFrame(joinErrorMessage(joinErr)))
		return
	}

	log.Info("Connection joined room")
}

func joinErrorMessage(err error) string {
	switch {
	case errors.Is(err, state.ErrRoomNotFound):
		return "room not found"
	case errors.Is(err, state.ErrRoomFull):
		return "room is full"
	default:
		return "unable to join room, please retry"
	}
}

func (s *Server) handleEdit(sess *Session, f protocol.Edit) {
	if !sess.boundTo(f.RoomID) {
		s.log.WithFields(logrus.Fields{"conn": sess.ID(), "room": f.RoomID}).Debug("Dropping edit from unbound connection")
		return
	}
	if s.rateLimited(sess) {
		return
	}

	w := sess.room
	w.submit(func() {
		sess.lastKnownCode = f.Code
		sess.hasCode = true
		w.record(f.Code, sess.ID(), true)
		s.broadcast(w, protocol.CodeUpdateFrame(f.Code, sess.username), sess.ID())
	})
}

func (s *Server) handleCursor(sess *Session, f protocol.Cursor) {
	if !sess.boundTo(f.RoomID) {
		s.log.WithFields(logrus.Fields{"conn": sess.ID(), "room": f.RoomID}).Debug("Dropping cursor from unbound connection")
		return
	}
	if s.rateLimited(sess) {
		return
	}

	w := sess.room
	w.submit(func() {
		s.broadcast(w, protocol.CursorUpdateFrame(sess.username, f.CursorPosition), sess.ID())
	})
}

// rateLimited checks the frame limiter for a bound session. The first
// rejection in a streak gets an error frame; the rest are dropped quietly.
// A failing limiter lets the frame through.
func (s *Server) rateLimited(sess *Session) bool {
	if s.limiter == nil {
		return false
	}

	ctx, cancel := s.storeContext()
	defer cancel()

	limited, err := s.limiter.ShouldLimit(ctx, sess.roomID+":"+sess.username)
	if err != nil {
		s.log.WithField("conn", sess.ID()).WithError(err).Warn("Rate limiter unavailable")
		return false
	}
	if !limited {
		sess.rateLimited = false
		return false
	}

	if !sess.rateLimited {
		sess.rateLimited = true
		sess.peer.Send(protocol.ErrorFrame("rate limited"))
		s.log.WithFields(logrus.Fields{
			"conn":     sess.ID(),
			"room":     sess.roomID,
			"username": sess.username,
		}).Warn("Connection rate limited")
	}
	return true
}

// Disconnect tears down a session. For a bound session it removes the member
// from the room, persists the last buffer it sent and tells the room. Store
// failures here are logged and never block teardown. Safe to call twice.
func (s *Server) Disconnect(sess *Session) {
	if sess.closed.Swap(true) || !sess.Bound() {
		return
	}

	w := sess.room
	log := s.log.WithFields(logrus.Fields{
		"conn":     sess.ID(),
		"room":     sess.roomID,
		"username": sess.username,
	})

	w.do(func() {
		s.registry.Unbind(sess)

		ctx, cancel := s.storeContext()
		defer cancel()

		// A reconnect may have bound the same username before this close.
		stillPresent := s.registry.HasUser(sess.roomID, sess.username)
		if !stillPresent {
			if err := s.store.RemoveMember(ctx, sess.roomID, sess.username); err != nil {
				log.WithError(err).Warn("Failed to remove member on disconnect")
			}
		}

		if sess.hasCode {
			if err := s.store.SetCode(ctx, sess.roomID, sess.lastKnownCode); err != nil {
				log.WithError(err).Warn("Failed to persist buffer on disconnect")
			} else if w.latestFrom == sess.ID() {
				w.dirty = false
			} else if w.hasLatest {
				// The room moved on past this session's buffer; the next
				// flush puts the newest one back.
				w.dirty = true
			}
		}

		if !stillPresent {
			s.broadcast(w, protocol.UserLeftFrame(sess.username), sess.ID())
		}
	})
	s.releaseRoom(w)

	log.Info("Connection left room")
}

// broadcast fans frame out locally and to other instances. It runs on the
// room worker so peers observe room events in one order.
func (s *Server) broadcast(w *roomWorker, frame []byte, exclude string) {
	s.broadcaster.Broadcast(w.id, frame, exclude)

	ctx, cancel := s.storeContext()
	defer cancel()
	if err := s.relay.Publish(ctx, w.id, frame); err != nil {
		s.log.WithField("room", w.id).WithError(err).Warn("Failed to relay broadcast")
	}
}

// handleRemote delivers a broadcast from another instance to local sessions.
func (s *Server) handleRemote(env relay.Envelope) {
	s.roomsMu.Lock()
	w := s.rooms[env.RoomID]
	s.roomsMu.Unlock()
	if w == nil {
		return
	}

	payload := []byte(env.Payload)
	w.submit(func() {
		if f, err := protocol.ParseFrame(payload); err == nil && f.Type == protocol.TypeCodeUpdate {
			// The origin instance persists its own edits.
			w.record(f.Code, "", false)
		}
		s.broadcaster.Broadcast(w.id, payload, "")
	})
}

// acquireRoom returns nil once Shutdown has begun.
func (s *Server) acquireRoom(roomID string) *roomWorker {
	s.roomsMu.Lock()
	defer s.roomsMu.Unlock()

	if s.closing {
		return nil
	}

	w, ok := s.rooms[roomID]
	if !ok {
		w = newRoomWorker(roomID, s)
		s.rooms[roomID] = w
		s.workers.Add(1)
		go func() {
			defer s.workers.Done()
			w.run(s.opts.FlushInterval)
		}()
	}
	w.refs++
	return w
}

func (s *Server) releaseRoom(w *roomWorker) {
	s.roomsMu.Lock()
	defer s.roomsMu.Unlock()

	w.refs--
	if w.refs > 0 {
		return
	}
	if s.rooms[w.id] == w {
		delete(s.rooms, w.id)
	}
	close(w.quit)
}

// track registers a live connection so Shutdown can close it. It reports
// false once Shutdown has begun.
func (s *Server) track(p Peer) bool {
	s.peersMu.Lock()
	defer s.peersMu.Unlock()

	// Checked under peersMu so Shutdown either sees this peer or we see it closing.
	if s.isClosing() {
		return false
	}
	s.peers[p.ID()] = p
	return true
}

func (s *Server) untrack(p Peer) {
	s.peersMu.Lock()
	defer s.peersMu.Unlock()
	delete(s.peers, p.ID())
}

func (s *Server) isClosing() bool {
	s.roomsMu.Lock()
	defer s.roomsMu.Unlock()
	return s.closing
}

// Shutdown refuses new joins and connections, closes every connection and
// waits for room workers to flush.
func (s *Server) Shutdown(ctx context.Context) error {
	s.roomsMu.Lock()
	s.closing = true
	s.roomsMu.Unlock()

	for _, sess := range s.registry.All() {
		s.Disconnect(sess)
		sess.peer.Close()
	}

	s.peersMu.Lock()
	peers := make([]Peer, 0, len(s.peers))
	for _, p := range s.peers {
		peers = append(peers, p)
	}
	s.peersMu.Unlock()
	for _, p := range peers {
		p.Close()
	}

	done := make(chan struct{})
	go func() {
		s.workers.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = ctx.Err()
	}

	if cerr := s.relay.Close(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}

func (s *Server) RoomCount() int {
	return len(s.registry.Rooms())
}

func (s *Server) ClientCount() int {
	return s.registry.Count()
}

func (s *Server) ActiveRooms() map[string]int {
	return s.registry.Rooms()
}

func originChecker(allowed []string) func(r *http.Request) bool {
	if len(allowed) == 0 {
		return func(r *http.Request) bool { return true }
	}
	set := make(map[string]struct{}, len(allowed))
	for _, o := range allowed {
		if o == "*" {
			return func(r *http.Request) bool { return true }
		}
		set[o] = struct{}{}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		_, ok := set[origin]
		return ok
	}
}
