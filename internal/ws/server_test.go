package ws

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/manpreetbhatti/codepair/internal/logging"
	"github.com/manpreetbhatti/codepair/internal/protocol"
	"github.com/manpreetbhatti/codepair/internal/ratelimit"
	"github.com/manpreetbhatti/codepair/internal/relay"
	"github.com/manpreetbhatti/codepair/internal/state"
)

// fakePeer records outbound frames in a buffered channel.
type fakePeer struct {
	id     string
	frames chan []byte

	mu     sync.Mutex
	closed bool
}

func newFakePeer(id string) *fakePeer {
	return &fakePeer{id: id, frames: make(chan []byte, 64)}
}

func (p *fakePeer) ID() string { return p.id }

func (p *fakePeer) Send(frame []byte) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return false
	}
	select {
	case p.frames <- frame:
		return true
	default:
		return false
	}
}

func (p *fakePeer) Open() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return !p.closed
}

func (p *fakePeer) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
}

func expectFrame(t *testing.T, p *fakePeer) protocol.Frame {
	t.Helper()
	select {
	case data := <-p.frames:
		f, err := protocol.ParseFrame(data)
		require.NoError(t, err)
		return f
	case <-time.After(2 * time.Second):
		t.Fatalf("%s: no frame received", p.id)
		return protocol.Frame{}
	}
}

func expectNoFrame(t *testing.T, p *fakePeer) {
	t.Helper()
	select {
	case data := <-p.frames:
		t.Fatalf("%s: unexpected frame %s", p.id, data)
	case <-time.After(50 * time.Millisecond):
	}
}

func newTestServer(t *testing.T, store state.Store, limiter ratelimit.Limiter) *Server {
	t.Helper()
	s := NewServer(Options{FlushInterval: time.Hour}, store, limiter, nil, nil, logging.Component(logging.Discard(), "ws"))
	require.NoError(t, s.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		s.Shutdown(ctx)
	})
	return s
}

func seedRoom(t *testing.T, store state.Store, roomID, code string) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, store.CreateRoom(ctx, state.Room{ID: roomID, Language: "python"}))
	if code != "" {
		require.NoError(t, store.SetCode(ctx, roomID, code))
	}
}

func join(t *testing.T, s *Server, id, roomID, username string) (*Session, *fakePeer) {
	t.Helper()
	peer := newFakePeer(id)
	sess := NewSession(peer)
	s.Dispatch(sess, []byte(fmt.Sprintf(`{"type":"join_room","roomId":%q,"username":%q}`, roomID, username)))
	return sess, peer
}

func TestJoinLoadsStoredCode(t *testing.T) {
	store := state.NewMemoryStore()
	seedRoom(t, store, "r1", "print(1)")
	s := newTestServer(t, store, nil)

	sess, alice := join(t, s, "c1", "r1", "alice")

	f := expectFrame(t, alice)
	assert.Equal(t, protocol.TypeLoadCode, f.Type)
	assert.Equal(t, "print(1)", f.Code)
	assert.Equal(t, "python", f.Language)
	expectNoFrame(t, alice)

	assert.True(t, sess.Bound())
	assert.Equal(t, "r1", sess.RoomID())
	assert.Equal(t, "alice", sess.Username())

	member, err := store.IsMember(context.Background(), "r1", "alice")
	require.NoError(t, err)
	assert.True(t, member)
	assert.Equal(t, 1, s.ClientCount())
	assert.Equal(t, 1, s.RoomCount())
}

func TestJoinAnnouncesToOthersOnly(t *testing.T) {
	store := state.NewMemoryStore()
	seedRoom(t, store, "r1", "")
	s := newTestServer(t, store, nil)

	_, alice := join(t, s, "c1", "r1", "alice")
	expectFrame(t, alice)

	_, bob := join(t, s, "c2", "r1", "bob")
	f := expectFrame(t, bob)
	assert.Equal(t, protocol.TypeLoadCode, f.Type)
	expectNoFrame(t, bob)

	f = expectFrame(t, alice)
	assert.Equal(t, protocol.TypeUserJoined, f.Type)
	assert.Equal(t, "bob", f.Username)
}

func TestEditBroadcastExcludesSender(t *testing.T) {
	store := state.NewMemoryStore()
	seedRoom(t, store, "r1", "")
	s := newTestServer(t, store, nil)

	aliceSess, alice := join(t, s, "c1", "r1", "alice")
	expectFrame(t, alice)
	_, bob := join(t, s, "c2", "r1", "bob")
	expectFrame(t, bob)
	expectFrame(t, alice) // user_joined

	s.Dispatch(aliceSess, []byte(`{"type":"code_change","roomId":"r1","code":"x = 1"}`))

	f := expectFrame(t, bob)
	assert.Equal(t, protocol.TypeCodeUpdate, f.Type)
	assert.Equal(t, "x = 1", f.Code)
	assert.Equal(t, "alice", f.Username)
	expectNoFrame(t, alice)
}

func TestCursorBroadcast(t *testing.T) {
	store := state.NewMemoryStore()
	seedRoom(t, store, "r1", "")
	s := newTestServer(t, store, nil)

	_, alice := join(t, s, "c1", "r1", "alice")
	expectFrame(t, alice)
	bobSess, bob := join(t, s, "c2", "r1", "bob")
	expectFrame(t, bob)
	expectFrame(t, alice)

	s.Dispatch(bobSess, []byte(`{"type":"cursor_sync","roomId":"r1","cursorPosition":{"line":3,"column":7}}`))

	f := expectFrame(t, alice)
	assert.Equal(t, protocol.TypeCursorUpdate, f.Type)
	assert.Equal(t, "bob", f.Username)
	require.NotNil(t, f.CursorPosition)
	assert.Equal(t, protocol.CursorPosition{Line: 3, Column: 7}, *f.CursorPosition)
	expectNoFrame(t, bob)
}

func TestMalformedFrameKeepsConnection(t *testing.T) {
	store := state.NewMemoryStore()
	seedRoom(t, store, "r1", "")
	s := newTestServer(t, store, nil)

	aliceSess, alice := join(t, s, "c1", "r1", "alice")
	expectFrame(t, alice)
	_, bob := join(t, s, "c2", "r1", "bob")
	expectFrame(t, bob)
	expectFrame(t, alice)

	s.Dispatch(aliceSess, []byte(`{not json`))
	s.Dispatch(aliceSess, []byte(`{"type":"code_change","roomId":"r1","code":42}`))
	s.Dispatch(aliceSess, []byte(`{"type":"wave","roomId":"r1"}`))
	expectNoFrame(t, bob)

	s.Dispatch(aliceSess, []byte(`{"type":"cursor_sync","roomId":"r1","cursorPosition":{"line":1,"column":0}}`))
	f := expectFrame(t, bob)
	assert.Equal(t, protocol.TypeCursorUpdate, f.Type)
	assert.True(t, aliceSess.Bound())
}

func TestUnboundFramesAreDropped(t *testing.T) {
	store := state.NewMemoryStore()
	seedRoom(t, store, "r1", "original")
	s := newTestServer(t, store, nil)

	_, alice := join(t, s, "c1", "r1", "alice")
	expectFrame(t, alice)

	stranger := NewSession(newFakePeer("c9"))
	s.Dispatch(stranger, []byte(`{"type":"code_change","roomId":"r1","code":"hijack"}`))
	s.Dispatch(stranger, []byte(`{"type":"cursor_sync","roomId":"r1","cursorPosition":{"line":1,"column":1}}`))
	expectNoFrame(t, alice)

	code, err := store.GetCode(context.Background(), "r1")
	require.NoError(t, err)
	assert.Equal(t, "original", code)
}

func TestEditForOtherRoomIsDropped(t *testing.T) {
	store := state.NewMemoryStore()
	seedRoom(t, store, "r1", "")
	seedRoom(t, store, "r2", "")
	s := newTestServer(t, store, nil)

	aliceSess, alice := join(t, s, "c1", "r1", "alice")
	expectFrame(t, alice)
	_, bob := join(t, s, "c2", "r2", "bob")
	expectFrame(t, bob)

	s.Dispatch(aliceSess, []byte(`{"type":"code_change","roomId":"r2","code":"cross"}`))
	expectNoFrame(t, bob)
}

func TestJoinRejections(t *testing.T) {
	store := state.NewMemoryStore()
	seedRoom(t, store, "r1", "")
	s := newTestServer(t, store, nil)

	sess, peer := join(t, s, "c1", "missing", "alice")
	f := expectFrame(t, peer)
	assert.Equal(t, protocol.TypeError, f.Type)
	assert.Equal(t, "room not found", f.Message)
	assert.False(t, sess.Bound())

	sess, peer = join(t, s, "c2", "r1", "")
	f = expectFrame(t, peer)
	assert.Equal(t, protocol.TypeError, f.Type)
	assert.False(t, sess.Bound())

	assert.Equal(t, 0, s.RoomCount())
}

func TestRoomFull(t *testing.T) {
	store := state.NewMemoryStore()
	seedRoom(t, store, "r1", "")
	s := newTestServer(t, store, nil)

	_, alice := join(t, s, "c1", "r1", "alice")
	expectFrame(t, alice)
	_, bob := join(t, s, "c2", "r1", "bob")
	expectFrame(t, bob)
	expectFrame(t, alice)

	carolSess, carol := join(t, s, "c3", "r1", "carol")
	f := expectFrame(t, carol)
	assert.Equal(t, protocol.TypeError, f.Type)
	assert.Equal(t, "room is full", f.Message)
	assert.False(t, carolSess.Bound())
	expectNoFrame(t, alice)

	count, err := store.MemberCount(context.Background(), "r1")
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

func TestSecondJoinOnBoundConnectionIsIgnored(t *testing.T) {
	store := state.NewMemoryStore()
	seedRoom(t, store, "r1", "")
	seedRoom(t, store, "r2", "")
	s := newTestServer(t, store, nil)

	sess, alice := join(t, s, "c1", "r1", "alice")
	expectFrame(t, alice)

	s.Dispatch(sess, []byte(`{"type":"join_room","roomId":"r2","username":"alice"}`))
	expectNoFrame(t, alice)
	assert.Equal(t, "r1", sess.RoomID())
}

type unavailableStore struct {
	*state.MemoryStore
}

func (unavailableStore) TryJoin(context.Context, string, string, int) (bool, error) {
	return false, fmt.Errorf("%w: try join: connection refused", state.ErrStoreUnavailable)
}

func TestJoinWhileStoreUnavailable(t *testing.T) {
	store := unavailableStore{state.NewMemoryStore()}
	seedRoom(t, store, "r1", "")
	s := newTestServer(t, store, nil)

	sess, peer := join(t, s, "c1", "r1", "alice")
	f := expectFrame(t, peer)
	assert.Equal(t, protocol.TypeError, f.Type)
	assert.Equal(t, "unable to join room, please retry", f.Message)
	assert.False(t, sess.Bound())
}

func TestDisconnectPersistsLastEdit(t *testing.T) {
	store := state.NewMemoryStore()
	seedRoom(t, store, "r1", "")
	s := newTestServer(t, store, nil)
	ctx := context.Background()

	aliceSess, alice := join(t, s, "c1", "r1", "alice")
	expectFrame(t, alice)
	_, bob := join(t, s, "c2", "r1", "bob")
	expectFrame(t, bob)
	expectFrame(t, alice)

	s.Dispatch(aliceSess, []byte(`{"type":"code_change","roomId":"r1","code":"a = 1"}`))
	s.Dispatch(aliceSess, []byte(`{"type":"code_change","roomId":"r1","code":"a = 2"}`))
	s.Disconnect(aliceSess)

	code, err := store.GetCode(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, "a = 2", code)

	member, err := store.IsMember(ctx, "r1", "alice")
	require.NoError(t, err)
	assert.False(t, member)

	assert.Equal(t, "a = 1", expectFrame(t, bob).Code)
	assert.Equal(t, "a = 2", expectFrame(t, bob).Code)
	f := expectFrame(t, bob)
	assert.Equal(t, protocol.TypeUserLeft, f.Type)
	assert.Equal(t, "alice", f.Username)

	// A second disconnect is a no-op.
	s.Disconnect(aliceSess)
	expectNoFrame(t, bob)
	assert.Equal(t, 1, s.ClientCount())
}

func TestDisconnectWithoutEditKeepsCode(t *testing.T) {
	store := state.NewMemoryStore()
	seedRoom(t, store, "r1", "keep me")
	s := newTestServer(t, store, nil)

	sess, alice := join(t, s, "c1", "r1", "alice")
	expectFrame(t, alice)
	s.Disconnect(sess)

	code, err := store.GetCode(context.Background(), "r1")
	require.NoError(t, err)
	assert.Equal(t, "keep me", code)
	assert.Equal(t, 0, s.RoomCount())
}

func TestRejoinFreesSeat(t *testing.T) {
	store := state.NewMemoryStore()
	seedRoom(t, store, "r1", "")
	s := newTestServer(t, store, nil)

	aliceSess, alice := join(t, s, "c1", "r1", "alice")
	expectFrame(t, alice)
	_, bob := join(t, s, "c2", "r1", "bob")
	expectFrame(t, bob)

	s.Disconnect(aliceSess)

	_, carol := join(t, s, "c3", "r1", "carol")
	f := expectFrame(t, carol)
	assert.Equal(t, protocol.TypeLoadCode, f.Type)
}

func TestReconnectSameUsernameKeepsMembership(t *testing.T) {
	store := state.NewMemoryStore()
	seedRoom(t, store, "r1", "")
	s := newTestServer(t, store, nil)
	ctx := context.Background()

	oldSess, old := join(t, s, "c1", "r1", "alice")
	expectFrame(t, old)
	_, fresh := join(t, s, "c2", "r1", "alice")
	assert.Equal(t, protocol.TypeLoadCode, expectFrame(t, fresh).Type)

	s.Disconnect(oldSess)

	member, err := store.IsMember(ctx, "r1", "alice")
	require.NoError(t, err)
	assert.True(t, member)
	expectNoFrame(t, fresh)
}

func TestPeriodicFlush(t *testing.T) {
	store := state.NewMemoryStore()
	seedRoom(t, store, "r1", "")
	s := NewServer(Options{FlushInterval: 20 * time.Millisecond}, store, nil, nil, nil, logging.Component(logging.Discard(), "ws"))
	defer s.Shutdown(context.Background())

	sess, alice := join(t, s, "c1", "r1", "alice")
	expectFrame(t, alice)

	s.Dispatch(sess, []byte(`{"type":"code_change","roomId":"r1","code":"flushed"}`))

	assert.Eventually(t, func() bool {
		code, err := store.GetCode(context.Background(), "r1")
		return err == nil && code == "flushed"
	}, 2*time.Second, 10*time.Millisecond)
}

func TestLateJoinerSeesUnflushedBuffer(t *testing.T) {
	store := state.NewMemoryStore()
	seedRoom(t, store, "r1", "stale")
	s := newTestServer(t, store, nil)

	aliceSess, alice := join(t, s, "c1", "r1", "alice")
	expectFrame(t, alice)
	s.Dispatch(aliceSess, []byte(`{"type":"code_change","roomId":"r1","code":"fresh"}`))

	_, bob := join(t, s, "c2", "r1", "bob")
	f := expectFrame(t, bob)
	assert.Equal(t, protocol.TypeLoadCode, f.Type)
	assert.Equal(t, "fresh", f.Code)
}

func TestRateLimitedEditsSendOneError(t *testing.T) {
	store := state.NewMemoryStore()
	seedRoom(t, store, "r1", "")
	limiter := ratelimit.NewWindow(ratelimit.Config{Window: time.Minute, Threshold: 2})
	defer limiter.Stop()
	s := newTestServer(t, store, limiter)

	aliceSess, alice := join(t, s, "c1", "r1", "alice")
	expectFrame(t, alice)
	_, bob := join(t, s, "c2", "r1", "bob")
	expectFrame(t, bob)
	expectFrame(t, alice)

	for i := 0; i < 5; i++ {
		s.Dispatch(aliceSess, []byte(fmt.Sprintf(`{"type":"code_change","roomId":"r1","code":"v%d"}`, i)))
	}

	f := expectFrame(t, alice)
	assert.Equal(t, protocol.TypeError, f.Type)
	assert.Equal(t, "rate limited", f.Message)
	expectNoFrame(t, alice)

	assert.Equal(t, "v0", expectFrame(t, bob).Code)
	assert.Equal(t, "v1", expectFrame(t, bob).Code)
	expectNoFrame(t, bob)
}

func TestShutdownDisconnectsSessions(t *testing.T) {
	store := state.NewMemoryStore()
	seedRoom(t, store, "r1", "")
	s := NewServer(Options{FlushInterval: time.Hour}, store, nil, nil, nil, logging.Component(logging.Discard(), "ws"))

	sess, alice := join(t, s, "c1", "r1", "alice")
	expectFrame(t, alice)
	s.Dispatch(sess, []byte(`{"type":"code_change","roomId":"r1","code":"saved on shutdown"}`))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, s.Shutdown(ctx))

	assert.False(t, alice.Open())
	assert.Equal(t, 0, s.ClientCount())

	code, err := store.GetCode(context.Background(), "r1")
	require.NoError(t, err)
	assert.Equal(t, "saved on shutdown", code)
}

func TestRelayDeliversAcrossInstances(t *testing.T) {
	mr := miniredis.RunT(t)
	store := state.NewMemoryStore()
	seedRoom(t, store, "r1", "")
	log := logging.Component(logging.Discard(), "ws")

	newInstance := func(name string) *Server {
		client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		t.Cleanup(func() { client.Close() })
		s := NewServer(Options{FlushInterval: time.Hour}, store, nil, relay.NewRedis(client, "", name, log), nil, log)
		require.NoError(t, s.Start(context.Background()))
		t.Cleanup(func() { s.Shutdown(context.Background()) })
		return s
	}
	a := newInstance("a")
	b := newInstance("b")

	aliceSess, alice := join(t, a, "c1", "r1", "alice")
	expectFrame(t, alice)
	_, bob := join(t, b, "c2", "r1", "bob")
	expectFrame(t, bob)

	f := expectFrame(t, alice)
	assert.Equal(t, protocol.TypeUserJoined, f.Type)
	assert.Equal(t, "bob", f.Username)

	a.Dispatch(aliceSess, []byte(`{"type":"code_change","roomId":"r1","code":"shared"}`))
	f = expectFrame(t, bob)
	assert.Equal(t, protocol.TypeCodeUpdate, f.Type)
	assert.Equal(t, "shared", f.Code)
	expectNoFrame(t, alice)
}

func TestDisconnectOfStaleEditorRestoresNewestBuffer(t *testing.T) {
	store := state.NewMemoryStore()
	seedRoom(t, store, "r1", "")
	s := NewServer(Options{FlushInterval: 20 * time.Millisecond}, store, nil, nil, nil, logging.Component(logging.Discard(), "ws"))
	defer s.Shutdown(context.Background())
	ctx := context.Background()

	aliceSess, alice := join(t, s, "c1", "r1", "alice")
	expectFrame(t, alice)
	bobSess, bob := join(t, s, "c2", "r1", "bob")
	expectFrame(t, bob)
	expectFrame(t, alice)

	s.Dispatch(bobSess, []byte(`{"type":"code_change","roomId":"r1","code":"old from bob"}`))
	s.Dispatch(aliceSess, []byte(`{"type":"code_change","roomId":"r1","code":"new from alice"}`))

	assert.Eventually(t, func() bool {
		code, err := store.GetCode(ctx, "r1")
		return err == nil && code == "new from alice"
	}, 2*time.Second, 10*time.Millisecond)

	s.Disconnect(bobSess)

	assert.Eventually(t, func() bool {
		code, err := store.GetCode(ctx, "r1")
		return err == nil && code == "new from alice"
	}, 2*time.Second, 10*time.Millisecond)
}

func TestJoinAfterShutdownIsRejected(t *testing.T) {
	store := state.NewMemoryStore()
	seedRoom(t, store, "r1", "")
	s := NewServer(Options{FlushInterval: time.Hour}, store, nil, nil, nil, logging.Component(logging.Discard(), "ws"))
	require.NoError(t, s.Shutdown(context.Background()))

	sess, late := join(t, s, "c1", "r1", "late")
	f := expectFrame(t, late)
	assert.Equal(t, protocol.TypeError, f.Type)
	assert.Equal(t, "server is shutting down", f.Message)
	assert.False(t, sess.Bound())
	assert.Equal(t, 0, s.RoomCount())

	member, err := store.IsMember(context.Background(), "r1", "late")
	require.NoError(t, err)
	assert.False(t, member)
}

func TestShutdownClosesUnboundPeers(t *testing.T) {
	s := NewServer(Options{}, state.NewMemoryStore(), nil, nil, nil, logging.Component(logging.Discard(), "ws"))

	idle := newFakePeer("c1")
	require.True(t, s.track(idle))

	require.NoError(t, s.Shutdown(context.Background()))
	assert.False(t, idle.Open())
	assert.False(t, s.track(newFakePeer("c2")))
}

// brokenStore loads no code and cannot release seats.
type brokenStore struct {
	*state.MemoryStore
	removeErr error
}

func (brokenStore) GetCode(context.Context, string) (string, error) {
	return "", fmt.Errorf("%w: get code: timeout", state.ErrStoreUnavailable)
}

func (b brokenStore) RemoveMember(ctx context.Context, roomID, username string) error {
	if b.removeErr != nil {
		return b.removeErr
	}
	return b.MemoryStore.RemoveMember(ctx, roomID, username)
}

func TestFailedJoinReleasesSeat(t *testing.T) {
	store := brokenStore{MemoryStore: state.NewMemoryStore()}
	seedRoom(t, store, "r1", "")
	s := newTestServer(t, store, nil)

	sess, peer := join(t, s, "c1", "r1", "alice")
	f := expectFrame(t, peer)
	assert.Equal(t, "unable to join room, please retry", f.Message)
	assert.False(t, sess.Bound())

	count, err := store.MemberCount(context.Background(), "r1")
	require.NoError(t, err)
	assert.Equal(t, 0, count)
}

func TestFailedSeatReleaseIsLogged(t *testing.T) {
	logger, hook := logtest.NewNullLogger()
	store := brokenStore{
		MemoryStore: state.NewMemoryStore(),
		removeErr:   fmt.Errorf("%w: remove member: timeout", state.ErrStoreUnavailable),
	}
	seedRoom(t, store, "r1", "")
	s := NewServer(Options{FlushInterval: time.Hour}, store, nil, nil, nil, logging.Component(logger, "ws"))
	defer s.Shutdown(context.Background())

	_, peer := join(t, s, "c1", "r1", "alice")
	expectFrame(t, peer)

	var found bool
	for _, entry := range hook.AllEntries() {
		if entry.Message == "Failed to release seat after failed join" {
			found = true
			assert.Equal(t, logrus.WarnLevel, entry.Level)
			assert.Equal(t, "alice", entry.Data["username"])
		}
	}
	assert.True(t, found, "seat release failure was not logged")
}
