package client_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cory-johannsen/matchrelay/internal/client"
	"github.com/cory-johannsen/matchrelay/internal/relay"
	"github.com/cory-johannsen/matchrelay/internal/rtapi"
)

// recorder collects handler callbacks.
type recorder struct {
	mu           sync.Mutex
	data         []relay.MatchData
	presence     []relay.PresenceUpdate
	matched      []relay.MatchmakerMatched
	disconnected chan error
}

func newRecorder() *recorder {
	return &recorder{disconnected: make(chan error, 1)}
}

func (r *recorder) handlers() relay.Handlers {
	return relay.Handlers{
		OnDisconnect: func(err error) { r.disconnected <- err },
		OnMatchData: func(d relay.MatchData) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.data = append(r.data, d)
		},
		OnMatchPresence: func(u relay.PresenceUpdate) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.presence = append(r.presence, u)
		},
		OnMatchmakerMatched: func(m relay.MatchmakerMatched) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.matched = append(r.matched, m)
		},
	}
}

func (r *recorder) dataLen() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.data)
}

func (r *recorder) presenceSnapshot() []relay.PresenceUpdate {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]relay.PresenceUpdate(nil), r.presence...)
}

func (r *recorder) matchedSnapshot() []relay.MatchmakerMatched {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]relay.MatchmakerMatched(nil), r.matched...)
}

func connectSocket(t *testing.T, c *client.Client, sess relay.Session, r *recorder) relay.Socket {
	t.Helper()
	sock := c.NewSocket()
	if r != nil {
		sock.SetHandlers(r.handlers())
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, sock.Connect(ctx, sess))
	t.Cleanup(func() { _ = sock.Close() })
	return sock
}

func TestSocket_ConnectBadToken(t *testing.T) {
	c, _ := newClient(t)
	sock := c.NewSocket()
	err := sock.Connect(context.Background(), relay.Session{Token: "bad"})
	var te *relay.TransportError
	assert.ErrorAs(t, err, &te)
}

func TestSocket_CreateJoinRelayLeave(t *testing.T) {
	c, _ := newClient(t)
	ctx := context.Background()
	aliceRec, bobRec := newRecorder(), newRecorder()
	alice := connectSocket(t, c, register(t, c, "alice"), aliceRec)
	bob := connectSocket(t, c, register(t, c, "bob"), bobRec)

	created, err := alice.CreateMatch(ctx)
	require.NoError(t, err)
	assert.Equal(t, "alice", created.Self.Username)
	require.Len(t, created.Presences, 1)

	joined, err := bob.JoinMatch(ctx, created.MatchID, "")
	require.NoError(t, err)
	assert.Len(t, joined.Presences, 2)

	require.Eventually(t, func() bool { return len(aliceRec.presenceSnapshot()) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, joined.Self, aliceRec.presenceSnapshot()[0].Joins[0])

	require.NoError(t, bob.SendMatchState(created.MatchID, 5, []byte{1, 2, 3}))
	require.Eventually(t, func() bool { return aliceRec.dataLen() == 1 }, 2*time.Second, 10*time.Millisecond)
	aliceRec.mu.Lock()
	d := aliceRec.data[0]
	aliceRec.mu.Unlock()
	assert.Equal(t, int64(5), d.OpCode)
	assert.Equal(t, []byte{1, 2, 3}, d.Data)
	assert.Equal(t, joined.Self.SessionID, d.Presence.SessionID)
	assert.Equal(t, 0, bobRec.dataLen(), "sender does not receive its own data")

	require.NoError(t, bob.LeaveMatch(ctx, created.MatchID))
	require.Eventually(t, func() bool { return len(aliceRec.presenceSnapshot()) == 2 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, joined.Self, aliceRec.presenceSnapshot()[1].Leaves[0])
}

func TestSocket_JoinMissingMatch(t *testing.T) {
	c, _ := newClient(t)
	sock := connectSocket(t, c, register(t, c, "alice"), nil)

	_, err := sock.JoinMatch(context.Background(), "gone.", "")
	assert.ErrorIs(t, err, relay.ErrMatchNotFound)
	var rtErr *rtapi.Error
	require.ErrorAs(t, err, &rtErr)
	assert.Equal(t, rtapi.CodeMatchNotFound, rtErr.Code)
}

func TestSocket_LeaveNotJoined(t *testing.T) {
	c, _ := newClient(t)
	sock := connectSocket(t, c, register(t, c, "alice"), nil)
	err := sock.LeaveMatch(context.Background(), "nope.")
	var rtErr *rtapi.Error
	assert.ErrorAs(t, err, &rtErr)
}

func TestSocket_Matchmaker(t *testing.T) {
	c, _ := newClient(t)
	ctx := context.Background()
	aliceRec, bobRec := newRecorder(), newRecorder()
	alice := connectSocket(t, c, register(t, c, "alice"), aliceRec)
	bob := connectSocket(t, c, register(t, c, "bob"), bobRec)
	ticket := relay.MatchmakerTicket{Query: "*", MinCount: 2, MaxCount: 2}

	ta, err := alice.AddMatchmaker(ctx, ticket)
	require.NoError(t, err)
	_, err = bob.AddMatchmaker(ctx, ticket)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return len(aliceRec.matchedSnapshot()) == 1 }, 2*time.Second, 10*time.Millisecond)
	m := aliceRec.matchedSnapshot()[0]
	assert.Equal(t, ta, m.Ticket)
	assert.Len(t, m.Users, 2)

	joined, err := alice.JoinMatch(ctx, "", m.Token)
	require.NoError(t, err)
	assert.NotEmpty(t, joined.MatchID)
}

func TestSocket_BadMatchmakerTicket(t *testing.T) {
	c, _ := newClient(t)
	sock := connectSocket(t, c, register(t, c, "alice"), nil)
	_, err := sock.AddMatchmaker(context.Background(), relay.MatchmakerTicket{MinCount: 3, MaxCount: 1})
	var rtErr *rtapi.Error
	require.ErrorAs(t, err, &rtErr)
	assert.Equal(t, rtapi.CodeMatchmakerBadRequest, rtErr.Code)
}

func TestSocket_CloseIsQuiet(t *testing.T) {
	c, _ := newClient(t)
	rec := newRecorder()
	sock := connectSocket(t, c, register(t, c, "alice"), rec)

	require.NoError(t, sock.Close())
	select {
	case err := <-rec.disconnected:
		t.Fatalf("OnDisconnect called after Close: %v", err)
	case <-time.After(200 * time.Millisecond):
	}

	_, err := sock.CreateMatch(context.Background())
	assert.ErrorIs(t, err, client.ErrSocketClosed)
	assert.Error(t, sock.SendMatchState("m.", 1, nil))
}

func TestSocket_ServerLossCallsOnDisconnect(t *testing.T) {
	c, b := newClient(t)
	rec := newRecorder()
	connectSocket(t, c, register(t, c, "alice"), rec)

	b.Server.DisconnectAll()
	select {
	case <-rec.disconnected:
	case <-time.After(3 * time.Second):
		t.Fatal("OnDisconnect not called")
	}
}

func TestSocket_RequestHonoursContext(t *testing.T) {
	c, _ := newClient(t)
	sock := connectSocket(t, c, register(t, c, "alice"), nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := sock.CreateMatch(ctx)
	var te *relay.TransportError
	require.ErrorAs(t, err, &te)
	assert.True(t, errors.Is(err, context.Canceled))
}
