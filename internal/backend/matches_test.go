package backend

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"pgregory.net/rapid"

	"github.com/cory-johannsen/matchrelay/internal/observability"
	"github.com/cory-johannsen/matchrelay/internal/rtapi"
)

func newTestMatches(t testing.TB, maxSize int) *Matches {
	t.Helper()
	return NewMatches(maxSize, zaptest.NewLogger(t), observability.NewMetrics())
}

func newTestSession(id string) *Session {
	return NewSession(id, "user-"+id, "name-"+id, 64)
}

// pending returns every envelope queued on s without blocking.
func pending(s *Session) []*rtapi.Envelope {
	var out []*rtapi.Envelope
	for {
		select {
		case env := <-s.Outbound():
			out = append(out, env)
		default:
			return out
		}
	}
}

func TestMatches_CreateRepliesWithSelf(t *testing.T) {
	r := newTestMatches(t, 4)
	a := newTestSession("a")

	m, err := r.Create(a, "1")
	require.NoError(t, err)
	assert.Equal(t, a.Presence(), m.Self)
	assert.Equal(t, 1, m.Size)

	envs := pending(a)
	require.Len(t, envs, 1)
	assert.Equal(t, "1", envs[0].Cid)
	require.NotNil(t, envs[0].Match)
	assert.Equal(t, m.MatchID, envs[0].Match.MatchID)
}

func TestMatches_JoinNotifiesExistingThenReplies(t *testing.T) {
	r := newTestMatches(t, 4)
	a, b := newTestSession("a"), newTestSession("b")
	m, err := r.Create(a, "1")
	require.NoError(t, err)
	pending(a)

	joined, err := r.Join(b, "7", m.MatchID)
	require.NoError(t, err)
	assert.Equal(t, []rtapi.Presence{a.Presence(), b.Presence()}, joined.Presences)

	aEnvs := pending(a)
	require.Len(t, aEnvs, 1)
	require.NotNil(t, aEnvs[0].MatchPresenceEvent)
	assert.Equal(t, []rtapi.Presence{b.Presence()}, aEnvs[0].MatchPresenceEvent.Joins)
	assert.Empty(t, aEnvs[0].MatchPresenceEvent.Leaves)

	bEnvs := pending(b)
	require.Len(t, bEnvs, 1)
	assert.Equal(t, "7", bEnvs[0].Cid)
}

func TestMatches_JoinUnknown(t *testing.T) {
	r := newTestMatches(t, 4)
	_, err := r.Join(newTestSession("a"), "1", "missing.")
	assert.ErrorIs(t, err, ErrMatchNotFound)
}

func TestMatches_JoinFull(t *testing.T) {
	r := newTestMatches(t, 2)
	m, err := r.Create(newTestSession("a"), "")
	require.NoError(t, err)
	_, err = r.Join(newTestSession("b"), "", m.MatchID)
	require.NoError(t, err)

	_, err = r.Join(newTestSession("c"), "", m.MatchID)
	assert.ErrorIs(t, err, ErrMatchFull)
}

func TestMatches_RejoinIsIdempotent(t *testing.T) {
	r := newTestMatches(t, 4)
	a, b := newTestSession("a"), newTestSession("b")
	m, err := r.Create(a, "")
	require.NoError(t, err)
	_, err = r.Join(b, "", m.MatchID)
	require.NoError(t, err)
	pending(a)

	again, err := r.Join(b, "", m.MatchID)
	require.NoError(t, err)
	assert.Equal(t, 2, again.Size)
	assert.Empty(t, pending(a), "rejoin must not announce b twice")
}

func TestMatches_LeaveNotifiesAndLastLeaveCloses(t *testing.T) {
	r := newTestMatches(t, 4)
	a, b := newTestSession("a"), newTestSession("b")
	m, err := r.Create(a, "")
	require.NoError(t, err)
	_, err = r.Join(b, "", m.MatchID)
	require.NoError(t, err)
	pending(a)
	pending(b)

	require.NoError(t, r.Leave(b, m.MatchID))
	aEnvs := pending(a)
	require.Len(t, aEnvs, 1)
	assert.Equal(t, []rtapi.Presence{b.Presence()}, aEnvs[0].MatchPresenceEvent.Leaves)
	assert.Empty(t, pending(b), "the leaver gets no presence event about itself")

	require.NoError(t, r.Leave(a, m.MatchID))
	assert.Equal(t, 0, r.Count())
	_, err = r.Join(b, "", m.MatchID)
	assert.ErrorIs(t, err, ErrMatchNotFound)
}

func TestMatches_LeaveNotMember(t *testing.T) {
	r := newTestMatches(t, 4)
	m, err := r.Create(newTestSession("a"), "")
	require.NoError(t, err)
	assert.ErrorIs(t, r.Leave(newTestSession("b"), m.MatchID), ErrNotInMatch)
	assert.ErrorIs(t, r.Leave(newTestSession("b"), "missing."), ErrMatchNotFound)
}

func TestMatches_LeaveAll(t *testing.T) {
	r := newTestMatches(t, 4)
	a, b := newTestSession("a"), newTestSession("b")
	m1, err := r.Create(a, "")
	require.NoError(t, err)
	m2, err := r.Create(b, "")
	require.NoError(t, err)
	_, err = r.Join(a, "", m2.MatchID)
	require.NoError(t, err)

	r.LeaveAll(a)
	_, err = r.Presences(m1.MatchID)
	assert.ErrorIs(t, err, ErrMatchNotFound)
	ps, err := r.Presences(m2.MatchID)
	require.NoError(t, err)
	assert.Equal(t, []rtapi.Presence{b.Presence()}, ps)
}

func TestMatches_RelaySkipsSender(t *testing.T) {
	r := newTestMatches(t, 4)
	a, b, c := newTestSession("a"), newTestSession("b"), newTestSession("c")
	m, err := r.Create(a, "")
	require.NoError(t, err)
	_, err = r.Join(b, "", m.MatchID)
	require.NoError(t, err)
	_, err = r.Join(c, "", m.MatchID)
	require.NoError(t, err)
	pending(a)
	pending(b)
	pending(c)

	n, err := r.Relay(a, m.MatchID, 3, []byte("hi"))
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Empty(t, pending(a))
	for _, s := range []*Session{b, c} {
		envs := pending(s)
		require.Len(t, envs, 1)
		require.NotNil(t, envs[0].MatchData)
		assert.Equal(t, int64(3), envs[0].MatchData.OpCode)
		assert.Equal(t, []byte("hi"), envs[0].MatchData.Data)
		assert.Equal(t, a.Presence(), envs[0].MatchData.Presence)
	}
}

func TestMatches_RelayNotMember(t *testing.T) {
	r := newTestMatches(t, 4)
	m, err := r.Create(newTestSession("a"), "")
	require.NoError(t, err)
	_, err = r.Relay(newTestSession("b"), m.MatchID, 1, nil)
	assert.ErrorIs(t, err, ErrNotInMatch)
}

func TestMatches_ListOpenOldestFirst(t *testing.T) {
	r := newTestMatches(t, 1)
	full, err := r.Create(newTestSession("a"), "")
	require.NoError(t, err)
	first := r.CreateEmpty()
	second := r.CreateEmpty()

	list := r.List(10)
	ids := make([]string, 0, len(list))
	for _, s := range list {
		ids = append(ids, s.MatchID)
	}
	assert.NotContains(t, ids, full.MatchID)
	assert.Equal(t, []string{first, second}, ids)
	assert.Len(t, r.List(1), 1)
}

func TestMatches_ClosedSessionMissesEnvelopes(t *testing.T) {
	r := newTestMatches(t, 4)
	a, b := newTestSession("a"), newTestSession("b")
	m, err := r.Create(a, "")
	require.NoError(t, err)
	require.NoError(t, a.Close())

	_, err = r.Join(b, "", m.MatchID)
	require.NoError(t, err)
}

// Presences always reflect joins minus leaves, in join order.
func TestPropertyMatches_PresencesTrackMembership(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		r := newTestMatches(t, 8)
		host := newTestSession("host")
		m, err := r.Create(host, "")
		if err != nil {
			rt.Fatal(err)
		}
		sessions := make([]*Session, 6)
		for i := range sessions {
			sessions[i] = newTestSession(string(rune('a' + i)))
		}
		model := []string{"host"}
		steps := rapid.IntRange(1, 30).Draw(rt, "steps")
		for i := 0; i < steps; i++ {
			s := sessions[rapid.IntRange(0, len(sessions)-1).Draw(rt, "session")]
			if rapid.Bool().Draw(rt, "join") {
				if _, err := r.Join(s, "", m.MatchID); err != nil {
					rt.Fatalf("join %s: %v", s.ID, err)
				}
				if !containsID(model, s.ID) {
					model = append(model, s.ID)
				}
			} else {
				err := r.Leave(s, m.MatchID)
				if containsID(model, s.ID) != (err == nil) {
					rt.Fatalf("leave %s: %v (member=%v)", s.ID, err, containsID(model, s.ID))
				}
				model = removeID(model, s.ID)
			}
			ps, err := r.Presences(m.MatchID)
			if err != nil {
				rt.Fatal(err)
			}
			got := make([]string, 0, len(ps))
			for _, p := range ps {
				got = append(got, p.SessionID)
			}
			if !assert.ObjectsAreEqual(model, got) {
				rt.Fatalf("presences %v, want %v", got, model)
			}
		}
	})
}

func containsID(ids []string, id string) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}

func removeID(ids []string, id string) []string {
	out := ids[:0]
	for _, v := range ids {
		if v != id {
			out = append(out, v)
		}
	}
	return out
}
