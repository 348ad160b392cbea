package backend

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/cory-johannsen/matchrelay/internal/observability"
	"github.com/cory-johannsen/matchrelay/internal/rtapi"
)

func newTestMatchmaker(t *testing.T) (*Matchmaker, *Matches, *Tokens) {
	t.Helper()
	logger := zaptest.NewLogger(t)
	metrics := observability.NewMetrics()
	matches := NewMatches(8, logger, metrics)
	tokens := NewTokens("test-key", time.Hour)
	return NewMatchmaker(matches, tokens, logger, metrics), matches, tokens
}

func TestMatchmaker_RejectsBadCounts(t *testing.T) {
	mm, _, _ := newTestMatchmaker(t)
	_, err := mm.Add(newTestSession("a"), "1", rtapi.MatchmakerAdd{MinCount: 0, MaxCount: 2})
	assert.ErrorIs(t, err, ErrBadTicket)
	_, err = mm.Add(newTestSession("a"), "1", rtapi.MatchmakerAdd{MinCount: 3, MaxCount: 2})
	assert.ErrorIs(t, err, ErrBadTicket)
	assert.Equal(t, 0, mm.Len())
}

func TestMatchmaker_WaitsForMinCount(t *testing.T) {
	mm, _, _ := newTestMatchmaker(t)
	a := newTestSession("a")
	id, err := mm.Add(a, "1", rtapi.MatchmakerAdd{Query: "*", MinCount: 2, MaxCount: 2})
	require.NoError(t, err)

	envs := pending(a)
	require.Len(t, envs, 1)
	assert.Equal(t, "1", envs[0].Cid)
	assert.Equal(t, id, envs[0].MatchmakerTicket.Ticket)
	assert.Equal(t, 1, mm.Len())
}

func TestMatchmaker_MatchesPairWithJoinableToken(t *testing.T) {
	mm, matches, tokens := newTestMatchmaker(t)
	a, b := newTestSession("a"), newTestSession("b")
	ta, err := mm.Add(a, "1", rtapi.MatchmakerAdd{Query: "*", MinCount: 2, MaxCount: 2})
	require.NoError(t, err)
	tb, err := mm.Add(b, "2", rtapi.MatchmakerAdd{Query: "*", MinCount: 2, MaxCount: 2})
	require.NoError(t, err)
	assert.Equal(t, 0, mm.Len())

	aEnvs := pending(a)
	require.Len(t, aEnvs, 2)
	require.NotNil(t, aEnvs[1].MatchmakerMatched)
	assert.Equal(t, ta, aEnvs[1].MatchmakerMatched.Ticket)
	assert.Equal(t, a.Presence(), aEnvs[1].MatchmakerMatched.Self)

	bEnvs := pending(b)
	require.Len(t, bEnvs, 2)
	require.NotNil(t, bEnvs[0].MatchmakerTicket, "ticket reply precedes the match")
	assert.Equal(t, tb, bEnvs[1].MatchmakerMatched.Ticket)
	assert.ElementsMatch(t, []rtapi.Presence{a.Presence(), b.Presence()}, bEnvs[1].MatchmakerMatched.Users)

	matchID, err := tokens.ParseMatch(aEnvs[1].MatchmakerMatched.Token)
	require.NoError(t, err)
	_, err = matches.Join(a, "", matchID)
	require.NoError(t, err)
}

func TestMatchmaker_QueriesDoNotMix(t *testing.T) {
	mm, _, _ := newTestMatchmaker(t)
	_, err := mm.Add(newTestSession("a"), "", rtapi.MatchmakerAdd{Query: "mode:duel", MinCount: 2, MaxCount: 2})
	require.NoError(t, err)
	_, err = mm.Add(newTestSession("b"), "", rtapi.MatchmakerAdd{Query: "mode:ffa", MinCount: 2, MaxCount: 2})
	require.NoError(t, err)
	assert.Equal(t, 2, mm.Len())
}

func TestMatchmaker_SameSessionCountsOnce(t *testing.T) {
	mm, _, _ := newTestMatchmaker(t)
	a := newTestSession("a")
	_, err := mm.Add(a, "", rtapi.MatchmakerAdd{MinCount: 2, MaxCount: 2})
	require.NoError(t, err)
	_, err = mm.Add(a, "", rtapi.MatchmakerAdd{MinCount: 2, MaxCount: 2})
	require.NoError(t, err)
	assert.Equal(t, 2, mm.Len())
}

func TestMatchmaker_RemoveAll(t *testing.T) {
	mm, _, _ := newTestMatchmaker(t)
	a, b := newTestSession("a"), newTestSession("b")
	_, err := mm.Add(a, "", rtapi.MatchmakerAdd{MinCount: 3, MaxCount: 3})
	require.NoError(t, err)
	_, err = mm.Add(b, "", rtapi.MatchmakerAdd{MinCount: 3, MaxCount: 3})
	require.NoError(t, err)

	mm.RemoveAll(a)
	assert.Equal(t, 1, mm.Len())
}
