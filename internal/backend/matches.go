package backend

import (
	"cmp"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/cory-johannsen/matchrelay/internal/observability"
	"github.com/cory-johannsen/matchrelay/internal/rtapi"
)

// ErrMatchNotFound is returned for a match id that is not registered.
var ErrMatchNotFound = errors.New("match not found")

// ErrMatchFull is returned when a match has no open slot.
var ErrMatchFull = errors.New("match full")

// ErrNotInMatch is returned when a session acts on a match it has not joined.
var ErrNotInMatch = errors.New("session not in match")

// MatchSummary describes a live match.
type MatchSummary struct {
	MatchID string
	Size    int
	MaxSize int
}

type match struct {
	id      string
	members map[string]*Session // session id → session
	order   []string            // session ids in join order
	created time.Time
}

func (m *match) presences() []rtapi.Presence {
	out := make([]rtapi.Presence, 0, len(m.order))
	for _, sid := range m.order {
		out = append(out, m.members[sid].Presence())
	}
	return out
}

func (m *match) remove(sid string) {
	delete(m.members, sid)
	for i, id := range m.order {
		if id == sid {
			m.order = append(m.order[:i], m.order[i+1:]...)
			return
		}
	}
}

// Matches relays state between the presences of each match. A match is
// removed when its last presence leaves; a match created empty (by the
// matchmaker or an RPC) lives until its first presence joins and leaves.
// All methods are safe for concurrent use.
type Matches struct {
	mu      sync.RWMutex
	matches map[string]*match
	byUser  map[string]map[string]bool // session id → set of match ids
	maxSize int
	logger  *zap.Logger
	metrics *observability.Metrics
}

// NewMatches creates an empty registry.
//
// Precondition: maxSize >= 1; logger and metrics must be non-nil.
func NewMatches(maxSize int, logger *zap.Logger, metrics *observability.Metrics) *Matches {
	return &Matches{
		matches: make(map[string]*match),
		byUser:  make(map[string]map[string]bool),
		maxSize: maxSize,
		logger:  logger,
		metrics: metrics,
	}
}

func newMatchID() string {
	return uuid.NewString() + "."
}

// CreateEmpty registers a match with no presences.
//
// Postcondition: Returns the new match id.
func (r *Matches) CreateEmpty() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := newMatchID()
	r.matches[id] = &match{id: id, members: make(map[string]*Session), created: time.Now()}
	r.metrics.MatchesActive.Inc()
	return id
}

// Create registers a match and joins s to it. The reply carrying cid is
// pushed to s before any later notification for the match.
//
// Postcondition: Returns the match as seen by s.
func (r *Matches) Create(s *Session, cid string) (rtapi.Match, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := newMatchID()
	m := &match{id: id, members: make(map[string]*Session), created: time.Now()}
	r.matches[id] = m
	r.metrics.MatchesActive.Inc()
	return r.joinLocked(m, s, cid), nil
}

// Join adds s to matchID and notifies the existing presences. The reply
// carrying cid is pushed to s under the registry lock, so it precedes every
// presence or data notification for the match.
//
// Postcondition: Returns the match as seen by s, or ErrMatchNotFound / ErrMatchFull.
func (r *Matches) Join(s *Session, cid, matchID string) (rtapi.Match, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.matches[matchID]
	if !ok {
		return rtapi.Match{}, fmt.Errorf("%w: %s", ErrMatchNotFound, matchID)
	}
	if _, joined := m.members[s.ID]; joined {
		out := rtapi.Match{MatchID: m.id, Size: len(m.order), Self: s.Presence(), Presences: m.presences()}
		r.deliver(s, &rtapi.Envelope{Cid: cid, Match: &out})
		return out, nil
	}
	if len(m.order) >= r.maxSize {
		return rtapi.Match{}, fmt.Errorf("%w: %s", ErrMatchFull, matchID)
	}
	return r.joinLocked(m, s, cid), nil
}

// Precondition: r.mu is held and s is not a member of m.
func (r *Matches) joinLocked(m *match, s *Session, cid string) rtapi.Match {
	self := s.Presence()
	event := &rtapi.Envelope{MatchPresenceEvent: &rtapi.MatchPresenceEvent{MatchID: m.id, Joins: []rtapi.Presence{self}}}
	for _, sid := range m.order {
		r.deliver(m.members[sid], event)
	}

	m.members[s.ID] = s
	m.order = append(m.order, s.ID)
	if r.byUser[s.ID] == nil {
		r.byUser[s.ID] = make(map[string]bool)
	}
	r.byUser[s.ID][m.id] = true
	r.metrics.Presences.Inc()

	out := rtapi.Match{MatchID: m.id, Size: len(m.order), Self: self, Presences: m.presences()}
	r.deliver(s, &rtapi.Envelope{Cid: cid, Match: &out})

	r.logger.Debug("match joined",
		zap.String("match_id", m.id),
		zap.String("session_id", s.ID),
		zap.Int("size", len(m.order)),
	)
	return out
}

// Leave removes s from matchID and notifies the remaining presences.
//
// Postcondition: Returns ErrMatchNotFound or ErrNotInMatch when there was nothing to leave.
func (r *Matches) Leave(s *Session, matchID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.matches[matchID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrMatchNotFound, matchID)
	}
	if _, joined := m.members[s.ID]; !joined {
		return fmt.Errorf("%w: %s", ErrNotInMatch, matchID)
	}
	r.leaveLocked(m, s)
	return nil
}

// LeaveAll removes s from every match it joined. Used when a socket closes.
func (r *Matches) LeaveAll(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id := range r.byUser[s.ID] {
		if m, ok := r.matches[id]; ok {
			r.leaveLocked(m, s)
		}
	}
	delete(r.byUser, s.ID)
}

// Precondition: r.mu is held and s is a member of m.
func (r *Matches) leaveLocked(m *match, s *Session) {
	m.remove(s.ID)
	if set := r.byUser[s.ID]; set != nil {
		delete(set, m.id)
		if len(set) == 0 {
			delete(r.byUser, s.ID)
		}
	}
	r.metrics.Presences.Dec()

	if len(m.order) == 0 {
		delete(r.matches, m.id)
		r.metrics.MatchesActive.Dec()
		r.logger.Debug("match closed", zap.String("match_id", m.id))
		return
	}
	event := &rtapi.Envelope{MatchPresenceEvent: &rtapi.MatchPresenceEvent{MatchID: m.id, Leaves: []rtapi.Presence{s.Presence()}}}
	for _, sid := range m.order {
		r.deliver(m.members[sid], event)
	}
}

// Relay sends data from s to every other presence in matchID.
//
// Postcondition: Returns the number of recipients, or ErrMatchNotFound / ErrNotInMatch.
func (r *Matches) Relay(s *Session, matchID string, opCode int64, data []byte) (int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.matches[matchID]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrMatchNotFound, matchID)
	}
	if _, joined := m.members[s.ID]; !joined {
		return 0, fmt.Errorf("%w: %s", ErrNotInMatch, matchID)
	}
	env := &rtapi.Envelope{MatchData: &rtapi.MatchData{MatchID: matchID, Presence: s.Presence(), OpCode: opCode, Data: data}}
	n := 0
	for _, sid := range m.order {
		if sid == s.ID {
			continue
		}
		r.deliver(m.members[sid], env)
		n++
	}
	if n > 0 {
		r.metrics.MatchDataRelays.Inc()
	}
	return n, nil
}

// Presences returns the presences of matchID in join order.
func (r *Matches) Presences(matchID string) ([]rtapi.Presence, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.matches[matchID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrMatchNotFound, matchID)
	}
	return m.presences(), nil
}

// List returns up to limit matches with an open slot, oldest first.
func (r *Matches) List(limit int) []MatchSummary {
	r.mu.RLock()
	defer r.mu.RUnlock()
	open := make([]*match, 0, len(r.matches))
	for _, m := range r.matches {
		if len(m.order) < r.maxSize {
			open = append(open, m)
		}
	}
	slices.SortFunc(open, func(a, b *match) int {
		if c := a.created.Compare(b.created); c != 0 {
			return c
		}
		return cmp.Compare(a.id, b.id)
	})
	if limit >= 0 && len(open) > limit {
		open = open[:limit]
	}
	out := make([]MatchSummary, 0, len(open))
	for _, m := range open {
		out = append(out, MatchSummary{MatchID: m.id, Size: len(m.order), MaxSize: r.maxSize})
	}
	return out
}

// Count returns the number of registered matches.
func (r *Matches) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.matches)
}

// deliver pushes env to s. A full or closed session misses the envelope.
func (r *Matches) deliver(s *Session, env *rtapi.Envelope) {
	if err := s.Push(env); err != nil {
		r.logger.Warn("dropping realtime envelope",
			zap.String("session_id", s.ID),
			zap.Error(err),
		)
	}
}
