package backend

import (
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/cory-johannsen/matchrelay/internal/observability"
	"github.com/cory-johannsen/matchrelay/internal/rtapi"
)

// ErrBadTicket is returned for a matchmaker ticket with invalid counts.
var ErrBadTicket = errors.New("invalid matchmaker ticket")

type ticket struct {
	id    string
	owner *Session
	add   rtapi.MatchmakerAdd
}

// Matchmaker groups waiting tickets by identical query. When a group reaches
// the smallest min_count among its tickets, up to the smallest max_count of
// them are matched into a freshly created match and each owner receives a
// signed token naming it.
// All methods are safe for concurrent use.
type Matchmaker struct {
	mu      sync.Mutex
	tickets []*ticket
	matches *Matches
	tokens  *Tokens
	logger  *zap.Logger
	metrics *observability.Metrics
}

// NewMatchmaker creates a Matchmaker that creates matches in matches.
//
// Precondition: all arguments must be non-nil.
func NewMatchmaker(matches *Matches, tokens *Tokens, logger *zap.Logger, metrics *observability.Metrics) *Matchmaker {
	return &Matchmaker{matches: matches, tokens: tokens, logger: logger, metrics: metrics}
}

// Add queues a ticket for s and runs matching for its query. The reply
// carrying cid is pushed to s before any matchmaker_matched for the ticket.
//
// Precondition: 1 <= add.MinCount <= add.MaxCount.
// Postcondition: Returns the ticket id, or ErrBadTicket.
func (mm *Matchmaker) Add(s *Session, cid string, add rtapi.MatchmakerAdd) (string, error) {
	if add.MinCount < 1 || add.MaxCount < add.MinCount {
		return "", fmt.Errorf("%w: min_count %d max_count %d", ErrBadTicket, add.MinCount, add.MaxCount)
	}
	if add.Query == "" {
		add.Query = "*"
	}

	mm.mu.Lock()
	defer mm.mu.Unlock()
	t := &ticket{id: uuid.NewString(), owner: s, add: add}
	mm.tickets = append(mm.tickets, t)
	mm.metrics.MatchmakerQueue.Inc()
	mm.logger.Debug("matchmaker ticket added",
		zap.String("ticket", t.id),
		zap.String("session_id", s.ID),
		zap.String("query", add.Query),
	)
	if err := s.Push(&rtapi.Envelope{Cid: cid, MatchmakerTicket: &rtapi.MatchmakerTicket{Ticket: t.id}}); err != nil {
		mm.logger.Warn("dropping matchmaker ticket reply",
			zap.String("session_id", s.ID),
			zap.Error(err),
		)
	}
	mm.processLocked(add.Query)
	return t.id, nil
}

// RemoveAll drops every ticket owned by s.
func (mm *Matchmaker) RemoveAll(s *Session) {
	mm.mu.Lock()
	defer mm.mu.Unlock()
	kept := mm.tickets[:0]
	for _, t := range mm.tickets {
		if t.owner.ID == s.ID {
			mm.metrics.MatchmakerQueue.Dec()
			continue
		}
		kept = append(kept, t)
	}
	clear(mm.tickets[len(kept):])
	mm.tickets = kept
}

// Len returns the number of waiting tickets.
func (mm *Matchmaker) Len() int {
	mm.mu.Lock()
	defer mm.mu.Unlock()
	return len(mm.tickets)
}

// Precondition: mm.mu is held.
func (mm *Matchmaker) processLocked(query string) {
	var group []*ticket
	seen := make(map[string]bool)
	minCount, maxCount := 0, 0
	for _, t := range mm.tickets {
		if t.add.Query != query || seen[t.owner.ID] {
			continue
		}
		seen[t.owner.ID] = true
		group = append(group, t)
		if minCount == 0 || t.add.MinCount < minCount {
			minCount = t.add.MinCount
		}
		if maxCount == 0 || t.add.MaxCount < maxCount {
			maxCount = t.add.MaxCount
		}
	}
	if len(group) < minCount || len(group) == 0 {
		return
	}
	if len(group) > maxCount {
		group = group[:maxCount]
	}

	matchID := mm.matches.CreateEmpty()
	token, err := mm.tokens.IssueMatch(matchID)
	if err != nil {
		mm.logger.Error("issuing matchmaker token", zap.Error(err))
		return
	}

	users := make([]rtapi.Presence, 0, len(group))
	for _, t := range group {
		users = append(users, t.owner.Presence())
	}
	matched := make(map[string]bool, len(group))
	for _, t := range group {
		matched[t.id] = true
		env := &rtapi.Envelope{MatchmakerMatched: &rtapi.MatchmakerMatched{
			Ticket: t.id,
			Token:  token,
			Users:  users,
			Self:   t.owner.Presence(),
		}}
		if err := t.owner.Push(env); err != nil {
			mm.logger.Warn("dropping matchmaker result",
				zap.String("session_id", t.owner.ID),
				zap.Error(err),
			)
		}
	}

	kept := mm.tickets[:0]
	for _, t := range mm.tickets {
		if !matched[t.id] {
			kept = append(kept, t)
		}
	}
	clear(mm.tickets[len(kept):])
	mm.tickets = kept
	mm.metrics.MatchmakerQueue.Sub(float64(len(group)))

	mm.logger.Info("matchmaker matched",
		zap.String("match_id", matchID),
		zap.String("query", query),
		zap.Int("size", len(group)),
	)
}
