package backend

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"strconv"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// Leaderboard sort orders.
const (
	SortDescending = "desc"
	SortAscending  = "asc"
)

// Leaderboard operators applied when a record is written.
const (
	OperatorIncrement = "incr"
	OperatorSet       = "set"
	OperatorBest      = "best"
)

// ErrLeaderboardNotFound is returned for an undefined board id.
var ErrLeaderboardNotFound = errors.New("leaderboard not found")

// ErrRecordNotFound is returned by RecordStore.Get for an owner with no record.
var ErrRecordNotFound = errors.New("leaderboard record not found")

// ErrBadCursor is returned for a cursor that did not come from List.
var ErrBadCursor = errors.New("invalid leaderboard cursor")

// LeaderboardDef declares one leaderboard.
type LeaderboardDef struct {
	ID       string `yaml:"id"`
	Sort     string `yaml:"sort"`
	Operator string `yaml:"operator"`
}

// Record is one owner's entry on a board. Rank is 1-based and only set by List.
type Record struct {
	Board     string
	OwnerID   string
	Username  string
	Score     int64
	Rank      int64
	UpdatedAt time.Time
}

// RecordStore persists leaderboard records.
type RecordStore interface {
	// Get returns the owner's record or ErrRecordNotFound.
	Get(ctx context.Context, board, owner string) (Record, error)
	// Put inserts or replaces the record for (rec.Board, rec.OwnerID).
	Put(ctx context.Context, rec Record) error
	// List returns records ordered by score (ascending when asc), then update time, then owner.
	List(ctx context.Context, board string, asc bool, offset, limit int) ([]Record, error)
}

// DefaultLeaderboards is used when no definitions file is configured.
func DefaultLeaderboards() []LeaderboardDef {
	return []LeaderboardDef{{ID: "wins", Sort: SortDescending, Operator: OperatorIncrement}}
}

// ParseLeaderboards decodes a YAML list of leaderboard definitions. Missing
// sort and operator fields default to desc and incr.
//
// Postcondition: Returns the definitions or an error naming the first invalid one.
func ParseLeaderboards(data []byte) ([]LeaderboardDef, error) {
	var doc struct {
		Leaderboards []LeaderboardDef `yaml:"leaderboards"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parsing leaderboards: %w", err)
	}
	seen := make(map[string]bool, len(doc.Leaderboards))
	for i := range doc.Leaderboards {
		d := &doc.Leaderboards[i]
		if d.Sort == "" {
			d.Sort = SortDescending
		}
		if d.Operator == "" {
			d.Operator = OperatorIncrement
		}
		switch {
		case d.ID == "":
			return nil, fmt.Errorf("leaderboard %d: id is required", i)
		case seen[d.ID]:
			return nil, fmt.Errorf("leaderboard %q: duplicate id", d.ID)
		case d.Sort != SortDescending && d.Sort != SortAscending:
			return nil, fmt.Errorf("leaderboard %q: unknown sort %q", d.ID, d.Sort)
		case d.Operator != OperatorIncrement && d.Operator != OperatorSet && d.Operator != OperatorBest:
			return nil, fmt.Errorf("leaderboard %q: unknown operator %q", d.ID, d.Operator)
		}
		seen[d.ID] = true
	}
	return doc.Leaderboards, nil
}

// LoadLeaderboards reads definitions from a YAML file.
func LoadLeaderboards(path string) ([]LeaderboardDef, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading leaderboards %q: %w", path, err)
	}
	return ParseLeaderboards(data)
}

// Leaderboards applies board operators and pages ranked records.
type Leaderboards struct {
	mu    sync.Mutex
	defs  map[string]LeaderboardDef
	store RecordStore
	now   func() time.Time
}

// NewLeaderboards creates a Leaderboards service.
//
// Precondition: store must be non-nil; defs must have unique ids.
func NewLeaderboards(defs []LeaderboardDef, store RecordStore) *Leaderboards {
	m := make(map[string]LeaderboardDef, len(defs))
	for _, d := range defs {
		m[d.ID] = d
	}
	return &Leaderboards{defs: m, store: store, now: time.Now}
}

// Write submits score for owner on board and applies the board's operator:
// incr adds, set replaces, best keeps the better of old and new under the board's sort.
//
// Postcondition: Returns the stored record, or ErrLeaderboardNotFound.
func (l *Leaderboards) Write(ctx context.Context, board, owner, username string, score int64) (Record, error) {
	def, ok := l.defs[board]
	if !ok {
		return Record{}, fmt.Errorf("%w: %s", ErrLeaderboardNotFound, board)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	rec := Record{Board: board, OwnerID: owner, Username: username, Score: score}
	prev, err := l.store.Get(ctx, board, owner)
	switch {
	case errors.Is(err, ErrRecordNotFound):
	case err != nil:
		return Record{}, err
	default:
		switch def.Operator {
		case OperatorIncrement:
			rec.Score = prev.Score + score
		case OperatorBest:
			if (def.Sort == SortDescending && prev.Score > score) || (def.Sort == SortAscending && prev.Score < score) {
				rec.Score = prev.Score
			}
		}
	}
	rec.UpdatedAt = l.now().UTC()
	if err := l.store.Put(ctx, rec); err != nil {
		return Record{}, err
	}
	return rec, nil
}

// List returns up to limit ranked records starting at cursor ("" for the
// first page) and the cursor of the next page ("" when there is none).
//
// Precondition: 1 <= limit <= 100.
// Postcondition: Returns ErrLeaderboardNotFound or ErrBadCursor on bad input.
func (l *Leaderboards) List(ctx context.Context, board string, limit int, cursor string) ([]Record, string, error) {
	def, ok := l.defs[board]
	if !ok {
		return nil, "", fmt.Errorf("%w: %s", ErrLeaderboardNotFound, board)
	}
	limit = min(max(limit, 1), 100)
	offset, err := decodeCursor(cursor)
	if err != nil {
		return nil, "", err
	}

	recs, err := l.store.List(ctx, board, def.Sort == SortAscending, offset, limit+1)
	if err != nil {
		return nil, "", err
	}
	next := ""
	if len(recs) > limit {
		recs = recs[:limit]
		next = encodeCursor(offset + limit)
	}
	for i := range recs {
		recs[i].Rank = int64(offset + i + 1)
	}
	return recs, next, nil
}

func encodeCursor(offset int) string {
	return base64.RawURLEncoding.EncodeToString([]byte(strconv.Itoa(offset)))
}

func decodeCursor(cursor string) (int, error) {
	if cursor == "" {
		return 0, nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrBadCursor, err)
	}
	offset, err := strconv.Atoi(string(raw))
	if err != nil || offset < 0 {
		return 0, ErrBadCursor
	}
	return offset, nil
}
