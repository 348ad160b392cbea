package host

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"

	"github.com/cory-johannsen/matchrelay/internal/relay"
)

// AddLeaderboardWin adds a score of 1 to the configured leaderboard.
func (p *Plugin) AddLeaderboardWin() {
	ctrl, api, ok := p.configured("add_leaderboard_win")
	if !ok {
		return
	}
	board := p.cfg.Leaderboard
	_, err := ctrl.Go("leaderboard_win", func(ctx context.Context, sess relay.Session) error {
		rec, err := api.WriteLeaderboardRecord(ctx, sess, board, 1)
		if err != nil {
			return err
		}
		p.logger.Debug("leaderboard win recorded",
			zap.String("board", board),
			zap.Int64("score", rec.Score),
		)
		return nil
	})
	p.started(err, "add_leaderboard_win")
}

// LoadLeaderboardRecords fetches up to the configured number of pages of the
// leaderboard in the background. LeaderboardRecords serves the result.
func (p *Plugin) LoadLeaderboardRecords() {
	ctrl, api, ok := p.configured("load_leaderboard_records")
	if !ok {
		return
	}
	board, pages, size := p.cfg.Leaderboard, p.cfg.LeaderboardPages, p.cfg.LeaderboardPageSize
	_, err := ctrl.Go("leaderboard_load", func(ctx context.Context, sess relay.Session) error {
		var (
			entries []LeaderboardEntry
			cursor  string
		)
		for range pages {
			page, err := api.ListLeaderboardRecords(ctx, sess, board, size, cursor)
			if err != nil {
				return err
			}
			for _, r := range page.Records {
				entries = append(entries, LeaderboardEntry{Username: r.Username, Score: r.Score})
			}
			cursor = page.NextCursor
			if cursor == "" {
				break
			}
		}
		p.mu.Lock()
		p.records = entries
		p.mu.Unlock()
		return nil
	})
	p.started(err, "load_leaderboard_records")
}

// LeaderboardRecords returns the last loaded records as a JSON array of
// {"username","score"} objects, "[]" before any load.
func (p *Plugin) LeaderboardRecords() string {
	p.mu.Lock()
	records := p.records
	p.mu.Unlock()
	if records == nil {
		records = []LeaderboardEntry{}
	}
	out, err := json.Marshal(records)
	if err != nil {
		return "[]"
	}
	return string(out)
}
