// Package main drives headless relay plugins through a host-style frame loop
// against a running backend: each bot registers, joins a match, sends state
// every frame, and polls what the others sent.
package main

import (
	"context"
	"encoding/binary"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/cory-johannsen/matchrelay/internal/config"
	"github.com/cory-johannsen/matchrelay/internal/host"
	"github.com/cory-johannsen/matchrelay/internal/observability"
	"github.com/cory-johannsen/matchrelay/internal/relay"
)

const opPosition int64 = 1

type botStats struct {
	name     string
	matchID  string
	sent     int
	received int
	joins    int
	leaves   int
}

func main() {
	configPath := flag.String("config", "", "path to configuration file (defaults and MATCHRELAY_* env when empty)")
	bots := flag.Int("bots", 2, "number of bots")
	frames := flag.Int("frames", 300, "frames each bot runs once in a match")
	tick := flag.Duration("tick", 16*time.Millisecond, "frame interval")
	strategy := flag.String("strategy", "quick", "join strategy: quick, shared, matchmake, or create")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("loading config: %v", err)
	}
	logger, err := observability.NewLogger(cfg.Logging, "relaybot")
	if err != nil {
		log.Fatalf("initializing logger: %v", err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	results := make([]botStats, *bots)
	g, ctx := errgroup.WithContext(ctx)
	for i := range *bots {
		g.Go(func() error {
			b := &bot{
				name:     fmt.Sprintf("bot-%d-%s", i, uuid.NewString()[:8]),
				cfg:      cfg,
				strategy: *strategy,
				tick:     *tick,
				frames:   *frames,
				logger:   logger,
			}
			stats, err := b.run(ctx)
			results[i] = stats
			return err
		})
	}
	if err := g.Wait(); err != nil {
		logger.Error("relay bots failed", zap.Error(err))
		os.Exit(1)
	}

	for _, s := range results {
		fmt.Fprintf(os.Stdout, "%s match=%s sent=%d received=%d joins=%d leaves=%d\n",
			s.name, s.matchID, s.sent, s.received, s.joins, s.leaves)
	}
}

type bot struct {
	name     string
	cfg      config.Config
	strategy string
	tick     time.Duration
	frames   int
	logger   *zap.Logger
}

// run plays one plugin until its frame budget is spent or ctx ends.
func (b *bot) run(ctx context.Context) (botStats, error) {
	stats := botStats{name: b.name}
	logger := b.logger.With(zap.String("bot", b.name))

	p := host.NewWithConfig(b.cfg.Relay, logger)
	defer p.Close()
	c := b.cfg.Client
	p.Configure(c.ServerKey, c.Host, c.Port, c.Protocol)
	p.Register(b.name+"@relaybot.local", uuid.NewString(), b.name)

	ticker := time.NewTicker(b.tick)
	defer ticker.Stop()

	joinRequested := false
	played := 0
	for played < b.frames {
		select {
		case <-ctx.Done():
			return stats, nil
		case <-ticker.C:
		}

		if msg, failed := p.Error(); failed && !p.InProgress() {
			return stats, fmt.Errorf("%s: %s", b.name, msg)
		}
		if p.InProgress() {
			continue
		}
		if !p.Authenticated() {
			return stats, fmt.Errorf("%s: session lost", b.name)
		}
		if !p.Connected() {
			if joinRequested {
				return stats, fmt.Errorf("%s: match ended", b.name)
			}
			b.join(p)
			joinRequested = true
			continue
		}
		stats.matchID = p.MatchID()

		for {
			ev, ok := p.Events()
			if !ok {
				break
			}
			if ev.Kind == relay.PeerJoined {
				stats.joins++
			} else {
				stats.leaves++
			}
		}
		for {
			if _, ok := p.TryRecv(); !ok {
				break
			}
			stats.received++
		}

		frame := make([]byte, 8)
		binary.BigEndian.PutUint64(frame, uint64(played))
		p.Send(opPosition, frame)
		stats.sent++
		played++
	}

	p.AddLeaderboardWin()
	deadline := time.After(b.cfg.Relay.OperationTimeout)
	for p.InProgress() {
		select {
		case <-ctx.Done():
			return stats, nil
		case <-deadline:
			return stats, fmt.Errorf("%s: leaderboard write timed out", b.name)
		case <-ticker.C:
		}
	}
	logger.Info("bot finished",
		zap.String("match_id", stats.matchID),
		zap.Int("sent", stats.sent),
		zap.Int("received", stats.received),
	)
	return stats, nil
}

func (b *bot) join(p *host.Plugin) {
	switch b.strategy {
	case "shared":
		p.EnsureSharedMatch()
	case "matchmake":
		p.AddMatchmaker(0, 0, "", "")
	case "create":
		p.CreatePrivateMatch()
	default:
		p.JoinQuickMatch()
	}
}
