package backend

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"io/fs"

	"go.uber.org/zap"

	"github.com/cory-johannsen/matchrelay/internal/observability"
	"github.com/cory-johannsen/matchrelay/internal/scripting"
)

//go:embed scripts/*.lua
var builtinScripts embed.FS

// RPC dispatches server functions to the Lua runtime.
type RPC struct {
	runtime *scripting.Runtime
	metrics *observability.Metrics
	logger  *zap.Logger
}

// NewRPC creates a Lua runtime bound to matches, loads the built-in scripts,
// then every script in scriptsDir when it is non-empty.
//
// Precondition: matches, metrics, and logger must be non-nil.
// Postcondition: Returns an RPC with find_match registered, or a load error.
func NewRPC(matches *Matches, scriptsDir string, instLimit int, metrics *observability.Metrics, logger *zap.Logger) (*RPC, error) {
	rt := scripting.NewRuntime(instLimit, logger)
	rt.MatchList = func(limit int) []scripting.MatchInfo {
		summaries := matches.List(limit)
		out := make([]scripting.MatchInfo, 0, len(summaries))
		for _, s := range summaries {
			out = append(out, scripting.MatchInfo{MatchID: s.MatchID, Size: s.Size, MaxSize: s.MaxSize})
		}
		return out
	}
	rt.MatchCreate = func() (string, error) {
		return matches.CreateEmpty(), nil
	}

	err := fs.WalkDir(builtinScripts, "scripts", func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		src, err := builtinScripts.ReadFile(path)
		if err != nil {
			return err
		}
		return rt.LoadString(d.Name(), string(src))
	})
	if err != nil {
		rt.Close()
		return nil, fmt.Errorf("loading built-in scripts: %w", err)
	}
	if scriptsDir != "" {
		if err := rt.LoadDir(scriptsDir); err != nil {
			rt.Close()
			return nil, err
		}
	}

	logger.Info("rpc runtime loaded", zap.Strings("rpcs", rt.RPCs()))
	return &RPC{runtime: rt, metrics: metrics, logger: logger}, nil
}

// Call invokes the RPC id with payload.
//
// Postcondition: Returns the result map, or an error wrapping scripting.ErrRPCNotFound or the Lua failure.
func (r *RPC) Call(ctx context.Context, id string, payload map[string]any) (map[string]any, error) {
	out, err := r.runtime.Call(ctx, id, payload)
	label, result := id, "ok"
	switch {
	case errors.Is(err, scripting.ErrRPCNotFound):
		label, result = "unknown", "not_found"
	case err != nil:
		result = "error"
	}
	r.metrics.RPCCalls.WithLabelValues(label, result).Inc()
	return out, err
}

// Close releases the Lua runtime.
func (r *RPC) Close() {
	r.runtime.Close()
}
