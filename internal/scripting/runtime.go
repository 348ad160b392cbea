package scripting

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	lua "github.com/yuin/gopher-lua"
	"go.uber.org/zap"
)

// ErrRPCNotFound is returned by Call for an id no script registered.
var ErrRPCNotFound = errors.New("scripting: rpc not found")

// MatchInfo is a snapshot of a live match passed to Lua callbacks.
type MatchInfo struct {
	MatchID string
	Size    int
	MaxSize int
}

// Runtime owns one sandboxed LState holding every loaded script and the RPC
// functions they registered through engine.register_rpc.
//
// The LState is single-threaded; Runtime serializes loads and calls with a mutex.
type Runtime struct {
	mu        sync.Mutex
	L         *lua.LState
	rpcs      map[string]*lua.LFunction
	instLimit int
	logger    *zap.Logger

	// Injected after construction. nil = engine.* raises a Lua error.
	MatchList   func(limit int) []MatchInfo
	MatchCreate func() (string, error)
}

// NewRuntime creates a Runtime with an empty RPC table.
//
// Precondition: logger must be non-nil; instLimit <= 0 uses DefaultInstructionLimit.
// Postcondition: Returns a non-nil Runtime whose engine module is registered.
func NewRuntime(instLimit int, logger *zap.Logger) *Runtime {
	r := &Runtime{
		L:         NewSandboxedState(),
		rpcs:      make(map[string]*lua.LFunction),
		instLimit: instLimit,
		logger:    logger,
	}
	r.RegisterModules(r.L)
	return r
}

// LoadString executes src in the runtime. Any engine.register_rpc calls it
// makes take effect immediately.
//
// Precondition: name identifies the chunk in error messages.
// Postcondition: Returns an error on syntax or runtime failure; earlier registrations are kept.
func (r *Runtime) LoadString(name, src string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	fn, err := r.L.Load(stringReader(src), name)
	if err != nil {
		return fmt.Errorf("scripting: loading %q: %w", name, err)
	}
	err = RunLimited(context.Background(), r.L, r.instLimit, func() error {
		r.L.Push(fn)
		return r.L.PCall(0, lua.MultRet, nil)
	})
	if err != nil {
		return fmt.Errorf("scripting: running %q: %w", name, err)
	}
	r.L.SetTop(0)
	return nil
}

// LoadDir executes every *.lua file in dir in lexicographic order.
//
// Precondition: dir must be a readable directory.
// Postcondition: Returns the first load error; files before it stay loaded.
func (r *Runtime) LoadDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("scripting: reading script dir %q: %w", dir, err)
	}

	var luaFiles []string
	for _, e := range entries {
		if !e.IsDir() && filepath.Ext(e.Name()) == ".lua" {
			luaFiles = append(luaFiles, filepath.Join(dir, e.Name()))
		}
	}
	sort.Strings(luaFiles)

	for _, path := range luaFiles {
		src, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("scripting: reading %q: %w", path, err)
		}
		if err := r.LoadString(filepath.Base(path), string(src)); err != nil {
			return err
		}
	}
	return nil
}

// RPCs returns the registered RPC ids in sorted order.
func (r *Runtime) RPCs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.rpcs))
	for id := range r.rpcs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Call invokes the RPC registered under id with payload converted to a Lua
// table. A returned table becomes the result map; nil becomes an empty map;
// any other value is returned under the "value" key.
//
// Precondition: payload values must be JSON-shaped (nil, bool, float64, string, []any, map[string]any).
// Postcondition: Returns ErrRPCNotFound, a wrapped Lua error, or the result.
func (r *Runtime) Call(ctx context.Context, id string, payload map[string]any) (map[string]any, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	fn, ok := r.rpcs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrRPCNotFound, id)
	}

	var ret lua.LValue = lua.LNil
	err := RunLimited(ctx, r.L, r.instLimit, func() error {
		if err := r.L.CallByParam(lua.P{Fn: fn, NRet: 1, Protect: true}, toLua(r.L, payload)); err != nil {
			return err
		}
		ret = r.L.Get(-1)
		r.L.Pop(1)
		return nil
	})
	if err != nil {
		r.L.SetTop(0)
		r.logger.Warn("scripting: Lua runtime error",
			zap.String("rpc", id),
			zap.Error(err),
		)
		return nil, fmt.Errorf("scripting: rpc %q: %w", id, err)
	}

	switch v := fromLua(ret).(type) {
	case nil:
		return map[string]any{}, nil
	case map[string]any:
		return v, nil
	default:
		return map[string]any{"value": v}, nil
	}
}

// Close releases the LState.
func (r *Runtime) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.L.Close()
}
