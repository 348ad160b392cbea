package scripting_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
	"pgregory.net/rapid"

	"github.com/cory-johannsen/matchrelay/internal/scripting"
)

func newTestRuntime(t testing.TB) (*scripting.Runtime, *observer.ObservedLogs) {
	t.Helper()
	core, logs := observer.New(zap.DebugLevel)
	r := scripting.NewRuntime(0, zap.New(core))
	t.Cleanup(r.Close)
	return r, logs
}

func TestRuntime_RegisterAndCall(t *testing.T) {
	r, _ := newTestRuntime(t)
	require.NoError(t, r.LoadString("echo.lua", `
		engine.register_rpc("echo", function(payload)
			return { kind = payload.kind, n = payload.n + 1, tags = payload.tags }
		end)
	`))
	assert.Equal(t, []string{"echo"}, r.RPCs())

	out, err := r.Call(context.Background(), "echo", map[string]any{"kind": "public", "n": 1.0, "tags": []any{"a", "b"}})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"kind": "public", "n": 2.0, "tags": []any{"a", "b"}}, out)
}

func TestRuntime_NilAndScalarReturns(t *testing.T) {
	r, _ := newTestRuntime(t)
	require.NoError(t, r.LoadString("ret.lua", `
		engine.register_rpc("none", function() end)
		engine.register_rpc("scalar", function() return "ok" end)
	`))

	out, err := r.Call(context.Background(), "none", nil)
	require.NoError(t, err)
	assert.Empty(t, out)

	out, err = r.Call(context.Background(), "scalar", nil)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"value": "ok"}, out)
}

func TestRuntime_UnknownRPC(t *testing.T) {
	r, _ := newTestRuntime(t)
	_, err := r.Call(context.Background(), "missing", nil)
	assert.ErrorIs(t, err, scripting.ErrRPCNotFound)
}

func TestRuntime_LuaErrorIsReturnedAndLogged(t *testing.T) {
	r, logs := newTestRuntime(t)
	require.NoError(t, r.LoadString("bad.lua", `
		engine.register_rpc("bad", function() error("intentional error") end)
	`))
	_, err := r.Call(context.Background(), "bad", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "intentional error")
	assert.Equal(t, 1, logs.FilterMessage("scripting: Lua runtime error").Len())

	// The VM stays usable after a failed call.
	require.NoError(t, r.LoadString("ok.lua", `engine.register_rpc("ok", function() return {x = 1} end)`))
	out, err := r.Call(context.Background(), "ok", nil)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"x": 1.0}, out)
}

func TestRuntime_RunawayRPCHitsLimit(t *testing.T) {
	core, _ := observer.New(zap.DebugLevel)
	r := scripting.NewRuntime(1000, zap.New(core))
	defer r.Close()
	require.NoError(t, r.LoadString("loop.lua", `engine.register_rpc("spin", function() while true do end end)`))
	_, err := r.Call(context.Background(), "spin", nil)
	assert.ErrorIs(t, err, scripting.ErrInstructionLimit)
}

func TestRuntime_InvalidLuaReturnsError(t *testing.T) {
	r, _ := newTestRuntime(t)
	assert.Error(t, r.LoadString("bad.lua", `this is not valid lua @@@@`))
}

func TestRuntime_LoadDir(t *testing.T) {
	r, _ := newTestRuntime(t)
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b.lua"), []byte(`engine.register_rpc("b", function() return {v = shared} end)`), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.lua"), []byte(`shared = "from a"`), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte(`ignored`), 0644))

	require.NoError(t, r.LoadDir(dir))
	out, err := r.Call(context.Background(), "b", nil)
	require.NoError(t, err)
	assert.Equal(t, "from a", out["v"])

	assert.Error(t, r.LoadDir(filepath.Join(dir, "missing")))
}

func TestRuntime_EngineMatchCallbacks(t *testing.T) {
	r, logs := newTestRuntime(t)
	created := 0
	r.MatchList = func(limit int) []scripting.MatchInfo {
		return []scripting.MatchInfo{{MatchID: "a.", Size: 1, MaxSize: 4}, {MatchID: "b.", Size: 4, MaxSize: 4}}[:min(limit, 2)]
	}
	r.MatchCreate = func() (string, error) {
		created++
		return "new.", nil
	}
	require.NoError(t, r.LoadString("find.lua", `
		engine.register_rpc("first_open", function()
			for _, m in ipairs(engine.match_list(10)) do
				if m.size < m.max_size then
					engine.logger_info("found " .. m.match_id)
					return { match_id = m.match_id }
				end
			end
			return { match_id = engine.match_create() }
		end)
		engine.register_rpc("make", function() return { match_id = engine.match_create() } end)
	`))

	out, err := r.Call(context.Background(), "first_open", nil)
	require.NoError(t, err)
	assert.Equal(t, "a.", out["match_id"])
	assert.Equal(t, 1, logs.FilterMessage("lua").Len())

	out, err = r.Call(context.Background(), "make", nil)
	require.NoError(t, err)
	assert.Equal(t, "new.", out["match_id"])
	assert.Equal(t, 1, created)
}

func TestRuntime_MatchCreateFailureRaises(t *testing.T) {
	r, _ := newTestRuntime(t)
	r.MatchCreate = func() (string, error) { return "", errors.New("registry full") }
	require.NoError(t, r.LoadString("make.lua", `engine.register_rpc("make", function() return { match_id = engine.match_create() } end)`))
	_, err := r.Call(context.Background(), "make", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "registry full")
}

func TestRuntime_UninjectedCallbackRaises(t *testing.T) {
	r, _ := newTestRuntime(t)
	require.NoError(t, r.LoadString("list.lua", `engine.register_rpc("list", function() return engine.match_list() end)`))
	_, err := r.Call(context.Background(), "list", nil)
	assert.Error(t, err)
}

func TestProperty_CallUnknownNeverPanics(t *testing.T) {
	r, _ := newTestRuntime(t)
	rapid.Check(t, func(rt *rapid.T) {
		id := rapid.StringMatching(`[a-z]{1,10}`).Draw(rt, "id")
		if _, err := r.Call(context.Background(), id, nil); !errors.Is(err, scripting.ErrRPCNotFound) {
			rt.Fatalf("expected ErrRPCNotFound for %q, got %v", id, err)
		}
	})
}

func TestProperty_ConcurrentCalls_NoRace(t *testing.T) {
	r, _ := newTestRuntime(t)
	require.NoError(t, r.LoadString("add.lua", `
		engine.register_rpc("add", function(p) return { sum = p.a + p.b } end)
	`))

	const goroutines = 10
	const callsEach = 5
	var wg sync.WaitGroup
	wg.Add(goroutines)
	for i := 0; i < goroutines; i++ {
		go func(i int) {
			defer wg.Done()
			for j := 0; j < callsEach; j++ {
				out, err := r.Call(context.Background(), "add", map[string]any{"a": float64(i), "b": float64(j)})
				assert.NoError(t, err)
				assert.Equal(t, float64(i+j), out["sum"])
			}
		}(i)
	}
	wg.Wait()
}
