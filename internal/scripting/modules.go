package scripting

import (
	lua "github.com/yuin/gopher-lua"
	"go.uber.org/zap"
)

// RegisterModules registers the engine Lua table into L:
//
//	engine.register_rpc(id, fn)
//	engine.match_list(limit)   -> { {match_id=, size=, max_size=}, ... }
//	engine.match_create()      -> match_id
//	engine.logger_info(msg)
//
// Precondition: L must be from NewSandboxedState.
// Postcondition: engine global is defined in L.
func (r *Runtime) RegisterModules(L *lua.LState) {
	engine := L.NewTable()
	L.SetFuncs(engine, map[string]lua.LGFunction{
		"register_rpc": r.luaRegisterRPC,
		"match_list":   r.luaMatchList,
		"match_create": r.luaMatchCreate,
		"logger_info":  r.luaLoggerInfo,
	})
	L.SetGlobal("engine", engine)
}

// Precondition: called from Lua while r.mu is held by LoadString.
func (r *Runtime) luaRegisterRPC(L *lua.LState) int {
	id := L.CheckString(1)
	fn := L.CheckFunction(2)
	if id == "" {
		L.ArgError(1, "rpc id must be non-empty")
		return 0
	}
	if _, dup := r.rpcs[id]; dup {
		r.logger.Warn("scripting: rpc re-registered", zap.String("rpc", id))
	}
	r.rpcs[id] = fn
	return 0
}

func (r *Runtime) luaMatchList(L *lua.LState) int {
	limit := L.OptInt(1, 10)
	if r.MatchList == nil {
		L.RaiseError("engine.match_list is unavailable")
		return 0
	}
	out := L.NewTable()
	for _, m := range r.MatchList(limit) {
		t := L.NewTable()
		t.RawSetString("match_id", lua.LString(m.MatchID))
		t.RawSetString("size", lua.LNumber(m.Size))
		t.RawSetString("max_size", lua.LNumber(m.MaxSize))
		out.Append(t)
	}
	L.Push(out)
	return 1
}

func (r *Runtime) luaMatchCreate(L *lua.LState) int {
	if r.MatchCreate == nil {
		L.RaiseError("engine.match_create is unavailable")
		return 0
	}
	id, err := r.MatchCreate()
	if err != nil {
		L.RaiseError("engine.match_create: %s", err.Error())
		return 0
	}
	L.Push(lua.LString(id))
	return 1
}

func (r *Runtime) luaLoggerInfo(L *lua.LState) int {
	r.logger.Info("lua", zap.String("msg", L.CheckString(1)))
	return 0
}
