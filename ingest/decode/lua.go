package decode

import (
	"fmt"
	"sync"

	"github.com/brinelog/ingestd/entity"
	lua "github.com/yuin/gopher-lua"
	luajson "layeh.com/gopher-json"
)

// LuaRewriter runs a per-logger Lua script against a decoded LogRequest
// before validity is computed, letting a logger's owner rewrite its
// message without a server redeploy; no other field of the request is
// changed by the script. Adapted from the
// teacher's LuaLogProcessor: same pooled-VM, safe-subset-libs shape,
// repurposed from parsing a raw log line into a record to rewriting an
// already-structured request in place.
//
// A configured script MUST define a function `rewrite_log(logger_id, msg)`
// returning the (possibly unchanged) message as a string. Scripts run with
// only the package, base, table and string libraries open, plus the
// preloaded `json` module; `os` and `io` are never loaded, so a script
// cannot write files or spawn processes, though it can still read Lua
// source through dofile, loadfile and require.
type LuaRewriter struct {
	mu     sync.Mutex
	pools  map[string]*sync.Pool
	scripts map[string]string // loggerID -> script path, for lazy pool creation
}

// NewLuaRewriter builds an empty rewriter; scripts are registered with
// Register as loggers are discovered from configuration.
func NewLuaRewriter() *LuaRewriter {
	return &LuaRewriter{
		pools:   make(map[string]*sync.Pool),
		scripts: make(map[string]string),
	}
}

// Register associates loggerID with the Lua script at scriptPath. Safe to
// call concurrently with Rewrite.
func (lr *LuaRewriter) Register(loggerID, scriptPath string) {
	lr.mu.Lock()
	defer lr.mu.Unlock()
	lr.scripts[loggerID] = scriptPath
}

func (lr *LuaRewriter) poolFor(loggerID string) (*sync.Pool, bool) {
	lr.mu.Lock()
	defer lr.mu.Unlock()

	if p, ok := lr.pools[loggerID]; ok {
		return p, true
	}

	scriptPath, ok := lr.scripts[loggerID]
	if !ok {
		return nil, false
	}

	pool := &sync.Pool{
		New: func() any {
			L := lua.NewState(lua.Options{SkipOpenLibs: true})

			for _, lib := range []struct {
				name string
				fn   lua.LGFunction
			}{
				{lua.LoadLibName, lua.OpenPackage},
				{lua.BaseLibName, lua.OpenBase},
				{lua.TabLibName, lua.OpenTable},
				{lua.StringLibName, lua.OpenString},
			} {
				L.Push(L.NewFunction(lib.fn))
				L.Push(lua.LString(lib.name))
				L.Call(1, 0)
			}

			luajson.Preload(L)

			if err := L.DoFile(scriptPath); err != nil {
				panic(fmt.Errorf("cannot load lua script %q for logger %q: %w", scriptPath, loggerID, err))
			}

			return L
		},
	}

	lr.pools[loggerID] = pool
	return pool, true
}

// Rewrite runs loggerID's registered script, if any, against req in place.
// It is a no-op when no script is registered for loggerID.
func (lr *LuaRewriter) Rewrite(loggerID string, req *entity.LogRequest) error {
	pool, ok := lr.poolFor(loggerID)
	if !ok {
		return nil
	}

	L := pool.Get().(*lua.LState)
	defer pool.Put(L)

	err := L.CallByParam(lua.P{
		Fn:      L.GetGlobal("rewrite_log"),
		NRet:    1,
		Protect: true,
	}, lua.LString(loggerID), lua.LString(req.Message))
	if err != nil {
		return fmt.Errorf("lua script error for logger %q: %w", loggerID, err)
	}
	defer L.Pop(1)

	rewritten := L.ToString(-1)
	if rewritten != "" {
		req.Message = rewritten
	}

	return nil
}
