package rules

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	lua "github.com/yuin/gopher-lua"
	"go.uber.org/zap"
)

// VictoryContext is the pre-packed board summary handed to the Lua
// check_victory function each tick.
type VictoryContext struct {
	Tick        uint64
	ElapsedSec  int
	PlayerCount int
	TilesPlaced int
	TilesByChar map[string]int
}

// VictoryResult is returned by the Lua check_victory function.
type VictoryResult struct {
	Done   bool
	Winner string
	Reason string
}

// VictoryEngine wraps one gopher-lua VM evaluating rule-defined battle end
// conditions. Safe for concurrent use; calls are serialized.
type VictoryEngine struct {
	mu  sync.Mutex
	vm  *lua.LState
	log *zap.Logger
}

// NewVictoryEngine creates a Lua VM and loads all .lua files under
// scriptsDir/battle. A missing directory yields an engine that never
// declares victory.
func NewVictoryEngine(scriptsDir string, log *zap.Logger) (*VictoryEngine, error) {
	vm := lua.NewState(lua.Options{SkipOpenLibs: false})
	vm.SetGlobal("API_VERSION", lua.LNumber(1))

	e := &VictoryEngine{vm: vm, log: log.Named("victory")}
	if err := e.loadDir(filepath.Join(scriptsDir, "battle")); err != nil {
		vm.Close()
		return nil, fmt.Errorf("load battle scripts: %w", err)
	}
	return e, nil
}

func (e *VictoryEngine) loadDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".lua" {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		if err := e.vm.DoFile(path); err != nil {
			return fmt.Errorf("load %s: %w", path, err)
		}
		e.log.Debug("loaded lua script", zap.String("file", path))
	}
	return nil
}

func (e *VictoryEngine) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.vm.Close()
}

// Evaluate calls the Lua check_victory function. Any script error fails safe:
// no victory, error surfaced to the caller for logging.
func (e *VictoryEngine) Evaluate(ctx VictoryContext) (VictoryResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	fn := e.vm.GetGlobal("check_victory")
	if fn == lua.LNil {
		return VictoryResult{}, nil
	}

	tbl := e.vm.NewTable()
	tbl.RawSetString("tick", lua.LNumber(ctx.Tick))
	tbl.RawSetString("elapsed_sec", lua.LNumber(ctx.ElapsedSec))
	tbl.RawSetString("player_count", lua.LNumber(ctx.PlayerCount))
	tbl.RawSetString("tiles_placed", lua.LNumber(ctx.TilesPlaced))
	byChar := e.vm.NewTable()
	for charID, n := range ctx.TilesByChar {
		byChar.RawSetString(charID, lua.LNumber(n))
	}
	tbl.RawSetString("tiles_by_char", byChar)

	if err := e.vm.CallByParam(lua.P{Fn: fn, NRet: 1, Protect: true}, tbl); err != nil {
		return VictoryResult{}, fmt.Errorf("check_victory: %w", err)
	}
	ret := e.vm.Get(-1)
	e.vm.Pop(1)

	res, ok := ret.(*lua.LTable)
	if !ok {
		return VictoryResult{}, fmt.Errorf("check_victory returned %s, want table", ret.Type())
	}
	out := VictoryResult{}
	if v, ok := res.RawGetString("done").(lua.LBool); ok {
		out.Done = bool(v)
	}
	if v, ok := res.RawGetString("winner").(lua.LString); ok {
		out.Winner = string(v)
	}
	if v, ok := res.RawGetString("reason").(lua.LString); ok {
		out.Reason = string(v)
	}
	return out, nil
}
