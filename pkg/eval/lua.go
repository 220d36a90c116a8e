package eval

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync"
	"time"

	lua "github.com/yuin/gopher-lua"
	"github.com/yuin/gopher-lua/parse"

	"github.com/Bubobubobubobubo/topos/pkg/logger"
)

// maxCachedChunks bounds the compiled-chunk cache.
const maxCachedChunks = 128

// defaultNoteDuration is used by note() when no duration is given.
const defaultNoteDuration = 250 * time.Millisecond

// LuaEvaluator runs scripts written in Lua.
//
// Every evaluation gets a fresh interpreter state, so overlapping
// evaluations never share interpreter memory. Compiled chunks are cached by
// source text: a script that has not changed is parsed once.
//
// Globals visible to scripts:
//
//	bar, beat, pulse, tick   musical time of the pulse being evaluated
//	bpm, ppqn                tempo and resolution
//	i                        evaluation counter of the buffer
//
// Functions:
//
//	sound(name [, params])   play a sound on the sound sink
//	note(n [, vel, ch, dur]) MIDI note, channel 1-16, duration in seconds
//	cc(ctl, val [, ch])      MIDI control change
//	osc(address, ...)        OSC message
//	onbeat(...)              true on the first pulse of the listed beats (1-based), or of any beat
//	onbar([n])               true on the first pulse of every n-th bar
//	every(n)                 true every n pulses
//	print(...)               log a line
type LuaEvaluator struct {
	cache map[string]*lua.FunctionProto
	mu    sync.Mutex
	log   *slog.Logger
}

// NewLuaEvaluator creates an evaluator. log may be nil.
func NewLuaEvaluator(log *slog.Logger) *LuaEvaluator {
	if log == nil {
		log = logger.GetLogger()
	}
	return &LuaEvaluator{
		cache: make(map[string]*lua.FunctionProto),
		log:   log,
	}
}

// Compile parses and compiles code, using the cache when possible.
func (e *LuaEvaluator) Compile(name, code string) (*lua.FunctionProto, error) {
	e.mu.Lock()
	proto, ok := e.cache[code]
	e.mu.Unlock()
	if ok {
		return proto, nil
	}

	chunk, err := parse.Parse(strings.NewReader(code), name)
	if err != nil {
		return nil, fmt.Errorf("syntax error in %s: %w", name, err)
	}
	proto, err = lua.Compile(chunk, name)
	if err != nil {
		return nil, fmt.Errorf("compile error in %s: %w", name, err)
	}

	e.mu.Lock()
	if len(e.cache) >= maxCachedChunks {
		clear(e.cache)
	}
	e.cache[code] = proto
	e.mu.Unlock()

	return proto, nil
}

// Evaluate runs code once. The interpreter aborts when ctx is done.
func (e *LuaEvaluator) Evaluate(ctx context.Context, name, code string, env Env) error {
	proto, err := e.Compile(name, code)
	if err != nil {
		return err
	}

	L := lua.NewState(lua.Options{SkipOpenLibs: true})
	defer L.Close()

	if err := openSafeLibs(L); err != nil {
		return err
	}
	L.SetContext(ctx)
	e.install(L, name, env)

	L.Push(L.NewFunctionFromProto(proto))
	if err := L.PCall(0, lua.MultRet, nil); err != nil {
		return fmt.Errorf("runtime error in %s: %w", name, err)
	}
	return nil
}

// openSafeLibs opens the libraries a pattern script needs and nothing that
// reaches the file system or the process.
func openSafeLibs(L *lua.LState) error {
	for _, pair := range []struct {
		n string
		f lua.LGFunction
	}{
		{lua.BaseLibName, lua.OpenBase},
		{lua.TabLibName, lua.OpenTable},
		{lua.StringLibName, lua.OpenString},
		{lua.MathLibName, lua.OpenMath},
	} {
		if err := L.CallByParam(lua.P{
			Fn:      L.NewFunction(pair.f),
			NRet:    0,
			Protect: true,
		}, lua.LString(pair.n)); err != nil {
			return fmt.Errorf("failed to open lua library %s: %w", pair.n, err)
		}
	}
	for _, name := range []string{"dofile", "loadfile", "load", "loadstring", "require", "module"} {
		L.SetGlobal(name, lua.LNil)
	}
	return nil
}

func (e *LuaEvaluator) install(L *lua.LState, name string, env Env) {
	L.SetGlobal("bar", lua.LNumber(env.Position.Bar))
	L.SetGlobal("beat", lua.LNumber(env.Position.Beat))
	L.SetGlobal("pulse", lua.LNumber(env.Position.Pulse))
	L.SetGlobal("tick", lua.LNumber(env.Tick))
	L.SetGlobal("bpm", lua.LNumber(env.BPM))
	L.SetGlobal("ppqn", lua.LNumber(env.PPQN))
	L.SetGlobal("i", lua.LNumber(env.Iteration))

	log := e.log.With("buffer", name)

	L.SetGlobal("print", L.NewFunction(func(L *lua.LState) int {
		parts := make([]string, 0, L.GetTop())
		for n := 1; n <= L.GetTop(); n++ {
			parts = append(parts, L.ToStringMeta(L.Get(n)).String())
		}
		log.Info(strings.Join(parts, "\t"))
		return 0
	}))

	L.SetGlobal("onbeat", L.NewFunction(func(L *lua.LState) int {
		if env.Position.Pulse != 0 {
			L.Push(lua.LFalse)
			return 1
		}
		if L.GetTop() == 0 {
			L.Push(lua.LTrue)
			return 1
		}
		for n := 1; n <= L.GetTop(); n++ {
			if int(L.CheckNumber(n))-1 == env.Position.Beat {
				L.Push(lua.LTrue)
				return 1
			}
		}
		L.Push(lua.LFalse)
		return 1
	}))

	L.SetGlobal("onbar", L.NewFunction(func(L *lua.LState) int {
		every := L.OptInt(1, 1)
		ok := every > 0 &&
			env.Position.Pulse == 0 &&
			env.Position.Beat == 0 &&
			env.Position.Bar%every == 0
		L.Push(lua.LBool(ok))
		return 1
	}))

	L.SetGlobal("every", L.NewFunction(func(L *lua.LState) int {
		n := L.CheckInt64(1)
		L.Push(lua.LBool(n > 0 && env.Tick%n == 0))
		return 1
	}))

	L.SetGlobal("sound", L.NewFunction(func(L *lua.LState) int {
		if env.Sinks.Sound == nil {
			return 0
		}
		var soundName string
		params := map[string]any{}
		switch first := L.Get(1).(type) {
		case *lua.LTable:
			params = tableToMap(first)
			if s, ok := params["s"].(string); ok {
				soundName = s
			}
		default:
			soundName = L.CheckString(1)
			if tbl, ok := L.Get(2).(*lua.LTable); ok {
				params = tableToMap(tbl)
			}
		}
		if soundName == "" {
			L.ArgError(1, "sound name expected")
			return 0
		}
		if err := env.Sinks.Sound.Sound(soundName, params); err != nil {
			log.Warn("Sound sink error", "sound", soundName, "error", err)
		}
		return 0
	}))

	L.SetGlobal("note", L.NewFunction(func(L *lua.LState) int {
		if env.Sinks.MIDI == nil {
			return 0
		}
		key := clampByte(int(L.CheckNumber(1)), 0, 127)
		velocity := clampByte(L.OptInt(2, 100), 0, 127)
		channel := clampByte(L.OptInt(3, 1)-1, 0, 15)
		seconds := float64(L.OptNumber(4, lua.LNumber(defaultNoteDuration.Seconds())))
		duration := time.Duration(math.Max(0, seconds) * float64(time.Second))
		if err := env.Sinks.MIDI.Note(channel, key, velocity, duration); err != nil {
			log.Warn("MIDI sink error", "note", key, "error", err)
		}
		return 0
	}))

	L.SetGlobal("cc", L.NewFunction(func(L *lua.LState) int {
		if env.Sinks.MIDI == nil {
			return 0
		}
		controller := clampByte(L.CheckInt(1), 0, 127)
		value := clampByte(L.CheckInt(2), 0, 127)
		channel := clampByte(L.OptInt(3, 1)-1, 0, 15)
		if err := env.Sinks.MIDI.ControlChange(channel, controller, value); err != nil {
			log.Warn("MIDI sink error", "cc", controller, "error", err)
		}
		return 0
	}))

	L.SetGlobal("osc", L.NewFunction(func(L *lua.LState) int {
		if env.Sinks.OSC == nil {
			return 0
		}
		address := L.CheckString(1)
		args := make([]any, 0, L.GetTop())
		for n := 2; n <= L.GetTop(); n++ {
			args = append(args, toGo(L.Get(n)))
		}
		if err := env.Sinks.OSC.Send(address, args...); err != nil {
			log.Warn("OSC sink error", "address", address, "error", err)
		}
		return 0
	}))
}

// maxTableDepth bounds the nesting converted from Lua tables.
const maxTableDepth = 8

// tableToMap converts the string-keyed part of a table. Tables nested deeper
// than maxTableDepth, or that contain themselves, are dropped.
func tableToMap(tbl *lua.LTable) map[string]any {
	return convertTable(tbl, make(map[*lua.LTable]bool), 0)
}

func toGo(v lua.LValue) any {
	return convertValue(v, make(map[*lua.LTable]bool), 0)
}

func convertTable(tbl *lua.LTable, ancestors map[*lua.LTable]bool, depth int) map[string]any {
	out := make(map[string]any)
	ancestors[tbl] = true
	defer delete(ancestors, tbl)

	tbl.ForEach(func(k, v lua.LValue) {
		key, ok := k.(lua.LString)
		if !ok {
			return
		}
		if nested, ok := v.(*lua.LTable); ok && (ancestors[nested] || depth+1 >= maxTableDepth) {
			return
		}
		out[string(key)] = convertValue(v, ancestors, depth+1)
	})
	return out
}

func convertValue(v lua.LValue, ancestors map[*lua.LTable]bool, depth int) any {
	switch v := v.(type) {
	case lua.LNumber:
		return float64(v)
	case lua.LString:
		return string(v)
	case lua.LBool:
		return bool(v)
	case *lua.LTable:
		return convertTable(v, ancestors, depth)
	default:
		return v.String()
	}
}

func clampByte(v, lo, hi int) uint8 {
	if v < lo {
		v = lo
	}
	if v > hi {
		v = hi
	}
	return uint8(v)
}
