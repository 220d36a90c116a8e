// Package cli parses command line flags and environment overrides.
package cli

import (
	"flag"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/Bubobubobubobubo/topos/pkg/eval"
	"github.com/Bubobubobubobubo/topos/pkg/timing"
)

// Config holds the settings parsed from the command line.
type Config struct {
	ScriptPath string // Lua script to play (empty: embedded default)
	Encoding   string // script encoding: auto, utf-8, utf-16, shift_jis

	BPM       float64
	PPQN      int
	Nudge     float64
	Signature timing.TimeSignature

	CandidateTimeout time.Duration
	FallbackTimeout  time.Duration

	SoundFont  string // explicit SoundFont path
	MIDIOut    string // MIDI output port name
	MIDIClock  bool   // send MIDI clock on the MIDI output
	OSCAddr    string // host:port for osc()
	OSCClock   bool   // send /sync/pulse on the OSC target
	DBPath     string // SQLite state database (empty: no persistence)
	RecordPath string // Standard MIDI File written on exit

	Timeout  time.Duration // 0 means no limit
	LogLevel string
	Headless bool
	ShowHelp bool

	set map[string]bool
}

// IsSet reports whether a transport setting was given explicitly, so that a
// value restored from the database must not override it. Names are the long
// flag names.
func (c *Config) IsSet(name string) bool {
	return c.set[name]
}

// boolFlags never consume the following argument.
var boolFlags = map[string]bool{
	"h": true, "help": true,
	"headless":   true,
	"midi-clock": true,
	"osc-clock":  true,
}

// ParseArgs parses args (without the program name) into a Config.
func ParseArgs(args []string) (*Config, error) {
	reorderedArgs := reorderArgs(args)

	fs := flag.NewFlagSet("topos", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	config := &Config{set: map[string]bool{}}

	var timeoutSec int
	var signature string
	fs.StringVar(&config.Encoding, "encoding", "auto", "script encoding")
	fs.Float64Var(&config.BPM, "bpm", timing.DefaultBPM, "tempo in beats per minute")
	fs.IntVar(&config.PPQN, "ppqn", timing.DefaultPPQN, "pulses per quarter note")
	fs.Float64Var(&config.Nudge, "nudge", 0, "phase offset in percent of a beat")
	fs.StringVar(&signature, "time-signature", timing.DefaultTimeSignature.String(), "time signature n/d")
	fs.DurationVar(&config.CandidateTimeout, "candidate-timeout", eval.DefaultCandidateTimeout, "evaluation timeout for new code")
	fs.DurationVar(&config.FallbackTimeout, "fallback-timeout", eval.DefaultFallbackTimeout, "evaluation timeout for committed code")
	fs.StringVar(&config.SoundFont, "soundfont", "", "SoundFont file")
	fs.StringVar(&config.MIDIOut, "midi-out", "", "MIDI output port")
	fs.BoolVar(&config.MIDIClock, "midi-clock", false, "send MIDI clock")
	fs.StringVar(&config.OSCAddr, "osc", "", "OSC target host:port")
	fs.BoolVar(&config.OSCClock, "osc-clock", false, "send OSC sync pulses")
	fs.StringVar(&config.DBPath, "db", "", "state database")
	fs.StringVar(&config.RecordPath, "record", "", "write played notes to a MIDI file")
	fs.IntVar(&timeoutSec, "timeout", 0, "exit after seconds")
	fs.IntVar(&timeoutSec, "t", 0, "exit after seconds (shorthand)")
	fs.StringVar(&config.LogLevel, "log-level", "info", "log level")
	fs.StringVar(&config.LogLevel, "l", "info", "log level (shorthand)")
	fs.BoolVar(&config.Headless, "headless", false, "run without audio output")
	fs.BoolVar(&config.ShowHelp, "help", false, "show help")
	fs.BoolVar(&config.ShowHelp, "h", false, "show help (shorthand)")

	if err := fs.Parse(reorderedArgs); err != nil {
		return nil, err
	}
	fs.Visit(func(f *flag.Flag) { config.set[f.Name] = true })

	// Environment overrides; command line flags win.
	if !config.Headless {
		if headlessEnv := os.Getenv("HEADLESS"); headlessEnv != "" {
			config.Headless = headlessEnv == "1" || strings.ToLower(headlessEnv) == "true"
		}
	}
	if timeoutSec == 0 {
		if timeoutEnv := os.Getenv("TIMEOUT"); timeoutEnv != "" {
			if t, err := strconv.Atoi(timeoutEnv); err == nil && t > 0 {
				timeoutSec = t
			}
		}
	}
	if !config.set["log-level"] && !config.set["l"] {
		if logLevelEnv := os.Getenv("LOG_LEVEL"); logLevelEnv != "" {
			config.LogLevel = strings.ToLower(logLevelEnv)
		}
	}
	if config.SoundFont == "" {
		config.SoundFont = os.Getenv("TOPOS_SOUNDFONT")
	}
	if config.DBPath == "" {
		config.DBPath = os.Getenv("TOPOS_DB")
	}

	if timeoutSec < 0 {
		return nil, fmt.Errorf("timeout must be non-negative, got %d", timeoutSec)
	}
	config.Timeout = time.Duration(timeoutSec) * time.Second

	validLogLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLogLevels[config.LogLevel] {
		return nil, fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", config.LogLevel)
	}

	if config.BPM <= 0 || math.IsInf(config.BPM, 0) || math.IsNaN(config.BPM) {
		return nil, fmt.Errorf("bpm must be positive, got %v", config.BPM)
	}
	if config.PPQN <= 0 {
		return nil, fmt.Errorf("ppqn must be positive, got %d", config.PPQN)
	}
	if math.IsNaN(config.Nudge) || config.Nudge < -100 || config.Nudge > 100 {
		return nil, fmt.Errorf("nudge must be within [-100, 100], got %v", config.Nudge)
	}
	sig, err := ParseTimeSignature(signature)
	if err != nil {
		return nil, err
	}
	config.Signature = sig
	if config.CandidateTimeout <= 0 || config.FallbackTimeout <= 0 {
		return nil, fmt.Errorf("evaluation timeouts must be positive")
	}
	switch config.Encoding {
	case "auto", "utf-8", "utf-16", "shift_jis":
	default:
		return nil, fmt.Errorf("invalid encoding: %s (must be auto, utf-8, utf-16, or shift_jis)", config.Encoding)
	}

	if fs.NArg() > 0 {
		config.ScriptPath = fs.Arg(0)
	}

	return config, nil
}

// ParseTimeSignature parses "n/d" with both parts positive.
func ParseTimeSignature(s string) (timing.TimeSignature, error) {
	num, den, ok := strings.Cut(strings.TrimSpace(s), "/")
	if !ok {
		return timing.TimeSignature{}, fmt.Errorf("invalid time signature %q (want n/d)", s)
	}
	n, err1 := strconv.Atoi(strings.TrimSpace(num))
	d, err2 := strconv.Atoi(strings.TrimSpace(den))
	sig := timing.TimeSignature{BeatsPerBar: n, BeatUnit: d}
	if err1 != nil || err2 != nil || !sig.Valid() {
		return timing.TimeSignature{}, fmt.Errorf("invalid time signature %q (want n/d)", s)
	}
	return sig, nil
}

// reorderArgs moves flags in front of positional arguments so that
// "topos song.lua --bpm 90" parses like "topos --bpm 90 song.lua".
func reorderArgs(args []string) []string {
	var flags []string
	var positional []string

	for i := 0; i < len(args); i++ {
		arg := args[i]

		if len(arg) > 1 && arg[0] == '-' {
			flags = append(flags, arg)

			name := strings.TrimLeft(arg, "-")
			if strings.Contains(name, "=") || boolFlags[name] {
				continue
			}
			// Values may start with '-' (negative nudge), so the next argument
			// is always the value of a non-boolean flag.
			if i+1 < len(args) {
				i++
				flags = append(flags, args[i])
			}
		} else {
			positional = append(positional, arg)
		}
	}

	return append(flags, positional...)
}

// PrintHelp writes the usage text to stdout.
func PrintHelp() {
	fmt.Fprint(os.Stdout, `topos - live-coding sequencer

Usage:
  topos [options] [script.lua]

Arguments:
  script.lua    Lua script to play. It is re-read whenever it changes on disk.
                Without a script the embedded default is played.

Transport:
  --bpm <value>                 tempo (default: 120)
  --ppqn <value>                pulses per quarter note (default: 48)
  --nudge <percent>             phase offset, -100..100 percent of a beat
  --time-signature <n/d>        time signature (default: 4/4)

Evaluation:
  --candidate-timeout <dur>     timeout for new code (default: 5s)
  --fallback-timeout <dur>      timeout for committed code (default: 1s)
  --encoding <name>             auto, utf-8, utf-16, shift_jis (default: auto)

Outputs:
  --soundfont <file>            SoundFont for the built-in synthesizer
  --midi-out <port>             MIDI output port
  --midi-clock                  send MIDI clock on the MIDI output
  --osc <host:port>             OSC target for osc()
  --osc-clock                   send /sync/pulse and /sync/tempo to the OSC target
  --record <file.mid>           write played notes to a Standard MIDI File on exit
  --db <file>                   persist settings, committed code and runs

General:
  -t, --timeout <seconds>       exit after the given number of seconds
  -l, --log-level <level>       debug, info, warn, error (default: info)
  --headless                    no audio output, pulses keep running
  -h, --help                    show this help

Environment Variables:
  HEADLESS=1                    headless mode
  TIMEOUT=<seconds>             timeout
  LOG_LEVEL=<level>             log level
  TOPOS_SOUNDFONT=<file>        SoundFont path
  TOPOS_DB=<file>               state database

Console commands (stdin):
  start | pause | stop | bpm <v> | ppqn <v> | nudge <v> | sig <n/d>
  audition <file> | unaudition | status | runs | quit
`)
}
