// Package sink holds the outputs user scripts write to: a SoundFont
// synthesizer, MIDI ports, OSC peers and a MIDI file recorder.
package sink

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sinshu/go-meltysynth/meltysynth"
	"gitlab.com/gomidi/midi/v2"

	"github.com/Bubobubobubobubo/topos/pkg/fileutil"
	"github.com/Bubobubobubobubo/topos/pkg/logger"
)

// DefaultSoundFontName is the SoundFont looked up when none is configured.
const DefaultSoundFontName = "GeneralUser-GS.sf2"

// DrumChannel is the General MIDI percussion channel (channel 10).
const DrumChannel = 9

var (
	ErrNoSoundFont       = errors.New("no SoundFont specified")
	ErrSoundFontNotFound = errors.New("SoundFont not found")
	ErrUnknownSound      = errors.New("unknown sound")
)

// drumKeys maps sound names to General MIDI percussion keys.
var drumKeys = map[string]uint8{
	"kick": 36, "bd": 36,
	"rim": 37, "rs": 37,
	"snare": 38, "sd": 38,
	"clap": 39, "cp": 39,
	"hat": 42, "hh": 42,
	"ohat": 46, "oh": 46,
	"tom": 45, "lt": 45,
	"mt": 47, "ht": 50,
	"crash": 49, "cr": 49,
	"ride": 51, "rd": 51,
	"cowbell": 56, "cb": 56,
}

// DrumNames returns the sound names Sound understands without a note.
func DrumNames() []string {
	names := make([]string, 0, len(drumKeys))
	for name := range drumKeys {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// engine is the part of meltysynth.Synthesizer the Synth drives.
type engine interface {
	NoteOn(channel, key, velocity int32)
	NoteOff(channel, key int32)
	ProcessMidiMessage(channel, command, data1, data2 int32)
	Render(left, right []float32)
}

type pendingOff struct {
	channel, key int32
	frame        int64
}

// Synth plays notes on a SoundFont synthesizer. Render is called from the
// audio goroutine; the other methods are called from evaluations. Note
// releases are scheduled in frames and applied at the start of a Render.
type Synth struct {
	mu         sync.Mutex
	engine     engine
	sampleRate int
	frame      int64
	pending    []pendingOff
	log        *slog.Logger
}

// SynthOption configures a Synth.
type SynthOption func(*Synth)

// WithSynthLogger sets a custom logger.
func WithSynthLogger(log *slog.Logger) SynthOption {
	return func(s *Synth) {
		s.log = log
	}
}

// NewSynth creates a synthesizer for sf rendering at sampleRate.
func NewSynth(sf *meltysynth.SoundFont, sampleRate int, opts ...SynthOption) (*Synth, error) {
	settings := meltysynth.NewSynthesizerSettings(int32(sampleRate))
	synth, err := meltysynth.NewSynthesizer(sf, settings)
	if err != nil {
		return nil, fmt.Errorf("failed to create synthesizer: %w", err)
	}
	return newSynth(synth, sampleRate, opts...), nil
}

func newSynth(e engine, sampleRate int, opts ...SynthOption) *Synth {
	s := &Synth{
		engine:     e,
		sampleRate: sampleRate,
		log:        logger.GetLogger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Render fills one block of audio.
func (s *Synth) Render(left, right []float32) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.pending) > 0 {
		kept := s.pending[:0]
		for _, p := range s.pending {
			if p.frame <= s.frame {
				s.engine.NoteOff(p.channel, p.key)
				continue
			}
			kept = append(kept, p)
		}
		s.pending = kept
	}
	s.engine.Render(left, right)
	s.frame += int64(len(left))
}

// Note starts a note and schedules its release after duration.
func (s *Synth) Note(channel, key, velocity uint8, duration time.Duration) error {
	if channel > 15 || key > 127 || velocity > 127 {
		return fmt.Errorf("note out of range: channel=%d key=%d velocity=%d", channel, key, velocity)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.engine.NoteOn(int32(channel), int32(key), int32(velocity))
	frames := int64(duration.Seconds() * float64(s.sampleRate))
	s.pending = append(s.pending, pendingOff{
		channel: int32(channel),
		key:     int32(key),
		frame:   s.frame + frames,
	})
	return nil
}

// ControlChange sends a controller message to the synthesizer.
func (s *Synth) ControlChange(channel, controller, value uint8) error {
	if channel > 15 || controller > 127 || value > 127 {
		return fmt.Errorf("control change out of range: channel=%d controller=%d value=%d", channel, controller, value)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.engine.ProcessMidiMessage(int32(channel), 0xB0, int32(controller), int32(value))
	return nil
}

// Sound plays a named sound. Drum names play on the percussion channel;
// any other name needs an explicit note in params["n"].
//
// Recognised params: n (note), vel (0-127), gain (0-1), ch (1-16),
// dur (seconds), program (0-127).
func (s *Synth) Sound(name string, params map[string]any) error {
	key, channel, err := resolveSound(name, params)
	if err != nil {
		return err
	}

	velocity := uint8(100)
	if v, ok := number(params, "vel", "velocity"); ok {
		velocity = clamp7(v)
	} else if g, ok := number(params, "gain"); ok {
		velocity = clamp7(g * 127)
	}

	duration := 250 * time.Millisecond
	if d, ok := number(params, "dur", "duration"); ok && d >= 0 {
		duration = time.Duration(d * float64(time.Second))
	}

	if p, ok := number(params, "program"); ok {
		s.mu.Lock()
		s.engine.ProcessMidiMessage(int32(channel), 0xC0, int32(clamp7(p)), 0)
		s.mu.Unlock()
	}
	return s.Note(channel, key, velocity, duration)
}

// Write forwards a raw channel message to the synthesizer, so a Synth can
// stand in for a MIDI port. System messages are ignored.
func (s *Synth) Write(msg midi.Message) error {
	if len(msg) == 0 {
		return nil
	}
	status := msg[0]
	if status >= 0xF0 {
		return nil
	}
	var data1, data2 int32
	if len(msg) > 1 {
		data1 = int32(msg[1])
	}
	if len(msg) > 2 {
		data2 = int32(msg[2])
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.engine.ProcessMidiMessage(int32(status&0x0F), int32(status&0xF0), data1, data2)
	return nil
}

// Pending returns the number of scheduled releases.
func (s *Synth) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

func resolveSound(name string, params map[string]any) (key, channel uint8, err error) {
	drum, isDrum := drumKeys[strings.ToLower(name)]
	channel = 0
	if isDrum {
		channel = DrumChannel
		key = drum
	}
	if c, ok := number(params, "ch", "channel"); ok && c >= 1 && c <= 16 {
		channel = uint8(c) - 1
	}
	if n, ok := number(params, "n", "note"); ok {
		key = clamp7(n)
		return key, channel, nil
	}
	if !isDrum {
		return 0, 0, fmt.Errorf("%w: %s", ErrUnknownSound, name)
	}
	return key, channel, nil
}

func number(params map[string]any, keys ...string) (float64, bool) {
	for _, k := range keys {
		switch v := params[k].(type) {
		case float64:
			return v, true
		case int:
			return float64(v), true
		}
	}
	return 0, false
}

func clamp7(v float64) uint8 {
	if v < 0 {
		return 0
	}
	if v > 127 {
		return 127
	}
	return uint8(v)
}

// LoadSoundFont reads and parses a SoundFont through fsys. A nil fsys reads
// from disk.
func LoadSoundFont(fsys fileutil.FileSystem, path string) (*meltysynth.SoundFont, error) {
	if path == "" {
		return nil, ErrNoSoundFont
	}
	if fsys == nil {
		fsys = fileutil.NewDiskFS("")
	}
	data, err := fsys.ReadFile(path)
	if err != nil {
		if errors.Is(err, fileutil.ErrNotFound) || errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrSoundFontNotFound, path)
		}
		return nil, fmt.Errorf("failed to read SoundFont file: %w", err)
	}
	sf, err := meltysynth.NewSoundFont(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to parse SoundFont: %w", err)
	}
	return sf, nil
}

// SoundFontLocation is where a SoundFont was found.
type SoundFontLocation struct {
	Path       string
	FileSystem fileutil.FileSystem
}

// FindSoundFont looks for a SoundFont in order: the explicit path, the
// embedded tree, the working directory and the script directory.
func FindSoundFont(explicit string, embedded fileutil.FileSystem, scriptDir string) *SoundFontLocation {
	if explicit != "" {
		return &SoundFontLocation{Path: explicit, FileSystem: fileutil.NewDiskFS("")}
	}
	if embedded != nil && embedded.Exists(DefaultSoundFontName) {
		return &SoundFontLocation{Path: DefaultSoundFontName, FileSystem: embedded}
	}
	cwd := fileutil.NewDiskFS("")
	if cwd.Exists(DefaultSoundFontName) {
		return &SoundFontLocation{Path: DefaultSoundFontName, FileSystem: cwd}
	}
	if scriptDir != "" {
		dir := fileutil.NewDiskFS(scriptDir)
		if dir.Exists(DefaultSoundFontName) {
			return &SoundFontLocation{Path: filepath.Join(scriptDir, DefaultSoundFontName), FileSystem: cwd}
		}
	}
	return nil
}
