package app

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/Bubobubobubobubo/topos/pkg/cli"
	"github.com/Bubobubobubobubo/topos/pkg/clock"
	"github.com/Bubobubobubobubo/topos/pkg/eval"
	"github.com/Bubobubobubobubo/topos/pkg/fileutil"
	"github.com/Bubobubobubobubo/topos/pkg/pulse"
	"github.com/Bubobubobubobubo/topos/pkg/sink"
)

// outputs holds every sink opened for a session.
type outputs struct {
	synth    *sink.Synth
	midiOut  *sink.MIDIOut
	oscOut   *sink.OSCOut
	recorder *sink.Recorder

	sinks     eval.Sinks
	notifiers []clock.Notifier
}

// openOutputs opens the sinks selected by config. A missing SoundFont only
// silences sound(); a port or peer that was asked for and cannot be opened is
// an error.
func openOutputs(config *cli.Config, embedded fileutil.FileSystem, scriptDir string, log *slog.Logger) (*outputs, error) {
	o := &outputs{}

	synth, err := openSynth(config.SoundFont, embedded, scriptDir, log)
	if err != nil {
		return nil, err
	}
	o.synth = synth

	if config.MIDIOut != "" {
		o.midiOut, err = sink.OpenMIDIOut(config.MIDIOut, sink.WithMIDILogger(log))
		if err != nil {
			return nil, err
		}
		log.Info("MIDI output opened", "port", o.midiOut.Name())
		if config.MIDIClock {
			o.notifiers = append(o.notifiers, sink.NewMIDIClock(o.midiOut.Send, sink.WithMIDILogger(log)))
		}
	} else if config.MIDIClock {
		log.Warn("MIDI clock requested without a MIDI output; ignoring")
	}

	if config.OSCAddr != "" {
		o.oscOut, err = sink.DialOSC(config.OSCAddr)
		if err != nil {
			o.close(log)
			return nil, err
		}
		o.sinks.OSC = o.oscOut
		log.Info("OSC target connected", "addr", config.OSCAddr)
		if config.OSCClock {
			o.notifiers = append(o.notifiers, sink.NewOSCSync(o.oscOut.Conn()))
		}
	} else if config.OSCClock {
		log.Warn("OSC clock requested without an OSC target; ignoring")
	}

	// note() and cc() go to the MIDI port when there is one, else to the synth.
	var midiSink eval.MIDISink
	switch {
	case o.midiOut != nil:
		midiSink = o.midiOut
	case o.synth != nil:
		midiSink = o.synth
	}
	if config.RecordPath != "" {
		o.recorder = sink.NewRecorder(midiSink)
		o.notifiers = append(o.notifiers, o.recorder)
		midiSink = o.recorder
	}
	o.sinks.MIDI = midiSink
	if o.synth != nil {
		o.sinks.Sound = o.synth
	}

	return o, nil
}

func openSynth(explicit string, embedded fileutil.FileSystem, scriptDir string, log *slog.Logger) (*sink.Synth, error) {
	loc := sink.FindSoundFont(explicit, embedded, scriptDir)
	if loc == nil {
		log.Warn("No SoundFont found; sound() will be silent", "name", sink.DefaultSoundFontName)
		return nil, nil
	}
	sf, err := sink.LoadSoundFont(loc.FileSystem, loc.Path)
	if err != nil {
		if explicit != "" {
			return nil, err
		}
		log.Warn("Failed to load SoundFont; sound() will be silent", "path", loc.Path, "error", err)
		return nil, nil
	}
	synth, err := sink.NewSynth(sf, pulse.SampleRate, sink.WithSynthLogger(log))
	if err != nil {
		return nil, err
	}
	log.Info("SoundFont loaded", "path", loc.Path, "embedded", loc.FileSystem.Embedded())
	return synth, nil
}

// renderer returns the audio renderer, or nil for silence.
func (o *outputs) renderer() pulse.Renderer {
	if o.synth == nil {
		return nil
	}
	return o.synth
}

// writeRecording writes the captured notes when recording was requested.
func (o *outputs) writeRecording(path string, log *slog.Logger) error {
	if o.recorder == nil {
		return nil
	}
	if o.recorder.Events() == 0 {
		log.Info("Nothing recorded; MIDI file not written", "path", path)
		return nil
	}
	if err := o.recorder.WriteFile(path); err != nil {
		return fmt.Errorf("failed to write recording: %w", err)
	}
	log.Info("Recording written", "path", path, "events", o.recorder.Events(), "truncated", o.recorder.Truncated())
	return nil
}

func (o *outputs) close(log *slog.Logger) {
	var errs []error
	if o.midiOut != nil {
		errs = append(errs, o.midiOut.Close())
	}
	if o.oscOut != nil {
		errs = append(errs, o.oscOut.Close())
	}
	if err := errors.Join(errs...); err != nil {
		log.Warn("Failed to close outputs", "error", err)
	}
}
