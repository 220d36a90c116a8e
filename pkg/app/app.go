// Package app wires the command line, the outputs, the pulse source, the
// clock and the evaluation gate into one running session.
package app

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"

	"github.com/google/uuid"

	"github.com/Bubobubobubobubo/topos/pkg/cli"
	"github.com/Bubobubobubobubo/topos/pkg/clock"
	"github.com/Bubobubobubobubo/topos/pkg/eval"
	"github.com/Bubobubobubobubo/topos/pkg/fileutil"
	"github.com/Bubobubobubobubo/topos/pkg/logger"
	"github.com/Bubobubobubobubo/topos/pkg/pulse"
	"github.com/Bubobubobubobubo/topos/pkg/readout"
	"github.com/Bubobubobubobubo/topos/pkg/script"
	"github.com/Bubobubobubobubo/topos/pkg/transport"
)

// DefaultScript is the embedded script played when no path is given.
const DefaultScript = "default.lua"

// Application runs one session.
type Application struct {
	config  *cli.Config
	log     *slog.Logger
	embedFS fs.FS

	stdin  io.Reader
	stdout io.Writer
}

// New creates an Application. embedFS holds the scripts/ and soundfonts/
// trees shipped with the binary.
func New(embedFS fs.FS) *Application {
	return &Application{
		embedFS: embedFS,
		stdin:   os.Stdin,
		stdout:  os.Stdout,
	}
}

// Run parses args and plays until the timeout, a signal or the quit command.
func (app *Application) Run(args []string) error {
	if err := app.parseArgs(args); err != nil {
		return fmt.Errorf("failed to parse args: %w", err)
	}

	if app.config.ShowHelp {
		cli.PrintHelp()
		return nil
	}

	if err := app.initLogger(); err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}

	app.log.Info("Application started")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := app.play(ctx); err != nil {
		return err
	}

	app.log.Info("Application terminated normally")
	return nil
}

func (app *Application) parseArgs(args []string) error {
	config, err := cli.ParseArgs(args)
	if err != nil {
		return err
	}
	app.config = config
	return nil
}

func (app *Application) initLogger() error {
	if err := logger.InitLogger(app.config.LogLevel); err != nil {
		return err
	}
	app.log = logger.GetLogger().With("session", uuid.NewString())
	return nil
}

// play builds the session and blocks until ctx is done or the user quits.
func (app *Application) play(ctx context.Context) error {
	config := app.config

	sess, err := openSession(config.DBPath, app.log)
	if err != nil {
		return fmt.Errorf("failed to open state database: %w", err)
	}
	defer sess.close()
	sess.restoreSettings(config)

	loader, scriptDir, name := app.scriptLoader()
	loaded, err := loader.Load(name)
	if err != nil {
		return fmt.Errorf("failed to load script: %w", err)
	}
	app.log.Info("Script loaded", "name", loaded.Name, "size", loaded.Size, "encoding", loaded.Encoding)

	buf := eval.NewBuffer(loaded.Name, loaded.Content)
	sess.restoreBuffer(buf)

	outs, err := openOutputs(config, fileutil.NewEmbedFS(app.embedFS, "soundfonts"), scriptDir, app.log)
	if err != nil {
		return fmt.Errorf("failed to open outputs: %w", err)
	}
	defer outs.close(app.log)

	link := transport.NewLink(transport.WithLogger(app.log))
	source := pulse.NewSource(link.Attach(), config.BPM, config.PPQN)
	stream := pulse.NewStream(source, outs.renderer())
	host := app.openHost(stream)
	if host != nil {
		defer host.Close()
	}

	gate := eval.NewGate(eval.NewLuaEvaluator(app.log),
		eval.WithLogger(app.log),
		eval.WithTimeouts(config.CandidateTimeout, config.FallbackTimeout),
	)

	display := readout.NewTerminal(app.stdout)
	defer display.Finish()

	opts := []clock.Option{
		clock.WithLogger(app.log),
		clock.WithTempo(config.BPM, config.PPQN),
		clock.WithTimeSignature(config.Signature),
		clock.WithGate(gate),
		clock.WithSinks(outs.sinks),
		clock.WithDisplay(display),
	}
	for _, n := range outs.notifiers {
		opts = append(opts, clock.WithNotifier(n))
	}
	clk := clock.New(link, opts...)
	clk.SetNudge(config.Nudge)
	clk.SetBuffer(buf)
	if host != nil {
		clk.AttachHardware(host)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	if config.Timeout > 0 {
		var cancelTimeout context.CancelFunc
		ctx, cancelTimeout = context.WithTimeout(ctx, config.Timeout)
		defer cancelTimeout()
		app.log.Info("Timeout set", "duration", config.Timeout)
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		link.Run(ctx, clk.HandlePulse)
	}()

	if config.ScriptPath != "" {
		watcher := script.NewWatcher(loader, name, loaded.Content, func(s *script.Script) {
			buf.SetCandidate(s.Content)
			app.log.Info("Script changed", "name", s.Name, "size", s.Size)
		}, script.WithWatcherLogger(app.log))
		wg.Add(1)
		go func() {
			defer wg.Done()
			watcher.Run(ctx)
		}()
	}

	console := NewConsole(clk, app.stdout,
		WithAuditionLoader(script.NewLoader(fileutil.NewDiskFS(scriptDir), config.Encoding)),
		WithGateStats(gate),
		WithRunHistory(sess.history()),
		WithQuit(cancel),
		WithConsoleLogger(app.log),
	)
	// The console goroutine may stay blocked on stdin; it is not waited for.
	go func() {
		if err := console.Run(ctx, app.stdin); err != nil {
			app.log.Warn("Console stopped", "error", err)
		}
	}()

	sess.startRun(loaded.Name)
	clk.Start()

	<-ctx.Done()
	app.log.Info("Shutting down", "reason", context.Cause(ctx))

	final := clk.Snapshot()
	clk.Stop()
	gate.Close()
	wg.Wait()

	if err := outs.writeRecording(config.RecordPath, app.log); err != nil {
		app.log.Error("Recording lost", "error", err)
	}
	sess.save(final, buf, gate.Stats())

	app.log.Info("Session finished",
		"tick", final.Tick,
		"position", final.Position,
		"deviation", final.Deviation(),
		"dropped_pulses", source.Dropped(),
		"link", link.Stats(),
	)
	return nil
}

// scriptLoader picks the loader for the configured script, or the embedded
// default script when no path was given.
func (app *Application) scriptLoader() (loader *script.Loader, dir, name string) {
	if app.config.ScriptPath == "" {
		return script.NewLoader(fileutil.NewEmbedFS(app.embedFS, "scripts"), app.config.Encoding), "", DefaultScript
	}
	dir = filepath.Dir(app.config.ScriptPath)
	name = filepath.Base(app.config.ScriptPath)
	return script.NewLoader(fileutil.NewDiskFS(dir), app.config.Encoding), dir, name
}

// openHost starts the audio callback host. Without an audio device no pulses
// are produced; the session keeps running so the console stays usable.
func (app *Application) openHost(stream *pulse.Stream) pulse.Host {
	if app.config.Headless {
		stream.SetMuted(true)
		app.log.Info("Headless mode: audio muted, pulses emulated")
		return pulse.NewHeadlessHost(stream, pulse.DefaultQuantum)
	}
	host, err := pulse.NewEbitenHost(stream, app.log)
	if err != nil {
		app.log.Warn("Audio host unavailable; no pulses will be produced", "error", err)
		return nil
	}
	return host
}
