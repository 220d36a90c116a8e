package app

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/Bubobubobubobubo/topos/pkg/cli"
	"github.com/Bubobubobubobubo/topos/pkg/clock"
	"github.com/Bubobubobubobubo/topos/pkg/eval"
	"github.com/Bubobubobubobubo/topos/pkg/logger"
	"github.com/Bubobubobubobubo/topos/pkg/script"
	"github.com/Bubobubobubobubo/topos/pkg/store"
)

var (
	ErrUnknownCommand = errors.New("unknown command")
	ErrMissingArg     = errors.New("missing argument")
	ErrUnavailable    = errors.New("not available in this session")
)

// Console reads transport commands line by line.
type Console struct {
	clock  *clock.Clock
	out    io.Writer
	loader *script.Loader
	gate   *eval.Gate
	runs   func(limit int) ([]store.Run, error)
	quit   func()
	log    *slog.Logger
}

// ConsoleOption configures a Console.
type ConsoleOption func(*Console)

// WithAuditionLoader enables the audition command, loading files through l.
func WithAuditionLoader(l *script.Loader) ConsoleOption {
	return func(c *Console) { c.loader = l }
}

// WithGateStats adds evaluation counters to the status command.
func WithGateStats(g *eval.Gate) ConsoleOption {
	return func(c *Console) { c.gate = g }
}

// WithRunHistory enables the runs command.
func WithRunHistory(runs func(limit int) ([]store.Run, error)) ConsoleOption {
	return func(c *Console) { c.runs = runs }
}

// WithQuit sets the function called by the quit command.
func WithQuit(quit func()) ConsoleOption {
	return func(c *Console) { c.quit = quit }
}

// WithConsoleLogger sets a custom logger.
func WithConsoleLogger(log *slog.Logger) ConsoleOption {
	return func(c *Console) { c.log = log }
}

// NewConsole creates a console controlling clk and answering on out.
func NewConsole(clk *clock.Clock, out io.Writer, opts ...ConsoleOption) *Console {
	c := &Console{
		clock: clk,
		out:   out,
		quit:  func() {},
		log:   logger.GetLogger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Run executes lines from r until ctx is done or r is exhausted.
func (c *Console) Run(ctx context.Context, r io.Reader) error {
	lines := make(chan string)
	readErr := make(chan error, 1)

	go func() {
		scanner := bufio.NewScanner(r)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
		readErr <- scanner.Err()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-readErr:
			if err != nil {
				return fmt.Errorf("console input: %w", err)
			}
			c.log.Debug("Console input closed")
			return nil
		case line := <-lines:
			if err := c.Execute(line); err != nil {
				fmt.Fprintf(c.out, "error: %v\n", err)
			}
		}
	}
}

// Execute runs one command line. Blank lines are ignored.
func (c *Console) Execute(line string) error {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return nil
	}
	cmd, args := strings.ToLower(fields[0]), fields[1:]

	switch cmd {
	case "start", "play":
		c.clock.Start()
	case "pause":
		c.clock.Pause()
	case "stop":
		c.clock.Stop()
	case "bpm":
		v, err := floatArg(cmd, args)
		if err != nil {
			return err
		}
		c.clock.SetBpm(v)
	case "ppqn":
		if len(args) == 0 {
			return fmt.Errorf("%w: ppqn <value>", ErrMissingArg)
		}
		v, err := strconv.Atoi(args[0])
		if err != nil {
			return fmt.Errorf("ppqn: %w", err)
		}
		c.clock.SetPpqn(v)
	case "nudge":
		v, err := floatArg(cmd, args)
		if err != nil {
			return err
		}
		c.clock.SetNudge(v)
	case "sig":
		if len(args) == 0 {
			return fmt.Errorf("%w: sig <n/d>", ErrMissingArg)
		}
		sig, err := cli.ParseTimeSignature(strings.Join(args, ""))
		if err != nil {
			return err
		}
		c.clock.SetTimeSignature(sig)
	case "audition":
		return c.audition(args)
	case "unaudition":
		c.clock.StopAudition()
	case "status":
		c.status()
	case "runs":
		return c.listRuns()
	case "help", "?":
		fmt.Fprintln(c.out, "start pause stop bpm <v> ppqn <v> nudge <v> sig <n/d> audition <file> unaudition status runs quit")
	case "quit", "exit":
		c.quit()
	default:
		return fmt.Errorf("%w: %s", ErrUnknownCommand, cmd)
	}
	return nil
}

func (c *Console) audition(args []string) error {
	if c.loader == nil {
		return fmt.Errorf("audition: %w", ErrUnavailable)
	}
	if len(args) == 0 {
		return fmt.Errorf("%w: audition <file>", ErrMissingArg)
	}
	s, err := c.loader.Load(args[0])
	if err != nil {
		return err
	}
	c.clock.Audition(eval.NewBuffer(s.Name, s.Content))
	fmt.Fprintf(c.out, "auditioning %s\n", s.Name)
	return nil
}

func (c *Console) status() {
	s := c.clock.Snapshot()
	fmt.Fprintln(c.out, s.String())
	fmt.Fprintf(c.out, "real=%.3fs logical=%.3fs deviation=%.4fs pulses=%d ignored=%d\n",
		s.RealTime, s.LogicalTime, s.Deviation(), s.Pulses, s.IgnoredPulses)
	if b := c.clock.Auditioning(); b != nil {
		fmt.Fprintf(c.out, "auditioning %s\n", b.Name())
	}
	if c.gate != nil {
		g := c.gate.Stats()
		fmt.Fprintf(c.out, "evaluations=%d promoted=%d failed=%d fallbacks=%d timeouts=%d in-flight=%d\n",
			g.Attempts, g.Promotions, g.Failures, g.Fallbacks, g.Timeouts, g.InFlight)
	}
	if last := c.clock.LastPulseAt(); !last.IsZero() {
		fmt.Fprintf(c.out, "last pulse %s ago\n", time.Since(last).Round(time.Millisecond))
	}
}

func (c *Console) listRuns() error {
	if c.runs == nil {
		return fmt.Errorf("runs: %w", ErrUnavailable)
	}
	runs, err := c.runs(10)
	if err != nil {
		return err
	}
	for _, r := range runs {
		stopped := "running"
		if !r.StoppedAt.IsZero() {
			stopped = r.StoppedAt.Sub(r.StartedAt).Round(time.Second).String()
		}
		fmt.Fprintf(c.out, "%s %s %s %s tick=%d fallbacks=%d\n",
			shortID(r.ID), r.StartedAt.Local().Format(time.DateTime), r.Script, stopped, r.FinalTick, r.Fallbacks)
	}
	return nil
}

func floatArg(cmd string, args []string) (float64, error) {
	if len(args) == 0 {
		return 0, fmt.Errorf("%w: %s <value>", ErrMissingArg, cmd)
	}
	v, err := strconv.ParseFloat(args[0], 64)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", cmd, err)
	}
	return v, nil
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
