// Package main provides a real-time audio level meter for PulseAudio sinks and sources.
//
// Usage:
//
//	zwfm-meter [-sink NAME | -source NAME] [-f FPS] [-red|-green|-blue|-magenta|-yellow|-cyan]
//	           [-color HEX] [-hide-markings] [-list-sinks | -list-sources]
//	           [-config path] [-file path] [-port N] [-log-level LEVEL]
//
// Without -sink or -source the monitor of the server's default sink is metered.
// Levels are drawn by the web view served on -port.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"text/tabwriter"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/oszuidwest/zwfm-meter/internal/binding"
	"github.com/oszuidwest/zwfm-meter/internal/binding/filesrv"
	"github.com/oszuidwest/zwfm-meter/internal/binding/pulseaudio"
	"github.com/oszuidwest/zwfm-meter/internal/config"
	"github.com/oszuidwest/zwfm-meter/internal/eventlog"
	"github.com/oszuidwest/zwfm-meter/internal/loop"
	"github.com/oszuidwest/zwfm-meter/internal/meter"
	"github.com/oszuidwest/zwfm-meter/internal/render"
	"github.com/oszuidwest/zwfm-meter/internal/util"
)

// audioServer is a binding client that can also list its devices.
type audioServer interface {
	binding.Client
	binding.Lister
}

// options holds the parsed command line.
type options struct {
	configPath  string
	filePath    string
	server      string
	listSinks   bool
	listSources bool
	showVersion bool

	// Overrides applied on top of the config file.
	device       *string
	sink         *bool
	framerate    *int
	color        *string
	hideMarkings *bool
	port         *int
	logLevel     *string
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

// parseFlags parses args. Later device and color flags win over earlier ones.
func parseFlags(args []string, stderr io.Writer) (*options, error) {
	var o options
	fs := flag.NewFlagSet("zwfm-meter", flag.ContinueOnError)
	fs.SetOutput(stderr)

	setDevice := func(sink bool) func(string) error {
		return func(name string) error {
			o.device, o.sink = &name, &sink
			return nil
		}
	}
	fs.Func("sink", "meter the monitor of sink `NAME`", setDevice(true))
	fs.Func("source", "meter source `NAME`", setDevice(false))

	for _, name := range render.PresetNames {
		fs.BoolFunc(name, "draw "+name+" bars", func(string) error {
			o.color = &name
			return nil
		})
	}
	fs.Func("color", "bar color as `HEX` (RRGGBB or #RRGGBB)", func(v string) error {
		if _, err := render.ParseColor(v); err != nil {
			return err
		}
		o.color = &v
		return nil
	})

	framerate := fs.Int("f", config.DefaultFramerate, "target draw rate in frames per second")
	hide := fs.Bool("hide-markings", false, "hide the reference lines")
	port := fs.Int("port", config.DefaultWebPort, "web view port")
	logLevel := fs.String("log-level", config.DefaultLogLevel, "log level (error, warn, info, debug)")

	fs.BoolVar(&o.listSinks, "list-sinks", false, "list sinks and exit")
	fs.BoolVar(&o.listSources, "list-sources", false, "list sources and exit")
	fs.StringVar(&o.configPath, "config", "", "path to a JSON or YAML config file")
	fs.StringVar(&o.filePath, "file", "", "meter an audio file (wav, mp3, ogg) instead of the audio server")
	fs.StringVar(&o.server, "server", "", "audio server address (default from the environment)")
	fs.BoolVar(&o.showVersion, "version", false, "print version information and exit")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if fs.NArg() > 0 {
		fs.Usage()
		return nil, fmt.Errorf("unexpected arguments: %v", fs.Args())
	}
	if *framerate < 1 {
		fs.Usage()
		return nil, fmt.Errorf("invalid framerate %d", *framerate)
	}

	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "f":
			o.framerate = framerate
		case "hide-markings":
			o.hideMarkings = hide
		case "port":
			o.port = port
		case "log-level":
			o.logLevel = logLevel
		}
	})
	return &o, nil
}

// apply overrides cfg with the values given on the command line.
func (o *options) apply(cfg *config.Config) {
	if o.device != nil {
		cfg.Meter.Device, cfg.Meter.Sink = *o.device, *o.sink
	}
	if o.framerate != nil {
		cfg.Meter.Framerate = *o.framerate
	}
	if o.color != nil {
		cfg.Meter.Color = *o.color
	}
	if o.hideMarkings != nil {
		cfg.Meter.HideMarkings = *o.hideMarkings
	}
	if o.port != nil {
		cfg.Web.Port = *o.port
	}
	if o.logLevel != nil {
		cfg.Log.Level = *o.logLevel
	}
}

func run(args []string, stdout, stderr io.Writer) int {
	opts, err := parseFlags(args, stderr)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 1
	}

	if opts.showVersion {
		fmt.Fprintf(stdout, "zwfm-meter %s (commit %s, built %s)\n", Version, Commit, util.FormatHumanTime(BuildTime))
		return 0
	}

	cfg := config.New(opts.configPath)
	if err := cfg.Load(); err != nil {
		fmt.Fprintf(stderr, "failed to load config: %v\n", err)
		return 1
	}
	if err := cfg.Override(opts.apply); err != nil {
		fmt.Fprintf(stderr, "invalid options: %v\n", err)
		return 1
	}
	snap := cfg.Snapshot()

	level, err := util.ParseLogLevel(snap.LogLevel)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	logger := util.SetupLogger(stderr, level)
	if opts.configPath != "" {
		logger.Info("using config file", "path", opts.configPath)
	}

	srv := newAudioServer(opts, logger)

	if opts.listSinks || opts.listSources {
		kind := binding.KindSource
		if opts.listSinks {
			kind = binding.KindSink
		}
		err := listDevices(stdout, srv, kind)
		if cerr := srv.Close(); cerr != nil {
			logger.Debug("failed to close audio server", "error", cerr)
		}
		if err != nil {
			logger.Error("failed to list devices", "error", err)
			return 1
		}
		return 0
	}

	return meterDevice(cfg, srv, logger)
}

func newAudioServer(opts *options, logger *slog.Logger) audioServer {
	if opts.filePath != "" {
		return filesrv.New(filesrv.Options{Path: opts.filePath, Logger: logger})
	}
	return pulseaudio.New(pulseaudio.Options{Server: opts.server, Logger: logger})
}

// listDevices prints one device per line: name, channels, rate and description.
func listDevices(w io.Writer, l binding.Lister, kind binding.DeviceKind) error {
	devices, err := l.ListDevices(kind)
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	for _, d := range devices {
		fmt.Fprintf(tw, "%s\t%d ch\t%d Hz\t%s\n", d.Name, d.Channels, d.SampleRate, d.Description)
	}
	return tw.Flush()
}

// meterDevice runs a metering session until it ends or a shutdown signal arrives.
func meterDevice(cfg *config.Config, srv audioServer, logger *slog.Logger) int {
	snap := cfg.Snapshot()

	color, err := render.ParseColor(snap.Color)
	if err != nil {
		logger.Error("invalid bar color", "error", err)
		return 1
	}
	painter := render.NewPainter(render.Style{
		Bar:              color,
		HideMarkings:     snap.HideMarkings,
		WarningThreshold: snap.WarningThreshold,
	})

	var events *eventlog.Logger
	if snap.EventLog != "" {
		if events, err = eventlog.NewLogger(snap.EventLog); err != nil {
			logger.Warn("event log disabled", "path", snap.EventLog, "error", err)
			events = nil
		}
	}
	session := newSessionRecorder(events, snap.Sink, logger)

	engine := meter.New(srv, meter.Options{
		Target:       meter.Target{Name: snap.Device, IsSink: snap.Sink},
		Rates:        meter.Rates{Main: snap.DecayRate, Peak: snap.PeakDecayRate},
		Painter:      painter,
		Logger:       logger,
		OnTransition: session.transition,
	})

	ctx, stop := signal.NotifyContext(context.Background(), util.ShutdownSignals()...)
	defer stop()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	version := NewVersionChecker()
	var web *Server
	if snap.WebEnabled {
		web = NewServer(cfg, painter, events, version)
	}
	game := &meterGame{engine: engine, web: web}

	session.start(snap.Device)
	if err := engine.Start(); err != nil {
		logger.Error("failed to start metering", "error", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer cancel()
		err := loop.Run(gctx, loop.Config{DrawRate: snap.Framerate}, game)
		if errors.Is(err, loop.ErrStopped) || errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	if web != nil {
		g.Go(func() error {
			return web.ListenAndServe(gctx)
		})
	}
	if snap.UpdateCheck {
		g.Go(func() error {
			version.Run(gctx)
			return nil
		})
	}

	runErr := g.Wait()
	game.Draw()

	closeErr := util.CloseAll(engine.Close, session.close)
	if closeErr != nil {
		logger.Warn("error during teardown", "error", closeErr)
	}

	if err := engine.Err(); err != nil {
		logger.Error("metering failed", "state", engine.State(), "error", err)
		return 1
	}
	if runErr != nil {
		logger.Error("shutdown after error", "error", runErr)
		return 1
	}
	logger.Info("shutdown complete", "state", engine.State())
	return 0
}

// meterGame drives the engine from the loop and publishes its frames.
type meterGame struct {
	engine *meter.Engine
	web    *Server
}

func (g *meterGame) Running() bool { return g.engine.Running() }

func (g *meterGame) Update(dt float64) { g.engine.Update(dt) }

func (g *meterGame) Draw() {
	frame := g.engine.Draw()
	if g.web == nil {
		return
	}
	var errMsg string
	if err := g.engine.Err(); err != nil {
		errMsg = err.Error()
	}
	g.web.Publish(frame, errMsg)
}

// sessionRecorder writes session lifecycle events to the log and the event log.
type sessionRecorder struct {
	events  *eventlog.Logger
	sink    bool
	logger  *slog.Logger
	started time.Time
	device  string
}

func newSessionRecorder(events *eventlog.Logger, sink bool, logger *slog.Logger) *sessionRecorder {
	return &sessionRecorder{events: events, sink: sink, logger: logger}
}

func (r *sessionRecorder) start(device string) {
	r.started = time.Now()
	r.device = device
	r.log(eventlog.SessionStarted, "metering session started", eventlog.SessionDetails{Device: device, Sink: r.sink})
}

func (r *sessionRecorder) transition(t meter.Transition) {
	r.device = t.Device
	details := eventlog.SessionDetails{Device: t.Device, Sink: r.sink, From: string(t.From), To: string(t.To)}
	if t.Err != nil {
		details.Error = t.Err.Error()
	}
	r.logger.Info("session state changed", "from", t.From, "to", t.To, "device", t.Device)
	r.log(eventlog.StateChanged, "state changed", details)

	if t.To == meter.StateFailed {
		r.log(eventlog.SessionFailed, "metering session failed", details)
	}
}

func (r *sessionRecorder) close() error {
	uptime := time.Since(r.started)
	r.log(eventlog.SessionEnded, "metering session ended", eventlog.SessionDetails{
		Device:     r.device,
		Sink:       r.sink,
		UptimeSecs: int64(uptime / time.Second),
	})
	r.logger.Info("metering session ended", "uptime", util.FormatDuration(uptime))
	if r.events == nil {
		return nil
	}
	return r.events.Close()
}

func (r *sessionRecorder) log(t eventlog.EventType, msg string, details eventlog.SessionDetails) {
	if r.events == nil {
		return
	}
	if err := r.events.LogSession(t, msg, details); err != nil {
		r.logger.Warn("failed to write event log", "error", err)
	}
}
