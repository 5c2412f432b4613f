package meter

import (
	"log/slog"

	"github.com/go-audio/audio"

	"github.com/oszuidwest/zwfm-meter/internal/binding"
	"github.com/oszuidwest/zwfm-meter/internal/render"
)

// Options configures an Engine.
type Options struct {
	Target Target
	Rates  Rates
	// Painter renders frames in Draw. A green painter is used when nil.
	Painter *render.Painter
	Logger  *slog.Logger
	// OnTransition is called on the update goroutine for every state change.
	OnTransition func(Transition)
}

// Engine owns a metering session and the channel levels it produces.
// It implements binding.Handler; all methods must be called from one goroutine.
type Engine struct {
	client  binding.Client
	session *session
	levels  LevelStore
	queue   SampleQueue
	rates   Rates
	painter *render.Painter
	logger  *slog.Logger
	running bool
}

// New returns an Engine that meters opts.Target through client.
func New(client binding.Client, opts Options) *Engine {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Rates.Main <= 0 {
		opts.Rates.Main = DefaultDecayRate
	}
	if opts.Rates.Peak <= 0 {
		opts.Rates.Peak = DefaultPeakDecayRate
	}
	if opts.Painter == nil {
		opts.Painter = render.NewPainter(render.Style{Bar: render.Green})
	}

	e := &Engine{
		client:  client,
		rates:   opts.Rates,
		painter: opts.Painter,
		logger:  opts.Logger,
		running: true,
	}
	e.session = newSession(client, opts.Target, opts.Logger)
	e.session.onTransition = opts.OnTransition
	e.session.onResolved = func(channels int) {
		if e.levels.Resize(channels) {
			e.logger.Debug("channel levels allocated", "channels", channels)
		}
	}
	return e
}

// Start connects to the audio server. Replies arrive during later Updates.
func (e *Engine) Start() error {
	if err := e.client.Connect(e); err != nil {
		e.session.fail(ErrConnection, "connect: %v", err)
		e.running = false
		return e.session.err
	}
	return nil
}

// Update advances the engine by dt seconds: it delivers pending audio server
// replies, levels every queued block and decays all channels. Once the session
// has failed or terminated, Running reports false.
func (e *Engine) Update(dt float64) {
	if err := e.client.Iterate(); err != nil {
		e.session.fail(ErrConnection, "iterate: %v", err)
	}

	e.levels.BeginFrame()
	for _, block := range e.queue.DrainAll() {
		e.levels.Apply(block.Data)
	}
	e.levels.Decay(dt, e.rates)

	if e.running && e.session.state.Done() {
		e.logger.Info("metering stopped", "state", e.session.state)
		e.running = false
	}
}

// Draw returns the current levels as a frame. It does not change engine state.
func (e *Engine) Draw() render.Frame {
	levels := make([]render.Level, e.levels.Len())
	for i := range levels {
		c := e.levels.Channel(i)
		levels[i] = render.Level{Main: c.Main, RecentMax: c.RecentMax, RecentMaxTimer: c.RecentMaxTimer}
	}
	frame := e.painter.Paint(levels)
	frame.State = string(e.session.state)
	frame.Device = e.session.target.Name
	return frame
}

// Running reports whether the scheduler should keep calling Update and Draw.
func (e *Engine) Running() bool {
	return e.running
}

// Stop asks the scheduler to stop without ending the session.
func (e *Engine) Stop() {
	e.running = false
}

// State returns the session state.
func (e *Engine) State() State {
	return e.session.state
}

// Err returns the diagnostic of a failed session, or nil.
func (e *Engine) Err() error {
	return e.session.err
}

// Device returns the metered device name, once known.
func (e *Engine) Device() string {
	return e.session.target.Name
}

// Stream returns the open capture stream, or nil.
func (e *Engine) Stream() *StreamSession {
	return e.session.stream
}

// Levels returns a copy of the channel levels.
func (e *Engine) Levels() []ChannelLevel {
	return e.levels.Snapshot()
}

// Pending returns the number of sample blocks waiting for the next Update.
func (e *Engine) Pending() int {
	return e.queue.Len()
}

// Close tears down the stream and the server connection.
func (e *Engine) Close() error {
	e.running = false
	return e.session.close()
}

// OnContextStateChanged implements binding.Handler.
func (e *Engine) OnContextStateChanged(state binding.ContextState, err error) {
	e.session.handleContextState(state, err)
}

// OnServerInfo implements binding.Handler.
func (e *Engine) OnServerInfo(info binding.ServerInfo, err error) {
	e.session.handleServerInfo(info, err)
}

// OnDeviceInfo implements binding.Handler.
func (e *Engine) OnDeviceInfo(info binding.DeviceInfo, eol bool, err error) {
	e.session.handleDeviceInfo(info, eol, err)
}

// OnStreamStateChanged implements binding.Handler.
func (e *Engine) OnStreamStateChanged(state binding.StreamState, err error) {
	e.session.handleStreamState(state, err)
}

// OnSampleData implements binding.Handler. The samples are copied into a new
// block and buf is released before returning.
func (e *Engine) OnSampleData(buf binding.Borrowed) {
	defer buf.Release()

	samples := buf.Samples()
	if len(samples) == 0 || e.session.stream == nil {
		return
	}

	block := &audio.Float32Buffer{
		Format: &audio.Format{
			NumChannels: e.session.stream.Channels,
			SampleRate:  int(e.session.stream.SampleRate),
		},
		Data:           make([]float32, len(samples)),
		SourceBitDepth: 32,
	}
	copy(block.Data, samples)
	e.queue.Push(block)
}
