package meter

import (
	"errors"
	"slices"
	"testing"

	"github.com/oszuidwest/zwfm-meter/internal/binding"
)

func newTestEngine(t *testing.T, target Target) (*Engine, *fakeClient, *[]Transition) {
	t.Helper()

	client := &fakeClient{}
	var transitions []Transition
	e := New(client, Options{
		Target: target,
		Logger: discardLogger(),
		OnTransition: func(tr Transition) {
			transitions = append(transitions, tr)
		},
	})
	if err := e.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	return e, client, &transitions
}

// openSink walks a sink target through the whole handshake.
func openSink(t *testing.T, e *Engine, c *fakeClient) {
	t.Helper()

	c.context(binding.ContextConnecting, nil)
	c.context(binding.ContextReady, nil)
	e.Update(0)
	c.device(sinkInfo("speakers", "speakers.monitor"), false, nil)
	c.device(binding.DeviceInfo{Kind: binding.KindSink}, true, nil)
	e.Update(0)
	c.device(sourceInfo("speakers.monitor", 2), false, nil)
	c.device(binding.DeviceInfo{Kind: binding.KindSource}, true, nil)
	e.Update(0)
	c.stream(binding.StreamCreating, nil)
	c.stream(binding.StreamReady, nil)
	e.Update(0)

	if e.State() != StateReady {
		t.Fatalf("State() = %v after handshake, want ready (err %v)", e.State(), e.Err())
	}
}

func TestEngineSinkHandshake(t *testing.T) {
	t.Parallel()

	e, c, transitions := newTestEngine(t, Target{Name: "speakers", IsSink: true})
	openSink(t, e, c)

	if !slices.Equal(c.sinkRequests, []string{"speakers"}) {
		t.Errorf("sink requests = %v", c.sinkRequests)
	}
	if !slices.Equal(c.sourceRequests, []string{"speakers.monitor"}) {
		t.Errorf("source requests = %v, want monitor source", c.sourceRequests)
	}
	if c.serverInfoRequests != 0 {
		t.Errorf("named target requested server info %d times", c.serverInfoRequests)
	}
	if len(c.streams) != 1 {
		t.Fatalf("opened %d streams, want 1", len(c.streams))
	}
	spec := c.streams[0]
	if spec.Device != "speakers.monitor" || spec.Format != binding.FormatFloat32LE ||
		spec.SampleRate != 44100 || spec.Channels != 2 || !spec.PeakDetect {
		t.Errorf("stream spec = %+v", spec)
	}
	if got := len(e.Levels()); got != 2 {
		t.Errorf("channel count = %d, want 2", got)
	}

	want := []State{StateProcessing, StateReady}
	var got []State
	for _, tr := range *transitions {
		got = append(got, tr.To)
	}
	if !slices.Equal(got, want) {
		t.Errorf("transitions = %v, want %v", got, want)
	}
}

func TestEngineLevelsSamples(t *testing.T) {
	t.Parallel()

	e, c, _ := newTestEngine(t, Target{Name: "speakers", IsSink: true})
	openSink(t, e, c)

	c.samples(0.2, -0.9, 0.1, 0.05)
	e.Update(0.016)

	levels := e.Levels()
	if !near(levels[0].Main, 0.2) {
		t.Errorf("ch0 Main = %v, want 0.2", levels[0].Main)
	}
	if !near(levels[1].Main, 0.9) || !near(levels[1].RecentMax, 0.9) {
		t.Errorf("ch1 = %+v, want main and peak 0.9", levels[1])
	}
	if levels[1].RecentMaxTimer != 1 {
		t.Errorf("ch1 timer = %v, want 1", levels[1].RecentMaxTimer)
	}

	e.Update(0.1)
	levels = e.Levels()
	if !near(levels[1].Main, 0.7) {
		t.Errorf("ch1 Main after decay = %v, want 0.7", levels[1].Main)
	}
	if !near(levels[1].RecentMaxTimer, 0.9) {
		t.Errorf("ch1 timer after decay = %v, want 0.9", levels[1].RecentMaxTimer)
	}
}

func TestEngineDefaultSource(t *testing.T) {
	t.Parallel()

	e, c, _ := newTestEngine(t, Target{})

	c.context(binding.ContextReady, nil)
	e.Update(0)
	if c.serverInfoRequests != 1 {
		t.Fatalf("server info requests = %d, want 1", c.serverInfoRequests)
	}

	c.serverInfo(binding.ServerInfo{DefaultSinkName: "speakers", DefaultSourceName: "mic"}, nil)
	e.Update(0)
	if !slices.Equal(c.sourceRequests, []string{"mic"}) {
		t.Fatalf("source requests = %v, want [mic]", c.sourceRequests)
	}
	if len(c.sinkRequests) != 0 {
		t.Errorf("source target requested sink info: %v", c.sinkRequests)
	}
	if e.Device() != "mic" {
		t.Errorf("Device() = %q, want mic", e.Device())
	}

	c.device(sourceInfo("mic", 1), false, nil)
	c.device(binding.DeviceInfo{Kind: binding.KindSource}, true, nil)
	c.stream(binding.StreamReady, nil)
	e.Update(0)

	if e.State() != StateReady {
		t.Fatalf("State() = %v, want ready", e.State())
	}
	if got := len(e.Levels()); got != 1 {
		t.Errorf("channel count = %d, want 1", got)
	}
}

func TestEngineDefaultSink(t *testing.T) {
	t.Parallel()

	e, c, _ := newTestEngine(t, Target{IsSink: true})
	c.context(binding.ContextReady, nil)
	c.serverInfo(binding.ServerInfo{DefaultSinkName: "speakers", DefaultSourceName: "mic"}, nil)
	e.Update(0)

	if !slices.Equal(c.sinkRequests, []string{"speakers"}) {
		t.Errorf("sink requests = %v, want [speakers]", c.sinkRequests)
	}
}

func TestEngineDuplicateRepliesAreIgnored(t *testing.T) {
	t.Parallel()

	e, c, _ := newTestEngine(t, Target{Name: "speakers", IsSink: true})
	c.context(binding.ContextReady, nil)
	c.context(binding.ContextReady, nil)
	e.Update(0)

	c.device(sinkInfo("speakers", "speakers.monitor"), false, nil)
	c.device(sinkInfo("speakers", "speakers.monitor"), false, nil)
	c.device(binding.DeviceInfo{Kind: binding.KindSink}, true, nil)
	e.Update(0)

	c.device(sourceInfo("speakers.monitor", 2), false, nil)
	c.device(sourceInfo("speakers.monitor", 2), false, nil)
	c.device(binding.DeviceInfo{Kind: binding.KindSource}, true, nil)
	e.Update(0)

	if len(c.sinkRequests) != 1 {
		t.Errorf("sink requests = %d, want 1", len(c.sinkRequests))
	}
	if len(c.sourceRequests) != 1 {
		t.Errorf("source requests = %d, want 1", len(c.sourceRequests))
	}
	if len(c.streams) != 1 {
		t.Errorf("streams opened = %d, want 1", len(c.streams))
	}
	if e.State() == StateFailed {
		t.Errorf("duplicates failed the session: %v", e.Err())
	}
}

func TestEngineFailures(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		target Target
		script func(c *fakeClient)
		kind   error
	}{
		{
			name:   "connection failed",
			target: Target{Name: "speakers", IsSink: true},
			script: func(c *fakeClient) {
				c.context(binding.ContextFailed, errors.New("connection refused"))
			},
			kind: ErrConnection,
		},
		{
			name:   "sink not found",
			target: Target{Name: "nonexistent", IsSink: true},
			script: func(c *fakeClient) {
				c.context(binding.ContextReady, nil)
				c.device(binding.DeviceInfo{Kind: binding.KindSink}, true, nil)
			},
			kind: ErrResolution,
		},
		{
			name:   "sink lookup error",
			target: Target{Name: "speakers", IsSink: true},
			script: func(c *fakeClient) {
				c.context(binding.ContextReady, nil)
				c.device(binding.DeviceInfo{Kind: binding.KindSink}, false, errBoom)
			},
			kind: ErrResolution,
		},
		{
			name:   "monitor not found",
			target: Target{Name: "speakers", IsSink: true},
			script: func(c *fakeClient) {
				c.context(binding.ContextReady, nil)
				c.device(sinkInfo("speakers", "speakers.monitor"), false, nil)
				c.device(binding.DeviceInfo{Kind: binding.KindSink}, true, nil)
				c.device(binding.DeviceInfo{Kind: binding.KindSource}, true, nil)
			},
			kind: ErrResolution,
		},
		{
			name:   "server info error",
			target: Target{},
			script: func(c *fakeClient) {
				c.context(binding.ContextReady, nil)
				c.serverInfo(binding.ServerInfo{}, errBoom)
			},
			kind: ErrResolution,
		},
		{
			name:   "no default device",
			target: Target{},
			script: func(c *fakeClient) {
				c.context(binding.ContextReady, nil)
				c.serverInfo(binding.ServerInfo{DefaultSinkName: "speakers"}, nil)
			},
			kind: ErrResolution,
		},
		{
			name:   "stream failed",
			target: Target{Name: "mic"},
			script: func(c *fakeClient) {
				c.context(binding.ContextReady, nil)
				c.device(sourceInfo("mic", 2), false, nil)
				c.device(binding.DeviceInfo{Kind: binding.KindSource}, true, nil)
				c.stream(binding.StreamFailed, errBoom)
			},
			kind: ErrStream,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			e, c, _ := newTestEngine(t, tt.target)
			tt.script(c)
			e.Update(0.01)

			if e.State() != StateFailed {
				t.Fatalf("State() = %v, want failed", e.State())
			}
			if !errors.Is(e.Err(), tt.kind) {
				t.Errorf("Err() = %v, want %v", e.Err(), tt.kind)
			}
			if e.Running() {
				t.Error("Running() = true after failure")
			}
		})
	}
}

func TestEngineStreamFailureAfterReady(t *testing.T) {
	t.Parallel()

	e, c, transitions := newTestEngine(t, Target{Name: "speakers", IsSink: true})
	openSink(t, e, c)

	c.stream(binding.StreamFailed, nil)
	c.stream(binding.StreamFailed, errBoom)
	e.Update(0.01)

	if !errors.Is(e.Err(), ErrStream) {
		t.Fatalf("Err() = %v, want ErrStream", e.Err())
	}
	last := (*transitions)[len(*transitions)-1]
	if last.From != StateReady || last.To != StateFailed {
		t.Errorf("last transition = %+v", last)
	}
	if n := len(*transitions); n != 3 {
		t.Errorf("transitions = %d, want a single failure after ready", n)
	}
}

func TestEngineTerminated(t *testing.T) {
	t.Parallel()

	e, c, _ := newTestEngine(t, Target{Name: "speakers", IsSink: true})
	openSink(t, e, c)

	c.stream(binding.StreamTerminated, nil)
	e.Update(0.01)

	if e.State() != StateTerminated || e.Err() != nil {
		t.Errorf("State() = %v Err() = %v, want terminated without error", e.State(), e.Err())
	}
	if e.Running() {
		t.Error("Running() = true after termination")
	}
}

func TestEngineIterateError(t *testing.T) {
	t.Parallel()

	e, c, _ := newTestEngine(t, Target{Name: "mic"})
	c.iterateErr = errBoom
	e.Update(0.01)

	if !errors.Is(e.Err(), ErrConnection) {
		t.Errorf("Err() = %v, want ErrConnection", e.Err())
	}
}

func TestEngineOpenStreamError(t *testing.T) {
	t.Parallel()

	e, c, _ := newTestEngine(t, Target{Name: "mic"})
	c.openErr = errBoom
	c.context(binding.ContextReady, nil)
	c.device(sourceInfo("mic", 2), false, nil)
	e.Update(0)

	if !errors.Is(e.Err(), ErrStream) {
		t.Errorf("Err() = %v, want ErrStream", e.Err())
	}
}

func TestEngineConnectError(t *testing.T) {
	t.Parallel()

	client := &fakeClient{connectErr: errBoom}
	e := New(client, Options{Logger: discardLogger()})
	if err := e.Start(); !errors.Is(err, ErrConnection) {
		t.Fatalf("Start() error = %v, want ErrConnection", err)
	}
	if e.Running() {
		t.Error("Running() = true after failed connect")
	}
}

func TestEngineIgnoresSamplesBeforeStream(t *testing.T) {
	t.Parallel()

	e, c, _ := newTestEngine(t, Target{Name: "mic"})
	c.samples(0.5, 0.5)
	e.Update(0.01)

	if len(e.Levels()) != 0 || e.Pending() != 0 {
		t.Errorf("samples before stream were kept: levels %v pending %d", e.Levels(), e.Pending())
	}
}

func TestEngineDraw(t *testing.T) {
	t.Parallel()

	e, c, _ := newTestEngine(t, Target{Name: "speakers", IsSink: true})
	openSink(t, e, c)
	c.samples(0.5, 0.25)
	e.Update(0)

	before := e.Levels()
	frame := e.Draw()
	if frame.State != string(StateReady) || frame.Device != "speakers" {
		t.Errorf("frame header = %q %q", frame.State, frame.Device)
	}
	if frame.Channels != 2 || len(frame.Bars) != 4 {
		t.Errorf("frame has %d channels and %d bars, want 2 and 4", frame.Channels, len(frame.Bars))
	}
	if !slices.Equal(before, e.Levels()) {
		t.Error("Draw changed levels")
	}
}

func TestEngineClose(t *testing.T) {
	t.Parallel()

	e, c, _ := newTestEngine(t, Target{Name: "speakers", IsSink: true})
	openSink(t, e, c)

	if err := e.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if c.streamClosed != 1 || c.closed != 1 {
		t.Errorf("streamClosed = %d closed = %d, want 1 and 1", c.streamClosed, c.closed)
	}
	if e.Running() || e.Stream() != nil {
		t.Error("engine still running after Close")
	}
}
