package filesrv_test

import (
	"errors"
	"io"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"

	"github.com/oszuidwest/zwfm-meter/internal/binding"
	"github.com/oszuidwest/zwfm-meter/internal/binding/filesrv"
	"github.com/oszuidwest/zwfm-meter/internal/meter"
)

// writeWAV writes a 16-bit file whose left channel holds left and right channel right.
func writeWAV(t *testing.T, frames int, left, right float64) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "tone.wav")
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}

	enc := wav.NewEncoder(f, 44100, 16, 2, 1)
	buf := &audio.IntBuffer{
		Format:         &audio.Format{NumChannels: 2, SampleRate: 44100},
		Data:           make([]int, 2*frames),
		SourceBitDepth: 16,
	}
	for i := range frames {
		buf.Data[2*i] = int(left * math.MaxInt16)
		buf.Data[2*i+1] = int(right * math.MaxInt16)
	}
	if err := enc.Write(buf); err != nil {
		t.Fatal(err)
	}
	if err := enc.Close(); err != nil {
		t.Fatal(err)
	}
	if err := f.Close(); err != nil {
		t.Fatal(err)
	}
	return path
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type recorder struct {
	contexts []binding.ContextState
	devices  []binding.DeviceInfo
	eols     int
	streams  []binding.StreamState
	samples  int
	lastErr  error
}

func (r *recorder) OnContextStateChanged(s binding.ContextState, err error) {
	r.contexts = append(r.contexts, s)
	if err != nil {
		r.lastErr = err
	}
}
func (r *recorder) OnServerInfo(binding.ServerInfo, error) {}
func (r *recorder) OnDeviceInfo(info binding.DeviceInfo, eol bool, _ error) {
	if eol {
		r.eols++
		return
	}
	r.devices = append(r.devices, info)
}
func (r *recorder) OnStreamStateChanged(s binding.StreamState, _ error) {
	r.streams = append(r.streams, s)
}
func (r *recorder) OnSampleData(buf binding.Borrowed) {
	r.samples += len(buf.Samples())
	buf.Release()
}

func TestServerRepliesByName(t *testing.T) {
	t.Parallel()

	srv := filesrv.New(filesrv.Options{Path: writeWAV(t, 64, 0.5, 0.25), Logger: quietLogger()})
	t.Cleanup(func() { _ = srv.Close() })

	if err := srv.RequestServerInfo(); !errors.Is(err, filesrv.ErrNotConnected) {
		t.Fatalf("request before connect error = %v", err)
	}

	var rec recorder
	if err := srv.Connect(&rec); err != nil {
		t.Fatal(err)
	}
	if err := srv.RequestSinkInfo(srv.SinkName()); err != nil {
		t.Fatal(err)
	}
	if err := srv.RequestSinkInfo("nonexistent"); err != nil {
		t.Fatal(err)
	}
	if len(rec.contexts) != 0 {
		t.Fatal("replies delivered before Iterate")
	}
	if err := srv.Iterate(); err != nil {
		t.Fatal(err)
	}

	if len(rec.contexts) != 2 || rec.contexts[1] != binding.ContextReady {
		t.Errorf("contexts = %v, want connecting then ready", rec.contexts)
	}
	if len(rec.devices) != 1 || rec.eols != 2 {
		t.Fatalf("got %d records and %d terminators, want 1 and 2", len(rec.devices), rec.eols)
	}
	sink := rec.devices[0]
	if sink.MonitorSourceName != srv.MonitorName() || sink.Channels != 2 || sink.SampleRate != 44100 {
		t.Errorf("sink = %+v", sink)
	}
}

func TestServerConnectFailure(t *testing.T) {
	t.Parallel()

	srv := filesrv.New(filesrv.Options{Path: filepath.Join(t.TempDir(), "missing.wav"), Logger: quietLogger()})
	var rec recorder
	if err := srv.Connect(&rec); err != nil {
		t.Fatal(err)
	}
	_ = srv.Iterate()

	if n := len(rec.contexts); n == 0 || rec.contexts[n-1] != binding.ContextFailed || rec.lastErr == nil {
		t.Errorf("contexts = %v err = %v, want failed with error", rec.contexts, rec.lastErr)
	}
}

func TestServerUnsupportedFormat(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "notes.txt")
	if err := os.WriteFile(path, []byte("hello"), 0o600); err != nil {
		t.Fatal(err)
	}
	_, err := filesrv.New(filesrv.Options{Path: path}).ListDevices(binding.KindSink)
	if !errors.Is(err, filesrv.ErrUnsupportedFormat) {
		t.Errorf("ListDevices() error = %v, want ErrUnsupportedFormat", err)
	}
}

func TestServerListDevices(t *testing.T) {
	t.Parallel()

	srv := filesrv.New(filesrv.Options{Path: writeWAV(t, 16, 0, 0)})
	t.Cleanup(func() { _ = srv.Close() })

	sinks, err := srv.ListDevices(binding.KindSink)
	if err != nil {
		t.Fatal(err)
	}
	sources, err := srv.ListDevices(binding.KindSource)
	if err != nil {
		t.Fatal(err)
	}
	if len(sinks) != 1 || sinks[0].Name != "file.tone.wav" {
		t.Errorf("sinks = %+v", sinks)
	}
	if len(sources) != 1 || sources[0].Name != "file.tone.wav.monitor" {
		t.Errorf("sources = %+v", sources)
	}
}

func TestEngineMetersFile(t *testing.T) {
	t.Parallel()

	srv := filesrv.New(filesrv.Options{
		Path:        writeWAV(t, 4096, 0.5, -0.25),
		BlockFrames: 512,
		Unpaced:     true,
		Logger:      quietLogger(),
	})
	e := meter.New(srv, meter.Options{
		Target: meter.Target{IsSink: true},
		Logger: quietLogger(),
	})
	if err := e.Start(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = e.Close() })

	var peak []meter.ChannelLevel
	deadline := time.Now().Add(5 * time.Second)
	for e.Running() && time.Now().Before(deadline) {
		e.Update(0)
		if levels := e.Levels(); len(levels) == 2 && levels[0].Main > 0 {
			peak = levels
		}
		time.Sleep(time.Millisecond)
	}

	if e.State() != meter.StateTerminated {
		t.Fatalf("State() = %v (err %v), want terminated at end of file", e.State(), e.Err())
	}
	if e.Device() != srv.SinkName() {
		t.Errorf("Device() = %q, want %q", e.Device(), srv.SinkName())
	}
	if peak == nil {
		t.Fatal("no levels were observed")
	}
	if math.Abs(peak[0].Main-0.5) > 0.001 || math.Abs(peak[1].Main-0.25) > 0.001 {
		t.Errorf("levels = %+v, want about 0.5 and 0.25", peak)
	}
}
