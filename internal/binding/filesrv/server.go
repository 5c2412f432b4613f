// Package filesrv serves an audio file through the binding contract, as if it
// were the output of a sink on an audio server. The sink is named
// "file.<base name>" and its monitor source "<sink>.monitor".
package filesrv

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/oszuidwest/zwfm-meter/internal/binding"
	"github.com/oszuidwest/zwfm-meter/internal/util"
)

// DefaultBlockFrames is the number of frames per delivered block.
const DefaultBlockFrames = 1024

// ErrNotConnected is returned for requests made before Connect.
var ErrNotConnected = errors.New("file server not connected")

// Options configures a Server.
type Options struct {
	// Path is the WAV, MP3 or Ogg Vorbis file to serve.
	Path string
	// BlockFrames is the number of frames per sample block.
	BlockFrames int
	// Unpaced delivers blocks as fast as they decode instead of in real time.
	Unpaced bool
	Logger  *slog.Logger
}

// Server is a binding.Client and binding.Lister backed by a file.
type Server struct {
	opts    Options
	logger  *slog.Logger
	mailbox binding.Mailbox
	pool    binding.BufferPool

	sinkName    string
	monitorName string

	mu      sync.Mutex
	handler binding.Handler
	dec     decoder
	file    io.Closer
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New returns a Server for opts.Path. The file is opened by Connect.
func New(opts Options) *Server {
	if opts.BlockFrames <= 0 {
		opts.BlockFrames = DefaultBlockFrames
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	sink := "file." + filepath.Base(opts.Path)
	return &Server{
		opts:        opts,
		logger:      opts.Logger.With("file_server", uuid.NewString()),
		sinkName:    sink,
		monitorName: sink + ".monitor",
	}
}

// SinkName returns the name of the emulated sink.
func (s *Server) SinkName() string { return s.sinkName }

// MonitorName returns the name of the emulated monitor source.
func (s *Server) MonitorName() string { return s.monitorName }

// Connect opens and probes the file. The outcome is reported as context states.
func (s *Server) Connect(h binding.Handler) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if h == nil {
		return errors.New("nil handler")
	}
	s.handler = h
	s.post(func(h binding.Handler) { h.OnContextStateChanged(binding.ContextConnecting, nil) })

	dec, file, err := openDecoder(s.opts.Path)
	if err != nil {
		err = util.WrapError("open audio file", err)
		s.post(func(h binding.Handler) { h.OnContextStateChanged(binding.ContextFailed, err) })
		return nil
	}
	s.dec = dec
	s.file = file
	s.logger.Info("serving audio file", "path", s.opts.Path,
		"rate", dec.SampleRate(), "channels", dec.Channels(), "sink", s.sinkName)

	s.post(func(h binding.Handler) { h.OnContextStateChanged(binding.ContextReady, nil) })
	return nil
}

func (s *Server) post(fn func(binding.Handler)) {
	s.mailbox.Post(fn)
}

func (s *Server) connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dec != nil
}

// RequestServerInfo reports the file sink and its monitor as the defaults.
func (s *Server) RequestServerInfo() error {
	if !s.connected() {
		return ErrNotConnected
	}
	info := binding.ServerInfo{DefaultSinkName: s.sinkName, DefaultSourceName: s.monitorName}
	s.post(func(h binding.Handler) { h.OnServerInfo(info, nil) })
	return nil
}

// RequestSinkInfo replies with the file sink if name matches, then a terminator.
func (s *Server) RequestSinkInfo(name string) error {
	return s.requestInfo(binding.KindSink, name)
}

// RequestSourceInfo replies with the monitor source if name matches, then a terminator.
func (s *Server) RequestSourceInfo(name string) error {
	return s.requestInfo(binding.KindSource, name)
}

func (s *Server) requestInfo(kind binding.DeviceKind, name string) error {
	if !s.connected() {
		return ErrNotConnected
	}
	if info := s.device(kind); info.Name == name {
		s.post(func(h binding.Handler) { h.OnDeviceInfo(info, false, nil) })
	}
	s.post(func(h binding.Handler) { h.OnDeviceInfo(binding.DeviceInfo{Kind: kind}, true, nil) })
	return nil
}

func (s *Server) device(kind binding.DeviceKind) binding.DeviceInfo {
	s.mu.Lock()
	rate, channels := s.dec.SampleRate(), s.dec.Channels()
	s.mu.Unlock()

	info := binding.DeviceInfo{
		Kind:       kind,
		SampleRate: uint32(rate),
		Channels:   channels,
		ChannelMap: channelMap(channels),
	}
	if kind == binding.KindSink {
		info.Name = s.sinkName
		info.Description = filepath.Base(s.opts.Path)
		info.MonitorSourceName = s.monitorName
	} else {
		info.Name = s.monitorName
		info.Description = "Monitor of " + filepath.Base(s.opts.Path)
	}
	return info
}

// ListDevices implements binding.Lister. It opens the file if needed.
func (s *Server) ListDevices(kind binding.DeviceKind) ([]binding.DeviceInfo, error) {
	if !s.connected() {
		dec, file, err := openDecoder(s.opts.Path)
		if err != nil {
			return nil, util.WrapError("open audio file", err)
		}
		s.mu.Lock()
		s.dec, s.file = dec, file
		s.mu.Unlock()
	}
	return []binding.DeviceInfo{s.device(kind)}, nil
}

// OpenRecordStream starts delivering the file as sample blocks.
func (s *Server) OpenRecordStream(spec binding.StreamSpec) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.dec == nil {
		return ErrNotConnected
	}
	if s.cancel != nil {
		return errors.New("capture stream already open")
	}

	s.post(func(h binding.Handler) { h.OnStreamStateChanged(binding.StreamCreating, nil) })

	switch {
	case spec.Device != s.monitorName:
		err := fmt.Errorf("no such source %q", spec.Device)
		s.post(func(h binding.Handler) { h.OnStreamStateChanged(binding.StreamFailed, err) })
		return nil
	case spec.Format != binding.FormatFloat32LE:
		err := fmt.Errorf("unsupported sample format %q", spec.Format)
		s.post(func(h binding.Handler) { h.OnStreamStateChanged(binding.StreamFailed, err) })
		return nil
	case spec.Channels != s.dec.Channels() || int(spec.SampleRate) != s.dec.SampleRate():
		err := fmt.Errorf("stream %d ch at %d Hz does not match file %d ch at %d Hz",
			spec.Channels, spec.SampleRate, s.dec.Channels(), s.dec.SampleRate())
		s.post(func(h binding.Handler) { h.OnStreamStateChanged(binding.StreamFailed, err) })
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.post(func(h binding.Handler) { h.OnStreamStateChanged(binding.StreamReady, nil) })

	s.wg.Add(1)
	go s.pump(ctx, s.dec)
	return nil
}

// pump decodes blocks and posts them, paced to the file's sample rate.
func (s *Server) pump(ctx context.Context, dec decoder) {
	defer s.wg.Done()

	block := make([]float32, s.opts.BlockFrames*dec.Channels())
	var tick <-chan time.Time
	if !s.opts.Unpaced {
		period := time.Duration(s.opts.BlockFrames) * time.Second / time.Duration(dec.SampleRate())
		ticker := time.NewTicker(period)
		defer ticker.Stop()
		tick = ticker.C
	}

	blocks := 0
	for {
		n, err := dec.Read(block)
		if n > 0 {
			buf := s.pool.Borrow(block[:n])
			s.post(func(h binding.Handler) { h.OnSampleData(buf) })
			blocks++
		}
		if errors.Is(err, io.EOF) || (n == 0 && err == nil) {
			s.logger.Info("end of audio file", "blocks", blocks)
			s.post(func(h binding.Handler) { h.OnStreamStateChanged(binding.StreamTerminated, nil) })
			return
		}
		if err != nil {
			s.logger.Error("decode failed", "error", err)
			s.post(func(h binding.Handler) { h.OnStreamStateChanged(binding.StreamFailed, err) })
			return
		}

		if tick != nil {
			select {
			case <-ctx.Done():
				return
			case <-tick:
			}
		} else if ctx.Err() != nil {
			return
		}
	}
}

// Iterate delivers pending replies to the handler.
func (s *Server) Iterate() error {
	s.mu.Lock()
	h := s.handler
	s.mu.Unlock()
	if h == nil {
		return ErrNotConnected
	}
	s.mailbox.Drain(h)
	return nil
}

// CloseStream stops delivery and waits for the pump to exit.
func (s *Server) CloseStream() error {
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
		s.wg.Wait()
	}
	return nil
}

// Close stops the stream and closes the file.
func (s *Server) Close() error {
	if err := s.CloseStream(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	s.dec = nil
	return err
}

func channelMap(channels int) []string {
	switch channels {
	case 1:
		return []string{"mono"}
	case 2:
		return []string{"front-left", "front-right"}
	}
	m := make([]string, channels)
	for i := range m {
		m[i] = fmt.Sprintf("aux%d", i)
	}
	return m
}
