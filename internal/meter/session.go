package meter

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/oszuidwest/zwfm-meter/internal/binding"
)

// StreamSession describes the open capture stream.
type StreamSession struct {
	Device     string
	Format     binding.SampleFormat
	SampleRate uint32
	Channels   int
	ChannelMap []string
}

// session drives the handshake: connect, resolve the device, resolve the
// monitor source of a sink, open the capture stream.
type session struct {
	client binding.Client
	target Target
	logger *slog.Logger

	state State
	err   error

	// Each guard flips at most once. Replies arriving after it fired are duplicates.
	resolvedDeviceInfo  bool
	resolvedMonitorInfo bool

	stream *StreamSession

	onResolved   func(channels int)
	onTransition func(Transition)
}

func newSession(client binding.Client, target Target, logger *slog.Logger) *session {
	return &session{
		client: client,
		target: target,
		logger: logger,
		state:  StateWaiting,
	}
}

func (s *session) setState(to State, err error) {
	from := s.state
	if from == to {
		return
	}
	s.state = to
	s.logger.Debug("session state changed", "from", from, "to", to, "device", s.target.Name)
	if s.onTransition != nil {
		s.onTransition(Transition{From: from, To: to, Device: s.target.Name, Err: err})
	}
}

// fail moves the session to StateFailed with a diagnostic wrapping kind.
func (s *session) fail(kind error, format string, args ...any) {
	if s.state.Done() {
		return
	}
	s.err = fmt.Errorf("%w: %s", kind, fmt.Sprintf(format, args...))
	s.logger.Error("metering session failed", "error", s.err)
	s.setState(StateFailed, s.err)
}

func (s *session) terminate() {
	if s.state.Done() {
		return
	}
	s.setState(StateTerminated, nil)
}

func (s *session) handleContextState(cs binding.ContextState, err error) {
	switch cs {
	case binding.ContextUnconnected, binding.ContextConnecting,
		binding.ContextAuthorizing, binding.ContextSettingName:
		// Still connecting. Nothing to do until ready.
	case binding.ContextReady:
		if s.state != StateWaiting {
			s.logger.Debug("ignoring duplicate context ready", "state", s.state)
			return
		}
		s.setState(StateProcessing, nil)
		if s.target.Name == "" {
			if reqErr := s.client.RequestServerInfo(); reqErr != nil {
				s.fail(ErrConnection, "request server info: %v", reqErr)
			}
			return
		}
		s.requestTarget()
	case binding.ContextFailed:
		s.fail(ErrConnection, "%s", errText(err, "connection to audio server failed"))
	case binding.ContextTerminated:
		s.terminate()
	}
}

// requestTarget issues the by-name lookup for the target device.
func (s *session) requestTarget() {
	var err error
	if s.target.IsSink {
		err = s.client.RequestSinkInfo(s.target.Name)
	} else {
		err = s.client.RequestSourceInfo(s.target.Name)
	}
	if err != nil {
		s.fail(ErrResolution, "request %s info for %q: %v", kindOf(s.target.IsSink), s.target.Name, err)
	}
}

func (s *session) handleServerInfo(info binding.ServerInfo, err error) {
	if s.state.Done() {
		return
	}
	if err != nil {
		s.fail(ErrResolution, "default device lookup: %v", err)
		return
	}

	name := info.DefaultSourceName
	if s.target.IsSink {
		name = info.DefaultSinkName
	}
	if name == "" {
		s.fail(ErrResolution, "server has no default %s", kindOf(s.target.IsSink))
		return
	}

	s.target.Name = name
	s.logger.Info("resolved default device", "kind", kindOf(s.target.IsSink), "device", name)
	s.requestTarget()
}

func (s *session) handleDeviceInfo(info binding.DeviceInfo, eol bool, err error) {
	if s.state.Done() {
		return
	}
	if info.Kind == binding.KindSink {
		s.handleSinkInfo(info, eol, err)
		return
	}
	s.handleSourceInfo(info, eol, err)
}

func (s *session) handleSinkInfo(info binding.DeviceInfo, eol bool, err error) {
	if eol {
		switch {
		case s.resolvedDeviceInfo:
		case err != nil:
			s.fail(ErrResolution, "sink %q: %v", s.target.Name, err)
		default:
			s.fail(ErrResolution, "sink %q not found", s.target.Name)
		}
		return
	}
	if s.resolvedDeviceInfo {
		s.logger.Debug("ignoring duplicate sink info", "sink", info.Name)
		return
	}
	if err != nil {
		s.fail(ErrResolution, "sink %q: %v", s.target.Name, err)
		return
	}
	if info.MonitorSourceName == "" {
		s.fail(ErrResolution, "sink %q has no monitor source", info.Name)
		return
	}

	s.resolvedDeviceInfo = true
	s.logger.Info("resolved sink", "sink", info.Name, "monitor", info.MonitorSourceName)

	if reqErr := s.client.RequestSourceInfo(info.MonitorSourceName); reqErr != nil {
		s.fail(ErrResolution, "request monitor source %q: %v", info.MonitorSourceName, reqErr)
	}
}

func (s *session) handleSourceInfo(info binding.DeviceInfo, eol bool, err error) {
	if eol {
		switch {
		case s.resolvedMonitorInfo:
		case err != nil:
			s.fail(ErrResolution, "source for %q: %v", s.target.Name, err)
		default:
			s.fail(ErrResolution, "source for %q not found", s.target.Name)
		}
		return
	}
	if s.resolvedMonitorInfo {
		s.logger.Debug("ignoring duplicate source info", "source", info.Name)
		return
	}
	if err != nil {
		s.fail(ErrResolution, "source for %q: %v", s.target.Name, err)
		return
	}
	if info.Channels <= 0 {
		s.fail(ErrResolution, "source %q reports %d channels", info.Name, info.Channels)
		return
	}

	s.resolvedMonitorInfo = true
	if s.onResolved != nil {
		s.onResolved(info.Channels)
	}

	spec := binding.StreamSpec{
		Device:     info.Name,
		Format:     binding.FormatFloat32LE,
		SampleRate: info.SampleRate,
		Channels:   info.Channels,
		ChannelMap: info.ChannelMap,
		PeakDetect: true,
	}
	s.stream = &StreamSession{
		Device:     spec.Device,
		Format:     spec.Format,
		SampleRate: spec.SampleRate,
		Channels:   spec.Channels,
		ChannelMap: spec.ChannelMap,
	}
	s.logger.Info("opening capture stream",
		"source", spec.Device, "rate", spec.SampleRate, "channels", spec.Channels)

	if openErr := s.client.OpenRecordStream(spec); openErr != nil {
		s.fail(ErrStream, "open capture stream on %q: %v", spec.Device, openErr)
	}
}

func (s *session) handleStreamState(ss binding.StreamState, err error) {
	switch ss {
	case binding.StreamUnconnected, binding.StreamCreating:
	case binding.StreamReady:
		if s.state == StateProcessing {
			s.setState(StateReady, nil)
		}
	case binding.StreamFailed:
		s.fail(ErrStream, "%s", errText(err, "capture stream failed"))
	case binding.StreamTerminated:
		s.terminate()
	}
}

// close releases the stream and the connection regardless of state.
func (s *session) close() error {
	var errs []error
	if s.stream != nil {
		if err := s.client.CloseStream(); err != nil {
			errs = append(errs, fmt.Errorf("close stream: %w", err))
		}
		s.stream = nil
	}
	if err := s.client.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close client: %w", err))
	}
	return errors.Join(errs...)
}

func errText(err error, fallback string) string {
	if err == nil || err.Error() == "" {
		return fallback
	}
	return err.Error()
}

func kindOf(isSink bool) string {
	if isSink {
		return binding.KindSink.String()
	}
	return binding.KindSource.String()
}
