package meter

import (
	"errors"
	"io"
	"log/slog"

	"github.com/oszuidwest/zwfm-meter/internal/binding"
)

// fakeClient records requests and delivers scripted replies on Iterate.
type fakeClient struct {
	handler binding.Handler
	mailbox binding.Mailbox
	pool    binding.BufferPool

	serverInfoRequests int
	sinkRequests       []string
	sourceRequests     []string
	streams            []binding.StreamSpec
	streamClosed       int
	closed             int

	connectErr error
	iterateErr error
	openErr    error
}

func (f *fakeClient) Connect(h binding.Handler) error {
	if f.connectErr != nil {
		return f.connectErr
	}
	f.handler = h
	return nil
}

func (f *fakeClient) RequestServerInfo() error {
	f.serverInfoRequests++
	return nil
}

func (f *fakeClient) RequestSinkInfo(name string) error {
	f.sinkRequests = append(f.sinkRequests, name)
	return nil
}

func (f *fakeClient) RequestSourceInfo(name string) error {
	f.sourceRequests = append(f.sourceRequests, name)
	return nil
}

func (f *fakeClient) OpenRecordStream(spec binding.StreamSpec) error {
	if f.openErr != nil {
		return f.openErr
	}
	f.streams = append(f.streams, spec)
	return nil
}

func (f *fakeClient) Iterate() error {
	if f.iterateErr != nil {
		return f.iterateErr
	}
	f.mailbox.Drain(f.handler)
	return nil
}

func (f *fakeClient) CloseStream() error {
	f.streamClosed++
	return nil
}

func (f *fakeClient) Close() error {
	f.closed++
	return nil
}

func (f *fakeClient) context(s binding.ContextState, err error) {
	f.mailbox.Post(func(h binding.Handler) { h.OnContextStateChanged(s, err) })
}

func (f *fakeClient) serverInfo(info binding.ServerInfo, err error) {
	f.mailbox.Post(func(h binding.Handler) { h.OnServerInfo(info, err) })
}

func (f *fakeClient) device(info binding.DeviceInfo, eol bool, err error) {
	f.mailbox.Post(func(h binding.Handler) { h.OnDeviceInfo(info, eol, err) })
}

func (f *fakeClient) stream(s binding.StreamState, err error) {
	f.mailbox.Post(func(h binding.Handler) { h.OnStreamStateChanged(s, err) })
}

func (f *fakeClient) samples(data ...float32) {
	buf := f.pool.Borrow(data)
	f.mailbox.Post(func(h binding.Handler) { h.OnSampleData(buf) })
}

var errBoom = errors.New("boom")

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func sinkInfo(name, monitor string) binding.DeviceInfo {
	return binding.DeviceInfo{
		Kind:              binding.KindSink,
		Name:              name,
		SampleRate:        44100,
		Channels:          2,
		MonitorSourceName: monitor,
	}
}

func sourceInfo(name string, channels int) binding.DeviceInfo {
	return binding.DeviceInfo{
		Kind:       binding.KindSource,
		Name:       name,
		SampleRate: 44100,
		Channels:   channels,
		ChannelMap: []string{"front-left", "front-right"}[:min(channels, 2)],
	}
}
