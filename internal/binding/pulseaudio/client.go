// Package pulseaudio implements the binding contract on top of a PulseAudio
// (or PipeWire-pulse) server using the native protocol.
//
// Requests run on short-lived goroutines. Their replies, stream state changes
// and captured samples are queued and delivered by Iterate.
package pulseaudio

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jfreymuth/pulse"
	"github.com/jfreymuth/pulse/proto"

	"github.com/oszuidwest/zwfm-meter/internal/binding"
	"github.com/oszuidwest/zwfm-meter/internal/util"
)

// Client identity announced to the server.
const (
	ApplicationName = "Meter for PulseAudio"
	IconName        = "multimedia-volume-control"
	StreamName      = "Meter for PulseAudio stream"
)

// streamCheckInterval is how often the connection behind an open capture
// stream is checked.
const streamCheckInterval = time.Second

// ErrNotConnected is returned for requests made before the connection is ready.
var ErrNotConnected = errors.New("not connected to audio server")

// Options configures a Client.
type Options struct {
	// Server overrides the server address. Empty uses the environment default.
	Server string
	Logger *slog.Logger
}

// Client is a binding.Client and binding.Lister for a PulseAudio server.
type Client struct {
	opts    Options
	logger  *slog.Logger
	mailbox binding.Mailbox
	pool    binding.BufferPool

	mu      sync.Mutex
	handler binding.Handler
	conn    *pulse.Client
	sources map[string]*pulse.Source
	stream  *pulse.RecordStream
	// watchDone stops the watcher of the current stream.
	watchDone chan struct{}
	// streamDone is set once a stream error has been reported.
	streamDone bool
	closed     bool
	wg         sync.WaitGroup
}

// New returns an unconnected Client.
func New(opts Options) *Client {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Client{
		opts:    opts,
		logger:  opts.Logger,
		sources: make(map[string]*pulse.Source),
	}
}

func (c *Client) clientOptions() []pulse.ClientOption {
	opts := []pulse.ClientOption{
		pulse.ClientApplicationName(ApplicationName),
		pulse.ClientApplicationIconName(IconName),
	}
	if c.opts.Server != "" {
		opts = append(opts, pulse.ClientServerString(c.opts.Server))
	}
	return opts
}

// Connect starts connecting in the background.
func (c *Client) Connect(h binding.Handler) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if h == nil {
		return errors.New("nil handler")
	}
	if c.handler != nil {
		return errors.New("already connected")
	}
	c.handler = h
	c.mailbox.Post(func(h binding.Handler) { h.OnContextStateChanged(binding.ContextConnecting, nil) })

	c.goAsync(func() {
		conn, err := pulse.NewClient(c.clientOptions()...)
		if err != nil {
			err = util.WrapError("connect to audio server", err)
			c.mailbox.Post(func(h binding.Handler) { h.OnContextStateChanged(binding.ContextFailed, err) })
			return
		}

		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			conn.Close()
			return
		}
		c.conn = conn
		c.mu.Unlock()

		c.logger.Debug("connected to audio server")
		c.mailbox.Post(func(h binding.Handler) { h.OnContextStateChanged(binding.ContextReady, nil) })
	})
	return nil
}

// goAsync runs fn on a tracked goroutine so Close can wait for it.
func (c *Client) goAsync(fn func()) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				c.logger.Error("panic in audio server request", "panic", r)
			}
		}()
		fn()
	}()
}

func (c *Client) connection() (*pulse.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil || c.closed {
		return nil, ErrNotConnected
	}
	return c.conn, nil
}

// RequestServerInfo asks for the default sink and source names.
func (c *Client) RequestServerInfo() error {
	conn, err := c.connection()
	if err != nil {
		return err
	}
	c.goAsync(func() {
		var reply proto.GetServerInfoReply
		if err := conn.RawRequest(&proto.GetServerInfo{}, &reply); err != nil {
			err = util.WrapError("get server info", err)
			c.mailbox.Post(func(h binding.Handler) { h.OnServerInfo(binding.ServerInfo{}, err) })
			return
		}
		info := binding.ServerInfo{
			DefaultSinkName:   reply.DefaultSinkName,
			DefaultSourceName: reply.DefaultSourceName,
		}
		c.mailbox.Post(func(h binding.Handler) { h.OnServerInfo(info, nil) })
	})
	return nil
}

// RequestSinkInfo looks up a sink by name.
func (c *Client) RequestSinkInfo(name string) error {
	conn, err := c.connection()
	if err != nil {
		return err
	}
	c.goAsync(func() {
		var reply proto.GetSinkInfoReply
		err := conn.RawRequest(&proto.GetSinkInfo{SinkIndex: proto.Undefined, SinkName: name}, &reply)
		if err != nil {
			c.postDeviceError(binding.KindSink, name, err)
			return
		}
		info := sinkInfo(&reply)
		c.mailbox.Post(func(h binding.Handler) { h.OnDeviceInfo(info, false, nil) })
		c.postTerminator(binding.KindSink)
	})
	return nil
}

// RequestSourceInfo looks up a source by name.
func (c *Client) RequestSourceInfo(name string) error {
	conn, err := c.connection()
	if err != nil {
		return err
	}
	c.goAsync(func() {
		src, err := conn.SourceByID(name)
		if err != nil {
			c.postDeviceError(binding.KindSource, name, err)
			return
		}
		c.mu.Lock()
		c.sources[src.ID()] = src
		c.mu.Unlock()

		info := sourceInfo(src)
		c.mailbox.Post(func(h binding.Handler) { h.OnDeviceInfo(info, false, nil) })
		c.postTerminator(binding.KindSource)
	})
	return nil
}

// postDeviceError reports a failed lookup as a final error reply.
func (c *Client) postDeviceError(kind binding.DeviceKind, name string, err error) {
	err = fmt.Errorf("get %s info for %q: %w", kind, name, err)
	c.mailbox.Post(func(h binding.Handler) { h.OnDeviceInfo(binding.DeviceInfo{Kind: kind}, false, err) })
}

func (c *Client) postTerminator(kind binding.DeviceKind) {
	c.mailbox.Post(func(h binding.Handler) { h.OnDeviceInfo(binding.DeviceInfo{Kind: kind}, true, nil) })
}

// OpenRecordStream opens a float32 capture stream on spec.Device.
func (c *Client) OpenRecordStream(spec binding.StreamSpec) error {
	conn, err := c.connection()
	if err != nil {
		return err
	}
	if spec.Format != binding.FormatFloat32LE {
		return fmt.Errorf("unsupported sample format %q", spec.Format)
	}

	c.mailbox.Post(func(h binding.Handler) { h.OnStreamStateChanged(binding.StreamCreating, nil) })
	c.goAsync(func() {
		stream, err := c.openStream(conn, spec)
		if err != nil {
			err = util.WrapError("open capture stream", err)
			c.mailbox.Post(func(h binding.Handler) { h.OnStreamStateChanged(binding.StreamFailed, err) })
			return
		}

		c.mu.Lock()
		if c.closed || c.stream != nil {
			c.mu.Unlock()
			stream.Close()
			return
		}
		done := make(chan struct{})
		c.stream = stream
		c.watchDone = done
		c.streamDone = false
		c.mu.Unlock()

		stream.Start()
		c.logger.Info("capture stream started", "source", spec.Device,
			"rate", stream.SampleRate(), "channels", stream.Channels())
		c.mailbox.Post(func(h binding.Handler) { h.OnStreamStateChanged(binding.StreamReady, nil) })

		c.goAsync(func() {
			c.watchStream(done, streamCheckInterval, func() error {
				return conn.RawRequest(&proto.GetServerInfo{}, &proto.GetServerInfoReply{})
			})
		})
	})
	return nil
}

// watchStream pings the server until done is closed. The first failure is
// reported as StreamFailed. The stream's own state is owned by the protocol
// goroutine and is never read here.
func (c *Client) watchStream(done chan struct{}, every time.Duration, ping func() error) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
		}

		err := ping()
		if err == nil {
			continue
		}

		c.mu.Lock()
		report := c.watchDone == done && !c.streamDone
		if report {
			c.streamDone = true
		}
		c.mu.Unlock()

		if report {
			err = util.WrapError("capture", err)
			c.mailbox.Post(func(h binding.Handler) { h.OnStreamStateChanged(binding.StreamFailed, err) })
		}
		return
	}
}

func (c *Client) openStream(conn *pulse.Client, spec binding.StreamSpec) (*pulse.RecordStream, error) {
	c.mu.Lock()
	src := c.sources[spec.Device]
	c.mu.Unlock()

	if src == nil {
		var err error
		if src, err = conn.SourceByID(spec.Device); err != nil {
			return nil, err
		}
	}

	opts := []pulse.RecordOption{
		pulse.RecordSource(src),
		pulse.RecordChannels(src.Channels()),
		pulse.RecordMediaName(StreamName),
		pulse.RecordRawOption(func(r *proto.CreateRecordStream) {
			r.PeakDetect = spec.PeakDetect
		}),
	}
	if spec.SampleRate > 0 {
		opts = append(opts, pulse.RecordSampleRate(int(spec.SampleRate)))
	}
	return conn.NewRecord(pulse.Float32Writer(c.write), opts...)
}

// write runs on the protocol goroutine. It copies the samples into a pooled
// buffer and leaves them for the next Iterate.
func (c *Client) write(samples []float32) (int, error) {
	if len(samples) == 0 {
		return 0, nil
	}
	buf := c.pool.Borrow(samples)
	c.mailbox.Post(func(h binding.Handler) { h.OnSampleData(buf) })
	return len(samples), nil
}

// Iterate delivers pending replies, samples and stream failures.
func (c *Client) Iterate() error {
	c.mu.Lock()
	h := c.handler
	c.mu.Unlock()

	if h == nil {
		return ErrNotConnected
	}

	c.mailbox.Drain(h)
	return nil
}

// CloseStream stops and closes the capture stream.
func (c *Client) CloseStream() error {
	c.mu.Lock()
	stream := c.stream
	c.stream = nil
	if c.watchDone != nil {
		close(c.watchDone)
		c.watchDone = nil
	}
	c.mu.Unlock()

	if stream == nil {
		return nil
	}
	stream.Stop()
	stream.Close()
	return nil
}

// Close tears down the stream and the connection and waits for pending requests.
func (c *Client) Close() error {
	err := c.CloseStream()

	c.mu.Lock()
	c.closed = true
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	c.wg.Wait()
	return err
}

// ListDevices implements binding.Lister with a dedicated connection.
func (c *Client) ListDevices(kind binding.DeviceKind) ([]binding.DeviceInfo, error) {
	conn, err := pulse.NewClient(c.clientOptions()...)
	if err != nil {
		return nil, util.WrapError("connect to audio server", err)
	}
	defer conn.Close()

	if kind == binding.KindSink {
		var reply proto.GetSinkInfoListReply
		if err := conn.RawRequest(&proto.GetSinkInfoList{}, &reply); err != nil {
			return nil, util.WrapError("list sinks", err)
		}
		devices := make([]binding.DeviceInfo, 0, len(reply))
		for _, s := range reply {
			devices = append(devices, sinkInfo(s))
		}
		return devices, nil
	}

	sources, err := conn.ListSources()
	if err != nil {
		return nil, util.WrapError("list sources", err)
	}
	devices := make([]binding.DeviceInfo, 0, len(sources))
	for _, s := range sources {
		devices = append(devices, sourceInfo(s))
	}
	return devices, nil
}

func sinkInfo(r *proto.GetSinkInfoReply) binding.DeviceInfo {
	return binding.DeviceInfo{
		Kind:              binding.KindSink,
		Name:              r.SinkName,
		Description:       r.Device,
		SampleRate:        r.SampleSpec.Rate,
		Channels:          len(r.ChannelMap),
		ChannelMap:        positions(r.ChannelMap),
		MonitorSourceName: r.MonitorSourceName,
	}
}

func sourceInfo(s *pulse.Source) binding.DeviceInfo {
	return binding.DeviceInfo{
		Kind:        binding.KindSource,
		Name:        s.ID(),
		Description: s.Name(),
		SampleRate:  uint32(s.SampleRate()),
		Channels:    len(s.Channels()),
		ChannelMap:  positions(s.Channels()),
	}
}

func positions(m proto.ChannelMap) []string {
	out := make([]string, len(m))
	for i, p := range m {
		out[i] = fmt.Sprint(p)
	}
	return out
}
