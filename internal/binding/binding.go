// Package binding defines the contract between the meter engine and an audio server.
//
// A Client issues one-shot asynchronous requests. Replies are never delivered
// from inside the request call: they are queued and handed to the registered
// Handler on a later call to Iterate, on the goroutine that calls Iterate.
package binding

import "fmt"

// ContextState is the connection state of an audio server client.
type ContextState int

// Client connection states.
const (
	ContextUnconnected ContextState = iota
	ContextConnecting
	ContextAuthorizing
	ContextSettingName
	ContextReady
	ContextFailed
	ContextTerminated
)

func (s ContextState) String() string {
	switch s {
	case ContextUnconnected:
		return "unconnected"
	case ContextConnecting:
		return "connecting"
	case ContextAuthorizing:
		return "authorizing"
	case ContextSettingName:
		return "setting_name"
	case ContextReady:
		return "ready"
	case ContextFailed:
		return "failed"
	case ContextTerminated:
		return "terminated"
	default:
		return fmt.Sprintf("context_state(%d)", int(s))
	}
}

// StreamState is the state of a capture stream.
type StreamState int

// Capture stream states.
const (
	StreamUnconnected StreamState = iota
	StreamCreating
	StreamReady
	StreamFailed
	StreamTerminated
)

func (s StreamState) String() string {
	switch s {
	case StreamUnconnected:
		return "unconnected"
	case StreamCreating:
		return "creating"
	case StreamReady:
		return "ready"
	case StreamFailed:
		return "failed"
	case StreamTerminated:
		return "terminated"
	default:
		return fmt.Sprintf("stream_state(%d)", int(s))
	}
}

// DeviceKind distinguishes playback devices from capture devices.
type DeviceKind int

const (
	// KindSink is a playback device.
	KindSink DeviceKind = iota
	// KindSource is a capture device or the monitor of a sink.
	KindSource
)

func (k DeviceKind) String() string {
	if k == KindSink {
		return "sink"
	}
	return "source"
}

// SampleFormat is the sample encoding of a capture stream.
type SampleFormat string

// FormatFloat32LE is 32-bit IEEE float, little-endian. It is the only format the meter requests.
const FormatFloat32LE SampleFormat = "float32le"

// ServerInfo is the reply to a server info request.
type ServerInfo struct {
	DefaultSinkName   string
	DefaultSourceName string
}

// DeviceInfo is one record of a sink or source info reply.
type DeviceInfo struct {
	Kind        DeviceKind
	Name        string   // Device name used for lookups
	Description string   // Human readable name
	SampleRate  uint32   // Native sample rate in Hz
	Channels    int      // Native channel count
	ChannelMap  []string // Channel positions, informational
	// MonitorSourceName is the source mirroring this sink's output. Sinks only.
	MonitorSourceName string
}

// StreamSpec describes a capture stream to open.
type StreamSpec struct {
	Device     string
	Format     SampleFormat
	SampleRate uint32
	Channels   int
	ChannelMap []string
	// PeakDetect asks the server for the low-overhead capture mode meant for level metering.
	PeakDetect bool
}

// Borrowed is a sample buffer owned by the binding.
// Samples is only valid until Release is called.
type Borrowed interface {
	Samples() []float32
	Release()
}

// Handler receives audio server replies. All methods are called from Iterate.
type Handler interface {
	OnContextStateChanged(state ContextState, err error)
	OnServerInfo(info ServerInfo, err error)
	// OnDeviceInfo is called once per matching record with eol false, then once
	// with eol true and a zero record that only carries Kind. A reply with a non-nil
	// err is final and is not followed by a terminator.
	OnDeviceInfo(info DeviceInfo, eol bool, err error)
	OnStreamStateChanged(state StreamState, err error)
	OnSampleData(buf Borrowed)
}

// Client is an audio server connection.
type Client interface {
	// Connect starts connecting and registers h for all later replies.
	Connect(h Handler) error
	RequestServerInfo() error
	RequestSinkInfo(name string) error
	RequestSourceInfo(name string) error
	OpenRecordStream(spec StreamSpec) error
	// Iterate delivers the replies pending at the time of the call without blocking.
	Iterate() error
	CloseStream() error
	Close() error
}

// Lister is implemented by clients that can enumerate devices.
type Lister interface {
	ListDevices(kind DeviceKind) ([]DeviceInfo, error)
}
