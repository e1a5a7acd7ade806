// Package engine defines the media-routing capability the room coordinator
// drives. The engine owns transports, producers and consumers; the
// coordinator only holds handles and reacts to their events.
package engine

import (
	"context"
	"errors"

	"github.com/pion/webrtc/v4"
)

var (
	// ErrClosed is returned when operating on a closed object.
	ErrClosed = errors.New("engine: object closed")
	// ErrNotFound is returned when a referenced object does not exist.
	ErrNotFound = errors.New("engine: object not found")
	// ErrInvalidState is returned when an operation is not valid right now.
	ErrInvalidState = errors.New("engine: invalid state")
	// ErrUnsupported is returned by transports that can't carry the requested object.
	ErrUnsupported = errors.New("engine: operation not supported")
	// ErrCannotConsume is returned when capabilities do not match the producer.
	ErrCannotConsume = errors.New("engine: cannot consume")
)

type TransportType string

const (
	TransportTypeWebRtc TransportType = "webrtc"
	TransportTypePlain  TransportType = "plain"
	TransportTypeDirect TransportType = "direct"
)

// Worker hosts routers. A deployment runs one worker per core.
type Worker interface {
	PID() int
	CreateRouter(ctx context.Context, opts RouterOptions) (Router, error)
	Close()
	Closed() bool
}

type RouterOptions struct {
	MediaCodecs []RtpCodecCapability
	AppData     AppData
}

type WebRtcTransportOptions struct {
	ListenInfos                     []ListenInfo
	EnableUDP                       bool
	EnableTCP                       bool
	PreferUDP                       bool
	EnableSctp                      bool
	NumSctpStreams                  NumSctpStreams
	MaxSctpMessageSize              uint32
	InitialAvailableOutgoingBitrate int
	AppData                         AppData
}

type PlainTransportOptions struct {
	ListenInfo     ListenInfo
	RtcpMux        bool
	Comedia        bool
	EnableSctp     bool
	NumSctpStreams NumSctpStreams
	AppData        AppData
}

type DirectTransportOptions struct {
	MaxMessageSize uint32
	AppData        AppData
}

type AudioLevelObserverOptions struct {
	MaxEntries int
	Threshold  int
	IntervalMs int
}

// Router is a media routing context; every room owns exactly one.
type Router interface {
	ID() string
	RtpCapabilities() RtpCapabilities
	CanConsume(producerID string, caps RtpCapabilities) bool
	CreateWebRtcTransport(ctx context.Context, opts WebRtcTransportOptions) (Transport, error)
	CreatePlainTransport(ctx context.Context, opts PlainTransportOptions) (Transport, error)
	CreateDirectTransport(ctx context.Context, opts DirectTransportOptions) (Transport, error)
	CreateAudioLevelObserver(ctx context.Context, opts AudioLevelObserverOptions) (AudioLevelObserver, error)
	Dump(ctx context.Context) (RouterDump, error)
	Close()
	Closed() bool
}

// TransportData exposes the negotiation parameters of a transport. Fields
// not relevant to the transport type are left zero.
type TransportData struct {
	IceParameters  webrtc.ICEParameters
	IceCandidates  []IceCandidate
	DtlsParameters DtlsParameters
	DtlsState      string
	SctpParameters *SctpParameters
	Tuple          *TransportTuple
	RtcpTuple      *TransportTuple
}

type TransportConnectOptions struct {
	DtlsParameters *DtlsParameters
	IP             string
	Port           uint16
	RtcpPort       uint16
}

type ProducerOptions struct {
	Kind          MediaKind
	RtpParameters RtpParameters
	Paused        bool
	AppData       AppData
}

type ConsumerOptions struct {
	ProducerID      string
	RtpCapabilities RtpCapabilities
	Paused          bool
	EnableRtx       bool
	IgnoreDtx       bool
	AppData         AppData
}

type DataProducerOptions struct {
	SctpStreamParameters *SctpStreamParameters
	Label                string
	Protocol             string
	AppData              AppData
}

type DataConsumerOptions struct {
	DataProducerID string
	AppData        AppData
}

// Transport is a network endpoint on which producers and consumers live.
type Transport interface {
	ID() string
	Type() TransportType
	AppData() AppData
	Data() TransportData
	Connect(ctx context.Context, opts TransportConnectOptions) error
	RestartIce(ctx context.Context) (webrtc.ICEParameters, error)
	SetMaxIncomingBitrate(ctx context.Context, bitrate int) error
	EnableTraceEvent(ctx context.Context, types ...string) error
	Produce(ctx context.Context, opts ProducerOptions) (Producer, error)
	Consume(ctx context.Context, opts ConsumerOptions) (Consumer, error)
	ProduceData(ctx context.Context, opts DataProducerOptions) (DataProducer, error)
	ConsumeData(ctx context.Context, opts DataConsumerOptions) (DataConsumer, error)
	GetStats(ctx context.Context) ([]Stats, error)
	On(fn func(TransportEvent))
	Close()
	Closed() bool
}

type Producer interface {
	ID() string
	Kind() MediaKind
	Type() string
	AppData() AppData
	RtpParameters() RtpParameters
	Paused() bool
	Pause(ctx context.Context) error
	Resume(ctx context.Context) error
	GetStats(ctx context.Context) ([]Stats, error)
	On(fn func(ProducerEvent))
	Close()
	Closed() bool
}

type Consumer interface {
	ID() string
	ProducerID() string
	Kind() MediaKind
	Type() string
	AppData() AppData
	RtpParameters() RtpParameters
	Paused() bool
	ProducerPaused() bool
	Score() ConsumerScore
	Pause(ctx context.Context) error
	Resume(ctx context.Context) error
	SetPreferredLayers(ctx context.Context, layers ConsumerLayers) error
	SetPriority(ctx context.Context, priority uint8) error
	RequestKeyFrame(ctx context.Context) error
	GetStats(ctx context.Context) ([]Stats, error)
	On(fn func(ConsumerEvent))
	Close()
	Closed() bool
}

type DataProducer interface {
	ID() string
	Label() string
	Protocol() string
	SctpStreamParameters() *SctpStreamParameters
	AppData() AppData
	// Send injects a message; only valid on direct transports.
	Send(ctx context.Context, message []byte) error
	GetStats(ctx context.Context) ([]Stats, error)
	On(fn func(DataProducerEvent))
	Close()
	Closed() bool
}

type DataConsumer interface {
	ID() string
	DataProducerID() string
	Label() string
	Protocol() string
	SctpStreamParameters() *SctpStreamParameters
	AppData() AppData
	GetStats(ctx context.Context) ([]Stats, error)
	On(fn func(DataConsumerEvent))
	Close()
	Closed() bool
}

// AudioLevelObserver periodically reports the loudest audio producers.
type AudioLevelObserver interface {
	ID() string
	AddProducer(ctx context.Context, producerID string) error
	RemoveProducer(ctx context.Context, producerID string) error
	On(fn func(ObserverEvent))
	Close()
	Closed() bool
}
