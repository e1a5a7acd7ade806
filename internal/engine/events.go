package engine

// CloseReason tells subscribers why an object went away.
type CloseReason string

const (
	CloseReasonLocal           CloseReason = "local"
	CloseReasonTransportClosed CloseReason = "transportclose"
	CloseReasonProducerClosed  CloseReason = "producerclose"
	CloseReasonRouterClosed    CloseReason = "routerclose"
)

type TransportEventType string

const (
	TransportEventClosed          TransportEventType = "close"
	TransportEventTrace           TransportEventType = "trace"
	TransportEventDtlsStateChange TransportEventType = "dtlsstatechange"
	TransportEventSctpStateChange TransportEventType = "sctpstatechange"
)

// TraceEvent is a trace notification emitted by transports, producers and consumers.
type TraceEvent struct {
	Type      string    `json:"type"`
	Direction string    `json:"direction"`
	Timestamp int64     `json:"timestamp"`
	Bwe       *BweTrace `json:"info,omitempty"`
}

type TransportEvent struct {
	Type      TransportEventType
	Reason    CloseReason
	Trace     *TraceEvent
	DtlsState string
	SctpState string
}

type ProducerEventType string

const (
	ProducerEventClosed                 ProducerEventType = "close"
	ProducerEventScore                  ProducerEventType = "score"
	ProducerEventVideoOrientationChange ProducerEventType = "videoorientationchange"
	ProducerEventTrace                  ProducerEventType = "trace"
)

type ProducerEvent struct {
	Type   ProducerEventType
	Reason CloseReason
	Score  []ProducerScore
	Trace  *TraceEvent
}

type ConsumerEventType string

const (
	ConsumerEventClosed          ConsumerEventType = "close"
	ConsumerEventProducerPaused  ConsumerEventType = "producerpause"
	ConsumerEventProducerResumed ConsumerEventType = "producerresume"
	ConsumerEventScore           ConsumerEventType = "score"
	ConsumerEventLayersChange    ConsumerEventType = "layerschange"
	ConsumerEventTrace           ConsumerEventType = "trace"
)

type ConsumerEvent struct {
	Type   ConsumerEventType
	Reason CloseReason
	Score  *ConsumerScore
	// Layers is nil when the consumer stopped forwarding any layer.
	Layers *ConsumerLayers
	Trace  *TraceEvent
}

type DataProducerEventType string

const (
	DataProducerEventClosed DataProducerEventType = "close"
)

type DataProducerEvent struct {
	Type   DataProducerEventType
	Reason CloseReason
}

type DataConsumerEventType string

const (
	DataConsumerEventClosed  DataConsumerEventType = "close"
	DataConsumerEventMessage DataConsumerEventType = "message"
)

type DataConsumerEvent struct {
	Type    DataConsumerEventType
	Reason  CloseReason
	Message []byte
	PPID    int
}

type ObserverEventType string

const (
	ObserverEventVolumes ObserverEventType = "volumes"
	ObserverEventSilence ObserverEventType = "silence"
	ObserverEventClosed  ObserverEventType = "close"
)

// AudioLevelVolume reports the level of one producer, loudest first.
type AudioLevelVolume struct {
	Producer Producer
	Volume   int
}

type ObserverEvent struct {
	Type    ObserverEventType
	Volumes []AudioLevelVolume
}
