package engine

import (
	"github.com/pion/webrtc/v4"
)

// MediaKind is the kind of a media producer or consumer.
type MediaKind string

const (
	MediaKindAudio MediaKind = "audio"
	MediaKindVideo MediaKind = "video"
)

// AppData is free-form application metadata attached to engine objects.
type AppData map[string]any

// Clone returns a shallow copy so callers can't mutate engine-owned data.
func (d AppData) Clone() AppData {
	out := make(AppData, len(d))
	for k, v := range d {
		out[k] = v
	}
	return out
}

// String returns the value under key if it is a string.
func (d AppData) String(key string) (string, bool) {
	v, ok := d[key].(string)
	return v, ok
}

// Bool returns the value under key if it is a bool.
func (d AppData) Bool(key string) bool {
	v, ok := d[key].(bool)
	return ok && v
}

// RtpCodecCapability describes a codec supported by a router or an endpoint.
type RtpCodecCapability struct {
	Kind                 MediaKind      `json:"kind" yaml:"kind"`
	MimeType             string         `json:"mimeType" yaml:"mime_type"`
	PreferredPayloadType uint8          `json:"preferredPayloadType,omitempty" yaml:"preferred_payload_type"`
	ClockRate            int            `json:"clockRate" yaml:"clock_rate"`
	Channels             int            `json:"channels,omitempty" yaml:"channels"`
	Parameters           map[string]any `json:"parameters,omitempty" yaml:"parameters"`
	RtcpFeedback         []RtcpFeedback `json:"rtcpFeedback,omitempty" yaml:"rtcp_feedback"`
}

type RtcpFeedback struct {
	Type      string `json:"type" yaml:"type"`
	Parameter string `json:"parameter,omitempty" yaml:"parameter"`
}

// RtpHeaderExtension describes a supported RTP header extension.
type RtpHeaderExtension struct {
	Kind        MediaKind `json:"kind"`
	URI         string    `json:"uri"`
	PreferredID int       `json:"preferredId"`
	Direction   string    `json:"direction,omitempty"`
}

// RtpCapabilities is the set of codecs and extensions an endpoint can handle.
type RtpCapabilities struct {
	Codecs           []RtpCodecCapability `json:"codecs,omitempty"`
	HeaderExtensions []RtpHeaderExtension `json:"headerExtensions,omitempty"`
}

// RtpCodecParameters is a negotiated codec inside RtpParameters.
type RtpCodecParameters struct {
	MimeType     string         `json:"mimeType"`
	PayloadType  uint8          `json:"payloadType"`
	ClockRate    int            `json:"clockRate"`
	Channels     int            `json:"channels,omitempty"`
	Parameters   map[string]any `json:"parameters,omitempty"`
	RtcpFeedback []RtcpFeedback `json:"rtcpFeedback,omitempty"`
}

type RtpHeaderExtensionParameters struct {
	URI        string         `json:"uri"`
	ID         int            `json:"id"`
	Encrypt    bool           `json:"encrypt,omitempty"`
	Parameters map[string]any `json:"parameters,omitempty"`
}

type RtpEncodingParameters struct {
	Ssrc            uint32 `json:"ssrc,omitempty"`
	Rid             string `json:"rid,omitempty"`
	ScalabilityMode string `json:"scalabilityMode,omitempty"`
	MaxBitrate      int    `json:"maxBitrate,omitempty"`
	Dtx             bool   `json:"dtx,omitempty"`
}

type RtcpParameters struct {
	Cname       string `json:"cname,omitempty"`
	ReducedSize *bool  `json:"reducedSize,omitempty"`
}

// RtpParameters describes a media stream sent or received over a transport.
type RtpParameters struct {
	Mid              string                         `json:"mid,omitempty"`
	Codecs           []RtpCodecParameters           `json:"codecs"`
	HeaderExtensions []RtpHeaderExtensionParameters `json:"headerExtensions,omitempty"`
	Encodings        []RtpEncodingParameters        `json:"encodings,omitempty"`
	Rtcp             *RtcpParameters                `json:"rtcp,omitempty"`
}

type NumSctpStreams struct {
	OS  uint16 `json:"OS"`
	MIS uint16 `json:"MIS"`
}

// SctpCapabilities is what an endpoint declares to enable data channels.
type SctpCapabilities struct {
	NumStreams NumSctpStreams `json:"numStreams"`
}

type SctpParameters struct {
	Port           uint16 `json:"port"`
	OS             uint16 `json:"OS"`
	MIS            uint16 `json:"MIS"`
	MaxMessageSize uint32 `json:"maxMessageSize"`
}

type SctpStreamParameters struct {
	StreamID          uint16  `json:"streamId"`
	Ordered           *bool   `json:"ordered,omitempty"`
	MaxPacketLifeTime *uint16 `json:"maxPacketLifeTime,omitempty"`
	MaxRetransmits    *uint16 `json:"maxRetransmits,omitempty"`
}

// IceCandidate is a local candidate gathered by a WebRTC transport.
type IceCandidate struct {
	Foundation string `json:"foundation"`
	Priority   uint32 `json:"priority"`
	IP         string `json:"ip"`
	Address    string `json:"address"`
	Protocol   string `json:"protocol"`
	Port       uint16 `json:"port"`
	Type       string `json:"type"`
	TCPType    string `json:"tcpType,omitempty"`
}

// DtlsParameters are exchanged when connecting a WebRTC transport.
type DtlsParameters struct {
	Role         string                   `json:"role,omitempty"`
	Fingerprints []webrtc.DTLSFingerprint `json:"fingerprints"`
}

// TransportTuple is the network 5-tuple of a plain transport.
type TransportTuple struct {
	LocalIP    string `json:"localIp"`
	LocalPort  uint16 `json:"localPort"`
	RemoteIP   string `json:"remoteIp,omitempty"`
	RemotePort uint16 `json:"remotePort,omitempty"`
	Protocol   string `json:"protocol"`
}

// ListenInfo tells the engine where a transport should listen.
type ListenInfo struct {
	Protocol         string `json:"protocol" yaml:"protocol"`
	IP               string `json:"ip" yaml:"ip"`
	AnnouncedAddress string `json:"announcedAddress,omitempty" yaml:"announced_address"`
	Port             uint16 `json:"port,omitempty" yaml:"port"`
}

// ConsumerLayers selects simulcast/SVC layers.
type ConsumerLayers struct {
	SpatialLayer  uint8  `json:"spatialLayer"`
	TemporalLayer *uint8 `json:"temporalLayer,omitempty"`
}

type ConsumerScore struct {
	Score          int   `json:"score"`
	ProducerScore  int   `json:"producerScore"`
	ProducerScores []int `json:"producerScores,omitempty"`
}

type ProducerScore struct {
	EncodingIdx int    `json:"encodingIdx"`
	Ssrc        uint32 `json:"ssrc"`
	Rid         string `json:"rid,omitempty"`
	Score       int    `json:"score"`
}

// BweTrace is the bandwidth estimation info carried by a transport "bwe" trace.
type BweTrace struct {
	DesiredBitrate          int `json:"desiredBitrate"`
	EffectiveDesiredBitrate int `json:"effectiveDesiredBitrate"`
	AvailableBitrate        int `json:"availableBitrate"`
}

// Stats is an opaque statistics entry returned by GetStats calls.
type Stats map[string]any

// RouterDump is a debug snapshot of a router.
type RouterDump struct {
	ID           string   `json:"id"`
	TransportIDs []string `json:"transportIds"`
	ObserverIDs  []string `json:"rtpObserverIds"`
}
