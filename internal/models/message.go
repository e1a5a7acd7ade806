package models

import (
	"github.com/pion/webrtc/v4"

	"github.com/mossy-p/sfu-signaling/internal/engine"
)

// Signaling request methods.
const (
	MethodGetRouterRtpCapabilities   = "getRouterRtpCapabilities"
	MethodJoin                       = "join"
	MethodCreateWebRtcTransport      = "createWebRtcTransport"
	MethodConnectWebRtcTransport     = "connectWebRtcTransport"
	MethodRestartIce                 = "restartIce"
	MethodProduce                    = "produce"
	MethodCloseProducer              = "closeProducer"
	MethodPauseProducer              = "pauseProducer"
	MethodResumeProducer             = "resumeProducer"
	MethodPauseConsumer              = "pauseConsumer"
	MethodResumeConsumer             = "resumeConsumer"
	MethodSetConsumerPreferredLayers = "setConsumerPreferredLayers"
	MethodSetConsumerPriority        = "setConsumerPriority"
	MethodRequestConsumerKeyFrame    = "requestConsumerKeyFrame"
	MethodProduceData                = "produceData"
	MethodChangeDisplayName          = "changeDisplayName"
	MethodGetTransportStats          = "getTransportStats"
	MethodGetProducerStats           = "getProducerStats"
	MethodGetConsumerStats           = "getConsumerStats"
	MethodGetDataProducerStats       = "getDataProducerStats"
	MethodGetDataConsumerStats       = "getDataConsumerStats"
	MethodApplyNetworkThrottle       = "applyNetworkThrottle"
	MethodResetNetworkThrottle       = "resetNetworkThrottle"
)

// Server to client requests and notifications.
const (
	MethodNewConsumer            = "newConsumer"
	MethodNewDataConsumer        = "newDataConsumer"
	NotifyNewPeer                = "newPeer"
	NotifyPeerClosed             = "peerClosed"
	NotifyPeerDisplayNameChanged = "peerDisplayNameChanged"
	NotifyConsumerClosed         = "consumerClosed"
	NotifyConsumerPaused         = "consumerPaused"
	NotifyConsumerResumed        = "consumerResumed"
	NotifyConsumerScore          = "consumerScore"
	NotifyConsumerLayersChanged  = "consumerLayersChanged"
	NotifyProducerScore          = "producerScore"
	NotifyDataConsumerClosed     = "dataConsumerClosed"
	NotifyActiveSpeaker          = "activeSpeaker"
	NotifyDownlinkBwe            = "downlinkBwe"
)

// Device describes the client software of a peer.
type Device struct {
	Flag    string `json:"flag,omitempty"`
	Name    string `json:"name,omitempty"`
	Version string `json:"version,omitempty"`
}

type JoinRequest struct {
	DisplayName      string                   `json:"displayName" binding:"max=256"`
	Device           Device                   `json:"device"`
	RtpCapabilities  *engine.RtpCapabilities  `json:"rtpCapabilities,omitempty"`
	SctpCapabilities *engine.SctpCapabilities `json:"sctpCapabilities,omitempty"`
}

type JoinResponse struct {
	Peers []PeerInfo `json:"peers"`
}

type CreateWebRtcTransportRequest struct {
	ForceTcp         bool                     `json:"forceTcp"`
	Producing        bool                     `json:"producing"`
	Consuming        bool                     `json:"consuming"`
	SctpCapabilities *engine.SctpCapabilities `json:"sctpCapabilities,omitempty"`
}

// TransportInfo is returned when a WebRTC transport is created.
type TransportInfo struct {
	ID             string                 `json:"id"`
	IceParameters  webrtc.ICEParameters   `json:"iceParameters"`
	IceCandidates  []engine.IceCandidate  `json:"iceCandidates"`
	DtlsParameters engine.DtlsParameters  `json:"dtlsParameters"`
	SctpParameters *engine.SctpParameters `json:"sctpParameters,omitempty"`
}

type ConnectWebRtcTransportRequest struct {
	TransportID    string                 `json:"transportId" binding:"required"`
	DtlsParameters *engine.DtlsParameters `json:"dtlsParameters" binding:"required"`
}

type TransportRequest struct {
	TransportID string `json:"transportId" binding:"required"`
}

type ProduceRequest struct {
	TransportID   string               `json:"transportId" binding:"required"`
	Kind          engine.MediaKind     `json:"kind" binding:"required,oneof=audio video"`
	RtpParameters engine.RtpParameters `json:"rtpParameters"`
	AppData       engine.AppData       `json:"appData,omitempty"`
}

type ProduceDataRequest struct {
	TransportID          string                       `json:"transportId" binding:"required"`
	SctpStreamParameters *engine.SctpStreamParameters `json:"sctpStreamParameters"`
	Label                string                       `json:"label"`
	Protocol             string                       `json:"protocol"`
	AppData              engine.AppData               `json:"appData,omitempty"`
}

// IDResponse carries the id of a newly created object.
type IDResponse struct {
	ID string `json:"id"`
}

type ProducerRequest struct {
	ProducerID string `json:"producerId" binding:"required"`
}

type ConsumerRequest struct {
	ConsumerID string `json:"consumerId" binding:"required"`
}

type SetConsumerPreferredLayersRequest struct {
	ConsumerID    string `json:"consumerId" binding:"required"`
	SpatialLayer  *uint8 `json:"spatialLayer" binding:"required"`
	TemporalLayer *uint8 `json:"temporalLayer,omitempty"`
}

type SetConsumerPriorityRequest struct {
	ConsumerID string `json:"consumerId" binding:"required"`
	Priority   uint8  `json:"priority" binding:"min=1"`
}

type DataProducerRequest struct {
	DataProducerID string `json:"dataProducerId" binding:"required"`
}

type DataConsumerRequest struct {
	DataConsumerID string `json:"dataConsumerId" binding:"required"`
}

type ChangeDisplayNameRequest struct {
	DisplayName string `json:"displayName" binding:"required,max=256"`
}

type ApplyNetworkThrottleRequest struct {
	Secret     string `json:"secret"`
	Uplink     int    `json:"uplink" binding:"min=0"`
	Downlink   int    `json:"downlink" binding:"min=0"`
	Rtt        int    `json:"rtt" binding:"min=0"`
	PacketLoss int    `json:"packetLoss" binding:"min=0,max=100"`
}

type ResetNetworkThrottleRequest struct {
	Secret string `json:"secret"`
}

// NewConsumerRequest is sent to a peer before its consumer is resumed.
type NewConsumerRequest struct {
	PeerID         string               `json:"peerId"`
	ProducerID     string               `json:"producerId"`
	ID             string               `json:"id"`
	Kind           engine.MediaKind     `json:"kind"`
	RtpParameters  engine.RtpParameters `json:"rtpParameters"`
	Type           string               `json:"type"`
	AppData        engine.AppData       `json:"appData"`
	ProducerPaused bool                 `json:"producerPaused"`
}

// NewDataConsumerRequest is sent to a peer for each data consumer. PeerID
// is nil for the bot channel.
type NewDataConsumerRequest struct {
	PeerID               *string                      `json:"peerId"`
	DataProducerID       string                       `json:"dataProducerId"`
	ID                   string                       `json:"id"`
	SctpStreamParameters *engine.SctpStreamParameters `json:"sctpStreamParameters"`
	Label                string                       `json:"label"`
	Protocol             string                       `json:"protocol"`
	AppData              engine.AppData               `json:"appData"`
}

type PeerClosedNotification struct {
	PeerID string `json:"peerId"`
}

type PeerDisplayNameChangedNotification struct {
	PeerID         string `json:"peerId"`
	DisplayName    string `json:"displayName"`
	OldDisplayName string `json:"oldDisplayName"`
}

type ConsumerNotification struct {
	ConsumerID string `json:"consumerId"`
}

type ConsumerScoreNotification struct {
	ConsumerID string               `json:"consumerId"`
	Score      engine.ConsumerScore `json:"score"`
}

type ProducerScoreNotification struct {
	ProducerID string                 `json:"producerId"`
	Score      []engine.ProducerScore `json:"score"`
}

// ConsumerLayersChangedNotification carries nil layers when the consumer
// forwards nothing.
type ConsumerLayersChangedNotification struct {
	ConsumerID    string `json:"consumerId"`
	SpatialLayer  *uint8 `json:"spatialLayer"`
	TemporalLayer *uint8 `json:"temporalLayer"`
}

type DataConsumerNotification struct {
	DataConsumerID string `json:"dataConsumerId"`
}

// ActiveSpeakerNotification carries a nil PeerID on silence.
type ActiveSpeakerNotification struct {
	PeerID *string `json:"peerId"`
	Volume *int    `json:"volume,omitempty"`
}

type DownlinkBweNotification struct {
	DesiredBitrate          int `json:"desiredBitrate"`
	EffectiveDesiredBitrate int `json:"effectiveDesiredBitrate"`
	AvailableBitrate        int `json:"availableBitrate"`
}
