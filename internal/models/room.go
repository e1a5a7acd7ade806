package models

import (
	"time"

	"github.com/mossy-p/sfu-signaling/internal/engine"
)

// RoomMetadata is the presence record kept for a live room.
type RoomMetadata struct {
	ID        string    `json:"id"`
	Code      string    `json:"code,omitempty"` // short shareable id, set when allocated via the API
	CreatorID string    `json:"creatorId,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	MaxPeers  int       `json:"maxPeers,omitempty"`
	PeerCount int       `json:"peerCount"`
	Peers     []string  `json:"peers,omitempty"`
}

// CreateRoomRequest is the request body for allocating a room
type CreateRoomRequest struct {
	MaxPeers int `json:"maxPeers" binding:"omitempty,min=2,max=64"`
}

// CreateRoomResponse is the response for allocating a room
type CreateRoomResponse struct {
	RoomID string `json:"roomId"`
	Code   string `json:"code"`
}

// PeerInfo describes a joined peer or broadcaster to other peers.
type PeerInfo struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
	Device      Device `json:"device"`
}

// BroadcasterPeer is a joined peer as listed to a new broadcaster.
type BroadcasterPeer struct {
	ID          string            `json:"id"`
	DisplayName string            `json:"displayName"`
	Device      Device            `json:"device"`
	Producers   []ProducerSummary `json:"producers"`
}

type ProducerSummary struct {
	ID   string           `json:"id"`
	Kind engine.MediaKind `json:"kind"`
}

type CreateBroadcasterRequest struct {
	ID              string                  `json:"id" binding:"required"`
	DisplayName     string                  `json:"displayName" binding:"required"`
	Device          Device                  `json:"device"`
	RtpCapabilities *engine.RtpCapabilities `json:"rtpCapabilities,omitempty"`
}

type CreateBroadcasterResponse struct {
	Peers []BroadcasterPeer `json:"peers"`
}

type CreateBroadcasterTransportRequest struct {
	Type             string                   `json:"type" binding:"required,oneof=webrtc plain"`
	RtcpMux          *bool                    `json:"rtcpMux,omitempty"`
	Comedia          bool                     `json:"comedia"`
	SctpCapabilities *engine.SctpCapabilities `json:"sctpCapabilities,omitempty"`
}

// PlainTransportInfo is returned when a plain transport is created.
type PlainTransportInfo struct {
	ID             string                 `json:"id"`
	IP             string                 `json:"ip"`
	Port           uint16                 `json:"port"`
	RtcpPort       uint16                 `json:"rtcpPort,omitempty"`
	SctpParameters *engine.SctpParameters `json:"sctpParameters,omitempty"`
	Tuple          *engine.TransportTuple `json:"tuple,omitempty"`
	RtcpTuple      *engine.TransportTuple `json:"rtcpTuple,omitempty"`
}

type ConnectBroadcasterTransportRequest struct {
	DtlsParameters *engine.DtlsParameters `json:"dtlsParameters" binding:"required"`
}

type CreateBroadcasterProducerRequest struct {
	Kind          engine.MediaKind     `json:"kind" binding:"required,oneof=audio video"`
	RtpParameters engine.RtpParameters `json:"rtpParameters"`
}

type CreateBroadcasterDataProducerRequest struct {
	Label                string                       `json:"label"`
	Protocol             string                       `json:"protocol"`
	SctpStreamParameters *engine.SctpStreamParameters `json:"sctpStreamParameters,omitempty"`
	AppData              engine.AppData               `json:"appData,omitempty"`
}

// ConsumerInfo is returned when a broadcaster consumes a producer.
type ConsumerInfo struct {
	ID            string               `json:"id"`
	ProducerID    string               `json:"producerId"`
	Kind          engine.MediaKind     `json:"kind"`
	RtpParameters engine.RtpParameters `json:"rtpParameters"`
	Type          string               `json:"type"`
}

// DataConsumerInfo is returned when a broadcaster consumes a data producer.
type DataConsumerInfo struct {
	ID                   string                       `json:"id"`
	DataProducerID       string                       `json:"dataProducerId"`
	SctpStreamParameters *engine.SctpStreamParameters `json:"sctpStreamParameters,omitempty"`
	Label                string                       `json:"label"`
	Protocol             string                       `json:"protocol"`
}
