package engine

import "github.com/pion/webrtc/v4"

// DefaultMediaCodecs is the codec set used when none is configured.
func DefaultMediaCodecs() []RtpCodecCapability {
	return []RtpCodecCapability{
		{Kind: MediaKindAudio, MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2},
		{
			Kind:       MediaKindVideo,
			MimeType:   webrtc.MimeTypeVP8,
			ClockRate:  90000,
			Parameters: map[string]any{"x-google-start-bitrate": 1000},
		},
		{
			Kind:       MediaKindVideo,
			MimeType:   webrtc.MimeTypeVP9,
			ClockRate:  90000,
			Parameters: map[string]any{"profile-id": 2, "x-google-start-bitrate": 1000},
		},
		{
			Kind:      MediaKindVideo,
			MimeType:  webrtc.MimeTypeH264,
			ClockRate: 90000,
			Parameters: map[string]any{
				"packetization-mode":      1,
				"profile-level-id":        "4d0032",
				"level-asymmetry-allowed": 1,
				"x-google-start-bitrate":  1000,
			},
		},
	}
}
