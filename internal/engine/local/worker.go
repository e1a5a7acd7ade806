// Package local is an in-process implementation of the engine interfaces
// for tests. It models the object graph, capability negotiation and event
// semantics of a media-routing engine but carries no media; the Report*
// methods inject the measurements a real engine produces.
package local

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/mossy-p/sfu-signaling/internal/engine"
)

var nextPID atomic.Int32

// WorkerSettings configures the port range transports are allocated from.
type WorkerSettings struct {
	RtcMinPort uint16
	RtcMaxPort uint16
}

// Worker implements engine.Worker.
type Worker struct {
	pid      int
	logger   *slog.Logger
	settings WorkerSettings

	portMu   sync.Mutex
	nextPort uint16

	mu      sync.Mutex
	closed  bool
	routers map[string]*Router
}

// NewWorker creates a worker. Zero port settings default to 40000-49999.
func NewWorker(logger *slog.Logger, settings WorkerSettings) *Worker {
	if settings.RtcMinPort == 0 {
		settings.RtcMinPort = 40000
	}
	if settings.RtcMaxPort == 0 || settings.RtcMaxPort < settings.RtcMinPort {
		settings.RtcMaxPort = settings.RtcMinPort + 9999
	}
	pid := int(nextPID.Add(1))
	return &Worker{
		pid:      pid,
		logger:   logger.With("workerPid", pid),
		settings: settings,
		nextPort: settings.RtcMinPort,
		routers:  make(map[string]*Router),
	}
}

func (w *Worker) PID() int { return w.pid }

// CreateRouter builds a router whose capabilities are derived from the
// configured media codecs.
func (w *Worker) CreateRouter(ctx context.Context, opts engine.RouterOptions) (engine.Router, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil, fmt.Errorf("create router: %w", engine.ErrClosed)
	}
	if len(opts.MediaCodecs) == 0 {
		return nil, fmt.Errorf("create router: no media codecs: %w", engine.ErrInvalidState)
	}

	caps, err := buildRouterCapabilities(opts.MediaCodecs)
	if err != nil {
		return nil, err
	}

	r := newRouter(w, uuid.NewString(), caps, opts.AppData)
	w.routers[r.id] = r
	w.logger.Debug("router created", "routerId", r.id)
	return r, nil
}

// Close closes every router hosted by the worker.
func (w *Worker) Close() {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.closed = true
	routers := make([]*Router, 0, len(w.routers))
	for _, r := range w.routers {
		routers = append(routers, r)
	}
	w.routers = map[string]*Router{}
	w.mu.Unlock()

	for _, r := range routers {
		r.Close()
	}
}

func (w *Worker) Closed() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.closed
}

func (w *Worker) removeRouter(id string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.routers, id)
}

func (w *Worker) allocatePort() uint16 {
	w.portMu.Lock()
	defer w.portMu.Unlock()

	port := w.nextPort
	if w.nextPort >= w.settings.RtcMaxPort {
		w.nextPort = w.settings.RtcMinPort
	} else {
		w.nextPort++
	}
	return port
}

var defaultHeaderExtensions = []engine.RtpHeaderExtension{
	{Kind: engine.MediaKindAudio, URI: "urn:ietf:params:rtp-hdrext:sdes:mid", PreferredID: 1, Direction: "sendrecv"},
	{Kind: engine.MediaKindVideo, URI: "urn:ietf:params:rtp-hdrext:sdes:mid", PreferredID: 1, Direction: "sendrecv"},
	{Kind: engine.MediaKindVideo, URI: "urn:ietf:params:rtp-hdrext:sdes:rtp-stream-id", PreferredID: 2, Direction: "recvonly"},
	{Kind: engine.MediaKindAudio, URI: "http://www.webrtc.org/experiments/rtp-hdrext/abs-send-time", PreferredID: 4, Direction: "sendrecv"},
	{Kind: engine.MediaKindVideo, URI: "http://www.webrtc.org/experiments/rtp-hdrext/abs-send-time", PreferredID: 4, Direction: "sendrecv"},
	{Kind: engine.MediaKindVideo, URI: "http://www.ietf.org/id/draft-holmer-rmcat-transport-wide-cc-extensions-01", PreferredID: 5, Direction: "sendrecv"},
	{Kind: engine.MediaKindAudio, URI: "urn:ietf:params:rtp-hdrext:ssrc-audio-level", PreferredID: 10, Direction: "sendrecv"},
}

// buildRouterCapabilities assigns dynamic payload types and adds an RTX
// codec after each video codec.
func buildRouterCapabilities(codecs []engine.RtpCodecCapability) (engine.RtpCapabilities, error) {
	var caps engine.RtpCapabilities
	used := map[uint8]bool{}
	for _, c := range codecs {
		if c.PreferredPayloadType != 0 {
			used[c.PreferredPayloadType] = true
		}
	}
	next := uint8(100)
	allocate := func() uint8 {
		for used[next] {
			next++
		}
		used[next] = true
		return next
	}

	for _, c := range codecs {
		if c.Kind != engine.MediaKindAudio && c.Kind != engine.MediaKindVideo {
			return caps, fmt.Errorf("invalid codec kind %q: %w", c.Kind, engine.ErrInvalidState)
		}
		if !strings.HasPrefix(strings.ToLower(c.MimeType), string(c.Kind)+"/") {
			return caps, fmt.Errorf("codec mimeType %q does not match kind %q: %w", c.MimeType, c.Kind, engine.ErrInvalidState)
		}
		codec := c
		if codec.PreferredPayloadType == 0 {
			codec.PreferredPayloadType = allocate()
		}
		if codec.Kind == engine.MediaKindAudio && codec.Channels == 0 {
			codec.Channels = 1
		}
		caps.Codecs = append(caps.Codecs, codec)

		if codec.Kind == engine.MediaKindVideo {
			caps.Codecs = append(caps.Codecs, engine.RtpCodecCapability{
				Kind:                 engine.MediaKindVideo,
				MimeType:             "video/rtx",
				PreferredPayloadType: allocate(),
				ClockRate:            codec.ClockRate,
				Parameters:           map[string]any{"apt": codec.PreferredPayloadType},
			})
		}
	}
	caps.HeaderExtensions = append(caps.HeaderExtensions, defaultHeaderExtensions...)
	return caps, nil
}

func isRtx(mimeType string) bool {
	return strings.HasSuffix(strings.ToLower(mimeType), "/rtx")
}
