package mediasoup

import (
	"context"
	"log/slog"
	"sync"

	ms "github.com/jiyeyuran/mediasoup-go/v2"

	"github.com/mossy-p/sfu-signaling/internal/engine"
)

// Router wraps a worker router. It indexes the producers created on its
// transports so observer reports can be mapped back to engine handles.
type Router struct {
	router *ms.Router
	logger *slog.Logger
	caps   engine.RtpCapabilities

	mu        sync.RWMutex
	producers map[string]*Producer
}

func newRouter(router *ms.Router, logger *slog.Logger) *Router {
	r := &Router{
		router:    router,
		logger:    logger.With("routerId", router.Id()),
		producers: make(map[string]*Producer),
	}
	if err := convert(&r.caps, router.RtpCapabilities()); err != nil {
		r.logger.Warn("failed to decode router rtp capabilities", "error", err)
	}
	return r
}

func (r *Router) ID() string { return r.router.Id() }

func (r *Router) RtpCapabilities() engine.RtpCapabilities { return r.caps }

func (r *Router) CanConsume(producerID string, caps engine.RtpCapabilities) bool {
	var native ms.RtpCapabilities
	if err := convert(&native, caps); err != nil {
		return false
	}
	return r.router.CanConsume(producerID, &native)
}

func (r *Router) CreateWebRtcTransport(ctx context.Context, opts engine.WebRtcTransportOptions) (engine.Transport, error) {
	listenInfos := make([]map[string]any, 0, len(opts.ListenInfos))
	for _, info := range opts.ListenInfos {
		listenInfos = append(listenInfos, listenInfo(info))
	}
	options := map[string]any{
		"listenInfos":                     listenInfos,
		"enableUdp":                       opts.EnableUDP,
		"enableTcp":                       opts.EnableTCP,
		"preferUdp":                       opts.PreferUDP,
		"enableSctp":                      opts.EnableSctp,
		"appData":                         opts.AppData,
		"initialAvailableOutgoingBitrate": opts.InitialAvailableOutgoingBitrate,
	}
	if opts.EnableSctp {
		options["numSctpStreams"] = opts.NumSctpStreams
		options["maxSctpMessageSize"] = opts.MaxSctpMessageSize
	}

	var native ms.WebRtcTransportOptions
	if err := convert(&native, options); err != nil {
		return nil, err
	}
	t, err := r.router.CreateWebRtcTransport(&native)
	if err != nil {
		return nil, wrap("create webrtc transport", err)
	}
	return newTransport(r, t, engine.TransportTypeWebRtc, opts.AppData), nil
}

func (r *Router) CreatePlainTransport(ctx context.Context, opts engine.PlainTransportOptions) (engine.Transport, error) {
	options := map[string]any{
		"listenInfo": listenInfo(opts.ListenInfo),
		"rtcpMux":    opts.RtcpMux,
		"comedia":    opts.Comedia,
		"enableSctp": opts.EnableSctp,
		"appData":    opts.AppData,
	}
	if opts.EnableSctp {
		options["numSctpStreams"] = opts.NumSctpStreams
	}

	var native ms.PlainTransportOptions
	if err := convert(&native, options); err != nil {
		return nil, err
	}
	t, err := r.router.CreatePlainTransport(&native)
	if err != nil {
		return nil, wrap("create plain transport", err)
	}
	return newTransport(r, t, engine.TransportTypePlain, opts.AppData), nil
}

func (r *Router) CreateDirectTransport(ctx context.Context, opts engine.DirectTransportOptions) (engine.Transport, error) {
	options := map[string]any{"appData": opts.AppData}
	if opts.MaxMessageSize > 0 {
		options["maxMessageSize"] = opts.MaxMessageSize
	}

	var native ms.DirectTransportOptions
	if err := convert(&native, options); err != nil {
		return nil, err
	}
	t, err := r.router.CreateDirectTransport(&native)
	if err != nil {
		return nil, wrap("create direct transport", err)
	}
	return newTransport(r, t, engine.TransportTypeDirect, opts.AppData), nil
}

func (r *Router) CreateAudioLevelObserver(ctx context.Context, opts engine.AudioLevelObserverOptions) (engine.AudioLevelObserver, error) {
	var optionsErr error
	observer, err := r.router.CreateAudioLevelObserver(func(o *ms.AudioLevelObserverOptions) {
		optionsErr = convert(o, map[string]any{
			"maxEntries": opts.MaxEntries,
			"threshold":  opts.Threshold,
			"interval":   opts.IntervalMs,
		})
	})
	if err != nil {
		return nil, wrap("create audio level observer", err)
	}
	if optionsErr != nil {
		observer.Close()
		return nil, optionsErr
	}
	return newAudioLevelObserver(r, observer), nil
}

func (r *Router) Dump(ctx context.Context) (engine.RouterDump, error) {
	var dump engine.RouterDump
	native, err := r.router.Dump()
	if err != nil {
		return dump, wrap("dump router", err)
	}
	err = convert(&dump, native)
	return dump, err
}

func (r *Router) Close() { r.router.Close() }

func (r *Router) Closed() bool { return r.router.Closed() }

func (r *Router) trackProducer(p *Producer) {
	r.mu.Lock()
	r.producers[p.ID()] = p
	r.mu.Unlock()
}

func (r *Router) forgetProducer(id string) {
	r.mu.Lock()
	delete(r.producers, id)
	r.mu.Unlock()
}

func (r *Router) producer(id string) (*Producer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.producers[id]
	return p, ok
}

func listenInfo(info engine.ListenInfo) map[string]any {
	out := map[string]any{
		"protocol": info.Protocol,
		"ip":       info.IP,
	}
	if info.AnnouncedAddress != "" {
		out["announcedAddress"] = info.AnnouncedAddress
	}
	if info.Port != 0 {
		out["port"] = info.Port
	}
	return out
}
