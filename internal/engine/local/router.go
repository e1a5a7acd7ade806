package local

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/mossy-p/sfu-signaling/internal/engine"
)

// Router implements engine.Router.
type Router struct {
	id      string
	worker  *Worker
	logger  *slog.Logger
	caps    engine.RtpCapabilities
	appData engine.AppData

	mu            sync.RWMutex
	closed        bool
	transports    map[string]*Transport
	producers     map[string]*Producer
	dataProducers map[string]*DataProducer
	observers     map[string]*AudioLevelObserver
}

func newRouter(w *Worker, id string, caps engine.RtpCapabilities, appData engine.AppData) *Router {
	if appData == nil {
		appData = engine.AppData{}
	}
	return &Router{
		id:            id,
		worker:        w,
		logger:        w.logger.With("routerId", id),
		caps:          caps,
		appData:       appData,
		transports:    make(map[string]*Transport),
		producers:     make(map[string]*Producer),
		dataProducers: make(map[string]*DataProducer),
		observers:     make(map[string]*AudioLevelObserver),
	}
}

func (r *Router) ID() string { return r.id }

func (r *Router) RtpCapabilities() engine.RtpCapabilities { return r.caps }

// CanConsume reports whether an endpoint with caps can decode producerID.
func (r *Router) CanConsume(producerID string, caps engine.RtpCapabilities) bool {
	r.mu.RLock()
	p, ok := r.producers[producerID]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	return len(matchingCodecs(p.RtpParameters().Codecs, caps)) > 0
}

// matchingCodecs returns the media codecs of params that caps supports.
func matchingCodecs(codecs []engine.RtpCodecParameters, caps engine.RtpCapabilities) []engine.RtpCodecParameters {
	var out []engine.RtpCodecParameters
	for _, c := range codecs {
		if isRtx(c.MimeType) {
			continue
		}
		if supportsCodec(caps, c.MimeType, c.ClockRate, c.Channels) {
			out = append(out, c)
		}
	}
	return out
}

func supportsCodec(caps engine.RtpCapabilities, mimeType string, clockRate, channels int) bool {
	for _, codec := range caps.Codecs {
		if !strings.EqualFold(codec.MimeType, mimeType) || codec.ClockRate != clockRate {
			continue
		}
		if channels > 1 && codec.Channels > 0 && codec.Channels != channels {
			continue
		}
		return true
	}
	return false
}

func (r *Router) CreateWebRtcTransport(ctx context.Context, opts engine.WebRtcTransportOptions) (engine.Transport, error) {
	if len(opts.ListenInfos) == 0 {
		return nil, fmt.Errorf("create webrtc transport: no listen infos: %w", engine.ErrInvalidState)
	}
	if !opts.EnableUDP && !opts.EnableTCP {
		return nil, fmt.Errorf("create webrtc transport: neither udp nor tcp enabled: %w", engine.ErrInvalidState)
	}

	t := newTransport(r, engine.TransportTypeWebRtc, opts.AppData)
	t.data.IceParameters = newIceParameters()
	t.data.DtlsParameters = newDtlsParameters()
	t.data.DtlsState = "new"

	var priority uint32 = 1076302079
	for _, info := range opts.ListenInfos {
		address := info.AnnouncedAddress
		if address == "" {
			address = info.IP
		}
		for _, proto := range []string{"udp", "tcp"} {
			if (proto == "udp" && !opts.EnableUDP) || (proto == "tcp" && !opts.EnableTCP) {
				continue
			}
			port := info.Port
			if port == 0 {
				port = r.worker.allocatePort()
			}
			candidate := engine.IceCandidate{
				Foundation: fmt.Sprintf("%sfoundation", proto),
				Priority:   priority,
				IP:         address,
				Address:    address,
				Protocol:   proto,
				Port:       port,
				Type:       "host",
			}
			if proto == "tcp" {
				candidate.TCPType = "passive"
			}
			t.data.IceCandidates = append(t.data.IceCandidates, candidate)
			priority--
		}
	}

	if opts.EnableSctp {
		t.data.SctpParameters = newSctpParameters(opts.NumSctpStreams, opts.MaxSctpMessageSize)
	}

	if err := r.addTransport(t); err != nil {
		return nil, err
	}
	return t, nil
}

func (r *Router) CreatePlainTransport(ctx context.Context, opts engine.PlainTransportOptions) (engine.Transport, error) {
	if opts.ListenInfo.IP == "" {
		return nil, fmt.Errorf("create plain transport: missing listen ip: %w", engine.ErrInvalidState)
	}

	t := newTransport(r, engine.TransportTypePlain, opts.AppData)
	address := opts.ListenInfo.AnnouncedAddress
	if address == "" {
		address = opts.ListenInfo.IP
	}
	port := opts.ListenInfo.Port
	if port == 0 {
		port = r.worker.allocatePort()
	}
	t.data.Tuple = &engine.TransportTuple{LocalIP: address, LocalPort: port, Protocol: "udp"}
	if !opts.RtcpMux {
		t.data.RtcpTuple = &engine.TransportTuple{LocalIP: address, LocalPort: r.worker.allocatePort(), Protocol: "udp"}
	}
	t.comedia = opts.Comedia
	if opts.EnableSctp {
		t.data.SctpParameters = newSctpParameters(opts.NumSctpStreams, 0)
	}

	if err := r.addTransport(t); err != nil {
		return nil, err
	}
	return t, nil
}

func (r *Router) CreateDirectTransport(ctx context.Context, opts engine.DirectTransportOptions) (engine.Transport, error) {
	t := newTransport(r, engine.TransportTypeDirect, opts.AppData)
	if err := r.addTransport(t); err != nil {
		return nil, err
	}
	return t, nil
}

func (r *Router) CreateAudioLevelObserver(ctx context.Context, opts engine.AudioLevelObserverOptions) (engine.AudioLevelObserver, error) {
	if opts.MaxEntries <= 0 {
		opts.MaxEntries = 1
	}
	o := &AudioLevelObserver{
		id:        uuid.NewString(),
		router:    r,
		opts:      opts,
		producers: make(map[string]bool),
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, fmt.Errorf("create audio level observer: %w", engine.ErrClosed)
	}
	r.observers[o.id] = o
	return o, nil
}

func (r *Router) Dump(ctx context.Context) (engine.RouterDump, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.closed {
		return engine.RouterDump{}, fmt.Errorf("dump: %w", engine.ErrClosed)
	}
	dump := engine.RouterDump{ID: r.id}
	for id := range r.transports {
		dump.TransportIDs = append(dump.TransportIDs, id)
	}
	for id := range r.observers {
		dump.ObserverIDs = append(dump.ObserverIDs, id)
	}
	sort.Strings(dump.TransportIDs)
	sort.Strings(dump.ObserverIDs)
	return dump, nil
}

// Close closes every transport and observer on the router.
func (r *Router) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	transports := make([]*Transport, 0, len(r.transports))
	for _, t := range r.transports {
		transports = append(transports, t)
	}
	observers := make([]*AudioLevelObserver, 0, len(r.observers))
	for _, o := range r.observers {
		observers = append(observers, o)
	}
	r.mu.Unlock()

	for _, t := range transports {
		t.closeWith(engine.CloseReasonRouterClosed)
	}
	for _, o := range observers {
		o.Close()
	}
	r.worker.removeRouter(r.id)
	r.logger.Debug("router closed")
}

func (r *Router) Closed() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.closed
}

func (r *Router) addTransport(t *Transport) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return fmt.Errorf("create transport: %w", engine.ErrClosed)
	}
	r.transports[t.id] = t
	return nil
}

func (r *Router) removeTransport(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.transports, id)
}

func (r *Router) addProducer(p *Producer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.producers[p.id] = p
}

func (r *Router) producer(id string) (*Producer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.producers[id]
	return p, ok
}

func (r *Router) removeProducer(id string) {
	r.mu.Lock()
	delete(r.producers, id)
	observers := make([]*AudioLevelObserver, 0, len(r.observers))
	for _, o := range r.observers {
		observers = append(observers, o)
	}
	r.mu.Unlock()

	for _, o := range observers {
		o.forget(id)
	}
}

func (r *Router) addDataProducer(p *DataProducer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dataProducers[p.id] = p
}

func (r *Router) dataProducer(id string) (*DataProducer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.dataProducers[id]
	return p, ok
}

func (r *Router) removeDataProducer(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.dataProducers, id)
}

func (r *Router) removeObserver(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.observers, id)
}
