package local

import (
	"context"
	"crypto/sha256"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"

	"github.com/mossy-p/sfu-signaling/internal/engine"
)

// Transport implements engine.Transport for webrtc, plain and direct types.
type Transport struct {
	id      string
	typ     engine.TransportType
	router  *Router
	appData engine.AppData
	events  engine.Emitter[engine.TransportEvent]

	mu                 sync.Mutex
	data               engine.TransportData
	comedia            bool
	closed             bool
	connected          bool
	maxIncomingBitrate int
	traceTypes         []string
	nextMid            int
	nextStreamID       uint16
	producers          map[string]*Producer
	consumers          map[string]*Consumer
	dataProducers      map[string]*DataProducer
	dataConsumers      map[string]*DataConsumer
}

var _ engine.Transport = (*Transport)(nil)

func newTransport(r *Router, typ engine.TransportType, appData engine.AppData) *Transport {
	if appData == nil {
		appData = engine.AppData{}
	}
	return &Transport{
		id:            uuid.NewString(),
		typ:           typ,
		router:        r,
		appData:       appData.Clone(),
		producers:     make(map[string]*Producer),
		consumers:     make(map[string]*Consumer),
		dataProducers: make(map[string]*DataProducer),
		dataConsumers: make(map[string]*DataConsumer),
	}
}

func newIceParameters() webrtc.ICEParameters {
	ufrag := strings.ReplaceAll(uuid.NewString(), "-", "")
	pwd := strings.ReplaceAll(uuid.NewString(), "-", "")
	return webrtc.ICEParameters{
		UsernameFragment: ufrag[:16],
		Password:         pwd,
		ICELite:          true,
	}
}

func newDtlsParameters() engine.DtlsParameters {
	id := uuid.New()
	sum := sha256.Sum256(id[:])
	parts := make([]string, len(sum))
	for i, b := range sum {
		parts[i] = fmt.Sprintf("%02X", b)
	}
	return engine.DtlsParameters{
		Role: "auto",
		Fingerprints: []webrtc.DTLSFingerprint{
			{Algorithm: "sha-256", Value: strings.Join(parts, ":")},
		},
	}
}

func newSctpParameters(streams engine.NumSctpStreams, maxMessageSize uint32) *engine.SctpParameters {
	if streams.OS == 0 {
		streams.OS = 1024
	}
	if streams.MIS == 0 {
		streams.MIS = 1024
	}
	if maxMessageSize == 0 {
		maxMessageSize = 262144
	}
	return &engine.SctpParameters{Port: 5000, OS: streams.OS, MIS: streams.MIS, MaxMessageSize: maxMessageSize}
}

func (t *Transport) ID() string { return t.id }
func (t *Transport) Type() engine.TransportType { return t.typ }
func (t *Transport) AppData() engine.AppData { return t.appData }
func (t *Transport) On(fn func(engine.TransportEvent)) { t.events.On(fn) }

func (t *Transport) Data() engine.TransportData {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.data
}

func (t *Transport) Closed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

// Connect completes the remote side parameters of the transport.
func (t *Transport) Connect(ctx context.Context, opts engine.TransportConnectOptions) error {
	t.mu.Lock()

	if t.closed {
		t.mu.Unlock()
		return fmt.Errorf("connect: %w", engine.ErrClosed)
	}
	if t.connected {
		t.mu.Unlock()
		return fmt.Errorf("connect() already called: %w", engine.ErrInvalidState)
	}

	var ev *engine.TransportEvent
	switch t.typ {
	case engine.TransportTypeWebRtc:
		if opts.DtlsParameters == nil || len(opts.DtlsParameters.Fingerprints) == 0 {
			t.mu.Unlock()
			return fmt.Errorf("connect: missing dtlsParameters: %w", engine.ErrInvalidState)
		}
		t.data.DtlsState = "connected"
		ev = &engine.TransportEvent{Type: engine.TransportEventDtlsStateChange, DtlsState: "connected"}
	case engine.TransportTypePlain:
		if !t.comedia {
			if opts.IP == "" || opts.Port == 0 {
				t.mu.Unlock()
				return fmt.Errorf("connect: missing ip/port: %w", engine.ErrInvalidState)
			}
			t.data.Tuple.RemoteIP = opts.IP
			t.data.Tuple.RemotePort = opts.Port
			if t.data.RtcpTuple != nil {
				t.data.RtcpTuple.RemoteIP = opts.IP
				t.data.RtcpTuple.RemotePort = opts.RtcpPort
			}
		}
	}
	t.connected = true
	t.mu.Unlock()

	if ev != nil {
		t.events.Emit(*ev)
	}
	return nil
}

func (t *Transport) RestartIce(ctx context.Context) (webrtc.ICEParameters, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return webrtc.ICEParameters{}, fmt.Errorf("restart ice: %w", engine.ErrClosed)
	}
	if t.typ != engine.TransportTypeWebRtc {
		return webrtc.ICEParameters{}, fmt.Errorf("restart ice on %s transport: %w", t.typ, engine.ErrUnsupported)
	}
	t.data.IceParameters = newIceParameters()
	return t.data.IceParameters, nil
}

func (t *Transport) SetMaxIncomingBitrate(ctx context.Context, bitrate int) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return fmt.Errorf("set max incoming bitrate: %w", engine.ErrClosed)
	}
	t.maxIncomingBitrate = bitrate
	return nil
}

func (t *Transport) EnableTraceEvent(ctx context.Context, types ...string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return fmt.Errorf("enable trace event: %w", engine.ErrClosed)
	}
	t.traceTypes = append([]string(nil), types...)
	return nil
}

// ReportTrace emits a trace event if its type was enabled.
func (t *Transport) ReportTrace(trace engine.TraceEvent) {
	t.mu.Lock()
	enabled := false
	for _, typ := range t.traceTypes {
		if typ == trace.Type {
			enabled = true
			break
		}
	}
	closed := t.closed
	t.mu.Unlock()

	if !enabled || closed {
		return
	}
	if trace.Timestamp == 0 {
		trace.Timestamp = time.Now().UnixMilli()
	}
	t.events.Emit(engine.TransportEvent{Type: engine.TransportEventTrace, Trace: &trace})
}

func (t *Transport) Produce(ctx context.Context, opts engine.ProducerOptions) (engine.Producer, error) {
	if t.typ == engine.TransportTypeDirect {
		return nil, fmt.Errorf("produce on direct transport: %w", engine.ErrUnsupported)
	}
	if opts.Kind != engine.MediaKindAudio && opts.Kind != engine.MediaKindVideo {
		return nil, fmt.Errorf("produce: invalid kind %q: %w", opts.Kind, engine.ErrInvalidState)
	}
	if len(opts.RtpParameters.Codecs) == 0 {
		return nil, fmt.Errorf("produce: empty rtpParameters.codecs: %w", engine.ErrInvalidState)
	}
	caps := t.router.RtpCapabilities()
	for _, c := range opts.RtpParameters.Codecs {
		if isRtx(c.MimeType) {
			continue
		}
		if !supportsCodec(caps, c.MimeType, c.ClockRate, c.Channels) {
			return nil, fmt.Errorf("produce: unsupported codec %s/%d: %w", c.MimeType, c.ClockRate, engine.ErrCannotConsume)
		}
	}

	p := newProducer(t, opts)

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, fmt.Errorf("produce: %w", engine.ErrClosed)
	}
	t.producers[p.id] = p
	t.mu.Unlock()

	t.router.addProducer(p)
	return p, nil
}

func (t *Transport) Consume(ctx context.Context, opts engine.ConsumerOptions) (engine.Consumer, error) {
	if t.typ == engine.TransportTypeDirect {
		return nil, fmt.Errorf("consume on direct transport: %w", engine.ErrUnsupported)
	}
	p, ok := t.router.producer(opts.ProducerID)
	if !ok {
		return nil, fmt.Errorf("consume: producer %q: %w", opts.ProducerID, engine.ErrNotFound)
	}
	codecs := matchingCodecs(p.RtpParameters().Codecs, opts.RtpCapabilities)
	if len(codecs) == 0 {
		return nil, fmt.Errorf("consume: producer %q: %w", opts.ProducerID, engine.ErrCannotConsume)
	}
	if opts.EnableRtx {
		for _, c := range p.RtpParameters().Codecs {
			if isRtx(c.MimeType) && supportsCodec(opts.RtpCapabilities, c.MimeType, c.ClockRate, 0) {
				codecs = append(codecs, c)
			}
		}
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, fmt.Errorf("consume: %w", engine.ErrClosed)
	}
	mid := strconv.Itoa(t.nextMid)
	t.nextMid++
	t.mu.Unlock()

	c := newConsumer(t, p, codecs, mid, opts)
	if !p.addConsumer(c) {
		return nil, fmt.Errorf("consume: producer %q: %w", opts.ProducerID, engine.ErrClosed)
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		p.removeConsumer(c.id)
		return nil, fmt.Errorf("consume: %w", engine.ErrClosed)
	}
	t.consumers[c.id] = c
	t.mu.Unlock()
	return c, nil
}

func (t *Transport) ProduceData(ctx context.Context, opts engine.DataProducerOptions) (engine.DataProducer, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil, fmt.Errorf("produce data: %w", engine.ErrClosed)
	}
	if t.typ != engine.TransportTypeDirect {
		if t.data.SctpParameters == nil {
			return nil, fmt.Errorf("produce data: SCTP not enabled: %w", engine.ErrUnsupported)
		}
		if opts.SctpStreamParameters == nil {
			return nil, fmt.Errorf("produce data: missing sctpStreamParameters: %w", engine.ErrInvalidState)
		}
	}

	dp := newDataProducer(t, opts)
	t.dataProducers[dp.id] = dp
	t.router.addDataProducer(dp)
	return dp, nil
}

func (t *Transport) ConsumeData(ctx context.Context, opts engine.DataConsumerOptions) (engine.DataConsumer, error) {
	dp, ok := t.router.dataProducer(opts.DataProducerID)
	if !ok {
		return nil, fmt.Errorf("consume data: data producer %q: %w", opts.DataProducerID, engine.ErrNotFound)
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, fmt.Errorf("consume data: %w", engine.ErrClosed)
	}
	var params *engine.SctpStreamParameters
	if t.typ != engine.TransportTypeDirect {
		if t.data.SctpParameters == nil {
			t.mu.Unlock()
			return nil, fmt.Errorf("consume data: SCTP not enabled: %w", engine.ErrUnsupported)
		}
		params = &engine.SctpStreamParameters{StreamID: t.nextStreamID}
		if src := dp.SctpStreamParameters(); src != nil {
			params.Ordered = src.Ordered
			params.MaxPacketLifeTime = src.MaxPacketLifeTime
			params.MaxRetransmits = src.MaxRetransmits
		}
		t.nextStreamID++
	}
	t.mu.Unlock()

	dc := newDataConsumer(t, dp, params, opts.AppData)
	if !dp.addConsumer(dc) {
		return nil, fmt.Errorf("consume data: data producer %q: %w", opts.DataProducerID, engine.ErrClosed)
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		dp.removeConsumer(dc.id)
		return nil, fmt.Errorf("consume data: %w", engine.ErrClosed)
	}
	t.dataConsumers[dc.id] = dc
	t.mu.Unlock()
	return dc, nil
}

func (t *Transport) GetStats(ctx context.Context) ([]engine.Stats, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil, fmt.Errorf("get stats: %w", engine.ErrClosed)
	}
	return []engine.Stats{{
		"type":               string(t.typ) + "-transport",
		"transportId":        t.id,
		"timestamp":          time.Now().UnixMilli(),
		"dtlsState":          t.data.DtlsState,
		"maxIncomingBitrate": t.maxIncomingBitrate,
		"producerCount":      len(t.producers),
		"consumerCount":      len(t.consumers),
		"bytesReceived":      0,
		"bytesSent":          0,
	}}, nil
}

func (t *Transport) Close() { t.closeWith(engine.CloseReasonLocal) }

// closeWith closes the transport and everything created on it.
func (t *Transport) closeWith(reason engine.CloseReason) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	producers := t.producers
	consumers := t.consumers
	dataProducers := t.dataProducers
	dataConsumers := t.dataConsumers
	t.producers = map[string]*Producer{}
	t.consumers = map[string]*Consumer{}
	t.dataProducers = map[string]*DataProducer{}
	t.dataConsumers = map[string]*DataConsumer{}
	if t.data.DtlsState != "" {
		t.data.DtlsState = "closed"
	}
	t.mu.Unlock()

	for _, c := range consumers {
		c.closeWith(engine.CloseReasonTransportClosed)
	}
	for _, dc := range dataConsumers {
		dc.closeWith(engine.CloseReasonTransportClosed)
	}
	for _, p := range producers {
		p.closeWith(engine.CloseReasonTransportClosed)
	}
	for _, dp := range dataProducers {
		dp.closeWith(engine.CloseReasonTransportClosed)
	}
	t.router.removeTransport(t.id)

	t.events.Emit(engine.TransportEvent{Type: engine.TransportEventClosed, Reason: reason})
	t.events.Reset()
}

func (t *Transport) removeProducer(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.producers, id)
}

func (t *Transport) removeConsumer(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.consumers, id)
}

func (t *Transport) removeDataProducer(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.dataProducers, id)
}

func (t *Transport) removeDataConsumer(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.dataConsumers, id)
}
