package mediasoup

import (
	"context"
	"fmt"

	ms "github.com/jiyeyuran/mediasoup-go/v2"
	"github.com/pion/webrtc/v4"

	"github.com/mossy-p/sfu-signaling/internal/engine"
)

// transportData mirrors the per-type sections of a transport's data.
type transportData struct {
	WebRtcTransportData *engine.TransportData
	PlainTransportData  *engine.TransportData
}

type Transport struct {
	router    *Router
	transport *ms.Transport
	typ       engine.TransportType
	appData   engine.AppData
	events    engine.Emitter[engine.TransportEvent]
}

func newTransport(r *Router, t *ms.Transport, typ engine.TransportType, appData engine.AppData) *Transport {
	tr := &Transport{router: r, transport: t, typ: typ, appData: appData.Clone()}

	t.OnClose(func() {
		tr.events.Emit(engine.TransportEvent{Type: engine.TransportEventClosed, Reason: engine.CloseReasonLocal})
	})
	t.OnDtlsStateChange(func(state ms.DtlsState) {
		tr.events.Emit(engine.TransportEvent{Type: engine.TransportEventDtlsStateChange, DtlsState: fmt.Sprint(state)})
	})
	t.OnSctpStateChange(func(state ms.SctpState) {
		tr.events.Emit(engine.TransportEvent{Type: engine.TransportEventSctpStateChange, SctpState: fmt.Sprint(state)})
	})
	t.OnTrace(func(trace *ms.TransportTraceEventData) {
		var ev engine.TraceEvent
		if err := convert(&ev, trace); err != nil {
			r.logger.Debug("undecodable transport trace", "transportId", t.Id(), "error", err)
			return
		}
		tr.events.Emit(engine.TransportEvent{Type: engine.TransportEventTrace, Trace: &ev})
	})
	return tr
}

func (t *Transport) ID() string { return t.transport.Id() }

func (t *Transport) Type() engine.TransportType { return t.typ }

func (t *Transport) AppData() engine.AppData { return t.appData }

func (t *Transport) Data() engine.TransportData {
	var data transportData
	if err := convert(&data, t.transport.Data()); err != nil {
		t.router.logger.Warn("failed to decode transport data", "transportId", t.ID(), "error", err)
	}
	switch {
	case data.WebRtcTransportData != nil:
		return *data.WebRtcTransportData
	case data.PlainTransportData != nil:
		return *data.PlainTransportData
	}
	return engine.TransportData{}
}

func (t *Transport) Connect(ctx context.Context, opts engine.TransportConnectOptions) error {
	options := map[string]any{}
	if opts.DtlsParameters != nil {
		options["dtlsParameters"] = opts.DtlsParameters
	}
	if opts.IP != "" {
		options["ip"] = opts.IP
		options["port"] = opts.Port
	}
	if opts.RtcpPort != 0 {
		options["rtcpPort"] = opts.RtcpPort
	}

	var native ms.TransportConnectOptions
	if err := convert(&native, options); err != nil {
		return err
	}
	return wrap("connect transport", t.transport.Connect(&native))
}

func (t *Transport) RestartIce(ctx context.Context) (webrtc.ICEParameters, error) {
	var params webrtc.ICEParameters
	native, err := t.transport.RestartIce()
	if err != nil {
		return params, wrap("restart ice", err)
	}
	err = convert(&params, native)
	return params, err
}

func (t *Transport) SetMaxIncomingBitrate(ctx context.Context, bitrate int) error {
	return wrap("set max incoming bitrate", t.transport.SetMaxIncomingBitrate(uint32(bitrate)))
}

func (t *Transport) EnableTraceEvent(ctx context.Context, types ...string) error {
	native := make([]ms.TransportTraceEventType, 0, len(types))
	for _, typ := range types {
		native = append(native, ms.TransportTraceEventType(typ))
	}
	return wrap("enable trace event", t.transport.EnableTraceEvent(native))
}

func (t *Transport) Produce(ctx context.Context, opts engine.ProducerOptions) (engine.Producer, error) {
	var native ms.ProducerOptions
	if err := convert(&native, map[string]any{
		"kind":          opts.Kind,
		"rtpParameters": opts.RtpParameters,
		"paused":        opts.Paused,
		"appData":       opts.AppData,
	}); err != nil {
		return nil, err
	}
	p, err := t.transport.Produce(&native)
	if err != nil {
		return nil, wrap("produce", err)
	}
	return newProducer(t.router, p, opts.AppData), nil
}

func (t *Transport) Consume(ctx context.Context, opts engine.ConsumerOptions) (engine.Consumer, error) {
	if !t.router.CanConsume(opts.ProducerID, opts.RtpCapabilities) {
		return nil, fmt.Errorf("consume producer %s: %w", opts.ProducerID, engine.ErrCannotConsume)
	}
	var native ms.ConsumerOptions
	if err := convert(&native, map[string]any{
		"producerId":      opts.ProducerID,
		"rtpCapabilities": opts.RtpCapabilities,
		"paused":          opts.Paused,
		"enableRtx":       opts.EnableRtx,
		"ignoreDtx":       opts.IgnoreDtx,
		"appData":         opts.AppData,
	}); err != nil {
		return nil, err
	}
	c, err := t.transport.Consume(&native)
	if err != nil {
		return nil, wrap("consume", err)
	}
	return newConsumer(c, opts.AppData), nil
}

func (t *Transport) ProduceData(ctx context.Context, opts engine.DataProducerOptions) (engine.DataProducer, error) {
	options := map[string]any{
		"label":    opts.Label,
		"protocol": opts.Protocol,
		"appData":  opts.AppData,
	}
	if opts.SctpStreamParameters != nil {
		options["sctpStreamParameters"] = opts.SctpStreamParameters
	}

	var native ms.DataProducerOptions
	if err := convert(&native, options); err != nil {
		return nil, err
	}
	p, err := t.transport.ProduceData(&native)
	if err != nil {
		return nil, wrap("produce data", err)
	}
	return newDataProducer(p, opts.AppData), nil
}

func (t *Transport) ConsumeData(ctx context.Context, opts engine.DataConsumerOptions) (engine.DataConsumer, error) {
	var native ms.DataConsumerOptions
	if err := convert(&native, map[string]any{
		"dataProducerId": opts.DataProducerID,
		"appData":        opts.AppData,
	}); err != nil {
		return nil, err
	}
	c, err := t.transport.ConsumeData(&native)
	if err != nil {
		return nil, wrap("consume data", err)
	}
	return newDataConsumer(c, opts.AppData), nil
}

func (t *Transport) GetStats(ctx context.Context) ([]engine.Stats, error) {
	return statsOf(t.transport.GetStats())
}

func (t *Transport) On(fn func(engine.TransportEvent)) { t.events.On(fn) }

func (t *Transport) Close() { t.transport.Close() }

func (t *Transport) Closed() bool { return t.transport.Closed() }
