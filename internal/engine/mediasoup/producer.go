package mediasoup

import (
	"context"
	"fmt"

	ms "github.com/jiyeyuran/mediasoup-go/v2"

	"github.com/mossy-p/sfu-signaling/internal/engine"
)

type Producer struct {
	producer *ms.Producer
	appData  engine.AppData
	events   engine.Emitter[engine.ProducerEvent]
}

func newProducer(r *Router, p *ms.Producer, appData engine.AppData) *Producer {
	pr := &Producer{producer: p, appData: appData.Clone()}
	r.trackProducer(pr)

	p.OnClose(func() {
		r.forgetProducer(p.Id())
		pr.events.Emit(engine.ProducerEvent{Type: engine.ProducerEventClosed, Reason: engine.CloseReasonLocal})
	})
	p.OnScore(func(scores []ms.ProducerScore) {
		var out []engine.ProducerScore
		if err := convert(&out, scores); err != nil {
			return
		}
		pr.events.Emit(engine.ProducerEvent{Type: engine.ProducerEventScore, Score: out})
	})
	p.OnTrace(func(trace ms.ProducerTraceEventData) {
		var ev engine.TraceEvent
		if err := convert(&ev, trace); err != nil {
			return
		}
		pr.events.Emit(engine.ProducerEvent{Type: engine.ProducerEventTrace, Trace: &ev})
	})
	return pr
}

func (p *Producer) ID() string { return p.producer.Id() }

func (p *Producer) Kind() engine.MediaKind { return engine.MediaKind(fmt.Sprint(p.producer.Kind())) }

func (p *Producer) Type() string { return fmt.Sprint(p.producer.Type()) }

func (p *Producer) AppData() engine.AppData { return p.appData }

func (p *Producer) RtpParameters() engine.RtpParameters {
	var params engine.RtpParameters
	_ = convert(&params, p.producer.RtpParameters())
	return params
}

func (p *Producer) Paused() bool { return p.producer.Paused() }

func (p *Producer) Pause(ctx context.Context) error {
	return wrap("pause producer", p.producer.Pause())
}

func (p *Producer) Resume(ctx context.Context) error {
	return wrap("resume producer", p.producer.Resume())
}

func (p *Producer) GetStats(ctx context.Context) ([]engine.Stats, error) {
	return statsOf(p.producer.GetStats())
}

func (p *Producer) On(fn func(engine.ProducerEvent)) { p.events.On(fn) }

func (p *Producer) Close() { p.producer.Close() }

func (p *Producer) Closed() bool { return p.producer.Closed() }

type Consumer struct {
	consumer *ms.Consumer
	appData  engine.AppData
	events   engine.Emitter[engine.ConsumerEvent]
}

func newConsumer(c *ms.Consumer, appData engine.AppData) *Consumer {
	co := &Consumer{consumer: c, appData: appData.Clone()}

	c.OnClose(func() {
		co.events.Emit(engine.ConsumerEvent{Type: engine.ConsumerEventClosed, Reason: engine.CloseReasonLocal})
	})
	c.OnProducerClose(func() {
		co.events.Emit(engine.ConsumerEvent{Type: engine.ConsumerEventClosed, Reason: engine.CloseReasonProducerClosed})
	})
	c.OnProducerPause(func() {
		co.events.Emit(engine.ConsumerEvent{Type: engine.ConsumerEventProducerPaused})
	})
	c.OnProducerResume(func() {
		co.events.Emit(engine.ConsumerEvent{Type: engine.ConsumerEventProducerResumed})
	})
	c.OnScore(func(score ms.ConsumerScore) {
		var out engine.ConsumerScore
		if err := convert(&out, score); err != nil {
			return
		}
		co.events.Emit(engine.ConsumerEvent{Type: engine.ConsumerEventScore, Score: &out})
	})
	c.OnLayersChange(func(layers *ms.ConsumerLayers) {
		ev := engine.ConsumerEvent{Type: engine.ConsumerEventLayersChange}
		if layers != nil {
			var out engine.ConsumerLayers
			if err := convert(&out, layers); err != nil {
				return
			}
			ev.Layers = &out
		}
		co.events.Emit(ev)
	})
	c.OnTrace(func(trace ms.ConsumerTraceEventData) {
		var ev engine.TraceEvent
		if err := convert(&ev, trace); err != nil {
			return
		}
		co.events.Emit(engine.ConsumerEvent{Type: engine.ConsumerEventTrace, Trace: &ev})
	})
	return co
}

func (c *Consumer) ID() string { return c.consumer.Id() }

func (c *Consumer) ProducerID() string { return c.consumer.ProducerId() }

func (c *Consumer) Kind() engine.MediaKind { return engine.MediaKind(fmt.Sprint(c.consumer.Kind())) }

func (c *Consumer) Type() string { return fmt.Sprint(c.consumer.Type()) }

func (c *Consumer) AppData() engine.AppData { return c.appData }

func (c *Consumer) RtpParameters() engine.RtpParameters {
	var params engine.RtpParameters
	_ = convert(&params, c.consumer.RtpParameters())
	return params
}

func (c *Consumer) Paused() bool { return c.consumer.Paused() }

func (c *Consumer) ProducerPaused() bool { return c.consumer.ProducerPaused() }

func (c *Consumer) Score() engine.ConsumerScore {
	var score engine.ConsumerScore
	_ = convert(&score, c.consumer.Score())
	return score
}

func (c *Consumer) Pause(ctx context.Context) error {
	return wrap("pause consumer", c.consumer.Pause())
}

func (c *Consumer) Resume(ctx context.Context) error {
	return wrap("resume consumer", c.consumer.Resume())
}

func (c *Consumer) SetPreferredLayers(ctx context.Context, layers engine.ConsumerLayers) error {
	var native ms.ConsumerLayers
	if err := convert(&native, layers); err != nil {
		return err
	}
	return wrap("set preferred layers", c.consumer.SetPreferredLayers(native))
}

func (c *Consumer) SetPriority(ctx context.Context, priority uint8) error {
	return wrap("set priority", c.consumer.SetPriority(priority))
}

func (c *Consumer) RequestKeyFrame(ctx context.Context) error {
	return wrap("request key frame", c.consumer.RequestKeyFrame())
}

func (c *Consumer) GetStats(ctx context.Context) ([]engine.Stats, error) {
	return statsOf(c.consumer.GetStats())
}

func (c *Consumer) On(fn func(engine.ConsumerEvent)) { c.events.On(fn) }

func (c *Consumer) Close() { c.consumer.Close() }

func (c *Consumer) Closed() bool { return c.consumer.Closed() }

type DataProducer struct {
	producer *ms.DataProducer
	appData  engine.AppData
	events   engine.Emitter[engine.DataProducerEvent]
}

func newDataProducer(p *ms.DataProducer, appData engine.AppData) *DataProducer {
	dp := &DataProducer{producer: p, appData: appData.Clone()}
	p.OnClose(func() {
		dp.events.Emit(engine.DataProducerEvent{Type: engine.DataProducerEventClosed, Reason: engine.CloseReasonLocal})
	})
	return dp
}

func (p *DataProducer) ID() string { return p.producer.Id() }

func (p *DataProducer) Label() string { return p.producer.Label() }

func (p *DataProducer) Protocol() string { return p.producer.Protocol() }

func (p *DataProducer) SctpStreamParameters() *engine.SctpStreamParameters {
	native := p.producer.SctpStreamParameters()
	if native == nil {
		return nil
	}
	var params engine.SctpStreamParameters
	if err := convert(&params, native); err != nil {
		return nil
	}
	return &params
}

func (p *DataProducer) AppData() engine.AppData { return p.appData }

func (p *DataProducer) Send(ctx context.Context, message []byte) error {
	return wrap("send", p.producer.Send(message))
}

func (p *DataProducer) GetStats(ctx context.Context) ([]engine.Stats, error) {
	return statsOf(p.producer.GetStats())
}

func (p *DataProducer) On(fn func(engine.DataProducerEvent)) { p.events.On(fn) }

func (p *DataProducer) Close() { p.producer.Close() }

func (p *DataProducer) Closed() bool { return p.producer.Closed() }

type DataConsumer struct {
	consumer *ms.DataConsumer
	appData  engine.AppData
	events   engine.Emitter[engine.DataConsumerEvent]
}

func newDataConsumer(c *ms.DataConsumer, appData engine.AppData) *DataConsumer {
	dc := &DataConsumer{consumer: c, appData: appData.Clone()}
	c.OnClose(func() {
		dc.events.Emit(engine.DataConsumerEvent{Type: engine.DataConsumerEventClosed, Reason: engine.CloseReasonLocal})
	})
	c.OnDataProducerClose(func() {
		dc.events.Emit(engine.DataConsumerEvent{Type: engine.DataConsumerEventClosed, Reason: engine.CloseReasonProducerClosed})
	})
	c.OnMessage(func(payload []byte, ppid ms.SctpPayloadType) {
		dc.events.Emit(engine.DataConsumerEvent{
			Type:    engine.DataConsumerEventMessage,
			Message: payload,
			PPID:    int(ppid),
		})
	})
	return dc
}

func (c *DataConsumer) ID() string { return c.consumer.Id() }

func (c *DataConsumer) DataProducerID() string { return c.consumer.DataProducerId() }

func (c *DataConsumer) Label() string { return c.consumer.Label() }

func (c *DataConsumer) Protocol() string { return c.consumer.Protocol() }

func (c *DataConsumer) SctpStreamParameters() *engine.SctpStreamParameters {
	native := c.consumer.SctpStreamParameters()
	if native == nil {
		return nil
	}
	var params engine.SctpStreamParameters
	if err := convert(&params, native); err != nil {
		return nil
	}
	return &params
}

func (c *DataConsumer) AppData() engine.AppData { return c.appData }

func (c *DataConsumer) GetStats(ctx context.Context) ([]engine.Stats, error) {
	return statsOf(c.consumer.GetStats())
}

func (c *DataConsumer) On(fn func(engine.DataConsumerEvent)) { c.events.On(fn) }

func (c *DataConsumer) Close() { c.consumer.Close() }

func (c *DataConsumer) Closed() bool { return c.consumer.Closed() }
