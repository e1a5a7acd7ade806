package local

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mossy-p/sfu-signaling/internal/engine"
)

// ppidString is the SCTP payload protocol identifier for WebRTC strings.
const ppidString = 51

// DataProducer implements engine.DataProducer.
type DataProducer struct {
	id        string
	transport *Transport
	label     string
	protocol  string
	params    *engine.SctpStreamParameters
	appData   engine.AppData
	events    engine.Emitter[engine.DataProducerEvent]

	mu           sync.Mutex
	closed       bool
	messagesSent int
	consumers    map[string]*DataConsumer
}

var _ engine.DataProducer = (*DataProducer)(nil)

func newDataProducer(t *Transport, opts engine.DataProducerOptions) *DataProducer {
	appData := opts.AppData
	if appData == nil {
		appData = engine.AppData{}
	}
	return &DataProducer{
		id:        uuid.NewString(),
		transport: t,
		label:     opts.Label,
		protocol:  opts.Protocol,
		params:    opts.SctpStreamParameters,
		appData:   appData.Clone(),
		consumers: make(map[string]*DataConsumer),
	}
}

func (p *DataProducer) ID() string { return p.id }

func (p *DataProducer) Label() string { return p.label }

func (p *DataProducer) Protocol() string { return p.protocol }

func (p *DataProducer) SctpStreamParameters() *engine.SctpStreamParameters { return p.params }

func (p *DataProducer) AppData() engine.AppData { return p.appData }

func (p *DataProducer) On(fn func(engine.DataProducerEvent)) { p.events.On(fn) }

func (p *DataProducer) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// Send delivers message to every consumer of the data producer.
func (p *DataProducer) Send(ctx context.Context, message []byte) error {
	if p.transport.typ != engine.TransportTypeDirect {
		return fmt.Errorf("send on %s transport: %w", p.transport.typ, engine.ErrUnsupported)
	}
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return fmt.Errorf("data producer %s: %w", p.id, engine.ErrClosed)
	}
	p.messagesSent++
	consumers := p.consumerList()
	p.mu.Unlock()

	for _, c := range consumers {
		c.deliver(message, ppidString)
	}
	return nil
}

// Deliver injects a message received from the remote endpoint.
func (p *DataProducer) Deliver(message []byte, ppid int) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	consumers := p.consumerList()
	p.mu.Unlock()

	for _, c := range consumers {
		c.deliver(message, ppid)
	}
}

func (p *DataProducer) GetStats(ctx context.Context) ([]engine.Stats, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, fmt.Errorf("data producer %s: %w", p.id, engine.ErrClosed)
	}
	return []engine.Stats{{
		"type":             "data-producer",
		"timestamp":        time.Now().UnixMilli(),
		"label":            p.label,
		"protocol":         p.protocol,
		"messagesReceived": p.messagesSent,
	}}, nil
}

func (p *DataProducer) Close() { p.closeWith(engine.CloseReasonLocal) }

func (p *DataProducer) closeWith(reason engine.CloseReason) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	consumers := p.consumerList()
	p.consumers = map[string]*DataConsumer{}
	p.mu.Unlock()

	p.transport.removeDataProducer(p.id)
	p.transport.router.removeDataProducer(p.id)
	for _, c := range consumers {
		c.closeWith(engine.CloseReasonProducerClosed)
	}

	p.events.Emit(engine.DataProducerEvent{Type: engine.DataProducerEventClosed, Reason: reason})
	p.events.Reset()
}

func (p *DataProducer) consumerList() []*DataConsumer {
	out := make([]*DataConsumer, 0, len(p.consumers))
	for _, c := range p.consumers {
		out = append(out, c)
	}
	return out
}

func (p *DataProducer) addConsumer(c *DataConsumer) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return false
	}
	p.consumers[c.id] = c
	return true
}

func (p *DataProducer) removeConsumer(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.consumers, id)
}

// DataConsumer implements engine.DataConsumer.
type DataConsumer struct {
	id        string
	transport *Transport
	producer  *DataProducer
	params    *engine.SctpStreamParameters
	appData   engine.AppData
	events    engine.Emitter[engine.DataConsumerEvent]

	mu               sync.Mutex
	closed           bool
	messagesReceived int
}

var _ engine.DataConsumer = (*DataConsumer)(nil)

func newDataConsumer(t *Transport, p *DataProducer, params *engine.SctpStreamParameters, appData engine.AppData) *DataConsumer {
	if appData == nil {
		appData = engine.AppData{}
	}
	return &DataConsumer{
		id:        uuid.NewString(),
		transport: t,
		producer:  p,
		params:    params,
		appData:   appData.Clone(),
	}
}

func (c *DataConsumer) ID() string { return c.id }

func (c *DataConsumer) DataProducerID() string { return c.producer.id }

func (c *DataConsumer) Label() string { return c.producer.label }

func (c *DataConsumer) Protocol() string { return c.producer.protocol }

func (c *DataConsumer) SctpStreamParameters() *engine.SctpStreamParameters { return c.params }

func (c *DataConsumer) AppData() engine.AppData { return c.appData }

func (c *DataConsumer) On(fn func(engine.DataConsumerEvent)) { c.events.On(fn) }

func (c *DataConsumer) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *DataConsumer) GetStats(ctx context.Context) ([]engine.Stats, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, fmt.Errorf("data consumer %s: %w", c.id, engine.ErrClosed)
	}
	return []engine.Stats{{
		"type":         "data-consumer",
		"timestamp":    time.Now().UnixMilli(),
		"label":        c.producer.label,
		"protocol":     c.producer.protocol,
		"messagesSent": c.messagesReceived,
	}}, nil
}

func (c *DataConsumer) deliver(message []byte, ppid int) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.messagesReceived++
	c.mu.Unlock()

	c.events.Emit(engine.DataConsumerEvent{
		Type:    engine.DataConsumerEventMessage,
		Message: append([]byte(nil), message...),
		PPID:    ppid,
	})
}

func (c *DataConsumer) Close() { c.closeWith(engine.CloseReasonLocal) }

func (c *DataConsumer) closeWith(reason engine.CloseReason) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()

	c.transport.removeDataConsumer(c.id)
	c.producer.removeConsumer(c.id)

	c.events.Emit(engine.DataConsumerEvent{Type: engine.DataConsumerEventClosed, Reason: reason})
	c.events.Reset()
}
