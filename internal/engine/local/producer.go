package local

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mossy-p/sfu-signaling/internal/engine"
)

// Producer implements engine.Producer.
type Producer struct {
	id        string
	kind      engine.MediaKind
	typ       string
	transport *Transport
	params    engine.RtpParameters
	appData   engine.AppData
	events    engine.Emitter[engine.ProducerEvent]

	mu        sync.Mutex
	paused    bool
	closed    bool
	score     []engine.ProducerScore
	consumers map[string]*Consumer
}

var _ engine.Producer = (*Producer)(nil)

func newProducer(t *Transport, opts engine.ProducerOptions) *Producer {
	typ := "simple"
	if len(opts.RtpParameters.Encodings) > 1 {
		typ = "simulcast"
	}
	params := opts.RtpParameters
	if len(params.Encodings) == 0 {
		params.Encodings = []engine.RtpEncodingParameters{{Ssrc: rand.Uint32()}}
	}
	appData := opts.AppData
	if appData == nil {
		appData = engine.AppData{}
	}
	return &Producer{
		id:        uuid.NewString(),
		kind:      opts.Kind,
		typ:       typ,
		transport: t,
		params:    params,
		appData:   appData.Clone(),
		paused:    opts.Paused,
		consumers: make(map[string]*Consumer),
	}
}

func (p *Producer) ID() string { return p.id }

func (p *Producer) Kind() engine.MediaKind { return p.kind }

// Type is "simple" or "simulcast".
func (p *Producer) Type() string { return p.typ }

func (p *Producer) AppData() engine.AppData { return p.appData }

func (p *Producer) RtpParameters() engine.RtpParameters { return p.params }

func (p *Producer) On(fn func(engine.ProducerEvent)) { p.events.On(fn) }

func (p *Producer) Paused() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.paused
}

func (p *Producer) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *Producer) Pause(ctx context.Context) error {
	return p.setPaused(true)
}

func (p *Producer) Resume(ctx context.Context) error {
	return p.setPaused(false)
}

func (p *Producer) setPaused(paused bool) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return fmt.Errorf("producer %s: %w", p.id, engine.ErrClosed)
	}
	if p.paused == paused {
		p.mu.Unlock()
		return nil
	}
	p.paused = paused
	consumers := p.consumerList()
	p.mu.Unlock()

	for _, c := range consumers {
		c.setProducerPaused(paused)
	}
	return nil
}

// ReportScore records a new score for the producer's encodings.
func (p *Producer) ReportScore(score []engine.ProducerScore) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.score = append([]engine.ProducerScore(nil), score...)
	consumers := p.consumerList()
	p.mu.Unlock()

	p.events.Emit(engine.ProducerEvent{Type: engine.ProducerEventScore, Score: score})

	best := 0
	scores := make([]int, len(score))
	for i, s := range score {
		scores[i] = s.Score
		if s.Score > best {
			best = s.Score
		}
	}
	for _, c := range consumers {
		c.reportProducerScore(best, scores)
	}
}

// ReportTrace emits a producer trace event.
func (p *Producer) ReportTrace(trace engine.TraceEvent) {
	if p.Closed() {
		return
	}
	if trace.Timestamp == 0 {
		trace.Timestamp = time.Now().UnixMilli()
	}
	p.events.Emit(engine.ProducerEvent{Type: engine.ProducerEventTrace, Trace: &trace})
}

func (p *Producer) GetStats(ctx context.Context) ([]engine.Stats, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, fmt.Errorf("producer %s: %w", p.id, engine.ErrClosed)
	}
	stats := make([]engine.Stats, 0, len(p.params.Encodings))
	for i, enc := range p.params.Encodings {
		entry := engine.Stats{
			"type":      "inbound-rtp",
			"kind":      string(p.kind),
			"ssrc":      enc.Ssrc,
			"rid":       enc.Rid,
			"timestamp": time.Now().UnixMilli(),
			"mimeType":  p.params.Codecs[0].MimeType,
			"score":     10,
		}
		if i < len(p.score) {
			entry["score"] = p.score[i].Score
		}
		stats = append(stats, entry)
	}
	return stats, nil
}

func (p *Producer) Close() { p.closeWith(engine.CloseReasonLocal) }

func (p *Producer) closeWith(reason engine.CloseReason) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	consumers := p.consumerList()
	p.consumers = map[string]*Consumer{}
	p.mu.Unlock()

	p.transport.removeProducer(p.id)
	p.transport.router.removeProducer(p.id)
	for _, c := range consumers {
		c.closeWith(engine.CloseReasonProducerClosed)
	}

	p.events.Emit(engine.ProducerEvent{Type: engine.ProducerEventClosed, Reason: reason})
	p.events.Reset()
}

// consumerList must be called with p.mu held.
func (p *Producer) consumerList() []*Consumer {
	out := make([]*Consumer, 0, len(p.consumers))
	for _, c := range p.consumers {
		out = append(out, c)
	}
	return out
}

func (p *Producer) addConsumer(c *Consumer) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return false
	}
	p.consumers[c.id] = c
	return true
}

func (p *Producer) removeConsumer(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.consumers, id)
}
