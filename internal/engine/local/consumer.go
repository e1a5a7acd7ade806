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

// Consumer implements engine.Consumer.
type Consumer struct {
	id        string
	kind      engine.MediaKind
	typ       string
	transport *Transport
	producer  *Producer
	params    engine.RtpParameters
	appData   engine.AppData
	events    engine.Emitter[engine.ConsumerEvent]

	mu              sync.Mutex
	paused          bool
	producerPaused  bool
	closed          bool
	priority        uint8
	score           engine.ConsumerScore
	preferredLayers *engine.ConsumerLayers
	currentLayers   *engine.ConsumerLayers
}

var _ engine.Consumer = (*Consumer)(nil)

func newConsumer(t *Transport, p *Producer, codecs []engine.RtpCodecParameters, mid string, opts engine.ConsumerOptions) *Consumer {
	params := engine.RtpParameters{
		Mid:       mid,
		Codecs:    codecs,
		Encodings: []engine.RtpEncodingParameters{{Ssrc: rand.Uint32()}},
		Rtcp:      &engine.RtcpParameters{Cname: cname(p)},
	}
	for _, ext := range p.RtpParameters().HeaderExtensions {
		for _, capExt := range opts.RtpCapabilities.HeaderExtensions {
			if capExt.URI == ext.URI {
				params.HeaderExtensions = append(params.HeaderExtensions, ext)
				break
			}
		}
	}

	producerScores := make([]int, len(p.RtpParameters().Encodings))
	for i := range producerScores {
		producerScores[i] = 10
	}
	appData := opts.AppData
	if appData == nil {
		appData = engine.AppData{}
	}
	return &Consumer{
		id:             uuid.NewString(),
		kind:           p.Kind(),
		typ:            p.Type(),
		transport:      t,
		producer:       p,
		params:         params,
		appData:        appData.Clone(),
		paused:         opts.Paused,
		producerPaused: p.Paused(),
		priority:       1,
		score:          engine.ConsumerScore{Score: 10, ProducerScore: 10, ProducerScores: producerScores},
	}
}

func cname(p *Producer) string {
	if rtcp := p.RtpParameters().Rtcp; rtcp != nil && rtcp.Cname != "" {
		return rtcp.Cname
	}
	return p.id[:8]
}

func (c *Consumer) ID() string { return c.id }

func (c *Consumer) ProducerID() string { return c.producer.id }

func (c *Consumer) Kind() engine.MediaKind { return c.kind }

func (c *Consumer) Type() string { return c.typ }

func (c *Consumer) AppData() engine.AppData { return c.appData }

func (c *Consumer) RtpParameters() engine.RtpParameters { return c.params }

func (c *Consumer) On(fn func(engine.ConsumerEvent)) { c.events.On(fn) }

func (c *Consumer) Paused() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.paused
}

func (c *Consumer) ProducerPaused() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.producerPaused
}

func (c *Consumer) Score() engine.ConsumerScore {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.score
}

func (c *Consumer) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Priority returns the priority last set with SetPriority.
func (c *Consumer) Priority() uint8 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.priority
}

// PreferredLayers returns the layers last requested, or nil.
func (c *Consumer) PreferredLayers() *engine.ConsumerLayers {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.preferredLayers
}

func (c *Consumer) Pause(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return fmt.Errorf("consumer %s: %w", c.id, engine.ErrClosed)
	}
	c.paused = true
	return nil
}

func (c *Consumer) Resume(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return fmt.Errorf("consumer %s: %w", c.id, engine.ErrClosed)
	}
	c.paused = false
	return nil
}

// SetPreferredLayers is a no-op for simple consumers.
func (c *Consumer) SetPreferredLayers(ctx context.Context, layers engine.ConsumerLayers) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return fmt.Errorf("consumer %s: %w", c.id, engine.ErrClosed)
	}
	if c.typ != "simulcast" {
		c.mu.Unlock()
		return nil
	}
	top := uint8(len(c.producer.RtpParameters().Encodings) - 1)
	if layers.SpatialLayer > top {
		layers.SpatialLayer = top
	}
	c.preferredLayers = &layers
	changed := c.currentLayers == nil || c.currentLayers.SpatialLayer != layers.SpatialLayer
	if changed {
		c.currentLayers = &engine.ConsumerLayers{SpatialLayer: layers.SpatialLayer, TemporalLayer: layers.TemporalLayer}
	}
	current := c.currentLayers
	c.mu.Unlock()

	if changed {
		c.events.Emit(engine.ConsumerEvent{Type: engine.ConsumerEventLayersChange, Layers: current})
	}
	return nil
}

func (c *Consumer) SetPriority(ctx context.Context, priority uint8) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return fmt.Errorf("consumer %s: %w", c.id, engine.ErrClosed)
	}
	if priority < 1 {
		return fmt.Errorf("consumer %s: priority must be >= 1: %w", c.id, engine.ErrInvalidState)
	}
	c.priority = priority
	return nil
}

func (c *Consumer) RequestKeyFrame(ctx context.Context) error {
	if c.Closed() {
		return fmt.Errorf("consumer %s: %w", c.id, engine.ErrClosed)
	}
	if c.kind != engine.MediaKindVideo {
		return fmt.Errorf("key frame on %s consumer: %w", c.kind, engine.ErrUnsupported)
	}
	return nil
}

func (c *Consumer) GetStats(ctx context.Context) ([]engine.Stats, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, fmt.Errorf("consumer %s: %w", c.id, engine.ErrClosed)
	}
	return []engine.Stats{{
		"type":      "outbound-rtp",
		"kind":      string(c.kind),
		"ssrc":      c.params.Encodings[0].Ssrc,
		"timestamp": time.Now().UnixMilli(),
		"mimeType":  c.params.Codecs[0].MimeType,
		"score":     c.score.Score,
	}}, nil
}

// ReportScore records a transmission score for the consumer.
func (c *Consumer) ReportScore(score engine.ConsumerScore) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.score = score
	c.mu.Unlock()

	c.events.Emit(engine.ConsumerEvent{Type: engine.ConsumerEventScore, Score: &score})
}

// ReportLayers reports the layers currently forwarded. nil means none.
func (c *Consumer) ReportLayers(layers *engine.ConsumerLayers) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.currentLayers = layers
	c.mu.Unlock()

	c.events.Emit(engine.ConsumerEvent{Type: engine.ConsumerEventLayersChange, Layers: layers})
}

func (c *Consumer) reportProducerScore(best int, scores []int) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.score.ProducerScore = best
	c.score.ProducerScores = scores
	score := c.score
	c.mu.Unlock()

	c.events.Emit(engine.ConsumerEvent{Type: engine.ConsumerEventScore, Score: &score})
}

func (c *Consumer) setProducerPaused(paused bool) {
	c.mu.Lock()
	if c.closed || c.producerPaused == paused {
		c.mu.Unlock()
		return
	}
	c.producerPaused = paused
	c.mu.Unlock()

	typ := engine.ConsumerEventProducerResumed
	if paused {
		typ = engine.ConsumerEventProducerPaused
	}
	c.events.Emit(engine.ConsumerEvent{Type: typ})
}

func (c *Consumer) Close() { c.closeWith(engine.CloseReasonLocal) }

func (c *Consumer) closeWith(reason engine.CloseReason) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()

	c.transport.removeConsumer(c.id)
	c.producer.removeConsumer(c.id)

	c.events.Emit(engine.ConsumerEvent{Type: engine.ConsumerEventClosed, Reason: reason})
	c.events.Reset()
}
