package local

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/mossy-p/sfu-signaling/internal/engine"
)

// AudioLevelObserver implements engine.AudioLevelObserver. Volumes are fed
// in through ReportVolumes and ReportSilence.
type AudioLevelObserver struct {
	id     string
	router *Router
	opts   engine.AudioLevelObserverOptions
	events engine.Emitter[engine.ObserverEvent]

	mu        sync.Mutex
	closed    bool
	producers map[string]bool
}

var _ engine.AudioLevelObserver = (*AudioLevelObserver)(nil)

// Level is a raw dBov reading for a producer.
type Level struct {
	ProducerID string
	Volume     int
}

func (o *AudioLevelObserver) ID() string { return o.id }

func (o *AudioLevelObserver) On(fn func(engine.ObserverEvent)) { o.events.On(fn) }

func (o *AudioLevelObserver) Closed() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.closed
}

func (o *AudioLevelObserver) AddProducer(ctx context.Context, producerID string) error {
	p, ok := o.router.producer(producerID)
	if !ok {
		return fmt.Errorf("observer add producer %q: %w", producerID, engine.ErrNotFound)
	}
	if p.Kind() != engine.MediaKindAudio {
		return fmt.Errorf("observer add %s producer: %w", p.Kind(), engine.ErrUnsupported)
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return fmt.Errorf("observer add producer: %w", engine.ErrClosed)
	}
	o.producers[producerID] = true
	return nil
}

func (o *AudioLevelObserver) RemoveProducer(ctx context.Context, producerID string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return fmt.Errorf("observer remove producer: %w", engine.ErrClosed)
	}
	if !o.producers[producerID] {
		return fmt.Errorf("observer remove producer %q: %w", producerID, engine.ErrNotFound)
	}
	delete(o.producers, producerID)
	return nil
}

// Observed reports whether producerID is currently observed.
func (o *AudioLevelObserver) Observed(producerID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.producers[producerID]
}

// ReportVolumes emits a volumes event for the observed producers among
// levels that reach the threshold, loudest first and capped at MaxEntries.
// If none qualifies a silence event is emitted instead.
func (o *AudioLevelObserver) ReportVolumes(levels ...Level) {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return
	}
	var volumes []engine.AudioLevelVolume
	for _, l := range levels {
		if !o.producers[l.ProducerID] || l.Volume < o.opts.Threshold {
			continue
		}
		p, ok := o.router.producer(l.ProducerID)
		if !ok {
			continue
		}
		volumes = append(volumes, engine.AudioLevelVolume{Producer: p, Volume: l.Volume})
	}
	o.mu.Unlock()

	if len(volumes) == 0 {
		o.events.Emit(engine.ObserverEvent{Type: engine.ObserverEventSilence})
		return
	}
	sort.SliceStable(volumes, func(i, j int) bool { return volumes[i].Volume > volumes[j].Volume })
	if len(volumes) > o.opts.MaxEntries {
		volumes = volumes[:o.opts.MaxEntries]
	}
	o.events.Emit(engine.ObserverEvent{Type: engine.ObserverEventVolumes, Volumes: volumes})
}

func (o *AudioLevelObserver) ReportSilence() {
	if o.Closed() {
		return
	}
	o.events.Emit(engine.ObserverEvent{Type: engine.ObserverEventSilence})
}

func (o *AudioLevelObserver) forget(producerID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.producers, producerID)
}

func (o *AudioLevelObserver) Close() {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return
	}
	o.closed = true
	o.producers = map[string]bool{}
	o.mu.Unlock()

	o.router.removeObserver(o.id)
	o.events.Emit(engine.ObserverEvent{Type: engine.ObserverEventClosed})
	o.events.Reset()
}
