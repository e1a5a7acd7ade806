package mediasoup

import (
	"context"

	ms "github.com/jiyeyuran/mediasoup-go/v2"

	"github.com/mossy-p/sfu-signaling/internal/engine"
)

type AudioLevelObserver struct {
	router   *Router
	observer *ms.RtpObserver
	events   engine.Emitter[engine.ObserverEvent]
}

func newAudioLevelObserver(r *Router, o *ms.RtpObserver) *AudioLevelObserver {
	obs := &AudioLevelObserver{router: r, observer: o}

	o.OnVolume(func(volumes []ms.AudioLevelObserverVolume) {
		out := make([]engine.AudioLevelVolume, 0, len(volumes))
		for _, v := range volumes {
			if v.Producer == nil {
				continue
			}
			p, ok := r.producer(v.Producer.Id())
			if !ok {
				continue
			}
			out = append(out, engine.AudioLevelVolume{Producer: p, Volume: int(v.Volume)})
		}
		if len(out) > 0 {
			obs.events.Emit(engine.ObserverEvent{Type: engine.ObserverEventVolumes, Volumes: out})
		}
	})
	o.OnSilence(func() {
		obs.events.Emit(engine.ObserverEvent{Type: engine.ObserverEventSilence})
	})
	o.OnClose(func() {
		obs.events.Emit(engine.ObserverEvent{Type: engine.ObserverEventClosed})
	})
	return obs
}

func (o *AudioLevelObserver) ID() string { return o.observer.Id() }

func (o *AudioLevelObserver) AddProducer(ctx context.Context, producerID string) error {
	return wrap("observe producer", o.observer.AddProducer(producerID))
}

func (o *AudioLevelObserver) RemoveProducer(ctx context.Context, producerID string) error {
	return wrap("unobserve producer", o.observer.RemoveProducer(producerID))
}

func (o *AudioLevelObserver) On(fn func(engine.ObserverEvent)) { o.events.On(fn) }

func (o *AudioLevelObserver) Close() { o.observer.Close() }

func (o *AudioLevelObserver) Closed() bool { return o.observer.Closed() }
