package room

import (
	"context"

	"github.com/mossy-p/sfu-signaling/internal/engine"
	"github.com/mossy-p/sfu-signaling/internal/models"
)

const (
	chatLabel = "chat"
	botLabel  = "bot"
)

// createConsumer creates a paused consumer of producer on receiver and
// announces it. The consumer is resumed once the receiver acknowledges it.
func (r *Room) createConsumer(ctx context.Context, receiver *Session, producerPeerID string, producer engine.Producer) {
	st := receiver.State()
	if st.RtpCapabilities == nil || !r.router.CanConsume(producer.ID(), *st.RtpCapabilities) {
		return
	}

	receiver.graphMu.Lock()
	if receiver.consumesProducer(producer.ID()) {
		receiver.graphMu.Unlock()
		return
	}
	transport := receiver.consumingTransport()
	if transport == nil {
		receiver.graphMu.Unlock()
		r.logger.Warn("no consuming transport, skipping consumer",
			"peerId", receiver.id, "producerId", producer.ID())
		return
	}
	consumer, err := transport.Consume(ctx, engine.ConsumerOptions{
		ProducerID:      producer.ID(),
		RtpCapabilities: *st.RtpCapabilities,
		Paused:          true,
		EnableRtx:       true,
		IgnoreDtx:       true,
	})
	if err != nil {
		receiver.graphMu.Unlock()
		r.cfg.Metrics.ConsumerFailed(string(producer.Kind()))
		r.logger.Warn("failed to create consumer",
			"peerId", receiver.id, "producerId", producer.ID(), "error", err)
		return
	}
	receiver.consumers.add(consumer)
	receiver.graphMu.Unlock()

	r.watchConsumer(receiver, consumer)
	if forgetIfClosed(&receiver.consumers, consumer) {
		return
	}
	r.cfg.Metrics.ConsumerCreated(string(consumer.Kind()))

	go r.announceConsumer(receiver, producerPeerID, producer, consumer)
}

func (r *Room) announceConsumer(receiver *Session, producerPeerID string, producer engine.Producer, consumer engine.Consumer) {
	err := r.request(receiver, models.MethodNewConsumer, models.NewConsumerRequest{
		PeerID:         producerPeerID,
		ProducerID:     producer.ID(),
		ID:             consumer.ID(),
		Kind:           consumer.Kind(),
		RtpParameters:  consumer.RtpParameters(),
		Type:           consumer.Type(),
		AppData:        producer.AppData(),
		ProducerPaused: consumer.ProducerPaused(),
	})
	if err != nil {
		r.logger.Warn("newConsumer request failed",
			"peerId", receiver.id, "consumerId", consumer.ID(), "error", err)
		consumer.Close()
		return
	}

	if err := consumer.Resume(receiver.ctx); err != nil {
		r.logger.Warn("failed to resume consumer",
			"peerId", receiver.id, "consumerId", consumer.ID(), "error", err)
		return
	}
	r.notify(receiver, models.NotifyConsumerScore, models.ConsumerScoreNotification{
		ConsumerID: consumer.ID(),
		Score:      consumer.Score(),
	})
}

// watchConsumer keeps receiver's collection in sync with the consumer and
// forwards its events to the peer.
func (r *Room) watchConsumer(receiver *Session, consumer engine.Consumer) {
	id := consumer.ID()
	consumer.On(func(ev engine.ConsumerEvent) {
		switch ev.Type {
		case engine.ConsumerEventClosed:
			receiver.consumers.remove(id)
			if ev.Reason == engine.CloseReasonProducerClosed {
				r.notify(receiver, models.NotifyConsumerClosed, models.ConsumerNotification{ConsumerID: id})
			}
		case engine.ConsumerEventProducerPaused:
			r.notify(receiver, models.NotifyConsumerPaused, models.ConsumerNotification{ConsumerID: id})
		case engine.ConsumerEventProducerResumed:
			r.notify(receiver, models.NotifyConsumerResumed, models.ConsumerNotification{ConsumerID: id})
		case engine.ConsumerEventScore:
			if ev.Score != nil {
				r.notify(receiver, models.NotifyConsumerScore, models.ConsumerScoreNotification{
					ConsumerID: id,
					Score:      *ev.Score,
				})
			}
		case engine.ConsumerEventLayersChange:
			n := models.ConsumerLayersChangedNotification{ConsumerID: id}
			if ev.Layers != nil {
				spatial := ev.Layers.SpatialLayer
				n.SpatialLayer = &spatial
				n.TemporalLayer = ev.Layers.TemporalLayer
			}
			r.notify(receiver, models.NotifyConsumerLayersChanged, n)
		case engine.ConsumerEventTrace:
			if ev.Trace != nil {
				r.logger.Debug("consumer trace", "consumerId", id, "type", ev.Trace.Type)
			}
		}
	})
}

// createDataConsumer consumes dataProducer on receiver's consuming
// transport. producerPeerID is nil for the bot.
func (r *Room) createDataConsumer(ctx context.Context, receiver *Session, producerPeerID *string, dataProducer engine.DataProducer) {
	if receiver.State().SctpCapabilities == nil {
		return
	}

	receiver.graphMu.Lock()
	if receiver.consumesDataProducer(dataProducer.ID()) {
		receiver.graphMu.Unlock()
		return
	}
	transport := receiver.consumingTransport()
	if transport == nil {
		receiver.graphMu.Unlock()
		r.logger.Warn("no consuming transport, skipping data consumer",
			"peerId", receiver.id, "dataProducerId", dataProducer.ID())
		return
	}
	dataConsumer, err := transport.ConsumeData(ctx, engine.DataConsumerOptions{DataProducerID: dataProducer.ID()})
	if err != nil {
		receiver.graphMu.Unlock()
		r.logger.Warn("failed to create data consumer",
			"peerId", receiver.id, "dataProducerId", dataProducer.ID(), "error", err)
		return
	}
	receiver.dataConsumers.add(dataConsumer)
	receiver.graphMu.Unlock()

	id := dataConsumer.ID()
	dataConsumer.On(func(ev engine.DataConsumerEvent) {
		if ev.Type != engine.DataConsumerEventClosed {
			return
		}
		receiver.dataConsumers.remove(id)
		if ev.Reason == engine.CloseReasonProducerClosed {
			r.notify(receiver, models.NotifyDataConsumerClosed, models.DataConsumerNotification{DataConsumerID: id})
		}
	})
	if forgetIfClosed(&receiver.dataConsumers, dataConsumer) {
		return
	}

	go func() {
		err := r.request(receiver, models.MethodNewDataConsumer, models.NewDataConsumerRequest{
			PeerID:               producerPeerID,
			DataProducerID:       dataProducer.ID(),
			ID:                   id,
			SctpStreamParameters: dataConsumer.SctpStreamParameters(),
			Label:                dataConsumer.Label(),
			Protocol:             dataConsumer.Protocol(),
			AppData:              dataProducer.AppData(),
		})
		if err != nil {
			r.logger.Warn("newDataConsumer request failed",
				"peerId", receiver.id, "dataConsumerId", id, "error", err)
			dataConsumer.Close()
		}
	}()
}
