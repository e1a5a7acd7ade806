package room

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/mossy-p/sfu-signaling/internal/engine"
)

// ppidString is the SCTP payload protocol id of WebRTC string messages.
const ppidString = 51

// Bot is a server-side data channel endpoint. It echoes every text message
// a peer sends on a "bot" data producer back to all peers.
type Bot struct {
	transport    engine.Transport
	dataProducer engine.DataProducer
	logger       *slog.Logger
}

func newBot(ctx context.Context, router engine.Router, logger *slog.Logger) (*Bot, error) {
	transport, err := router.CreateDirectTransport(ctx, engine.DirectTransportOptions{MaxMessageSize: 512})
	if err != nil {
		return nil, err
	}
	dataProducer, err := transport.ProduceData(ctx, engine.DataProducerOptions{Label: botLabel})
	if err != nil {
		transport.Close()
		return nil, err
	}
	return &Bot{
		transport:    transport,
		dataProducer: dataProducer,
		logger:       logger.With("component", "bot"),
	}, nil
}

// DataProducer is the producer every joined peer consumes bot replies from.
func (b *Bot) DataProducer() engine.DataProducer { return b.dataProducer }

// HandlePeerDataProducer starts consuming a peer's "bot" data producer.
func (b *Bot) HandlePeerDataProducer(ctx context.Context, dataProducerID string, s *Session) error {
	dataConsumer, err := b.transport.ConsumeData(ctx, engine.DataConsumerOptions{DataProducerID: dataProducerID})
	if err != nil {
		return err
	}

	dataConsumer.On(func(ev engine.DataConsumerEvent) {
		if ev.Type != engine.DataConsumerEventMessage {
			return
		}
		if ev.PPID != ppidString {
			b.logger.Warn("ignoring non string message from a data channel", "peerId", s.id)
			return
		}

		reply := fmt.Sprintf("%s told me: \"%s\"", s.State().DisplayName, ev.Message)
		if err := b.dataProducer.Send(context.Background(), []byte(reply)); err != nil {
			b.logger.Warn("failed to send bot reply", "error", err)
		}
	})
	return nil
}

func (b *Bot) Close() {
	b.transport.Close()
}
