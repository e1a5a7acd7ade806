package room

import (
	"context"
	"sort"

	"github.com/mossy-p/sfu-signaling/internal/engine"
	"github.com/mossy-p/sfu-signaling/internal/models"
)

// Broadcaster is a publisher driven over HTTP instead of a signaling
// connection.
type Broadcaster struct {
	id              string
	displayName     string
	device          models.Device
	rtpCapabilities *engine.RtpCapabilities

	media
}

func (b *Broadcaster) ID() string { return b.id }

func (b *Broadcaster) info() models.PeerInfo {
	return models.PeerInfo{ID: b.id, DisplayName: b.displayName, Device: b.device}
}

// broadcasterListLocked returns every broadcaster. The caller holds r.mu.
func (r *Room) broadcasterListLocked() []*Broadcaster {
	out := make([]*Broadcaster, 0, len(r.broadcasters))
	for _, b := range r.broadcasters {
		out = append(out, b)
	}
	return out
}

func (r *Room) broadcaster(id string) (*Broadcaster, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.broadcasters[id]
	if !ok {
		return nil, notFound("broadcaster", id)
	}
	return b, nil
}

// CreateBroadcaster registers a broadcaster and announces it to joined
// peers. If the broadcaster declared rtpCapabilities, the reply lists the
// joined peers with the producers it can consume.
func (r *Room) CreateBroadcaster(ctx context.Context, req models.CreateBroadcasterRequest) (models.CreateBroadcasterResponse, error) {
	var resp models.CreateBroadcasterResponse
	if err := models.Validate(req); err != nil {
		return resp, err
	}

	b := &Broadcaster{
		id:              req.ID,
		displayName:     req.DisplayName,
		device:          req.Device,
		rtpCapabilities: req.RtpCapabilities,
	}
	if b.device.Name == "" {
		b.device.Name = "Unknown device"
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return resp, ErrRoomClosed
	}
	if _, exists := r.broadcasters[req.ID]; exists {
		r.mu.Unlock()
		return resp, models.ErrConflict.WithMessage("broadcaster with id %q already exists", req.ID)
	}
	r.broadcasters[req.ID] = b
	// A join racing this one either lists b in its reply or is in joined.
	joined := r.joinedSessionsLocked(nil)
	r.mu.Unlock()

	info := b.info()
	for _, s := range joined {
		r.notify(s, models.NotifyNewPeer, info)
	}

	resp.Peers = []models.BroadcasterPeer{}
	if b.rtpCapabilities != nil {
		for _, s := range joined {
			peer := models.BroadcasterPeer{
				ID:          s.id,
				DisplayName: s.State().DisplayName,
				Device:      s.State().Device,
				Producers:   []models.ProducerSummary{},
			}
			for _, p := range s.producers.list() {
				if !r.router.CanConsume(p.ID(), *b.rtpCapabilities) {
					continue
				}
				peer.Producers = append(peer.Producers, models.ProducerSummary{ID: p.ID(), Kind: p.Kind()})
			}
			sort.Slice(peer.Producers, func(i, j int) bool { return peer.Producers[i].ID < peer.Producers[j].ID })
			resp.Peers = append(resp.Peers, peer)
		}
		sort.Slice(resp.Peers, func(i, j int) bool { return resp.Peers[i].ID < resp.Peers[j].ID })
	}

	r.logger.Info("broadcaster created", "broadcasterId", req.ID)
	return resp, nil
}

// DeleteBroadcaster closes the broadcaster's transports and announces its
// departure.
func (r *Room) DeleteBroadcaster(ctx context.Context, id string) error {
	r.mu.Lock()
	b, ok := r.broadcasters[id]
	if !ok {
		r.mu.Unlock()
		return notFound("broadcaster", id)
	}
	delete(r.broadcasters, id)
	r.mu.Unlock()

	b.closeTransports()
	for _, s := range r.joinedSessions(nil) {
		r.notify(s, models.NotifyPeerClosed, models.PeerClosedNotification{PeerID: id})
	}
	r.logger.Info("broadcaster deleted", "broadcasterId", id)
	return nil
}

// CreateBroadcasterTransport creates a webrtc or plain transport for a
// broadcaster and returns its negotiation parameters.
func (r *Room) CreateBroadcasterTransport(ctx context.Context, broadcasterID string, req models.CreateBroadcasterTransportRequest) (any, error) {
	if err := models.Validate(req); err != nil {
		return nil, err
	}
	b, err := r.broadcaster(broadcasterID)
	if err != nil {
		return nil, err
	}

	switch engine.TransportType(req.Type) {
	case engine.TransportTypeWebRtc:
		opts := r.webRtcTransportOptions(req.SctpCapabilities)
		t, err := r.router.CreateWebRtcTransport(ctx, opts)
		if err != nil {
			return nil, engineError(err)
		}
		if b.watchTransport(t) {
			return nil, engineError(engine.ErrClosed)
		}
		data := t.Data()
		return models.TransportInfo{
			ID:             t.ID(),
			IceParameters:  data.IceParameters,
			IceCandidates:  data.IceCandidates,
			DtlsParameters: data.DtlsParameters,
			SctpParameters: data.SctpParameters,
		}, nil

	case engine.TransportTypePlain:
		rtcpMux := true
		if req.RtcpMux != nil {
			rtcpMux = *req.RtcpMux
		}
		opts := engine.PlainTransportOptions{
			ListenInfo: r.cfg.PlainTransport.ListenInfo,
			RtcpMux:    rtcpMux,
			Comedia:    req.Comedia,
		}
		if req.SctpCapabilities != nil {
			opts.EnableSctp = true
			opts.NumSctpStreams = req.SctpCapabilities.NumStreams
		}
		t, err := r.router.CreatePlainTransport(ctx, opts)
		if err != nil {
			return nil, engineError(err)
		}
		if b.watchTransport(t) {
			return nil, engineError(engine.ErrClosed)
		}
		data := t.Data()
		info := models.PlainTransportInfo{
			ID:             t.ID(),
			SctpParameters: data.SctpParameters,
			Tuple:          data.Tuple,
			RtcpTuple:      data.RtcpTuple,
		}
		if data.Tuple != nil {
			info.IP = data.Tuple.LocalIP
			info.Port = data.Tuple.LocalPort
		}
		if data.RtcpTuple != nil {
			info.RtcpPort = data.RtcpTuple.LocalPort
		}
		return info, nil
	}
	return nil, models.ErrInvalidRequest.WithMessage("invalid transport type %q", req.Type)
}

// watchTransport tracks t and reports whether it had already closed.
func (b *Broadcaster) watchTransport(t engine.Transport) bool {
	b.transports.add(t)
	t.On(func(ev engine.TransportEvent) {
		if ev.Type == engine.TransportEventClosed {
			b.transports.remove(t.ID())
		}
	})
	return forgetIfClosed(&b.transports, t)
}

// ConnectBroadcasterTransport connects a broadcaster's webrtc transport.
func (r *Room) ConnectBroadcasterTransport(ctx context.Context, broadcasterID, transportID string, req models.ConnectBroadcasterTransportRequest) error {
	if err := models.Validate(req); err != nil {
		return err
	}
	b, err := r.broadcaster(broadcasterID)
	if err != nil {
		return err
	}
	t, err := b.transport(transportID)
	if err != nil {
		return err
	}
	if t.Type() != engine.TransportTypeWebRtc {
		return models.ErrInvalidRequest.WithMessage("transport with id %q is not a webrtc transport", transportID)
	}
	if err := t.Connect(ctx, engine.TransportConnectOptions{DtlsParameters: req.DtlsParameters}); err != nil {
		return engineError(err)
	}
	return nil
}

// CreateBroadcasterProducer produces on a broadcaster transport and fans the
// producer out to every joined peer.
func (r *Room) CreateBroadcasterProducer(ctx context.Context, broadcasterID, transportID string, req models.CreateBroadcasterProducerRequest) (models.IDResponse, error) {
	var resp models.IDResponse
	if err := models.Validate(req); err != nil {
		return resp, err
	}
	b, err := r.broadcaster(broadcasterID)
	if err != nil {
		return resp, err
	}
	t, err := b.transport(transportID)
	if err != nil {
		return resp, err
	}

	producer, err := t.Produce(ctx, engine.ProducerOptions{
		Kind:          req.Kind,
		RtpParameters: req.RtpParameters,
		AppData:       engine.AppData{"peerId": broadcasterID},
	})
	if err != nil {
		return resp, engineError(err)
	}
	b.producers.add(producer)
	producer.On(func(ev engine.ProducerEvent) {
		if ev.Type == engine.ProducerEventClosed {
			b.producers.remove(producer.ID())
		}
	})
	if forgetIfClosed(&b.producers, producer) {
		return resp, engineError(engine.ErrClosed)
	}

	for _, s := range r.joinedSessions(nil) {
		r.createConsumer(ctx, s, broadcasterID, producer)
	}
	if producer.Kind() == engine.MediaKindAudio {
		if err := r.observer.AddProducer(ctx, producer.ID()); err != nil {
			r.logger.Warn("failed to observe audio producer", "producerId", producer.ID(), "error", err)
		}
	}
	return models.IDResponse{ID: producer.ID()}, nil
}

// CreateBroadcasterConsumer consumes producerID on a broadcaster transport.
// The consumer starts unpaused.
func (r *Room) CreateBroadcasterConsumer(ctx context.Context, broadcasterID, transportID, producerID string) (models.ConsumerInfo, error) {
	var info models.ConsumerInfo
	b, err := r.broadcaster(broadcasterID)
	if err != nil {
		return info, err
	}
	if b.rtpCapabilities == nil {
		return info, models.ErrInvalidRequest.WithMessage("broadcaster does not have rtpCapabilities")
	}
	t, err := b.transport(transportID)
	if err != nil {
		return info, err
	}

	consumer, err := t.Consume(ctx, engine.ConsumerOptions{
		ProducerID:      producerID,
		RtpCapabilities: *b.rtpCapabilities,
	})
	if err != nil {
		return info, engineError(err)
	}
	b.consumers.add(consumer)
	consumer.On(func(ev engine.ConsumerEvent) {
		if ev.Type == engine.ConsumerEventClosed {
			b.consumers.remove(consumer.ID())
		}
	})
	if forgetIfClosed(&b.consumers, consumer) {
		return info, engineError(engine.ErrClosed)
	}
	r.cfg.Metrics.ConsumerCreated(string(consumer.Kind()))

	return models.ConsumerInfo{
		ID:            consumer.ID(),
		ProducerID:    producerID,
		Kind:          consumer.Kind(),
		RtpParameters: consumer.RtpParameters(),
		Type:          consumer.Type(),
	}, nil
}

// CreateBroadcasterDataConsumer consumes dataProducerID on a broadcaster
// transport.
func (r *Room) CreateBroadcasterDataConsumer(ctx context.Context, broadcasterID, transportID, dataProducerID string) (models.DataConsumerInfo, error) {
	var info models.DataConsumerInfo
	b, err := r.broadcaster(broadcasterID)
	if err != nil {
		return info, err
	}
	t, err := b.transport(transportID)
	if err != nil {
		return info, err
	}

	dataConsumer, err := t.ConsumeData(ctx, engine.DataConsumerOptions{DataProducerID: dataProducerID})
	if err != nil {
		return info, engineError(err)
	}
	b.dataConsumers.add(dataConsumer)
	dataConsumer.On(func(ev engine.DataConsumerEvent) {
		if ev.Type == engine.DataConsumerEventClosed {
			b.dataConsumers.remove(dataConsumer.ID())
		}
	})
	if forgetIfClosed(&b.dataConsumers, dataConsumer) {
		return info, engineError(engine.ErrClosed)
	}

	return models.DataConsumerInfo{
		ID:                   dataConsumer.ID(),
		DataProducerID:       dataProducerID,
		SctpStreamParameters: dataConsumer.SctpStreamParameters(),
		Label:                dataConsumer.Label(),
		Protocol:             dataConsumer.Protocol(),
	}, nil
}

// CreateBroadcasterDataProducer produces data on a broadcaster transport.
// Producers labelled "chat" are fanned out to joined peers.
func (r *Room) CreateBroadcasterDataProducer(ctx context.Context, broadcasterID, transportID string, req models.CreateBroadcasterDataProducerRequest) (models.IDResponse, error) {
	var resp models.IDResponse
	b, err := r.broadcaster(broadcasterID)
	if err != nil {
		return resp, err
	}
	t, err := b.transport(transportID)
	if err != nil {
		return resp, err
	}

	dataProducer, err := t.ProduceData(ctx, engine.DataProducerOptions{
		SctpStreamParameters: req.SctpStreamParameters,
		Label:                req.Label,
		Protocol:             req.Protocol,
		AppData:              req.AppData.Clone(),
	})
	if err != nil {
		return resp, engineError(err)
	}
	b.dataProducers.add(dataProducer)
	dataProducer.On(func(ev engine.DataProducerEvent) {
		if ev.Type == engine.DataProducerEventClosed {
			b.dataProducers.remove(dataProducer.ID())
		}
	})
	if forgetIfClosed(&b.dataProducers, dataProducer) {
		return resp, engineError(engine.ErrClosed)
	}

	if dataProducer.Label() == chatLabel {
		for _, s := range r.joinedSessions(nil) {
			id := broadcasterID
			r.createDataConsumer(ctx, s, &id, dataProducer)
		}
	}
	return models.IDResponse{ID: dataProducer.ID()}, nil
}

// GetBroadcasterStats returns stats for exactly one broadcaster-owned
// transport, producer or consumer.
func (r *Room) GetBroadcasterStats(ctx context.Context, broadcasterID, transportID, producerID, consumerID string) ([]engine.Stats, error) {
	b, err := r.broadcaster(broadcasterID)
	if err != nil {
		return nil, err
	}

	var (
		stats    []engine.Stats
		statsErr error
	)
	switch {
	case transportID != "":
		t, err := b.transport(transportID)
		if err != nil {
			return nil, err
		}
		stats, statsErr = t.GetStats(ctx)
	case producerID != "":
		p, err := b.producer(producerID)
		if err != nil {
			return nil, err
		}
		stats, statsErr = p.GetStats(ctx)
	case consumerID != "":
		c, err := b.consumer(consumerID)
		if err != nil {
			return nil, err
		}
		stats, statsErr = c.GetStats(ctx)
	default:
		return nil, models.ErrInvalidRequest.WithMessage("one of transportId, producerId or consumerId is required")
	}
	if statsErr != nil {
		return nil, engineError(statsErr)
	}
	return stats, nil
}
