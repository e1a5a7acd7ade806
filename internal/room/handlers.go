package room

import (
	"context"
	"net/http"
	"time"

	"github.com/mossy-p/sfu-signaling/internal/engine"
	"github.com/mossy-p/sfu-signaling/internal/models"
	"github.com/mossy-p/sfu-signaling/internal/signal"
	"github.com/mossy-p/sfu-signaling/internal/throttle"
)

type handlerFunc func(r *Room, ctx context.Context, s *Session, req *signal.Request) (any, error)

var handlers = map[string]handlerFunc{
	models.MethodGetRouterRtpCapabilities:   (*Room).getRouterRtpCapabilities,
	models.MethodJoin:                       (*Room).join,
	models.MethodCreateWebRtcTransport:      (*Room).createWebRtcTransport,
	models.MethodConnectWebRtcTransport:     (*Room).connectWebRtcTransport,
	models.MethodRestartIce:                 (*Room).restartIce,
	models.MethodProduce:                    (*Room).produce,
	models.MethodCloseProducer:              (*Room).closeProducer,
	models.MethodPauseProducer:              (*Room).pauseProducer,
	models.MethodResumeProducer:             (*Room).resumeProducer,
	models.MethodPauseConsumer:              (*Room).pauseConsumer,
	models.MethodResumeConsumer:             (*Room).resumeConsumer,
	models.MethodSetConsumerPreferredLayers: (*Room).setConsumerPreferredLayers,
	models.MethodSetConsumerPriority:        (*Room).setConsumerPriority,
	models.MethodRequestConsumerKeyFrame:    (*Room).requestConsumerKeyFrame,
	models.MethodProduceData:                (*Room).produceData,
	models.MethodChangeDisplayName:          (*Room).changeDisplayName,
	models.MethodGetTransportStats:          (*Room).getTransportStats,
	models.MethodGetProducerStats:           (*Room).getProducerStats,
	models.MethodGetConsumerStats:           (*Room).getConsumerStats,
	models.MethodGetDataProducerStats:       (*Room).getDataProducerStats,
	models.MethodGetDataConsumerStats:       (*Room).getDataConsumerStats,
	models.MethodApplyNetworkThrottle:       (*Room).applyNetworkThrottle,
	models.MethodResetNetworkThrottle:       (*Room).resetNetworkThrottle,
}

// handleRequest runs one request under the session's request lock and
// answers it exactly once.
func (r *Room) handleRequest(ctx context.Context, s *Session, req *signal.Request) {
	s.reqMu.Lock()
	defer s.reqMu.Unlock()

	start := time.Now()
	handler, ok := handlers[req.Method]
	if !ok {
		r.reject(s, req, models.ErrInvalidRequest.WithMessage("unknown method %q", req.Method), start)
		return
	}

	data, err := handler(r, ctx, s, req)
	if err != nil {
		r.reject(s, req, err, start)
		return
	}
	req.Accept(data)
	r.cfg.Metrics.RequestHandled(req.Method, http.StatusOK, time.Since(start))
}

func (r *Room) reject(s *Session, req *signal.Request, err error, start time.Time) {
	apiErr := models.AsAPIError(engineError(err))
	switch {
	case apiErr.Status >= http.StatusInternalServerError:
		r.logger.Error("request failed", "peerId", s.id, "method", req.Method, "error", err)
	case models.IsForbidden(apiErr):
		r.logger.Warn("request forbidden", "peerId", s.id, "method", req.Method, "error", err)
	default:
		r.logger.Debug("request rejected", "peerId", s.id, "method", req.Method, "error", err)
	}
	req.Reject(apiErr.Status, apiErr.Message)
	r.cfg.Metrics.RequestHandled(req.Method, apiErr.Status, time.Since(start))
}

func requireJoined(s *Session) error {
	if !s.Joined() {
		return errNotJoined
	}
	return nil
}

func (r *Room) getRouterRtpCapabilities(_ context.Context, _ *Session, _ *signal.Request) (any, error) {
	return r.router.RtpCapabilities(), nil
}

func (r *Room) join(ctx context.Context, s *Session, req *signal.Request) (any, error) {
	var body models.JoinRequest
	if err := models.Decode(req.Data, &body); err != nil {
		return nil, err
	}

	// The snapshot and the transition share r.mu: of two concurrent joins,
	// the later one lists the earlier in its reply and the earlier receives
	// newPeer for it.
	r.mu.Lock()
	others := r.joinedSessionsLocked(s)
	broadcasters := r.broadcasterListLocked()
	err := s.Join(body)
	r.mu.Unlock()
	if err != nil {
		return nil, err
	}

	peers := make([]models.PeerInfo, 0, len(others)+len(broadcasters))
	for _, other := range others {
		peers = append(peers, other.info())
	}
	for _, b := range broadcasters {
		peers = append(peers, b.info())
	}
	req.Accept(models.JoinResponse{Peers: peers})

	for _, other := range others {
		r.consumeAll(ctx, s, other.id, &other.media)
	}
	for _, b := range broadcasters {
		r.consumeAll(ctx, s, b.id, &b.media)
	}
	r.createDataConsumer(ctx, s, nil, r.bot.DataProducer())

	info := s.info()
	for _, other := range others {
		r.notify(other, models.NotifyNewPeer, info)
	}
	r.logger.Info("peer joined", "peerId", s.id, "displayName", body.DisplayName)
	return nil, nil
}

// consumeAll creates consumers on receiver for everything owner produces.
func (r *Room) consumeAll(ctx context.Context, receiver *Session, ownerID string, owner *media) {
	for _, p := range owner.producers.list() {
		r.createConsumer(ctx, receiver, ownerID, p)
	}
	for _, dp := range owner.dataProducers.list() {
		if dp.Label() == botLabel {
			continue
		}
		id := ownerID
		r.createDataConsumer(ctx, receiver, &id, dp)
	}
}

func (r *Room) createWebRtcTransport(ctx context.Context, s *Session, req *signal.Request) (any, error) {
	var body models.CreateWebRtcTransportRequest
	if err := models.Decode(req.Data, &body); err != nil {
		return nil, err
	}

	opts := r.webRtcTransportOptions(body.SctpCapabilities)
	opts.EnableUDP = !body.ForceTcp
	opts.AppData = engine.AppData{"producing": body.Producing, "consuming": body.Consuming}

	t, err := r.router.CreateWebRtcTransport(ctx, opts)
	if err != nil {
		return nil, err
	}
	s.transports.add(t)
	r.watchTransport(s, t)
	if forgetIfClosed(&s.transports, t) {
		return nil, engine.ErrClosed
	}

	if err := t.EnableTraceEvent(ctx, "bwe"); err != nil {
		r.logger.Warn("failed to enable bwe trace", "transportId", t.ID(), "error", err)
	}
	if bitrate := r.cfg.WebRtcTransport.MaxIncomingBitrate; bitrate > 0 {
		if err := t.SetMaxIncomingBitrate(ctx, bitrate); err != nil {
			r.logger.Warn("failed to set max incoming bitrate", "transportId", t.ID(), "error", err)
		}
	}

	data := t.Data()
	return models.TransportInfo{
		ID:             t.ID(),
		IceParameters:  data.IceParameters,
		IceCandidates:  data.IceCandidates,
		DtlsParameters: data.DtlsParameters,
		SctpParameters: data.SctpParameters,
	}, nil
}

func (r *Room) webRtcTransportOptions(sctp *engine.SctpCapabilities) engine.WebRtcTransportOptions {
	cfg := r.cfg.WebRtcTransport
	opts := engine.WebRtcTransportOptions{
		ListenInfos:                     cfg.ListenInfos,
		EnableUDP:                       true,
		EnableTCP:                       true,
		PreferUDP:                       true,
		MaxSctpMessageSize:              cfg.MaxSctpMessageSize,
		InitialAvailableOutgoingBitrate: cfg.InitialAvailableOutgoingBitrate,
	}
	if sctp != nil {
		opts.EnableSctp = true
		opts.NumSctpStreams = sctp.NumStreams
	}
	return opts
}

// watchTransport forwards transport events for a peer-owned transport.
func (r *Room) watchTransport(s *Session, t engine.Transport) {
	t.On(func(ev engine.TransportEvent) {
		switch ev.Type {
		case engine.TransportEventTrace:
			if ev.Trace != nil && ev.Trace.Type == "bwe" && ev.Trace.Direction == "out" && ev.Trace.Bwe != nil {
				r.notify(s, models.NotifyDownlinkBwe, models.DownlinkBweNotification{
					DesiredBitrate:          ev.Trace.Bwe.DesiredBitrate,
					EffectiveDesiredBitrate: ev.Trace.Bwe.EffectiveDesiredBitrate,
					AvailableBitrate:        ev.Trace.Bwe.AvailableBitrate,
				})
			}
		case engine.TransportEventDtlsStateChange:
			if ev.DtlsState == "failed" || ev.DtlsState == "closed" {
				r.logger.Warn("transport dtls state changed", "peerId", s.id, "transportId", t.ID(), "state", ev.DtlsState)
			}
		case engine.TransportEventSctpStateChange:
			r.logger.Debug("transport sctp state changed", "peerId", s.id, "transportId", t.ID(), "state", ev.SctpState)
		case engine.TransportEventClosed:
			s.transports.remove(t.ID())
		}
	})
}

func (r *Room) connectWebRtcTransport(ctx context.Context, s *Session, req *signal.Request) (any, error) {
	var body models.ConnectWebRtcTransportRequest
	if err := models.Decode(req.Data, &body); err != nil {
		return nil, err
	}
	t, err := s.transport(body.TransportID)
	if err != nil {
		return nil, err
	}
	return nil, t.Connect(ctx, engine.TransportConnectOptions{DtlsParameters: body.DtlsParameters})
}

func (r *Room) restartIce(ctx context.Context, s *Session, req *signal.Request) (any, error) {
	var body models.TransportRequest
	if err := models.Decode(req.Data, &body); err != nil {
		return nil, err
	}
	t, err := s.transport(body.TransportID)
	if err != nil {
		return nil, err
	}
	return t.RestartIce(ctx)
}

func (r *Room) produce(ctx context.Context, s *Session, req *signal.Request) (any, error) {
	if err := requireJoined(s); err != nil {
		return nil, err
	}
	var body models.ProduceRequest
	if err := models.Decode(req.Data, &body); err != nil {
		return nil, err
	}
	t, err := s.transport(body.TransportID)
	if err != nil {
		return nil, err
	}

	appData := body.AppData.Clone()
	appData["peerId"] = s.id

	producer, err := t.Produce(ctx, engine.ProducerOptions{
		Kind:          body.Kind,
		RtpParameters: body.RtpParameters,
		AppData:       appData,
	})
	if err != nil {
		return nil, err
	}
	s.producers.add(producer)
	producer.On(func(ev engine.ProducerEvent) {
		switch ev.Type {
		case engine.ProducerEventScore:
			r.notify(s, models.NotifyProducerScore, models.ProducerScoreNotification{
				ProducerID: producer.ID(),
				Score:      ev.Score,
			})
		case engine.ProducerEventTrace:
			if ev.Trace != nil {
				r.logger.Debug("producer trace", "producerId", producer.ID(), "type", ev.Trace.Type)
			}
		case engine.ProducerEventClosed:
			s.producers.remove(producer.ID())
		}
	})
	if forgetIfClosed(&s.producers, producer) {
		return nil, engine.ErrClosed
	}

	req.Accept(models.IDResponse{ID: producer.ID()})

	for _, other := range r.joinedSessions(s) {
		r.createConsumer(ctx, other, s.id, producer)
	}
	if producer.Kind() == engine.MediaKindAudio {
		if err := r.observer.AddProducer(ctx, producer.ID()); err != nil {
			r.logger.Warn("failed to observe audio producer", "producerId", producer.ID(), "error", err)
		}
	}
	return nil, nil
}

func (r *Room) ownedProducer(s *Session, data []byte) (engine.Producer, error) {
	if err := requireJoined(s); err != nil {
		return nil, err
	}
	var body models.ProducerRequest
	if err := models.Decode(data, &body); err != nil {
		return nil, err
	}
	return s.producer(body.ProducerID)
}

func (r *Room) closeProducer(_ context.Context, s *Session, req *signal.Request) (any, error) {
	producer, err := r.ownedProducer(s, req.Data)
	if err != nil {
		return nil, err
	}
	producer.Close()
	s.producers.remove(producer.ID())
	return nil, nil
}

func (r *Room) pauseProducer(ctx context.Context, s *Session, req *signal.Request) (any, error) {
	producer, err := r.ownedProducer(s, req.Data)
	if err != nil {
		return nil, err
	}
	return nil, producer.Pause(ctx)
}

func (r *Room) resumeProducer(ctx context.Context, s *Session, req *signal.Request) (any, error) {
	producer, err := r.ownedProducer(s, req.Data)
	if err != nil {
		return nil, err
	}
	return nil, producer.Resume(ctx)
}

func (r *Room) ownedConsumer(s *Session, data []byte) (engine.Consumer, error) {
	if err := requireJoined(s); err != nil {
		return nil, err
	}
	var body models.ConsumerRequest
	if err := models.Decode(data, &body); err != nil {
		return nil, err
	}
	return s.consumer(body.ConsumerID)
}

func (r *Room) pauseConsumer(ctx context.Context, s *Session, req *signal.Request) (any, error) {
	consumer, err := r.ownedConsumer(s, req.Data)
	if err != nil {
		return nil, err
	}
	return nil, consumer.Pause(ctx)
}

func (r *Room) resumeConsumer(ctx context.Context, s *Session, req *signal.Request) (any, error) {
	consumer, err := r.ownedConsumer(s, req.Data)
	if err != nil {
		return nil, err
	}
	return nil, consumer.Resume(ctx)
}

func (r *Room) setConsumerPreferredLayers(ctx context.Context, s *Session, req *signal.Request) (any, error) {
	if err := requireJoined(s); err != nil {
		return nil, err
	}
	var body models.SetConsumerPreferredLayersRequest
	if err := models.Decode(req.Data, &body); err != nil {
		return nil, err
	}
	consumer, err := s.consumer(body.ConsumerID)
	if err != nil {
		return nil, err
	}
	return nil, consumer.SetPreferredLayers(ctx, engine.ConsumerLayers{
		SpatialLayer:  *body.SpatialLayer,
		TemporalLayer: body.TemporalLayer,
	})
}

func (r *Room) setConsumerPriority(ctx context.Context, s *Session, req *signal.Request) (any, error) {
	if err := requireJoined(s); err != nil {
		return nil, err
	}
	var body models.SetConsumerPriorityRequest
	if err := models.Decode(req.Data, &body); err != nil {
		return nil, err
	}
	consumer, err := s.consumer(body.ConsumerID)
	if err != nil {
		return nil, err
	}
	return nil, consumer.SetPriority(ctx, body.Priority)
}

func (r *Room) requestConsumerKeyFrame(ctx context.Context, s *Session, req *signal.Request) (any, error) {
	consumer, err := r.ownedConsumer(s, req.Data)
	if err != nil {
		return nil, err
	}
	return nil, consumer.RequestKeyFrame(ctx)
}

func (r *Room) produceData(ctx context.Context, s *Session, req *signal.Request) (any, error) {
	if err := requireJoined(s); err != nil {
		return nil, err
	}
	var body models.ProduceDataRequest
	if err := models.Decode(req.Data, &body); err != nil {
		return nil, err
	}
	t, err := s.transport(body.TransportID)
	if err != nil {
		return nil, err
	}

	dataProducer, err := t.ProduceData(ctx, engine.DataProducerOptions{
		SctpStreamParameters: body.SctpStreamParameters,
		Label:                body.Label,
		Protocol:             body.Protocol,
		AppData:              body.AppData.Clone(),
	})
	if err != nil {
		return nil, err
	}
	s.dataProducers.add(dataProducer)
	dataProducer.On(func(ev engine.DataProducerEvent) {
		if ev.Type == engine.DataProducerEventClosed {
			s.dataProducers.remove(dataProducer.ID())
		}
	})
	if forgetIfClosed(&s.dataProducers, dataProducer) {
		return nil, engine.ErrClosed
	}

	req.Accept(models.IDResponse{ID: dataProducer.ID()})

	switch dataProducer.Label() {
	case chatLabel:
		for _, other := range r.joinedSessions(s) {
			id := s.id
			r.createDataConsumer(ctx, other, &id, dataProducer)
		}
	case botLabel:
		if err := r.bot.HandlePeerDataProducer(ctx, dataProducer.ID(), s); err != nil {
			r.logger.Warn("bot failed to consume data producer", "dataProducerId", dataProducer.ID(), "error", err)
		}
	}
	return nil, nil
}

func (r *Room) changeDisplayName(_ context.Context, s *Session, req *signal.Request) (any, error) {
	if err := requireJoined(s); err != nil {
		return nil, err
	}
	var body models.ChangeDisplayNameRequest
	if err := models.Decode(req.Data, &body); err != nil {
		return nil, err
	}
	old, err := s.SetDisplayName(body.DisplayName)
	if err != nil {
		return nil, err
	}

	for _, other := range r.joinedSessions(s) {
		r.notify(other, models.NotifyPeerDisplayNameChanged, models.PeerDisplayNameChangedNotification{
			PeerID:         s.id,
			DisplayName:    body.DisplayName,
			OldDisplayName: old,
		})
	}
	return nil, nil
}

func (r *Room) getTransportStats(ctx context.Context, s *Session, req *signal.Request) (any, error) {
	var body models.TransportRequest
	if err := models.Decode(req.Data, &body); err != nil {
		return nil, err
	}
	t, err := s.transport(body.TransportID)
	if err != nil {
		return nil, err
	}
	return t.GetStats(ctx)
}

func (r *Room) getProducerStats(ctx context.Context, s *Session, req *signal.Request) (any, error) {
	var body models.ProducerRequest
	if err := models.Decode(req.Data, &body); err != nil {
		return nil, err
	}
	p, err := s.producer(body.ProducerID)
	if err != nil {
		return nil, err
	}
	return p.GetStats(ctx)
}

func (r *Room) getConsumerStats(ctx context.Context, s *Session, req *signal.Request) (any, error) {
	var body models.ConsumerRequest
	if err := models.Decode(req.Data, &body); err != nil {
		return nil, err
	}
	c, err := s.consumer(body.ConsumerID)
	if err != nil {
		return nil, err
	}
	return c.GetStats(ctx)
}

func (r *Room) getDataProducerStats(ctx context.Context, s *Session, req *signal.Request) (any, error) {
	var body models.DataProducerRequest
	if err := models.Decode(req.Data, &body); err != nil {
		return nil, err
	}
	p, err := s.dataProducer(body.DataProducerID)
	if err != nil {
		return nil, err
	}
	return p.GetStats(ctx)
}

func (r *Room) getDataConsumerStats(ctx context.Context, s *Session, req *signal.Request) (any, error) {
	var body models.DataConsumerRequest
	if err := models.Decode(req.Data, &body); err != nil {
		return nil, err
	}
	c, err := s.dataConsumer(body.DataConsumerID)
	if err != nil {
		return nil, err
	}
	return c.GetStats(ctx)
}

func (r *Room) applyNetworkThrottle(ctx context.Context, s *Session, req *signal.Request) (any, error) {
	var body models.ApplyNetworkThrottleRequest
	if err := models.Decode(req.Data, &body); err != nil {
		return nil, err
	}
	if !r.checkThrottleSecret(body.Secret) {
		return nil, errBadSecret
	}
	if r.cfg.Throttler == nil {
		return nil, models.ErrInternalServer.WithMessage("network throttle not available")
	}

	opts := throttle.Options{
		Uplink:     body.Uplink,
		Downlink:   body.Downlink,
		Rtt:        body.Rtt,
		PacketLoss: body.PacketLoss,
	}

	r.throttleMu.Lock()
	defer r.throttleMu.Unlock()
	if err := r.cfg.Throttler.Start(ctx, opts); err != nil {
		return nil, err
	}
	r.throttled = true
	r.logger.Warn("network throttle applied", "peerId", s.id,
		"uplink", opts.Uplink, "downlink", opts.Downlink, "rtt", opts.Rtt, "packetLoss", opts.PacketLoss)
	return nil, nil
}

func (r *Room) resetNetworkThrottle(ctx context.Context, s *Session, req *signal.Request) (any, error) {
	var body models.ResetNetworkThrottleRequest
	if err := models.Decode(req.Data, &body); err != nil {
		return nil, err
	}
	if !r.checkThrottleSecret(body.Secret) {
		return nil, errBadSecret
	}
	if r.cfg.Throttler == nil {
		return nil, models.ErrInternalServer.WithMessage("network throttle not available")
	}

	r.throttleMu.Lock()
	defer r.throttleMu.Unlock()
	if err := r.cfg.Throttler.Stop(ctx); err != nil {
		return nil, err
	}
	r.throttled = false
	r.logger.Warn("network throttle reset", "peerId", s.id)
	return nil, nil
}
