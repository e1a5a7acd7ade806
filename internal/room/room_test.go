package room

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/jiyeyuran/go-protoo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mossy-p/sfu-signaling/config"
	"github.com/mossy-p/sfu-signaling/internal/engine"
	"github.com/mossy-p/sfu-signaling/internal/engine/local"
	"github.com/mossy-p/sfu-signaling/internal/models"
	"github.com/mossy-p/sfu-signaling/internal/presence"
	"github.com/mossy-p/sfu-signaling/internal/signal/signaltest"
	"github.com/mossy-p/sfu-signaling/internal/throttle"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig() Config {
	return Config{
		Logger:      discardLogger(),
		Presence:    presence.NewMemoryStore(),
		MediaCodecs: engine.DefaultMediaCodecs(),
		WebRtcTransport: config.WebRtcTransportConfig{
			ListenInfos:        []engine.ListenInfo{{Protocol: "udp", IP: "127.0.0.1"}},
			MaxIncomingBitrate: 1500000,
			MaxSctpMessageSize: 262144,
		},
		PlainTransport: config.PlainTransportConfig{
			ListenInfo: engine.ListenInfo{Protocol: "udp", IP: "127.0.0.1"},
		},
		RequestTimeout: time.Second,
	}
}

func newTestRoom(t *testing.T, mutate ...func(*Config)) *Room {
	t.Helper()
	cfg := testConfig()
	for _, fn := range mutate {
		fn(&cfg)
	}
	worker := local.NewWorker(discardLogger(), local.WorkerSettings{})
	t.Cleanup(worker.Close)

	r, err := New(context.Background(), "room-1", worker, cfg)
	require.NoError(t, err)
	t.Cleanup(r.Close)
	return r
}

type testPeer struct {
	*signaltest.Client
	id     string
	sendID string
	recvID string
}

func connect(t *testing.T, r *Room, id string) *testPeer {
	t.Helper()
	client, err := signaltest.Connect(func(transport protoo.Transport) error {
		return r.HandleConnection(id, transport)
	})
	require.NoError(t, err)
	t.Cleanup(client.Close)
	return &testPeer{Client: client, id: id}
}

func (p *testPeer) call(t *testing.T, method string, data any) json.RawMessage {
	t.Helper()
	resp, err := p.Request(context.Background(), method, data)
	require.NoError(t, err, method)
	return resp
}

func (p *testPeer) callErr(t *testing.T, method string, data any) *signaltest.Error {
	t.Helper()
	_, err := p.Request(context.Background(), method, data)
	var sigErr *signaltest.Error
	require.ErrorAs(t, err, &sigErr, method)
	return sigErr
}

var sctpCaps = &engine.SctpCapabilities{NumStreams: engine.NumSctpStreams{OS: 1024, MIS: 1024}}

func (p *testPeer) createTransports(t *testing.T) {
	t.Helper()
	var info models.TransportInfo
	require.NoError(t, json.Unmarshal(p.call(t, models.MethodCreateWebRtcTransport, models.CreateWebRtcTransportRequest{
		Producing: true, SctpCapabilities: sctpCaps,
	}), &info))
	p.sendID = info.ID

	require.NoError(t, json.Unmarshal(p.call(t, models.MethodCreateWebRtcTransport, models.CreateWebRtcTransportRequest{
		Consuming: true, SctpCapabilities: sctpCaps,
	}), &info))
	p.recvID = info.ID
}

// join creates a send and a receive transport and joins with the router's
// own capabilities.
func join(t *testing.T, r *Room, id, name string) *testPeer {
	t.Helper()
	p := connect(t, r, id)
	p.createTransports(t)
	caps := r.RtpCapabilities()
	p.call(t, models.MethodJoin, models.JoinRequest{
		DisplayName:      name,
		RtpCapabilities:  &caps,
		SctpCapabilities: sctpCaps,
	})
	return p
}

func opusParameters() engine.RtpParameters {
	return engine.RtpParameters{
		Codecs:    []engine.RtpCodecParameters{{MimeType: "audio/opus", PayloadType: 111, ClockRate: 48000, Channels: 2}},
		Encodings: []engine.RtpEncodingParameters{{Ssrc: 1111}},
	}
}

func (p *testPeer) produceAudio(t *testing.T) string {
	t.Helper()
	var resp models.IDResponse
	require.NoError(t, json.Unmarshal(p.call(t, models.MethodProduce, models.ProduceRequest{
		TransportID:   p.sendID,
		Kind:          engine.MediaKindAudio,
		RtpParameters: opusParameters(),
	}), &resp))
	return resp.ID
}

func (p *testPeer) newConsumers() []models.NewConsumerRequest {
	var out []models.NewConsumerRequest
	for _, raw := range p.Requests(models.MethodNewConsumer) {
		var req models.NewConsumerRequest
		if json.Unmarshal(raw, &req) == nil {
			out = append(out, req)
		}
	}
	return out
}

func (p *testPeer) newDataConsumers(label string) []models.NewDataConsumerRequest {
	var out []models.NewDataConsumerRequest
	for _, raw := range p.Requests(models.MethodNewDataConsumer) {
		var req models.NewDataConsumerRequest
		if json.Unmarshal(raw, &req) == nil && req.Label == label {
			out = append(out, req)
		}
	}
	return out
}

func session(t *testing.T, r *Room, id string) *Session {
	t.Helper()
	s, ok := r.session(id)
	require.True(t, ok, "session %s", id)
	return s
}

func TestGetRouterRtpCapabilities(t *testing.T) {
	r := newTestRoom(t)
	p := connect(t, r, "alice")

	var caps engine.RtpCapabilities
	require.NoError(t, json.Unmarshal(p.call(t, models.MethodGetRouterRtpCapabilities, nil), &caps))
	assert.Equal(t, len(r.RtpCapabilities().Codecs), len(caps.Codecs))
}

func TestUnknownMethodRejected(t *testing.T) {
	r := newTestRoom(t)
	p := connect(t, r, "alice")

	err := p.callErr(t, "fly", nil)
	assert.Equal(t, http.StatusBadRequest, err.Code)
	assert.Contains(t, err.Reason, "unknown method")
}

func TestJoinTwiceRejected(t *testing.T) {
	r := newTestRoom(t)
	p := join(t, r, "alice", "Alice")

	err := p.callErr(t, models.MethodJoin, models.JoinRequest{DisplayName: "Mallory"})
	assert.Equal(t, http.StatusConflict, err.Code)
	assert.Equal(t, "peer already joined", err.Reason)

	st := session(t, r, "alice").State()
	assert.Equal(t, "Alice", st.DisplayName)
	assert.NotNil(t, st.RtpCapabilities)
}

func TestJoinReturnsOtherPeers(t *testing.T) {
	r := newTestRoom(t)
	join(t, r, "alice", "Alice")

	bob := connect(t, r, "bob")
	var resp models.JoinResponse
	require.NoError(t, json.Unmarshal(bob.call(t, models.MethodJoin, models.JoinRequest{DisplayName: "Bob"}), &resp))
	require.Len(t, resp.Peers, 1)
	assert.Equal(t, "alice", resp.Peers[0].ID)
	assert.Equal(t, "Alice", resp.Peers[0].DisplayName)
}

func TestJoinNotifiesNewPeer(t *testing.T) {
	r := newTestRoom(t)
	alice := join(t, r, "alice", "Alice")
	join(t, r, "bob", "Bob")

	require.Eventually(t, func() bool { return len(alice.Notifications(models.NotifyNewPeer)) == 1 }, waitFor, tick)
	var info models.PeerInfo
	require.NoError(t, json.Unmarshal(alice.Notifications(models.NotifyNewPeer)[0], &info))
	assert.Equal(t, "bob", info.ID)
	assert.Equal(t, "Bob", info.DisplayName)
}

func TestRequestsBeforeJoinRejected(t *testing.T) {
	r := newTestRoom(t)
	p := connect(t, r, "alice")
	p.createTransports(t)

	tests := []struct {
		method string
		data   any
	}{
		{models.MethodProduce, models.ProduceRequest{TransportID: p.sendID, Kind: engine.MediaKindAudio, RtpParameters: opusParameters()}},
		{models.MethodProduceData, models.ProduceDataRequest{TransportID: p.sendID, Label: "chat"}},
		{models.MethodChangeDisplayName, models.ChangeDisplayNameRequest{DisplayName: "Eve"}},
		{models.MethodPauseProducer, models.ProducerRequest{ProducerID: "p1"}},
		{models.MethodResumeConsumer, models.ConsumerRequest{ConsumerID: "c1"}},
	}
	for _, tt := range tests {
		t.Run(tt.method, func(t *testing.T) {
			err := p.callErr(t, tt.method, tt.data)
			assert.Equal(t, http.StatusForbidden, err.Code)
		})
	}

	s := session(t, r, "alice")
	assert.Zero(t, s.producers.len())
	assert.Zero(t, s.dataProducers.len())
}

func TestUnownedIDsRejected(t *testing.T) {
	r := newTestRoom(t)
	alice := join(t, r, "alice", "Alice")
	bob := join(t, r, "bob", "Bob")

	tests := []struct {
		method string
		data   any
	}{
		{models.MethodConnectWebRtcTransport, models.ConnectWebRtcTransportRequest{TransportID: bob.sendID, DtlsParameters: &engine.DtlsParameters{}}},
		{models.MethodRestartIce, models.TransportRequest{TransportID: "missing"}},
		{models.MethodProduce, models.ProduceRequest{TransportID: bob.sendID, Kind: engine.MediaKindAudio, RtpParameters: opusParameters()}},
		{models.MethodCloseProducer, models.ProducerRequest{ProducerID: "missing"}},
		{models.MethodSetConsumerPriority, models.SetConsumerPriorityRequest{ConsumerID: "missing", Priority: 2}},
		{models.MethodGetTransportStats, models.TransportRequest{TransportID: bob.recvID}},
		{models.MethodGetDataConsumerStats, models.DataConsumerRequest{DataConsumerID: "missing"}},
	}
	for _, tt := range tests {
		t.Run(tt.method, func(t *testing.T) {
			err := alice.callErr(t, tt.method, tt.data)
			assert.Equal(t, http.StatusNotFound, err.Code)
		})
	}
}

func TestInvalidPayloadRejected(t *testing.T) {
	r := newTestRoom(t)
	alice := join(t, r, "alice", "Alice")

	err := alice.callErr(t, models.MethodProduce, models.ProduceRequest{TransportID: alice.sendID, Kind: "smell"})
	assert.Equal(t, http.StatusBadRequest, err.Code)
	assert.Contains(t, err.Reason, "kind failed on oneof")
}

func TestProduceCreatesPausedConsumerResumedAfterAck(t *testing.T) {
	r := newTestRoom(t)
	alice := join(t, r, "alice", "Alice")

	release := make(chan struct{})
	bob := connect(t, r, "bob")
	bob.SetResponder(func(method string, _ json.RawMessage) (any, error) {
		if method == models.MethodNewConsumer {
			<-release
		}
		return nil, nil
	})
	bob.createTransports(t)
	caps := r.RtpCapabilities()
	bob.call(t, models.MethodJoin, models.JoinRequest{DisplayName: "Bob", RtpCapabilities: &caps, SctpCapabilities: sctpCaps})

	producerID := alice.produceAudio(t)

	require.Eventually(t, func() bool { return len(bob.Requests(models.MethodNewConsumer)) == 1 }, waitFor, tick)
	reqs := bob.newConsumers()
	require.Len(t, reqs, 1)
	assert.Equal(t, "alice", reqs[0].PeerID)
	assert.Equal(t, producerID, reqs[0].ProducerID)
	assert.Equal(t, engine.MediaKindAudio, reqs[0].Kind)
	assert.Equal(t, "alice", reqs[0].AppData["peerId"])

	consumers := session(t, r, "bob").consumers.list()
	require.Len(t, consumers, 1)
	consumer := consumers[0]
	assert.Equal(t, reqs[0].ID, consumer.ID())
	assert.True(t, consumer.Paused(), "consumer must stay paused until acknowledged")

	close(release)
	require.Eventually(t, func() bool { return !consumer.Paused() }, waitFor, tick)
	require.Eventually(t, func() bool { return len(bob.Notifications(models.NotifyConsumerScore)) >= 1 }, waitFor, tick)

	assert.Empty(t, alice.Requests(models.MethodNewConsumer), "a producer is never consumed by its owner")
	assert.Never(t, func() bool { return len(bob.Requests(models.MethodNewConsumer)) > 1 }, 50*time.Millisecond, tick)
}

func TestJoinConsumesExistingProducers(t *testing.T) {
	r := newTestRoom(t)
	alice := join(t, r, "alice", "Alice")
	producerID := alice.produceAudio(t)

	bob := join(t, r, "bob", "Bob")
	require.Eventually(t, func() bool { return len(bob.Requests(models.MethodNewConsumer)) == 1 }, waitFor, tick)
	assert.Equal(t, producerID, bob.newConsumers()[0].ProducerID)
}

func TestRejectedNewConsumerDiscardsConsumer(t *testing.T) {
	r := newTestRoom(t)
	alice := join(t, r, "alice", "Alice")
	bob := join(t, r, "bob", "Bob")
	bob.SetResponder(func(method string, _ json.RawMessage) (any, error) {
		if method == models.MethodNewConsumer {
			return nil, errors.New("not now")
		}
		return nil, nil
	})

	bobSession := session(t, r, "bob")
	alice.produceAudio(t)
	require.Eventually(t, func() bool { return len(bob.Requests(models.MethodNewConsumer)) == 1 }, waitFor, tick)
	require.Eventually(t, func() bool { return bobSession.consumers.len() == 0 }, waitFor, tick)
}

func TestNoConsumerWithoutCapabilities(t *testing.T) {
	r := newTestRoom(t)
	alice := join(t, r, "alice", "Alice")

	// No declared capabilities at all.
	bob := connect(t, r, "bob")
	bob.createTransports(t)
	bob.call(t, models.MethodJoin, models.JoinRequest{DisplayName: "Bob"})

	// Capabilities that cannot decode opus.
	carol := connect(t, r, "carol")
	carol.createTransports(t)
	var videoOnly engine.RtpCapabilities
	for _, c := range r.RtpCapabilities().Codecs {
		if c.Kind == engine.MediaKindVideo {
			videoOnly.Codecs = append(videoOnly.Codecs, c)
		}
	}
	carol.call(t, models.MethodJoin, models.JoinRequest{DisplayName: "Carol", RtpCapabilities: &videoOnly})

	alice.produceAudio(t)

	assert.Never(t, func() bool {
		return len(bob.Requests(models.MethodNewConsumer)) > 0 || len(carol.Requests(models.MethodNewConsumer)) > 0
	}, 100*time.Millisecond, tick)
	assert.Zero(t, session(t, r, "bob").consumers.len())
	assert.Zero(t, session(t, r, "carol").consumers.len())
}

func TestConsumerFollowsProducer(t *testing.T) {
	r := newTestRoom(t)
	alice := join(t, r, "alice", "Alice")
	bob := join(t, r, "bob", "Bob")

	producerID := alice.produceAudio(t)
	require.Eventually(t, func() bool { return len(bob.Requests(models.MethodNewConsumer)) == 1 }, waitFor, tick)
	consumerID := bob.newConsumers()[0].ID

	alice.call(t, models.MethodPauseProducer, models.ProducerRequest{ProducerID: producerID})
	require.Eventually(t, func() bool { return len(bob.Notifications(models.NotifyConsumerPaused)) == 1 }, waitFor, tick)

	alice.call(t, models.MethodResumeProducer, models.ProducerRequest{ProducerID: producerID})
	require.Eventually(t, func() bool { return len(bob.Notifications(models.NotifyConsumerResumed)) == 1 }, waitFor, tick)

	alice.call(t, models.MethodCloseProducer, models.ProducerRequest{ProducerID: producerID})
	require.Eventually(t, func() bool { return len(bob.Notifications(models.NotifyConsumerClosed)) == 1 }, waitFor, tick)

	var n models.ConsumerNotification
	require.NoError(t, json.Unmarshal(bob.Notifications(models.NotifyConsumerClosed)[0], &n))
	assert.Equal(t, consumerID, n.ConsumerID)
	assert.Zero(t, session(t, r, "bob").consumers.len())
	assert.Zero(t, session(t, r, "alice").producers.len())
}

func TestConsumerRequestsForwarded(t *testing.T) {
	r := newTestRoom(t)
	alice := join(t, r, "alice", "Alice")
	bob := join(t, r, "bob", "Bob")

	alice.produceAudio(t)
	require.Eventually(t, func() bool { return len(bob.Requests(models.MethodNewConsumer)) == 1 }, waitFor, tick)
	consumerID := bob.newConsumers()[0].ID
	consumer, err := session(t, r, "bob").consumer(consumerID)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return !consumer.Paused() }, waitFor, tick)

	bob.call(t, models.MethodPauseConsumer, models.ConsumerRequest{ConsumerID: consumerID})
	assert.True(t, consumer.Paused())

	bob.call(t, models.MethodResumeConsumer, models.ConsumerRequest{ConsumerID: consumerID})
	assert.False(t, consumer.Paused())

	bob.call(t, models.MethodSetConsumerPriority, models.SetConsumerPriorityRequest{ConsumerID: consumerID, Priority: 3})
	assert.Equal(t, uint8(3), consumer.(*local.Consumer).Priority())

	layersErr := bob.callErr(t, models.MethodSetConsumerPreferredLayers, map[string]any{"consumerId": consumerID})
	assert.Equal(t, http.StatusBadRequest, layersErr.Code)
	assert.Contains(t, layersErr.Reason, "spatialLayer")
	spatial := uint8(0)
	bob.call(t, models.MethodSetConsumerPreferredLayers, models.SetConsumerPreferredLayersRequest{
		ConsumerID:   consumerID,
		SpatialLayer: &spatial,
	})

	err2 := bob.callErr(t, models.MethodRequestConsumerKeyFrame, models.ConsumerRequest{ConsumerID: consumerID})
	assert.Equal(t, http.StatusBadRequest, err2.Code, "audio consumers have no key frames")

	stats := bob.call(t, models.MethodGetConsumerStats, models.ConsumerRequest{ConsumerID: consumerID})
	assert.NotEqual(t, "null", string(stats))
}

func TestProducerScoreNotified(t *testing.T) {
	r := newTestRoom(t)
	alice := join(t, r, "alice", "Alice")
	producerID := alice.produceAudio(t)

	producer, err := session(t, r, "alice").producer(producerID)
	require.NoError(t, err)
	producer.(*local.Producer).ReportScore([]engine.ProducerScore{{EncodingIdx: 0, Ssrc: 1111, Score: 7}})

	require.Eventually(t, func() bool { return len(alice.Notifications(models.NotifyProducerScore)) == 1 }, waitFor, tick)
	var n models.ProducerScoreNotification
	require.NoError(t, json.Unmarshal(alice.Notifications(models.NotifyProducerScore)[0], &n))
	assert.Equal(t, producerID, n.ProducerID)
	assert.Equal(t, 7, n.Score[0].Score)
}

func TestDownlinkBweNotified(t *testing.T) {
	r := newTestRoom(t)
	alice := join(t, r, "alice", "Alice")

	transport, err := session(t, r, "alice").transport(alice.recvID)
	require.NoError(t, err)
	transport.(*local.Transport).ReportTrace(engine.TraceEvent{
		Type:      "bwe",
		Direction: "out",
		Bwe:       &engine.BweTrace{DesiredBitrate: 100, EffectiveDesiredBitrate: 90, AvailableBitrate: 80},
	})

	require.Eventually(t, func() bool { return len(alice.Notifications(models.NotifyDownlinkBwe)) == 1 }, waitFor, tick)
	var n models.DownlinkBweNotification
	require.NoError(t, json.Unmarshal(alice.Notifications(models.NotifyDownlinkBwe)[0], &n))
	assert.Equal(t, 80, n.AvailableBitrate)
}

func TestTransportLifecycleRequests(t *testing.T) {
	r := newTestRoom(t)
	alice := join(t, r, "alice", "Alice")

	transport, err := session(t, r, "alice").transport(alice.sendID)
	require.NoError(t, err)
	before := transport.Data().IceParameters

	var ice struct {
		UsernameFragment string `json:"usernameFragment"`
	}
	require.NoError(t, json.Unmarshal(alice.call(t, models.MethodRestartIce, models.TransportRequest{TransportID: alice.sendID}), &ice))
	assert.NotEmpty(t, ice.UsernameFragment)
	assert.NotEqual(t, before.UsernameFragment, ice.UsernameFragment)

	dtls := transport.Data().DtlsParameters
	alice.call(t, models.MethodConnectWebRtcTransport, models.ConnectWebRtcTransportRequest{
		TransportID:    alice.sendID,
		DtlsParameters: &engine.DtlsParameters{Role: "client", Fingerprints: dtls.Fingerprints},
	})
	assert.Equal(t, "connected", transport.Data().DtlsState)

	err2 := alice.callErr(t, models.MethodConnectWebRtcTransport, models.ConnectWebRtcTransportRequest{
		TransportID:    alice.sendID,
		DtlsParameters: &engine.DtlsParameters{Role: "client", Fingerprints: dtls.Fingerprints},
	})
	assert.Equal(t, http.StatusBadRequest, err2.Code)
}

func TestDisconnectNotifiesPeerClosed(t *testing.T) {
	r := newTestRoom(t)
	alice := join(t, r, "alice", "Alice")
	bob := join(t, r, "bob", "Bob")

	aliceTransports := session(t, r, "alice").transports.list()
	require.Len(t, aliceTransports, 2)

	alice.Close()

	require.Eventually(t, func() bool { return len(bob.Notifications(models.NotifyPeerClosed)) == 1 }, waitFor, tick)
	var n models.PeerClosedNotification
	require.NoError(t, json.Unmarshal(bob.Notifications(models.NotifyPeerClosed)[0], &n))
	assert.Equal(t, "alice", n.PeerID)
	assert.Never(t, func() bool { return len(bob.Notifications(models.NotifyPeerClosed)) > 1 }, 50*time.Millisecond, tick)

	for _, tr := range aliceTransports {
		assert.True(t, tr.Closed())
	}
	assert.False(t, r.Closed())
	assert.Equal(t, 1, r.PeerCount())
}

func TestLastPeerClosesRoom(t *testing.T) {
	store := presence.NewMemoryStore()
	r := newTestRoom(t, func(c *Config) { c.Presence = store })
	alice := join(t, r, "alice", "Alice")

	closed := make(chan struct{})
	r.OnClose(func() { close(closed) })

	meta, err := store.GetRoom(context.Background(), "room-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"alice"}, meta.Peers)

	alice.Close()
	select {
	case <-closed:
	case <-time.After(waitFor):
		t.Fatal("room did not close")
	}
	assert.True(t, r.Closed())
	assert.True(t, r.router.Closed())

	_, err = store.GetRoom(context.Background(), "room-1")
	assert.ErrorIs(t, err, presence.ErrRoomNotFound)

	_, err = signaltest.Connect(func(transport protoo.Transport) error {
		return r.HandleConnection("late", transport)
	})
	assert.ErrorIs(t, err, ErrRoomClosed)
}

func TestReconnectSupersedesSession(t *testing.T) {
	store := presence.NewMemoryStore()
	r := newTestRoom(t, func(c *Config) { c.Presence = store })
	first := join(t, r, "alice", "Alice")
	bob := join(t, r, "bob", "Bob")

	second := connect(t, r, "alice")

	select {
	case <-first.Done():
	case <-time.After(waitFor):
		t.Fatal("superseded session was not closed")
	}
	assert.False(t, r.Closed())
	assert.Equal(t, 2, r.PeerCount())
	assert.False(t, session(t, r, "alice").Joined(), "successor starts unjoined")

	require.Eventually(t, func() bool { return len(bob.Notifications(models.NotifyPeerClosed)) == 1 }, waitFor, tick)

	meta, err := store.GetRoom(context.Background(), "room-1")
	require.NoError(t, err)
	assert.Contains(t, meta.Peers, "alice")

	second.createTransports(t)
	second.call(t, models.MethodJoin, models.JoinRequest{DisplayName: "Alice again"})
	assert.True(t, session(t, r, "alice").Joined())
}

func TestChangeDisplayName(t *testing.T) {
	r := newTestRoom(t)
	alice := join(t, r, "alice", "Alice")
	bob := join(t, r, "bob", "Bob")
	carol := join(t, r, "carol", "Carol")

	alice.call(t, models.MethodChangeDisplayName, models.ChangeDisplayNameRequest{DisplayName: "Alicia"})

	for _, p := range []*testPeer{bob, carol} {
		require.Eventually(t, func() bool { return len(p.Notifications(models.NotifyPeerDisplayNameChanged)) == 1 }, waitFor, tick)
		var n models.PeerDisplayNameChangedNotification
		require.NoError(t, json.Unmarshal(p.Notifications(models.NotifyPeerDisplayNameChanged)[0], &n))
		assert.Equal(t, models.PeerDisplayNameChangedNotification{PeerID: "alice", DisplayName: "Alicia", OldDisplayName: "Alice"}, n)
	}
	assert.Empty(t, alice.Notifications(models.NotifyPeerDisplayNameChanged))
	assert.Equal(t, "Alicia", session(t, r, "alice").State().DisplayName)
}

type fakeThrottler struct {
	mu     sync.Mutex
	starts []throttle.Options
	stops  int
}

func (f *fakeThrottler) Start(_ context.Context, opts throttle.Options) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.starts = append(f.starts, opts)
	return nil
}

func (f *fakeThrottler) Stop(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops++
	return nil
}

func (f *fakeThrottler) counts() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.starts), f.stops
}

func TestNetworkThrottleSecret(t *testing.T) {
	tests := []struct {
		name       string
		configured string
		presented  string
		wantCode   int
	}{
		{"wrong secret", "s3cret", "guess", http.StatusForbidden},
		{"empty presented", "s3cret", "", http.StatusForbidden},
		{"prefix only", "s3cret", "s3c", http.StatusForbidden},
		{"no secret configured", "", "", http.StatusForbidden},
		{"matching secret", "s3cret", "s3cret", 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			throttler := &fakeThrottler{}
			r := newTestRoom(t, func(c *Config) {
				c.Throttler = throttler
				c.ThrottleSecret = tt.configured
			})
			p := join(t, r, "alice", "Alice")

			apply := models.ApplyNetworkThrottleRequest{Secret: tt.presented, Uplink: 100, Rtt: 50}
			reset := models.ResetNetworkThrottleRequest{Secret: tt.presented}
			if tt.wantCode != 0 {
				assert.Equal(t, tt.wantCode, p.callErr(t, models.MethodApplyNetworkThrottle, apply).Code)
				assert.Equal(t, tt.wantCode, p.callErr(t, models.MethodResetNetworkThrottle, reset).Code)
				starts, stops := throttler.counts()
				assert.Zero(t, starts)
				assert.Zero(t, stops)
				return
			}

			p.call(t, models.MethodApplyNetworkThrottle, apply)
			starts, _ := throttler.counts()
			require.Equal(t, 1, starts)
			assert.Equal(t, throttle.Options{Uplink: 100, Rtt: 50}, throttler.starts[0])

			r.Close()
			_, stops := throttler.counts()
			assert.Equal(t, 1, stops, "closing the room stops an applied throttle")
		})
	}
}

func TestActiveSpeaker(t *testing.T) {
	r := newTestRoom(t)
	alice := join(t, r, "alice", "Alice")
	bob := join(t, r, "bob", "Bob")
	producerID := alice.produceAudio(t)

	observer := r.observer.(*local.AudioLevelObserver)
	require.Eventually(t, func() bool { return observer.Observed(producerID) }, waitFor, tick)

	observer.ReportVolumes(local.Level{ProducerID: producerID, Volume: -40})
	require.Eventually(t, func() bool { return len(bob.Notifications(models.NotifyActiveSpeaker)) == 1 }, waitFor, tick)

	var n models.ActiveSpeakerNotification
	require.NoError(t, json.Unmarshal(bob.Notifications(models.NotifyActiveSpeaker)[0], &n))
	require.NotNil(t, n.PeerID)
	assert.Equal(t, "alice", *n.PeerID)
	assert.Equal(t, -40, *n.Volume)

	observer.ReportSilence()
	require.Eventually(t, func() bool { return len(bob.Notifications(models.NotifyActiveSpeaker)) == 2 }, waitFor, tick)
	require.NoError(t, json.Unmarshal(bob.Notifications(models.NotifyActiveSpeaker)[1], &n))
	assert.Nil(t, n.PeerID)
}

func TestChatDataProducerFansOut(t *testing.T) {
	r := newTestRoom(t)
	alice := join(t, r, "alice", "Alice")
	bob := join(t, r, "bob", "Bob")

	var resp models.IDResponse
	require.NoError(t, json.Unmarshal(alice.call(t, models.MethodProduceData, models.ProduceDataRequest{
		TransportID:          alice.sendID,
		SctpStreamParameters: &engine.SctpStreamParameters{StreamID: 1},
		Label:                "chat",
	}), &resp))

	require.Eventually(t, func() bool { return len(bob.newDataConsumers("chat")) == 1 }, waitFor, tick)
	req := bob.newDataConsumers("chat")[0]
	require.NotNil(t, req.PeerID)
	assert.Equal(t, "alice", *req.PeerID)
	assert.Equal(t, resp.ID, req.DataProducerID)
	assert.NotNil(t, req.SctpStreamParameters)
	assert.Empty(t, alice.newDataConsumers("chat"))

	// Late joiners consume existing chat producers too.
	carol := join(t, r, "carol", "Carol")
	require.Eventually(t, func() bool { return len(carol.newDataConsumers("chat")) == 1 }, waitFor, tick)
}

func TestBotDataConsumerAttachedOnJoin(t *testing.T) {
	r := newTestRoom(t)
	alice := join(t, r, "alice", "Alice")

	require.Eventually(t, func() bool { return len(alice.newDataConsumers(botLabel)) == 1 }, waitFor, tick)
	req := alice.newDataConsumers(botLabel)[0]
	assert.Nil(t, req.PeerID)
	assert.Equal(t, r.bot.DataProducer().ID(), req.DataProducerID)

	// A second peer joining does not attach another bot consumer to alice,
	// and a peer's own "bot" producer is never fanned out.
	bob := join(t, r, "bob", "Bob")
	bob.call(t, models.MethodProduceData, models.ProduceDataRequest{
		TransportID:          bob.sendID,
		SctpStreamParameters: &engine.SctpStreamParameters{StreamID: 2},
		Label:                botLabel,
	})
	require.Eventually(t, func() bool { return len(bob.newDataConsumers(botLabel)) == 1 }, waitFor, tick)
	assert.Never(t, func() bool { return len(alice.newDataConsumers(botLabel)) > 1 }, 50*time.Millisecond, tick)
}

func TestBotEchoesTextMessages(t *testing.T) {
	r := newTestRoom(t)
	alice := join(t, r, "alice", "Alice")
	require.Eventually(t, func() bool { return len(alice.newDataConsumers(botLabel)) == 1 }, waitFor, tick)

	var resp models.IDResponse
	require.NoError(t, json.Unmarshal(alice.call(t, models.MethodProduceData, models.ProduceDataRequest{
		TransportID:          alice.sendID,
		SctpStreamParameters: &engine.SctpStreamParameters{StreamID: 3},
		Label:                botLabel,
	}), &resp))

	s := session(t, r, "alice")
	botConsumer, err := s.dataConsumer(alice.newDataConsumers(botLabel)[0].ID)
	require.NoError(t, err)

	received := make(chan string, 2)
	botConsumer.On(func(ev engine.DataConsumerEvent) {
		if ev.Type == engine.DataConsumerEventMessage {
			received <- string(ev.Message)
		}
	})

	dataProducer, err := s.dataProducer(resp.ID)
	require.NoError(t, err)
	dataProducer.(*local.DataProducer).Deliver([]byte("binary"), 53)
	dataProducer.(*local.DataProducer).Deliver([]byte("hello"), ppidString)

	select {
	case msg := <-received:
		assert.Equal(t, `Alice told me: "hello"`, msg)
	case <-time.After(waitFor):
		t.Fatal("bot did not reply")
	}
	assert.Empty(t, received)
}

func TestStatsRequests(t *testing.T) {
	r := newTestRoom(t)
	alice := join(t, r, "alice", "Alice")
	producerID := alice.produceAudio(t)

	var stats []engine.Stats
	require.NoError(t, json.Unmarshal(alice.call(t, models.MethodGetTransportStats, models.TransportRequest{TransportID: alice.sendID}), &stats))
	assert.NotEmpty(t, stats)
	require.NoError(t, json.Unmarshal(alice.call(t, models.MethodGetProducerStats, models.ProducerRequest{ProducerID: producerID}), &stats))
	assert.NotEmpty(t, stats)
}

func TestConcurrentJoinsSeeEachOther(t *testing.T) {
	seen := func(p *testPeer, reply models.JoinResponse, other string) (inReply, notified int) {
		for _, peer := range reply.Peers {
			if peer.ID == other {
				inReply++
			}
		}
		for _, raw := range p.Notifications(models.NotifyNewPeer) {
			var info models.PeerInfo
			if json.Unmarshal(raw, &info) == nil && info.ID == other {
				notified++
			}
		}
		return inReply, notified
	}

	for i := 0; i < 20; i++ {
		r := newTestRoom(t)
		peers := []*testPeer{connect(t, r, "alice"), connect(t, r, "bob")}

		replies := make([]models.JoinResponse, len(peers))
		var wg sync.WaitGroup
		for j, p := range peers {
			wg.Add(1)
			go func() {
				defer wg.Done()
				data, err := p.Request(context.Background(), models.MethodJoin, models.JoinRequest{DisplayName: p.id})
				if assert.NoError(t, err) {
					assert.NoError(t, json.Unmarshal(data, &replies[j]))
				}
			}()
		}
		wg.Wait()

		once := func(j int, other string) bool {
			inReply, notified := seen(peers[j], replies[j], other)
			return inReply+notified == 1
		}
		require.Eventually(t, func() bool { return once(0, "bob") && once(1, "alice") }, waitFor, tick, "iteration %d", i)
		assert.Never(t, func() bool { return !once(0, "bob") || !once(1, "alice") }, 20*time.Millisecond, tick, "iteration %d", i)
	}
}

func TestCreateBroadcasterRacingJoin(t *testing.T) {
	for i := 0; i < 20; i++ {
		r := newTestRoom(t)
		alice := connect(t, r, "alice")

		var (
			reply models.JoinResponse
			wg    sync.WaitGroup
		)
		wg.Add(2)
		go func() {
			defer wg.Done()
			data, err := alice.Request(context.Background(), models.MethodJoin, models.JoinRequest{DisplayName: "Alice"})
			if assert.NoError(t, err) {
				assert.NoError(t, json.Unmarshal(data, &reply))
			}
		}()
		go func() {
			defer wg.Done()
			_, err := r.CreateBroadcaster(context.Background(), models.CreateBroadcasterRequest{ID: "b1", DisplayName: "B"})
			assert.NoError(t, err)
		}()
		wg.Wait()

		listed := len(reply.Peers) == 1 && reply.Peers[0].ID == "b1"
		if listed {
			assert.Never(t, func() bool { return len(alice.Notifications(models.NotifyNewPeer)) > 0 }, 20*time.Millisecond, tick, "iteration %d", i)
		} else {
			require.Eventually(t, func() bool { return len(alice.Notifications(models.NotifyNewPeer)) == 1 }, waitFor, tick, "iteration %d", i)
		}
	}
}

// closingTransport hands out objects that close before the room attaches
// its event handlers, as when their transport goes away mid-request.
type closingTransport struct {
	engine.Transport
}

func (t closingTransport) Produce(ctx context.Context, opts engine.ProducerOptions) (engine.Producer, error) {
	p, err := t.Transport.Produce(ctx, opts)
	if err == nil {
		p.Close()
	}
	return p, err
}

func (t closingTransport) Consume(ctx context.Context, opts engine.ConsumerOptions) (engine.Consumer, error) {
	c, err := t.Transport.Consume(ctx, opts)
	if err == nil {
		c.Close()
	}
	return c, err
}

func (t closingTransport) ConsumeData(ctx context.Context, opts engine.DataConsumerOptions) (engine.DataConsumer, error) {
	c, err := t.Transport.ConsumeData(ctx, opts)
	if err == nil {
		c.Close()
	}
	return c, err
}

func TestProducerClosedBeforeWatchIsRejected(t *testing.T) {
	r := newTestRoom(t)
	alice := join(t, r, "alice", "Alice")
	s := session(t, r, "alice")
	send, err := s.transport(alice.sendID)
	require.NoError(t, err)
	s.transports.add(closingTransport{Transport: send})

	callErr := alice.callErr(t, models.MethodProduce, models.ProduceRequest{
		TransportID:   alice.sendID,
		Kind:          engine.MediaKindAudio,
		RtpParameters: opusParameters(),
	})
	assert.Equal(t, http.StatusConflict, callErr.Code)
	assert.Zero(t, s.producers.len())
}

func TestConsumerClosedBeforeWatchIsForgotten(t *testing.T) {
	r := newTestRoom(t)
	alice := join(t, r, "alice", "Alice")
	bob := join(t, r, "bob", "Bob")
	bobSession := session(t, r, "bob")
	recv, err := bobSession.transport(bob.recvID)
	require.NoError(t, err)
	bobSession.transports.add(closingTransport{Transport: recv})

	alice.produceAudio(t)
	assert.Never(t, func() bool { return len(bob.Requests(models.MethodNewConsumer)) > 0 }, 100*time.Millisecond, tick)
	assert.Zero(t, bobSession.consumers.len())
}

func TestDataConsumerClosedBeforeWatchIsForgotten(t *testing.T) {
	r := newTestRoom(t)
	alice := connect(t, r, "alice")
	alice.createTransports(t)
	s := session(t, r, "alice")
	recv, err := s.transport(alice.recvID)
	require.NoError(t, err)
	s.transports.add(closingTransport{Transport: recv})

	caps := r.RtpCapabilities()
	alice.call(t, models.MethodJoin, models.JoinRequest{
		DisplayName:      "Alice",
		RtpCapabilities:  &caps,
		SctpCapabilities: sctpCaps,
	})
	assert.Never(t, func() bool { return len(alice.Requests(models.MethodNewDataConsumer)) > 0 }, 100*time.Millisecond, tick)
	assert.Zero(t, s.dataConsumers.len())
}
