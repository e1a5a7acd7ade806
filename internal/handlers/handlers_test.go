package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mossy-p/sfu-signaling/config"
	"github.com/mossy-p/sfu-signaling/internal/engine"
	"github.com/mossy-p/sfu-signaling/internal/engine/local"
	"github.com/mossy-p/sfu-signaling/internal/middleware"
	"github.com/mossy-p/sfu-signaling/internal/models"
	"github.com/mossy-p/sfu-signaling/internal/presence"
	"github.com/mossy-p/sfu-signaling/internal/registry"
	"github.com/mossy-p/sfu-signaling/internal/room"
	"github.com/mossy-p/sfu-signaling/internal/signal"
	"github.com/mossy-p/sfu-signaling/internal/signal/signaltest"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type testEnv struct {
	cfg      *config.Config
	registry *registry.Registry
	presence *presence.MemoryStore
	router   *gin.Engine
}

func newTestEnv(t *testing.T, mutate ...func(*config.Config)) *testEnv {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	cfg := config.Default()
	cfg.AllowedOrigins = []string{"http://allowed.test"}
	cfg.JWTSecret = "secret"
	cfg.Media.WebRtcTransport.ListenInfos = []engine.ListenInfo{{Protocol: "udp", IP: "127.0.0.1"}}
	cfg.Media.PlainTransport.ListenInfo = engine.ListenInfo{Protocol: "udp", IP: "127.0.0.1"}
	cfg.RateLimit.Enabled = false
	for _, fn := range mutate {
		fn(cfg)
	}

	store := presence.NewMemoryStore()
	reg, err := registry.New(registry.Config{
		Logger:  logger,
		Workers: []engine.Worker{local.NewWorker(logger, local.WorkerSettings{})},
		Room: room.Config{
			Logger:          logger,
			Presence:        store,
			MediaCodecs:     engine.DefaultMediaCodecs(),
			WebRtcTransport: cfg.Media.WebRtcTransport,
			PlainTransport:  cfg.Media.PlainTransport,
			RequestTimeout:  time.Second,
		},
	})
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	go reg.Run(ctx)

	limiter := middleware.NewRateLimiter(cfg.RateLimit)
	t.Cleanup(func() {
		reg.Close()
		cancel()
		limiter.Stop()
	})

	h := New(Options{
		Config:      cfg,
		Logger:      logger,
		Registry:    reg,
		Presence:    store,
		RateLimiter: limiter,
	})
	return &testEnv{cfg: cfg, registry: reg, presence: store, router: h.Router()}
}

func (e *testEnv) do(t *testing.T, method, path string, body any, header ...string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

func (e *testEnv) token(t *testing.T, user string) string {
	t.Helper()
	token, err := middleware.IssueToken(e.cfg.JWTSecret, user, time.Hour)
	require.NoError(t, err)
	return "Bearer " + token
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t)
	w := env.do(t, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"ok","rooms":0}`, w.Body.String())
}

func TestSignalingRequiresRoomAndPeer(t *testing.T) {
	env := newTestEnv(t)
	for _, path := range []string{"/ws", "/ws?roomId=r1", "/ws?peerId=p1"} {
		w := env.do(t, http.MethodGet, path, nil)
		assert.Equal(t, http.StatusBadRequest, w.Code, path)
		assert.Contains(t, w.Body.String(), "without roomId and/or peerId")
	}
}

func TestSignalingOverWebSocket(t *testing.T) {
	env := newTestEnv(t)
	srv := httptest.NewServer(env.router)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?roomId=r1&peerId=p1"
	client, err := signaltest.Dial(url)
	require.NoError(t, err)
	assert.Equal(t, signal.Subprotocol, client.Subprotocol())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	data, err := client.Request(ctx, models.MethodGetRouterRtpCapabilities, nil)
	require.NoError(t, err)

	var caps engine.RtpCapabilities
	require.NoError(t, json.Unmarshal(data, &caps))
	assert.NotEmpty(t, caps.Codecs)

	_, ok := env.registry.Get("r1")
	assert.True(t, ok)

	client.Close()
	assert.Eventually(t, func() bool { return env.registry.Len() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestGetRouterRtpCapabilitiesCreatesRoom(t *testing.T) {
	env := newTestEnv(t)
	w := env.do(t, http.MethodGet, "/rooms/r1", nil)
	require.Equal(t, http.StatusOK, w.Code)

	caps := decode[engine.RtpCapabilities](t, w)
	assert.NotEmpty(t, caps.Codecs)
	assert.Equal(t, 1, env.registry.Len())
}

func TestBroadcasterFlow(t *testing.T) {
	env := newTestEnv(t)
	base := "/rooms/r1/broadcasters"

	w := env.do(t, http.MethodPost, base, models.CreateBroadcasterRequest{ID: "b1", DisplayName: "Broadcaster"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.JSONEq(t, `{"peers":[]}`, w.Body.String())

	w = env.do(t, http.MethodPost, base, models.CreateBroadcasterRequest{ID: "b1", DisplayName: "Again"})
	assert.Equal(t, http.StatusConflict, w.Code)

	w = env.do(t, http.MethodPost, base+"/b1/transports", models.CreateBroadcasterTransportRequest{Type: "plain", Comedia: true})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	transport := decode[models.PlainTransportInfo](t, w)
	assert.Equal(t, "127.0.0.1", transport.IP)
	assert.NotZero(t, transport.Port)

	w = env.do(t, http.MethodPost, base+"/b1/transports/"+transport.ID+"/producers", models.CreateBroadcasterProducerRequest{
		Kind: engine.MediaKindAudio,
		RtpParameters: engine.RtpParameters{
			Codecs:    []engine.RtpCodecParameters{{MimeType: "audio/opus", PayloadType: 100, ClockRate: 48000, Channels: 2}},
			Encodings: []engine.RtpEncodingParameters{{Ssrc: 1111}},
		},
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	producer := decode[models.IDResponse](t, w)
	assert.NotEmpty(t, producer.ID)

	w = env.do(t, http.MethodGet, base+"/b1/stats?producerId="+producer.ID, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.NotEmpty(t, decode[[]engine.Stats](t, w))

	w = env.do(t, http.MethodGet, base+"/b1/stats", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = env.do(t, http.MethodPost, base+"/b1/transports/"+transport.ID+"/consume", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = env.do(t, http.MethodPost, base+"/b1/transports/"+transport.ID+"/consume?producerId="+producer.ID, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code, "broadcaster without rtpCapabilities cannot consume")

	w = env.do(t, http.MethodDelete, base+"/b1", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = env.do(t, http.MethodDelete, base+"/b1", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Contains(t, w.Body.String(), `"code":"not_found"`)
}

func TestBroadcasterRejectsInvalidBody(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodPost, "/rooms/r1/broadcasters", map[string]string{"id": "b1"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "invalid_request")

	w = env.do(t, http.MethodPost, "/rooms/r1/broadcasters/missing/transports", models.CreateBroadcasterTransportRequest{Type: "plain"})
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = env.do(t, http.MethodPost, "/rooms/r1/broadcasters", models.CreateBroadcasterRequest{ID: "b1", DisplayName: "B"})
	require.Equal(t, http.StatusOK, w.Code)
	w = env.do(t, http.MethodPost, "/rooms/r1/broadcasters/b1/transports", map[string]string{"type": "sctp"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestRoomDirectory(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodPost, "/api/rooms", models.CreateRoomRequest{MaxPeers: 4})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = env.do(t, http.MethodPost, "/api/rooms", models.CreateRoomRequest{MaxPeers: 4}, "Authorization", env.token(t, "alice"))
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	created := decode[models.CreateRoomResponse](t, w)
	assert.Len(t, created.Code, roomCodeLength)

	w = env.do(t, http.MethodGet, "/api/rooms/"+created.Code, nil)
	require.Equal(t, http.StatusOK, w.Code)
	meta := decode[models.RoomMetadata](t, w)
	assert.Equal(t, created.RoomID, meta.ID)
	assert.Equal(t, "alice", meta.CreatorID)
	assert.Equal(t, 4, meta.MaxPeers)

	// Open the media room so deletion has something to close.
	w = env.do(t, http.MethodGet, "/rooms/"+created.RoomID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	rm, ok := env.registry.Get(created.RoomID)
	require.True(t, ok)

	w = env.do(t, http.MethodDelete, "/api/rooms/"+created.RoomID, nil, "Authorization", env.token(t, "bob"))
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = env.do(t, http.MethodDelete, "/api/rooms/"+created.RoomID, nil, "Authorization", env.token(t, "alice"))
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, rm.Closed())

	w = env.do(t, http.MethodGet, "/api/rooms/"+created.RoomID, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestCreateRoomDefaultsMaxPeers(t *testing.T) {
	env := newTestEnv(t)
	w := env.do(t, http.MethodPost, "/api/rooms", nil, "Authorization", env.token(t, "alice"))
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	created := decode[models.CreateRoomResponse](t, w)

	meta, err := env.presence.GetRoom(context.Background(), created.RoomID)
	require.NoError(t, err)
	assert.Equal(t, defaultMaxPeers, meta.MaxPeers)
}

func TestLogin(t *testing.T) {
	tests := []struct {
		name        string
		adminPass   string
		environment string
		password    string
		status      int
	}{
		{name: "correct password", adminPass: "hunter2", password: "hunter2", status: http.StatusOK},
		{name: "wrong password", adminPass: "hunter2", password: "nope", status: http.StatusUnauthorized},
		{name: "no password configured in development", environment: "development", password: "any", status: http.StatusOK},
		{name: "no password configured in production", environment: "production", password: "any", status: http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, func(c *config.Config) {
				c.AdminPassword = tt.adminPass
				if tt.environment != "" {
					c.Environment = tt.environment
				}
			})
			w := env.do(t, http.MethodPost, "/api/auth/login", LoginRequest{Username: "admin", Password: tt.password})
			require.Equal(t, tt.status, w.Code, w.Body.String())
			if tt.status != http.StatusOK {
				return
			}

			resp := decode[LoginResponse](t, w)
			assert.Equal(t, "admin", resp.UserID)
			w = env.do(t, http.MethodPost, "/api/rooms", nil, "Authorization", "Bearer "+resp.Token)
			assert.Equal(t, http.StatusCreated, w.Code)
		})
	}
}

func TestOriginFilter(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodGet, "/health", nil, "Origin", "http://evil.test")
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = env.do(t, http.MethodGet, "/health", nil, "Origin", "http://allowed.test")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "http://allowed.test", w.Header().Get("Access-Control-Allow-Origin"))

	w = env.do(t, http.MethodOptions, "/api/rooms", nil, "Origin", "http://allowed.test")
	assert.Equal(t, http.StatusNoContent, w.Code)
}

func TestOriginFilterWildcard(t *testing.T) {
	env := newTestEnv(t, func(c *config.Config) { c.AllowedOrigins = []string{"*"} })
	w := env.do(t, http.MethodGet, "/health", nil, "Origin", "http://anything.test")
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestRateLimitedAPI(t *testing.T) {
	env := newTestEnv(t, func(c *config.Config) {
		c.RateLimit = config.RateLimitConfig{Enabled: true, RequestsPerMin: 1, BurstSize: 1}
	})

	w := env.do(t, http.MethodGet, "/api/rooms/nope", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	w = env.do(t, http.MethodGet, "/api/rooms/nope", nil)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)

	// Health and metrics are not limited.
	w = env.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}
