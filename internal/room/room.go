// Package room coordinates one media room: the peers connected to it, the
// broadcasters publishing into it and the consumer graph between them.
package room

import (
	"context"
	"crypto/subtle"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jiyeyuran/go-protoo"

	"github.com/mossy-p/sfu-signaling/config"
	"github.com/mossy-p/sfu-signaling/internal/engine"
	"github.com/mossy-p/sfu-signaling/internal/metrics"
	"github.com/mossy-p/sfu-signaling/internal/models"
	"github.com/mossy-p/sfu-signaling/internal/presence"
	"github.com/mossy-p/sfu-signaling/internal/signal"
	"github.com/mossy-p/sfu-signaling/internal/throttle"
)

// Config carries the dependencies and settings shared by every room.
type Config struct {
	Logger    *slog.Logger
	Metrics   metrics.Collector
	Presence  presence.Store
	Throttler throttle.Throttler

	MediaCodecs     []engine.RtpCodecCapability
	WebRtcTransport config.WebRtcTransportConfig
	PlainTransport  config.PlainTransportConfig

	// RequestTimeout bounds server-to-peer requests such as newConsumer.
	RequestTimeout time.Duration
	// ThrottleSecret must be presented to apply or reset network throttling.
	// Throttling is refused while it is empty.
	ThrottleSecret string
}

func (c *Config) setDefaults() {
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Metrics == nil {
		c.Metrics = metrics.Nop{}
	}
	if c.Presence == nil {
		c.Presence = presence.NewMemoryStore()
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 20 * time.Second
	}
}

// Room owns a router and every session connected to it.
type Room struct {
	id        string
	cfg       Config
	logger    *slog.Logger
	createdAt time.Time

	router   engine.Router
	observer engine.AudioLevelObserver
	bot      *Bot

	mu           sync.RWMutex
	sessions     map[string]*Session
	broadcasters map[string]*Broadcaster
	closed       bool
	onClose      []func()

	throttleMu sync.Mutex
	throttled  bool

	closeOnce sync.Once
}

// New creates a room with its own router on worker.
func New(ctx context.Context, id string, worker engine.Worker, cfg Config) (*Room, error) {
	cfg.setDefaults()
	logger := cfg.Logger.With("roomId", id)

	router, err := worker.CreateRouter(ctx, engine.RouterOptions{
		MediaCodecs: cfg.MediaCodecs,
		AppData:     engine.AppData{"roomId": id},
	})
	if err != nil {
		return nil, fmt.Errorf("create router: %w", err)
	}

	observer, err := router.CreateAudioLevelObserver(ctx, engine.AudioLevelObserverOptions{
		MaxEntries: 1,
		Threshold:  -80,
		IntervalMs: 800,
	})
	if err != nil {
		router.Close()
		return nil, fmt.Errorf("create audio level observer: %w", err)
	}

	bot, err := newBot(ctx, router, logger)
	if err != nil {
		router.Close()
		return nil, fmt.Errorf("create bot: %w", err)
	}

	r := &Room{
		id:           id,
		cfg:          cfg,
		logger:       logger,
		createdAt:    time.Now(),
		router:       router,
		observer:     observer,
		bot:          bot,
		sessions:     make(map[string]*Session),
		broadcasters: make(map[string]*Broadcaster),
	}
	observer.On(r.handleAudioLevels)

	if err := cfg.Presence.OpenRoom(ctx, id); err != nil {
		logger.Warn("failed to record room presence", "error", err)
	}
	cfg.Metrics.RoomOpened()
	logger.Info("room created", "workerPid", worker.PID(), "routerId", router.ID())
	return r, nil
}

func (r *Room) ID() string { return r.id }

// RtpCapabilities returns the router capabilities clients negotiate against.
func (r *Room) RtpCapabilities() engine.RtpCapabilities {
	return r.router.RtpCapabilities()
}

func (r *Room) Closed() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.closed
}

// OnClose registers fn to run once the room has closed.
func (r *Room) OnClose(fn func()) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		fn()
		return
	}
	r.onClose = append(r.onClose, fn)
	r.mu.Unlock()
}

// PeerCount returns the number of connected sessions.
func (r *Room) PeerCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// HandleConnection admits a peer over transport. A session already
// connected with the same id is closed and replaced. On ErrRoomClosed the
// transport is left untouched so the caller can retry on a fresh room.
func (r *Room) HandleConnection(peerID string, transport protoo.Transport) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrRoomClosed
	}
	s := newSession(peerID, transport)
	old := r.sessions[peerID]
	r.sessions[peerID] = s
	r.mu.Unlock()

	if old != nil {
		r.logger.Info("closing existing session for reconnecting peer", "peerId", peerID)
		old.peer.Close()
	}

	r.cfg.Metrics.PeerConnected()
	if err := r.cfg.Presence.AddPeer(context.Background(), r.id, peerID); err != nil {
		r.logger.Warn("failed to record peer presence", "peerId", peerID, "error", err)
	}
	r.logger.Info("peer connected", "peerId", peerID)

	s.peer.On("close", func() { r.handleDisconnect(s) })
	signal.Serve(s.peer, r.logger.With("peerId", peerID), func(req *signal.Request) {
		r.handleRequest(s.ctx, s, req)
	})
	return nil
}

func (r *Room) handleDisconnect(s *Session) {
	s.cancel()

	r.mu.Lock()
	current := r.sessions[s.id] == s
	if current {
		delete(r.sessions, s.id)
	}
	closeRoom := current && len(r.sessions) == 0 && !r.closed
	if closeRoom {
		r.closed = true
	}
	r.mu.Unlock()

	r.logger.Info("peer disconnected", "peerId", s.id, "superseded", !current)
	r.cfg.Metrics.PeerDisconnected()

	if s.Joined() {
		for _, other := range r.joinedSessions(s) {
			r.notify(other, models.NotifyPeerClosed, models.PeerClosedNotification{PeerID: s.id})
		}
	}
	s.closeTransports()

	if current {
		if err := r.cfg.Presence.RemovePeer(context.Background(), r.id, s.id); err != nil {
			r.logger.Warn("failed to remove peer presence", "peerId", s.id, "error", err)
		}
	}
	if closeRoom {
		r.logger.Info("last peer left, closing room")
		r.Close()
	}
}

// Close disconnects every peer and releases the router. It is safe to call
// more than once.
func (r *Room) Close() {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	r.closeOnce.Do(r.close)
}

func (r *Room) close() {
	r.logger.Info("closing room")

	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	broadcasters := make([]*Broadcaster, 0, len(r.broadcasters))
	for _, b := range r.broadcasters {
		broadcasters = append(broadcasters, b)
	}
	r.sessions = make(map[string]*Session)
	r.broadcasters = make(map[string]*Broadcaster)
	handlers := r.onClose
	r.onClose = nil
	r.mu.Unlock()

	for _, s := range sessions {
		s.peer.Close()
	}
	for _, b := range broadcasters {
		b.closeTransports()
	}

	r.throttleMu.Lock()
	if r.throttled && r.cfg.Throttler != nil {
		if err := r.cfg.Throttler.Stop(context.Background()); err != nil {
			r.logger.Warn("failed to stop network throttle", "error", err)
		}
		r.throttled = false
	}
	r.throttleMu.Unlock()

	r.bot.Close()
	r.observer.Close()
	r.router.Close()

	if err := r.cfg.Presence.DeleteRoom(context.Background(), r.id); err != nil {
		r.logger.Warn("failed to delete room presence", "error", err)
	}
	r.cfg.Metrics.RoomClosed()

	for _, fn := range handlers {
		fn()
	}
}

// LogStatus logs a snapshot of the room.
func (r *Room) LogStatus(ctx context.Context) {
	r.mu.RLock()
	peers := len(r.sessions)
	broadcasters := len(r.broadcasters)
	r.mu.RUnlock()

	attrs := []any{
		"peers", peers,
		"broadcasters", broadcasters,
		"uptime", time.Since(r.createdAt).Round(time.Second).String(),
	}
	if dump, err := r.router.Dump(ctx); err == nil {
		attrs = append(attrs, "transports", len(dump.TransportIDs))
	}
	r.logger.Info("room status", attrs...)
}

func (r *Room) session(peerID string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[peerID]
	return s, ok
}

// joinedSessions returns every joined session except those with the id of
// exclude.
func (r *Room) joinedSessions(exclude *Session) []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.joinedSessionsLocked(exclude)
}

// joinedSessionsLocked is joinedSessions for callers holding r.mu.
func (r *Room) joinedSessionsLocked(exclude *Session) []*Session {
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		if exclude != nil && s.id == exclude.id {
			continue
		}
		if s.Joined() {
			out = append(out, s)
		}
	}
	return out
}

// request sends a request to s and waits for the answer, bounded by
// RequestTimeout and the session's lifetime.
func (r *Room) request(s *Session, method string, data any) error {
	ctx, cancel := context.WithTimeout(s.ctx, r.cfg.RequestTimeout)
	defer cancel()
	return signal.Call(ctx, s.peer, method, data)
}

// notify sends a best-effort notification to s. Sessions whose peer has
// disconnected are skipped.
func (r *Room) notify(s *Session, method string, data any) {
	if s.ctx.Err() != nil {
		r.logger.Debug("notification dropped for disconnected peer", "peerId", s.id, "method", method)
		return
	}
	s.peer.Notify(method, data)
}

func (r *Room) checkThrottleSecret(secret string) bool {
	if r.cfg.ThrottleSecret == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(secret), []byte(r.cfg.ThrottleSecret)) == 1
}
