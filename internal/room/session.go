package room

import (
	"context"
	"sync"

	"github.com/jiyeyuran/go-protoo"

	"github.com/mossy-p/sfu-signaling/internal/engine"
	"github.com/mossy-p/sfu-signaling/internal/models"
)

// PeerState is the declared state of a connected peer.
type PeerState struct {
	Joined           bool
	DisplayName      string
	Device           models.Device
	RtpCapabilities  *engine.RtpCapabilities
	SctpCapabilities *engine.SctpCapabilities
}

// Session is one connected peer inside a room.
type Session struct {
	id   string
	peer *protoo.Peer

	// ctx ends when the peer disconnects.
	ctx    context.Context
	cancel context.CancelFunc

	// reqMu runs the peer's requests one at a time.
	reqMu sync.Mutex
	// graphMu guards consumer creation for this peer as a receiver.
	graphMu sync.Mutex

	mu    sync.RWMutex
	state PeerState

	media
}

func newSession(id string, transport protoo.Transport) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		id:     id,
		peer:   protoo.NewPeer(id, nil, transport),
		ctx:    ctx,
		cancel: cancel,
	}
}

func (s *Session) ID() string { return s.id }

// State returns a copy of the peer state.
func (s *Session) State() PeerState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

func (s *Session) Joined() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.Joined
}

// Join records the declared peer data and marks the session joined. It
// fails if the session already joined.
func (s *Session) Join(req models.JoinRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state.Joined {
		return errAlreadyJoined
	}
	s.state = PeerState{
		Joined:           true,
		DisplayName:      req.DisplayName,
		Device:           req.Device,
		RtpCapabilities:  req.RtpCapabilities,
		SctpCapabilities: req.SctpCapabilities,
	}
	return nil
}

// SetDisplayName replaces the display name and returns the previous one.
func (s *Session) SetDisplayName(name string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.state.Joined {
		return "", errNotJoined
	}
	old := s.state.DisplayName
	s.state.DisplayName = name
	return old, nil
}

func (s *Session) info() models.PeerInfo {
	st := s.State()
	return models.PeerInfo{ID: s.id, DisplayName: st.DisplayName, Device: st.Device}
}
