// Package presence tracks which rooms are live and who is in them, for
// lookup by the HTTP API.
package presence

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/mossy-p/sfu-signaling/internal/models"
)

// ErrRoomNotFound is returned when no record exists for a room id or code.
var ErrRoomNotFound = errors.New("presence: room not found")

// Store is a room presence directory.
type Store interface {
	// SaveRoom writes meta, replacing any existing record.
	SaveRoom(ctx context.Context, meta models.RoomMetadata) error
	// OpenRoom records roomID as live unless a record already exists.
	OpenRoom(ctx context.Context, roomID string) error
	// GetRoom resolves a room by id or short code and fills in its peers.
	GetRoom(ctx context.Context, idOrCode string) (models.RoomMetadata, error)
	AddPeer(ctx context.Context, roomID, peerID string) error
	RemovePeer(ctx context.Context, roomID, peerID string) error
	DeleteRoom(ctx context.Context, roomID string) error
}

// MemoryStore is a Store kept in process memory. Records do not expire.
type MemoryStore struct {
	mu    sync.RWMutex
	rooms map[string]models.RoomMetadata
	codes map[string]string
	peers map[string]map[string]struct{}
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		rooms: make(map[string]models.RoomMetadata),
		codes: make(map[string]string),
		peers: make(map[string]map[string]struct{}),
	}
}

func (s *MemoryStore) SaveRoom(ctx context.Context, meta models.RoomMetadata) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.rooms[meta.ID] = meta
	if meta.Code != "" {
		s.codes[meta.Code] = meta.ID
	}
	return nil
}

func (s *MemoryStore) OpenRoom(ctx context.Context, roomID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.rooms[roomID]; !ok {
		s.rooms[roomID] = models.RoomMetadata{ID: roomID, CreatedAt: time.Now()}
	}
	return nil
}

func (s *MemoryStore) GetRoom(ctx context.Context, idOrCode string) (models.RoomMetadata, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	roomID := idOrCode
	if id, ok := s.codes[idOrCode]; ok {
		roomID = id
	}
	meta, ok := s.rooms[roomID]
	if !ok {
		return models.RoomMetadata{}, ErrRoomNotFound
	}
	meta.Peers = make([]string, 0, len(s.peers[roomID]))
	for id := range s.peers[roomID] {
		meta.Peers = append(meta.Peers, id)
	}
	sort.Strings(meta.Peers)
	meta.PeerCount = len(meta.Peers)
	return meta, nil
}

func (s *MemoryStore) AddPeer(ctx context.Context, roomID, peerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	set, ok := s.peers[roomID]
	if !ok {
		set = make(map[string]struct{})
		s.peers[roomID] = set
	}
	set[peerID] = struct{}{}
	return nil
}

func (s *MemoryStore) RemovePeer(ctx context.Context, roomID, peerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.peers[roomID], peerID)
	return nil
}

func (s *MemoryStore) DeleteRoom(ctx context.Context, roomID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if meta, ok := s.rooms[roomID]; ok && meta.Code != "" {
		delete(s.codes, meta.Code)
	}
	delete(s.rooms, roomID)
	delete(s.peers, roomID)
	return nil
}
