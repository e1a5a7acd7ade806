package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mossy-p/sfu-signaling/internal/models"
	"github.com/mossy-p/sfu-signaling/internal/presence"
)

// PresenceStore keeps room presence in Redis:
//
//	room:<id>        JSON RoomMetadata
//	code:<code>      room id
//	room:<id>:peers  set of peer ids
//
// Every key carries the configured TTL, refreshed on write.
type PresenceStore struct {
	client *redis.Client
	ttl    time.Duration
}

var _ presence.Store = (*PresenceStore)(nil)

func NewPresenceStore(client *redis.Client, ttl time.Duration) *PresenceStore {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &PresenceStore{client: client, ttl: ttl}
}

func roomKey(id string) string { return "room:" + id }
func codeKey(code string) string { return "code:" + code }
func peersKey(id string) string { return "room:" + id + ":peers" }

func (s *PresenceStore) SaveRoom(ctx context.Context, meta models.RoomMetadata) error {
	meta.Peers = nil
	meta.PeerCount = 0
	data, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("marshal room: %w", err)
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, roomKey(meta.ID), data, s.ttl)
	if meta.Code != "" {
		pipe.Set(ctx, codeKey(meta.Code), meta.ID, s.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("store room %s: %w", meta.ID, err)
	}
	return nil
}

func (s *PresenceStore) OpenRoom(ctx context.Context, roomID string) error {
	data, err := json.Marshal(models.RoomMetadata{ID: roomID, CreatedAt: time.Now()})
	if err != nil {
		return fmt.Errorf("marshal room: %w", err)
	}
	if err := s.client.SetNX(ctx, roomKey(roomID), data, s.ttl).Err(); err != nil {
		return fmt.Errorf("open room %s: %w", roomID, err)
	}
	return nil
}

func (s *PresenceStore) GetRoom(ctx context.Context, idOrCode string) (models.RoomMetadata, error) {
	var meta models.RoomMetadata

	// Try the code mapping first, then treat the identifier as an id
	roomID := idOrCode
	id, err := s.client.Get(ctx, codeKey(idOrCode)).Result()
	switch {
	case err == nil:
		roomID = id
	case !errors.Is(err, redis.Nil):
		return meta, fmt.Errorf("resolve room code: %w", err)
	}

	data, err := s.client.Get(ctx, roomKey(roomID)).Result()
	if errors.Is(err, redis.Nil) {
		return meta, presence.ErrRoomNotFound
	}
	if err != nil {
		return meta, fmt.Errorf("get room %s: %w", roomID, err)
	}
	if err := json.Unmarshal([]byte(data), &meta); err != nil {
		return meta, fmt.Errorf("failed to parse room data: %w", err)
	}

	peers, err := s.client.SMembers(ctx, peersKey(roomID)).Result()
	if err != nil {
		return meta, fmt.Errorf("get room peers: %w", err)
	}
	sort.Strings(peers)
	meta.Peers = peers
	meta.PeerCount = len(peers)
	return meta, nil
}

func (s *PresenceStore) AddPeer(ctx context.Context, roomID, peerID string) error {
	pipe := s.client.TxPipeline()
	pipe.SAdd(ctx, peersKey(roomID), peerID)
	pipe.Expire(ctx, peersKey(roomID), s.ttl)
	pipe.Expire(ctx, roomKey(roomID), s.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("add peer %s: %w", peerID, err)
	}
	return nil
}

func (s *PresenceStore) RemovePeer(ctx context.Context, roomID, peerID string) error {
	if err := s.client.SRem(ctx, peersKey(roomID), peerID).Err(); err != nil {
		return fmt.Errorf("remove peer %s: %w", peerID, err)
	}
	return nil
}

func (s *PresenceStore) DeleteRoom(ctx context.Context, roomID string) error {
	keys := []string{roomKey(roomID), peersKey(roomID)}

	data, err := s.client.Get(ctx, roomKey(roomID)).Result()
	if err == nil {
		var meta models.RoomMetadata
		if json.Unmarshal([]byte(data), &meta) == nil && meta.Code != "" {
			keys = append(keys, codeKey(meta.Code))
		}
	}

	if err := s.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("delete room %s: %w", roomID, err)
	}
	return nil
}
