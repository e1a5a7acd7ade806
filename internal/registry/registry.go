// Package registry keeps one live room per room id.
package registry

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/mossy-p/sfu-signaling/internal/engine"
	"github.com/mossy-p/sfu-signaling/internal/room"
)

var (
	ErrClosed    = errors.New("registry closed")
	ErrNoWorkers = errors.New("no live media worker available")
)

// NewRoomFunc builds a room on the given worker.
type NewRoomFunc func(ctx context.Context, id string, worker engine.Worker, cfg room.Config) (*room.Room, error)

type Config struct {
	Logger  *slog.Logger
	Workers []engine.Worker
	Room    room.Config

	// StatusInterval is how often every room logs its status. Zero disables it.
	StatusInterval time.Duration

	// NewRoom defaults to room.New.
	NewRoom NewRoomFunc
}

type task struct {
	ctx    context.Context
	roomID string
	result chan result
}

type result struct {
	room *room.Room
	err  error
}

// Registry maps room ids to rooms. Lookups and creations are queued and
// executed one at a time by Run, so concurrent connections for a new room id
// all end up in the same room.
type Registry struct {
	logger         *slog.Logger
	workers        []engine.Worker
	roomCfg        room.Config
	newRoom        NewRoomFunc
	statusInterval time.Duration

	tasks chan task
	done  chan struct{}
	next  int

	mu    sync.RWMutex
	rooms map[string]*room.Room
}

func New(cfg Config) (*Registry, error) {
	if len(cfg.Workers) == 0 {
		return nil, ErrNoWorkers
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.NewRoom == nil {
		cfg.NewRoom = room.New
	}
	if cfg.Room.Logger == nil {
		cfg.Room.Logger = cfg.Logger
	}

	return &Registry{
		logger:         cfg.Logger.With("component", "registry"),
		workers:        cfg.Workers,
		roomCfg:        cfg.Room,
		newRoom:        cfg.NewRoom,
		statusInterval: cfg.StatusInterval,
		tasks:          make(chan task, 64),
		done:           make(chan struct{}),
		rooms:          make(map[string]*room.Room),
	}, nil
}

// Run drains the task queue until ctx is cancelled. It must be running for
// GetOrCreate to make progress.
func (r *Registry) Run(ctx context.Context) {
	defer close(r.done)

	var tick <-chan time.Time
	if r.statusInterval > 0 {
		ticker := time.NewTicker(r.statusInterval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			return
		case t := <-r.tasks:
			rm, err := r.getOrCreate(t.ctx, t.roomID)
			t.result <- result{room: rm, err: err}
		case <-tick:
			for _, rm := range r.List() {
				rm.LogStatus(ctx)
			}
		}
	}
}

// GetOrCreate returns the live room for roomID, creating it if needed.
func (r *Registry) GetOrCreate(ctx context.Context, roomID string) (*room.Room, error) {
	t := task{ctx: ctx, roomID: roomID, result: make(chan result, 1)}

	select {
	case r.tasks <- t:
	case <-r.done:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	select {
	case res := <-t.result:
		return res.room, res.err
	case <-r.done:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (r *Registry) getOrCreate(ctx context.Context, roomID string) (*room.Room, error) {
	if rm, ok := r.Get(roomID); ok {
		return rm, nil
	}

	worker, err := r.pickWorker()
	if err != nil {
		return nil, err
	}

	r.logger.Info("creating a new room", "roomId", roomID, "workerPid", worker.PID())
	rm, err := r.newRoom(ctx, roomID, worker, r.roomCfg)
	if err != nil {
		r.logger.Error("failed to create room", "roomId", roomID, "error", err)
		return nil, err
	}

	r.mu.Lock()
	r.rooms[roomID] = rm
	r.mu.Unlock()

	rm.OnClose(func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		if r.rooms[roomID] == rm {
			delete(r.rooms, roomID)
		}
	})
	return rm, nil
}

// pickWorker returns the next live worker in round-robin order.
func (r *Registry) pickWorker() (engine.Worker, error) {
	for range r.workers {
		w := r.workers[r.next%len(r.workers)]
		r.next++
		if !w.Closed() {
			return w, nil
		}
	}
	return nil, ErrNoWorkers
}

// Get returns the room for roomID if it is open. A closed room still in
// the map is treated as absent and will be replaced on the next creation.
func (r *Registry) Get(roomID string) (*room.Room, bool) {
	r.mu.RLock()
	rm, ok := r.rooms[roomID]
	r.mu.RUnlock()
	if !ok || rm.Closed() {
		return nil, false
	}
	return rm, true
}

func (r *Registry) List() []*room.Room {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*room.Room, 0, len(r.rooms))
	for _, rm := range r.rooms {
		out = append(out, rm)
	}
	return out
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms)
}

// Close closes every room.
func (r *Registry) Close() {
	for _, rm := range r.List() {
		rm.Close()
	}
}
