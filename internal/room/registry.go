package room

import (
	"errors"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/scribesync/scribesync/internal/metrics"
)

var ErrRegistryClosed = errors.New("registry closed")

// Registry maps room ids to live rooms, creating them lazily. The id →
// instance table is the only state shared across rooms.
type Registry struct {
	opts Options
	log  zerolog.Logger
	m    *metrics.Metrics

	mu     sync.Mutex
	rooms  map[string]*Room
	closed bool
}

func NewRegistry(opts Options, log zerolog.Logger, m *metrics.Metrics) *Registry {
	if m == nil {
		m = metrics.New(nil)
	}
	return &Registry{
		opts:  opts.withDefaults(),
		log:   log,
		m:     m,
		rooms: make(map[string]*Room),
	}
}

// Route admits conn into the room for id. A room that disposed between
// lookup and admission is recreated with fresh state and retried.
func (g *Registry) Route(id string, conn *websocket.Conn) error {
	for {
		rm, err := g.room(id)
		if err != nil {
			return err
		}
		if err := rm.Admit(conn); !errors.Is(err, ErrDisposed) {
			return err
		}
	}
}

func (g *Registry) room(id string) (*Room, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return nil, ErrRegistryClosed
	}
	rm, ok := g.rooms[id]
	if !ok {
		rm = newRoom(id, g.opts, g.log, g.m, func() { g.evict(id, rm) })
		g.rooms[id] = rm
		g.log.Debug().Str("room", id).Msg("room created")
	}
	return rm, nil
}

// evict drops id → rm, unless a fresh instance already replaced it.
func (g *Registry) evict(id string, rm *Room) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if current, ok := g.rooms[id]; ok && current == rm {
		delete(g.rooms, id)
	}
}

// Len reports the number of live rooms.
func (g *Registry) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.rooms)
}

// Shutdown stops every room and refuses further routing.
func (g *Registry) Shutdown() {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return
	}
	g.closed = true
	rooms := make([]*Room, 0, len(g.rooms))
	for _, rm := range g.rooms {
		rooms = append(rooms, rm)
	}
	g.rooms = make(map[string]*Room)
	g.mu.Unlock()

	// Stop outside the lock: disposing rooms call back into evict.
	for _, rm := range rooms {
		rm.Stop()
	}
}
