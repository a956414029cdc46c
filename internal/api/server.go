package api

import (
	"log"
	"net/http"
	"sync"
	"time"

	"arena/internal/config"
	"arena/internal/events"
	"arena/internal/game"
	"arena/internal/protocol"

	"github.com/go-chi/chi/v5"
)

// Server is the authoritative game server: the tick loop, the simulation
// core, the WebSocket hub and the HTTP router.
//
// IMPORTANT: Background workers do NOT start until Start() is called.
// This enables testing by allowing the server to be constructed without
// starting goroutines or opening network listeners.
type Server struct {
	cfg config.AppConfig
	bus *events.Bus

	ticker    *game.Ticker
	processor *game.TickProcessor
	antiCheat *game.AntiCheat
	spawns    *game.SpawnSystem
	match     *game.MatchMachine
	hub       *Hub
	router    *chi.Mux

	rateLimiter *IPRateLimiter

	// simMu serializes hub goroutine calls with the tick loop; the
	// simulation itself is single-owner.
	simMu          sync.Mutex
	latestSnapshot []byte
	pendingJoins   []uint16
	pendingLeaves  []uint16
	stopTick       func()
}

// NewServer wires the complete server. The world is the parsed arena
// manifest.
func NewServer(cfg config.AppConfig, world *game.World, bus *events.Bus) (*Server, error) {
	combat := game.NewCombatSystem(cfg.Combat, world, bus)
	antiCheat := game.NewAntiCheat(cfg.AntiCheat, world.MaxSpeed(), bus)
	spawns, err := game.NewSpawnSystem(world.SpawnPoints(), bus)
	if err != nil {
		return nil, err
	}
	match := game.NewMatchMachine(cfg.Match, bus)
	lagComp := game.NewLagCompensation(cfg.LagComp)
	processor := game.NewTickProcessor(world, combat, antiCheat, spawns, match, lagComp, bus)

	s := &Server{
		cfg:         cfg,
		bus:         bus,
		ticker:      game.NewTicker(cfg.Sim, bus),
		processor:   processor,
		antiCheat:   antiCheat,
		spawns:      spawns,
		match:       match,
		hub:         NewHub(cfg.Server, cfg.Net, cfg.Match, bus),
		rateLimiter: NewIPRateLimiter(DefaultRateLimitConfig),
	}
	s.hub.SetGateway(s)
	s.router = NewRouter(RouterConfig{
		Hub:         s.hub,
		State:       s.stateSummary,
		RateLimiter: s.rateLimiter,
	})

	// Anti-cheat kicks close the offender's session.
	bus.Subscribe(events.TypeViolationDetected, func(events.Event) { RecordViolation() })
	bus.Subscribe(events.TypePlayerKicked, func(ev events.Event) {
		if p, ok := ev.Payload.(events.KickPayload); ok {
			// Async: the kick event fires mid-tick, and teardown re-enters
			// the simulation gateway.
			go s.hub.Kick(p.PlayerID, p.Reason)
		}
	})

	return s, nil
}

// Router returns the HTTP handler for use with httptest.
func (s *Server) Router() http.Handler { return s.router }

// Hub returns the WebSocket hub, for tests.
func (s *Server) Hub() *Hub { return s.hub }

// Start begins the tick loop and serves HTTP. Blocks until the listener
// fails.
func (s *Server) Start(addr string) error {
	s.stopTick = s.ticker.OnTick(s.onTick)
	s.ticker.Start()

	s.bus.Publish(events.Event{Type: events.TypeSystemsReady, Timestamp: serverNowMs()})
	log.Printf("🌐 Arena server starting on %s (tick rate %d)", addr, s.cfg.Sim.TickRate)
	return http.ListenAndServe(addr, s.router)
}

// Stop performs graceful shutdown of background workers.
func (s *Server) Stop() {
	if s.stopTick != nil {
		s.stopTick()
	}
	s.ticker.Stop()
	s.hub.CloseAll()
	s.rateLimiter.Stop()
}

// onTick runs one simulation tick: fold in joins/leaves, process, then
// broadcast the snapshot and per-player acks.
func (s *Server) onTick(tickNumber uint32, dt float64, now float64) {
	start := time.Now()

	// The whole simulation step runs under simMu: the hub's QueueInput and
	// join/leave calls land between ticks, never inside one.
	s.simMu.Lock()
	joins := s.pendingJoins
	leaves := s.pendingLeaves
	s.pendingJoins = nil
	s.pendingLeaves = nil

	for _, id := range joins {
		spawn := s.spawns.SelectSpawn(id, s.otherPositionsLocked(id), now)
		s.processor.AddPlayer(id, spawn.Position, now)
	}
	for _, id := range leaves {
		s.processor.RemovePlayer(id, now)
	}

	snap := s.processor.ProcessTick(tickNumber, dt, now)
	encoded := protocol.EncodeSnapshot(snap)
	s.latestSnapshot = encoded

	acks := make(map[uint16]uint32, len(snap.Players))
	for _, p := range snap.Players {
		if st, ok := s.processor.PlayerState(p.EntityID); ok {
			acks[p.EntityID] = st.LastProcessedSequence
		}
	}
	s.simMu.Unlock()

	s.hub.Broadcast(encoded)
	for id, seq := range acks {
		s.hub.SendTo(id, protocol.EncodeInputAck(seq))
	}

	UpdatePlayerCount(len(snap.Players))
	RecordTick(time.Since(start))
}

// otherPositionsLocked lists the other players' positions. Caller holds
// simMu.
func (s *Server) otherPositionsLocked(exclude uint16) []game.Vec3 {
	var out []game.Vec3
	for _, id := range s.hub.SessionIDs() {
		if id == exclude {
			continue
		}
		if st, ok := s.processor.PlayerState(id); ok {
			out = append(out, st.Physics.Position)
		}
	}
	return out
}

// SimGateway implementation. Joins and leaves are deferred to the next tick
// so all simulation mutation happens on the tick loop.

// PlayerJoined queues a join for the next tick.
func (s *Server) PlayerJoined(id uint16) {
	s.simMu.Lock()
	defer s.simMu.Unlock()
	s.pendingJoins = append(s.pendingJoins, id)
}

// PlayerLeft queues a leave for the next tick.
func (s *Server) PlayerLeft(id uint16) {
	s.simMu.Lock()
	defer s.simMu.Unlock()
	s.pendingLeaves = append(s.pendingLeaves, id)
}

// QueueInput forwards a decoded input to the simulation.
func (s *Server) QueueInput(id uint16, input game.InputPacket) {
	s.simMu.Lock()
	defer s.simMu.Unlock()
	s.processor.QueueInput(id, input)
}

// LatestSnapshot returns the last encoded snapshot, or nil before the first
// tick.
func (s *Server) LatestSnapshot() []byte {
	s.simMu.Lock()
	defer s.simMu.Unlock()
	return s.latestSnapshot
}

// ServerNowMs returns the server clock in milliseconds.
func (s *Server) ServerNowMs() float64 { return serverNowMs() }

// stateSummary builds the /api/state JSON: a spectator-friendly summary,
// not the binary snapshot.
func (s *Server) stateSummary() map[string]any {
	s.simMu.Lock()
	defer s.simMu.Unlock()

	players := make([]map[string]any, 0, 2)
	for _, id := range s.hub.SessionIDs() {
		st, ok := s.processor.PlayerState(id)
		if !ok {
			continue
		}
		players = append(players, map[string]any{
			"id":       id,
			"position": st.Physics.Position,
		})
	}

	return map[string]any{
		"players":    players,
		"matchState": s.match.State().String(),
		"scores":     s.match.Scores(),
	}
}

func serverNowMs() float64 {
	return float64(time.Now().UnixNano()) / 1e6
}
