package api

import (
	"errors"
	"log"
	"net"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"arena/internal/config"
	"arena/internal/events"
	"arena/internal/game"
	"arena/internal/protocol"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Binary game clients are not browsers; origin-less upgrades are
		// fine, and browser clients may come from any dev origin.
		return true
	},
}

// playerSession is one connected client on the server side.
type playerSession struct {
	conn     *websocket.Conn
	playerID uint16
	ip       string
	limiter  *rate.Limiter
	send     chan []byte
	closed   sync.Once
}

func (ps *playerSession) close() {
	ps.closed.Do(func() {
		close(ps.send)
		ps.conn.Close()
	})
}

// Hub owns all player sessions: id assignment, inbound frame decoding into
// the simulation, and outbound snapshot fan-out. Slow consumers are dropped,
// never blocked on.
type Hub struct {
	serverCfg config.ServerConfig
	netCfg    config.NetConfig
	matchCfg  config.MatchConfig
	bus       *events.Bus

	mu       sync.Mutex
	sessions map[uint16]*playerSession
	perIP    map[string]int

	// Sim delivers decoded traffic to the simulation loop. All calls happen
	// on hub goroutines; the Server serializes them onto the tick loop.
	sim SimGateway

	nowMs func() float64
}

// SimGateway is the hub's view of the simulation: everything it needs to
// admit players and feed them input.
type SimGateway interface {
	PlayerJoined(id uint16)
	PlayerLeft(id uint16)
	QueueInput(id uint16, input game.InputPacket)
	LatestSnapshot() []byte
	ServerNowMs() float64
}

// NewHub creates a hub. The gateway is attached later because the engine
// and hub reference each other.
func NewHub(serverCfg config.ServerConfig, netCfg config.NetConfig, matchCfg config.MatchConfig, bus *events.Bus) *Hub {
	return &Hub{
		serverCfg: serverCfg,
		netCfg:    netCfg,
		matchCfg:  matchCfg,
		bus:       bus,
		sessions:  make(map[uint16]*playerSession),
		perIP:     make(map[string]int),
		nowMs: func() float64 {
			return float64(time.Now().UnixNano()) / 1e6
		},
	}
}

// SetGateway attaches the simulation gateway. Must be called before serving.
func (h *Hub) SetGateway(sim SimGateway) { h.sim = sim }

// SessionCount returns the number of live sessions.
func (h *Hub) SessionCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.sessions)
}

// SessionIDs returns the live player ids, ascending.
func (h *Hub) SessionIDs() []uint16 {
	h.mu.Lock()
	defer h.mu.Unlock()
	ids := make([]uint16, 0, len(h.sessions))
	for id := range h.sessions {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// HandleWebSocket upgrades one connection into a player session.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	ip := GetClientIP(r)

	h.mu.Lock()
	if h.perIP[ip] >= h.serverCfg.MaxConnsPerIP {
		h.mu.Unlock()
		log.Printf("⚠️ Connection rejected from %s: per-IP limit reached", ip)
		RecordConnectionRejected("ip_limit")
		http.Error(w, "Too many connections from your IP", http.StatusTooManyRequests)
		return
	}
	id, ok := h.assignIDLocked()
	if !ok {
		h.mu.Unlock()
		log.Printf("⚠️ Connection rejected from %s: match full", ip)
		RecordConnectionRejected("match_full")
		http.Error(w, "Match full", http.StatusServiceUnavailable)
		return
	}
	h.perIP[ip]++
	h.mu.Unlock()

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("WebSocket upgrade error: %v", err)
		h.mu.Lock()
		h.perIP[ip]--
		h.mu.Unlock()
		return
	}

	session := &playerSession{
		conn:     conn,
		playerID: id,
		ip:       ip,
		limiter:  rate.NewLimiter(rate.Limit(h.serverCfg.InboundFrameRate), h.serverCfg.InboundFrameBurst),
		send:     make(chan []byte, 64),
	}

	h.mu.Lock()
	h.sessions[id] = session
	count := len(h.sessions)
	h.mu.Unlock()

	log.Printf("📱 Player %d connected from %s (%d total)", id, ip, count)
	UpdateWSConnections(count)
	h.sim.PlayerJoined(id)
	h.bus.Publish(events.Event{
		Type:      events.TypePlayerConnected,
		Timestamp: h.nowMs(),
		Payload:   events.PlayerConnPayload{PlayerID: id},
	})

	go h.writePump(session)
	go h.readPump(session)

	// Tell the client which entity it is.
	h.trySend(session, protocol.EncodePlayerEvent(protocol.PlayerEventWelcome, id))
}

// assignIDLocked hands out the lowest free entity id, bounded by the match's
// required player count (1v1: ids 1 and 2).
func (h *Hub) assignIDLocked() (uint16, bool) {
	for id := uint16(1); int(id) <= h.matchCfg.RequiredPlayers; id++ {
		if _, taken := h.sessions[id]; !taken {
			return id, true
		}
	}
	return 0, false
}

// readPump decodes inbound frames until the connection dies. Any inbound
// traffic refreshes the keepalive deadline; a missed deadline drops the
// session with reason "timeout".
func (h *Hub) readPump(session *playerSession) {
	reason := "read closed"
	defer func() { h.dropSession(session, reason) }()

	timeout := time.Duration(h.netCfg.KeepaliveTimeoutMs) * time.Millisecond
	session.conn.SetReadDeadline(time.Now().Add(timeout))

	for {
		msgType, frame, err := session.conn.ReadMessage()
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				reason = "timeout"
			}
			return
		}
		session.conn.SetReadDeadline(time.Now().Add(timeout))

		if msgType != websocket.BinaryMessage || len(frame) == 0 {
			continue
		}
		if !session.limiter.Allow() {
			RecordInputDropped()
			continue
		}

		h.handleFrame(session, frame)
	}
}

// handleFrame dispatches one inbound frame by type.
func (h *Hub) handleFrame(session *playerSession, frame []byte) {
	switch frame[0] {
	case protocol.MsgInput:
		input, err := protocol.DecodeInput(frame)
		if err != nil {
			RecordInputDropped()
			return
		}
		RecordInputProcessed()
		h.sim.QueueInput(session.playerID, input)

	case protocol.MsgClockSyncRequest:
		clientTime, err := protocol.DecodeClockSyncRequest(frame)
		if err != nil {
			return
		}
		h.trySend(session, protocol.EncodeClockSyncResponse(clientTime, h.sim.ServerNowMs()))

	case protocol.MsgFullStateRequest:
		if snap := h.sim.LatestSnapshot(); snap != nil {
			h.trySend(session, snap)
		}

	case protocol.MsgKeepalive:
		// Deadline already refreshed above.

	default:
		// Unknown types are ignored; the protocol reserves them.
	}
}

// writePump drains the session's send queue.
func (h *Hub) writePump(session *playerSession) {
	for frame := range session.send {
		if err := session.conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
			return
		}
	}
}

// trySend enqueues a frame, dropping it if the session is backed up.
func (h *Hub) trySend(session *playerSession, frame []byte) bool {
	defer func() { recover() }() // session torn down concurrently
	select {
	case session.send <- frame:
		return true
	default:
		return false
	}
}

// Broadcast fans a frame out to every live session.
func (h *Hub) Broadcast(frame []byte) {
	h.mu.Lock()
	sessions := make([]*playerSession, 0, len(h.sessions))
	for _, s := range h.sessions {
		sessions = append(sessions, s)
	}
	h.mu.Unlock()

	for _, s := range sessions {
		h.trySend(s, frame)
	}
	RecordSnapshotBytes(len(frame) * len(sessions))
}

// SendTo delivers a frame to one player, if connected.
func (h *Hub) SendTo(id uint16, frame []byte) bool {
	h.mu.Lock()
	session, ok := h.sessions[id]
	h.mu.Unlock()
	if !ok {
		return false
	}
	return h.trySend(session, frame)
}

// Kick force-disconnects a player.
func (h *Hub) Kick(id uint16, reason string) {
	h.mu.Lock()
	session, ok := h.sessions[id]
	h.mu.Unlock()
	if !ok {
		return
	}
	log.Printf("🚫 Kicking player %d: %s", id, reason)
	h.dropSession(session, reason)
}

// dropSession tears one session down on all exit paths.
func (h *Hub) dropSession(session *playerSession, reason string) {
	h.mu.Lock()
	current, ok := h.sessions[session.playerID]
	if !ok || current != session {
		h.mu.Unlock()
		session.close()
		return
	}
	delete(h.sessions, session.playerID)
	h.perIP[session.ip]--
	if h.perIP[session.ip] <= 0 {
		delete(h.perIP, session.ip)
	}
	count := len(h.sessions)
	h.mu.Unlock()

	session.close()
	log.Printf("📱 Player %d disconnected (%d remaining)", session.playerID, count)
	UpdateWSConnections(count)
	h.sim.PlayerLeft(session.playerID)
	h.bus.Publish(events.Event{
		Type:      events.TypePlayerDisconnected,
		Timestamp: h.nowMs(),
		Payload:   events.PlayerConnPayload{PlayerID: session.playerID},
	})
	h.bus.Publish(events.Event{
		Type:      events.TypeConnectionLost,
		Timestamp: h.nowMs(),
		Payload:   events.ConnectionLostPayload{PlayerID: session.playerID, Reason: reason},
	})
}

// CloseAll tears down every session, for shutdown.
func (h *Hub) CloseAll() {
	for _, id := range h.SessionIDs() {
		h.Kick(id, "server shutdown")
	}
}
