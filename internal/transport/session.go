// Package transport provides the client's reliable message session over a
// websocket carrier: connect with timeout, keepalive, ordered delivery of
// inbound frames to handlers, and exponential-backoff reconnect.
package transport

import (
	"fmt"
	"log"
	"math"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"arena/internal/config"
	"arena/internal/events"
	"arena/internal/game"
	"arena/internal/protocol"
)

// State is the session connection state.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
)

// String returns the human-readable state.
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

// MessageHandler receives every inbound binary frame in arrival order.
type MessageHandler func(frame []byte)

// Session is a client transport session. The server URL given at Connect is
// preserved across reconnects; an intentional Disconnect disables
// reconnection permanently.
type Session struct {
	cfg config.NetConfig
	bus *events.Bus

	mu        sync.Mutex
	conn      *websocket.Conn
	state     State
	url       string
	handlers  map[int]MessageHandler
	nextID    int
	attempts  int
	intentional bool

	stopKeepalive chan struct{}
	dialer        *websocket.Dialer
}

// NewSession creates a disconnected session.
func NewSession(cfg config.NetConfig, bus *events.Bus) *Session {
	return &Session{
		cfg:      cfg,
		bus:      bus,
		state:    StateDisconnected,
		handlers: make(map[int]MessageHandler),
		dialer: &websocket.Dialer{
			HandshakeTimeout: time.Duration(cfg.ConnectionTimeoutMs) * time.Millisecond,
		},
	}
}

// State returns the current connection state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// OnMessage registers a handler for inbound frames and returns its
// unsubscribe func.
func (s *Session) OnMessage(h MessageHandler) func() {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.nextID
	s.nextID++
	s.handlers[id] = h

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.handlers, id)
	}
}

// Connect dials the server. The single connect deadline is the configured
// connection timeout; success resets the reconnect backoff.
func (s *Session) Connect(url string) error {
	s.mu.Lock()
	if s.state == StateConnected || s.state == StateConnecting {
		s.mu.Unlock()
		return fmt.Errorf("%w: already %s", game.ErrInvalidState, s.state)
	}
	s.url = url
	s.intentional = false
	s.setStateLocked(StateConnecting)
	s.mu.Unlock()

	return s.dial()
}

func (s *Session) dial() error {
	conn, _, err := s.dialer.Dial(s.url, nil)
	if err != nil {
		s.mu.Lock()
		s.setStateLocked(StateDisconnected)
		s.mu.Unlock()
		return fmt.Errorf("%w: %v", game.ErrConnectionFailed, err)
	}

	s.mu.Lock()
	s.conn = conn
	s.attempts = 0
	s.stopKeepalive = make(chan struct{})
	s.setStateLocked(StateConnected)
	stop := s.stopKeepalive
	s.mu.Unlock()

	go s.readLoop(conn)
	go s.keepaliveLoop(conn, stop)
	return nil
}

// Send writes one binary frame. Fails with a typed error when not connected.
func (s *Session) Send(frame []byte) error {
	s.mu.Lock()
	conn := s.conn
	connected := s.state == StateConnected
	s.mu.Unlock()

	if !connected || conn == nil {
		return fmt.Errorf("%w: not connected", game.ErrSendFailed)
	}
	if err := conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
		return fmt.Errorf("%w: %v", game.ErrSendFailed, err)
	}
	return nil
}

// Disconnect closes the session intentionally. No reconnection attempt will
// be made afterward, regardless of elapsed time.
func (s *Session) Disconnect() {
	s.mu.Lock()
	s.intentional = true
	conn := s.conn
	s.conn = nil
	if s.stopKeepalive != nil {
		close(s.stopKeepalive)
		s.stopKeepalive = nil
	}
	s.setStateLocked(StateDisconnected)
	s.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	s.bus.Publish(events.Event{
		Type:      events.TypeConnectionLost,
		Timestamp: nowMs(),
		Payload:   events.ConnectionLostPayload{Reason: "intentional"},
	})
}

// readLoop pumps inbound frames to the handlers until the carrier fails.
func (s *Session) readLoop(conn *websocket.Conn) {
	for {
		msgType, frame, err := conn.ReadMessage()
		if err != nil {
			s.onCarrierLost(conn, err)
			return
		}
		if msgType != websocket.BinaryMessage {
			continue
		}

		s.mu.Lock()
		handlers := make([]MessageHandler, 0, len(s.handlers))
		for _, h := range s.handlers {
			handlers = append(handlers, h)
		}
		s.mu.Unlock()

		for _, h := range handlers {
			h(frame)
		}
	}
}

// keepaliveLoop sends the single-byte keepalive frame on its interval.
func (s *Session) keepaliveLoop(conn *websocket.Conn, stop chan struct{}) {
	ticker := time.NewTicker(time.Duration(s.cfg.KeepaliveIntervalMs) * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := conn.WriteMessage(websocket.BinaryMessage, protocol.EncodeKeepalive()); err != nil {
				return
			}
		}
	}
}

// onCarrierLost handles an unintentional carrier failure: announce the loss
// and start the backoff reconnect loop.
func (s *Session) onCarrierLost(conn *websocket.Conn, cause error) {
	s.mu.Lock()
	if s.conn != conn {
		// A newer connection (or an intentional disconnect) already took over.
		s.mu.Unlock()
		return
	}
	s.conn = nil
	if s.stopKeepalive != nil {
		close(s.stopKeepalive)
		s.stopKeepalive = nil
	}
	intentional := s.intentional
	s.mu.Unlock()

	conn.Close()
	if intentional {
		return
	}

	s.bus.Publish(events.Event{
		Type:      events.TypeConnectionLost,
		Timestamp: nowMs(),
		Payload:   events.ConnectionLostPayload{Reason: cause.Error()},
	})

	s.mu.Lock()
	s.setStateLocked(StateReconnecting)
	s.mu.Unlock()

	go s.reconnectLoop()
}

// reconnectLoop retries with exponential backoff:
// delay = min(base · 2^attempts, maxDelay). An intentional disconnect stops
// the loop permanently.
func (s *Session) reconnectLoop() {
	for {
		s.mu.Lock()
		if s.intentional {
			s.setStateLocked(StateDisconnected)
			s.mu.Unlock()
			return
		}
		attempts := s.attempts
		s.attempts++
		s.mu.Unlock()

		delay := s.cfg.ReconnectBaseDelayMs * math.Pow(2, float64(attempts))
		if delay > s.cfg.ReconnectMaxDelayMs {
			delay = s.cfg.ReconnectMaxDelayMs
		}
		log.Printf("🔄 Reconnecting in %.0fms (attempt %d)", delay, attempts+1)
		time.Sleep(time.Duration(delay) * time.Millisecond)

		s.mu.Lock()
		if s.intentional {
			s.setStateLocked(StateDisconnected)
			s.mu.Unlock()
			return
		}
		s.mu.Unlock()

		if err := s.dial(); err == nil {
			return
		}

		s.mu.Lock()
		s.setStateLocked(StateReconnecting)
		s.mu.Unlock()
	}
}

// setStateLocked transitions the state and emits the matching event.
// Caller holds s.mu.
func (s *Session) setStateLocked(next State) {
	if s.state == next {
		return
	}
	s.state = next

	var eventType string
	switch next {
	case StateConnected:
		eventType = events.TypeConnectionEstablished
	case StateDisconnected, StateReconnecting:
		// connection_lost is published by the close paths with a reason;
		// state changes alone are not announced twice.
		return
	default:
		return
	}

	// Publish outside the lock.
	go s.bus.Publish(events.Event{Type: eventType, Timestamp: nowMs()})
}

func nowMs() float64 {
	return float64(time.Now().UnixNano()) / 1e6
}
