package transport

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"arena/internal/config"
	"arena/internal/events"
	"arena/internal/game"
)

// echoServer is a minimal ws endpoint that holds connections open and
// records inbound frames.
type echoServer struct {
	upgrader websocket.Upgrader
	mu       sync.Mutex
	frames   [][]byte
	conns    []*websocket.Conn
}

func (s *echoServer) handler(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	s.mu.Lock()
	s.conns = append(s.conns, conn)
	s.mu.Unlock()

	go func() {
		for {
			_, frame, err := conn.ReadMessage()
			if err != nil {
				return
			}
			s.mu.Lock()
			s.frames = append(s.frames, frame)
			s.mu.Unlock()
		}
	}()
}

func (s *echoServer) dropAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.conns {
		c.Close()
	}
	s.conns = nil
}

func testNetConfig() config.NetConfig {
	cfg := config.DefaultNet()
	cfg.ConnectionTimeoutMs = 1000
	cfg.KeepaliveIntervalMs = 50
	cfg.ReconnectBaseDelayMs = 30
	cfg.ReconnectMaxDelayMs = 200
	return cfg
}

func startTestServer(t *testing.T) (*echoServer, string, func()) {
	t.Helper()
	es := &echoServer{}
	ts := httptest.NewServer(http.HandlerFunc(es.handler))
	url := "ws" + strings.TrimPrefix(ts.URL, "http")
	return es, url, ts.Close
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) bool {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(10 * time.Millisecond)
	}
	return cond()
}

// TestConnectAndSend verifies the happy path and the keepalive frames.
func TestConnectAndSend(t *testing.T) {
	es, url, closeServer := startTestServer(t)
	defer closeServer()

	s := NewSession(testNetConfig(), events.NewBus())
	if err := s.Connect(url); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	defer s.Disconnect()

	if s.State() != StateConnected {
		t.Fatalf("State: %s", s.State())
	}

	if err := s.Send([]byte{0x42}); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	// The payload frame and at least one keepalive arrive.
	ok := waitFor(t, time.Second, func() bool {
		es.mu.Lock()
		defer es.mu.Unlock()
		sawPayload, sawKeepalive := false, false
		for _, f := range es.frames {
			if len(f) == 1 && f[0] == 0x42 {
				sawPayload = true
			}
			if len(f) == 1 && f[0] == 0x0a {
				sawKeepalive = true
			}
		}
		return sawPayload && sawKeepalive
	})
	if !ok {
		t.Error("Payload or keepalive never arrived")
	}
}

// TestSendWhileDisconnected verifies the typed send failure.
func TestSendWhileDisconnected(t *testing.T) {
	s := NewSession(testNetConfig(), events.NewBus())
	if err := s.Send([]byte{1}); !errors.Is(err, game.ErrSendFailed) {
		t.Errorf("Expected send failure, got %v", err)
	}
}

// TestConnectFailure verifies the typed connect failure against a dead
// endpoint.
func TestConnectFailure(t *testing.T) {
	cfg := testNetConfig()
	cfg.ConnectionTimeoutMs = 200
	s := NewSession(cfg, events.NewBus())

	err := s.Connect("ws://127.0.0.1:1/ws")
	if !errors.Is(err, game.ErrConnectionFailed) {
		t.Errorf("Expected connection failure, got %v", err)
	}
	if s.State() != StateDisconnected {
		t.Errorf("State after failure: %s", s.State())
	}
}

// TestIntentionalDisconnectNoReconnect verifies that after Disconnect no
// reconnection attempt is ever made.
func TestIntentionalDisconnectNoReconnect(t *testing.T) {
	es, url, closeServer := startTestServer(t)
	defer closeServer()

	s := NewSession(testNetConfig(), events.NewBus())
	if err := s.Connect(url); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	s.Disconnect()
	if s.State() != StateDisconnected {
		t.Fatalf("State after disconnect: %s", s.State())
	}

	// Give any rogue reconnect loop several backoff periods to show itself.
	time.Sleep(300 * time.Millisecond)
	if s.State() != StateDisconnected {
		t.Errorf("Session left disconnected state: %s", s.State())
	}
	es.mu.Lock()
	conns := len(es.conns)
	es.mu.Unlock()
	if conns > 1 {
		t.Errorf("Reconnection attempted after intentional disconnect: %d conns", conns)
	}
}

// TestUnintentionalDropReconnects verifies the backoff reconnect path
// re-establishes the session when the carrier drops.
func TestUnintentionalDropReconnects(t *testing.T) {
	es, url, closeServer := startTestServer(t)
	defer closeServer()

	bus := events.NewBus()
	lost := make(chan struct{}, 1)
	bus.Subscribe(events.TypeConnectionLost, func(events.Event) {
		select {
		case lost <- struct{}{}:
		default:
		}
	})

	s := NewSession(testNetConfig(), bus)
	if err := s.Connect(url); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	defer s.Disconnect()

	es.dropAll()

	select {
	case <-lost:
	case <-time.After(2 * time.Second):
		t.Fatal("connection_lost never emitted")
	}

	if !waitFor(t, 3*time.Second, func() bool { return s.State() == StateConnected }) {
		t.Errorf("Never reconnected: %s", s.State())
	}
}

// TestOnMessageDelivery verifies inbound frames reach handlers in order.
func TestOnMessageDelivery(t *testing.T) {
	es, url, closeServer := startTestServer(t)
	defer closeServer()

	s := NewSession(testNetConfig(), events.NewBus())

	var mu sync.Mutex
	var got [][]byte
	s.OnMessage(func(frame []byte) {
		mu.Lock()
		got = append(got, frame)
		mu.Unlock()
	})

	if err := s.Connect(url); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	defer s.Disconnect()

	es.mu.Lock()
	conn := es.conns[0]
	es.mu.Unlock()
	for i := byte(1); i <= 3; i++ {
		if err := conn.WriteMessage(websocket.BinaryMessage, []byte{i}); err != nil {
			t.Fatalf("Server write failed: %v", err)
		}
	}

	ok := waitFor(t, time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 3
	})
	if !ok {
		t.Fatal("Frames never delivered")
	}

	mu.Lock()
	defer mu.Unlock()
	for i, f := range got {
		if len(f) != 1 || f[0] != byte(i+1) {
			t.Errorf("Frame %d: %v", i, f)
		}
	}
}
