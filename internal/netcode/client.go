package netcode

import (
	"fmt"
	"log"
	"sync"
	"time"

	"arena/internal/config"
	"arena/internal/events"
	"arena/internal/game"
	"arena/internal/protocol"
	"arena/internal/transport"
)

// Client ties the client-side systems together: the transport session feeds
// clock sync, the interpolation buffer and reconciliation; input capture
// flows through prediction and out the session. Everything runs on the
// caller's loop plus the session's read goroutine; a single mutex keeps the
// two apart.
type Client struct {
	cfg    config.ClientConfig
	netCfg config.NetConfig
	bus    *events.Bus

	session  *transport.Session
	clock    *ClockSync
	predict  *PredictionSystem
	interp   *InterpolationBuffer
	recorder *Recorder

	mu           sync.Mutex
	localID      uint16
	hasID        bool
	yaw          float64
	pitch        float64
	nextSequence uint32
	tickDuration float64
	seeded       bool
}

// NewClient wires the client systems over the shared physics world.
func NewClient(cfg config.ClientConfig, netCfg config.NetConfig, simCfg config.SimConfig, world *game.World, bus *events.Bus) *Client {
	tickDuration := 1000.0 / float64(simCfg.TickRate)
	c := &Client{
		cfg:          cfg,
		netCfg:       netCfg,
		bus:          bus,
		session:      transport.NewSession(netCfg, bus),
		clock:        NewClockSync(cfg, bus),
		predict:      NewPredictionSystem(cfg, world, tickDuration, bus),
		interp:       NewInterpolationBuffer(cfg),
		recorder:     NewRecorder(cfg),
		tickDuration: tickDuration,
	}
	c.session.OnMessage(c.handleFrame)

	// Reconciliations flow into the diagnostics recorder off the hot path.
	bus.Subscribe(events.TypeReconciliation, func(ev events.Event) {
		if p, ok := ev.Payload.(events.ReconciliationPayload); ok {
			c.recorder.RecordReconciliation(p.TickNumber, p.ErrorMagnitude, p.InputsReplayed, ev.Timestamp)
		}
	})
	return c
}

// Session exposes the transport session.
func (c *Client) Session() *transport.Session { return c.session }

// Clock exposes the clock sync state.
func (c *Client) Clock() *ClockSync { return c.clock }

// Prediction exposes the prediction system.
func (c *Client) Prediction() *PredictionSystem { return c.predict }

// Recorder exposes the diagnostics recorder.
func (c *Client) Recorder() *Recorder { return c.recorder }

// LocalID returns the server-assigned entity id once known.
func (c *Client) LocalID() (uint16, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.localID, c.hasID
}

// Connect dials the server and waits for the welcome frame.
func (c *Client) Connect(url string) error {
	if err := c.session.Connect(url); err != nil {
		return err
	}

	deadline := time.Now().Add(time.Duration(c.netCfg.ConnectionTimeoutMs) * time.Millisecond)
	for time.Now().Before(deadline) {
		if _, ok := c.LocalID(); ok {
			return nil
		}
		time.Sleep(10 * time.Millisecond)
	}
	c.session.Disconnect()
	return fmt.Errorf("%w: no welcome from server", game.ErrTimeout)
}

// Calibrate runs clock sync exchanges until the sample window fills.
func (c *Client) Calibrate() error {
	for i := 0; i < c.cfg.ClockSampleCount*2 && !c.clock.IsCalibrated(); i++ {
		if err := c.session.Send(protocol.EncodeClockSyncRequest(localNowMs())); err != nil {
			return err
		}
		time.Sleep(50 * time.Millisecond)
	}
	if !c.clock.IsCalibrated() {
		return fmt.Errorf("%w: window never filled", game.ErrClockSyncFailed)
	}
	return nil
}

// SendInput captures one input frame: applies it to prediction immediately
// and ships it to the server. lookDeltaX/Y are raw look counts.
func (c *Client) SendInput(moveX, moveY float64, lookDeltaX, lookDeltaY int16, buttons uint8) error {
	c.mu.Lock()
	c.nextSequence++
	c.yaw = game.NormalizeAngle(c.yaw + float64(lookDeltaX)*game.LookSensitivity)
	c.pitch = game.ClampPitch(c.pitch + float64(lookDeltaY)*game.LookSensitivity)
	yaw := c.yaw

	now := localNowMs()
	serverTime := c.clock.LocalTimeToServer(now)
	input := game.InputPacket{
		SequenceNumber:  c.nextSequence,
		TickNumber:      uint32(serverTime / c.tickDuration),
		MovementX:       moveX,
		MovementY:       moveY,
		LookDeltaX:      lookDeltaX,
		LookDeltaY:      lookDeltaY,
		Buttons:         buttons,
		ClientTimestamp: serverTime,
	}

	c.predict.ApplyInput(input, yaw, now)
	c.recorder.RecordInput(input, now)
	c.mu.Unlock()

	return c.session.Send(protocol.EncodeInput(input))
}

// RemoteEntities returns the interpolated remote entities for rendering.
func (c *Client) RemoteEntities() []RemoteEntityState {
	c.mu.Lock()
	defer c.mu.Unlock()

	renderTime := c.clock.LocalTimeToServer(localNowMs())
	return c.interp.Interpolate(renderTime, c.localID)
}

// PredictedState returns the local player's predicted physics state.
func (c *Client) PredictedState() game.PlayerPhysicsState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.predict.State()
}

// Disconnect closes the session intentionally.
func (c *Client) Disconnect() {
	c.session.Disconnect()
}

// handleFrame dispatches one inbound frame from the session's read loop.
func (c *Client) handleFrame(frame []byte) {
	if len(frame) == 0 {
		return
	}

	switch frame[0] {
	case protocol.MsgStateSnapshot:
		snap, err := protocol.DecodeSnapshot(frame)
		if err != nil {
			c.warn(fmt.Sprintf("snapshot decode: %v", err))
			return
		}
		c.applySnapshot(snap)

	case protocol.MsgClockSyncResponse:
		clientSend, serverTime, err := protocol.DecodeClockSyncResponse(frame)
		if err != nil {
			c.warn(fmt.Sprintf("clock sync decode: %v", err))
			return
		}
		c.clock.AddSample(clientSend, serverTime, localNowMs())
		if c.clock.IsCalibrated() && c.clock.RTT() > c.netCfg.HighLatencyThresholdMs {
			c.bus.Publish(events.Event{
				Type:      events.TypeHighLatency,
				Timestamp: localNowMs(),
				Payload:   events.HighLatencyPayload{RTT: c.clock.RTT()},
			})
		}

	case protocol.MsgInputAck:
		seq, err := protocol.DecodeInputAck(frame)
		if err != nil {
			return
		}
		c.mu.Lock()
		c.predict.AcknowledgeInput(seq)
		c.mu.Unlock()
		c.bus.Publish(events.Event{
			Type:      events.TypeInputAcknowledged,
			Timestamp: localNowMs(),
			Payload:   events.InputAckPayload{SequenceNumber: seq},
		})

	case protocol.MsgPlayerEvent:
		eventType, playerID, err := protocol.DecodePlayerEvent(frame)
		if err != nil || eventType != protocol.PlayerEventWelcome {
			return
		}
		c.mu.Lock()
		c.localID = playerID
		c.hasID = true
		c.mu.Unlock()
		log.Printf("🎮 Assigned entity id %d", playerID)
		c.bus.Publish(events.Event{
			Type:      events.TypeConnectionEstablished,
			Timestamp: localNowMs(),
			Payload:   events.ConnectionEstablishedPayload{PlayerID: playerID, RTT: c.clock.RTT()},
		})
	}
}

// applySnapshot feeds one snapshot to drift detection, the interpolation
// buffer and local reconciliation.
func (c *Client) applySnapshot(snap game.StateSnapshot) {
	now := localNowMs()
	c.clock.CheckDrift(snap.ServerTimestamp, now)

	c.mu.Lock()
	defer c.mu.Unlock()

	c.interp.AddSnapshot(snap)
	c.recorder.RecordSnapshot(snap, now)

	if !c.hasID {
		return
	}
	local, ok := findPlayer(snap, c.localID)
	if !ok {
		return
	}

	serverState := game.PlayerPhysicsState{
		Position:   local.Position,
		Velocity:   local.Velocity,
		IsGrounded: local.StateFlags&game.FlagGrounded != 0,
	}

	if !c.seeded {
		// First authoritative state: adopt wholesale.
		c.seeded = true
		c.predict.Reset(serverState)
		c.bus.Publish(events.Event{
			Type:      events.TypeFullStateSync,
			Timestamp: now,
			Payload:   events.FullStateSyncPayload{TickNumber: snap.TickNumber},
		})
		return
	}

	c.predict.Reconcile(serverState, c.predict.LastAcknowledgedSequence(), now)
}

func (c *Client) warn(msg string) {
	c.bus.Publish(events.Event{
		Type:      events.TypeNetworkWarning,
		Timestamp: localNowMs(),
		Payload:   events.NetworkWarningPayload{Message: msg},
	})
}

func localNowMs() float64 {
	return float64(time.Now().UnixNano()) / 1e6
}
