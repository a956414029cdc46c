package netcode

import (
	"arena/internal/config"
	"arena/internal/events"
	"arena/internal/game"
)

// PendingInput is one locally-applied input awaiting server acknowledgement.
// The yaw captured at apply time is what replay uses, so a reconciliation
// after the camera moved still reproduces the original trajectory.
type PendingInput struct {
	Sequence    uint32
	Input       game.InputPacket
	YawAtApply  float64
	TimeAtApply float64
}

// PredictionSystem applies local inputs immediately against the shared
// physics step and reconciles against authoritative snapshots, replaying
// unacknowledged inputs when the error exceeds the threshold.
type PredictionSystem struct {
	cfg   config.ClientConfig
	world *game.World
	bus   *events.Bus

	state   game.PlayerPhysicsState
	pending []PendingInput
	lastAck uint32

	tickDuration float64 // ms, replay step size
}

// NewPredictionSystem creates a prediction system stepping the given world.
func NewPredictionSystem(cfg config.ClientConfig, world *game.World, tickDurationMs float64, bus *events.Bus) *PredictionSystem {
	return &PredictionSystem{
		cfg:          cfg,
		world:        world,
		bus:          bus,
		tickDuration: tickDurationMs,
	}
}

// Reset seeds the predicted state, typically from the first full snapshot.
func (ps *PredictionSystem) Reset(state game.PlayerPhysicsState) {
	ps.state = state
	ps.pending = ps.pending[:0]
}

// State returns the current predicted physics state.
func (ps *PredictionSystem) State() game.PlayerPhysicsState { return ps.state }

// PendingCount returns the number of unacknowledged inputs.
func (ps *PredictionSystem) PendingCount() int { return len(ps.pending) }

// LastAcknowledgedSequence returns the newest acknowledged sequence.
func (ps *PredictionSystem) LastAcknowledgedSequence() uint32 { return ps.lastAck }

// ApplyInput records the input with its captured yaw and advances the
// predicted state one physics step immediately. The oldest pending input is
// dropped when the log overflows.
func (ps *PredictionSystem) ApplyInput(input game.InputPacket, yaw float64, now float64) {
	ps.pending = append(ps.pending, PendingInput{
		Sequence:    input.SequenceNumber,
		Input:       input,
		YawAtApply:  yaw,
		TimeAtApply: now,
	})
	if len(ps.pending) > ps.cfg.MaxPendingInputs {
		ps.pending = ps.pending[1:]
		ps.bus.Publish(events.Event{
			Type:      events.TypeInputBufferOverflow,
			Timestamp: now,
		})
	}

	ps.state = ps.step(ps.state, input, yaw, now)
}

// AcknowledgeInput discards pending inputs up to and including seq.
func (ps *PredictionSystem) AcknowledgeInput(seq uint32) {
	i := 0
	for i < len(ps.pending) && ps.pending[i].Sequence <= seq {
		i++
	}
	if i > 0 {
		ps.pending = append(ps.pending[:0], ps.pending[i:]...)
	}
	if seq > ps.lastAck {
		ps.lastAck = seq
	}
}

// Reconcile compares the predicted position against the authoritative state
// for serverSeq. Within threshold it is a no-op; beyond it, the predicted
// state snaps to the server state and every input newer than serverSeq is
// replayed in order with its captured yaw.
//
// With no inputs pending afterward, the predicted position equals the
// server position.
func (ps *PredictionSystem) Reconcile(serverState game.PlayerPhysicsState, serverSeq uint32, now float64) {
	errMag := serverState.Position.DistanceTo(ps.state.Position)
	if errMag <= ps.cfg.ReconciliationThreshold {
		ps.AcknowledgeInput(serverSeq)
		return
	}

	ps.bus.Publish(events.Event{
		Type:      events.TypeDesyncDetected,
		Timestamp: now,
		Payload:   events.DesyncPayload{ErrorMagnitude: errMag},
	})

	ps.AcknowledgeInput(serverSeq)

	state := serverState
	for _, p := range ps.pending {
		state = ps.step(state, p.Input, p.YawAtApply, p.TimeAtApply)
	}
	ps.state = state

	ps.bus.Publish(events.Event{
		Type:      events.TypeReconciliation,
		Timestamp: now,
		Payload: events.ReconciliationPayload{
			TickNumber:     serverSeq,
			ErrorMagnitude: errMag,
			InputsReplayed: len(ps.pending),
		},
	})
}

func (ps *PredictionSystem) step(state game.PlayerPhysicsState, input game.InputPacket, yaw float64, now float64) game.PlayerPhysicsState {
	move := game.MoveInput{
		MoveX: input.MovementX,
		MoveY: input.MovementY,
		Jump:  input.Buttons&game.ButtonJump != 0,
	}
	return ps.world.Step(state, move, yaw, ps.tickDuration/1000, now)
}
