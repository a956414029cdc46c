package game

import (
	"log"
	"math"
	"sort"

	"arena/internal/events"
)

const (
	// MaxInputQueueSize bounds each player's pending input queue. Linear
	// insertion is intentional at this size.
	MaxInputQueueSize = 32

	// LookSensitivity converts raw look deltas to radians.
	LookSensitivity = 0.002
)

// TickProcessor advances the authoritative world state one simulation tick
// at a time. It owns PlayerServerState and the input queues; all other state
// belongs to its collaborators.
type TickProcessor struct {
	world     *World
	combat    *CombatSystem
	antiCheat *AntiCheat
	spawns    *SpawnSystem
	match     *MatchMachine
	lagComp   *LagCompensation
	bus       *events.Bus

	players map[uint16]*PlayerServerState
	queues  map[uint16][]InputPacket
}

// NewTickProcessor wires the server core together.
func NewTickProcessor(world *World, combat *CombatSystem, antiCheat *AntiCheat,
	spawns *SpawnSystem, match *MatchMachine, lagComp *LagCompensation, bus *events.Bus) *TickProcessor {
	return &TickProcessor{
		world:     world,
		combat:    combat,
		antiCheat: antiCheat,
		spawns:    spawns,
		match:     match,
		lagComp:   lagComp,
		bus:       bus,
		players:   make(map[uint16]*PlayerServerState),
		queues:    make(map[uint16][]InputPacket),
	}
}

// AddPlayer initializes a player at the given spawn: grounded, zero
// velocity, zero look, full health.
func (tp *TickProcessor) AddPlayer(id uint16, spawnPosition Vec3, now float64) {
	tp.players[id] = &PlayerServerState{
		PlayerID: id,
		Physics: PlayerPhysicsState{
			Position:         spawnPosition,
			IsGrounded:       true,
			LastGroundedTime: now,
		},
		Health: tp.combat.cfg.MaxHealth,
	}
	tp.queues[id] = nil
	tp.combat.InitializePlayer(id)
	tp.match.PlayerConnected(id, now)

	log.Printf("👤 Player %d joined at (%.1f, %.1f, %.1f)", id, spawnPosition.X, spawnPosition.Y, spawnPosition.Z)
}

// RemovePlayer tears a player down across all collaborators.
func (tp *TickProcessor) RemovePlayer(id uint16, now float64) {
	delete(tp.players, id)
	delete(tp.queues, id)
	tp.combat.RemovePlayer(id)
	tp.antiCheat.RemovePlayer(id)
	tp.match.PlayerDisconnected(id, now)

	log.Printf("👋 Player %d removed", id)
}

// HasPlayer reports whether a player is registered.
func (tp *TickProcessor) HasPlayer(id uint16) bool {
	_, ok := tp.players[id]
	return ok
}

// PlayerState returns a copy of one player's authoritative state.
func (tp *TickProcessor) PlayerState(id uint16) (PlayerServerState, bool) {
	p, ok := tp.players[id]
	if !ok {
		return PlayerServerState{}, false
	}
	return *p, true
}

// QueueInput inserts an input into the player's queue at its sorted
// position by sequence number. Stale sequences are dropped; the oldest
// entry is evicted when the queue overflows. Unknown players are a no-op.
func (tp *TickProcessor) QueueInput(id uint16, input InputPacket) {
	p, ok := tp.players[id]
	if !ok {
		return
	}
	if input.SequenceNumber <= p.LastProcessedSequence {
		return
	}

	q := tp.queues[id]
	idx := sort.Search(len(q), func(i int) bool {
		return q[i].SequenceNumber >= input.SequenceNumber
	})
	if idx < len(q) && q[idx].SequenceNumber == input.SequenceNumber {
		return // duplicate
	}

	q = append(q, InputPacket{})
	copy(q[idx+1:], q[idx:])
	q[idx] = input

	if len(q) > MaxInputQueueSize {
		q = q[1:]
		tp.bus.Publish(events.Event{
			Type:      events.TypeInputBufferOverflow,
			Timestamp: input.ClientTimestamp,
			Payload:   events.PlayerConnPayload{PlayerID: id},
		})
	}
	tp.queues[id] = q
}

// QueueLen returns the pending input count for a player.
func (tp *TickProcessor) QueueLen(id uint16) int { return len(tp.queues[id]) }

// ProcessTick advances the world one tick and returns the snapshot to
// broadcast. Per-tick order is fixed: match update, inputs, combat update,
// lag-comp record, outbound snapshot.
func (tp *TickProcessor) ProcessTick(tickNumber uint32, dt float64, now float64) StateSnapshot {
	tp.match.Update(now)

	if tp.match.State() == MatchPlaying {
		ids := tp.sortedPlayerIDs()
		for _, id := range ids {
			tp.drainInputs(id, dt, now)
		}
	}

	for _, id := range tp.combat.Update(now) {
		tp.respawn(id, now)
	}

	tp.recordWorldSnapshot(tickNumber, now)
	tp.lagComp.PruneOldSnapshots(now)

	return tp.buildSnapshot(tickNumber, now)
}

func (tp *TickProcessor) sortedPlayerIDs() []uint16 {
	ids := make([]uint16, 0, len(tp.players))
	for id := range tp.players {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// drainInputs applies the head of the queue while it continues the
// sequence. A gap leaves the queue waiting for the missing sequence.
func (tp *TickProcessor) drainInputs(id uint16, dt float64, now float64) {
	p := tp.players[id]
	q := tp.queues[id]

	consumed := 0
	for consumed < len(q) {
		input := q[consumed]
		if input.SequenceNumber <= p.LastProcessedSequence {
			consumed++ // stale, drop
			continue
		}
		if input.SequenceNumber != p.LastProcessedSequence+1 {
			break // gap: wait for the missing sequence
		}
		consumed++

		tp.applyInput(p, input, dt, now)
		p.LastProcessedSequence = input.SequenceNumber
	}

	if consumed > 0 {
		tp.queues[id] = q[consumed:]
	}
}

// applyInput runs look, movement, anti-cheat and fire for one input.
func (tp *TickProcessor) applyInput(p *PlayerServerState, input InputPacket, dt float64, now float64) {
	// Look.
	p.Yaw = NormalizeAngle(p.Yaw + float64(input.LookDeltaX)*LookSensitivity)
	p.Pitch = ClampPitch(p.Pitch + float64(input.LookDeltaY)*LookSensitivity)

	if combatState, ok := tp.combat.PlayerState(p.PlayerID); ok && combatState.IsDead {
		return // dead players steer their camera only
	}

	// Movement through the physics step, then anti-cheat on the delta.
	// The timestamp check is part of the same gate.
	move := MoveInput{
		MoveX: input.MovementX,
		MoveY: input.MovementY,
		Jump:  input.Buttons&ButtonJump != 0,
	}
	candidate := tp.world.Step(p.Physics, move, p.Yaw, dt, now)

	ok := tp.antiCheat.ValidateTimestamp(p.PlayerID, input.ClientTimestamp, now) == nil
	if ok {
		ok = tp.antiCheat.ValidateMove(p.PlayerID, p.Physics, candidate, move, dt, now) == nil
	}
	if ok {
		prev := p.Physics
		p.Physics = candidate // adopt

		if prev.IsGrounded && !candidate.IsGrounded && candidate.Velocity.Y > 0 {
			tp.bus.Publish(events.Event{
				Type:      events.TypeJump,
				Timestamp: now,
				Payload:   events.PlayerConnPayload{PlayerID: p.PlayerID},
			})
		}
		if !prev.IsGrounded && candidate.IsGrounded {
			tp.bus.Publish(events.Event{
				Type:      events.TypeLandImpact,
				Timestamp: now,
				Payload:   events.PlayerConnPayload{PlayerID: p.PlayerID},
			})
		}
	}
	// On failure the delta is discarded; server authority keeps the last
	// valid position.

	if input.Buttons&ButtonFire != 0 {
		tp.fire(p, input, now)
	}
}

// fire evaluates a shot against lag-compensated capsules at the client's
// perceived time, falling back to current capsules if history is empty.
func (tp *TickProcessor) fire(p *PlayerServerState, input InputPacket, now float64) {
	eye := p.Physics.Position.Add(Vec3{0, EyeHeight, 0})
	dir := ViewDirection(p.Yaw, p.Pitch)

	capsules, err := tp.lagComp.PlayerCapsulesAtTime(input.ClientTimestamp)
	if err != nil {
		capsules = tp.currentCapsules()
	}

	hit, err := tp.combat.ProcessFire(FireCommand{
		ShooterID:       p.PlayerID,
		Origin:          eye,
		Direction:       dir,
		ClientTimestamp: input.ClientTimestamp,
	}, capsules, now)
	if err != nil || hit == nil {
		return
	}

	tp.combat.ApplyDamage(hit.TargetID, p.PlayerID, hit.Damage, hit.HitPosition, now)
	if victim, ok := tp.combat.PlayerState(hit.TargetID); ok && victim.IsDead {
		tp.match.RecordKill(p.PlayerID, now)
		tp.bus.Publish(events.Event{
			Type:      events.TypeKillConfirmed,
			Timestamp: now,
			Payload:   events.PlayerDeathPayload{VictimID: hit.TargetID, AttackerID: p.PlayerID},
		})
		log.Printf("💀 Player %d killed by %d", hit.TargetID, p.PlayerID)
	}
}

// respawn places a dead player at a fresh spawn looking toward the arena.
func (tp *TickProcessor) respawn(id uint16, now float64) {
	p, ok := tp.players[id]
	if !ok {
		return
	}

	others := make([]Vec3, 0, len(tp.players)-1)
	for oid, op := range tp.players {
		if oid != id {
			others = append(others, op.Physics.Position)
		}
	}

	spawn := tp.spawns.SelectSpawn(id, others, now)
	p.Physics = PlayerPhysicsState{
		Position:         spawn.Position,
		IsGrounded:       true,
		LastGroundedTime: now,
	}
	p.Yaw = NormalizeAngle(math.Atan2(-spawn.LookDirection.X, -spawn.LookDirection.Z))
	p.Pitch = 0
	tp.combat.RespawnPlayer(id, now)
}

func (tp *TickProcessor) currentCapsules() map[uint16]Capsule {
	out := make(map[uint16]Capsule, len(tp.players))
	for id, p := range tp.players {
		out[id] = CapsuleFor(p.Physics.Position)
	}
	return out
}

func (tp *TickProcessor) recordWorldSnapshot(tickNumber uint32, now float64) {
	positions := make(map[uint16]Vec3, len(tp.players))
	for id, p := range tp.players {
		positions[id] = p.Physics.Position
	}
	tp.lagComp.RecordSnapshot(WorldSnapshot{
		TickNumber:      tickNumber,
		Timestamp:       now,
		PlayerPositions: positions,
		PlayerCapsules:  tp.currentCapsules(),
	})
}

// buildSnapshot assembles the broadcast snapshot. Players are ordered by id
// so encoding is deterministic.
func (tp *TickProcessor) buildSnapshot(tickNumber uint32, now float64) StateSnapshot {
	snap := StateSnapshot{
		TickNumber:      tickNumber,
		ServerTimestamp: now,
		MatchState:      uint8(tp.match.State()),
		Scores:          tp.match.Scores(),
	}

	for _, id := range tp.sortedPlayerIDs() {
		p := tp.players[id]
		combat, _ := tp.combat.PlayerState(id)

		var flags uint8
		if p.Physics.IsGrounded {
			flags |= FlagGrounded
		}
		if now < combat.InvulnerableUntil {
			flags |= FlagInvulnerable
		}
		if combat.IsDead {
			flags |= FlagDead
			if combat.RespawnTime > 0 {
				flags |= FlagRespawning
			}
		}

		health := combat.Health
		if health < 0 {
			health = 0
		} else if health > 255 {
			health = 255
		}

		snap.Players = append(snap.Players, PlayerState{
			EntityID:   id,
			Position:   p.Physics.Position,
			Pitch:      p.Pitch,
			Yaw:        p.Yaw,
			Velocity:   p.Physics.Velocity,
			Health:     uint8(health),
			StateFlags: flags,
		})
	}
	return snap
}
