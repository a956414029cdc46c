package game

import (
	"fmt"

	"arena/internal/config"
	"arena/internal/events"
)

// AntiCheat validates candidate physics deltas against configured limits.
// Each validation is independent and never mutates player state; the caller
// discards the rejected delta. Violations accumulate in a rolling window;
// exceeding the threshold emits player_kicked.
type AntiCheat struct {
	cfg      config.AntiCheatConfig
	maxSpeed float64
	bus      *events.Bus

	// violation timestamps per player, pruned to the rolling window
	violations map[uint16][]float64
	kicked     map[uint16]bool
}

// NewAntiCheat creates a validator. maxSpeed is the physics' legitimate
// horizontal speed ceiling.
func NewAntiCheat(cfg config.AntiCheatConfig, maxSpeed float64, bus *events.Bus) *AntiCheat {
	return &AntiCheat{
		cfg:        cfg,
		maxSpeed:   maxSpeed,
		bus:        bus,
		violations: make(map[uint16][]float64),
		kicked:     make(map[uint16]bool),
	}
}

// RemovePlayer forgets a player's violation history.
func (ac *AntiCheat) RemovePlayer(id uint16) {
	delete(ac.violations, id)
	delete(ac.kicked, id)
}

// IsKicked reports whether a player has exceeded the violation threshold.
func (ac *AntiCheat) IsKicked(id uint16) bool { return ac.kicked[id] }

// ValidateMove checks the candidate state a physics step produced for one
// input. prev is the state before the step, dt the step in seconds.
func (ac *AntiCheat) ValidateMove(id uint16, prev, next PlayerPhysicsState, input MoveInput, dt float64, now float64) error {
	if dt <= 0 {
		return nil
	}

	// Horizontal displacement speed; vertical is governed by gravity and is
	// not client-controllable.
	delta := next.Position.Sub(prev.Position)
	delta.Y = 0
	speed := delta.Length() / dt

	limit := ac.maxSpeed * ac.cfg.MaxSpeedMultiplier
	airborne := now-prev.LastGroundedTime > ac.cfg.CoyoteTimeMs
	if speed > limit && (prev.IsGrounded || airborne) {
		return ac.violation(id, now, fmt.Errorf("%w: %.1f m/s > %.1f m/s", ErrSpeedViolation, speed, limit))
	}

	if input.Jump && !prev.IsGrounded && airborne {
		return ac.violation(id, now, fmt.Errorf("%w: jump while airborne", ErrInvalidJump))
	}

	return nil
}

// ValidateTimestamp checks an input's claimed client time against the
// server clock.
func (ac *AntiCheat) ValidateTimestamp(id uint16, clientTimestamp, serverNow float64) error {
	dev := clientTimestamp - serverNow
	if dev < 0 {
		dev = -dev
	}
	if dev > ac.cfg.MaxTimestampDeviationMs {
		return ac.violation(id, serverNow, fmt.Errorf("%w: deviation %.0fms", ErrTimestampViolation, dev))
	}
	return nil
}

// violation records one violation, prunes the rolling window and kicks on
// threshold. The validation error is returned either way.
func (ac *AntiCheat) violation(id uint16, now float64, err error) error {
	window := ac.violations[id]
	cutoff := now - ac.cfg.ViolationWindowMs
	i := 0
	for i < len(window) && window[i] < cutoff {
		i++
	}
	window = append(window[i:], now)
	ac.violations[id] = window

	ac.bus.Publish(events.Event{
		Type:      events.TypeViolationDetected,
		Timestamp: now,
		Payload: events.ViolationPayload{
			PlayerID: id,
			Reason:   err.Error(),
			Count:    len(window),
		},
	})

	if len(window) > ac.cfg.ViolationThreshold && !ac.kicked[id] {
		ac.kicked[id] = true
		ac.bus.Publish(events.Event{
			Type:      events.TypePlayerKicked,
			Timestamp: now,
			Payload: events.KickPayload{
				PlayerID:   id,
				Reason:     err.Error(),
				Violations: len(window),
			},
		})
	}
	return err
}
