package game

import (
	"fmt"
	"math"
	"sort"

	"arena/internal/config"
	"arena/internal/events"
)

// Raycaster is the world-geometry collaborator combat uses for wall
// occlusion. Returns the distance to the first hit, or maxDist if clear.
type Raycaster interface {
	Raycast(origin, dir Vec3, maxDist float64) float64
}

// FireCommand is one shot to evaluate.
type FireCommand struct {
	ShooterID       uint16
	Origin          Vec3 // eye position
	Direction       Vec3 // normalized view direction
	ClientTimestamp float64
}

// HitResult reports a landed shot.
type HitResult struct {
	TargetID    uint16
	HitPosition Vec3
	Damage      int
}

// CombatSystem owns per-player combat state: fire rate enforcement, hit
// detection against lag-compensated capsules, damage, death and respawn
// timing.
type CombatSystem struct {
	cfg     config.CombatConfig
	world   Raycaster
	bus     *events.Bus
	players map[uint16]*PlayerCombatState
}

// NewCombatSystem creates a combat system over the given world geometry.
func NewCombatSystem(cfg config.CombatConfig, world Raycaster, bus *events.Bus) *CombatSystem {
	return &CombatSystem{
		cfg:     cfg,
		world:   world,
		bus:     bus,
		players: make(map[uint16]*PlayerCombatState),
	}
}

// InitializePlayer registers a player at full health.
func (cs *CombatSystem) InitializePlayer(id uint16) {
	cs.players[id] = &PlayerCombatState{Health: cs.cfg.MaxHealth}
}

// RemovePlayer forgets a player.
func (cs *CombatSystem) RemovePlayer(id uint16) {
	delete(cs.players, id)
}

// PlayerState returns a read-only copy of a player's combat state.
func (cs *CombatSystem) PlayerState(id uint16) (PlayerCombatState, bool) {
	p, ok := cs.players[id]
	if !ok {
		return PlayerCombatState{}, false
	}
	return *p, true
}

// ProcessFire validates and evaluates one shot against the supplied
// capsules. The shooter must exist, be alive and be off cooldown. The
// nearest capsule hit inside min(wall distance, weapon range) wins; ties
// resolve to the lower target id.
func (cs *CombatSystem) ProcessFire(cmd FireCommand, capsules map[uint16]Capsule, now float64) (*HitResult, error) {
	shooter, ok := cs.players[cmd.ShooterID]
	if !ok {
		return nil, fmt.Errorf("%w: shooter %d", ErrPlayerNotFound, cmd.ShooterID)
	}
	if shooter.IsDead {
		return nil, fmt.Errorf("%w: shooter %d is dead", ErrInvalidState, cmd.ShooterID)
	}
	if shooter.LastFireTime > 0 && now-shooter.LastFireTime < cs.cfg.FireRateCooldownMs {
		return nil, fmt.Errorf("%w: %.0fms since last shot", ErrFireRateViolation, now-shooter.LastFireTime)
	}

	shooter.LastFireTime = now
	cs.bus.Publish(events.Event{
		Type:      events.TypeWeaponFired,
		Timestamp: now,
		Payload:   events.WeaponFiredPayload{ShooterID: cmd.ShooterID},
	})

	maxDist := cs.world.Raycast(cmd.Origin, cmd.Direction, cs.cfg.WeaponRange)

	// Deterministic candidate order so equal distances resolve to the
	// lower id.
	ids := make([]uint16, 0, len(capsules))
	for id := range capsules {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	var hit *HitResult
	bestDist := maxDist
	for _, id := range ids {
		if id == cmd.ShooterID {
			continue
		}
		target, ok := cs.players[id]
		if !ok || target.IsDead || now < target.InvulnerableUntil {
			continue
		}
		dist, ok := rayCapsule(cmd.Origin, cmd.Direction, capsules[id], cs.cfg.HitRadiusForgiveness)
		if !ok || dist >= bestDist {
			continue
		}
		bestDist = dist
		hit = &HitResult{
			TargetID:    id,
			HitPosition: cmd.Origin.Add(cmd.Direction.Scale(dist)),
			Damage:      cs.cfg.Damage,
		}
	}

	if hit != nil {
		cs.bus.Publish(events.Event{
			Type:      events.TypeHitConfirmed,
			Timestamp: now,
			Payload: events.HitConfirmedPayload{
				ShooterID: cmd.ShooterID,
				TargetID:  hit.TargetID,
				Damage:    hit.Damage,
			},
		})
	}
	return hit, nil
}

// ApplyDamage subtracts damage, clamping at zero. Reaching zero sets death
// exactly once and schedules the respawn. Damage to a dead player is a no-op.
func (cs *CombatSystem) ApplyDamage(victimID, attackerID uint16, damage int, pos Vec3, now float64) {
	victim, ok := cs.players[victimID]
	if !ok || victim.IsDead {
		return
	}

	victim.Health -= damage
	if victim.Health < 0 {
		victim.Health = 0
	}

	cs.bus.Publish(events.Event{
		Type:      events.TypePlayerDamaged,
		Timestamp: now,
		Payload: events.PlayerDamagedPayload{
			VictimID:   victimID,
			AttackerID: attackerID,
			Damage:     damage,
			Health:     victim.Health,
		},
	})

	if victim.Health == 0 {
		victim.IsDead = true
		victim.DeathTime = now
		victim.RespawnTime = now + cs.cfg.RespawnTimeMs
		cs.bus.Publish(events.Event{
			Type:      events.TypePlayerDeath,
			Timestamp: now,
			Payload:   events.PlayerDeathPayload{VictimID: victimID, AttackerID: attackerID},
		})
	}
}

// Update returns the ids that are dead and due to respawn, ascending.
func (cs *CombatSystem) Update(now float64) []uint16 {
	var ready []uint16
	for id, p := range cs.players {
		if p.IsDead && now >= p.RespawnTime {
			ready = append(ready, id)
		}
	}
	sort.Slice(ready, func(i, j int) bool { return ready[i] < ready[j] })
	return ready
}

// RespawnPlayer restores health, clears death bookkeeping and grants the
// post-respawn invulnerability window.
func (cs *CombatSystem) RespawnPlayer(id uint16, now float64) {
	p, ok := cs.players[id]
	if !ok {
		return
	}
	p.Health = cs.cfg.MaxHealth
	p.IsDead = false
	p.DeathTime = 0
	p.RespawnTime = 0
	p.InvulnerableUntil = now + cs.cfg.InvulnerabilityDurationMs
}

// rayCapsule intersects a ray with a vertical capsule, widened by the hit
// forgiveness radius. The closest approach between the ray and the
// capsule's core segment decides hit or miss; the returned distance is that
// approach point pulled back along the ray to the capsule surface.
func rayCapsule(origin, dir Vec3, c Capsule, forgiveness float64) (float64, bool) {
	radius := c.Radius + forgiveness

	// Capsule core segment, radius-inset at both caps.
	p0 := c.Base.Add(Vec3{0, radius, 0})
	p1 := c.Base.Add(Vec3{0, c.Height - radius, 0})
	if p1.Y < p0.Y {
		p1 = p0
	}

	seg := p1.Sub(p0)
	w0 := origin.Sub(p0)

	a := dir.Dot(dir)
	b := dir.Dot(seg)
	cc := seg.Dot(seg)
	d := dir.Dot(w0)
	e := seg.Dot(w0)

	denom := a*cc - b*b
	var t, s float64
	if denom > 1e-9 {
		t = (b*e - cc*d) / denom
		s = (a*e - b*d) / denom
	} else {
		// Ray parallel to the capsule axis.
		t = -d / a
		s = 0
	}

	if s < 0 {
		s = 0
	} else if s > 1 {
		s = 1
	}
	// Re-derive the ray parameter against the clamped segment point.
	segPoint := p0.Add(seg.Scale(s))
	t = segPoint.Sub(origin).Dot(dir) / a
	if t < 0 {
		return 0, false
	}

	rayPoint := origin.Add(dir.Scale(t))
	dist := rayPoint.Sub(segPoint).Length()
	if dist > radius {
		return 0, false
	}

	// Pull the hit back to the capsule surface along the ray.
	back := math.Sqrt(radius*radius - dist*dist)
	t -= back
	if t < 0 {
		t = 0
	}
	return t, true
}
