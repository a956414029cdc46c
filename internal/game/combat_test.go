package game

import (
	"errors"
	"testing"

	"arena/internal/config"
	"arena/internal/events"
)

// flatWorld is an unobstructed raycaster for combat tests.
type flatWorld struct{}

func (flatWorld) Raycast(origin, dir Vec3, maxDist float64) float64 { return maxDist }

// nearWall occludes everything beyond its distance.
type nearWall struct{ dist float64 }

func (w nearWall) Raycast(origin, dir Vec3, maxDist float64) float64 {
	if w.dist < maxDist {
		return w.dist
	}
	return maxDist
}

func newCombat(t *testing.T, world Raycaster) *CombatSystem {
	t.Helper()
	return NewCombatSystem(config.DefaultCombat(), world, events.NewBus())
}

func aimedAt(target Vec3, from Vec3) FireCommand {
	return FireCommand{
		ShooterID: 1,
		Origin:    from,
		Direction: target.Sub(from).Normalized(),
	}
}

// capsulesAt builds capsules keyed by id at chest-height targets.
func capsulesAt(positions map[uint16]Vec3) map[uint16]Capsule {
	out := make(map[uint16]Capsule, len(positions))
	for id, pos := range positions {
		out[id] = CapsuleFor(pos)
	}
	return out
}

// TestProcessFireHit verifies a straight shot lands on the target capsule.
func TestProcessFireHit(t *testing.T) {
	cs := newCombat(t, flatWorld{})
	cs.InitializePlayer(1)
	cs.InitializePlayer(2)

	capsules := capsulesAt(map[uint16]Vec3{
		1: {X: 0, Y: 0, Z: 0},
		2: {X: 0, Y: 0, Z: -10},
	})
	cmd := aimedAt(Vec3{X: 0, Y: 1.0, Z: -10}, Vec3{X: 0, Y: 1.6, Z: 0})

	hit, err := cs.ProcessFire(cmd, capsules, 1000)
	if err != nil {
		t.Fatalf("ProcessFire failed: %v", err)
	}
	if hit == nil {
		t.Fatal("Expected a hit, got miss")
	}
	if hit.TargetID != 2 {
		t.Errorf("TargetID: got %d, want 2", hit.TargetID)
	}
	if hit.Damage != config.DefaultCombat().Damage {
		t.Errorf("Damage: got %d", hit.Damage)
	}
}

// TestFireRateCooldown verifies that any accepted fire is at least the
// cooldown apart from the previous accepted fire.
func TestFireRateCooldown(t *testing.T) {
	cs := newCombat(t, flatWorld{})
	cs.InitializePlayer(1)

	cmd := FireCommand{ShooterID: 1, Origin: Vec3{Y: 1.6}, Direction: Vec3{Z: -1}}

	if _, err := cs.ProcessFire(cmd, nil, 1000); err != nil {
		t.Fatalf("First fire rejected: %v", err)
	}
	if _, err := cs.ProcessFire(cmd, nil, 1100); !errors.Is(err, ErrFireRateViolation) {
		t.Errorf("Expected fire rate violation at +100ms, got %v", err)
	}
	if _, err := cs.ProcessFire(cmd, nil, 1250); err != nil {
		t.Errorf("Fire at exactly cooldown rejected: %v", err)
	}
}

// TestProcessFireRejections covers unknown and dead shooters.
func TestProcessFireRejections(t *testing.T) {
	cs := newCombat(t, flatWorld{})
	cs.InitializePlayer(1)

	if _, err := cs.ProcessFire(FireCommand{ShooterID: 9}, nil, 0); !errors.Is(err, ErrPlayerNotFound) {
		t.Errorf("Unknown shooter: got %v", err)
	}

	cs.ApplyDamage(1, 2, 100, Vec3{}, 0)
	if _, err := cs.ProcessFire(FireCommand{ShooterID: 1}, nil, 0); !errors.Is(err, ErrInvalidState) {
		t.Errorf("Dead shooter: got %v", err)
	}
}

// TestProcessFireSkipsInvulnerableAndDead verifies targets that cannot be
// hit are ignored.
func TestProcessFireSkipsInvulnerableAndDead(t *testing.T) {
	cs := newCombat(t, flatWorld{})
	cs.InitializePlayer(1)
	cs.InitializePlayer(2)

	capsules := capsulesAt(map[uint16]Vec3{2: {Z: -5}})
	cmd := aimedAt(Vec3{Y: 1.0, Z: -5}, Vec3{Y: 1.6})

	// Invulnerable target: no hit.
	cs.players[2].InvulnerableUntil = 5000
	hit, err := cs.ProcessFire(cmd, capsules, 1000)
	if err != nil {
		t.Fatalf("ProcessFire failed: %v", err)
	}
	if hit != nil {
		t.Error("Hit an invulnerable target")
	}

	// Window expired: hit lands.
	hit, err = cs.ProcessFire(cmd, capsules, 6000)
	if err != nil {
		t.Fatalf("ProcessFire failed: %v", err)
	}
	if hit == nil {
		t.Error("Expected hit after invulnerability expired")
	}
}

// TestProcessFireWallOcclusion verifies a wall in front of the target blocks
// the shot.
func TestProcessFireWallOcclusion(t *testing.T) {
	cs := newCombat(t, nearWall{dist: 2})
	cs.InitializePlayer(1)
	cs.InitializePlayer(2)

	capsules := capsulesAt(map[uint16]Vec3{2: {Z: -10}})
	hit, err := cs.ProcessFire(aimedAt(Vec3{Y: 1.0, Z: -10}, Vec3{Y: 1.6}), capsules, 1000)
	if err != nil {
		t.Fatalf("ProcessFire failed: %v", err)
	}
	if hit != nil {
		t.Error("Shot passed through a wall")
	}
}

// TestProcessFireTieLowerID verifies equal-distance candidates resolve to
// the lower id.
func TestProcessFireTieLowerID(t *testing.T) {
	cs := newCombat(t, flatWorld{})
	cs.InitializePlayer(1)
	cs.InitializePlayer(2)
	cs.InitializePlayer(3)

	// Both targets exactly overlap.
	pos := Vec3{Z: -8}
	capsules := capsulesAt(map[uint16]Vec3{2: pos, 3: pos})

	hit, err := cs.ProcessFire(aimedAt(Vec3{Y: 1.0, Z: -8}, Vec3{Y: 1.6}), capsules, 1000)
	if err != nil {
		t.Fatalf("ProcessFire failed: %v", err)
	}
	if hit == nil {
		t.Fatal("Expected a hit")
	}
	if hit.TargetID != 2 {
		t.Errorf("Tie resolved to %d, want 2", hit.TargetID)
	}
}

// TestApplyDamage verifies clamping at zero and one-shot death scheduling.
func TestApplyDamage(t *testing.T) {
	cfg := config.DefaultCombat()
	cs := newCombat(t, flatWorld{})
	cs.InitializePlayer(1)

	cs.ApplyDamage(1, 2, 30, Vec3{}, 1000)
	if st, _ := cs.PlayerState(1); st.Health != 70 || st.IsDead {
		t.Errorf("After 30 damage: %+v", st)
	}

	// Overkill clamps at zero and sets death exactly once.
	cs.ApplyDamage(1, 2, 999, Vec3{}, 2000)
	st, _ := cs.PlayerState(1)
	if st.Health != 0 || !st.IsDead {
		t.Fatalf("After overkill: %+v", st)
	}
	if st.DeathTime != 2000 || st.RespawnTime != 2000+cfg.RespawnTimeMs {
		t.Errorf("Respawn scheduling: death=%v respawn=%v", st.DeathTime, st.RespawnTime)
	}

	// Damage while dead is a no-op.
	cs.ApplyDamage(1, 2, 10, Vec3{}, 2500)
	if st2, _ := cs.PlayerState(1); st2.DeathTime != 2000 {
		t.Error("Damage while dead mutated state")
	}
}

// TestUpdateAndRespawn verifies respawn readiness and the invulnerability
// window.
func TestUpdateAndRespawn(t *testing.T) {
	cfg := config.DefaultCombat()
	cs := newCombat(t, flatWorld{})
	cs.InitializePlayer(1)
	cs.ApplyDamage(1, 2, 100, Vec3{}, 1000)

	if ready := cs.Update(1000 + cfg.RespawnTimeMs - 1); len(ready) != 0 {
		t.Errorf("Ready too early: %v", ready)
	}
	ready := cs.Update(1000 + cfg.RespawnTimeMs)
	if len(ready) != 1 || ready[0] != 1 {
		t.Fatalf("Ready list: %v", ready)
	}

	cs.RespawnPlayer(1, 5000)
	st, _ := cs.PlayerState(1)
	if st.IsDead || st.Health != cfg.MaxHealth {
		t.Errorf("After respawn: %+v", st)
	}
	if st.InvulnerableUntil != 5000+cfg.InvulnerabilityDurationMs {
		t.Errorf("Invulnerability window: %v", st.InvulnerableUntil)
	}
}

// TestRayCapsule exercises the geometric capsule test directly.
func TestRayCapsule(t *testing.T) {
	capsule := Capsule{Base: Vec3{Z: -10}, Height: PlayerHeight, Radius: PlayerRadius}

	tests := []struct {
		name    string
		origin  Vec3
		dir     Vec3
		wantHit bool
	}{
		{"dead center", Vec3{Y: 1.0}, Vec3{Z: -1}, true},
		{"graze within forgiveness", Vec3{X: PlayerRadius + 0.1, Y: 1.0}, Vec3{Z: -1}, true},
		{"clear miss", Vec3{X: 3, Y: 1.0}, Vec3{Z: -1}, false},
		{"behind the ray", Vec3{Y: 1.0}, Vec3{Z: 1}, false},
		{"over the head", Vec3{Y: 5}, Vec3{Z: -1}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dist, hit := rayCapsule(tt.origin, tt.dir, capsule, 0.2)
			if hit != tt.wantHit {
				t.Fatalf("hit=%v, want %v", hit, tt.wantHit)
			}
			if hit && (dist < 8 || dist > 10.5) {
				t.Errorf("Hit distance %v out of plausible range", dist)
			}
		})
	}
}
