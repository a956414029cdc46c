package game

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
)

// Movement balance. Server-authoritative; clients run the same constants so
// prediction matches.
const (
	MoveSpeed          = 6.0  // m/s max ground speed
	GroundAccel        = 40.0 // m/s^2 toward wish velocity on the ground
	AirControlFactor   = 0.3  // fraction of ground accel while airborne
	GroundFriction     = 10.0 // 1/s exponential decay with no input
	Gravity            = 25.0 // m/s^2 downward
	JumpImpulse        = 8.0  // m/s upward
	PlayerHeight       = 1.8  // meters
	PlayerRadius       = 0.4  // meters
	EyeHeight          = 1.6  // meters above feet
	CoyoteTimeMs       = 100.0
	LandingPenaltyMs   = 300.0 // movement penalty window after a hard landing
	HardLandingSpeed   = 10.0  // downward m/s that triggers the penalty
	LandingAccelFactor = 0.5   // accel multiplier during the penalty window
)

// MoveInput is the movement portion of one input frame, already in the
// player's local frame: MoveX strafes, MoveY is forward.
type MoveInput struct {
	MoveX float64
	MoveY float64
	Jump  bool
}

// AABB is an axis-aligned world collision box.
type AABB struct {
	Min Vec3
	Max Vec3
}

// Manifest is the JSON arena description: collision geometry and spawns.
type Manifest struct {
	Name   string       `json:"name"`
	Center [3]float64   `json:"center"`
	Boxes  []struct {
		Min [3]float64 `json:"min"`
		Max [3]float64 `json:"max"`
	} `json:"boxes"`
	Spawns []struct {
		ID       int        `json:"id"`
		Position [3]float64 `json:"position"`
	} `json:"spawns"`
}

// World is the static collision world plus its spawn set. It implements the
// physics step contract: Step is total — it returns a valid state or leaves
// the previous one intact.
type World struct {
	boxes  []AABB
	spawns []SpawnPoint
	center Vec3
}

// NewWorldFromManifest parses a JSON manifest into a World.
func NewWorldFromManifest(data []byte) (*World, error) {
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrManifestLoad, err)
	}
	if len(m.Spawns) == 0 {
		return nil, fmt.Errorf("%w: manifest has no spawn points", ErrManifestLoad)
	}

	w := &World{center: Vec3{m.Center[0], m.Center[1], m.Center[2]}}
	for _, b := range m.Boxes {
		box := AABB{
			Min: Vec3{b.Min[0], b.Min[1], b.Min[2]},
			Max: Vec3{b.Max[0], b.Max[1], b.Max[2]},
		}
		if box.Min.X > box.Max.X || box.Min.Y > box.Max.Y || box.Min.Z > box.Max.Z {
			return nil, fmt.Errorf("%w: box min exceeds max", ErrManifestLoad)
		}
		w.boxes = append(w.boxes, box)
	}
	for _, s := range m.Spawns {
		pos := Vec3{s.Position[0], s.Position[1], s.Position[2]}
		look := w.center.Sub(pos)
		look.Y = 0 // y-flattened, toward arena center
		w.spawns = append(w.spawns, SpawnPoint{
			ID:            s.ID,
			Position:      pos,
			LookDirection: look.Normalized(),
		})
	}
	return w, nil
}

// LoadWorld reads and parses a manifest file.
func LoadWorld(path string) (*World, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrManifestLoad, err)
	}
	return NewWorldFromManifest(data)
}

// DefaultWorld returns a small flat arena with four corner spawns and two
// cover boxes. Used by tests and the bot when no manifest is configured.
func DefaultWorld() *World {
	w, err := NewWorldFromManifest([]byte(`{
		"name": "default",
		"center": [0, 0, 0],
		"boxes": [
			{"min": [-2, 0, -6], "max": [2, 2, -5]},
			{"min": [-2, 0, 5], "max": [2, 2, 6]}
		],
		"spawns": [
			{"id": 1, "position": [-12, 0, -12]},
			{"id": 2, "position": [12, 0, 12]},
			{"id": 3, "position": [-12, 0, 12]},
			{"id": 4, "position": [12, 0, -12]}
		]
	}`))
	if err != nil {
		panic(err) // static manifest, cannot fail
	}
	return w
}

// SpawnPoints returns the manifest spawn set.
func (w *World) SpawnPoints() []SpawnPoint { return w.spawns }

// MaxSpeed returns the maximum legitimate horizontal speed, used by
// anti-cheat as its baseline.
func (w *World) MaxSpeed() float64 { return MoveSpeed }

// Step advances one player's physics by dt seconds. now is in milliseconds.
// The only mutation path for PlayerPhysicsState; the input is taken by value
// and a new state is returned.
func (w *World) Step(state PlayerPhysicsState, input MoveInput, yaw float64, dt float64, now float64) PlayerPhysicsState {
	if dt <= 0 || math.IsNaN(dt) {
		return state
	}

	s := state

	// Wish direction in world space from local move axes.
	forward := Vec3{-math.Sin(yaw), 0, -math.Cos(yaw)}
	right := Vec3{math.Cos(yaw), 0, -math.Sin(yaw)}
	wish := right.Scale(input.MoveX).Add(forward.Scale(input.MoveY))
	if wish.Length() > 1 {
		wish = wish.Normalized()
	}

	accel := GroundAccel
	if !s.IsGrounded {
		accel *= AirControlFactor
	}
	if now < s.LandingPenaltyEndTime {
		accel *= LandingAccelFactor
	}

	// Horizontal velocity toward wish velocity; exponential friction when
	// grounded with no input.
	target := wish.Scale(MoveSpeed)
	hv := Vec3{s.Velocity.X, 0, s.Velocity.Z}
	if wish.Length() == 0 && s.IsGrounded {
		decay := math.Exp(-GroundFriction * dt)
		hv = hv.Scale(decay)
		if hv.Length() < 0.01 {
			hv = Vec3{}
		}
	} else {
		delta := target.Sub(hv)
		step := accel * dt
		if delta.Length() <= step {
			hv = target
		} else {
			hv = hv.Add(delta.Normalized().Scale(step))
		}
	}
	s.Velocity.X = hv.X
	s.Velocity.Z = hv.Z

	// Jump, with coyote tolerance after walking off a ledge.
	if input.Jump && (s.IsGrounded || now-s.LastGroundedTime <= CoyoteTimeMs) {
		s.Velocity.Y = JumpImpulse
		s.IsGrounded = false
	}

	// Gravity and integration.
	s.Velocity.Y -= Gravity * dt
	s.Position = s.Position.Add(s.Velocity.Scale(dt))

	fallSpeed := -s.Velocity.Y
	wasAirborne := !state.IsGrounded

	// Ground plane. Position.y is bounded below by collision resolution.
	s.IsGrounded = false
	if s.Position.Y <= 0 {
		s.Position.Y = 0
		if s.Velocity.Y < 0 {
			s.Velocity.Y = 0
		}
		s.IsGrounded = true
	}

	// World boxes: push out along the minimum penetration axis.
	for _, box := range w.boxes {
		s = resolveBox(s, box)
	}

	if s.IsGrounded {
		s.LastGroundedTime = now
		if wasAirborne && fallSpeed >= HardLandingSpeed {
			s.LandingPenaltyEndTime = now + LandingPenaltyMs
		}
	}

	if !s.valid() {
		return state // total: never return NaN state
	}
	return s
}

func (s PlayerPhysicsState) valid() bool {
	for _, f := range []float64{
		s.Position.X, s.Position.Y, s.Position.Z,
		s.Velocity.X, s.Velocity.Y, s.Velocity.Z,
	} {
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return false
		}
	}
	return true
}

// resolveBox pushes the player out of one AABB along the axis of minimum
// penetration. Upward pushes ground the player.
func resolveBox(s PlayerPhysicsState, box AABB) PlayerPhysicsState {
	pMinX, pMaxX := s.Position.X-PlayerRadius, s.Position.X+PlayerRadius
	pMinY, pMaxY := s.Position.Y, s.Position.Y+PlayerHeight
	pMinZ, pMaxZ := s.Position.Z-PlayerRadius, s.Position.Z+PlayerRadius

	if pMaxX <= box.Min.X || pMinX >= box.Max.X ||
		pMaxY <= box.Min.Y || pMinY >= box.Max.Y ||
		pMaxZ <= box.Min.Z || pMinZ >= box.Max.Z {
		return s
	}

	penXPos := box.Max.X - pMinX
	penXNeg := pMaxX - box.Min.X
	penYPos := box.Max.Y - pMinY
	penYNeg := pMaxY - box.Min.Y
	penZPos := box.Max.Z - pMinZ
	penZNeg := pMaxZ - box.Min.Z

	minX := math.Min(penXPos, penXNeg)
	minY := math.Min(penYPos, penYNeg)
	minZ := math.Min(penZPos, penZNeg)

	switch {
	case minY <= minX && minY <= minZ:
		if penYPos < penYNeg {
			s.Position.Y = box.Max.Y
			if s.Velocity.Y < 0 {
				s.Velocity.Y = 0
			}
			s.IsGrounded = true
		} else {
			s.Position.Y = box.Min.Y - PlayerHeight
			if s.Velocity.Y > 0 {
				s.Velocity.Y = 0
			}
		}
	case minX <= minZ:
		if penXPos < penXNeg {
			s.Position.X = box.Max.X + PlayerRadius
		} else {
			s.Position.X = box.Min.X - PlayerRadius
		}
		s.Velocity.X = 0
	default:
		if penZPos < penZNeg {
			s.Position.Z = box.Max.Z + PlayerRadius
		} else {
			s.Position.Z = box.Min.Z - PlayerRadius
		}
		s.Velocity.Z = 0
	}
	return s
}

// Raycast returns the distance to the first world geometry hit along dir,
// or maxDist if the ray is unobstructed. dir must be normalized.
func (w *World) Raycast(origin, dir Vec3, maxDist float64) float64 {
	best := maxDist

	// Ground plane y = 0.
	if dir.Y < 0 && origin.Y > 0 {
		if t := origin.Y / -dir.Y; t < best {
			best = t
		}
	}

	for _, box := range w.boxes {
		if t, ok := rayAABB(origin, dir, box); ok && t < best {
			best = t
		}
	}
	return best
}

// rayAABB is the slab-method ray/box intersection. Returns the entry
// distance along the ray, or false for a miss or a hit behind the origin.
func rayAABB(origin, dir Vec3, box AABB) (float64, bool) {
	tMin := math.Inf(-1)
	tMax := math.Inf(1)

	for _, axis := range [3][3]float64{
		{origin.X, dir.X, 0}, {origin.Y, dir.Y, 1}, {origin.Z, dir.Z, 2},
	} {
		o, d := axis[0], axis[1]
		var lo, hi float64
		switch axis[2] {
		case 0:
			lo, hi = box.Min.X, box.Max.X
		case 1:
			lo, hi = box.Min.Y, box.Max.Y
		default:
			lo, hi = box.Min.Z, box.Max.Z
		}

		if d == 0 {
			if o < lo || o > hi {
				return 0, false
			}
			continue
		}
		t1 := (lo - o) / d
		t2 := (hi - o) / d
		if t1 > t2 {
			t1, t2 = t2, t1
		}
		tMin = math.Max(tMin, t1)
		tMax = math.Min(tMax, t2)
		if tMin > tMax {
			return 0, false
		}
	}

	if tMax < 0 {
		return 0, false
	}
	if tMin < 0 {
		return 0, true // origin inside the box
	}
	return tMin, true
}

// CapsuleFor returns the collision capsule for a player at pos.
func CapsuleFor(pos Vec3) Capsule {
	return Capsule{Base: pos, Height: PlayerHeight, Radius: PlayerRadius}
}
