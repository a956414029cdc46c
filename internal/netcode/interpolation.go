package netcode

import (
	"sort"

	"arena/internal/config"
	"arena/internal/game"
)

// RemoteEntityState is one interpolated remote entity at the render target
// time.
type RemoteEntityState struct {
	EntityID       uint16
	Position       game.Vec3
	Pitch          float64
	Yaw            float64
	Velocity       game.Vec3
	Health         uint8
	StateFlags     uint8
	IsExtrapolating bool
	IsStale         bool
}

// InterpolationBuffer renders remote entities a fixed delay behind server
// time so motion is always between two known snapshots. When the buffer runs
// dry, entities extrapolate along their last velocity up to a bound, then
// freeze stale.
type InterpolationBuffer struct {
	cfg       config.ClientConfig
	snapshots []game.StateSnapshot // sorted by tick
}

// NewInterpolationBuffer creates an empty buffer.
func NewInterpolationBuffer(cfg config.ClientConfig) *InterpolationBuffer {
	return &InterpolationBuffer{cfg: cfg}
}

// AddSnapshot stores a snapshot, keeping the window sorted by tick and
// bounded to the configured size, pruned oldest-out.
func (ib *InterpolationBuffer) AddSnapshot(s game.StateSnapshot) {
	ib.snapshots = append(ib.snapshots, s)
	n := len(ib.snapshots)
	if n > 1 && ib.snapshots[n-2].TickNumber > s.TickNumber {
		sort.Slice(ib.snapshots, func(i, j int) bool {
			return ib.snapshots[i].TickNumber < ib.snapshots[j].TickNumber
		})
	}
	if len(ib.snapshots) > ib.cfg.InterpolationBufferSize {
		ib.snapshots = ib.snapshots[len(ib.snapshots)-ib.cfg.InterpolationBufferSize:]
	}
}

// Len returns the number of buffered snapshots.
func (ib *InterpolationBuffer) Len() int { return len(ib.snapshots) }

// Interpolate produces remote-entity states at T = renderTime −
// interpolationDelay. The local player is excluded. Positions are always on
// the segment between the bracketing snapshots; angles take the shortest
// arc.
func (ib *InterpolationBuffer) Interpolate(renderTime float64, localEntityID uint16) []RemoteEntityState {
	if len(ib.snapshots) == 0 {
		return nil
	}
	target := renderTime - ib.cfg.InterpolationDelayMs

	var out []RemoteEntityState
	for _, id := range ib.knownEntities(localEntityID) {
		if st, ok := ib.interpolateEntity(id, target); ok {
			out = append(out, st)
		}
	}
	return out
}

// knownEntities lists every non-local entity seen in any stored snapshot,
// ascending.
func (ib *InterpolationBuffer) knownEntities(localEntityID uint16) []uint16 {
	seen := make(map[uint16]bool)
	for _, s := range ib.snapshots {
		for _, p := range s.Players {
			if p.EntityID != localEntityID {
				seen[p.EntityID] = true
			}
		}
	}
	ids := make([]uint16, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (ib *InterpolationBuffer) interpolateEntity(id uint16, target float64) (RemoteEntityState, bool) {
	// B: latest snapshot at or before target containing the entity.
	// A: the next snapshot after B containing it.
	beforeIdx := -1
	for i, s := range ib.snapshots {
		if s.ServerTimestamp > target {
			break
		}
		if _, ok := findPlayer(s, id); ok {
			beforeIdx = i
		}
	}

	if beforeIdx == -1 {
		// Entity only known in future snapshots; hold its earliest state.
		for _, s := range ib.snapshots {
			if p, ok := findPlayer(s, id); ok {
				return entityState(p, p.Position, p.Pitch, p.Yaw, false, false), true
			}
		}
		return RemoteEntityState{}, false
	}

	before := ib.snapshots[beforeIdx]
	b, _ := findPlayer(before, id)

	for i := beforeIdx + 1; i < len(ib.snapshots); i++ {
		a, ok := findPlayer(ib.snapshots[i], id)
		if !ok {
			continue
		}
		after := ib.snapshots[i]
		span := after.ServerTimestamp - before.ServerTimestamp
		t := 0.0
		if span > 0 {
			t = (target - before.ServerTimestamp) / span
		}
		pos := b.Position.Lerp(a.Position, t)
		pitch := game.LerpAngle(b.Pitch, a.Pitch, t)
		yaw := game.LerpAngle(b.Yaw, a.Yaw, t)
		return entityState(b, pos, pitch, yaw, false, false), true
	}

	// Only B exists: extrapolate along last velocity, freezing stale past
	// the horizon.
	age := target - before.ServerTimestamp
	if age > ib.cfg.MaxExtrapolationMs {
		return entityState(b, b.Position, b.Pitch, b.Yaw, false, true), true
	}
	pos := b.Position.Add(b.Velocity.Scale(age / 1000))
	return entityState(b, pos, b.Pitch, b.Yaw, true, false), true
}

func findPlayer(s game.StateSnapshot, id uint16) (game.PlayerState, bool) {
	for _, p := range s.Players {
		if p.EntityID == id {
			return p, true
		}
	}
	return game.PlayerState{}, false
}

func entityState(p game.PlayerState, pos game.Vec3, pitch, yaw float64, extrapolating, stale bool) RemoteEntityState {
	return RemoteEntityState{
		EntityID:        p.EntityID,
		Position:        pos,
		Pitch:           pitch,
		Yaw:             yaw,
		Velocity:        p.Velocity,
		Health:          p.Health,
		StateFlags:      p.StateFlags,
		IsExtrapolating: extrapolating,
		IsStale:         stale,
	}
}
